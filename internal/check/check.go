// Package check runs preflight checks for `autoblog doctor`.
package check

import (
	"github.com/joelklabo/autoblog/internal/config"
)

// Result represents a single dependency check outcome.
type Result struct {
	Name     string
	Type     string
	Status   string // OK|MISSING|WARN
	Details  string
	Optional bool
}

// Checker defines an interface for running checks.
type Checker interface {
	Check(dep DepInput) Result
}

// DepInput is a simplified view from config.Dep.
type DepInput struct {
	Name     string
	Type     string
	Optional bool
	Hint     string
}

// Checkers returns the default checker per dep type.
func Checkers(urls URLChecker) map[string]Checker {
	return map[string]Checker{
		"env":      EnvChecker{},
		"file":     FileChecker{},
		"dirwrite": DirWriteChecker{},
		"url":      urls,
		"port":     PortChecker{},
	}
}

// Run checks every dep; deps of unknown type are reported as WARN.
func Run(deps []config.Dep, checkers map[string]Checker) []Result {
	out := make([]Result, 0, len(deps))
	for _, d := range deps {
		in := DepInput{Name: d.Name, Type: d.Type, Optional: d.Optional, Hint: d.Hint}
		chk, ok := checkers[d.Type]
		if !ok {
			out = append(out, Result{Name: d.Name, Type: d.Type, Status: "WARN", Details: "unknown check type", Optional: d.Optional})
			continue
		}
		res := chk.Check(in)
		res.Optional = d.Optional
		out = append(out, res)
	}
	return out
}

// Missing counts required deps that failed.
func Missing(results []Result) int {
	n := 0
	for _, r := range results {
		if r.Status == "MISSING" {
			n++
		}
	}
	return n
}

func missingStatus(optional bool) string {
	if optional {
		return "WARN"
	}
	return "MISSING"
}
