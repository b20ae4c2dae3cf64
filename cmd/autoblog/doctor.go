package main

import (
	"fmt"
	"io"

	"github.com/urfave/cli/v2"

	"github.com/joelklabo/autoblog/internal/check"
	"github.com/joelklabo/autoblog/internal/config"
	"github.com/joelklabo/autoblog/internal/presets"
	"github.com/joelklabo/autoblog/internal/proxy"
)

func doctorCmd() *cli.Command {
	return &cli.Command{
		Name:  "doctor",
		Usage: "Check that the config's dependencies are in place",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "preset", Usage: "also check the preset's declared deps"},
			&cli.BoolFlag{Name: "json", Usage: "print results as JSON"},
		},
		Action: func(c *cli.Context) error {
			cfg, err := configFrom(c)
			if err != nil {
				return err
			}
			return runDoctor(c.App.Writer, cfg, c.String("preset"), c.Bool("json"))
		},
	}
}

// runDoctor executes dependency checks for the current config/preset.
// It returns an error if any required dependency is missing.
func runDoctor(w io.Writer, cfg *config.Config, presetName string, asJSON bool) error {
	deps := check.AggregateDeps(cfg, presetName, presets.PresetDeps())
	policy, err := proxy.Parse(cfg.Proxy.URL)
	if err != nil {
		return err
	}
	results := check.Run(deps, check.Checkers(check.URLChecker{Proxy: policy}))

	if asJSON {
		if err := writeJSON(w, results); err != nil {
			return err
		}
	} else {
		for _, res := range results {
			switch res.Status {
			case "MISSING":
				fmt.Fprintf(w, "❌ %s (%s) - %s\n", res.Name, res.Type, res.Details)
			case "WARN":
				fmt.Fprintf(w, "⚠️  %s (%s) - %s\n", res.Name, res.Type, res.Details)
			default:
				fmt.Fprintf(w, "✅ %s (%s)\n", res.Name, res.Type)
			}
		}
	}
	if missing := check.Missing(results); missing > 0 {
		return fmt.Errorf("%d required dependencies missing", missing)
	}
	return nil
}
