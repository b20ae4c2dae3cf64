package check

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/joelklabo/autoblog/internal/proxy"
)

// EnvChecker requires a non-empty environment variable.
type EnvChecker struct{}

func (EnvChecker) Check(dep DepInput) Result {
	res := Result{Name: dep.Name, Type: dep.Type, Status: "OK"}
	if os.Getenv(dep.Name) == "" {
		res.Status = missingStatus(dep.Optional)
		res.Details = fmt.Sprintf("not set (%s)", dep.Hint)
	}
	return res
}

// FileChecker requires a readable regular file.
type FileChecker struct{}

func (FileChecker) Check(dep DepInput) Result {
	res := Result{Name: dep.Name, Type: dep.Type, Status: "OK"}
	fi, err := os.Stat(dep.Name)
	switch {
	case err != nil:
		res.Status = missingStatus(dep.Optional)
		res.Details = fmt.Sprintf("%v (%s)", err, dep.Hint)
	case fi.IsDir():
		res.Status = missingStatus(dep.Optional)
		res.Details = "is a directory"
	default:
		res.Details = fmt.Sprintf("%d bytes", fi.Size())
	}
	return res
}

// DirWriteChecker requires an existing directory that accepts new files.
type DirWriteChecker struct{}

func (DirWriteChecker) Check(dep DepInput) Result {
	res := Result{Name: dep.Name, Type: dep.Type, Status: "OK"}
	fi, err := os.Stat(dep.Name)
	if err != nil || !fi.IsDir() {
		res.Status = missingStatus(dep.Optional)
		res.Details = fmt.Sprintf("not a directory (%s)", dep.Hint)
		return res
	}
	f, err := os.CreateTemp(dep.Name, ".autoblog-check-*")
	if err != nil {
		res.Status = missingStatus(dep.Optional)
		res.Details = fmt.Sprintf("not writable: %v", err)
		return res
	}
	name := f.Name()
	_ = f.Close()
	_ = os.Remove(name)
	return res
}

// URLChecker requires an HTTP response from the URL, through the proxy when set.
type URLChecker struct {
	Proxy   proxy.Policy
	Timeout time.Duration
}

func (c URLChecker) Check(dep DepInput) Result {
	res := Result{Name: dep.Name, Type: dep.Type, Status: "OK"}
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, dep.Name, nil)
	if err != nil {
		res.Status = missingStatus(dep.Optional)
		res.Details = err.Error()
		return res
	}
	resp, err := proxy.NewClient(c.Proxy, timeout).Do(req)
	if err != nil {
		res.Status = missingStatus(dep.Optional)
		res.Details = fmt.Sprintf("unreachable: %v", err)
		return res
	}
	_ = resp.Body.Close()
	res.Details = resp.Status
	return res
}

// PortChecker requires a TCP listener at host:port.
type PortChecker struct{}

func (PortChecker) Check(dep DepInput) Result {
	res := Result{Name: dep.Name, Type: dep.Type, Status: "OK"}
	conn, err := net.DialTimeout("tcp", dep.Name, 2*time.Second)
	if err != nil {
		res.Status = missingStatus(dep.Optional)
		res.Details = fmt.Sprintf("no listener (%s)", dep.Hint)
		return res
	}
	_ = conn.Close()
	return res
}

// nearestDir walks up from path to the first existing directory.
func nearestDir(path string) string {
	dir := filepath.Dir(path)
	for {
		if fi, err := os.Stat(dir); err == nil && fi.IsDir() {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return dir
		}
		dir = parent
	}
}
