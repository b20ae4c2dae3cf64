package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"

	"github.com/joho/godotenv"

	"github.com/joelklabo/autoblog/internal/config"
)

const envConfig = "AUTOBLOG_CONFIG"

// version is set with -ldflags "-X main.version=...".
var version = ""

func main() {
	if err := rootApp().Run(os.Args); err != nil {
		fatalf("%v", err)
	}
}

// defaultConfigPath prefers $AUTOBLOG_CONFIG, then ./config.yaml, then
// ~/.config/autoblog/config.yaml. It falls back to config.yaml even when
// nothing exists.
func defaultConfigPath() string {
	if p := os.Getenv(envConfig); p != "" {
		return p
	}
	if fileExists("config.yaml") {
		return "config.yaml"
	}
	if home, err := os.UserHomeDir(); err == nil {
		p := filepath.Join(home, ".config", "autoblog", "config.yaml")
		if fileExists(p) {
			return p
		}
	}
	return "config.yaml"
}

// loadConfig reads path. A missing file is only an error when the path was
// given explicitly; otherwise the built-in defaults are used.
func loadConfig(path string, explicit bool) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err == nil {
		return cfg, nil
	}
	if !explicit && errors.Is(err, os.ErrNotExist) {
		return config.Default(), nil
	}
	return nil, err
}

// loadEnvFiles loads .env from the working directory and from beside the
// config file. Variables already set win.
func loadEnvFiles(cfgPath string) {
	candidates := []string{".env"}
	if dir := filepath.Dir(cfgPath); dir != "." {
		candidates = append(candidates, filepath.Join(dir, ".env"))
	}
	for _, p := range candidates {
		if fileExists(p) {
			_ = godotenv.Load(p)
		}
	}
}

func setupLogger(cfg *config.Config) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	var w io.Writer = os.Stderr
	if cfg.Logging.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.Logging.File), 0o755); err == nil {
			if f, err := os.OpenFile(cfg.Logging.File, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644); err == nil {
				w = f
			}
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Logging.Format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

func buildVersion() string {
	if version != "" {
		return version
	}
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" {
		return info.Main.Version
	}
	return "dev"
}

func printBanner(w io.Writer, cfg *config.Config, ver string) {
	mag := "\033[35m"
	cyan := "\033[36m"
	gray := "\033[90m"
	reset := "\033[0m"
	if !isTTY(w) {
		mag, cyan, gray, reset = "", "", "", ""
	}

	api := "off"
	if !cfg.API.Disabled {
		api = "http://" + cfg.API.Addr
	}
	proxyURL := cfg.Proxy.URL
	if proxyURL == "" {
		proxyURL = "direct"
	}
	fmt.Fprintf(w, "%s╔══════════════════════════════════════════════════════╗%s\n", mag, reset)
	fmt.Fprintf(w, "%s║%s  autoblog %s\n", mag, reset, ver)
	fmt.Fprintf(w, "%s╠══════════════════════════════════════════════════════╣%s\n", mag, reset)
	fmt.Fprintf(w, "%s║%s backend %s%s%s\n", mag, reset, cyan, cfg.ActiveBackend, reset)
	fmt.Fprintf(w, "%s║%s api     %s%s%s\n", mag, reset, cyan, api, reset)
	fmt.Fprintf(w, "%s║%s proxy   %s%s%s\n", mag, reset, cyan, proxyURL, reset)
	fmt.Fprintf(w, "%s║%s state   %s%s%s\n", mag, reset, cyan, cfg.Storage.Path, reset)
	fmt.Fprintf(w, "%s╚══════════════════════════════════════════════════════╝%s\n", mag, reset)
	fmt.Fprintf(w, "%sTip:%s POST /api/generate-post or run `autoblog generate <prompt>`.\n", gray, reset)
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func fatalf(msg string, args ...any) {
	fmt.Fprintf(os.Stderr, msg+"\n", args...)
	os.Exit(1)
}
