package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/joelklabo/autoblog/internal/api"
	"github.com/joelklabo/autoblog/internal/app"
	"github.com/joelklabo/autoblog/internal/config"
	"github.com/joelklabo/autoblog/internal/core"
	"github.com/joelklabo/autoblog/internal/metrics"
	"github.com/joelklabo/autoblog/internal/presets"
	"github.com/joelklabo/autoblog/internal/store"
	"github.com/joelklabo/autoblog/internal/wizard"
)

func rootApp() *cli.App {
	return &cli.App{
		Name:    "autoblog",
		Usage:   "Turn prompts and RSS feeds into blog posts with local or remote models",
		Version: buildVersion(),
		Description: `autoblog ingests RSS/Atom feeds, generates posts with a local model or
an OpenAI-compatible API, and runs generation on schedules.

Config is read from --config, $AUTOBLOG_CONFIG, ./config.yaml or
~/.config/autoblog/config.yaml. A .env file next to the config is loaded
first so api_key_env secrets resolve.`,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "path to config.yaml",
				EnvVars: []string{envConfig},
			},
		},
		Commands: []*cli.Command{
			serveCmd(),
			generateCmd(),
			feedsCmd(),
			automationsCmd(),
			postsCmd(),
			logsCmd(),
			backendCmd(),
			proxyCmd(),
			initCmd(),
			doctorCmd(),
			presetsCmd(),
			versionCmd(),
		},
		Action: func(c *cli.Context) error {
			return cli.ShowAppHelp(c)
		},
	}
}

// session is what a command needs once config is loaded.
type session struct {
	cfg *config.Config
	app *app.App
	log *slog.Logger
	out io.Writer
}

func configFrom(c *cli.Context) (*config.Config, error) {
	path := c.String("config")
	explicit := path != ""
	if !explicit {
		path = defaultConfigPath()
	}
	loadEnvFiles(path)
	return loadConfig(path, explicit)
}

// withApp loads config, opens the store and builds the app for the duration
// of fn.
func withApp(c *cli.Context, opts []app.Option, fn func(context.Context, *session) error) error {
	cfg, err := configFrom(c)
	if err != nil {
		return err
	}
	logger := setupLogger(cfg)
	st, err := store.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()

	ctx := c.Context
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := app.Build(ctx, cfg, st, logger, opts...)
	if err != nil {
		return err
	}
	return fn(ctx, &session{cfg: cfg, app: a, log: logger, out: c.App.Writer})
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func serveCmd() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Run the HTTP API, the scheduler and the metrics endpoint",
		Flags: []cli.Flag{
			&cli.BoolFlag{Name: "no-api", Usage: "do not start the HTTP API"},
			&cli.BoolFlag{Name: "no-scheduler", Usage: "do not run automations"},
		},
		Action: func(c *cli.Context) error {
			ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			c.Context = ctx
			return withApp(c, nil, func(ctx context.Context, rt *session) error {
				return serve(ctx, rt, !c.Bool("no-api"), !c.Bool("no-scheduler"))
			})
		},
	}
}

func serve(ctx context.Context, rt *session, withAPI, withScheduler bool) error {
	withAPI = withAPI && !rt.cfg.API.Disabled
	withScheduler = withScheduler && !rt.cfg.Scheduler.Disabled
	printBanner(rt.out, rt.cfg, buildVersion())
	rt.log.Info("autoblog starting",
		slog.String("backend", rt.cfg.ActiveBackend),
		slog.Bool("api", withAPI),
		slog.Bool("scheduler", withScheduler),
	)

	g, gctx := errgroup.WithContext(ctx)
	if withScheduler {
		g.Go(func() error { return rt.app.Scheduler().Start(gctx) })
	}
	if withAPI {
		srv := api.New(rt.app, rt.cfg.API, rt.log)
		g.Go(func() error { return srv.Start(gctx) })
	}
	g.Go(func() error { return metrics.Start(gctx, rt.cfg.Metrics.Listen, rt.log) })

	err := g.Wait()
	rt.log.Info("shutdown complete")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func generateCmd() *cli.Command {
	return &cli.Command{
		Name:      "generate",
		Usage:     "Generate one post from a prompt, or one post per new item of a feed",
		ArgsUsage: "<prompt>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "feed", Usage: "feed source id to generate from instead of a prompt"},
			&cli.StringFlag{Name: "template", Usage: "prompt template for feed items"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, nil, func(ctx context.Context, rt *session) error {
				if id := c.String("feed"); id != "" {
					posts, err := rt.app.GenerateFromFeed(ctx, id, c.String("template"))
					if len(posts) > 0 {
						_ = writeJSON(rt.out, posts)
					}
					return err
				}
				prompt := strings.Join(c.Args().Slice(), " ")
				post, err := rt.app.GenerateNow(ctx, prompt)
				if err != nil {
					return err
				}
				return writeJSON(rt.out, post)
			})
		},
	}
}

func feedsCmd() *cli.Command {
	return &cli.Command{
		Name:  "feeds",
		Usage: "Manage RSS/Atom sources",
		Subcommands: []*cli.Command{
			{
				Name:      "add",
				Usage:     "Register a feed URL",
				ArgsUsage: "<url>",
				Flags:     []cli.Flag{&cli.StringFlag{Name: "name", Usage: "display name"}},
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						src, created, err := rt.app.RegisterFeed(ctx, c.Args().First(), c.String("name"))
						if err != nil {
							return err
						}
						if !created {
							fmt.Fprintf(rt.out, "already registered as %s\n", src.ID)
							return nil
						}
						return writeJSON(rt.out, src)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List registered feeds",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						srcs, err := rt.app.ListFeeds()
						if err != nil {
							return err
						}
						tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "ID\tURL\tLAST FETCHED")
						for _, s := range srcs {
							fmt.Fprintf(tw, "%s\t%s\t%s\n", s.ID, s.URL, fmtTime(s.LastFetchedAt))
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:      "fetch",
				Usage:     "Fetch a feed now and print its new items",
				ArgsUsage: "<id>",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						items, err := rt.app.FetchFeed(ctx, c.Args().First())
						if err != nil {
							return err
						}
						return writeJSON(rt.out, items)
					})
				},
			},
		},
	}
}

func automationsCmd() *cli.Command {
	return &cli.Command{
		Name:  "automations",
		Usage: "Manage scheduled generation",
		Subcommands: []*cli.Command{
			{
				Name:  "add",
				Usage: "Create an automation",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "schedule", Required: true, Usage: "duration (30m), @every 1h, @hourly, @daily or @weekly"},
					&cli.StringFlag{Name: "source", Usage: "feed URL, registered if new"},
					&cli.StringFlag{Name: "source-id", Usage: "existing feed source id"},
					&cli.StringFlag{Name: "prompt", Usage: "prompt, or item template when a source is set"},
				},
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						a, err := rt.app.RegisterAutomation(ctx, app.AutomationRequest{
							Name:      c.String("name"),
							Schedule:  c.String("schedule"),
							SourceID:  c.String("source-id"),
							SourceURL: c.String("source"),
							Prompt:    c.String("prompt"),
						})
						if err != nil {
							return err
						}
						return writeJSON(rt.out, a)
					})
				},
			},
			{
				Name:  "list",
				Usage: "List automations",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						autos, err := rt.app.ListAutomations()
						if err != nil {
							return err
						}
						tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "NAME\tSCHEDULE\tLAST RUN\tNEXT DUE")
						for _, a := range autos {
							fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", a.Name, a.Schedule, fmtTime(a.LastRunAt), fmtTime(a.NextDueAt))
						}
						return tw.Flush()
					})
				},
			},
		},
	}
}

func postsCmd() *cli.Command {
	return &cli.Command{
		Name:  "posts",
		Usage: "Show recent posts",
		Flags: []cli.Flag{&cli.IntFlag{Name: "limit", Value: 10}},
		Action: func(c *cli.Context) error {
			return withApp(c, nil, func(ctx context.Context, rt *session) error {
				posts, err := rt.app.RecentPosts(c.Int("limit"))
				if err != nil {
					return err
				}
				return writeJSON(rt.out, posts)
			})
		},
	}
}

func logsCmd() *cli.Command {
	return &cli.Command{
		Name:  "logs",
		Usage: "Show recent events",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "lines", Value: 50},
			&cli.StringFlag{Name: "stage", Usage: "ingest, generate, persist or scheduler"},
		},
		Action: func(c *cli.Context) error {
			return withApp(c, nil, func(ctx context.Context, rt *session) error {
				events, err := rt.app.RecentEvents(c.Int("lines"), c.String("stage"))
				if err != nil {
					return err
				}
				for i := len(events) - 1; i >= 0; i-- {
					e := events[i]
					fmt.Fprintf(rt.out, "%s %-5s %-9s %s\n", e.Timestamp.Format(time.RFC3339), e.Level, e.Stage, e.Message)
				}
				return nil
			})
		},
	}
}

func backendCmd() *cli.Command {
	return &cli.Command{
		Name:  "backend",
		Usage: "Inspect and switch generation backends",
		Subcommands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List defined backends",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						active, _ := rt.app.ActiveBackend()
						tw := tabwriter.NewWriter(rt.out, 0, 4, 2, ' ', 0)
						fmt.Fprintln(tw, "\tNAME\tKIND\tMODEL\tENDPOINT")
						for _, b := range rt.app.ListBackends() {
							mark := ""
							if b.Name == active.Name {
								mark = "*"
							}
							fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", mark, b.Name, b.Kind, b.ModelRef, b.Endpoint)
						}
						return tw.Flush()
					})
				},
			},
			{
				Name:  "get",
				Usage: "Print the active backend",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						active, err := rt.app.ActiveBackend()
						if err != nil {
							return err
						}
						return writeJSON(rt.out, active)
					})
				},
			},
			{
				Name:      "set",
				Usage:     "Activate a defined backend",
				ArgsUsage: "<name>",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						cfg, err := rt.app.SetActiveBackend(c.Args().First())
						if err != nil {
							return err
						}
						fmt.Fprintf(rt.out, "active backend: %s (%s)\n", cfg.Name, cfg.Kind)
						return nil
					})
				},
			},
			{
				Name:  "add",
				Usage: "Define a backend",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "name", Required: true},
					&cli.StringFlag{Name: "kind", Value: string(core.KindLocal), Usage: "local or remote"},
					&cli.StringFlag{Name: "model", Required: true, Usage: "model ref, e.g. echo, markov:corpus.txt or gpt-4o-mini"},
					&cli.StringFlag{Name: "endpoint", Usage: "remote base URL"},
					&cli.StringFlag{Name: "api-key-env", Usage: "env var holding the API key"},
					&cli.BoolFlag{Name: "activate", Usage: "make it active"},
				},
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						cfg := core.BackendConfig{
							Name:      c.String("name"),
							Kind:      core.BackendKind(c.String("kind")),
							ModelRef:  c.String("model"),
							Endpoint:  c.String("endpoint"),
							APIKeyEnv: c.String("api-key-env"),
						}
						if err := rt.app.DefineBackend(cfg); err != nil {
							return err
						}
						if c.Bool("activate") {
							if _, err := rt.app.SetActiveBackend(cfg.Name); err != nil {
								return err
							}
						}
						fmt.Fprintf(rt.out, "defined backend %s\n", cfg.Name)
						return nil
					})
				},
			},
		},
	}
}

func proxyCmd() *cli.Command {
	return &cli.Command{
		Name:  "proxy",
		Usage: "Inspect or change the egress proxy",
		Subcommands: []*cli.Command{
			{
				Name:  "get",
				Usage: "Print the proxy URL",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						p := rt.app.Proxy()
						if p == "" {
							p = "direct"
						}
						fmt.Fprintln(rt.out, p)
						return nil
					})
				},
			},
			{
				Name:      "set",
				Usage:     "Set the proxy URL; omit the argument for direct connections",
				ArgsUsage: "[url]",
				Action: func(c *cli.Context) error {
					return withApp(c, nil, func(ctx context.Context, rt *session) error {
						p, err := rt.app.SetProxy(c.Args().First())
						if err != nil {
							return err
						}
						if p == "" {
							p = "direct"
						}
						fmt.Fprintf(rt.out, "proxy: %s\n", p)
						return nil
					})
				},
			},
		},
	}
}

func initCmd() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create a config interactively",
		Flags: []cli.Flag{&cli.StringFlag{Name: "path", Usage: "where to write config.yaml"}},
		Action: func(c *cli.Context) error {
			path, err := wizard.Run(c.Context, c.String("path"), nil, wizard.Options{Out: c.App.Writer})
			if err != nil {
				return err
			}
			fmt.Fprintf(c.App.Writer, "Config ready: %s\nNext: autoblog doctor -c %s\n", path, path)
			return nil
		},
	}
}

func presetsCmd() *cli.Command {
	return &cli.Command{
		Name:      "presets",
		Usage:     "List presets or print one",
		ArgsUsage: "[name]",
		Action: func(c *cli.Context) error {
			if name := c.Args().First(); name != "" {
				data, err := presets.Get(name)
				if err != nil {
					return err
				}
				_, err = c.App.Writer.Write(data)
				return err
			}
			descs := presets.List()
			tw := tabwriter.NewWriter(c.App.Writer, 0, 4, 2, ' ', 0)
			for _, n := range presets.Names() {
				fmt.Fprintf(tw, "%s\t%s\n", n, descs[n])
			}
			return tw.Flush()
		},
	}
}

func versionCmd() *cli.Command {
	return &cli.Command{
		Name:  "version",
		Usage: "Print the version",
		Action: func(c *cli.Context) error {
			fmt.Fprintf(c.App.Writer, "autoblog %s\n", buildVersion())
			return nil
		},
	}
}

func fmtTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}
