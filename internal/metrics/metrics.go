package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	feedFetches = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoblog_feed_fetches_total", Help: "Feed fetches by outcome"}, []string{"status"})
	feedItems   = prometheus.NewCounter(prometheus.CounterOpts{Name: "autoblog_feed_items_total", Help: "New feed items recorded"})
	generations = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoblog_generations_total", Help: "Backend generate calls"}, []string{"backend", "status"})
	genLatency  = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "autoblog_generation_seconds",
		Help:    "Backend generate latency",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"backend"})
	postsStored    = prometheus.NewCounter(prometheus.CounterOpts{Name: "autoblog_posts_total", Help: "Blog posts persisted"})
	automationRuns = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoblog_automation_runs_total", Help: "Automation runs by outcome"}, []string{"status"})
	events         = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "autoblog_events_total", Help: "Observability events"}, []string{"stage", "level"})
)

func init() {
	prometheus.MustRegister(feedFetches, feedItems, generations, genLatency, postsStored, automationRuns, events)
}

// Handler exposes the default registry.
func Handler() http.Handler { return promhttp.Handler() }

// Start serves /metrics on listen until ctx ends. An empty listen disables it.
func Start(ctx context.Context, listen string, log *slog.Logger) error {
	if listen == "" {
		return nil
	}
	if log == nil {
		log = slog.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())
	srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		log.Info("metrics listening", slog.String("addr", listen))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err != nil {
			log.Error("metrics server failed", slog.String("err", err.Error()))
		}
		return err
	}
}

func IncFeedFetch(status string) { feedFetches.WithLabelValues(status).Inc() }

func AddFeedItems(n int) { feedItems.Add(float64(n)) }

func ObserveGeneration(backend, status string, d time.Duration) {
	generations.WithLabelValues(backend, status).Inc()
	genLatency.WithLabelValues(backend).Observe(d.Seconds())
}

func IncPost() { postsStored.Inc() }

func IncAutomationRun(status string) { automationRuns.WithLabelValues(status).Inc() }

func IncEvent(stage, level string) { events.WithLabelValues(stage, level).Inc() }
