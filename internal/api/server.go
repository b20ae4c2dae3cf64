// Package api serves the request layer over HTTP with gin.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/joelklabo/autoblog/internal/app"
	"github.com/joelklabo/autoblog/internal/config"
)

// Server hosts the JSON API.
type Server struct {
	app    *app.App
	cfg    config.APIConfig
	logger *slog.Logger
	srv    *http.Server
}

// New constructs a Server.
func New(a *app.App, cfg config.APIConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{app: a, cfg: cfg, logger: logger}
}

// Handler builds the gin engine with every route mounted.
func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery(), s.requestLog())

	origins := allowedOrigins(s.cfg.CORSOrigins)
	r.Use(cors.New(cors.Config{
		AllowOrigins:     origins,
		AllowMethods:     []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
		ExposeHeaders:    []string{"Content-Length"},
		AllowCredentials: !(len(origins) == 1 && origins[0] == "*"),
		MaxAge:           12 * time.Hour,
	}))

	// Liveness stays public.
	r.GET("/api/health", s.health)

	api := r.Group("/api")
	api.Use(s.auth())
	{
		api.POST("/rss-feeds", s.addFeed)
		api.GET("/rss-feeds", s.listFeeds)
		api.POST("/rss-feeds/:id/fetch", s.fetchFeed)

		api.POST("/llm-config", s.addBackend)
		api.GET("/llm-config", s.listBackends)
		api.GET("/llm-config/active", s.activeBackend)
		api.PUT("/llm-config/active", s.setActiveBackend)

		api.POST("/generate-post", s.generatePost)

		api.POST("/automations", s.addAutomation)
		api.GET("/automations", s.listAutomations)

		api.GET("/proxy-config", s.getProxy)
		api.POST("/proxy-config", s.setProxy)

		api.GET("/posts", s.listPosts)
		api.GET("/logs", s.logs)
	}
	return r
}

// allowedOrigins normalizes configured origins; none means any origin.
func allowedOrigins(raw []string) []string {
	var out []string
	for _, v := range raw {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// Start runs the HTTP server until ctx is canceled.
func (s *Server) Start(ctx context.Context) error {
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", slog.String("addr", s.cfg.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = s.srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		return err
	}
}

func (s *Server) auth() gin.HandlerFunc {
	tok := strings.TrimSpace(s.cfg.AuthToken)
	return func(c *gin.Context) {
		if tok == "" {
			c.Next()
			return
		}
		if c.GetHeader("Authorization") != "Bearer "+tok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.logger.Debug("http request",
			slog.String("method", c.Request.Method),
			slog.String("path", c.FullPath()),
			slog.Int("status", c.Writer.Status()),
			slog.Duration("took", time.Since(start)),
		)
	}
}
