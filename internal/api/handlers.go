package api

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/joelklabo/autoblog/internal/app"
	"github.com/joelklabo/autoblog/internal/backend"
	"github.com/joelklabo/autoblog/internal/core"
)

const (
	defaultPostLimit = 20
	defaultLogLines  = 100
)

// statusFor maps the error taxonomy to an HTTP status. Errors outside it get
// fallback.
func statusFor(err error, fallback int) int {
	switch {
	case errors.Is(err, core.ErrInvalidPrompt):
		return http.StatusBadRequest
	case errors.Is(err, core.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, core.ErrBackendTimeout):
		return http.StatusGatewayTimeout
	case errors.Is(err, core.ErrBackendRejected),
		errors.Is(err, core.ErrModelUnavailable),
		errors.Is(err, core.ErrFeedFetch),
		errors.Is(err, core.ErrFeedParse):
		return http.StatusBadGateway
	case errors.Is(err, backend.ErrNoActive):
		return http.StatusServiceUnavailable
	case errors.Is(err, core.ErrPersistence):
		return http.StatusInternalServerError
	}
	return fallback
}

func (s *Server) fail(c *gin.Context, err error, fallback int) {
	status := statusFor(err, fallback)
	body := gin.H{"error": err.Error()}
	if stage := core.StageOf(err); stage != "" {
		body["stage"] = stage
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", slog.String("path", c.FullPath()), slog.String("err", err.Error()))
	}
	c.JSON(status, body)
}

func queryInt(c *gin.Context, key string, def int) (int, bool) {
	raw := c.Query(key)
	if raw == "" {
		return def, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func (s *Server) health(c *gin.Context) {
	body := gin.H{"status": "ok", "timestamp": time.Now().UTC()}
	if err := s.app.Health(); err != nil {
		body["status"] = "degraded"
		body["error"] = err.Error()
		c.JSON(http.StatusServiceUnavailable, body)
		return
	}
	if active, err := s.app.ActiveBackend(); err == nil {
		body["backend"] = active.Name
	}
	c.JSON(http.StatusOK, body)
}

type feedRequest struct {
	URL  string `json:"url" binding:"required"`
	Name string `json:"name"`
}

func (s *Server) addFeed(c *gin.Context) {
	var req feedRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	src, created, err := s.app.RegisterFeed(c.Request.Context(), req.URL, req.Name)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	status := http.StatusCreated
	msg := "RSS feed added successfully"
	if !created {
		status = http.StatusOK
		msg = "RSS feed already registered"
	}
	c.JSON(status, gin.H{"message": msg, "feed": src})
}

func (s *Server) listFeeds(c *gin.Context) {
	srcs, err := s.app.ListFeeds()
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"feeds": nonNil(srcs)})
}

func (s *Server) fetchFeed(c *gin.Context) {
	items, err := s.app.FetchFeed(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": nonNil(items)})
}

type backendRequest struct {
	Name           string `json:"name" binding:"required"`
	Type           string `json:"type" binding:"required"`
	ModelRef       string `json:"model_ref"`
	Endpoint       string `json:"endpoint"`
	APIKeyEnv      string `json:"api_key_env"`
	TimeoutSeconds int    `json:"timeout_seconds"`
	Activate       bool   `json:"activate"`
}

func (s *Server) addBackend(c *gin.Context) {
	var req backendRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg := core.BackendConfig{
		Name:           req.Name,
		Kind:           core.BackendKind(req.Type),
		ModelRef:       req.ModelRef,
		Endpoint:       req.Endpoint,
		APIKeyEnv:      req.APIKeyEnv,
		TimeoutSeconds: req.TimeoutSeconds,
	}
	if err := s.app.DefineBackend(cfg); err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	if req.Activate {
		if _, err := s.app.SetActiveBackend(cfg.Name); err != nil {
			s.fail(c, err, http.StatusBadRequest)
			return
		}
	}
	c.JSON(http.StatusCreated, gin.H{"message": "LLM configuration added successfully", "config": cfg})
}

func (s *Server) listBackends(c *gin.Context) {
	body := gin.H{"configs": nonNil(s.app.ListBackends())}
	if active, err := s.app.ActiveBackend(); err == nil {
		body["active"] = active.Name
	}
	c.JSON(http.StatusOK, body)
}

func (s *Server) activeBackend(c *gin.Context) {
	active, err := s.app.ActiveBackend()
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": active})
}

type activateRequest struct {
	Name string `json:"name" binding:"required"`
}

func (s *Server) setActiveBackend(c *gin.Context) {
	var req activateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	cfg, err := s.app.SetActiveBackend(req.Name)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusOK, gin.H{"active": cfg})
}

type generateRequest struct {
	Prompt string `json:"prompt"`
}

func (s *Server) generatePost(c *gin.Context) {
	var req generateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	post, err := s.app.GenerateNow(c.Request.Context(), req.Prompt)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"generated_post": post.Content, "post": post})
}

func (s *Server) addAutomation(c *gin.Context) {
	var req app.AutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a, err := s.app.RegisterAutomation(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"message": "Automation added successfully", "automation": a})
}

func (s *Server) listAutomations(c *gin.Context) {
	autos, err := s.app.ListAutomations()
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"automations": nonNil(autos)})
}

type proxyRequest struct {
	URL string `json:"url"`
}

func (s *Server) getProxy(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"url": s.app.Proxy()})
}

func (s *Server) setProxy(c *gin.Context) {
	var req proxyRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	url, err := s.app.SetProxy(req.URL)
	if err != nil {
		s.fail(c, err, http.StatusBadRequest)
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "Proxy configuration updated successfully", "url": url})
}

func (s *Server) listPosts(c *gin.Context) {
	limit, ok := queryInt(c, "limit", defaultPostLimit)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
		return
	}
	posts, err := s.app.RecentPosts(limit)
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"posts": nonNil(posts)})
}

func (s *Server) logs(c *gin.Context) {
	lines, ok := queryInt(c, "lines", defaultLogLines)
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "lines must be a non-negative integer"})
		return
	}
	events, err := s.app.RecentEvents(lines, c.Query("stage"))
	if err != nil {
		s.fail(c, err, http.StatusInternalServerError)
		return
	}
	c.JSON(http.StatusOK, gin.H{"logs": nonNil(events)})
}

// nonNil keeps empty lists encoding as [] rather than null.
func nonNil[T any](v []T) []T {
	if v == nil {
		return []T{}
	}
	return v
}
