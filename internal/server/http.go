package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Heratiki/locallama-mcp/internal/fault"
	"github.com/Heratiki/locallama-mcp/internal/jobs"
	"github.com/Heratiki/locallama-mcp/internal/registry"
)

// HTTP is the read-only resource surface plus the tool endpoints and
// the websocket job feed.
type HTTP struct {
	svc      *Service
	engine   *gin.Engine
	upgrader websocket.Upgrader
	logger   *zap.Logger
}

// NewHTTP builds the HTTP adapter around a Service.
func NewHTTP(svc *Service, logger *zap.Logger) *HTTP {
	if logger == nil {
		logger = zap.NewNop()
	}
	gin.SetMode(gin.ReleaseMode)
	h := &HTTP{
		svc:    svc,
		logger: logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			// The surface binds to loopback; origin checks add nothing.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	h.engine = h.routes()
	return h
}

// Handler exposes the adapter for net/http servers and tests.
func (h *HTTP) Handler() http.Handler { return h.engine }

func (h *HTTP) routes() *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery())

	// Tool operations.
	r.POST("/tools/route_task", h.routeTask)
	r.POST("/tools/preemptive_route_task", h.preemptiveRouteTask)
	r.POST("/tools/get_cost_estimate", h.costEstimate)
	r.POST("/tools/cancel_job", h.cancelJob)
	r.POST("/tools/get_free_models", h.freeModels)
	r.POST("/tools/benchmark_free_models", h.benchmark)

	// Read-only resources.
	r.GET("/status", h.status)
	r.GET("/models", h.models)
	r.GET("/jobs/active", h.activeJobs)
	r.GET("/jobs/progress/:id", h.jobProgress)
	r.GET("/openrouter/models", h.openRouterModels(false))
	r.GET("/openrouter/free-models", h.openRouterModels(true))
	r.GET("/openrouter/status", h.openRouterStatus)
	r.GET("/openrouter/model/*id", h.openRouterModel)
	r.GET("/openrouter/prompting-strategy/*id", h.promptingStrategy)
	r.GET("/usage/:api", h.usage)

	r.GET("/ws/jobs", h.jobFeed)
	return r
}

func (h *HTTP) routeTask(c *gin.Context) {
	var req RouteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fault.Invalid("body", "malformed request: %v", err))
		return
	}
	resp, err := h.svc.RouteTask(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTP) preemptiveRouteTask(c *gin.Context) {
	var req RouteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fault.Invalid("body", "malformed request: %v", err))
		return
	}
	resp, err := h.svc.PreemptiveRouteTask(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTP) costEstimate(c *gin.Context) {
	var req CostEstimateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fault.Invalid("body", "malformed request: %v", err))
		return
	}
	resp, err := h.svc.GetCostEstimate(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTP) cancelJob(c *gin.Context) {
	var req struct {
		JobID string `json:"job_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fault.Invalid("body", "malformed request: %v", err))
		return
	}
	resp, err := h.svc.CancelJob(req.JobID)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (h *HTTP) freeModels(c *gin.Context) {
	var req struct {
		Preemptive bool `json:"preemptive"`
	}
	// An empty body means no refresh.
	_ = c.ShouldBindJSON(&req)
	models, err := h.svc.GetFreeModels(c.Request.Context(), req.Preemptive)
	if err != nil {
		h.fail(c, err)
		return
	}
	sortModelInfos(models)
	c.JSON(http.StatusOK, gin.H{"models": models})
}

func (h *HTTP) benchmark(c *gin.Context) {
	var req BenchmarkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.fail(c, fault.Invalid("body", "malformed request: %v", err))
		return
	}
	summaries, err := h.svc.BenchmarkFreeModels(c.Request.Context(), req)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"results": summaries})
}

func (h *HTTP) status(c *gin.Context) {
	byProvider := map[string]int{}
	for _, m := range h.svc.catalog.Models(c.Request.Context()) {
		byProvider[string(m.Provider)]++
	}
	docs := 0
	if h.svc.index != nil {
		docs = h.svc.index.DocumentCount()
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"uptime_seconds":    int(time.Since(h.svc.started).Seconds()),
		"active_jobs":       len(h.svc.tracker.Active()),
		"indexed_documents": docs,
		"models":            byProvider,
	})
}

func (h *HTTP) models(c *gin.Context) {
	all := h.svc.catalog.Models(c.Request.Context())
	infos := make([]ModelInfo, 0, len(all))
	for _, m := range all {
		infos = append(infos, modelInfo(m))
	}
	sortModelInfos(infos)
	c.JSON(http.StatusOK, gin.H{"models": infos})
}

func (h *HTTP) activeJobs(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.svc.tracker.Active()})
}

func (h *HTTP) jobProgress(c *gin.Context) {
	job, err := h.svc.tracker.Get(c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

func (h *HTTP) openRouterModels(freeOnly bool) gin.HandlerFunc {
	return func(c *gin.Context) {
		models, err := h.svc.catalog.ModelsFor(c.Request.Context(), registry.OpenRouter)
		if err != nil && len(models) == 0 {
			h.fail(c, err)
			return
		}
		infos := make([]ModelInfo, 0, len(models))
		for _, m := range models {
			if freeOnly && !m.Free() {
				continue
			}
			infos = append(infos, modelInfo(m))
		}
		sortModelInfos(infos)
		c.JSON(http.StatusOK, gin.H{"models": infos})
	}
}

func (h *HTTP) openRouterStatus(c *gin.Context) {
	models, err := h.svc.catalog.ModelsFor(c.Request.Context(), registry.OpenRouter)
	free := 0
	for _, m := range models {
		if m.Free() {
			free++
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"available":   err == nil,
		"has_api_key": h.svc.cfg.OpenRouterAPIKey != "",
		"models":      len(models),
		"free_models": free,
	})
}

func (h *HTTP) openRouterModel(c *gin.Context) {
	id := strings.TrimPrefix(c.Param("id"), "/")
	m, err := h.svc.catalog.Lookup(c.Request.Context(), string(registry.OpenRouter)+":"+id)
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, modelInfo(m))
}

func (h *HTTP) promptingStrategy(c *gin.Context) {
	if h.svc.strategies == nil {
		h.fail(c, fault.New(fault.NotFound, "no strategy store configured"))
		return
	}
	id := strings.TrimPrefix(c.Param("id"), "/")
	c.JSON(http.StatusOK, gin.H{
		"model":    id,
		"strategy": h.svc.strategies.For(id),
	})
}

func (h *HTTP) usage(c *gin.Context) {
	if h.svc.usage == nil {
		h.fail(c, fault.New(fault.NotFound, "usage tracking not configured"))
		return
	}
	api := c.Param("api")
	c.JSON(http.StatusOK, gin.H{
		"api":   api,
		"usage": h.svc.usage.For(api),
	})
}

// jobFeed upgrades to a websocket and relays bus events until the
// client goes away.
func (h *HTTP) jobFeed(c *gin.Context) {
	bus := h.svc.tracker.Bus()
	if bus == nil {
		h.fail(c, fault.New(fault.PreconditionFailed, "job events are not enabled"))
		return
	}
	// Subscribe before the upgrade completes so an event raised the
	// instant the client connects is not lost.
	events := make(chan jobs.Event, 64)
	cancel := bus.Subscribe(func(ev jobs.Event) {
		select {
		case events <- ev:
		default:
			// A slow consumer drops events rather than blocking the bus.
		}
	})
	defer cancel()

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		return
	}
	defer conn.Close()

	// Reader goroutine notices the peer closing.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev := <-events:
			if err := conn.WriteJSON(ev); err != nil {
				return
			}
		case <-closed:
			return
		}
	}
}

// fail maps a fault kind onto the closest HTTP status.
func (h *HTTP) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch fault.KindOf(err) {
	case fault.InputInvalid:
		status = http.StatusBadRequest
	case fault.NotFound:
		status = http.StatusNotFound
	case fault.PreconditionFailed:
		status = http.StatusConflict
	case fault.NoSuitableModel:
		status = http.StatusUnprocessableEntity
	case fault.BackendTransient, fault.DependencyUnavailable:
		status = http.StatusServiceUnavailable
	case fault.BackendPermanent:
		status = http.StatusBadGateway
	}
	if status >= 500 {
		h.logger.Error("request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	body := gin.H{
		"kind":    string(fault.KindOf(err)),
		"message": err.Error(),
	}
	var fe *fault.Error
	if errors.As(err, &fe) {
		body["message"] = fe.Message
		if fe.Field != "" {
			body["field"] = fe.Field
		}
		if fe.Hint != "" {
			body["hint"] = fe.Hint
		}
	}
	c.JSON(status, gin.H{"error": body})
}
