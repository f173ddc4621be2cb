package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	mng "github.com/loykin/proxymgr/internal/manager"
	"github.com/loykin/proxymgr/internal/metrics"
	"github.com/loykin/proxymgr/internal/store"
)

// Service is the part of the orchestrator exposed over HTTP.
type Service interface {
	Start(ctx context.Context, req mng.StartRequest) (*store.ServerRecord, error)
	Shutdown(ctx context.Context, parentID, callerID, secret string) error
	List(ctx context.Context, parentID string) ([]store.Entry, error)
	Sweep(ctx context.Context) (int, error)
}

// Router provides embeddable HTTP handlers over the orchestrator.
// Endpoints:
//
//	POST {basePath}/start     body: startReq JSON; returns the record including its secret
//	POST {basePath}/shutdown  body: shutdownReq JSON
//	GET  {basePath}/servers   query: parent_id=... (optional); secrets are redacted
//	POST {basePath}/sweep     removes records of dead contexts
//
// basePath may be empty or start with '/'; no trailing slash.
type Router struct {
	svc      Service
	basePath string
	metrics  bool
	log      *slog.Logger
}

// NewRouter constructs a new Router with configurable basePath.
func NewRouter(svc Service, basePath string, log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{svc: svc, basePath: sanitizeBase(basePath), log: log.With("component", "http")}
}

// WithMetrics also serves the Prometheus handler at /metrics.
func (r *Router) WithMetrics() *Router {
	r.metrics = true
	return r
}

// Handler returns an http.Handler powered by gin that can be mounted in any server/mux.
func (r *Router) Handler() http.Handler {
	g := gin.New()
	g.Use(gin.Recovery())
	group := g.Group(r.basePath)
	group.POST("/start", r.handleStart)
	group.POST("/shutdown", r.handleShutdown)
	group.GET("/servers", r.handleServers)
	group.POST("/sweep", r.handleSweep)
	if r.metrics {
		g.GET("/metrics", gin.WrapH(metrics.Handler()))
	}
	return g
}

// NewServer builds an HTTP server on addr using this router. The caller runs
// ListenAndServe and owns shutdown.
func NewServer(addr string, r *Router) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// start blocks until the backend is ready
		WriteTimeout: 10 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
}

// --- Handlers ---

type errorResp struct {
	Error string `json:"error"`
}

type okResp struct {
	OK bool `json:"ok"`
}

type startReq struct {
	CallerID string `json:"caller_id"`
	ParentID string `json:"parent_id"`
	Isolated bool   `json:"isolated"`
	Secret   string `json:"secret"`
}

type shutdownReq struct {
	ParentID string `json:"parent_id"`
	CallerID string `json:"caller_id"`
	Secret   string `json:"secret"`
}

type serversResp struct {
	Servers []store.ServerRecord `json:"servers"`
}

type sweepResp struct {
	Removed int `json:"removed"`
}

func (r *Router) handleStart(c *gin.Context) {
	var req startReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	rec, err := r.svc.Start(c.Request.Context(), mng.StartRequest{
		CallerID: req.CallerID,
		ParentID: req.ParentID,
		Isolated: req.Isolated,
		Secret:   req.Secret,
	})
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	if rec == nil {
		writeJSON(c, http.StatusServiceUnavailable, errorResp{Error: "backend could not be started"})
		return
	}
	writeJSON(c, http.StatusOK, rec)
}

func (r *Router) handleShutdown(c *gin.Context) {
	var req shutdownReq
	if err := c.ShouldBindJSON(&req); err != nil {
		writeJSON(c, http.StatusBadRequest, errorResp{Error: "invalid JSON: " + err.Error()})
		return
	}
	if err := r.svc.Shutdown(c.Request.Context(), req.ParentID, req.CallerID, req.Secret); err != nil {
		r.log.Error("shutdown failed", "parent_id", req.ParentID, "caller_id", req.CallerID, "error", err)
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, okResp{OK: true})
}

func (r *Router) handleServers(c *gin.Context) {
	entries, err := r.svc.List(c.Request.Context(), c.Query("parent_id"))
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	out := serversResp{Servers: make([]store.ServerRecord, 0, len(entries))}
	for _, e := range entries {
		out.Servers = append(out.Servers, e.Record.Redacted())
	}
	writeJSON(c, http.StatusOK, out)
}

func (r *Router) handleSweep(c *gin.Context) {
	n, err := r.svc.Sweep(c.Request.Context())
	if err != nil {
		writeJSON(c, statusFor(err), errorResp{Error: err.Error()})
		return
	}
	writeJSON(c, http.StatusOK, sweepResp{Removed: n})
}
