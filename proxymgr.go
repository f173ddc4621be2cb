package proxymgr

import (
	"context"
	"crypto/tls"
	"io"
	"log/slog"
	"net/http"
	"time"

	cfg "github.com/loykin/proxymgr/internal/config"
	"github.com/loykin/proxymgr/internal/logger"
	"github.com/loykin/proxymgr/internal/manager"
	"github.com/loykin/proxymgr/internal/metrics"
	iapi "github.com/loykin/proxymgr/internal/server"
	"github.com/loykin/proxymgr/internal/store"
	"github.com/loykin/proxymgr/internal/store/factory"
	mtls "github.com/loykin/proxymgr/internal/tls"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type ServerRecord = store.ServerRecord

type Entry = store.Entry

type StartRequest = manager.StartRequest

type Config = cfg.Config

type ConfigurationError = manager.ConfigurationError

type ShutdownError = manager.ShutdownError

var ErrUnauthorized = manager.ErrUnauthorized

// Caller ids with special meaning.
const (
	DefaultIdentity  = manager.DefaultIdentity
	LauncherCallerID = manager.LauncherCallerID
)

// Manager is a thin facade over internal/manager.Manager bound to a registry
// and a logger built from Config.
type Manager struct {
	inner  *manager.Manager
	reg    store.Registry
	log    *slog.Logger
	logOut io.Closer
}

func LoadConfig(path string) (Config, error) { return cfg.Load(path) }

// Open builds a Manager from c.
func Open(ctx context.Context, c Config) (*Manager, error) {
	log, logOut := logger.New(c.Log)
	reg, err := factory.Open(ctx, c.DataDir, c.Registry, log.With("component", "registry"))
	if err != nil {
		_ = logOut.Close()
		return nil, err
	}
	inner, err := manager.New(manager.Options{
		Registry:         reg,
		Profile:          c.Backend,
		ReadyTimeout:     c.ReadyTimeout,
		StopTimeout:      c.StopTimeout,
		TerminateOrphans: c.TerminateOrphans,
		Logger:           log,
	})
	if err != nil {
		_ = reg.Close()
		_ = logOut.Close()
		return nil, err
	}
	return &Manager{inner: inner, reg: reg, log: log, logOut: logOut}, nil
}

// Close releases the registry and the log file.
func (m *Manager) Close() error {
	err := m.reg.Close()
	_ = m.logOut.Close()
	return err
}

func (m *Manager) Logger() *slog.Logger { return m.log }

func (m *Manager) Start(ctx context.Context, req StartRequest) (*ServerRecord, error) {
	return m.inner.Start(ctx, req)
}
func (m *Manager) StartForKernel(ctx context.Context, callerID, parentID string, isolated bool) (*ServerRecord, error) {
	return m.inner.StartForKernel(ctx, callerID, parentID, isolated)
}
func (m *Manager) StartForLauncher(ctx context.Context, parentID string, isolated bool, secret string) (*ServerRecord, error) {
	return m.inner.StartForLauncher(ctx, parentID, isolated, secret)
}
func (m *Manager) Shutdown(ctx context.Context, parentID, callerID, secret string) error {
	return m.inner.Shutdown(ctx, parentID, callerID, secret)
}
func (m *Manager) Sweep(ctx context.Context) (int, error) { return m.inner.Sweep(ctx) }
func (m *Manager) List(ctx context.Context, parentID string) ([]Entry, error) {
	return m.inner.List(ctx, parentID)
}

// References returns the reference markers held for parentID's context.
func (m *Manager) References(ctx context.Context, parentID string) ([]Entry, error) {
	return m.inner.References(ctx, parentID)
}

// Handler exposes the HTTP API under basePath, optionally with /metrics.
func (m *Manager) Handler(basePath string, withMetrics bool) http.Handler {
	r := iapi.NewRouter(m.inner, basePath, m.log)
	if withMetrics {
		r = r.WithMetrics()
	}
	return r.Handler()
}

// NewHTTPServer returns an HTTP server exposing the API on addr. The caller
// runs ListenAndServe.
func NewHTTPServer(addr, basePath string, withMetrics bool, m *Manager) *http.Server {
	r := iapi.NewRouter(m.inner, basePath, m.log)
	if withMetrics {
		r = r.WithMetrics()
	}
	return iapi.NewServer(addr, r)
}

// Metrics helpers (public facade)

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }

// NewMetricsServer returns an HTTP server exposing /metrics on addr using the
// default registry.
func NewMetricsServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
}

// ServerTLS returns the API listener's TLS configuration, or nil when
// server.tls is disabled.
func ServerTLS(c Config) (*tls.Config, error) { return mtls.Setup(c.Server.TLS) }
