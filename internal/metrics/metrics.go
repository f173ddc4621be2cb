package metrics

import (
	"errors"
	"net/http"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Shutdown outcomes.
const (
	OutcomeTerminated   = "terminated"
	OutcomeReleased     = "released"
	OutcomeNotFound     = "not_found"
	OutcomeUnauthorized = "unauthorized"
	OutcomeError        = "error"
)

// Package-level Prometheus collectors. They are registered via Register.
var (
	regOK atomic.Bool

	launches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxymgr",
			Subsystem: "backend",
			Name:      "launches_total",
			Help:      "Number of backends launched and confirmed ready.",
		}, []string{"kind"},
	)
	aliases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxymgr",
			Subsystem: "backend",
			Name:      "aliases_total",
			Help:      "Number of start requests served by an already running backend.",
		}, []string{"kind"},
	)
	launchFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxymgr",
			Subsystem: "backend",
			Name:      "launch_failures_total",
			Help:      "Number of backends that could not be spawned.",
		},
	)
	readinessFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxymgr",
			Subsystem: "backend",
			Name:      "readiness_failures_total",
			Help:      "Number of backends that did not become ready before the deadline.",
		},
	)
	readyWait = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "proxymgr",
			Subsystem: "backend",
			Name:      "ready_wait_seconds",
			Help:      "Time from spawn until the readiness endpoint answered.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60, 120, 300},
		},
	)
	raceLosses = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxymgr",
			Subsystem: "registry",
			Name:      "slot_race_losses_total",
			Help:      "Number of launches discarded because another starter claimed the slot first.",
		},
	)
	orphansSwept = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "proxymgr",
			Subsystem: "registry",
			Name:      "orphans_swept_total",
			Help:      "Number of registry entries removed because their context died.",
		},
	)
	shutdowns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "proxymgr",
			Subsystem: "backend",
			Name:      "shutdowns_total",
			Help:      "Number of shutdown requests by outcome.",
		}, []string{"outcome"},
	)
	registered = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "proxymgr",
			Subsystem: "registry",
			Name:      "servers",
			Help:      "Slot records seen by the last listing.",
		},
	)
)

// Register registers all metrics with the provided registerer.
// It is safe to call multiple times; subsequent calls after success are no-ops.
func Register(r prometheus.Registerer) error {
	if regOK.Load() {
		return nil
	}
	cs := []prometheus.Collector{launches, aliases, launchFailures, readinessFailures, readyWait, raceLosses, orphansSwept, shutdowns, registered}
	for _, c := range cs {
		if err := r.Register(c); err != nil {
			var are prometheus.AlreadyRegisteredError
			if errors.As(err, &are) {
				continue
			}
			return err
		}
	}
	regOK.Store(true)
	return nil
}

// Handler returns an http.Handler that serves Prometheus metrics for the DefaultGatherer.
// The caller is responsible for starting an HTTP server and wiring the route.
func Handler() http.Handler { return promhttp.Handler() }

// Below are lightweight helpers used by internal packages to record metrics.
// They no-op if Register hasn't been called.

func IncLaunch(kind string) {
	if regOK.Load() {
		launches.WithLabelValues(kind).Inc()
	}
}

func IncAlias(kind string) {
	if regOK.Load() {
		aliases.WithLabelValues(kind).Inc()
	}
}

func IncLaunchFailure() {
	if regOK.Load() {
		launchFailures.Inc()
	}
}

func IncReadinessFailure() {
	if regOK.Load() {
		readinessFailures.Inc()
	}
}

func ObserveReadyWait(seconds float64) {
	if regOK.Load() {
		readyWait.Observe(seconds)
	}
}

func IncRaceLoss() {
	if regOK.Load() {
		raceLosses.Inc()
	}
}

func AddOrphansSwept(n int) {
	if regOK.Load() && n > 0 {
		orphansSwept.Add(float64(n))
	}
}

func IncShutdown(outcome string) {
	if regOK.Load() {
		shutdowns.WithLabelValues(outcome).Inc()
	}
}

func SetServers(n int) {
	if regOK.Load() {
		registered.Set(float64(n))
	}
}
