// Package metrics holds the Prometheus collectors for the session lifecycle.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fhir_app"

var (
	SessionsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "created_total",
		Help:      "Sessions issued.",
	})

	SessionsEvicted = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "evicted_total",
		Help:      "Live sessions evicted to stay within the session limit.",
	})

	SessionsPurged = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "purged_total",
		Help:      "Expired sessions removed by sweeps.",
	})

	ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "active",
		Help:      "Live sessions seen by the last sweep.",
	})

	// StoreErrors is labelled by store operation.
	StoreErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "store",
		Name:      "errors_total",
		Help:      "Session store operations that failed and were absorbed.",
	}, []string{"op"})

	// ClientBuilds is labelled rehydrated, fresh or failed.
	ClientBuilds = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "client_builds_total",
		Help:      "Protocol clients built for a session.",
	}, []string{"result"})

	// StateRecoveries is labelled found or missing.
	StateRecoveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sessions",
		Name:      "state_recoveries_total",
		Help:      "Sessions looked up through the OAuth state parameter.",
	}, []string{"result"})

	// Callbacks is labelled ok, failed or unrecoverable.
	Callbacks = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "auth",
		Name:      "callbacks_total",
		Help:      "OAuth provider callbacks handled.",
	}, []string{"result"})
)
