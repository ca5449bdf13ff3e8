package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for SessionForge monitoring
var (
	// Session fleet metrics
	ActiveSessions = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sessionforge_active_sessions",
			Help: "Number of active sessions per provider",
		},
		[]string{"provider"},
	)

	SessionsCreatedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionforge_sessions_created_total",
			Help: "Total number of sessions created",
		},
		[]string{"provider"},
	)

	SessionsDeletedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionforge_sessions_deleted_total",
			Help: "Total number of sessions deleted",
		},
		[]string{"provider", "reason"},
	)

	SessionCreateFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionforge_session_create_failures_total",
			Help: "Total number of failed session creations",
		},
		[]string{"provider"},
	)

	// Monitor metrics
	MonitorKillsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionforge_monitor_kills_total",
			Help: "Sessions killed by the monitor, by reason",
		},
		[]string{"reason"},
	)

	MonitorCheckDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sessionforge_monitor_check_duration_seconds",
			Help:    "Duration of one monitor sweep over all active sessions",
			Buckets: prometheus.DefBuckets,
		},
	)

	ZombieBillingsCleaned = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionforge_zombie_billings_cleaned_total",
			Help: "Billing rows closed because their session no longer exists",
		},
	)

	// Billing metrics
	CreditsDeductedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionforge_credits_deducted_total",
			Help: "Total credits deducted for session runtime",
		},
	)

	CreditsPurchasedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "sessionforge_credits_purchased_total",
			Help: "Total credits purchased by users",
		},
	)

	BillingStopsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionforge_billing_stops_total",
			Help: "Billing stop operations by outcome",
		},
		[]string{"outcome"},
	)

	// Execution metrics
	ExecDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sessionforge_exec_duration_seconds",
			Help:    "Duration of synchronous command executions",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		},
		[]string{"provider"},
	)

	ExecTimeoutsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionforge_exec_timeouts_total",
			Help: "Synchronous executions that exceeded their deadline",
		},
		[]string{"provider"},
	)

	// Shell metrics
	OpenShells = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sessionforge_open_shells",
			Help: "Number of currently open interactive shells",
		},
	)

	ShellClosuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sessionforge_shell_closures_total",
			Help: "Shell closures by cause (client, idle, max_duration)",
		},
		[]string{"cause"},
	)
)
