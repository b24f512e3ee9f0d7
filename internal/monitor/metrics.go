package monitor

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/turtacn/closedloop/pkg/logger"
)

var (
	// CommandsTotal counts terminal command results, partitioned by command type and outcome.
	CommandsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "closedloop_commands_total",
		Help: "Pump commands by type and terminal outcome",
	}, []string{"type", "result"})
	// CommandDuration tracks device round trips in seconds.
	CommandDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "closedloop_command_duration_seconds",
		Help:    "Time spent executing a pump command",
		Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
	}, []string{"type"})
	QueueDepth = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "closedloop_queue_depth",
		Help: "Commands waiting in the pump queue",
	})
	// ModeChanges counts running mode requests by target mode and whether they were accepted.
	ModeChanges = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "closedloop_mode_changes_total",
		Help: "Running mode change requests",
	}, []string{"mode", "accepted"})
	ActiveMode = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "closedloop_active_mode",
		Help: "1 for the running mode currently in effect",
	}, []string{"mode"})
	LoopRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "closedloop_loop_runs_total",
		Help: "Loop invocations by outcome",
	}, []string{"outcome"})
)

var registerOnce sync.Once

// Register adds all collectors to the default registry. Safe to call more than once.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(CommandsTotal, CommandDuration, QueueDepth, ModeChanges, ActiveMode, LoopRuns)
	})
}

// SetActiveMode flips the active mode gauge to mode.
func SetActiveMode(mode string) {
	ActiveMode.Reset()
	ActiveMode.WithLabelValues(mode).Set(1)
}

// InitMetrics registers Prometheus metrics and starts an HTTP server to expose them.
// It takes an address string (e.g., ":9090") on which to listen for requests.
// The returned server can be shut down by the caller.
func InitMetrics(addr string) *http.Server {
	Register()

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	srv := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Log.Info("Metrics server starting", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Log.Error("Metrics server failed", "err", err)
		}
	}()
	return srv
}

// Personal.AI order the ending
