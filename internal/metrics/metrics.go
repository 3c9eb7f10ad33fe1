package metrics

import (
	"net/http"
	"runtime"
	"runtime/debug"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	registry = prometheus.NewRegistry()

	spawned = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copen",
		Name:      "spawned_total",
		Help:      "Total number of children started, by handle kind.",
	}, []string{"kind"})

	spawnFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copen",
		Name:      "spawn_failures_total",
		Help:      "Total number of children that could not be started.",
	}, []string{"kind"})

	completed = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copen",
		Name:      "completed_total",
		Help:      "Total number of handles that finished, by kind and outcome.",
	}, []string{"kind", "outcome"})

	killEscalations = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "copen",
		Name:      "kill_escalations_total",
		Help:      "Children that outlived the grace period and were killed.",
	}, []string{"kind"})

	liveHandles = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "copen",
		Name:      "live_handles",
		Help:      "Handles whose child has neither completed nor been closed.",
	})

	handleDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "copen",
		Name:      "handle_duration_seconds",
		Help:      "Wall-clock run time of children in seconds.",
		Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
	}, []string{"kind"})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "copen",
		Name:      "build_info",
		Help:      "Build metadata for the running copen binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

func init() {
	registry.MustRegister(spawned, spawnFailures, completed, killEscalations, liveHandles, handleDuration, buildInfo)
}

// Registry returns the Prometheus registry containing all copen metrics.
func Registry() *prometheus.Registry {
	return registry
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}

// Observer records handle lifecycle events. It satisfies process.Observer.
type Observer struct{}

func (Observer) HandleStarted(kind string) {
	spawned.WithLabelValues(kind).Inc()
	liveHandles.Inc()
}

func (Observer) SpawnFailed(kind string) {
	spawnFailures.WithLabelValues(kind).Inc()
}

func (Observer) HandleFinished(kind, outcome string, elapsed time.Duration) {
	liveHandles.Dec()
	completed.WithLabelValues(kind, outcome).Inc()
	handleDuration.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (Observer) KillEscalated(kind string) {
	killEscalations.WithLabelValues(kind).Inc()
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}
