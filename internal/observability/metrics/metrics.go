package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "flowguard"

// Outcomes of a guarded call.
const (
	OutcomeCommitted     = "committed"
	OutcomeRolledBack    = "rolled_back"
	OutcomeBackupFailed  = "backup_failed"
	OutcomeRestoreFailed = "restore_failed"
)

// DurationBuckets are histogram buckets in seconds for in-process operations.
var DurationBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5}

// Registry owns the collectors of one process.
type Registry struct {
	reg *prometheus.Registry
}

// NewRegistry creates a registry. With runtime set it also exports Go
// runtime and process collectors.
func NewRegistry(runtime bool) *Registry {
	reg := prometheus.NewRegistry()
	if runtime {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}
	return &Registry{reg: reg}
}

// Registerer is where collectors built on this registry register.
func (r *Registry) Registerer() prometheus.Registerer { return r.reg }

// Handler returns an HTTP handler that serves metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}
