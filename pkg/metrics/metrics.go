package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cairn"
	subsystem = "blockstore"
)

var (
	Ops = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "ops_total",
			Help:      "Completed operations. Broken down by operation kind.",
		},
		[]string{"kind"},
	)

	OpErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "op_errors_total",
			Help:      "Operations completed with an error. Broken down by operation kind and errno.",
		},
		[]string{"kind", "errno"},
	)

	Waits = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "waits_total",
			Help:      "Times an operation was suspended. Broken down by wait condition.",
		},
		[]string{"reason"},
	)

	Flushes = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "flushes_total",
			Help:      "Objects folded from the journal into the data area.",
		},
	)

	FreeBlocks = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "free_blocks",
			Help:      "Free blocks of the data area.",
		},
	)

	JournalUsedBytes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "journal_used_bytes",
			Help:      "Live bytes between the journal trim and write pointers.",
		},
	)

	DirtyEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dirty_entries",
			Help:      "Object versions not yet folded into the clean table.",
		},
	)
)

var register sync.Once

// Registry holds every blockstore collector once Register ran.
var Registry *prometheus.Registry

// Register creates Registry and registers the collectors. It is safe to call
// more than once.
func Register() *prometheus.Registry {
	register.Do(func() {
		Registry = prometheus.NewRegistry()
		Registry.MustRegister(Ops, OpErrors, Waits, Flushes, FreeBlocks, JournalUsedBytes, DirtyEntries)
	})
	return Registry
}
