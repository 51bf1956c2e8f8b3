package tree

import "github.com/prometheus/client_golang/prometheus"

// Metrics is an optional set of prometheus counters a Tree reports commit
// and compaction activity to. The registry is left to the caller
// (WithMetrics takes an already-registered Metrics value) so a process
// running several trees can choose whether to share one set of counters or
// keep one per tree.
type Metrics struct {
	Commits      prometheus.Counter
	Compactions  prometheus.Counter
	NodesWritten prometheus.Counter
}

// NewMetrics builds a Metrics with its three counters registered against
// reg under the "mstree" namespace.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mstree",
			Name:      "commits_total",
			Help:      "Number of completed Tree.Commit calls.",
		}),
		Compactions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mstree",
			Name:      "compactions_total",
			Help:      "Number of completed Tree.Compact calls.",
		}),
		NodesWritten: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mstree",
			Name:      "nodes_written_total",
			Help:      "Number of node records written by commits.",
		}),
	}
	reg.MustRegister(m.Commits, m.Compactions, m.NodesWritten)
	return m
}

// WithMetrics attaches a Metrics to record commit and compaction counts
// against. Omitted, a Tree records nothing.
func WithMetrics[K any, V any](m *Metrics) Option[K, V] {
	return func(t *Tree[K, V]) {
		t.metrics = m
	}
}
