// Package metrics exposes the agent's life as Prometheus collectors, fed
// from the event bus.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/events"
)

const namespace = "atlas"

// DriveReader reads current drive values. *drive.State implements it.
type DriveReader interface {
	Value(name drive.Name) float64
}

// DropCounter reports undelivered events. *events.Bus implements it.
type DropCounter interface {
	Dropped() int64
}

// Metrics holds the collectors updated from bus events.
type Metrics struct {
	Cycles        *prometheus.CounterVec
	CycleFailures *prometheus.CounterVec
	CycleDuration prometheus.Histogram
	Actions       *prometheus.CounterVec
	Episodes      prometheus.Counter
	Dreams        *prometheus.CounterVec
	DreamFacts    prometheus.Histogram
	FactsLearned  prometheus.Counter
	Critical      *prometheus.CounterVec
	Snapshots     prometheus.Counter
}

// New registers the collectors with reg. Drive gauges and the dropped
// event counter are read on scrape; either source may be nil.
func New(reg prometheus.Registerer, drives DriveReader, drops DropCounter) *Metrics {
	f := promauto.With(reg)
	m := &Metrics{
		Cycles: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Heartbeat cycles completed, by outcome",
		}, []string{"outcome"}),

		CycleFailures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycle_failures_total",
			Help:      "Heartbeat cycles aborted, by error class",
		}, []string{"class"}),

		// LLM-bound; up to a few minutes
		CycleDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of completed heartbeat cycles",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 300},
		}),

		Actions: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Tool actions executed, by category and result",
		}, []string{"category", "result"}),

		Episodes: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "episodes_recorded_total",
			Help:      "Episodes written to long-term memory",
		}),

		Dreams: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dreams_total",
			Help:      "Consolidation runs, by status",
		}, []string{"status"}),

		DreamFacts: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dream_facts",
			Help:      "Facts produced per completed consolidation run",
			Buckets:   []float64{0, 1, 2, 5, 10, 15},
		}),

		FactsLearned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "facts_learned_total",
			Help:      "Facts committed to semantic memory by dreaming",
		}),

		Critical: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "drive_critical_total",
			Help:      "Cycles ending with a drive outside its band",
		}, []string{"drive", "level"}),

		Snapshots: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshots_saved_total",
			Help:      "Agent state snapshots persisted",
		}),
	}

	if drives != nil {
		for _, n := range drive.Names {
			name := n
			f.NewGaugeFunc(prometheus.GaugeOpts{
				Namespace:   namespace,
				Name:        "drive_value",
				Help:        "Current value of each homeostatic drive",
				ConstLabels: prometheus.Labels{"drive": string(name)},
			}, func() float64 { return drives.Value(name) })
		}
	}
	if drops != nil {
		f.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_dropped_total",
			Help:      "Bus events that could not be delivered",
		}, func() float64 { return float64(drops.Dropped()) })
	}
	return m
}

// Attach subscribes m to every event on bus.
func (m *Metrics) Attach(bus *events.Bus) {
	bus.SubscribeAll(m.Observe)
}

// Observe folds one event into the collectors.
func (m *Metrics) Observe(e events.Event) {
	switch e.Kind {
	case events.CycleCompleted:
		m.Cycles.WithLabelValues(e.String("outcome")).Inc()
		m.CycleDuration.Observe(e.Float("duration_ms") / 1000)
	case events.CycleFailed:
		m.CycleFailures.WithLabelValues(e.String("class")).Inc()
	case events.ActionExecuted:
		result := "failure"
		if ok, _ := e.Fields["success"].(bool); ok {
			result = "success"
		}
		m.Actions.WithLabelValues(e.String("category"), result).Inc()
	case events.EpisodeRecorded:
		m.Episodes.Inc()
	case events.DreamCompleted:
		m.Dreams.WithLabelValues("completed").Inc()
		m.DreamFacts.Observe(e.Float("facts"))
	case events.DreamFailed:
		m.Dreams.WithLabelValues("failed").Inc()
	case events.FactLearned:
		m.FactsLearned.Inc()
	case events.DriveCritical:
		m.Critical.WithLabelValues(e.String("drive"), e.String("level")).Inc()
	case events.SnapshotSaved:
		m.Snapshots.Inc()
	}
}
