package metrics

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/events"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fixedDrives map[drive.Name]float64

func (d fixedDrives) Value(n drive.Name) float64 { return d[n] }

type fixedDrops int64

func (d fixedDrops) Dropped() int64 { return int64(d) }

func TestObserve(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil, nil)

	m.Observe(events.Event{Kind: events.CycleCompleted, Fields: map[string]any{"outcome": "success", "duration_ms": int64(1500)}})
	m.Observe(events.Event{Kind: events.CycleCompleted, Fields: map[string]any{"outcome": "success", "duration_ms": int64(500)}})
	m.Observe(events.Event{Kind: events.CycleCompleted, Fields: map[string]any{"outcome": "rest"}})
	m.Observe(events.Event{Kind: events.CycleFailed, Fields: map[string]any{"class": "invariant"}})
	m.Observe(events.Event{Kind: events.ActionExecuted, Fields: map[string]any{"category": "explore", "success": true}})
	m.Observe(events.Event{Kind: events.ActionExecuted, Fields: map[string]any{"category": "explore", "success": false}})
	m.Observe(events.Event{Kind: events.DreamCompleted, Fields: map[string]any{"facts": 3}})
	m.Observe(events.Event{Kind: events.DreamFailed})
	m.Observe(events.Event{Kind: events.FactLearned})
	m.Observe(events.Event{Kind: events.FactLearned})
	m.Observe(events.Event{Kind: events.DriveCritical, Fields: map[string]any{"drive": "anxiety", "level": "high"}})
	m.Observe(events.Event{Kind: events.SnapshotSaved})
	m.Observe(events.Event{Kind: events.EpisodeRecorded})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"success cycles", testutil.ToFloat64(m.Cycles.WithLabelValues("success")), 2},
		{"rest cycles", testutil.ToFloat64(m.Cycles.WithLabelValues("rest")), 1},
		{"invariant failures", testutil.ToFloat64(m.CycleFailures.WithLabelValues("invariant")), 1},
		{"explore ok", testutil.ToFloat64(m.Actions.WithLabelValues("explore", "success")), 1},
		{"explore failed", testutil.ToFloat64(m.Actions.WithLabelValues("explore", "failure")), 1},
		{"dreams completed", testutil.ToFloat64(m.Dreams.WithLabelValues("completed")), 1},
		{"dreams failed", testutil.ToFloat64(m.Dreams.WithLabelValues("failed")), 1},
		{"facts", testutil.ToFloat64(m.FactsLearned), 2},
		{"critical", testutil.ToFloat64(m.Critical.WithLabelValues("anxiety", "high")), 1},
		{"snapshots", testutil.ToFloat64(m.Snapshots), 1},
		{"episodes", testutil.ToFloat64(m.Episodes), 1},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
	if n := testutil.CollectAndCount(m.CycleDuration); n != 1 {
		t.Errorf("duration series = %d, want 1", n)
	}
}

func TestScrapedGauges(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg, fixedDrives{drive.Fatigue: 0.75, drive.Curiosity: 0.5}, fixedDrops(4))

	expected := `
# HELP atlas_events_dropped_total Bus events that could not be delivered
# TYPE atlas_events_dropped_total counter
atlas_events_dropped_total 4
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "atlas_events_dropped_total"); err != nil {
		t.Error(err)
	}

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	values := make(map[string]float64)
	for _, mf := range mfs {
		if mf.GetName() != "atlas_drive_value" {
			continue
		}
		for _, metric := range mf.GetMetric() {
			for _, lp := range metric.GetLabel() {
				if lp.GetName() == "drive" {
					values[lp.GetValue()] = metric.GetGauge().GetValue()
				}
			}
		}
	}
	if len(values) != len(drive.Names) {
		t.Fatalf("drive gauges = %v, want one per drive", values)
	}
	if values["fatigue"] != 0.75 || values["curiosity"] != 0.5 || values["anxiety"] != 0 {
		t.Errorf("drive gauges = %v", values)
	}
}

func TestAttach(t *testing.T) {
	m := New(prometheus.NewRegistry(), nil, nil)
	bus := events.NewBus(8, 8, zap.NewNop())
	m.Attach(bus)

	bus.Publish(events.Event{Kind: events.CycleCompleted, Fields: map[string]any{"outcome": "failure"}})
	bus.Publish(events.Event{Kind: events.FactLearned})
	bus.Close() // drains the queue

	if got := testutil.ToFloat64(m.Cycles.WithLabelValues("failure")); got != 1 {
		t.Errorf("failure cycles = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.FactsLearned); got != 1 {
		t.Errorf("facts = %v, want 1", got)
	}
}
