package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nidhogg/atlas/internal/dream"
	"github.com/nidhogg/atlas/internal/drive"
	"github.com/nidhogg/atlas/internal/events"
	"github.com/nidhogg/atlas/internal/heartbeat"
	"github.com/nidhogg/atlas/internal/memory"
)

type fakeCycler struct {
	calls int
	err   error
}

func (f *fakeCycler) RunCycle(ctx context.Context) (*heartbeat.CycleReport, error) {
	f.calls++
	rep := &heartbeat.CycleReport{Cycle: int64(f.calls), Outcome: memory.OutcomeSuccess, Mode: drive.ModeExplore}
	if f.err != nil {
		rep.Outcome = memory.OutcomeFailure
		return rep, f.err
	}
	return rep, nil
}

type fakeRuns struct {
	runs []dream.Run
	err  error
}

func (f *fakeRuns) Runs(_ context.Context, limit int) ([]dream.Run, error) {
	if f.err != nil {
		return nil, f.err
	}
	if limit < len(f.runs) {
		return f.runs[:limit], nil
	}
	return f.runs, nil
}

type fakeStream struct{ evs []events.Event }

func (f *fakeStream) Recent(_ context.Context, n int64) ([]events.Event, error) {
	return f.evs, nil
}

type fixture struct {
	deps   Deps
	cycler *fakeCycler
	runs   *fakeRuns
	bus    *events.Bus
}

// newFixture wires the handler with in-memory collaborators only.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zap.NewNop()

	drives, err := drive.NewState(drive.DefaultConfig())
	if err != nil {
		t.Fatalf("NewState: %v", err)
	}
	working := memory.NewWorking(5)
	working.Append(memory.Entry{Cycle: 1, Action: "read_file", Outcome: memory.OutcomeSuccess, Resources: []string{"file:notes.md"}})

	facts := memory.NewSemantic(nil, logger)
	ctx := context.Background()
	if _, err := facts.Upsert(ctx, memory.Fact{Statement: "gardens need water every morning", Confidence: 0.8, Kind: memory.KindRule}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	if _, err := facts.Upsert(ctx, memory.Fact{Statement: "why do comets have tails", Confidence: 0.4, Kind: memory.KindQuestion}); err != nil {
		t.Fatalf("Upsert: %v", err)
	}

	bus := events.NewBus(16, 8, logger)
	t.Cleanup(bus.Close)
	bus.Publish(events.Event{Kind: events.CycleStarted, Cycle: 1})
	bus.Publish(events.Event{Kind: events.CycleCompleted, Cycle: 1})

	f := &fixture{
		cycler: &fakeCycler{},
		runs: &fakeRuns{runs: []dream.Run{
			{ID: "r2", Status: dream.StatusCompleted},
			{ID: "r1", Status: dream.StatusFailed, Error: "timeout"},
		}},
		bus: bus,
	}
	f.deps = Deps{
		State:  heartbeat.NewAgentState(drives, working),
		Cycler: f.cycler,
		Facts:  facts,
		Dreams: f.runs,
		Trace:  bus,
	}
	return f
}

func (f *fixture) server(t *testing.T) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(NewHandler(f.deps, zap.NewNop()).Router())
	t.Cleanup(ts.Close)
	return ts
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, _ := json.Marshal(body)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path string) *http.Response {
	t.Helper()
	resp, err := http.Get(ts.URL + path)
	if err != nil {
		t.Fatalf("GET %s: %v", path, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, v interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode: %v", err)
	}
}

func TestHealthCheck(t *testing.T) {
	ts := newFixture(t).server(t)

	resp := getJSON(t, ts, "/api/health")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var body map[string]any
	decodeJSON(t, resp, &body)
	if body["status"] != "ok" || body["agent"] != "atlas" {
		t.Errorf("body = %v", body)
	}
}

func TestGetState(t *testing.T) {
	ts := newFixture(t).server(t)

	var view heartbeat.View
	decodeJSON(t, getJSON(t, ts, "/api/state"), &view)
	if view.Status != heartbeat.StatusIdle {
		t.Errorf("status = %q, want idle", view.Status)
	}
	if view.Working != 1 || len(view.Drives) == 0 {
		t.Errorf("view = %+v", view)
	}
}

func TestGetDrives(t *testing.T) {
	ts := newFixture(t).server(t)

	var body drivesResponse
	decodeJSON(t, getJSON(t, ts, "/api/drives"), &body)
	if body.SleepThreshold != drive.DefaultConfig().SleepThreshold {
		t.Errorf("sleep threshold = %v", body.SleepThreshold)
	}
	seen := make(map[drive.Name]bool)
	for _, v := range body.Drives {
		seen[v.Name] = true
	}
	for _, n := range []drive.Name{drive.Curiosity, drive.Fatigue, drive.Anxiety, drive.Satisfaction} {
		if !seen[n] {
			t.Errorf("drive %s missing from %+v", n, body.Drives)
		}
	}
}

func TestGetWorking(t *testing.T) {
	ts := newFixture(t).server(t)

	var body struct {
		Capacity int            `json:"capacity"`
		Entries  []memory.Entry `json:"entries"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/working"), &body)
	if body.Capacity != 5 || len(body.Entries) != 1 || body.Entries[0].Action != "read_file" {
		t.Errorf("working = %+v", body)
	}
}

func TestListFacts(t *testing.T) {
	ts := newFixture(t).server(t)

	var all []memory.Fact
	decodeJSON(t, getJSON(t, ts, "/api/facts"), &all)
	if len(all) != 2 {
		t.Fatalf("facts = %d, want 2", len(all))
	}

	var hits []memory.Fact
	decodeJSON(t, getJSON(t, ts, "/api/facts?q=garden+water"), &hits)
	if len(hits) != 1 || !strings.Contains(hits[0].Statement, "water") {
		t.Errorf("query hits = %+v", hits)
	}

	var questions []memory.Fact
	decodeJSON(t, getJSON(t, ts, "/api/facts?kind=question"), &questions)
	if len(questions) != 1 || questions[0].Kind != memory.KindQuestion {
		t.Errorf("kind filter = %+v", questions)
	}
}

func TestListDreams(t *testing.T) {
	f := newFixture(t)
	ts := f.server(t)

	var runs []dream.Run
	decodeJSON(t, getJSON(t, ts, "/api/dreams?limit=1"), &runs)
	if len(runs) != 1 || runs[0].ID != "r2" {
		t.Errorf("runs = %+v", runs)
	}

	resp := getJSON(t, ts, "/api/dreams?limit=zero")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("bad limit status = %d, want 400", resp.StatusCode)
	}

	f.runs.err = errors.New("ledger down")
	resp = getJSON(t, ts, "/api/dreams")
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Errorf("ledger failure status = %d, want 500", resp.StatusCode)
	}
}

func TestListEvents(t *testing.T) {
	f := newFixture(t)
	f.deps.Stream = &fakeStream{evs: []events.Event{{Kind: events.DreamCompleted, Cycle: 7}}}
	ts := f.server(t)

	var trace struct {
		Events  []events.Event `json:"events"`
		Dropped int64          `json:"dropped"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/events"), &trace)
	if len(trace.Events) != 2 || trace.Events[1].Kind != events.CycleCompleted {
		t.Errorf("trace = %+v", trace.Events)
	}

	var stream struct {
		Events []events.Event `json:"events"`
	}
	decodeJSON(t, getJSON(t, ts, "/api/events?source=stream"), &stream)
	if len(stream.Events) != 1 || stream.Events[0].Kind != events.DreamCompleted {
		t.Errorf("stream = %+v", stream.Events)
	}

	resp := getJSON(t, ts, "/api/events?source=kafka")
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown source status = %d, want 400", resp.StatusCode)
	}
}

func TestListEvents_NoStream(t *testing.T) {
	ts := newFixture(t).server(t)

	resp := getJSON(t, ts, "/api/events?source=stream")
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", resp.StatusCode)
	}
}

func TestTriggerHeartbeat(t *testing.T) {
	f := newFixture(t)
	ts := f.server(t)

	resp := postJSON(t, ts, "/api/heartbeat", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	var rep heartbeat.CycleReport
	decodeJSON(t, resp, &rep)
	if rep.Cycle != 1 || rep.Outcome != memory.OutcomeSuccess {
		t.Errorf("report = %+v", rep)
	}

	f.cycler.err = errors.New("invariant: working memory overflow")
	resp = postJSON(t, ts, "/api/heartbeat", nil)
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("failing cycle status = %d, want 500", resp.StatusCode)
	}
	var body struct {
		Error  string                `json:"error"`
		Report heartbeat.CycleReport `json:"report"`
	}
	decodeJSON(t, resp, &body)
	if body.Report.Cycle != 2 || !strings.Contains(body.Error, "overflow") {
		t.Errorf("body = %+v", body)
	}

	f.cycler.err = context.Canceled
	resp = postJSON(t, ts, "/api/heartbeat", nil)
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("cancelled cycle status = %d, want 503", resp.StatusCode)
	}
}

func TestTriggerHeartbeat_MethodNotAllowed(t *testing.T) {
	ts := newFixture(t).server(t)

	resp := getJSON(t, ts, "/api/heartbeat")
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("status = %d, want 405", resp.StatusCode)
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "atlas_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Add(3)
	f.deps.Metrics = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	ts := f.server(t)

	resp := getJSON(t, ts, "/metrics")
	defer resp.Body.Close()
	var buf bytes.Buffer
	buf.ReadFrom(resp.Body)
	if !strings.Contains(buf.String(), "atlas_test_total 3") {
		t.Errorf("metrics body missing counter:\n%s", buf.String())
	}
}

func TestMetricsAbsentWithoutHandler(t *testing.T) {
	ts := newFixture(t).server(t)

	resp := getJSON(t, ts, "/metrics")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status = %d, want 404", resp.StatusCode)
	}
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t)
	f.deps.CORSOrigins = []string{"http://localhost:5173"}
	ts := f.server(t)

	req, _ := http.NewRequest(http.MethodOptions, ts.URL+"/api/state", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	req.Header.Set("Access-Control-Request-Method", "GET")
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("preflight: %v", err)
	}
	resp.Body.Close()
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "http://localhost:5173" {
		t.Errorf("allow origin = %q", got)
	}
}
