package server

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/plexushq/weave/internal/discovery"
	"github.com/plexushq/weave/internal/engine"
	"github.com/plexushq/weave/internal/queue/streams"
	"github.com/plexushq/weave/internal/store"
)

type fakeDiscoveryStore struct {
	mu      sync.Mutex
	plexus  store.Plexus
	runs    map[string]store.DiscoveryRun
	weaves  []store.Weave
	created []string
}

func newFakeDiscoveryStore() *fakeDiscoveryStore {
	return &fakeDiscoveryStore{
		plexus: store.Plexus{ID: "plexus-1", Name: "core services"},
		runs:   map[string]store.DiscoveryRun{},
	}
}

func (f *fakeDiscoveryStore) GetPlexus(_ context.Context, id string) (store.Plexus, error) {
	if id != f.plexus.ID {
		return store.Plexus{}, store.ErrNotFound
	}
	return f.plexus, nil
}

func (f *fakeDiscoveryStore) CreateDiscoveryRun(_ context.Context, plexusID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := "run-new"
	f.runs[id] = store.DiscoveryRun{ID: id, PlexusID: plexusID, Status: store.RunStatusPending, StartedAt: time.Now()}
	f.created = append(f.created, id)
	return id, nil
}

func (f *fakeDiscoveryStore) GetDiscoveryRun(_ context.Context, runID string) (store.DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return store.DiscoveryRun{}, store.ErrNotFound
	}
	return run, nil
}

func (f *fakeDiscoveryStore) LatestDiscoveryRun(_ context.Context, plexusID string) (store.DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var latest store.DiscoveryRun
	found := false
	for _, run := range f.runs {
		if run.PlexusID != plexusID {
			continue
		}
		if !found || run.StartedAt.After(latest.StartedAt) {
			latest = run
			found = true
		}
	}
	if !found {
		return store.DiscoveryRun{}, store.ErrNotFound
	}
	return latest, nil
}

func (f *fakeDiscoveryStore) ActiveDiscoveryRun(_ context.Context, plexusID string) (store.DiscoveryRun, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, run := range f.runs {
		if run.PlexusID == plexusID && !run.Terminal() {
			return run, true, nil
		}
	}
	return store.DiscoveryRun{}, false, nil
}

func (f *fakeDiscoveryStore) ListDiscoveryRuns(_ context.Context, plexusID string) ([]store.DiscoveryRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.DiscoveryRun
	for _, run := range f.runs {
		if run.PlexusID == plexusID {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeDiscoveryStore) ListWeaves(_ context.Context, plexusID, runID string) ([]store.Weave, error) {
	var out []store.Weave
	for _, w := range f.weaves {
		if w.PlexusID != plexusID {
			continue
		}
		if runID != "" && w.DiscoveryRunID != runID {
			continue
		}
		out = append(out, w)
	}
	return out, nil
}

type fakeQueue struct {
	mu       sync.Mutex
	payloads []interface{}
	streams  []string
}

func (q *fakeQueue) PublishRaw(_ context.Context, stream, _, _ string, payload interface{}, _ ...streams.PublishOption) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.streams = append(q.streams, stream)
	q.payloads = append(q.payloads, payload)
	return "1-0", nil
}

func newTestContext(e *echo.Echo, method, target string, paramNames, paramValues []string) (echo.Context, *httptest.ResponseRecorder) {
	req := httptest.NewRequest(method, target, nil)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames(paramNames...)
	ctx.SetParamValues(paramValues...)
	return ctx, rec
}

func TestSubmitDiscoveryEnqueuesRun(t *testing.T) {
	e := echo.New()
	st := newFakeDiscoveryStore()
	queue := &fakeQueue{}
	h := NewDiscoveryHandler(st, queue, nil, nil, time.Second)

	ctx, rec := newTestContext(e, http.MethodPost, "/api/plexuses/plexus-1/discovery", []string{"plexus_id"}, []string{"plexus-1"})
	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}

	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "run-new" || resp.Status != store.RunStatusPending {
		t.Fatalf("unexpected response: %+v", resp)
	}

	if len(queue.streams) != 1 || queue.streams[0] != engine.StreamDiscoveryEnqueued {
		t.Fatalf("published to %v, want %s", queue.streams, engine.StreamDiscoveryEnqueued)
	}
	payload, ok := queue.payloads[0].(engine.EnqueuedPayload)
	if !ok {
		t.Fatalf("payload type %T", queue.payloads[0])
	}
	if payload.RunID != "run-new" || payload.PlexusID != "plexus-1" || payload.Trigger != "manual" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
}

func TestSubmitDiscoveryCoalescesActiveRun(t *testing.T) {
	e := echo.New()
	st := newFakeDiscoveryStore()
	st.runs["run-open"] = store.DiscoveryRun{ID: "run-open", PlexusID: "plexus-1", Status: store.RunStatusRunning}
	queue := &fakeQueue{}
	h := NewDiscoveryHandler(st, queue, nil, nil, time.Second)

	ctx, rec := newTestContext(e, http.MethodPost, "/api/plexuses/plexus-1/discovery", []string{"plexus_id"}, []string{"plexus-1"})
	if err := h.submit(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}

	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ID != "run-open" {
		t.Fatalf("expected the active run to be returned, got %+v", resp)
	}
	if len(queue.payloads) != 0 {
		t.Fatal("a coalesced submission must not enqueue a new event")
	}
	if len(st.created) != 0 {
		t.Fatal("a coalesced submission must not create a run")
	}
}

func TestSubmitDiscoveryUnknownPlexus(t *testing.T) {
	e := echo.New()
	h := NewDiscoveryHandler(newFakeDiscoveryStore(), &fakeQueue{}, nil, nil, time.Second)

	ctx, _ := newTestContext(e, http.MethodPost, "/api/plexuses/nope/discovery", []string{"plexus_id"}, []string{"nope"})
	err := h.submit(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusNotFound {
		t.Fatalf("err = %v, want 404", err)
	}
}

func TestGetRunReportsProgress(t *testing.T) {
	e := echo.New()
	st := newFakeDiscoveryStore()
	st.runs["run-1"] = store.DiscoveryRun{
		ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning,
		RepoPairsTotal: 10, RepoPairsChecked: 4, WeavesFound: 2,
	}
	h := NewDiscoveryHandler(st, &fakeQueue{}, nil, nil, time.Second)

	ctx, rec := newTestContext(e, http.MethodGet, "/api/runs/run-1", []string{"run_id"}, []string{"run-1"})
	if err := h.getRun(ctx); err != nil {
		t.Fatalf("getRun: %v", err)
	}
	var resp runResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.ProgressPercent != 40 {
		t.Fatalf("progress = %v, want 40", resp.ProgressPercent)
	}
	if resp.WeavesFound != 2 {
		t.Fatalf("weaves = %d, want 2", resp.WeavesFound)
	}
}

func TestListWeavesFiltersByRunParam(t *testing.T) {
	e := echo.New()
	st := newFakeDiscoveryStore()
	st.weaves = []store.Weave{
		{ID: "w1", PlexusID: "plexus-1", DiscoveryRunID: "run-1", SourceRepoID: "a", TargetRepoID: "b", Type: "SHARED_TOPIC", Score: 0.7},
		{ID: "w2", PlexusID: "plexus-1", DiscoveryRunID: "run-2", SourceRepoID: "a", TargetRepoID: "c", Type: "SAME_LANGUAGE", Score: 0.6},
	}
	h := NewDiscoveryHandler(st, &fakeQueue{}, nil, nil, time.Second)

	ctx, rec := newTestContext(e, http.MethodGet, "/api/plexuses/plexus-1/weaves?run_id=run-2", []string{"plexus_id"}, []string{"plexus-1"})
	if err := h.listWeaves(ctx); err != nil {
		t.Fatalf("listWeaves: %v", err)
	}
	var resp []weaveResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if len(resp) != 1 || resp[0].ID != "w2" {
		t.Fatalf("unexpected weaves: %+v", resp)
	}
}

func TestCancelRunBroadcasts(t *testing.T) {
	e := echo.New()
	st := newFakeDiscoveryStore()
	st.runs["run-1"] = store.DiscoveryRun{ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning}

	var got discovery.CancelRequest
	cancel := func(_ context.Context, req discovery.CancelRequest) error {
		got = req
		return nil
	}
	h := NewDiscoveryHandler(st, &fakeQueue{}, nil, cancel, time.Second)

	ctx, rec := newTestContext(e, http.MethodPost, "/api/runs/run-1/cancel", []string{"run_id"}, []string{"run-1"})
	if err := h.cancelRun(ctx); err != nil {
		t.Fatalf("cancelRun: %v", err)
	}
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", rec.Code)
	}
	if got.RunID != "run-1" {
		t.Fatalf("cancel broadcast run = %q, want run-1", got.RunID)
	}
}

func TestCancelTerminalRunConflicts(t *testing.T) {
	e := echo.New()
	st := newFakeDiscoveryStore()
	st.runs["run-1"] = store.DiscoveryRun{ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusCompleted}
	h := NewDiscoveryHandler(st, &fakeQueue{}, nil, nil, time.Second)

	ctx, _ := newTestContext(e, http.MethodPost, "/api/runs/run-1/cancel", []string{"run_id"}, []string{"run-1"})
	err := h.cancelRun(ctx)
	he, ok := err.(*echo.HTTPError)
	if !ok || he.Code != http.StatusConflict {
		t.Fatalf("err = %v, want 409", err)
	}
}

type chanStreamer struct {
	ch chan discovery.Snapshot
}

func (s *chanStreamer) Subscribe(context.Context, string) <-chan discovery.Snapshot { return s.ch }

func TestStreamEmitsSnapshots(t *testing.T) {
	e := echo.New()
	st := newFakeDiscoveryStore()
	st.runs["run-1"] = store.DiscoveryRun{
		ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning,
		StartedAt: time.Now(), RepoPairsTotal: 4, RepoPairsChecked: 1,
	}
	streamer := &chanStreamer{ch: make(chan discovery.Snapshot, 4)}
	h := NewDiscoveryHandler(st, &fakeQueue{}, streamer, nil, time.Second)

	reqCtx, cancel := context.WithCancel(context.Background())
	req := httptest.NewRequest(http.MethodGet, "/api/plexuses/plexus-1/discovery/stream", nil).WithContext(reqCtx)
	rec := httptest.NewRecorder()
	ctx := e.NewContext(req, rec)
	ctx.SetParamNames("plexus_id")
	ctx.SetParamValues("plexus-1")

	streamer.ch <- discovery.Snapshot{RunID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning, RepoPairsChecked: 2, RepoPairsTotal: 4}
	streamer.ch <- discovery.Snapshot{RunID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusCompleted, RepoPairsChecked: 4, RepoPairsTotal: 4}

	done := make(chan error, 1)
	go func() { done <- h.stream(ctx) }()

	// Give the handler time to drain both buffered snapshots, then close the
	// request. Only then is the recorder safe to read.
	time.Sleep(150 * time.Millisecond)
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("stream: %v", err)
	}

	body := rec.Body.String()
	for _, want := range []string{
		"event: progress", "data: ",
		`"repo_pairs_checked":1`, `"repo_pairs_checked":2`, `"repo_pairs_checked":4`,
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("stream body missing %q: %q", want, body)
		}
	}
}
