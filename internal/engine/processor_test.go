package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/plexushq/weave/internal/discovery"
	"github.com/plexushq/weave/internal/queue/streams"
	"github.com/plexushq/weave/internal/store"
)

type stubStore struct {
	mu      sync.Mutex
	claims  map[string]bool
	runs    map[string]store.DiscoveryRun
	leases  map[string]string
	created []string
	nextID  int
}

func newStubStore() *stubStore {
	return &stubStore{claims: map[string]bool{}, runs: map[string]store.DiscoveryRun{}, leases: map[string]string{}}
}

func (s *stubStore) ClaimIdempotency(_ context.Context, scope, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := scope + "|" + key
	if s.claims[k] {
		return false, nil
	}
	s.claims[k] = true
	return true, nil
}

func (s *stubStore) CreateDiscoveryRun(_ context.Context, plexusID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := fmt.Sprintf("run-%d", s.nextID)
	s.runs[id] = store.DiscoveryRun{ID: id, PlexusID: plexusID, Status: store.RunStatusPending}
	s.created = append(s.created, id)
	return id, nil
}

func (s *stubStore) GetDiscoveryRun(_ context.Context, runID string) (store.DiscoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return store.DiscoveryRun{}, store.ErrNotFound
	}
	return run, nil
}

func (s *stubStore) ActiveDiscoveryRun(_ context.Context, plexusID string) (store.DiscoveryRun, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, run := range s.runs {
		if run.PlexusID == plexusID && !run.Terminal() {
			return run, true, nil
		}
	}
	return store.DiscoveryRun{}, false, nil
}

func (s *stubStore) ListDiscoveryRunsByStatus(_ context.Context, statuses ...string) ([]store.DiscoveryRun, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.DiscoveryRun
	for _, run := range s.runs {
		for _, status := range statuses {
			if run.Status == status {
				out = append(out, run)
				break
			}
		}
	}
	return out, nil
}

func (s *stubStore) ClaimDiscoveryRun(_ context.Context, runID, owner string, _ time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if held, ok := s.leases[runID]; ok && held != owner {
		return false, nil
	}
	s.leases[runID] = owner
	return true, nil
}

func (s *stubStore) RenewDiscoveryRunLease(context.Context, string, string, time.Duration) error {
	return nil
}

func (s *stubStore) putRun(run store.DiscoveryRun) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[run.ID] = run
}

func (s *stubStore) setStatus(runID, status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return
	}
	run.Status = status
	s.runs[runID] = run
}

type stubRunner struct {
	store  *stubStore
	mu     sync.Mutex
	ran    []string
	status string
	block  chan struct{}
	cancel bool
}

func (r *stubRunner) Run(ctx context.Context, runID string) (string, error) {
	r.mu.Lock()
	r.ran = append(r.ran, runID)
	r.mu.Unlock()
	if r.block != nil {
		select {
		case <-r.block:
		case <-ctx.Done():
			r.mu.Lock()
			r.cancel = true
			r.mu.Unlock()
			r.finish(runID, store.RunStatusCancelled)
			return store.RunStatusCancelled, nil
		}
	}
	status := r.status
	if status == "" {
		status = store.RunStatusCompleted
	}
	r.finish(runID, status)
	return status, nil
}

func (r *stubRunner) finish(runID, status string) {
	if r.store != nil {
		r.store.setStatus(runID, status)
	}
}

func (r *stubRunner) runIDs() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ran...)
}

type stubConsumer struct{}

func (stubConsumer) Read(context.Context, string, ...streams.ConsumerOption) ([]streams.Message, error) {
	return nil, nil
}
func (stubConsumer) Ack(context.Context, string, ...string) error { return nil }
func (stubConsumer) AutoClaim(context.Context, string, time.Duration, string, int64) ([]streams.Message, string, error) {
	return nil, "0-0", nil
}

type capturePublisher struct {
	mu     sync.Mutex
	events []CompletedPayload
}

func (c *capturePublisher) PublishRaw(_ context.Context, _, _, _ string, payload interface{}, _ ...streams.PublishOption) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cp, ok := payload.(CompletedPayload); ok {
		c.events = append(c.events, cp)
	}
	return "1-0", nil
}

func (c *capturePublisher) all() []CompletedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]CompletedPayload(nil), c.events...)
}

func testLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func enqueuedMessage(t *testing.T, id string, payload EnqueuedPayload) streams.Message {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return streams.Message{
		ID: id,
		Envelope: streams.Envelope{
			EventID:        "evt-" + id,
			EventType:      StreamDiscoveryEnqueued,
			PayloadVersion: "v1",
			Data:           data,
		},
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestHandleEnqueuedCreatesAndExecutesRun(t *testing.T) {
	st := newStubStore()
	runner := &stubRunner{store: st}
	pub := &capturePublisher{}
	p := NewProcessor(testLogger(), st, stubConsumer{}, pub, runner, "engine-test")

	msg := enqueuedMessage(t, "1-0", EnqueuedPayload{PlexusID: "plexus-1", Trigger: "manual"})
	if err := p.handleEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("handleEnqueued: %v", err)
	}

	waitFor(t, func() bool { return len(runner.runIDs()) == 1 }, "runner never invoked")
	if runner.runIDs()[0] != "run-1" {
		t.Fatalf("ran %v, want run-1", runner.runIDs())
	}

	waitFor(t, func() bool { return len(pub.all()) == 1 }, "completion event never published")
	evt := pub.all()[0]
	if evt.RunID != "run-1" || evt.PlexusID != "plexus-1" || evt.Status != store.RunStatusCompleted {
		t.Fatalf("unexpected completion event: %+v", evt)
	}
}

func TestHandleEnqueuedIsIdempotent(t *testing.T) {
	st := newStubStore()
	runner := &stubRunner{store: st}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	msg := enqueuedMessage(t, "1-0", EnqueuedPayload{PlexusID: "plexus-1", Trigger: "manual"})
	if err := p.handleEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if err := p.handleEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("redelivery: %v", err)
	}

	waitFor(t, func() bool { return len(runner.runIDs()) >= 1 }, "runner never invoked")
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.runIDs()); got != 1 {
		t.Fatalf("runner invoked %d times for one event, want 1", got)
	}
	if len(st.created) != 1 {
		t.Fatalf("created %d runs, want 1", len(st.created))
	}
}

func TestHandleEnqueuedCoalescesOntoActiveRun(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-open", PlexusID: "plexus-1", Status: store.RunStatusRunning})
	runner := &stubRunner{store: st}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	msg := enqueuedMessage(t, "2-0", EnqueuedPayload{PlexusID: "plexus-1", Trigger: "schedule"})
	if err := p.handleEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("handleEnqueued: %v", err)
	}

	waitFor(t, func() bool { return len(runner.runIDs()) == 1 }, "runner never invoked")
	if runner.runIDs()[0] != "run-open" {
		t.Fatalf("ran %v, want the already-open run", runner.runIDs())
	}
	if len(st.created) != 0 {
		t.Fatalf("a scheduled trigger must not open a second run, created %v", st.created)
	}
}

func TestHandleEnqueuedSkipsTerminalRun(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-done", PlexusID: "plexus-1", Status: store.RunStatusCompleted})
	runner := &stubRunner{store: st}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	msg := enqueuedMessage(t, "3-0", EnqueuedPayload{RunID: "run-done", PlexusID: "plexus-1", Trigger: "manual"})
	if err := p.handleEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("handleEnqueued: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(runner.runIDs()) != 0 {
		t.Fatal("terminal run must not be re-executed")
	}
}

func TestHandleEnqueuedRejectsMissingPlexus(t *testing.T) {
	p := NewProcessor(testLogger(), newStubStore(), stubConsumer{}, &capturePublisher{}, &stubRunner{}, "engine-test")
	msg := enqueuedMessage(t, "4-0", EnqueuedPayload{Trigger: "manual"})
	if err := p.handleEnqueued(context.Background(), msg); err == nil {
		t.Fatal("expected error for payload without plexus_id")
	}
}

func TestCancelStopsOwnedRun(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning})
	runner := &stubRunner{store: st, block: make(chan struct{})}
	pub := &capturePublisher{}
	p := NewProcessor(testLogger(), st, stubConsumer{}, pub, runner, "engine-test")

	msg := enqueuedMessage(t, "5-0", EnqueuedPayload{RunID: "run-1", PlexusID: "plexus-1", Trigger: "manual"})
	if err := p.handleEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("handleEnqueued: %v", err)
	}
	waitFor(t, func() bool { return len(runner.runIDs()) == 1 }, "runner never started")

	if !p.Cancel("run-1") {
		t.Fatal("Cancel must find the owned run")
	}
	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.cancel
	}, "runner never observed cancellation")

	waitFor(t, func() bool { return len(pub.all()) == 1 }, "completion event never published")
	if got := pub.all()[0].Status; got != store.RunStatusCancelled {
		t.Fatalf("completion status = %s, want cancelled", got)
	}

	if p.Cancel("run-unknown") {
		t.Fatal("Cancel must report unknown runs as not owned")
	}
}

func TestWatchCancellationsFeedsCancel(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning})
	runner := &stubRunner{store: st, block: make(chan struct{})}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	msg := enqueuedMessage(t, "6-0", EnqueuedPayload{RunID: "run-1", PlexusID: "plexus-1", Trigger: "manual"})
	if err := p.handleEnqueued(context.Background(), msg); err != nil {
		t.Fatalf("handleEnqueued: %v", err)
	}
	waitFor(t, func() bool { return len(runner.runIDs()) == 1 }, "runner never started")

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	reqs := make(chan discovery.CancelRequest, 1)
	go p.WatchCancellations(ctx, reqs)
	reqs <- discovery.CancelRequest{RunID: "run-1", Reason: "operator request"}

	waitFor(t, func() bool {
		runner.mu.Lock()
		defer runner.mu.Unlock()
		return runner.cancel
	}, "broadcast cancellation never reached the run")
}

func TestPlexusMutualExclusion(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-a", PlexusID: "plexus-1", Status: store.RunStatusRunning})
	st.putRun(store.DiscoveryRun{ID: "run-b", PlexusID: "plexus-1", Status: store.RunStatusPending})
	runner := &stubRunner{store: st, block: make(chan struct{})}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	if err := p.handleEnqueued(context.Background(), enqueuedMessage(t, "7-0", EnqueuedPayload{RunID: "run-a", PlexusID: "plexus-1", Trigger: "manual"})); err != nil {
		t.Fatalf("first run: %v", err)
	}
	waitFor(t, func() bool { return len(runner.runIDs()) == 1 }, "first run never started")

	if err := p.handleEnqueued(context.Background(), enqueuedMessage(t, "8-0", EnqueuedPayload{RunID: "run-b", PlexusID: "plexus-1", Trigger: "manual"})); err != nil {
		t.Fatalf("second run: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.runIDs()); got != 1 {
		t.Fatalf("two runs executing for one plexus, ran %v", runner.runIDs())
	}

	close(runner.block)
}

func TestLaunchRespectsForeignLease(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning})
	st.leases["run-1"] = "engine-other"
	runner := &stubRunner{store: st}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	if err := p.recoverInterrupted(context.Background()); err != nil {
		t.Fatalf("recoverInterrupted: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if len(runner.runIDs()) != 0 {
		t.Fatal("a run leased by another engine must not be executed here")
	}

	p.mu.Lock()
	_, tracked := p.cancelByRun["run-1"]
	_, busy := p.runByPlexus["plexus-1"]
	p.mu.Unlock()
	if tracked || busy {
		t.Fatal("a lost claim must release the in-process reservations")
	}
}

func TestQueuedRunLaunchesWhenPlexusFrees(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-a", PlexusID: "plexus-1", Status: store.RunStatusRunning})
	runner := &stubRunner{store: st, block: make(chan struct{})}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	if err := p.handleEnqueued(context.Background(), enqueuedMessage(t, "9-0", EnqueuedPayload{RunID: "run-a", PlexusID: "plexus-1", Trigger: "manual"})); err != nil {
		t.Fatalf("first run: %v", err)
	}
	waitFor(t, func() bool { return len(runner.runIDs()) == 1 }, "first run never started")

	st.putRun(store.DiscoveryRun{ID: "run-b", PlexusID: "plexus-1", Status: store.RunStatusPending})
	if err := p.handleEnqueued(context.Background(), enqueuedMessage(t, "10-0", EnqueuedPayload{RunID: "run-b", PlexusID: "plexus-1", Trigger: "manual"})); err != nil {
		t.Fatalf("second run: %v", err)
	}
	time.Sleep(20 * time.Millisecond)
	if got := len(runner.runIDs()); got != 1 {
		t.Fatalf("queued run must wait for the plexus, ran %v", runner.runIDs())
	}

	close(runner.block)
	waitFor(t, func() bool {
		ids := runner.runIDs()
		return len(ids) == 2 && ids[1] == "run-b"
	}, "queued run never launched after the plexus freed")
}

func TestRecoverInterruptedResumesRunning(t *testing.T) {
	st := newStubStore()
	st.putRun(store.DiscoveryRun{ID: "run-1", PlexusID: "plexus-1", Status: store.RunStatusRunning, RepoPairsTotal: 6, RepoPairsChecked: 2})
	st.putRun(store.DiscoveryRun{ID: "run-2", PlexusID: "plexus-2", Status: store.RunStatusPending})
	st.putRun(store.DiscoveryRun{ID: "run-3", PlexusID: "plexus-3", Status: store.RunStatusCompleted})
	runner := &stubRunner{store: st}
	p := NewProcessor(testLogger(), st, stubConsumer{}, &capturePublisher{}, runner, "engine-test")

	if err := p.recoverInterrupted(context.Background()); err != nil {
		t.Fatalf("recoverInterrupted: %v", err)
	}

	waitFor(t, func() bool { return len(runner.runIDs()) == 2 }, "interrupted runs never resumed")
	for _, id := range runner.runIDs() {
		if id == "run-3" {
			t.Fatal("terminal run must not be resumed")
		}
	}
}

func TestHealthyTracksHeartbeat(t *testing.T) {
	p := NewProcessor(testLogger(), newStubStore(), stubConsumer{}, &capturePublisher{}, &stubRunner{}, "engine-test")
	if p.Healthy(time.Second) {
		t.Fatal("no heartbeat yet; processor must report unhealthy")
	}
	p.beat()
	if !p.Healthy(time.Second) {
		t.Fatal("fresh heartbeat must report healthy")
	}
}
