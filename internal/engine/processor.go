package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/plexushq/weave/internal/discovery"
	"github.com/plexushq/weave/internal/queue/streams"
	"github.com/plexushq/weave/internal/store"
)

const (
	// Streams consumed and produced by the engine.
	StreamDiscoveryEnqueued  = "discovery.enqueued"
	StreamDiscoveryCompleted = "discovery.completed"

	// Group is the consumer group shared by engine instances.
	Group = "engine-group"

	reclaimMinIdle = time.Minute

	// runLease is how long a claim on a discovery run stays valid without a
	// renewal; a crashed engine's runs become claimable after it elapses.
	runLease = 30 * time.Second
)

var (
	eventsProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weave_engine_events_processed_total",
		Help: "Intake events handled by the engine.",
	})
	eventsSkippedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weave_engine_events_skipped_total",
		Help: "Intake events skipped as duplicates or stale.",
	})
	runsRecoveredTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "weave_engine_runs_recovered_total",
		Help: "Interrupted discovery runs resumed at engine start.",
	})
)

// StoreAPI captures the store methods required by the engine.
type StoreAPI interface {
	ClaimIdempotency(ctx context.Context, scope, key string) (bool, error)
	CreateDiscoveryRun(ctx context.Context, plexusID string) (string, error)
	GetDiscoveryRun(ctx context.Context, runID string) (store.DiscoveryRun, error)
	ActiveDiscoveryRun(ctx context.Context, plexusID string) (store.DiscoveryRun, bool, error)
	ListDiscoveryRunsByStatus(ctx context.Context, statuses ...string) ([]store.DiscoveryRun, error)
	ClaimDiscoveryRun(ctx context.Context, runID, owner string, lease time.Duration) (bool, error)
	RenewDiscoveryRunLease(ctx context.Context, runID, owner string, lease time.Duration) error
}

// Runner executes one discovery run to a terminal status.
type Runner interface {
	Run(ctx context.Context, runID string) (string, error)
}

// StreamConsumer is the slice of streams.Consumer the engine uses.
type StreamConsumer interface {
	Read(ctx context.Context, stream string, opts ...streams.ConsumerOption) ([]streams.Message, error)
	Ack(ctx context.Context, stream string, ids ...string) error
	AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]streams.Message, string, error)
}

// StreamPublisher is the slice of streams.Publisher the engine uses.
type StreamPublisher interface {
	PublishRaw(ctx context.Context, stream, eventType, version string, payload interface{}, opts ...streams.PublishOption) (string, error)
}

// EnqueuedPayload mirrors the JSON payload published to discovery.enqueued.
type EnqueuedPayload struct {
	RunID       string `json:"run_id,omitempty"`
	PlexusID    string `json:"plexus_id"`
	Trigger     string `json:"trigger"`
	RequestedAt string `json:"requested_at,omitempty"`
}

// CompletedPayload mirrors the JSON payload published to discovery.completed.
type CompletedPayload struct {
	RunID            string `json:"run_id"`
	PlexusID         string `json:"plexus_id"`
	Status           string `json:"status"`
	RepoPairsTotal   int    `json:"repo_pairs_total"`
	RepoPairsChecked int    `json:"repo_pairs_checked"`
	WeavesFound      int    `json:"weaves_found"`
	PairsSkipped     int    `json:"pairs_skipped"`
}

// Processor consumes discovery.enqueued events and drives runs through the
// Runner. One processor owns the runs it starts: it holds a store-level lease
// per run so sibling engines stay off it, and tracks cancel functions so a
// broadcast cancellation can reach it.
type Processor struct {
	logger    *log.Logger
	store     StoreAPI
	consumer  StreamConsumer
	publisher StreamPublisher
	runner    Runner
	owner     string

	lastBeat atomic.Int64

	mu           sync.Mutex
	cancelByRun  map[string]context.CancelFunc
	runByPlexus  map[string]string
	runsInFlight sync.WaitGroup
}

// NewProcessor constructs a Processor. The owner string identifies this engine
// instance in run leases and must be unique across live engines.
func NewProcessor(logger *log.Logger, st StoreAPI, cons StreamConsumer, pub StreamPublisher, runner Runner, owner string) *Processor {
	return &Processor{
		logger:      logger,
		store:       st,
		consumer:    cons,
		publisher:   pub,
		runner:      runner,
		owner:       owner,
		cancelByRun: map[string]context.CancelFunc{},
		runByPlexus: map[string]string{},
	}
}

// Start blocks, consuming discovery.enqueued until the context is cancelled.
// Runs still in flight are allowed to observe the cancellation and persist
// their progress before Start returns.
func (p *Processor) Start(ctx context.Context) error {
	p.logger.Printf("engine starting; consuming stream %s", StreamDiscoveryEnqueued)
	p.beat()

	if err := p.recoverInterrupted(ctx); err != nil {
		p.logger.Printf("warn: recover interrupted runs: %v", err)
	}
	p.reclaimStale(ctx)

	for {
		select {
		case <-ctx.Done():
			p.logger.Printf("engine stopping: %v", ctx.Err())
			p.runsInFlight.Wait()
			return nil
		default:
		}

		p.beat()
		msgs, err := p.consumer.Read(ctx, StreamDiscoveryEnqueued, streams.WithBlock(5*time.Second), streams.WithCount(16))
		if err != nil {
			if ctx.Err() != nil {
				continue
			}
			p.logger.Printf("error reading stream: %v", err)
			time.Sleep(time.Second)
			continue
		}

		for _, msg := range msgs {
			if err := p.handleEnqueued(ctx, msg); err != nil {
				p.logger.Printf("error handling message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, StreamDiscoveryEnqueued, msg.ID); err != nil {
				p.logger.Printf("warn: ack message %s: %v", msg.ID, err)
			}
		}
	}
}

// WatchCancellations consumes cancel requests until the context is cancelled.
// It is normally fed by the Redis broadcast channel.
func (p *Processor) WatchCancellations(ctx context.Context, reqs <-chan discovery.CancelRequest) {
	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			if p.Cancel(req.RunID) {
				p.logger.Printf("run %s cancelled: %s", req.RunID, req.Reason)
			}
		}
	}
}

// Cancel stops the run if this processor owns it. It reports whether the run
// was found; a false return usually means another engine instance owns it.
func (p *Processor) Cancel(runID string) bool {
	p.mu.Lock()
	cancel, ok := p.cancelByRun[runID]
	p.mu.Unlock()
	if !ok {
		return false
	}
	cancel()
	return true
}

// Healthy reports whether the intake loop has made progress inside the window.
func (p *Processor) Healthy(window time.Duration) bool {
	last := time.Unix(0, p.lastBeat.Load())
	return time.Since(last) <= window
}

func (p *Processor) beat() {
	p.lastBeat.Store(time.Now().UnixNano())
}

func (p *Processor) handleEnqueued(ctx context.Context, msg streams.Message) error {
	claimed, err := p.store.ClaimIdempotency(ctx, msg.Envelope.EventType, msg.Envelope.EventID)
	if err != nil {
		return fmt.Errorf("claim idempotency: %w", err)
	}
	if !claimed {
		p.logger.Printf("skip event %s: already processed", msg.Envelope.EventID)
		eventsSkippedTotal.Inc()
		return nil
	}

	var payload EnqueuedPayload
	if err := json.Unmarshal(msg.Envelope.Data, &payload); err != nil {
		return fmt.Errorf("unmarshal enqueued payload: %w", err)
	}
	if payload.PlexusID == "" {
		return fmt.Errorf("event %s: plexus_id is required", msg.Envelope.EventID)
	}

	runID := payload.RunID
	if runID == "" {
		// Scheduler and recovery triggers enqueue without a run id; coalesce
		// onto the active run if one exists, otherwise open a fresh one.
		active, ok, err := p.store.ActiveDiscoveryRun(ctx, payload.PlexusID)
		if err != nil {
			return fmt.Errorf("check active run: %w", err)
		}
		if ok {
			runID = active.ID
		} else {
			created, err := p.store.CreateDiscoveryRun(ctx, payload.PlexusID)
			if err != nil {
				return fmt.Errorf("create run: %w", err)
			}
			runID = created
		}
	}

	run, err := p.store.GetDiscoveryRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Terminal() {
		p.logger.Printf("skip run %s: already %s", runID, run.Status)
		eventsSkippedTotal.Inc()
		return nil
	}

	p.launch(ctx, run)
	eventsProcessedTotal.Inc()
	return nil
}

// launch starts the run in its own goroutine unless the run, or another run
// for the same plexus, is already executing here, or a sibling engine holds a
// live lease on it.
func (p *Processor) launch(ctx context.Context, run store.DiscoveryRun) {
	p.mu.Lock()
	if _, running := p.cancelByRun[run.ID]; running {
		p.mu.Unlock()
		p.logger.Printf("run %s already executing", run.ID)
		return
	}
	if other, busy := p.runByPlexus[run.PlexusID]; busy {
		p.mu.Unlock()
		p.logger.Printf("plexus %s busy with run %s; run %s stays queued in the store", run.PlexusID, other, run.ID)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancelByRun[run.ID] = cancel
	p.runByPlexus[run.PlexusID] = run.ID
	p.mu.Unlock()

	claimed, err := p.store.ClaimDiscoveryRun(ctx, run.ID, p.owner, runLease)
	if err != nil || !claimed {
		cancel()
		p.mu.Lock()
		delete(p.cancelByRun, run.ID)
		delete(p.runByPlexus, run.PlexusID)
		p.mu.Unlock()
		if err != nil {
			p.logger.Printf("error claiming run %s: %v", run.ID, err)
		} else {
			p.logger.Printf("run %s held by another engine; leaving it alone", run.ID)
		}
		return
	}

	p.runsInFlight.Add(1)
	go func() {
		defer p.runsInFlight.Done()
		stopRenew := make(chan struct{})
		go p.renewLease(run.ID, stopRenew)
		defer func() {
			close(stopRenew)
			cancel()
			p.mu.Lock()
			delete(p.cancelByRun, run.ID)
			delete(p.runByPlexus, run.PlexusID)
			p.mu.Unlock()
			p.relaunchQueued(ctx, run.PlexusID, run.ID)
		}()
		p.execute(runCtx, run.ID, run.PlexusID)
	}()
}

// renewLease keeps the run's lease fresh until stop is closed. Renewal uses a
// background context so a cancelled run still holds its lease while draining.
func (p *Processor) renewLease(runID string, stop <-chan struct{}) {
	ticker := time.NewTicker(runLease / 3)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := p.store.RenewDiscoveryRunLease(context.Background(), runID, p.owner, runLease); err != nil {
				p.logger.Printf("warn: renew lease for run %s: %v", runID, err)
			}
		}
	}
}

// relaunchQueued picks up a run that lost the per-plexus busy check while the
// finished run was executing. Without it a queued pending run would sit in the
// store until the next engine boot.
func (p *Processor) relaunchQueued(ctx context.Context, plexusID, finished string) {
	if ctx.Err() != nil {
		return
	}
	next, ok, err := p.store.ActiveDiscoveryRun(ctx, plexusID)
	if err != nil {
		p.logger.Printf("warn: check queued run for plexus %s: %v", plexusID, err)
		return
	}
	if !ok || next.ID == finished {
		return
	}
	p.logger.Printf("plexus %s freed; launching queued run %s", plexusID, next.ID)
	p.launch(ctx, next)
}

func (p *Processor) execute(ctx context.Context, runID, plexusID string) {
	status, err := p.runner.Run(ctx, runID)
	if err != nil {
		p.logger.Printf("run %s ended with error: %v", runID, err)
	}
	if status == "" {
		return
	}

	payload := CompletedPayload{RunID: runID, PlexusID: plexusID, Status: status}
	// Best effort: the terminal counters enrich the event when the run is
	// still readable.
	if run, rerr := p.store.GetDiscoveryRun(context.Background(), runID); rerr == nil {
		payload.RepoPairsTotal = run.RepoPairsTotal
		payload.RepoPairsChecked = run.RepoPairsChecked
		payload.WeavesFound = run.WeavesFound
		payload.PairsSkipped = run.PairsSkipped
	}
	if _, perr := p.publisher.PublishRaw(context.Background(), StreamDiscoveryCompleted, StreamDiscoveryCompleted, "v1", payload); perr != nil {
		p.logger.Printf("warn: publish %s for run %s: %v", StreamDiscoveryCompleted, runID, perr)
	}
}

// recoverInterrupted resumes runs a previous engine instance left behind.
// Running runs pick up at their persisted offset; pending runs whose intake
// event was consumed but never executed start from scratch.
func (p *Processor) recoverInterrupted(ctx context.Context) error {
	runs, err := p.store.ListDiscoveryRunsByStatus(ctx, store.RunStatusRunning, store.RunStatusPending)
	if err != nil {
		return err
	}
	for _, run := range runs {
		p.logger.Printf("recovering run %s (plexus %s, %s, %d/%d pairs)",
			run.ID, run.PlexusID, run.Status, run.RepoPairsChecked, run.RepoPairsTotal)
		p.launch(ctx, run)
		runsRecoveredTotal.Inc()
	}
	return nil
}

// reclaimStale takes over intake messages a dead consumer never acked.
func (p *Processor) reclaimStale(ctx context.Context) {
	start := "0-0"
	for {
		msgs, next, err := p.consumer.AutoClaim(ctx, StreamDiscoveryEnqueued, reclaimMinIdle, start, 16)
		if err != nil {
			p.logger.Printf("warn: reclaim stale messages: %v", err)
			return
		}
		for _, msg := range msgs {
			if err := p.handleEnqueued(ctx, msg); err != nil {
				p.logger.Printf("error handling reclaimed message %s: %v", msg.ID, err)
			}
			if err := p.consumer.Ack(ctx, StreamDiscoveryEnqueued, msg.ID); err != nil {
				p.logger.Printf("warn: ack reclaimed message %s: %v", msg.ID, err)
			}
		}
		if next == "" || next == "0-0" || len(msgs) == 0 {
			return
		}
		start = next
	}
}
