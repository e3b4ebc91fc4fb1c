package discovery

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/plexushq/weave/internal/store"
)

// Store captures the store methods required by the orchestrator.
type Store interface {
	GetDiscoveryRun(ctx context.Context, runID string) (store.DiscoveryRun, error)
	StartDiscoveryRun(ctx context.Context, runID string, repoIDs []string, pairsTotal int) error
	ListRepoIDs(ctx context.Context, plexusID string) ([]string, error)
	ListRepos(ctx context.Context, plexusID string) ([]store.Repo, error)
	IncrementPairsChecked(ctx context.Context, runID string) (checked, total int, err error)
	IncrementPairsSkipped(ctx context.Context, runID string) error
	RecordWeave(ctx context.Context, w store.Weave) (bool, error)
	FinishDiscoveryRun(ctx context.Context, runID, status string, errMsg *string) error
}

// Options tunes one orchestrator instance.
type Options struct {
	Workers        int
	ScoreThreshold float64
	PairTimeout    time.Duration
	MaxPairRetries int
	RetryBackoff   time.Duration
	PublishEvery   int
	DrainTimeout   time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 4
	}
	if o.PairTimeout <= 0 {
		o.PairTimeout = 30 * time.Second
	}
	if o.MaxPairRetries < 0 {
		o.MaxPairRetries = 0
	}
	if o.RetryBackoff <= 0 {
		o.RetryBackoff = 500 * time.Millisecond
	}
	if o.PublishEvery <= 0 {
		o.PublishEvery = 1
	}
	if o.DrainTimeout <= 0 {
		o.DrainTimeout = 30 * time.Second
	}
	return o
}

// Orchestrator drives one discovery run: it enumerates the pair space, fans
// pairs out to a bounded worker pool, applies comparator results, advances the
// durable counters, and publishes progress. One orchestrator owns a run at a
// time; all cross-worker coordination goes through store-level atomic
// operations.
type Orchestrator struct {
	logger     *log.Logger
	store      Store
	comparator Comparator
	publisher  Publisher
	opts       Options
}

// NewOrchestrator constructs an Orchestrator.
func NewOrchestrator(logger *log.Logger, st Store, cmp Comparator, pub Publisher, opts Options) *Orchestrator {
	if pub == nil {
		pub = NopPublisher{}
	}
	return &Orchestrator{
		logger:     logger,
		store:      st,
		comparator: cmp,
		publisher:  pub,
		opts:       opts.withDefaults(),
	}
}

// runState carries the per-run counters shared by workers. Checked/total come
// back from the store's atomic increment; weaves and skips are tracked locally
// on top of the values loaded at (re)start so snapshots stay cheap.
type runState struct {
	runID    string
	plexusID string
	weaves   atomic.Int64
	skipped  atomic.Int64
	fatalMu  sync.Mutex
	fatal    error
	fatalCh  chan struct{}
}

func (rs *runState) fail(err error) {
	rs.fatalMu.Lock()
	if rs.fatal == nil {
		rs.fatal = err
		close(rs.fatalCh)
	}
	rs.fatalMu.Unlock()
}

func (rs *runState) failed() error {
	rs.fatalMu.Lock()
	defer rs.fatalMu.Unlock()
	return rs.fatal
}

// Run executes the discovery run to a terminal status and returns it. A
// cancelled context stops dispatching, lets in-flight pairs drain (bounded by
// DrainTimeout) and marks the run cancelled; counters accumulated so far are
// retained so a resubmission resumes at the same offset.
func (o *Orchestrator) Run(ctx context.Context, runID string) (string, error) {
	run, err := o.store.GetDiscoveryRun(ctx, runID)
	if err != nil {
		return "", fmt.Errorf("load run %s: %w", runID, err)
	}
	if run.Terminal() {
		return run.Status, nil
	}

	switch run.Status {
	case store.RunStatusPending:
		// A pending run created after a cancelled or failed one carries that
		// run's repo snapshot and offset; only a truly fresh run snapshots the
		// current repo set.
		repoIDs := run.RepoIDs
		if len(repoIDs) == 0 {
			repoIDs, err = o.store.ListRepoIDs(ctx, run.PlexusID)
			if err != nil {
				return "", fmt.Errorf("list repo ids: %w", err)
			}
		}
		total := PairCount(len(repoIDs))
		if err := o.store.StartDiscoveryRun(ctx, runID, repoIDs, total); err != nil {
			return "", fmt.Errorf("start run: %w", err)
		}
		run.RepoIDs = repoIDs
		run.RepoPairsTotal = total
		run.Status = store.RunStatusRunning
		if run.RepoPairsChecked > 0 {
			o.logger.Printf("run %s continuing an earlier sequence at offset %d/%d", runID, run.RepoPairsChecked, total)
		} else {
			o.logger.Printf("run %s started: %d repos, %d pairs", runID, len(repoIDs), total)
		}
	case store.RunStatusRunning:
		// Resume from the persisted repo snapshot so the pair order matches
		// the interrupted run even if the plexus gained repos since.
		o.logger.Printf("run %s resuming at offset %d/%d", runID, run.RepoPairsChecked, run.RepoPairsTotal)
	default:
		return "", fmt.Errorf("run %s in unexpected status %q", runID, run.Status)
	}

	activeRuns.Inc()
	defer activeRuns.Dec()

	state := &runState{runID: run.ID, plexusID: run.PlexusID, fatalCh: make(chan struct{})}
	state.weaves.Store(int64(run.WeavesFound))
	state.skipped.Store(int64(run.PairsSkipped))

	if run.RepoPairsTotal == 0 {
		return o.finish(ctx, state, run, store.RunStatusCompleted, nil)
	}

	metaByID, err := o.loadRepoMeta(ctx, run.PlexusID)
	if err != nil {
		return o.finish(ctx, state, run, store.RunStatusFailed, err)
	}

	enum := NewEnumerator(run.RepoIDs)

	// Workers keep their own context so that cancelling the run stops
	// dispatch without aborting pairs already in flight; those drain and
	// count. The drain timeout bounds how long we wait for them.
	workCtx, cancelWork := context.WithCancel(context.Background())
	defer cancelWork()

	offsets := make(chan int)
	results := make(chan int, o.opts.Workers)
	var wg sync.WaitGroup
	for w := 0; w < o.opts.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for off := range offsets {
				pair, ok := enum.PairAt(off)
				if !ok {
					continue
				}
				counted, err := o.processPair(workCtx, state, pair, metaByID)
				if err != nil {
					if workCtx.Err() == nil {
						state.fail(err)
					}
					return
				}
				if counted {
					results <- off
				}
			}
		}()
	}

	// The checked counter is committed strictly in offset order so it is
	// always a prefix of the pair sequence: a crash can only lose in-flight
	// work past the watermark, never skip a pair on resume.
	commitDone := make(chan struct{})
	go func() {
		defer close(commitDone)
		pending := make(map[int]struct{})
		next := run.RepoPairsChecked
		broken := false
		for off := range results {
			if broken {
				continue
			}
			pending[off] = struct{}{}
			for {
				if _, ok := pending[next]; !ok {
					break
				}
				delete(pending, next)
				if err := o.commitPair(workCtx, state); err != nil {
					if workCtx.Err() == nil {
						state.fail(err)
					}
					broken = true
					break
				}
				next++
			}
		}
	}()

dispatch:
	for off := run.RepoPairsChecked; off < run.RepoPairsTotal; off++ {
		select {
		case <-ctx.Done():
			break dispatch
		case <-state.fatalCh:
			break dispatch
		case offsets <- off:
		}
	}
	close(offsets)

	go func() {
		wg.Wait()
		close(results)
	}()
	if ctx.Err() != nil {
		select {
		case <-commitDone:
		case <-time.After(o.opts.DrainTimeout):
			o.logger.Printf("run %s: drain timeout, abandoning in-flight pairs", runID)
			cancelWork()
			<-commitDone
		}
	} else {
		<-commitDone
	}

	switch {
	case state.failed() != nil:
		return o.finish(ctx, state, run, store.RunStatusFailed, state.failed())
	case ctx.Err() != nil:
		return o.finish(context.Background(), state, run, store.RunStatusCancelled, nil)
	default:
		return o.finish(ctx, state, run, store.RunStatusCompleted, nil)
	}
}

// processPair compares one pair and applies the results. Comparator failures
// are absorbed as a skipped pair after retries; only store failures are
// returned, and those fail the run. The pair counter itself is advanced by the
// committer, so counted reports whether the pair is eligible for commit:
// abandoned pairs are not, and get re-enumerated on resume.
func (o *Orchestrator) processPair(ctx context.Context, state *runState, pair Pair, metaByID map[string]store.Repo) (counted bool, err error) {
	a, ok := metaByID[pair.A]
	if !ok {
		a = store.Repo{ID: pair.A}
	}
	b, ok := metaByID[pair.B]
	if !ok {
		b = store.Repo{ID: pair.B}
	}
	cands, err := o.comparePair(ctx, a, b)
	switch {
	case err != nil && ctx.Err() != nil:
		// Abandoned during drain.
		return false, nil
	case err != nil:
		o.logger.Printf("run %s: pair (%s,%s) skipped after retries: %v", state.runID, pair.A, pair.B, err)
		state.skipped.Add(1)
		pairsSkippedTotal.Inc()
		if serr := o.retryStore(ctx, func() error { return o.store.IncrementPairsSkipped(ctx, state.runID) }); serr != nil {
			return false, fmt.Errorf("record skipped pair: %w", serr)
		}
	default:
		for _, cand := range cands {
			if cand.Score < o.opts.ScoreThreshold {
				continue
			}
			w := store.Weave{
				PlexusID:       state.plexusID,
				DiscoveryRunID: state.runID,
				SourceRepoID:   pair.A,
				TargetRepoID:   pair.B,
				Type:           cand.Type,
				Score:          cand.Score,
			}
			var inserted bool
			err := o.retryStore(ctx, func() error {
				var rerr error
				inserted, rerr = o.store.RecordWeave(ctx, w)
				return rerr
			})
			if err != nil {
				return false, fmt.Errorf("record weave (%s,%s,%s): %w", pair.A, pair.B, cand.Type, err)
			}
			if inserted {
				state.weaves.Add(1)
				weavesFoundTotal.Inc()
			}
		}
	}
	return true, nil
}

// commitPair advances the durable checked counter by one and publishes a
// progress snapshot on the configured cadence.
func (o *Orchestrator) commitPair(ctx context.Context, state *runState) error {
	var checked, total int
	err := o.retryStore(ctx, func() error {
		var ierr error
		checked, total, ierr = o.store.IncrementPairsChecked(ctx, state.runID)
		return ierr
	})
	if err != nil {
		return fmt.Errorf("advance pair counter: %w", err)
	}
	pairsProcessedTotal.Inc()

	if checked%o.opts.PublishEvery == 0 || checked == total {
		snap := newSnapshot(state.runID, state.plexusID, store.RunStatusRunning,
			checked, total, int(state.weaves.Load()), int(state.skipped.Load()))
		if perr := o.publisher.Publish(ctx, state.plexusID, snap); perr != nil {
			o.logger.Printf("run %s: publish progress failed: %v", state.runID, perr)
		}
	}
	return nil
}

// comparePair invokes the comparator with a per-attempt timeout and
// exponential backoff between attempts.
func (o *Orchestrator) comparePair(ctx context.Context, a, b store.Repo) ([]Candidate, error) {
	var out []Candidate
	attempt := 0
	op := func() error {
		cctx, cancel := context.WithTimeout(ctx, o.opts.PairTimeout)
		defer cancel()
		cands, err := o.comparator.Compare(cctx, a, b)
		if err != nil {
			if attempt < o.opts.MaxPairRetries {
				comparatorRetriesTotal.Inc()
			}
			attempt++
			return err
		}
		out = cands
		return nil
	}
	if err := backoff.Retry(op, o.newBackOff(ctx)); err != nil {
		return nil, err
	}
	return out, nil
}

// retryStore retries a durable-store operation before giving up; exhaustion is
// run-fatal by the caller's choice.
func (o *Orchestrator) retryStore(ctx context.Context, op func() error) error {
	return backoff.Retry(op, o.newBackOff(ctx))
}

func (o *Orchestrator) newBackOff(ctx context.Context) backoff.BackOffContext {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = o.opts.RetryBackoff
	return backoff.WithContext(backoff.WithMaxRetries(eb, uint64(o.opts.MaxPairRetries)), ctx)
}

// finish moves the run to a terminal status and publishes the terminal
// snapshot. Publish failures never change the outcome.
func (o *Orchestrator) finish(ctx context.Context, state *runState, run store.DiscoveryRun, status string, cause error) (string, error) {
	var errMsg *string
	if cause != nil {
		msg := cause.Error()
		errMsg = &msg
	}
	ferr := o.retryStore(ctx, func() error {
		return o.store.FinishDiscoveryRun(ctx, state.runID, status, errMsg)
	})
	if ferr != nil {
		return "", fmt.Errorf("finish run %s: %w", state.runID, ferr)
	}

	final, err := o.store.GetDiscoveryRun(ctx, state.runID)
	if err != nil {
		// Fall back to locally tracked counters for the terminal snapshot.
		final = run
		final.Status = status
		final.WeavesFound = int(state.weaves.Load())
		final.PairsSkipped = int(state.skipped.Load())
	}
	if perr := o.publisher.Publish(ctx, state.plexusID, NewSnapshot(final)); perr != nil {
		o.logger.Printf("run %s: publish terminal snapshot failed: %v", state.runID, perr)
	}
	o.logger.Printf("run %s finished: %s (%d/%d pairs, %d weaves, %d skipped)",
		state.runID, status, final.RepoPairsChecked, final.RepoPairsTotal, final.WeavesFound, final.PairsSkipped)
	if cause != nil {
		return status, cause
	}
	return status, nil
}

func (o *Orchestrator) loadRepoMeta(ctx context.Context, plexusID string) (map[string]store.Repo, error) {
	repos, err := o.store.ListRepos(ctx, plexusID)
	if err != nil {
		return nil, fmt.Errorf("list repos: %w", err)
	}
	metaByID := make(map[string]store.Repo, len(repos))
	for _, r := range repos {
		metaByID[r.ID] = r
	}
	return metaByID, nil
}
