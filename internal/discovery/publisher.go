package discovery

import (
	"context"
	"time"

	"github.com/plexushq/weave/internal/store"
)

// Snapshot is one progress observation for a discovery run. Counters are
// monotonic per run; consumers that receive snapshots out of order must keep
// the highest counters they have seen.
type Snapshot struct {
	RunID            string    `json:"run_id"`
	PlexusID         string    `json:"plexus_id"`
	Status           string    `json:"status"`
	RepoPairsChecked int       `json:"repo_pairs_checked"`
	RepoPairsTotal   int       `json:"repo_pairs_total"`
	WeavesFound      int       `json:"weaves_found"`
	PairsSkipped     int       `json:"pairs_skipped"`
	ProgressPercent  float64   `json:"progress_percent"`
	GeneratedAt      time.Time `json:"generated_at"`
}

// NewSnapshot derives a snapshot from run counters.
func NewSnapshot(run store.DiscoveryRun) Snapshot {
	return newSnapshot(run.ID, run.PlexusID, run.Status, run.RepoPairsChecked, run.RepoPairsTotal, run.WeavesFound, run.PairsSkipped)
}

func newSnapshot(runID, plexusID, status string, checked, total, weaves, skipped int) Snapshot {
	divisor := total
	if divisor < 1 {
		divisor = 1
	}
	return Snapshot{
		RunID:            runID,
		PlexusID:         plexusID,
		Status:           status,
		RepoPairsChecked: checked,
		RepoPairsTotal:   total,
		WeavesFound:      weaves,
		PairsSkipped:     skipped,
		ProgressPercent:  100 * float64(checked) / float64(divisor),
		GeneratedAt:      time.Now().UTC(),
	}
}

// Newer reports whether s carries strictly more progress than prev. Consumers
// use it to discard stale snapshots regardless of arrival order.
func (s Snapshot) Newer(prev Snapshot) bool {
	if s.RepoPairsChecked != prev.RepoPairsChecked {
		return s.RepoPairsChecked > prev.RepoPairsChecked
	}
	return s.WeavesFound > prev.WeavesFound
}

// Publisher broadcasts progress snapshots on a per-plexus channel. Delivery is
// best-effort: publish failures are logged by callers and never abort a run.
type Publisher interface {
	Publish(ctx context.Context, plexusID string, snap Snapshot) error
}

// PublisherFunc adapts a plain function to the Publisher interface.
type PublisherFunc func(ctx context.Context, plexusID string, snap Snapshot) error

func (f PublisherFunc) Publish(ctx context.Context, plexusID string, snap Snapshot) error {
	return f(ctx, plexusID, snap)
}

// NopPublisher discards every snapshot.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, string, Snapshot) error { return nil }
