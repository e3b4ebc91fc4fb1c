package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
)

// Store wraps the Postgres connection used by all weave services.
type Store struct {
	DB *sql.DB
}

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("store: not found")

// Discovery run statuses. Transitions only move forward:
// pending -> running -> {completed|failed|cancelled}.
const (
	RunStatusPending   = "pending"
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
	RunStatusCancelled = "cancelled"
)

// nonTerminalStatuses are the statuses an active run can be in.
var nonTerminalStatuses = []string{RunStatusPending, RunStatusRunning}

// Plexus is a named group of repositories discovered together.
type Plexus struct {
	ID            string
	Name          string
	DiscoveryCron string
	CreatedAt     time.Time
}

// Repo is a repository belonging to a plexus. The discovery core treats it as
// read-only metadata.
type Repo struct {
	ID              string
	PlexusID        string
	Name            string
	Description     string
	PrimaryLanguage string
	Topics          []string
	CreatedAt       time.Time
}

// DiscoveryRun is one execution of the all-pairs comparison for a plexus.
type DiscoveryRun struct {
	ID               string
	PlexusID         string
	Status           string
	StartedAt        time.Time
	CompletedAt      *time.Time
	RepoIDs          []string
	RepoPairsTotal   int
	RepoPairsChecked int
	WeavesFound      int
	PairsSkipped     int
	Error            *string
}

// Terminal reports whether the run has reached a final status.
func (r DiscoveryRun) Terminal() bool {
	switch r.Status {
	case RunStatusCompleted, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// Weave is one persisted relationship between two repositories. The repo pair
// is stored canonically with the lexicographically smaller id first.
type Weave struct {
	ID             string
	PlexusID       string
	DiscoveryRunID string
	SourceRepoID   string
	TargetRepoID   string
	Type           string
	Score          float64
	CreatedAt      time.Time
}

// SchemaRecord represents a stored message schema version.
type SchemaRecord struct {
	EventType string
	Version   string
	Schema    []byte
	CreatedAt time.Time
}

// NewWithDSN constructs the Store using an explicit Postgres DSN.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}
	return &Store{DB: db}, nil
}

// Plexus operations

func (s *Store) CreatePlexus(ctx context.Context, name, discoveryCron string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `INSERT INTO plexuses (name, discovery_cron) VALUES ($1,$2) RETURNING id`, name, discoveryCron).Scan(&id)
	return id, err
}

func (s *Store) GetPlexus(ctx context.Context, id string) (Plexus, error) {
	var p Plexus
	err := s.DB.QueryRowContext(ctx, `SELECT id, name, COALESCE(discovery_cron,''), created_at FROM plexuses WHERE id=$1`, id).
		Scan(&p.ID, &p.Name, &p.DiscoveryCron, &p.CreatedAt)
	if err == sql.ErrNoRows {
		return Plexus{}, ErrNotFound
	}
	return p, err
}

func (s *Store) ListPlexuses(ctx context.Context) ([]Plexus, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id, name, COALESCE(discovery_cron,''), created_at FROM plexuses ORDER BY created_at DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Plexus
	for rows.Next() {
		var p Plexus
		if err := rows.Scan(&p.ID, &p.Name, &p.DiscoveryCron, &p.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Repo operations

func (s *Store) CreateRepo(ctx context.Context, r Repo) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO repos (plexus_id, name, description, primary_language, topics)
VALUES ($1,$2,$3,$4,$5) RETURNING id`,
		r.PlexusID, r.Name, r.Description, r.PrimaryLanguage, pq.Array(r.Topics)).Scan(&id)
	return id, err
}

func (s *Store) ListRepos(ctx context.Context, plexusID string) ([]Repo, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, plexus_id, name, COALESCE(description,''), COALESCE(primary_language,''), topics, created_at
FROM repos WHERE plexus_id=$1 ORDER BY id`, plexusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Repo
	for rows.Next() {
		var r Repo
		if err := rows.Scan(&r.ID, &r.PlexusID, &r.Name, &r.Description, &r.PrimaryLanguage, pq.Array(&r.Topics), &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListRepoIDs returns the ids of all repos in a plexus in canonical (sorted) order.
func (s *Store) ListRepoIDs(ctx context.Context, plexusID string) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM repos WHERE plexus_id=$1 ORDER BY id`, plexusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// Discovery run operations

// resumableStatuses are terminal statuses whose pair sequence a later run
// continues instead of restarting.
var resumableStatuses = []string{RunStatusCancelled, RunStatusFailed}

// CreateDiscoveryRun opens a pending run for the plexus. When the plexus's
// latest run ended cancelled or failed, the new run inherits that run's repo
// snapshot and counters so it resumes at the persisted offset instead of
// redoing pairs the earlier run already checked. A run after a completed one
// starts from scratch.
func (s *Store) CreateDiscoveryRun(ctx context.Context, plexusID string) (string, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
INSERT INTO discovery_runs (plexus_id, status, repo_ids, repo_pairs_total, repo_pairs_checked, weaves_found, pairs_skipped)
SELECT $1, $2,
       CASE WHEN prev.status = ANY($3) THEN prev.repo_ids ELSE '{}'::text[] END,
       CASE WHEN prev.status = ANY($3) THEN prev.repo_pairs_total ELSE 0 END,
       CASE WHEN prev.status = ANY($3) THEN prev.repo_pairs_checked ELSE 0 END,
       CASE WHEN prev.status = ANY($3) THEN prev.weaves_found ELSE 0 END,
       CASE WHEN prev.status = ANY($3) THEN prev.pairs_skipped ELSE 0 END
FROM (SELECT 1) AS seed
LEFT JOIN LATERAL (
    SELECT status, repo_ids, repo_pairs_total, repo_pairs_checked, weaves_found, pairs_skipped
    FROM discovery_runs WHERE plexus_id=$1
    ORDER BY started_at DESC LIMIT 1
) prev ON TRUE
RETURNING id`, plexusID, RunStatusPending, pq.Array(resumableStatuses)).Scan(&id)
	return id, err
}

func (s *Store) GetDiscoveryRun(ctx context.Context, runID string) (DiscoveryRun, error) {
	return s.scanRun(s.DB.QueryRowContext(ctx, `
SELECT id, plexus_id, status, started_at, completed_at, repo_ids,
       repo_pairs_total, repo_pairs_checked, weaves_found, pairs_skipped, error
FROM discovery_runs WHERE id=$1`, runID))
}

// LatestDiscoveryRun returns the most recently started run for a plexus.
func (s *Store) LatestDiscoveryRun(ctx context.Context, plexusID string) (DiscoveryRun, error) {
	return s.scanRun(s.DB.QueryRowContext(ctx, `
SELECT id, plexus_id, status, started_at, completed_at, repo_ids,
       repo_pairs_total, repo_pairs_checked, weaves_found, pairs_skipped, error
FROM discovery_runs WHERE plexus_id=$1 ORDER BY started_at DESC LIMIT 1`, plexusID))
}

// ActiveDiscoveryRun returns the non-terminal run for a plexus, if any.
func (s *Store) ActiveDiscoveryRun(ctx context.Context, plexusID string) (DiscoveryRun, bool, error) {
	run, err := s.scanRun(s.DB.QueryRowContext(ctx, `
SELECT id, plexus_id, status, started_at, completed_at, repo_ids,
       repo_pairs_total, repo_pairs_checked, weaves_found, pairs_skipped, error
FROM discovery_runs WHERE plexus_id=$1 AND status = ANY($2) ORDER BY started_at DESC LIMIT 1`,
		plexusID, pq.Array(nonTerminalStatuses)))
	if err == ErrNotFound {
		return DiscoveryRun{}, false, nil
	}
	if err != nil {
		return DiscoveryRun{}, false, err
	}
	return run, true, nil
}

// ListDiscoveryRunsByStatus returns runs matching any of the provided statuses.
func (s *Store) ListDiscoveryRunsByStatus(ctx context.Context, statuses ...string) ([]DiscoveryRun, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, plexus_id, status, started_at, completed_at, repo_ids,
       repo_pairs_total, repo_pairs_checked, weaves_found, pairs_skipped, error
FROM discovery_runs WHERE status = ANY($1)`, pq.Array(statuses))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DiscoveryRun
	for rows.Next() {
		var run DiscoveryRun
		var repoIDs []string
		if err := rows.Scan(&run.ID, &run.PlexusID, &run.Status, &run.StartedAt, &run.CompletedAt,
			pq.Array(&repoIDs), &run.RepoPairsTotal, &run.RepoPairsChecked, &run.WeavesFound, &run.PairsSkipped, &run.Error); err != nil {
			return nil, err
		}
		run.RepoIDs = repoIDs
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *Store) ListDiscoveryRuns(ctx context.Context, plexusID string) ([]DiscoveryRun, error) {
	rows, err := s.DB.QueryContext(ctx, `
SELECT id, plexus_id, status, started_at, completed_at, repo_ids,
       repo_pairs_total, repo_pairs_checked, weaves_found, pairs_skipped, error
FROM discovery_runs WHERE plexus_id=$1 ORDER BY started_at DESC`, plexusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []DiscoveryRun
	for rows.Next() {
		var run DiscoveryRun
		var repoIDs []string
		if err := rows.Scan(&run.ID, &run.PlexusID, &run.Status, &run.StartedAt, &run.CompletedAt,
			pq.Array(&repoIDs), &run.RepoPairsTotal, &run.RepoPairsChecked, &run.WeavesFound, &run.PairsSkipped, &run.Error); err != nil {
			return nil, err
		}
		run.RepoIDs = repoIDs
		out = append(out, run)
	}
	return out, rows.Err()
}

// StartDiscoveryRun snapshots the repo set and pair total for a pending run and
// moves it to running. The snapshot keeps pair enumeration deterministic across
// restarts even when repos are added to the plexus mid-run.
func (s *Store) StartDiscoveryRun(ctx context.Context, runID string, repoIDs []string, pairsTotal int) error {
	res, err := s.DB.ExecContext(ctx, `
UPDATE discovery_runs
SET status=$2, repo_ids=$3, repo_pairs_total=$4, started_at=NOW()
WHERE id=$1 AND status=$5`, runID, RunStatusRunning, pq.Array(repoIDs), pairsTotal, RunStatusPending)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("start run %s: not pending", runID)
	}
	return nil
}

// IncrementPairsChecked atomically advances the checked counter by one and
// returns the updated counters. The WHERE guard keeps the counter from ever
// exceeding the pair total.
func (s *Store) IncrementPairsChecked(ctx context.Context, runID string) (checked, total int, err error) {
	err = s.DB.QueryRowContext(ctx, `
UPDATE discovery_runs
SET repo_pairs_checked = repo_pairs_checked + 1
WHERE id=$1 AND repo_pairs_checked < repo_pairs_total
RETURNING repo_pairs_checked, repo_pairs_total`, runID).Scan(&checked, &total)
	if err == sql.ErrNoRows {
		return 0, 0, fmt.Errorf("increment pairs checked: run %s already at total", runID)
	}
	return checked, total, err
}

// IncrementPairsSkipped records a pair whose comparator retries were exhausted.
func (s *Store) IncrementPairsSkipped(ctx context.Context, runID string) error {
	_, err := s.DB.ExecContext(ctx, `UPDATE discovery_runs SET pairs_skipped = pairs_skipped + 1 WHERE id=$1`, runID)
	return err
}

// FinishDiscoveryRun moves a run to a terminal status and releases its lease.
// A run already terminal is left untouched so status transitions only move
// forward.
func (s *Store) FinishDiscoveryRun(ctx context.Context, runID, status string, errMsg *string) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE discovery_runs SET status=$2, completed_at=NOW(), error=$3, owner=NULL, lease_expires_at=NULL
WHERE id=$1 AND status = ANY($4)`, runID, status, errMsg, pq.Array(nonTerminalStatuses))
	return err
}

// ClaimDiscoveryRun takes ownership of a non-terminal run for one engine
// instance. The claim succeeds when the run is unowned, already held by the
// same owner, or its lease has expired; a live sibling's claim loses. The
// owner must renew the lease while executing.
func (s *Store) ClaimDiscoveryRun(ctx context.Context, runID, owner string, lease time.Duration) (bool, error) {
	if owner == "" {
		return false, fmt.Errorf("owner must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE discovery_runs
SET owner=$2, lease_expires_at=NOW() + make_interval(secs => $3)
WHERE id=$1 AND status = ANY($4)
  AND (owner IS NULL OR owner=$2 OR lease_expires_at < NOW())`,
		runID, owner, lease.Seconds(), pq.Array(nonTerminalStatuses))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RenewDiscoveryRunLease extends the owner's claim on a run it is executing.
// Renewal by a non-owner is a no-op.
func (s *Store) RenewDiscoveryRunLease(ctx context.Context, runID, owner string, lease time.Duration) error {
	_, err := s.DB.ExecContext(ctx, `
UPDATE discovery_runs SET lease_expires_at=NOW() + make_interval(secs => $3)
WHERE id=$1 AND owner=$2`, runID, owner, lease.Seconds())
	return err
}

// Weave operations

// RecordWeave inserts a weave if the (run, pair, type) slot is free and
// bumps the run's weaves_found counter in the same transaction. The bool
// reports whether a new row was written; a duplicate insert during resume is a
// no-op, not an error.
func (s *Store) RecordWeave(ctx context.Context, w Weave) (bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var inserted bool
	err = tx.QueryRowContext(ctx, `
INSERT INTO weaves (plexus_id, discovery_run_id, source_repo_id, target_repo_id, type, score)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (discovery_run_id, source_repo_id, target_repo_id, type) DO NOTHING
RETURNING true`, w.PlexusID, w.DiscoveryRunID, w.SourceRepoID, w.TargetRepoID, w.Type, w.Score).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, tx.Commit()
	}
	if err != nil {
		return false, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE discovery_runs SET weaves_found = weaves_found + 1 WHERE id=$1`, w.DiscoveryRunID); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

// ListWeaves returns weaves for a plexus, optionally filtered by run.
func (s *Store) ListWeaves(ctx context.Context, plexusID, runID string) ([]Weave, error) {
	query := `
SELECT id, plexus_id, discovery_run_id, source_repo_id, target_repo_id, type, score, created_at
FROM weaves WHERE plexus_id=$1`
	args := []interface{}{plexusID}
	if runID != "" {
		query += ` AND discovery_run_id=$2`
		args = append(args, runID)
	}
	query += ` ORDER BY created_at`
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Weave
	for rows.Next() {
		var w Weave
		if err := rows.Scan(&w.ID, &w.PlexusID, &w.DiscoveryRunID, &w.SourceRepoID, &w.TargetRepoID, &w.Type, &w.Score, &w.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// FlushPlexusData deletes all weaves and discovery runs for a plexus so that
// discovery can start over from scratch. Callers must ensure no run is active.
func (s *Store) FlushPlexusData(ctx context.Context, plexusID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()
	if _, err := tx.ExecContext(ctx, `DELETE FROM weaves WHERE plexus_id=$1`, plexusID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM discovery_runs WHERE plexus_id=$1`, plexusID); err != nil {
		return err
	}
	return tx.Commit()
}

// Queue bookkeeping

// ClaimIdempotency attempts to register a processed event. It returns false if
// the key already exists.
func (s *Store) ClaimIdempotency(ctx context.Context, scope, key string) (bool, error) {
	if scope == "" || key == "" {
		return false, fmt.Errorf("scope and key must be provided")
	}
	var inserted bool
	err := s.DB.QueryRowContext(ctx, `INSERT INTO idempotency_keys (scope, key) VALUES ($1,$2) ON CONFLICT DO NOTHING RETURNING true`, scope, key).Scan(&inserted)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return inserted, nil
}

// UpsertMessageSchema stores or updates an event schema definition.
func (s *Store) UpsertMessageSchema(ctx context.Context, eventType, version string, schemaBytes []byte) error {
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO message_schemas (event_type, version, schema)
VALUES ($1,$2,$3)
ON CONFLICT (event_type, version) DO UPDATE SET
  schema = EXCLUDED.schema`, eventType, version, schemaBytes)
	return err
}

// ListMessageSchemas returns every stored event schema.
func (s *Store) ListMessageSchemas(ctx context.Context) ([]SchemaRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT event_type, version, schema, created_at FROM message_schemas`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []SchemaRecord
	for rows.Next() {
		var rec SchemaRecord
		if err := rows.Scan(&rec.EventType, &rec.Version, &rec.Schema, &rec.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) scanRun(row *sql.Row) (DiscoveryRun, error) {
	var run DiscoveryRun
	var repoIDs []string
	err := row.Scan(&run.ID, &run.PlexusID, &run.Status, &run.StartedAt, &run.CompletedAt,
		pq.Array(&repoIDs), &run.RepoPairsTotal, &run.RepoPairsChecked, &run.WeavesFound, &run.PairsSkipped, &run.Error)
	if err == sql.ErrNoRows {
		return DiscoveryRun{}, ErrNotFound
	}
	if err != nil {
		return DiscoveryRun{}, err
	}
	run.RepoIDs = repoIDs
	return run, nil
}
