package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/loqalabs/loqa-render/internal/config"
	"github.com/loqalabs/loqa-render/internal/policy"
	_ "modernc.org/sqlite"
)

const (
	RetentionEphemeral  = "ephemeral"
	RetentionSession    = "session"
	RetentionPersistent = "persistent"
)

var ErrJobNotFound = errors.New("journal: job not found")

// Job is the latest known state of a render job. Documents and artifacts are
// never journaled.
type Job struct {
	ID        string
	State     policy.State
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Journal records job lifecycle transitions in SQLite.
type Journal struct {
	db    *sql.DB
	cfg   config.JournalConfig
	log   *slog.Logger
	clock func() time.Time
}

// Open initializes the journal according to config. Ephemeral retention
// returns a journal that records nothing.
func Open(ctx context.Context, cfg config.JournalConfig, log *slog.Logger) (*Journal, error) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	log = log.With(slog.String("component", "journal"))
	if cfg.RetentionMode == RetentionEphemeral {
		return &Journal{cfg: cfg, log: log, clock: time.Now}, nil
	}

	dir := filepath.Dir(cfg.Path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)", cfg.Path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	j := &Journal{db: db, cfg: cfg, log: log, clock: time.Now}

	if err := j.initSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	if cfg.VacuumOnStart {
		if err := j.vacuum(ctx); err != nil {
			log.Warn("journal vacuum failed", slog.String("error", err.Error()))
		}
	}

	if err := j.Prune(ctx); err != nil {
		log.Warn("journal prune on start failed", slog.String("error", err.Error()))
	}

	return j, nil
}

func (j *Journal) initSchema(ctx context.Context) error {
	ddl := `
CREATE TABLE IF NOT EXISTS jobs (
    job_id TEXT PRIMARY KEY,
    state TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS transitions (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    job_id TEXT NOT NULL,
    from_state TEXT NOT NULL,
    to_state TEXT NOT NULL,
    detail TEXT,
    created_at INTEGER NOT NULL,
    FOREIGN KEY(job_id) REFERENCES jobs(job_id) ON DELETE CASCADE
);
CREATE INDEX IF NOT EXISTS idx_transitions_job ON transitions(job_id, id);
CREATE INDEX IF NOT EXISTS idx_jobs_created ON jobs(created_at);
`
	_, err := j.db.ExecContext(ctx, ddl)
	return err
}

func (j *Journal) vacuum(ctx context.Context) error {
	_, err := j.db.ExecContext(ctx, "VACUUM")
	return err
}

func (j *Journal) enabled() bool {
	return j != nil && j.db != nil && j.cfg.RetentionMode != RetentionEphemeral
}

// Close releases underlying resources.
func (j *Journal) Close() error {
	if !j.enabled() {
		return nil
	}
	return j.db.Close()
}

// RecordTransition stores t and moves the job row to t.To.
func (j *Journal) RecordTransition(ctx context.Context, t policy.Transition) error {
	if !j.enabled() {
		return nil
	}
	at := t.At
	if at.IsZero() {
		at = j.clock()
	}
	ts := at.UTC().UnixNano()

	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO jobs(job_id, state, created_at, updated_at) VALUES(?, ?, ?, ?)
		 ON CONFLICT(job_id) DO UPDATE SET state=excluded.state, updated_at=excluded.updated_at`,
		t.JobID, string(t.To), ts, ts)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO transitions(job_id, from_state, to_state, detail, created_at) VALUES(?, ?, ?, ?, ?)`,
		t.JobID, string(t.From), string(t.To), t.Detail, ts)
	if err != nil {
		return err
	}
	err = tx.Commit()
	return err
}

// OnTransition lets the journal observe pipeline jobs directly. Write errors
// are logged, never surfaced to the job.
func (j *Journal) OnTransition(t policy.Transition) {
	if !j.enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := j.RecordTransition(ctx, t); err != nil {
		j.log.Warn("journal transition failed",
			slog.String("job_id", t.JobID),
			slog.String("to", string(t.To)),
			slog.String("error", err.Error()))
	}
}

// Job returns the latest state of a job.
func (j *Journal) Job(ctx context.Context, jobID string) (Job, error) {
	if !j.enabled() {
		return Job{}, ErrJobNotFound
	}
	var (
		job              Job
		state            string
		created, updated int64
	)
	err := j.db.QueryRowContext(ctx,
		`SELECT job_id, state, created_at, updated_at FROM jobs WHERE job_id = ?`, jobID).
		Scan(&job.ID, &state, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, ErrJobNotFound
	}
	if err != nil {
		return Job{}, err
	}
	job.State = policy.State(state)
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	return job, nil
}

// ListJobTransitions returns up to limit transitions of a job in the order
// they happened.
func (j *Journal) ListJobTransitions(ctx context.Context, jobID string, limit int) ([]policy.Transition, error) {
	if !j.enabled() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}
	rows, err := j.db.QueryContext(ctx,
		`SELECT job_id, from_state, to_state, detail, created_at
		 FROM transitions WHERE job_id = ? ORDER BY id ASC LIMIT ?`, jobID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []policy.Transition
	for rows.Next() {
		var (
			t        policy.Transition
			from, to string
			detail   sql.NullString
			created  int64
		)
		if err := rows.Scan(&t.JobID, &from, &to, &detail, &created); err != nil {
			return nil, err
		}
		t.From = policy.State(from)
		t.To = policy.State(to)
		t.Detail = detail.String
		t.At = time.Unix(0, created).UTC()
		out = append(out, t)
	}
	return out, rows.Err()
}

// Prune applies configured retention: jobs older than RetentionDays go, then
// all but the newest MaxJobs.
func (j *Journal) Prune(ctx context.Context) error {
	if !j.enabled() {
		return nil
	}
	tx, err := j.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	if j.cfg.RetentionMode != RetentionPersistent && j.cfg.RetentionMode != RetentionSession {
		return tx.Commit()
	}
	if j.cfg.RetentionDays > 0 {
		cutoff := j.clock().Add(-time.Duration(j.cfg.RetentionDays) * 24 * time.Hour).UTC().UnixNano()
		if _, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE created_at < ?`, cutoff); err != nil {
			return err
		}
	}
	if j.cfg.MaxJobs > 0 {
		_, err = tx.ExecContext(ctx, `DELETE FROM jobs WHERE job_id IN (
			SELECT job_id FROM jobs ORDER BY created_at DESC LIMIT -1 OFFSET ?
		)`, j.cfg.MaxJobs)
		if err != nil {
			return err
		}
	}
	err = tx.Commit()
	return err
}

// RunPruner prunes every interval until ctx is done.
func (j *Journal) RunPruner(ctx context.Context, interval time.Duration) {
	if !j.enabled() || interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := j.Prune(ctx); err != nil && ctx.Err() == nil {
				j.log.Warn("journal prune failed", slog.String("error", err.Error()))
			}
		}
	}
}
