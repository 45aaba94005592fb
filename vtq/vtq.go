// CLAUDE:SUMMARY SQLite visibility-timeout rows: claim, extend, release; Hold runs a function under a claimed row as a cross-process lease.
// Package vtq implements visibility-timeout rows backed by SQLite.
//
// A claimed row is invisible to other claimers until its visibility expires
// or it is released. A holder that crashes simply stops extending, and the
// row reappears on its own.
//
// With one row per queue this is a lease: every process sharing the
// database file publishes the same id, and whoever claims it holds the
// lease. The receipt service takes one around each scrape pass so that a
// CLI run and a server never scrape the same pending receipts at once.
//
// Schema (created by EnsureTable):
//
//	CREATE TABLE IF NOT EXISTS vtq_jobs (
//	    id          TEXT NOT NULL,
//	    queue       TEXT NOT NULL DEFAULT '',
//	    payload     BLOB,
//	    visible_at  INTEGER NOT NULL DEFAULT 0,  -- milliseconds since epoch
//	    created_at  INTEGER NOT NULL,             -- milliseconds since epoch
//	    attempts    INTEGER NOT NULL DEFAULT 0,
//	    PRIMARY KEY (queue, id)
//	);
package vtq

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"
)

// ErrBusy is returned by Hold when no row of the queue is visible.
var ErrBusy = errors.New("vtq: no visible row")

// Job is a row in the queue.
type Job struct {
	ID        string
	Queue     string
	Payload   []byte
	VisibleAt time.Time
	CreatedAt time.Time
	Attempts  int
}

// Options configures a queue handle.
type Options struct {
	// Queue is the logical queue name. Queues share the table.
	Queue string
	// Visibility is how long a claim hides a row. Default 30s, minimum
	// MinVisibility.
	Visibility time.Duration
	Logger     *slog.Logger
}

// MinVisibility is the smallest visibility a queue accepts. Hold extends
// every third of it.
const MinVisibility = 30 * time.Millisecond

func (o *Options) defaults() {
	if o.Visibility <= 0 {
		o.Visibility = 30 * time.Second
	}
	if o.Visibility < MinVisibility {
		o.Visibility = MinVisibility
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Q is the queue handle.
type Q struct {
	db   *sql.DB
	opts Options
}

// New creates a queue handle. Call EnsureTable once at startup.
func New(db *sql.DB, opts Options) *Q {
	opts.defaults()
	return &Q{db: db, opts: opts}
}

// EnsureTable creates the vtq_jobs table and index if they don't exist.
func (q *Q) EnsureTable(ctx context.Context) error {
	_, err := q.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS vtq_jobs (
			id          TEXT NOT NULL,
			queue       TEXT NOT NULL DEFAULT '',
			payload     BLOB,
			visible_at  INTEGER NOT NULL DEFAULT 0,
			created_at  INTEGER NOT NULL,
			attempts    INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (queue, id)
		);
		CREATE INDEX IF NOT EXISTS idx_vtq_visible ON vtq_jobs (queue, visible_at);
	`)
	return err
}

// Publish inserts a visible row. Publishing an id that already exists in
// the queue is a no-op, so every process can publish the same lease id.
func (q *Q) Publish(ctx context.Context, id string, payload []byte) error {
	now := time.Now().UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`INSERT INTO vtq_jobs (id, queue, payload, visible_at, created_at) VALUES (?,?,?,0,?)
		 ON CONFLICT (queue, id) DO NOTHING`,
		id, q.opts.Queue, payload, now,
	)
	return err
}

// Claim atomically picks the oldest visible row, hides it for the
// visibility duration and returns it. It returns nil, nil when no row is
// visible.
func (q *Q) Claim(ctx context.Context) (*Job, error) {
	now := time.Now()
	hideUntil := now.Add(q.opts.Visibility).UnixMilli()

	row := q.db.QueryRowContext(ctx, `
		UPDATE vtq_jobs
		SET visible_at = ?, attempts = attempts + 1
		WHERE queue = ? AND id = (
			SELECT id FROM vtq_jobs
			WHERE queue = ? AND visible_at <= ?
			ORDER BY visible_at ASC
			LIMIT 1
		)
		RETURNING id, queue, payload, visible_at, created_at, attempts`,
		hideUntil, q.opts.Queue, q.opts.Queue, now.UnixMilli(),
	)

	var j Job
	var visAt, creAt int64
	err := row.Scan(&j.ID, &j.Queue, &j.Payload, &visAt, &creAt, &j.Attempts)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	j.VisibleAt = time.UnixMilli(visAt)
	j.CreatedAt = time.UnixMilli(creAt)
	return &j, nil
}

// Release makes a claimed row visible again.
func (q *Q) Release(ctx context.Context, id string) error {
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = 0 WHERE id = ? AND queue = ?`, id, q.opts.Queue,
	)
	return err
}

// Extend hides a claimed row for extra from now.
func (q *Q) Extend(ctx context.Context, id string, extra time.Duration) error {
	hideUntil := time.Now().Add(extra).UnixMilli()
	_, err := q.db.ExecContext(ctx,
		`UPDATE vtq_jobs SET visible_at = ? WHERE id = ? AND queue = ?`,
		hideUntil, id, q.opts.Queue,
	)
	return err
}

// Len returns the number of rows (visible or not) in the queue.
func (q *Q) Len(ctx context.Context) (int, error) {
	var n int
	err := q.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM vtq_jobs WHERE queue = ?`, q.opts.Queue,
	).Scan(&n)
	return n, err
}

// Hold claims a row and runs fn while keeping it hidden, extending the
// visibility every third of its duration. The row is released when fn
// returns, even if ctx was cancelled. ErrBusy means another holder has it.
func (q *Q) Hold(ctx context.Context, fn func(ctx context.Context) error) error {
	job, err := q.Claim(context.WithoutCancel(ctx))
	if err != nil {
		return err
	}
	if job == nil {
		return ErrBusy
	}

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		t := time.NewTicker(q.opts.Visibility / 3)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := q.Extend(context.WithoutCancel(ctx), job.ID, q.opts.Visibility); err != nil {
					q.opts.Logger.Warn("vtq: extend failed", "id", job.ID, "queue", q.opts.Queue, "error", err)
				}
			}
		}
	}()

	err = fn(ctx)
	close(stop)
	<-done
	if rerr := q.Release(context.WithoutCancel(ctx), job.ID); rerr != nil {
		q.opts.Logger.Warn("vtq: release failed", "id", job.ID, "queue", q.opts.Queue, "error", rerr)
	}
	return err
}
