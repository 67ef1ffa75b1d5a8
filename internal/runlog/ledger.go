// Package runlog keeps a sqlite ledger of training runs, their steps and
// their per-epoch summaries.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/patentsim/transformer/internal/metrics"
	_ "modernc.org/sqlite"
)

var ErrNoRun = errors.New("runlog: no run started")

var schema = []string{`
CREATE TABLE IF NOT EXISTS runs(
	id TEXT PRIMARY KEY,
	started REAL NOT NULL,
	finished REAL,
	status TEXT NOT NULL,
	config TEXT NOT NULL
)`, `
CREATE TABLE IF NOT EXISTS steps(
	run_id TEXT NOT NULL REFERENCES runs(id),
	step INTEGER NOT NULL,
	epoch INTEGER NOT NULL,
	batch INTEGER NOT NULL,
	examples INTEGER NOT NULL,
	loss REAL NOT NULL,
	accuracy REAL NOT NULL,
	learning_rate REAL NOT NULL,
	grad_norm REAL NOT NULL,
	PRIMARY KEY(run_id, step)
)`, `
CREATE TABLE IF NOT EXISTS epochs(
	run_id TEXT NOT NULL REFERENCES runs(id),
	epoch INTEGER NOT NULL,
	phase TEXT NOT NULL,
	loss REAL NOT NULL,
	accuracy REAL NOT NULL,
	batches INTEGER NOT NULL,
	examples INTEGER NOT NULL,
	duration_ms REAL NOT NULL,
	PRIMARY KEY(run_id, epoch, phase)
)`}

// Ledger records one run at a time into a sqlite database
type Ledger struct {
	db    *sql.DB
	runID string
}

// Open creates or opens the ledger database at path
func Open(path string) (*Ledger, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)
	for _, stmt := range schema {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("init ledger schema: %w", err)
		}
	}
	return &Ledger{db: db}, nil
}

func now() float64 { return float64(time.Now().UnixMilli()) / 1000.0 }

// StartRun registers a new run with its JSON-encoded configuration and
// makes it the target of subsequent records
func (l *Ledger) StartRun(ctx context.Context, config any) (string, error) {
	cfg, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("encode run config: %w", err)
	}
	id := uuid.NewString()
	if _, err := l.db.ExecContext(ctx,
		"INSERT INTO runs(id, started, status, config) VALUES(?,?,?,?)",
		id, now(), "running", string(cfg)); err != nil {
		return "", fmt.Errorf("start run: %w", err)
	}
	l.runID = id
	return id, nil
}

// RunID is the current run, empty before StartRun
func (l *Ledger) RunID() string { return l.runID }

func (l *Ledger) RecordStep(ctx context.Context, s metrics.Step) error {
	if l.runID == "" {
		return ErrNoRun
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO steps(run_id, step, epoch, batch, examples, loss, accuracy, learning_rate, grad_norm)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		l.runID, s.Step, s.Epoch, s.Batch, s.Examples, s.Loss, s.Accuracy, s.LearningRate, s.GradNorm)
	if err != nil {
		return fmt.Errorf("record step %d: %w", s.Step, err)
	}
	return nil
}

func (l *Ledger) RecordEpoch(ctx context.Context, e metrics.EpochSummary) error {
	if l.runID == "" {
		return ErrNoRun
	}
	_, err := l.db.ExecContext(ctx,
		`INSERT INTO epochs(run_id, epoch, phase, loss, accuracy, batches, examples, duration_ms)
		 VALUES(?,?,?,?,?,?,?,?)`,
		l.runID, e.Epoch, string(e.Phase), e.Loss, e.Accuracy, e.Batches, e.Examples,
		float64(e.Duration)/float64(time.Millisecond))
	if err != nil {
		return fmt.Errorf("record epoch %d %s: %w", e.Epoch, e.Phase, err)
	}
	return nil
}

// FinishRun stamps the current run with a final status such as "done",
// "canceled" or "failed"
func (l *Ledger) FinishRun(ctx context.Context, status string) error {
	if l.runID == "" {
		return ErrNoRun
	}
	if _, err := l.db.ExecContext(ctx,
		"UPDATE runs SET finished = ?, status = ? WHERE id = ?", now(), status, l.runID); err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return nil
}

// Status returns the recorded status of a run
func (l *Ledger) Status(ctx context.Context, runID string) (string, error) {
	var status string
	err := l.db.QueryRowContext(ctx, "SELECT status FROM runs WHERE id = ?", runID).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("run %s: %w", runID, ErrNoRun)
	}
	return status, err
}

// Epochs lists the epoch summaries of a run in epoch order, training
// before validation
func (l *Ledger) Epochs(ctx context.Context, runID string) ([]metrics.EpochSummary, error) {
	rows, err := l.db.QueryContext(ctx,
		`SELECT epoch, phase, loss, accuracy, batches, examples, duration_ms FROM epochs
		 WHERE run_id = ? ORDER BY epoch, CASE phase WHEN 'train' THEN 0 ELSE 1 END`, runID)
	if err != nil {
		return nil, fmt.Errorf("query epochs: %w", err)
	}
	defer rows.Close()

	var out []metrics.EpochSummary
	for rows.Next() {
		var (
			e     metrics.EpochSummary
			phase string
			ms    float64
		)
		if err := rows.Scan(&e.Epoch, &phase, &e.Loss, &e.Accuracy, &e.Batches, &e.Examples, &ms); err != nil {
			return nil, err
		}
		e.Phase = metrics.Phase(phase)
		e.Duration = time.Duration(ms * float64(time.Millisecond))
		out = append(out, e)
	}
	return out, rows.Err()
}

// StepCount is the number of steps recorded for a run
func (l *Ledger) StepCount(ctx context.Context, runID string) (int, error) {
	var n int
	err := l.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM steps WHERE run_id = ?", runID).Scan(&n)
	return n, err
}

func (l *Ledger) Close() error { return l.db.Close() }
