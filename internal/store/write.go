package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrRunExists is returned when writing a run whose id is already stored.
var ErrRunExists = errors.New("store: run already exists")

// WriteRun inserts run and its events in one transaction.
//
// Runs are write-once: a second write with the same id returns ErrRunExists
// and leaves the stored run untouched. Event Seq values are taken as given;
// they must be unique within the run.
func (s *Store) WriteRun(ctx context.Context, run Run) error {
	if run.ID == "" {
		return fmt.Errorf("write run: empty id")
	}

	errsJSON, err := marshalErrors(run.Errors)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	statsJSON, err := marshalStats(run.Stats)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs (id, scenario, passed, errors, stats, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.Scenario,
		boolToInt(run.Passed),
		errsJSON,
		statsJSON,
		formatTime(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("write run %s: %w", run.ID, ErrRunExists)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trace_events (run_id, seq, at_ns, channel, type, detail)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("write run: prepare events: %w", err)
	}
	defer stmt.Close()

	for _, ev := range run.Events {
		if _, err := stmt.ExecContext(ctx, run.ID, ev.Seq, int64(ev.At), ev.Channel, ev.Type, ev.Detail); err != nil {
			return fmt.Errorf("write run: event %d: %w", ev.Seq, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: commit: %w", err)
	}
	return nil
}

// DeleteRun removes a run and, by cascade, its events.
// Returns ErrNotFound if the run does not exist.
func (s *Store) DeleteRun(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("delete run %s: %w", id, ErrNotFound)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
