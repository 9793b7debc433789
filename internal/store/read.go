package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ReadRun returns a run with all of its events in seq order.
// Returns ErrNotFound if the run does not exist.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, scenario, passed, errors, stats, created_at
		FROM runs
		WHERE id = ?
	`, id)

	var (
		run       Run
		passed    int
		errsJSON  string
		statsJSON string
		createdAt string
	)
	err := row.Scan(&run.ID, &run.Scenario, &passed, &errsJSON, &statsJSON, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Run{}, fmt.Errorf("read run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}

	run.Passed = passed != 0
	if run.Errors, err = unmarshalErrors(errsJSON); err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}
	if run.Stats, err = unmarshalStats(statsJSON); err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}
	if run.CreatedAt, err = parseTime(createdAt); err != nil {
		return Run{}, fmt.Errorf("read run: %w", err)
	}

	run.Events, err = s.ReadEvents(ctx, id, "")
	if err != nil {
		return Run{}, err
	}
	return run, nil
}

// ReadEvents returns the events of a run in seq order. A non-empty channel
// restricts the result to that channel's events.
func (s *Store) ReadEvents(ctx context.Context, runID, channel string) ([]Event, error) {
	query := `
		SELECT seq, at_ns, channel, type, detail
		FROM trace_events
		WHERE run_id = ?
		ORDER BY seq ASC
	`
	args := []any{runID}
	if channel != "" {
		query = `
		SELECT seq, at_ns, channel, type, detail
		FROM trace_events
		WHERE run_id = ? AND channel = ?
		ORDER BY seq ASC
	`
		args = append(args, channel)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	var events []Event
	for rows.Next() {
		var (
			ev Event
			at int64
		)
		if err := rows.Scan(&ev.Seq, &at, &ev.Channel, &ev.Type, &ev.Detail); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		ev.At = time.Duration(at)
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate events: %w", err)
	}
	return events, nil
}

// ListRuns returns summaries of stored runs, oldest first. A non-empty
// scenario restricts the result to runs of that scenario.
func (s *Store) ListRuns(ctx context.Context, scenario string) ([]RunSummary, error) {
	query := `
		SELECT r.id, r.scenario, r.passed, r.errors, r.created_at,
		       (SELECT COUNT(*) FROM trace_events e WHERE e.run_id = r.id)
		FROM runs r
		%s
		ORDER BY r.created_at ASC, r.id COLLATE BINARY ASC
	`
	var args []any
	where := ""
	if scenario != "" {
		where = "WHERE r.scenario = ?"
		args = append(args, scenario)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(query, where), args...)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			sum       RunSummary
			passed    int
			errsJSON  string
			createdAt string
		)
		if err := rows.Scan(&sum.ID, &sum.Scenario, &passed, &errsJSON, &createdAt, &sum.Events); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		sum.Passed = passed != 0
		if sum.Errors, err = unmarshalErrors(errsJSON); err != nil {
			return nil, err
		}
		if sum.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		out = append(out, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}
