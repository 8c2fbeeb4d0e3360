package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/roach88/rootcheck/internal/check"
	"github.com/roach88/rootcheck/internal/report"
)

// Run is one recorded run.
type Run struct {
	ID          string
	StartedAt   time.Time
	TargetRoot  string
	Environment string
	Summary     report.Summary
}

// WriteRun records a finished run with its outcomes and aborts in one
// transaction. Writing the same run id again is a no-op.
func (s *Store) WriteRun(ctx context.Context, run Run, rep report.Report) error {
	reportJSON, err := rep.Canonical()
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	defer tx.Rollback()

	sum := run.Summary
	res, err := tx.ExecContext(ctx, `
		INSERT INTO runs
		(id, started_at, target_root, environment, total, passed, failed, skipped, expected_failed, aborted, exit_code, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`,
		run.ID,
		run.StartedAt.UTC().Format(time.RFC3339Nano),
		run.TargetRoot,
		run.Environment,
		sum.Total, sum.Passed, sum.Failed, sum.Skipped, sum.ExpectedFailed, sum.Aborted, sum.ExitCode,
		string(reportJSON),
	)
	if err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return nil
	}

	for i, o := range rep.Outcomes {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO outcomes (run_id, seq, scenario, name, status, detail, expected, actual)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`, run.ID, i, o.Scenario, o.Name, string(o.Status), o.Detail, o.Expected, o.Actual)
		if err != nil {
			return fmt.Errorf("write outcome %d: %w", i, err)
		}
	}

	for i, a := range rep.Aborts {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO aborts (run_id, seq, scenario, kind, reason, expected)
			VALUES (?, ?, ?, ?, ?, ?)
		`, run.ID, i, a.Scenario, string(a.Kind), a.Reason, a.Expected)
		if err != nil {
			return fmt.Errorf("write abort %d: %w", i, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("write run: %w", err)
	}
	return nil
}

// ListRuns returns up to limit runs, newest first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, started_at, target_root, environment, total, passed, failed, skipped, expected_failed, aborted, exit_code
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	defer rows.Close()

	runs := []Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return runs, nil
}

// ReadRun returns one run and its outcomes. It returns sql.ErrNoRows when
// the run does not exist.
func (s *Store) ReadRun(ctx context.Context, id string) (Run, []check.Outcome, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, started_at, target_root, environment, total, passed, failed, skipped, expected_failed, aborted, exit_code
		FROM runs
		WHERE id = ?
	`, id)
	run, err := scanRun(row)
	if err != nil {
		return Run{}, nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT scenario, name, status, detail, expected, actual
		FROM outcomes
		WHERE run_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return Run{}, nil, fmt.Errorf("query outcomes: %w", err)
	}
	defer rows.Close()

	outcomes := []check.Outcome{}
	for rows.Next() {
		var o check.Outcome
		var status string
		if err := rows.Scan(&o.Scenario, &o.Name, &status, &o.Detail, &o.Expected, &o.Actual); err != nil {
			return Run{}, nil, fmt.Errorf("scan outcome: %w", err)
		}
		o.Status = check.Status(status)
		outcomes = append(outcomes, o)
	}
	if err := rows.Err(); err != nil {
		return Run{}, nil, fmt.Errorf("iterate outcomes: %w", err)
	}
	return run, outcomes, nil
}

// ReadReport returns the canonical JSON report stored for a run. It
// returns sql.ErrNoRows when the run does not exist.
func (s *Store) ReadReport(ctx context.Context, id string) ([]byte, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT report FROM runs WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("read report %s: %w", id, err)
	}
	return []byte(data), nil
}

// ReadAborts returns the aborts of a run in order.
func (s *Store) ReadAborts(ctx context.Context, id string) ([]report.Abort, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT scenario, kind, reason, expected
		FROM aborts
		WHERE run_id = ?
		ORDER BY seq ASC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("query aborts: %w", err)
	}
	defer rows.Close()

	aborts := []report.Abort{}
	for rows.Next() {
		var a report.Abort
		var kind string
		if err := rows.Scan(&a.Scenario, &kind, &a.Reason, &a.Expected); err != nil {
			return nil, fmt.Errorf("scan abort: %w", err)
		}
		a.Kind = report.AbortKind(kind)
		aborts = append(aborts, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate aborts: %w", err)
	}
	return aborts, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (Run, error) {
	var run Run
	var started string
	s := &run.Summary
	err := row.Scan(&run.ID, &started, &run.TargetRoot, &run.Environment,
		&s.Total, &s.Passed, &s.Failed, &s.Skipped, &s.ExpectedFailed, &s.Aborted, &s.ExitCode)
	if err == sql.ErrNoRows {
		return Run{}, err
	}
	if err != nil {
		return Run{}, fmt.Errorf("scan run: %w", err)
	}
	if run.StartedAt, err = time.Parse(time.RFC3339Nano, started); err != nil {
		return Run{}, fmt.Errorf("scan run %s: started_at: %w", run.ID, err)
	}
	return run, nil
}
