package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"llmarena/internal/arena"
	"llmarena/internal/history"
)

// Sessions is the SQL backed history.Store. Runs are stored as JSON
// documents, one row each, in insertion order.
type Sessions struct {
	s   *Store
	now func() time.Time
}

func (s *Store) Sessions() *Sessions {
	return &Sessions{s: s, now: time.Now}
}

var _ history.Store = (*Sessions)(nil)

func (r *Sessions) Append(ctx context.Context, sessionID string, run arena.RunResult) error {
	if sessionID == "" || run.ID == "" {
		return fmt.Errorf("append run: session and run ids are required")
	}
	payload, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshal run: %w", err)
	}

	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		ensure := r.s.sql.Insert("sessions").
			Columns("id", "created_at_ms").
			Values(sessionID, toMillis(arena.Stamp(r.now()))).
			Suffix("ON CONFLICT(id) DO NOTHING")
		sqlStr, args, err := ensure.ToSql()
		if err != nil {
			return fmt.Errorf("build ensure session query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("ensure session: %w", err)
		}

		exists := r.s.sql.Select("1").From("runs").Where(sq.Eq{"session_id": sessionID, "run_id": run.ID})
		sqlStr, args, err = exists.ToSql()
		if err != nil {
			return fmt.Errorf("build run exists query: %w", err)
		}
		var one int
		switch err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&one); {
		case err == nil:
			return fmt.Errorf("append run %s: %w", run.ID, history.ErrRunExists)
		case !errors.Is(err, sql.ErrNoRows):
			return fmt.Errorf("check run exists: %w", err)
		}

		insert := r.s.sql.Insert("runs").
			Columns("session_id", "run_id", "created_at_ms", "payload").
			Values(sessionID, run.ID, toMillis(run.CreatedAt), string(payload))
		sqlStr, args, err = insert.ToSql()
		if err != nil {
			return fmt.Errorf("build insert run query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("append run %s: %w", run.ID, history.ErrRunExists)
			}
			return fmt.Errorf("insert run: %w", err)
		}
		return nil
	})
}

func (r *Sessions) List(ctx context.Context, sessionID string) ([]arena.RunResult, error) {
	q := r.s.sql.Select("payload").
		From("runs").
		Where(sq.Eq{"session_id": sessionID}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list runs query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	out := []arena.RunResult{}
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		var run arena.RunResult
		if err := json.Unmarshal([]byte(payload), &run); err != nil {
			return nil, fmt.Errorf("decode run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate runs: %w", err)
	}
	return out, nil
}

func (r *Sessions) Get(ctx context.Context, sessionID, runID string) (arena.RunResult, error) {
	q := r.s.sql.Select("payload").
		From("runs").
		Where(sq.Eq{"session_id": sessionID, "run_id": runID})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return arena.RunResult{}, fmt.Errorf("build get run query: %w", err)
	}
	var payload string
	if err := r.s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&payload); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return arena.RunResult{}, history.ErrNotFound
		}
		return arena.RunResult{}, fmt.Errorf("get run: %w", err)
	}
	var run arena.RunResult
	if err := json.Unmarshal([]byte(payload), &run); err != nil {
		return arena.RunResult{}, fmt.Errorf("decode run: %w", err)
	}
	return run, nil
}

func (r *Sessions) Sessions(ctx context.Context) ([]arena.SessionSummary, error) {
	q := r.s.sql.Select("s.id", "s.created_at_ms", "COUNT(r.seq)").
		From("sessions s").
		LeftJoin("runs r ON r.session_id = s.id").
		GroupBy("s.seq", "s.id", "s.created_at_ms").
		OrderBy("s.seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build list sessions query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	out := []arena.SessionSummary{}
	for rows.Next() {
		var (
			s  arena.SessionSummary
			ms int64
		)
		if err := rows.Scan(&s.ID, &ms, &s.RunCount); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		s.CreatedAt = fromMillis(ms)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}
	return out, nil
}
