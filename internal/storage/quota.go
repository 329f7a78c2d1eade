package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"

	"llmarena/internal/arena"
	"llmarena/internal/providers"
	"llmarena/internal/quota"
)

// QuotaSeries is the SQL backed quota.Store.
type QuotaSeries struct {
	s *Store
}

func (s *Store) Quota() *QuotaSeries {
	return &QuotaSeries{s: s}
}

var _ quota.Store = (*QuotaSeries)(nil)

func (r *QuotaSeries) Append(ctx context.Context, account string, samples []quota.Sample) error {
	if len(samples) == 0 {
		return nil
	}
	q := r.s.sql.Insert("quota_points").
		Columns("account", "provider", "ts_ms", "left_percent", "tokens", "used")
	for _, smp := range samples {
		q = q.Values(account, string(smp.Provider), toMillis(smp.Point.Timestamp), smp.Point.LeftPercent, smp.Point.Tokens, smp.Point.Used)
	}
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("build insert quota query: %w", err)
	}
	return r.s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("insert quota points: %w", err)
		}
		return nil
	})
}

func (r *QuotaSeries) Series(ctx context.Context, account string, id providers.ID) ([]arena.QuotaPoint, error) {
	q := r.s.sql.Select("ts_ms", "left_percent", "tokens", "used").
		From("quota_points").
		Where(sq.Eq{"account": account, "provider": string(id)}).
		OrderBy("seq ASC")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return nil, fmt.Errorf("build quota series query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return nil, fmt.Errorf("quota series: %w", err)
	}
	defer rows.Close()

	out := []arena.QuotaPoint{}
	for rows.Next() {
		p, err := scanPoint(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate quota series: %w", err)
	}
	return out, nil
}

func (r *QuotaSeries) Last(ctx context.Context, account string, id providers.ID) (arena.QuotaPoint, bool, error) {
	q := r.s.sql.Select("ts_ms", "left_percent", "tokens", "used").
		From("quota_points").
		Where(sq.Eq{"account": account, "provider": string(id)}).
		OrderBy("seq DESC").
		Limit(1)
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return arena.QuotaPoint{}, false, fmt.Errorf("build quota tail query: %w", err)
	}
	p, err := scanPoint(r.s.db.QueryRowContext(ctx, sqlStr, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return arena.QuotaPoint{}, false, nil
	}
	if err != nil {
		return arena.QuotaPoint{}, false, err
	}
	return p, true, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanPoint(row scanner) (arena.QuotaPoint, error) {
	var (
		p  arena.QuotaPoint
		ms int64
	)
	if err := row.Scan(&ms, &p.LeftPercent, &p.Tokens, &p.Used); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return p, err
		}
		return p, fmt.Errorf("scan quota point: %w", err)
	}
	p.Timestamp = fromMillis(ms)
	return p, nil
}
