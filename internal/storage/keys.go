package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/google/uuid"

	"llmarena/internal/credentials"
	"llmarena/internal/crypto"
	"llmarena/internal/providers"
)

// Keys is the SQL backed credentials.Store. API keys are sealed with the
// keyring before they reach the database.
type Keys struct {
	s       *Store
	keyring *crypto.Keyring
	now     func() time.Time
}

func (s *Store) Keys(keyring *crypto.Keyring) *Keys {
	return &Keys{s: s, keyring: keyring, now: time.Now}
}

var _ credentials.Store = (*Keys)(nil)

func (r *Keys) Status(ctx context.Context, account string, id providers.ID) (credentials.KeyStatus, error) {
	st, _, err := r.get(ctx, account, id)
	if errors.Is(err, credentials.ErrNotFound) {
		return credentials.Missing(id), nil
	}
	return st, err
}

func (r *Keys) APIKey(ctx context.Context, account string, id providers.ID) (string, error) {
	_, sealed, err := r.get(ctx, account, id)
	if err != nil {
		return "", err
	}
	key, err := r.keyring.Open(sealed, crypto.Scope(account, string(id)))
	if err != nil {
		return "", fmt.Errorf("open api key: %w", err)
	}
	return key, nil
}

func (r *Keys) get(ctx context.Context, account string, id providers.ID) (credentials.KeyStatus, string, error) {
	q := r.s.sql.Select("id", "status", "masked", "updated_at_ms", "enc_api_key").
		From("api_keys").
		Where(sq.Eq{"account": account, "provider": string(id)})
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return credentials.KeyStatus{}, "", fmt.Errorf("build get key query: %w", err)
	}
	st := credentials.KeyStatus{Provider: id}
	var (
		status string
		ms     int64
		sealed string
	)
	if err := r.s.db.QueryRowContext(ctx, sqlStr, args...).Scan(&st.ID, &status, &st.Masked, &ms, &sealed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return credentials.KeyStatus{}, "", credentials.ErrNotFound
		}
		return credentials.KeyStatus{}, "", fmt.Errorf("get key: %w", err)
	}
	st.Status = credentials.Status(status)
	st.UpdatedAt = fromMillis(ms)
	return st, sealed, nil
}

func (r *Keys) SaveKey(ctx context.Context, account string, id providers.ID, key string, status credentials.Status) (credentials.KeyStatus, error) {
	if !id.Valid() {
		return credentials.KeyStatus{}, fmt.Errorf("save key: unknown provider %q", id)
	}
	if !status.Valid() {
		return credentials.KeyStatus{}, fmt.Errorf("save key: unknown status %q", status)
	}
	sealed, err := r.keyring.Seal(key, crypto.Scope(account, string(id)))
	if err != nil {
		return credentials.KeyStatus{}, fmt.Errorf("seal api key: %w", err)
	}
	q := r.s.sql.Insert("api_keys").
		Columns("id", "account", "provider", "status", "enc_api_key", "masked", "updated_at_ms").
		Values(uuid.NewString(), account, string(id), string(status), sealed, crypto.Mask(key), r.now().UnixMilli()).
		Suffix("ON CONFLICT(account, provider) DO UPDATE SET status=excluded.status, enc_api_key=excluded.enc_api_key, masked=excluded.masked, updated_at_ms=excluded.updated_at_ms")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return credentials.KeyStatus{}, fmt.Errorf("build save key query: %w", err)
	}
	if _, err := r.s.db.ExecContext(ctx, sqlStr, args...); err != nil {
		return credentials.KeyStatus{}, fmt.Errorf("save key: %w", err)
	}
	st, _, err := r.get(ctx, account, id)
	return st, err
}

func (r *Keys) List(ctx context.Context, account string) ([]credentials.KeyStatus, error) {
	out := make([]credentials.KeyStatus, 0, len(providers.All()))
	for _, id := range providers.All() {
		st, err := r.Status(ctx, account, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Reseal re-encrypts every stored key that was sealed with an older master
// key. It returns how many rows were rewritten.
func (r *Keys) Reseal(ctx context.Context) (int, error) {
	q := r.s.sql.Select("id", "account", "provider", "enc_api_key").From("api_keys")
	sqlStr, args, err := q.ToSql()
	if err != nil {
		return 0, fmt.Errorf("build list keys query: %w", err)
	}
	rows, err := r.s.db.QueryContext(ctx, sqlStr, args...)
	if err != nil {
		return 0, fmt.Errorf("list keys: %w", err)
	}
	type row struct{ id, account, provider, sealed string }
	var all []row
	for rows.Next() {
		var x row
		if err := rows.Scan(&x.id, &x.account, &x.provider, &x.sealed); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan key: %w", err)
		}
		all = append(all, x)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate keys: %w", err)
	}

	changed := 0
	for _, x := range all {
		next, err := r.keyring.Reseal(x.sealed, crypto.Scope(x.account, x.provider))
		if err != nil {
			return changed, fmt.Errorf("reseal key %s: %w", x.id, err)
		}
		if next == x.sealed {
			continue
		}
		upd := r.s.sql.Update("api_keys").Set("enc_api_key", next).Where(sq.Eq{"id": x.id})
		sqlStr, args, err := upd.ToSql()
		if err != nil {
			return changed, fmt.Errorf("build reseal query: %w", err)
		}
		if _, err := r.s.db.ExecContext(ctx, sqlStr, args...); err != nil {
			return changed, fmt.Errorf("update key %s: %w", x.id, err)
		}
		changed++
	}
	return changed, nil
}
