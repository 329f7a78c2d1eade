// Package credentials tracks which provider keys an account has connected.
package credentials

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"llmarena/internal/crypto"
	"llmarena/internal/providers"
)

type Status string

const (
	StatusMissing         Status = "missing"
	StatusConnected       Status = "connected"
	StatusInvalid         Status = "invalid"
	StatusPaymentRequired Status = "payment_required"
)

func (s Status) Valid() bool {
	switch s {
	case StatusMissing, StatusConnected, StatusInvalid, StatusPaymentRequired:
		return true
	}
	return false
}

// Dispatchable reports whether calls may be sent with a key in this state.
// payment_required keys are still tried since providers sometimes serve
// partial traffic.
func (s Status) Dispatchable() bool {
	return s == StatusConnected || s == StatusPaymentRequired
}

var ErrNotFound = errors.New("api key not found")

type KeyStatus struct {
	ID        string       `json:"id,omitempty"`
	Provider  providers.ID `json:"provider"`
	Status    Status       `json:"status"`
	Masked    string       `json:"masked,omitempty"`
	UpdatedAt time.Time    `json:"updated_at,omitempty"`
}

// Missing is the status reported when an account has no key record.
func Missing(id providers.ID) KeyStatus {
	return KeyStatus{Provider: id, Status: StatusMissing}
}

// Reader is the read side used by the run engine.
type Reader interface {
	Status(ctx context.Context, account string, id providers.ID) (KeyStatus, error)
	APIKey(ctx context.Context, account string, id providers.ID) (string, error)
}

type Store interface {
	Reader
	SaveKey(ctx context.Context, account string, id providers.ID, key string, status Status) (KeyStatus, error)
	List(ctx context.Context, account string) ([]KeyStatus, error)
}

type record struct {
	status KeyStatus
	key    string
}

// Memory keeps keys in process memory. At most one record exists per
// provider per account; saving again replaces the key but keeps the id.
type Memory struct {
	mu       sync.RWMutex
	accounts map[string]map[providers.ID]record
	now      func() time.Time
}

func NewMemory() *Memory {
	return &Memory{accounts: map[string]map[providers.ID]record{}, now: time.Now}
}

func (m *Memory) Status(_ context.Context, account string, id providers.ID) (KeyStatus, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.accounts[account][id]
	if !ok {
		return Missing(id), nil
	}
	return rec.status, nil
}

func (m *Memory) APIKey(_ context.Context, account string, id providers.ID) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.accounts[account][id]
	if !ok || rec.key == "" {
		return "", ErrNotFound
	}
	return rec.key, nil
}

func (m *Memory) SaveKey(_ context.Context, account string, id providers.ID, key string, status Status) (KeyStatus, error) {
	if !id.Valid() {
		return KeyStatus{}, errors.New("save key: unknown provider")
	}
	if !status.Valid() {
		return KeyStatus{}, errors.New("save key: unknown status")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	byProvider, ok := m.accounts[account]
	if !ok {
		byProvider = map[providers.ID]record{}
		m.accounts[account] = byProvider
	}
	rec, exists := byProvider[id]
	if !exists {
		rec.status.ID = uuid.NewString()
	}
	rec.key = key
	rec.status.Provider = id
	rec.status.Status = status
	rec.status.Masked = crypto.Mask(key)
	rec.status.UpdatedAt = m.now().UTC()
	byProvider[id] = rec
	return rec.status, nil
}

// List returns a status for every known provider, missing ones included.
func (m *Memory) List(ctx context.Context, account string) ([]KeyStatus, error) {
	out := make([]KeyStatus, 0, len(providers.All()))
	for _, id := range providers.All() {
		st, err := m.Status(ctx, account, id)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Account is a Reader scoped to one account.
type Account struct {
	Reader Reader
	ID     string
}

func ForAccount(r Reader, account string) Account {
	return Account{Reader: r, ID: account}
}

func (a Account) Status(ctx context.Context, id providers.ID) (KeyStatus, error) {
	return a.Reader.Status(ctx, a.ID, id)
}

func (a Account) APIKey(ctx context.Context, id providers.ID) (string, error) {
	return a.Reader.APIKey(ctx, a.ID, id)
}
