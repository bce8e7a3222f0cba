package store

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/vnykmshr/gatekeep/pkg/common/clock"
	gferrors "github.com/vnykmshr/gatekeep/pkg/common/errors"
)

var errWrongType = errors.New("operation against a key holding the wrong kind of value")

type memEntry struct {
	value     string
	list      []string
	isList    bool
	expiresAt time.Time
}

func (e *memEntry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// MemoryStore is an in-process Store. Expiry is evaluated lazily against
// its clock, so a mock clock drives TTLs deterministically in tests.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]*memEntry
	outage  error
	closed  bool
}

// NewMemory creates an in-memory store. A nil clock uses the system clock.
func NewMemory(c clock.Clock) *MemoryStore {
	return &MemoryStore{
		clock:   clock.OrSystem(c),
		entries: make(map[string]*memEntry),
	}
}

// SetOutage makes every subsequent operation fail with err until
// SetOutage(nil) is called.
func (m *MemoryStore) SetOutage(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outage = err
}

// Len returns the number of live keys.
func (m *MemoryStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.clock.Now()
	n := 0
	for _, e := range m.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// check must be called with mu held.
func (m *MemoryStore) check(ctx context.Context, op, key string) error {
	if m.closed {
		return fail(op, key, gferrors.ErrClosed)
	}
	if m.outage != nil {
		return fail(op, key, m.outage)
	}
	if err := ctx.Err(); err != nil {
		return fail(op, key, err)
	}
	return nil
}

// lookup returns the live entry for key, purging it if expired.
func (m *MemoryStore) lookup(key string) *memEntry {
	e, ok := m.entries[key]
	if !ok {
		return nil
	}
	if e.expired(m.clock.Now()) {
		delete(m.entries, key)
		return nil
	}
	return e
}

func (m *MemoryStore) deadline(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return m.clock.Now().Add(ttl)
}

// SetNX creates key only if absent.
func (m *MemoryStore) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "setnx", key); err != nil {
		return false, err
	}

	if m.lookup(key) != nil {
		return false, nil
	}
	m.entries[key] = &memEntry{value: value, expiresAt: m.deadline(ttl)}
	return true, nil
}

// Get returns the value at key.
func (m *MemoryStore) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "get", key); err != nil {
		return "", false, err
	}

	e := m.lookup(key)
	if e == nil {
		return "", false, nil
	}
	if e.isList {
		return "", false, fail("get", key, errWrongType)
	}
	return e.value, true, nil
}

// CompareAndDelete deletes key when it still holds expected.
func (m *MemoryStore) CompareAndDelete(ctx context.Context, key, expected string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "compare_and_delete", key); err != nil {
		return false, err
	}

	e := m.lookup(key)
	if e == nil || e.isList || e.value != expected {
		return false, nil
	}
	delete(m.entries, key)
	return true, nil
}

// CompareAndExpire resets the ttl of key when it still holds expected.
func (m *MemoryStore) CompareAndExpire(ctx context.Context, key, expected string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "compare_and_expire", key); err != nil {
		return false, err
	}

	e := m.lookup(key)
	if e == nil || e.isList || e.value != expected {
		return false, nil
	}
	e.expiresAt = m.deadline(ttl)
	return true, nil
}

// IncrWithExpiry increments the counter at key.
func (m *MemoryStore) IncrWithExpiry(ctx context.Context, key string, ttl time.Duration) (int64, time.Duration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "incr_with_expiry", key); err != nil {
		return 0, 0, err
	}

	e := m.lookup(key)
	if e == nil {
		e = &memEntry{value: "1", expiresAt: m.deadline(ttl)}
		m.entries[key] = e
		return 1, m.remaining(e), nil
	}
	if e.isList {
		return 0, 0, fail("incr_with_expiry", key, errWrongType)
	}

	n, err := strconv.ParseInt(e.value, 10, 64)
	if err != nil {
		return 0, 0, fail("incr_with_expiry", key, err)
	}
	n++
	e.value = strconv.FormatInt(n, 10)
	if e.expiresAt.IsZero() {
		e.expiresAt = m.deadline(ttl)
	}
	return n, m.remaining(e), nil
}

// remaining is the time left before e expires, zero when it has no expiry.
func (m *MemoryStore) remaining(e *memEntry) time.Duration {
	if e.expiresAt.IsZero() {
		return 0
	}
	return e.expiresAt.Sub(m.clock.Now())
}

// PushTrim appends value and keeps the newest maxLen entries.
func (m *MemoryStore) PushTrim(ctx context.Context, key, value string, maxLen int64, ttl time.Duration) (int64, error) {
	if maxLen <= 0 {
		return 0, gferrors.NewValidationError("store", "maxLen", maxLen, "must be positive")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "push_trim", key); err != nil {
		return 0, err
	}

	e := m.lookup(key)
	if e == nil {
		e = &memEntry{isList: true}
		m.entries[key] = e
	}
	if !e.isList {
		return 0, fail("push_trim", key, errWrongType)
	}

	e.list = append(e.list, value)
	if over := int64(len(e.list)) - maxLen; over > 0 {
		e.list = append([]string(nil), e.list[over:]...)
	}
	e.expiresAt = m.deadline(ttl)
	return int64(len(e.list)), nil
}

// Range returns the list at key, oldest first.
func (m *MemoryStore) Range(ctx context.Context, key string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "range", key); err != nil {
		return nil, err
	}

	e := m.lookup(key)
	if e == nil {
		return []string{}, nil
	}
	if !e.isList {
		return nil, fail("range", key, errWrongType)
	}
	return append([]string(nil), e.list...), nil
}

// Delete removes keys.
func (m *MemoryStore) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.check(ctx, "delete", keys[0]); err != nil {
		return err
	}
	for _, k := range keys {
		delete(m.entries, k)
	}
	return nil
}

// Ping reports an outage or a closed store.
func (m *MemoryStore) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.check(ctx, "ping", "")
}

// Close marks the store closed. Later operations fail with ErrClosed.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
