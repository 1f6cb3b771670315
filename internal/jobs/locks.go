package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"
)

// Lease is a held advisory lock.
type Lease struct {
	store *Store
	Key   string
	Owner string
}

// TryLock takes the lock for key if it is free or expired. The take is one
// atomic upsert; ErrLocked means someone else holds it.
func (s *Store) TryLock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	owner := uuid.NewString()
	now := time.Now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (lock_key, owner, expires_at) VALUES (?, ?, ?)
		ON CONFLICT(lock_key) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE locks.expires_at < ?
	`, key, owner, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("lock %s: %w", key, err)
	}
	if n == 0 {
		return nil, ErrLocked
	}
	return &Lease{store: s, Key: key, Owner: owner}, nil
}

// Lock waits for the lock with backoff until ctx is done.
func (s *Store) Lock(ctx context.Context, key string, ttl time.Duration) (*Lease, error) {
	b := &backoff.Backoff{Min: 20 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: true}
	for {
		lease, err := s.TryLock(ctx, key, ttl)
		if !errors.Is(err, ErrLocked) {
			return lease, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("waiting for lock %s: %w", key, ctx.Err())
		case <-time.After(b.Duration()):
		}
	}
}

// Extend pushes the lease expiry out by ttl. It fails with ErrLocked if the
// lease was lost to another owner.
func (l *Lease) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := l.store.db.ExecContext(ctx, `
		UPDATE locks SET expires_at = ? WHERE lock_key = ? AND owner = ?`,
		time.Now().Add(ttl).UnixNano(), l.Key, l.Owner)
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.Key, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrLocked
	}
	return nil
}

// Release drops the lock if this lease still owns it.
func (l *Lease) Release(ctx context.Context) error {
	_, err := l.store.db.ExecContext(ctx, `DELETE FROM locks WHERE lock_key = ? AND owner = ?`, l.Key, l.Owner)
	if err != nil {
		return fmt.Errorf("release lock %s: %w", l.Key, err)
	}
	return nil
}

// Cursor returns the stored position for name, zero if unset.
func (s *Store) Cursor(ctx context.Context, name string) (uint64, error) {
	var v uint64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM cursors WHERE name = ?`, name).Scan(&v)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("read cursor %s: %w", name, err)
	}
	return v, nil
}

// SetCursor stores the position for name.
func (s *Store) SetCursor(ctx context.Context, name string, value uint64) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cursors (name, value) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET value = excluded.value`, name, value)
	if err != nil {
		return fmt.Errorf("write cursor %s: %w", name, err)
	}
	return nil
}
