package lock

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// Well-known lock ids.
const (
	SweeperLockID int64 = 7_301_001
)

// Locker guards work that only one process may do at a time.
type Locker interface {
	TryAcquire(ctx context.Context, lockID int64) (bool, error)
	Release(ctx context.Context, lockID int64) error
}

// PostgresLocker uses session-level advisory locks. Each held lock pins its
// own connection, since the lock belongs to the session that took it.
type PostgresLocker struct {
	db *sql.DB

	mu    sync.Mutex
	conns map[int64]*sql.Conn
}

func NewPostgresLocker(db *sql.DB) *PostgresLocker {
	return &PostgresLocker{
		db:    db,
		conns: make(map[int64]*sql.Conn),
	}
}

func (l *PostgresLocker) TryAcquire(ctx context.Context, lockID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if _, held := l.conns[lockID]; held {
		return false, nil
	}

	conn, err := l.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	var acquired bool
	if err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired); err != nil {
		conn.Close()
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}
	if !acquired {
		conn.Close()
		return false, nil
	}
	l.conns[lockID] = conn
	return true, nil
}

func (l *PostgresLocker) Release(ctx context.Context, lockID int64) error {
	l.mu.Lock()
	conn, ok := l.conns[lockID]
	delete(l.conns, lockID)
	l.mu.Unlock()
	if !ok {
		return nil
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", lockID); err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}

// LocalLocker is a Locker for a single process, used with SQLite.
type LocalLocker struct {
	mu   sync.Mutex
	held map[int64]bool
}

func NewLocalLocker() *LocalLocker {
	return &LocalLocker{held: make(map[int64]bool)}
}

func (l *LocalLocker) TryAcquire(_ context.Context, lockID int64) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[lockID] {
		return false, nil
	}
	l.held[lockID] = true
	return true, nil
}

func (l *LocalLocker) Release(_ context.Context, lockID int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.held, lockID)
	return nil
}
