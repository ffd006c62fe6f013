package postgresql

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
)

// lockManager serializes sync-node count-and-release through PostgreSQL
// session advisory locks. Each acquired lock pins a dedicated connection so
// the session holding the lock is the one that releases it.
type lockManager struct {
	db *sql.DB

	mu   sync.Mutex
	held map[string]*sql.Conn
}

func newLockManager(db *sql.DB) *lockManager {
	return &lockManager{
		db:   db,
		held: make(map[string]*sql.Conn),
	}
}

func lockKey(instanceID, nodeID string) string {
	return instanceID + "/" + nodeID
}

func (m *lockManager) Acquire(ctx context.Context, instanceID, nodeID string) (bool, error) {
	key := lockKey(instanceID, nodeID)

	m.mu.Lock()
	if _, holding := m.held[key]; holding {
		m.mu.Unlock()

		return false, nil
	}
	m.mu.Unlock()

	conn, err := m.db.Conn(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get connection for lock: %w", err)
	}

	var acquired bool

	err = conn.QueryRowContext(ctx,
		"SELECT pg_try_advisory_lock(hashtextextended($1, 0))", key).Scan(&acquired)
	if err != nil {
		_ = conn.Close()

		return false, fmt.Errorf("failed to acquire advisory lock: %w", err)
	}

	if !acquired {
		_ = conn.Close()

		return false, nil
	}

	m.mu.Lock()
	m.held[key] = conn
	m.mu.Unlock()

	return true, nil
}

func (m *lockManager) Release(ctx context.Context, instanceID, nodeID string) error {
	key := lockKey(instanceID, nodeID)

	m.mu.Lock()
	conn, holding := m.held[key]
	delete(m.held, key)
	m.mu.Unlock()

	if !holding {
		return nil
	}

	defer func() { _ = conn.Close() }()

	_, err := conn.ExecContext(ctx,
		"SELECT pg_advisory_unlock(hashtextextended($1, 0))", key)
	if err != nil {
		return fmt.Errorf("failed to release advisory lock: %w", err)
	}

	return nil
}

// closeAll drops every held lock connection; the server releases the advisory
// locks when the sessions end.
func (m *lockManager) closeAll(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for key, conn := range m.held {
		_ = conn.Close()
		delete(m.held, key)
	}
}
