// Package redislock implements the sync-node lock manager on Redis, for
// deployments where engine replicas do not share a PostgreSQL pool.
package redislock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "stagehand:sync-lock:"

// releaseScript deletes the lock only when the caller still owns it, so an
// expired-and-reacquired lock is never released by the previous holder.
var releaseScript = redis.NewScript(`
	if redis.call("GET", KEYS[1]) == ARGV[1] then
		return redis.call("DEL", KEYS[1])
	end
	return 0
`)

// LockManager serializes sync-node count-and-release through Redis SET NX.
type LockManager struct {
	client *redis.Client
	ttl    time.Duration

	mu     sync.Mutex
	tokens map[string]string
}

// NewLockManager creates a lock manager over the given client. ttl bounds how
// long a crashed holder can block a sync node.
func NewLockManager(client *redis.Client, ttl time.Duration) *LockManager {
	return &LockManager{
		client: client,
		ttl:    ttl,
		tokens: make(map[string]string),
	}
}

func lockKey(instanceID, nodeID string) string {
	return keyPrefix + instanceID + "/" + nodeID
}

func (m *LockManager) Acquire(ctx context.Context, instanceID, nodeID string) (bool, error) {
	key := lockKey(instanceID, nodeID)
	token := uuid.New().String()

	acquired, err := m.client.SetNX(ctx, key, token, m.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to acquire redis lock: %w", err)
	}

	if !acquired {
		return false, nil
	}

	m.mu.Lock()
	m.tokens[key] = token
	m.mu.Unlock()

	return true, nil
}

func (m *LockManager) Release(ctx context.Context, instanceID, nodeID string) error {
	key := lockKey(instanceID, nodeID)

	m.mu.Lock()
	token, holding := m.tokens[key]
	delete(m.tokens, key)
	m.mu.Unlock()

	if !holding {
		return nil
	}

	err := releaseScript.Run(ctx, m.client, []string{key}, token).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to release redis lock: %w", err)
	}

	return nil
}
