package redstage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

// WorkerRegistry records which list each worker is currently draining.
type WorkerRegistry struct {
	cmd redis.Cmdable
	key string
}

func NewWorkerRegistry(cmd redis.Cmdable, opts ...Option) *WorkerRegistry {
	opt := buildOptions(cmd, opts)
	return newWorkerRegistry(cmd, keyspace{prefix: opt.Prefix})
}

func newWorkerRegistry(cmd redis.Cmdable, ks keyspace) *WorkerRegistry {
	return &WorkerRegistry{cmd: cmd, key: ks.workers()}
}

// SignIn associates workerID with queueName, replacing any earlier association.
func (r *WorkerRegistry) SignIn(ctx context.Context, workerID, queueName string) error {
	if strings.TrimSpace(workerID) == "" {
		return ErrInvalidWorkerID
	}
	if strings.TrimSpace(queueName) == "" {
		return ErrInvalidQueueName
	}
	if err := r.cmd.HSet(ctx, r.key, workerID, queueName).Err(); err != nil {
		return fmt.Errorf("redstage: sign in %s: %w", workerID, err)
	}
	return nil
}

// SignOut removes the association of workerID.
func (r *WorkerRegistry) SignOut(ctx context.Context, workerID string) error {
	if strings.TrimSpace(workerID) == "" {
		return ErrInvalidWorkerID
	}
	if err := r.cmd.HDel(ctx, r.key, workerID).Err(); err != nil {
		return fmt.Errorf("redstage: sign out %s: %w", workerID, err)
	}
	return nil
}

func (r *WorkerRegistry) Lookup(ctx context.Context, workerID string) (string, bool, error) {
	q, err := r.cmd.HGet(ctx, r.key, workerID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redstage: lookup %s: %w", workerID, err)
	}
	return q, true, nil
}

// Members returns a snapshot of worker id -> queue name.
func (r *WorkerRegistry) Members(ctx context.Context) (map[string]string, error) {
	m, err := r.cmd.HGetAll(ctx, r.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redstage: members: %w", err)
	}
	return m, nil
}
