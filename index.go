package redstage

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// JobIndex maps a job id to its latest serialized snapshot, independent of
// which list currently holds the job.
type JobIndex struct {
	cmd redis.Cmdable
	key string
}

func NewJobIndex(cmd redis.Cmdable, opts ...Option) *JobIndex {
	opt := buildOptions(cmd, opts)
	return newJobIndex(cmd, keyspace{prefix: opt.Prefix})
}

func newJobIndex(cmd redis.Cmdable, ks keyspace) *JobIndex {
	return &JobIndex{cmd: cmd, key: ks.index()}
}

// Set stores or overwrites the snapshot of job. Last writer wins.
func (x *JobIndex) Set(ctx context.Context, job *Job) error {
	blob, err := encodeJob(job)
	if err != nil {
		return err
	}
	if err := x.cmd.HSet(ctx, x.key, job.ID, blob).Err(); err != nil {
		return fmt.Errorf("redstage: index set %s: %w", job.ID, err)
	}
	return nil
}

// Fetch returns the snapshot for id, or false when the id is not indexed.
func (x *JobIndex) Fetch(ctx context.Context, id string) (*Job, bool, error) {
	raw, err := x.cmd.HGet(ctx, x.key, id).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redstage: index fetch %s: %w", id, err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, false, &DecodeError{Queue: "index", Raw: raw, Err: err}
	}
	return job, true, nil
}

// Keys returns the indexed job ids in lexical order.
func (x *JobIndex) Keys(ctx context.Context) ([]string, error) {
	ids, err := x.cmd.HKeys(ctx, x.key).Result()
	if err != nil {
		return nil, fmt.Errorf("redstage: index keys: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

// Remove deletes the entry for id. Removing a missing id is not an error.
func (x *JobIndex) Remove(ctx context.Context, id string) error {
	if err := x.cmd.HDel(ctx, x.key, id).Err(); err != nil {
		return fmt.Errorf("redstage: index remove %s: %w", id, err)
	}
	return nil
}

func (x *JobIndex) Len(ctx context.Context) (int64, error) {
	n, err := x.cmd.HLen(ctx, x.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redstage: index len: %w", err)
	}
	return n, nil
}
