package redstage

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	sideHead = "head"
	sideTail = "tail"
)

// errClaimLive is returned by moveByID when the claim guard refused the move.
var errClaimLive = errors.New("redstage: claim still live")

// enqueueScript writes the snapshot and pushes the blob in one step, refusing
// ids that are already indexed (and therefore already sit in some list).
//
// KEYS: list, index, claims
// ARGV: job id, blob, claim deadline ms ("" for none)
var enqueueScript = redis.NewScript(`
if redis.call('HEXISTS', KEYS[2], ARGV[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('LPUSH', KEYS[1], ARGV[2])
if ARGV[3] ~= '' then
	redis.call('ZADD', KEYS[3], ARGV[3], ARGV[1])
end
return 1
`)

// Queue is one named stage: an ordered list of serialized jobs.
// Head is the most recently pushed element, tail the oldest.
type Queue struct {
	cmd   redis.Cmdable
	opt   Options
	ks    keyspace
	name  string
	index *JobIndex
	log   *slog.Logger
}

func New(cmd redis.Cmdable, name string, opts ...Option) (*Queue, error) {
	name = strings.TrimSpace(name)
	if name == "" || strings.ContainsAny(name, "{}: ") {
		return nil, ErrInvalidQueueName
	}
	return newQueue(cmd, name, buildOptions(cmd, opts)), nil
}

func newQueue(cmd redis.Cmdable, name string, opt Options) *Queue {
	ks := keyspace{prefix: opt.Prefix}
	return &Queue{
		cmd:   cmd,
		opt:   opt,
		ks:    ks,
		name:  name,
		index: newJobIndex(cmd, ks),
		log:   opt.Logger.With(slog.String("queue", name)),
	}
}

func (q *Queue) Name() string { return q.name }

// Index returns the job index shared by every queue with the same prefix.
func (q *Queue) Index() *JobIndex { return q.index }

func (q *Queue) key() string { return q.ks.list(q.name) }

// Enqueue marks job as queued into q and pushes it onto the head.
// job is updated in place.
func (q *Queue) Enqueue(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidJob
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.Status = queuedStatus(q.name)
	job.UpdatedAt = now
	if err := q.push(ctx, job, now); err != nil {
		return err
	}

	q.publish(ctx, Event{Type: EventEnqueued, Queue: q.name, JobID: job.ID, AtUnixMs: now.UnixMilli()})
	return nil
}

// Restore pushes a job taken off q back onto the head exactly as it was,
// keeping its status and timestamps. Dequeue followed by Restore leaves q
// unchanged.
func (q *Queue) Restore(ctx context.Context, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidJob
	}
	return q.push(ctx, job, time.Now())
}

func (q *Queue) push(ctx context.Context, job *Job, now time.Time) error {
	blob, err := encodeJob(job)
	if err != nil {
		return err
	}
	claim := ""
	if until := q.claimUntil(q, now); !until.IsZero() {
		claim = strconv.FormatInt(until.UnixMilli(), 10)
	}

	n, err := enqueueScript.Run(ctx, q.cmd,
		[]string{q.key(), q.ks.index(), q.ks.claims()},
		job.ID, blob, claim,
	).Int64()
	if err != nil {
		return fmt.Errorf("redstage: push %s into %s: %w", job.ID, q.name, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
	}
	return nil
}

// claimUntil is the claim deadline of a job entering dest. Only jobs in the
// working stage are claimed; the reaper returns them once it passes.
func (q *Queue) claimUntil(dest *Queue, now time.Time) time.Time {
	if dest.name != WorkingName {
		return time.Time{}
	}
	return now.Add(q.opt.VisibilityTimeout)
}

// Dequeue removes and returns the head (most recently enqueued) job: LIFO.
// It returns false when the queue is empty.
func (q *Queue) Dequeue(ctx context.Context) (*Job, bool, error) {
	return q.pop(ctx, sideHead)
}

// DequeueOldest removes and returns the tail (oldest) job: FIFO.
// It returns false when the queue is empty.
func (q *Queue) DequeueOldest(ctx context.Context) (*Job, bool, error) {
	return q.pop(ctx, sideTail)
}

func (q *Queue) pop(ctx context.Context, side string) (*Job, bool, error) {
	for {
		raw, ok, err := q.peekEnd(ctx, side)
		if err != nil || !ok {
			return nil, false, err
		}
		job, derr := decodeJob(raw)
		if derr != nil {
			moved, err := q.deadLetter(ctx, side, raw)
			if err != nil {
				return nil, false, err
			}
			if !moved {
				continue
			}
			return nil, false, &DecodeError{Queue: q.name, Raw: raw, Err: derr}
		}

		n, err := popScript.Run(ctx, q.cmd,
			[]string{q.key(), q.ks.index(), q.ks.claims()},
			side, raw, job.ID,
		).Int64()
		if err != nil {
			return nil, false, fmt.Errorf("redstage: dequeue from %s: %w", q.name, err)
		}
		if n == 0 {
			continue
		}

		q.publish(ctx, Event{Type: EventDequeued, Queue: q.name, JobID: job.ID, AtUnixMs: time.Now().UnixMilli()})
		return job, true, nil
	}
}

// peekEnd reads the element at one end of the list without removing it.
func (q *Queue) peekEnd(ctx context.Context, side string) (string, bool, error) {
	if err := ctx.Err(); err != nil {
		return "", false, err
	}
	pos := int64(0)
	if side == sideTail {
		pos = -1
	}
	raw, err := q.cmd.LIndex(ctx, q.key(), pos).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("redstage: read %s: %w", q.name, err)
	}
	return raw, true, nil
}

// deadLetter parks an undecodable element on the dead-letter list.
func (q *Queue) deadLetter(ctx context.Context, side, raw string) (bool, error) {
	n, err := moveScript.Run(ctx, q.cmd,
		[]string{q.key(), q.ks.deadLetter(), q.ks.index(), q.ks.claims()},
		side, raw, sideHead, raw, "", "", "",
	).Int64()
	if err != nil {
		return false, fmt.Errorf("redstage: dead-letter from %s: %w", q.name, err)
	}
	if n == 1 {
		q.log.Warn("dead-lettered undecodable job", slog.Int("bytes", len(raw)))
		q.publish(ctx, Event{Type: EventDeadLettered, Queue: q.name, AtUnixMs: time.Now().UnixMilli()})
	}
	return n == 1, nil
}

type transfer struct {
	srcSide    string
	dstSide    string
	status     string
	event      EventType
	mutate     func(*Job)
	claimUntil time.Time
}

// MoveTo atomically pops the oldest job of q and pushes it onto the head of
// dest, rewriting its status and index entry in the same step.
func (q *Queue) MoveTo(ctx context.Context, dest *Queue) (*Job, bool, error) {
	if err := q.sameSpace(dest); err != nil {
		return nil, false, err
	}
	return q.transfer(ctx, dest, transfer{
		srcSide: sideTail,
		dstSide: sideHead,
		status:  movedStatus(q.name, dest.name),
		event:   EventMoved,
	})
}

// Requeue takes the oldest job of source and appends it to the tail of q, so
// it is the next one MoveTo or DequeueOldest hands out.
func (q *Queue) Requeue(ctx context.Context, source *Queue) (*Job, bool, error) {
	if err := q.sameSpace(source); err != nil {
		return nil, false, err
	}
	return source.transfer(ctx, q, transfer{
		srcSide: sideTail,
		dstSide: sideTail,
		status:  requeuedStatus(source.name, q.name),
		event:   EventRequeued,
	})
}

func (q *Queue) sameSpace(other *Queue) error {
	if other == nil {
		return ErrUnknownQueue
	}
	if other.ks.prefix != q.ks.prefix {
		return fmt.Errorf("%w: %s is under prefix %q, not %q", ErrUnknownQueue, other.name, other.ks.prefix, q.ks.prefix)
	}
	return nil
}

func (q *Queue) transfer(ctx context.Context, dest *Queue, t transfer) (*Job, bool, error) {
	if t.claimUntil.IsZero() {
		t.claimUntil = q.claimUntil(dest, time.Now())
	}
	claimOp, claimScore := "rem", "0"
	if !t.claimUntil.IsZero() {
		claimOp, claimScore = "add", strconv.FormatInt(t.claimUntil.UnixMilli(), 10)
	}

	for {
		raw, ok, err := q.peekEnd(ctx, t.srcSide)
		if err != nil || !ok {
			return nil, false, err
		}
		job, derr := decodeJob(raw)
		if derr != nil {
			moved, err := q.deadLetter(ctx, t.srcSide, raw)
			if err != nil {
				return nil, false, err
			}
			if !moved {
				continue
			}
			return nil, false, &DecodeError{Queue: q.name, Raw: raw, Err: derr}
		}

		job.Status = t.status
		job.UpdatedAt = time.Now()
		if t.mutate != nil {
			t.mutate(job)
		}
		blob, err := encodeJob(job)
		if err != nil {
			return nil, false, err
		}

		n, err := moveScript.Run(ctx, q.cmd,
			[]string{q.key(), dest.key(), q.ks.index(), q.ks.claims()},
			t.srcSide, raw, t.dstSide, blob, job.ID, claimOp, claimScore,
		).Int64()
		if err != nil {
			return nil, false, fmt.Errorf("redstage: move %s -> %s: %w", q.name, dest.name, err)
		}
		if n == 0 {
			continue
		}

		q.publish(ctx, Event{
			Type:     t.event,
			Queue:    dest.name,
			JobID:    job.ID,
			AtUnixMs: job.UpdatedAt.UnixMilli(),
			Extra:    map[string]string{"from": q.name},
		})
		return job, true, nil
	}
}

// MoveJob moves the job with the given id, wherever it sits in q, onto the
// head of dest. It returns false when q does not hold that job.
func (q *Queue) MoveJob(ctx context.Context, dest *Queue, id string) (*Job, bool, error) {
	if err := q.sameSpace(dest); err != nil {
		return nil, false, err
	}
	return q.moveByID(ctx, dest, id, 0, EventMoved, 0)
}

// moveByID is MoveJob with an optional claim guard (unix ms, 0 disables).
// A non-zero attempt only matches the copy of the job with that many claims.
func (q *Queue) moveByID(ctx context.Context, dest *Queue, id string, attempt int, event EventType, guardMs int64) (*Job, bool, error) {
	guard := ""
	if guardMs > 0 {
		guard = strconv.FormatInt(guardMs, 10)
	}

	for {
		if err := ctx.Err(); err != nil {
			return nil, false, err
		}
		raw, job, err := q.find(ctx, id)
		if err != nil || job == nil {
			return nil, false, err
		}
		if attempt > 0 && job.Attempts != attempt {
			return nil, false, nil
		}

		job.Status = movedStatus(q.name, dest.name)
		job.UpdatedAt = time.Now()
		blob, err := encodeJob(job)
		if err != nil {
			return nil, false, err
		}
		claim := ""
		if until := q.claimUntil(dest, job.UpdatedAt); !until.IsZero() {
			claim = strconv.FormatInt(until.UnixMilli(), 10)
		}

		n, err := moveValueScript.Run(ctx, q.cmd,
			[]string{q.key(), dest.key(), q.ks.index(), q.ks.claims()},
			raw, blob, id, guard, claim,
		).Int64()
		if err != nil {
			return nil, false, fmt.Errorf("redstage: move %s %s -> %s: %w", id, q.name, dest.name, err)
		}
		switch n {
		case -1:
			return nil, false, errClaimLive
		case 0:
			continue
		}

		q.publish(ctx, Event{
			Type:     event,
			Queue:    dest.name,
			JobID:    id,
			AtUnixMs: job.UpdatedAt.UnixMilli(),
			Extra:    map[string]string{"from": q.name},
		})
		return job, true, nil
	}
}

// find scans the list for the blob of job id. Undecodable elements are skipped.
func (q *Queue) find(ctx context.Context, id string) (string, *Job, error) {
	raws, err := q.cmd.LRange(ctx, q.key(), 0, -1).Result()
	if err != nil {
		return "", nil, fmt.Errorf("redstage: scan %s: %w", q.name, err)
	}
	for _, raw := range raws {
		job, err := decodeJob(raw)
		if err != nil {
			continue
		}
		if job.ID == id {
			return raw, job, nil
		}
	}
	return "", nil, nil
}

// Get returns the job at position i (0 is the head, -1 the tail).
func (q *Queue) Get(ctx context.Context, i int64) (*Job, bool, error) {
	raw, err := q.cmd.LIndex(ctx, q.key(), i).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redstage: get %s[%d]: %w", q.name, i, err)
	}
	job, err := decodeJob(raw)
	if err != nil {
		return nil, false, &DecodeError{Queue: q.name, Raw: raw, Err: err}
	}
	return job, true, nil
}

// Set overwrites the job at position i without moving it, and rewrites the
// index entry. An empty job.Status keeps the status of the replaced job.
// Writing a job id that already sits elsewhere fails with ErrDuplicateJob.
func (q *Queue) Set(ctx context.Context, i int64, job *Job) error {
	if job == nil || strings.TrimSpace(job.ID) == "" {
		return ErrInvalidJob
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		raw, err := q.cmd.LIndex(ctx, q.key(), i).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, q.name, i)
			}
			return fmt.Errorf("redstage: set %s[%d]: %w", q.name, i, err)
		}
		oldID := ""
		if old, err := decodeJob(raw); err == nil {
			oldID = old.ID
			if job.Status == "" {
				job.Status = old.Status
			}
		}
		job.UpdatedAt = time.Now()
		blob, err := encodeJob(job)
		if err != nil {
			return err
		}

		n, err := setAtScript.Run(ctx, q.cmd,
			[]string{q.key(), q.ks.index()},
			i, raw, blob, job.ID, oldID,
		).Int64()
		if err != nil {
			return fmt.Errorf("redstage: set %s[%d]: %w", q.name, i, err)
		}
		switch n {
		case 1:
			return nil
		case -1:
			return fmt.Errorf("%w: %s[%d]", ErrIndexOutOfRange, q.name, i)
		case -2:
			return fmt.Errorf("%w: %s", ErrDuplicateJob, job.ID)
		}
	}
}

func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.cmd.LLen(ctx, q.key()).Result()
	if err != nil {
		return 0, fmt.Errorf("redstage: len %s: %w", q.name, err)
	}
	return n, nil
}

// Peek lists up to n jobs from head to tail without removing them.
// n <= 0 lists the whole queue. Undecodable elements are skipped.
func (q *Queue) Peek(ctx context.Context, n int64) ([]*Job, error) {
	stop := n - 1
	if n <= 0 {
		stop = -1
	}
	raws, err := q.cmd.LRange(ctx, q.key(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redstage: peek %s: %w", q.name, err)
	}
	jobs := make([]*Job, 0, len(raws))
	for _, raw := range raws {
		job, err := decodeJob(raw)
		if err != nil {
			q.log.Warn("skipping undecodable job in peek", slog.Any("error", err))
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Drain returns a destructive sequence that Dequeues until q is empty.
// It never blocks. A DecodeError is yielded and draining continues if the
// caller keeps ranging; any other error is yielded and ends the sequence.
func (q *Queue) Drain(ctx context.Context) iter.Seq2[*Job, error] {
	return func(yield func(*Job, error) bool) {
		for {
			job, ok, err := q.Dequeue(ctx)
			if err != nil {
				var de *DecodeError
				if !yield(nil, err) || !errors.As(err, &de) {
					return
				}
				continue
			}
			if !ok {
				return
			}
			if !yield(job, nil) {
				return
			}
		}
	}
}
