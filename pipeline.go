package redstage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Stage names of a Pipeline.
const (
	QueuedName  = "queued"
	WorkingName = "working"
	DoneName    = "done"
	FailedName  = "failed"
)

// Pipeline wires the four named stages together with the shared job index,
// the worker registry and the claim set used by the reaper.
type Pipeline struct {
	Queued  *Queue
	Working *Queue
	Done    *Queue
	Failed  *Queue
	Index   *JobIndex
	Workers *WorkerRegistry

	cmd redis.Cmdable
	opt Options
	ks  keyspace
	log *slog.Logger

	mu         sync.Mutex
	reaperStop context.CancelFunc
	reaperDone chan struct{}
}

func NewPipeline(cmd redis.Cmdable, opts ...Option) *Pipeline {
	opt := buildOptions(cmd, opts)
	ks := keyspace{prefix: opt.Prefix}
	p := &Pipeline{
		Queued:  newQueue(cmd, QueuedName, opt),
		Working: newQueue(cmd, WorkingName, opt),
		Done:    newQueue(cmd, DoneName, opt),
		Failed:  newQueue(cmd, FailedName, opt),
		Index:   newJobIndex(cmd, ks),
		Workers: newWorkerRegistry(cmd, ks),
		cmd:     cmd,
		opt:     opt,
		ks:      ks,
		log:     opt.Logger,
	}
	if opt.ReaperInterval > 0 {
		p.StartReaper()
	}
	return p
}

// Names returns the stage names in pipeline order.
func (p *Pipeline) Names() []string {
	return []string{QueuedName, WorkingName, DoneName, FailedName}
}

func (p *Pipeline) queues() []*Queue {
	return []*Queue{p.Queued, p.Working, p.Done, p.Failed}
}

// Queue returns the stage with the given name.
func (p *Pipeline) Queue(name string) (*Queue, error) {
	for _, q := range p.queues() {
		if q.name == name {
			return q, nil
		}
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownQueue, name)
}

// Submit assigns an id when job has none and enqueues it into queued.
func (p *Pipeline) Submit(ctx context.Context, job *Job) (*Job, error) {
	if job == nil {
		return nil, ErrInvalidJob
	}
	if strings.TrimSpace(job.ID) == "" {
		job.ID = uuid.NewString()
	}
	if err := p.Queued.Enqueue(ctx, job); err != nil {
		return nil, err
	}
	return job, nil
}

// Claim moves the oldest queued job into working on behalf of workerID and
// starts its visibility timeout. The worker is signed in to working.
//
// If the sign-in fails after the move, the claimed job is returned together
// with a *TransitionError.
func (p *Pipeline) Claim(ctx context.Context, workerID string) (*Job, bool, error) {
	if strings.TrimSpace(workerID) == "" {
		return nil, false, ErrInvalidWorkerID
	}
	job, ok, err := p.Queued.transfer(ctx, p.Working, transfer{
		srcSide:    sideTail,
		dstSide:    sideHead,
		status:     movedStatus(QueuedName, WorkingName),
		event:      EventClaimed,
		mutate:     func(j *Job) { j.Attempts++ },
		claimUntil: time.Now().Add(p.opt.VisibilityTimeout),
	})
	if err != nil || !ok {
		return nil, false, err
	}
	if err := p.Workers.SignIn(ctx, workerID, WorkingName); err != nil {
		return job, true, &TransitionError{Op: "claim", JobID: job.ID, Err: err}
	}
	return job, true, nil
}

// Complete moves a claimed job from working to done. claimed is the job
// Claim returned; once its claim expired and the job was claimed again, the
// stale holder no longer matches and nothing moves.
func (p *Pipeline) Complete(ctx context.Context, claimed *Job) (*Job, bool, error) {
	return p.finish(ctx, claimed, p.Done)
}

// Fail moves a claimed job from working to failed, with the same ownership
// check as Complete.
func (p *Pipeline) Fail(ctx context.Context, claimed *Job) (*Job, bool, error) {
	return p.finish(ctx, claimed, p.Failed)
}

func (p *Pipeline) finish(ctx context.Context, claimed *Job, dest *Queue) (*Job, bool, error) {
	if claimed == nil || strings.TrimSpace(claimed.ID) == "" {
		return nil, false, ErrInvalidJob
	}
	return p.Working.moveByID(ctx, dest, claimed.ID, claimed.Attempts, EventMoved, 0)
}

// Retry moves the oldest failed job back into queued, where it is the next
// one claimed.
func (p *Pipeline) Retry(ctx context.Context) (*Job, bool, error) {
	return p.Queued.Requeue(ctx, p.Failed)
}

// ExtendClaim pushes the claim deadline of jobID to now+d.
func (p *Pipeline) ExtendClaim(ctx context.Context, jobID string, d time.Duration) error {
	deadline := time.Now().Add(d).UnixMilli()
	n, err := p.cmd.ZAddXX(ctx, p.ks.claims(), redis.Z{Score: float64(deadline), Member: jobID}).Result()
	if err != nil {
		return fmt.Errorf("redstage: extend claim %s: %w", jobID, err)
	}
	if n == 0 {
		// ZADD XX reports added members only; confirm the member exists.
		if _, err := p.cmd.ZScore(ctx, p.ks.claims(), jobID).Result(); err != nil {
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %s", ErrNotClaimed, jobID)
			}
			return fmt.Errorf("redstage: extend claim %s: %w", jobID, err)
		}
	}
	return nil
}

// ClaimDeadline returns when the claim on jobID expires.
func (p *Pipeline) ClaimDeadline(ctx context.Context, jobID string) (time.Time, bool, error) {
	score, err := p.cmd.ZScore(ctx, p.ks.claims(), jobID).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("redstage: claim deadline %s: %w", jobID, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

// Stats returns the depth of every stage plus the dead-letter list.
func (p *Pipeline) Stats(ctx context.Context) (map[string]int64, error) {
	pipe := p.cmd.Pipeline()
	cmds := make(map[string]*redis.IntCmd, 5)
	for _, q := range p.queues() {
		cmds[q.name] = pipe.LLen(ctx, q.key())
	}
	cmds["deadletter"] = pipe.LLen(ctx, p.ks.deadLetter())
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("redstage: stats: %w", err)
	}
	stats := make(map[string]int64, len(cmds))
	for name, c := range cmds {
		stats[name] = c.Val()
	}
	return stats, nil
}

// DeadLetters lists up to n raw blobs parked on the dead-letter list.
func (p *Pipeline) DeadLetters(ctx context.Context, n int64) ([]string, error) {
	stop := n - 1
	if n <= 0 {
		stop = -1
	}
	raws, err := p.cmd.LRange(ctx, p.ks.deadLetter(), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("redstage: dead letters: %w", err)
	}
	return raws, nil
}

// Subscribe registers a handler receiving the events of every stage.
func (p *Pipeline) Subscribe(ctx context.Context, handler func(Event)) (*Subscription, error) {
	return subscribe(ctx, p.opt, p.ks.eventChannel(), handler)
}

// Ping checks that the store is reachable.
func (p *Pipeline) Ping(ctx context.Context) error {
	if err := p.cmd.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redstage: ping: %w", err)
	}
	return nil
}
