package redstage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Handler processes one claimed job. A nil error completes the job into
// done, anything else fails it into failed.
type Handler func(ctx context.Context, job *Job) error

// Consumer polls a Pipeline with a fixed number of workers. The store has no
// blocking claim, so an idle worker sleeps for the poll interval and a worker
// hitting store errors backs off exponentially.
type Consumer struct {
	p            *Pipeline
	handler      Handler
	baseID       string
	concurrency  int
	pollInterval time.Duration
	maxBackoff   time.Duration
	heartbeat    time.Duration
	log          *slog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	mu      sync.Mutex
	workers []string

	completed atomic.Int64
	failed    atomic.Int64
}

type ConsumerOption func(*Consumer)

// WithWorkerID sets the base worker id; goroutine n signs in as "<id>-<n>".
func WithWorkerID(id string) ConsumerOption {
	return func(c *Consumer) { c.baseID = id }
}

func WithConcurrency(n int) ConsumerOption {
	return func(c *Consumer) { c.concurrency = n }
}

func WithPollInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.pollInterval = d }
}

// WithMaxBackoff caps the delay between attempts after store errors.
func WithMaxBackoff(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.maxBackoff = d }
}

// WithHeartbeatInterval controls how often a running job's claim is extended.
// Defaults to a third of the visibility timeout.
func WithHeartbeatInterval(d time.Duration) ConsumerOption {
	return func(c *Consumer) { c.heartbeat = d }
}

func WithConsumerLogger(l *slog.Logger) ConsumerOption {
	return func(c *Consumer) { c.log = l }
}

func NewConsumer(p *Pipeline, handler Handler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		p:            p,
		handler:      handler,
		baseID:       "worker-" + uuid.NewString()[:8],
		concurrency:  1,
		pollInterval: 500 * time.Millisecond,
		maxBackoff:   5 * time.Second,
		heartbeat:    p.opt.VisibilityTimeout / 3,
		log:          p.log,
		stopCh:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.concurrency < 1 {
		c.concurrency = 1
	}
	if c.pollInterval <= 0 {
		c.pollInterval = 500 * time.Millisecond
	}
	if c.maxBackoff < c.pollInterval {
		c.maxBackoff = c.pollInterval
	}
	if c.heartbeat <= 0 {
		c.heartbeat = time.Second
	}
	return c
}

func (c *Consumer) Start(ctx context.Context) error {
	if c.handler == nil {
		return errors.New("redstage: consumer handler is nil")
	}
	for i := 0; i < c.concurrency; i++ {
		workerID := fmt.Sprintf("%s-%d", c.baseID, i)
		if err := c.p.Workers.SignIn(ctx, workerID, QueuedName); err != nil {
			return err
		}
		c.mu.Lock()
		c.workers = append(c.workers, workerID)
		c.mu.Unlock()

		c.wg.Add(1)
		go c.loop(ctx, workerID)
	}
	c.log.Info("consumer started",
		slog.String("worker_id", c.baseID),
		slog.Int("concurrency", c.concurrency),
	)
	return nil
}

// Stop waits for running handlers to return and signs every worker out.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()

	c.mu.Lock()
	workers := c.workers
	c.workers = nil
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, id := range workers {
		if err := c.p.Workers.SignOut(ctx, id); err != nil {
			c.log.Error("sign out failed", slog.String("worker_id", id), slog.Any("error", err))
		}
	}
}

// Stats returns how many jobs this consumer completed and failed.
func (c *Consumer) Stats() (completed, failed int64) {
	return c.completed.Load(), c.failed.Load()
}

func (c *Consumer) loop(ctx context.Context, workerID string) {
	defer c.wg.Done()

	backoff := c.pollInterval
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		default:
		}

		job, ok, err := c.p.Claim(ctx, workerID)
		if err != nil {
			var te *TransitionError
			var de *DecodeError
			switch {
			case errors.As(err, &te) && job != nil:
				c.log.Warn("claimed job without registry update",
					slog.String("worker_id", workerID),
					slog.String("job_id", job.ID),
					slog.Any("error", err),
				)
			case errors.As(err, &de):
				c.log.Warn("dead-lettered undecodable job", slog.String("worker_id", workerID), slog.Any("error", err))
				continue
			default:
				c.log.Error("claim failed",
					slog.String("worker_id", workerID),
					slog.Duration("backoff", backoff),
					slog.Any("error", err),
				)
				if !c.sleep(ctx, backoff) {
					return
				}
				backoff = min(backoff*2, c.maxBackoff)
				continue
			}
		}
		backoff = c.pollInterval
		if !ok {
			if !c.sleep(ctx, c.pollInterval) {
				return
			}
			continue
		}

		c.process(ctx, workerID, job)
	}
}

func (c *Consumer) process(ctx context.Context, workerID string, job *Job) {
	log := c.log.With(slog.String("worker_id", workerID), slog.String("job_id", job.ID))

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		c.keepClaim(hbCtx, log, job.ID)
	}()

	err := c.run(ctx, job)
	stopHeartbeat()
	<-hbDone

	var moved bool
	var moveErr error
	if err == nil {
		_, moved, moveErr = c.p.Complete(ctx, job)
		c.completed.Add(1)
		log.Info("job completed")
	} else {
		_, moved, moveErr = c.p.Fail(ctx, job)
		c.failed.Add(1)
		log.Warn("job failed", slog.Any("error", err))
	}
	switch {
	case moveErr != nil:
		log.Error("finishing job failed", slog.Any("error", moveErr))
	case !moved:
		log.Warn("job was no longer in working, claim probably expired")
	}

	if err := c.p.Workers.SignIn(ctx, workerID, QueuedName); err != nil {
		log.Error("sign in failed", slog.Any("error", err))
	}
}

// run calls the handler, turning a panic into an error.
func (c *Consumer) run(ctx context.Context, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("redstage: handler panic: %v", r)
		}
	}()
	return c.handler(ctx, job)
}

func (c *Consumer) keepClaim(ctx context.Context, log *slog.Logger, jobID string) {
	t := time.NewTicker(c.heartbeat)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := c.p.ExtendClaim(ctx, jobID, c.p.opt.VisibilityTimeout); err != nil {
				if errors.Is(err, ErrNotClaimed) {
					log.Warn("claim lost while running")
					return
				}
				log.Error("extend claim failed", slog.Any("error", err))
			}
		}
	}
}

func (c *Consumer) sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-c.stopCh:
		return false
	case <-t.C:
		return true
	}
}
