// Package archive drains the done stage into long-term storage.
package archive

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aura-studio/redstage"
)

// Sink stores finished jobs. Writing a job that is already stored must be a
// no-op so a retried batch does not fail.
type Sink interface {
	Write(ctx context.Context, jobs []*redstage.Job) error
}

type Archiver struct {
	done      *redstage.Queue
	sink      Sink
	batchSize int
	logger    *slog.Logger
}

func New(p *redstage.Pipeline, sink Sink, batchSize int, logger *slog.Logger) *Archiver {
	if batchSize <= 0 {
		batchSize = 100
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Archiver{done: p.Done, sink: sink, batchSize: batchSize, logger: logger}
}

// RunOnce moves up to limit jobs (0 means all) from done into the sink, in
// batches. When the sink rejects a batch, its jobs are pushed back onto done
// and the pass stops.
func (a *Archiver) RunOnce(ctx context.Context, limit int) (int, error) {
	archived := 0
	batch := make([]*redstage.Job, 0, a.batchSize)

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}
		if err := a.sink.Write(ctx, batch); err != nil {
			a.restore(batch)
			return fmt.Errorf("archive: write %d jobs: %w", len(batch), err)
		}
		archived += len(batch)
		batch = batch[:0]
		return nil
	}

	for job, err := range a.done.Drain(ctx) {
		if err != nil {
			if errors.Is(err, redstage.ErrDecode) {
				a.logger.Warn("skipped undecodable job in done", slog.Any("error", err))
				continue
			}
			if ferr := flush(); ferr != nil {
				return archived, ferr
			}
			return archived, err
		}
		batch = append(batch, job)
		if len(batch) == a.batchSize {
			if err := flush(); err != nil {
				return archived, err
			}
		}
		if limit > 0 && archived+len(batch) >= limit {
			break
		}
	}
	if err := flush(); err != nil {
		return archived, err
	}
	if archived > 0 {
		a.logger.Info("archived jobs", slog.Int("count", archived))
	}
	return archived, nil
}

// Run calls RunOnce every interval until ctx is done.
func (a *Archiver) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := a.RunOnce(ctx, 0); err != nil {
				a.logger.Error("archive pass failed", slog.Any("error", err))
			}
		}
	}
}

// restore puts jobs back onto done unchanged. It uses a fresh context so a
// cancelled pass still returns what it took.
func (a *Archiver) restore(jobs []*redstage.Job) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := len(jobs) - 1; i >= 0; i-- {
		if err := a.done.Restore(ctx, jobs[i]); err != nil {
			a.logger.Error("failed to restore job to done",
				slog.String("job_id", jobs[i].ID),
				slog.Any("error", err),
			)
		}
	}
}
