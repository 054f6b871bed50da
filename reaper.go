package redstage

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReapOnce returns jobs whose claim expired back to queued.
// Returns how many jobs were moved.
func (p *Pipeline) ReapOnce(ctx context.Context, batch int64) (int, error) {
	if batch <= 0 {
		batch = p.opt.ReapBatch
	}
	now := time.Now().UnixMilli()
	expired, err := p.cmd.ZRangeByScoreWithScores(ctx, p.ks.claims(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now, 10),
		Count: batch,
	}).Result()
	if err != nil {
		return 0, err
	}

	reaped := 0
	for _, z := range expired {
		id, _ := z.Member.(string)
		if id == "" {
			continue
		}
		job, ok, err := p.Working.moveByID(ctx, p.Queued, id, 0, EventReaped, now)
		if errors.Is(err, errClaimLive) {
			continue
		}
		if err != nil {
			return reaped, err
		}
		if !ok {
			// The job already left working; drop the claim unless it was renewed.
			if err := zremIfScoreScript.Run(ctx, p.cmd, []string{p.ks.claims()}, id, int64(z.Score)).Err(); err != nil {
				return reaped, err
			}
			continue
		}
		reaped++
		p.log.Info("reaped expired claim",
			slog.String("job_id", id),
			slog.Int("attempts", job.Attempts),
		)
	}
	return reaped, nil
}

// StartReaper runs ReapOnce every ReaperInterval until StopReaper. It is a
// no-op when the reaper is already running or the interval is not positive.
func (p *Pipeline) StartReaper() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.reaperStop != nil || p.opt.ReaperInterval <= 0 {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	p.reaperStop = cancel
	p.reaperDone = done

	go func() {
		defer close(done)
		t := time.NewTicker(p.opt.ReaperInterval)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				if _, err := p.ReapOnce(ctx, p.opt.ReapBatch); err != nil && ctx.Err() == nil {
					p.log.Error("reaper pass failed", slog.Any("error", err))
				}
			}
		}
	}()
}

// StopReaper cancels a running pass and waits for the reaper to exit.
func (p *Pipeline) StopReaper() {
	p.mu.Lock()
	stop, done := p.reaperStop, p.reaperDone
	p.reaperStop, p.reaperDone = nil, nil
	p.mu.Unlock()

	if stop == nil {
		return
	}
	stop()
	<-done
}
