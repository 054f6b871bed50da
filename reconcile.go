package redstage

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

// ReconcileReport counts what a Reconcile pass repaired.
type ReconcileReport struct {
	OrphanedIndexEntries int `json:"orphaned_index_entries"`
	MissingIndexEntries  int `json:"missing_index_entries"`
	StaleIndexEntries    int `json:"stale_index_entries"`
	OrphanedClaims       int `json:"orphaned_claims"`
	UnclaimedWorking     int `json:"unclaimed_working"`
	StaleWorkers         int `json:"stale_workers"`
	Undecodable          int `json:"undecodable"`
}

type listed struct {
	queue string
	raw   string
}

// Reconcile compares the job index, the claim set and the worker registry
// with the actual list contents and repairs what disagrees. The state is
// read in one MULTI/EXEC snapshot; every repair is conditional on the value
// it saw, so concurrent transitions are never undone.
func (p *Pipeline) Reconcile(ctx context.Context) (ReconcileReport, error) {
	var rep ReconcileReport

	lists := make(map[string]*redis.StringSliceCmd, 4)
	var (
		indexCmd   *redis.MapStringStringCmd
		claimsCmd  *redis.ZSliceCmd
		workersCmd *redis.MapStringStringCmd
	)
	_, err := p.cmd.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, q := range p.queues() {
			lists[q.name] = pipe.LRange(ctx, q.key(), 0, -1)
		}
		indexCmd = pipe.HGetAll(ctx, p.ks.index())
		claimsCmd = pipe.ZRangeWithScores(ctx, p.ks.claims(), 0, -1)
		workersCmd = pipe.HGetAll(ctx, p.ks.workers())
		return nil
	})
	if err != nil {
		return rep, fmt.Errorf("redstage: reconcile snapshot: %w", err)
	}

	members := make(map[string]listed)
	for name, c := range lists {
		for _, raw := range c.Val() {
			job, err := decodeJob(raw)
			if err != nil {
				rep.Undecodable++
				continue
			}
			members[job.ID] = listed{queue: name, raw: raw}
		}
	}

	index := indexCmd.Val()
	for id, raw := range index {
		m, ok := members[id]
		if ok && m.raw == raw {
			continue
		}
		replacement := ""
		if ok {
			replacement = m.raw
		}
		n, err := hashCASScript.Run(ctx, p.cmd, []string{p.ks.index()}, id, raw, replacement).Int64()
		if err != nil {
			return rep, fmt.Errorf("redstage: reconcile index %s: %w", id, err)
		}
		if n == 0 {
			continue
		}
		if ok {
			rep.StaleIndexEntries++
		} else {
			rep.OrphanedIndexEntries++
		}
	}

	for id, m := range members {
		if _, ok := index[id]; ok {
			continue
		}
		n, err := restoreIndexScript.Run(ctx, p.cmd, []string{p.ks.list(m.queue), p.ks.index()}, id, m.raw).Int64()
		if err != nil {
			return rep, fmt.Errorf("redstage: reconcile restore %s: %w", id, err)
		}
		rep.MissingIndexEntries += int(n)
	}

	claimed := make(map[string]bool)
	for _, z := range claimsCmd.Val() {
		id, _ := z.Member.(string)
		claimed[id] = true
		if m, ok := members[id]; ok && m.queue == WorkingName {
			continue
		}
		n, err := zremIfScoreScript.Run(ctx, p.cmd, []string{p.ks.claims()}, id, int64(z.Score)).Int64()
		if err != nil {
			return rep, fmt.Errorf("redstage: reconcile claim %s: %w", id, err)
		}
		rep.OrphanedClaims += int(n)
	}

	deadline := float64(time.Now().Add(p.opt.VisibilityTimeout).UnixMilli())
	for id, m := range members {
		if m.queue != WorkingName || claimed[id] {
			continue
		}
		n, err := p.cmd.ZAddNX(ctx, p.ks.claims(), redis.Z{Score: deadline, Member: id}).Result()
		if err != nil {
			return rep, fmt.Errorf("redstage: reconcile claim %s: %w", id, err)
		}
		rep.UnclaimedWorking += int(n)
	}

	names := p.Names()
	for worker, queue := range workersCmd.Val() {
		if slices.Contains(names, queue) {
			continue
		}
		n, err := hashCASScript.Run(ctx, p.cmd, []string{p.ks.workers()}, worker, queue, "").Int64()
		if err != nil {
			return rep, fmt.Errorf("redstage: reconcile worker %s: %w", worker, err)
		}
		rep.StaleWorkers += int(n)
	}

	p.log.Info("reconcile pass finished",
		slog.Int("orphaned_index_entries", rep.OrphanedIndexEntries),
		slog.Int("missing_index_entries", rep.MissingIndexEntries),
		slog.Int("stale_index_entries", rep.StaleIndexEntries),
		slog.Int("orphaned_claims", rep.OrphanedClaims),
		slog.Int("unclaimed_working", rep.UnclaimedWorking),
		slog.Int("stale_workers", rep.StaleWorkers),
		slog.Int("undecodable", rep.Undecodable),
	)
	return rep, nil
}
