package redstage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()

	s := miniredis.RunT(t)
	c := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { _ = c.Close(); s.Close() })
	return s, c
}

func mustNew(t *testing.T, cmd redis.Cmdable, name string, opts ...Option) *Queue {
	t.Helper()

	q, err := New(cmd, name, opts...)
	require.NoError(t, err)
	return q
}

func testJob(id string) *Job {
	return &Job{ID: id, Type: "test", Payload: json.RawMessage(`{"id":"` + id + `"}`)}
}

func ids(jobs []*Job) []string {
	out := make([]string, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, j.ID)
	}
	return out
}

func TestNew_InvalidName(t *testing.T) {
	_, c := newTestRedis(t)

	for _, name := range []string{"", "   ", "a:b", "{x}", "two words"} {
		_, err := New(c, name)
		require.ErrorIs(t, err, ErrInvalidQueueName, name)
	}
}

func TestQueue_DequeueIsLIFO_DequeueOldestIsFIFO(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	stack := mustNew(t, c, "stack")
	fifo := mustNew(t, c, "fifo", WithPrefix("other"))
	for _, id := range []string{"A", "B", "C"} {
		require.NoError(t, stack.Enqueue(ctx, testJob(id)))
		require.NoError(t, fifo.Enqueue(ctx, testJob(id)))
	}

	var lifo, ordered []string
	for i := 0; i < 3; i++ {
		j, ok, err := stack.Dequeue(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		lifo = append(lifo, j.ID)

		j, ok, err = fifo.DequeueOldest(ctx)
		require.NoError(t, err)
		require.True(t, ok)
		ordered = append(ordered, j.ID)
	}
	require.Equal(t, []string{"C", "B", "A"}, lifo)
	require.Equal(t, []string{"A", "B", "C"}, ordered)
}

func TestQueue_EnqueueIndexesSnapshot(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q1")
	job := testJob("j1")
	require.NoError(t, q.Enqueue(ctx, job))
	require.Equal(t, "queued into q1", job.Status)
	require.False(t, job.CreatedAt.IsZero())

	got, ok, err := q.Index().Fetch(ctx, "j1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "queued into q1", got.Status)
	require.JSONEq(t, `{"id":"j1"}`, string(got.Payload))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestQueue_EnqueueRejectsDuplicatesAndInvalidJobs(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q1")
	other := mustNew(t, c, "q2")
	require.NoError(t, q.Enqueue(ctx, testJob("j1")))
	require.ErrorIs(t, other.Enqueue(ctx, testJob("j1")), ErrDuplicateJob)

	require.ErrorIs(t, q.Enqueue(ctx, nil), ErrInvalidJob)
	require.ErrorIs(t, q.Enqueue(ctx, &Job{}), ErrInvalidJob)
	require.ErrorIs(t, q.Enqueue(ctx, &Job{ID: "bad", Payload: json.RawMessage(`{`)}), ErrInvalidJob)

	n, err := other.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestQueue_DequeueRemovesIndexEntry(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q1")
	require.NoError(t, q.Enqueue(ctx, testJob("j1")))

	j, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "j1", j.ID)

	_, ok, err = q.Index().Fetch(ctx, "j1")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueue_EmptyQueueReturnsNotFoundWithoutMutating(t *testing.T) {
	s, c := newTestRedis(t)
	ctx := context.Background()

	src := mustNew(t, c, "src")
	dst := mustNew(t, c, "dst")

	j, ok, err := src.Dequeue(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, j)

	j, ok, err = src.DequeueOldest(ctx)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, j)

	j, ok, err = src.MoveTo(ctx, dst)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, j)

	j, ok, err = dst.Requeue(ctx, src)
	require.NoError(t, err)
	require.False(t, ok)
	require.Nil(t, j)

	require.Empty(t, s.Keys())
}

func TestQueue_MoveTo(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	src := mustNew(t, c, "queued")
	dst := mustNew(t, c, "working")
	require.NoError(t, src.Enqueue(ctx, testJob("old")))
	require.NoError(t, src.Enqueue(ctx, testJob("new")))

	j, ok, err := src.MoveTo(ctx, dst)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old", j.ID)
	require.Equal(t, "moved from queued into working", j.Status)

	snap, ok, err := src.Index().Fetch(ctx, "old")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "moved from queued into working", snap.Status)

	head, ok, err := dst.Get(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "old", head.ID)
	require.Equal(t, j.Status, head.Status)

	left, err := src.Peek(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"new"}, ids(left))
}

func TestQueue_MoveTo_ConcurrentMoversConserveJobs(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	const jobs = 120
	const movers = 8

	src := mustNew(t, c, "src")
	dst := mustNew(t, c, "dst")
	for i := 0; i < jobs; i++ {
		require.NoError(t, src.Enqueue(ctx, testJob(fmt.Sprintf("j%03d", i))))
	}

	var (
		mu    sync.Mutex
		moved []string
		wg    sync.WaitGroup
	)
	for m := 0; m < movers; m++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				j, ok, err := src.MoveTo(ctx, dst)
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				moved = append(moved, j.ID)
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, moved, jobs)
	seen := map[string]bool{}
	for _, id := range moved {
		require.False(t, seen[id], "job %s moved twice", id)
		seen[id] = true
	}

	srcLen, err := src.Len(ctx)
	require.NoError(t, err)
	dstLen, err := dst.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, srcLen)
	require.EqualValues(t, jobs, dstLen)
}

func TestQueue_ConcurrentDequeueNeverDuplicates(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q")
	for i := 0; i < 60; i++ {
		require.NoError(t, q.Enqueue(ctx, testJob(fmt.Sprintf("j%02d", i))))
	}

	var (
		mu  sync.Mutex
		got []string
		wg  sync.WaitGroup
	)
	for w := 0; w < 6; w++ {
		wg.Add(1)
		go func(oldest bool) {
			defer wg.Done()
			for {
				var (
					j   *Job
					ok  bool
					err error
				)
				if oldest {
					j, ok, err = q.DequeueOldest(ctx)
				} else {
					j, ok, err = q.Dequeue(ctx)
				}
				if err != nil {
					t.Error(err)
					return
				}
				if !ok {
					return
				}
				mu.Lock()
				got = append(got, j.ID)
				mu.Unlock()
			}
		}(w%2 == 0)
	}
	wg.Wait()

	sort.Strings(got)
	require.Len(t, got, 60)
	for i := 1; i < len(got); i++ {
		require.NotEqual(t, got[i-1], got[i])
	}

	n, err := q.Index().Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestQueue_RequeueAppendsToTail(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	queued := mustNew(t, c, "queued")
	failed := mustNew(t, c, "failed")
	require.NoError(t, failed.Enqueue(ctx, testJob("retry-me")))
	require.NoError(t, queued.Enqueue(ctx, testJob("fresh")))

	j, ok, err := queued.Requeue(ctx, failed)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "retry-me", j.ID)
	require.Equal(t, "requeued from failed into queued", j.Status)

	next, ok, err := queued.DequeueOldest(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "retry-me", next.ID)

	n, err := failed.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
}

func TestQueue_MoveJobByID(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	src := mustNew(t, c, "working")
	dst := mustNew(t, c, "done")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, src.Enqueue(ctx, testJob(id)))
	}

	j, ok, err := src.MoveJob(ctx, dst, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "moved from working into done", j.Status)

	left, err := src.Peek(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "a"}, ids(left))

	_, ok, err = src.MoveJob(ctx, dst, "b")
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueue_GetSet(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q")
	require.NoError(t, q.Enqueue(ctx, testJob("a")))
	require.NoError(t, q.Enqueue(ctx, testJob("b")))

	// In-place correction keeps position and status.
	fix := testJob("a")
	fix.Payload = json.RawMessage(`{"fixed":true}`)
	require.NoError(t, q.Set(ctx, -1, fix))

	got, ok, err := q.Get(ctx, 1)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", got.ID)
	require.Equal(t, "queued into q", got.Status)
	require.JSONEq(t, `{"fixed":true}`, string(got.Payload))

	snap, ok, err := q.Index().Fetch(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"fixed":true}`, string(snap.Payload))

	// Replacing a slot with another job drops the old job's index entry.
	require.NoError(t, q.Set(ctx, 0, testJob("z")))
	_, ok, err = q.Index().Fetch(ctx, "b")
	require.NoError(t, err)
	require.False(t, ok)
	_, ok, err = q.Index().Fetch(ctx, "z")
	require.NoError(t, err)
	require.True(t, ok)

	require.ErrorIs(t, q.Set(ctx, 5, testJob("x")), ErrIndexOutOfRange)
	_, ok, err = q.Get(ctx, 5)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestQueue_SetRejectsIDListedElsewhere(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q")
	other := mustNew(t, c, "other")
	require.NoError(t, q.Enqueue(ctx, testJob("a")))
	require.NoError(t, q.Enqueue(ctx, testJob("b")))
	require.NoError(t, other.Enqueue(ctx, testJob("c")))

	require.ErrorIs(t, q.Set(ctx, 0, testJob("a")), ErrDuplicateJob)
	require.ErrorIs(t, q.Set(ctx, 0, testJob("c")), ErrDuplicateJob)

	jobs, err := q.Peek(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"b", "a"}, ids(jobs))

	// Dequeue still leaves index and list in agreement.
	j, ok, err := q.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "b", j.ID)
	_, ok, err = q.Index().Fetch(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestQueue_RestoreKeepsJobUnchanged(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	src := mustNew(t, c, "src")
	dst := mustNew(t, c, "dst")
	require.NoError(t, src.Enqueue(ctx, testJob("a")))
	_, ok, err := src.MoveTo(ctx, dst)
	require.NoError(t, err)
	require.True(t, ok)

	j, ok, err := dst.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, dst.Restore(ctx, j))

	got, ok, err := dst.Get(ctx, 0)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, j, got)
	require.Equal(t, "moved from src into dst", got.Status)

	snap, ok, err := dst.Index().Fetch(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, got.Status, snap.Status)

	require.ErrorIs(t, dst.Restore(ctx, j), ErrDuplicateJob)
	require.ErrorIs(t, dst.Restore(ctx, nil), ErrInvalidJob)
}

func TestQueue_PeekIsNonDestructive(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, testJob(id)))
	}

	top, err := q.Peek(ctx, 2)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b"}, ids(top))

	all, err := q.Peek(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, []string{"c", "b", "a"}, ids(all))

	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 3, n)
}

func TestQueue_Drain(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, testJob(id)))
	}

	var got []string
	for j, err := range q.Drain(ctx) {
		require.NoError(t, err)
		got = append(got, j.ID)
	}
	require.Equal(t, []string{"c", "b", "a"}, got)

	for range q.Drain(ctx) {
		t.Fatal("drained queue should yield nothing")
	}

	// Each call starts a fresh pass.
	require.NoError(t, q.Enqueue(ctx, testJob("d")))
	got = got[:0]
	for j, err := range q.Drain(ctx) {
		require.NoError(t, err)
		got = append(got, j.ID)
	}
	require.Equal(t, []string{"d"}, got)
}

func TestQueue_Drain_StopsEarly(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q")
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, q.Enqueue(ctx, testJob(id)))
	}
	for j, err := range q.Drain(ctx) {
		require.NoError(t, err)
		require.Equal(t, "c", j.ID)
		break
	}
	n, err := q.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 2, n)
}

func TestQueue_UndecodableJobIsDeadLettered(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	q := mustNew(t, c, "q")
	require.NoError(t, q.Enqueue(ctx, testJob("a")))
	require.NoError(t, c.LPush(ctx, q.key(), "not-json").Err())
	require.NoError(t, q.Enqueue(ctx, testJob("b")))

	var (
		got     []string
		decodes int
	)
	for j, err := range q.Drain(ctx) {
		if err != nil {
			var de *DecodeError
			require.ErrorAs(t, err, &de)
			require.ErrorIs(t, err, ErrDecode)
			require.Equal(t, "not-json", de.Raw)
			decodes++
			continue
		}
		got = append(got, j.ID)
	}
	require.Equal(t, []string{"b", "a"}, got)
	require.Equal(t, 1, decodes)

	dead, err := c.LRange(ctx, q.ks.deadLetter(), 0, -1).Result()
	require.NoError(t, err)
	require.Equal(t, []string{"not-json"}, dead)
}

func TestQueue_MoveTo_DeadLettersUndecodable(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	src := mustNew(t, c, "src")
	dst := mustNew(t, c, "dst")
	require.NoError(t, c.RPush(ctx, src.key(), `{"v":99,"id":"x"}`).Err())

	_, ok, err := src.MoveTo(ctx, dst)
	require.ErrorIs(t, err, ErrDecode)
	require.False(t, ok)

	n, err := dst.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 0, n)
	n, err = c.LLen(ctx, src.ks.deadLetter()).Result()
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestQueue_CrossPrefixMoveRejected(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	a := mustNew(t, c, "a")
	b := mustNew(t, c, "b", WithPrefix("elsewhere"))
	_, _, err := a.MoveTo(ctx, b)
	require.ErrorIs(t, err, ErrUnknownQueue)
	_, _, err = a.MoveTo(ctx, nil)
	require.ErrorIs(t, err, ErrUnknownQueue)
}

func TestQueue_Events(t *testing.T) {
	_, c := newTestRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	src := mustNew(t, c, "src", WithTriggerClient(c))
	dst := mustNew(t, c, "dst", WithTriggerClient(c))

	var (
		mu  sync.Mutex
		evs []EventType
	)
	sub, err := dst.Subscribe(ctx, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		evs = append(evs, e.Type)
	})
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, src.Enqueue(ctx, testJob("a")))
	_, ok, err := src.MoveTo(ctx, dst)
	require.NoError(t, err)
	require.True(t, ok)
	_, ok, err = dst.Dequeue(ctx)
	require.NoError(t, err)
	require.True(t, ok)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		seen := map[EventType]bool{}
		for _, typ := range evs {
			seen[typ] = true
		}
		return seen[EventMoved] && seen[EventDequeued] && !seen[EventEnqueued]
	}, 1500*time.Millisecond, 20*time.Millisecond)
}
