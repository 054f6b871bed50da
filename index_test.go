package redstage

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestJobIndex_SetFetchRemove(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	x := NewJobIndex(c, WithPrefix("ix"))

	_, ok, err := x.Fetch(ctx, "missing")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, x.Set(ctx, &Job{ID: "b", Status: "first"}))
	require.NoError(t, x.Set(ctx, &Job{ID: "a", Status: "other"}))
	require.NoError(t, x.Set(ctx, &Job{ID: "b", Status: "second"}))

	got, ok, err := x.Fetch(ctx, "b")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "second", got.Status)

	keys, err := x.Keys(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)

	require.NoError(t, x.Remove(ctx, "b"))
	require.NoError(t, x.Remove(ctx, "b"))
	n, err := x.Len(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, n)
}

func TestJobIndex_CorruptEntry(t *testing.T) {
	_, c := newTestRedis(t)
	ctx := context.Background()

	x := NewJobIndex(c)
	require.NoError(t, c.HSet(ctx, x.key, "bad", "{").Err())

	_, _, err := x.Fetch(ctx, "bad")
	var de *DecodeError
	require.ErrorAs(t, err, &de)
	require.Equal(t, "index", de.Queue)

	require.ErrorIs(t, x.Set(ctx, &Job{}), ErrInvalidJob)
}
