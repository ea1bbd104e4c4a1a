package archive

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestArchive(t *testing.T) *Archive {
	t.Helper()
	a, err := Open(filepath.Join(t.TempDir(), "actions.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	return a
}

func TestRecordAndRecent(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	a.Record(ctx, KindComment, "post-1", "crab", "good point")
	a.Record(ctx, KindUpvote, "post-1", "crab", "")
	a.Record(ctx, KindFollow, "crab", "crab", "")

	recent, err := a.Recent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 3)
	assert.Equal(t, KindFollow, recent[0].Kind, "newest first")
	assert.Equal(t, KindComment, recent[2].Kind)
	assert.Equal(t, "good point", recent[2].Content)
	assert.False(t, recent[0].CreatedAt.IsZero())
}

func TestRecentHonorsLimit(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		a.Record(ctx, KindUpvote, "p", "", "")
	}
	recent, err := a.Recent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestCountsByKind(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	a.Record(ctx, KindComment, "p1", "a", "x")
	a.Record(ctx, KindComment, "p2", "b", "y")
	a.Record(ctx, KindPost, "p3", "", "z")

	counts, err := a.CountsByKind(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), counts[KindComment])
	assert.Equal(t, int64(1), counts[KindPost])
	assert.Zero(t, counts[KindFollow])
}

func TestCountSince(t *testing.T) {
	a := newTestArchive(t)
	ctx := context.Background()

	a.Record(ctx, KindReply, "c1", "a", "x")

	n, err := a.CountSince(ctx, KindReply, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	n, err = a.CountSince(ctx, KindReply, time.Now().Add(time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "actions.db")

	a1, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	a1.Record(context.Background(), KindPost, "p1", "", "hello")
	require.NoError(t, a1.Close())

	a2, err := Open(path, zap.NewNop())
	require.NoError(t, err)
	defer a2.Close()

	recent, err := a2.Recent(context.Background(), 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "hello", recent[0].Content)
}
