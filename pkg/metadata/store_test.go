package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	s, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PrepareObjectIsMonotone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	prev, err := s.PrepareObject(ctx)
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		next, err := s.PrepareObject(ctx)
		require.NoError(t, err)
		require.Greater(t, next, prev)
		prev = next
	}
}

func TestStore_PrepareObjectSurvivesReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "metadata.db")
	ctx := context.Background()

	s, err := Open(dbPath)
	require.NoError(t, err)
	first, err := s.PrepareObject(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s2, err := Open(dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s2.Close() })
	second, err := s2.PrepareObject(ctx)
	require.NoError(t, err)
	require.Greater(t, second, first)
}

func TestStore_CloseStreamThenOpeningStreamsRoundTrips(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	opening, err := s.OpeningStreams(ctx)
	require.NoError(t, err)
	require.Empty(t, opening)

	require.NoError(t, s.CloseStream(ctx, 7, 0, 120))
	require.NoError(t, s.CloseStream(ctx, 9, 0, 45))

	opening, err = s.OpeningStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, map[uint64]uint64{7: 120, 9: 45}, opening)
}

func TestStore_CloseStreamOverwritesPriorEndOffset(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CloseStream(ctx, 1, 0, 10))
	require.NoError(t, s.CloseStream(ctx, 1, 0, 30))

	opening, err := s.OpeningStreams(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(30), opening[1])
}

func TestStore_CommitObjectDoesNotError(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.PrepareObject(ctx)
	require.NoError(t, err)
	require.NoError(t, s.CommitObject(ctx, id, nil))
}
