package sequencer

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSequencer_InOrderCompletion(t *testing.T) {
	s := New()

	r1 := &Request{StreamID: 7, BaseOffset: 0, LastOffset: 5, RecordOffset: 0}
	r2 := &Request{StreamID: 7, BaseOffset: 5, LastOffset: 10, RecordOffset: 1}

	s.Before(r1)
	s.Before(r2)

	drained := s.After(r1)
	require.Equal(t, []*Request{r1}, drained)

	drained = s.After(r2)
	require.Equal(t, []*Request{r2}, drained)
}

func TestSequencer_OutOfOrderCompletion(t *testing.T) {
	// S2: append (7,0,5) then (7,5,5); WAL completes the second first.
	// Neither should drain until the first completes.
	s := New()

	r1 := &Request{StreamID: 7, BaseOffset: 0, LastOffset: 5, RecordOffset: 0}
	r2 := &Request{StreamID: 7, BaseOffset: 5, LastOffset: 10, RecordOffset: 1}

	s.Before(r1)
	s.Before(r2)

	drained := s.After(r2)
	require.Empty(t, drained, "r2 completes first but is not at the head, so nothing should drain")

	drained = s.After(r1)
	require.Equal(t, []*Request{r1, r2}, drained, "completing r1 should flush both in order")
}

func TestSequencer_DifferentStreamsIndependent(t *testing.T) {
	s := New()

	a := &Request{StreamID: 1, BaseOffset: 0, LastOffset: 1}
	b := &Request{StreamID: 2, BaseOffset: 0, LastOffset: 1}

	s.Before(a)
	s.Before(b)

	require.Equal(t, []*Request{b}, s.After(b))
	require.Equal(t, []*Request{a}, s.After(a))
}

func TestSequencer_TryFreeOnlyRemovesEmptyQueue(t *testing.T) {
	s := New()

	r := &Request{StreamID: 3, BaseOffset: 0, LastOffset: 1}
	s.Before(r)

	s.TryFree(3)
	require.Contains(t, s.queues, uint64(3), "queue is non-empty, TryFree must not remove it")

	s.After(r)
	s.TryFree(3)
	require.NotContains(t, s.queues, uint64(3))
}

func TestSequencer_ThreeRecordsDrainOnceHeadCompletes(t *testing.T) {
	// S1-adjacent: three records for one stream; the tail two complete
	// out of order before the head, but nothing drains until the head
	// completes, at which point the full contiguous run flushes.
	s := New()
	r1 := &Request{StreamID: 7, BaseOffset: 0, LastOffset: 5}
	r2 := &Request{StreamID: 7, BaseOffset: 5, LastOffset: 10}
	r3 := &Request{StreamID: 7, BaseOffset: 10, LastOffset: 15}

	s.Before(r1)
	s.Before(r2)
	s.Before(r3)

	require.Empty(t, s.After(r3))
	require.Empty(t, s.After(r2))

	require.Equal(t, []*Request{r1, r2, r3}, s.After(r1))
}
