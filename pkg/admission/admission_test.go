package admission

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestController_TryAcquirePermit(t *testing.T) {
	size := uint64(0)
	c := New(Config{CapacityBytes: 10, Size: func() uint64 { return size }})

	require.True(t, c.TryAcquirePermit())
	size = 10
	require.False(t, c.TryAcquirePermit())
}

func TestController_DrainStopsAtFirstStillBackingOff(t *testing.T) {
	c := New(Config{CapacityBytes: 100, Size: func() uint64 { return 0 }})

	var order []int
	noop := func() {}
	c.Enqueue(func() bool { order = append(order, 1); return true }, noop)
	c.Enqueue(func() bool { order = append(order, 2); return false }, noop)
	c.Enqueue(func() bool { order = append(order, 3); return true }, noop)

	c.Drain()
	require.Equal(t, []int{1, 2}, order, "drain stops at the first still-backing-off request")
	require.Equal(t, 2, c.BackoffDepth())

	c.Drain()
	require.Equal(t, []int{1, 2, 2}, order)
}

func TestController_IsBackoffPending(t *testing.T) {
	c := New(Config{CapacityBytes: 100, Size: func() uint64 { return 0 }})
	require.False(t, c.IsBackoffPending())

	c.Enqueue(func() bool { return false }, func() {})
	require.True(t, c.IsBackoffPending())
}

func TestController_Reject(t *testing.T) {
	c := New(Config{CapacityBytes: 100, Size: func() uint64 { return 0 }})
	rejected := 0
	c.Enqueue(func() bool { return false }, func() { rejected++ })
	c.Enqueue(func() bool { return false }, func() { rejected++ })

	c.Reject()

	require.Equal(t, 2, rejected)
	require.Equal(t, 0, c.BackoffDepth())
}
