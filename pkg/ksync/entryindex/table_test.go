package entryindex

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_PanicsOnNonPositiveCapacity(t *testing.T) {
	require.Panics(t, func() { New(0) })
	require.Panics(t, func() { New(-1) })
}

func TestAlloc_ReturnsLowestFreeIndexInOrder(t *testing.T) {
	tb := New(4)
	require.Equal(t, 0, tb.Alloc())
	require.Equal(t, 1, tb.Alloc())
	require.Equal(t, 2, tb.Alloc())
	require.Equal(t, 3, tb.Used())
}

func TestFree_MakesIndexAvailableAgain(t *testing.T) {
	tb := New(2)
	a := tb.Alloc()
	_ = tb.Alloc()
	tb.Free(a)
	require.Equal(t, 1, tb.Used())
	require.Equal(t, a, tb.Alloc(), "freed lowest index should be reused first")
}

func TestAlloc_PanicsWhenExhausted(t *testing.T) {
	tb := New(1)
	tb.Alloc()
	require.Panics(t, func() { tb.Alloc() })
}

func TestFree_PanicsOnDoubleFree(t *testing.T) {
	tb := New(2)
	i := tb.Alloc()
	tb.Free(i)
	require.Panics(t, func() { tb.Free(i) })
}

func TestFree_PanicsOnOutOfRangeIndex(t *testing.T) {
	tb := New(2)
	require.Panics(t, func() { tb.Free(-1) })
	require.Panics(t, func() { tb.Free(2) })
}

func TestAlloc_SpansMultipleWords(t *testing.T) {
	tb := New(130) // forces 3 uint64 words
	for i := 0; i < 130; i++ {
		require.Equal(t, i, tb.Alloc())
	}
	require.Equal(t, 130, tb.Used())
	require.Panics(t, func() { tb.Alloc() })
}

func TestCapacity_ReportsConstructedSize(t *testing.T) {
	tb := New(77)
	require.Equal(t, 77, tb.Capacity())
}
