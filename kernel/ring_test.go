package kernel

import (
	"runtime"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRingPopEmpty(t *testing.T) {
	r := NewRing[int](4)

	assert.True(t, r.IsEmpty())
	assert.Zero(t, r.Pop())
	_, ok := r.TryPop()
	assert.False(t, ok)
}

func TestRingDropsWhenFull(t *testing.T) {
	for n := 1; n <= 9; n++ {
		r := NewRing[int](n)
		for i := 0; i <= n; i++ {
			require.Equal(t, i < n, r.Push(i+1), "n=%d: Push(%d)", n, i+1)
			require.False(t, r.IsEmpty(), "n=%d: after push %d", n, i+1)
		}
		require.Equal(t, n, r.Len(), "n=%d", n)

		for i := 0; i < n; i++ {
			require.False(t, r.IsEmpty(), "n=%d: %d items left", n, n-i)
			require.Equal(t, i+1, r.Pop(), "n=%d", n)
		}
		require.True(t, r.IsEmpty(), "n=%d: after draining", n)
	}
}

func TestRingWrapsAround(t *testing.T) {
	r := NewRing[string](3)
	for round := 0; round < 10; round++ {
		for _, s := range []string{"a", "b"} {
			require.True(t, r.Push(s), "round %d: Push(%q)", round, s)
		}
		for _, want := range []string{"a", "b"} {
			require.Equal(t, want, r.Pop(), "round %d", round)
		}
	}
	assert.Equal(t, 3, r.Cap())
}

func TestRingSingleProducerSingleConsumer(t *testing.T) {
	oldProcs := runtime.GOMAXPROCS(2)
	defer runtime.GOMAXPROCS(oldProcs)

	const total = 100_000
	r := NewRing[uint32](64)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := uint32(1); i <= total; {
			if r.Push(i) {
				i++
				continue
			}
			runtime.Gosched()
		}
	}()

	want := uint32(1)
	for want <= total {
		v, ok := r.TryPop()
		if !ok {
			runtime.Gosched()
			continue
		}
		require.Equal(t, want, v)
		want++
	}
	wg.Wait()
}
