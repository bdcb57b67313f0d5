//go:build unit

package buffer

import (
	"math/rand"
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAlloc(t *testing.T, a *Arena, n int) Handle {
	t.Helper()
	h, err := a.Alloc(n)
	require.NoError(t, err)
	return h
}

func TestArenaAllocRoundsToCacheLine(t *testing.T) {
	a := NewArena(nil)
	h := mustAlloc(t, a, 100)
	b := a.Buf(h)

	assert.Equal(t, 100, b.Len())
	assert.Equal(t, 128, b.Cap())
	assert.Zero(t, uintptr(unsafe.Pointer(&b.Block()[0]))%CacheLine)
	assert.Equal(t, h, b.Handle())
	assert.Equal(t, OwnerNone, b.Owner())

	_, err := a.Alloc(0)
	assert.Error(t, err)
}

func TestArenaFreeRecyclesHandles(t *testing.T) {
	a := NewArena(nil)
	h1 := mustAlloc(t, a, 64)
	h2 := mustAlloc(t, a, 64)
	assert.Equal(t, 2, a.Live())

	require.NoError(t, a.Free(h1))
	assert.Equal(t, 1, a.Live())
	assert.Panics(t, func() { a.Buf(h1) })

	h3 := mustAlloc(t, a, 64)
	assert.Equal(t, h1, h3)
	assert.NotEqual(t, h2, h3)
	assert.ErrorIs(t, a.Free(Nil), ErrNilHandle)
}

func TestBufWindow(t *testing.T) {
	a := NewArena(nil)
	b := a.Buf(mustAlloc(t, a, 64))
	copy(b.Block(), "0123456789")

	require.NoError(t, b.SetWindow(2, 5))
	assert.Equal(t, "23456", string(b.Bytes()))
	b.Advance(3)
	assert.Equal(t, "56", string(b.Bytes()))
	b.Advance(10)
	assert.Equal(t, 0, b.Len())

	assert.ErrorIs(t, b.SetWindow(60, 10), ErrTooLarge)

	b.Tag = 7
	b.Reset()
	assert.Equal(t, 64, b.Len())
	assert.Zero(t, b.Tag)
}

func sum(a *Arena, hs []Handle) int {
	n := 0
	for _, h := range hs {
		n += a.Buf(h).Len()
	}
	return n
}

func TestListCountersFollowContents(t *testing.T) {
	a := NewArena(nil)
	l := NewList(a)
	rng := rand.New(rand.NewSource(1))

	var model []Handle
	for i := 0; i < 500; i++ {
		if rng.Intn(3) > 0 {
			h := mustAlloc(t, a, 1+rng.Intn(300))
			require.NoError(t, l.Put(h))
			model = append(model, h)
		} else {
			h := l.Get()
			if len(model) == 0 {
				assert.Equal(t, Nil, h)
				continue
			}
			assert.Equal(t, model[0], h)
			assert.Equal(t, OwnerNone, a.Buf(h).Owner())
			model = model[1:]
		}

		bytes, count := l.Info()
		assert.Equal(t, len(model), count)
		assert.Equal(t, sum(a, model), bytes)
	}
}

func TestListEmpty(t *testing.T) {
	a := NewArena(nil)
	l := NewList(a)

	assert.Equal(t, Nil, l.Get())
	assert.True(t, l.Empty())
	assert.ErrorIs(t, l.Put(Nil), ErrNilHandle)

	h := mustAlloc(t, a, 10)
	require.NoError(t, l.Put(h))
	assert.False(t, l.Empty())
	assert.Equal(t, h, l.Get())

	// empty again: head and tail both reset
	assert.Equal(t, Nil, l.head)
	assert.Equal(t, Nil, l.tail)
}

func TestListPutChainKeepsOrder(t *testing.T) {
	a := NewArena(nil)
	l := NewList(a)

	first := mustAlloc(t, a, 1)
	require.NoError(t, l.Put(first))

	hs := []Handle{mustAlloc(t, a, 10), mustAlloc(t, a, 20), mustAlloc(t, a, 30)}
	require.NoError(t, l.Put(a.Chain(hs...)))

	bytes, count := l.Info()
	assert.Equal(t, 61, bytes)
	assert.Equal(t, 4, count)

	got := []Handle{l.Get(), l.Get(), l.Get(), l.Get(), l.Get()}
	assert.Equal(t, []Handle{first, hs[0], hs[1], hs[2], Nil}, got)
}

func TestListRejectsSecondOwner(t *testing.T) {
	a := NewArena(nil)
	l1, l2 := NewList(a), NewList(a)

	h := mustAlloc(t, a, 8)
	require.NoError(t, l1.Put(h))
	assert.ErrorIs(t, l2.Put(h), ErrOwned)
	assert.ErrorIs(t, l1.Put(h), ErrOwned)
	assert.ErrorIs(t, a.Free(h), ErrOwned)

	_, n := l2.Info()
	assert.Zero(t, n)

	// a chain with one owned node is rejected as a whole
	free := mustAlloc(t, a, 8)
	a.Link(free, h)
	assert.ErrorIs(t, l2.Put(free), ErrOwned)
	assert.Equal(t, OwnerNone, a.Buf(free).Owner())
	assert.True(t, l2.Empty())
}

func TestListPushFront(t *testing.T) {
	a := NewArena(nil)
	l := NewList(a)
	h1, h2 := mustAlloc(t, a, 4), mustAlloc(t, a, 4)

	require.NoError(t, l.PushFront(h1))
	require.NoError(t, l.Put(h2))
	h0 := mustAlloc(t, a, 4)
	require.NoError(t, l.PushFront(h0))

	assert.Equal(t, h0, l.Get())
	assert.Equal(t, h1, l.Get())
	assert.Equal(t, h2, l.Get())
	assert.Equal(t, Nil, l.Get())
}

func TestListCleanupFrees(t *testing.T) {
	a := NewArena(nil)
	l := NewList(a)
	for i := 0; i < 5; i++ {
		require.NoError(t, l.Put(mustAlloc(t, a, 16)))
	}
	l.Cleanup()
	assert.Zero(t, a.Live())
	bytes, n := l.Info()
	assert.Zero(t, bytes)
	assert.Zero(t, n)
}

func TestListConcurrentProducersConsumers(t *testing.T) {
	a := NewArena(nil)
	l := NewList(a)
	const per = 200

	var wg sync.WaitGroup
	for p := 0; p < 4; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < per; i++ {
				h, err := a.Alloc(32)
				if err == nil {
					l.Put(h)
				}
			}
		}()
	}

	got := make(chan int, 4)
	for c := 0; c < 4; c++ {
		go func() {
			n := 0
			for i := 0; i < per*4; i++ {
				if h := l.Get(); h != Nil {
					n++
				}
			}
			got <- n
		}()
	}
	wg.Wait()

	taken := 0
	for c := 0; c < 4; c++ {
		taken += <-got
	}
	_, left := l.Info()
	assert.Equal(t, 4*per, taken+left)
}

func TestPool(t *testing.T) {
	a := NewArena(nil)
	p, err := NewPool(a, 1000, 256)
	require.NoError(t, err)

	assert.Equal(t, 3, p.Size())
	assert.Equal(t, 3, p.Available())
	assert.Equal(t, 256, p.Fragment())

	h := p.Alloc()
	require.NotEqual(t, Nil, h)
	b := a.Buf(h)
	assert.Equal(t, 256, b.Len())
	b.Tag = 9
	b.SetWindow(10, 5)

	p.Alloc()
	p.Alloc()
	assert.Equal(t, Nil, p.Alloc())
	assert.Zero(t, p.Available())

	require.NoError(t, p.Free(h))
	h = p.Alloc()
	b = a.Buf(h)
	assert.Equal(t, 256, b.Len())
	assert.Zero(t, b.Tag)

	_, err = NewPool(a, 100, 256)
	assert.Error(t, err)
	_, err = NewPool(a, 100, 0)
	assert.Error(t, err)
}

func TestPoolFreeRejectsQueuedBuffer(t *testing.T) {
	a := NewArena(nil)
	p, err := NewPool(a, 512, 256)
	require.NoError(t, err)
	q := NewList(a)

	h := p.Alloc()
	require.NoError(t, q.Put(h))
	assert.ErrorIs(t, p.Free(h), ErrOwned)
	assert.Equal(t, 1, p.Available())
}
