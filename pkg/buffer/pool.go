package buffer

import "fmt"

// Pool is a fixed set of fragment-sized buffers allocated up front, so
// ring refill never touches the general allocator.
type Pool struct {
	a        *Arena
	free     *List
	fragment int
	total    int
}

// NewPool allocates poolBytes/fragment buffers of fragment bytes each
func NewPool(a *Arena, poolBytes, fragment int) (*Pool, error) {
	if fragment <= 0 {
		return nil, fmt.Errorf("fragment size must be positive, got %d", fragment)
	}
	count := poolBytes / fragment
	if count == 0 {
		return nil, fmt.Errorf("pool of %d bytes cannot hold a %d byte fragment", poolBytes, fragment)
	}

	p := &Pool{
		a:        a,
		free:     NewList(a),
		fragment: fragment,
		total:    count,
	}
	for i := 0; i < count; i++ {
		h, err := a.Alloc(fragment)
		if err != nil {
			p.Cleanup()
			return nil, fmt.Errorf("failed to allocate buffer %d: %w", i, err)
		}
		if err := p.free.Put(h); err != nil {
			a.Free(h)
			p.Cleanup()
			return nil, err
		}
	}
	return p, nil
}

// Alloc takes a buffer with its window reset to the full fragment and a
// zero tag. It returns Nil when the pool is exhausted.
func (p *Pool) Alloc() Handle {
	h := p.free.Get()
	if h == Nil {
		return Nil
	}
	b := p.a.Buf(h)
	b.Reset()
	b.n = p.fragment
	return h
}

// Free returns a buffer to the pool
func (p *Pool) Free(h Handle) error {
	if h == Nil {
		return ErrNilHandle
	}
	b := p.a.Buf(h)
	if b.Owner() != OwnerNone {
		return ErrOwned
	}
	b.Reset()
	b.n = p.fragment
	return p.free.Put(h)
}

// Available returns the number of buffers in the pool
func (p *Pool) Available() int {
	_, n := p.free.Info()
	return n
}

// Size returns the number of buffers the pool was created with
func (p *Pool) Size() int {
	return p.total
}

// Fragment returns the buffer size
func (p *Pool) Fragment() int {
	return p.fragment
}

// Info returns the free list counters
func (p *Pool) Info() (bytes, buffers int) {
	return p.free.Info()
}

// Cleanup frees every buffer currently in the pool
func (p *Pool) Cleanup() {
	p.free.Cleanup()
}
