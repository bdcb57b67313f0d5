package buffer

import "sync"

// List is a locked FIFO of buffers linked through their next field. The
// byte and buffer counters always equal the sums over the queued nodes.
type List struct {
	a     *Arena
	owner Owner

	mu    sync.Mutex
	head  Handle
	tail  Handle
	bytes int
	count int
}

// NewList creates an empty list over a
func NewList(a *Arena) *List {
	return &List{a: a, owner: NewOwner()}
}

// Put appends h, or the chain starting at h, to the tail. Every node of
// the chain must be held by the caller; on failure nothing is queued.
func (l *List) Put(h Handle) error {
	if h == Nil {
		return ErrNilHandle
	}

	var (
		last  Handle
		bytes int
		count int
	)
	for n := h; n != Nil; n = l.a.Next(n) {
		if err := l.a.Claim(n, l.owner); err != nil {
			for m := h; m != n; m = l.a.Next(m) {
				l.a.Unclaim(m, l.owner)
			}
			return err
		}
		last = n
		bytes += l.a.Buf(n).Len()
		count++
	}

	l.mu.Lock()
	if l.tail == Nil {
		l.head = h
	} else {
		l.a.Link(l.tail, h)
	}
	l.tail = last
	l.bytes += bytes
	l.count += count
	l.mu.Unlock()
	return nil
}

// PushFront puts a single buffer back at the head of the list
func (l *List) PushFront(h Handle) error {
	if err := l.a.Claim(h, l.owner); err != nil {
		return err
	}
	b := l.a.Buf(h)

	l.mu.Lock()
	b.next = l.head
	l.head = h
	if l.tail == Nil {
		l.tail = h
	}
	l.bytes += b.Len()
	l.count++
	l.mu.Unlock()
	return nil
}

// Get pops the head, or returns Nil when the list is empty
func (l *List) Get() Handle {
	l.mu.Lock()
	h := l.head
	if h == Nil {
		l.mu.Unlock()
		return Nil
	}
	b := l.a.Buf(h)
	l.head = b.next
	if l.head == Nil {
		l.tail = Nil
	}
	l.bytes -= b.Len()
	l.count--
	b.next = Nil
	l.mu.Unlock()

	l.a.Unclaim(h, l.owner)
	return h
}

// Info returns a consistent snapshot of the counters
func (l *List) Info() (bytes, buffers int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.bytes, l.count
}

// Empty reports whether the list holds no buffers
func (l *List) Empty() bool {
	_, n := l.Info()
	return n == 0
}

// Cleanup drains the list and frees every buffer
func (l *List) Cleanup() {
	for h := l.Get(); h != Nil; h = l.Get() {
		l.a.Free(h)
	}
}

// Chain links handles in order and returns the first, for Put
func (a *Arena) Chain(hs ...Handle) Handle {
	if len(hs) == 0 {
		return Nil
	}
	for i := 0; i < len(hs)-1; i++ {
		a.Link(hs[i], hs[i+1])
	}
	a.Link(hs[len(hs)-1], Nil)
	return hs[0]
}
