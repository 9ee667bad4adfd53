// Package ringbuf provides a fixed-capacity byte queue with timed push and
// pop, used to decouple transfer completions from application reads and
// writes.
package ringbuf

import (
	"sync"
	"time"

	"github.com/efficientgo/core/errors"

	"github.com/ardnew/cdcnet/pkg"
)

// Forever may be passed as a timeout to wait without a deadline.
const Forever time.Duration = -1

// Buffer is a byte ring of fixed capacity. It is safe for concurrent use.
//
// Push is all-or-nothing: data is either queued in full or not at all.
// Pop returns whatever is available up to the caller's length.
type Buffer struct {
	mu      sync.Mutex
	data    []byte
	head    int // index of the oldest byte
	size    int // number of queued bytes
	closed  bool
	changed chan struct{}
}

// New creates a ring buffer holding at most capacity bytes.
func New(capacity int) (*Buffer, error) {
	if capacity <= 0 {
		return nil, errors.Wrapf(pkg.ErrInvalidSize, "ring capacity %d", capacity)
	}
	return &Buffer{
		data:    make([]byte, capacity),
		changed: make(chan struct{}),
	}, nil
}

// Cap returns the fixed capacity.
func (b *Buffer) Cap() int { return len(b.data) }

// Len returns the number of queued bytes.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Free returns the number of bytes that can be pushed without waiting.
func (b *Buffer) Free() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.data) - b.size
}

// Push queues all of data, waiting up to timeout for room. A zero timeout
// never blocks. Data longer than the capacity fails with pkg.ErrInvalidSize
// and a buffer that stays too full fails with pkg.ErrBufferFull. A closed
// buffer fails with pkg.ErrInvalidState.
func (b *Buffer) Push(data []byte, timeout time.Duration) error {
	if len(data) > len(b.data) {
		return errors.Wrapf(pkg.ErrInvalidSize, "push %d bytes into ring of %d", len(data), len(b.data))
	}
	if len(data) == 0 {
		return nil
	}
	err := b.wait(timeout, func() bool {
		if len(b.data)-b.size < len(data) {
			return false
		}
		b.write(data)
		return true
	})
	if err == pkg.ErrInvalidState {
		return err
	}
	if err != nil {
		return pkg.ErrBufferFull
	}
	return nil
}

// Pop copies up to len(p) queued bytes into p, waiting up to timeout for at
// least one byte. It returns pkg.ErrFail when nothing became available and
// pkg.ErrInvalidState once the buffer is closed.
func (b *Buffer) Pop(p []byte, timeout time.Duration) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	var n int
	err := b.wait(timeout, func() bool {
		if b.size == 0 {
			return false
		}
		n = b.read(p)
		return true
	})
	if err == pkg.ErrInvalidState {
		return 0, err
	}
	if err != nil {
		return 0, pkg.ErrFail
	}
	return n, nil
}

// PopFull copies exactly len(p) bytes into p, waiting up to timeout for
// that many to be queued. Nothing is consumed on failure.
func (b *Buffer) PopFull(p []byte, timeout time.Duration) error {
	if len(p) > len(b.data) {
		return errors.Wrapf(pkg.ErrInvalidSize, "pop %d bytes from ring of %d", len(p), len(b.data))
	}
	err := b.wait(timeout, func() bool {
		if b.size < len(p) {
			return false
		}
		b.read(p)
		return true
	})
	if err == pkg.ErrInvalidState {
		return err
	}
	if err != nil {
		return pkg.ErrFail
	}
	return nil
}

// Peek copies up to len(p) queued bytes into p without consuming them.
func (b *Buffer) Peek(p []byte) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.copyOut(p)
}

// Reset discards all queued bytes.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.head, b.size = 0, 0
	b.broadcast()
}

// Close discards queued bytes and wakes every waiter. Pushes and pops on a
// closed buffer fail with pkg.ErrInvalidState.
func (b *Buffer) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	b.head, b.size = 0, 0
	b.broadcast()
}

// wait runs try under the lock until it reports success, the timeout
// expires or the buffer is closed.
func (b *Buffer) wait(timeout time.Duration, try func() bool) error {
	var deadline <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		deadline = t.C
	}
	for {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return pkg.ErrInvalidState
		}
		if try() {
			b.broadcast()
			b.mu.Unlock()
			return nil
		}
		changed := b.changed
		b.mu.Unlock()

		if timeout == 0 {
			return pkg.ErrTimeout
		}
		select {
		case <-changed:
		case <-deadline:
			return pkg.ErrTimeout
		}
	}
}

// broadcast wakes every waiter. Callers hold mu.
func (b *Buffer) broadcast() {
	close(b.changed)
	b.changed = make(chan struct{})
}

func (b *Buffer) write(p []byte) {
	tail := (b.head + b.size) % len(b.data)
	n := copy(b.data[tail:], p)
	copy(b.data, p[n:])
	b.size += len(p)
}

func (b *Buffer) read(p []byte) int {
	n := b.copyOut(p)
	b.head = (b.head + n) % len(b.data)
	b.size -= n
	if b.size == 0 {
		b.head = 0
	}
	return n
}

func (b *Buffer) copyOut(p []byte) int {
	n := min(len(p), b.size)
	first := min(n, len(b.data)-b.head)
	copy(p, b.data[b.head:b.head+first])
	copy(p[first:n], b.data[:n-first])
	return n
}
