// Package buffer provides a generic overwriting ring buffer used for
// bounded audio queues and sliding statistic windows.
package buffer

import (
	"fmt"
	"io"
	"sync"
)

// Ring is a thread-safe ring buffer. When full, writes overwrite the
// oldest data instead of blocking, so the buffer always holds the most
// recent window of data. Reads block until data is available or the
// buffer is closed.
type Ring[T any] struct {
	mu       sync.Mutex
	notEmpty *sync.Cond

	buf        []T
	head, tail int64
	closeWrite bool
	closeErr   error
}

// RingN creates a Ring holding at most size elements.
func RingN[T any](size int) *Ring[T] {
	r := &Ring[T]{buf: make([]T, size)}
	r.notEmpty = sync.NewCond(&r.mu)
	return r
}

// Len returns the number of buffered elements.
func (r *Ring[T]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return int(r.tail - r.head)
}

// Write appends p to the buffer, overwriting the oldest elements when
// the buffer is full. It never blocks.
func (r *Ring[T]) Write(p []T) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return 0, fmt.Errorf("buffer: write to closed ring: %w", r.closeErr)
	}
	if r.closeWrite {
		return 0, fmt.Errorf("buffer: write to closed ring: %w", io.ErrClosedPipe)
	}

	// Only the trailing window of p can survive anyway.
	if len(p) > len(r.buf) {
		r.head = r.tail
		p = p[len(p)-len(r.buf):]
	}

	size := int64(len(r.buf))
	for _, v := range p {
		r.buf[r.tail%size] = v
		r.tail++
	}
	if r.tail-r.head > size {
		r.head = r.tail - size
	}
	r.notEmpty.Broadcast()
	return len(p), nil
}

// Read copies buffered elements into p, blocking while the buffer is
// empty. It returns io.EOF after CloseWrite once drained.
func (r *Ring[T]) Read(p []T) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for r.head == r.tail {
		if r.closeErr != nil {
			return 0, fmt.Errorf("buffer: read from closed ring: %w", r.closeErr)
		}
		if r.closeWrite {
			return 0, io.EOF
		}
		r.notEmpty.Wait()
	}
	if r.closeErr != nil {
		return 0, fmt.Errorf("buffer: read from closed ring: %w", r.closeErr)
	}

	size := int64(len(r.buf))
	n := 0
	for n < len(p) && r.head < r.tail {
		p[n] = r.buf[r.head%size]
		r.head++
		n++
	}
	return n, nil
}

// TryRead is like Read but returns n=0 immediately when the buffer is
// empty instead of blocking.
func (r *Ring[T]) TryRead(p []T) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr != nil {
		return 0, fmt.Errorf("buffer: read from closed ring: %w", r.closeErr)
	}
	if r.head == r.tail {
		if r.closeWrite {
			return 0, io.EOF
		}
		return 0, nil
	}

	size := int64(len(r.buf))
	n := 0
	for n < len(p) && r.head < r.tail {
		p[n] = r.buf[r.head%size]
		r.head++
		n++
	}
	return n, nil
}

// Discard drops up to n elements from the front of the buffer.
// It returns the number of elements dropped.
func (r *Ring[T]) Discard(n int) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	avail := int(r.tail - r.head)
	if n > avail {
		n = avail
	}
	r.head += int64(n)
	return n
}

// DiscardAll drops all buffered elements and returns how many were dropped.
func (r *Ring[T]) DiscardAll() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := int(r.tail - r.head)
	r.head = r.tail
	return n
}

// Snapshot returns a copy of the buffered elements, oldest first.
func (r *Ring[T]) Snapshot() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	size := int64(len(r.buf))
	out := make([]T, 0, r.tail-r.head)
	for i := r.head; i < r.tail; i++ {
		out = append(out, r.buf[i%size])
	}
	return out
}

// CloseWrite closes the write side. Reads drain the remaining data and
// then return io.EOF.
func (r *Ring[T]) CloseWrite() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.closeWrite {
		r.closeWrite = true
		r.notEmpty.Broadcast()
	}
	return nil
}

// CloseWithError closes the buffer; pending and future operations fail
// with err. Closing twice keeps the first error.
func (r *Ring[T]) CloseWithError(err error) error {
	if err == nil {
		err = io.ErrClosedPipe
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closeErr == nil {
		r.closeErr = err
		r.closeWrite = true
		r.notEmpty.Broadcast()
	}
	return nil
}

// Close closes the buffer. Equivalent to CloseWithError(io.ErrClosedPipe).
func (r *Ring[T]) Close() error {
	return r.CloseWithError(io.ErrClosedPipe)
}
