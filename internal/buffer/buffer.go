// Package buffer provides a growable byte buffer with separate read and write
// cursors.
//
// Unread bytes live in backing[start:end]. Writes append at end and grow the
// backing storage when needed; reads advance start. Growth compacts unread
// bytes to offset zero, so it never loses data.
package buffer

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrInsufficientData  = errors.New("buffer: insufficient data")
	ErrShrinkBelowLength = errors.New("buffer: capacity below unread length")
	ErrCommitTooLarge    = errors.New("buffer: commit exceeds reserved space")
	ErrNegativeCount     = errors.New("buffer: negative count")
)

// Buffer is a resizable byte container. The zero value is an empty buffer
// ready to use.
type Buffer struct {
	backing []byte
	start   int
	end     int
}

// New returns an empty buffer with the given capacity.
func New(capacity int) *Buffer {
	if capacity < 0 {
		capacity = 0
	}
	return &Buffer{backing: make([]byte, capacity)}
}

// FromBytes returns a buffer holding a copy of b.
func FromBytes(b []byte) *Buffer {
	backing := make([]byte, len(b))
	copy(backing, b)
	return &Buffer{backing: backing, end: len(b)}
}

// Bytes returns the unread region. The slice aliases the buffer and is only
// valid until the next mutating call.
func (b *Buffer) Bytes() []byte {
	return b.backing[b.start:b.end]
}

// Len returns the number of unread bytes.
func (b *Buffer) Len() int {
	return b.end - b.start
}

// Cap returns the capacity measured from the read cursor.
func (b *Buffer) Cap() int {
	return len(b.backing) - b.start
}

func (b *Buffer) writable() int {
	return len(b.backing) - b.end
}

// Write appends p, growing the buffer when p does not fit. It always writes
// all of p.
func (b *Buffer) Write(p []byte) (int, error) {
	if len(p) > b.writable() {
		b.grow(len(p))
	}
	n := copy(b.backing[b.end:], p)
	b.end += n
	return n, nil
}

// Reserve guarantees n contiguous writable bytes after the write cursor and
// returns them. The write cursor does not move until Commit.
func (b *Buffer) Reserve(n int) []byte {
	if n < 0 {
		n = 0
	}
	if n > b.writable() {
		b.grow(n)
	}
	return b.backing[b.end : b.end+n]
}

// Commit advances the write cursor over n bytes filled through Reserve.
func (b *Buffer) Commit(n int) error {
	if n < 0 {
		return ErrNegativeCount
	}
	if n > b.writable() {
		return fmt.Errorf("%w: commit=%d room=%d", ErrCommitTooLarge, n, b.writable())
	}
	b.end += n
	return nil
}

// ReadBytes copies exactly len(p) unread bytes into p and advances the read
// cursor. It reads nothing when fewer bytes are available.
func (b *Buffer) ReadBytes(p []byte) error {
	if len(p) > b.Len() {
		return fmt.Errorf("%w: want=%d have=%d", ErrInsufficientData, len(p), b.Len())
	}
	b.start += copy(p, b.backing[b.start:b.end])
	b.rewind()
	return nil
}

// Read implements io.Reader over the unread region.
func (b *Buffer) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if b.Len() == 0 {
		return 0, io.EOF
	}
	n := copy(p, b.backing[b.start:b.end])
	b.start += n
	b.rewind()
	return n, nil
}

// Consume discards n unread bytes.
func (b *Buffer) Consume(n int) error {
	if n < 0 {
		return ErrNegativeCount
	}
	if n > b.Len() {
		return fmt.Errorf("%w: consume=%d have=%d", ErrInsufficientData, n, b.Len())
	}
	b.start += n
	b.rewind()
	return nil
}

// Resize sets the total capacity, moving unread bytes to offset zero.
func (b *Buffer) Resize(capacity int) error {
	if capacity < b.Len() {
		return fmt.Errorf("%w: capacity=%d length=%d", ErrShrinkBelowLength, capacity, b.Len())
	}
	backing := make([]byte, capacity)
	n := copy(backing, b.backing[b.start:b.end])
	b.backing = backing
	b.start = 0
	b.end = n
	return nil
}

// Reset empties the buffer without releasing its storage.
func (b *Buffer) Reset() {
	b.start = 0
	b.end = 0
}

// Take returns a copy of the unread region and empties the buffer.
func (b *Buffer) Take() []byte {
	out := make([]byte, b.Len())
	copy(out, b.backing[b.start:b.end])
	b.Reset()
	return out
}

// rewind moves both cursors back to zero once everything has been read, so
// steady-state traffic reuses the front of the backing slice.
func (b *Buffer) rewind() {
	if b.start == b.end {
		b.start = 0
		b.end = 0
	}
}

func (b *Buffer) grow(n int) {
	need := b.Len() + n
	capacity := 2 * len(b.backing)
	if capacity < need {
		capacity = need
	}
	if capacity < 64 {
		capacity = 64
	}
	// Resize cannot fail here: capacity >= Len().
	_ = b.Resize(capacity)
}
