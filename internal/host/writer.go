package host

import (
	"errors"
	"net"
	"sync/atomic"
	"time"
)

const (
	writeTimeout = 5 * time.Second
	// maxQueuedBytes caps ciphertext waiting for one slow peer.
	maxQueuedBytes = 4 << 20
	writeQueueLen  = 256
)

var ErrWriteQueueFull = errors.New("write queue full")

// writer owns the socket write side of one peer so the host loop never
// blocks on a slow reader.
type writer struct {
	id     string
	conn   net.Conn
	queue  chan []byte
	queued atomic.Int64
	closed bool
}

func newWriter(id string, conn net.Conn) *writer {
	return &writer{id: id, conn: conn, queue: make(chan []byte, writeQueueLen)}
}

// enqueue hands data to the writer goroutine without blocking. It fails once
// the peer has fallen maxQueuedBytes behind.
func (w *writer) enqueue(data []byte) error {
	if len(data) == 0 || w.closed {
		return nil
	}
	if w.queued.Load()+int64(len(data)) > maxQueuedBytes {
		return ErrWriteQueueFull
	}
	select {
	case w.queue <- data:
		w.queued.Add(int64(len(data)))
		return nil
	default:
		return ErrWriteQueueFull
	}
}

// finish stops accepting data. The goroutine flushes what is queued and then
// closes the connection.
func (w *writer) finish() {
	if w.closed {
		return
	}
	w.closed = true
	close(w.queue)
}

// run writes queued chunks until the queue is finished or a write fails. A
// failure is reported to the loop as a chunk error.
func (w *writer) run(errs chan<- chunk, quit <-chan struct{}) {
	defer w.conn.Close()
	for data := range w.queue {
		_ = w.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := w.conn.Write(data)
		w.queued.Add(-int64(len(data)))
		if err != nil {
			select {
			case errs <- chunk{id: w.id, err: err}:
			case <-quit:
			}
			return
		}
	}
}
