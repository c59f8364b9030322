package engine

import (
	"net"
	"sync"
	"time"

	"github.com/danmuck/memtls/internal/buffer"
)

// channel is one direction of the in-memory transport. A zero limit means
// unbounded.
type channel struct {
	buf   buffer.Buffer
	limit int
}

// put appends all of p or nothing; it reports how many bytes were accepted.
func (c *channel) put(p []byte) int {
	if c.limit > 0 && c.buf.Len()+len(p) > c.limit {
		return 0
	}
	n, _ := c.buf.Write(p)
	return n
}

func (c *channel) take() []byte {
	return c.buf.Take()
}

func (c *channel) pending() int {
	return c.buf.Len()
}

type eventKind int

const (
	// evParked: the opaque engine is waiting for more inbound bytes.
	evParked eventKind = iota
	// evHandshakeDone: the handshake finished, err is its outcome.
	evHandshakeDone
	// evReadFull: the plaintext burst limit was reached.
	evReadFull
	// evReadDone: the read side ended, err says why.
	evReadDone
	// evStopped: the worker is gone.
	evStopped
)

type event struct {
	kind eventKind
	err  error
}

// worker hands control back and forth between the caller and the goroutine
// running crypto/tls. Exactly one side runs at a time: the caller blocks in
// step until the goroutine parks or finishes, and the goroutine blocks in
// wait until the next step.
type worker struct {
	resume chan struct{}
	events chan event
	quit   chan struct{}
	once   sync.Once

	// driver side only
	exited bool
}

func newWorker() *worker {
	return &worker{
		resume: make(chan struct{}),
		events: make(chan event),
		quit:   make(chan struct{}),
	}
}

func (w *worker) step() event {
	if w.exited {
		return event{kind: evStopped, err: net.ErrClosed}
	}
	select {
	case w.resume <- struct{}{}:
	case <-w.quit:
		w.exited = true
		return event{kind: evStopped, err: net.ErrClosed}
	}
	select {
	case ev := <-w.events:
		if ev.kind == evReadDone || (ev.kind == evHandshakeDone && ev.err != nil) {
			w.exited = true
		}
		return ev
	case <-w.quit:
		w.exited = true
		return event{kind: evStopped, err: net.ErrClosed}
	}
}

func (w *worker) wait() bool {
	select {
	case <-w.resume:
		return true
	case <-w.quit:
		return false
	}
}

func (w *worker) emit(ev event) bool {
	select {
	case w.events <- ev:
		return true
	case <-w.quit:
		return false
	}
}

func (w *worker) park() bool {
	return w.emit(event{kind: evParked}) && w.wait()
}

func (w *worker) stopped() bool {
	select {
	case <-w.quit:
		return true
	default:
		return false
	}
}

func (w *worker) stop() {
	w.once.Do(func() { close(w.quit) })
}

// pipe is the net.Conn handed to crypto/tls. Reads drain the inbound channel
// and park the worker when it is empty; writes fill the outbound channel and
// never block.
type pipe struct {
	in     channel
	out    channel
	worker *worker
	addr   memAddr
}

func newPipe(w *worker, id string, maxInbound int) *pipe {
	return &pipe{
		in:     channel{limit: maxInbound},
		worker: w,
		addr:   memAddr(id),
	}
}

func (p *pipe) Read(b []byte) (int, error) {
	for p.in.pending() == 0 {
		if !p.worker.park() {
			return 0, net.ErrClosed
		}
	}
	return p.in.buf.Read(b)
}

func (p *pipe) Write(b []byte) (int, error) {
	if p.worker.stopped() {
		return 0, net.ErrClosed
	}
	return p.out.put(b), nil
}

func (p *pipe) Close() error {
	p.worker.stop()
	return nil
}

func (p *pipe) LocalAddr() net.Addr                { return p.addr }
func (p *pipe) RemoteAddr() net.Addr               { return p.addr }
func (p *pipe) SetDeadline(t time.Time) error      { return nil }
func (p *pipe) SetReadDeadline(t time.Time) error  { return nil }
func (p *pipe) SetWriteDeadline(t time.Time) error { return nil }

type memAddr string

func (a memAddr) Network() string { return "memtls" }
func (a memAddr) String() string  { return "memtls:" + string(a) }
