package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/memtls/internal/engine"
	"github.com/rs/zerolog/log"
)

var ErrEchoMismatch = errors.New("echo mismatch")

// ProbeResult describes one client round trip through a memtls host.
type ProbeResult struct {
	SessionID string
	Info      engine.ConnectionInfo
	Echo      []byte
	// Resumption is a blob for the next Probe; empty when no ticket arrived.
	Resumption []byte
	HasTicket  bool
	Elapsed    time.Duration
}

// ProbeConfig describes one client round trip.
type ProbeConfig struct {
	Addr  string
	TLS   *engine.Context
	Flags engine.Flags
	// Resume is offered to the server when non-empty.
	Resume  []byte
	Message []byte
	Dial    BackoffConfig
}

// Probe dials cfg.Addr, completes a client handshake, sends the message,
// waits for the echo and closes cleanly.
func Probe(ctx context.Context, cfg ProbeConfig) (ProbeResult, error) {
	start := time.Now()
	message := cfg.Message
	if len(message) == 0 {
		return ProbeResult{}, engine.ErrEmptyPayload
	}

	var (
		d    net.Dialer
		conn net.Conn
	)
	err := Retry(ctx, cfg.Dial, nil, func() error {
		var err error
		conn, err = d.DialContext(ctx, "tcp", cfg.Addr)
		if err != nil {
			log.Debug().Err(err).Str("addr", cfg.Addr).Msg("dial failed")
		}
		return err
	})
	if err != nil {
		return ProbeResult{}, fmt.Errorf("dial %s: %w", cfg.Addr, err)
	}
	defer conn.Close()
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	session, err := engine.Init(cfg.TLS, engine.RoleClient, cfg.Flags, cfg.Resume)
	if err != nil {
		return ProbeResult{}, err
	}
	defer session.Close()

	chunks := make(chan chunk, 16)
	quit := make(chan struct{})
	defer close(quit)
	go readChunks(session.ID(), conn, chunks, quit)

	c := &prober{ctx: ctx, conn: conn, session: session, chunks: chunks}
	if err := c.handshake(); err != nil {
		return ProbeResult{}, err
	}

	out, err := session.SendPlaintext(message)
	if err != nil {
		return ProbeResult{}, err
	}
	if _, err := conn.Write(out); err != nil {
		return ProbeResult{}, fmt.Errorf("write: %w", err)
	}

	var echo []byte
	for len(echo) < len(message) {
		data, err := c.next()
		if err != nil {
			return ProbeResult{}, err
		}
		plain, err := session.FeedCiphertext(data)
		if err != nil {
			return ProbeResult{}, err
		}
		echo = append(echo, plain...)
		if session.PeerClosed() {
			break
		}
	}
	if string(echo) != string(message) {
		return ProbeResult{}, fmt.Errorf("%w: sent %d bytes, got %d", ErrEchoMismatch, len(message), len(echo))
	}

	res := ProbeResult{SessionID: session.ID(), Echo: echo}
	if res.Info, err = session.ConnectionInfo(); err != nil {
		return ProbeResult{}, err
	}
	blob, hasTicket, err := session.SerializeSession()
	switch {
	case err == nil:
		res.Resumption, res.HasTicket = blob, hasTicket
	case errors.Is(err, engine.ErrNoSession):
	default:
		log.Warn().Err(err).Str("session", session.ID()).Msg("session not serialized")
	}

	c.shutdown()
	res.Elapsed = time.Since(start)
	return res, nil
}

type prober struct {
	ctx     context.Context
	conn    net.Conn
	session *engine.Session
	chunks  <-chan chunk
}

func (p *prober) next() ([]byte, error) {
	select {
	case <-p.ctx.Done():
		return nil, p.ctx.Err()
	case c := <-p.chunks:
		if c.err != nil {
			if c.err == io.EOF {
				return nil, io.ErrUnexpectedEOF
			}
			return nil, c.err
		}
		return c.data, nil
	}
}

func (p *prober) flush() error {
	out, err := p.session.DrainOutbound()
	if err != nil || len(out) == 0 {
		return err
	}
	_, err = p.conn.Write(out)
	return err
}

func (p *prober) handshake() error {
	for {
		err := p.session.Handshake()
		if ferr := p.flush(); ferr != nil && err == nil {
			err = ferr
		}
		switch {
		case err == nil:
			return nil
		case errors.Is(err, engine.ErrWantWrite):
			continue
		case !errors.Is(err, engine.ErrWantRead):
			return err
		}
		data, err := p.next()
		if err != nil {
			return fmt.Errorf("handshake: %w", err)
		}
		if _, err := p.session.FeedCiphertext(data); err != nil {
			return err
		}
	}
}

// shutdown sends close_notify and waits briefly for the peer's reply.
func (p *prober) shutdown() {
	out, err := p.session.Shutdown()
	if err != nil {
		return
	}
	if _, err := p.conn.Write(out); err != nil {
		return
	}
	timer := time.NewTimer(time.Second)
	defer timer.Stop()
	for !p.session.PeerClosed() {
		select {
		case <-timer.C:
			return
		case <-p.ctx.Done():
			return
		case c := <-p.chunks:
			if c.err != nil {
				return
			}
			if _, err := p.session.FeedCiphertext(c.data); err != nil {
				return
			}
		}
	}
}
