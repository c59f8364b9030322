package host

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/danmuck/memtls/internal/engine"
	"github.com/danmuck/memtls/internal/observability"
	"github.com/rs/zerolog/log"
)

// Service terminates TLS for TCP peers and echoes their plaintext back.
// Every session is owned by the single loop goroutine in Serve; readers
// only hand it chunks.
type Service struct {
	Name     string
	TLS      *engine.Context
	Flags    engine.Flags
	Registry *Registry
}

type peer struct {
	id      string
	conn    net.Conn
	session *engine.Session
	out     *writer
	quit    chan struct{}
	info    SessionInfo
}

func NewService(name string, tlsCtx *engine.Context, flags engine.Flags, registry *Registry) *Service {
	if registry == nil {
		registry = NewRegistry()
	}
	return &Service{Name: name, TLS: tlsCtx, Flags: flags, Registry: registry}
}

// Serve accepts on ln until ctx is done or the listener fails. It closes ln
// and every open session before returning.
func (s *Service) Serve(ctx context.Context, ln net.Listener) error {
	observability.RegisterMetrics()

	accepted := make(chan net.Conn)
	acceptErr := make(chan error, 1)
	chunks := make(chan chunk, 64)
	peers := make(map[string]*peer)

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				acceptErr <- err
				return
			}
			select {
			case accepted <- conn:
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	s.Registry.SetReady(true)
	log.Info().Str("host", s.Name).Str("addr", ln.Addr().String()).Msg("host listening")

	defer func() {
		s.Registry.SetReady(false)
		_ = ln.Close()
		for _, p := range peers {
			s.dropPeer(peers, p, "host stopping")
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-acceptErr:
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		case conn := <-accepted:
			s.open(peers, conn, chunks)
		case c := <-chunks:
			p, ok := peers[c.id]
			if !ok {
				continue
			}
			if c.err != nil {
				reason := "peer closed"
				if c.err != io.EOF {
					reason = c.err.Error()
				}
				s.dropPeer(peers, p, reason)
				continue
			}
			s.handle(peers, p, c.data)
		}
	}
}

func (s *Service) open(peers map[string]*peer, conn net.Conn, chunks chan<- chunk) {
	session, err := engine.Init(s.TLS, engine.RoleServer, s.Flags, nil)
	if err != nil {
		log.Error().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("session init failed")
		_ = conn.Close()
		return
	}
	p := &peer{
		id:      session.ID(),
		conn:    conn,
		session: session,
		out:     newWriter(session.ID(), conn),
		quit:    make(chan struct{}),
		info: SessionInfo{
			ID:      session.ID(),
			Remote:  conn.RemoteAddr().String(),
			State:   session.State().String(),
			Started: time.Now(),
		},
	}
	peers[p.id] = p
	s.publish(peers, p)
	go readChunks(p.id, conn, chunks, p.quit)
	go p.out.run(chunks, p.quit)
	log.Info().Str("session", p.id).Str("remote", p.info.Remote).Msg("peer connected")
}

func (s *Service) handle(peers map[string]*peer, p *peer, data []byte) {
	p.info.BytesIn += int64(len(data))
	plain, err := p.session.FeedCiphertext(data)
	if err != nil {
		s.fail(peers, p, err)
		return
	}

	if p.session.State() == engine.StateHandshaking {
		err := p.session.Handshake()
		switch {
		case err == nil:
			s.established(p)
			// Application data may have arrived with the final flight.
			more, err := p.session.FeedCiphertext(nil)
			if err != nil {
				s.fail(peers, p, err)
				return
			}
			plain = append(plain, more...)
		case engine.IsWouldBlock(err):
		default:
			s.fail(peers, p, err)
			return
		}
	}

	if err := s.flush(p); err != nil {
		s.dropPeer(peers, p, err.Error())
		return
	}
	if len(plain) > 0 {
		out, err := p.session.SendPlaintext(plain)
		if err != nil {
			s.fail(peers, p, err)
			return
		}
		if err := s.send(p, out); err != nil {
			s.dropPeer(peers, p, err.Error())
			return
		}
	}
	if p.session.PeerClosed() {
		out, _ := p.session.Shutdown()
		_ = s.send(p, out)
		s.closePeer(peers, p, "close_notify")
		return
	}
	s.publish(peers, p)
}

func (s *Service) established(p *peer) {
	info, err := p.session.ConnectionInfo()
	if err != nil {
		return
	}
	p.info.Version = info.Version
	p.info.CipherSuite = info.CipherSuite
	p.info.Resumed = info.Resumed
	log.Info().
		Str("session", p.id).
		Str("version", info.Version).
		Str("cipher", info.CipherSuite).
		Bool("resumed", info.Resumed).
		Msg("handshake complete")
}

// fail queues any pending alert and closes the peer once it is written.
func (s *Service) fail(peers map[string]*peer, p *peer, err error) {
	_ = s.flush(p)
	log.Warn().Err(err).Str("session", p.id).Str("verify", string(p.session.VerifyResult().Reason)).Msg("session failed")
	s.closePeer(peers, p, err.Error())
}

func (s *Service) flush(p *peer) error {
	out, err := p.session.DrainOutbound()
	if err != nil {
		return err
	}
	return s.send(p, out)
}

func (s *Service) send(p *peer, out []byte) error {
	if err := p.out.enqueue(out); err != nil {
		return err
	}
	p.info.BytesOut += int64(len(out))
	return nil
}

// closePeer forgets p and lets its writer flush queued bytes before the
// connection closes.
func (s *Service) closePeer(peers map[string]*peer, p *peer, reason string) {
	if !s.forget(peers, p, reason) {
		return
	}
	p.out.finish()
}

// dropPeer forgets p and closes the connection at once, discarding anything
// still queued.
func (s *Service) dropPeer(peers map[string]*peer, p *peer, reason string) {
	if !s.forget(peers, p, reason) {
		return
	}
	p.out.finish()
	_ = p.conn.Close()
}

func (s *Service) forget(peers map[string]*peer, p *peer, reason string) bool {
	if _, ok := peers[p.id]; !ok {
		return false
	}
	delete(peers, p.id)
	close(p.quit)
	_ = p.session.Close()
	s.Registry.Remove(p.id)
	observability.SetActiveSessions(len(peers))
	log.Info().Str("session", p.id).Str("reason", reason).Msg("peer closed")
	return true
}

func (s *Service) publish(peers map[string]*peer, p *peer) {
	p.info.State = p.session.State().String()
	s.Registry.Put(p.info)
	observability.SetActiveSessions(len(peers))
}
