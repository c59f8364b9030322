package engine

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"runtime"
	"time"

	"github.com/danmuck/memtls/internal/buffer"
	"github.com/danmuck/memtls/internal/observability"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// readChunk matches the largest TLS record payload.
const readChunk = 16 << 10

type Role uint8

const (
	RoleClient Role = iota + 1
	RoleServer
)

func (r Role) valid() bool {
	return r == RoleClient || r == RoleServer
}

func (r Role) String() string {
	switch r {
	case RoleClient:
		return "client"
	case RoleServer:
		return "server"
	default:
		return fmt.Sprintf("role(%d)", uint8(r))
	}
}

// ParseRole accepts "client" or "server".
func ParseRole(s string) (Role, error) {
	switch s {
	case "client":
		return RoleClient, nil
	case "server":
		return RoleServer, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrInvalidRole, s)
	}
}

type Flags uint32

const (
	// FlagUseSessionTicket enables stateless ticket issue and resumption.
	FlagUseSessionTicket Flags = 1 << iota
	// FlagCompressionNone is recorded only; TLS compression is never used.
	FlagCompressionNone
)

type State uint8

const (
	StateUninitialized State = iota
	StateHandshaking
	StateEstablished
	StateShuttingDown
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	case StateShuttingDown:
		return "shutting_down"
	case StateClosed:
		return "closed"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ConnectionInfo summarizes a completed handshake.
type ConnectionInfo struct {
	Version     string
	CipherSuite string
	ServerName  string
	ALPN        string
	Resumed     bool
	Compression string
}

// core is everything the TLS goroutine touches. It never points back at
// the Session so an abandoned Session can be collected.
type core struct {
	conn    *tls.Conn
	pipe    *pipe
	worker  *worker
	plain   buffer.Buffer
	burst   int
	tickets *ticketSlot
}

func (c *core) run() {
	w := c.worker
	if !w.wait() {
		return
	}
	err := c.conn.Handshake()
	if !w.emit(event{kind: evHandshakeDone, err: err}) || err != nil {
		return
	}
	if !w.wait() {
		return
	}
	chunk := make([]byte, readChunk)
	for {
		if c.plain.Len() >= c.burst {
			if !w.emit(event{kind: evReadFull}) || !w.wait() {
				return
			}
			continue
		}
		n, err := c.conn.Read(chunk)
		if n > 0 {
			c.plain.Write(chunk[:n])
		}
		if err != nil {
			w.emit(event{kind: evReadDone, err: err})
			return
		}
	}
}

// Session is one TLS endpoint driven entirely through in-memory channels.
// The zero value is an uninitialized session. A Session is not safe for
// concurrent use; one goroutine drives it.
type Session struct {
	id         string
	role       Role
	flags      Flags
	state      State
	failure    error
	peerClosed bool
	released   bool
	started    time.Time
	limits     Limits

	core   *core
	verify *verifySlot
	log    zerolog.Logger
}

// Init creates a session on ctx. A non-empty resumption blob is offered to
// the server by client sessions; server sessions ignore it. An unusable blob
// is logged and the session falls back to a full handshake.
func Init(ctx *Context, role Role, flags Flags, resumption []byte) (*Session, error) {
	if ctx == nil {
		return nil, ErrNoContext
	}
	if !role.valid() {
		return nil, fmt.Errorf("%w: %d", ErrInvalidRole, role)
	}
	ctx.freeze()

	id := uuid.NewString()
	s := &Session{
		id:      id,
		role:    role,
		flags:   flags,
		state:   StateHandshaking,
		started: time.Now(),
		limits:  ctx.limits,
		verify:  &verifySlot{},
		log:     log.With().Str("session", id).Str("role", role.String()).Logger(),
	}

	// Nothing below can fail; the worker goroutine starts last.
	w := newWorker()
	tickets := &ticketSlot{}
	cfg := ctx.sessionConfig(role, flags, s.verify, tickets)
	p := newPipe(w, id, s.limits.MaxInbound)

	var conn *tls.Conn
	switch role {
	case RoleClient:
		conn = tls.Client(p, cfg)
		if len(resumption) > 0 {
			s.offerResumption(tickets, cfg.ServerName, resumption)
		}
	case RoleServer:
		conn = tls.Server(p, cfg)
		if len(resumption) > 0 {
			s.log.Debug().Int("bytes", len(resumption)).Msg("resumption blob ignored by server")
		}
	}

	s.core = &core{
		conn:    conn,
		pipe:    p,
		worker:  w,
		burst:   s.limits.MaxPlaintextBurst,
		tickets: tickets,
	}
	go s.core.run()
	runtime.AddCleanup(s, func(w *worker) { w.stop() }, w)

	s.log.Debug().Bool("tickets", flags&FlagUseSessionTicket != 0).Msg("session init")
	return s, nil
}

func (s *Session) offerResumption(tickets *ticketSlot, serverName string, data []byte) {
	blob, err := parseResumptionBlob(data, s.limits.MaxResumptionBlob)
	if err != nil {
		s.log.Warn().Err(err).Msg("resumption blob rejected")
		return
	}
	if blob.serverName != "" && serverName != "" && blob.serverName != serverName {
		s.log.Warn().Str("blob_server", blob.serverName).Str("server", serverName).Msg("resumption blob for another server")
		return
	}
	cs, err := blob.clientResumption()
	if err != nil {
		s.log.Warn().Err(err).Msg("resumption state rejected")
		return
	}
	tickets.client = cs
}

func (s *Session) ID() string {
	return s.id
}

func (s *Session) Role() Role {
	return s.role
}

func (s *Session) Flags() Flags {
	return s.flags
}

func (s *Session) State() State {
	return s.state
}

// Err returns the failure that moved the session to StateFailed.
func (s *Session) Err() error {
	return s.failure
}

// PeerClosed reports whether the peer's close_notify has been read.
func (s *Session) PeerClosed() bool {
	return s.peerClosed
}

func (s *Session) VerifyResult() VerifyResult {
	return s.verify.get()
}

func (s *Session) InboundPending() int {
	if s.core == nil || s.released {
		return 0
	}
	return s.core.pipe.in.pending()
}

func (s *Session) OutboundPending() int {
	if s.core == nil || s.released {
		return 0
	}
	return s.core.pipe.out.pending()
}

func (s *Session) established() bool {
	return s.state == StateEstablished || s.state == StateShuttingDown ||
		(s.state == StateClosed && !s.released)
}

func (s *Session) check() error {
	switch {
	case s.core == nil:
		return ErrNotInitialized
	case s.released:
		return ErrClosed
	case s.state == StateFailed:
		return s.failure
	}
	return nil
}

func (s *Session) fail(err error) error {
	if s.state == StateFailed {
		return s.failure
	}
	s.state = StateFailed
	s.failure = err
	s.log.Warn().Err(err).Msg("session failed")
	return err
}

// Handshake advances the handshake by one step. It returns nil once the
// handshake has completed, ErrWantWrite when outbound bytes are waiting to
// be drained, and ErrWantRead when more peer bytes are needed.
func (s *Session) Handshake() error {
	if err := s.check(); err != nil {
		return err
	}
	if s.state != StateHandshaking {
		return nil
	}

	ev := s.core.worker.step()
	switch ev.kind {
	case evParked:
		if s.core.pipe.out.pending() > 0 {
			return ErrWantWrite
		}
		return ErrWantRead
	case evHandshakeDone:
		if ev.err != nil {
			observability.RecordHandshake(s.role.String(), "failed", time.Since(s.started))
			return s.fail(s.handshakeError(ev.err))
		}
		s.state = StateEstablished
		cs := s.core.conn.ConnectionState()
		observability.RecordHandshake(s.role.String(), "ok", time.Since(s.started))
		if cs.DidResume {
			observability.RecordResumption(s.role.String())
		}
		s.log.Debug().
			Str("version", tls.VersionName(cs.Version)).
			Str("cipher", tls.CipherSuiteName(cs.CipherSuite)).
			Bool("resumed", cs.DidResume).
			Msg("handshake complete")
		return nil
	default:
		return s.fail(protocolError(ev.err))
	}
}

func (s *Session) handshakeError(err error) error {
	if res := s.verify.get(); !res.OK() {
		return verificationError(res, err)
	}
	var certErr *tls.CertificateVerificationError
	if errors.As(err, &certErr) {
		res := classifyVerifyError(certErr, VerifyBadCertificate)
		s.verify.record(res)
		return verificationError(res, err)
	}
	return protocolError(err)
}

// FeedCiphertext hands peer bytes to the session and returns any plaintext
// they complete. Before the handshake completes the bytes are only queued.
// A nil or empty input still lets an established session process bytes it
// already holds, such as a post-handshake ticket.
func (s *Session) FeedCiphertext(data []byte) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(data) > 0 {
		if n := s.core.pipe.in.put(data); n != len(data) {
			return nil, s.fail(&Error{
				Kind:   ErrIOFault,
				Reason: fmt.Sprintf("inbound channel accepted %d of %d bytes", n, len(data)),
			})
		}
		observability.RecordSessionBytes(s.role.String(), "ciphertext_in", len(data))
	}
	if s.state == StateHandshaking || s.peerClosed {
		return nil, nil
	}

	ev := s.core.worker.step()
	plain := s.core.plain.Take()
	if len(plain) > 0 {
		observability.RecordSessionBytes(s.role.String(), "plaintext_in", len(plain))
	}
	switch ev.kind {
	case evParked, evReadFull:
		return plain, nil
	case evReadDone:
		if errors.Is(ev.err, io.EOF) {
			s.peerClosed = true
			if s.state == StateShuttingDown {
				s.state = StateClosed
			}
			s.log.Debug().Msg("peer sent close_notify")
			return plain, nil
		}
		return nil, s.fail(protocolError(ev.err))
	default:
		return nil, s.fail(protocolError(ev.err))
	}
}

// SendPlaintext encrypts data and returns every ciphertext byte queued so
// far, including records produced earlier and not yet drained.
func (s *Session) SendPlaintext(data []byte) ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, ErrEmptyPayload
	}
	switch s.state {
	case StateHandshaking:
		return nil, ErrHandshakeIncomplete
	case StateShuttingDown, StateClosed:
		return nil, ErrClosed
	}
	if _, err := s.core.conn.Write(data); err != nil {
		return nil, s.fail(protocolError(err))
	}
	observability.RecordSessionBytes(s.role.String(), "plaintext_out", len(data))
	return s.DrainOutbound()
}

// DrainOutbound returns and clears all pending outbound ciphertext. It keeps
// working after a failed handshake so the alert can reach the peer.
func (s *Session) DrainOutbound() ([]byte, error) {
	if s.core == nil {
		return nil, ErrNotInitialized
	}
	if s.released {
		return nil, ErrClosed
	}
	out := s.core.pipe.out.take()
	if len(out) > 0 {
		observability.RecordSessionBytes(s.role.String(), "ciphertext_out", len(out))
	}
	return out, nil
}

// Shutdown sends close_notify and returns the bytes to deliver. A session
// whose handshake never completed has nothing to close and returns
// nothing. Calling it again only drains. A released session returns
// ErrClosed.
func (s *Session) Shutdown() ([]byte, error) {
	if s.core == nil {
		return nil, nil
	}
	if s.released {
		return nil, ErrClosed
	}
	switch s.state {
	case StateFailed:
		return nil, s.failure
	case StateHandshaking:
		return nil, nil
	case StateShuttingDown, StateClosed:
		return s.DrainOutbound()
	}
	if err := s.core.conn.CloseWrite(); err != nil {
		return nil, s.fail(protocolError(err))
	}
	if s.peerClosed {
		s.state = StateClosed
	} else {
		s.state = StateShuttingDown
	}
	s.log.Debug().Msg("close_notify sent")
	return s.DrainOutbound()
}

// IsSessionReused reports whether the completed handshake resumed an
// earlier session.
func (s *Session) IsSessionReused() (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	if !s.established() {
		return false, nil
	}
	return s.core.conn.ConnectionState().DidResume, nil
}

// SerializeSession encodes the resumable session for a later Init. For
// servers the blob records the last ticket they issued. hasTicket reports
// whether the blob carries a ticket the client can present.
func (s *Session) SerializeSession() (blob []byte, hasTicket bool, err error) {
	if err := s.check(); err != nil {
		return nil, false, err
	}
	if !s.established() {
		return nil, false, ErrNoSession
	}

	var rb resumptionBlob
	rb.role = s.role
	switch s.role {
	case RoleClient:
		cs := s.core.tickets.client
		if cs == nil {
			return nil, false, ErrNoSession
		}
		ticket, state, err := cs.ResumptionState()
		if err != nil || state == nil {
			return nil, false, fmt.Errorf("%w: resumption state unavailable", ErrSerialization)
		}
		raw, err := state.Bytes()
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		rb.serverName = s.core.conn.ConnectionState().ServerName
		rb.ticket = ticket
		rb.state = raw
	case RoleServer:
		t := s.core.tickets
		if t.state == nil {
			return nil, false, ErrNoSession
		}
		raw, err := t.state.Bytes()
		if err != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		rb.serverName = t.serverName
		rb.ticket = t.ticket
		rb.state = raw
	}

	out, err := rb.marshal(s.limits.MaxResumptionBlob)
	if err != nil {
		return nil, false, err
	}
	return out, len(rb.ticket) > 0, nil
}

// PeerCertificate returns the DER encoding of the peer's leaf certificate.
func (s *Session) PeerCertificate() ([]byte, error) {
	if err := s.check(); err != nil {
		return nil, err
	}
	if !s.established() {
		return nil, ErrHandshakeIncomplete
	}
	certs := s.core.conn.ConnectionState().PeerCertificates
	if len(certs) == 0 {
		return nil, ErrNoPeerCertificate
	}
	if len(certs[0].Raw) == 0 {
		return nil, ErrPeerCertificateEncoding
	}
	return append([]byte(nil), certs[0].Raw...), nil
}

func (s *Session) ConnectionInfo() (ConnectionInfo, error) {
	if err := s.check(); err != nil {
		return ConnectionInfo{}, err
	}
	if !s.established() {
		return ConnectionInfo{}, ErrHandshakeIncomplete
	}
	cs := s.core.conn.ConnectionState()
	return ConnectionInfo{
		Version:     tls.VersionName(cs.Version),
		CipherSuite: tls.CipherSuiteName(cs.CipherSuite),
		ServerName:  cs.ServerName,
		ALPN:        cs.NegotiatedProtocol,
		Resumed:     cs.DidResume,
		Compression: "none",
	}, nil
}

// Close releases the session. Pending bytes are discarded and later calls
// return ErrClosed. Close is idempotent and safe on the zero value.
func (s *Session) Close() error {
	if s == nil || s.core == nil || s.released {
		return nil
	}
	s.core.worker.stop()
	s.released = true
	if s.state != StateFailed {
		s.state = StateClosed
	}
	s.log.Debug().Msg("session released")
	return nil
}
