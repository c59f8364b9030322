package engine

import (
	"crypto/rand"
	"crypto/tls"
	"fmt"
	"sync/atomic"

	"github.com/danmuck/memtls/internal/kex"
)

const (
	DefaultMaxInbound        = 4 << 20
	DefaultMaxPlaintextBurst = 1 << 20
	DefaultMaxResumptionBlob = 64 << 10
)

// Limits bound the memory a single session may hold.
type Limits struct {
	// MaxInbound caps ciphertext buffered but not yet consumed by TLS.
	MaxInbound int
	// MaxPlaintextBurst caps plaintext returned by one FeedCiphertext call.
	MaxPlaintextBurst int
	// MaxResumptionBlob caps serialized session size in both directions.
	MaxResumptionBlob int
}

func DefaultLimits() Limits {
	return Limits{
		MaxInbound:        DefaultMaxInbound,
		MaxPlaintextBurst: DefaultMaxPlaintextBurst,
		MaxResumptionBlob: DefaultMaxResumptionBlob,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MaxInbound <= 0 {
		l.MaxInbound = d.MaxInbound
	}
	if l.MaxPlaintextBurst <= 0 {
		l.MaxPlaintextBurst = d.MaxPlaintextBurst
	}
	if l.MaxResumptionBlob <= 0 {
		l.MaxResumptionBlob = d.MaxResumptionBlob
	}
	return l
}

// PeerVerifier is an extra policy check run after chain verification. A
// non-nil error rejects the peer; use RejectPeer to choose the reason.
type PeerVerifier func(cs tls.ConnectionState) error

type ContextOption func(*Context)

func WithLimits(l Limits) ContextOption {
	return func(c *Context) { c.limits = l.withDefaults() }
}

func WithPeerVerifier(v PeerVerifier) ContextOption {
	return func(c *Context) { c.verifier = v }
}

// Context is the shared configuration sessions are created from. It may be
// mutated through InstallDH and InstallCurve until the first session is
// created; after that it is read-only and safe to share across goroutines.
type Context struct {
	base     *tls.Config
	verifier PeerVerifier
	limits   Limits

	dh          *kex.DHParams
	dhSingleUse bool
	curveSingle bool

	frozen atomic.Bool
}

// NewContext clones base and prepares it for in-memory sessions. All
// sessions of a context share one ticket key so tickets issued by one
// server session are accepted by the next.
func NewContext(base *tls.Config, opts ...ContextOption) (*Context, error) {
	if base == nil {
		return nil, fmt.Errorf("%w: tls config required", ErrNoContext)
	}
	cfg := base.Clone()
	if cfg.MinVersion == 0 {
		cfg.MinVersion = tls.VersionTLS12
	}
	if cfg.SessionTicketKey == ([32]byte{}) {
		var key [32]byte
		if _, err := rand.Read(key[:]); err != nil {
			return nil, fmt.Errorf("engine: ticket key: %w", err)
		}
		cfg.SetSessionTicketKeys([][32]byte{key})
	}
	c := &Context{base: cfg, limits: DefaultLimits()}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Context) Limits() Limits {
	return c.limits
}

// InstallDH implements kex.Target. crypto/tls negotiates only elliptic
// curve groups, so finite-field parameters are kept for EphemeralDH.
func (c *Context) InstallDH(params *kex.DHParams, singleUse bool) error {
	if c.frozen.Load() {
		return ErrContextFrozen
	}
	if err := params.Validate(); err != nil {
		return err
	}
	c.dh = params
	c.dhSingleUse = singleUse
	return nil
}

// defaultCurves mirrors the groups crypto/tls offers when CurvePreferences
// is empty.
var defaultCurves = []tls.CurveID{
	tls.X25519MLKEM768,
	tls.X25519,
	tls.CurveP256,
	tls.CurveP384,
	tls.CurveP521,
}

// InstallCurve implements kex.Target by putting curve first in the
// key-exchange groups. An unconfigured context keeps the crypto/tls defaults
// behind it, so peers that lead with those need no HelloRetryRequest.
func (c *Context) InstallCurve(curve tls.CurveID, singleUse bool) error {
	if c.frozen.Load() {
		return ErrContextFrozen
	}
	current := c.base.CurvePreferences
	if len(current) == 0 {
		current = defaultCurves
	}
	prefs := []tls.CurveID{curve}
	for _, id := range current {
		if id != curve {
			prefs = append(prefs, id)
		}
	}
	c.base.CurvePreferences = prefs
	c.curveSingle = singleUse
	return nil
}

// DHParams returns the installed finite-field group, if any.
func (c *Context) DHParams() *kex.DHParams {
	return c.dh
}

func (c *Context) CurvePreferences() []tls.CurveID {
	return append([]tls.CurveID(nil), c.base.CurvePreferences...)
}

// EphemeralDH generates a fresh key pair on the installed group. Every call
// returns a new key.
func (c *Context) EphemeralDH() (*kex.DHKey, error) {
	if c.dh == nil {
		return nil, kex.ErrNoDHParams
	}
	return c.dh.GenerateKey(rand.Reader)
}

func (c *Context) freeze() {
	c.frozen.Store(true)
}

// sessionConfig builds the per-session TLS config. The closures it installs
// hold only the verify and ticket slots, never the Session.
func (c *Context) sessionConfig(role Role, flags Flags, verify *verifySlot, tickets *ticketSlot) *tls.Config {
	cfg := c.base.Clone()
	if flags&FlagUseSessionTicket == 0 {
		cfg.SessionTicketsDisabled = true
	}

	baseVerify := cfg.VerifyConnection
	policy := c.verifier
	cfg.VerifyConnection = func(cs tls.ConnectionState) error {
		if baseVerify != nil {
			if err := baseVerify(cs); err != nil {
				verify.record(classifyVerifyError(err, VerifyRejected))
				return err
			}
		}
		if policy != nil {
			if err := policy(cs); err != nil {
				verify.record(classifyVerifyError(err, VerifyRejected))
				return err
			}
		}
		return nil
	}

	switch role {
	case RoleClient:
		cfg.ClientSessionCache = tickets
	case RoleServer:
		if !cfg.SessionTicketsDisabled {
			wrap := cfg.WrapSession
			cfg.WrapSession = func(cs tls.ConnectionState, ss *tls.SessionState) ([]byte, error) {
				var (
					ticket []byte
					err    error
				)
				if wrap != nil {
					ticket, err = wrap(cs, ss)
				} else {
					ticket, err = cfg.EncryptTicket(cs, ss)
				}
				if err != nil {
					return nil, err
				}
				tickets.issue(cs.ServerName, ticket, ss)
				return ticket, nil
			}
		}
	}
	return cfg
}
