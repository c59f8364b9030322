package engine

import (
	"crypto/tls"
	"fmt"

	"golang.org/x/crypto/cryptobyte"
)

const blobVersion = 1

// ticketSlot holds the single resumable session of one Session. Clients
// plug it in as their ClientSessionCache; servers fill it from WrapSession.
// Only the goroutine currently running the session touches it.
type ticketSlot struct {
	client *tls.ClientSessionState

	serverName string
	ticket     []byte
	state      *tls.SessionState
}

// Get ignores the cache key: every session has its own slot.
func (t *ticketSlot) Get(string) (*tls.ClientSessionState, bool) {
	return t.client, t.client != nil
}

func (t *ticketSlot) Put(_ string, cs *tls.ClientSessionState) {
	t.client = cs
}

func (t *ticketSlot) issue(serverName string, ticket []byte, ss *tls.SessionState) {
	t.serverName = serverName
	t.ticket = append(t.ticket[:0], ticket...)
	t.state = ss
}

// resumptionBlob is the serialized form of a resumable session:
//
//	uint8  version
//	uint8  role
//	opaque server_name<0..2^16-1>
//	opaque ticket<0..2^16-1>
//	opaque state<1..2^24-1>
type resumptionBlob struct {
	role       Role
	serverName string
	ticket     []byte
	state      []byte
}

func (b resumptionBlob) size() int {
	return 1 + 1 + 2 + len(b.serverName) + 2 + len(b.ticket) + 3 + len(b.state)
}

func (b resumptionBlob) marshal(limit int) ([]byte, error) {
	if len(b.state) == 0 {
		return nil, fmt.Errorf("%w: empty session state", ErrSerialization)
	}
	var builder cryptobyte.Builder
	builder.AddUint8(blobVersion)
	builder.AddUint8(uint8(b.role))
	builder.AddUint16LengthPrefixed(func(child *cryptobyte.Builder) {
		child.AddBytes([]byte(b.serverName))
	})
	builder.AddUint16LengthPrefixed(func(child *cryptobyte.Builder) {
		child.AddBytes(b.ticket)
	})
	builder.AddUint24LengthPrefixed(func(child *cryptobyte.Builder) {
		child.AddBytes(b.state)
	})
	out, err := builder.Bytes()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	if len(out) != b.size() {
		return nil, fmt.Errorf("%w: wrote %d of %d bytes", ErrSerialization, len(out), b.size())
	}
	if limit > 0 && len(out) > limit {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrSerialization, len(out), limit)
	}
	return out, nil
}

func parseResumptionBlob(data []byte, limit int) (resumptionBlob, error) {
	var b resumptionBlob
	if limit > 0 && len(data) > limit {
		return b, fmt.Errorf("%w: %d bytes exceeds limit %d", ErrInvalidBlob, len(data), limit)
	}
	var (
		s          = cryptobyte.String(data)
		version    uint8
		role       uint8
		serverName cryptobyte.String
		ticket     cryptobyte.String
		state      cryptobyte.String
	)
	if !s.ReadUint8(&version) || !s.ReadUint8(&role) ||
		!s.ReadUint16LengthPrefixed(&serverName) ||
		!s.ReadUint16LengthPrefixed(&ticket) ||
		!s.ReadUint24LengthPrefixed(&state) || !s.Empty() {
		return b, fmt.Errorf("%w: malformed", ErrInvalidBlob)
	}
	if version != blobVersion {
		return b, fmt.Errorf("%w: version %d", ErrInvalidBlob, version)
	}
	b.role = Role(role)
	if !b.role.valid() {
		return b, fmt.Errorf("%w: role %d", ErrInvalidBlob, role)
	}
	if len(state) == 0 {
		return b, fmt.Errorf("%w: empty session state", ErrInvalidBlob)
	}
	b.serverName = string(serverName)
	b.ticket = append([]byte(nil), ticket...)
	b.state = append([]byte(nil), state...)
	return b, nil
}

// clientResumption rebuilds the client session state carried by b.
func (b resumptionBlob) clientResumption() (*tls.ClientSessionState, error) {
	if b.role != RoleClient {
		return nil, fmt.Errorf("%w: blob belongs to a %s session", ErrInvalidBlob, b.role)
	}
	if len(b.ticket) == 0 {
		return nil, fmt.Errorf("%w: no ticket", ErrInvalidBlob)
	}
	ss, err := tls.ParseSessionState(b.state)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBlob, err)
	}
	return tls.NewResumptionState(b.ticket, ss)
}
