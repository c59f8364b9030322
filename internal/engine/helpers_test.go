package engine

import (
	"crypto/tls"
	"fmt"
	"testing"

	"github.com/danmuck/memtls/internal/testutil/testlog"
	"github.com/danmuck/memtls/internal/testutil/tlstest"
)

const testServerName = "localhost"

type fixture struct {
	ca     *tlstest.Authority
	server *Context
	client *Context
}

type fixtureOptions struct {
	serverTLS  func(*tls.Config)
	clientTLS  func(*tls.Config)
	serverOpts []ContextOption
	clientOpts []ContextOption
}

func newFixture(t *testing.T, opts fixtureOptions) *fixture {
	t.Helper()
	testlog.Start(t)

	ca := tlstest.NewAuthority(t, "memtls-test-ca")
	serverCfg := &tls.Config{
		Certificates: []tls.Certificate{ca.ServerCertificate(t, testServerName, testServerName)},
	}
	if opts.serverTLS != nil {
		opts.serverTLS(serverCfg)
	}
	clientCfg := &tls.Config{
		RootCAs:    ca.Pool(),
		ServerName: testServerName,
	}
	if opts.clientTLS != nil {
		opts.clientTLS(clientCfg)
	}

	server, err := NewContext(serverCfg, opts.serverOpts...)
	if err != nil {
		t.Fatalf("server context: %v", err)
	}
	client, err := NewContext(clientCfg, opts.clientOpts...)
	if err != nil {
		t.Fatalf("client context: %v", err)
	}
	return &fixture{ca: ca, server: server, client: client}
}

func (f *fixture) sessions(t *testing.T, flags Flags, resumption []byte) (*Session, *Session) {
	t.Helper()
	client, err := Init(f.client, RoleClient, flags, resumption)
	if err != nil {
		t.Fatalf("init client: %v", err)
	}
	server, err := Init(f.server, RoleServer, flags, nil)
	if err != nil {
		t.Fatalf("init server: %v", err)
	}
	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

// advance runs one driver step: handshake while handshaking, otherwise let
// the session consume anything already queued.
func advance(s *Session) error {
	switch s.State() {
	case StateHandshaking:
		if err := s.Handshake(); err != nil && !IsWouldBlock(err) {
			return err
		}
	case StateEstablished, StateShuttingDown:
		if _, err := s.FeedCiphertext(nil); err != nil {
			return err
		}
	}
	return nil
}

// exchange shuttles ciphertext between the two sessions until neither is
// handshaking and a full round moves no bytes. It returns each side's
// handshake error.
func exchange(client, server *Session) (clientErr, serverErr error, err error) {
	errs := map[*Session]error{}
	for round := 0; round < 32; round++ {
		moved := false
		for _, pair := range [][2]*Session{{client, server}, {server, client}} {
			from, to := pair[0], pair[1]
			if errs[from] == nil {
				errs[from] = advance(from)
			}
			out, err := from.DrainOutbound()
			if err != nil {
				return nil, nil, fmt.Errorf("drain %s: %w", from.Role(), err)
			}
			if len(out) == 0 {
				continue
			}
			moved = true
			if errs[to] != nil {
				continue
			}
			if _, err := to.FeedCiphertext(out); err != nil {
				errs[to] = err
			}
		}
		if !moved && client.State() != StateHandshaking && server.State() != StateHandshaking {
			return errs[client], errs[server], nil
		}
	}
	return nil, nil, fmt.Errorf("handshake did not settle: client=%s server=%s", client.State(), server.State())
}

func handshake(t *testing.T, client, server *Session) {
	t.Helper()
	clientErr, serverErr, err := exchange(client, server)
	if err != nil {
		t.Fatal(err)
	}
	if clientErr != nil || serverErr != nil {
		t.Fatalf("handshake failed: client=%v server=%v", clientErr, serverErr)
	}
	if client.State() != StateEstablished || server.State() != StateEstablished {
		t.Fatalf("states client=%s server=%s", client.State(), server.State())
	}
}

// deliver encrypts payload on from and decrypts it on to.
func deliver(from, to *Session, payload []byte) ([]byte, error) {
	ciphertext, err := from.SendPlaintext(payload)
	if err != nil {
		return nil, fmt.Errorf("send: %w", err)
	}
	got, err := to.FeedCiphertext(ciphertext)
	if err != nil {
		return nil, fmt.Errorf("feed: %w", err)
	}
	for len(got) < len(payload) {
		more, err := to.FeedCiphertext(nil)
		if err != nil {
			return nil, fmt.Errorf("feed: %w", err)
		}
		if len(more) == 0 {
			break
		}
		got = append(got, more...)
	}
	return got, nil
}
