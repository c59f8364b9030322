package engine

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
)

var (
	ErrNotInitialized          = errors.New("engine: session not initialized")
	ErrNoContext               = errors.New("engine: nil context")
	ErrInvalidRole             = errors.New("engine: invalid role")
	ErrContextFrozen           = errors.New("engine: context already in use")
	ErrWouldBlock              = errors.New("engine: would block")
	ErrIOFault                 = errors.New("engine: channel write fault")
	ErrProtocol                = errors.New("engine: protocol error")
	ErrPeerVerification        = errors.New("engine: peer verification failed")
	ErrNoPeerCertificate       = errors.New("engine: no peer certificate")
	ErrPeerCertificateEncoding = errors.New("engine: peer certificate encoding failed")
	ErrSerialization           = errors.New("engine: session serialization failed")
	ErrNoSession               = errors.New("engine: session not available")
	ErrHandshakeIncomplete     = errors.New("engine: handshake incomplete")
	ErrEmptyPayload            = errors.New("engine: empty payload")
	ErrClosed                  = errors.New("engine: session closed")
	ErrInvalidBlob             = errors.New("engine: invalid resumption blob")
)

// Would-block signals returned by Handshake. Both match ErrWouldBlock.
var (
	ErrWantRead  = fmt.Errorf("%w: want read", ErrWouldBlock)
	ErrWantWrite = fmt.Errorf("%w: want write", ErrWouldBlock)
)

// IsWouldBlock reports whether err asks the caller to feed input or drain
// output and retry.
func IsWouldBlock(err error) bool {
	return errors.Is(err, ErrWouldBlock)
}

// Error is a fatal session error. Kind is one of the package sentinels and
// matches through errors.Is; Reason is the text to log or relay to the peer.
type Error struct {
	Kind   error
	Reason string
	Verify VerifyResult
	Err    error
}

func (e *Error) Error() string {
	if e.Reason == "" {
		return e.Kind.Error()
	}
	return e.Kind.Error() + ": " + e.Reason
}

func (e *Error) Is(target error) bool {
	return target == e.Kind
}

func (e *Error) Unwrap() error {
	return e.Err
}

func protocolError(err error) *Error {
	return &Error{Kind: ErrProtocol, Reason: err.Error(), Err: err}
}

// VerifyReason names why a peer certificate was rejected.
type VerifyReason string

const (
	VerifyOK               VerifyReason = "ok"
	VerifyUnknownAuthority VerifyReason = "unknown_ca"
	VerifyExpired          VerifyReason = "certificate_expired"
	VerifyHostnameMismatch VerifyReason = "hostname_mismatch"
	VerifyBadCertificate   VerifyReason = "bad_certificate"
	VerifyRejected         VerifyReason = "rejected"
)

// VerifyResult is the last peer-verification outcome of a session.
type VerifyResult struct {
	Reason VerifyReason
	Detail string
}

func (r VerifyResult) OK() bool {
	return r.Reason == "" || r.Reason == VerifyOK
}

// RejectPeer builds an error for a PeerVerifier that carries a specific
// reason into the session's verification result.
func RejectPeer(reason VerifyReason, detail string) error {
	return &Error{
		Kind:   ErrPeerVerification,
		Reason: string(reason),
		Verify: VerifyResult{Reason: reason, Detail: detail},
	}
}

func verificationError(res VerifyResult, err error) *Error {
	return &Error{
		Kind:   ErrPeerVerification,
		Reason: string(res.Reason),
		Verify: res,
		Err:    err,
	}
}

// classifyVerifyError maps x509 and hook errors to a VerifyResult. fallback
// is used when nothing more specific is known.
func classifyVerifyError(err error, fallback VerifyReason) VerifyResult {
	var (
		engineErr *Error
		unknownCA x509.UnknownAuthorityError
		invalid   x509.CertificateInvalidError
		hostname  x509.HostnameError
		tlsVerify *tls.CertificateVerificationError
	)
	if errors.As(err, &tlsVerify) && tlsVerify.Err != nil {
		err = tlsVerify.Err
	}
	switch {
	case errors.As(err, &engineErr) && !engineErr.Verify.OK():
		return engineErr.Verify
	case errors.As(err, &unknownCA):
		return VerifyResult{Reason: VerifyUnknownAuthority, Detail: err.Error()}
	case errors.As(err, &invalid):
		if invalid.Reason == x509.Expired {
			return VerifyResult{Reason: VerifyExpired, Detail: err.Error()}
		}
		return VerifyResult{Reason: VerifyBadCertificate, Detail: err.Error()}
	case errors.As(err, &hostname):
		return VerifyResult{Reason: VerifyHostnameMismatch, Detail: err.Error()}
	default:
		return VerifyResult{Reason: fallback, Detail: err.Error()}
	}
}

// verifySlot records the first verification failure seen by the TLS
// callbacks of one session.
type verifySlot struct {
	result VerifyResult
}

func (v *verifySlot) record(res VerifyResult) {
	if !v.result.OK() {
		return
	}
	v.result = res
}

func (v *verifySlot) get() VerifyResult {
	if v == nil || v.result.Reason == "" {
		return VerifyResult{Reason: VerifyOK}
	}
	return v.result
}
