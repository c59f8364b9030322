package kex

import (
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"math/big"
	"os"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

const (
	// SourceEmbedded marks parameters built from the compiled-in group.
	SourceEmbedded = "embedded"

	pemTypeDHParams = "DH PARAMETERS"

	// MinPrimeBits rejects loaded groups weaker than the embedded one.
	MinPrimeBits = 1024
)

var (
	ErrNoDHParams       = errors.New("kex: no dh parameters available")
	ErrInvalidDHPEM     = errors.New("kex: invalid dh parameters pem")
	ErrInvalidDHParams  = errors.New("kex: invalid dh parameters")
	ErrInvalidPeerValue = errors.New("kex: invalid peer public value")
)

// 1024-bit MODP Group with 160-bit prime order subgroup (RFC 5114, 2.1).
var dh1024P = []byte{
	0xB1, 0x0B, 0x8F, 0x96, 0xA0, 0x80, 0xE0, 0x1D, 0xDE, 0x92, 0xDE, 0x5E,
	0xAE, 0x5D, 0x54, 0xEC, 0x52, 0xC9, 0x9F, 0xBC, 0xFB, 0x06, 0xA3, 0xC6,
	0x9A, 0x6A, 0x9D, 0xCA, 0x52, 0xD2, 0x3B, 0x61, 0x60, 0x73, 0xE2, 0x86,
	0x75, 0xA2, 0x3D, 0x18, 0x98, 0x38, 0xEF, 0x1E, 0x2E, 0xE6, 0x52, 0xC0,
	0x13, 0xEC, 0xB4, 0xAE, 0xA9, 0x06, 0x11, 0x23, 0x24, 0x97, 0x5C, 0x3C,
	0xD4, 0x9B, 0x83, 0xBF, 0xAC, 0xCB, 0xDD, 0x7D, 0x90, 0xC4, 0xBD, 0x70,
	0x98, 0x48, 0x8E, 0x9C, 0x21, 0x9A, 0x73, 0x72, 0x4E, 0xFF, 0xD6, 0xFA,
	0xE5, 0x64, 0x47, 0x38, 0xFA, 0xA3, 0x1A, 0x4F, 0xF5, 0x5B, 0xCC, 0xC0,
	0xA1, 0x51, 0xAF, 0x5F, 0x0D, 0xC8, 0xB4, 0xBD, 0x45, 0xBF, 0x37, 0xDF,
	0x36, 0x5C, 0x1A, 0x65, 0xE6, 0x8C, 0xFD, 0xA7, 0x6D, 0x4D, 0xA7, 0x08,
	0xDF, 0x1F, 0xB2, 0xBC, 0x2E, 0x4A, 0x43, 0x71,
}

var dh1024G = []byte{
	0xA4, 0xD1, 0xCB, 0xD5, 0xC3, 0xFD, 0x34, 0x12, 0x67, 0x65, 0xA4, 0x42,
	0xEF, 0xB9, 0x99, 0x05, 0xF8, 0x10, 0x4D, 0xD2, 0x58, 0xAC, 0x50, 0x7F,
	0xD6, 0x40, 0x6C, 0xFF, 0x14, 0x26, 0x6D, 0x31, 0x26, 0x6F, 0xEA, 0x1E,
	0x5C, 0x41, 0x56, 0x4B, 0x77, 0x7E, 0x69, 0x0F, 0x55, 0x04, 0xF2, 0x13,
	0x16, 0x02, 0x17, 0xB4, 0xB0, 0x1B, 0x88, 0x6A, 0x5E, 0x91, 0x54, 0x7F,
	0x9E, 0x27, 0x49, 0xF4, 0xD7, 0xFB, 0xD7, 0xD3, 0xB9, 0xA9, 0x2E, 0xE1,
	0x90, 0x9D, 0x0D, 0x22, 0x63, 0xF8, 0x0A, 0x76, 0xA6, 0xA2, 0x4C, 0x08,
	0x7A, 0x09, 0x1F, 0x53, 0x1D, 0xBF, 0x0A, 0x01, 0x69, 0xB6, 0xA2, 0x8A,
	0xD6, 0x62, 0xA4, 0xD1, 0x8E, 0x73, 0xAF, 0xA3, 0x2D, 0x77, 0x9D, 0x59,
	0x18, 0xD0, 0x8B, 0xC8, 0x85, 0x8F, 0x4D, 0xCE, 0xF9, 0x7C, 0x2A, 0x24,
	0x85, 0x5E, 0x6E, 0xEB, 0x22, 0xB3, 0xB2, 0xE5,
}

// Order of the subgroup generated by dh1024G.
var dh1024Q = []byte{
	0xF5, 0x18, 0xAA, 0x87, 0x81, 0xA8, 0xDF, 0x27, 0x8A, 0xBA,
	0x4E, 0x7D, 0x64, 0xB7, 0xCB, 0x9D, 0x49, 0x46, 0x23, 0x53,
}

// DHParams is a finite-field Diffie-Hellman group.
type DHParams struct {
	P *big.Int
	G *big.Int
	// Q is the prime order of the subgroup G generates; nil when the
	// encoding does not carry it (PKCS #3).
	Q *big.Int
	// PrivateBits is the optional private value length from the encoding; 0
	// when absent.
	PrivateBits int
	Source      string
}

// EmbeddedDH builds the compiled-in group.
func EmbeddedDH() (*DHParams, error) {
	params := &DHParams{
		P:      new(big.Int).SetBytes(dh1024P),
		G:      new(big.Int).SetBytes(dh1024G),
		Q:      new(big.Int).SetBytes(dh1024Q),
		Source: SourceEmbedded,
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// LoadDHParams reads the first DH PARAMETERS block from a PEM file.
func LoadDHParams(path string) (*DHParams, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("dh params load failed (%s): %w", path, err)
	}
	params, err := ParseDHParamsPEM(data)
	if err != nil {
		return nil, fmt.Errorf("dh params parse failed (%s): %w", path, err)
	}
	params.Source = path
	return params, nil
}

// ParseDHParamsPEM decodes PEM data holding a PKCS #3 DHParameter structure.
func ParseDHParamsPEM(data []byte) (*DHParams, error) {
	for {
		var block *pem.Block
		block, data = pem.Decode(data)
		if block == nil {
			return nil, fmt.Errorf("%w: no %q block", ErrInvalidDHPEM, pemTypeDHParams)
		}
		if block.Type == pemTypeDHParams {
			return ParseDHParamsDER(block.Bytes)
		}
	}
}

// ParseDHParamsDER decodes DHParameter ::= SEQUENCE { prime INTEGER,
// base INTEGER, privateValueLength INTEGER OPTIONAL }.
func ParseDHParamsDER(der []byte) (*DHParams, error) {
	input := cryptobyte.String(der)
	var seq cryptobyte.String
	if !input.ReadASN1(&seq, asn1.SEQUENCE) || !input.Empty() {
		return nil, fmt.Errorf("%w: malformed sequence", ErrInvalidDHPEM)
	}
	params := &DHParams{P: new(big.Int), G: new(big.Int)}
	if !seq.ReadASN1Integer(params.P) || !seq.ReadASN1Integer(params.G) {
		return nil, fmt.Errorf("%w: malformed prime or base", ErrInvalidDHPEM)
	}
	if !seq.Empty() {
		var bits int64
		if !seq.ReadASN1Integer(&bits) || !seq.Empty() {
			return nil, fmt.Errorf("%w: malformed private value length", ErrInvalidDHPEM)
		}
		params.PrivateBits = int(bits)
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return params, nil
}

// Validate checks the group shape: odd prime of at least MinPrimeBits and a
// generator in (1, p-1).
func (p *DHParams) Validate() error {
	if p == nil || p.P == nil || p.G == nil {
		return ErrNoDHParams
	}
	if p.P.BitLen() < MinPrimeBits {
		return fmt.Errorf("%w: prime has %d bits", ErrInvalidDHParams, p.P.BitLen())
	}
	if p.P.Bit(0) == 0 {
		return fmt.Errorf("%w: even prime", ErrInvalidDHParams)
	}
	pMinus1 := new(big.Int).Sub(p.P, big.NewInt(1))
	if p.G.Cmp(big.NewInt(1)) <= 0 || p.G.Cmp(pMinus1) >= 0 {
		return fmt.Errorf("%w: generator out of range", ErrInvalidDHParams)
	}
	if p.PrivateBits < 0 || p.PrivateBits > p.P.BitLen() {
		return fmt.Errorf("%w: private value length %d", ErrInvalidDHParams, p.PrivateBits)
	}
	if p.Q != nil && !p.inSubgroup(p.G) {
		return fmt.Errorf("%w: generator order is not q", ErrInvalidDHParams)
	}
	return nil
}

// inSubgroup reports whether y^q = 1 mod p.
func (p *DHParams) inSubgroup(y *big.Int) bool {
	return new(big.Int).Exp(y, p.Q, p.P).Cmp(big.NewInt(1)) == 0
}

// DHKey is an ephemeral key pair. It is meant for exactly one exchange.
type DHKey struct {
	params  *DHParams
	private *big.Int
	Public  *big.Int
}

// GenerateKey draws a fresh private exponent in [2, p-2].
func (p *DHParams) GenerateKey(rand io.Reader) (*DHKey, error) {
	if err := p.Validate(); err != nil {
		return nil, err
	}
	// rand.Int draws from [0, p-4]; shift into [2, p-2].
	limit := new(big.Int).Sub(p.P, big.NewInt(3))
	x, err := randInt(rand, limit)
	if err != nil {
		return nil, fmt.Errorf("kex: generate dh exponent: %w", err)
	}
	x.Add(x, big.NewInt(2))
	return &DHKey{
		params:  p,
		private: x,
		Public:  new(big.Int).Exp(p.G, x, p.P),
	}, nil
}

// SharedSecret computes peer^x mod p, left-padded to the prime length. When
// the group order is known the peer value must lie in that subgroup.
func (k *DHKey) SharedSecret(peer *big.Int) ([]byte, error) {
	p := k.params.P
	pMinus1 := new(big.Int).Sub(p, big.NewInt(1))
	if peer == nil || peer.Cmp(big.NewInt(1)) <= 0 || peer.Cmp(pMinus1) >= 0 {
		return nil, ErrInvalidPeerValue
	}
	if k.params.Q != nil && !k.params.inSubgroup(peer) {
		return nil, fmt.Errorf("%w: outside the prime-order subgroup", ErrInvalidPeerValue)
	}
	z := new(big.Int).Exp(peer, k.private, p)
	return z.FillBytes(make([]byte, (p.BitLen()+7)/8)), nil
}

// Describe is a short log-friendly summary of the group.
func (p *DHParams) Describe() string {
	if p == nil || p.P == nil {
		return "none"
	}
	return fmt.Sprintf("%s/%d-bit", strings.TrimSpace(p.Source), p.P.BitLen())
}

// resolveDH returns parameters from path, or the embedded group when path is
// empty or unusable.
func resolveDH(path string) (*DHParams, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		params, err := LoadDHParams(path)
		if err == nil {
			return params, nil
		}
		log.Warn().Err(err).Str("dh_file", path).Msg("dh params unusable, using embedded group")
	}
	params, err := EmbeddedDH()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoDHParams, err)
	}
	return params, nil
}
