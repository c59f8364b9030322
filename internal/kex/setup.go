// Package kex configures ephemeral key-exchange parameters for a shared TLS
// context.
//
// Both setups run once while a context is being built. DH parameters come
// from a PEM file or the embedded RFC 5114 group; the elliptic curve is
// installed only when the crypto provider reports support for it.
package kex

import (
	"crypto/ecdh"
	cryptorand "crypto/rand"
	"crypto/tls"
	"fmt"
	"io"
	"math/big"

	"github.com/rs/zerolog/log"
)

// EphemeralCurve is the fixed named curve used for ECDHE (prime256v1).
const EphemeralCurve = tls.CurveP256

// Target receives installed parameters. engine.Context implements it.
type Target interface {
	InstallDH(params *DHParams, singleUse bool) error
	InstallCurve(curve tls.CurveID, singleUse bool) error
}

// Provider answers capability queries about the underlying crypto library.
type Provider interface {
	SupportsCurve(curve tls.CurveID) bool
}

// StdProvider reports the curves available through crypto/ecdh.
type StdProvider struct{}

func (StdProvider) SupportsCurve(curve tls.CurveID) bool {
	_, ok := ecdhCurve(curve)
	return ok
}

func ecdhCurve(curve tls.CurveID) (ecdh.Curve, bool) {
	switch curve {
	case tls.CurveP256:
		return ecdh.P256(), true
	case tls.CurveP384:
		return ecdh.P384(), true
	case tls.CurveP521:
		return ecdh.P521(), true
	case tls.X25519:
		return ecdh.X25519(), true
	default:
		return nil, false
	}
}

// SetupDH installs DH parameters loaded from path, falling back to the
// embedded group when path is empty or cannot be loaded. It fails only when
// no parameters can be materialized at all.
func SetupDH(target Target, path string) (*DHParams, error) {
	params, err := resolveDH(path)
	if err != nil {
		return nil, err
	}
	if err := target.InstallDH(params, true); err != nil {
		return nil, fmt.Errorf("kex: install dh params: %w", err)
	}
	log.Debug().Str("dh", params.Describe()).Msg("dh params installed")
	return params, nil
}

// SetupECDH installs EphemeralCurve when provider supports it. An unsupported
// curve is not an error; the context simply keeps its defaults.
func SetupECDH(target Target, provider Provider) error {
	if provider == nil {
		provider = StdProvider{}
	}
	if !provider.SupportsCurve(EphemeralCurve) {
		log.Debug().Str("curve", EphemeralCurve.String()).Msg("ecdh curve unsupported, skipping")
		return nil
	}
	if curve, ok := ecdhCurve(EphemeralCurve); ok {
		if _, err := curve.GenerateKey(cryptorand.Reader); err != nil {
			return fmt.Errorf("kex: probe %s key: %w", EphemeralCurve, err)
		}
	}
	if err := target.InstallCurve(EphemeralCurve, true); err != nil {
		return fmt.Errorf("kex: install curve: %w", err)
	}
	log.Debug().Str("curve", EphemeralCurve.String()).Msg("ecdh curve installed")
	return nil
}

func randInt(r io.Reader, limit *big.Int) (*big.Int, error) {
	if r == nil {
		r = cryptorand.Reader
	}
	return cryptorand.Int(r, limit)
}
