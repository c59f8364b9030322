package kex

import (
	"bytes"
	"crypto/rand"
	"crypto/tls"
	"errors"
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/danmuck/memtls/internal/testutil/testlog"
	"golang.org/x/crypto/cryptobyte"
	"golang.org/x/crypto/cryptobyte/asn1"
)

// Same group as the embedded constants, with privateValueLength = 160.
const rfc5114PEM = `-----BEGIN DH PARAMETERS-----
MIIBDAKBgQCxC4+WoIDgHd6S3l6uXVTsUsmfvPsGo8aaap3KUtI7YWBz4oZ1oj0Y
mDjvHi7mUsAT7LSuqQYRIySXXDzUm4O/rMvdfZDEvXCYSI6cIZpzck7/1vrlZEc4
+qMaT/VbzMChUa9fDci0vUW/N982XBpl5oz9p21NpwjfH7K8LkpDcQKBgQCk0cvV
w/00EmdlpELvuZkF+BBN0lisUH/WQGz/FCZtMSZv6h5cQVZLd35pD1UE8hMWAhe0
sBuIal6RVH+eJ0n01/vX07mpLuGQnQ0iY/gKdqaiTAh6CR9THb8KAWm2oorWYqTR
jnOvoy13nVkY0IvIhY9Nzvl8KiSFXm7rIrOy5QICAKA=
-----END DH PARAMETERS-----
`

type recordingTarget struct {
	dh        *DHParams
	dhSingle  bool
	curve     tls.CurveID
	curveSet  bool
	failCurve error
}

func (r *recordingTarget) InstallDH(params *DHParams, singleUse bool) error {
	r.dh = params
	r.dhSingle = singleUse
	return nil
}

func (r *recordingTarget) InstallCurve(curve tls.CurveID, singleUse bool) error {
	if r.failCurve != nil {
		return r.failCurve
	}
	r.curve = curve
	r.curveSet = singleUse
	return nil
}

type noCurves struct{}

func (noCurves) SupportsCurve(tls.CurveID) bool { return false }

func TestSetupDHWithoutPathUsesEmbeddedGroup(t *testing.T) {
	testlog.Start(t)
	target := &recordingTarget{}
	params, err := SetupDH(target, "")
	if err != nil {
		t.Fatalf("setup dh: %v", err)
	}
	if params.Source != SourceEmbedded || params.P.BitLen() != 1024 {
		t.Fatalf("unexpected params: %s", params.Describe())
	}
	if target.dh != params || !target.dhSingle {
		t.Fatalf("params not installed as single-use")
	}
}

func TestSetupDHMissingFileFallsBackToEmbedded(t *testing.T) {
	testlog.Start(t)
	target := &recordingTarget{}
	params, err := SetupDH(target, filepath.Join(t.TempDir(), "missing.pem"))
	if err != nil {
		t.Fatalf("setup dh: %v", err)
	}
	if params.Source != SourceEmbedded {
		t.Fatalf("expected embedded fallback, got %s", params.Source)
	}
}

func TestSetupDHLoadsPEMFile(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "dh.pem")
	if err := os.WriteFile(path, []byte(rfc5114PEM), 0o600); err != nil {
		t.Fatalf("write pem: %v", err)
	}
	target := &recordingTarget{}
	params, err := SetupDH(target, path)
	if err != nil {
		t.Fatalf("setup dh: %v", err)
	}
	embedded, _ := EmbeddedDH()
	if params.Source != path {
		t.Fatalf("source=%q want %q", params.Source, path)
	}
	if params.P.Cmp(embedded.P) != 0 || params.G.Cmp(embedded.G) != 0 {
		t.Fatalf("loaded group differs from embedded group")
	}
	if params.PrivateBits != 160 {
		t.Fatalf("private bits=%d want 160", params.PrivateBits)
	}
}

func TestSetupDHGarbageFileFallsBack(t *testing.T) {
	testlog.Start(t)
	path := filepath.Join(t.TempDir(), "dh.pem")
	if err := os.WriteFile(path, []byte("not pem"), 0o600); err != nil {
		t.Fatalf("write pem: %v", err)
	}
	params, err := SetupDH(&recordingTarget{}, path)
	if err != nil {
		t.Fatalf("setup dh: %v", err)
	}
	if params.Source != SourceEmbedded {
		t.Fatalf("expected embedded fallback, got %s", params.Source)
	}
}

func TestParseDHParamsRejectsWeakGroup(t *testing.T) {
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(big.NewInt(23))
		b.AddASN1BigInt(big.NewInt(5))
	})
	der, err := b.Bytes()
	if err != nil {
		t.Fatalf("build der: %v", err)
	}
	if _, err := ParseDHParamsDER(der); !errors.Is(err, ErrInvalidDHParams) {
		t.Fatalf("expected ErrInvalidDHParams, got %v", err)
	}
}

func TestParseDHParamsRejectsTrailingData(t *testing.T) {
	embedded, _ := EmbeddedDH()
	var b cryptobyte.Builder
	b.AddASN1(asn1.SEQUENCE, func(b *cryptobyte.Builder) {
		b.AddASN1BigInt(embedded.P)
		b.AddASN1BigInt(embedded.G)
	})
	der, err := b.Bytes()
	if err != nil {
		t.Fatalf("build der: %v", err)
	}
	if _, err := ParseDHParamsDER(der); err != nil {
		t.Fatalf("parse valid der: %v", err)
	}
	if _, err := ParseDHParamsDER(append(der, 0x00)); !errors.Is(err, ErrInvalidDHPEM) {
		t.Fatalf("expected ErrInvalidDHPEM, got %v", err)
	}
}

func TestEphemeralKeysAgreeAndNeverRepeat(t *testing.T) {
	params, err := EmbeddedDH()
	if err != nil {
		t.Fatalf("embedded dh: %v", err)
	}
	a, err := params.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate a: %v", err)
	}
	b, err := params.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate b: %v", err)
	}
	if a.Public.Cmp(b.Public) == 0 {
		t.Fatalf("two ephemeral keys share a public value")
	}
	za, err := a.SharedSecret(b.Public)
	if err != nil {
		t.Fatalf("shared a: %v", err)
	}
	zb, err := b.SharedSecret(a.Public)
	if err != nil {
		t.Fatalf("shared b: %v", err)
	}
	if !bytes.Equal(za, zb) || len(za) != 128 {
		t.Fatalf("shared secrets differ or wrong length: %d", len(za))
	}
	if _, err := a.SharedSecret(big.NewInt(1)); !errors.Is(err, ErrInvalidPeerValue) {
		t.Fatalf("expected ErrInvalidPeerValue, got %v", err)
	}
}

func TestSharedSecretRejectsSmallSubgroupValues(t *testing.T) {
	params, err := EmbeddedDH()
	if err != nil {
		t.Fatalf("embedded dh: %v", err)
	}
	if params.Q == nil || params.Q.BitLen() != 160 {
		t.Fatalf("embedded group order missing: %v", params.Q)
	}
	key, err := params.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	for _, y := range []*big.Int{
		big.NewInt(2),
		new(big.Int).Sub(params.P, big.NewInt(2)),
	} {
		if _, err := key.SharedSecret(y); !errors.Is(err, ErrInvalidPeerValue) {
			t.Fatalf("y=%v accepted: %v", y, err)
		}
	}

	bad := *params
	bad.G = big.NewInt(2)
	if err := bad.Validate(); !errors.Is(err, ErrInvalidDHParams) {
		t.Fatalf("generator outside subgroup err=%v", err)
	}
}

func TestSetupECDHInstallsCurve(t *testing.T) {
	testlog.Start(t)
	target := &recordingTarget{}
	if err := SetupECDH(target, nil); err != nil {
		t.Fatalf("setup ecdh: %v", err)
	}
	if target.curve != tls.CurveP256 || !target.curveSet {
		t.Fatalf("curve not installed: %v", target.curve)
	}
}

func TestSetupECDHUnsupportedIsNoop(t *testing.T) {
	testlog.Start(t)
	target := &recordingTarget{failCurve: errors.New("must not be called")}
	if err := SetupECDH(target, noCurves{}); err != nil {
		t.Fatalf("unsupported provider should be a no-op, got %v", err)
	}
}
