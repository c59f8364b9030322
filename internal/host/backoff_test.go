package host

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"
)

func TestNextBackoffDelay(t *testing.T) {
	cfg := BackoffConfig{InitialDelay: 100 * time.Millisecond, Multiplier: 2, MaxDelay: 300 * time.Millisecond}
	want := []time.Duration{100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond, 300 * time.Millisecond}
	for i, w := range want {
		if got := NextBackoffDelay(cfg, i+1, nil); got != w {
			t.Fatalf("attempt %d delay=%v want %v", i+1, got, w)
		}
	}

	cfg.Jitter = true
	rng := rand.New(rand.NewSource(1))
	for attempt := 2; attempt < 6; attempt++ {
		got := NextBackoffDelay(cfg, attempt, rng)
		if got < 50*time.Millisecond || got > 450*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestRetryStopsOnSuccessAndPermanentErrors(t *testing.T) {
	cfg := BackoffConfig{Attempts: 5, InitialDelay: time.Millisecond, Multiplier: 1}
	errTransient := errors.New("transient")
	errPermanent := errors.New("permanent")

	calls := 0
	err := Retry(context.Background(), cfg, nil, func() error {
		calls++
		if calls < 3 {
			return errTransient
		}
		return nil
	})
	if err != nil || calls != 3 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), cfg, func(err error) bool { return err != errPermanent }, func() error {
		calls++
		return errPermanent
	})
	if !errors.Is(err, errPermanent) || calls != 1 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}

	calls = 0
	err = Retry(context.Background(), cfg, nil, func() error {
		calls++
		return errTransient
	})
	if !errors.Is(err, errTransient) || calls != 5 {
		t.Fatalf("err=%v calls=%d", err, calls)
	}
}
