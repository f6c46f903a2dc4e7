// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"sync"
	"testing"
	"time"
)

var errDial = errors.New("dial failed")

func newTestBreaker(maxFailures int, reset time.Duration) (*CircuitBreaker, *time.Time) {
	cb := New(Config{MaxFailures: maxFailures, ResetTimeout: reset})
	now := time.Now()
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Minute)

	for i := 0; i < 3; i++ {
		if err := cb.Call(func() error { return errDial }); !errors.Is(err, errDial) {
			t.Fatalf("call %d: expected dial error, got %v", i, err)
		}
	}

	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	called := false
	err := cb.Call(func() error { called = true; return nil })
	if !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected ErrCircuitOpen, got %v", err)
	}
	if called {
		t.Error("fn must not run while open")
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(2, time.Minute)

	cb.Call(func() error { return errDial })
	cb.Call(func() error { return nil })
	cb.Call(func() error { return errDial })

	if cb.State() != StateClosed {
		t.Errorf("expected closed, got %s", cb.State())
	}
	_, failures, _ := cb.Stats()
	if failures != 1 {
		t.Errorf("expected 1 failure, got %d", failures)
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(1, 10*time.Second)

	cb.Call(func() error { return errDial })
	if cb.State() != StateOpen {
		t.Fatalf("expected open, got %s", cb.State())
	}

	*now = now.Add(11 * time.Second)

	if err := cb.Call(func() error { return nil }); err != nil {
		t.Fatalf("probe should be allowed, got %v", err)
	}
	if cb.State() != StateClosed {
		t.Errorf("expected closed after successful probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_FailedProbeReopens(t *testing.T) {
	cb, now := newTestBreaker(1, 10*time.Second)

	cb.Call(func() error { return errDial })
	*now = now.Add(11 * time.Second)

	cb.Call(func() error { return errDial })
	if cb.State() != StateOpen {
		t.Errorf("expected open after failed probe, got %s", cb.State())
	}
}

func TestCircuitBreaker_SingleProbeInFlight(t *testing.T) {
	cb, now := newTestBreaker(1, 10*time.Second)
	cb.Call(func() error { return errDial })
	*now = now.Add(11 * time.Second)

	release := make(chan struct{})
	started := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		cb.Call(func() error {
			close(started)
			<-release
			return nil
		})
	}()

	<-started
	if err := cb.Call(func() error { return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("expected concurrent probe to be rejected, got %v", err)
	}
	close(release)
	wg.Wait()
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb, _ := newTestBreaker(1, time.Minute)

	changes := make(chan [2]State, 1)
	cb.OnStateChange(func(from, to State) {
		changes <- [2]State{from, to}
	})

	cb.Call(func() error { return errDial })

	select {
	case c := <-changes:
		if c[0] != StateClosed || c[1] != StateOpen {
			t.Errorf("unexpected transition %s -> %s", c[0], c[1])
		}
	case <-time.After(time.Second):
		t.Fatal("state change callback not called")
	}
}

func TestCircuitBreaker_TransitionsDeliveredInOrder(t *testing.T) {
	cb, now := newTestBreaker(1, time.Minute)

	var got []State
	cb.OnStateChange(func(from, to State) {
		// The callback runs outside the breaker lock.
		if cb.State() != to {
			t.Errorf("callback for %s ran while breaker is %s", to, cb.State())
		}
		got = append(got, to)
	})

	cb.Call(func() error { return errDial })
	*now = now.Add(2 * time.Minute)
	cb.Call(func() error { return errDial })
	*now = now.Add(2 * time.Minute)
	cb.Call(func() error { return nil })

	want := []State{StateOpen, StateHalfOpen, StateOpen, StateHalfOpen, StateClosed}
	if len(got) != len(want) {
		t.Fatalf("expected transitions %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("transition %d: expected %s, got %s", i, want[i], got[i])
		}
	}
}

func TestState_String(t *testing.T) {
	tests := map[State]string{
		StateClosed:   "closed",
		StateHalfOpen: "half_open",
		StateOpen:     "open",
		State(42):     "unknown",
	}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("State(%d).String() = %q, want %q", s, s.String(), want)
		}
	}
}
