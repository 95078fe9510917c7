package breaker

import (
	"errors"
	"testing"
	"time"
)

func TestExecute_SuccessPassesValueThrough(t *testing.T) {
	b := New("dep", 3, time.Minute, nil)
	got := Execute(b, func() (string, error) { return "value", nil }, "fallback")
	if got != "value" {
		t.Fatalf("got %q", got)
	}
}

func TestExecute_FailureReturnsFallback(t *testing.T) {
	b := New("dep", 3, time.Minute, nil)
	got := Execute(b, func() (string, error) { return "", errors.New("boom") }, "fallback")
	if got != "fallback" {
		t.Fatalf("got %q", got)
	}
}

func TestExecute_OpensAfterThresholdWithoutInvokingFn(t *testing.T) {
	b := New("dep", 3, time.Minute, nil)
	for i := 0; i < 3; i++ {
		Execute(b, func() (int, error) { return 0, errors.New("boom") }, -1)
	}
	if b.State() != "open" {
		t.Fatalf("state after threshold failures: %s", b.State())
	}

	called := false
	got := Execute(b, func() (int, error) { called = true; return 42, nil }, -1)
	if called {
		t.Fatalf("fn invoked while breaker open")
	}
	if got != -1 {
		t.Fatalf("got %d, want fallback", got)
	}
}

func TestExecute_SuccessResetsConsecutiveFailures(t *testing.T) {
	b := New("dep", 3, time.Minute, nil)
	Execute(b, func() (int, error) { return 0, errors.New("boom") }, -1)
	Execute(b, func() (int, error) { return 0, errors.New("boom") }, -1)
	Execute(b, func() (int, error) { return 1, nil }, -1)
	Execute(b, func() (int, error) { return 0, errors.New("boom") }, -1)
	Execute(b, func() (int, error) { return 0, errors.New("boom") }, -1)
	if b.State() != "closed" {
		t.Fatalf("breaker opened despite intervening success: %s", b.State())
	}
}

func TestExecute_HalfOpenRecovery(t *testing.T) {
	b := New("dep", 1, 50*time.Millisecond, nil)
	Execute(b, func() (int, error) { return 0, errors.New("boom") }, -1)
	if b.State() != "open" {
		t.Fatalf("state: %s", b.State())
	}

	time.Sleep(80 * time.Millisecond)
	got := Execute(b, func() (int, error) { return 7, nil }, -1)
	if got != 7 {
		t.Fatalf("half-open probe result: %d", got)
	}
	if b.State() != "closed" {
		t.Fatalf("state after recovery: %s", b.State())
	}
}

func TestExecute_HalfOpenFailureReopens(t *testing.T) {
	b := New("dep", 1, 50*time.Millisecond, nil)
	Execute(b, func() (int, error) { return 0, errors.New("boom") }, -1)
	time.Sleep(80 * time.Millisecond)
	Execute(b, func() (int, error) { return 0, errors.New("still broken") }, -1)
	if b.State() != "open" {
		t.Fatalf("state after half-open failure: %s", b.State())
	}
}

func TestRegistry_ReturnsSameInstance(t *testing.T) {
	r := NewRegistry(nil)
	a := r.Memory()
	b := r.Memory()
	if a != b {
		t.Fatalf("registry returned distinct breakers for one dependency")
	}
	if r.Model("claude") == r.Model("gemini") {
		t.Fatalf("distinct dependencies share a breaker")
	}
}
