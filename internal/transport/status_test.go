package transport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

type fakeMessenger struct {
	mu      sync.Mutex
	sends   []string
	edits   []string
	sendErr []error
	editErr []error
}

func (f *fakeMessenger) Send(_ context.Context, _, text string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sends = append(f.sends, text)
	if len(f.sendErr) > 0 {
		err := f.sendErr[0]
		f.sendErr = f.sendErr[1:]
		if err != nil {
			return "", err
		}
	}
	return "m1", nil
}

func (f *fakeMessenger) Edit(_ context.Context, _, _, text string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.edits = append(f.edits, text)
	if len(f.editErr) > 0 {
		err := f.editErr[0]
		f.editErr = f.editErr[1:]
		return err
	}
	return nil
}

func TestSendWithRetry_RateLimitedOnce(t *testing.T) {
	fm := &fakeMessenger{sendErr: []error{&RateLimitError{RetryAfter: 5 * time.Millisecond}}}
	id, err := SendWithRetry(context.Background(), fm, "c1", "hello")
	if err != nil || id != "m1" {
		t.Fatalf("got %q, %v", id, err)
	}
	if len(fm.sends) != 2 {
		t.Fatalf("sends: %d", len(fm.sends))
	}
}

func TestSendWithRetry_OtherErrorNotRetried(t *testing.T) {
	boom := errors.New("boom")
	fm := &fakeMessenger{sendErr: []error{boom}}
	if _, err := SendWithRetry(context.Background(), fm, "c1", "x"); !errors.Is(err, boom) {
		t.Fatalf("err: %v", err)
	}
	if len(fm.sends) != 1 {
		t.Fatalf("sends: %d", len(fm.sends))
	}
}

func TestStatusEditor_FirstUpdateSendsThenEdits(t *testing.T) {
	fm := &fakeMessenger{}
	se := NewStatusEditor(fm, "c1", nil)
	clock := time.Now()
	se.now = func() time.Time { return clock }

	se.Update(context.Background(), "step 1")
	clock = clock.Add(minEditInterval)
	se.Update(context.Background(), "step 2")

	if len(fm.sends) != 1 || fm.sends[0] != "step 1" {
		t.Fatalf("sends: %v", fm.sends)
	}
	if len(fm.edits) != 1 || fm.edits[0] != "step 2" {
		t.Fatalf("edits: %v", fm.edits)
	}
}

func TestStatusEditor_ThrottleDropsFastUpdates(t *testing.T) {
	fm := &fakeMessenger{}
	se := NewStatusEditor(fm, "c1", nil)
	clock := time.Now()
	se.now = func() time.Time { return clock }

	se.Update(context.Background(), "a")
	clock = clock.Add(time.Second)
	se.Update(context.Background(), "b") // inside window, dropped
	clock = clock.Add(minEditInterval)
	se.Update(context.Background(), "c")

	if len(fm.edits) != 1 || fm.edits[0] != "c" {
		t.Fatalf("edits: %v", fm.edits)
	}
}

func TestStatusEditor_IdenticalContentSkipped(t *testing.T) {
	fm := &fakeMessenger{}
	se := NewStatusEditor(fm, "c1", nil)
	clock := time.Now()
	se.now = func() time.Time { return clock }

	se.Update(context.Background(), "same")
	clock = clock.Add(minEditInterval)
	se.Update(context.Background(), "same")

	if len(fm.sends) != 1 || len(fm.edits) != 0 {
		t.Fatalf("sends=%v edits=%v", fm.sends, fm.edits)
	}
}

func TestStatusEditor_PermissionErrorSuspends(t *testing.T) {
	fm := &fakeMessenger{editErr: []error{&PermissionError{Reason: "message deleted"}}}
	se := NewStatusEditor(fm, "c1", nil)
	clock := time.Now()
	se.now = func() time.Time { return clock }

	se.Update(context.Background(), "a")
	clock = clock.Add(minEditInterval)
	se.Update(context.Background(), "b") // refused, suspends
	clock = clock.Add(minEditInterval)
	se.Update(context.Background(), "c") // dropped

	if !se.Suspended() {
		t.Fatalf("editor not suspended")
	}
	if len(fm.edits) != 1 {
		t.Fatalf("edits after suspension: %v", fm.edits)
	}
}

func TestStatusEditor_RateLimitRetriesOnce(t *testing.T) {
	fm := &fakeMessenger{editErr: []error{&RateLimitError{RetryAfter: 5 * time.Millisecond}}}
	se := NewStatusEditor(fm, "c1", nil)
	clock := time.Now()
	se.now = func() time.Time { return clock }

	se.Update(context.Background(), "a")
	clock = clock.Add(minEditInterval)
	se.Update(context.Background(), "b")

	if len(fm.edits) != 2 {
		t.Fatalf("expected retry edit: %v", fm.edits)
	}
}

func TestWatchdog_SingleFlight(t *testing.T) {
	fm := &fakeMessenger{}
	se := NewStatusEditor(fm, "c1", nil)
	w := NewWatchdog(se, time.Hour, func() string { return "tick" })

	if !w.Start(context.Background()) {
		t.Fatalf("first start refused")
	}
	if w.Start(context.Background()) {
		t.Fatalf("second start admitted")
	}
	w.Stop()
}

func TestStatusEditor_RateLimitWaitDoesNotBlockOthers(t *testing.T) {
	fm := &fakeMessenger{editErr: []error{&RateLimitError{RetryAfter: 150 * time.Millisecond}}}
	se := NewStatusEditor(fm, "c1", nil)
	clock := time.Now()
	se.now = func() time.Time { return clock }

	se.Update(context.Background(), "a")
	clock = clock.Add(minEditInterval)

	done := make(chan struct{})
	go func() {
		se.Update(context.Background(), "b") // rate-limited, waits before retrying
		close(done)
	}()
	for {
		fm.mu.Lock()
		n := len(fm.edits)
		fm.mu.Unlock()
		if n >= 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}

	start := time.Now()
	se.Update(context.Background(), "c")
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("update blocked behind a rate-limited edit for %s", elapsed)
	}
	<-done

	fm.mu.Lock()
	defer fm.mu.Unlock()
	if len(fm.edits) != 2 || fm.edits[0] != "b" || fm.edits[1] != "b" {
		t.Fatalf("edits: %v", fm.edits)
	}
}
