package store

import (
	"errors"
	"testing"
	"time"

	"github.com/voxroute/voxroute/pkg/types"
)

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestRecorderFlushesSessionRecord(t *testing.T) {
	backend := NewMemBackend()
	rec := NewRecorder(backend, RecorderConfig{}, nil)
	defer rec.Close()

	rec.RecordSession(SessionRecord{
		SessionID: "s-1",
		Provider:  "openai-realtime",
		Status:    "active",
		StartedAt: time.Now(),
	})

	waitFor(t, func() bool {
		_, ok := backend.Session("s-1")
		return ok
	})
}

func TestRecorderFlushesEvents(t *testing.T) {
	backend := NewMemBackend()
	rec := NewRecorder(backend, RecorderConfig{}, nil)
	defer rec.Close()

	rec.RecordFailover(types.FailoverEvent{
		SessionID:    "s-1",
		FromProvider: "a",
		ToProvider:   "b",
		Reason:       types.ReasonProviderError,
		Attempt:      1,
		Outcome:      types.FailoverSucceeded,
		Timestamp:    time.Now(),
	})
	rec.RecordRotation(types.RotationEvent{
		Provider:  "a",
		Outcome:   types.RotationSucceeded,
		Timestamp: time.Now(),
	})

	waitFor(t, func() bool {
		return len(backend.FailoverEvents()) == 1 && len(backend.RotationEvents()) == 1
	})
}

func TestRecorderCloseDrainsQueue(t *testing.T) {
	backend := NewMemBackend()
	rec := NewRecorder(backend, RecorderConfig{BufferSize: 64}, nil)

	for i := range 20 {
		rec.RecordFailover(types.FailoverEvent{
			SessionID: "s-1",
			Attempt:   i + 1,
			Outcome:   types.FailoverFailed,
			Timestamp: time.Now(),
		})
	}

	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if got := len(backend.FailoverEvents()); got != 20 {
		t.Errorf("flushed %d events, want 20", got)
	}
}

func TestRecorderSurvivesBackendErrors(t *testing.T) {
	backend := NewMemBackend()
	backend.FailWith = errors.New("db down")
	rec := NewRecorder(backend, RecorderConfig{}, nil)

	rec.RecordSession(SessionRecord{SessionID: "s-1", Status: "active"})
	rec.RecordSession(SessionRecord{SessionID: "s-2", Status: "active"})

	// Close must not hang or panic even though every write fails.
	if err := rec.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
}

func TestRecorderCloseIdempotent(t *testing.T) {
	rec := NewRecorder(NewMemBackend(), RecorderConfig{}, nil)
	if err := rec.Close(); err != nil {
		t.Fatalf("first Close: %v", err)
	}
	if err := rec.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
}
