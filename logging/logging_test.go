package logging

import (
	"bytes"
	"testing"
	"time"
)

func TestNewRejectsInvalidLevel(t *testing.T) {
	if _, err := New("verbose", nil); err == nil {
		t.Fatal("expected error for invalid level")
	}
}

func TestNewWritesJSONAtLevel(t *testing.T) {
	var buf bytes.Buffer
	l, err := New("warn", &buf)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	l.Info("should not appear")
	l.Warn("should appear")
	out := buf.String()
	if bytes.Contains([]byte(out), []byte("should not appear")) {
		t.Fatalf("info line leaked through at warn level: %q", out)
	}
	if !bytes.Contains([]byte(out), []byte("should appear")) {
		t.Fatalf("warn line missing: %q", out)
	}
}

func TestRateLimiterAllowsOncePerKeyPerWindow(t *testing.T) {
	rl := NewRateLimiter(time.Minute, 1)
	if !rl.Allow("AUOMS_DROPPED_RECORDS") {
		t.Fatal("first Allow for a key should succeed")
	}
	if rl.Allow("AUOMS_DROPPED_RECORDS") {
		t.Fatal("second Allow within the window should be suppressed")
	}
	if !rl.Allow("other-key") {
		t.Fatal("a distinct key should not be suppressed by the first key's state")
	}
}
