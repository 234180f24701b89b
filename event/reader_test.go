package event

import "testing"

func TestParseRejectsTruncated(t *testing.T) {
	ev := buildSimpleEvent(t)
	buf := ev.Bytes()
	if _, err := Parse(buf[:len(buf)-1]); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}

func TestParseRejectsBadVersion(t *testing.T) {
	ev := buildSimpleEvent(t)
	buf := append([]byte(nil), ev.Bytes()...)
	buf[offVersion] = 9
	if _, err := Parse(buf); err != ErrBadVersion {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestParseRejectsShortHeader(t *testing.T) {
	if _, err := Parse([]byte{1, 2, 3}); err != ErrTruncated {
		t.Fatalf("expected ErrTruncated, got %v", err)
	}
}
