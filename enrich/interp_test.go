package enrich

import "testing"

func TestInterpMode(t *testing.T) {
	cases := map[string]string{
		"33188": "0644", // 0100644 decimal
		"420":   "0644", // 0644 decimal
		"not-a-number": "not-a-number",
	}
	for raw, want := range cases {
		if got := interpMode(raw); got != want {
			t.Errorf("interpMode(%q) = %q, want %q", raw, got, want)
		}
	}
}

func TestInterpSession(t *testing.T) {
	if got := interpSession("4294967295"); got != "unset" {
		t.Errorf("interpSession(unset) = %q, want unset", got)
	}
	if got := interpSession("7"); got != "7" {
		t.Errorf("interpSession(7) = %q, want 7", got)
	}
}

func TestInterpSignal(t *testing.T) {
	if got := interpSignal("15"); got != "SIGTERM" {
		t.Errorf("interpSignal(15) = %q, want SIGTERM", got)
	}
	if got := interpSignal("999"); got != "999" {
		t.Errorf("interpSignal(999) = %q, want passthrough", got)
	}
}

func TestInterpProctitleHexDecodesAndEscapes(t *testing.T) {
	// "logger\0-t\0zfs backup" hex-encoded.
	hex := "6c6f67676572002d74007a6673206261636b7570"
	got := interpProctitle(hex)
	want := `logger -t "zfs backup"`
	if got != want {
		t.Errorf("interpProctitle = %q, want %q", got, want)
	}
}
