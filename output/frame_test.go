package output

import (
	"bytes"
	"errors"
	"testing"

	"auoms.dev/auomsd/event"
)

func TestWriteFrameReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte("hello world")
	if err := WriteFrame(&buf, payload); err != nil {
		t.Fatalf("WriteFrame: %v", err)
	}
	got, err := ReadFrame(&buf, 1<<16)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload = %q, want %q", got, payload)
	}
}

func TestReadFrameRejectsBadVersion(t *testing.T) {
	var buf bytes.Buffer
	buf.Write([]byte{8, 0, 0, 2}) // size=8, version byte = 2 (top byte of LE u32)
	buf.Write([]byte{0, 0, 0, 0})
	if _, err := ReadFrame(&buf, 1<<16); !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("err = %v, want ErrUnsupportedVersion", err)
	}
}

// TestReadFrameOversizedDiscardsAndResyncs covers spec.md §4.6/§8: a
// frame whose declared size exceeds the caller's read bound is not left
// sitting in the stream. ReadFrame drains exactly the declared payload
// so the next call lands cleanly on the following frame's header.
func TestReadFrameOversizedDiscardsAndResyncs(t *testing.T) {
	var buf bytes.Buffer
	big := bytes.Repeat([]byte{0xAB}, 1024)
	if err := WriteFrame(&buf, big); err != nil {
		t.Fatalf("WriteFrame(big): %v", err)
	}
	next := []byte("next-frame")
	if err := WriteFrame(&buf, next); err != nil {
		t.Fatalf("WriteFrame(next): %v", err)
	}

	_, err := ReadFrame(&buf, 16)
	if !errors.Is(err, ErrOversizedFrame) {
		t.Fatalf("err = %v, want ErrOversizedFrame", err)
	}

	got, err := ReadFrame(&buf, 1<<16)
	if err != nil {
		t.Fatalf("ReadFrame after oversized discard: %v", err)
	}
	if !bytes.Equal(got, next) {
		t.Fatalf("resynced payload = %q, want %q", got, next)
	}
}

func TestAckFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	id := event.EventId{Sec: 1521757638, Msec: 392, Serial: 262332}
	if err := WriteAck(&buf, id); err != nil {
		t.Fatalf("WriteAck: %v", err)
	}
	got, err := ReadAck(&buf)
	if err != nil {
		t.Fatalf("ReadAck: %v", err)
	}
	if got != id {
		t.Fatalf("ReadAck = %+v, want %+v", got, id)
	}
}
