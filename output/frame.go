package output

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"auoms.dev/auomsd/event"
)

const (
	// FrameVersion is the only wire version this implementation speaks.
	FrameVersion = 1

	frameHeaderSize = 4

	// maxFrameSize is the largest value the header's low 24 bits can
	// express (header included), per spec.md §4.6.
	maxFrameSize = 1<<24 - 1

	// AckFrameSize is the fixed size of an ack frame: sec(8) | msec(4) | serial(8).
	AckFrameSize = 20
)

// ErrOversizedFrame is returned by ReadFrame when a frame's declared
// size would exceed the caller's maxPayload bound. Unless draining it
// failed, ReadFrame has already discarded the declared payload at that
// point, so the next ReadFrame call starts on the following frame header.
var ErrOversizedFrame = errors.New("output: oversized frame")

// ErrUnsupportedVersion is returned by ReadFrame for any header whose
// version byte isn't FrameVersion.
var ErrUnsupportedVersion = errors.New("output: unsupported frame version")

// WriteFrame writes payload as one event frame: a 4-byte little-endian
// header (high byte FrameVersion, low 24 bits total frame size including
// the header) followed by payload itself.
func WriteFrame(w io.Writer, payload []byte) error {
	total := frameHeaderSize + len(payload)
	if total > maxFrameSize {
		return fmt.Errorf("output: frame size %d exceeds max %d", total, maxFrameSize)
	}
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(FrameVersion)<<24|uint32(total))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	if len(payload) == 0 {
		return nil
	}
	_, err := w.Write(payload)
	return err
}

// ReadFrame reads one event frame from r. maxPayload bounds the payload
// length (header-exclusive). A declared length above maxPayload is
// still drained from r (spec.md §4.6/§8: "discards size - 4 bytes and
// continues") so the stream resynchronizes onto the next frame header;
// ReadFrame then returns ErrOversizedFrame so the caller can log once
// and keep reading rather than tearing down the connection.
func ReadFrame(r io.Reader, maxPayload int) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	raw := binary.LittleEndian.Uint32(hdr[:])
	version := uint8(raw >> 24)
	if version != FrameVersion {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	size := int(raw & 0x00FFFFFF)
	if size < frameHeaderSize {
		return nil, fmt.Errorf("output: frame size %d smaller than header", size)
	}
	plen := size - frameHeaderSize
	if plen > maxPayload {
		if _, err := io.CopyN(io.Discard, r, int64(plen)); err != nil {
			return nil, fmt.Errorf("%w: declared payload %d exceeds max %d, and discarding it failed: %v", ErrOversizedFrame, plen, maxPayload, err)
		}
		return nil, fmt.Errorf("%w: declared payload %d exceeds max %d", ErrOversizedFrame, plen, maxPayload)
	}
	if plen == 0 {
		return nil, nil
	}
	payload := make([]byte, plen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}

// WriteAck writes one 20-byte ack frame for id.
func WriteAck(w io.Writer, id event.EventId) error {
	var b [AckFrameSize]byte
	binary.LittleEndian.PutUint64(b[0:8], id.Sec)
	binary.LittleEndian.PutUint32(b[8:12], id.Msec)
	binary.LittleEndian.PutUint64(b[12:20], id.Serial)
	_, err := w.Write(b[:])
	return err
}

// ReadAck reads one 20-byte ack frame.
func ReadAck(r io.Reader) (event.EventId, error) {
	var b [AckFrameSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return event.EventId{}, err
	}
	return event.EventId{
		Sec:    binary.LittleEndian.Uint64(b[0:8]),
		Msec:   binary.LittleEndian.Uint32(b[8:12]),
		Serial: binary.LittleEndian.Uint64(b[12:20]),
	}, nil
}
