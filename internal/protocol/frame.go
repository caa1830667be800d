package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// FrameType identifies the payload carried by a frame.
type FrameType uint8

const (
	FrameAuth       FrameType = 1
	FrameAuthOK     FrameType = 2
	FrameAuthReject FrameType = 3
	FrameReport     FrameType = 4
	FrameHeartbeat  FrameType = 5
	FrameBye        FrameType = 6
)

const frameHeaderSize = 4

func (t FrameType) String() string {
	switch t {
	case FrameAuth:
		return "auth"
	case FrameAuthOK:
		return "auth_ok"
	case FrameAuthReject:
		return "auth_reject"
	case FrameReport:
		return "report"
	case FrameHeartbeat:
		return "heartbeat"
	case FrameBye:
		return "bye"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

func (t FrameType) valid() bool {
	return t >= FrameAuth && t <= FrameBye
}

// Frame is a decoded frame whose payload is still raw JSON.
type Frame struct {
	Type    FrameType
	Payload []byte
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformedFrame, f.Type, err)
	}
	return nil
}

// EncodeFrame returns the wire bytes for a frame: a 4-byte big-endian body
// length, the type byte, then v as JSON.
func EncodeFrame(t FrameType, v any) ([]byte, error) {
	if !t.valid() {
		return nil, fmt.Errorf("encode frame: unknown type %d", uint8(t))
	}
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", t, err)
	}
	bodyLen := 1 + len(payload)
	if bodyLen > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+bodyLen)
	binary.BigEndian.PutUint32(buf, uint32(bodyLen))
	buf[frameHeaderSize] = byte(t)
	copy(buf[frameHeaderSize+1:], payload)
	return buf, nil
}

// WriteFrame encodes v and writes it with a single Write call so concurrent
// writers serialized by the caller never interleave partial frames.
func WriteFrame(w io.Writer, t FrameType, v any) error {
	buf, err := EncodeFrame(t, v)
	if err != nil {
		return err
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write %s frame: %w", t, err)
	}
	return nil
}

// ReadFrame reads one frame. A clean close before the header returns io.EOF.
// An invalid length prefix or unknown type returns ErrMalformedFrame.
func ReadFrame(r io.Reader) (Frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Frame{}, err
	}

	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return Frame{}, fmt.Errorf("%w: zero length", ErrMalformedFrame)
	}
	if n > MaxFrameSize {
		return Frame{}, fmt.Errorf("%w (%d bytes)", ErrFrameTooLarge, n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Frame{}, fmt.Errorf("read frame body: %w", err)
	}

	t := FrameType(body[0])
	if !t.valid() {
		return Frame{}, fmt.Errorf("%w: unknown type %d", ErrMalformedFrame, body[0])
	}
	return Frame{Type: t, Payload: body[1:]}, nil
}
