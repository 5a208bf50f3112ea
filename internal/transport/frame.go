package transport

import (
	"encoding/binary"
	"errors"
	"io"
)

// TCP framing: every frame is a 6-byte header followed by the payload.
//
//	op (1) | characteristic (1) | payload length (4, big-endian) | payload
const (
	frameHeaderSize = 1 + 1 + 4
	MaxFramePayload = 1 << 20
)

type op byte

const (
	opHello     op = 0x01 // both directions: payload is the sender's name
	opWrite     op = 0x02 // connector -> server: inbox write
	opRead      op = 0x03 // connector -> server: request a characteristic
	opSubscribe op = 0x04 // connector -> server: payload 1 = on, 0 = off
	opValue     op = 0x05 // server -> connector: characteristic value
)

var (
	ErrFrameTooLarge = errors.New("frame: payload exceeds MaxFramePayload")
	ErrBadOp         = errors.New("frame: unknown op")
)

type frame struct {
	Op      op
	Char    Characteristic
	Payload []byte
}

// encode serialises f with its header.
func (f frame) encode() ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, ErrFrameTooLarge
	}
	buf := make([]byte, frameHeaderSize+len(f.Payload))
	buf[0] = byte(f.Op)
	buf[1] = byte(f.Char)
	binary.BigEndian.PutUint32(buf[2:], uint32(len(f.Payload)))
	copy(buf[frameHeaderSize:], f.Payload)
	return buf, nil
}

// readFrame reads exactly one frame from r.
func readFrame(r io.Reader) (frame, error) {
	var hdr [frameHeaderSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return frame{}, err
	}
	f := frame{Op: op(hdr[0]), Char: Characteristic(hdr[1])}
	if f.Op < opHello || f.Op > opValue {
		return frame{}, ErrBadOp
	}
	n := binary.BigEndian.Uint32(hdr[2:])
	if n > MaxFramePayload {
		return frame{}, ErrFrameTooLarge
	}
	f.Payload = make([]byte, n)
	if _, err := io.ReadFull(r, f.Payload); err != nil {
		return frame{}, err
	}
	return f, nil
}
