package protocol

import (
	"encoding/binary"
	"errors"
	"io"
)

const (
	// MaxFrameSize is the maximum allowed frame size (1 MB). File payloads
	// travel outside the envelope and are bounded separately.
	MaxFrameSize = 1024 * 1024

	// ProtocolVersion is the current protocol version
	ProtocolVersion = 1

	// frameHeaderSize is version + type + flags
	frameHeaderSize = 3
)

var (
	ErrFrameTooLarge      = errors.New("frame exceeds maximum size (1 MB)")
	ErrInvalidVersion     = errors.New("invalid protocol version")
	ErrInvalidFrameLength = errors.New("invalid frame length")
)

// Frame is the envelope every message travels in
// Format: [Length (4 bytes)][Version (1 byte)][Type (1 byte)][Flags (1 byte)][Payload (N bytes)]
type Frame struct {
	Version uint8  // Protocol version (currently 1)
	Type    uint8  // Message type
	Flags   uint8  // Reserved, always 0 for version 1
	Payload []byte // Message payload
}

// AppendFrame appends the wire encoding of f to dst
func AppendFrame(dst []byte, f *Frame) ([]byte, error) {
	length := uint32(frameHeaderSize + len(f.Payload))
	if length > MaxFrameSize {
		return dst, ErrFrameTooLarge
	}

	dst = binary.BigEndian.AppendUint32(dst, length)
	dst = append(dst, f.Version, f.Type, f.Flags)
	return append(dst, f.Payload...), nil
}

// EncodeFrame writes a frame to the writer in a single Write call
func EncodeFrame(w io.Writer, f *Frame) error {
	buf, err := AppendFrame(make([]byte, 0, 4+frameHeaderSize+len(f.Payload)), f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// DecodeFrame reads a frame from the reader. A stream that ends before the
// first length byte yields io.EOF; one that ends later yields io.ErrUnexpectedEOF.
func DecodeFrame(r io.Reader) (*Frame, error) {
	length, err := ReadUint32(r)
	if err != nil {
		return nil, err
	}

	if length > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}

	// Length must cover at least version + type + flags
	if length < frameHeaderSize {
		return nil, ErrInvalidFrameLength
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, err
	}

	if body[0] != ProtocolVersion {
		return nil, ErrInvalidVersion
	}

	return &Frame{
		Version: body[0],
		Type:    body[1],
		Flags:   body[2],
		Payload: body[frameHeaderSize:],
	}, nil
}
