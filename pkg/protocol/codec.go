package protocol

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
)

// DefaultMaxFileSize caps a single FILE_BEGIN payload (64 MB)
const DefaultMaxFileSize = 64 * 1024 * 1024

var (
	// ErrMalformedFrame is returned for unknown tags, bad lengths or undecodable payloads
	ErrMalformedFrame = errors.New("malformed frame")

	// ErrTruncatedTransfer is returned when the stream ends inside a frame or file payload
	ErrTruncatedTransfer = errors.New("truncated transfer")

	// ErrFileTooLarge is returned (wrapped in ErrMalformedFrame) when an
	// announced file exceeds the decoder's limit
	ErrFileTooLarge = errors.New("file exceeds maximum size")

	ErrUnsupportedMessage = errors.New("unsupported message")
)

// Encoded is a message ready for the wire. Header is the envelope; Body is
// the raw file payload that must follow it (nil for everything but files).
// Encoded values are immutable and may be shared between connections.
type Encoded struct {
	Type   uint8
	Header []byte
	Body   []byte
}

// Len returns the number of bytes WriteTo will write
func (e *Encoded) Len() int {
	return len(e.Header) + len(e.Body)
}

// WriteTo writes the envelope and payload back to back
func (e *Encoded) WriteTo(w io.Writer) (int64, error) {
	if len(e.Body) == 0 {
		n, err := w.Write(e.Header)
		return int64(n), err
	}
	bufs := net.Buffers{e.Header, e.Body}
	return bufs.WriteTo(w)
}

// Encode converts a message to its wire form
func Encode(msg Message) (*Encoded, error) {
	var (
		codec interface{ EncodeTo(io.Writer) error }
		body  []byte
	)

	switch m := msg.(type) {
	case *File:
		codec = m.Announce()
		body = m.Data
	case payloadCodec:
		codec = m
	default:
		return nil, fmt.Errorf("%w: %T", ErrUnsupportedMessage, msg)
	}

	var payload bytes.Buffer
	if err := codec.EncodeTo(&payload); err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeName(msg.Type()), err)
	}

	header, err := AppendFrame(nil, &Frame{
		Version: ProtocolVersion,
		Type:    msg.Type(),
		Payload: payload.Bytes(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", TypeName(msg.Type()), err)
	}

	return &Encoded{Type: msg.Type(), Header: header, Body: body}, nil
}

// Encoder writes messages to a stream. It is not safe for concurrent use.
type Encoder struct {
	w io.Writer
}

// NewEncoder returns an encoder writing to w
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: w}
}

// Encode writes one message, including any file payload
func (e *Encoder) Encode(msg Message) error {
	enc, err := Encode(msg)
	if err != nil {
		return err
	}
	_, err = enc.WriteTo(e.w)
	return err
}

// Decoder reads messages from a stream. All reads go through one buffered
// reader, so bytes following a FILE_BEGIN envelope are never lost.
type Decoder struct {
	r *bufio.Reader

	// MaxFileSize rejects larger announces before any payload is read
	MaxFileSize uint64
}

// NewDecoder returns a decoder reading from r
func NewDecoder(r io.Reader) *Decoder {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	return &Decoder{r: br, MaxFileSize: DefaultMaxFileSize}
}

// Decode reads the next message. A clean end of stream between messages is
// reported as io.EOF.
func (d *Decoder) Decode() (Message, error) {
	frame, err := DecodeFrame(d.r)
	if err != nil {
		switch {
		case errors.Is(err, io.EOF):
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: %w", ErrTruncatedTransfer, err)
		case errors.Is(err, ErrFrameTooLarge), errors.Is(err, ErrInvalidFrameLength), errors.Is(err, ErrInvalidVersion):
			return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, err)
		default:
			return nil, err
		}
	}

	var msg payloadCodec
	switch frame.Type {
	case TypeHello:
		msg = &HelloMessage{}
	case TypeControl:
		msg = &ControlMessage{}
	case TypeText:
		msg = &TextMessage{}
	case TypeStatus:
		msg = &StatusMessage{}
	case TypeError:
		msg = &ErrorMessage{}
	case TypePing:
		msg = &PingMessage{}
	case TypePong:
		msg = &PongMessage{}
	case TypeFileAck:
		msg = &FileAckMessage{}
	case TypeFileBegin:
		return d.decodeFile(frame.Payload)
	default:
		return nil, fmt.Errorf("%w: unknown type 0x%02X", ErrMalformedFrame, frame.Type)
	}

	if err := msg.Decode(frame.Payload); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMalformedFrame, TypeName(frame.Type), err)
	}
	return msg, nil
}

func (d *Decoder) decodeFile(payload []byte) (Message, error) {
	var announce FileAnnounce
	if err := announce.Decode(payload); err != nil {
		return nil, fmt.Errorf("%w: FILE_BEGIN: %w", ErrMalformedFrame, err)
	}

	if announce.Size > d.MaxFileSize {
		return nil, fmt.Errorf("%w: %w: %q is %d bytes (limit %d)", ErrMalformedFrame, ErrFileTooLarge, announce.Name, announce.Size, d.MaxFileSize)
	}

	// Grow as bytes arrive rather than trusting the announced size up front
	var data bytes.Buffer
	n, err := io.CopyN(&data, d.r, int64(announce.Size))
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: %q got %d of %d bytes: %w", ErrTruncatedTransfer, announce.Name, n, announce.Size, err)
	}

	body := data.Bytes()
	if body == nil {
		body = []byte{}
	}

	return &File{Sender: announce.Sender, Name: announce.Name, Data: body}, nil
}

// MarshalMessage encodes a message into one contiguous byte slice
func MarshalMessage(msg Message) ([]byte, error) {
	enc, err := Encode(msg)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, enc.Len())
	out = append(out, enc.Header...)
	return append(out, enc.Body...), nil
}

// UnmarshalMessage decodes exactly one message from data
func UnmarshalMessage(data []byte) (Message, error) {
	src := bytes.NewReader(data)
	d := NewDecoder(src)
	d.MaxFileSize = uint64(len(data))
	msg, err := d.Decode()
	if err != nil {
		return nil, err
	}
	if d.r.Buffered() > 0 || src.Len() > 0 {
		return nil, fmt.Errorf("%w: %w", ErrMalformedFrame, errTrailingBytes)
	}
	return msg, nil
}
