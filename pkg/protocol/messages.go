package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Message type constants
const (
	TypeHello     = 0x01 // Server → Client: handshake request
	TypeControl   = 0x02 // Both: join / leave / exit
	TypeText      = 0x03 // Both: chat message
	TypeStatus    = 0x04 // Both: presence/status string
	TypeFileBegin = 0x05 // Both: file announce, raw payload follows the envelope
	TypeError     = 0x06 // Server → Client
	TypePing      = 0x07 // Client → Server
	TypePong      = 0x08 // Server → Client
	TypeFileAck   = 0x09 // Server → Client: a file was relayed
)

// Error codes
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFrame       = 1002
	ErrCodeTooManyConnections = 1003
	ErrCodeHandshakeRequired  = 1004
	ErrCodeUnexpectedMessage  = 1005

	// Rate limit errors (5xxx)
	ErrCodeMessageRateLimit = 5001

	// Validation errors (6xxx)
	ErrCodeFileTooLarge = 6002

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

var ErrUnknownControlKind = errors.New("unknown control kind")

// Message is one decoded protocol message
type Message interface {
	Type() uint8
}

// payloadCodec is implemented by messages that fit entirely inside one envelope
type payloadCodec interface {
	Message
	EncodeTo(w io.Writer) error
	Decode(payload []byte) error
}

// TypeName returns the canonical wire name for a message type
func TypeName(msgType uint8) string {
	switch msgType {
	case TypeHello:
		return "HELLO"
	case TypeControl:
		return "CONTROL"
	case TypeText:
		return "TEXT"
	case TypeStatus:
		return "STATUS"
	case TypeFileBegin:
		return "FILE_BEGIN"
	case TypeError:
		return "ERROR"
	case TypePing:
		return "PING"
	case TypePong:
		return "PONG"
	case TypeFileAck:
		return "FILE_RELAYED"
	default:
		return "UNKNOWN"
	}
}

// ControlKind distinguishes CONTROL messages
type ControlKind uint8

const (
	ControlJoin  ControlKind = 1
	ControlLeave ControlKind = 2
	ControlExit  ControlKind = 3
)

func (k ControlKind) String() string {
	switch k {
	case ControlJoin:
		return "JOIN"
	case ControlLeave:
		return "LEAVE"
	case ControlExit:
		return "EXIT"
	default:
		return fmt.Sprintf("ControlKind(%d)", uint8(k))
	}
}

// HelloMessage (0x01) - sent on accept, asks the peer for a display name
type HelloMessage struct {
	ProtocolVersion    uint8
	IdleTimeoutSeconds uint32
	MaxFileSize        uint64
	MaxNameLength      uint16
}

func (m *HelloMessage) Type() uint8 { return TypeHello }

func (m *HelloMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint8(w, m.ProtocolVersion); err != nil {
		return err
	}
	if err := WriteUint32(w, m.IdleTimeoutSeconds); err != nil {
		return err
	}
	if err := WriteUint64(w, m.MaxFileSize); err != nil {
		return err
	}
	return WriteUint16(w, m.MaxNameLength)
}

func (m *HelloMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	version, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	idle, err := ReadUint32(buf)
	if err != nil {
		return err
	}
	maxFile, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	maxName, err := ReadUint16(buf)
	if err != nil {
		return err
	}

	m.ProtocolVersion = version
	m.IdleTimeoutSeconds = idle
	m.MaxFileSize = maxFile
	m.MaxNameLength = maxName
	return requireConsumed(buf)
}

// ControlMessage (0x02) - JOIN carries the requested (client) or assigned
// (server) name, LEAVE names the departed peer, EXIT ends the session
type ControlMessage struct {
	Kind ControlKind
	Name string
}

func (m *ControlMessage) Type() uint8 { return TypeControl }

func (m *ControlMessage) EncodeTo(w io.Writer) error {
	if m.Kind < ControlJoin || m.Kind > ControlExit {
		return ErrUnknownControlKind
	}
	if err := WriteUint8(w, uint8(m.Kind)); err != nil {
		return err
	}
	return WriteString(w, m.Name)
}

func (m *ControlMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	kind, err := ReadUint8(buf)
	if err != nil {
		return err
	}
	if ControlKind(kind) < ControlJoin || ControlKind(kind) > ControlExit {
		return ErrUnknownControlKind
	}
	name, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Kind = ControlKind(kind)
	m.Name = name
	return requireConsumed(buf)
}

// TextMessage (0x03) - Sender is stamped by the server on relay
type TextMessage struct {
	Sender string
	Body   string
}

func (m *TextMessage) Type() uint8 { return TypeText }

func (m *TextMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	return WriteLongString(w, m.Body)
}

func (m *TextMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	body, err := ReadLongString(buf)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.Body = body
	return requireConsumed(buf)
}

// StatusMessage (0x04) - opaque presence string
type StatusMessage struct {
	Sender string
	Status string
}

func (m *StatusMessage) Type() uint8 { return TypeStatus }

func (m *StatusMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	return WriteString(w, m.Status)
}

func (m *StatusMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	status, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.Status = status
	return requireConsumed(buf)
}

// FileAnnounce is the FILE_BEGIN (0x05) envelope payload. Exactly Size raw
// bytes follow the envelope on the same stream.
type FileAnnounce struct {
	Sender string
	Name   string
	Size   uint64
}

func (m *FileAnnounce) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Sender); err != nil {
		return err
	}
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	return WriteUint64(w, m.Size)
}

func (m *FileAnnounce) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	sender, err := ReadString(buf)
	if err != nil {
		return err
	}
	name, err := ReadString(buf)
	if err != nil {
		return err
	}
	size, err := ReadUint64(buf)
	if err != nil {
		return err
	}

	m.Sender = sender
	m.Name = name
	m.Size = size
	return requireConsumed(buf)
}

// File is a complete transfer: its announce plus the whole payload
type File struct {
	Sender string
	Name   string
	Data   []byte
}

func (m *File) Type() uint8 { return TypeFileBegin }

// Announce returns the FILE_BEGIN header for this file
func (m *File) Announce() *FileAnnounce {
	return &FileAnnounce{Sender: m.Sender, Name: m.Name, Size: uint64(len(m.Data))}
}

// ErrorMessage (0x06)
type ErrorMessage struct {
	ErrorCode uint16
	Message   string
}

func (m *ErrorMessage) Type() uint8 { return TypeError }

func (m *ErrorMessage) EncodeTo(w io.Writer) error {
	if err := WriteUint16(w, m.ErrorCode); err != nil {
		return err
	}
	return WriteString(w, m.Message)
}

func (m *ErrorMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	code, err := ReadUint16(buf)
	if err != nil {
		return err
	}
	message, err := ReadString(buf)
	if err != nil {
		return err
	}

	m.ErrorCode = code
	m.Message = message
	return requireConsumed(buf)
}

func (m *ErrorMessage) Error() string {
	return fmt.Sprintf("server error %d: %s", m.ErrorCode, m.Message)
}

// PingMessage (0x07) - empty keepalive
type PingMessage struct{}

func (m *PingMessage) Type() uint8                { return TypePing }
func (m *PingMessage) EncodeTo(w io.Writer) error { return nil }
func (m *PingMessage) Decode(payload []byte) error {
	return requireConsumed(bytes.NewReader(payload))
}

// PongMessage (0x08) - reply to PING
type PongMessage struct{}

func (m *PongMessage) Type() uint8                { return TypePong }
func (m *PongMessage) EncodeTo(w io.Writer) error { return nil }
func (m *PongMessage) Decode(payload []byte) error {
	return requireConsumed(bytes.NewReader(payload))
}

// FileAckMessage (0x09) - tells a sender how many peers a file was queued for
type FileAckMessage struct {
	Name       string
	Size       uint64
	Recipients uint32
}

func (m *FileAckMessage) Type() uint8 { return TypeFileAck }

func (m *FileAckMessage) EncodeTo(w io.Writer) error {
	if err := WriteString(w, m.Name); err != nil {
		return err
	}
	if err := WriteUint64(w, m.Size); err != nil {
		return err
	}
	return WriteUint32(w, m.Recipients)
}

func (m *FileAckMessage) Decode(payload []byte) error {
	buf := bytes.NewReader(payload)

	name, err := ReadString(buf)
	if err != nil {
		return err
	}
	size, err := ReadUint64(buf)
	if err != nil {
		return err
	}
	recipients, err := ReadUint32(buf)
	if err != nil {
		return err
	}

	m.Name = name
	m.Size = size
	m.Recipients = recipients
	return requireConsumed(buf)
}

var errTrailingBytes = errors.New("trailing bytes after payload")

func requireConsumed(buf *bytes.Reader) error {
	if buf.Len() != 0 {
		return errTrailingBytes
	}
	return nil
}
