package server

import (
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/google/uuid"
)

var (
	// errClientExit is the close reason when the client sends Control{Exit}
	errClientExit = errors.New("client exit")

	errHandshakeRequired = errors.New("handshake required")
)

// serveSession runs the handshake and then the read loop. The returned
// error is the session's close reason.
func (s *Server) serveSession(sess *Session) error {
	dec := protocol.NewDecoder(sess.reader())
	dec.MaxFileSize = s.config.MaxFileSize

	if err := s.handshake(sess, dec); err != nil {
		return err
	}

	for {
		msg, err := dec.Decode()
		if err != nil {
			return s.readFailed(sess, err)
		}
		if sess.State() != StateActive {
			return ErrSessionClosed
		}

		if err := s.handleMessage(sess, msg); err != nil {
			return err
		}
	}
}

// handshake sends HELLO and waits for Control{Join}
func (s *Server) handshake(sess *Session, dec *protocol.Decoder) error {
	sess.setState(StateAwaitingHandshake)

	hello := &protocol.HelloMessage{
		ProtocolVersion:    s.config.ProtocolVersion,
		IdleTimeoutSeconds: uint32(s.config.IdleTimeoutSeconds),
		MaxFileSize:        s.config.MaxFileSize,
		MaxNameLength:      uint16(s.config.MaxNameLength),
	}
	if err := s.send(sess, hello); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}

	msg, err := dec.Decode()
	if err != nil {
		return s.readFailed(sess, err)
	}

	join, ok := msg.(*protocol.ControlMessage)
	if ok && join.Kind == protocol.ControlExit {
		return errClientExit
	}
	if !ok || join.Kind != protocol.ControlJoin {
		s.sendError(sess, protocol.ErrCodeHandshakeRequired, "Send JOIN before anything else")
		return fmt.Errorf("%w: got %s", errHandshakeRequired, protocol.TypeName(msg.Type()))
	}

	name := normalizeName(join.Name, s.config.MaxNameLength)
	sess.setName(name)

	// The welcome goes out before any other peer's traffic can be queued
	if err := s.send(sess, &protocol.ControlMessage{Kind: protocol.ControlJoin, Name: name}); err != nil {
		return fmt.Errorf("send welcome: %w", err)
	}

	joined := sess.activate(func(sess *Session) {
		s.registry.Register(sess)
		announce := &protocol.ControlMessage{Kind: protocol.ControlJoin, Name: name}
		if _, err := s.dispatcher.Broadcast(announce, sess.ID); err != nil {
			errorLog.Printf("Session %d: join broadcast failed: %v", sess.ID, err)
		}
	})
	if !joined {
		return ErrSessionClosed
	}

	log.Printf("Session %d: %q joined (%d online)", sess.ID, name, s.registry.Count())
	return nil
}

// handleMessage dispatches one decoded message from an active session
func (s *Server) handleMessage(sess *Session, msg protocol.Message) error {
	typeName := protocol.TypeName(msg.Type())
	s.metrics.RecordMessageReceived(typeName)
	debugLog.Printf("Session %d ← RECV: %s", sess.ID, typeName)

	switch m := msg.(type) {
	case *protocol.TextMessage:
		return s.handleText(sess, m)
	case *protocol.StatusMessage:
		return s.handleStatus(sess, m)
	case *protocol.File:
		return s.handleFile(sess, m)
	case *protocol.ControlMessage:
		return s.handleControl(sess, m)
	case *protocol.PingMessage:
		return s.send(sess, &protocol.PongMessage{})
	default:
		// HELLO, ERROR, PONG and FILE_RELAYED only travel server to client
		return s.sendError(sess, protocol.ErrCodeUnexpectedMessage, fmt.Sprintf("Unexpected %s from client", typeName))
	}
}

// handleText relays a chat message to every other peer
func (s *Server) handleText(sess *Session, msg *protocol.TextMessage) error {
	if !s.admit(sess) {
		return nil
	}
	msg.Sender = sess.Name()
	_, err := s.relay(sess, msg)
	return err
}

// handleStatus records and relays a status update
func (s *Server) handleStatus(sess *Session, msg *protocol.StatusMessage) error {
	if !s.admit(sess) {
		return nil
	}
	sess.setStatus(msg.Status)
	msg.Sender = sess.Name()
	_, err := s.relay(sess, msg)
	return err
}

// handleFile relays a complete file. The payload is already fully read,
// so peers never see a partial transfer. The sender gets a FILE_RELAYED
// naming how many peers it was queued for.
func (s *Server) handleFile(sess *Session, msg *protocol.File) error {
	if !s.admit(sess) {
		return nil
	}
	msg.Sender = sess.Name()
	s.metrics.RecordFileBytes(len(msg.Data))
	log.Printf("Session %d: relaying file %q (%d bytes)", sess.ID, msg.Name, len(msg.Data))

	delivered, err := s.relay(sess, msg)
	if err != nil || delivered < 0 {
		return err
	}
	return s.send(sess, &protocol.FileAckMessage{
		Name:       msg.Name,
		Size:       uint64(len(msg.Data)),
		Recipients: uint32(delivered),
	})
}

// handleControl handles JOIN, LEAVE and EXIT after the handshake
func (s *Server) handleControl(sess *Session, msg *protocol.ControlMessage) error {
	switch msg.Kind {
	case protocol.ControlExit, protocol.ControlLeave:
		return errClientExit
	default:
		return s.sendError(sess, protocol.ErrCodeUnexpectedMessage, "Already joined")
	}
}

// relay broadcasts msg to everyone except its sender and returns how many
// peers it was queued for. A session that is closing relays nothing, so no
// frame follows its Leave. An encode failure is reported to the sender only
// and returns -1.
func (s *Server) relay(sess *Session, msg protocol.Message) (int, error) {
	var (
		delivered int
		err       error
	)
	if !sess.whileActive(func() {
		delivered, err = s.dispatcher.Broadcast(msg, sess.ID)
	}) {
		return 0, ErrSessionClosed
	}
	if err != nil {
		errorLog.Printf("Session %d: %v", sess.ID, err)
		return -1, s.sendError(sess, protocol.ErrCodeInternalError, "Message could not be relayed")
	}
	return delivered, nil
}

// admit applies the per-session rate limit
func (s *Server) admit(sess *Session) bool {
	if sess.allow() {
		return true
	}
	s.metrics.RecordRateLimited()
	debugLog.Printf("Session %d: rate limited", sess.ID)
	s.sendError(sess, protocol.ErrCodeMessageRateLimit, "Message rate limit exceeded")
	return false
}

// readFailed reports a decode failure to the client where possible and
// returns it as the close reason
func (s *Server) readFailed(sess *Session, err error) error {
	var netErr net.Error
	switch {
	case sess.State() >= StateClosing:
		debugLog.Printf("Session %d: read stopped by close", sess.ID)
	case errors.Is(err, io.EOF):
		debugLog.Printf("Session %d: disconnected", sess.ID)
	case errors.Is(err, protocol.ErrFileTooLarge):
		s.sendError(sess, protocol.ErrCodeFileTooLarge, fmt.Sprintf("File exceeds the %d byte limit", s.config.MaxFileSize))
	case errors.Is(err, protocol.ErrMalformedFrame):
		s.sendError(sess, protocol.ErrCodeInvalidFrame, "Malformed frame")
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Printf("Session %d: idle for %v, closing", sess.ID, s.config.IdleTimeout())
	default:
		debugLog.Printf("Session %d: read error: %v", sess.ID, err)
	}
	return err
}

// send queues msg for sess and counts it
func (s *Server) send(sess *Session, msg protocol.Message) error {
	if err := sess.SendMessage(msg); err != nil {
		return err
	}
	s.metrics.RecordMessageSent(protocol.TypeName(msg.Type()))
	debugLog.Printf("Session %d → SEND: %s", sess.ID, protocol.TypeName(msg.Type()))
	return nil
}

// sendError queues an ERROR message for sess
func (s *Server) sendError(sess *Session, code uint16, message string) error {
	return s.send(sess, &protocol.ErrorMessage{ErrorCode: code, Message: message})
}

// normalizeName cleans a requested display name. Empty names get a
// generated guest name.
func normalizeName(requested string, maxLength int) string {
	name := strings.ToValidUTF8(requested, string(utf8.RuneError))
	name = strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, name)
	name = strings.TrimSpace(name)

	if maxLength > 0 && utf8.RuneCountInString(name) > maxLength {
		name = strings.TrimSpace(string([]rune(name)[:maxLength]))
	}

	if name == "" {
		name = "guest-" + uuid.NewString()[:8]
	}
	return name
}
