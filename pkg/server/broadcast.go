package server

import (
	"errors"
	"fmt"
	"time"

	"github.com/aeolun/relaychat/pkg/protocol"
	"github.com/samber/lo"
)

// ErrPeerSendFailure wraps the reason a single delivery failed
var ErrPeerSendFailure = errors.New("peer send failure")

// Dispatcher fans messages out to registered sessions
type Dispatcher struct {
	registry *Registry
	metrics  *Metrics
}

// NewDispatcher creates a dispatcher over registry
func NewDispatcher(registry *Registry, metrics *Metrics) *Dispatcher {
	return &Dispatcher{registry: registry, metrics: metrics}
}

// Broadcast encodes msg once and queues it for every active session except
// exclude. It returns the number of peers the message was queued for.
func (d *Dispatcher) Broadcast(msg protocol.Message, exclude uint64) (int, error) {
	enc, err := protocol.Encode(msg)
	if err != nil {
		return 0, fmt.Errorf("broadcast %s: %w", protocol.TypeName(msg.Type()), err)
	}
	return d.BroadcastEncoded(enc, exclude), nil
}

// BroadcastEncoded queues an already encoded frame. A peer whose queue
// rejects the frame is closed; delivery to the others continues.
func (d *Dispatcher) BroadcastEncoded(enc *protocol.Encoded, exclude uint64) int {
	start := time.Now()
	typeName := protocol.TypeName(enc.Type)

	peers := lo.Filter(d.registry.Snapshot(), func(sess *Session, _ int) bool {
		return sess.ID != exclude && sess.State() == StateActive
	})

	delivered := 0
	for _, peer := range peers {
		if err := peer.Send(enc); err != nil {
			errorLog.Printf("Session %d: dropping peer, %s delivery failed: %v", peer.ID, typeName, err)
			if d.metrics != nil {
				d.metrics.RecordSendFailure(failureReason(err))
			}
			// Close broadcasts a Leave, so keep it off this loop
			go peer.Close(fmt.Errorf("%w: %w", ErrPeerSendFailure, err))
			continue
		}
		delivered++
	}

	if d.metrics != nil {
		d.metrics.RecordBroadcast(typeName, delivered, time.Since(start).Seconds())
		d.metrics.RecordMessagesSent(typeName, delivered)
	}

	debugLog.Printf("Broadcast %s to %d/%d peers (exclude %d)", typeName, delivered, len(peers), exclude)
	return delivered
}

func failureReason(err error) string {
	switch {
	case errors.Is(err, ErrSendQueueFull):
		return "queue_full"
	case errors.Is(err, ErrSessionClosed):
		return "closed"
	default:
		return "other"
	}
}
