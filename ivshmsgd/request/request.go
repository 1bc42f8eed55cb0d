// Package request defines the capability handed to the engine for acting on
// mailbox payloads, plus the stock switch the server runs with. The engine
// knows nothing about payload semantics; it hands every drained request to
// the Handler together with the notifier that wakes the requester back.
package request

import (
	"errors"
	"fmt"
	"strings"

	"github.com/famez/ivshmsg/ivshmsgd/mailbox"
	"github.com/famez/ivshmsg/ivshmsgd/notify"
	"github.com/famez/ivshmsg/shared/logger"
)

// Peer is the engine's view of a requester as seen by a handler.
type Peer interface {
	PeerID() int
	NodeName() string
}

// Handler acts on one request: given the payload, the requesting peer, the
// responder's id and the notifier that wakes the requester, perform side
// effects and optionally refill a mailbox slot and signal.
type Handler interface {
	Handle(payload []byte, peer Peer, responderID int, responder *notify.Notifier) error
}

// Switch is the default request handler: a small command dispatcher over
// mailbox payloads.
type Switch struct {
	mbox *mailbox.Mailbox
}

// NewSwitch creates the stock switch writing replies through mbox.
func NewSwitch(mbox *mailbox.Mailbox) *Switch {
	return &Switch{mbox: mbox}
}

// Handle interprets the payload as a whitespace-trimmed command.
func (s *Switch) Handle(payload []byte, peer Peer, responderID int, responder *notify.Notifier) error {
	cmd := strings.TrimSpace(string(payload))

	switch strings.ToLower(cmd) {
	case "ping":
		err := s.mbox.Fill(responderID, []byte("PONG"))
		if errors.Is(err, mailbox.ErrTruncated) {
			logger.Warn("Reply truncated", logger.Ctx{"slot": responderID})
		} else if err != nil {
			return fmt.Errorf("Failed to fill pong reply: %w", err)
		}

		err = responder.Signal(1)
		if err != nil {
			return fmt.Errorf("Failed to signal requester %d: %w", peer.PeerID(), err)
		}

	case "dump", "status":
		logger.Info("Status request", logger.Ctx{"from": peer.NodeName(), "id": peer.PeerID()})

	case "":
		logger.Debug("Empty request dropped", logger.Ctx{"id": peer.PeerID()})

	default:
		logger.Warn("Unknown request dropped", logger.Ctx{"from": peer.NodeName(), "id": peer.PeerID(), "request": cmd})
	}

	return nil
}
