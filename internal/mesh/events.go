package mesh

import (
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/pkg/models"
)

// EventKind tags an Event.
type EventKind string

const (
	EventPeerDiscovered     EventKind = "peer-discovered"
	EventPeerLost           EventKind = "peer-lost"
	EventMessageSent        EventKind = "message-sent"
	EventMessageDelivered   EventKind = "message-delivered"
	EventMessageSendFailed  EventKind = "message-send-failed"
	EventMessageReceived    EventKind = "message-received"
	EventSessionEstablished EventKind = "session-established"
)

// Event is one observable mesh occurrence. Fields beyond Kind and At are set
// when they apply: PeerID and Nickname for peer events, MessageID for message
// lifecycle events, Reason for failures, Transfer for received transfers.
type Event struct {
	Kind      EventKind
	At        time.Time
	PeerID    string
	Nickname  string
	MessageID string
	Reason    string
	Addr      string
	Transfer  *models.ValueTransfer
}
