package bus

import "time"

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds published by the engine. Subscribers filter by prefix,
// e.g. "message." receives every message event.
const (
	KindMessageUpserted   = "message.upserted"
	KindMessagePending    = "message.pending"
	KindMessageSendAck    = "message.send_ack"
	KindMessageSendFailed = "message.send_failed"
	KindChatUpdated       = "chat.updated"
	KindSyncCompleted     = "sync.completed"
	KindSyncDegraded      = "sync.degraded"
)

// NewEvent stamps a payload with the current time.
func NewEvent(kind string, payload any) Event {
	return Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

// MessageRef identifies one message within one conversation.
type MessageRef struct {
	TenantID string
	Address  string
	MsgID    string
}
