package store

import "chatsync/internal/delivery"

// Direction marks which way a message travelled.
type Direction string

const (
	Inbound  Direction = "inbound"
	Outbound Direction = "outbound"
)

// Chat represents one conversation with one counterparty within one tenant.
// At most one row exists per (TenantID, Address).
type Chat struct {
	ID             int64
	TenantID       string
	Address        string
	Name           string
	ProviderChatID string
	AvatarURL      string
	LastMessage    string
	LastMessageAt  int64 // unix ms
	UnreadCount    int
	UpdatedAt      int64 // unix ms
}

// Message represents one unit of conversation content. MsgID is the
// provider message identifier once confirmed; before confirmation an
// outbound message carries a locally generated optimistic identifier and
// is not persisted.
type Message struct {
	ID        int64
	ChatID    int64
	TenantID  string
	Address   string
	MsgID     string
	Direction Direction
	Kind      string // text, image, video, document, audio, sticker, unsupported
	Body      string
	MediaURL  string
	FileName  string
	Status    delivery.Status
	Timestamp int64 // unix ms
}

// Outbox ledger states.
const (
	OutboxQueued    = "queued"
	OutboxSending   = "sending"
	OutboxSent      = "sent"
	OutboxFailed    = "failed"
	OutboxDiscarded = "discarded"
)

// OutboxEntry is the durable ledger record for one outbound send attempt.
type OutboxEntry struct {
	ID            int64
	ClientMsgID   string
	TenantID      string
	Address       string
	Body          string
	Kind          string
	MediaURL      string
	FileName      string
	Status        string // queued, sending, sent, failed, discarded
	ErrorMessage  string
	ProviderMsgID string
}
