package domain

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryMode tags a message with the path class that carried it.
type DeliveryMode string

const (
	ModeSynchronous  DeliveryMode = "synchronous"
	ModeAsynchronous DeliveryMode = "asynchronous"
)

// ChannelKind names a concrete delivery mechanism.
type ChannelKind string

const (
	ChannelDirect ChannelKind = "direct"
	ChannelRPC    ChannelKind = "rpc"
	ChannelQueue  ChannelKind = "queue"
)

// Mode returns the delivery mode implied by the channel kind.
func (k ChannelKind) Mode() DeliveryMode {
	if k == ChannelQueue {
		return ModeAsynchronous
	}
	return ModeSynchronous
}

// Message is the wire-level record exchanged between peers. Immutable once built.
type Message struct {
	ID         string       `json:"id"`
	SenderID   string       `json:"sender_id"`
	SenderName string       `json:"sender"`
	Body       string       `json:"message"`
	CreatedAt  time.Time    `json:"timestamp"`
	Mode       DeliveryMode `json:"type"`
}

// NewMessage stamps a fresh message from the sender.
func NewMessage(sender PeerRecord, body string, mode DeliveryMode) Message {
	return Message{
		ID:         uuid.NewString(),
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Body:       body,
		CreatedAt:  time.Now().UTC(),
		Mode:       mode,
	}
}

// WithMode returns a copy of m re-tagged for another path class.
func (m Message) WithMode(mode DeliveryMode) Message {
	m.Mode = mode
	return m
}

// Delivery is what inbound handlers receive: the sender, the body and the
// mode, plus which channel carried the message.
type Delivery struct {
	MessageID  string       `json:"message_id,omitempty"`
	SenderID   string       `json:"sender_id"`
	SenderName string       `json:"sender"`
	Body       string       `json:"body"`
	Mode       DeliveryMode `json:"mode"`
	Channel    ChannelKind  `json:"channel"`
	SentAt     time.Time    `json:"sent_at"`
	ReceivedAt time.Time    `json:"received_at"`
}

// NewDelivery converts a decoded message into a handler payload.
func NewDelivery(m Message, via ChannelKind) Delivery {
	return Delivery{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		Mode:       via.Mode(),
		Channel:    via,
		SentAt:     m.CreatedAt,
		ReceivedAt: time.Now().UTC(),
	}
}
