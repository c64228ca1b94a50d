package rpc

import (
	"time"

	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
)

// Delivery outcomes reported by the callee.
const (
	StatusDelivered = "delivered"
	StatusFailed    = "failed"
)

// DeliverParams carries one message to the callee.
type DeliverParams struct {
	MessageID  string    `json:"message_id"`
	SenderID   string    `json:"sender_id"`
	SenderName string    `json:"sender"`
	Body       string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

func paramsFromMessage(m domain.Message) DeliverParams {
	return DeliverParams{
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		Body:       m.Body,
		Timestamp:  m.CreatedAt,
	}
}

func (p DeliverParams) message() domain.Message {
	return domain.Message{
		ID:         p.MessageID,
		SenderID:   p.SenderID,
		SenderName: p.SenderName,
		Body:       p.Body,
		CreatedAt:  p.Timestamp,
		Mode:       domain.ModeSynchronous,
	}
}

// DeliverResult is the callee's verdict on one delivery.
type DeliverResult struct {
	Status    string    `json:"status"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// StatusResult answers the status method.
type StatusResult struct {
	Name     string          `json:"name"`
	Presence domain.Presence `json:"presence"`
	Location geo.Location    `json:"location"`
}
