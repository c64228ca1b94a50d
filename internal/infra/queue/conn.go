// Package queue implements the asynchronous delivery channel: one durable
// inbox per peer, a publisher that retries once over a fresh connection,
// and a single consumer goroutine per subscribed peer.
package queue

import "context"

// Delivery is one message claimed from an inbox. It stays unacknowledged
// until Ack or Reject is called with its Tag.
type Delivery struct {
	Tag         int64
	Body        []byte
	Redelivered bool
}

// Conn is a connection to the message broker. A Conn is used by one
// goroutine at a time.
type Conn interface {
	// DeclareInbox creates the named inbox if it does not exist.
	DeclareInbox(ctx context.Context, inbox string) error

	// Publish appends body to inbox. Durable messages survive a broker restart.
	Publish(ctx context.Context, inbox string, body []byte, durable bool) error

	// Fetch claims the oldest ready message of inbox. ok is false when the
	// inbox is empty or this connection already holds an unacknowledged
	// delivery (prefetch 1).
	Fetch(ctx context.Context, inbox string) (d Delivery, ok bool, err error)

	// Ack removes a claimed message.
	Ack(ctx context.Context, tag int64) error

	// Reject returns a claimed message to its inbox or, with requeue false,
	// dead-letters it.
	Reject(ctx context.Context, tag int64, requeue bool) error

	Ping(ctx context.Context) error

	// Close releases the connection. Unacknowledged deliveries go back to
	// their inboxes.
	Close() error
}

// Dialer opens a new broker connection.
type Dialer func(ctx context.Context) (Conn, error)
