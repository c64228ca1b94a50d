// Package direct implements the connection-oriented synchronous channel:
// one TCP listener per peer, one goroutine per accepted connection, exactly
// one message and one acknowledgment per connection.
package direct

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/infra/metrics"
)

// DefaultTimeout bounds connect plus round trip for one outbound message.
const DefaultTimeout = 5 * time.Second

// Ack status values.
const (
	StatusReceived = "received"
	StatusRejected = "rejected"
)

// Ack is written back on every inbound connection before it is closed.
type Ack struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Recipient string    `json:"recipient"`
	MessageID string    `json:"message_id,omitempty"`
}

// Channel is the direct delivery channel of one peer.
type Channel struct {
	recipient string
	sink      domain.Dispatcher
	timeout   time.Duration
	log       *zap.Logger

	mu sync.Mutex
	ln net.Listener
	wg sync.WaitGroup
}

// New creates a direct channel for the peer named recipient. Inbound
// messages are pushed into sink. A zero timeout means DefaultTimeout.
func New(recipient string, sink domain.Dispatcher, timeout time.Duration, logger *zap.Logger) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		recipient: recipient,
		sink:      sink,
		timeout:   timeout,
		log:       logger.Named("direct"),
	}
}

// Kind implements domain.SyncChannel.
func (c *Channel) Kind() domain.ChannelKind { return domain.ChannelDirect }

// Listen binds addr and starts the accept loop.
func (c *Channel) Listen(addr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.ln != nil {
		return "", domain.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: direct listen %s: %v", domain.ErrChannelUnavailable, addr, err)
	}
	c.ln = ln

	c.wg.Add(1)
	go c.acceptLoop(ln)

	c.log.Info("listening", zap.String("recipient", c.recipient), zap.String("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Addr returns the bound address, or "" when not listening.
func (c *Channel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ln == nil {
		return ""
	}
	return c.ln.Addr().String()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (c *Channel) Stop() error {
	c.mu.Lock()
	ln := c.ln
	c.ln = nil
	c.mu.Unlock()

	if ln == nil {
		return nil
	}
	err := ln.Close()
	c.wg.Wait()
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close direct listener: %w", err)
	}
	return nil
}

// acceptLoop runs until ln is closed.
func (c *Channel) acceptLoop(ln net.Listener) {
	defer c.wg.Done()

	for {
		conn, err := ln.Accept()
		if errors.Is(err, net.ErrClosed) {
			return
		}
		if err != nil {
			c.log.Warn("accept error", zap.Error(err))
			time.Sleep(10 * time.Millisecond)
			continue
		}

		c.wg.Add(1)
		go c.handleConn(conn)
	}
}

// handleConn reads exactly one message, dispatches it, acknowledges, closes.
func (c *Channel) handleConn(conn net.Conn) {
	defer c.wg.Done()
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(c.timeout))

	var msg domain.Message
	if err := ReadFrame(conn, &msg); err != nil {
		if errors.Is(err, domain.ErrDecodeFailed) {
			metrics.DecodeFailures.WithLabelValues(string(domain.ChannelDirect)).Inc()
			_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))
			_ = WriteFrame(conn, Ack{Status: StatusRejected, Timestamp: time.Now().UTC(), Recipient: c.recipient})
		}
		c.log.Warn("dropping inbound message", zap.String("remote", conn.RemoteAddr().String()), zap.Error(err))
		return
	}

	// Handler time does not count against the ack.
	c.sink.Dispatch(domain.NewDelivery(msg, domain.ChannelDirect))
	_ = conn.SetWriteDeadline(time.Now().Add(c.timeout))

	ack := Ack{
		Status:    StatusReceived,
		Timestamp: time.Now().UTC(),
		Recipient: c.recipient,
		MessageID: msg.ID,
	}
	if err := WriteFrame(conn, ack); err != nil {
		c.log.Debug("ack write failed", zap.Error(err))
	}
}

// TrySend opens a fresh connection to target, writes msg and waits for the
// acknowledgment. The whole exchange is bounded by the channel timeout.
func (c *Channel) TrySend(ctx context.Context, target domain.PeerRecord, msg domain.Message) error {
	addr := target.Endpoints.DirectAddr
	if addr == "" {
		return fmt.Errorf("%w: %s", domain.ErrNoEndpoint, target.ID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %v", domain.ErrDeliveryFailed, addr, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}

	if err := WriteFrame(conn, msg); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}

	var ack Ack
	if err := ReadFrame(conn, &ack); err != nil {
		return fmt.Errorf("%w: read ack: %v", domain.ErrDeliveryFailed, err)
	}
	if ack.Status != StatusReceived {
		return fmt.Errorf("%w: ack status %q", domain.ErrDeliveryFailed, ack.Status)
	}
	return nil
}
