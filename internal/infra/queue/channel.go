package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/infra/metrics"
)

// DefaultPollInterval bounds the consumer's wait on an empty inbox.
const DefaultPollInterval = time.Second

// Options tune a queue channel. Zero values take the defaults.
type Options struct {
	// PollInterval bounds how long the consumer waits on an empty inbox
	// and therefore how quickly Stop is observed.
	PollInterval time.Duration
}

// Channel is the queue delivery channel of one peer.
type Channel struct {
	dial Dialer
	sink domain.Dispatcher
	poll time.Duration
	log  *zap.Logger

	pubMu sync.Mutex
	pub   Conn

	mu     sync.Mutex
	inbox  string
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a queue channel that reaches the broker through dial.
// Redeliveries are acknowledged and handed to sink, which drops ids it has
// already dispatched.
func New(dial Dialer, sink domain.Dispatcher, opts Options, logger *zap.Logger) (*Channel, error) {
	if dial == nil {
		return nil, fmt.Errorf("%w: no broker dialer", domain.ErrChannelUnavailable)
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		dial: dial,
		sink: sink,
		poll: opts.PollInterval,
		log:  logger.Named("queue"),
	}, nil
}

// Kind implements domain.AsyncChannel.
func (c *Channel) Kind() domain.ChannelKind { return domain.ChannelQueue }

// ─── Publishing ─────────────────────────────────────────────────────────────

// Enqueue publishes msg durably to targetID's inbox. A failed publish is
// retried exactly once on a fresh connection; a second failure drops the
// message with an error log.
func (c *Channel) Enqueue(ctx context.Context, targetID string, msg domain.Message) {
	body, err := json.Marshal(msg)
	if err != nil {
		c.log.Error("encode message", zap.String("message_id", msg.ID), zap.Error(err))
		metrics.QueueDropped.Inc()
		return
	}

	c.pubMu.Lock()
	defer c.pubMu.Unlock()

	err = c.publishLocked(ctx, targetID, body)
	if err == nil {
		return
	}

	c.log.Warn("publish failed, reconnecting",
		zap.String("inbox", targetID), zap.String("message_id", msg.ID), zap.Error(err))
	metrics.QueuePublishRetries.Inc()
	c.resetPublisherLocked()

	if err := c.publishLocked(ctx, targetID, body); err != nil {
		c.log.Error("message dropped after retry",
			zap.String("inbox", targetID), zap.String("message_id", msg.ID), zap.Error(err))
		metrics.QueueDropped.Inc()
		c.resetPublisherLocked()
	}
}

func (c *Channel) publishLocked(ctx context.Context, inbox string, body []byte) error {
	if c.pub == nil {
		conn, err := c.dial(ctx)
		if err != nil {
			return fmt.Errorf("dial: %w", err)
		}
		c.pub = conn
	}
	if err := c.pub.DeclareInbox(ctx, inbox); err != nil {
		return err
	}
	return c.pub.Publish(ctx, inbox, body, true)
}

func (c *Channel) resetPublisherLocked() {
	if c.pub == nil {
		return
	}
	if err := c.pub.Close(); err != nil {
		c.log.Debug("close publisher", zap.Error(err))
	}
	c.pub = nil
}

// ─── Consuming ──────────────────────────────────────────────────────────────

// Subscribe declares peerID's inbox and starts the consumer goroutine.
func (c *Channel) Subscribe(peerID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return domain.ErrAlreadyStarted
	}

	ctx, cancel := context.WithCancel(context.Background())
	conn, err := c.dial(ctx)
	if err == nil {
		err = conn.DeclareInbox(ctx, peerID)
		if err != nil {
			conn.Close()
		}
	}
	if err != nil {
		cancel()
		return fmt.Errorf("%w: subscribe %s: %v", domain.ErrChannelUnavailable, peerID, err)
	}

	c.inbox = peerID
	c.cancel = cancel
	c.done = make(chan struct{})
	go c.consume(ctx, conn, peerID, c.done)

	c.log.Info("consuming", zap.String("inbox", peerID), zap.Duration("poll", c.poll))
	return nil
}

// Inbox returns the subscribed inbox, or "" when not consuming.
func (c *Channel) Inbox() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inbox
}

// Stop ends consumption and closes the broker connections. It returns once
// the consumer goroutine has exited.
func (c *Channel) Stop() error {
	c.mu.Lock()
	cancel, done := c.cancel, c.done
	c.cancel, c.done, c.inbox = nil, nil, ""
	c.mu.Unlock()

	if cancel != nil {
		cancel()
		<-done
	}

	c.pubMu.Lock()
	c.resetPublisherLocked()
	c.pubMu.Unlock()
	return nil
}

// consume owns conn until ctx is cancelled. Fetch errors drop the
// connection and a new one is dialled on the next round.
func (c *Channel) consume(ctx context.Context, conn Conn, inbox string, done chan struct{}) {
	defer close(done)
	defer func() {
		if conn != nil {
			conn.Close()
		}
	}()

	for ctx.Err() == nil {
		if conn == nil {
			var err error
			if conn, err = c.redial(ctx, inbox); err != nil {
				c.log.Warn("consumer reconnect failed", zap.String("inbox", inbox), zap.Error(err))
				conn = nil
				if !c.wait(ctx) {
					return
				}
				continue
			}
		}

		d, ok, err := conn.Fetch(ctx, inbox)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			c.log.Warn("fetch failed", zap.String("inbox", inbox), zap.Error(err))
			conn.Close()
			conn = nil
			continue
		}
		if !ok {
			if !c.wait(ctx) {
				return
			}
			continue
		}

		if err := c.handle(ctx, conn, d); err != nil {
			c.log.Warn("settle failed", zap.String("inbox", inbox), zap.Int64("tag", d.Tag), zap.Error(err))
			conn.Close()
			conn = nil
		}
	}
}

func (c *Channel) redial(ctx context.Context, inbox string) (Conn, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	if err := conn.DeclareInbox(ctx, inbox); err != nil {
		conn.Close()
		return nil, err
	}
	return conn, nil
}

// wait sleeps one poll interval. It reports false if ctx ended first.
func (c *Channel) wait(ctx context.Context) bool {
	t := time.NewTimer(c.poll)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// handle decodes, dispatches and settles one delivery. The returned error
// is a broker error; decode problems are settled by dead-lettering.
func (c *Channel) handle(ctx context.Context, conn Conn, d Delivery) error {
	var msg domain.Message
	if err := json.Unmarshal(d.Body, &msg); err != nil || msg.ID == "" {
		metrics.DecodeFailures.WithLabelValues(string(domain.ChannelQueue)).Inc()
		c.log.Warn("dead-lettering malformed message", zap.Int64("tag", d.Tag), zap.Error(err))
		return conn.Reject(ctx, d.Tag, false)
	}

	if d.Redelivered {
		c.log.Debug("redelivery", zap.String("message_id", msg.ID), zap.Int64("tag", d.Tag))
	}
	c.sink.Dispatch(domain.NewDelivery(msg, domain.ChannelQueue))
	return conn.Ack(ctx, d.Tag)
}
