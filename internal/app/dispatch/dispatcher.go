// Package dispatch fans a received message out to every registered inbound
// handler. Delivery channels push into a Dispatcher; chat views, loggers,
// live feeds and tests register handlers on it.
package dispatch

import (
	"fmt"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/infra/metrics"
)

// Handler observes one inbound delivery. Handlers run synchronously on the
// channel goroutine that received the message, possibly concurrently with
// each other, and must not block.
type Handler interface {
	OnMessage(d domain.Delivery) error
}

// HandlerFunc adapts an ordinary function to Handler.
type HandlerFunc func(d domain.Delivery) error

// OnMessage calls f(d).
func (f HandlerFunc) OnMessage(d domain.Delivery) error { return f(d) }

// DefaultDedupeWindow is how many recent message ids a Dispatcher remembers.
const DefaultDedupeWindow = 1024

// Dispatcher is an observer registry with isolated-failure semantics: a
// handler that errors or panics is logged and skipped, and the rest still run.
//
// One Dispatcher serves every inbound channel of a peer, so it is also where
// duplicates are dropped: a message id already dispatched within the dedupe
// window, over any channel, is not handed to the handlers again.
type Dispatcher struct {
	mu       sync.RWMutex
	handlers []Handler
	seen     *lru.Cache[string, struct{}]
	log      *zap.Logger
}

// New creates a Dispatcher with no handlers and the default dedupe window.
func New(logger *zap.Logger) *Dispatcher {
	return NewWithWindow(logger, DefaultDedupeWindow)
}

// NewWithWindow creates a Dispatcher remembering the last window message
// ids. A non-positive window takes the default.
func NewWithWindow(logger *zap.Logger, window int) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if window <= 0 {
		window = DefaultDedupeWindow
	}
	seen, _ := lru.New[string, struct{}](window) // errors only for size <= 0
	return &Dispatcher{seen: seen, log: logger.Named("dispatch")}
}

// Register adds h. Nil handlers are ignored.
func (d *Dispatcher) Register(h Handler) {
	if h == nil {
		return
	}
	d.mu.Lock()
	d.handlers = append(d.handlers, h)
	d.mu.Unlock()
}

// RegisterFunc is shorthand for Register(HandlerFunc(fn)).
func (d *Dispatcher) RegisterFunc(fn func(domain.Delivery) error) {
	if fn == nil {
		return
	}
	d.Register(HandlerFunc(fn))
}

// Len returns the number of registered handlers.
func (d *Dispatcher) Len() int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.handlers)
}

// Dispatch invokes every handler with msg, unless a message with the same
// id was already dispatched. Deliveries without an id are never deduplicated.
func (d *Dispatcher) Dispatch(msg domain.Delivery) {
	if msg.MessageID != "" {
		if seen, _ := d.seen.ContainsOrAdd(msg.MessageID, struct{}{}); seen {
			metrics.DuplicatesSuppressed.WithLabelValues(string(msg.Channel)).Inc()
			d.log.Debug("duplicate suppressed",
				zap.String("message_id", msg.MessageID),
				zap.String("channel", string(msg.Channel)))
			return
		}
	}

	d.mu.RLock()
	handlers := make([]Handler, len(d.handlers))
	copy(handlers, d.handlers)
	d.mu.RUnlock()

	metrics.MessagesReceived.WithLabelValues(string(msg.Channel)).Inc()

	for _, h := range handlers {
		if err := d.invoke(h, msg); err != nil {
			metrics.HandlerErrors.Inc()
			d.log.Warn("inbound handler failed",
				zap.String("sender", msg.SenderName),
				zap.String("channel", string(msg.Channel)),
				zap.Error(err))
		}
	}
}

func (d *Dispatcher) invoke(h Handler, msg domain.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.OnMessage(msg)
}

// LogHandler returns a handler that records every delivery at info level.
// It is the console fallback used when no presentation layer is attached.
func LogHandler(logger *zap.Logger, recipient string) Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return HandlerFunc(func(msg domain.Delivery) error {
		logger.Info("message received",
			zap.String("recipient", recipient),
			zap.String("sender", msg.SenderName),
			zap.String("channel", string(msg.Channel)),
			zap.String("mode", string(msg.Mode)),
			zap.String("body", msg.Body))
		return nil
	})
}
