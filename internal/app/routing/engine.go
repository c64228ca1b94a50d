// Package routing implements the per-peer routing engine: it owns a peer's
// delivery channels, decides per send which one to try, and falls back from
// direct to remote call to queue.
package routing

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nearcast/nearcast/internal/app/dispatch"
	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
	"github.com/nearcast/nearcast/internal/infra/metrics"
)

const (
	// broadcastLimit caps concurrent sends during a broadcast.
	broadcastLimit = 8

	// enqueueTimeout bounds the queue fallback, including its one retry.
	enqueueTimeout = 10 * time.Second
)

// Registry is the part of the presence directory the engine writes through to.
type Registry interface {
	domain.PeerLookup
	Register(rec domain.PeerRecord) bool
	UpdateLocation(id string, lat, lon float64) bool
	UpdateRadius(id string, radiusKm float64) bool
	UpdateStatus(id string, presence domain.Presence) bool
	SetEndpoints(id string, ep domain.Endpoints) bool
}

// Channels are the delivery mechanisms of one peer. A nil synchronous
// channel is skipped; Queue is required.
type Channels struct {
	Direct domain.SyncChannel
	RPC    domain.SyncChannel
	Queue  domain.AsyncChannel
}

// Attempt records one failed synchronous delivery.
type Attempt struct {
	Channel domain.ChannelKind `json:"channel"`
	Error   string             `json:"error"`
}

// SendResult describes how one send was carried out.
type SendResult struct {
	MessageID string              `json:"message_id"`
	TargetID  string              `json:"target_id"`
	Channel   domain.ChannelKind  `json:"channel"`
	Mode      domain.DeliveryMode `json:"mode"`
	Reachable bool                `json:"reachable"`
	Failed    []Attempt           `json:"failed,omitempty"`
	Error     string              `json:"error,omitempty"`
}

// ContactView is one contact as seen from this peer right now.
type ContactView struct {
	domain.Summary
	DistanceKm float64 `json:"distance_km"`
	InRange    bool    `json:"in_range"`
}

// Stats summarises a peer's neighbourhood.
type Stats struct {
	Contacts        int             `json:"contacts"`
	OnlineContacts  int             `json:"online_contacts"`
	InRangeContacts int             `json:"in_range_contacts"`
	SyncAvailable   int             `json:"sync_available"`
	AsyncRequired   int             `json:"async_required"`
	Location        geo.Location    `json:"location"`
	RadiusKm        float64         `json:"radius_km"`
	Presence        domain.Presence `json:"presence"`
}

// Engine routes messages for one peer.
type Engine struct {
	dir        Registry
	channels   Channels
	dispatcher *dispatch.Dispatcher
	log        *zap.Logger

	// life serializes StartServices and StopServices.
	life    sync.Mutex
	started bool

	mu         sync.Mutex
	self       domain.PeerRecord
	registered bool
}

// New creates an engine for self. The record must carry an id, a positive
// radius and valid coordinates.
func New(self domain.PeerRecord, dir Registry, channels Channels, dispatcher *dispatch.Dispatcher, logger *zap.Logger) (*Engine, error) {
	if self.ID == "" {
		return nil, errors.New("peer id is required")
	}
	if !geo.ValidRadius(self.RadiusKm) {
		return nil, domain.ErrInvalidRadius
	}
	if !self.Location.Valid() {
		return nil, domain.ErrInvalidCoordinates
	}
	if channels.Queue == nil {
		return nil, errors.New("queue channel is required")
	}
	if !self.Presence.Valid() {
		self.Presence = domain.PresenceOffline
	}
	if dispatcher == nil {
		dispatcher = dispatch.New(logger)
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	self.Contacts = nil
	return &Engine{
		dir:        dir,
		channels:   channels,
		dispatcher: dispatcher,
		log:        logger.Named("routing").With(zap.String("peer", self.Name), zap.String("peer_id", self.ID)),
		self:       self,
	}, nil
}

// ID returns the peer id.
func (e *Engine) ID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.self.ID
}

// Self returns the current record of this peer. Once registered the
// directory copy is authoritative.
func (e *Engine) Self() domain.PeerRecord {
	e.mu.Lock()
	id, registered, local := e.self.ID, e.registered, e.self.Clone()
	e.mu.Unlock()

	if registered {
		if rec, ok := e.dir.Get(id); ok {
			return rec
		}
	}
	return local
}

// Handle registers an inbound message handler.
func (e *Engine) Handle(fn func(domain.Delivery) error) {
	e.dispatcher.RegisterFunc(fn)
}

// Dispatcher returns the dispatcher inbound channels deliver into.
func (e *Engine) Dispatcher() *dispatch.Dispatcher { return e.dispatcher }

// ─── Sending ────────────────────────────────────────────────────────────────

// Send delivers body to targetID. An online target within this peer's own
// radius is tried over Direct, then RemoteCall; anything else, including a
// reachable target both of those failed to deliver to, goes to the queue.
// Only an unknown target is reported as an error.
func (e *Engine) Send(ctx context.Context, targetID, body string) (SendResult, error) {
	target, ok := e.dir.Get(targetID)
	if !ok {
		return SendResult{TargetID: targetID}, fmt.Errorf("%w: %s", domain.ErrUnknownPeer, targetID)
	}
	self := e.Self()

	res := SendResult{TargetID: targetID}
	res.Reachable = target.IsOnline() && self.InRange(target)

	msg := domain.NewMessage(self, body, domain.ModeSynchronous)
	res.MessageID = msg.ID

	if res.Reachable {
		for _, ch := range []domain.SyncChannel{e.channels.Direct, e.channels.RPC} {
			if ch == nil {
				continue
			}
			kind := ch.Kind()
			start := time.Now()
			err := ch.TrySend(ctx, target, msg)
			metrics.SendLatency.WithLabelValues(string(kind)).Observe(time.Since(start).Seconds())
			if err == nil {
				metrics.MessagesSent.WithLabelValues(string(kind)).Inc()
				res.Channel, res.Mode = kind, domain.ModeSynchronous
				e.log.Debug("delivered", zap.String("to", targetID), zap.String("channel", string(kind)))
				return res, nil
			}
			metrics.DeliveryFailures.WithLabelValues(string(kind)).Inc()
			res.Failed = append(res.Failed, Attempt{Channel: kind, Error: err.Error()})
			e.log.Info("synchronous attempt failed",
				zap.String("to", targetID), zap.String("channel", string(kind)), zap.Error(err))
		}
		metrics.Fallbacks.WithLabelValues("sync_failed").Inc()
	} else {
		metrics.Fallbacks.WithLabelValues("unreachable").Inc()
	}

	// Once the queue is chosen the send must go through even if the caller
	// has gone away, so only the caller's values carry over.
	qctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), enqueueTimeout)
	defer cancel()

	q := e.channels.Queue
	start := time.Now()
	q.Enqueue(qctx, targetID, msg.WithMode(domain.ModeAsynchronous))
	metrics.SendLatency.WithLabelValues(string(q.Kind())).Observe(time.Since(start).Seconds())
	metrics.MessagesSent.WithLabelValues(string(q.Kind())).Inc()

	res.Channel, res.Mode = q.Kind(), domain.ModeAsynchronous
	e.log.Debug("queued", zap.String("to", targetID), zap.Bool("reachable", res.Reachable))
	return res, nil
}

// Broadcast sends body to every current contact concurrently. Results are
// in ContactsView order.
func (e *Engine) Broadcast(ctx context.Context, body string) []SendResult {
	contacts := e.ContactsView()
	results := make([]SendResult, len(contacts))

	var g errgroup.Group
	g.SetLimit(broadcastLimit)
	for i, c := range contacts {
		g.Go(func() error {
			res, err := e.Send(ctx, c.ID, body)
			if err != nil {
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ─── Local record ───────────────────────────────────────────────────────────

// UpdateLocation moves this peer and writes the change through to the directory.
func (e *Engine) UpdateLocation(lat, lon float64) error {
	if !geo.ValidCoordinates(lat, lon) {
		return domain.ErrInvalidCoordinates
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.self.Location = geo.Location{Lat: lat, Lon: lon}
	if e.registered {
		e.dir.UpdateLocation(e.self.ID, lat, lon)
	}
	e.log.Info("location updated", zap.Stringer("location", e.self.Location))
	return nil
}

// UpdateRadius changes this peer's communication radius.
func (e *Engine) UpdateRadius(radiusKm float64) error {
	if !geo.ValidRadius(radiusKm) {
		return domain.ErrInvalidRadius
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	e.self.RadiusKm = radiusKm
	if e.registered {
		e.dir.UpdateRadius(e.self.ID, radiusKm)
	}
	e.log.Info("radius updated", zap.Float64("radius_km", radiusKm))
	return nil
}

// SetPresence toggles this peer's declared availability. Coming back online
// while services run makes sure the queue consumer is active again.
func (e *Engine) SetPresence(p domain.Presence) error {
	if !p.Valid() {
		return domain.ErrInvalidPresence
	}
	e.setPresence(p)

	if p == domain.PresenceOnline {
		e.life.Lock()
		started := e.started
		e.life.Unlock()
		if started {
			err := e.channels.Queue.Subscribe(e.ID())
			if err != nil && !errors.Is(err, domain.ErrAlreadyStarted) {
				e.log.Warn("queue consumer restart failed", zap.Error(err))
			}
		}
	}
	return nil
}

func (e *Engine) setPresence(p domain.Presence) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.self.Presence = p
	if e.registered {
		e.dir.UpdateStatus(e.self.ID, p)
	}
	e.log.Info("presence changed", zap.String("presence", string(p)))
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// StartServices binds the direct and remote-call listeners, starts the queue
// consumer, then registers the peer with its bound endpoints and marks it
// online. A channel that cannot start is logged and reported in the
// returned error; the others still start and the peer is still registered.
func (e *Engine) StartServices(directAddr, rpcAddr string) error {
	e.life.Lock()
	defer e.life.Unlock()

	if e.started {
		return domain.ErrAlreadyStarted
	}

	id := e.ID()
	var (
		errs error
		ep   domain.Endpoints
	)
	if ch := e.channels.Direct; ch != nil {
		addr, err := ch.Listen(directAddr)
		if err != nil {
			e.log.Error("direct channel unavailable", zap.String("addr", directAddr), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
		ep.DirectAddr = addr
	}
	if ch := e.channels.RPC; ch != nil {
		addr, err := ch.Listen(rpcAddr)
		if err != nil {
			e.log.Error("rpc channel unavailable", zap.String("addr", rpcAddr), zap.Error(err))
			errs = multierr.Append(errs, err)
		}
		ep.RPCAddr = addr
	}
	if err := e.channels.Queue.Subscribe(id); err != nil {
		e.log.Error("queue consumer unavailable", zap.Error(err))
		errs = multierr.Append(errs, err)
	}

	e.mu.Lock()
	e.self.Endpoints = ep
	e.self.Presence = domain.PresenceOnline
	rec := e.self.Clone()
	if !e.registered {
		if !e.dir.Register(rec) {
			// Known from an earlier run of this engine.
			e.dir.SetEndpoints(id, ep)
		}
		e.registered = true
	} else {
		e.dir.SetEndpoints(id, ep)
	}
	e.dir.UpdateStatus(id, domain.PresenceOnline)
	e.mu.Unlock()

	e.started = true
	e.log.Info("services started",
		zap.String("direct", ep.DirectAddr),
		zap.String("rpc", ep.RPCAddr),
		zap.String("inbox", id))
	return errs
}

// StopServices marks the peer offline, then stops listeners and the queue
// consumer. Safe to call repeatedly or before StartServices. In-flight
// sends are not interrupted.
func (e *Engine) StopServices() error {
	e.life.Lock()
	defer e.life.Unlock()

	e.setPresence(domain.PresenceOffline)
	if !e.started {
		return nil
	}
	e.started = false

	var errs error
	for _, ch := range []domain.SyncChannel{e.channels.Direct, e.channels.RPC} {
		if ch != nil {
			errs = multierr.Append(errs, ch.Stop())
		}
	}
	errs = multierr.Append(errs, e.channels.Queue.Stop())

	e.log.Info("services stopped")
	return errs
}

// Started reports whether services are running.
func (e *Engine) Started() bool {
	e.life.Lock()
	defer e.life.Unlock()
	return e.started
}

// ─── Views ──────────────────────────────────────────────────────────────────

// ContactsView lists this peer's contacts nearest first. Distances are
// computed now, not taken from the last recomputation.
func (e *Engine) ContactsView() []ContactView {
	self := e.Self()

	views := make([]ContactView, 0, len(self.Contacts))
	for _, id := range self.Contacts {
		rec, ok := e.dir.Get(id)
		if !ok {
			continue
		}
		views = append(views, ContactView{
			Summary:    rec.Summary(),
			DistanceKm: self.DistanceTo(rec),
			InRange:    self.InRange(rec),
		})
	}
	slices.SortFunc(views, func(a, b ContactView) int {
		return cmp.Or(cmp.Compare(a.DistanceKm, b.DistanceKm), cmp.Compare(a.ID, b.ID))
	})
	return views
}

// Stats summarises the contacts view.
func (e *Engine) Stats() Stats {
	self := e.Self()
	contacts := e.ContactsView()

	s := Stats{
		Contacts: len(contacts),
		Location: self.Location,
		RadiusKm: self.RadiusKm,
		Presence: self.Presence,
	}
	for _, c := range contacts {
		online := c.Presence == domain.PresenceOnline
		if online {
			s.OnlineContacts++
		}
		if c.InRange {
			s.InRangeContacts++
		}
		if online && c.InRange {
			s.SyncAvailable++
		}
	}
	s.AsyncRequired = s.Contacts - s.SyncAvailable
	return s
}
