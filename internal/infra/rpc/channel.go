package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/infra/metrics"
)

// DefaultTimeout bounds one outbound call.
const DefaultTimeout = 5 * time.Second

// maxBody caps request and response bodies read by either side.
const maxBody = 1 << 20

// Channel is the remote-call delivery channel of one peer. The server side
// consults the directory to apply the callee's own proximity check.
type Channel struct {
	selfID  string
	peers   domain.PeerLookup
	sink    domain.Dispatcher
	timeout time.Duration
	client  *http.Client
	log     *zap.Logger

	mu   sync.Mutex
	srv  *http.Server
	addr string
	done chan struct{}
}

// New creates a remote-call channel for the peer selfID.
func New(selfID string, peers domain.PeerLookup, sink domain.Dispatcher, timeout time.Duration, logger *zap.Logger) *Channel {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Channel{
		selfID:  selfID,
		peers:   peers,
		sink:    sink,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		log:     logger.Named("rpc"),
	}
}

// Kind implements domain.SyncChannel.
func (c *Channel) Kind() domain.ChannelKind { return domain.ChannelRPC }

// Handler returns the router serving POST /rpc.
func (c *Channel) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/rpc", c.handleRPC)
	return r
}

// Listen binds addr and serves the handler on a background goroutine.
func (c *Channel) Listen(addr string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.srv != nil {
		return "", domain.ErrAlreadyStarted
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%w: rpc listen %s: %v", domain.ErrChannelUnavailable, addr, err)
	}

	srv := &http.Server{
		Handler:           c.Handler(),
		ReadHeaderTimeout: c.timeout,
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			c.log.Error("serve failed", zap.Error(err))
		}
	}()

	c.srv = srv
	c.addr = ln.Addr().String()
	c.done = done

	c.log.Info("listening", zap.String("peer", c.selfID), zap.String("addr", c.addr))
	return c.addr, nil
}

// Addr returns the bound address, or "" when not listening.
func (c *Channel) Addr() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.addr
}

// Stop shuts the server down, letting in-flight calls finish within the
// channel timeout.
func (c *Channel) Stop() error {
	c.mu.Lock()
	srv, done := c.srv, c.done
	c.srv, c.addr, c.done = nil, "", nil
	c.mu.Unlock()

	if srv == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	err := srv.Shutdown(ctx)
	if err != nil {
		err = multierr.Append(err, srv.Close())
	}
	<-done
	if err != nil {
		return fmt.Errorf("stop rpc server: %w", err)
	}
	return nil
}

// ─── Server ─────────────────────────────────────────────────────────────────

func (c *Channel) handleRPC(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxBody))
	if err != nil {
		http.Error(w, "Failed to read request body", http.StatusBadRequest)
		return
	}

	var resp Response
	req, errResp := parseRequest(body)
	switch {
	case errResp != nil:
		metrics.DecodeFailures.WithLabelValues(string(domain.ChannelRPC)).Inc()
		resp = *errResp
	case req.Method == MethodDeliver:
		resp = c.deliver(req)
	case req.Method == MethodStatus:
		resp = c.status(req)
	default:
		resp = newMethodNotFound(req.ID, req.Method)
	}

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.log.Debug("write response failed", zap.Error(err))
	}
}

// deliver accepts the message only when this peer is online and the sender
// lies within this peer's own radius.
func (c *Channel) deliver(req Request) Response {
	var p DeliverParams
	if err := json.Unmarshal(req.Params, &p); err != nil || p.SenderID == "" {
		metrics.DecodeFailures.WithLabelValues(string(domain.ChannelRPC)).Inc()
		return newInvalidParams(req.ID, "sender_id and message are required")
	}

	reject := func(reason string) Response {
		c.log.Debug("delivery refused",
			zap.String("peer", c.selfID),
			zap.String("sender", p.SenderID),
			zap.String("reason", reason))
		return newResult(req.ID, DeliverResult{Status: StatusFailed, Reason: reason, Timestamp: time.Now().UTC()})
	}

	self, ok := c.peers.Get(c.selfID)
	if !ok {
		return reject("callee not registered")
	}
	sender, ok := c.peers.Get(p.SenderID)
	if !ok {
		return reject("unknown sender")
	}
	if !self.IsOnline() {
		return reject("callee offline")
	}
	if !self.InRange(sender) {
		return reject("sender out of range")
	}

	c.sink.Dispatch(domain.NewDelivery(p.message(), domain.ChannelRPC))
	return newResult(req.ID, DeliverResult{Status: StatusDelivered, Timestamp: time.Now().UTC()})
}

func (c *Channel) status(req Request) Response {
	self, ok := c.peers.Get(c.selfID)
	if !ok {
		return newInternalError(req.ID, "peer not registered")
	}
	return newResult(req.ID, StatusResult{
		Name:     self.Name,
		Presence: self.Presence,
		Location: self.Location,
	})
}

// ─── Client ─────────────────────────────────────────────────────────────────

// TrySend calls deliver on the target's remote-call endpoint. Only an
// explicit "delivered" verdict counts as success.
func (c *Channel) TrySend(ctx context.Context, target domain.PeerRecord, msg domain.Message) error {
	addr := target.Endpoints.RPCAddr
	if addr == "" {
		return fmt.Errorf("%w: %s", domain.ErrNoEndpoint, target.ID)
	}

	var res DeliverResult
	if err := c.call(ctx, addr, msg.ID, MethodDeliver, paramsFromMessage(msg), &res); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrDeliveryFailed, err)
	}
	if res.Status != StatusDelivered {
		return fmt.Errorf("%w: callee answered %q (%s)", domain.ErrDeliveryFailed, res.Status, res.Reason)
	}
	return nil
}

// Status queries the status method of the peer listening on addr.
func (c *Channel) Status(ctx context.Context, addr string) (StatusResult, error) {
	var res StatusResult
	if err := c.call(ctx, addr, c.selfID, MethodStatus, nil, &res); err != nil {
		return StatusResult{}, err
	}
	return res, nil
}

func (c *Channel) call(ctx context.Context, addr string, id any, method string, params any, out any) error {
	req := Request{JSONRPC: JSONRPCVersion, ID: id, Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("encode params: %w", err)
		}
		req.Params = raw
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, "http://"+addr+"/rpc", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.client.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("http status %d", httpResp.StatusCode)
	}

	var resp Response
	if err := json.NewDecoder(io.LimitReader(httpResp.Body, maxBody)).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	if err := json.Unmarshal(resp.Result, out); err != nil {
		return fmt.Errorf("decode result: %w", err)
	}
	return nil
}
