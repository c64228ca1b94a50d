package daemon

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nearcast/nearcast/internal/api"
	"github.com/nearcast/nearcast/internal/app/dispatch"
	"github.com/nearcast/nearcast/internal/app/routing"
	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/health"
	"github.com/nearcast/nearcast/internal/infra/direct"
	"github.com/nearcast/nearcast/internal/infra/directory"
	"github.com/nearcast/nearcast/internal/infra/queue"
	"github.com/nearcast/nearcast/internal/infra/rpc"
)

// Peer is one hosted peer with its channels.
type Peer struct {
	Config PeerConfig
	Engine *routing.Engine
	Direct *direct.Channel
	RPC    *rpc.Channel
	Queue  *queue.Channel
}

// Daemon is the nearcast runtime. It wires together all services.
type Daemon struct {
	Config    Config
	Log       *zap.Logger
	Directory *directory.Directory
	Store     *queue.Store
	Hub       *api.Hub
	Server    *api.Server
	Health    *health.Checker

	timeout time.Duration
	qopts   queue.Options

	mu     sync.RWMutex
	peers  []*Peer
	byKey  map[string]*Peer // id and name
	cancel context.CancelFunc

	closeOnce sync.Once
	closeErr  error
}

// New loads the default config file and creates a Daemon.
func New() (*Daemon, error) {
	cfg, err := LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewWithConfig(cfg, nil)
}

// NewWithConfig creates a Daemon with every peer built but not started.
// A nil logger is built from cfg.Logging.
func NewWithConfig(cfg Config, logger *zap.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		l, err := NewLogger(cfg.Logging)
		if err != nil {
			return nil, err
		}
		logger = l
	}

	store, err := queue.Open(cfg.Queue.Path)
	if err != nil {
		return nil, fmt.Errorf("open queue store: %w", err)
	}
	logger.Info("queue store opened", zap.String("path", store.Path()))

	d := &Daemon{
		Config:    cfg,
		Log:       logger,
		Directory: directory.New(logger),
		Store:     store,
		Hub:       api.NewHub(logger),
		byKey:     make(map[string]*Peer),
	}

	d.timeout = parseDuration(cfg.Delivery.Timeout, direct.DefaultTimeout)
	d.qopts = queue.Options{
		PollInterval: parseDuration(cfg.Queue.PollInterval, queue.DefaultPollInterval),
	}
	for _, pc := range cfg.Peers {
		p, err := d.buildPeer(pc)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("peer %s: %w", pc.Name, err)
		}
		d.hostLocked(p)
	}

	d.Health = health.NewChecker(parseDuration(cfg.Health.Interval, health.DefaultInterval), logger,
		health.StoreCheck("queue_store", store),
		health.DataDirCheck(Home()),
		d.consumerCheck(),
	)

	srv := api.NewServer(d, d.Hub, logger)
	srv.SetHealth(d.Health)
	if cfg.Telemetry.Prometheus {
		srv.EnableMetrics()
	}
	d.Server = srv

	return d, nil
}

func (d *Daemon) buildPeer(pc PeerConfig) (*Peer, error) {
	rec := domain.NewPeerRecord(pc.Name, pc.Location(), pc.RadiusKm)
	log := d.Log.With(zap.String("peer", pc.Name))

	// One dispatcher per peer: every inbound channel shares its dedupe window.
	disp := dispatch.NewWithWindow(log, d.Config.Delivery.DedupeWindow)
	disp.Register(dispatch.LogHandler(log, pc.Name))
	disp.Register(d.Hub.HandlerFor(rec.ID))

	q, err := queue.New(d.Store.Dial, disp, d.qopts, log)
	if err != nil {
		return nil, err
	}
	p := &Peer{
		Config: pc,
		Direct: direct.New(pc.Name, disp, d.timeout, log),
		RPC:    rpc.New(rec.ID, d.Directory, disp, d.timeout, log),
		Queue:  q,
	}
	p.Engine, err = routing.New(rec, d.Directory,
		routing.Channels{Direct: p.Direct, RPC: p.RPC, Queue: p.Queue}, disp, log)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// hostLocked makes p reachable by id and name. Caller holds d.mu or has
// exclusive access.
func (d *Daemon) hostLocked(p *Peer) {
	d.peers = append(d.peers, p)
	d.byKey[p.Engine.ID()] = p
	d.byKey[p.Config.Name] = p
}

// AddPeer builds, starts and hosts a new peer while the daemon runs. Empty
// addresses bind to an ephemeral port on 127.0.0.1. Names must be unique.
// Channels that fail to start are reported in the error, but the peer is
// still hosted and returned, as at startup.
func (d *Daemon) AddPeer(pc PeerConfig) (*Peer, error) {
	if err := pc.Validate(); err != nil {
		return nil, err
	}
	if pc.DirectAddr == "" {
		pc.DirectAddr = "127.0.0.1:0"
	}
	if pc.RPCAddr == "" {
		pc.RPCAddr = "127.0.0.1:0"
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, taken := d.byKey[pc.Name]; taken {
		return nil, fmt.Errorf("%w: %s", domain.ErrDuplicatePeer, pc.Name)
	}
	for _, rec := range d.Directory.Snapshot() {
		if rec.Name == pc.Name {
			return nil, fmt.Errorf("%w: %s", domain.ErrDuplicatePeer, pc.Name)
		}
	}

	p, err := d.buildPeer(pc)
	if err != nil {
		return nil, err
	}
	d.hostLocked(p)

	err = p.Engine.StartServices(pc.DirectAddr, pc.RPCAddr)
	if err != nil {
		d.Log.Warn("added peer with failed channels", zap.String("peer", pc.Name), zap.Error(err))
	} else {
		d.Log.Info("peer added", zap.String("peer", pc.Name), zap.String("id", p.Engine.ID()))
	}
	return p, err
}

// CreatePeer implements api.PeerCreator.
func (d *Daemon) CreatePeer(req api.CreatePeerRequest) (domain.PeerRecord, error) {
	p, err := d.AddPeer(PeerConfig{
		Name:       req.Name,
		Latitude:   req.Latitude,
		Longitude:  req.Longitude,
		RadiusKm:   req.RadiusKm,
		DirectAddr: req.DirectAddr,
		RPCAddr:    req.RPCAddr,
	})
	if p == nil {
		return domain.PeerRecord{}, err
	}
	return p.Engine.Self(), err
}

// consumerCheck flags online peers whose queue consumer is not running and
// restarts it.
func (d *Daemon) consumerCheck() health.Check {
	stalled := func() []*Peer {
		var out []*Peer
		for _, p := range d.Peers() {
			if p.Engine.Started() && p.Engine.Self().IsOnline() && p.Queue.Inbox() == "" {
				out = append(out, p)
			}
		}
		return out
	}
	return health.Check{
		Name: "queue_consumers",
		CheckFn: func(ctx context.Context) error {
			if s := stalled(); len(s) > 0 {
				return fmt.Errorf("%d online peer(s) without a queue consumer", len(s))
			}
			return nil
		},
		RecoverFn: func(ctx context.Context) error {
			var err error
			for _, p := range stalled() {
				err = multierr.Append(err, p.Engine.SetPresence(domain.PresenceOnline))
			}
			return err
		},
	}
}

// ─── Peer access (api.Peers) ────────────────────────────────────────────────

// Peers returns the hosted peers in config order, then those added at runtime.
func (d *Daemon) Peers() []*Peer {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return slices.Clone(d.peers)
}

// Snapshot returns every record in the directory.
func (d *Daemon) Snapshot() map[string]domain.PeerRecord { return d.Directory.Snapshot() }

// Engine returns the hosted peer with the given id or name.
func (d *Daemon) Engine(idOrName string) (*routing.Engine, bool) {
	d.mu.RLock()
	p, ok := d.byKey[idOrName]
	d.mu.RUnlock()
	if !ok {
		return nil, false
	}
	return p.Engine, true
}

// ─── Lifecycle ──────────────────────────────────────────────────────────────

// StartPeers starts every hosted peer that is not already running,
// concurrently. Channel failures are logged and returned combined; peers
// still come online with whatever channels did start.
func (d *Daemon) StartPeers() error {
	var (
		mu   sync.Mutex
		errs error
		g    errgroup.Group
	)
	for _, p := range d.Peers() {
		if p.Engine.Started() {
			continue
		}
		g.Go(func() error {
			if err := p.Engine.StartServices(p.Config.DirectAddr, p.Config.RPCAddr); err != nil {
				mu.Lock()
				errs = multierr.Append(errs, fmt.Errorf("peer %s: %w", p.Config.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return errs
}

// StopPeers takes every hosted peer offline.
func (d *Daemon) StopPeers() error {
	var errs error
	for _, p := range d.Peers() {
		errs = multierr.Append(errs, p.Engine.StopServices())
	}
	return errs
}

// Serve starts peers, health checks and the admin API, and blocks until
// ctx is done or SIGINT/SIGTERM arrives.
func (d *Daemon) Serve(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	defer cancel()

	if err := d.StartPeers(); err != nil {
		d.Log.Warn("some channels failed to start", zap.Error(err))
	}

	go d.Health.Run(ctx)

	addr := net.JoinHostPort(d.Config.API.Host, strconv.Itoa(d.Config.API.Port))
	httpServer := &http.Server{
		Addr:              addr,
		Handler:           d.Server.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	// Graceful shutdown on signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case sig := <-sigCh:
			d.Log.Info("shutting down", zap.String("signal", sig.String()))
		case <-ctx.Done():
		}

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()

		d.Hub.Close()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	d.Log.Info("nearcast serving",
		zap.String("api", "http://"+addr),
		zap.Int("peers", len(d.Peers())),
		zap.Bool("metrics", d.Config.Telemetry.Prometheus))

	err := httpServer.ListenAndServe()
	closeErr := d.Close()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return multierr.Append(err, closeErr)
	}
	return closeErr
}

// Close stops every peer and releases the queue store. Safe to call more
// than once.
func (d *Daemon) Close() error {
	d.closeOnce.Do(func() {
		if d.cancel != nil {
			d.cancel()
		}
		d.Hub.Close()
		d.closeErr = multierr.Combine(
			d.StopPeers(),
			d.Store.Close(),
		)
		_ = d.Log.Sync()
	})
	return d.closeErr
}
