// Package api provides the admin HTTP server for nearcast: peer listings,
// per-peer actions, a live delivery feed and Prometheus metrics.
package api

import (
	"cmp"
	"encoding/json"
	"errors"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/nearcast/nearcast/internal/app/routing"
	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
	"github.com/nearcast/nearcast/internal/health"
)

// Peers is what the server needs from the daemon.
type Peers interface {
	// Snapshot returns every record in the directory.
	Snapshot() map[string]domain.PeerRecord
	// Engine returns the locally hosted peer with the given id or name.
	Engine(idOrName string) (*routing.Engine, bool)
}

// PeerCreator is implemented by a Peers that can host new peers at runtime.
type PeerCreator interface {
	// CreatePeer builds and starts a peer. A non-nil record alongside an
	// error means the peer is hosted but some channels failed to start.
	CreatePeer(req CreatePeerRequest) (domain.PeerRecord, error)
}

// HealthReporter reports component health for GET /health.
type HealthReporter interface {
	IsHealthy() bool
	Statuses() []health.Status
}

// Server is the nearcast admin API server.
type Server struct {
	peers          Peers
	hub            *Hub
	health         HealthReporter
	metricsEnabled bool
	log            *zap.Logger
}

// NewServer creates a new API server.
func NewServer(peers Peers, hub *Hub, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{peers: peers, hub: hub, log: logger.Named("api")}
}

// EnableMetrics enables the /metrics Prometheus endpoint.
func (s *Server) EnableMetrics() { s.metricsEnabled = true }

// SetHealth sets the reporter behind GET /health.
func (s *Server) SetHealth(h HealthReporter) { s.health = h }

// Handler returns the chi router with all routes mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(corsMiddleware)

	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/peers", s.handleListPeers)
			r.Post("/peers", s.handleCreatePeer)
			r.Route("/peers/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetPeer)
				r.Get("/contacts", s.handleContacts)
				r.Get("/stats", s.handleStats)
				r.Post("/messages", s.handleSend)
				r.Post("/broadcast", s.handleBroadcast)
				r.Put("/location", s.handleLocation)
				r.Put("/radius", s.handleRadius)
				r.Put("/presence", s.handlePresence)
			})
		})

		// Long-lived; kept out of the timeout group.
		if s.hub != nil {
			r.Get("/events", s.hub.ServeHTTP)
		}
	})

	if s.metricsEnabled {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}

// ─── Handlers ───────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.health == nil {
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
		return
	}
	status, code := "ok", http.StatusOK
	if !s.health.IsHealthy() {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": s.health.Statuses(),
	})
}

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	snap := s.peers.Snapshot()
	out := make([]domain.PeerRecord, 0, len(snap))
	for _, rec := range snap {
		out = append(out, rec)
	}
	slices.SortFunc(out, func(a, b domain.PeerRecord) int {
		return cmp.Or(cmp.Compare(a.Name, b.Name), cmp.Compare(a.ID, b.ID))
	})
	writeJSON(w, http.StatusOK, map[string]any{"peers": out})
}

// CreatePeerRequest is the body of POST /api/peers. Empty addresses bind
// to an ephemeral local port.
type CreatePeerRequest struct {
	Name       string  `json:"name"`
	Latitude   float64 `json:"latitude"`
	Longitude  float64 `json:"longitude"`
	RadiusKm   float64 `json:"radius_km"`
	DirectAddr string  `json:"direct_addr,omitempty"`
	RPCAddr    string  `json:"rpc_addr,omitempty"`
}

func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	creator, ok := s.peers.(PeerCreator)
	if !ok {
		writeError(w, http.StatusNotImplemented, "peer creation not supported")
		return
	}
	var req CreatePeerRequest
	if !decode(w, r, &req) {
		return
	}

	rec, err := creator.CreatePeer(req)
	switch {
	case errors.Is(err, domain.ErrDuplicatePeer):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, domain.ErrInvalidName),
		errors.Is(err, domain.ErrInvalidRadius),
		errors.Is(err, domain.ErrInvalidCoordinates):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	case err != nil && rec.ID == "":
		s.log.Error("create peer", zap.String("name", req.Name), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	body := map[string]any{"peer": rec}
	if err != nil {
		body["warning"] = err.Error()
	}
	writeJSON(w, http.StatusCreated, body)
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if e, ok := s.peers.Engine(id); ok {
		writeJSON(w, http.StatusOK, e.Self())
		return
	}
	if rec, ok := findRecord(s.peers.Snapshot(), id); ok {
		writeJSON(w, http.StatusOK, rec)
		return
	}
	writeError(w, http.StatusNotFound, "peer not found: "+id)
}

func (s *Server) handleContacts(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"contacts": e.ContactsView()})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, e.Stats())
}

// SendRequest is the body of POST /api/peers/{id}/messages.
type SendRequest struct {
	To   string `json:"to"`
	Body string `json:"body"`
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req SendRequest
	if !decode(w, r, &req) {
		return
	}
	if req.To == "" || req.Body == "" {
		writeError(w, http.StatusBadRequest, "to and body are required")
		return
	}

	target := req.To
	if rec, ok := findRecord(s.peers.Snapshot(), req.To); ok {
		target = rec.ID
	}

	res, err := e.Send(r.Context(), target, req.Body)
	if errors.Is(err, domain.ErrUnknownPeer) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// BroadcastRequest is the body of POST /api/peers/{id}/broadcast.
type BroadcastRequest struct {
	Body string `json:"body"`
}

func (s *Server) handleBroadcast(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req BroadcastRequest
	if !decode(w, r, &req) {
		return
	}
	if req.Body == "" {
		req.Body = "test message sent at " + time.Now().Format("15:04:05")
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": e.Broadcast(r.Context(), req.Body)})
}

// LocationRequest is the body of PUT /api/peers/{id}/location. Either the
// numeric pair or a "lat, lon" string may be given.
type LocationRequest struct {
	Latitude    *float64 `json:"latitude,omitempty"`
	Longitude   *float64 `json:"longitude,omitempty"`
	Coordinates string   `json:"coordinates,omitempty"`
}

func (s *Server) handleLocation(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req LocationRequest
	if !decode(w, r, &req) {
		return
	}

	var loc geo.Location
	switch {
	case req.Coordinates != "":
		parsed, err := geo.ParseCoordinates(req.Coordinates)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		loc = parsed
	case req.Latitude != nil && req.Longitude != nil:
		loc = geo.Location{Lat: *req.Latitude, Lon: *req.Longitude}
	default:
		writeError(w, http.StatusBadRequest, "latitude and longitude, or coordinates, are required")
		return
	}

	if err := e.UpdateLocation(loc.Lat, loc.Lon); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e.Self())
}

// RadiusRequest is the body of PUT /api/peers/{id}/radius.
type RadiusRequest struct {
	RadiusKm float64 `json:"radius_km"`
}

func (s *Server) handleRadius(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req RadiusRequest
	if !decode(w, r, &req) {
		return
	}
	if err := e.UpdateRadius(req.RadiusKm); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e.Self())
}

// PresenceRequest is the body of PUT /api/peers/{id}/presence.
type PresenceRequest struct {
	Presence domain.Presence `json:"presence"`
}

func (s *Server) handlePresence(w http.ResponseWriter, r *http.Request) {
	e, ok := s.engine(w, r)
	if !ok {
		return
	}
	var req PresenceRequest
	if !decode(w, r, &req) {
		return
	}
	if err := e.SetPresence(req.Presence); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, e.Self())
}

// ─── Helpers ────────────────────────────────────────────────────────────────

// engine resolves the {id} path parameter to a locally hosted peer.
func (s *Server) engine(w http.ResponseWriter, r *http.Request) (*routing.Engine, bool) {
	id := chi.URLParam(r, "id")
	e, ok := s.peers.Engine(id)
	if !ok {
		writeError(w, http.StatusNotFound, "peer not hosted here: "+id)
		return nil, false
	}
	return e, true
}

// findRecord matches idOrName against ids first, then names.
func findRecord(snap map[string]domain.PeerRecord, idOrName string) (domain.PeerRecord, bool) {
	if rec, ok := snap[idOrName]; ok {
		return rec, true
	}
	for _, rec := range snap {
		if rec.Name == idOrName {
			return rec, true
		}
	}
	return domain.PeerRecord{}, false
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON: "+err.Error())
		return false
	}
	return true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    "error",
		},
	})
}

// corsMiddleware adds CORS headers for local development.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}
