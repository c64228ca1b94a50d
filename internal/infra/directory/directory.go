// Package directory implements the presence directory: the single shared
// registry of peer records and the owner of contact recomputation.
//
// Every operation runs under one mutex. Mutations that can change distances
// or radii (register, location, radius) recompute every peer's contact set
// before the lock is released, so readers never observe a record whose
// contacts disagree with the locations that produced them.
package directory

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/nearcast/nearcast/internal/domain"
	"github.com/nearcast/nearcast/internal/geo"
	"github.com/nearcast/nearcast/internal/infra/metrics"
)

// Directory is the in-memory presence registry. The zero value is not usable;
// call New.
type Directory struct {
	mu    sync.Mutex
	peers map[string]*domain.PeerRecord
	log   *zap.Logger
}

// New creates an empty directory.
func New(logger *zap.Logger) *Directory {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Directory{
		peers: make(map[string]*domain.PeerRecord),
		log:   logger.Named("directory"),
	}
}

// Register inserts rec if its id is not yet known. It returns false, and
// changes nothing, when the id is already registered or the record violates
// the radius/coordinate invariants.
func (d *Directory) Register(rec domain.PeerRecord) bool {
	if rec.ID == "" || !geo.ValidRadius(rec.RadiusKm) || !rec.Location.Valid() {
		d.log.Warn("rejecting invalid peer record",
			zap.String("peer", rec.ID), zap.Float64("radius_km", rec.RadiusKm))
		return false
	}
	if !rec.Presence.Valid() {
		rec.Presence = domain.PresenceOffline
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.peers[rec.ID]; ok {
		return false
	}

	stored := rec.Clone()
	stored.Contacts = nil
	d.peers[rec.ID] = &stored
	metrics.DirectoryPeers.Set(float64(len(d.peers)))

	d.recomputeLocked()
	d.log.Debug("peer registered", zap.String("peer", rec.ID), zap.String("name", rec.Name))
	return true
}

// UpdateLocation moves a peer and recomputes contacts. It returns false for
// an unknown id or out-of-range coordinates.
func (d *Directory) UpdateLocation(id string, lat, lon float64) bool {
	if !geo.ValidCoordinates(lat, lon) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[id]
	if !ok {
		return false
	}
	p.Location = geo.Location{Lat: lat, Lon: lon}
	d.recomputeLocked()
	return true
}

// UpdateRadius changes a peer's communication radius and recomputes contacts.
// It returns false for an unknown id or a radius that is not positive and finite.
func (d *Directory) UpdateRadius(id string, radiusKm float64) bool {
	if !geo.ValidRadius(radiusKm) {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[id]
	if !ok {
		return false
	}
	p.RadiusKm = radiusKm
	d.recomputeLocked()
	return true
}

// UpdateStatus changes a peer's presence. Presence does not affect contact
// membership, so no recomputation happens.
func (d *Directory) UpdateStatus(id string, presence domain.Presence) bool {
	if !presence.Valid() {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[id]
	if !ok {
		return false
	}
	p.Presence = presence
	return true
}

// SetEndpoints publishes the addresses a peer's channels are bound to.
func (d *Directory) SetEndpoints(id string, ep domain.Endpoints) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[id]
	if !ok {
		return false
	}
	p.Endpoints = ep
	return true
}

// Get returns a copy of the record for id.
func (d *Directory) Get(id string) (domain.PeerRecord, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()

	p, ok := d.peers[id]
	if !ok {
		return domain.PeerRecord{}, false
	}
	return p.Clone(), true
}

// Snapshot returns a point-in-time copy of every record, keyed by id.
func (d *Directory) Snapshot() map[string]domain.PeerRecord {
	d.mu.Lock()
	defer d.mu.Unlock()

	out := make(map[string]domain.PeerRecord, len(d.peers))
	for id, p := range d.peers {
		out[id] = p.Clone()
	}
	return out
}

// Len returns the number of registered peers.
func (d *Directory) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.peers)
}

// recomputeLocked rebuilds every contact set. For each ordered pair (A, B),
// B joins A's contacts iff distance(A, B) ≤ A.RadiusKm. Caller holds d.mu.
func (d *Directory) recomputeLocked() {
	start := time.Now()
	for _, a := range d.peers {
		contacts := make([]string, 0, len(a.Contacts))
		for _, b := range d.peers {
			if a.ID == b.ID {
				continue
			}
			if geo.WithinRadius(a.Location, b.Location, a.RadiusKm) {
				contacts = append(contacts, b.ID)
			}
		}
		a.Contacts = contacts
	}
	metrics.DirectoryRecompute.Observe(time.Since(start).Seconds())
}
