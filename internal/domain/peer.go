// Package domain holds the pure types shared by every nearcast layer:
// peer records, messages, delivery provenance, sentinel errors, and the
// capability contracts delivery channels implement.
package domain

import (
	"slices"

	"github.com/google/uuid"

	"github.com/nearcast/nearcast/internal/geo"
)

// Presence is a peer's declared availability, independent of proximity.
type Presence string

const (
	PresenceOnline  Presence = "online"
	PresenceOffline Presence = "offline"
)

// Valid reports whether p is one of the known presence values.
func (p Presence) Valid() bool {
	return p == PresenceOnline || p == PresenceOffline
}

// Endpoints are the addresses a peer's synchronous channels listen on.
// Zero until the peer's services start.
type Endpoints struct {
	DirectAddr string `json:"direct_addr,omitempty"`
	RPCAddr    string `json:"rpc_addr,omitempty"`
}

// IsZero reports whether no endpoint has been published yet.
func (e Endpoints) IsZero() bool {
	return e.DirectAddr == "" && e.RPCAddr == ""
}

// PeerRecord is one participant in the directory.
//
// Contacts is derived: it lists the ids of peers within this peer's own
// radius as of the last directory recomputation and is never edited by callers.
type PeerRecord struct {
	ID        string       `json:"id"`
	Name      string       `json:"name"`
	Location  geo.Location `json:"location"`
	RadiusKm  float64      `json:"radius_km"`
	Presence  Presence     `json:"presence"`
	Contacts  []string     `json:"contacts"`
	Endpoints Endpoints    `json:"endpoints"`
}

// NewPeerRecord creates an offline record with a fresh id.
func NewPeerRecord(name string, loc geo.Location, radiusKm float64) PeerRecord {
	return PeerRecord{
		ID:       uuid.NewString(),
		Name:     name,
		Location: loc,
		RadiusKm: radiusKm,
		Presence: PresenceOffline,
	}
}

// Clone returns a deep copy safe to hand across the directory boundary.
func (r PeerRecord) Clone() PeerRecord {
	r.Contacts = slices.Clone(r.Contacts)
	return r
}

// IsOnline reports whether the peer declared itself online.
func (r PeerRecord) IsOnline() bool {
	return r.Presence == PresenceOnline
}

// DistanceTo returns the great-circle distance to other in kilometres.
func (r PeerRecord) DistanceTo(other PeerRecord) float64 {
	return geo.DistanceKm(r.Location, other.Location)
}

// InRange reports whether other lies within r's own radius. The relation is
// asymmetric: r may reach other while other cannot reach r.
func (r PeerRecord) InRange(other PeerRecord) bool {
	return geo.WithinRadius(r.Location, other.Location, r.RadiusKm)
}

// HasContact reports whether id is in the cached contact set.
func (r PeerRecord) HasContact(id string) bool {
	return slices.Contains(r.Contacts, id)
}

// Summary is the presentation-safe subset of a record.
type Summary struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Presence Presence `json:"presence"`
}

// Summary projects the record for presentation layers.
func (r PeerRecord) Summary() Summary {
	return Summary{ID: r.ID, Name: r.Name, Presence: r.Presence}
}
