// Package registry is the bounded edge/peer/capability table of spec §4.E,
// kept as a small set of maps behind one mutex — the same "bounded table +
// mutex, no intrusive next-pointers" shape the teacher uses for its peer
// list (agent-tcp/tcp_peer.go's TCPAgent.peers), generalized to the three
// nested tables the spec requires.
package registry

import (
	"bytes"
	"net/netip"
	"sort"
	"sync"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
)

// CapabilityNameMaxLen is the spec's ≤15-byte capability name bound.
const CapabilityNameMaxLen = 15

// Endpoint is an edge's network identity.
type Endpoint struct {
	Addr     netip.Addr
	Port     uint16
	Secure   bool
}

// Capability is one advertised application an edge can execute.
type Capability struct {
	Name   string
	Active bool
}

// Edge is a known edge resource.
type Edge struct {
	EUI64        euiaddr.EUI64
	Endpoint     Endpoint
	Active       bool
	Tags         [1]uint8
	Capabilities map[string]*Capability
	// Trust holds opaque per-model state; pkg/trust owns its shape and
	// type-asserts it back out. Kept here (rather than inside pkg/trust)
	// because the registry, not the trust model, owns the edge's lifetime.
	Trust any
}

// Peer is a peer-reported reputation record: another client's view of the
// edges it knows, received via trust exchange.
type Peer struct {
	Addr      netip.Addr
	LastSeen  uint32 // the peer's own monotonic clock, not ours
	Trust     any    // per-peer trust state, model-specific
	KnownEdges map[euiaddr.EUI64]*Edge
}

// Config bounds every table per spec §3's cardinality caps.
type Config struct {
	MaxEdges             int
	MaxCapabilitiesPerEdge int
	MaxPeers             int
}

// DefaultConfig matches spec §3's stated defaults.
func DefaultConfig() Config {
	return Config{MaxEdges: 4, MaxCapabilitiesPerEdge: 2, MaxPeers: 16}
}

// Registry is the bounded edge/peer table.
type Registry struct {
	cfg Config
	mu  sync.Mutex

	edges map[euiaddr.EUI64]*Edge
	peers map[netip.Addr]*Peer

	// OnCapabilityEvent, if set, is called for every capability add/remove
	// so application-level code (timers, pending work) can react — spec
	// §4.E "post a per-capability event to the subscribed application
	// process".
	OnCapabilityEvent func(kind CapabilityEventKind, edge *Edge, capability string)
}

// CapabilityEventKind distinguishes add from remove in OnCapabilityEvent.
type CapabilityEventKind int

const (
	CapabilityAdded CapabilityEventKind = iota
	CapabilityRemoved
)

// New constructs a Registry.
func New(cfg Config) *Registry {
	return &Registry{
		cfg:   cfg,
		edges: make(map[euiaddr.EUI64]*Edge, cfg.MaxEdges),
		peers: make(map[netip.Addr]*Peer, cfg.MaxPeers),
	}
}

// Announce creates or re-activates an edge resource; it never creates
// capabilities (spec §4.E).
func (r *Registry) Announce(id euiaddr.EUI64, ep Endpoint, tags [1]uint8) (*Edge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.edges[id]; ok {
		e.Active = true
		e.Endpoint = ep
		e.Tags = tags
		return e, nil
	}
	if len(r.edges) >= r.cfg.MaxEdges {
		if !r.evictInactiveEdgeLocked() {
			return nil, ErrFull
		}
	}
	e := &Edge{
		EUI64:        id,
		Endpoint:     ep,
		Active:       true,
		Tags:         tags,
		Capabilities: make(map[string]*Capability),
	}
	r.edges[id] = e
	return e, nil
}

// Unannounce deactivates an edge and clears its capabilities; the edge
// record itself remains until evicted by memory pressure. A no-op if the
// edge was never announced (spec §8 boundary behaviour).
func (r *Registry) Unannounce(id euiaddr.EUI64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[id]
	if !ok {
		return
	}
	e.Active = false
	e.Capabilities = make(map[string]*Capability)
}

// evictInactiveEdgeLocked drops the first inactive edge found; caller must
// hold r.mu.
func (r *Registry) evictInactiveEdgeLocked() bool {
	for id, e := range r.edges {
		if !e.Active {
			delete(r.edges, id)
			return true
		}
	}
	return false
}

// AddCapability creates or reactivates capability name on edge id. Rejects
// (without evicting anything else) if the edge is already at its
// per-edge capability quota (spec: "an edge may not exceed its quota").
func (r *Registry) AddCapability(id euiaddr.EUI64, name string) (*Capability, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[id]
	if !ok {
		return nil, ErrUnknownEdge
	}
	if c, ok := e.Capabilities[name]; ok {
		c.Active = true
		r.fireCapabilityEvent(CapabilityAdded, e, name)
		return c, nil
	}
	if len(e.Capabilities) >= r.cfg.MaxCapabilitiesPerEdge {
		if !r.evictFreeCapabilityLocked(e) {
			return nil, ErrCapabilityFull
		}
	}
	c := &Capability{Name: name, Active: true}
	e.Capabilities[name] = c
	r.fireCapabilityEvent(CapabilityAdded, e, name)
	return c, nil
}

// evictFreeCapabilityLocked drops the first capability on e whose edge has
// no active holders — here interpreted as: the edge itself is inactive, or
// the capability is already inactive, following spec §4.E's free-up policy
// ("whose edge has no active holders (for capabilities)").
func (r *Registry) evictFreeCapabilityLocked(e *Edge) bool {
	for name, c := range e.Capabilities {
		if !e.Active || !c.Active {
			delete(e.Capabilities, name)
			return true
		}
	}
	return false
}

// RemoveCapability deactivates a named capability on a named edge. A no-op
// for an unknown edge or capability (spec §8 boundary behaviour).
func (r *Registry) RemoveCapability(id euiaddr.EUI64, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[id]
	if !ok {
		return
	}
	c, ok := e.Capabilities[name]
	if !ok {
		return
	}
	c.Active = false
	r.fireCapabilityEvent(CapabilityRemoved, e, name)
}

func (r *Registry) fireCapabilityEvent(kind CapabilityEventKind, e *Edge, name string) {
	if r.OnCapabilityEvent != nil {
		r.OnCapabilityEvent(kind, e, name)
	}
}

// FindByEUI64 returns the edge for id, if known.
func (r *Registry) FindByEUI64(id euiaddr.EUI64) (*Edge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.edges[id]
	return e, ok
}

// FindByAddress returns the edge whose endpoint address matches addr, after
// normalisation.
func (r *Registry) FindByAddress(addr netip.Addr) (*Edge, bool) {
	addr = euiaddr.Normalize(addr)
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.edges {
		if euiaddr.Normalize(e.Endpoint.Addr) == addr {
			return e, true
		}
	}
	return nil, false
}

// Edges returns a stable-order snapshot of all known edges (active and
// inactive), sorted by EUI-64 so repeated calls list the same edges in the
// same order.
func (r *Registry) Edges() []*Edge {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Edge, 0, len(r.edges))
	for _, e := range r.edges {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool {
		return bytes.Compare(out[i].EUI64[:], out[j].EUI64[:]) < 0
	})
	return out
}

// HasActiveCapability reports whether any known edge has an active
// capability named name — used to gate stereotype eviction (spec §4.G).
func (r *Registry) HasActiveCapability(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.edges {
		if !e.Active {
			continue
		}
		if c, ok := e.Capabilities[name]; ok && c.Active {
			return true
		}
	}
	return false
}

// HasEdgeWithTags reports whether any currently known edge (active or not)
// carries the given stereotype tag tuple — used by pkg/stereotype to decide
// whether a cached prior is still referenced by a known certificate before
// evicting it under memory pressure (spec §4.G).
func (r *Registry) HasEdgeWithTags(tags [1]uint8) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.edges {
		if e.Tags == tags {
			return true
		}
	}
	return false
}

// UpsertPeer creates or returns the peer record for addr. A new peer
// arriving when the peer table is full is refused with ErrPeersFull; no
// existing peer is evicted.
func (r *Registry) UpsertPeer(addr netip.Addr, lastSeen uint32) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if p, ok := r.peers[addr]; ok {
		if lastSeen > p.LastSeen {
			p.LastSeen = lastSeen
		}
		return p, nil
	}
	if len(r.peers) >= r.cfg.MaxPeers {
		return nil, ErrPeersFull
	}
	p := &Peer{Addr: addr, LastSeen: lastSeen, KnownEdges: make(map[euiaddr.EUI64]*Edge)}
	r.peers[addr] = p
	return p, nil
}

// FindPeer returns the peer record for addr, if known.
func (r *Registry) FindPeer(addr netip.Addr) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[addr]
	return p, ok
}

// Peers returns a snapshot of every known peer record, for callers that
// need to range over peer-reported state (e.g. averaging peer-reported
// trust values) rather than look one up by address.
func (r *Registry) Peers() []*Peer {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}
