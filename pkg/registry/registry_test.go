package registry

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
)

func eui(b byte) euiaddr.EUI64 {
	var id euiaddr.EUI64
	id[7] = b
	return id
}

func endpoint(port uint16) Endpoint {
	return Endpoint{Addr: netip.MustParseAddr("fd00::1"), Port: port}
}

func TestAnnounceThenReannounceReactivates(t *testing.T) {
	r := New(DefaultConfig())
	id := eui(1)

	e, err := r.Announce(id, endpoint(100), [1]uint8{1})
	require.NoError(t, err)
	assert.True(t, e.Active)

	r.Unannounce(id)
	e2, ok := r.FindByEUI64(id)
	require.True(t, ok)
	assert.False(t, e2.Active)

	e3, err := r.Announce(id, endpoint(200), [1]uint8{2})
	require.NoError(t, err)
	assert.True(t, e3.Active)
	assert.Equal(t, uint16(200), e3.Endpoint.Port)
	assert.Same(t, e2, e3)
}

func TestAnnounceEvictsInactiveEdgeOnOverflow(t *testing.T) {
	cfg := Config{MaxEdges: 2, MaxCapabilitiesPerEdge: 2, MaxPeers: 16}
	r := New(cfg)

	_, err := r.Announce(eui(1), endpoint(1), [1]uint8{1})
	require.NoError(t, err)
	_, err = r.Announce(eui(2), endpoint(2), [1]uint8{1})
	require.NoError(t, err)

	r.Unannounce(eui(1))

	_, err = r.Announce(eui(3), endpoint(3), [1]uint8{1})
	require.NoError(t, err)

	_, ok := r.FindByEUI64(eui(1))
	assert.False(t, ok, "the inactive edge should have been evicted to make room")
}

func TestAnnounceFailsWhenNoneEvictable(t *testing.T) {
	cfg := Config{MaxEdges: 1, MaxCapabilitiesPerEdge: 2, MaxPeers: 16}
	r := New(cfg)

	_, err := r.Announce(eui(1), endpoint(1), [1]uint8{1})
	require.NoError(t, err)

	_, err = r.Announce(eui(2), endpoint(2), [1]uint8{1})
	assert.ErrorIs(t, err, ErrFull)
}

func TestAddCapabilityRejectsUnknownEdge(t *testing.T) {
	r := New(DefaultConfig())
	_, err := r.AddCapability(eui(1), "inference")
	assert.ErrorIs(t, err, ErrUnknownEdge)
}

func TestAddCapabilityQuotaAndEviction(t *testing.T) {
	cfg := Config{MaxEdges: 4, MaxCapabilitiesPerEdge: 1, MaxPeers: 16}
	r := New(cfg)
	id := eui(1)
	_, err := r.Announce(id, endpoint(1), [1]uint8{1})
	require.NoError(t, err)

	_, err = r.AddCapability(id, "inference")
	require.NoError(t, err)

	r.RemoveCapability(id, "inference")

	_, err = r.AddCapability(id, "aggregate")
	require.NoError(t, err, "a freed (inactive) capability slot should be evictable")

	edge, ok := r.FindByEUI64(id)
	require.True(t, ok)
	_, stillThere := edge.Capabilities["inference"]
	assert.False(t, stillThere)
}

func TestCapabilityEventFiresOnAddAndRemove(t *testing.T) {
	r := New(DefaultConfig())
	id := eui(1)
	_, err := r.Announce(id, endpoint(1), [1]uint8{1})
	require.NoError(t, err)

	var kinds []CapabilityEventKind
	r.OnCapabilityEvent = func(kind CapabilityEventKind, edge *Edge, capability string) {
		kinds = append(kinds, kind)
		assert.Equal(t, id, edge.EUI64)
		assert.Equal(t, "inference", capability)
	}

	_, err = r.AddCapability(id, "inference")
	require.NoError(t, err)
	r.RemoveCapability(id, "inference")

	assert.Equal(t, []CapabilityEventKind{CapabilityAdded, CapabilityRemoved}, kinds)
}

func TestRemoveCapabilityOnUnknownEdgeIsNoop(t *testing.T) {
	r := New(DefaultConfig())
	assert.NotPanics(t, func() {
		r.RemoveCapability(eui(9), "inference")
	})
}

func TestFindByAddressNormalizesLinkLocal(t *testing.T) {
	r := New(DefaultConfig())
	id := eui(5)
	global := euiaddr.AddrFromEUI64(euiaddr.DefaultGlobalPrefix, id)
	_, err := r.Announce(id, Endpoint{Addr: global, Port: 1}, [1]uint8{1})
	require.NoError(t, err)

	linkLocal := euiaddr.AddrFromEUI64(euiaddr.DefaultLinkLocalPrefix, id)
	found, ok := r.FindByAddress(linkLocal)
	require.True(t, ok)
	assert.Equal(t, id, found.EUI64)
}

func TestHasEdgeWithTagsAndActiveCapability(t *testing.T) {
	r := New(DefaultConfig())
	id := eui(1)
	_, err := r.Announce(id, endpoint(1), [1]uint8{3})
	require.NoError(t, err)

	assert.True(t, r.HasEdgeWithTags([1]uint8{3}))
	assert.False(t, r.HasEdgeWithTags([1]uint8{4}))

	assert.False(t, r.HasActiveCapability("inference"))
	_, err = r.AddCapability(id, "inference")
	require.NoError(t, err)
	assert.True(t, r.HasActiveCapability("inference"))
}

func TestUpsertPeerTracksLastSeenMonotonically(t *testing.T) {
	r := New(DefaultConfig())
	addr := netip.MustParseAddr("fd00::9")

	p, err := r.UpsertPeer(addr, 10)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), p.LastSeen)

	p2, err := r.UpsertPeer(addr, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(10), p2.LastSeen, "an older lastSeen must not regress the stored value")

	p3, err := r.UpsertPeer(addr, 20)
	require.NoError(t, err)
	assert.Equal(t, uint32(20), p3.LastSeen)
}

func TestUpsertPeerFailsWhenFull(t *testing.T) {
	cfg := Config{MaxEdges: 4, MaxCapabilitiesPerEdge: 2, MaxPeers: 1}
	r := New(cfg)

	_, err := r.UpsertPeer(netip.MustParseAddr("fd00::1"), 1)
	require.NoError(t, err)

	_, err = r.UpsertPeer(netip.MustParseAddr("fd00::2"), 1)
	assert.ErrorIs(t, err, ErrPeersFull)
}
