// Package stereotype is the root-issued trust-prior cache of spec §4.G: a
// bounded (tags, prior) table requested over an asynchronous GET and
// looked up synchronously by pkg/trust's Beta+reputation variant. The
// bounded-table-plus-mutex shape follows pkg/registry and pkg/keystore.
package stereotype

import (
	"errors"
	"sync"
)

// ErrModelMismatch is returned by OnResponse when the responding root's
// model tag does not match this client's configured model.
var ErrModelMismatch = errors.New("stereotype: response model tag does not match configured model")

// DefaultCapacity is spec §3's stated default of 5 cached stereotypes.
const DefaultCapacity = 5

// Tags is the stereotype tag tuple; currently just the certificate's
// device_class byte (spec §3's "stereotype tags (currently {device_class:
// u8 in 1..=5})").
type Tags = [1]uint8

type entry struct {
	Alpha float64
	Beta  float64
}

// ReferenceChecker reports whether tags are still carried by any known
// certificate, implemented by pkg/registry.Registry.HasEdgeWithTags.
type ReferenceChecker interface {
	HasEdgeWithTags(tags Tags) bool
}

// Requester sends the `GET /stereotype` request asynchronously; the
// corresponding `[model, tags, prior]` response later arrives via
// Client.OnResponse, mirroring the keystore's split between "send the
// request" and "the result arrives later". The implementation in
// internal/node neither signs the request nor verifies the response.
type Requester interface {
	RequestStereotype(tags Tags, modelTag uint8) error
}

// Client is the bounded stereotype cache.
type Client struct {
	mu sync.Mutex

	capacity int
	modelTag uint8
	refs     ReferenceChecker

	cache   map[Tags]entry
	pending map[Tags]bool
}

// New constructs a stereotype Client. capacity<=0 uses DefaultCapacity.
// refs may be nil; every cached entry then counts as unreferenced, so a
// full cache can always evict one to make room.
func New(capacity int, modelTag uint8, refs ReferenceChecker) *Client {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Client{
		capacity: capacity,
		modelTag: modelTag,
		refs:     refs,
		cache:    make(map[Tags]entry, capacity),
		pending:  make(map[Tags]bool),
	}
}

// Request enqueues an asynchronous stereotype GET for tags via requester.
// A tags tuple already cached, or already pending, is a no-op (spec §4.G
// "a request for tags already present or already pending is a no-op").
func (c *Client) Request(tags Tags, requester Requester) error {
	c.mu.Lock()
	if _, cached := c.cache[tags]; cached {
		c.mu.Unlock()
		return nil
	}
	if c.pending[tags] {
		c.mu.Unlock()
		return nil
	}
	c.pending[tags] = true
	c.mu.Unlock()

	if err := requester.RequestStereotype(tags, c.modelTag); err != nil {
		c.mu.Lock()
		delete(c.pending, tags)
		c.mu.Unlock()
		return err
	}
	return nil
}

// OnResponse records a `[model, tags, prior]` response. If the cache is at
// capacity, the first cached entry whose tags are unreferenced by any
// currently known certificate (per ReferenceChecker) is evicted first; if
// every cached entry is still referenced the response is dropped, since a
// background response has no caller to surface a failure to.
func (c *Client) OnResponse(modelTag uint8, tags Tags, alpha, beta float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pending, tags)
	if modelTag != c.modelTag {
		return ErrModelMismatch
	}
	if _, ok := c.cache[tags]; !ok && len(c.cache) >= c.capacity {
		if !c.evictUnreferencedLocked() {
			return nil
		}
	}
	c.cache[tags] = entry{Alpha: alpha, Beta: beta}
	return nil
}

func (c *Client) evictUnreferencedLocked() bool {
	for t := range c.cache {
		if c.refs == nil || !c.refs.HasEdgeWithTags(t) {
			delete(c.cache, t)
			return true
		}
	}
	return false
}

// Find is the synchronous lookup pkg/trust's Beta+reputation variant uses
// during trust-value computation; it implements trust.StereotypeSource.
func (c *Client) Find(tags Tags) (alpha, beta float64, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.cache[tags]
	if !ok {
		return 0, 0, false
	}
	return e.Alpha, e.Beta, true
}
