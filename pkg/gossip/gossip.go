// Package gossip implements spec §4.H's announce/capability protocol: a
// Publisher (edge role) runs the cadence state machine over
// transport.Broker, and a Subscriber (client role) parses and dispatches
// inbound topics into pkg/registry and pkg/keystore. Grounded on the
// teacher's agent.go update()-reschedules-itself pattern for the
// Publisher's timer loop.
package gossip

import (
	"net/netip"
	"strings"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	"github.com/fogmesh/trustmesh/pkg/cert"
	"github.com/fogmesh/trustmesh/pkg/keystore"
	"github.com/fogmesh/trustmesh/pkg/registry"
	"github.com/fogmesh/trustmesh/pkg/transport"
)

// TopicPrefix is the fixed root every edge-published topic begins under.
const TopicPrefix = "edge/"

const (
	ActionAnnounce   = "announce"
	ActionUnannounce = "unannounce"
)

// EdgeTopic builds the announce/unannounce topic for id.
func EdgeTopic(id euiaddr.EUI64, action string) string {
	return TopicPrefix + id.String() + "/" + action
}

// CapabilityTopic builds the capability add/remove topic for id.
func CapabilityTopic(id euiaddr.EUI64, name, verb string) string {
	return TopicPrefix + id.String() + "/capability/" + name + "/" + verb
}

type capabilityWire struct {
	_           struct{} `cbor:",toarray"`
	IncludeCert bool
	Cert        []byte
}

type unannounceWire struct {
	_    struct{} `cbor:",toarray"`
	Addr []byte
}

// PublisherConfig parameterises the edge-side cadence state machine.
type PublisherConfig struct {
	EUI64       euiaddr.EUI64
	Endpoint    registry.Endpoint
	Broker      transport.Broker
	Codec       *cert.Codec
	Certificate cert.Certificate

	Capabilities []string

	// FastInterval is the announce period for the first FastCount
	// broadcasts; after that the period decays to FastInterval*DecayFactor
	// (spec §4.H "announce at 30s intervals for the first few broadcasts
	// then decays to 15x that period").
	FastInterval time.Duration
	FastCount    int
	DecayFactor  int64

	CapabilityInterMessagePeriod time.Duration
	CapabilityCyclePeriod        time.Duration
}

func (c *PublisherConfig) setDefaults() {
	if c.FastInterval == 0 {
		c.FastInterval = 30 * time.Second
	}
	if c.FastCount == 0 {
		c.FastCount = 3
	}
	if c.DecayFactor == 0 {
		c.DecayFactor = 15
	}
	if c.CapabilityInterMessagePeriod == 0 {
		c.CapabilityInterMessagePeriod = 2 * time.Second
	}
	if c.CapabilityCyclePeriod == 0 {
		c.CapabilityCyclePeriod = 60 * time.Second
	}
}

// Publisher drives an edge's own announce/capability cadence.
type Publisher struct {
	cfg PublisherConfig

	mu            sync.Mutex
	announceCount int
	capGen        int

	forceFast chan struct{}
	stop      chan struct{}
	wg        sync.WaitGroup
}

// NewPublisher constructs a Publisher. Start must be called to begin the
// cadence.
func NewPublisher(cfg PublisherConfig) *Publisher {
	cfg.setDefaults()
	return &Publisher{
		cfg:       cfg,
		forceFast: make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Start begins the announce/capability cadence in a background goroutine.
func (p *Publisher) Start() {
	p.wg.Add(1)
	go p.run()
}

// Stop halts the cadence and publishes a final unannounce (spec §4.H "when
// the edge is told to stop, it publishes unannounce and suspends the
// capability timer").
func (p *Publisher) Stop() {
	close(p.stop)
	p.wg.Wait()
	p.publishUnannounce()
}

// ForceFast resets the announce cadence back to the fast interval on
// demand, used after connectivity is regained.
func (p *Publisher) ForceFast() {
	select {
	case p.forceFast <- struct{}{}:
	default:
	}
}

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		p.publishAnnounce()
		interval := p.nextInterval()
		t := time.NewTimer(interval)
		select {
		case <-p.stop:
			t.Stop()
			return
		case <-p.forceFast:
			t.Stop()
			p.mu.Lock()
			p.announceCount = 0
			p.mu.Unlock()
		case <-t.C:
		}
	}
}

func (p *Publisher) nextInterval() time.Duration {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.announceCount++
	if p.announceCount <= p.cfg.FastCount {
		return p.cfg.FastInterval
	}
	return p.cfg.FastInterval * time.Duration(p.cfg.DecayFactor)
}

func (p *Publisher) publishAnnounce() {
	payload, err := p.cfg.Codec.Encode(p.cfg.Certificate)
	if err != nil {
		return
	}
	p.cfg.Broker.Publish(EdgeTopic(p.cfg.EUI64, ActionAnnounce), payload)
	go p.publishCapabilities()
}

func (p *Publisher) publishUnannounce() {
	addrBytes := p.cfg.Endpoint.Addr.AsSlice()
	payload, err := cbor.Marshal(unannounceWire{Addr: addrBytes})
	if err != nil {
		return
	}
	p.cfg.Broker.Publish(EdgeTopic(p.cfg.EUI64, ActionUnannounce), payload)
}

// publishCapabilities round-robins the configured capability list at
// CapabilityInterMessagePeriod, repeating the full cycle every
// CapabilityCyclePeriod. A fresh announce bumps capGen, causing any
// in-flight round to abandon itself rather than race the new one.
func (p *Publisher) publishCapabilities() {
	p.mu.Lock()
	p.capGen++
	gen := p.capGen
	p.mu.Unlock()

	for {
		for _, name := range p.cfg.Capabilities {
			select {
			case <-p.stop:
				return
			case <-time.After(p.cfg.CapabilityInterMessagePeriod):
			}
			if p.stale(gen) {
				return
			}
			p.PublishCapabilityAdd(name, false)
		}
		select {
		case <-p.stop:
			return
		case <-time.After(p.cfg.CapabilityCyclePeriod):
		}
		if p.stale(gen) {
			return
		}
	}
}

func (p *Publisher) stale(gen int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return gen != p.capGen
}

// PublishCapabilityAdd publishes a capability add event immediately,
// outside the round-robin cadence — used when an application registers a
// capability at runtime. includeCert piggy-backs the edge's certificate for
// listeners who have not seen the announce (spec §4.H).
func (p *Publisher) PublishCapabilityAdd(name string, includeCert bool) {
	var certBytes []byte
	if includeCert {
		if b, err := p.cfg.Codec.Encode(p.cfg.Certificate); err == nil {
			certBytes = b
		}
	}
	payload, err := cbor.Marshal(capabilityWire{IncludeCert: certBytes != nil, Cert: certBytes})
	if err != nil {
		return
	}
	p.cfg.Broker.Publish(CapabilityTopic(p.cfg.EUI64, name, "add"), payload)
}

// PublishCapabilityRemove publishes a capability remove event immediately.
func (p *Publisher) PublishCapabilityRemove(name string) {
	payload, err := cbor.Marshal(capabilityWire{})
	if err != nil {
		return
	}
	p.cfg.Broker.Publish(CapabilityTopic(p.cfg.EUI64, name, "remove"), payload)
}

// SubscriberConfig parameterises the client-side dispatch.
type SubscriberConfig struct {
	OurEUI64 euiaddr.EUI64
	Prefix   netip.Addr
	Port     uint16

	Registry *registry.Registry
	Keystore *keystore.Keystore
	Codec    *cert.Codec

	// KeyRequester is used for the request_public_key fallback when
	// AddUnverified cannot accept a newly seen certificate (spec §4.H).
	KeyRequester keystore.KeyRequester
}

// Subscriber parses inbound edge/ topics and applies them to the registry
// and keystore.
type Subscriber struct {
	cfg SubscriberConfig
}

// NewSubscriber constructs a Subscriber.
func NewSubscriber(cfg SubscriberConfig) *Subscriber {
	return &Subscriber{cfg: cfg}
}

// Attach subscribes to every edge/ topic on broker.
func (s *Subscriber) Attach(broker transport.Broker) {
	broker.Subscribe(TopicPrefix, s.handle)
}

func (s *Subscriber) handle(topic string, payload []byte) {
	if !strings.HasPrefix(topic, TopicPrefix) {
		return
	}
	rest := strings.TrimPrefix(topic, TopicPrefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 {
		return
	}
	id, err := euiaddr.ParseHex(parts[0])
	if err != nil {
		return
	}
	if id == s.cfg.OurEUI64 {
		return
	}
	switch {
	case parts[1] == ActionAnnounce:
		s.handleAnnounce(id, payload)
	case parts[1] == ActionUnannounce:
		s.handleUnannounce(id, payload)
	case strings.HasPrefix(parts[1], "capability/"):
		s.handleCapability(id, strings.TrimPrefix(parts[1], "capability/"), payload)
	}
}

func (s *Subscriber) handleAnnounce(id euiaddr.EUI64, payload []byte) {
	c, err := s.cfg.Codec.Decode(payload)
	if err != nil || c.TBS.Subject != id {
		return
	}
	addr := euiaddr.AddrFromEUI64(s.cfg.Prefix, id)
	tags := [1]uint8{uint8(c.TBS.Tags[0])}
	ep := registry.Endpoint{Addr: addr, Port: s.cfg.Port, Secure: true}
	if _, err := s.cfg.Registry.Announce(id, ep, tags); err != nil {
		return
	}
	s.submitCertificate(addr, c)
}

func (s *Subscriber) handleUnannounce(id euiaddr.EUI64, payload []byte) {
	var w unannounceWire
	if err := cbor.Unmarshal(payload, &w); err != nil {
		return
	}
	s.cfg.Registry.Unannounce(id)
}

// handleCapability dispatches a capability/<name>/<add|remove> action.
func (s *Subscriber) handleCapability(id euiaddr.EUI64, rest string, payload []byte) {
	idx := strings.LastIndexByte(rest, '/')
	if idx < 0 {
		return
	}
	name, verb := rest[:idx], rest[idx+1:]

	var w capabilityWire
	if err := cbor.Unmarshal(payload, &w); err != nil {
		return
	}
	if w.IncludeCert && len(w.Cert) > 0 {
		if c, err := s.cfg.Codec.Decode(w.Cert); err == nil && c.TBS.Subject == id {
			addr := euiaddr.AddrFromEUI64(s.cfg.Prefix, id)
			ep := registry.Endpoint{Addr: addr, Port: s.cfg.Port, Secure: true}
			if _, err := s.cfg.Registry.Announce(id, ep, [1]uint8{uint8(c.TBS.Tags[0])}); err == nil {
				s.submitCertificate(addr, c)
			}
		}
	}

	switch verb {
	case "add":
		s.cfg.Registry.AddCapability(id, name)
	case "remove":
		s.cfg.Registry.RemoveCapability(id, name)
	}
}

// submitCertificate hands a freshly seen certificate to the keystore,
// falling back to a synchronous request_public_key when the asynchronous
// verify path cannot accept it right now (spec §4.H).
func (s *Subscriber) submitCertificate(addr netip.Addr, c cert.Certificate) {
	if s.cfg.Keystore == nil {
		return
	}
	if _, ok := s.cfg.Keystore.FindByEUI64(c.TBS.Subject); ok {
		return
	}
	if _, err := s.cfg.Keystore.AddUnverified(c); err != nil && s.cfg.KeyRequester != nil {
		s.cfg.Keystore.RequestPublicKey(addr, s.cfg.KeyRequester)
	}
}
