// Package exchange implements spec §4.I's trust exchange protocol: a
// periodic signed broadcast of the local trust map, a GET-triggered
// targeted reply, and an incoming POST verify->merge pipeline, all wired
// through pkg/cryptoqueue, pkg/keystore and pkg/registry. The TX/RX slot
// pools follow the teacher's bounded-channel-as-semaphore idiom
// (agent-tcp/agent.go sizes its send queue the same way).
package exchange

import (
	"context"
	"crypto/ecdsa"
	"net/netip"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	"github.com/fogmesh/trustmesh/internal/timer"
	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
	"github.com/fogmesh/trustmesh/pkg/cryptoqueue"
	"github.com/fogmesh/trustmesh/pkg/keystore"
	"github.com/fogmesh/trustmesh/pkg/registry"
	"github.com/fogmesh/trustmesh/pkg/transport"
	"github.com/fogmesh/trustmesh/pkg/trust"
)

// TrustURI is the well-known CoAP-style path spec §6 reserves for trust
// exchange.
const TrustURI = "/trust"

// Default TX/RX slot pool sizes and Max-Age hints, per spec §3/§7.
const (
	DefaultSlotCapacity = 2
	MaxAgeOutOfMemory    = 120 // seconds; spec §7 "Max-Age hint of 2 minutes"
	MaxAgeMissingKey     = 300 // seconds; spec §7 "longer Max-Age (5 minutes)"

	// MaxFrameSize bounds an inbound trust POST body (payload + trailing
	// signature) before it is even looked at — an oversized frame is
	// rejected as malformed rather than queued for verification.
	MaxFrameSize = 4096
)

// EdgeEncoder is implemented by a trust.Model that can serialise a single
// edge's state in isolation, used by the GET-triggered targeted reply to
// avoid sending the whole trust map for a single requested edge. Only
// trust.BetaModel implements it; any other model is always sent in full,
// which is correct but not bandwidth-optimal; see DESIGN.md's note on this.
type EdgeEncoder interface {
	EncodeEdge(edge trust.EdgeKey) ([]byte, error)
}

// Config wires the exchange to its collaborators.
type Config struct {
	OurEUI64      euiaddr.EUI64
	OurPrivateKey *ecdsa.PrivateKey

	Exchanger transport.Exchanger
	Keystore  *keystore.Keystore
	Registry  *registry.Registry
	Model     trust.Model
	Queue     *cryptoqueue.Queue

	// KeyRequester drives the request_public_key fallback when an inbound
	// frame arrives from a sender we have no keystore entry for.
	KeyRequester keystore.KeyRequester

	TXCapacity int
	RXCapacity int

	BroadcastPeriod time.Duration
	MulticastAddr   netip.Addr

	Now func() time.Time
}

func (c *Config) setDefaults() {
	if c.TXCapacity == 0 {
		c.TXCapacity = DefaultSlotCapacity
	}
	if c.RXCapacity == 0 {
		c.RXCapacity = DefaultSlotCapacity
	}
	if c.BroadcastPeriod == 0 {
		c.BroadcastPeriod = 5 * time.Minute
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

type trustFrame struct {
	_         struct{} `cbor:",toarray"`
	Timestamp uint32
	State     []byte
}

type signContext struct {
	target netip.Addr
	body   []byte
}

type verifyContext struct {
	from    netip.Addr
	entry   *keystore.Entry
	payload []byte
}

// Exchange runs the broadcast cadence and the GET/POST handlers for
// TrustURI.
type Exchange struct {
	cfg Config

	txSlots chan struct{}
	rxSlots chan struct{}

	signResults   chan cryptoqueue.SignResult
	verifyResults chan cryptoqueue.VerifyResult

	mu            sync.Mutex
	pendingSign   map[uuid.UUID]signContext
	pendingVerify map[uuid.UUID]verifyContext

	stop chan struct{}
}

// New constructs an Exchange. Start must be called to attach handlers and
// begin the broadcast cadence.
func New(cfg Config) *Exchange {
	cfg.setDefaults()
	return &Exchange{
		cfg:           cfg,
		txSlots:       make(chan struct{}, cfg.TXCapacity),
		rxSlots:       make(chan struct{}, cfg.RXCapacity),
		signResults:   make(chan cryptoqueue.SignResult, cfg.TXCapacity),
		verifyResults: make(chan cryptoqueue.VerifyResult, cfg.RXCapacity),
		pendingSign:   make(map[uuid.UUID]signContext),
		pendingVerify: make(map[uuid.UUID]verifyContext),
		stop:          make(chan struct{}),
	}
}

// Start registers the GET/POST handlers and begins the periodic broadcast.
func (x *Exchange) Start() {
	x.cfg.Exchanger.HandleGET(TrustURI, x.handleGET)
	x.cfg.Exchanger.HandlePOST(TrustURI, x.handlePOST)
	go x.drainSign()
	go x.drainVerify()
	go timer.Periodic(x.stop, x.cfg.BroadcastPeriod, x.broadcastOnce)
}

// Stop halts the broadcast cadence and result-drain loops.
func (x *Exchange) Stop() { close(x.stop) }

func (x *Exchange) drainSign() {
	for {
		select {
		case <-x.stop:
			return
		case res := <-x.signResults:
			x.onSignComplete(res)
		}
	}
}

func (x *Exchange) drainVerify() {
	for {
		select {
		case <-x.stop:
			return
		case res := <-x.verifyResults:
			x.onVerifyComplete(res)
		}
	}
}

func (x *Exchange) acquireTX() bool {
	select {
	case x.txSlots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (x *Exchange) releaseTX() {
	select {
	case <-x.txSlots:
	default:
	}
}

func (x *Exchange) acquireRX() bool {
	select {
	case x.rxSlots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (x *Exchange) releaseRX() {
	select {
	case <-x.rxSlots:
	default:
	}
}

// broadcastOnce allocates a TX slot, serialises the full trust map, and
// enqueues it for signing; the slot is released when the request finishes
// (spec §4.I "outgoing periodic broadcast"). A cycle with no free TX slot
// is silently skipped — there is no caller above the timer to report
// failure to.
func (x *Exchange) broadcastOnce() {
	if !x.acquireTX() {
		return
	}
	frame, err := x.buildFrame(true, trust.EdgeKey{})
	if err != nil {
		x.releaseTX()
		return
	}
	x.enqueueSign(x.cfg.MulticastAddr, frame)
}

func (x *Exchange) buildFrame(full bool, target trust.EdgeKey) ([]byte, error) {
	var stateBytes []byte
	var err error
	if !full {
		if ee, ok := x.cfg.Model.(EdgeEncoder); ok {
			stateBytes, err = ee.EncodeEdge(target)
			if err != nil {
				stateBytes = nil
			}
		}
	}
	if stateBytes == nil {
		stateBytes, err = x.cfg.Model.Encode()
		if err != nil {
			return nil, err
		}
	}
	return cbor.Marshal(trustFrame{Timestamp: uint32(x.cfg.Now().Unix()), State: stateBytes})
}

func (x *Exchange) enqueueSign(target netip.Addr, body []byte) {
	id := uuid.New()
	x.mu.Lock()
	x.pendingSign[id] = signContext{target: target, body: body}
	x.mu.Unlock()

	err := x.cfg.Queue.EnqueueSign(cryptoqueue.SignItem{
		ID:        id,
		Origin:    "exchange",
		Message:   body,
		PrivKey:   x.cfg.OurPrivateKey,
		ResultsCh: x.signResults,
	})
	if err != nil {
		x.mu.Lock()
		delete(x.pendingSign, id)
		x.mu.Unlock()
		x.releaseTX()
	}
}

func (x *Exchange) onSignComplete(res cryptoqueue.SignResult) {
	x.mu.Lock()
	sc, ok := x.pendingSign[res.ID]
	delete(x.pendingSign, res.ID)
	x.mu.Unlock()
	defer x.releaseTX()
	if !ok || res.Err != nil {
		return
	}
	payload := append(append([]byte(nil), sc.body...), res.Signature[:]...)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	x.cfg.Exchanger.Post(ctx, sc.target, TrustURI, payload, transport.NonConfirmable)
}

// handleGET answers a GET /trust: Created immediately, the body follows
// asynchronously as a separate POST (spec §4.I "outgoing point-to-point
// response").
func (x *Exchange) handleGET(from netip.Addr, body []byte) transport.Response {
	full := true
	var target trust.EdgeKey
	if len(body) == 16 {
		if addr, ok := netip.AddrFromSlice(body); ok {
			if id, ok := euiaddr.EUI64FromAddr(euiaddr.Normalize(addr)); ok {
				target = id
				full = false
			}
		}
	}
	go x.sendTargetedReply(from, target, full)
	return transport.Response{Status: transport.StatusCreated}
}

func (x *Exchange) sendTargetedReply(requester netip.Addr, target trust.EdgeKey, full bool) {
	if !x.acquireTX() {
		return
	}
	frame, err := x.buildFrame(full, target)
	if err != nil {
		x.releaseTX()
		return
	}
	x.enqueueSign(requester, frame)
}

// handlePOST is the incoming signed trust frame (spec §4.I "incoming").
func (x *Exchange) handlePOST(from netip.Addr, body []byte) transport.Response {
	if len(body) <= trustcrypto.SignatureSize || len(body) > MaxFrameSize {
		return transport.Response{Status: transport.StatusBadRequest}
	}
	pub, ok := x.cfg.Keystore.FindPubkey(from)
	if !ok {
		if x.cfg.KeyRequester != nil {
			go x.cfg.Keystore.RequestPublicKey(from, x.cfg.KeyRequester)
		}
		return transport.Response{Status: transport.StatusServiceUnavailable, MaxAge: MaxAgeMissingKey}
	}
	entry, hasEntry := x.cfg.Keystore.FindByAddress(from)
	if hasEntry {
		x.cfg.Keystore.Pin(entry)
	}
	if !x.acquireRX() {
		if hasEntry {
			x.cfg.Keystore.Unpin(entry)
		}
		return transport.Response{Status: transport.StatusServiceUnavailable, MaxAge: MaxAgeOutOfMemory}
	}

	payload := append([]byte(nil), body[:len(body)-trustcrypto.SignatureSize]...)
	var sig trustcrypto.Signature
	copy(sig[:], body[len(body)-trustcrypto.SignatureSize:])

	id := uuid.New()
	x.mu.Lock()
	x.pendingVerify[id] = verifyContext{from: from, entry: entry, payload: payload}
	x.mu.Unlock()

	err := x.cfg.Queue.EnqueueVerify(cryptoqueue.VerifyItem{
		ID:        id,
		Origin:    "exchange",
		Message:   payload,
		Signature: sig,
		PubKey:    pub,
		ResultsCh: x.verifyResults,
	})
	if err != nil {
		x.mu.Lock()
		delete(x.pendingVerify, id)
		x.mu.Unlock()
		x.releaseRX()
		if hasEntry {
			x.cfg.Keystore.Unpin(entry)
		}
		return transport.Response{Status: transport.StatusServiceUnavailable, MaxAge: MaxAgeOutOfMemory}
	}
	return transport.Response{Status: transport.StatusCreated}
}

func (x *Exchange) onVerifyComplete(res cryptoqueue.VerifyResult) {
	x.mu.Lock()
	vc, ok := x.pendingVerify[res.ID]
	delete(x.pendingVerify, res.ID)
	x.mu.Unlock()
	x.releaseRX()
	if vc.entry != nil {
		x.cfg.Keystore.Unpin(vc.entry)
	}
	if !ok || res.Err != nil || !res.Valid {
		// discarded payloads are logged and not merged (spec §7).
		return
	}
	x.mergeFrame(vc.from, vc.payload)
}

// mergeFrame parses the `[ts, state]` shape and merges it into the peer
// record for from, skipping any edge not already known locally (spec §4.I
// "peers and edges unknown locally are skipped without error").
func (x *Exchange) mergeFrame(from netip.Addr, payload []byte) {
	var frame trustFrame
	if err := cbor.Unmarshal(payload, &frame); err != nil {
		return
	}
	peerModel, err := trust.New(trust.Config{Variant: x.cfg.Model.Variant()})
	if err != nil {
		return
	}
	if err := peerModel.Decode(frame.State); err != nil {
		return
	}

	peer, err := x.cfg.Registry.UpsertPeer(from, frame.Timestamp)
	if err != nil {
		return
	}
	peer.Trust = peerModel

	if peer.KnownEdges == nil {
		return
	}
	for _, edgeKey := range peerModel.EdgeKeys() {
		edge, ok := x.cfg.Registry.FindByEUI64(edgeKey)
		if !ok {
			continue
		}
		peer.KnownEdges[edgeKey] = edge
	}
}
