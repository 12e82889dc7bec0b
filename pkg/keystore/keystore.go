// Package keystore caches peer certificates, verifies them against the root
// certificate before exposing them to callers, derives per-peer session
// keys via ECDH, and enforces the pin/evict discipline of spec §4.D. The
// bounded table itself follows the teacher's "small fixed set of
// participants tracked by slice + mutex" shape (agent-tcp/tcp_peer.go's
// TCPAgent.peers), generalized into a capacity-bounded map keyed by EUI-64
// (§9 calls for generational indices only where references outlive
// suspension points uncoordinated by a pin; here every reference is
// mediated by Pin/Unpin, and entries are looked up by EUI-64 rather than
// by slot index).
package keystore

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fogmesh/trustmesh/internal/euiaddr"
	"github.com/fogmesh/trustmesh/internal/timer"
	"github.com/fogmesh/trustmesh/pkg/cert"
	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
	"github.com/fogmesh/trustmesh/pkg/cryptoqueue"
)

var (
	ErrFull            = errors.New("keystore: full, no evictable entry")
	ErrNotFound        = errors.New("keystore: entry not found")
	ErrRequestInFlight = errors.New("keystore: key request already in flight")
	ErrOwnIdentity     = errors.New("keystore: certificate subject is our own identity")
)

// SecureChannelAlgorithm identifies the OSCORE-style AEAD algorithm used for
// the derived secure-channel context. The keystore only derives the key
// material and identifiers for this algorithm; the AEAD transform itself is
// the constrained transport's concern (out of scope, spec §1).
const SecureChannelAlgorithm = "AES-CCM-16-64-128"

// SecureChannelContext is the per-peer protected-traffic context derived
// once a keystore entry is both signature-verified and ECDH-complete.
type SecureChannelContext struct {
	Algorithm  string
	Key        [32]byte
	SenderID   byte // low-order byte of our EUI-64
	ReceiverID byte // low-order byte of the peer's EUI-64
}

// Entry is one cached, verified peer certificate plus its derived session
// material.
type Entry struct {
	Certificate  cert.Certificate
	SharedSecret [32]byte
	SecureCtx    *SecureChannelContext
	InsertedAt   time.Time
	pinCount     uint16

	verified     bool
	secretReady  bool
}

// Ready reports whether the entry has both passed signature verification
// and completed ECDH — the point at which it may carry protected traffic.
func (e *Entry) Ready() bool { return e.verified && e.secretReady }

// Config configures a Keystore.
type Config struct {
	Capacity      int
	RootEUI64     euiaddr.EUI64
	RootPublicKey *ecdsa.PublicKey
	RootAddr      netip.Addr
	OurEUI64      euiaddr.EUI64
	OurPrivateKey *ecdsa.PrivateKey
	Codec         *cert.Codec
	Queue         *cryptoqueue.Queue
	// KeyRequestTimeout bounds how long a single in-flight
	// request_public_key stays locked before it can be retried.
	KeyRequestTimeout time.Duration
}

// Keystore is the bounded, verified peer-certificate cache.
type Keystore struct {
	cfg Config
	mu  sync.Mutex

	byEUI64 map[euiaddr.EUI64]*Entry

	requestLock *timer.TimedUnlock

	verifyResults chan cryptoqueue.VerifyResult
	pendingVerify map[uuid.UUID]pendingEntry
}

type pendingEntry struct {
	eui64 euiaddr.EUI64
	tbs   cert.TBS
	raw   cert.Certificate
}

// New constructs a Keystore and starts its verify-completion drain loop
// (the per-subsystem event consumer of spec §4.B). stop closes to shut the
// loop down.
func New(cfg Config, stop <-chan struct{}) *Keystore {
	if cfg.KeyRequestTimeout == 0 {
		cfg.KeyRequestTimeout = 30 * time.Second
	}
	k := &Keystore{
		cfg:           cfg,
		byEUI64:       make(map[euiaddr.EUI64]*Entry, cfg.Capacity),
		requestLock:   timer.NewTimedUnlock(),
		verifyResults: make(chan cryptoqueue.VerifyResult, cfg.Capacity),
		pendingVerify: make(map[uuid.UUID]pendingEntry),
	}
	go k.drainVerify(stop)
	return k
}

func (k *Keystore) drainVerify(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case res := <-k.verifyResults:
			k.onVerifyComplete(res)
		}
	}
}

// FindByEUI64 looks up a cached entry by EUI-64.
func (k *Keystore) FindByEUI64(id euiaddr.EUI64) (*Entry, bool) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e, ok := k.byEUI64[id]
	if !ok || !e.verified {
		return nil, false
	}
	return e, true
}

// FindByAddress looks up a cached entry by IPv6 address, normalising
// link-local addresses to the global prefix first — mandatory everywhere
// addresses index the keystore per spec §4.D.
func (k *Keystore) FindByAddress(addr netip.Addr) (*Entry, bool) {
	addr = euiaddr.Normalize(addr)
	id, ok := euiaddr.EUI64FromAddr(addr)
	if !ok {
		return nil, false
	}
	return k.FindByEUI64(id)
}

// FindPubkey returns the public key to use for addr: the root's key if addr
// is the root's own endpoint, otherwise the cached peer's key.
func (k *Keystore) FindPubkey(addr netip.Addr) (*ecdsa.PublicKey, bool) {
	if k.cfg.RootAddr.IsValid() && euiaddr.Normalize(addr) == euiaddr.Normalize(k.cfg.RootAddr) {
		return k.cfg.RootPublicKey, true
	}
	e, ok := k.FindByAddress(addr)
	if !ok {
		return nil, false
	}
	return e.Certificate.TBS.SubjectKey.PublicKey(), true
}

// Pin increments the entry's pin count, forbidding eviction while held.
func (k *Keystore) Pin(e *Entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	e.pinCount++
}

// Unpin decrements the pin count.
func (k *Keystore) Unpin(e *Entry) {
	k.mu.Lock()
	defer k.mu.Unlock()
	if e.pinCount > 0 {
		e.pinCount--
	}
}

// IsPinned reports whether the entry currently has pinCount > 0.
func (k *Keystore) IsPinned(e *Entry) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	return e.pinCount > 0
}

// AddVerified inserts an already-verified certificate (e.g. our own, or one
// obtained out-of-band). Idempotent: re-adding an existing entry bumps no
// state.
func (k *Keystore) AddVerified(c cert.Certificate) (*Entry, error) {
	if c.TBS.Subject == k.cfg.OurEUI64 {
		return nil, ErrOwnIdentity
	}
	k.mu.Lock()
	if existing, ok := k.byEUI64[c.TBS.Subject]; ok {
		k.mu.Unlock()
		return existing, nil
	}
	entry, err := k.insertLocked(c.TBS.Subject, c)
	k.mu.Unlock()
	if err != nil {
		return nil, err
	}
	entry.verified = true
	k.deriveSessionKey(entry)
	return entry, nil
}

// insertLocked performs the bounded insert-with-eviction of spec §4.D.
// Caller must hold k.mu.
func (k *Keystore) insertLocked(id euiaddr.EUI64, c cert.Certificate) (*Entry, error) {
	if len(k.byEUI64) >= k.cfg.Capacity {
		if !k.evictOldestUnpinnedLocked() {
			return nil, ErrFull
		}
	}
	e := &Entry{Certificate: c, InsertedAt: time.Now()}
	k.byEUI64[id] = e
	return e, nil
}

// evictOldestUnpinnedLocked picks the entry with the largest age delta among
// pinCount==0 entries, comparing deltas (not absolute timestamps) so a clock
// wrap-around cannot invert the ordering. Caller must hold k.mu.
func (k *Keystore) evictOldestUnpinnedLocked() bool {
	now := time.Now()
	var oldestID euiaddr.EUI64
	var oldestAge time.Duration
	found := false
	for id, e := range k.byEUI64 {
		if e.pinCount > 0 {
			continue
		}
		age := now.Sub(e.InsertedAt)
		if age < 0 {
			// clock moved backwards since insertion; treat as maximally old
			age = time.Duration(1<<63 - 1)
		}
		if !found || age > oldestAge {
			oldestID, oldestAge, found = id, age, true
		}
	}
	if !found {
		return false
	}
	delete(k.byEUI64, oldestID)
	return true
}

// AddUnverified enqueues cert for signature verification against the root's
// public key. On success, the entry is published (becomes visible to
// FindByEUI64/FindByAddress) and session-key derivation begins.
func (k *Keystore) AddUnverified(c cert.Certificate) (pending bool, err error) {
	if c.TBS.Subject == k.cfg.OurEUI64 {
		return false, ErrOwnIdentity
	}
	tbsBytes, err := k.cfg.Codec.EncodeTBS(c.TBS)
	if err != nil {
		return false, err
	}
	id := uuid.New()
	k.mu.Lock()
	k.pendingVerify[id] = pendingEntry{eui64: c.TBS.Subject, tbs: c.TBS, raw: c}
	k.mu.Unlock()

	err = k.cfg.Queue.EnqueueVerify(cryptoqueue.VerifyItem{
		ID:        id,
		Origin:    "keystore",
		Message:   tbsBytes,
		Signature: c.Signature,
		PubKey:    k.cfg.RootPublicKey,
		ResultsCh: k.verifyResults,
	})
	if err != nil {
		k.mu.Lock()
		delete(k.pendingVerify, id)
		k.mu.Unlock()
		return false, err
	}
	return true, nil
}

func (k *Keystore) onVerifyComplete(res cryptoqueue.VerifyResult) {
	k.mu.Lock()
	pe, ok := k.pendingVerify[res.ID]
	delete(k.pendingVerify, res.ID)
	k.mu.Unlock()
	if !ok {
		// originator (this keystore) has already moved on; nothing to
		// re-validate against since the pending record is the only state.
		return
	}
	if res.Err != nil || !res.Valid {
		// spec §8: "no keystore entry is exposed for that cert" — simply
		// drop it.
		return
	}
	k.mu.Lock()
	entry, err := k.insertLocked(pe.eui64, pe.raw)
	k.mu.Unlock()
	if err != nil {
		return
	}
	entry.verified = true
	k.deriveSessionKey(entry)
}

// deriveSessionKey kicks off the ECDH + secure-channel-context derivation
// for a freshly verified entry (spec §4.D "session-key derivation").
func (k *Keystore) deriveSessionKey(e *Entry) {
	secret, err := trustcrypto.ECDH(k.cfg.OurPrivateKey, e.Certificate.TBS.SubjectKey.PublicKey())
	if err != nil {
		return
	}
	e.SharedSecret = secret
	senderID := k.cfg.OurEUI64[7]
	receiverID := e.Certificate.TBS.Subject[7]
	e.SecureCtx = &SecureChannelContext{
		Algorithm:  SecureChannelAlgorithm,
		Key:        trustcrypto.Sha256(append(append(secret[:], senderID), receiverID)),
		SenderID:   senderID,
		ReceiverID: receiverID,
	}
	k.mu.Lock()
	e.secretReady = true
	k.mu.Unlock()
}

// KeyRequester is the transport-level collaborator RequestPublicKey uses to
// send the signed GET /key request and await the signed response. It is
// implemented over a transport.Exchanger by internal/node; kept as a narrow
// interface here so the keystore has no concrete transport dependency.
type KeyRequester interface {
	RequestKey(addr netip.Addr, body []byte) (response []byte, err error)
}

// RequestPublicKey signs and sends a key request for addr, then verifies
// and publishes the certificate carried in the response. Only one request
// may be in flight at a time process-wide; a concurrent call fails fast
// (spec §4.D "a single slot is provided and concurrent requests must fail
// fast" — the Open Question about a different-address retry policy is
// resolved the same way: fail fast regardless of target, see DESIGN.md).
func (k *Keystore) RequestPublicKey(addr netip.Addr, requester KeyRequester) (bool, error) {
	if !k.requestLock.TryLock(k.cfg.KeyRequestTimeout) {
		return false, ErrRequestInFlight
	}
	defer k.requestLock.Unlock()

	body, err := addr.MarshalBinary()
	if err != nil {
		return false, err
	}
	sig, err := trustcrypto.Sign(k.cfg.OurPrivateKey, body)
	if err != nil {
		return false, err
	}
	req := append(append([]byte(nil), body...), sig[:]...)

	resp, err := requester.RequestKey(addr, req)
	if err != nil {
		return false, err
	}
	if len(resp) <= trustcrypto.SignatureSize {
		return false, fmt.Errorf("keystore: key response too short")
	}
	certBytes := resp[:len(resp)-trustcrypto.SignatureSize]
	var respSig trustcrypto.Signature
	copy(respSig[:], resp[len(resp)-trustcrypto.SignatureSize:])

	c, err := k.cfg.Codec.Decode(certBytes)
	if err != nil {
		return false, err
	}
	if !trustcrypto.Verify(k.cfg.RootPublicKey, certBytes, respSig) {
		return false, trustcrypto.ErrSignatureInvalid
	}
	if _, err := k.AddVerified(c); err != nil {
		return false, err
	}
	return true, nil
}
