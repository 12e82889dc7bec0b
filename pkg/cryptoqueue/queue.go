// Package cryptoqueue serialises every ECDSA sign/verify operation through
// a single cooperative consumer, modelling the "exactly one crypto op
// in-flight across the whole process" constraint of spec §4.B /§5 on top of
// the teacher's single-reader-goroutine idiom (agent-tcp/agent.go's
// acceptor/readLoop split): one goroutine per queue, arrival-order FIFO,
// completion delivered back to the originator as an event rather than a
// return value, so callers never block the shared accelerator.
package cryptoqueue

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/google/uuid"
	"golang.org/x/crypto/blake2b"

	trustcrypto "github.com/fogmesh/trustmesh/pkg/crypto"
)

// ErrQueueFull is returned by Enqueue when the target queue is at capacity;
// callers are expected to signal "try again later" upstream (spec §4.B).
var ErrQueueFull = errors.New("cryptoqueue: queue full")

// Kind distinguishes the two serialised operation families.
type Kind int

const (
	KindSign Kind = iota
	KindVerify
)

// SignItem is one sign work item.
type SignItem struct {
	ID        uuid.UUID
	Origin    string // originating subsystem identifier
	UserData  any
	Message   []byte
	PrivKey   *ecdsa.PrivateKey
	ResultsCh chan<- SignResult
}

// VerifyItem is one verify work item.
type VerifyItem struct {
	ID        uuid.UUID
	Origin    string
	UserData  any
	Message   []byte
	Signature trustcrypto.Signature
	PubKey    *ecdsa.PublicKey
	ResultsCh chan<- VerifyResult
}

// SignResult is delivered to the originator's ResultsCh on completion.
type SignResult struct {
	ID        uuid.UUID
	UserData  any
	Signature trustcrypto.Signature
	Err       error
}

// VerifyResult is delivered to the originator's ResultsCh on completion.
type VerifyResult struct {
	ID       uuid.UUID
	UserData any
	Valid    bool
	Err      error
}

// Queue is the bounded dual sign/verify work queue. There is exactly one
// Queue per process; it owns the single hardware-accelerator-equivalent
// resource (here, the stdlib crypto primitives) exclusively while Run is
// active.
type Queue struct {
	signCh   chan SignItem
	verifyCh chan VerifyItem
	capacity int
}

// New creates a queue with the given per-side capacity.
func New(capacity int) *Queue {
	return &Queue{
		signCh:   make(chan SignItem, capacity),
		verifyCh: make(chan VerifyItem, capacity),
		capacity: capacity,
	}
}

// EnqueueSign submits a sign item. Returns ErrQueueFull immediately if the
// sign queue is saturated.
func (q *Queue) EnqueueSign(item SignItem) error {
	select {
	case q.signCh <- item:
		return nil
	default:
		return fmt.Errorf("%w: sign queue at %s capacity", ErrQueueFull, bytefmt.ByteSize(uint64(q.capacity)))
	}
}

// EnqueueVerify submits a verify item. Returns ErrQueueFull immediately if
// the verify queue is saturated.
func (q *Queue) EnqueueVerify(item VerifyItem) error {
	select {
	case q.verifyCh <- item:
		return nil
	default:
		return fmt.Errorf("%w: verify queue at %s capacity", ErrQueueFull, bytefmt.ByteSize(uint64(q.capacity)))
	}
}

// Run drains both queues on the calling goroutine until stop is closed.
// Within one side, order is FIFO; when both a sign and a verify item are
// waiting, which of the two runs first is not defined. This single goroutine is
// the queue's "binary semaphore": nothing else touches the crypto
// primitives while Run is executing an item.
func (q *Queue) Run(stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case item := <-q.signCh:
			sig, err := trustcrypto.Sign(item.PrivKey, item.Message)
			if item.ResultsCh != nil {
				item.ResultsCh <- SignResult{ID: item.ID, UserData: item.UserData, Signature: sig, Err: err}
			}
		case item := <-q.verifyCh:
			valid := trustcrypto.Verify(item.PubKey, item.Message, item.Signature)
			var err error
			if !valid {
				err = trustcrypto.ErrSignatureInvalid
			}
			if item.ResultsCh != nil {
				item.ResultsCh <- VerifyResult{ID: item.ID, UserData: item.UserData, Valid: valid, Err: err}
			}
		}
	}
}

// SelfTestResult reports one round of SelfTest's sign+verify timing.
type SelfTestResult struct {
	SignDuration   time.Duration
	VerifyDuration time.Duration
	PayloadDigest  [32]byte // blake2b-256 of the sampled payload, for log correlation
}

// SelfTest signs and verifies a throwaway payload directly against the
// crypto façade (bypassing the queue, which must not be running
// concurrently) to sanity-check the accelerator path at startup. It digests
// the payload with blake2b-256 rather than the spec-mandated SHA-256 used
// for real signatures, following message.go's Hash(), so a self-test log
// line is never confusable with an actual signed message's digest.
func SelfTest(priv *ecdsa.PrivateKey, payload []byte) (SelfTestResult, error) {
	digest := blake2b.Sum256(payload)

	signStart := timeNow()
	sig, err := trustcrypto.Sign(priv, payload)
	signDur := timeNow().Sub(signStart)
	if err != nil {
		return SelfTestResult{}, fmt.Errorf("cryptoqueue: self-test sign: %w", err)
	}

	verifyStart := timeNow()
	ok := trustcrypto.Verify(&priv.PublicKey, payload, sig)
	verifyDur := timeNow().Sub(verifyStart)
	if !ok {
		return SelfTestResult{}, errors.New("cryptoqueue: self-test signature failed to verify")
	}

	return SelfTestResult{SignDuration: signDur, VerifyDuration: verifyDur, PayloadDigest: digest}, nil
}

var timeNow = time.Now
