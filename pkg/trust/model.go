// Package trust implements the pluggable trust model of spec §4.F: per-edge
// and per-capability statistical state fed by five shared "evidence verbs",
// combined into a single trust value a choose-edge policy (pkg/choose)
// consumes. The design-notes strategy for the source's hand-rolled
// per-model function-pointer vtable is "a sum type with per-variant
// methods, or a compile-time selected implementation, behind a
// trust-model-capability interface" — we use the latter: Variant selects,
// at construction time, which concrete Model implementation New returns;
// callers never switch on variant again afterwards.
package trust

import (
	"github.com/fogmesh/trustmesh/internal/euiaddr"
)

// Variant is the tagged trust-model number prepended to wire frames (spec
// §4.F "(De)serialisation") so a receiver can refuse a payload that does
// not match its own configured variant.
type Variant uint8

const (
	VariantNone Variant = iota
	VariantBadlisted
	VariantBetaReputation
	VariantHMM
	VariantThroughput
)

// EdgeKey identifies per-edge state.
type EdgeKey = euiaddr.EUI64

// TaskSubmissionOutcome is the outcome of a task-submission attempt: an
// ack (AckOK), or, with Finished and NoResponse both set, an exchange that
// ended without any response — the interaction outcome of spec §3.
type TaskSubmissionOutcome struct {
	// AckOK is true for a 2.01..2.05 class ack.
	AckOK bool
	// NoResponse is true when the exchange finished without any response
	// at all ("finished" with no response never updates state).
	NoResponse bool
	Finished   bool
}

// TaskResultKind distinguishes the three task_result outcomes.
type TaskResultKind int

const (
	TaskResultSuccess TaskResultKind = iota
	TaskResultFail
	TaskResultTimeout
)

// ChallengeResponseKind distinguishes the three challenge_response outcome
// shapes spec §4.F's table names.
type ChallengeResponseKind int

const (
	CRAck ChallengeResponseKind = iota
	CRTimeout
	CRResponse
)

// ChallengeResponseOutcome carries whichever fields its Kind needs.
type ChallengeResponseOutcome struct {
	Kind ChallengeResponseKind
	// CRAck:
	AckStatusOK bool // true only for an ok ack; non-ok is the update case
	// CRTimeout:
	NeverReceived bool
	ReceivedLate  bool
	// CRResponse:
	MeetsDifficulty bool
	Late            bool
}

// ThroughputDirection distinguishes inbound from outbound samples.
type ThroughputDirection int

const (
	ThroughputIn ThroughputDirection = iota
	ThroughputOut
)

// ThroughputObservation is one measured bytes-per-second sample.
type ThroughputObservation struct {
	Direction      ThroughputDirection
	BytesPerSecond float64
}

// Model is implemented by each of the five variants. Every update verb
// consumes exactly one outcome value, per spec §3's "each update verb
// consumes exactly one such outcome".
type Model interface {
	Variant() Variant

	OnTaskSubmission(edge EdgeKey, o TaskSubmissionOutcome)
	OnTaskResult(edge EdgeKey, capability string, o TaskResultOutcome)
	OnResultQuality(edge EdgeKey, capability string, good bool)
	OnChallengeResponse(edge EdgeKey, capability string, o ChallengeResponseOutcome)
	OnThroughput(edge EdgeKey, capability string, o ThroughputObservation)

	// Value returns the combined trust value in [0,1] for edge/capability.
	Value(edge EdgeKey, capability string) float64

	// EdgeKeys lists every edge this model currently holds any state for —
	// used by pkg/exchange to decide, for an incoming peer-reported trust
	// frame, which edges are actually covered before attempting a merge
	// (spec §4.I "peers and edges unknown locally are skipped without
	// error").
	EdgeKeys() []EdgeKey

	// Eligible additionally filters a candidate beyond
	// active+has-capability, for variants that maintain their own
	// good/bad classification (badlisted, throughput-probabilistic).
	// Variants with no such notion always return true.
	Eligible(edge EdgeKey, capability string) bool

	// Encode/Decode (de)serialise this model's full state. The wire form
	// is CBOR with the Variant tag prepended; a Decode call that finds a
	// mismatched tag must fail rather than silently reinterpret bytes.
	Encode() ([]byte, error)
	Decode(data []byte) error
}

// TaskResultOutcome is the outcome of a task_result update.
type TaskResultOutcome struct {
	Kind TaskResultKind
}

// StereotypeSource is the narrow interface pkg/stereotype exposes to
// pkg/trust's Beta+reputation variant, so trust need not import stereotype
// directly (avoiding an import cycle: stereotype also needs certificate
// tag lookups that live alongside trust's tag-keyed priors).
type StereotypeSource interface {
	// Find returns the prior Beta parameters for the given tag tuple, if
	// cached.
	Find(tags [1]uint8) (alpha, beta float64, ok bool)
}

// PeerReputationSource is the narrow interface pkg/trust's Beta+reputation
// variant uses to fold in peer-reported reputation (spec §4.I merges peer
// reports into pkg/registry.Peer records; trust only needs read access to
// the aggregate).
type PeerReputationSource interface {
	// AverageReputation returns the mean reported trust value for
	// edge/capability across all peers that have reported on it, and
	// whether any peer has.
	AverageReputation(edge EdgeKey, capability string) (value float64, ok bool)
}
