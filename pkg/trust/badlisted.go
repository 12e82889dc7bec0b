package trust

import (
	"fmt"
	"sync"

	"github.com/fxamacker/cbor/v2"
)

// BadlistedModel is spec §4.F variant 2: a per-edge boolean "bad",
// transitioned by challenge-response failures; decisions filter out bad
// edges and pick uniformly among the remainder (the uniform pick itself is
// choose.Badlisted's job — this model only tracks the flag).
type BadlistedModel struct {
	mu   sync.Mutex
	edge map[EdgeKey]bool // true => bad
}

// NewBadlisted constructs an empty badlisted model.
func NewBadlisted() *BadlistedModel {
	return &BadlistedModel{edge: make(map[EdgeKey]bool)}
}

func (*BadlistedModel) Variant() Variant { return VariantBadlisted }

func (m *BadlistedModel) OnTaskSubmission(EdgeKey, TaskSubmissionOutcome) {}
func (m *BadlistedModel) OnTaskResult(EdgeKey, string, TaskResultOutcome) {}
func (m *BadlistedModel) OnResultQuality(EdgeKey, string, bool)           {}
func (m *BadlistedModel) OnThroughput(EdgeKey, string, ThroughputObservation) {}

// OnChallengeResponse is the only verb this model reacts to: a timeout
// classified never-received (or received-late) flips bad to true; a
// response that meets the difficulty and was not late flips it back to
// false (spec §8 scenario 5 "badlisted recovery").
func (m *BadlistedModel) OnChallengeResponse(edge EdgeKey, _ string, o ChallengeResponseOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	switch o.Kind {
	case CRTimeout:
		if o.NeverReceived || o.ReceivedLate {
			m.edge[edge] = true
		}
	case CRResponse:
		if o.MeetsDifficulty && !o.Late {
			m.edge[edge] = false
		}
	case CRAck:
		if !o.AckStatusOK {
			m.edge[edge] = true
		}
	}
}

// Value reports 1.0 for a good edge, 0.0 for a bad one — badlisted has no
// graded notion of trust, only the binary flag.
func (m *BadlistedModel) Value(edge EdgeKey, _ string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.edge[edge] {
		return 0
	}
	return 1
}

// Eligible is false for a bad edge.
func (m *BadlistedModel) Eligible(edge EdgeKey, _ string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.edge[edge]
}

// EdgeKeys lists every edge this model has a bad/good flag for.
func (m *BadlistedModel) EdgeKeys() []EdgeKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]EdgeKey, 0, len(m.edge))
	for k := range m.edge {
		out = append(out, k)
	}
	return out
}

type badlistedWire struct {
	_       struct{} `cbor:",toarray"`
	Variant uint8
	Edges   map[string]bool
}

func (m *BadlistedModel) Encode() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := badlistedWire{Variant: uint8(VariantBadlisted), Edges: make(map[string]bool, len(m.edge))}
	for k, v := range m.edge {
		w.Edges[k.String()] = v
	}
	return cbor.Marshal(w)
}

func (m *BadlistedModel) Decode(data []byte) error {
	var w badlistedWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	if Variant(w.Variant) != VariantBadlisted {
		return fmt.Errorf("trust: variant mismatch: wire=%d local=%d", w.Variant, VariantBadlisted)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edge = make(map[EdgeKey]bool, len(w.Edges))
	for k, v := range w.Edges {
		id, err := parseEdgeKeyHex(k)
		if err != nil {
			return err
		}
		m.edge[id] = v
	}
	return nil
}
