package trust

import (
	"fmt"
	"math"
	"sync"

	"github.com/fxamacker/cbor/v2"

	"github.com/fogmesh/trustmesh/pkg/trust/distributions"
)

// WeightTable holds the per-application evidence weights spec §4.F variant
// 3 requires to sum to 1 (checked at runtime with tolerance).
type WeightTable struct {
	TaskSubmission           float64
	TaskResult               float64
	ResultQuality            float64
	ChallengeResponseQuality float64 // only applied when challenge-response is enabled
}

// DefaultWeights is a balanced starting table used when the deployment does
// not override it.
func DefaultWeights() WeightTable {
	return WeightTable{TaskSubmission: 0.3, TaskResult: 0.4, ResultQuality: 0.3}
}

// Sum totals the table's weights.
func (w WeightTable) Sum() float64 {
	return w.TaskSubmission + w.TaskResult + w.ResultQuality + w.ChallengeResponseQuality
}

// Valid reports whether the table sums to 1 within tolerance — spec §8's
// "totals in a trust-weight table sum to 1 within a small epsilon"
// invariant.
func (w WeightTable) Valid(tolerance float64) bool {
	return math.Abs(w.Sum()-1) <= tolerance
}

type capKey struct {
	edge EdgeKey
	cap  string
}

// BetaModel is spec §4.F variant 3: Beta-distributed evidence per verb,
// combined with a stereotype prior and a peer-reputation blend.
type BetaModel struct {
	mu sync.Mutex

	taskSubmission map[EdgeKey]distributions.Beta
	taskResult     map[EdgeKey]distributions.Beta
	resultQuality  map[capKey]distributions.Beta
	crQuality      map[capKey]distributions.Beta
	edgeTags       map[EdgeKey][1]uint8

	Weights                 WeightTable
	ReputationWeight        float64 // must be <= 1
	ChallengeResponseEnabled bool

	Stereotypes    StereotypeSource
	PeerReputation PeerReputationSource
}

// NewBeta constructs a Beta+reputation model. weights must satisfy
// Valid(tolerance) for the deployment's chosen tolerance — callers are
// expected to check this at startup (see internal/node), since a silently
// mis-weighted table would violate spec §8's weight-sum invariant without
// any single call site at fault.
func NewBeta(weights WeightTable, reputationWeight float64, challengeResponseEnabled bool, stereotypes StereotypeSource, peerRep PeerReputationSource) *BetaModel {
	return &BetaModel{
		taskSubmission:           make(map[EdgeKey]distributions.Beta),
		taskResult:               make(map[EdgeKey]distributions.Beta),
		resultQuality:            make(map[capKey]distributions.Beta),
		crQuality:                make(map[capKey]distributions.Beta),
		edgeTags:                 make(map[EdgeKey][1]uint8),
		Weights:                  weights,
		ReputationWeight:         reputationWeight,
		ChallengeResponseEnabled: challengeResponseEnabled,
		Stereotypes:              stereotypes,
		PeerReputation:           peerRep,
	}
}

func (*BetaModel) Variant() Variant { return VariantBetaReputation }

// SetEdgeTags records the stereotype tag tuple an edge's certificate
// carries, so Value can look up a matching prior.
func (m *BetaModel) SetEdgeTags(edge EdgeKey, tags [1]uint8) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.edgeTags[edge] = tags
}

func (m *BetaModel) OnTaskSubmission(edge EdgeKey, o TaskSubmissionOutcome) {
	if o.Finished && o.NoResponse {
		// spec §8: finished with no prior response does not update state.
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.taskSubmission[edge]
	if !ok {
		b = distributions.NewBeta()
	}
	if o.AckOK {
		b = b.UpdateGood()
	} else {
		b = b.UpdateBad()
	}
	m.taskSubmission[edge] = b
}

func (m *BetaModel) OnTaskResult(edge EdgeKey, _ string, o TaskResultOutcome) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.taskResult[edge]
	if !ok {
		b = distributions.NewBeta()
	}
	if o.Kind == TaskResultSuccess {
		b = b.UpdateGood()
	} else {
		b = b.UpdateBad()
	}
	m.taskResult[edge] = b
}

func (m *BetaModel) OnResultQuality(edge EdgeKey, capability string, good bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	k := capKey{edge, capability}
	b, ok := m.resultQuality[k]
	if !ok {
		b = distributions.NewBeta()
	}
	if good {
		b = b.UpdateGood()
	} else {
		b = b.UpdateBad()
	}
	m.resultQuality[k] = b
}

func (m *BetaModel) OnChallengeResponse(edge EdgeKey, capability string, o ChallengeResponseOutcome) {
	good := false
	updates := true
	switch o.Kind {
	case CRAck:
		if o.AckStatusOK {
			updates = false
		} else {
			good = false
		}
	case CRTimeout:
		good = !(o.NeverReceived || o.ReceivedLate)
	case CRResponse:
		good = o.MeetsDifficulty && !o.Late
	}
	if !updates {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	k := capKey{edge, capability}
	b, ok := m.crQuality[k]
	if !ok {
		b = distributions.NewBeta()
	}
	if good {
		b = b.UpdateGood()
	} else {
		b = b.UpdateBad()
	}
	m.crQuality[k] = b
}

func (m *BetaModel) OnThroughput(EdgeKey, string, ThroughputObservation) {}

// Value computes Σ w_i·E[Beta_i], folds in the stereotype prior (if any)
// additively against the task_submission distribution, then blends with
// peer-reported reputation via a weighted average against ReputationWeight.
func (m *BetaModel) Value(edge EdgeKey, capability string) float64 {
	m.mu.Lock()
	ts := m.taskSubmission[edge]
	if ts == (distributions.Beta{}) {
		ts = distributions.NewBeta()
	}
	tr := m.taskResult[edge]
	if tr == (distributions.Beta{}) {
		tr = distributions.NewBeta()
	}
	rq := m.resultQuality[capKey{edge, capability}]
	if rq == (distributions.Beta{}) {
		rq = distributions.NewBeta()
	}
	var cr distributions.Beta
	if m.ChallengeResponseEnabled {
		cr = m.crQuality[capKey{edge, capability}]
		if cr == (distributions.Beta{}) {
			cr = distributions.NewBeta()
		}
	}
	tags, hasTags := m.edgeTags[edge]
	m.mu.Unlock()

	if hasTags && m.Stereotypes != nil {
		if alpha, beta, ok := m.Stereotypes.Find(tags); ok {
			ts = ts.CombineAdditive(distributions.Beta{Alpha: alpha, Beta: beta})
		}
	}

	local := m.Weights.TaskSubmission*ts.Mean() +
		m.Weights.TaskResult*tr.Mean() +
		m.Weights.ResultQuality*rq.Mean()
	if m.ChallengeResponseEnabled {
		local += m.Weights.ChallengeResponseQuality * cr.Mean()
	}

	if m.PeerReputation != nil {
		if peerAvg, ok := m.PeerReputation.AverageReputation(edge, capability); ok {
			w := m.ReputationWeight
			if w > 1 {
				w = 1
			}
			local = (1-w)*local + w*peerAvg
		}
	}
	return local
}

func (*BetaModel) Eligible(EdgeKey, string) bool { return true }

// EdgeKeys lists every edge with task_submission or task_result state.
func (m *BetaModel) EdgeKeys() []EdgeKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[EdgeKey]struct{}, len(m.taskSubmission)+len(m.taskResult))
	for k := range m.taskSubmission {
		seen[k] = struct{}{}
	}
	for k := range m.taskResult {
		seen[k] = struct{}{}
	}
	out := make([]EdgeKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

type betaWire struct {
	_                struct{} `cbor:",toarray"`
	Variant          uint8
	TaskSubmission   map[string][2]float64
	TaskResult       map[string][2]float64
	ResultQuality    map[string][2]float64
	ChallengeQuality map[string][2]float64
}

func capKeyString(k capKey) string { return k.edge.String() + "/" + k.cap }

func (m *BetaModel) Encode() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := betaWire{
		Variant:          uint8(VariantBetaReputation),
		TaskSubmission:   make(map[string][2]float64, len(m.taskSubmission)),
		TaskResult:       make(map[string][2]float64, len(m.taskResult)),
		ResultQuality:    make(map[string][2]float64, len(m.resultQuality)),
		ChallengeQuality: make(map[string][2]float64, len(m.crQuality)),
	}
	for k, v := range m.taskSubmission {
		w.TaskSubmission[k.String()] = [2]float64{v.Alpha, v.Beta}
	}
	for k, v := range m.taskResult {
		w.TaskResult[k.String()] = [2]float64{v.Alpha, v.Beta}
	}
	for k, v := range m.resultQuality {
		w.ResultQuality[capKeyString(k)] = [2]float64{v.Alpha, v.Beta}
	}
	for k, v := range m.crQuality {
		w.ChallengeQuality[capKeyString(k)] = [2]float64{v.Alpha, v.Beta}
	}
	return cbor.Marshal(w)
}

func (m *BetaModel) Decode(data []byte) error {
	var w betaWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	if Variant(w.Variant) != VariantBetaReputation {
		return fmt.Errorf("trust: variant mismatch: wire=%d local=%d", w.Variant, VariantBetaReputation)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.taskSubmission = make(map[EdgeKey]distributions.Beta, len(w.TaskSubmission))
	for k, v := range w.TaskSubmission {
		id, err := parseEdgeKeyHex(k)
		if err != nil {
			return err
		}
		m.taskSubmission[id] = distributions.Beta{Alpha: v[0], Beta: v[1]}
	}
	m.taskResult = make(map[EdgeKey]distributions.Beta, len(w.TaskResult))
	for k, v := range w.TaskResult {
		id, err := parseEdgeKeyHex(k)
		if err != nil {
			return err
		}
		m.taskResult[id] = distributions.Beta{Alpha: v[0], Beta: v[1]}
	}
	m.resultQuality = make(map[capKey]distributions.Beta, len(w.ResultQuality))
	for k, v := range w.ResultQuality {
		ck, err := parseCapKeyString(k)
		if err != nil {
			return err
		}
		m.resultQuality[ck] = distributions.Beta{Alpha: v[0], Beta: v[1]}
	}
	m.crQuality = make(map[capKey]distributions.Beta, len(w.ChallengeQuality))
	for k, v := range w.ChallengeQuality {
		ck, err := parseCapKeyString(k)
		if err != nil {
			return err
		}
		m.crQuality[ck] = distributions.Beta{Alpha: v[0], Beta: v[1]}
	}
	return nil
}

// EncodeEdge serialises only edge's state, in the same betaWire shape
// Encode/Decode use — a receiver's Decode onto a fresh model sees exactly
// one edge's worth of data, which is all a GET-triggered targeted reply
// (pkg/exchange's EdgeEncoder) needs to send. Satisfies
// pkg/exchange.EdgeEncoder.
func (m *BetaModel) EncodeEdge(edge EdgeKey) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := betaWire{
		Variant:          uint8(VariantBetaReputation),
		TaskSubmission:   make(map[string][2]float64, 1),
		TaskResult:       make(map[string][2]float64, 1),
		ResultQuality:    make(map[string][2]float64),
		ChallengeQuality: make(map[string][2]float64),
	}
	if v, ok := m.taskSubmission[edge]; ok {
		w.TaskSubmission[edge.String()] = [2]float64{v.Alpha, v.Beta}
	}
	if v, ok := m.taskResult[edge]; ok {
		w.TaskResult[edge.String()] = [2]float64{v.Alpha, v.Beta}
	}
	for k, v := range m.resultQuality {
		if k.edge == edge {
			w.ResultQuality[capKeyString(k)] = [2]float64{v.Alpha, v.Beta}
		}
	}
	for k, v := range m.crQuality {
		if k.edge == edge {
			w.ChallengeQuality[capKeyString(k)] = [2]float64{v.Alpha, v.Beta}
		}
	}
	return cbor.Marshal(w)
}
