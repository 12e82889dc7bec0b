package trust

import (
	"fmt"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/fogmesh/trustmesh/pkg/trust/distributions"
)

// ThroughputConfig tunes spec §4.F variant 5's transition thresholds.
type ThroughputConfig struct {
	// MinSamples is the fewest per-direction samples required before a
	// good->bad transition is considered.
	MinSamples uint32
	// BadLocalGoodness and BadGlobalGoodness gate the good->bad transition.
	BadLocalGoodness  float64
	BadGlobalGoodness float64
	// GoodLocalGoodness and GoodGlobalGoodness gate the bad->good
	// transition.
	GoodLocalGoodness  float64
	GoodGlobalGoodness float64
	// ReconsiderThreshold is the cumulative Exponential probability of
	// "time since going bad" past which a bad edge becomes eligible for
	// reconsideration again.
	ReconsiderThreshold float64
	// ReconsiderRate is the Exponential distribution's rate parameter
	// (events per second) for the reconsideration clock.
	ReconsiderRate float64
}

// DefaultThroughputConfig matches the original_source throughput_pr model's
// constants.
func DefaultThroughputConfig() ThroughputConfig {
	return ThroughputConfig{
		MinSamples:          10,
		BadLocalGoodness:    0.25,
		BadGlobalGoodness:   0.4,
		GoodLocalGoodness:   0.75,
		GoodGlobalGoodness:  0.4,
		ReconsiderThreshold: 0.5,
		ReconsiderRate:      1.0 / 300, // one "expected" reconsideration per 5 minutes
	}
}

type directionStats struct {
	gaussian distributions.Gaussian
}

type throughputState struct {
	in, out directionStats

	bad          bool
	becameBadAt  time.Time
	haveBecameAt bool
}

// ThroughputModel is spec §4.F variant 5: per-capability throughput
// Gaussians (in/out, both a plain running estimate and an EWMA) compared
// against a global per-capability Gaussian aggregated across every edge,
// with a good<->bad flag reconsidered on an Exponential clock. Grounded on
// original_source's wsn/node/trust-models/throughput_pr.c, which keeps
// exactly this shape (per-edge stats, a global accumulator, a last-bad
// timestamp) in plain C structs.
type ThroughputModel struct {
	mu sync.Mutex

	cfg ThroughputConfig

	local  map[capKey]*throughputState
	global map[string]*struct{ in, out distributions.Gaussian }

	reconsider distributions.Exponential

	now func() time.Time
}

// NewThroughput constructs the throughput-probabilistic model. now defaults
// to time.Now; tests may override it to make the reconsideration clock
// deterministic.
func NewThroughput(cfg ThroughputConfig, now func() time.Time) *ThroughputModel {
	if now == nil {
		now = time.Now
	}
	return &ThroughputModel{
		cfg:        cfg,
		local:      make(map[capKey]*throughputState),
		global:     make(map[string]*struct{ in, out distributions.Gaussian }),
		reconsider: distributions.Exponential{Rate: cfg.ReconsiderRate},
		now:        now,
	}
}

func (*ThroughputModel) Variant() Variant { return VariantThroughput }

func (m *ThroughputModel) OnTaskSubmission(EdgeKey, TaskSubmissionOutcome)               {}
func (m *ThroughputModel) OnTaskResult(EdgeKey, string, TaskResultOutcome)               {}
func (m *ThroughputModel) OnResultQuality(EdgeKey, string, bool)                         {}
func (m *ThroughputModel) OnChallengeResponse(EdgeKey, string, ChallengeResponseOutcome) {}

func (m *ThroughputModel) localFor(k capKey) *throughputState {
	s, ok := m.local[k]
	if !ok {
		s = &throughputState{}
		m.local[k] = s
	}
	return s
}

func (m *ThroughputModel) globalFor(capability string) *struct{ in, out distributions.Gaussian } {
	g, ok := m.global[capability]
	if !ok {
		g = &struct{ in, out distributions.Gaussian }{}
		m.global[capability] = g
	}
	return g
}

// OnThroughput folds one sample into the edge's local per-direction Gaussian
// and the capability's global Gaussian, then re-evaluates the good/bad
// transition.
func (m *ThroughputModel) OnThroughput(edge EdgeKey, capability string, o ThroughputObservation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	local := m.localFor(capKey{edge, capability})
	global := m.globalFor(capability)
	switch o.Direction {
	case ThroughputIn:
		local.in.gaussian.Observe(o.BytesPerSecond)
		global.in.Observe(o.BytesPerSecond)
	case ThroughputOut:
		local.out.gaussian.Observe(o.BytesPerSecond)
		global.out.Observe(o.BytesPerSecond)
	}
	m.reevaluateLocked(edge, capability, local, global)
}

// localGoodness is the average over both directions of
// Pr(EWMA distribution >= the direction's unweighted running mean) — the
// EWMA side's CDF evaluated at the unweighted mean, not the other way
// round. An EWMA trending up relative to history puts most of its mass
// above the unweighted mean, so this reads near 1; an EWMA that has
// drifted below the unweighted mean puts most of its mass below it, so
// this reads near 0.
func localGoodness(local *throughputState) float64 {
	inP := 1 - local.in.gaussian.EWMACDF(local.in.gaussian.Mean)
	outP := 1 - local.out.gaussian.EWMACDF(local.out.gaussian.Mean)
	return (inP + outP) / 2
}

// globalGoodness is the average over both directions of the global
// distribution's CDF at the edge's own local mean: the percentile rank of
// this edge's throughput within the population of edges offering the same
// capability. An edge performing below its peers scores near 0; one
// performing above them scores near 1.
func globalGoodness(local *throughputState, global *struct{ in, out distributions.Gaussian }) float64 {
	inP := global.in.CDF(local.in.gaussian.Mean)
	outP := global.out.CDF(local.out.gaussian.Mean)
	return (inP + outP) / 2
}

func (m *ThroughputModel) reevaluateLocked(_ EdgeKey, _ string, local *throughputState, global *struct{ in, out distributions.Gaussian }) {
	samples := local.in.gaussian.Count
	if local.out.gaussian.Count < samples {
		samples = local.out.gaussian.Count
	}
	lg := localGoodness(local)
	gg := globalGoodness(local, global)

	switch {
	case !local.bad && samples >= m.cfg.MinSamples && lg <= m.cfg.BadLocalGoodness && gg < m.cfg.BadGlobalGoodness:
		local.bad = true
		local.becameBadAt = m.now()
		local.haveBecameAt = true
	case local.bad && lg >= m.cfg.GoodLocalGoodness && gg >= m.cfg.GoodGlobalGoodness:
		local.bad = false
		local.haveBecameAt = false
	}
}

// Value returns 0 for an edge currently flagged bad, 1 otherwise — this
// variant's trust signal is binary, mirroring badlisted, but the flag is
// derived from throughput statistics rather than challenge-response
// failures.
func (m *ThroughputModel) Value(edge EdgeKey, capability string) float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.localFor(capKey{edge, capability}).bad {
		return 0
	}
	return 1
}

// Eligible is false for a bad edge unless enough time has passed that the
// Exponential reconsideration clock's cumulative probability exceeds
// ReconsiderThreshold, at which point the edge is let back into
// consideration (its flag is only actually cleared by a subsequent good
// OnThroughput update, per reevaluateLocked).
func (m *ThroughputModel) Eligible(edge EdgeKey, capability string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.localFor(capKey{edge, capability})
	if !s.bad {
		return true
	}
	if !s.haveBecameAt {
		return true
	}
	elapsed := m.now().Sub(s.becameBadAt).Seconds()
	return m.reconsider.CDF(elapsed) >= m.cfg.ReconsiderThreshold
}

// EdgeKeys lists every edge with capability-scoped throughput state.
func (m *ThroughputModel) EdgeKeys() []EdgeKey {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[EdgeKey]struct{}, len(m.local))
	for k := range m.local {
		seen[k.edge] = struct{}{}
	}
	out := make([]EdgeKey, 0, len(seen))
	for k := range seen {
		out = append(out, k)
	}
	return out
}

type throughputWireState struct {
	InCount, OutCount                       uint32
	InMean, InM2, InEWMAMean, InEWMAVar     float64
	OutMean, OutM2, OutEWMAMean, OutEWMAVar float64
	Bad                                     bool
	BecameBadAtUnixNano                     int64
	HaveBecameAt                            bool
}

type throughputWireGlobal struct {
	InCount, OutCount                       uint32
	InMean, InM2, InEWMAMean, InEWMAVar     float64
	OutMean, OutM2, OutEWMAMean, OutEWMAVar float64
}

type throughputWire struct {
	_       struct{} `cbor:",toarray"`
	Variant uint8
	Local   map[string]throughputWireState
	Global  map[string]throughputWireGlobal
}

func (m *ThroughputModel) Encode() ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w := throughputWire{
		Variant: uint8(VariantThroughput),
		Local:   make(map[string]throughputWireState, len(m.local)),
		Global:  make(map[string]throughputWireGlobal, len(m.global)),
	}
	for k, s := range m.local {
		ws := throughputWireState{
			InCount: s.in.gaussian.Count, InMean: s.in.gaussian.Mean, InM2: s.in.gaussian.M2(),
			InEWMAMean: s.in.gaussian.EWMAMean, InEWMAVar: s.in.gaussian.EWMAVariance(),
			OutCount: s.out.gaussian.Count, OutMean: s.out.gaussian.Mean, OutM2: s.out.gaussian.M2(),
			OutEWMAMean: s.out.gaussian.EWMAMean, OutEWMAVar: s.out.gaussian.EWMAVariance(),
			Bad:          s.bad,
			HaveBecameAt: s.haveBecameAt,
		}
		if s.haveBecameAt {
			ws.BecameBadAtUnixNano = s.becameBadAt.UnixNano()
		}
		w.Local[capKeyString(k)] = ws
	}
	for capability, g := range m.global {
		w.Global[capability] = throughputWireGlobal{
			InCount: g.in.Count, InMean: g.in.Mean, InM2: g.in.M2(),
			InEWMAMean: g.in.EWMAMean, InEWMAVar: g.in.EWMAVariance(),
			OutCount: g.out.Count, OutMean: g.out.Mean, OutM2: g.out.M2(),
			OutEWMAMean: g.out.EWMAMean, OutEWMAVar: g.out.EWMAVariance(),
		}
	}
	return cbor.Marshal(w)
}

func (m *ThroughputModel) Decode(data []byte) error {
	var w throughputWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	if Variant(w.Variant) != VariantThroughput {
		return fmt.Errorf("trust: variant mismatch: wire=%d local=%d", w.Variant, VariantThroughput)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.local = make(map[capKey]*throughputState, len(w.Local))
	for k, ws := range w.Local {
		ck, err := parseCapKeyString(k)
		if err != nil {
			return err
		}
		s := &throughputState{
			bad:          ws.Bad,
			haveBecameAt: ws.HaveBecameAt,
		}
		s.in.gaussian = distributions.RestoreGaussian(ws.InCount, ws.InMean, ws.InM2, ws.InEWMAMean, ws.InEWMAVar)
		s.out.gaussian = distributions.RestoreGaussian(ws.OutCount, ws.OutMean, ws.OutM2, ws.OutEWMAMean, ws.OutEWMAVar)
		if ws.HaveBecameAt {
			s.becameBadAt = time.Unix(0, ws.BecameBadAtUnixNano)
		}
		m.local[ck] = s
	}
	m.global = make(map[string]*struct{ in, out distributions.Gaussian }, len(w.Global))
	for capability, wg := range w.Global {
		m.global[capability] = &struct{ in, out distributions.Gaussian }{
			in:  distributions.RestoreGaussian(wg.InCount, wg.InMean, wg.InM2, wg.InEWMAMean, wg.InEWMAVar),
			out: distributions.RestoreGaussian(wg.OutCount, wg.OutMean, wg.OutM2, wg.OutEWMAMean, wg.OutEWMAVar),
		}
	}
	return nil
}
