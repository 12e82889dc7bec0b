package trust

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func edgeKey(b byte) EdgeKey {
	var k EdgeKey
	k[7] = b
	return k
}

func TestWeightTableValid(t *testing.T) {
	assert.True(t, DefaultWeights().Valid(1e-9))
	assert.False(t, WeightTable{TaskSubmission: 0.5}.Valid(1e-9))
	unbalanced := WeightTable{TaskSubmission: 0.3, TaskResult: 0.3, ResultQuality: 0.3}
	assert.False(t, unbalanced.Valid(1e-6))
	assert.True(t, unbalanced.Valid(0.15))
}

func TestFactoryBuildsEachVariant(t *testing.T) {
	for _, variant := range []Variant{VariantNone, VariantBadlisted, VariantBetaReputation, VariantHMM, VariantThroughput} {
		m, err := New(Config{Variant: variant, Weights: DefaultWeights()})
		require.NoError(t, err)
		assert.Equal(t, variant, m.Variant())
	}
}

func TestFactoryRejectsUnknownVariant(t *testing.T) {
	_, err := New(Config{Variant: Variant(99)})
	assert.Error(t, err)
}

func TestNoneModelIsNeutral(t *testing.T) {
	m := NewNone()
	e := edgeKey(1)
	assert.Equal(t, 0.5, m.Value(e, "inference"))
	assert.True(t, m.Eligible(e, "inference"))
	assert.Nil(t, m.EdgeKeys())
}

func TestNoneModelEncodeDecodeRoundTrip(t *testing.T) {
	m := NewNone()
	data, err := m.Encode()
	require.NoError(t, err)

	m2 := NewNone()
	require.NoError(t, m2.Decode(data))
}

func TestNoneModelDecodeRejectsWrongVariant(t *testing.T) {
	bad := NewBadlisted()
	data, err := bad.Encode()
	require.NoError(t, err)

	m := NewNone()
	assert.Error(t, m.Decode(data))
}

func TestBadlistedTransitions(t *testing.T) {
	m := NewBadlisted()
	e := edgeKey(1)
	assert.True(t, m.Eligible(e, "inference"))

	m.OnChallengeResponse(e, "inference", ChallengeResponseOutcome{Kind: CRTimeout, NeverReceived: true})
	assert.False(t, m.Eligible(e, "inference"))
	assert.Equal(t, 0.0, m.Value(e, "inference"))

	m.OnChallengeResponse(e, "inference", ChallengeResponseOutcome{Kind: CRResponse, MeetsDifficulty: true, Late: false})
	assert.True(t, m.Eligible(e, "inference"))
	assert.Equal(t, 1.0, m.Value(e, "inference"))
}

func TestBadlistedEncodeDecodeRoundTrip(t *testing.T) {
	m := NewBadlisted()
	e := edgeKey(7)
	m.OnChallengeResponse(e, "inference", ChallengeResponseOutcome{Kind: CRTimeout, NeverReceived: true})

	data, err := m.Encode()
	require.NoError(t, err)

	m2 := NewBadlisted()
	require.NoError(t, m2.Decode(data))
	assert.False(t, m2.Eligible(e, "inference"))
}

type fakeStereotypes struct {
	alpha, beta float64
	ok          bool
}

func (f fakeStereotypes) Find([1]uint8) (float64, float64, bool) { return f.alpha, f.beta, f.ok }

type fakePeerReputation struct {
	value float64
	ok    bool
}

func (f fakePeerReputation) AverageReputation(EdgeKey, string) (float64, bool) { return f.value, f.ok }

func TestBetaModelValueBlendsWeightsStereotypeAndReputation(t *testing.T) {
	m := NewBeta(DefaultWeights(), 0, false, nil, nil)
	e := edgeKey(1)

	// no evidence at all: every Beta starts at the uninformative 1,1 prior,
	// mean 0.5, so the weighted sum is exactly 0.5.
	assert.Equal(t, 0.5, m.Value(e, "inference"))

	m.OnTaskSubmission(e, TaskSubmissionOutcome{AckOK: true})
	m.OnTaskResult(e, "inference", TaskResultOutcome{Kind: TaskResultSuccess})
	m.OnResultQuality(e, "inference", true)
	assert.Greater(t, m.Value(e, "inference"), 0.5)
}

func TestBetaModelFoldsStereotypePriorAdditively(t *testing.T) {
	withPrior := NewBeta(DefaultWeights(), 0, false, fakeStereotypes{alpha: 9, beta: 1, ok: true}, nil)
	withoutPrior := NewBeta(DefaultWeights(), 0, false, nil, nil)
	e := edgeKey(1)
	withPrior.SetEdgeTags(e, [1]uint8{3})

	assert.Greater(t, withPrior.Value(e, "inference"), withoutPrior.Value(e, "inference"))
}

func TestBetaModelBlendsPeerReputation(t *testing.T) {
	m := NewBeta(DefaultWeights(), 1.0, false, nil, fakePeerReputation{value: 0.9, ok: true})
	e := edgeKey(1)
	// ReputationWeight of 1 means the blended value is entirely the peer
	// average, regardless of local evidence.
	assert.Equal(t, 0.9, m.Value(e, "inference"))
}

func TestBetaModelChallengeResponseWeightOnlyAppliesWhenEnabled(t *testing.T) {
	weights := WeightTable{TaskSubmission: 0.25, TaskResult: 0.25, ResultQuality: 0.25, ChallengeResponseQuality: 0.25}
	require.True(t, weights.Valid(1e-9))

	disabled := NewBeta(weights, 0, false, nil, nil)
	enabled := NewBeta(weights, 0, true, nil, nil)
	e := edgeKey(1)

	enabled.OnChallengeResponse(e, "inference", ChallengeResponseOutcome{Kind: CRResponse, MeetsDifficulty: true})
	disabled.OnChallengeResponse(e, "inference", ChallengeResponseOutcome{Kind: CRResponse, MeetsDifficulty: true})

	assert.Greater(t, enabled.Value(e, "inference"), disabled.Value(e, "inference"))
}

func TestBetaModelEncodeDecodeRoundTrip(t *testing.T) {
	m := NewBeta(DefaultWeights(), 0, false, nil, nil)
	e := edgeKey(3)
	m.OnTaskSubmission(e, TaskSubmissionOutcome{AckOK: true})
	m.OnTaskResult(e, "inference", TaskResultOutcome{Kind: TaskResultSuccess})

	data, err := m.Encode()
	require.NoError(t, err)

	m2 := NewBeta(DefaultWeights(), 0, false, nil, nil)
	require.NoError(t, m2.Decode(data))
	assert.ElementsMatch(t, m.EdgeKeys(), m2.EdgeKeys())
}

func TestBetaModelEncodeEdgeCarriesOnlyThatEdge(t *testing.T) {
	m := NewBeta(DefaultWeights(), 0, false, nil, nil)
	a, b := edgeKey(1), edgeKey(2)
	m.OnTaskSubmission(a, TaskSubmissionOutcome{AckOK: true})
	m.OnTaskResult(a, "inference", TaskResultOutcome{Kind: TaskResultSuccess})
	m.OnTaskSubmission(b, TaskSubmissionOutcome{AckOK: false})

	data, err := m.EncodeEdge(a)
	require.NoError(t, err)

	m2 := NewBeta(DefaultWeights(), 0, false, nil, nil)
	require.NoError(t, m2.Decode(data))
	assert.ElementsMatch(t, []EdgeKey{a}, m2.EdgeKeys())
	assert.Equal(t, m.Value(a, "inference"), m2.Value(a, "inference"))
}

func TestHMMModelEdgeKeysAndEligible(t *testing.T) {
	m := NewHMM(0)
	e := edgeKey(1)
	assert.True(t, m.Eligible(e, "inference"))
	assert.Empty(t, m.EdgeKeys())

	m.OnTaskResult(e, "inference", TaskResultOutcome{Kind: TaskResultSuccess})
	assert.Contains(t, m.EdgeKeys(), e)
}

func TestHMMModelEncodeDecodeRoundTrip(t *testing.T) {
	m := NewHMM(0)
	e := edgeKey(1)
	m.OnResultQuality(e, "inference", true)
	m.OnResultQuality(e, "inference", false)

	data, err := m.Encode()
	require.NoError(t, err)

	m2 := NewHMM(0)
	require.NoError(t, m2.Decode(data))
	assert.ElementsMatch(t, m.EdgeKeys(), m2.EdgeKeys())
}

func TestThroughputModelStartsGoodAndEligible(t *testing.T) {
	m := NewThroughput(DefaultThroughputConfig(), nil)
	e := edgeKey(1)
	assert.Equal(t, 1.0, m.Value(e, "inference"))
	assert.True(t, m.Eligible(e, "inference"))
}

func TestThroughputModelEdgeKeysTracksObservedEdges(t *testing.T) {
	m := NewThroughput(DefaultThroughputConfig(), nil)
	e := edgeKey(1)
	m.OnThroughput(e, "inference", ThroughputObservation{Direction: ThroughputIn, BytesPerSecond: 500})
	assert.Contains(t, m.EdgeKeys(), e)
}

func TestThroughputModelEncodeDecodePreservesEligibility(t *testing.T) {
	cfg := DefaultThroughputConfig()
	cfg.MinSamples = 2
	now := time.Unix(0, 0)
	m := NewThroughput(cfg, func() time.Time { return now })
	e := edgeKey(1)

	for _, r := range []float64{100, 50, 900, 20} {
		m.OnThroughput(e, "inference", ThroughputObservation{Direction: ThroughputIn, BytesPerSecond: r})
		m.OnThroughput(e, "inference", ThroughputObservation{Direction: ThroughputOut, BytesPerSecond: r})
	}
	before := m.Eligible(e, "inference")
	beforeValue := m.Value(e, "inference")

	data, err := m.Encode()
	require.NoError(t, err)

	m2 := NewThroughput(cfg, func() time.Time { return now })
	require.NoError(t, m2.Decode(data))
	assert.Equal(t, before, m2.Eligible(e, "inference"))
	assert.Equal(t, beforeValue, m2.Value(e, "inference"))
}

func TestThroughputModelDecliningEWMATransitionsToBad(t *testing.T) {
	cfg := DefaultThroughputConfig()
	cfg.MinSamples = 5
	now := time.Unix(0, 0)
	m := NewThroughput(cfg, func() time.Time { return now })
	a := edgeKey(1)
	control := edgeKey(2)

	// Edge "a" starts at the same throughput as its peer, then collapses;
	// "control" keeps submitting at the original rate throughout so the
	// capability's global Gaussian stays anchored near the original level
	// instead of following a down with it.
	for i := 0; i < 10; i++ {
		m.OnThroughput(a, "inference", ThroughputObservation{Direction: ThroughputIn, BytesPerSecond: 1000})
		m.OnThroughput(a, "inference", ThroughputObservation{Direction: ThroughputOut, BytesPerSecond: 1000})
		m.OnThroughput(control, "inference", ThroughputObservation{Direction: ThroughputIn, BytesPerSecond: 1000})
		m.OnThroughput(control, "inference", ThroughputObservation{Direction: ThroughputOut, BytesPerSecond: 1000})
	}
	for i := 0; i < 10; i++ {
		m.OnThroughput(a, "inference", ThroughputObservation{Direction: ThroughputIn, BytesPerSecond: 10})
		m.OnThroughput(a, "inference", ThroughputObservation{Direction: ThroughputOut, BytesPerSecond: 10})
		m.OnThroughput(control, "inference", ThroughputObservation{Direction: ThroughputIn, BytesPerSecond: 1000})
		m.OnThroughput(control, "inference", ThroughputObservation{Direction: ThroughputOut, BytesPerSecond: 1000})
	}

	assert.Equal(t, 0.0, m.Value(a, "inference"))
	assert.False(t, m.Eligible(a, "inference"))
}

func TestThroughputModelDecodeRejectsWrongVariant(t *testing.T) {
	none := NewNone()
	data, err := none.Encode()
	require.NoError(t, err)

	m := NewThroughput(DefaultThroughputConfig(), nil)
	assert.Error(t, m.Decode(data))
}
