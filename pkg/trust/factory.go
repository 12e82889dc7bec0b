package trust

import (
	"fmt"
	"time"
)

// Config selects and parameterises one of the five variants. Only the
// fields relevant to the chosen Variant are consulted.
type Config struct {
	Variant Variant

	// BetaReputation:
	Weights                  WeightTable
	ReputationWeight         float64
	ChallengeResponseEnabled bool
	Stereotypes              StereotypeSource
	PeerReputation           PeerReputationSource

	// HMM:
	HistoryCapacity int

	// Throughput:
	Throughput ThroughputConfig
	Now        func() time.Time
}

// New constructs the configured variant. Once built, callers hold it only
// through the Model interface — no further switch on Variant is needed.
func New(cfg Config) (Model, error) {
	switch cfg.Variant {
	case VariantNone:
		return NewNone(), nil
	case VariantBadlisted:
		return NewBadlisted(), nil
	case VariantBetaReputation:
		return NewBeta(cfg.Weights, cfg.ReputationWeight, cfg.ChallengeResponseEnabled, cfg.Stereotypes, cfg.PeerReputation), nil
	case VariantHMM:
		return NewHMM(cfg.HistoryCapacity), nil
	case VariantThroughput:
		return NewThroughput(cfg.Throughput, cfg.Now), nil
	default:
		return nil, fmt.Errorf("trust: unknown variant %d", cfg.Variant)
	}
}
