package trust

import (
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// NoneModel is spec §4.F variant 1: all state empty, decisions fall back to
// "first active edge that has the capability" — Eligible is always true and
// Value is a flat neutral constant so choose.Proportional/choose.Banded
// degrade to "every active candidate is equally good", matching the spec's
// description of this variant as "decisions fall back to first active
// edge".
type NoneModel struct{}

// NewNone constructs the no-op trust model.
func NewNone() *NoneModel { return &NoneModel{} }

func (*NoneModel) Variant() Variant { return VariantNone }

func (*NoneModel) OnTaskSubmission(EdgeKey, TaskSubmissionOutcome)            {}
func (*NoneModel) OnTaskResult(EdgeKey, string, TaskResultOutcome)            {}
func (*NoneModel) OnResultQuality(EdgeKey, string, bool)                     {}
func (*NoneModel) OnChallengeResponse(EdgeKey, string, ChallengeResponseOutcome) {}
func (*NoneModel) OnThroughput(EdgeKey, string, ThroughputObservation)       {}

func (*NoneModel) Value(EdgeKey, string) float64  { return 0.5 }
func (*NoneModel) Eligible(EdgeKey, string) bool { return true }
func (*NoneModel) EdgeKeys() []EdgeKey            { return nil }

type noneWire struct {
	_       struct{} `cbor:",toarray"`
	Variant uint8
}

func (*NoneModel) Encode() ([]byte, error) {
	return cbor.Marshal(noneWire{Variant: uint8(VariantNone)})
}

func (m *NoneModel) Decode(data []byte) error {
	var w noneWire
	if err := cbor.Unmarshal(data, &w); err != nil {
		return err
	}
	if Variant(w.Variant) != VariantNone {
		return fmt.Errorf("trust: variant mismatch: wire=%d local=%d", w.Variant, VariantNone)
	}
	return nil
}
