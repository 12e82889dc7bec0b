// Package choose implements spec §4.J's choose-edge policies: five ways to
// pick one candidate edge for a named capability out of the registry,
// filtered through the active trust model's own notion of eligibility.
// Grounded on the teacher's plain-function, no-interface style for small
// leaf algorithms (consensus's height/round comparators) rather than a
// strategy-object hierarchy — a policy here is just a function value.
package choose

import (
	"math/rand"

	"github.com/fogmesh/trustmesh/pkg/registry"
	"github.com/fogmesh/trustmesh/pkg/trust"
)

// Policy selects one edge offering capability from the registry, or
// (nil, false) if no eligible candidate exists.
type Policy func(r *registry.Registry, model trust.Model, capability string, rng *rand.Rand) (*registry.Edge, bool)

// BandWidth is the banded policy's retention window below the best trust
// value (spec §4.J "[max - 0.25, max]").
const BandWidth = 0.25

// candidates returns every edge that is active, carries capability as an
// active capability, and is Eligible per the trust model — the filter
// every policy shares before applying its own selection rule.
func candidates(r *registry.Registry, model trust.Model, capability string) []*registry.Edge {
	var out []*registry.Edge
	for _, e := range r.Edges() {
		if !e.Active {
			continue
		}
		c, ok := e.Capabilities[capability]
		if !ok || !c.Active {
			continue
		}
		if !model.Eligible(e.EUI64, capability) {
			continue
		}
		out = append(out, e)
	}
	return out
}

// Random picks uniformly among all filtered candidates.
func Random(r *registry.Registry, model trust.Model, capability string, rng *rand.Rand) (*registry.Edge, bool) {
	cs := candidates(r, model, capability)
	if len(cs) == 0 {
		return nil, false
	}
	return cs[rng.Intn(len(cs))], true
}

// Banded computes each candidate's trust value, keeps only those within
// [max-BandWidth, max], and picks uniformly among the retained set.
func Banded(r *registry.Registry, model trust.Model, capability string, rng *rand.Rand) (*registry.Edge, bool) {
	cs := candidates(r, model, capability)
	if len(cs) == 0 {
		return nil, false
	}
	values := make([]float64, len(cs))
	max := 0.0
	for i, e := range cs {
		v := model.Value(e.EUI64, capability)
		values[i] = v
		if i == 0 || v > max {
			max = v
		}
	}
	var retained []*registry.Edge
	for i, e := range cs {
		if values[i] >= max-BandWidth {
			retained = append(retained, e)
		}
	}
	if len(retained) == 0 {
		return nil, false
	}
	return retained[rng.Intn(len(retained))], true
}

// Proportional normalises each candidate's trust value into a PMF and
// picks by roulette wheel against the PRNG's [0,1) draw.
func Proportional(r *registry.Registry, model trust.Model, capability string, rng *rand.Rand) (*registry.Edge, bool) {
	cs := candidates(r, model, capability)
	if len(cs) == 0 {
		return nil, false
	}
	values := make([]float64, len(cs))
	var total float64
	for i, e := range cs {
		v := model.Value(e.EUI64, capability)
		if v < 0 {
			v = 0
		}
		values[i] = v
		total += v
	}
	if total <= 0 {
		// no candidate has any positive trust weight; fall back to uniform
		// so the policy still returns a candidate rather than none.
		return cs[rng.Intn(len(cs))], true
	}
	draw := rng.Float64() * total
	var acc float64
	for i, e := range cs {
		acc += values[i]
		if draw <= acc {
			return e, true
		}
	}
	return cs[len(cs)-1], true
}

// Badlisted picks uniformly among non-bad candidates. The bad filter is
// already applied by candidates' Eligible check for the badlisted and
// throughput-probabilistic variants; other variants have no such notion
// and this policy degenerates to Random for them.
func Badlisted(r *registry.Registry, model trust.Model, capability string, rng *rand.Rand) (*registry.Edge, bool) {
	return Random(r, model, capability, rng)
}

// FCFS returns the first candidate in registry iteration order.
func FCFS(r *registry.Registry, model trust.Model, capability string, _ *rand.Rand) (*registry.Edge, bool) {
	cs := candidates(r, model, capability)
	if len(cs) == 0 {
		return nil, false
	}
	return cs[0], true
}
