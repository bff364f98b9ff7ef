// File: bridge/policy.go
// Author: momentics <momentics@gmail.com>
// License: Apache-2.0
//
// Distribution policies and their one-time selection from both sides'
// declarations.

package bridge

import (
	"github.com/momentics/hioload-ports/api"
)

// Policy is the routing rule a group applies per message.
type Policy int

const (
	Cyclic Policy = iota
	CyclicSparse
	CyclicModulo
	AsAvailable
	All
	Balanced
	Directed
	Hashed
	Discard
)

var policyNames = [...]string{
	Cyclic:       "cyclic",
	CyclicSparse: "cyclic-sparse",
	CyclicModulo: "cyclic-modulo",
	AsAvailable:  "as-available",
	All:          "all",
	Balanced:     "balanced",
	Directed:     "directed",
	Hashed:       "hashed",
	Discard:      "discard",
}

func (p Policy) String() string {
	if p >= 0 && int(p) < len(policyNames) {
		return policyNames[p]
	}
	return "unknown"
}

// Supports reports whether a group of members of role r can run p.
func (p Policy) Supports(r api.Role) bool {
	switch p {
	case Cyclic, CyclicModulo, Discard:
		return true
	case AsAvailable:
		return r == api.Consumer
	case CyclicSparse, All, Balanced, Directed, Hashed:
		return r == api.Producer
	default:
		return false
	}
}

// Plan is the outcome of policy selection for one producer/consumer crew
// pairing. Step is the rotation stride of a CyclicModulo side.
type Plan struct {
	Producer     Policy
	Consumer     Policy
	ProducerStep int
	ConsumerStep int
}

func incompatible(prod, cons api.Distribution, why string) *api.Error {
	return api.NewError(api.ErrCodeIncompatibleDistribution, why).
		WithContext("producer", prod.String()).
		WithContext("consumer", cons.String())
}

// SelectPolicy maps the distribution declarations and crew sizes of both
// sides onto the policies their groups run. It runs once at setup.
func SelectPolicy(prod, cons api.Distribution, prodCrew, consCrew int) (Plan, error) {
	if prodCrew < 1 || consCrew < 1 {
		return Plan{}, api.NewError(api.ErrCodeInvalidArgument, "crew size below one").
			WithContext("producer_crew", prodCrew).WithContext("consumer_crew", consCrew)
	}
	if prod == api.DistDisabled || cons == api.DistDisabled {
		return Plan{Producer: Discard, Consumer: Discard, ProducerStep: 1, ConsumerStep: 1}, nil
	}
	switch cons {
	case api.DistDefault, api.DistFirst:
	default:
		return Plan{}, incompatible(prod, cons, "consumer cannot declare a producer-side distribution")
	}

	plan := Plan{Producer: Cyclic, Consumer: Cyclic, ProducerStep: 1, ConsumerStep: 1}
	if cons == api.DistFirst {
		plan.Consumer = AsAvailable
	}
	switch prod {
	case api.DistDefault:
		if prodCrew > 1 && consCrew > 1 && prodCrew != consCrew {
			plan.Producer, plan.ProducerStep = CyclicModulo, prodCrew
			if cons == api.DistDefault {
				plan.Consumer, plan.ConsumerStep = CyclicModulo, consCrew
			}
		}
		return plan, nil
	case api.DistSparse:
		plan.Producer = CyclicSparse
	case api.DistBroadcast:
		plan.Producer = All
	case api.DistBalanced:
		plan.Producer = Balanced
	case api.DistDirected:
		plan.Producer = Directed
	case api.DistHashed:
		plan.Producer = Hashed
	case api.DistFirst:
		return Plan{}, incompatible(prod, cons, "as-available is a consumer-side distribution")
	default:
		return Plan{}, incompatible(prod, cons, "unknown producer distribution")
	}
	// Content-routed streams carry no rotation a consumer could follow.
	plan.Consumer = AsAvailable
	return plan, nil
}
