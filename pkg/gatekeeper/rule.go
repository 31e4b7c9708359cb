package gatekeeper

import (
	"strings"

	"github.com/Mindburn-Labs/nightorder/pkg/policy"
)

// PolicyRule exposes gates as a policy rule that matches while any of the
// gates fails.
func (k *Keeper) PolicyRule(severity policy.Severity, gates ...string) policy.Rule {
	return policy.PredicateRule{
		Info: policy.Meta{
			Name:     "gates-" + strings.Join(gates, "+"),
			Severity: severity,
			Message:  "Required artifacts are missing for gates " + strings.Join(gates, ", "),
			Fix:      "Produce the missing artifacts first",
			Reason:   "Work must not proceed before its inputs exist",
		},
		Predicate: func(policy.Input) bool {
			return !k.VerifyMultipleGates(gates).Passed
		},
	}
}
