package hierarchy

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
)

func leveled() *Arbiter {
	roles := make(map[string]Role)
	for l := 0; l <= 4; l++ {
		roles[fmt.Sprintf("agent-%d", l)] = Role{Level: Level(l)}
	}
	return NewArbiter(roles)
}

func TestArbiterProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)
	a := leveled()

	properties.Property("final decisions are never replaced", prop.ForAll(
		func(owner, challenger int) bool {
			d := a.WrapDecision(fmt.Sprintf("agent-%d", owner), "p")
			d.Hierarchy.IsFinal = true
			return !a.ValidateOverride(d, fmt.Sprintf("agent-%d", challenger), "q").Allowed
		},
		gen.IntRange(0, 4), gen.IntRange(0, 4),
	))

	properties.Property("override allowed iff challenger level is lower", prop.ForAll(
		func(l1, l2 int) bool {
			existing := a.WrapDecision(fmt.Sprintf("agent-%d", l1), "p")
			if existing.Hierarchy.IsFinal {
				return true
			}
			v := a.ValidateOverride(existing, fmt.Sprintf("agent-%d", l2), "q")
			return v.Allowed == (l2 < l1)
		},
		gen.IntRange(0, 4), gen.IntRange(0, 4),
	))

	properties.Property("arbitration is deterministic", prop.ForAll(
		func(l1, l2 int) bool {
			e, c := fmt.Sprintf("agent-%d", l1), fmt.Sprintf("agent-%d", l2)
			return a.CanOverride(e, c) == a.CanOverride(e, c)
		},
		gen.IntRange(0, 4), gen.IntRange(0, 4),
	))

	properties.TestingRun(t)
}
