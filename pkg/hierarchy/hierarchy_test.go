package hierarchy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanOverride(t *testing.T) {
	a := NewArbiter(nil)
	tests := []struct {
		existing, challenger string
		want                 bool
	}{
		{"coder", "architect", true},
		{"coder", "orchestrator", true},
		{"architect", "orchestrator", true},
		{"architect", "coder", false},
		{"coder", "tester", false},
		{"orchestrator", "orchestrator", false},
		{"orchestrator", "architect", false},
		{"stranger", "coder", false},
		{"stranger", "reviewer", true},
	}
	for _, tt := range tests {
		t.Run(tt.existing+"<-"+tt.challenger, func(t *testing.T) {
			assert.Equal(t, tt.want, a.CanOverride(tt.existing, tt.challenger))
		})
	}
}

func TestAllowListsOnlyNarrow(t *testing.T) {
	a := NewArbiter(map[string]Role{
		"lead":   {Level: LevelSpecialist, CanOverride: []string{"coder"}},
		"coder":  {Level: LevelWorker},
		"tester": {Level: LevelWorker, CanBeOverriddenBy: []string{"qa"}},
		"qa":     {Level: LevelSpecialist},
		"intern": {Level: LevelWorker, CanOverride: []string{"lead"}},
	})
	assert.True(t, a.CanOverride("coder", "lead"))
	assert.False(t, a.CanOverride("tester", "lead"), "lead's list excludes tester")
	assert.True(t, a.CanOverride("tester", "qa"))
	assert.False(t, a.CanOverride("lead", "intern"), "allow-list cannot widen level math")
}

func TestWrapDecision(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	a := NewArbiter(nil).WithClock(func() time.Time { return now })

	d := a.WrapDecision("orchestrator", "use postgres")
	assert.True(t, d.Hierarchy.IsFinal)
	assert.Equal(t, LevelOrchestrator, d.Hierarchy.Level)
	assert.Equal(t, now, d.Hierarchy.Timestamp)

	w := a.WrapDecision("coder", "use sqlite")
	assert.False(t, w.Hierarchy.IsFinal)
	assert.Equal(t, LevelWorker, w.Hierarchy.Level)
}

func TestValidateOverride(t *testing.T) {
	a := NewArbiter(nil)

	first := a.ValidateOverride(nil, "coder", "sqlite")
	require.True(t, first.Allowed)
	assert.Equal(t, "sqlite", first.Decision.Payload)

	up := a.ValidateOverride(first.Decision, "architect", "postgres")
	require.True(t, up.Allowed)
	assert.Equal(t, "postgres", up.Decision.Payload)

	down := a.ValidateOverride(up.Decision, "coder", "mysql")
	assert.False(t, down.Allowed)
	assert.Same(t, up.Decision, down.Decision)

	final := a.ValidateOverride(up.Decision, "orchestrator", "cockroach")
	require.True(t, final.Allowed)
	assert.True(t, final.Decision.Hierarchy.IsFinal)

	blocked := a.ValidateOverride(final.Decision, "orchestrator", "redis")
	assert.False(t, blocked.Allowed)
	assert.Equal(t, "cockroach", blocked.Decision.Payload)
}

func TestValidateOverride_FinalFlagWins(t *testing.T) {
	a := NewArbiter(nil)
	d := a.WrapDecision("coder", "x")
	d.Hierarchy.IsFinal = true
	assert.False(t, a.ValidateOverride(d, "orchestrator", "y").Allowed)
}
