package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDefaultPolicy(t *testing.T) {
	p := DefaultPolicy()
	assert.Equal(t, ModeExponential, p.Mode)
	assert.Equal(t, time.Second, p.Initial)
	assert.Equal(t, 5*time.Minute, p.Max)
	assert.Equal(t, 8, p.MaxAttempts)
	assert.NoError(t, p.Validate())
}

func TestNewPolicyClampsInitial(t *testing.T) {
	p := NewPolicy(ModeFixed, 5*time.Second, 2*time.Second, 5)
	assert.Equal(t, 2*time.Second, p.Initial)
	assert.Equal(t, ModeFixed, p.Mode)
	assert.Equal(t, 5, p.MaxAttempts)

	unknown := NewPolicy("random", 0, 0, -1)
	assert.Equal(t, DefaultPolicy(), unknown)
}

// Delays double from the base and clamp at the cap: d, 2d, 4d, ... c.
func TestExponentialDelays(t *testing.T) {
	d := 100 * time.Millisecond
	p := NewPolicy(ModeExponential, d, 500*time.Millisecond, 6)

	want := []time.Duration{d, 2 * d, 4 * d, 500 * time.Millisecond, 500 * time.Millisecond}
	for i, w := range want {
		assert.Equal(t, w, p.Delay(i+1), "attempt %d", i+1)
	}
	assert.Equal(t, p.Max, p.Delay(200))
}

func TestLinearAndFixed(t *testing.T) {
	lin := NewPolicy(ModeLinear, 100*time.Millisecond, 250*time.Millisecond, 5)
	assert.Equal(t, 100*time.Millisecond, lin.Delay(1))
	assert.Equal(t, 200*time.Millisecond, lin.Delay(2))
	assert.Equal(t, 250*time.Millisecond, lin.Delay(3))

	fixed := NewPolicy(ModeFixed, 50*time.Millisecond, time.Second, 3)
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 50*time.Millisecond, fixed.Delay(i))
	}
}

func TestDelayEdgeCases(t *testing.T) {
	p := DefaultPolicy()
	assert.Zero(t, p.Delay(0))
	assert.Zero(t, p.Delay(-3))
}

func TestExhausted(t *testing.T) {
	p := NewPolicy(ModeExponential, time.Second, time.Minute, 3)
	assert.False(t, p.Exhausted(3))
	assert.True(t, p.Exhausted(4))
}

func TestValidate(t *testing.T) {
	assert.Error(t, Policy{Initial: 0, Max: time.Second}.Validate())
	assert.Error(t, Policy{Initial: time.Second, Max: 0}.Validate())
	assert.Error(t, Policy{Initial: time.Second, Max: time.Second, MaxAttempts: -1}.Validate())
}
