package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(enabled bool) (*CircuitBreaker, *fakeClock) {
	clock := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	cb := NewCircuitBreaker("rpc-0", enabled, 3, time.Minute, 30*time.Second, nil)
	cb.now = clock.Now
	return cb, clock
}

func TestCircuitBreaker(t *testing.T) {
	t.Run("trips at threshold", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		assert.False(t, cb.RecordFailure())
		assert.False(t, cb.RecordFailure())
		assert.True(t, cb.RecordFailure())
		assert.True(t, cb.IsOpen())
		assert.Equal(t, StateOpen, cb.Snapshot().State)
	})

	t.Run("window expiry resets streak", func(t *testing.T) {
		cb, clock := newTestBreaker(true)
		cb.RecordFailure()
		cb.RecordFailure()
		clock.Advance(2 * time.Minute)
		assert.False(t, cb.RecordFailure())
		assert.Equal(t, 1, cb.Snapshot().FailureCount)
	})

	t.Run("closes after reset timeout", func(t *testing.T) {
		cb, clock := newTestBreaker(true)
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		clock.Advance(31 * time.Second)
		assert.False(t, cb.IsOpen())
	})

	t.Run("success clears streak", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		cb.RecordFailure()
		cb.RecordFailure()
		cb.RecordSuccess()
		assert.False(t, cb.RecordFailure())
	})

	t.Run("manual reset", func(t *testing.T) {
		cb, _ := newTestBreaker(true)
		for i := 0; i < 3; i++ {
			cb.RecordFailure()
		}
		cb.Reset()
		assert.False(t, cb.IsOpen())
	})

	t.Run("disabled never opens", func(t *testing.T) {
		cb, _ := newTestBreaker(false)
		for i := 0; i < 10; i++ {
			assert.False(t, cb.RecordFailure())
		}
		assert.False(t, cb.IsOpen())
		assert.Equal(t, StateDisabled, cb.Snapshot().State)
	})
}
