package fiber

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

// fakeHost records acquire/release pairs.
type fakeHost struct {
	acquired int
	released []int
}

func (h *fakeHost) Acquire() func() {
	h.acquired++
	n := h.acquired
	return func() { h.released = append(h.released, n) }
}

func TestKeepAliveCounts(t *testing.T) {
	g := NewKeepAliveGuard(nil)
	assert.Equal(t, 0, g.Active())

	g.Start()
	g.Start()
	assert.Equal(t, 2, g.Active())

	g.Stop()
	assert.Equal(t, 1, g.Active())
	g.Stop()
	assert.Equal(t, 0, g.Active())

	// Stop never drives the count negative.
	g.Stop()
	assert.Equal(t, 0, g.Active())
}

func TestKeepAliveLatestDisposerWins(t *testing.T) {
	host := &fakeHost{}
	g := NewKeepAliveGuard(host)

	// Three starts overwrite the stored disposer twice; only the latest one
	// survives.
	g.Start()
	g.Start()
	g.Start()
	assert.Equal(t, 3, host.acquired)

	g.Stop()
	assert.Equal(t, []int{3}, host.released)

	// The next stop has no stored disposer left to invoke.
	g.Stop()
	assert.Equal(t, []int{3}, host.released)
	assert.Equal(t, 1, g.Active())
}

func TestKeepAliveStartStopPairs(t *testing.T) {
	host := &fakeHost{}
	g := NewKeepAliveGuard(host)

	// Strictly alternating start/stop releases every acquisition.
	for i := 0; i < 4; i++ {
		g.Start()
		g.Stop()
	}
	assert.Equal(t, []int{1, 2, 3, 4}, host.released)
	assert.Equal(t, 0, g.Active())
}

// TestKeepAliveContract drives random start/stop sequences and checks the
// structural invariants of the latest-disposer-wins contract.
func TestKeepAliveContract(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		host := &fakeHost{}
		g := NewKeepAliveGuard(host)

		expected := 0
		steps := rapid.SliceOf(rapid.Bool()).Draw(t, "steps")
		for _, isStart := range steps {
			if isStart {
				g.Start()
				expected++
			} else {
				g.Stop()
				if expected > 0 {
					expected--
				}
			}
		}

		if g.Active() != expected {
			t.Fatalf("active = %d, want %d", g.Active(), expected)
		}

		// Every released disposer must have been the latest stored at the
		// time of its Stop, hence strictly increasing.
		for i := 1; i < len(host.released); i++ {
			if host.released[i] <= host.released[i-1] {
				t.Fatalf("disposers released out of order: %v", host.released)
			}
		}
	})
}
