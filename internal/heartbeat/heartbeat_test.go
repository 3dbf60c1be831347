package heartbeat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/modbusgw/gateway/internal/clock"
)

func TestNewStartsConnected(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())
	assert.Equal(t, Connected, m.State())
	assert.Equal(t, fc.Now(), m.LastChange())
}

func TestObserveSameValueDoesNotResetLastChange(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())

	fc.Advance(time.Second)
	m.Observe(fc.Now(), 42)
	firstChange := m.LastChange()

	fc.Advance(time.Second)
	reconnected := m.Observe(fc.Now(), 42)
	assert.False(t, reconnected, "already connected, not a reconnect")
	assert.Equal(t, firstChange, m.LastChange(), "unchanged read value must not bump last-change")
}

func TestObserveChangedValueBumpsLastChange(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())

	fc.Advance(time.Second)
	m.Observe(fc.Now(), 1)
	fc.Advance(time.Second)
	m.Observe(fc.Now(), 2)

	assert.Equal(t, fc.Now(), m.LastChange())
}

func TestCheckTimeoutBeforeWindowIsNoop(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())

	fc.Advance(4 * time.Second)
	changed := m.CheckTimeout(fc.Now())
	assert.False(t, changed)
	assert.Equal(t, Connected, m.State())
}

func TestCheckTimeoutAfterWindowDisconnects(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())

	fc.Advance(5*time.Second + time.Millisecond)
	changed := m.CheckTimeout(fc.Now())
	require.True(t, changed)
	assert.Equal(t, Disconnected, m.State())
	assert.Equal(t, fc.Now(), m.LastChange())
}

func TestCheckTimeoutIsIdempotentOnceDisconnected(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())

	fc.Advance(10 * time.Second)
	require.True(t, m.CheckTimeout(fc.Now()))

	fc.Advance(time.Hour)
	assert.False(t, m.CheckTimeout(fc.Now()), "already disconnected, no further transition")
}

func TestObserveReconnectsAfterDisconnect(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())

	fc.Advance(10 * time.Second)
	require.True(t, m.CheckTimeout(fc.Now()))
	require.Equal(t, Disconnected, m.State())

	fc.Advance(time.Second)
	reconnected := m.Observe(fc.Now(), 99)
	assert.True(t, reconnected)
	assert.Equal(t, Connected, m.State())
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "connected", Connected.String())
	assert.Equal(t, "disconnected", Disconnected.String())
}

// TestCheckTimeoutResetByIntermediateObserve confirms a read-value change
// partway through the window resets the clock the timeout is measured
// against, so a steadily-changing heartbeat never times out.
func TestCheckTimeoutResetByIntermediateObserve(t *testing.T) {
	fc := clock.NewFake()
	m := New(5*time.Second, fc.Now())

	fc.Advance(4 * time.Second)
	m.Observe(fc.Now(), 1) // last_change resets to t=4s

	fc.Advance(4 * time.Second) // t=8s, only 4s since last_change
	assert.False(t, m.CheckTimeout(fc.Now()))
	assert.Equal(t, Connected, m.State())
}
