package arbiter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/bus"
	"github.com/modbusgw/gateway/internal/clock"
	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/decode"
	"github.com/modbusgw/gateway/internal/events"
	"github.com/modbusgw/gateway/internal/queue"
	"github.com/modbusgw/gateway/internal/runtime"
	"github.com/modbusgw/gateway/internal/work"
)

const oneComponentFixture = `{
  "connection": {"tcp": {"ip": "10.0.0.1", "port": 502}},
  "components": [
    {"id": "c1", "frequency_ms": 1000, "register_maps": [
      {"reg_type": "holding", "decodes": [{"id": "v", "offset": 0}]}
    ]}
  ]
}`

const heartbeatFixture = `{
  "connection": {"tcp": {"ip": "10.0.0.1", "port": 502}},
  "components": [
    {"id": "c1", "frequency_ms": 1000, "register_maps": [
      {"reg_type": "holding", "decodes": [{"id": "hb_read", "offset": 0}, {"id": "hb_write", "offset": 1}]}
    ], "heartbeat": {"enabled": true, "read_decode_ref": "hb_read", "write_decode_ref": "hb_write", "timeout_ms": 10000}}
  ]
}`

// newTestArbiter builds an Arbiter around a dummy, never-dialed Bus. Tests
// must not exercise any path that actually calls a bus method (Reply,
// Publish, or events.Publisher.Post) — drive work through empty ReplyTo
// fields and the pub sentinel (work.IdxAll) to stay on paths that return
// before touching it.
func newTestArbiter(t *testing.T, doc string) (*Arbiter, *queue.MainWorkQ, *queue.IOWorkQ, *clock.Fake) {
	t.Helper()
	cfg, err := config.Parse([]byte(doc))
	require.NoError(t, err)

	mainq := queue.NewMainWorkQ(16, 16, 16)
	ioq := queue.NewIOWorkQ(16, 16)
	fc := clock.NewFake()
	b := &bus.Bus{}
	evt := events.New(b, zap.NewNop(), fc)

	return New(cfg, mainq, ioq, b, fc, zap.NewNop(), evt), mainq, ioq, fc
}

// TestTickPriorityOrder drives one item through each of the four queues
// and confirms tick() drains them sets, then due polls, then pubs, then
// gets, regardless of the order they were pushed in.
func TestTickPriorityOrder(t *testing.T) {
	a, mainq, ioq, _ := newTestArbiter(t, oneComponentFixture)

	// Pushed lowest-priority-first, on purpose, to prove tick() reorders.
	mainq.PushGet(work.GetWork{ComponentIdx: 0, MapIdx: 0, DecodeIdx: 0, BitIdx: work.IdxAll, ReplyTo: ""})
	mainq.PushPub(work.PubWork{ComponentIdx: work.IdxAll}) // worker "set completed" sentinel: no-op, no bus call
	mainq.PushSet(work.SetWork{
		Items:   []work.SetItem{{ComponentIdx: 0, MapIdx: 0, DecodeIdx: 0, BitIdx: work.IdxAll, Value: decode.Unsigned(7)}},
		ReplyTo: "",
	})

	// A fresh Workspace starts every component's NextPollDeadline at "now",
	// so the component's poll is already due.
	require.Equal(t, 1, mainq.SetQ.Len())
	require.Equal(t, 1, mainq.PubQ.Len())
	require.Equal(t, 1, mainq.GetQ.Len())

	require.True(t, a.tick())
	assert.Equal(t, 0, mainq.SetQ.Len(), "set must drain first")
	assert.Equal(t, 0, ioq.PollQ.Len(), "poll must not have been dispatched yet")

	require.True(t, a.tick())
	assert.Equal(t, 1, ioq.PollQ.Len(), "due poll must drain before pubs/gets")
	assert.Equal(t, 1, mainq.PubQ.Len())

	require.True(t, a.tick())
	assert.Equal(t, 0, mainq.PubQ.Len(), "pub must drain before gets")
	assert.Equal(t, 1, mainq.GetQ.Len())

	require.True(t, a.tick())
	assert.Equal(t, 0, mainq.GetQ.Len(), "get must drain last")

	assert.False(t, a.tick(), "nothing left to do")
}

// TestDispatchDuePollsCadence confirms a component's poll only fires once
// per frequency_ms window, not on every tick.
func TestDispatchDuePollsCadence(t *testing.T) {
	a, _, ioq, fc := newTestArbiter(t, oneComponentFixture)

	assert.True(t, a.dispatchDuePolls(), "first pass: due immediately")
	assert.Equal(t, 1, ioq.PollQ.Len())
	_, _ = ioq.PollQ.TryPop()

	assert.False(t, a.dispatchDuePolls(), "not due again before frequency_ms elapses")
	assert.Equal(t, 0, ioq.PollQ.Len())

	fc.Advance(999 * 1_000_000) // 999ms, still short
	assert.False(t, a.dispatchDuePolls())

	fc.Advance(2 * 1_000_000) // crosses the 1000ms boundary
	assert.True(t, a.dispatchDuePolls())
	assert.Equal(t, 1, ioq.PollQ.Len())
}

// TestApplyHeartbeatOutcomeWritesBackOnReadChange confirms a write-back
// decode is pushed to the worker pool, and the cache is updated
// optimistically, only when this cycle's read decode actually changed.
func TestApplyHeartbeatOutcomeWritesBackOnReadChange(t *testing.T) {
	a, _, ioq, _ := newTestArbiter(t, heartbeatFixture)
	comp := a.cfg.Components[0]

	a.applyHeartbeatOutcome(0, comp, runtime.PollOutcome{HeartbeatReadChanged: false})
	assert.Equal(t, 0, ioq.SetQ.Len(), "no write-back when the read decode didn't change")

	a.applyHeartbeatOutcome(0, comp, runtime.PollOutcome{HeartbeatReadChanged: true})
	require.Equal(t, 1, ioq.SetQ.Len(), "write-back fires once the read decode changes")

	sw, ok := ioq.SetQ.TryPop()
	require.True(t, ok)
	require.Len(t, sw.Items, 1)
	item := sw.Items[0]
	assert.Equal(t, comp.Heartbeat.WriteMapIdx, item.MapIdx)
	assert.Equal(t, comp.Heartbeat.WriteDecodeIdx, item.DecodeIdx)
	assert.Equal(t, uint64(1), item.Value.AsUint64(), "read value was 0, write-back is read+1")
}

// TestApplyHeartbeatOutcomeSkipsComponentsWithoutWriteback confirms a
// heartbeat with no configured write decode never enqueues anything, even
// on a read change.
func TestApplyHeartbeatOutcomeSkipsComponentsWithoutWriteback(t *testing.T) {
	a, _, ioq, _ := newTestArbiter(t, oneComponentFixture)
	comp := a.cfg.Components[0]

	a.applyHeartbeatOutcome(0, comp, runtime.PollOutcome{HeartbeatReadChanged: true})
	assert.Equal(t, 0, ioq.SetQ.Len(), "component has no heartbeat at all")
}

// TestCheckHeartbeatTimeoutsSkipsDisabledComponents confirms a component
// with no heartbeat configured is never consulted (and, in particular,
// never trips the event-posting branch that would require a live bus).
func TestCheckHeartbeatTimeoutsSkipsDisabledComponents(t *testing.T) {
	a, _, _, _ := newTestArbiter(t, oneComponentFixture)
	assert.NotPanics(t, func() { a.checkHeartbeatTimeouts() })
}
