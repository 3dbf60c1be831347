// Package arbiter implements the main scheduling loop (§4.6): the single
// goroutine that owns the decoded cache, dispatches polls to the I/O
// worker pool on each component's cadence, and drains the priority queues
// in sets > polls > pubs > gets order every cycle it has nothing else to
// do but sleep until the next deadline.
package arbiter

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/bus"
	"github.com/modbusgw/gateway/internal/clock"
	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/decode"
	"github.com/modbusgw/gateway/internal/events"
	"github.com/modbusgw/gateway/internal/format"
	"github.com/modbusgw/gateway/internal/heartbeat"
	"github.com/modbusgw/gateway/internal/queue"
	"github.com/modbusgw/gateway/internal/runtime"
	"github.com/modbusgw/gateway/internal/work"
)

// consecutiveErrorLimit is the number of back-to-back failed polls on one
// component's connection before the daemon treats it as fatal (§7).
const consecutiveErrorLimit = 5

// Arbiter is the main scheduler. One instance lives for the process'
// lifetime; Reload swaps its config/workspace in place rather than being
// replaced itself, so listener/worker goroutines holding a *Arbiter never
// need to be handed a new one.
type Arbiter struct {
	mainq *queue.MainWorkQ
	ioq   *queue.IOWorkQ
	bus   *bus.Bus
	clk   clock.Clock
	log   *zap.Logger
	evt   *events.Publisher

	// Fatal receives a human-readable reason exactly once when a component
	// trips the consecutive-error limit; main selects on it to exit(1).
	Fatal chan string

	cfg *config.Config
	ws  *runtime.Workspace
}

// New builds an Arbiter and its initial Workspace from cfg.
func New(cfg *config.Config, mainq *queue.MainWorkQ, ioq *queue.IOWorkQ, b *bus.Bus, clk clock.Clock, log *zap.Logger, evt *events.Publisher) *Arbiter {
	return &Arbiter{
		mainq: mainq,
		ioq:   ioq,
		bus:   b,
		clk:   clk,
		log:   log,
		evt:   evt,
		Fatal: make(chan string, 1),
		cfg:   cfg,
		ws:    runtime.NewWorkspace(cfg, clk.Now()),
	}
}

// Config returns the live config generation. Safe to call from other
// goroutines (e.g. the listener) since the arbiter only ever replaces the
// pointer, never mutates the Config it points to, in Reload.
func (a *Arbiter) Config() *config.Config {
	return a.cfg
}

// Reload discards the current Workspace and builds a fresh one from cfg
// (§9 "a reload rebuilds runtime state wholesale, it does not migrate
// it") — every decoded value, debounce timer, and heartbeat machine
// starts over, and every component gets polled once immediately.
func (a *Arbiter) Reload(cfg *config.Config) {
	a.cfg = cfg
	a.ws = runtime.NewWorkspace(cfg, a.clk.Now())
	a.evt.Post(events.Info, "", "configuration reloaded, generation "+cfg.Generation)
}

// Run drives the scheduling loop until ctx is cancelled.
func (a *Arbiter) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if a.tick() {
			continue
		}
		a.checkHeartbeatTimeouts()

		deadline := a.nextDeadline()
		wctx, cancel := clock.ContextWithDeadline(ctx, deadline)
		_ = a.mainq.Signal.Wait(wctx)
		cancel()
	}
}

// tick services exactly one item in priority order (sets, due polls,
// pubs, gets — §4.6) and reports whether it did anything, so Run knows
// whether to loop immediately or sleep.
func (a *Arbiter) tick() bool {
	if sw, ok := a.mainq.SetQ.TryPop(); ok {
		a.handleSet(sw)
		return true
	}
	if a.dispatchDuePolls() {
		return true
	}
	if pw, ok := a.mainq.PubQ.TryPop(); ok {
		a.handlePub(pw)
		return true
	}
	if gw, ok := a.mainq.GetQ.TryPop(); ok {
		a.handleGet(gw)
		return true
	}
	return false
}

func (a *Arbiter) dispatchDuePolls() bool {
	now := a.clk.Now()
	dispatched := false
	for ci, comp := range a.cfg.Components {
		cs := &a.ws.Components[ci]
		if now.Before(cs.NextPollDeadline) {
			continue
		}
		cs.NextPollDeadline = now.Add(time.Duration(comp.FrequencyMs) * time.Millisecond)
		dispatched = true

		for mi := range comp.Maps {
			a.ioq.PushPoll(work.PollWork{ComponentIdx: ci, MapIdx: mi})
		}

		if cs.ConsecutiveErrors >= consecutiveErrorLimit {
			reason := a.cfg.Str(comp.IDH) + ": exceeded " + strconv.Itoa(consecutiveErrorLimit) + " consecutive poll errors"
			a.evt.Post(events.Fatal, a.cfg.Str(comp.IDH), reason)
			select {
			case a.Fatal <- reason:
			default:
			}
		}
	}
	return dispatched
}

// applyHeartbeatOutcome reacts to one poll's heartbeat bookkeeping (§4.8):
// a false->true reconnect gets an Info event, and a write-back decode (if
// configured) is written read_value+1 only after the read decode is
// observed to have actually changed this cycle — never unconditionally.
func (a *Arbiter) applyHeartbeatOutcome(ci int, comp config.Component, outcome runtime.PollOutcome) {
	hb := comp.Heartbeat
	if hb == nil || !hb.Enabled {
		return
	}
	if outcome.HeartbeatReconnected {
		a.evt.Post(events.Info, a.cfg.Str(comp.IDH), "heartbeat reconnected")
	}
	if !outcome.HeartbeatReadChanged || !hb.HasWrite {
		return
	}
	readVal, _ := a.ws.Lookup(ci, hb.ReadMapIdx, hb.ReadDecodeIdx)
	next := decode.Unsigned(readVal.AsUint64() + 1)
	item := work.SetItem{ComponentIdx: ci, MapIdx: hb.WriteMapIdx, DecodeIdx: hb.WriteDecodeIdx, BitIdx: work.IdxAll, Value: next}
	a.ws.ApplySet(item, a.clk.Now())
	a.ioq.PushSet(work.SetWork{Items: []work.SetItem{item}})
}

// checkHeartbeatTimeouts drives every enabled heartbeat's liveness
// transition, independent of whether that component was actually polled
// this cycle (a component that stopped responding still needs to flip to
// Disconnected once its timeout lapses).
func (a *Arbiter) checkHeartbeatTimeouts() {
	now := a.clk.Now()
	for ci, comp := range a.cfg.Components {
		cs := &a.ws.Components[ci]
		if cs.Heartbeat == nil {
			continue
		}
		if cs.Heartbeat.CheckTimeout(now) {
			a.evt.Post(events.Alarm, a.cfg.Str(comp.IDH), "heartbeat timed out, component marked disconnected")
		}
	}
}

func (a *Arbiter) handleSet(sw work.SetWork) {
	for i := range sw.Items {
		item := &sw.Items[i]
		if item.BitIdx != work.IdxAll {
			_, raw := a.ws.Lookup(item.ComponentIdx, item.MapIdx, item.DecodeIdx)
			prev := raw
			item.PrevRaw = &prev
		}
		a.ws.ApplySet(*item, a.clk.Now())
	}
	a.ioq.PushSet(sw)
	if sw.ReplyTo != "" {
		if err := a.bus.Reply(sw.ReplyTo, sw.Echo); err != nil {
			a.log.Warn("failed to ack set", zap.Error(err))
		}
	}
}

// handlePub folds one worker poll result into the cache and, if anything in
// the map changed, publishes a single combined JSON object for the whole
// component (§4.7 "one JSON object per component pub") carrying every
// non-individual_bits decode's current value, a trailing Timestamp, and —
// when the component has heartbeat enabled — modbus_heartbeat/
// component_connected.
func (a *Arbiter) handlePub(pw work.PubWork) {
	if pw.ComponentIdx == work.IdxAll {
		return // worker's "set completed" sentinel, nothing to publish
	}
	comp := a.cfg.Components[pw.ComponentIdx]
	uri := "/components/" + a.cfg.Str(comp.IDH)

	if pw.ErrnoCode != 0 {
		a.ws.ApplyPoll(pw, a.clk.Now())
		body, _ := format.BuildErrorPub(pw.ErrnoCode, pw.ErrnoText, a.clk.Now())
		if err := a.bus.Publish("pub", uri, body); err != nil {
			a.log.Warn("failed to publish poll error", zap.Error(err))
		}
		return
	}

	outcome := a.ws.ApplyPoll(pw, a.clk.Now())
	a.applyHeartbeatOutcome(pw.ComponentIdx, comp, outcome)
	if len(outcome.Changed) == 0 {
		return
	}

	out := make(map[string]any)
	for mi, m := range comp.Maps {
		for di, entry := range m.Decodes {
			if entry.IndividualBits {
				continue // addressed individually, not part of the component snapshot
			}
			val, raw := a.ws.Lookup(pw.ComponentIdx, mi, di)
			out[a.cfg.Str(entry.IDH)] = format.Value(a.cfg, entry, val, raw, -1)
		}
	}
	out["Timestamp"] = clock.WallClock(a.clk.Now())

	if comp.Heartbeat != nil && comp.Heartbeat.Enabled {
		cs := &a.ws.Components[pw.ComponentIdx]
		hbVal, _ := a.ws.Lookup(pw.ComponentIdx, comp.Heartbeat.ReadMapIdx, comp.Heartbeat.ReadDecodeIdx)
		out["modbus_heartbeat"] = hbVal.AsUint64()
		out["component_connected"] = cs.Heartbeat.State() == heartbeat.Connected
	}

	body, err := json.Marshal(out)
	if err != nil {
		a.log.Error("failed to render pub body", zap.Error(err))
		return
	}
	if err := a.bus.Publish("pub", uri, body); err != nil {
		a.log.Warn("failed to publish", zap.String("uri", uri), zap.Error(err))
	}
}

func (a *Arbiter) handleGet(gw work.GetWork) {
	if gw.ReplyTo == "" {
		return
	}
	if gw.DecodeIdx == work.IdxAll {
		a.handleComponentGet(gw)
		return
	}

	comp := a.cfg.Components[gw.ComponentIdx]
	entry := comp.Maps[gw.MapIdx].Decodes[gw.DecodeIdx]
	val, raw := a.ws.Lookup(gw.ComponentIdx, gw.MapIdx, gw.DecodeIdx)
	body, err := format.BuildGet(a.cfg, entry, val, raw, gw.BitIdx, gw.Flags, a.clk.Now())
	if err != nil {
		a.log.Error("failed to render get body", zap.Error(err))
		return
	}
	if err := a.bus.Reply(gw.ReplyTo, body); err != nil {
		a.log.Warn("failed to reply to get", zap.Error(err))
	}
}

// handleComponentGet serves a whole-component get, including the
// component-only /_timings and /_reset_timings variants (§4.4, §8).
func (a *Arbiter) handleComponentGet(gw work.GetWork) {
	stats := a.ws.ComponentStats(gw.ComponentIdx)

	if gw.Flags.ResetTimings {
		stats.Reset()
		body, err := json.Marshal(format.AckBody{Ack: "timings reset"})
		if err != nil {
			a.log.Error("failed to render reset-timings ack", zap.Error(err))
			return
		}
		if err := a.bus.Reply(gw.ReplyTo, body); err != nil {
			a.log.Warn("failed to reply to reset-timings get", zap.Error(err))
		}
		return
	}

	if gw.Flags.Timings {
		timings := format.NewTimings(stats)
		body, err := json.Marshal(timings)
		if err != nil {
			a.log.Error("failed to render component timings body", zap.Error(err))
			return
		}
		if err := a.bus.Reply(gw.ReplyTo, body); err != nil {
			a.log.Warn("failed to reply to timings get", zap.Error(err))
		}
		return
	}

	comp := a.cfg.Components[gw.ComponentIdx]
	out := make(map[string]any, len(comp.Maps))
	for mi, m := range comp.Maps {
		for di, d := range m.Decodes {
			if d.IndividualBits {
				continue // addressed individually, not part of the component aggregate
			}
			val, raw := a.ws.Lookup(gw.ComponentIdx, mi, di)
			out[a.cfg.Str(d.IDH)] = format.Value(a.cfg, d, val, raw, -1)
		}
	}
	if comp.Heartbeat != nil && comp.Heartbeat.Enabled {
		cs := &a.ws.Components[gw.ComponentIdx]
		out["connected"] = cs.Heartbeat.State() == heartbeat.Connected
	}
	out["timestamp"] = clock.WallClock(a.clk.Now())

	body, err := json.Marshal(out)
	if err != nil {
		a.log.Error("failed to render component get body", zap.Error(err))
		return
	}
	if err := a.bus.Reply(gw.ReplyTo, body); err != nil {
		a.log.Warn("failed to reply to component get", zap.Error(err))
	}
}

func (a *Arbiter) nextDeadline() clock.Instant {
	now := a.clk.Now()
	best := now.Add(time.Second)
	for ci := range a.cfg.Components {
		d := a.ws.Components[ci].NextPollDeadline
		if d.Before(best) {
			best = d
		}
	}
	return best
}
