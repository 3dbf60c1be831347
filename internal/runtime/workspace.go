// Package runtime owns the mutable state the static config tree doesn't:
// the decoded cache, per-map error/response-time bookkeeping, and each
// component's heartbeat machine (§3 "Decoded cache", §4.6, §4.8). A
// Workspace is rebuilt from scratch on every successful config reload —
// it never survives across a Generation change, so there is no migration
// logic between old and new shapes.
//
// Only the main arbiter goroutine mutates a Workspace. Get requests read
// it from the same goroutine (they're dispatched through the same work
// queue as everything else that touches the cache), so none of this needs
// locking; treat a Workspace as single-owner, not as a concurrent map.
package runtime

import (
	"time"

	"github.com/modbusgw/gateway/internal/clock"
	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/decode"
	"github.com/modbusgw/gateway/internal/heartbeat"
	"github.com/modbusgw/gateway/internal/work"
)

// decodeState is one decode entry's live value.
type decodeState struct {
	Value         decode.Value
	Raw           uint64
	Published     bool
	DebounceUntil clock.Instant
}

// ResponseStats accumulates the min/max/avg response-time triple a get's
// /_timings suffix reports (§6).
type ResponseStats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Sum   time.Duration
}

// Observe folds one response time sample in.
func (r *ResponseStats) Observe(d time.Duration) {
	if r.Count == 0 || d < r.Min {
		r.Min = d
	}
	if d > r.Max {
		r.Max = d
	}
	r.Sum += d
	r.Count++
}

// Avg returns the mean response time, or 0 if nothing has been observed.
func (r *ResponseStats) Avg() time.Duration {
	if r.Count == 0 {
		return 0
	}
	return r.Sum / time.Duration(r.Count)
}

// Reset clears accumulated stats (the /_reset_timings suffix, §6).
func (r *ResponseStats) Reset() {
	*r = ResponseStats{}
}

// MapState is one register map's live decode cache plus its last poll
// outcome.
type MapState struct {
	Decodes []decodeState

	LastErrnoCode int
	LastErrnoText string

	LastResponseTime time.Duration
	RespStats        ResponseStats
	LastPollAt       clock.Instant
}

// ComponentState is one component's runtime state: its maps' decoded
// caches, its heartbeat machine (nil if heartbeat isn't enabled), and the
// scheduling bookkeeping the main arbiter needs to compute sleep
// deadlines and fatal-exit triggers (§4.6, §7).
type ComponentState struct {
	Maps              []MapState
	Heartbeat         *heartbeat.Machine
	NextPollDeadline  clock.Instant
	ConsecutiveErrors int

	// RespStats aggregates response times across every one of the
	// component's maps — the only level /_timings and /_reset_timings are
	// valid on (§4.4).
	RespStats ResponseStats
}

// Workspace is every component's runtime state for one config generation.
type Workspace struct {
	cfg        *config.Config
	Components []ComponentState
}

// NewWorkspace builds a zeroed Workspace sized from cfg. Heartbeat machines
// start Connected (per heartbeat.New) and every component's first poll
// deadline is `now`, so the arbiter's first scheduling pass polls
// everything once before settling into steady-state cadence.
func NewWorkspace(cfg *config.Config, now clock.Instant) *Workspace {
	ws := &Workspace{cfg: cfg, Components: make([]ComponentState, len(cfg.Components))}
	for ci, comp := range cfg.Components {
		cs := &ws.Components[ci]
		cs.Maps = make([]MapState, len(comp.Maps))
		for mi, m := range comp.Maps {
			cs.Maps[mi].Decodes = make([]decodeState, len(m.Decodes))
		}
		cs.NextPollDeadline = now
		if comp.Heartbeat != nil && comp.Heartbeat.Enabled {
			cs.Heartbeat = heartbeat.New(time.Duration(comp.Heartbeat.TimeoutMs)*time.Millisecond, now)
		}
	}
	return ws
}

// Config returns the config generation this Workspace was built from.
func (ws *Workspace) Config() *config.Config {
	return ws.cfg
}

// PollOutcome reports the side effects of one ApplyPoll call that the
// arbiter needs beyond the plain changed-decode list: whether this poll's
// heartbeat read observation reconnected the component, and whether the
// heartbeat's own read decode was among the entries that changed (§4.8 —
// a write-back only fires off the back of an actual new read).
type PollOutcome struct {
	Changed              []int
	HeartbeatReconnected bool
	HeartbeatReadChanged bool
}

// ApplyPoll folds one worker poll result into the cache, returning the
// indices (into the map's Decodes slice) of entries whose publish should
// go out this cycle — i.e. everything that changed and isn't currently
// suppressed by its debounce window (§D.3) — plus heartbeat bookkeeping.
// A transport error leaves the cache untouched and bumps the component's
// consecutive-error counter, which the arbiter uses for the
// fatal-exit-after-5-cycles rule (§7).
func (ws *Workspace) ApplyPoll(pw work.PubWork, now clock.Instant) PollOutcome {
	cs := &ws.Components[pw.ComponentIdx]
	ms := &cs.Maps[pw.MapIdx]

	if pw.ErrnoCode != 0 {
		ms.LastErrnoCode = pw.ErrnoCode
		ms.LastErrnoText = pw.ErrnoText
		cs.ConsecutiveErrors++
		return PollOutcome{}
	}

	cs.ConsecutiveErrors = 0
	ms.LastErrnoCode = 0
	ms.LastErrnoText = ""
	ms.LastResponseTime = pw.ResponseTime
	ms.RespStats.Observe(pw.ResponseTime)
	cs.RespStats.Observe(pw.ResponseTime)
	ms.LastPollAt = now

	comp := ws.cfg.Components[pw.ComponentIdx]
	entries := comp.Maps[pw.MapIdx].Decodes

	changed := make([]int, 0, len(pw.Vals))
	for di, v := range pw.Vals {
		d := &ms.Decodes[di]
		prevRaw, wasPublished := d.Raw, d.Published
		d.Value, d.Raw = v.Value, v.Raw

		if wasPublished && d.Raw == prevRaw {
			continue
		}
		d.Published = true

		debounceMs := entries[di].DebounceMs
		if wasPublished && debounceMs > 0 && now.Before(d.DebounceUntil) {
			continue // suppressed: cache updated above, but no publish this cycle
		}
		if debounceMs > 0 {
			d.DebounceUntil = now.Add(time.Duration(debounceMs) * time.Millisecond)
		}
		changed = append(changed, di)
	}

	outcome := PollOutcome{Changed: changed}
	if cs.Heartbeat != nil && comp.Heartbeat.ReadMapIdx == pw.MapIdx {
		hb := comp.Heartbeat
		readVal := ms.Decodes[hb.ReadDecodeIdx].Value.AsUint64()
		outcome.HeartbeatReconnected = cs.Heartbeat.Observe(now, readVal)
		for _, di := range changed {
			if di == hb.ReadDecodeIdx {
				outcome.HeartbeatReadChanged = true
				break
			}
		}
	}

	return outcome
}

// ApplySet writes one resolved set item directly into the cache (used both
// for ordinary set requests, as main hands them to the worker pool and
// before any worker has performed the write, and for heartbeat
// write-backs). previousRaw is returned so callers building a
// §4.2 Encode call for an individual_bits target have it available.
func (ws *Workspace) ApplySet(item work.SetItem, now clock.Instant) (previousRaw uint64) {
	d := &ws.Components[item.ComponentIdx].Maps[item.MapIdx].Decodes[item.DecodeIdx]
	previousRaw = d.Raw
	d.Value = item.Value
	d.Published = true
	return previousRaw
}

// Lookup returns the current cached value and raw for one decode entry,
// for get-request formatting.
func (ws *Workspace) Lookup(componentIdx, mapIdx, decodeIdx int) (decode.Value, uint64) {
	d := &ws.Components[componentIdx].Maps[mapIdx].Decodes[decodeIdx]
	return d.Value, d.Raw
}

// ComponentStats returns the component-wide response-time aggregate, for
// /_timings and /_reset_timings handling (§4.4).
func (ws *Workspace) ComponentStats(componentIdx int) *ResponseStats {
	return &ws.Components[componentIdx].RespStats
}
