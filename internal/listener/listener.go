// Package listener subscribes to the message bus and turns incoming
// get/set requests into work items on the main arbiter's queue (§4.4,
// §4.6). Every malformed or unroutable request gets exactly one error
// reply — the bus contract promises a reply for every replyto-bearing
// request (§6), even the ones that never reach a worker.
package listener

import (
	"encoding/json"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/modbusgw/gateway/internal/bus"
	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/decode"
	"github.com/modbusgw/gateway/internal/queue"
	"github.com/modbusgw/gateway/internal/work"
)

// ConfigFunc returns the currently live config, letting the listener keep
// routing correctly across a reload without restarting its subscription.
type ConfigFunc func() *config.Config

// ReloadFunc is invoked when a set carrying the /_reload suffix arrives
// (§4.4 "flips a process-wide reload flag and returns").
type ReloadFunc func()

// Listener is the bus-facing front door: one subscription covering every
// get/set topic.
type Listener struct {
	bus      *bus.Bus
	mainq    *queue.MainWorkQ
	cfg      ConfigFunc
	onReload ReloadFunc
	log      *zap.Logger
}

// New builds a Listener. Call Start to subscribe. onReload may be nil, in
// which case a /_reload suffix is accepted but has no effect.
func New(b *bus.Bus, mainq *queue.MainWorkQ, cfg ConfigFunc, onReload ReloadFunc, log *zap.Logger) *Listener {
	return &Listener{bus: b, mainq: mainq, cfg: cfg, onReload: onReload, log: log}
}

// Start subscribes to every get/set topic. Posts (commands) and pubs are
// not listener concerns — pubs flow the other direction and this daemon
// has no post-handled commands beyond get/set (§6 Non-goals).
func (l *Listener) Start() error {
	if err := l.bus.Subscribe("get/#", l.handle); err != nil {
		return err
	}
	return l.bus.Subscribe("set/#", l.handle)
}

func (l *Listener) handle(msg bus.Message) {
	switch msg.Method {
	case "get":
		l.handleGet(msg)
	case "set":
		l.handleSet(msg)
	default:
		l.log.Warn("listener received unexpected method", zap.String("method", msg.Method))
	}
}

// errorBody is what an unroutable/malformed request gets back instead of
// a value (§7).
type errorBody struct {
	Error string `json:"error"`
}

func (l *Listener) replyError(replyTo, msg string) {
	if replyTo == "" {
		return
	}
	body, _ := json.Marshal(errorBody{Error: msg})
	if err := l.bus.Reply(replyTo, body); err != nil {
		l.log.Warn("failed to deliver error reply", zap.Error(err))
	}
}

// suffix tags which of the four request suffixes (§4.3, §4.4) terminated
// a URI, if any.
type suffix uint8

const (
	suffixNone suffix = iota
	suffixRaw
	suffixTimings
	suffixResetTimings
	suffixReload
)

var suffixNames = map[string]suffix{
	"/_raw":           suffixRaw,
	"/_timings":       suffixTimings,
	"/_reset_timings": suffixResetTimings,
	"/_reload":        suffixReload,
}

// splitSuffix separates a URI's base path from its trailing request suffix
// (/_raw, /_timings, /_reset_timings, /_reload — §4.3, §4.4).
func splitSuffix(uri string) (base string, s suffix) {
	for name, tag := range suffixNames {
		if strings.HasSuffix(uri, name) {
			return strings.TrimSuffix(uri, name), tag
		}
	}
	return uri, suffixNone
}

func flagsFor(s suffix) work.GetFlags {
	return work.GetFlags{
		Raw:          s == suffixRaw,
		Timings:      s == suffixTimings,
		ResetTimings: s == suffixResetTimings,
	}
}

func (l *Listener) handleGet(msg bus.Message) {
	cfg := l.cfg()
	base, s := splitSuffix(msg.URI)
	ref, ok := cfg.URIs.Lookup(base)
	if !ok {
		l.replyError(msg.ReplyTo, "unknown uri: "+base)
		return
	}
	if (s == suffixTimings || s == suffixResetTimings) && ref.DecodeIdx != work.IdxAll {
		l.replyError(msg.ReplyTo, "timings requests are only valid on a whole-component uri")
		return
	}
	l.mainq.PushGet(work.GetWork{
		ComponentIdx: ref.ComponentIdx,
		MapIdx:       ref.MapIdx,
		DecodeIdx:    ref.DecodeIdx,
		BitIdx:       ref.BitIdx,
		Flags:        flagsFor(s),
		ReplyTo:      msg.ReplyTo,
	})
}

func (l *Listener) handleSet(msg bus.Message) {
	cfg := l.cfg()
	base, s := splitSuffix(msg.URI)
	if s == suffixReload {
		if l.onReload != nil {
			l.onReload()
		}
		return
	}
	if s == suffixRaw || s == suffixTimings || s == suffixResetTimings {
		l.replyError(msg.ReplyTo, "sets do not accept a _raw/_timings/_reset_timings suffix")
		return
	}
	ref, ok := cfg.URIs.Lookup(base)
	if !ok {
		l.replyError(msg.ReplyTo, "unknown uri: "+base)
		return
	}

	if ref.DecodeIdx != work.IdxAll {
		if err := rejectReadOnlySet(cfg, ref); err != nil {
			l.replyError(msg.ReplyTo, err.Error())
			return
		}
		val, err := decodeValue(cfg, ref, extractValue(msg.Body))
		if err != nil {
			l.replyError(msg.ReplyTo, "invalid set body: "+err.Error())
			return
		}
		l.mainq.PushSet(work.SetWork{
			Items:   []work.SetItem{{ComponentIdx: ref.ComponentIdx, MapIdx: ref.MapIdx, DecodeIdx: ref.DecodeIdx, BitIdx: ref.BitIdx, Value: val}},
			ReplyTo: msg.ReplyTo,
			Echo:    msg.Body,
		})
		return
	}

	// Component-level set: body is a {field: value, ...} map, each field
	// resolved against its own sub-URI (§6).
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(msg.Body, &fields); err != nil {
		l.replyError(msg.ReplyTo, "component-level set body must be a JSON object")
		return
	}
	items := make([]work.SetItem, 0, len(fields))
	for field, raw := range fields {
		subRef, ok := cfg.URIs.Lookup(base + "/" + field)
		if !ok {
			l.replyError(msg.ReplyTo, "unknown field in component-level set: "+field)
			return
		}
		if err := rejectReadOnlySet(cfg, subRef); err != nil {
			l.replyError(msg.ReplyTo, err.Error())
			return
		}
		val, err := decodeValue(cfg, subRef, raw)
		if err != nil {
			l.replyError(msg.ReplyTo, "invalid value for field "+field+": "+err.Error())
			return
		}
		items = append(items, work.SetItem{ComponentIdx: subRef.ComponentIdx, MapIdx: subRef.MapIdx, DecodeIdx: subRef.DecodeIdx, BitIdx: subRef.BitIdx, Value: val})
	}
	l.mainq.PushSet(work.SetWork{Items: items, ReplyTo: msg.ReplyTo, Echo: msg.Body})
}

// rejectReadOnlySet reports an error if ref targets a register type that
// cannot be written (§4.4 "reject sets on Input/DiscreteInput").
func rejectReadOnlySet(cfg *config.Config, ref config.URIRef) error {
	switch cfg.Components[ref.ComponentIdx].Maps[ref.MapIdx].RegType {
	case decode.Input:
		return errors.New("input registers are read-only")
	case decode.DiscreteInput:
		return errors.New("discrete inputs are read-only")
	default:
		return nil
	}
}

// extractValue unwraps a {"value": ...} envelope if present, otherwise
// treats the whole body as the value (accepting both a formatted get-style
// body and a bare scalar as set input).
func extractValue(body []byte) json.RawMessage {
	var env struct {
		Value json.RawMessage `json:"value"`
	}
	if err := json.Unmarshal(body, &env); err == nil && len(env.Value) > 0 {
		return env.Value
	}
	return body
}

// decodeBoolLike parses a set value constrained to {true,false,0,1} (§4.4,
// required for Coil and individual_bit targets), rejecting any other
// number, string, or shape.
func decodeBoolLike(raw json.RawMessage) (decode.Value, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		if b {
			return decode.Unsigned(1), nil
		}
		return decode.Unsigned(0), nil
	}
	var n uint64
	if err := json.Unmarshal(raw, &n); err == nil {
		switch n {
		case 0:
			return decode.Unsigned(0), nil
		case 1:
			return decode.Unsigned(1), nil
		default:
			return decode.Value{}, errors.New("value must be true, false, 0, or 1")
		}
	}
	return decode.Value{}, errors.New("value must be true, false, 0, or 1")
}

func decodeValue(cfg *config.Config, ref config.URIRef, raw json.RawMessage) (decode.Value, error) {
	if ref.BitIdx != work.IdxAll {
		return decodeBoolLike(raw)
	}

	regType := cfg.Components[ref.ComponentIdx].Maps[ref.MapIdx].RegType
	if regType == decode.Coil {
		return decodeBoolLike(raw)
	}

	entry := cfg.Components[ref.ComponentIdx].Maps[ref.MapIdx].Decodes[ref.DecodeIdx]
	switch {
	case entry.Spec.FloatFlag:
		var f float64
		if err := json.Unmarshal(raw, &f); err != nil {
			return decode.Value{}, err
		}
		return decode.Float(f), nil
	case entry.Spec.SignedFlag:
		var i int64
		if err := json.Unmarshal(raw, &i); err != nil {
			return decode.Value{}, err
		}
		return decode.Signed(i), nil
	default:
		var u uint64
		if err := json.Unmarshal(raw, &u); err != nil {
			return decode.Value{}, err
		}
		return decode.Unsigned(u), nil
	}
}
