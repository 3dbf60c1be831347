// Package work defines the payloads carried on the priority work queues
// between the listener, the main arbiter, and the I/O worker pool (§2.7,
// §4.5, §4.6). These are plain data — no behavior — kept in their own
// package so internal/queue, internal/ioworker, internal/listener, and
// internal/arbiter can all depend on them without a cycle.
package work

import (
	"time"

	"github.com/modbusgw/gateway/internal/decode"
)

// IdxAll is the sentinel, used at the bit, decode and map level alike,
// meaning "the whole component" on a Get/Set target, mirroring Component_All_Idx/Thread_All_Idx/etc. from
// client_structs.hpp. Represented as -1 rather than a packed u8 sentinel —
// Go has no reason to economize on struct packing the way the embedded C++
// original did.
const (
	IdxAll = -1
)

// SetItem is one field of a (possibly multi-field) set request, already
// resolved to its routing indices by the listener.
type SetItem struct {
	ComponentIdx int
	MapIdx       int
	DecodeIdx    int
	BitIdx       int // IdxAll unless the target is an individual_bits label
	Value        decode.Value

	// PrevRaw is filled in by the main arbiter (not the listener) by
	// reading the decoded cache, and is only meaningful for individual_bits
	// targets (§4.6 "attaches previous_raw for individual_bits items").
	PrevRaw *uint64
}

// SetWork is a batch of set items dispatched together — either the whole
// body of one multi-field listener set request, or (internally) a
// heartbeat write-back of exactly one item.
type SetWork struct {
	Items   []SetItem
	ReplyTo string // empty if the original request carried no replyto
	Echo    []byte // body to echo back to ReplyTo on success
}

// GetFlags records which URI suffix (if any) qualifies a get request.
type GetFlags struct {
	Raw          bool
	Timings      bool
	ResetTimings bool
}

// GetWork is a pending get request awaiting formatting and reply.
type GetWork struct {
	ComponentIdx int
	MapIdx       int // IdxAll for a component-level get
	DecodeIdx    int // IdxAll for a component/map-level get
	BitIdx       int // IdxAll unless targeting one individual_bits label
	Flags        GetFlags
	ReplyTo      string
}

// PollWork asks a worker to perform exactly one Modbus read transaction for
// one register map.
type PollWork struct {
	ComponentIdx int
	MapIdx       int
}

// DecodedVal is one decoded value alongside its raw composed integer (post
// mask/invert, pre shift/scale) — the raw form is what "previous_raw" means
// everywhere else in this spec.
type DecodedVal struct {
	Value decode.Value
	Raw   uint64
}

// PubWork is what a worker reports back to main after a poll (or a
// transport failure), carrying either a full decode of the map or an errno.
type PubWork struct {
	ComponentIdx int
	MapIdx       int
	ErrnoCode    int // 0 means success
	ErrnoText    string
	ResponseTime time.Duration
	Vals         []DecodedVal // len == map's decode count on success
}
