// Package config loads, validates, and serves the parsed component/register
// map/decode tree (§3 of the spec) as an immutable model built once at
// startup or reload. It also builds the derived URI routing table (§4.3
// build phase) since that table is a deterministic function of the config.
package config

import (
	"github.com/modbusgw/gateway/internal/arena"
	"github.com/modbusgw/gateway/internal/decode"
)

// TransportKind discriminates a Connection's transport. Exactly one of TCP
// or RTU is populated, enforced at validate time.
type TransportKind uint8

const (
	TransportTCP TransportKind = iota
	TransportRTU
)

type Parity byte

const (
	ParityNone Parity = 'N'
	ParityEven Parity = 'E'
	ParityOdd  Parity = 'O'
)

// TCPParams holds a TCP connection's endpoint.
type TCPParams struct {
	IP   string
	Port int
}

// RTUParams holds an RTU connection's serial parameters.
type RTUParams struct {
	Device   string
	Baud     int
	Parity   Parity
	DataBits int
	StopBits int
}

// Connection is the single connection block shared by every component that
// references it, carrying the inherited per-component defaults (§3).
type Connection struct {
	NameH arena.Handle

	Kind TransportKind
	TCP  TCPParams
	RTU  RTUParams

	MaxNumConns int // already clamped to EffectiveMaxConns, see §9/D.2

	// Inherited defaults, overridable per component:
	OffByOne         bool
	WordSwap         bool
	MultiWriteOpCode bool
	FrequencyMs      int
	DeviceID         int
	DebounceMs       int
}

// HeartbeatSpec is a component's liveness contract (§4.8).
type HeartbeatSpec struct {
	Enabled        bool
	ReadMapIdx     int
	ReadDecodeIdx  int
	HasWrite       bool
	WriteMapIdx    int
	WriteDecodeIdx int
	TimeoutMs      int
}

// BitStringKind tags one entry of a bit_field's compressed range array.
type BitStringKind uint8

const (
	BitKnown BitStringKind = iota
	BitUnknown
	BitIgnored
)

// BitString is one entry of a decode's bit-string array: a contiguous
// [BeginBit, EndBit] range for bit_field/individual_bits, or a single
// (value, label) pair for enum (BeginBit/EndBit unused in that case).
type BitString struct {
	BeginBit  uint8
	EndBit    uint8
	Kind      BitStringKind
	LabelH    arena.Handle
	EnumValue uint64
}

// DecodeEntry is one named value extracted from a RegisterMap (§3).
type DecodeEntry struct {
	IDH    arena.Handle
	Offset uint16 // already off_by_one adjusted
	Spec   decode.Spec

	IndividualBits bool
	BitField       bool
	Enum           bool

	BitStrings []BitString // empty unless Spec.BitString

	DebounceMs int // D.3: per-decode-entry debounce window
}

// RegisterMap is one Modbus polling batch (§3): a contiguous-ish run of
// decode entries of one register type, at most 125 registers wide.
type RegisterMap struct {
	RegType         decode.RegType
	StartOffset     uint16
	NumRegisters    uint16
	Decodes         []DecodeEntry
	NumBitStrArrays int
}

// Component is one logically grouped set of register maps polled at a
// common cadence against one Modbus slave/device id (§3).
type Component struct {
	IDH         arena.Handle
	DeviceID    int
	FrequencyMs int
	Heartbeat   *HeartbeatSpec
	Maps        []RegisterMap
	ConnIdx     int
}

// Config is the fully parsed, validated, immutable configuration tree,
// produced once at startup or reload (§2.3). Nothing in it changes after
// Parse returns successfully; Strings is frozen at that point too.
type Config struct {
	Connection Connection
	Components []Component
	URIs       URITable

	Strings    *arena.StringTable
	Generation string // uuid, changes every successful (re)load — SPEC_FULL §B

	TotalNumMaps int // sum of len(Components[i].Maps), drives worker pool size
}

// Str resolves an interned handle. Kept as a method on Config (rather than
// forcing every caller to thread *arena.StringTable around) because nearly
// every consumer of Config already holds one.
func (c *Config) Str(h arena.Handle) string {
	return c.Strings.String(h)
}
