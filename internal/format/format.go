// Package format renders decoded values into the JSON bodies the message
// bus carries on pub/get replies (§4.7, §6): plain scalars for ordinary
// decodes, a single-element {value,string} pair for enum, an array of
// {value,string} pairs for bit_field's nonzero ranges, booleans for
// individual_bits, plus the /_raw binary+hex substitution a get's URI
// suffix can ask for and the whole-component /_timings/_reset_timings
// bodies.
package format

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/modbusgw/gateway/internal/clock"
	"github.com/modbusgw/gateway/internal/config"
	"github.com/modbusgw/gateway/internal/decode"
	"github.com/modbusgw/gateway/internal/runtime"
	"github.com/modbusgw/gateway/internal/work"
)

// enumPair is one enum value's wire shape (§4.7).
type enumPair struct {
	Value  uint64 `json:"value"`
	String string `json:"string"`
}

// bitFieldPair is one bit_field high bit or range's wire shape (§4.7).
type bitFieldPair struct {
	Value  uint8  `json:"value"`
	String string `json:"string"`
}

// rawValue is the {"value","binary","hex"} shape a /_raw suffix substitutes
// for the ordinary decoded value (§4.7).
type rawValue struct {
	Value  uint64 `json:"value"`
	Binary string `json:"binary"`
	Hex    string `json:"hex"`
}

// Value converts one decoded value into the JSON-able shape appropriate
// for its decode entry's kind. bitIdx is only consulted for
// individual_bits entries.
func Value(cfg *config.Config, entry config.DecodeEntry, val decode.Value, raw uint64, bitIdx int) any {
	switch {
	case entry.Enum:
		label := "Unknown"
		for _, bs := range entry.BitStrings {
			if bs.EnumValue == val.AsUint64() {
				label = cfg.Str(bs.LabelH)
				break
			}
		}
		return []enumPair{{Value: val.AsUint64(), String: label}}

	case entry.BitField:
		out := make([]bitFieldPair, 0, len(entry.BitStrings))
		covered := make(map[uint8]bool)
		for _, bs := range entry.BitStrings {
			if bs.Kind != config.BitKnown {
				continue
			}
			for b := bs.BeginBit; b <= bs.EndBit; b++ {
				covered[b] = true
			}
			width := uint(bs.EndBit-bs.BeginBit) + 1
			mask := (uint64(1) << width) - 1
			if (raw>>bs.BeginBit)&mask != 0 {
				out = append(out, bitFieldPair{Value: bs.BeginBit, String: cfg.Str(bs.LabelH)})
			}
		}
		for b := uint8(0); b < 64; b++ {
			if covered[b] {
				continue
			}
			if (raw>>b)&0x1 != 0 {
				out = append(out, bitFieldPair{Value: b, String: "Unknown"})
			}
		}
		return out

	case entry.IndividualBits:
		if bitIdx < 0 || bitIdx >= len(entry.BitStrings) {
			return false
		}
		bs := entry.BitStrings[bitIdx]
		return (raw>>bs.BeginBit)&0x1 != 0

	default:
		switch val.Kind {
		case decode.KindSigned:
			return val.I64
		case decode.KindFloat:
			return val.F64
		default:
			return val.U64
		}
	}
}

// rawBitWidth reports how many bits wide a decode entry's raw form should
// be padded to for binary/hex rendering (§4.7 "raw" suffix).
func rawBitWidth(entry config.DecodeEntry) int {
	if entry.Spec.Size <= 0 {
		return 16
	}
	return entry.Spec.Size * 16
}

// RawValue renders a decode entry's raw composed value as the padded
// binary/hex pair the /_raw suffix asks for (§4.7), in place of its
// ordinary decoded shape.
func RawValue(entry config.DecodeEntry, raw uint64) any {
	width := rawBitWidth(entry)
	return rawValue{
		Value:  raw,
		Binary: fmt.Sprintf("%0*s", width, strconv.FormatUint(raw, 2)),
		Hex:    fmt.Sprintf("%0*s", (width+3)/4, strconv.FormatUint(raw, 16)),
	}
}

// Body is the JSON shape one per-decode get reply or one poll-error pub
// carries.
type Body struct {
	Value     any    `json:"value"`
	Timestamp string `json:"timestamp,omitempty"`
	Errno     int    `json:"errno,omitempty"`
	ErrnoText string `json:"errno_text,omitempty"`
}

// TimingsBody is the min/max/avg response-time triple a whole-component
// /_timings get replies with in place of the plain value aggregate (§4.7).
type TimingsBody struct {
	MinResponseTime    float64 `json:"min_response_time"`
	MaxResponseTime    float64 `json:"max_response_time"`
	AvgResponseTime    float64 `json:"avg_response_time"`
	NumTimingsRecorded int     `json:"num_timings_recorded"`
}

func durMs(d time.Duration) float64 {
	return float64(d) / float64(time.Millisecond)
}

// NewTimings builds the min/max/avg response-time triple from accumulated
// stats (§4.7's "timings" addition, valid only on a whole-component uri).
func NewTimings(stats *runtime.ResponseStats) TimingsBody {
	return TimingsBody{
		MinResponseTime:    durMs(stats.Min),
		MaxResponseTime:    durMs(stats.Max),
		AvgResponseTime:    durMs(stats.Avg()),
		NumTimingsRecorded: stats.Count,
	}
}

// AckBody is the acknowledgement a /_reset_timings get replies with instead
// of a value (§4.4 "replies immediately with an acknowledgement string").
type AckBody struct {
	Ack string `json:"ack"`
}

// BuildGet renders one get reply body (§4.7, §6).
func BuildGet(cfg *config.Config, entry config.DecodeEntry, val decode.Value, raw uint64, bitIdx int, flags work.GetFlags, now clock.Instant) ([]byte, error) {
	var value any
	if flags.Raw {
		value = RawValue(entry, raw)
	} else {
		value = Value(cfg, entry, val, raw, bitIdx)
	}
	b := Body{Value: value, Timestamp: clock.WallClock(now)}
	return json.Marshal(b)
}

// BuildErrorPub renders a pub body reporting a poll failure, carrying the
// errno/errno_text pair instead of a value (§4.7/§7).
func BuildErrorPub(errnoCode int, errnoText string, now clock.Instant) ([]byte, error) {
	b := Body{Errno: errnoCode, ErrnoText: errnoText, Timestamp: clock.WallClock(now)}
	return json.Marshal(b)
}
