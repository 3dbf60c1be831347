package config

import (
	"encoding/json"
	"fmt"

	"github.com/modbusgw/gateway/internal/decode"
)

// Expand renders the fully validated, defaulted configuration back out as
// canonical JSON (the -e CLI flag, §6). Every inherited default, every
// off_by_one adjustment, every compressed bit range is written out
// explicitly — the point of -e is that feeding its output back through
// Parse reproduces the exact same Config (idempotence, §8).
func (c *Config) Expand() ([]byte, error) {
	doc := expandedRoot{
		Connection: expandedConnection{
			MaxNumConns: c.Connection.MaxNumConns,
			// Offsets below are already off_by_one adjusted, so the
			// expanded document must not ask Parse to adjust them again.
			OffByOne:         false,
			WordSwap:         c.Connection.WordSwap,
			MultiWriteOpCode: c.Connection.MultiWriteOpCode,
			FrequencyMs:      c.Connection.FrequencyMs,
			DeviceID:         c.Connection.DeviceID,
			DebounceMs:       c.Connection.DebounceMs,
		},
		Generation: c.Generation,
	}

	switch c.Connection.Kind {
	case TransportTCP:
		doc.Connection.TCP = &expandedTCP{IP: c.Connection.TCP.IP, Port: c.Connection.TCP.Port}
	case TransportRTU:
		doc.Connection.RTU = &expandedRTU{
			Device:   c.Connection.RTU.Device,
			Baud:     c.Connection.RTU.Baud,
			Parity:   string(c.Connection.RTU.Parity),
			DataBits: c.Connection.RTU.DataBits,
			StopBits: c.Connection.RTU.StopBits,
		}
	}

	for _, comp := range c.Components {
		ec := expandedComponent{
			ID:          c.Str(comp.IDH),
			DeviceID:    comp.DeviceID,
			FrequencyMs: comp.FrequencyMs,
		}
		if comp.Heartbeat != nil {
			hb := expandedHeartbeat{
				Enabled:       comp.Heartbeat.Enabled,
				ReadDecodeRef: c.Str(comp.Maps[comp.Heartbeat.ReadMapIdx].Decodes[comp.Heartbeat.ReadDecodeIdx].IDH),
				TimeoutMs:     comp.Heartbeat.TimeoutMs,
			}
			if comp.Heartbeat.HasWrite {
				hb.WriteDecodeRef = c.Str(comp.Maps[comp.Heartbeat.WriteMapIdx].Decodes[comp.Heartbeat.WriteDecodeIdx].IDH)
			}
			ec.Heartbeat = &hb
		}
		for _, m := range comp.Maps {
			em := expandedRegisterMap{RegType: regTypeString(m.RegType), StartOffset: int(m.StartOffset), NumRegisters: int(m.NumRegisters)}
			for _, d := range m.Decodes {
				em.Decodes = append(em.Decodes, c.expandDecode(d))
			}
			ec.RegisterMaps = append(ec.RegisterMaps, em)
		}
		doc.Components = append(doc.Components, ec)
	}

	return json.MarshalIndent(doc, "", "  ")
}

func (c *Config) expandDecode(d DecodeEntry) expandedDecode {
	ed := expandedDecode{
		ID:             c.Str(d.IDH),
		Offset:         int(d.Offset),
		Size:           d.Spec.Size,
		Scale:          d.Spec.Scale,
		Shift:          d.Spec.Shift,
		InvertMask:     fmt.Sprintf("0x%x", d.Spec.InvertMask),
		CareMask:       fmt.Sprintf("0x%x", d.Spec.CareMask),
		StartingBitPos: int(d.Spec.StartingBitPos),
		NumberOfBits:   int(d.Spec.NumberOfBits),
		Signed:         d.Spec.SignedFlag,
		Float:          d.Spec.FloatFlag,
		BitField:       d.BitField,
		IndividualBits: d.IndividualBits,
		Enum:           d.Enum,
		DebounceMs:     d.DebounceMs,

		MultiWriteOpCode: d.Spec.MultiWriteOpCode,
	}
	if len(d.BitStrings) == 0 {
		return ed
	}
	if d.Enum {
		pairs := make([]expandedEnumPair, 0, len(d.BitStrings))
		for _, bs := range d.BitStrings {
			pairs = append(pairs, expandedEnumPair{Value: bs.EnumValue, String: c.Str(bs.LabelH)})
		}
		b, _ := json.Marshal(pairs)
		ed.BitStrings = b
		return ed
	}

	width := d.Spec.Size * 16
	if d.IndividualBits {
		width = 0
		for _, bs := range d.BitStrings {
			if int(bs.EndBit)+1 > width {
				width = int(bs.EndBit) + 1
			}
		}
	}
	elems := make([]*string, width)
	for _, bs := range d.BitStrings {
		if bs.Kind == BitUnknown {
			continue
		}
		label := c.Str(bs.LabelH)
		for i := bs.BeginBit; i <= bs.EndBit && int(i) < width; i++ {
			elems[i] = &label
		}
	}
	b, _ := json.Marshal(elems)
	ed.BitStrings = b
	return ed
}

func regTypeString(rt decode.RegType) string {
	switch rt {
	case decode.Holding:
		return "holding"
	case decode.Input:
		return "input"
	case decode.Coil:
		return "coil"
	case decode.DiscreteInput:
		return "discrete_input"
	default:
		return "unknown"
	}
}

type expandedRoot struct {
	Connection expandedConnection  `json:"connection"`
	Components []expandedComponent `json:"components"`
	Generation string              `json:"generation"`
}

type expandedConnection struct {
	TCP *expandedTCP `json:"tcp,omitempty"`
	RTU *expandedRTU `json:"rtu,omitempty"`

	MaxNumConns      int  `json:"max_num_conns"`
	OffByOne         bool `json:"off_by_one"`
	WordSwap         bool `json:"word_swap"`
	MultiWriteOpCode bool `json:"multi_write_op_code"`
	FrequencyMs      int  `json:"frequency_ms"`
	DeviceID         int  `json:"device_id"`
	DebounceMs       int  `json:"debounce_ms"`
}

type expandedTCP struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type expandedRTU struct {
	Device   string `json:"device"`
	Baud     int    `json:"baud"`
	Parity   string `json:"parity"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
}

type expandedComponent struct {
	ID           string                 `json:"id"`
	DeviceID     int                    `json:"device_id"`
	FrequencyMs  int                    `json:"frequency_ms"`
	Heartbeat    *expandedHeartbeat     `json:"heartbeat,omitempty"`
	RegisterMaps []expandedRegisterMap  `json:"register_maps"`
}

type expandedHeartbeat struct {
	Enabled        bool   `json:"enabled"`
	ReadDecodeRef  string `json:"read_decode_ref"`
	WriteDecodeRef string `json:"write_decode_ref,omitempty"`
	TimeoutMs      int    `json:"timeout_ms"`
}

type expandedRegisterMap struct {
	RegType      string           `json:"reg_type"`
	StartOffset  int              `json:"start_offset"`
	NumRegisters int              `json:"num_registers"`
	Decodes      []expandedDecode `json:"decodes"`
}

type expandedDecode struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
	Size   int    `json:"size"`

	Scale float64 `json:"scale"`
	Shift int64   `json:"shift"`

	InvertMask string `json:"invert_mask"`
	CareMask   string `json:"care_mask"`

	StartingBitPos int `json:"starting_bit_pos"`
	NumberOfBits   int `json:"number_of_bits"`

	Signed         bool `json:"signed"`
	Float          bool `json:"float"`
	BitField       bool `json:"bit_field"`
	IndividualBits bool `json:"individual_bits"`
	Enum           bool `json:"enum"`

	DebounceMs int `json:"debounce_ms"`

	MultiWriteOpCode bool `json:"multi_write_op_code"`

	BitStrings json.RawMessage `json:"bit_strings,omitempty"`
}

type expandedEnumPair struct {
	Value  uint64 `json:"value"`
	String string `json:"string"`
}
