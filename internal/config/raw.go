package config

import "encoding/json"

// The raw* types mirror the on-the-wire JSON schema (§6) before defaulting
// and validation. Pointers distinguish "absent" from "explicit zero value"
// so defaulting logic (§3 "inherited defaults") can tell the two apart.

type rawRoot struct {
	Connection rawConnection  `json:"connection"`
	Components []rawComponent `json:"components"`
}

type rawConnection struct {
	TCP *rawTCP `json:"tcp"`
	RTU *rawRTU `json:"rtu"`

	MaxNumConns *int `json:"max_num_conns"`

	OffByOne         *bool `json:"off_by_one"`
	WordSwap         *bool `json:"word_swap"`
	MultiWriteOpCode *bool `json:"multi_write_op_code"`
	FrequencyMs      *int  `json:"frequency_ms"`
	DeviceID         *int  `json:"device_id"`
	DebounceMs       *int  `json:"debounce_ms"`
}

type rawTCP struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type rawRTU struct {
	Device   string `json:"device"`
	Baud     int    `json:"baud"`
	Parity   string `json:"parity"`
	DataBits int    `json:"data_bits"`
	StopBits int    `json:"stop_bits"`
}

type rawComponent struct {
	ID           string           `json:"id"`
	DeviceID     *int             `json:"device_id"`
	FrequencyMs  *int             `json:"frequency_ms"`
	Heartbeat    *rawHeartbeat    `json:"heartbeat"`
	RegisterMaps []rawRegisterMap `json:"register_maps"`
}

type rawHeartbeat struct {
	Enabled       bool   `json:"enabled"`
	ReadDecodeRef string `json:"read_decode_ref"`
	WriteDecodeRef string `json:"write_decode_ref"`
	TimeoutMs     int    `json:"timeout_ms"`
}

type rawRegisterMap struct {
	RegType string      `json:"reg_type"`
	Decodes []rawDecode `json:"decodes"`
}

type rawDecode struct {
	ID     string `json:"id"`
	Offset int    `json:"offset"`
	Size   *int   `json:"size"`

	Scale float64 `json:"scale"`
	Shift int64   `json:"shift"`

	InvertMask string `json:"invert_mask"`
	CareMask   string `json:"care_mask"`

	StartingBitPos int `json:"starting_bit_pos"`
	NumberOfBits   int `json:"number_of_bits"`

	Signed           bool `json:"signed"`
	Float            bool `json:"float"`
	BitField         bool `json:"bit_field"`
	IndividualBits   bool `json:"individual_bits"`
	Enum             bool `json:"enum"`
	IndividualEnums  bool `json:"individual_enums"`
	EnumField        bool `json:"enum_field"`
	MultiWriteOpCode *bool `json:"multi_write_op_code"`

	DebounceMs *int `json:"debounce_ms"`

	BitStrings json.RawMessage `json:"bit_strings"`
}

// rawBitElem is one element of a positional bit_field/individual_bits
// bit_strings array: either null (Unknown/Ignored) or a string label.
type rawBitElem struct {
	isNull bool
	label  string
}

func (e *rawBitElem) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		e.isNull = true
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	e.label = s
	return nil
}

// rawEnumPair is one element of an enum's bit_strings array.
type rawEnumPair struct {
	Value  uint64 `json:"value"`
	String string `json:"string"`
}
