package config

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/modbusgw/gateway/internal/arena"
	"github.com/modbusgw/gateway/internal/decode"
)

const maxRegistersPerBatch = 125

// forbiddenIDChars mirrors §3's "forbidden chars {}\/ \"%" for component ids.
const forbiddenIDChars = "{}\\/ \"%"

// Parse validates raw JSON bytes against the schema (§6) and builds an
// immutable Config. On any validation failure it returns a
// ValidationErrors (possibly with more than one entry — validation keeps
// going after the first problem so a single run reports everything wrong
// with the document, not just the first mistake) and a nil Config.
func Parse(raw []byte) (*Config, error) {
	var rr rawRoot
	if err := json.Unmarshal(raw, &rr); err != nil {
		return nil, ValidationErrors{{ComponentIdx: -1, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Message: fmt.Sprintf("syntactic parse failure: %v", err)}}
	}
	return build(&rr)
}

type builder struct {
	errs   ValidationErrors
	strs   *arena.StringTable
	connDef Connection
}

func (b *builder) fail(e *FieldError) {
	b.errs = append(b.errs, e)
}

func build(rr *rawRoot) (*Config, error) {
	budget := estimateStringBudget(rr)
	b := &builder{strs: arena.NewStringTable(budget)}

	conn := b.buildConnection(&rr.Connection)
	b.connDef = conn

	components := make([]Component, 0, len(rr.Components))
	seenIDs := make(map[string]bool, len(rr.Components))
	totalMaps := 0

	for ci, rc := range rr.Components {
		comp, ok := b.buildComponent(ci, &rc, conn)
		if ok {
			if seenIDs[rc.ID] {
				b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "id", Message: "duplicate component id"})
			}
			seenIDs[rc.ID] = true
			totalMaps += len(comp.Maps)
			components = append(components, comp)
		}
	}

	for _, e := range b.errs {
		if !e.IsWarning() {
			return nil, b.errs
		}
	}

	conn.MaxNumConns = effectiveMaxConns(conn.MaxNumConns, totalMaps)

	cfg := &Config{
		Connection:   conn,
		Components:   components,
		Strings:      b.strs,
		Generation:   uuid.NewString(),
		TotalNumMaps: totalMaps,
	}
	cfg.URIs = buildURITable(cfg)
	cfg.Strings.Freeze()
	return cfg, nil
}

// estimateStringBudget sizes the arena before any interning happens, per
// §9 ("sized from a pre-computed byte budget derived from the config
// before any allocation occurs"). Generous rather than exact: a byte over
// or under costs nothing since the arena grows on demand anyway, but
// computing a real estimate keeps the common case allocation-free.
func estimateStringBudget(rr *rawRoot) int {
	n := 64 // connection name headroom
	for _, c := range rr.Components {
		n += len(c.ID) + 16
		for _, m := range c.RegisterMaps {
			for _, d := range m.Decodes {
				n += len(d.ID) + 16
				n += 32 * estimateBitStringCount(d.BitStrings)
			}
		}
	}
	return n
}

func estimateBitStringCount(raw json.RawMessage) int {
	if len(raw) == 0 {
		return 0
	}
	var arr []json.RawMessage
	if err := json.Unmarshal(raw, &arr); err != nil {
		return 0
	}
	return len(arr)
}

func (b *builder) buildConnection(rc *rawConnection) Connection {
	var conn Connection

	tcp, rtu := rc.TCP != nil, rc.RTU != nil
	switch {
	case tcp && rtu:
		b.fail(newFieldError("connection must have exactly one of tcp/rtu, not both"))
	case !tcp && !rtu:
		b.fail(newFieldError("connection must have exactly one of tcp/rtu"))
	case tcp:
		conn.Kind = TransportTCP
		conn.TCP = TCPParams{IP: rc.TCP.IP, Port: rc.TCP.Port}
		if rc.TCP.IP == "" {
			b.fail(newFieldError("tcp.ip is required"))
		}
		if rc.TCP.Port <= 0 || rc.TCP.Port > 65535 {
			b.fail(newFieldError(fmt.Sprintf("tcp.port %d out of range [1,65535]", rc.TCP.Port)))
		}
	case rtu:
		conn.Kind = TransportRTU
		p := ParityNone
		if up := strings.ToUpper(rc.RTU.Parity); len(up) == 1 {
			p = Parity(up[0])
		} else if up != "" {
			p = 0
		}
		if p != ParityNone && p != ParityEven && p != ParityOdd {
			b.fail(newFieldError(fmt.Sprintf("rtu.parity %q must be one of N,E,O", rc.RTU.Parity)))
		}
		if rc.RTU.Baud <= 0 {
			b.fail(newFieldError("rtu.baud must be > 0"))
		}
		if rc.RTU.DataBits < 5 || rc.RTU.DataBits > 8 {
			b.fail(newFieldError(fmt.Sprintf("rtu.data_bits %d out of range [5,8]", rc.RTU.DataBits)))
		}
		if rc.RTU.StopBits != 1 && rc.RTU.StopBits != 2 {
			b.fail(newFieldError(fmt.Sprintf("rtu.stop_bits %d must be 1 or 2", rc.RTU.StopBits)))
		}
		conn.RTU = RTUParams{Device: rc.RTU.Device, Baud: rc.RTU.Baud, Parity: p, DataBits: rc.RTU.DataBits, StopBits: rc.RTU.StopBits}
		if rc.RTU.Device == "" {
			b.fail(newFieldError("rtu.device is required"))
		}
	}

	conn.MaxNumConns = 1
	if rc.MaxNumConns != nil {
		conn.MaxNumConns = *rc.MaxNumConns
	}
	if conn.MaxNumConns < 1 || conn.MaxNumConns > 255 {
		b.fail(newFieldError(fmt.Sprintf("max_num_conns %d out of range [1,255]", conn.MaxNumConns)))
	}

	conn.OffByOne = boolDefault(rc.OffByOne, false)
	conn.WordSwap = boolDefault(rc.WordSwap, false)
	conn.MultiWriteOpCode = boolDefault(rc.MultiWriteOpCode, false)
	conn.FrequencyMs = intDefault(rc.FrequencyMs, 1000)
	conn.DeviceID = intDefault(rc.DeviceID, 1)
	conn.DebounceMs = intDefault(rc.DebounceMs, 0)

	if conn.DeviceID < 0 || conn.DeviceID > 255 {
		b.fail(newFieldError(fmt.Sprintf("device_id %d out of range [0,255]", conn.DeviceID)))
	}

	return conn
}

func boolDefault(p *bool, def bool) bool {
	if p == nil {
		return def
	}
	return *p
}

func intDefault(p *int, def int) int {
	if p == nil {
		return def
	}
	return *p
}

func effectiveMaxConns(maxNumConns, totalMaps int) int {
	if totalMaps < 1 {
		totalMaps = 1
	}
	if maxNumConns > totalMaps {
		return totalMaps
	}
	return maxNumConns
}

func (b *builder) buildComponent(ci int, rc *rawComponent, conn Connection) (Component, bool) {
	ok := true

	if rc.ID == "" {
		b.fail(&FieldError{ComponentIdx: ci, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "id", Message: "component id is required"})
		ok = false
	} else {
		if len(rc.ID) > 255 {
			b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "id", Message: "component id exceeds 255 characters"})
			ok = false
		}
		if strings.ContainsAny(rc.ID, forbiddenIDChars) {
			b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "id", Message: fmt.Sprintf("component id contains a forbidden character (one of %q)", forbiddenIDChars)})
			ok = false
		}
	}

	comp := Component{
		DeviceID:    intDefault(rc.DeviceID, conn.DeviceID),
		FrequencyMs: intDefault(rc.FrequencyMs, conn.FrequencyMs),
	}
	if comp.FrequencyMs <= 0 {
		b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "frequency_ms", Message: "frequency_ms must be > 0"})
		ok = false
	}
	if comp.DeviceID < 0 || comp.DeviceID > 255 {
		b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "device_id", Message: "device_id out of range [0,255]"})
		ok = false
	}

	decodeIDToRef := make(map[string][2]int) // id -> [mapIdx, decodeIdx]
	maps := make([]RegisterMap, 0, len(rc.RegisterMaps))
	for mi, rm := range rc.RegisterMaps {
		regType, rtOK := parseRegType(rm.RegType)
		if !rtOK {
			b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: mi, RegisterType: rm.RegType, DecodeIdx: -1, BitStringsIdx: -1, Key: "reg_type", Message: "reg_type must be one of holding,input,coil,discrete_input"})
			ok = false
			continue
		}

		regMap, mapOK := b.buildRegisterMap(ci, rc.ID, mi, regType, rm, conn)
		if !mapOK {
			ok = false
			continue
		}

		for di := range regMap.Decodes {
			d := &regMap.Decodes[di]
			id := b.strs.String(d.IDH)
			if !d.IndividualBits {
				if _, dup := decodeIDToRef[id]; dup {
					b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: mi, RegisterType: rm.RegType, DecodeIdx: di, DecodeID: id, BitStringsIdx: -1, Key: "id", Message: "duplicate decode id within component"})
					ok = false
				}
				decodeIDToRef[id] = [2]int{len(maps), di}
			}
		}

		maps = append(maps, regMap)
	}
	comp.Maps = maps

	uriBase := fmt.Sprintf("/components/%s/", rc.ID)
	for _, m := range maps {
		for _, d := range m.Decodes {
			if d.IndividualBits {
				continue
			}
			full := uriBase + b.strs.String(d.IDH)
			if len(full) > 255 {
				b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, DecodeIdx: -1, RegisterIdx: -1, BitStringsIdx: -1, Key: "id", Message: fmt.Sprintf("derived uri %q exceeds 255 characters", full)})
				ok = false
			}
		}
	}

	if rc.Heartbeat != nil && rc.Heartbeat.Enabled {
		hb := &HeartbeatSpec{Enabled: true, TimeoutMs: rc.Heartbeat.TimeoutMs}
		if ref, found := decodeIDToRef[rc.Heartbeat.ReadDecodeRef]; found {
			hb.ReadMapIdx, hb.ReadDecodeIdx = ref[0], ref[1]
		} else {
			b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "heartbeat.read_decode_ref", Message: fmt.Sprintf("unknown decode id %q", rc.Heartbeat.ReadDecodeRef)})
			ok = false
		}
		if rc.Heartbeat.WriteDecodeRef != "" {
			if ref, found := decodeIDToRef[rc.Heartbeat.WriteDecodeRef]; found {
				hb.HasWrite = true
				hb.WriteMapIdx, hb.WriteDecodeIdx = ref[0], ref[1]
			} else {
				b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "heartbeat.write_decode_ref", Message: fmt.Sprintf("unknown decode id %q", rc.Heartbeat.WriteDecodeRef)})
				ok = false
			}
		}
		if hb.TimeoutMs < comp.FrequencyMs {
			b.fail(&FieldError{ComponentIdx: ci, ComponentID: rc.ID, RegisterIdx: -1, DecodeIdx: -1, BitStringsIdx: -1, Key: "heartbeat.timeout_ms", Message: "heartbeat timeout_ms must be >= frequency_ms"})
			ok = false
		} else if hb.TimeoutMs < 2*comp.FrequencyMs {
			// Warning only, not fatal — §8 Boundary behaviors.
			b.fail(newWarning(fmt.Sprintf("component %q: heartbeat timeout_ms < 2x frequency_ms, liveness detection may be noisy", rc.ID)))
		}
		comp.Heartbeat = hb
	}

	if !ok {
		return Component{}, false
	}

	comp.IDH = b.strs.Intern(rc.ID)
	return comp, true
}

// warnings are appended to the same slice as fatal errors but are never
// fatal: Parse fails only when the slice holds at least one non-warning
// entry, and then returns the warnings along with the errors. A document
// whose only findings are warnings parses successfully and the warnings
// are not returned. They carry a Key of "" and a recognizable message
// prefix so callers that want to filter them can.
const warningPrefix = "warning: "

func newWarning(msg string) *FieldError {
	e := newFieldError(warningPrefix + msg)
	return e
}

// IsWarning reports whether a FieldError is advisory rather than fatal.
func (e *FieldError) IsWarning() bool {
	return strings.HasPrefix(e.Message, warningPrefix)
}

func parseRegType(s string) (decode.RegType, bool) {
	switch s {
	case "holding":
		return decode.Holding, true
	case "input":
		return decode.Input, true
	case "coil":
		return decode.Coil, true
	case "discrete_input":
		return decode.DiscreteInput, true
	default:
		return 0, false
	}
}

func (b *builder) buildRegisterMap(ci int, compID string, mi int, regType decode.RegType, rm rawRegisterMap, conn Connection) (RegisterMap, bool) {
	ok := true
	entries := make([]DecodeEntry, 0, len(rm.Decodes))

	for di, rd := range rm.Decodes {
		entry, entryOK := b.buildDecodeEntry(ci, compID, mi, rm.RegType, di, rd, regType, conn)
		if !entryOK {
			ok = false
			continue
		}
		entries = append(entries, entry)
	}
	if !ok {
		return RegisterMap{}, false
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].Offset < entries[j].Offset })

	for i := 1; i < len(entries); i++ {
		prevEnd := int(entries[i-1].Offset) + entries[i-1].Spec.Size
		if int(entries[i].Offset) < prevEnd {
			b.fail(&FieldError{ComponentIdx: ci, ComponentID: compID, RegisterIdx: mi, RegisterType: rm.RegType, DecodeIdx: i, BitStringsIdx: -1, Message: "decode entries overlap within register map"})
			ok = false
		}
	}

	numBitStrArrays := 0
	for _, e := range entries {
		if e.Spec.BitString {
			numBitStrArrays++
		}
	}

	regMap := RegisterMap{RegType: regType, Decodes: entries, NumBitStrArrays: numBitStrArrays}
	if len(entries) > 0 {
		first, last := entries[0], entries[len(entries)-1]
		regMap.StartOffset = first.Offset
		span := (int(last.Offset) + last.Spec.Size) - int(first.Offset)
		if span > maxRegistersPerBatch {
			b.fail(&FieldError{ComponentIdx: ci, ComponentID: compID, RegisterIdx: mi, RegisterType: rm.RegType, DecodeIdx: -1, BitStringsIdx: -1, Message: fmt.Sprintf("register map spans %d registers, exceeds the %d maximum", span, maxRegistersPerBatch)})
			ok = false
		}
		regMap.NumRegisters = uint16(span)
	}

	if !ok {
		return RegisterMap{}, false
	}
	return regMap, true
}

func (b *builder) buildDecodeEntry(ci int, compID string, mi int, regTypeStr string, di int, rd rawDecode, regType decode.RegType, conn Connection) (DecodeEntry, bool) {
	ok := true
	loc := func() *FieldError {
		return &FieldError{ComponentIdx: ci, ComponentID: compID, RegisterIdx: mi, RegisterType: regTypeStr, DecodeIdx: di, DecodeID: rd.ID, BitStringsIdx: -1}
	}

	if rd.ID == "" {
		e := loc()
		e.Key, e.Message = "id", "decode id is required"
		b.fail(e)
		ok = false
	}

	size := 1
	if regType == decode.Holding || regType == decode.Input {
		size = intDefault(rd.Size, 1)
		if size != 1 && size != 2 && size != 4 {
			e := loc()
			e.Key, e.Message = "size", "size must be 1, 2, or 4"
			b.fail(e)
			ok = false
		}
	} else if rd.Size != nil && *rd.Size != 1 {
		e := loc()
		e.Key, e.Message = "size", "size must be 1 for coil/discrete_input"
		b.fail(e)
		ok = false
	}

	offset := rd.Offset
	if conn.OffByOne {
		offset--
	}
	if offset < 0 {
		e := loc()
		e.Key, e.Message = "offset", "offset underflows below zero after off_by_one adjustment"
		b.fail(e)
		ok = false
	}
	if offset+size > 65536 {
		e := loc()
		e.Key, e.Message = "offset", "offset+size exceeds the 65536 address space"
		b.fail(e)
		ok = false
	}

	isBitStringKind := rd.BitField || rd.IndividualBits || rd.Enum
	exclusiveCount := boolToInt(rd.BitField) + boolToInt(rd.IndividualBits) + boolToInt(rd.Enum)
	if exclusiveCount > 1 {
		e := loc()
		e.Message = "at most one of bit_field, individual_bits, enum may be set"
		b.fail(e)
		ok = false
	}
	if rd.Signed && rd.Float {
		e := loc()
		e.Message = "signed and float are mutually exclusive"
		b.fail(e)
		ok = false
	}
	if rd.Float && (size != 2 && size != 4) {
		e := loc()
		e.Key, e.Message = "float", "float requires size 2 or 4"
		b.fail(e)
		ok = false
	}
	if rd.Float && rd.StartingBitPos != 0 {
		e := loc()
		e.Key, e.Message = "starting_bit_pos", "float requires starting_bit_pos 0"
		b.fail(e)
		ok = false
	}
	if isBitStringKind {
		if rd.Signed || rd.Float {
			e := loc()
			e.Message = "bit-string decode entries forbid signed/float"
			b.fail(e)
			ok = false
		}
		if rd.Scale != 0 || rd.Shift != 0 {
			e := loc()
			e.Message = "bit-string decode entries forbid non-zero scale/shift"
			b.fail(e)
			ok = false
		}
	}
	if rd.IndividualEnums || rd.EnumField {
		e := loc()
		e.Message = "individual_enums/enum_field are not implemented"
		b.fail(e)
		ok = false
	}

	bitsTotal := size * 16
	boundsMask := maskOfWidth(bitsTotal)

	careMask := boundsMask
	if rd.CareMask != "" {
		m, err := parseMask(rd.CareMask, boundsMask)
		if err != nil {
			e := loc()
			e.Key, e.Message = "care_mask", err.Error()
			b.fail(e)
			ok = false
		} else {
			careMask = m
		}
	}
	invertMask := uint64(0)
	if rd.InvertMask != "" {
		m, err := parseMask(rd.InvertMask, boundsMask)
		if err != nil {
			e := loc()
			e.Key, e.Message = "invert_mask", err.Error()
			b.fail(e)
			ok = false
		} else {
			invertMask = m
		}
	}

	if !ok {
		return DecodeEntry{}, false
	}

	spec := decode.Spec{
		RegType:          regType,
		Size:             size,
		WordSwap:         conn.WordSwap,
		CareMask:         careMask,
		InvertMask:       invertMask,
		Scale:            rd.Scale,
		Shift:            rd.Shift,
		StartingBitPos:   uint8(rd.StartingBitPos),
		NumberOfBits:     uint8(rd.NumberOfBits),
		SignedFlag:       rd.Signed,
		FloatFlag:        rd.Float,
		BitString:        isBitStringKind,
		MultiWriteOpCode: boolDefault(rd.MultiWriteOpCode, conn.MultiWriteOpCode),
	}

	entry := DecodeEntry{
		IDH:            b.strs.Intern(rd.ID),
		Offset:         uint16(offset),
		Spec:           spec,
		IndividualBits: rd.IndividualBits,
		BitField:       rd.BitField,
		Enum:           rd.Enum,
		DebounceMs:     intDefault(rd.DebounceMs, conn.DebounceMs),
	}

	if isBitStringKind {
		bitStrings, bsOK := b.buildBitStrings(loc, rd, bitsTotal)
		if !bsOK {
			return DecodeEntry{}, false
		}
		entry.BitStrings = bitStrings
	}

	return entry, true
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// maskOfWidth returns a mask with the low `bits` bits set, correctly
// producing all-ones for bits==64 (shifting by 64 wraps to a no-op shift in
// Go's defined unsigned-shift semantics, which combined with the -1
// underflow yields 0xFFFF...FFFF).
func maskOfWidth(bits int) uint64 {
	if bits >= 64 {
		return ^uint64(0)
	}
	return (uint64(1) << uint(bits)) - 1
}

func parseMask(s string, boundsMask uint64) (uint64, error) {
	if len(s) < 3 {
		return 0, fmt.Errorf("mask %q must be more than two characters and begin with 0x or 0b", s)
	}
	prefix, digits := s[:2], s[2:]
	var v uint64
	var err error
	switch prefix {
	case "0x":
		v, err = strconv.ParseUint(digits, 16, 64)
	case "0b":
		v, err = strconv.ParseUint(digits, 2, 64)
	default:
		return 0, fmt.Errorf("mask %q must begin with 0x or 0b", s)
	}
	if err != nil {
		return 0, fmt.Errorf("mask %q is not valid: %w", s, err)
	}
	if v&^boundsMask != 0 {
		return 0, fmt.Errorf("mask %q goes outside of bounds", s)
	}
	return v, nil
}

func (b *builder) buildBitStrings(loc func() *FieldError, rd rawDecode, bitsTotal int) ([]BitString, bool) {
	if len(rd.BitStrings) == 0 {
		e := loc()
		e.Key, e.Message = "bit_strings", "bit_strings is required for bit_field/individual_bits/enum"
		b.fail(e)
		return nil, false
	}

	if rd.Enum {
		return b.buildEnumBitStrings(loc, rd, bitsTotal)
	}
	return b.buildPositionalBitStrings(loc, rd, bitsTotal)
}

func (b *builder) buildEnumBitStrings(loc func() *FieldError, rd rawDecode, bitsTotal int) ([]BitString, bool) {
	var pairs []rawEnumPair
	if err := json.Unmarshal(rd.BitStrings, &pairs); err != nil {
		e := loc()
		e.Key, e.Message = "bit_strings", fmt.Sprintf("enum bit_strings must be an array of {value,string}: %v", err)
		b.fail(e)
		return nil, false
	}

	ok := true
	maxVal := maskOfWidth(bitsTotal)
	seen := make(map[uint64]bool, len(pairs))
	out := make([]BitString, 0, len(pairs))
	lastVal := uint64(0)
	for i, p := range pairs {
		if p.Value > maxVal {
			e := loc()
			e.BitStringsIdx, e.Key, e.Message = i, "value", "enum value exceeds size*16 bits"
			b.fail(e)
			ok = false
			continue
		}
		if seen[p.Value] {
			e := loc()
			e.BitStringsIdx, e.Key, e.Message = i, "value", "duplicate enum value"
			b.fail(e)
			ok = false
			continue
		}
		if i > 0 && p.Value < lastVal {
			e := loc()
			e.BitStringsIdx, e.Key, e.Message = i, "value", "enum values must be sorted ascending"
			b.fail(e)
			ok = false
			continue
		}
		seen[p.Value] = true
		lastVal = p.Value
		out = append(out, BitString{Kind: BitKnown, LabelH: b.strs.Intern(p.String), EnumValue: p.Value})
	}
	if !ok {
		return nil, false
	}
	return out, true
}

func (b *builder) buildPositionalBitStrings(loc func() *FieldError, rd rawDecode, bitsTotal int) ([]BitString, bool) {
	var elems []rawBitElem
	if err := json.Unmarshal(rd.BitStrings, &elems); err != nil {
		e := loc()
		e.Key, e.Message = "bit_strings", fmt.Sprintf("bit_strings must be an array of strings/null: %v", err)
		b.fail(e)
		return nil, false
	}
	if len(elems) > bitsTotal {
		e := loc()
		e.Key, e.Message = "bit_strings", fmt.Sprintf("bit_strings has %d entries, exceeds %d bits available", len(elems), bitsTotal)
		b.fail(e)
		return nil, false
	}

	if rd.IndividualBits {
		seen := make(map[string]bool, len(elems))
		out := make([]BitString, 0, len(elems))
		ok := true
		for i, el := range elems {
			if el.isNull {
				continue
			}
			if seen[el.label] {
				e := loc()
				e.BitStringsIdx, e.Key, e.Message = i, "bit_strings", fmt.Sprintf("duplicate individual_bits label %q", el.label)
				b.fail(e)
				ok = false
				continue
			}
			seen[el.label] = true
			out = append(out, BitString{BeginBit: uint8(i), EndBit: uint8(i), Kind: BitKnown, LabelH: b.strs.Intern(el.label)})
		}
		if !ok {
			return nil, false
		}
		return out, true
	}

	// bit_field: compress contiguous runs of equal (null-ness, label) into
	// one range each, per §3 "bits span contiguous ranges (null ⇒ Unknown)".
	out := make([]BitString, 0, len(elems))
	i := 0
	for i < len(elems) {
		j := i + 1
		for j < len(elems) && elems[j].isNull == elems[i].isNull && elems[j].label == elems[i].label {
			j++
		}
		bs := BitString{BeginBit: uint8(i), EndBit: uint8(j - 1)}
		if elems[i].isNull {
			bs.Kind = BitUnknown
		} else {
			bs.Kind = BitKnown
			bs.LabelH = b.strs.Intern(elems[i].label)
		}
		out = append(out, bs)
		i = j
	}
	return out, true
}
