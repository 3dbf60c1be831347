package decode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDecodeEncodeRoundTrip exercises §4.1/§4.2's composeRaw/splitRaw pair
// across size x word_swap x signed x float combinations: encoding a value
// then decoding it back must reproduce the same typed value.
func TestDecodeEncodeRoundTrip(t *testing.T) {
	tests := []struct {
		name     string
		spec     Spec
		value    Value
		wantKind Kind
	}{
		{"uint16 plain", Spec{Size: 1, CareMask: 0xFFFF}, Unsigned(0x1234), KindUnsigned},
		{"uint16 word_swap noop", Spec{Size: 1, WordSwap: true, CareMask: 0xFFFF}, Unsigned(0xBEEF), KindUnsigned},
		{"uint32 no swap", Spec{Size: 2, CareMask: 0xFFFFFFFF}, Unsigned(0xDEADBEEF), KindUnsigned},
		{"uint32 word_swap", Spec{Size: 2, WordSwap: true, CareMask: 0xFFFFFFFF}, Unsigned(0x0102CAFE), KindUnsigned},
		{"uint64 no swap", Spec{Size: 4, CareMask: 0xFFFFFFFFFFFFFFFF}, Unsigned(0x0102030405060708), KindUnsigned},
		{"uint64 word_swap", Spec{Size: 4, WordSwap: true, CareMask: 0xFFFFFFFFFFFFFFFF}, Unsigned(0x0102030405060708), KindUnsigned},
		{"signed16", Spec{Size: 1, SignedFlag: true, CareMask: 0xFFFF}, Signed(-100), KindSigned},
		{"signed16 word_swap", Spec{Size: 1, WordSwap: true, SignedFlag: true, CareMask: 0xFFFF}, Signed(-1), KindSigned},
		{"signed32", Spec{Size: 2, SignedFlag: true, CareMask: 0xFFFFFFFF}, Signed(-70000), KindSigned},
		{"signed32 word_swap", Spec{Size: 2, WordSwap: true, SignedFlag: true, CareMask: 0xFFFFFFFF}, Signed(-70000), KindSigned},
		{"float32", Spec{Size: 2, FloatFlag: true, CareMask: 0xFFFFFFFF}, Float(3.25), KindFloat},
		{"float32 word_swap", Spec{Size: 2, WordSwap: true, FloatFlag: true, CareMask: 0xFFFFFFFF}, Float(-12.5), KindFloat},
		{"float64", Spec{Size: 4, FloatFlag: true, CareMask: 0xFFFFFFFFFFFFFFFF}, Float(2.718281828), KindFloat},
		{"float64 word_swap", Spec{Size: 4, WordSwap: true, FloatFlag: true, CareMask: 0xFFFFFFFFFFFFFFFF}, Float(-0.0009765625), KindFloat},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			words := Encode(tt.value, tt.spec, IdxNone, nil)
			require.Len(t, words, tt.spec.Size)

			got, _ := Decode(words, tt.spec)
			require.Equal(t, tt.wantKind, got.Kind)

			switch tt.wantKind {
			case KindUnsigned:
				assert.Equal(t, tt.value.U64, got.U64)
			case KindSigned:
				assert.Equal(t, tt.value.I64, got.I64)
			case KindFloat:
				assert.InDelta(t, tt.value.F64, got.F64, 1e-6)
			}
		})
	}
}

func TestComposeSplitRawWordSwap(t *testing.T) {
	words := []uint16{0x1111, 0x2222, 0x3333, 0x4444}

	noSwap := composeRaw(words, false)
	assert.Equal(t, uint64(0x1111222233334444), noSwap)

	swapped := composeRaw(words, true)
	assert.Equal(t, uint64(0x4444333322221111), swapped)

	assert.Equal(t, words, splitRaw(noSwap, 4, false))
	assert.Equal(t, words, splitRaw(swapped, 4, true))
}

func TestDecodeHoldingCareMaskAndInvert(t *testing.T) {
	spec := Spec{RegType: Holding, Size: 1, CareMask: 0x00FF, InvertMask: 0x00AA}
	val, raw := Decode([]uint16{0x1234}, spec)

	// care_mask keeps only the low byte (0x34), invert_mask XORs it.
	assert.Equal(t, uint64(0x34^0xAA), raw)
	assert.Equal(t, uint64(0x34^0xAA), val.U64)
}

func TestDecodeInputIgnoresCareMask(t *testing.T) {
	spec := Spec{RegType: Input, Size: 1, CareMask: 0x00FF, InvertMask: 0xFFFF}
	_, raw := Decode([]uint16{0x1234}, spec)

	// care_mask/invert_mask are Holding-only (§4.1 step 2).
	assert.Equal(t, uint64(0x1234), raw)
}

func TestDecodeShiftAndScale(t *testing.T) {
	spec := Spec{Size: 1, CareMask: 0xFFFF, Shift: 10, Scale: 0.5}
	val, _ := Decode([]uint16{100}, spec)

	require.Equal(t, KindFloat, val.Kind)
	assert.InDelta(t, 55.0, val.F64, 1e-9)
}

func TestDecodeSignExtension(t *testing.T) {
	spec := Spec{Size: 1, SignedFlag: true, CareMask: 0xFFFF}
	val, _ := Decode([]uint16{0xFFFF}, spec)

	require.Equal(t, KindSigned, val.Kind)
	assert.Equal(t, int64(-1), val.I64)
}

func TestEncodeIndividualBitsSetsLiteralBitPosition(t *testing.T) {
	spec := Spec{BitString: true, Size: 1, CareMask: 0xFFFF}
	prev := uint64(0b0000)

	words := Encode(Unsigned(1), spec, 3, &prev)
	raw := composeRaw(words, false)
	assert.Equal(t, uint64(0b1000), raw, "Encode's bitIdx is a literal bit position, not a compressed-array index")

	prev = 0b1111
	words = Encode(Unsigned(0), spec, 1, &prev)
	raw = composeRaw(words, false)
	assert.Equal(t, uint64(0b1101), raw)
}

func TestEncodePreservesBitsOutsideCareMask(t *testing.T) {
	spec := Spec{Size: 1, CareMask: 0x00FF}
	prev := uint64(0xBE34)

	words := Encode(Unsigned(0x12), spec, IdxNone, &prev)
	raw := composeRaw(words, false)
	assert.Equal(t, uint64(0xBE12), raw)
}

// IdxNone mirrors the IdxAll sentinel the rest of the codebase passes when
// a target isn't an individual_bits entry, without importing the work
// package here (decode must not depend on it).
const IdxNone = -1
