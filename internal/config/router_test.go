package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const routerFixture = `{
  "connection": {"tcp": {"ip": "127.0.0.1", "port": 502}},
  "components": [
    {
      "id": "plc1",
      "register_maps": [
        {
          "reg_type": "holding",
          "decodes": [
            {
              "id": "alarms",
              "offset": 0,
              "individual_bits": true,
              "bit_strings": ["alarm_a", "alarm_b", null, "alarm_d"]
            },
            {"id": "setpoint", "offset": 1}
          ]
        }
      ]
    }
  ]
}`

// TestURITableIndividualBitsCompressesNulls verifies the router stores the
// compressed-array index into BitStrings (nulls dropped), not the raw bit
// position, matching buildPositionalBitStrings's own compression.
func TestURITableIndividualBitsCompressesNulls(t *testing.T) {
	cfg, err := Parse([]byte(routerFixture))
	require.NoError(t, err)

	refA, ok := cfg.URIs.Lookup("/components/plc1/alarm_a")
	require.True(t, ok)
	assert.Equal(t, 0, refA.BitIdx)

	refB, ok := cfg.URIs.Lookup("/components/plc1/alarm_b")
	require.True(t, ok)
	assert.Equal(t, 1, refB.BitIdx)

	// alarm_d is real bit 3, but its BitStrings slot is compressed index 2
	// since the null at bit 2 is dropped entirely.
	refD, ok := cfg.URIs.Lookup("/components/plc1/alarm_d")
	require.True(t, ok)
	assert.Equal(t, 2, refD.BitIdx)

	entry := cfg.Components[refD.ComponentIdx].Maps[refD.MapIdx].Decodes[refD.DecodeIdx]
	require.Len(t, entry.BitStrings, 3)
	assert.Equal(t, uint8(3), entry.BitStrings[refD.BitIdx].BeginBit, "compressed index 2 must resolve to the real bit position 3")
}

func TestURITableOrdinaryDecodeHasNoBitIdx(t *testing.T) {
	cfg, err := Parse([]byte(routerFixture))
	require.NoError(t, err)

	ref, ok := cfg.URIs.Lookup("/components/plc1/setpoint")
	require.True(t, ok)
	assert.Equal(t, 0, ref.MapIdx)
	assert.Equal(t, -1, ref.BitIdx)
}

func TestURITableComponentLevelRef(t *testing.T) {
	cfg, err := Parse([]byte(routerFixture))
	require.NoError(t, err)

	ref, ok := cfg.URIs.Lookup("/components/plc1")
	require.True(t, ok)
	assert.Equal(t, -1, ref.MapIdx)
	assert.Equal(t, -1, ref.DecodeIdx)
	assert.Equal(t, -1, ref.BitIdx)
}

func TestURITableUnknownURI(t *testing.T) {
	cfg, err := Parse([]byte(routerFixture))
	require.NoError(t, err)

	_, ok := cfg.URIs.Lookup("/components/does-not-exist")
	assert.False(t, ok)
}

func TestURITableLen(t *testing.T) {
	cfg, err := Parse([]byte(routerFixture))
	require.NoError(t, err)

	// plc1, alarm_a, alarm_b, alarm_d, setpoint.
	assert.Equal(t, 5, cfg.URIs.Len())
}
