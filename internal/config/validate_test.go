package config

import (
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validDecode() string {
	return `{"id": "v", "offset": 0}`
}

// withTCPConnection wraps a tcp port value in a minimal document with one
// tcp connection and no components.
func withTCPConnection(body string) string {
	return `{"connection": {"tcp": {"ip": "10.0.0.1", "port": ` + body + `}}, "components": []}`
}

func TestTCPPortBoundary(t *testing.T) {
	tests := []struct {
		name    string
		port    string
		wantErr bool
	}{
		{"min valid", "1", false},
		{"max valid", "65535", false},
		{"zero rejected", "0", true},
		{"negative rejected", "-1", true},
		{"above max rejected", "65536", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(withTCPConnection(tt.port)))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func rtuFixture(baud, dataBits, stopBits int, parity string) string {
	return `{"connection": {"rtu": {"device": "/dev/ttyS0", "baud": ` +
		itoa(baud) + `, "data_bits": ` + itoa(dataBits) + `, "stop_bits": ` + itoa(stopBits) +
		`, "parity": "` + parity + `"}}, "components": []}`
}

func itoa(n int) string {
	return strconv.Itoa(n)
}

func TestRTUBoundaries(t *testing.T) {
	tests := []struct {
		name     string
		baud     int
		dataBits int
		stopBits int
		parity   string
		wantErr  bool
	}{
		{"valid 8N1", 9600, 8, 1, "N", false},
		{"valid 7E2", 19200, 7, 2, "E", false},
		{"baud zero rejected", 0, 8, 1, "N", true},
		{"baud negative rejected", -9600, 8, 1, "N", true},
		{"data_bits below range", 9600, 4, 1, "N", true},
		{"data_bits above range", 9600, 9, 1, "N", true},
		{"data_bits min valid", 9600, 5, 1, "N", false},
		{"data_bits max valid", 9600, 8, 1, "N", false},
		{"stop_bits invalid", 9600, 8, 3, "N", true},
		{"parity invalid", 9600, 8, 1, "X", true},
		{"parity odd valid", 9600, 8, 1, "O", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(rtuFixture(tt.baud, tt.dataBits, tt.stopBits, tt.parity)))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func connFixtureWithMaxConns(maxConns int) string {
	return `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}, "max_num_conns": ` + itoa(maxConns) + `}, "components": []}`
}

func TestMaxNumConnsBoundary(t *testing.T) {
	tests := []struct {
		name     string
		maxConns int
		wantErr  bool
	}{
		{"min valid", 1, false},
		{"max valid", 255, false},
		{"zero rejected", 0, true},
		{"above max rejected", 256, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(connFixtureWithMaxConns(tt.maxConns)))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func componentFixture(id string, deviceID, frequencyMs int) string {
	return `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "` + id + `", "device_id": ` + itoa(deviceID) + `, "frequency_ms": ` + itoa(frequencyMs) + `, "register_maps": [
			{"reg_type": "holding", "decodes": [` + validDecode() + `]}
		]}
	]}`
}

func TestComponentDeviceIDBoundary(t *testing.T) {
	tests := []struct {
		name     string
		deviceID int
		wantErr  bool
	}{
		{"min valid", 0, false},
		{"max valid", 255, false},
		{"below range", -1, true},
		{"above range", 256, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(componentFixture("c1", tt.deviceID, 1000)))
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestComponentFrequencyMsMustBePositive(t *testing.T) {
	_, err := Parse([]byte(componentFixture("c1", 1, 0)))
	assert.Error(t, err)

	_, err = Parse([]byte(componentFixture("c1", 1, -5)))
	assert.Error(t, err)

	_, err = Parse([]byte(componentFixture("c1", 1, 1)))
	assert.NoError(t, err)
}

func TestComponentIDForbiddenChars(t *testing.T) {
	for _, bad := range []string{"a/b", "a b", `a"b`, "a{b", "a}b", `a\b`, "a%b"} {
		t.Run(bad, func(t *testing.T) {
			_, err := Parse([]byte(componentFixture(bad, 1, 1000)))
			require.Error(t, err)
		})
	}
}

// idOnlyFixture uses an empty register_maps array so the derived-uri-length
// check (which also bounds id length indirectly) can't interfere with
// isolating the component id length boundary itself.
func idOnlyFixture(id string) string {
	return `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "` + id + `", "register_maps": []}
	]}`
}

func TestComponentIDLengthBoundary(t *testing.T) {
	long := make([]byte, 256)
	for i := range long {
		long[i] = 'a'
	}
	_, err := Parse([]byte(idOnlyFixture(string(long))))
	assert.Error(t, err)

	ok := make([]byte, 255)
	for i := range ok {
		ok[i] = 'a'
	}
	_, err = Parse([]byte(idOnlyFixture(string(ok))))
	assert.NoError(t, err)
}

func TestDuplicateComponentID(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "dup", "register_maps": [{"reg_type": "holding", "decodes": [` + validDecode() + `]}]},
		{"id": "dup", "register_maps": [{"reg_type": "holding", "decodes": [{"id": "v2", "offset": 1}]}]}
	]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate component id")
}

func TestDuplicateDecodeIDWithinComponent(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "c1", "register_maps": [
			{"reg_type": "holding", "decodes": [{"id": "v", "offset": 0}, {"id": "v", "offset": 1}]}
		]}
	]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate decode id")
}

func TestOverlappingDecodeEntriesRejected(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "c1", "register_maps": [
			{"reg_type": "holding", "decodes": [
				{"id": "a", "offset": 0, "size": 2},
				{"id": "b", "offset": 1}
			]}
		]}
	]}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestCoilSizeMustBeOne(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "c1", "register_maps": [
			{"reg_type": "coil", "decodes": [{"id": "a", "offset": 0, "size": 2}]}
		]}
	]}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestHoldingSizeMustBeOneTwoOrFour(t *testing.T) {
	for _, size := range []int{1, 2, 4} {
		t.Run(itoa(size), func(t *testing.T) {
			doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
				{"id": "c1", "register_maps": [
					{"reg_type": "holding", "decodes": [{"id": "a", "offset": 0, "size": ` + itoa(size) + `}]}
				]}
			]}`
			_, err := Parse([]byte(doc))
			assert.NoError(t, err)
		})
	}

	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "c1", "register_maps": [
			{"reg_type": "holding", "decodes": [{"id": "a", "offset": 0, "size": 3}]}
		]}
	]}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestHeartbeatTimeoutMustBeAtLeastFrequency(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "c1", "frequency_ms": 1000, "register_maps": [
			{"reg_type": "holding", "decodes": [{"id": "hb", "offset": 0}]}
		], "heartbeat": {"enabled": true, "read_decode_ref": "hb", "timeout_ms": 500}}
	]}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestHeartbeatUnknownReadRef(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "c1", "frequency_ms": 1000, "register_maps": [
			{"reg_type": "holding", "decodes": [{"id": "hb", "offset": 0}]}
		], "heartbeat": {"enabled": true, "read_decode_ref": "missing", "timeout_ms": 2000}}
	]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown decode id")
}

func TestRegisterMapSpanLimit(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}}, "components": [
		{"id": "c1", "register_maps": [
			{"reg_type": "holding", "decodes": [{"id": "a", "offset": 0}, {"id": "b", "offset": 200}]}
		]}
	]}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)
}

func TestTCPAndRTUMutuallyExclusive(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": 502}, "rtu": {"device": "/dev/ttyS0", "baud": 9600, "data_bits": 8, "stop_bits": 1, "parity": "N"}}, "components": []}`
	_, err := Parse([]byte(doc))
	assert.Error(t, err)

	doc = `{"connection": {}, "components": []}`
	_, err = Parse([]byte(doc))
	assert.Error(t, err)
}

func TestAccumulatesMultipleErrors(t *testing.T) {
	doc := `{"connection": {"tcp": {"ip": "10.0.0.1", "port": -1}}, "components": [
		{"id": "", "register_maps": []}
	]}`
	_, err := Parse([]byte(doc))
	require.Error(t, err)
	verrs, ok := err.(ValidationErrors)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(verrs), 2)
}
