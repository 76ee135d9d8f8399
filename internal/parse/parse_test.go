package parse

import (
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNodeIDFallbackOrder(t *testing.T) {
	tests := []struct {
		name string
		text string
		want Value
	}{
		{"bare line", "7\nDone\n", Value{Kind: KindNodeID, NodeID: 7}},
		{"crlf and ansi", "\x1b[32m\r\n 12 \r\nDone", Value{Kind: KindNodeID, NodeID: 12}},
		{"isolated by control bytes", "created\x08\x0819\x07", Value{Kind: KindNodeID, NodeID: 19}},
		{"marker", "Added router with nodeid=7\n", Value{Kind: KindNodeID, NodeID: 7}},
		{"marker with colon", "node created, NodeID: 42 ok", Value{Kind: KindNodeID, NodeID: 42}},
		{"bare line beats marker", "nodeid=3\n4\n", Value{Kind: KindNodeID, NodeID: 4}},
		{"nothing numeric", "Error: InvalidState\n", Absent()},
		{"empty", "", Absent()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, NodeID(tt.text, "nodeid="))
		})
	}
}

func TestNodeIDEmbeddedDigitsNeedMarker(t *testing.T) {
	assert.Equal(t, KindAbsent, NodeID("Error 7: InvalidArgs", "").Kind)
	assert.Equal(t, KindAbsent, NodeID("Error 7: InvalidArgs", "nodeid=").Kind)
}

func TestParseIsIdempotent(t *testing.T) {
	inputs := []string{
		"Added router with nodeid=7\n",
		"fd00::1\nfe80:0:0:0:a8b5:14f4:3c3b:4d53\n",
		"leader\nDone",
		"\xff\x00garbage",
		"32\nDone",
	}
	for _, in := range inputs {
		assert.Equal(t, NodeID(in, "nodeid="), NodeID(in, "nodeid="))
		assert.Equal(t, Address(in, nil), Address(in, nil))
		assert.Equal(t, RoleOf(in), RoleOf(in))
		assert.Equal(t, Speed.Parse(in), Speed.Parse(in))
		assert.Equal(t, EUI64(in), EUI64(in))
	}
}

const ipaddrReply = `fdde:ad00:beef:0:0:ff:fe00:fc00
fdde:ad00:beef:0:0:ff:fe00:5400
fdde:ad00:beef:0:6c2a:2f19:4b0e:d1a3
fe80:0:0:0:a8b5:14f4:3c3b:4d53
Done
`

func TestAddressPredicates(t *testing.T) {
	v := Address(ipaddrReply, NotContains("ff:fe00"))
	require.Equal(t, KindAddress, v.Kind)
	assert.Equal(t, "fdde:ad00:beef:0:6c2a:2f19:4b0e:d1a3", v.Address)

	v = Address(ipaddrReply, HasPrefix("fe80:"))
	assert.Equal(t, "fe80:0:0:0:a8b5:14f4:3c3b:4d53", v.Address)

	v = Address(ipaddrReply, All(HasPrefix("fdde"), NotContains("ff:fe00")))
	assert.Equal(t, "fdde:ad00:beef:0:6c2a:2f19:4b0e:d1a3", v.Address)

	// No address satisfies the predicate: fall back to the first match.
	v = Address(ipaddrReply, HasPrefix("2001:"))
	assert.Equal(t, "fdde:ad00:beef:0:0:ff:fe00:fc00", v.Address)

	assert.Len(t, Addresses(ipaddrReply), 4)
	assert.Equal(t, KindAbsent, Address("Done\n", nil).Kind)
}

func TestAddressIgnoresColonlessHexRuns(t *testing.T) {
	assert.Equal(t, KindAbsent, Address("18b4300000000002aabbccdd\n", nil).Kind)
}

func TestRoleOf(t *testing.T) {
	assert.Equal(t, RoleLeader, RoleOf("leader\nDone").Role)
	assert.Equal(t, RoleChild, RoleOf("\r\n  child \r\nDone").Role)

	v := RoleOf("disabled\nDone")
	assert.Equal(t, KindRole, v.Kind, "unknown is a value, not an absence")
	assert.Equal(t, RoleUnknown, v.Role)

	// Substrings do not count.
	assert.Equal(t, RoleUnknown, RoleOf("routerless").Role)
}

func TestSpeedDefaultsToOne(t *testing.T) {
	assert.Equal(t, 32.0, Speed.Parse("32\nDone").Numeric)
	assert.Equal(t, 4.0, Speed.Parse("speed=4").Numeric)
	assert.Equal(t, 0.5, Speed.Parse("speed: 0.5\nDone").Numeric)

	v := Speed.Parse("Error 35: InvalidCommand")
	assert.Equal(t, KindNumeric, v.Kind)
	assert.Equal(t, 1.0, v.Numeric)
	assert.False(t, Speed.Found("Error 35: InvalidCommand"))
	assert.True(t, Speed.Found("speed=4"))
}

func TestCustomNumericRule(t *testing.T) {
	rule := NumericRule{
		Name:     "rssi",
		Patterns: []*regexp.Regexp{regexp.MustCompile(`rssi=(-?[0-9]+)`)},
		Default:  -127,
	}
	assert.Equal(t, -40.0, rule.Parse("rssi=-40").Numeric)
	assert.Equal(t, -127.0, rule.Parse("nothing").Numeric)
}

func TestEUI64(t *testing.T) {
	v := EUI64("18B4300000000002\nDone\n")
	require.Equal(t, KindEUI64, v.Kind)
	assert.Equal(t, "18b4300000000002", v.EUI64)

	assert.Equal(t, KindAbsent, EUI64("18b43000\nDone").Kind)
}

func TestDelays(t *testing.T) {
	out := "ping 1 fdde:ad00:beef:0:6c2a:2f19:4b0e:d1a3 4 delay=12.5ms\n" +
		"ping 1 fdde:ad00:beef:0:6c2a:2f19:4b0e:d1a3 4 delay=9ms\nDone"
	assert.Equal(t, []float64{12.5, 9}, Delays(out))
	assert.Equal(t, 9.0, LastDelay(out).Numeric)
	assert.Equal(t, KindAbsent, LastDelay("Done").Kind)
}

func TestMarkers(t *testing.T) {
	assert.True(t, ResourceExhausted("Error 3: NoBufs"))
	assert.False(t, ResourceExhausted("Done"))
	assert.True(t, JoinSucceeded("\r\nJoin success\r\n"))

	line, ok := Failed("Error 7: InvalidArgs\n")
	assert.True(t, ok)
	assert.Equal(t, "Error 7: InvalidArgs", line)
	_, ok = Failed("Done")
	assert.False(t, ok)
}

func TestDisplay(t *testing.T) {
	assert.Equal(t, "<absent>", Display(Absent()))
	assert.Equal(t, "7", Display(Value{Kind: KindNodeID, NodeID: 7}))
	assert.Equal(t, "1.5", Display(Value{Kind: KindNumeric, Numeric: 1.5}))
}
