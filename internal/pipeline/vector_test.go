package pipeline

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/tracel/backend/internal/core"
)

func observed(h *history, ev core.RawEvent) string {
	h.observe(ev)
	return h.vector(ev)
}

func tcpEvent(dst, method string, port int, bytes int64) core.RawEvent {
	return core.RawEvent{
		SourceIP:      "23.94.1.5",
		DestinationIP: dst,
		Method:        method,
		Protocol:      core.ProtocolTCP,
		DstPort:       port,
		Bytes:         bytes,
	}
}

func TestVolumetricOutranksOtherRules(t *testing.T) {
	h := &history{}
	// Oversized AND an odd port: the byte rule wins.
	ev := tcpEvent("10.20.0.11", "POST", 6667, 8192)
	assert.Equal(t, core.VectorVolumetric, observed(h, ev))
}

func TestVolumetricBoundaryIsExclusive(t *testing.T) {
	h := &history{}
	ev := tcpEvent("10.20.0.11", "POST", 6667, 4096)
	// Exactly 4096 bytes is not volumetric; the odd pair still fires.
	assert.Equal(t, core.VectorProtocol, observed(h, ev))
}

func TestProtocolRuleFlagsOddPairs(t *testing.T) {
	cases := []struct {
		name     string
		protocol string
		port     int
		want     string
	}{
		{"tcp irc", core.ProtocolTCP, 6667, core.VectorProtocol},
		{"udp tftp", core.ProtocolUDP, 69, core.VectorProtocol},
		{"icmp nonzero", core.ProtocolICMP, 8, core.VectorProtocol},
		{"unknown protocol", "GRE", 0, core.VectorProtocol},
		{"tcp https", core.ProtocolTCP, 443, ""},
		{"tcp ssh", core.ProtocolTCP, 22, ""},
		{"udp dns", core.ProtocolUDP, 53, ""},
		{"icmp zero", core.ProtocolICMP, 0, ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := &history{}
			ev := core.RawEvent{
				DestinationIP: "10.20.0.11",
				Method:        "PUT", // not GET/POST, so Application stays out of the way
				Protocol:      tc.protocol,
				DstPort:       tc.port,
				Bytes:         512,
			}
			assert.Equal(t, tc.want, observed(h, ev))
		})
	}
}

func TestApplicationRuleNeedsTenRepeats(t *testing.T) {
	h := &history{}
	for i := 0; i < 9; i++ {
		h.observe(tcpEvent("10.20.0.11", "GET", 443, 400))
	}

	// The 10th same-destination request tips the rule.
	ev := tcpEvent("10.20.0.11", "GET", 443, 400)
	assert.Equal(t, core.VectorApplication, observed(h, ev))
}

func TestApplicationRuleIgnoresOtherDestinations(t *testing.T) {
	h := &history{}
	for i := 0; i < 9; i++ {
		h.observe(tcpEvent("10.20.0.12", "GET", 443, 400))
	}
	ev := tcpEvent("10.20.0.11", "GET", 443, 400)
	assert.Equal(t, "", observed(h, ev), "one hit on this destination is no flood")
}

func TestApplicationRuleCountsOnlyRequests(t *testing.T) {
	h := &history{}
	for i := 0; i < 15; i++ {
		h.observe(tcpEvent("10.20.0.11", "PUT", 443, 400))
	}
	ev := tcpEvent("10.20.0.11", "PUT", 443, 400)
	assert.Equal(t, "", observed(h, ev))
}

func TestHistoryWindowEvictsOldTraffic(t *testing.T) {
	h := &history{}
	for i := 0; i < 12; i++ {
		h.observe(tcpEvent("10.20.0.11", "GET", 443, 400))
	}
	// Twenty newer events push the old destination out of the window.
	for i := 0; i < 20; i++ {
		h.observe(tcpEvent("10.20.0.12", "POST", 443, 400))
	}

	ev := tcpEvent("10.20.0.11", "GET", 443, 400)
	assert.Equal(t, "", observed(h, ev), "evicted traffic must not count")
}

func TestQuietTrafficHasNoVector(t *testing.T) {
	h := &history{}
	ev := tcpEvent("10.20.0.11", "GET", 443, 512)
	assert.Equal(t, "", observed(h, ev))
}
