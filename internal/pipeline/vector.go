package pipeline

import "github.com/tracel/backend/internal/core"

// Vector rule constants. A THREAT packet gets the first label whose rule
// fires; none firing leaves the vector empty.
const (
	volumetricBytes   = 4096 // payloads above this are Volumetric
	historyWindow     = 20   // recent events considered by the Application rule
	applicationRepeat = 10   // same-destination requests needed to call it a flood
)

// knownPairs enumerates the (protocol, port) combinations the synthetic
// network legitimately serves. Anything else is protocol abuse.
var knownPairs = map[string]map[int]bool{
	core.ProtocolTCP:  {22: true, 25: true, 80: true, 443: true, 8080: true},
	core.ProtocolUDP:  {53: true, 123: true, 161: true},
	core.ProtocolICMP: {0: true},
}

type histEntry struct {
	dst     string
	request bool // GET or POST
}

// history is the owner's rolling window of recent events backing the
// Application rule. Owned by the owner's process goroutine, so no locking.
type history struct {
	entries [historyWindow]histEntry
	next    int
	size    int
}

// observe records the event. Called for every event, SAFE or THREAT, so the
// window reflects actual recent traffic.
func (h *history) observe(ev core.RawEvent) {
	h.entries[h.next] = histEntry{
		dst:     ev.DestinationIP,
		request: ev.Method == "GET" || ev.Method == "POST",
	}
	h.next = (h.next + 1) % historyWindow
	if h.size < historyWindow {
		h.size++
	}
}

// vector labels a THREAT event. Rules are checked in precedence order:
// Volumetric, then Protocol, then Application. The event itself has already
// been observed, so it counts toward the Application window.
func (h *history) vector(ev core.RawEvent) string {
	if ev.Bytes > volumetricBytes {
		return core.VectorVolumetric
	}
	if ports, ok := knownPairs[ev.Protocol]; !ok || !ports[ev.DstPort] {
		return core.VectorProtocol
	}

	hits := 0
	for i := 0; i < h.size; i++ {
		e := h.entries[i]
		if e.dst == ev.DestinationIP && e.request {
			hits++
		}
	}
	if hits >= applicationRepeat {
		return core.VectorApplication
	}
	return ""
}
