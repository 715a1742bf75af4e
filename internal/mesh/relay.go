package mesh

import (
	"math/rand"
	"sync"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

// Relay suppression reasons.
const (
	suppressBudget      = "budget"
	suppressProbability = "probability"
)

// recentRelayCutoff dampens senders whose packets we already relayed many
// times inside the budget window.
const recentRelayCutoff = 16

type relayState struct {
	windowStart time.Time
	bytes       int
	relayed     int
}

// RelayManager decides whether a relayable packet is actually re-broadcast.
// The probability scales with remaining TTL, shrinks as the neighborhood
// gets denser, and drops further for chatty origin senders. A hard
// per-sender byte budget vetoes regardless of the dice.
type RelayManager struct {
	mu        sync.Mutex
	cfg       Config
	now       func() time.Time
	rand01    func() float64
	neighbors func() int
	bySender  map[protocol.PeerID]*relayState
}

// NewRelayManager builds the relay policy. neighbors reports the live link
// count; rand01 is the probability source and exists so tests can force the
// decision.
func NewRelayManager(cfg Config, now func() time.Time, neighbors func() int, rand01 func() float64) *RelayManager {
	if now == nil {
		now = time.Now
	}
	if rand01 == nil {
		rand01 = rand.Float64
	}
	if neighbors == nil {
		neighbors = func() int { return 0 }
	}
	return &RelayManager{
		cfg:       cfg,
		now:       now,
		rand01:    rand01,
		neighbors: neighbors,
		bySender:  make(map[protocol.PeerID]*relayState),
	}
}

// Decide reports whether to relay pkt, whose encoded size is frameLen, and
// the suppression reason when not. A positive decision charges the origin
// sender's budget window.
func (m *RelayManager) Decide(pkt *protocol.Packet, frameLen int) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.bySender[pkt.Sender]
	if st == nil {
		st = &relayState{windowStart: now}
		m.bySender[pkt.Sender] = st
	}
	if now.Sub(st.windowStart) >= m.cfg.RelayBudgetWindow {
		st.windowStart = now
		st.bytes = 0
		st.relayed = 0
	}
	if st.bytes+frameLen > m.cfg.RelayBudgetBytes {
		return false, suppressBudget
	}

	p := 0.4 + 0.5*float64(pkt.TTL)/float64(protocol.MaxTTL)
	p *= densityFactor(m.neighbors())
	if st.relayed > recentRelayCutoff {
		p *= 0.6
	}
	if p < m.cfg.RelayFloor {
		p = m.cfg.RelayFloor
	}
	if p > m.cfg.RelayCeil {
		p = m.cfg.RelayCeil
	}
	if m.rand01() > p {
		return false, suppressProbability
	}

	st.bytes += frameLen
	st.relayed++
	return true, ""
}

// Sweep forgets senders whose budget window lapsed a while ago.
func (m *RelayManager) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := 4 * m.cfg.RelayBudgetWindow
	for sender, st := range m.bySender {
		if now.Sub(st.windowStart) > cutoff {
			delete(m.bySender, sender)
		}
	}
}

// Reset drops all relay accounting. Used by the panic wipe.
func (m *RelayManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bySender = make(map[protocol.PeerID]*relayState)
}

// densityFactor tunes relay eagerness to the local neighborhood: sparse
// meshes relay aggressively to survive, dense ones hold back to avoid
// broadcast storms.
func densityFactor(neighbors int) float64 {
	switch {
	case neighbors <= 2:
		return 1.25
	case neighbors <= 4:
		return 1.1
	case neighbors <= 8:
		return 1.0
	case neighbors <= 16:
		return 0.85
	default:
		return 0.7
	}
}
