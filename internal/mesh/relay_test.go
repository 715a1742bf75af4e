package mesh

import (
	"testing"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

func relayFixture(cfg Config, neighbors int) (*RelayManager, *time.Time, *float64) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	dice := 0.0
	m := NewRelayManager(normalizeConfig(cfg),
		func() time.Time { return now },
		func() int { return neighbors },
		func() float64 { return dice },
	)
	return m, &now, &dice
}

func relayProbe(ttl uint8) *protocol.Packet {
	return &protocol.Packet{
		Type:      protocol.TypeValueTransfer,
		TTL:       ttl,
		Sender:    nodeOther,
		Recipient: nodeThird,
	}
}

func TestRelayDiceExtremes(t *testing.T) {
	m, _, dice := relayFixture(Config{}, 8)

	*dice = 0
	for ttl := uint8(1); ttl <= protocol.MaxTTL; ttl++ {
		if ok, reason := m.Decide(relayProbe(ttl), 100); !ok {
			t.Fatalf("ttl %d with zero dice suppressed: %q", ttl, reason)
		}
	}

	// The ceiling keeps p below 1, so a max roll always suppresses.
	*dice = 1
	if ok, reason := m.Decide(relayProbe(protocol.MaxTTL), 100); ok || reason != suppressProbability {
		t.Fatalf("max dice: ok=%v reason=%q", ok, reason)
	}
}

func TestRelayProbabilityShape(t *testing.T) {
	// ttl 7 among 8 neighbors: p = 0.4 + 0.5*7/7 = 0.9.
	cases := []struct {
		name  string
		ttl   uint8
		dice  float64
		relay bool
	}{
		{"full ttl under p", 7, 0.89, true},
		{"full ttl over p", 7, 0.91, false},
		{"ttl 1 under p", 1, 0.46, true},
		{"ttl 1 over p", 1, 0.48, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			m, _, dice := relayFixture(Config{}, 8)
			*dice = tc.dice
			if ok, _ := m.Decide(relayProbe(tc.ttl), 100); ok != tc.relay {
				t.Fatalf("dice %.2f at ttl %d: relay=%v, want %v", tc.dice, tc.ttl, ok, tc.relay)
			}
		})
	}
}

func TestRelayDensityFactor(t *testing.T) {
	cases := []struct {
		neighbors int
		want      float64
	}{
		{0, 1.25}, {1, 1.25}, {2, 1.25},
		{3, 1.1}, {4, 1.1},
		{5, 1.0}, {8, 1.0},
		{9, 0.85}, {16, 0.85},
		{17, 0.7}, {100, 0.7},
	}
	for _, tc := range cases {
		if got := densityFactor(tc.neighbors); got != tc.want {
			t.Errorf("densityFactor(%d) = %v, want %v", tc.neighbors, got, tc.want)
		}
	}
}

func TestRelayCeilClamp(t *testing.T) {
	// ttl 7 in a sparse mesh: 0.9 * 1.25 = 1.125, clamped to the ceiling.
	m, _, dice := relayFixture(Config{}, 1)
	*dice = 0.94
	if ok, _ := m.Decide(relayProbe(7), 100); !ok {
		t.Fatal("dice under ceiling suppressed")
	}
	*dice = 0.96
	if ok, reason := m.Decide(relayProbe(7), 100); ok || reason != suppressProbability {
		t.Fatalf("dice over ceiling relayed: ok=%v reason=%q", ok, reason)
	}
}

func TestRelayFloorClamp(t *testing.T) {
	// A raised floor pulls low probabilities back up.
	m, _, dice := relayFixture(Config{RelayFloor: 0.5}, 100)
	*dice = 0.45
	if ok, _ := m.Decide(relayProbe(1), 100); !ok {
		t.Fatal("floor did not lift the probability")
	}
	*dice = 0.55
	if ok, _ := m.Decide(relayProbe(1), 100); ok {
		t.Fatal("relay above the lifted floor")
	}
}

func TestRelayBudgetVeto(t *testing.T) {
	m, now, _ := relayFixture(Config{RelayBudgetBytes: 1000}, 8)

	if ok, _ := m.Decide(relayProbe(7), 600); !ok {
		t.Fatal("first frame within budget suppressed")
	}
	if ok, reason := m.Decide(relayProbe(7), 600); ok || reason != suppressBudget {
		t.Fatalf("over-budget frame: ok=%v reason=%q", ok, reason)
	}

	// Budget refills when the window rolls.
	*now = now.Add(DefaultConfig().RelayBudgetWindow + time.Second)
	if ok, _ := m.Decide(relayProbe(7), 600); !ok {
		t.Fatal("budget did not refill after the window")
	}
}

func TestRelayBudgetIsPerOrigin(t *testing.T) {
	m, _, _ := relayFixture(Config{RelayBudgetBytes: 1000}, 8)

	if ok, _ := m.Decide(relayProbe(7), 900); !ok {
		t.Fatal("first origin suppressed")
	}
	other := relayProbe(7)
	other.Sender = nodeThird
	other.Recipient = nodeOther
	if ok, reason := m.Decide(other, 900); !ok {
		t.Fatalf("second origin charged for the first: %q", reason)
	}
}

func TestRelayDampingAfterBurst(t *testing.T) {
	m, _, dice := relayFixture(Config{}, 8)

	for i := 0; i <= recentRelayCutoff; i++ {
		if ok, reason := m.Decide(relayProbe(7), 100); !ok {
			t.Fatalf("frame %d suppressed: %q", i, reason)
		}
	}

	// Past the cutoff p drops from 0.9 to 0.54.
	*dice = 0.6
	if ok, _ := m.Decide(relayProbe(7), 100); ok {
		t.Fatal("damping not applied after the burst")
	}
	*dice = 0.5
	if ok, _ := m.Decide(relayProbe(7), 100); !ok {
		t.Fatal("damped probability lower than expected")
	}
}

func TestRelaySweep(t *testing.T) {
	m, now, _ := relayFixture(Config{}, 8)

	m.Decide(relayProbe(7), 100)
	other := relayProbe(7)
	other.Sender = nodeThird
	m.Decide(other, 100)
	if len(m.bySender) != 2 {
		t.Fatalf("tracking %d origins, want 2", len(m.bySender))
	}

	*now = now.Add(5 * DefaultConfig().RelayBudgetWindow)
	m.Sweep(*now)
	if len(m.bySender) != 0 {
		t.Fatalf("after sweep: %d origins, want 0", len(m.bySender))
	}
}
