package mesh

import (
	"log/slog"
	"sync"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

// Verdict classifies one inbound frame at the security gate.
type Verdict string

const (
	VerdictAccepted    Verdict = "accepted"
	VerdictMalformed   Verdict = "malformed"
	VerdictRateLimited Verdict = "rate-limited"
	VerdictSuspicious  Verdict = "suspicious-signal"
	VerdictBlocked     Verdict = "blocked"
)

const (
	// signalWindowSize bounds the rolling signal sample window per sender.
	signalWindowSize = 10
	// signalJumpDBm is how far a reading may stray from the sender's rolling
	// average before it counts as suspicious.
	signalJumpDBm = 20
	// suspicionLimit rejects deviant readings once this many accumulate.
	suspicionLimit = 3
	// suspicionDecay clears an untriggered suspicion counter after this long
	// without a new deviation.
	suspicionDecay = 10 * time.Minute
	// senderIdleTTL drops tracking state for senders silent this long.
	senderIdleTTL = time.Hour
)

type senderState struct {
	minuteStart   time.Time
	minuteCount   int
	hourStart     time.Time
	hourCount     int
	signals       []int
	signalSum     int
	suspicion     int
	lastSuspicion time.Time
	blockedUntil  time.Time
	lastSeen      time.Time
}

func (st *senderState) signalAvg() int {
	if len(st.signals) == 0 {
		return 0
	}
	return st.signalSum / len(st.signals)
}

func (st *senderState) pushSignal(v int) {
	if len(st.signals) == signalWindowSize {
		st.signalSum -= st.signals[0]
		copy(st.signals, st.signals[1:])
		st.signals = st.signals[:signalWindowSize-1]
	}
	st.signals = append(st.signals, v)
	st.signalSum += v
}

// SecurityManager gates every inbound frame before decoding. Checks run in a
// fixed order: standing block, rate windows, signal plausibility, structural
// shape; the first failure wins, so a sender's counters are charged before
// its content is inspected. Senders are keyed by peer ID when the link is
// bound, link ID otherwise.
type SecurityManager struct {
	mu      sync.Mutex
	cfg     Config
	now     func() time.Time
	log     *slog.Logger
	senders map[string]*senderState
}

func NewSecurityManager(cfg Config, now func() time.Time, log *slog.Logger) *SecurityManager {
	if now == nil {
		now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &SecurityManager{
		cfg:     cfg,
		now:     now,
		log:     log,
		senders: make(map[string]*senderState),
	}
}

// Validate screens one frame from the sender identified by key. signalDBm is
// the transport's reading, 0 when unknown. Exceeding either rate window
// blocks the sender for the configured duration on the spot.
func (m *SecurityManager) Validate(key string, frame []byte, signalDBm int) (Verdict, error) {
	if key == "" {
		if err := protocol.Validate(frame); err != nil {
			return VerdictMalformed, err
		}
		return VerdictAccepted, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	st := m.senders[key]
	if st == nil {
		st = &senderState{}
		m.senders[key] = st
	}
	st.lastSeen = now

	if !st.blockedUntil.IsZero() {
		if st.blockedUntil.After(now) {
			return VerdictBlocked, ErrBlocked
		}
		// Block expired; the sender starts over with clean windows.
		*st = senderState{lastSeen: now}
	}

	if now.Sub(st.minuteStart) >= time.Minute {
		st.minuteStart = now
		st.minuteCount = 0
	}
	if now.Sub(st.hourStart) >= time.Hour {
		st.hourStart = now
		st.hourCount = 0
	}
	st.minuteCount++
	st.hourCount++
	if st.minuteCount > m.cfg.RatePerMinute || st.hourCount > m.cfg.RatePerHour {
		st.blockedUntil = now.Add(m.cfg.BlockDuration)
		m.log.Warn("sender rate limited", "sender", key, "until", st.blockedUntil)
		return VerdictRateLimited, ErrRateLimited
	}

	if signalDBm != 0 {
		if signalDBm < m.cfg.SignalFloorDBm || signalDBm > m.cfg.SignalCeilDBm {
			return VerdictSuspicious, ErrSuspiciousSignal
		}
		deviant := len(st.signals) > 0 && absInt(signalDBm-st.signalAvg()) > signalJumpDBm
		// Deviant readings still enter the window, so a peer that genuinely
		// moved re-normalizes instead of being rejected forever.
		st.pushSignal(signalDBm)
		if deviant {
			st.suspicion++
			st.lastSuspicion = now
			if st.suspicion >= suspicionLimit {
				return VerdictSuspicious, ErrSuspiciousSignal
			}
		}
	}

	if err := protocol.Validate(frame); err != nil {
		return VerdictMalformed, err
	}

	return VerdictAccepted, nil
}

// Blocked reports whether key is currently refused.
func (m *SecurityManager) Blocked(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.senders[key]
	return st != nil && st.blockedUntil.After(m.now())
}

// BlockedCount returns how many senders are currently blocked.
func (m *SecurityManager) BlockedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now()
	n := 0
	for _, st := range m.senders {
		if st.blockedUntil.After(now) {
			n++
		}
	}
	return n
}

// Sweep clears expired blocks, decays stale suspicion, and forgets idle
// senders.
func (m *SecurityManager) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, st := range m.senders {
		if !st.blockedUntil.IsZero() && !st.blockedUntil.After(now) {
			*st = senderState{lastSeen: st.lastSeen}
		}
		if st.suspicion > 0 && now.Sub(st.lastSuspicion) > suspicionDecay {
			st.suspicion = 0
		}
		if st.blockedUntil.IsZero() && now.Sub(st.lastSeen) > senderIdleTTL {
			delete(m.senders, key)
		}
	}
}

// Reset drops all tracking state. Used by the panic wipe.
func (m *SecurityManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.senders = make(map[string]*senderState)
}

func absInt(v int) int {
	if v < 0 {
		return -v
	}
	return v
}
