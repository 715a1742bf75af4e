package mesh

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

type ConnState int

const (
	ConnStateConnecting ConnState = iota
	ConnStateConnected
	ConnStateDisconnected
	ConnStateFailed
)

func (s ConnState) String() string {
	switch s {
	case ConnStateConnecting:
		return "connecting"
	case ConnStateConnected:
		return "connected"
	case ConnStateFailed:
		return "failed"
	default:
		return "disconnected"
	}
}

// Connection is one live transport link. Peer stays zero until the remote
// node identifies itself with an announce or a completed handshake; an
// unbound link is still a full mesh participant for relayed traffic.
type Connection struct {
	Link      LinkID
	Addr      string
	Peer      protocol.PeerID
	State     ConnState
	Direct    bool
	SignalDBm int
	OpenedAt  time.Time
	LastSeen  time.Time
}

// HasPeer reports whether the remote identity is known.
func (c *Connection) HasPeer() bool { return c.Peer.Valid() }

// SecurityKey identifies the sender behind this link for rate accounting:
// the peer ID once bound, the link ID before that.
func (c *Connection) SecurityKey() string {
	if c.Peer.Valid() {
		return c.Peer.String()
	}
	return "link:" + string(c.Link)
}

type DialState int

const (
	DialIdle DialState = iota
	DialInFlight
	DialFailedTerminal
)

func (s DialState) String() string {
	switch s {
	case DialInFlight:
		return "dialing"
	case DialFailedTerminal:
		return "failed"
	default:
		return "idle"
	}
}

// dialStaleTTL is how long a terminally failed dial target stays visible in
// status output before the sweep forgets it.
const dialStaleTTL = 30 * time.Minute

// dialTarget tracks one configured outbound address across its reconnect
// lifecycle.
type dialTarget struct {
	addr        string
	state       DialState
	attempts    int
	nextAttempt time.Time
	failedAt    time.Time
	retry       *backoff.ExponentialBackOff
	link        LinkID
}

// DialTargetInfo is a status snapshot of one dial target.
type DialTargetInfo struct {
	Addr        string
	State       string
	Attempts    int
	NextAttempt time.Time
	Connected   bool
}

// ConnectionManager tracks live links, the peer bindings on them, and the
// outbound dial book. The connection cap counts live links plus dials in
// flight so a burst of dials cannot overshoot it.
type ConnectionManager struct {
	mu     sync.RWMutex
	cfg    Config
	now    func() time.Time
	byLink map[LinkID]*Connection
	byPeer map[protocol.PeerID]LinkID
	dials  map[string]*dialTarget
}

func NewConnectionManager(cfg Config, now func() time.Time) *ConnectionManager {
	if now == nil {
		now = time.Now
	}
	return &ConnectionManager{
		cfg:    cfg,
		now:    now,
		byLink: make(map[LinkID]*Connection),
		byPeer: make(map[protocol.PeerID]LinkID),
		dials:  make(map[string]*dialTarget),
	}
}

// LinkUp registers an inbound link. Re-registering a live link refreshes it.
func (m *ConnectionManager) LinkUp(link LinkID, addr string, signalDBm int) (Connection, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	if conn, ok := m.byLink[link]; ok {
		conn.Addr = addr
		conn.SignalDBm = signalDBm
		conn.LastSeen = now
		return *conn, nil
	}
	if m.occupiedLocked() >= m.cfg.MaxConnections {
		return Connection{}, ErrConnectionLimitReached
	}
	conn := &Connection{
		Link:      link,
		Addr:      addr,
		State:     ConnStateConnected,
		SignalDBm: signalDBm,
		OpenedAt:  now,
		LastSeen:  now,
	}
	m.byLink[link] = conn
	return *conn, nil
}

// LinkDown removes a link and returns its final record. A dial target bound
// to the link is rescheduled so the maintenance loop reconnects it.
func (m *ConnectionManager) LinkDown(link LinkID) (Connection, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byLink[link]
	if !ok {
		return Connection{}, false
	}
	delete(m.byLink, link)
	conn.State = ConnStateDisconnected

	if conn.Peer.Valid() && m.byPeer[conn.Peer] == link {
		delete(m.byPeer, conn.Peer)
		// Another live link may carry the same peer.
		for other, oc := range m.byLink {
			if oc.Peer == conn.Peer {
				m.byPeer[conn.Peer] = other
				break
			}
		}
	}

	for _, t := range m.dials {
		if t.link == link {
			t.link = ""
			t.state = DialIdle
			t.nextAttempt = m.now().Add(t.retry.NextBackOff())
		}
	}
	return *conn, true
}

// BindPeer attaches a peer identity to a live link.
func (m *ConnectionManager) BindPeer(link LinkID, peer protocol.PeerID, direct bool) bool {
	if !peer.Valid() {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	conn, ok := m.byLink[link]
	if !ok {
		return false
	}
	conn.Peer = peer
	conn.Direct = direct
	conn.LastSeen = m.now()
	m.byPeer[peer] = link
	return true
}

// LinkForPeer returns the newest link bound to peer.
func (m *ConnectionManager) LinkForPeer(peer protocol.PeerID) (LinkID, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	link, ok := m.byPeer[peer]
	return link, ok
}

// Get returns a snapshot of the connection on link.
func (m *ConnectionManager) Get(link LinkID) (Connection, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	conn, ok := m.byLink[link]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// Touch refreshes a link's last-seen time and signal reading.
func (m *ConnectionManager) Touch(link LinkID, signalDBm int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if conn, ok := m.byLink[link]; ok {
		conn.LastSeen = m.now()
		if signalDBm != 0 {
			conn.SignalDBm = signalDBm
		}
	}
}

// ActiveLinks lists all live links.
func (m *ConnectionManager) ActiveLinks() []LinkID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	links := make([]LinkID, 0, len(m.byLink))
	for link := range m.byLink {
		links = append(links, link)
	}
	return links
}

// Count returns the number of live links.
func (m *ConnectionManager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.byLink)
}

// CanAcceptNewConnection reports whether one more link or dial fits under
// the connection cap.
func (m *ConnectionManager) CanAcceptNewConnection() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.occupiedLocked() < m.cfg.MaxConnections
}

// AddDialTarget registers addr for outbound dialing. Known targets are left
// untouched; a terminal target is revived with a fresh attempt budget.
func (m *ConnectionManager) AddDialTarget(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if t, ok := m.dials[addr]; ok {
		if t.state == DialFailedTerminal {
			t.state = DialIdle
			t.attempts = 0
			t.retry.Reset()
			t.nextAttempt = m.now()
		}
		return
	}
	m.dials[addr] = &dialTarget{
		addr:        addr,
		nextAttempt: m.now(),
		retry:       newDialBackoff(m.cfg),
	}
}

// RemoveDialTarget forgets addr. A live link stays up until the transport
// drops it.
func (m *ConnectionManager) RemoveDialTarget(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.dials, addr)
}

// DueDials lists targets whose next attempt has come. Callers must claim
// each target before dialing it.
func (m *ConnectionManager) DueDials(now time.Time) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var due []string
	for addr, t := range m.dials {
		if t.state == DialIdle && t.link == "" && !t.nextAttempt.After(now) {
			due = append(due, addr)
		}
	}
	return due
}

// ClaimDial reserves a connection slot for one dial attempt to addr.
func (m *ConnectionManager) ClaimDial(addr string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.dials[addr]
	if !ok || t.state != DialIdle || t.link != "" {
		return false
	}
	if m.occupiedLocked() >= m.cfg.MaxConnections {
		return false
	}
	t.state = DialInFlight
	return true
}

// DialSucceeded registers the outbound link for a claimed dial. The claim
// already holds the slot, so no capacity check runs here.
func (m *ConnectionManager) DialSucceeded(addr string, link LinkID, signalDBm int) Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	conn := &Connection{
		Link:      link,
		Addr:      addr,
		State:     ConnStateConnected,
		SignalDBm: signalDBm,
		OpenedAt:  now,
		LastSeen:  now,
	}
	m.byLink[link] = conn

	if t, ok := m.dials[addr]; ok {
		t.state = DialIdle
		t.attempts = 0
		t.retry.Reset()
		t.link = link
	}
	return *conn
}

// DialFailed records a failed attempt for a claimed dial and schedules the
// next one. After MaxReconnects consecutive failures the target goes
// terminal and ErrMaxReconnectAttempts is returned.
func (m *ConnectionManager) DialFailed(addr string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.dials[addr]
	if !ok {
		return nil
	}
	t.attempts++
	if t.attempts >= m.cfg.MaxReconnects {
		t.state = DialFailedTerminal
		t.failedAt = m.now()
		return ErrMaxReconnectAttempts
	}
	t.state = DialIdle
	t.nextAttempt = m.now().Add(t.retry.NextBackOff())
	return nil
}

// DialTargets returns status snapshots of the dial book.
func (m *ConnectionManager) DialTargets() []DialTargetInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]DialTargetInfo, 0, len(m.dials))
	for _, t := range m.dials {
		out = append(out, DialTargetInfo{
			Addr:        t.addr,
			State:       t.state.String(),
			Attempts:    t.attempts,
			NextAttempt: t.nextAttempt,
			Connected:   t.link != "",
		})
	}
	return out
}

// Sweep forgets terminally failed dial targets whose last failure is older
// than dialStaleTTL. Live links and retrying targets are never touched.
func (m *ConnectionManager) Sweep(now time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, t := range m.dials {
		if t.state == DialFailedTerminal && now.Sub(t.failedAt) > dialStaleTTL {
			delete(m.dials, addr)
		}
	}
}

// UnbindAllPeers severs every peer binding while leaving the transport links
// up. After the wipe nothing about who was behind a link survives; remotes
// must re-announce and re-handshake to be addressable again.
func (m *ConnectionManager) UnbindAllPeers() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byPeer = make(map[protocol.PeerID]LinkID)
	for _, conn := range m.byLink {
		conn.Peer = protocol.PeerID{}
		conn.Direct = false
	}
}

// Reset drops all connection and dial state. Used by the panic wipe.
func (m *ConnectionManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byLink = make(map[LinkID]*Connection)
	m.byPeer = make(map[protocol.PeerID]LinkID)
	m.dials = make(map[string]*dialTarget)
}

// occupiedLocked counts live links plus dials in flight.
func (m *ConnectionManager) occupiedLocked() int {
	n := len(m.byLink)
	for _, t := range m.dials {
		if t.state == DialInFlight {
			n++
		}
	}
	return n
}

func newDialBackoff(cfg Config) *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = cfg.ReconnectBase
	b.MaxInterval = cfg.ReconnectMax
	b.Multiplier = 2
	b.RandomizationFactor = 0.2
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
