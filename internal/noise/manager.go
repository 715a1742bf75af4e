package noise

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/flynn/noise"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

var (
	ErrHandshakeFailed       = errors.New("noise: handshake failed")
	ErrHandshakeInFlight     = errors.New("noise: handshake already in flight")
	ErrSessionNotEstablished = errors.New("noise: session not established")
	ErrDecryptFailed         = errors.New("noise: decrypt failed")
)

// xxMessageOneLen is the size of the first XX message with an empty payload:
// a bare ephemeral public key. Receiving one while we are initiating toward
// the same peer means both sides opened simultaneously.
const xxMessageOneLen = 32

// noncePrefixLen prefixes every transport ciphertext with the big-endian
// nonce it was sealed under, so the receiver can survive lost frames.
const noncePrefixLen = 8

// minCiphertextLen is the nonce prefix plus the ChaCha20-Poly1305 tag.
const minCiphertextLen = noncePrefixLen + 16

const (
	defaultRekeyAfterAge      = time.Hour
	defaultRekeyAfterMessages = 100000
	defaultHandshakeTimeout   = 15 * time.Second
)

// Config carries the local static keypair and the session policy knobs.
type Config struct {
	StaticPrivateKey []byte
	StaticPublicKey  []byte

	// RekeyAfterAge and RekeyAfterMessages bound how long one cipher pair
	// stays in service before RekeyDue reports the peer.
	RekeyAfterAge      time.Duration
	RekeyAfterMessages uint64

	// HandshakeTimeout bounds how long an XX run may sit unanswered before
	// SweepHandshakes abandons it.
	HandshakeTimeout time.Duration

	// Now is the clock used for handshake and rekey bookkeeping.
	Now func() time.Time
}

// Established reports a completed handshake to the caller.
type Established struct {
	Peer         protocol.PeerID
	RemoteStatic []byte
	Rekeyed      bool
}

// Manager owns every Noise session keyed by peer ID. All methods are safe
// for concurrent use.
type Manager struct {
	mu       sync.Mutex
	self     protocol.PeerID
	suite    noise.CipherSuite
	static   noise.DHKey
	cfg      Config
	sessions map[protocol.PeerID]*session
	now      func() time.Time
	log      *slog.Logger
}

// NewManager builds a session manager around the identity's static X25519
// keypair. self must be the peer ID derived from StaticPublicKey.
func NewManager(self protocol.PeerID, cfg Config, log *slog.Logger) (*Manager, error) {
	if len(cfg.StaticPrivateKey) != 32 || len(cfg.StaticPublicKey) != 32 {
		return nil, fmt.Errorf("noise: static keypair must be 32-byte X25519 keys")
	}
	if !self.Valid() {
		return nil, fmt.Errorf("noise: invalid local peer id")
	}
	if cfg.RekeyAfterAge <= 0 {
		cfg.RekeyAfterAge = defaultRekeyAfterAge
	}
	if cfg.RekeyAfterMessages == 0 {
		cfg.RekeyAfterMessages = defaultRekeyAfterMessages
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		self:  self,
		suite: noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256),
		static: noise.DHKey{
			Private: append([]byte(nil), cfg.StaticPrivateKey...),
			Public:  append([]byte(nil), cfg.StaticPublicKey...),
		},
		cfg:      cfg,
		sessions: make(map[protocol.PeerID]*session),
		now:      cfg.Now,
		log:      log,
	}, nil
}

// Initiate starts an XX run toward peer and returns message one. Calling it
// on an established session starts a rekey; the old cipher pair keeps
// serving traffic until the new run completes.
func (m *Manager) Initiate(peer protocol.PeerID) ([]byte, error) {
	if !peer.Valid() || peer == m.self {
		return nil, fmt.Errorf("%w: cannot handshake with %s", ErrHandshakeFailed, peer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.ensure(peer)
	if sess.run != nil {
		return nil, fmt.Errorf("%w: with %s", ErrHandshakeInFlight, peer)
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   m.suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     true,
		StaticKeypair: m.static,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	msg, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: message one to %s: %v", ErrHandshakeFailed, peer, err)
	}
	sess.run = &handshakeRun{hs: hs, initiator: true, startedAt: m.now()}
	if sess.state == StateNone {
		sess.state = StateHandshaking
	}
	return msg, nil
}

// HandleMessage feeds one inbound handshake frame from peer through the
// state machine. It returns the reply to send back, if any, and a non-nil
// Established once the run completes on this side.
//
// Simultaneous opens resolve deterministically: when both sides initiate,
// the side with the lower peer ID keeps its run and drops the rival message
// one, while the higher side abandons its run and responds.
func (m *Manager) HandleMessage(peer protocol.PeerID, msg []byte) ([]byte, *Established, error) {
	if !peer.Valid() || peer == m.self {
		return nil, nil, fmt.Errorf("%w: message from %s", ErrHandshakeFailed, peer)
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	sess := m.ensure(peer)
	switch {
	case sess.run == nil:
		return m.respond(sess, msg)
	case sess.run.initiator && len(msg) == xxMessageOneLen:
		if m.self.Less(peer) {
			// Keep our run; the peer will answer our message one.
			return nil, nil, nil
		}
		sess.run = nil
		return m.respond(sess, msg)
	default:
		return m.advance(sess, msg)
	}
}

// respond consumes an inbound message one and produces message two. The
// session may already be established when the peer starts a rekey toward us.
func (m *Manager) respond(sess *session, msg []byte) ([]byte, *Established, error) {
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   m.suite,
		Random:        rand.Reader,
		Pattern:       noise.HandshakeXX,
		Initiator:     false,
		StaticKeypair: m.static,
	})
	if err != nil {
		m.fail(sess)
		return nil, nil, fmt.Errorf("%w: %v", ErrHandshakeFailed, err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg); err != nil {
		m.fail(sess)
		return nil, nil, fmt.Errorf("%w: message one from %s: %v", ErrHandshakeFailed, sess.peer, err)
	}
	reply, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		m.fail(sess)
		return nil, nil, fmt.Errorf("%w: message two to %s: %v", ErrHandshakeFailed, sess.peer, err)
	}
	sess.run = &handshakeRun{hs: hs, initiator: false, startedAt: m.now()}
	if sess.state == StateNone {
		sess.state = StateHandshaking
	}
	return reply, nil, nil
}

// advance moves an in-flight run past messages two and three.
func (m *Manager) advance(sess *session, msg []byte) ([]byte, *Established, error) {
	run := sess.run
	if run.initiator {
		if _, _, _, err := run.hs.ReadMessage(nil, msg); err != nil {
			m.fail(sess)
			return nil, nil, fmt.Errorf("%w: message two from %s: %v", ErrHandshakeFailed, sess.peer, err)
		}
		reply, cs0, cs1, err := run.hs.WriteMessage(nil, nil)
		if err != nil || cs0 == nil || cs1 == nil {
			m.fail(sess)
			return nil, nil, fmt.Errorf("%w: message three to %s: %v", ErrHandshakeFailed, sess.peer, err)
		}
		est, err := m.finish(sess, cs0, cs1)
		if err != nil {
			return nil, nil, err
		}
		return reply, est, nil
	}

	_, cs0, cs1, err := run.hs.ReadMessage(nil, msg)
	if err != nil {
		m.fail(sess)
		return nil, nil, fmt.Errorf("%w: message three from %s: %v", ErrHandshakeFailed, sess.peer, err)
	}
	if cs0 == nil || cs1 == nil {
		m.fail(sess)
		return nil, nil, fmt.Errorf("%w: split missing after message three from %s", ErrHandshakeFailed, sess.peer)
	}
	est, err := m.finish(sess, cs0, cs1)
	if err != nil {
		return nil, nil, err
	}
	return nil, est, nil
}

// finish installs the split cipher states and checks that the authenticated
// static key really belongs to the peer the session is keyed under.
func (m *Manager) finish(sess *session, cs0, cs1 *noise.CipherState) (*Established, error) {
	run := sess.run
	remote := run.hs.PeerStatic()
	derived, err := protocol.DerivePeerID(remote)
	if err != nil || derived != sess.peer {
		delete(m.sessions, sess.peer)
		return nil, fmt.Errorf("%w: static key from %s does not match its peer id", ErrHandshakeFailed, sess.peer)
	}
	rekeyed := sess.state == StateEstablished
	if run.initiator {
		sess.send, sess.recv = cs0, cs1
	} else {
		sess.send, sess.recv = cs1, cs0
	}
	sess.recvFloor = 0
	sess.remoteStatic = append([]byte(nil), remote...)
	sess.establishedAt = m.now()
	sess.sentCount = 0
	sess.state = StateEstablished
	sess.run = nil
	return &Established{
		Peer:         sess.peer,
		RemoteStatic: append([]byte(nil), remote...),
		Rekeyed:      rekeyed,
	}, nil
}

// fail abandons the in-flight run. An established session keeps its cipher
// pair; a session that never completed is removed entirely.
func (m *Manager) fail(sess *session) {
	sess.run = nil
	if sess.state != StateEstablished {
		delete(m.sessions, sess.peer)
	}
}

// Encrypt seals plaintext for peer and prefixes the ciphertext with the
// nonce it was sealed under.
func (m *Manager) Encrypt(peer protocol.PeerID, plaintext []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[peer]
	if !ok || sess.state != StateEstablished {
		return nil, fmt.Errorf("%w: with %s", ErrSessionNotEstablished, peer)
	}
	nonce := sess.send.Nonce()
	ct, err := sess.send.Encrypt(nil, nil, plaintext)
	if err != nil {
		return nil, fmt.Errorf("noise: encrypt for %s: %w", peer, err)
	}
	out := make([]byte, noncePrefixLen+len(ct))
	binary.BigEndian.PutUint64(out[:noncePrefixLen], nonce)
	copy(out[noncePrefixLen:], ct)
	sess.sentCount++
	return out, nil
}

// Decrypt opens a nonce-prefixed ciphertext from peer. Nonces must strictly
// increase; anything at or below the floor is treated as a replay.
func (m *Manager) Decrypt(peer protocol.PeerID, data []byte) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sess, ok := m.sessions[peer]
	if !ok || sess.state != StateEstablished {
		return nil, fmt.Errorf("%w: with %s", ErrSessionNotEstablished, peer)
	}
	if len(data) < minCiphertextLen {
		return nil, fmt.Errorf("%w: short ciphertext from %s", ErrDecryptFailed, peer)
	}
	nonce := binary.BigEndian.Uint64(data[:noncePrefixLen])
	if nonce < sess.recvFloor {
		return nil, fmt.Errorf("%w: stale nonce %d from %s", ErrDecryptFailed, nonce, peer)
	}
	sess.recv.SetNonce(nonce)
	pt, err := sess.recv.Decrypt(nil, nil, data[noncePrefixLen:])
	if err != nil {
		return nil, fmt.Errorf("%w: from %s: %v", ErrDecryptFailed, peer, err)
	}
	sess.recvFloor = nonce + 1
	return pt, nil
}

// Established reports whether a cipher pair is in service for peer.
func (m *Manager) Established(peer protocol.PeerID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[peer]
	return ok && sess.state == StateEstablished
}

// SessionState returns the lifecycle state for peer.
func (m *Manager) SessionState(peer protocol.PeerID) State {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[peer]
	if !ok {
		return StateNone
	}
	return sess.state
}

// RemoteStatic returns the peer's authenticated static key, if established.
func (m *Manager) RemoteStatic(peer protocol.PeerID) ([]byte, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[peer]
	if !ok || sess.state != StateEstablished {
		return nil, false
	}
	return append([]byte(nil), sess.remoteStatic...), true
}

// EstablishedCount returns how many sessions hold a live cipher pair.
func (m *Manager) EstablishedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, sess := range m.sessions {
		if sess.state == StateEstablished {
			n++
		}
	}
	return n
}

// RekeyDue lists established peers whose cipher pair has aged or sent past
// the configured bounds and that have no run already in flight.
func (m *Manager) RekeyDue(now time.Time) []protocol.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []protocol.PeerID
	for peer, sess := range m.sessions {
		if sess.state != StateEstablished || sess.run != nil {
			continue
		}
		if now.Sub(sess.establishedAt) >= m.cfg.RekeyAfterAge || sess.sentCount >= m.cfg.RekeyAfterMessages {
			due = append(due, peer)
		}
	}
	return due
}

// SweepHandshakes abandons runs older than the handshake timeout and returns
// the peers whose sessions were dropped outright. Established sessions whose
// rekey run timed out keep their old cipher pair and are not reported.
func (m *Manager) SweepHandshakes(now time.Time) []protocol.PeerID {
	m.mu.Lock()
	defer m.mu.Unlock()
	var failed []protocol.PeerID
	for peer, sess := range m.sessions {
		if sess.run == nil || now.Sub(sess.run.startedAt) < m.cfg.HandshakeTimeout {
			continue
		}
		sess.run = nil
		if sess.state != StateEstablished {
			delete(m.sessions, peer)
			failed = append(failed, peer)
		}
	}
	return failed
}

// Drop discards any session state for peer.
func (m *Manager) Drop(peer protocol.PeerID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, peer)
}

// Clear discards every session. Used by the panic wipe.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[protocol.PeerID]*session)
}

func (m *Manager) ensure(peer protocol.PeerID) *session {
	sess, ok := m.sessions[peer]
	if !ok {
		sess = &session{peer: peer}
		m.sessions[peer] = sess
	}
	return sess
}
