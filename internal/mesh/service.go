// Package mesh runs the store-and-forward transport core: a flood-routed
// packet mesh with TTL-bounded relay, Noise-encrypted addressed delivery,
// fragmentation, and per-sender abuse containment. Frames arrive from
// pluggable transports and observable state leaves through an event stream.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/identity"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/metrics"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/noise"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/platform/ratelimiter"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/pkg/models"
)

// maxPendingPerPeer bounds the outbound queue that waits on a handshake.
const maxPendingPerPeer = 64

type inboundFrame struct {
	link   LinkID
	frame  []byte
	signal int
}

type pendingSend struct {
	inner []byte
	msgID string
}

type pendingAck struct {
	peer  protocol.PeerID
	msgID string
}

// PeerInfo is directory state for a peer that announced itself.
type PeerInfo struct {
	ID         protocol.PeerID
	Nickname   string
	StaticKey  []byte
	SigningKey []byte
	LastNonce  uint64
	FirstSeen  time.Time
	LastSeen   time.Time
}

type Options struct {
	Config    Config
	Identity  *identity.Service
	Transport Transport
	Logger    *slog.Logger
	Metrics   *metrics.Recorder
	Nickname  string

	// Now and RelayRandom override the clock and the relay dice in tests.
	Now         func() time.Time
	RelayRandom func() float64
}

type Status struct {
	Running     bool
	PeerID      string
	ShortID     string
	Nickname    string
	Transport   string
	Connections int
	Sessions    int
	Peers       int
	DialTargets []DialTargetInfo
}

// Service wires the managers into one node: transport frames in, routing
// and delivery decisions, transport frames out, events up.
type Service struct {
	cfg   Config
	log   *slog.Logger
	rec   *metrics.Recorder
	ident *identity.Service
	self  protocol.PeerID
	now   func() time.Time

	transport Transport
	sessions  *noise.Manager
	security  *SecurityManager
	conns     *ConnectionManager
	processor *PacketProcessor
	relay     *RelayManager
	fragments *FragmentManager

	hsLimiter  *ratelimiter.Limiter
	annLimiter *ratelimiter.Limiter

	msgSeen     *ttlcache.Cache[string, struct{}]
	pendingAcks *ttlcache.Cache[string, pendingAck]

	inbound chan inboundFrame
	events  chan Event

	mu            sync.RWMutex
	running       bool
	runCtx        context.Context
	cancel        context.CancelFunc
	nickname      string
	peers         map[protocol.PeerID]*PeerInfo
	pendingByPeer map[protocol.PeerID][]pendingSend
	lastAnnounce  time.Time
	announceNonce uint64

	wg sync.WaitGroup
}

func New(opts Options) (*Service, error) {
	if opts.Identity == nil {
		return nil, fmt.Errorf("mesh: identity is required")
	}
	if opts.Transport == nil {
		return nil, fmt.Errorf("mesh: transport is required")
	}
	cfg := normalizeConfig(opts.Config)
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	self := opts.Identity.PeerID()
	priv, pub, err := opts.Identity.StaticKeypair()
	if err != nil {
		return nil, err
	}
	sessions, err := noise.NewManager(self, noise.Config{
		StaticPrivateKey:   priv,
		StaticPublicKey:    pub,
		RekeyAfterAge:      cfg.RekeyAge,
		RekeyAfterMessages: cfg.RekeyMessages,
		HandshakeTimeout:   cfg.HandshakeTimeout,
		Now:                now,
	}, log)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:           cfg,
		log:           log,
		rec:           opts.Metrics,
		ident:         opts.Identity,
		self:          self,
		now:           now,
		transport:     opts.Transport,
		sessions:      sessions,
		nickname:      truncateNickname(opts.Nickname),
		peers:         make(map[protocol.PeerID]*PeerInfo),
		pendingByPeer: make(map[protocol.PeerID][]pendingSend),
		inbound:       make(chan inboundFrame, cfg.InboundBuffer),
		events:        make(chan Event, cfg.EventBuffer),
	}
	s.security = NewSecurityManager(cfg, now, log)
	s.conns = NewConnectionManager(cfg, now)
	s.processor = NewPacketProcessor(self, cfg.DedupRetention)
	s.relay = NewRelayManager(cfg, now, s.conns.Count, opts.RelayRandom)
	s.fragments = NewFragmentManager(cfg, now)

	// Handshake and announce floods are damped separately from the frame
	// rate windows: both are cheap to send and expensive to process.
	s.hsLimiter = ratelimiter.New(0.5, 4, 10*time.Minute)
	s.annLimiter = ratelimiter.New(0.2, 3, 10*time.Minute)

	s.msgSeen = ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](cfg.DedupRetention),
		ttlcache.WithCapacity[string, struct{}](seenCapacity),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	s.pendingAcks = ttlcache.New[string, pendingAck](
		ttlcache.WithTTL[string, pendingAck](cfg.AckTimeout),
		ttlcache.WithDisableTouchOnHit[string, pendingAck](),
	)
	s.pendingAcks.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[string, pendingAck]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		pa := item.Value()
		s.emit(Event{
			Kind:      EventMessageSendFailed,
			PeerID:    pa.peer.String(),
			MessageID: pa.msgID,
			Reason:    "delivery timeout",
		})
	})
	return s, nil
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	s.runCtx = runCtx
	s.cancel = cancel
	s.running = true
	s.mu.Unlock()

	if err := s.transport.Start(runCtx, serviceSink{s}); err != nil {
		s.mu.Lock()
		s.running = false
		s.runCtx = nil
		s.cancel = nil
		s.mu.Unlock()
		cancel()
		return err
	}

	s.wg.Add(2)
	go s.runInbound(runCtx)
	go s.runMaintenance(runCtx)

	s.log.Info("mesh started",
		"transport", s.transport.Name(),
		"peer", s.self.String(),
	)
	return nil
}

func (s *Service) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.runCtx = nil
	s.cancel = nil
	s.mu.Unlock()

	cancel()
	err := s.transport.Stop()
	s.wg.Wait()
	s.log.Info("mesh stopped")
	return err
}

// serviceSink adapts the Service to the TransportSink contract without
// exporting link callbacks on the Service itself.
type serviceSink struct{ s *Service }

func (k serviceSink) LinkUp(link LinkID, addr string, signalDBm int) {
	k.s.handleLinkUp(link, addr, signalDBm)
}

func (k serviceSink) LinkDown(link LinkID) { k.s.handleLinkDown(link) }

func (k serviceSink) Frame(link LinkID, frame []byte, signalDBm int) {
	k.s.ProcessFrame(link, frame, signalDBm)
}

// ProcessFrame injects one raw frame as if link had just received it.
// It never blocks; frames past the inbound buffer are dropped and counted.
func (s *Service) ProcessFrame(link LinkID, frame []byte, signalDBm int) {
	s.mu.RLock()
	running := s.running
	s.mu.RUnlock()
	if !running {
		return
	}
	buf := append([]byte(nil), frame...)
	select {
	case s.inbound <- inboundFrame{link: link, frame: buf, signal: signalDBm}:
	default:
		s.rec.ObserveDropped("inbound-overflow")
	}
}

func (s *Service) handleLinkUp(link LinkID, addr string, signalDBm int) {
	conn, err := s.conns.LinkUp(link, addr, signalDBm)
	if err != nil {
		s.log.Warn("refusing link", "link", string(link), "err", err)
		_ = s.transport.Disconnect(link)
		return
	}
	s.rec.SetConnectionsActive(s.conns.Count())
	s.log.Debug("link up", "link", string(link), "addr", conn.Addr)
	s.announceOn(link)
}

func (s *Service) handleLinkDown(link LinkID) {
	conn, ok := s.conns.LinkDown(link)
	if !ok {
		return
	}
	s.rec.SetConnectionsActive(s.conns.Count())
	if conn.HasPeer() {
		s.log.Debug("link down", "link", string(link), "peer", conn.Peer.String())
	} else {
		s.log.Debug("link down", "link", string(link))
	}
}

func (s *Service) runInbound(ctx context.Context) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case in := <-s.inbound:
			s.handleFrame(in)
		}
	}
}

func (s *Service) runMaintenance(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.MaintenanceTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.maintain(ctx)
		}
	}
}

// maintain is the single housekeeping pass: every expiry, retry, and
// cadence in the node hangs off this tick.
func (s *Service) maintain(ctx context.Context) {
	now := s.now()

	for i := s.fragments.Sweep(now); i > 0; i-- {
		s.rec.ObserveFragmentDropped("timeout")
	}
	s.processor.Sweep()
	s.msgSeen.DeleteExpired()
	s.pendingAcks.DeleteExpired()
	s.security.Sweep(now)
	s.rec.SetBlockedSenders(s.security.BlockedCount())
	s.relay.Sweep(now)

	for _, peer := range s.sessions.SweepHandshakes(now) {
		s.rec.ObserveHandshakeFailed()
		s.failPending(peer, "handshake timeout")
	}
	for _, peer := range s.sessions.RekeyDue(now) {
		if err := s.startHandshake(peer, ""); err != nil {
			s.log.Debug("rekey not started", "peer", peer.String(), "err", err)
		}
	}
	s.rec.SetSessionsActive(s.sessions.EstablishedCount())

	for _, addr := range s.conns.DueDials(now) {
		s.tryDial(ctx, addr)
	}
	s.conns.Sweep(now)
	s.rec.SetConnectionsActive(s.conns.Count())

	s.sweepPeers(now)

	s.mu.RLock()
	last := s.lastAnnounce
	s.mu.RUnlock()
	if s.conns.Count() > 0 && now.Sub(last) >= s.cfg.AnnounceInterval {
		if err := s.Announce(); err != nil {
			s.log.Debug("periodic announce failed", "err", err)
		}
	}
}

func (s *Service) sweepPeers(now time.Time) {
	var lost []PeerInfo
	s.mu.Lock()
	for id, info := range s.peers {
		if now.Sub(info.LastSeen) > s.cfg.PeerTTL {
			delete(s.peers, id)
			lost = append(lost, *info)
		}
	}
	total := len(s.peers)
	s.mu.Unlock()

	s.rec.SetPeersKnown(total)
	for i := range lost {
		s.emit(Event{Kind: EventPeerLost, PeerID: lost[i].ID.String(), Nickname: lost[i].Nickname})
	}
}

// AddPeer registers addr for outbound dialing. The maintenance loop retries
// with exponential backoff until the address connects or exhausts its
// attempt budget.
func (s *Service) AddPeer(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("mesh: empty peer address")
	}
	s.conns.AddDialTarget(addr)

	s.mu.RLock()
	running := s.running
	ctx := s.runCtx
	s.mu.RUnlock()
	if running && ctx != nil {
		s.tryDial(ctx, addr)
	}
	return nil
}

// RemovePeer forgets a dial target. An already-open link stays up until the
// transport drops it.
func (s *Service) RemovePeer(addr string) {
	s.conns.RemoveDialTarget(addr)
}

func (s *Service) tryDial(ctx context.Context, addr string) {
	if !s.conns.ClaimDial(addr) {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		dialCtx, cancel := context.WithTimeout(ctx, s.cfg.HandshakeTimeout)
		defer cancel()

		link, err := s.transport.Dial(dialCtx, addr)
		if err != nil {
			if errors.Is(s.conns.DialFailed(addr), ErrMaxReconnectAttempts) {
				s.log.Warn("giving up on peer address", "addr", addr, "err", err)
			} else {
				s.log.Debug("dial failed", "addr", addr, "err", err)
			}
			return
		}
		s.conns.DialSucceeded(addr, link, 0)
		s.rec.SetConnectionsActive(s.conns.Count())
		s.log.Debug("dialed peer", "addr", addr, "link", string(link))
		s.announceOn(link)
	}()
}

// Events returns the event stream. The channel is never closed; events are
// dropped and counted when the subscriber lags.
func (s *Service) Events() <-chan Event { return s.events }

func (s *Service) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = s.now()
	}
	select {
	case s.events <- ev:
	default:
		s.rec.ObserveEventDropped()
	}
}

// SetNickname updates the display name carried in announcements and, when
// running, re-announces immediately.
func (s *Service) SetNickname(nickname string) {
	s.mu.Lock()
	s.nickname = truncateNickname(nickname)
	running := s.running
	s.mu.Unlock()
	if running {
		if err := s.Announce(); err != nil {
			s.log.Debug("announce after rename failed", "err", err)
		}
	}
}

func (s *Service) Status() Status {
	s.mu.RLock()
	running := s.running
	nickname := s.nickname
	peers := len(s.peers)
	s.mu.RUnlock()
	return Status{
		Running:     running,
		PeerID:      s.self.String(),
		ShortID:     s.ident.ShortID(),
		Nickname:    nickname,
		Transport:   s.transport.Name(),
		Connections: s.conns.Count(),
		Sessions:    s.sessions.EstablishedCount(),
		Peers:       peers,
		DialTargets: s.conns.DialTargets(),
	}
}

// KnownPeers returns a snapshot of the peer directory.
func (s *Service) KnownPeers() []PeerInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]PeerInfo, 0, len(s.peers))
	for _, info := range s.peers {
		out = append(out, *info)
	}
	return out
}

// PanicWipe destroys the local identity and every piece of runtime state
// tied to it: sessions, peer bindings, peer directory, queued sends, dedup
// and relay accounting. The node keeps running with a fresh-for-nothing
// slate; callers normally Stop right after.
func (s *Service) PanicWipe() error {
	s.sessions.Clear()
	s.security.Reset()
	s.relay.Reset()
	s.fragments.Reset()
	s.processor.Reset()
	s.conns.UnbindAllPeers()
	s.msgSeen.DeleteAll()
	s.pendingAcks.DeleteAll()

	s.mu.Lock()
	s.peers = make(map[protocol.PeerID]*PeerInfo)
	s.pendingByPeer = make(map[protocol.PeerID][]pendingSend)
	s.mu.Unlock()

	s.rec.SetPeersKnown(0)
	s.rec.SetSessionsActive(0)

	err := s.ident.Wipe()
	s.log.Warn("panic wipe executed")
	return err
}

func (s *Service) requireRunning() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.running {
		return ErrNotRunning
	}
	return nil
}

func truncateNickname(nickname string) string {
	if len(nickname) > models.MaxNicknameLength {
		return nickname[:models.MaxNicknameLength]
	}
	return nickname
}
