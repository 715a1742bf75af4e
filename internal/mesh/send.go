package mesh

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/noise"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/pkg/models"
)

// CreateMessage builds a transfer payload carrying a Cashu token, stamped
// with a fresh message ID and this node's fingerprint.
func (s *Service) CreateMessage(amount uint64, unit, token, memo string) (models.ValueTransfer, error) {
	id, err := protocol.NewMessageID()
	if err != nil {
		return models.ValueTransfer{}, err
	}
	return models.ValueTransfer{
		ID:     id.String(),
		Sender: s.ident.Fingerprint(),
		Amount: amount,
		Unit:   unit,
		Token:  token,
		Memo:   memo,
		SentAt: s.now(),
	}, nil
}

// SendTransfer delivers vt to the peer addressed by target, running a Noise
// handshake first when no session exists. The message ID returns
// immediately; delivery progress arrives as events.
func (s *Service) SendTransfer(vt models.ValueTransfer, target string) (string, error) {
	if err := s.requireRunning(); err != nil {
		return "", err
	}
	peer, err := protocol.ParsePeerID(target)
	if err != nil {
		return "", err
	}
	if peer == s.self {
		return "", fmt.Errorf("%w: cannot address self", ErrInvalidPeerID)
	}
	if err := s.fillTransfer(&vt); err != nil {
		return "", err
	}
	body, err := json.Marshal(&vt)
	if err != nil {
		return "", err
	}
	inner := append([]byte{byte(protocol.TypeValueTransfer)}, body...)

	if s.sessions.Established(peer) {
		if err := s.sendSecure(peer, inner, vt.ID); err != nil {
			return "", err
		}
		return vt.ID, nil
	}

	s.queuePending(peer, inner, vt.ID)
	if err := s.startHandshake(peer, ""); err != nil {
		s.dropPending(peer, vt.ID)
		return "", err
	}
	return vt.ID, nil
}

// BroadcastTransfer floods vt unencrypted to every reachable node.
func (s *Service) BroadcastTransfer(vt models.ValueTransfer) (string, error) {
	if err := s.requireRunning(); err != nil {
		return "", err
	}
	if err := s.fillTransfer(&vt); err != nil {
		return "", err
	}
	body, err := json.Marshal(&vt)
	if err != nil {
		return "", err
	}
	pkt := &protocol.Packet{
		Type:      protocol.TypeValueTransfer,
		TTL:       s.cfg.DefaultTTL,
		Sender:    s.self,
		Recipient: protocol.BroadcastID,
		Body:      body,
	}
	if err := s.sendPacket(pkt, ""); err != nil {
		return "", err
	}
	s.emit(Event{Kind: EventMessageSent, MessageID: vt.ID})
	return vt.ID, nil
}

func (s *Service) fillTransfer(vt *models.ValueTransfer) error {
	if vt.ID == "" {
		id, err := protocol.NewMessageID()
		if err != nil {
			return err
		}
		vt.ID = id.String()
	}
	if vt.Sender == "" {
		vt.Sender = s.ident.Fingerprint()
	}
	if vt.SentAt.IsZero() {
		vt.SentAt = s.now()
	}
	return vt.Validate()
}

// EstablishSession opens a Noise session with target ahead of any transfer.
func (s *Service) EstablishSession(target string) error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	peer, err := protocol.ParsePeerID(target)
	if err != nil {
		return err
	}
	if s.sessions.Established(peer) {
		return nil
	}
	return s.startHandshake(peer, "")
}

// Announce broadcasts this node's identity card immediately.
func (s *Service) Announce() error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	pkt, err := s.buildAnnounce()
	if err != nil {
		return err
	}
	if err := s.sendPacket(pkt, ""); err != nil {
		return err
	}
	s.mu.Lock()
	s.lastAnnounce = s.now()
	s.mu.Unlock()
	return nil
}

func (s *Service) announceOn(link LinkID) {
	pkt, err := s.buildAnnounce()
	if err != nil {
		s.log.Debug("announce build failed", "err", err)
		return
	}
	frame, err := pkt.Encode()
	if err != nil {
		return
	}
	if err := s.sendOn(link, frame); err != nil {
		s.log.Debug("announce send failed", "link", string(link), "err", err)
	}
}

func (s *Service) buildAnnounce() (*protocol.Packet, error) {
	s.mu.Lock()
	nickname := s.nickname
	// Nonces must be strictly increasing for receivers to accept updates;
	// UnixNano is monotonic enough except across same-tick calls.
	nonce := uint64(s.now().UnixNano())
	if nonce <= s.announceNonce {
		nonce = s.announceNonce + 1
	}
	s.announceNonce = nonce
	s.mu.Unlock()

	ann, err := s.ident.Announcement(nickname, nonce)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ann)
	if err != nil {
		return nil, err
	}
	return &protocol.Packet{
		Type:      protocol.TypeIdentityAnnounce,
		TTL:       s.cfg.DefaultTTL,
		Sender:    s.self,
		Recipient: protocol.BroadcastID,
		Body:      body,
	}, nil
}

// RequestSync asks neighbors to re-announce identities this node has not
// seen yet.
func (s *Service) RequestSync() error {
	if err := s.requireRunning(); err != nil {
		return err
	}
	s.mu.RLock()
	known := make([]string, 0, len(s.peers)+1)
	known = append(known, s.self.String())
	for id := range s.peers {
		known = append(known, id.String())
	}
	s.mu.RUnlock()

	body, err := json.Marshal(&models.SyncRequest{KnownPeers: known})
	if err != nil {
		return err
	}
	pkt := &protocol.Packet{
		Type:      protocol.TypeSyncRequest,
		TTL:       s.cfg.DefaultTTL,
		Sender:    s.self,
		Recipient: protocol.BroadcastID,
		Body:      body,
	}
	return s.sendPacket(pkt, "")
}

// sendSecure encrypts inner for peer, ships it, and starts the delivery
// timer for msgID.
func (s *Service) sendSecure(peer protocol.PeerID, inner []byte, msgID string) error {
	ct, err := s.sessions.Encrypt(peer, inner)
	if err != nil {
		return err
	}
	pkt := &protocol.Packet{
		Type:      protocol.TypeNoiseEncrypted,
		TTL:       s.cfg.DefaultTTL,
		Sender:    s.self,
		Recipient: peer,
		Body:      ct,
	}
	if err := s.sendPacket(pkt, ""); err != nil {
		return err
	}
	s.trackAck(peer, msgID)
	s.emit(Event{Kind: EventMessageSent, PeerID: peer.String(), MessageID: msgID})
	return nil
}

// sendPacket encodes pkt and ships it, fragmenting when the frame exceeds
// what the transport carries. A non-empty prefer link is tried first.
func (s *Service) sendPacket(pkt *protocol.Packet, prefer LinkID) error {
	frame, err := pkt.Encode()
	if err != nil {
		return err
	}
	if len(frame) > s.maxFrame() {
		return s.sendFragmented(pkt, frame)
	}
	if prefer != "" {
		if err := s.sendOn(prefer, frame); err == nil {
			return nil
		}
	}
	return s.fanOut(frame, pkt.Recipient, "")
}

func (s *Service) sendFragmented(pkt *protocol.Packet, frame []byte) error {
	frames, err := s.fragments.Split(frame, pkt.Sender, pkt.Recipient, pkt.TTL, s.maxFrame())
	if err != nil {
		return err
	}
	s.rec.ObserveFragmentsSplit(len(frames))

	var firstErr error
	for _, f := range frames {
		if err := s.fanOut(f, pkt.Recipient, ""); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// maxFrame is the largest frame handed to the transport: its own ceiling,
// tightened so fragment chunks stay at the configured size.
func (s *Service) maxFrame() int {
	max := s.transport.MaxFrameSize()
	if cap := fragmentOverhead + s.cfg.FragmentSize; cap < max {
		return cap
	}
	return max
}

// sendOn ships one frame on a specific link, marking it seen first so the
// flood cannot echo it back through routing.
func (s *Service) sendOn(link LinkID, frame []byte) error {
	s.processor.MarkSeen(frame)
	if err := s.transport.Send(link, frame); err != nil {
		return err
	}
	s.rec.ObserveFrameOut(len(frame))
	return nil
}

// fanOut delivers frame toward recipient: over the pinned direct link when
// one exists, otherwise flooded on every active link except except.
func (s *Service) fanOut(frame []byte, recipient protocol.PeerID, except LinkID) error {
	s.processor.MarkSeen(frame)

	if recipient.Valid() {
		if link, ok := s.conns.LinkForPeer(recipient); ok && link != except {
			if err := s.transport.Send(link, frame); err == nil {
				s.rec.ObserveFrameOut(len(frame))
				return nil
			}
			// Direct path failed; fall through to the flood.
		}
	}

	sent := 0
	for _, link := range s.conns.ActiveLinks() {
		if link == except {
			continue
		}
		if err := s.transport.Send(link, frame); err != nil {
			s.log.Debug("send failed", "link", string(link), "err", err)
			continue
		}
		s.rec.ObserveFrameOut(len(frame))
		sent++
	}
	if sent == 0 {
		return ErrNoRoute
	}
	return nil
}

// relayPacket forwards a frame received for someone else: decrement TTL,
// re-encode, flood everywhere but the arrival link.
func (s *Service) relayPacket(pkt *protocol.Packet, frame []byte, arrival LinkID) {
	ok, reason := s.relay.Decide(pkt, len(frame))
	if !ok {
		s.rec.ObserveRelaySuppressed(reason)
		return
	}

	fwd := *pkt
	fwd.TTL--
	out, err := fwd.Encode()
	if err != nil {
		return
	}
	s.processor.MarkSeen(out)

	sent := 0
	for _, link := range s.conns.ActiveLinks() {
		if link == arrival {
			continue
		}
		if err := s.transport.Send(link, out); err != nil {
			continue
		}
		s.rec.ObserveFrameOut(len(out))
		sent++
	}
	if sent > 0 {
		s.rec.ObserveRelayed()
	}
}

func (s *Service) startHandshake(peer protocol.PeerID, prefer LinkID) error {
	msg, err := s.sessions.Initiate(peer)
	if errors.Is(err, noise.ErrHandshakeInFlight) {
		return nil
	}
	if err != nil {
		return err
	}
	s.rec.ObserveHandshakeStarted()
	pkt := &protocol.Packet{
		Type:      protocol.TypeNoiseHandshake,
		TTL:       s.cfg.DefaultTTL,
		Sender:    s.self,
		Recipient: peer,
		Body:      msg,
	}
	return s.sendPacket(pkt, prefer)
}

// sendHandshakeFrame ships a handshake reply, preferring the link the
// inbound message arrived on.
func (s *Service) sendHandshakeFrame(peer protocol.PeerID, payload []byte, prefer LinkID) {
	pkt := &protocol.Packet{
		Type:      protocol.TypeNoiseHandshake,
		TTL:       s.cfg.DefaultTTL,
		Sender:    s.self,
		Recipient: peer,
		Body:      payload,
	}
	if err := s.sendPacket(pkt, prefer); err != nil {
		s.log.Debug("handshake send failed", "peer", peer.String(), "err", err)
	}
}

func (s *Service) queuePending(peer protocol.PeerID, inner []byte, msgID string) {
	var dropped pendingSend
	var overflow bool

	s.mu.Lock()
	queue := s.pendingByPeer[peer]
	if len(queue) >= maxPendingPerPeer {
		dropped = queue[0]
		queue = queue[1:]
		overflow = true
	}
	s.pendingByPeer[peer] = append(queue, pendingSend{inner: inner, msgID: msgID})
	s.mu.Unlock()

	if overflow {
		s.emit(Event{
			Kind:      EventMessageSendFailed,
			PeerID:    peer.String(),
			MessageID: dropped.msgID,
			Reason:    "queue overflow",
		})
	}
}

func (s *Service) dropPending(peer protocol.PeerID, msgID string) {
	s.mu.Lock()
	queue := s.pendingByPeer[peer]
	for i := range queue {
		if queue[i].msgID == msgID {
			s.pendingByPeer[peer] = append(queue[:i], queue[i+1:]...)
			break
		}
	}
	if len(s.pendingByPeer[peer]) == 0 {
		delete(s.pendingByPeer, peer)
	}
	s.mu.Unlock()
}

// flushPending drains the queue that built up while peer's handshake ran.
func (s *Service) flushPending(peer protocol.PeerID) {
	s.mu.Lock()
	queue := s.pendingByPeer[peer]
	delete(s.pendingByPeer, peer)
	s.mu.Unlock()

	for _, p := range queue {
		ct, err := s.sessions.Encrypt(peer, p.inner)
		if err != nil {
			s.emit(Event{Kind: EventMessageSendFailed, PeerID: peer.String(), MessageID: p.msgID, Reason: "encrypt failed"})
			continue
		}
		pkt := &protocol.Packet{
			Type:      protocol.TypeNoiseEncrypted,
			TTL:       s.cfg.DefaultTTL,
			Sender:    s.self,
			Recipient: peer,
			Body:      ct,
		}
		if err := s.sendPacket(pkt, ""); err != nil {
			s.emit(Event{Kind: EventMessageSendFailed, PeerID: peer.String(), MessageID: p.msgID, Reason: "no route"})
			continue
		}
		s.trackAck(peer, p.msgID)
		s.emit(Event{Kind: EventMessageSent, PeerID: peer.String(), MessageID: p.msgID})
	}
}

func (s *Service) failPending(peer protocol.PeerID, reason string) {
	s.mu.Lock()
	queue := s.pendingByPeer[peer]
	delete(s.pendingByPeer, peer)
	s.mu.Unlock()

	for _, p := range queue {
		s.emit(Event{Kind: EventMessageSendFailed, PeerID: peer.String(), MessageID: p.msgID, Reason: reason})
	}
}

func (s *Service) trackAck(peer protocol.PeerID, msgID string) {
	if msgID == "" {
		return
	}
	s.pendingAcks.Set(msgID, pendingAck{peer: peer, msgID: msgID}, ttlcache.DefaultTTL)
}
