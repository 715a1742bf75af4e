package mesh

import (
	"encoding/json"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/identity"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/pkg/models"
)

// handleFrame is the single inbound path: security gate, decode, routing
// decision, then per-type delivery. Relay happens before delivery so a
// slow handler cannot stall the flood.
func (s *Service) handleFrame(in inboundFrame) {
	s.rec.ObserveFrameIn(len(in.frame))

	key := "link:" + string(in.link)
	if conn, ok := s.conns.Get(in.link); ok {
		key = conn.SecurityKey()
		s.conns.Touch(in.link, in.signal)
	}

	verdict, err := s.security.Validate(key, in.frame, in.signal)
	if verdict != VerdictAccepted {
		s.rec.ObserveRejected(string(verdict))
		s.log.Debug("frame rejected", "verdict", string(verdict), "link", string(in.link), "err", err)
		return
	}

	pkt, err := protocol.Decode(in.frame)
	if err != nil {
		// Validate passed structural checks, so only a torn read gets here.
		s.rec.ObserveRejected(string(VerdictMalformed))
		return
	}

	dec := s.processor.Route(pkt, in.frame)
	if dec.DropReason != "" {
		s.rec.ObserveDropped(dec.DropReason)
		return
	}
	if dec.Relay {
		s.relayPacket(pkt, in.frame, in.link)
	}
	if !dec.Deliver {
		return
	}
	s.rec.ObserveDelivered()

	if pkt.Type == protocol.TypeFragment {
		s.handleFragment(pkt, in.link)
		return
	}
	s.dispatch(pkt, in.link)
}

func (s *Service) dispatch(pkt *protocol.Packet, link LinkID) {
	switch pkt.Type {
	case protocol.TypeNoiseHandshake:
		s.handleHandshake(pkt, link)
	case protocol.TypeNoiseEncrypted:
		s.handleEncrypted(pkt, link)
	case protocol.TypeValueTransfer:
		s.deliverTransfer(pkt, pkt.Body, link, false)
	case protocol.TypeIdentityAnnounce:
		s.handleAnnounce(pkt, link)
	case protocol.TypeSyncRequest:
		s.handleSync(pkt, link)
	case protocol.TypeDeliveryAck:
		s.deliverAck(pkt.Body)
	}
}

// handleFragment absorbs one fragment and, on completion, routes the
// reassembled frame through the processor again. The assembled frame is
// never relayed: each fragment already flooded on its own.
func (s *Service) handleFragment(pkt *protocol.Packet, link LinkID) {
	full, err := s.fragments.Absorb(pkt)
	if err != nil {
		s.rec.ObserveFragmentDropped("malformed")
		s.log.Debug("fragment rejected", "sender", pkt.Sender.String(), "err", err)
		return
	}
	if full == nil {
		return
	}
	s.rec.ObserveFragmentAssembled()

	inner, err := protocol.Decode(full)
	if err != nil {
		s.rec.ObserveFragmentDropped("bad-assembly")
		return
	}
	if inner.Type == protocol.TypeFragment {
		s.rec.ObserveFragmentDropped("nested")
		return
	}
	dec := s.processor.Route(inner, full)
	if dec.DropReason != "" {
		s.rec.ObserveDropped(dec.DropReason)
		return
	}
	if dec.Deliver {
		s.dispatch(inner, link)
	}
}

func (s *Service) handleHandshake(pkt *protocol.Packet, link LinkID) {
	if !s.hsLimiter.Allow(pkt.Sender.String(), s.now()) {
		s.rec.ObserveDropped("handshake-flood")
		return
	}

	reply, est, err := s.sessions.HandleMessage(pkt.Sender, pkt.Body)
	if err != nil {
		s.rec.ObserveHandshakeFailed()
		s.log.Debug("handshake failed", "peer", pkt.Sender.String(), "err", err)
		if !s.sessions.Established(pkt.Sender) {
			s.failPending(pkt.Sender, "handshake failed")
		}
		return
	}
	if reply != nil {
		s.sendHandshakeFrame(pkt.Sender, reply, link)
	}
	if est == nil {
		return
	}

	s.rec.ObserveHandshakeCompleted()
	s.rec.SetSessionsActive(s.sessions.EstablishedCount())
	// Full TTL means the frame came straight from the peer, so the arrival
	// link is a direct path worth pinning.
	if pkt.TTL == s.cfg.DefaultTTL {
		s.conns.BindPeer(link, est.Peer, true)
	}
	s.recordSessionKey(est.Peer, est.RemoteStatic)
	if !est.Rekeyed {
		s.emit(Event{Kind: EventSessionEstablished, PeerID: est.Peer.String()})
	}
	s.flushPending(est.Peer)
}

func (s *Service) handleEncrypted(pkt *protocol.Packet, link LinkID) {
	plaintext, err := s.sessions.Decrypt(pkt.Sender, pkt.Body)
	if err != nil {
		s.rec.ObserveDropped("decrypt-failed")
		s.log.Debug("decrypt failed", "peer", pkt.Sender.String(), "err", err)
		return
	}
	if len(plaintext) == 0 {
		s.rec.ObserveDropped("empty-secure-payload")
		return
	}

	innerType := protocol.MessageType(plaintext[0])
	body := plaintext[1:]
	switch innerType {
	case protocol.TypeValueTransfer:
		s.deliverTransfer(pkt, body, link, true)
	case protocol.TypeDeliveryAck:
		s.deliverAck(body)
	default:
		s.rec.ObserveDropped("unexpected-secure-type")
	}
}

func (s *Service) deliverTransfer(pkt *protocol.Packet, body []byte, link LinkID, viaSecure bool) {
	var vt models.ValueTransfer
	if err := json.Unmarshal(body, &vt); err != nil {
		s.rec.ObserveDropped("malformed-transfer")
		return
	}
	if err := vt.Validate(); err != nil {
		s.rec.ObserveDropped("invalid-transfer")
		s.log.Debug("transfer rejected", "sender", pkt.Sender.String(), "err", err)
		return
	}

	// Message-level dedup outlives frame dedup: the same transfer can
	// arrive re-encoded with a different TTL or via reassembly.
	msgKey := pkt.Sender.String() + "/" + vt.ID
	if s.msgSeen.Has(msgKey) {
		s.rec.ObserveDropped("duplicate-message")
		return
	}
	s.msgSeen.Set(msgKey, struct{}{}, ttlcache.DefaultTTL)

	s.touchPeer(pkt.Sender)
	s.emit(Event{
		Kind:      EventMessageReceived,
		PeerID:    pkt.Sender.String(),
		MessageID: vt.ID,
		Transfer:  &vt,
	})

	if pkt.Recipient == s.self {
		s.sendAck(pkt.Sender, vt.ID, viaSecure, link)
	}
}

func (s *Service) sendAck(peer protocol.PeerID, msgID string, secure bool, link LinkID) {
	ack := models.DeliveryAck{
		MessageID:  msgID,
		PeerID:     s.self.String(),
		ReceivedAt: s.now(),
	}
	body, err := json.Marshal(&ack)
	if err != nil {
		return
	}

	if secure && s.sessions.Established(peer) {
		inner := append([]byte{byte(protocol.TypeDeliveryAck)}, body...)
		if ct, err := s.sessions.Encrypt(peer, inner); err == nil {
			pkt := &protocol.Packet{
				Type:      protocol.TypeNoiseEncrypted,
				TTL:       s.cfg.DefaultTTL,
				Sender:    s.self,
				Recipient: peer,
				Body:      ct,
			}
			if err := s.sendPacket(pkt, link); err != nil {
				s.log.Debug("ack send failed", "peer", peer.String(), "err", err)
			}
			return
		}
	}

	pkt := &protocol.Packet{
		Type:      protocol.TypeDeliveryAck,
		TTL:       s.cfg.DefaultTTL,
		Sender:    s.self,
		Recipient: peer,
		Body:      body,
	}
	if err := s.sendPacket(pkt, link); err != nil {
		s.log.Debug("ack send failed", "peer", peer.String(), "err", err)
	}
}

func (s *Service) deliverAck(body []byte) {
	var ack models.DeliveryAck
	if err := json.Unmarshal(body, &ack); err != nil {
		s.rec.ObserveDropped("malformed-ack")
		return
	}
	if err := ack.Validate(); err != nil {
		s.rec.ObserveDropped("invalid-ack")
		return
	}

	item := s.pendingAcks.Get(ack.MessageID)
	if item == nil {
		s.rec.ObserveDropped("unknown-ack")
		return
	}
	pa := item.Value()
	if pa.peer.String() != ack.PeerID {
		s.rec.ObserveDropped("ack-peer-mismatch")
		return
	}
	s.pendingAcks.Delete(ack.MessageID)
	s.emit(Event{Kind: EventMessageDelivered, PeerID: ack.PeerID, MessageID: ack.MessageID})
}

func (s *Service) handleAnnounce(pkt *protocol.Packet, link LinkID) {
	if !s.annLimiter.Allow(pkt.Sender.String(), s.now()) {
		s.rec.ObserveDropped("announce-flood")
		return
	}

	var ann models.IdentityAnnouncement
	if err := json.Unmarshal(pkt.Body, &ann); err != nil {
		s.rec.ObserveDropped("malformed-announce")
		return
	}
	if err := identity.VerifyAnnouncement(&ann); err != nil {
		s.rec.ObserveDropped("unverified-announce")
		s.log.Debug("announce rejected", "sender", pkt.Sender.String(), "err", err)
		return
	}
	annPeer, err := protocol.ParsePeerID(ann.PeerID)
	if err != nil || annPeer != pkt.Sender {
		s.rec.ObserveDropped("announce-sender-mismatch")
		return
	}
	if annPeer == s.self {
		return
	}

	now := s.now()
	s.mu.Lock()
	info, known := s.peers[annPeer]
	if known && ann.Nonce <= info.LastNonce {
		s.mu.Unlock()
		s.rec.ObserveDropped("stale-announce")
		return
	}
	if !known {
		info = &PeerInfo{ID: annPeer, FirstSeen: now}
		s.peers[annPeer] = info
	}
	info.Nickname = ann.Nickname
	info.StaticKey = append([]byte(nil), ann.StaticKey...)
	info.SigningKey = append([]byte(nil), ann.SigningKey...)
	info.LastNonce = ann.Nonce
	info.LastSeen = now
	total := len(s.peers)
	s.mu.Unlock()

	if pkt.TTL == s.cfg.DefaultTTL {
		s.conns.BindPeer(link, annPeer, true)
	}
	s.rec.SetPeersKnown(total)
	if !known {
		s.emit(Event{Kind: EventPeerDiscovered, PeerID: annPeer.String(), Nickname: ann.Nickname})
	}
}

func (s *Service) handleSync(pkt *protocol.Packet, link LinkID) {
	var req models.SyncRequest
	if err := json.Unmarshal(pkt.Body, &req); err != nil {
		s.rec.ObserveDropped("malformed-sync")
		return
	}
	if req.Knows(s.self.String()) {
		return
	}
	s.announceOn(link)
}

func (s *Service) touchPeer(peer protocol.PeerID) {
	s.mu.Lock()
	if info, ok := s.peers[peer]; ok {
		info.LastSeen = s.now()
	}
	s.mu.Unlock()
}

// recordSessionKey stores the static key proven by a completed handshake.
// A handshake can finish before any announce arrives, so the directory
// entry is created on demand; the nickname stays empty until one does.
func (s *Service) recordSessionKey(peer protocol.PeerID, static []byte) {
	if len(static) == 0 {
		return
	}
	now := s.now()
	s.mu.Lock()
	info, ok := s.peers[peer]
	if !ok {
		info = &PeerInfo{ID: peer, FirstSeen: now}
		s.peers[peer] = info
	}
	info.StaticKey = append([]byte(nil), static...)
	info.LastSeen = now
	s.mu.Unlock()
}
