package mesh

import (
	"time"

	"github.com/jellydator/ttlcache/v3"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

// Drop reasons surfaced by routing. They feed metric labels and logs.
const (
	dropOwnEcho      = "own-echo"
	dropDuplicate    = "duplicate"
	dropTTLExhausted = "ttl-exhausted"
)

// seenCapacity bounds the packet dedup store regardless of retention.
const seenCapacity = 8192

// RouteDecision is where one decoded packet goes next. Deliver and Relay
// can both be set for broadcast traffic; DropReason is set when neither is.
type RouteDecision struct {
	Deliver    bool
	Relay      bool
	DropReason string
}

// PacketProcessor makes routing decisions and deduplicates frames by
// digest. The digest covers the full frame including TTL, so the same
// packet arriving over paths of different lengths counts as distinct at
// this level; message-level dedup collapses those on delivery.
type PacketProcessor struct {
	self protocol.PeerID
	seen *ttlcache.Cache[string, struct{}]
}

func NewPacketProcessor(self protocol.PeerID, retention time.Duration) *PacketProcessor {
	seen := ttlcache.New[string, struct{}](
		ttlcache.WithTTL[string, struct{}](retention),
		ttlcache.WithCapacity[string, struct{}](seenCapacity),
		ttlcache.WithDisableTouchOnHit[string, struct{}](),
	)
	return &PacketProcessor{self: self, seen: seen}
}

// Route decides what to do with pkt, whose encoded form is frame. The frame
// is marked seen as a side effect, so a second arrival reports a duplicate.
func (p *PacketProcessor) Route(pkt *protocol.Packet, frame []byte) RouteDecision {
	if pkt.Sender == p.self {
		return RouteDecision{DropReason: dropOwnEcho}
	}
	digest := protocol.Digest(frame)
	if p.seen.Has(digest) {
		return RouteDecision{DropReason: dropDuplicate}
	}
	p.seen.Set(digest, struct{}{}, ttlcache.DefaultTTL)

	switch {
	case pkt.Recipient == p.self:
		return RouteDecision{Deliver: true}
	case pkt.Recipient.IsBroadcast():
		dec := RouteDecision{Deliver: true}
		if pkt.TTL > 1 {
			dec.Relay = true
		}
		return dec
	default:
		if pkt.TTL > 1 {
			return RouteDecision{Relay: true}
		}
		return RouteDecision{DropReason: dropTTLExhausted}
	}
}

// MarkSeen records an outbound frame so the node drops its own flood echo.
func (p *PacketProcessor) MarkSeen(frame []byte) {
	p.seen.Set(protocol.Digest(frame), struct{}{}, ttlcache.DefaultTTL)
}

// Seen reports whether a frame digest is already recorded.
func (p *PacketProcessor) Seen(frame []byte) bool {
	return p.seen.Has(protocol.Digest(frame))
}

// Sweep evicts expired dedup entries. Driven by the maintenance tick; the
// cache runs no goroutine of its own.
func (p *PacketProcessor) Sweep() {
	p.seen.DeleteExpired()
}

// SeenCount returns the number of tracked digests.
func (p *PacketProcessor) SeenCount() int {
	return p.seen.Len()
}

// Reset drops all dedup state. Used by the panic wipe.
func (p *PacketProcessor) Reset() {
	p.seen.DeleteAll()
}
