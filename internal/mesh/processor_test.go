package mesh

import (
	"testing"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

var (
	nodeSelf  = protocol.PeerID{0x11, 1, 1, 1, 1, 1, 1, 1}
	nodeOther = protocol.PeerID{0x22, 2, 2, 2, 2, 2, 2, 2}
	nodeThird = protocol.PeerID{0x33, 3, 3, 3, 3, 3, 3, 3}
)

func encodePacket(t *testing.T, typ protocol.MessageType, ttl uint8, sender, recipient protocol.PeerID) (*protocol.Packet, []byte) {
	t.Helper()
	pkt := &protocol.Packet{
		Type:      typ,
		TTL:       ttl,
		Sender:    sender,
		Recipient: recipient,
		Body:      []byte("body"),
	}
	frame, err := pkt.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return pkt, frame
}

func TestRouteDecisions(t *testing.T) {
	cases := []struct {
		name      string
		ttl       uint8
		sender    protocol.PeerID
		recipient protocol.PeerID
		deliver   bool
		relay     bool
		drop      string
	}{
		{"own echo", 5, nodeSelf, nodeOther, false, false, dropOwnEcho},
		{"addressed to self", 5, nodeOther, nodeSelf, true, false, ""},
		{"addressed to self at ttl 1", 1, nodeOther, nodeSelf, true, false, ""},
		{"broadcast", 5, nodeOther, protocol.BroadcastID, true, true, ""},
		{"broadcast at ttl 1", 1, nodeOther, protocol.BroadcastID, true, false, ""},
		{"foreign", 5, nodeOther, nodeThird, false, true, ""},
		{"foreign at ttl 1", 1, nodeOther, nodeThird, false, false, dropTTLExhausted},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := NewPacketProcessor(nodeSelf, time.Minute)
			pkt, frame := encodePacket(t, protocol.TypeValueTransfer, tc.ttl, tc.sender, tc.recipient)
			dec := p.Route(pkt, frame)
			if dec.Deliver != tc.deliver || dec.Relay != tc.relay || dec.DropReason != tc.drop {
				t.Fatalf("Route() = %+v, want deliver=%v relay=%v drop=%q", dec, tc.deliver, tc.relay, tc.drop)
			}
		})
	}
}

func TestRouteDuplicateFrame(t *testing.T) {
	p := NewPacketProcessor(nodeSelf, time.Minute)
	pkt, frame := encodePacket(t, protocol.TypeValueTransfer, 5, nodeOther, protocol.BroadcastID)

	if dec := p.Route(pkt, frame); dec.DropReason != "" {
		t.Fatalf("first pass dropped: %q", dec.DropReason)
	}
	if dec := p.Route(pkt, frame); dec.DropReason != dropDuplicate {
		t.Fatalf("second pass: drop %q, want %q", dec.DropReason, dropDuplicate)
	}
}

func TestRouteDigestCoversTTL(t *testing.T) {
	// The same logical packet at a different TTL is a different frame: a
	// relayed copy must not be confused with the original.
	p := NewPacketProcessor(nodeSelf, time.Minute)
	pkt7, frame7 := encodePacket(t, protocol.TypeValueTransfer, 7, nodeOther, protocol.BroadcastID)
	pkt6, frame6 := encodePacket(t, protocol.TypeValueTransfer, 6, nodeOther, protocol.BroadcastID)

	if dec := p.Route(pkt7, frame7); dec.DropReason != "" {
		t.Fatalf("ttl 7 dropped: %q", dec.DropReason)
	}
	if dec := p.Route(pkt6, frame6); dec.DropReason != "" {
		t.Fatalf("ttl 6 dropped: %q", dec.DropReason)
	}
}

func TestRouteOwnEchoBeatsDedup(t *testing.T) {
	// A frame this node originated is reported as an echo, not a duplicate,
	// no matter how often it comes back.
	p := NewPacketProcessor(nodeSelf, time.Minute)
	pkt, frame := encodePacket(t, protocol.TypeValueTransfer, 5, nodeSelf, protocol.BroadcastID)

	for i := 0; i < 2; i++ {
		if dec := p.Route(pkt, frame); dec.DropReason != dropOwnEcho {
			t.Fatalf("pass %d: drop %q, want %q", i, dec.DropReason, dropOwnEcho)
		}
	}
}

func TestMarkSeenPredropsFrame(t *testing.T) {
	p := NewPacketProcessor(nodeSelf, time.Minute)
	pkt, frame := encodePacket(t, protocol.TypeValueTransfer, 5, nodeOther, protocol.BroadcastID)

	p.MarkSeen(frame)
	if !p.Seen(frame) {
		t.Fatal("MarkSeen did not register the frame")
	}
	if dec := p.Route(pkt, frame); dec.DropReason != dropDuplicate {
		t.Fatalf("marked frame routed: %+v", dec)
	}
}

func TestSeenCountAndReset(t *testing.T) {
	p := NewPacketProcessor(nodeSelf, time.Minute)
	_, frame1 := encodePacket(t, protocol.TypeValueTransfer, 5, nodeOther, protocol.BroadcastID)
	_, frame2 := encodePacket(t, protocol.TypeValueTransfer, 4, nodeOther, protocol.BroadcastID)

	p.MarkSeen(frame1)
	p.MarkSeen(frame2)
	p.MarkSeen(frame2)
	if got := p.SeenCount(); got != 2 {
		t.Fatalf("SeenCount() = %d, want 2", got)
	}
	p.Reset()
	if got := p.SeenCount(); got != 0 {
		t.Fatalf("after Reset: SeenCount() = %d, want 0", got)
	}
	if p.Seen(frame1) {
		t.Fatal("frame survived Reset")
	}
}

func TestSeenExpiresWithRetention(t *testing.T) {
	p := NewPacketProcessor(nodeSelf, 30*time.Millisecond)
	_, frame := encodePacket(t, protocol.TypeValueTransfer, 5, nodeOther, protocol.BroadcastID)

	p.MarkSeen(frame)
	time.Sleep(60 * time.Millisecond)
	p.Sweep()
	if p.Seen(frame) {
		t.Fatal("frame survived past the dedup retention")
	}
}
