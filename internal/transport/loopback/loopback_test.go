package loopback

import (
	"bytes"
	"context"
	"sync"
	"testing"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/mesh"
)

type linkUp struct {
	link   mesh.LinkID
	addr   string
	signal int
}

type inFrame struct {
	link   mesh.LinkID
	frame  []byte
	signal int
}

// recordSink captures sink callbacks for assertions.
type recordSink struct {
	mu     sync.Mutex
	ups    []linkUp
	downs  []mesh.LinkID
	frames []inFrame
}

func (r *recordSink) LinkUp(link mesh.LinkID, addr string, signalDBm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ups = append(r.ups, linkUp{link, addr, signalDBm})
}

func (r *recordSink) LinkDown(link mesh.LinkID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.downs = append(r.downs, link)
}

func (r *recordSink) Frame(link mesh.LinkID, frame []byte, signalDBm int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, inFrame{link, append([]byte(nil), frame...), signalDBm})
}

func (r *recordSink) lastUp(t *testing.T) linkUp {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.ups) == 0 {
		t.Fatal("no LinkUp recorded")
	}
	return r.ups[len(r.ups)-1]
}

func startedPair(t *testing.T) (*Transport, *recordSink, *Transport, *recordSink) {
	t.Helper()
	bus := NewBus()
	a := New(bus, Options{Addr: "node-a"})
	b := New(bus, Options{Addr: "node-b", SignalDBm: -70})
	sa, sb := &recordSink{}, &recordSink{}
	if err := a.Start(context.Background(), sa); err != nil {
		t.Fatalf("start a: %v", err)
	}
	if err := b.Start(context.Background(), sb); err != nil {
		t.Fatalf("start b: %v", err)
	}
	t.Cleanup(func() {
		a.Stop()
		b.Stop()
	})
	return a, sa, b, sb
}

func TestDialPairsEndpoints(t *testing.T) {
	a, sa, b, sb := startedPair(t)

	link, err := a.Dial(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	up := sb.lastUp(t)
	if up.addr != "node-a" || up.signal != -70 {
		t.Fatalf("LinkUp = %+v", up)
	}
	if len(sa.ups) != 0 {
		t.Fatal("dialer received LinkUp for its own dial")
	}

	// Frames flow dialer to acceptor with the acceptor's signal.
	frame := []byte("ping")
	if err := a.Send(link, frame); err != nil {
		t.Fatalf("send: %v", err)
	}
	sb.mu.Lock()
	got := sb.frames[len(sb.frames)-1]
	sb.mu.Unlock()
	if got.link != up.link || !bytes.Equal(got.frame, frame) || got.signal != -70 {
		t.Fatalf("frame at b = %+v", got)
	}

	// And back the other way.
	if err := b.Send(up.link, []byte("pong")); err != nil {
		t.Fatalf("reply: %v", err)
	}
	sa.mu.Lock()
	reply := sa.frames[len(sa.frames)-1]
	sa.mu.Unlock()
	if reply.link != link || !bytes.Equal(reply.frame, []byte("pong")) || reply.signal != -55 {
		t.Fatalf("frame at a = %+v", reply)
	}
}

func TestDialErrors(t *testing.T) {
	a, _, _, _ := startedPair(t)

	if _, err := a.Dial(context.Background(), "node-x"); err == nil {
		t.Fatal("dial to unknown address succeeded")
	}
	if _, err := a.Dial(context.Background(), "node-a"); err == nil {
		t.Fatal("self dial succeeded")
	}
}

func TestDisconnectNotifiesBothSides(t *testing.T) {
	a, sa, b, sb := startedPair(t)

	link, err := a.Dial(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	up := sb.lastUp(t)

	if err := b.Disconnect(up.link); err != nil {
		t.Fatalf("disconnect: %v", err)
	}
	sb.mu.Lock()
	bDowns := len(sb.downs)
	sb.mu.Unlock()
	sa.mu.Lock()
	aDowns := len(sa.downs)
	sa.mu.Unlock()
	if bDowns != 1 || aDowns != 1 {
		t.Fatalf("LinkDown counts: a=%d b=%d, want 1/1", aDowns, bDowns)
	}

	if err := a.Send(link, []byte("x")); err == nil {
		t.Fatal("send on a torn-down link succeeded")
	}
}

func TestStopTearsDownPeers(t *testing.T) {
	a, _, b, sb := startedPair(t)

	_, err := a.Dial(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	up := sb.lastUp(t)

	if err := a.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	sb.mu.Lock()
	downs := len(sb.downs)
	sb.mu.Unlock()
	if downs != 1 {
		t.Fatalf("b saw %d LinkDowns after a stopped, want 1", downs)
	}
	if err := b.Send(up.link, []byte("x")); err == nil {
		t.Fatal("send to a stopped node succeeded")
	}
	if _, err := b.Dial(context.Background(), "node-a"); err == nil {
		t.Fatal("dial to a detached address succeeded")
	}
}

func TestSendEnforcesMaxFrame(t *testing.T) {
	bus := NewBus()
	a := New(bus, Options{Addr: "node-a", MaxFrame: 16})
	b := New(bus, Options{Addr: "node-b"})
	sa, sb := &recordSink{}, &recordSink{}
	a.Start(context.Background(), sa)
	b.Start(context.Background(), sb)
	t.Cleanup(func() { a.Stop(); b.Stop() })

	link, err := a.Dial(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if err := a.Send(link, make([]byte, 17)); err == nil {
		t.Fatal("oversized frame accepted")
	}
	if err := a.Send(link, make([]byte, 16)); err != nil {
		t.Fatalf("frame at the limit refused: %v", err)
	}
}

func TestTapObservesOutboundFrames(t *testing.T) {
	a, _, _, sb := startedPair(t)

	var tapped [][]byte
	var mu sync.Mutex
	a.SetTap(func(frame []byte) {
		mu.Lock()
		tapped = append(tapped, frame)
		mu.Unlock()
	})

	link, err := a.Dial(context.Background(), "node-b")
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	_ = sb.lastUp(t)
	if err := a.Send(link, []byte("observed")); err != nil {
		t.Fatalf("send: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tapped) != 1 || !bytes.Equal(tapped[0], []byte("observed")) {
		t.Fatalf("tap saw %d frames", len(tapped))
	}
}
