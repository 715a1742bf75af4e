// Package loopback connects mesh nodes inside one process. Every Dial
// pairs two endpoints over a shared bus and frames move synchronously
// between sinks, which keeps multi-node tests and the meshpipe demo free
// of sockets and timing slack.
package loopback

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/mesh"
)

// DefaultMaxFrame mirrors a radio-sized MTU so the fragmentation path gets
// exercised even in process.
const DefaultMaxFrame = 512

const defaultSignalDBm = -55

// Bus links loopback transports by address.
type Bus struct {
	mu    sync.Mutex
	seq   int
	nodes map[string]*Transport
}

func NewBus() *Bus {
	return &Bus{nodes: make(map[string]*Transport)}
}

// pair issues two fresh link IDs, one per side of a new pipe.
func (b *Bus) pair() (mesh.LinkID, mesh.LinkID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq += 2
	return mesh.LinkID("loop-" + strconv.Itoa(b.seq-1)),
		mesh.LinkID("loop-" + strconv.Itoa(b.seq))
}

func (b *Bus) attach(tr *Transport) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.nodes[tr.addr]; ok {
		return fmt.Errorf("loopback: address %q already attached", tr.addr)
	}
	b.nodes[tr.addr] = tr
	return nil
}

func (b *Bus) detach(addr string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.nodes, addr)
}

func (b *Bus) lookup(addr string) (*Transport, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	tr, ok := b.nodes[addr]
	return tr, ok
}

// endpoint is one half of an open pipe.
type endpoint struct {
	remote     *Transport
	remoteLink mesh.LinkID
}

// Options configure one loopback node.
type Options struct {
	// Addr is the node's dialable address on the bus.
	Addr string
	// SignalDBm is reported for every frame arriving at this node. Zero
	// selects a plausible default.
	SignalDBm int
	// MaxFrame overrides the frame ceiling.
	MaxFrame int
}

type Transport struct {
	bus      *Bus
	addr     string
	signal   int
	maxFrame int

	mu    sync.Mutex
	sink  mesh.TransportSink
	links map[mesh.LinkID]endpoint
	tap   func(frame []byte)
}

func New(bus *Bus, opts Options) *Transport {
	signal := opts.SignalDBm
	if signal == 0 {
		signal = defaultSignalDBm
	}
	maxFrame := opts.MaxFrame
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	return &Transport{
		bus:      bus,
		addr:     opts.Addr,
		signal:   signal,
		maxFrame: maxFrame,
		links:    make(map[mesh.LinkID]endpoint),
	}
}

// SetTap registers fn to observe every frame this node transmits. Tests use
// it to watch relays mid-path.
func (t *Transport) SetTap(fn func(frame []byte)) {
	t.mu.Lock()
	t.tap = fn
	t.mu.Unlock()
}

func (t *Transport) Name() string { return "loopback" }

func (t *Transport) MaxFrameSize() int { return t.maxFrame }

func (t *Transport) Addr() string { return t.addr }

func (t *Transport) Start(_ context.Context, sink mesh.TransportSink) error {
	t.mu.Lock()
	if t.sink != nil {
		t.mu.Unlock()
		return fmt.Errorf("loopback: %q already started", t.addr)
	}
	t.sink = sink
	t.mu.Unlock()
	return t.bus.attach(t)
}

func (t *Transport) Stop() error {
	t.bus.detach(t.addr)

	t.mu.Lock()
	links := t.links
	t.links = make(map[mesh.LinkID]endpoint)
	t.sink = nil
	t.mu.Unlock()

	for _, ep := range links {
		ep.remote.dropLink(ep.remoteLink)
	}
	return nil
}

// Dial opens a pipe to the transport listening on addr. The caller gets the
// local link; the remote side learns about its half through LinkUp.
func (t *Transport) Dial(_ context.Context, addr string) (mesh.LinkID, error) {
	remote, ok := t.bus.lookup(addr)
	if !ok {
		return "", fmt.Errorf("loopback: no node at %q", addr)
	}
	if remote == t {
		return "", fmt.Errorf("loopback: %q cannot dial itself", addr)
	}

	localLink, remoteLink := t.bus.pair()

	t.mu.Lock()
	if t.sink == nil {
		t.mu.Unlock()
		return "", fmt.Errorf("loopback: %q not started", t.addr)
	}
	t.links[localLink] = endpoint{remote: remote, remoteLink: remoteLink}
	t.mu.Unlock()

	remote.mu.Lock()
	sink := remote.sink
	if sink == nil {
		remote.mu.Unlock()
		t.mu.Lock()
		delete(t.links, localLink)
		t.mu.Unlock()
		return "", fmt.Errorf("loopback: %q not accepting", addr)
	}
	remote.links[remoteLink] = endpoint{remote: t, remoteLink: localLink}
	remote.mu.Unlock()

	// Only the accepting side hears LinkUp; the dialer already holds its
	// half of the pipe.
	sink.LinkUp(remoteLink, t.addr, remote.signal)
	return localLink, nil
}

func (t *Transport) Send(link mesh.LinkID, frame []byte) error {
	if len(frame) > t.maxFrame {
		return fmt.Errorf("loopback: frame %d bytes over the %d budget", len(frame), t.maxFrame)
	}

	t.mu.Lock()
	ep, ok := t.links[link]
	tap := t.tap
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("loopback: link %q closed", link)
	}

	if tap != nil {
		tap(append([]byte(nil), frame...))
	}
	ep.remote.deliver(ep.remoteLink, frame)
	return nil
}

func (t *Transport) deliver(link mesh.LinkID, frame []byte) {
	t.mu.Lock()
	sink := t.sink
	_, ok := t.links[link]
	t.mu.Unlock()
	if !ok || sink == nil {
		return
	}
	sink.Frame(link, append([]byte(nil), frame...), t.signal)
}

func (t *Transport) Disconnect(link mesh.LinkID) error {
	t.mu.Lock()
	ep, ok := t.links[link]
	delete(t.links, link)
	sink := t.sink
	t.mu.Unlock()
	if !ok {
		return nil
	}
	if sink != nil {
		sink.LinkDown(link)
	}
	ep.remote.dropLink(ep.remoteLink)
	return nil
}

// dropLink tears down the local half of a pipe after the remote half went
// away.
func (t *Transport) dropLink(link mesh.LinkID) {
	t.mu.Lock()
	_, ok := t.links[link]
	delete(t.links, link)
	sink := t.sink
	t.mu.Unlock()
	if ok && sink != nil {
		sink.LinkDown(link)
	}
}
