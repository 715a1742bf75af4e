// Package lanquic carries mesh frames between nodes on the same network
// over QUIC. Each link is one long-lived bidirectional stream; frames
// travel length-prefixed so a stream read never straddles two of them.
package lanquic

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/mesh"

	quic "github.com/quic-go/quic-go"
)

const (
	// DefaultMaxFrame bounds one frame on the wire. Larger payloads are
	// fragmented above this layer.
	DefaultMaxFrame = 4096

	// lanSignalDBm stands in for a radio signal reading. QUIC gives no
	// signal strength, so every frame reports a steady plausible value.
	lanSignalDBm = -40

	frameHeaderLen = 4
)

type Options struct {
	// Listen is the local multiaddr (or host:port) to accept on. Empty
	// makes the transport dial-only.
	Listen   string
	MaxFrame int
	Logger   *slog.Logger
}

type Transport struct {
	listen   string
	maxFrame int
	log      *slog.Logger

	mu       sync.Mutex
	started  bool
	sink     mesh.TransportSink
	listener *quic.Listener
	links    map[mesh.LinkID]*link
	seq      uint64
	cancel   context.CancelFunc

	wg sync.WaitGroup
}

type link struct {
	id     mesh.LinkID
	conn   *quic.Conn
	stream *quic.Stream
	remote string

	// writeMu keeps concurrent Sends from interleaving frames.
	writeMu sync.Mutex
}

func New(opts Options) *Transport {
	maxFrame := opts.MaxFrame
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrame
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Transport{
		listen:   opts.Listen,
		maxFrame: maxFrame,
		log:      logger,
		links:    make(map[mesh.LinkID]*link),
	}
}

func (t *Transport) Name() string { return "lan-quic" }

func (t *Transport) MaxFrameSize() int { return t.maxFrame }

// Addr reports the bound listen address, empty until Start binds one.
func (t *Transport) Addr() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return ""
	}
	return t.listener.Addr().String()
}

func (t *Transport) Start(ctx context.Context, sink mesh.TransportSink) error {
	t.mu.Lock()
	if t.started {
		t.mu.Unlock()
		return errors.New("lanquic: already started")
	}
	runCtx, cancel := context.WithCancel(ctx)
	t.started = true
	t.sink = sink
	t.cancel = cancel
	t.mu.Unlock()

	if t.listen == "" {
		return nil
	}
	hostPort, err := HostPort(t.listen)
	if err != nil {
		t.abortStart(cancel)
		return err
	}
	tlsConf, err := serverTLSConfig()
	if err != nil {
		t.abortStart(cancel)
		return err
	}
	listener, err := quic.ListenAddr(hostPort, tlsConf, quicConfig())
	if err != nil {
		t.abortStart(cancel)
		return fmt.Errorf("listen %s: %w", hostPort, err)
	}
	t.mu.Lock()
	t.listener = listener
	t.mu.Unlock()
	t.log.Info("mesh transport listening", "transport", t.Name(), "addr", hostPort)

	t.wg.Add(1)
	go t.acceptLoop(runCtx, listener)
	return nil
}

func (t *Transport) abortStart(cancel context.CancelFunc) {
	cancel()
	t.mu.Lock()
	t.started = false
	t.sink = nil
	t.cancel = nil
	t.mu.Unlock()
}

func (t *Transport) Stop() error {
	t.mu.Lock()
	if !t.started {
		t.mu.Unlock()
		return nil
	}
	t.started = false
	cancel := t.cancel
	listener := t.listener
	links := t.links
	t.sink = nil
	t.listener = nil
	t.cancel = nil
	t.links = make(map[mesh.LinkID]*link)
	t.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if listener != nil {
		listener.Close()
	}
	for _, l := range links {
		l.conn.CloseWithError(0, "shutting down")
	}
	t.wg.Wait()
	return nil
}

func (t *Transport) acceptLoop(ctx context.Context, listener *quic.Listener) {
	defer t.wg.Done()
	for {
		conn, err := listener.Accept(ctx)
		if err != nil {
			if ctx.Err() == nil {
				t.log.Warn("quic accept failed", "error", err)
			}
			return
		}
		t.wg.Add(1)
		go t.acceptConn(ctx, conn)
	}
}

func (t *Transport) acceptConn(ctx context.Context, conn *quic.Conn) {
	defer t.wg.Done()
	stream, err := conn.AcceptStream(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return
	}
	l, sink := t.register(conn, stream)
	if l == nil {
		conn.CloseWithError(0, "shutting down")
		return
	}
	sink.LinkUp(l.id, l.remote, lanSignalDBm)
	go t.readLoop(l)
}

// Dial opens an outbound link. The stream surfaces at the acceptor with
// its first frame, so callers are expected to send promptly after a dial.
func (t *Transport) Dial(ctx context.Context, addr string) (mesh.LinkID, error) {
	t.mu.Lock()
	started := t.started
	t.mu.Unlock()
	if !started {
		return "", errors.New("lanquic: not started")
	}
	hostPort, err := HostPort(addr)
	if err != nil {
		return "", err
	}
	conn, err := quic.DialAddr(ctx, hostPort, clientTLSConfig(), quicConfig())
	if err != nil {
		return "", fmt.Errorf("dial %s: %w", hostPort, err)
	}
	stream, err := conn.OpenStreamSync(ctx)
	if err != nil {
		conn.CloseWithError(0, "no stream")
		return "", fmt.Errorf("open stream to %s: %w", hostPort, err)
	}
	l, _ := t.register(conn, stream)
	if l == nil {
		conn.CloseWithError(0, "shutting down")
		return "", errors.New("lanquic: stopped")
	}
	go t.readLoop(l)
	return l.id, nil
}

func (t *Transport) register(conn *quic.Conn, stream *quic.Stream) (*link, mesh.TransportSink) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.started {
		return nil, nil
	}
	t.seq++
	l := &link{
		id:     mesh.LinkID(fmt.Sprintf("quic-%d", t.seq)),
		conn:   conn,
		stream: stream,
		remote: conn.RemoteAddr().String(),
	}
	t.links[l.id] = l
	// Reserve the readLoop's waitgroup slot while the lock still orders
	// it against Stop's Wait. The caller spawns exactly one readLoop.
	t.wg.Add(1)
	return l, t.sink
}

func (t *Transport) readLoop(l *link) {
	defer t.wg.Done()
	for {
		frame, err := readFrame(l.stream, t.maxFrame)
		if err != nil {
			t.drop(l, err)
			return
		}
		t.mu.Lock()
		sink := t.sink
		t.mu.Unlock()
		if sink == nil {
			return
		}
		sink.Frame(l.id, frame, lanSignalDBm)
	}
}

// drop closes the link and reports LinkDown once, no matter how many
// paths race to it.
func (t *Transport) drop(l *link, cause error) {
	t.mu.Lock()
	_, present := t.links[l.id]
	delete(t.links, l.id)
	sink := t.sink
	t.mu.Unlock()

	l.conn.CloseWithError(0, "closed")
	if !present {
		return
	}
	if cause != nil && !errors.Is(cause, io.EOF) {
		t.log.Debug("mesh link closed", "link", string(l.id), "remote", l.remote, "reason", cause)
	}
	if sink != nil {
		sink.LinkDown(l.id)
	}
}

func (t *Transport) Send(link mesh.LinkID, frame []byte) error {
	if len(frame) == 0 {
		return errors.New("lanquic: empty frame")
	}
	if len(frame) > t.maxFrame {
		return fmt.Errorf("lanquic: frame of %d bytes exceeds %d", len(frame), t.maxFrame)
	}
	t.mu.Lock()
	l := t.links[link]
	t.mu.Unlock()
	if l == nil {
		return fmt.Errorf("lanquic: link %s is not open", link)
	}
	l.writeMu.Lock()
	defer l.writeMu.Unlock()
	if err := writeFrame(l.stream, frame); err != nil {
		return fmt.Errorf("lanquic: send on %s: %w", link, err)
	}
	return nil
}

func (t *Transport) Disconnect(link mesh.LinkID) error {
	t.mu.Lock()
	l := t.links[link]
	t.mu.Unlock()
	if l == nil {
		return fmt.Errorf("lanquic: link %s is not open", link)
	}
	t.drop(l, nil)
	return nil
}

func quicConfig() *quic.Config {
	return &quic.Config{
		MaxIdleTimeout:       2 * time.Minute,
		KeepAlivePeriod:      15 * time.Second,
		HandshakeIdleTimeout: 10 * time.Second,
	}
}

func writeFrame(w io.Writer, frame []byte) error {
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(frame)))
	if _, err := w.Write(hdr[:]); err != nil {
		return err
	}
	_, err := w.Write(frame)
	return err
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 {
		return nil, errors.New("zero-length frame")
	}
	if int64(n) > int64(max) {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit %d", n, max)
	}
	frame := make([]byte, n)
	if _, err := io.ReadFull(r, frame); err != nil {
		return nil, err
	}
	return frame, nil
}
