// meshpipe spins up two or three in-process mesh nodes on the loopback
// bus, pushes value transfers through them, and prints what happened.
// Three-node runs form a relay chain, so frames cross a hop the sender
// never dialed.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/identity"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/mesh"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/platform/privacylog"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/transport/loopback"
)

const eventWait = 10 * time.Second

type pipeNode struct {
	name   string
	svc    *mesh.Service
	tr     *loopback.Transport
	id     string
	events <-chan mesh.Event
}

func main() {
	var (
		count   = flag.Int("count", 5, "transfers to send")
		nodes   = flag.Int("nodes", 2, "mesh size: 2 (direct) or 3 (relay chain)")
		payload = flag.Int("payload", 64, "token size in bytes; above ~480 forces fragmentation")
		verbose = flag.Bool("verbose", false, "log mesh internals to stderr")
	)
	flag.Parse()

	if *count < 1 {
		fail("count must be >= 1")
	}
	if *nodes != 2 && *nodes != 3 {
		fail("nodes must be 2 or 3")
	}
	if *payload < 1 {
		fail("payload must be >= 1")
	}

	logger := slog.New(privacylog.WrapHandler(slog.NewTextHandler(io.Discard, nil)))
	if *verbose {
		logger = slog.New(privacylog.WrapHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelDebug,
		})))
	}

	bus := loopback.NewBus()
	sender := startNode(bus, "alpha", logger)
	defer sender.svc.Stop()
	hub := startNode(bus, "bravo", logger)
	defer hub.svc.Stop()
	receiver := hub
	if *nodes == 3 {
		receiver = startNode(bus, "charlie", logger)
		defer receiver.svc.Stop()
	}

	var relayMu sync.Mutex
	relayed := 0
	if *nodes == 3 {
		senderID := sender.id
		hub.tr.SetTap(func(frame []byte) {
			pkt, err := protocol.Decode(frame)
			if err != nil {
				return
			}
			if pkt.Sender.String() == senderID && pkt.TTL < protocol.MaxTTL {
				relayMu.Lock()
				relayed++
				relayMu.Unlock()
			}
		})
	}

	connect(sender, hub, receiver, *nodes)

	token := "cashuA" + strings.Repeat("x", *payload)
	start := time.Now()
	for i := 1; i <= *count; i++ {
		vt, err := sender.svc.CreateMessage(uint64(i), "sat", token, fmt.Sprintf("meshpipe %d", i))
		if err != nil {
			failf("create message %d: %v", i, err)
		}
		sentAt := time.Now()
		msgID, err := sender.svc.SendTransfer(vt, receiver.id)
		if err != nil {
			failf("send %d: %v", i, err)
		}
		waitEvent(receiver, mesh.EventMessageReceived, msgID)
		waitEvent(sender, mesh.EventMessageDelivered, msgID)
		writeStdoutf("transfer %d/%d delivered in %s\n", i, *count, time.Since(sentAt).Round(time.Millisecond))
	}

	bvt, err := sender.svc.CreateMessage(0, "", "", "meshpipe broadcast")
	if err != nil {
		failf("create broadcast: %v", err)
	}
	bid, err := sender.svc.BroadcastTransfer(bvt)
	if err != nil {
		failf("broadcast: %v", err)
	}
	waitEvent(hub, mesh.EventMessageReceived, bid)
	if *nodes == 3 {
		waitEvent(receiver, mesh.EventMessageReceived, bid)
	}

	writeStdoutf("\n%d transfers + 1 broadcast in %s\n", *count, time.Since(start).Round(time.Millisecond))
	if *nodes == 3 {
		relayMu.Lock()
		writeStdoutf("hub relayed %d frames from the sender\n", relayed)
		relayMu.Unlock()
	}
	for _, n := range []*pipeNode{sender, hub, receiver} {
		st := n.svc.Status()
		writeStdoutf("%-8s links=%d sessions=%d peers=%d\n", n.name, st.Connections, st.Sessions, st.Peers)
		if n == receiver {
			break
		}
	}
}

func startNode(bus *loopback.Bus, name string, logger *slog.Logger) *pipeNode {
	ident, err := identity.Load("", nil)
	if err != nil {
		failf("identity for %s: %v", name, err)
	}
	tr := loopback.New(bus, loopback.Options{Addr: name})
	svc, err := mesh.New(mesh.Options{
		Config:      mesh.Config{MaintenanceTick: 50 * time.Millisecond, AnnounceInterval: time.Minute},
		Identity:    ident,
		Transport:   tr,
		Logger:      logger.With("node", name),
		Nickname:    name,
		RelayRandom: func() float64 { return 0 },
	})
	if err != nil {
		failf("mesh node %s: %v", name, err)
	}
	if err := svc.Start(context.Background()); err != nil {
		failf("start %s: %v", name, err)
	}
	return &pipeNode{
		name:   name,
		svc:    svc,
		tr:     tr,
		id:     ident.PeerID().String(),
		events: svc.Events(),
	}
}

// connect wires the topology and blocks until the sender knows the
// receiver. In a chain the endpoints only meet through relayed announces.
func connect(sender, hub, receiver *pipeNode, nodes int) {
	if err := sender.svc.AddPeer(hub.name); err != nil {
		failf("%s dial %s: %v", sender.name, hub.name, err)
	}
	waitDiscovery(sender, hub.id)
	waitDiscovery(hub, sender.id)
	if nodes == 2 {
		return
	}
	if err := receiver.svc.AddPeer(hub.name); err != nil {
		failf("%s dial %s: %v", receiver.name, hub.name, err)
	}
	waitDiscovery(receiver, hub.id)
	if err := sender.svc.Announce(); err != nil {
		failf("%s announce: %v", sender.name, err)
	}
	if err := receiver.svc.Announce(); err != nil {
		failf("%s announce: %v", receiver.name, err)
	}
	waitDiscovery(sender, receiver.id)
	waitDiscovery(receiver, sender.id)
}

func waitDiscovery(n *pipeNode, peerID string) {
	deadline := time.After(eventWait)
	for {
		select {
		case ev := <-n.events:
			if ev.Kind == mesh.EventPeerDiscovered && ev.PeerID == peerID {
				return
			}
		case <-deadline:
			failf("%s never discovered %s", n.name, peerID)
		}
	}
}

func waitEvent(n *pipeNode, kind mesh.EventKind, msgID string) {
	deadline := time.After(eventWait)
	for {
		select {
		case ev := <-n.events:
			if ev.Kind == kind && ev.MessageID == msgID {
				return
			}
			if ev.Kind == mesh.EventMessageSendFailed && ev.MessageID == msgID {
				failf("%s: send of %s failed: %s", n.name, msgID, ev.Reason)
			}
		case <-deadline:
			failf("%s: timed out waiting for %s of %s", n.name, kind, msgID)
		}
	}
}

func fail(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func failf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}

func writeStdoutf(format string, args ...any) {
	fmt.Fprintf(os.Stdout, format, args...)
}
