package mesh

import (
	"fmt"
	"sync"
	"time"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

// fragmentOverhead is the wire cost of wrapping one chunk: packet header,
// routing block, and the fragment sub-header.
const fragmentOverhead = protocol.HeaderSize + protocol.RoutingSize + protocol.FragmentHeaderSize

// maxAssembledSize bounds one reassembled frame. A legitimate original can
// never exceed a full header plus the maximum payload.
const maxAssembledSize = protocol.HeaderSize + protocol.MaxPayloadLength

type assembly struct {
	total     int
	chunks    map[int][]byte
	bytes     int
	firstSeen time.Time
}

// FragmentManager splits oversized frames into fragment packets and
// reassembles inbound ones. Fragments carry slices of the full serialized
// original frame and keep the original routing block, so an assembly keyed
// by sender and fragment ID survives relay hops.
type FragmentManager struct {
	mu         sync.Mutex
	cfg        Config
	now        func() time.Time
	assemblies map[string]*assembly
}

func NewFragmentManager(cfg Config, now func() time.Time) *FragmentManager {
	if now == nil {
		now = time.Now
	}
	return &FragmentManager{
		cfg:        cfg,
		now:        now,
		assemblies: make(map[string]*assembly),
	}
}

// Split wraps frame into fragment packets that each fit maxFrame. The
// fragment packets copy the original sender, recipient, and TTL so relays
// route them exactly like the original would have routed.
func (m *FragmentManager) Split(frame []byte, sender, recipient protocol.PeerID, ttl uint8, maxFrame int) ([][]byte, error) {
	chunkSize := maxFrame - fragmentOverhead
	if chunkSize <= 0 {
		return nil, fmt.Errorf("%w: frame budget %d cannot carry fragments", protocol.ErrMessageTooLarge, maxFrame)
	}
	id, err := protocol.NewMessageID()
	if err != nil {
		return nil, err
	}
	frags, err := protocol.SplitMessage(id, frame, chunkSize)
	if err != nil {
		return nil, err
	}
	out := make([][]byte, 0, len(frags))
	for i := range frags {
		pkt := protocol.Packet{
			Type:      protocol.TypeFragment,
			TTL:       ttl,
			Sender:    sender,
			Recipient: recipient,
			Body:      frags[i].Encode(),
		}
		encoded, err := pkt.Encode()
		if err != nil {
			return nil, err
		}
		out = append(out, encoded)
	}
	return out, nil
}

// Absorb feeds one fragment packet into its assembly. It returns the
// reassembled original frame once the last piece lands, nil while pieces
// are missing, and an error for fragments that poison their assembly.
func (m *FragmentManager) Absorb(pkt *protocol.Packet) ([]byte, error) {
	frag, err := protocol.DecodeFragment(pkt.Body)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	key := pkt.Sender.String() + "/" + frag.MessageID.String()
	as, ok := m.assemblies[key]
	if !ok {
		// At capacity, chunks for new message IDs are dropped; open
		// assemblies keep their progress.
		if len(m.assemblies) >= m.cfg.MaxAssemblies {
			return nil, nil
		}
		as = &assembly{
			total:     int(frag.Total),
			chunks:    make(map[int][]byte, frag.Total),
			firstSeen: now,
		}
		m.assemblies[key] = as
	}
	if int(frag.Total) != as.total {
		delete(m.assemblies, key)
		return nil, fmt.Errorf("%w: fragment totals disagree", protocol.ErrMalformedPacket)
	}
	if _, dup := as.chunks[int(frag.Index)]; dup {
		return nil, nil
	}
	as.chunks[int(frag.Index)] = frag.Chunk
	as.bytes += len(frag.Chunk)
	if as.bytes > maxAssembledSize {
		delete(m.assemblies, key)
		return nil, fmt.Errorf("%w: assembly exceeds frame bounds", protocol.ErrMalformedPacket)
	}
	if len(as.chunks) < as.total {
		return nil, nil
	}

	delete(m.assemblies, key)
	full := make([]byte, 0, as.bytes)
	for i := 0; i < as.total; i++ {
		full = append(full, as.chunks[i]...)
	}
	return full, nil
}

// Sweep abandons assemblies older than the reassembly timeout and returns
// how many were dropped.
func (m *FragmentManager) Sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	dropped := 0
	for key, as := range m.assemblies {
		if now.Sub(as.firstSeen) > m.cfg.FragmentTimeout {
			delete(m.assemblies, key)
			dropped++
		}
	}
	return dropped
}

// Pending returns the number of open assemblies.
func (m *FragmentManager) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.assemblies)
}

// Reset drops all open assemblies. Used by the panic wipe.
func (m *FragmentManager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.assemblies = make(map[string]*assembly)
}
