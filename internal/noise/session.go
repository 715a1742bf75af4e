// Package noise runs the per-peer Noise XX sessions that protect addressed
// mesh traffic. Both sides authenticate with their static X25519 keys during
// the three-message handshake; transport messages carry explicit nonces so
// relayed frames tolerate loss without desynchronizing the cipher states.
package noise

import (
	"time"

	"github.com/flynn/noise"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

// State is the lifecycle position of one peer session.
type State int

const (
	StateNone State = iota
	StateHandshaking
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateHandshaking:
		return "handshaking"
	case StateEstablished:
		return "established"
	default:
		return "none"
	}
}

// handshakeRun is one in-flight XX exchange. A session that is already
// established keeps its cipher states while a rekey run is in flight.
type handshakeRun struct {
	hs        *noise.HandshakeState
	initiator bool
	startedAt time.Time
}

type session struct {
	peer          protocol.PeerID
	state         State
	run           *handshakeRun
	send          *noise.CipherState
	recv          *noise.CipherState
	recvFloor     uint64
	remoteStatic  []byte
	establishedAt time.Time
	sentCount     uint64
}
