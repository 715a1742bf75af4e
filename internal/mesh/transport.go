package mesh

import "context"

// LinkID names one live transport link. IDs are opaque and only unique while
// the link is up.
type LinkID string

// TransportSink is the mesh side handed to a transport on Start. Transports
// report inbound links only; the dialing side registers outbound links
// itself, so a link never appears twice. All methods must not block.
type TransportSink interface {
	// LinkUp reports a new inbound link. signalDBm is the received signal
	// strength, 0 when the transport cannot measure one.
	LinkUp(link LinkID, addr string, signalDBm int)

	// LinkDown reports that a link closed, for either direction.
	LinkDown(link LinkID)

	// Frame hands in one raw frame received on link.
	Frame(link LinkID, frame []byte, signalDBm int)
}

// Transport moves opaque frames between nodes. Implementations own link
// liveness; the mesh layer never probes.
type Transport interface {
	// Name tags the transport in logs and status output.
	Name() string

	Start(ctx context.Context, sink TransportSink) error
	Stop() error

	// Send writes one frame to link. Frames longer than MaxFrameSize
	// may be refused.
	Send(link LinkID, frame []byte) error

	// Dial opens an outbound link to addr and returns its ID. The caller
	// registers the link; the transport must not also report it via
	// LinkUp.
	Dial(ctx context.Context, addr string) (LinkID, error)

	// Disconnect closes link. LinkDown fires as with any other closure.
	Disconnect(link LinkID) error

	// MaxFrameSize is the largest frame Send accepts. Larger packets are
	// fragmented above this layer.
	MaxFrameSize() int
}
