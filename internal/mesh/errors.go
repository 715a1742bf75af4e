package mesh

import (
	"errors"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/noise"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
)

// Aliases re-export the lower-layer sentinels so callers can match against a
// single error surface.
var (
	ErrMalformedPacket = protocol.ErrMalformedPacket
	ErrInvalidPeerID   = protocol.ErrInvalidPeerID
	ErrMessageTooLarge = protocol.ErrMessageTooLarge

	ErrHandshakeFailed       = noise.ErrHandshakeFailed
	ErrSessionNotEstablished = noise.ErrSessionNotEstablished
)

var (
	ErrRateLimited            = errors.New("mesh: sender rate limited")
	ErrSuspiciousSignal       = errors.New("mesh: signal outside plausible range")
	ErrBlocked                = errors.New("mesh: sender blocked")
	ErrFragmentTimeout        = errors.New("mesh: fragment reassembly timed out")
	ErrConnectionLimitReached = errors.New("mesh: connection limit reached")
	ErrMaxReconnectAttempts   = errors.New("mesh: max reconnect attempts reached")
	ErrNoRoute                = errors.New("mesh: no route for frame")
	ErrNotRunning             = errors.New("mesh: service not running")
)
