// Package protocol defines the binary wire format shared by every mesh
// transport: a fixed four-byte header, an addressing block, and the
// fragment sub-encoding used for frames larger than a link can carry.
//
// Frame layout, all integers big-endian:
//
//	type:1 | ttl:1 | payloadLength:2 | payload
//
// The payload always starts with a routing block:
//
//	senderID:8 | recipientID:8 | body
//
// payloadLength covers the routing block and the body.
package protocol

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
)

// MessageType tags the body carried by a frame. The set is closed: frames
// with tags outside it fail structural validation.
type MessageType uint8

const (
	TypeReserved         MessageType = 0x00
	TypeValueTransfer    MessageType = 0x01
	TypeIdentityAnnounce MessageType = 0x02
	TypeSyncRequest      MessageType = 0x03
	TypeFragment         MessageType = 0x04
	TypeDeliveryAck      MessageType = 0x05
	TypeNoiseHandshake   MessageType = 0x06
	TypeNoiseEncrypted   MessageType = 0x07
)

// Known reports whether t is a routable message type.
func (t MessageType) Known() bool {
	return t > TypeReserved && t <= TypeNoiseEncrypted
}

func (t MessageType) String() string {
	switch t {
	case TypeValueTransfer:
		return "value-transfer"
	case TypeIdentityAnnounce:
		return "identity-announce"
	case TypeSyncRequest:
		return "sync-request"
	case TypeFragment:
		return "fragment"
	case TypeDeliveryAck:
		return "delivery-ack"
	case TypeNoiseHandshake:
		return "noise-handshake"
	case TypeNoiseEncrypted:
		return "noise-encrypted"
	default:
		return fmt.Sprintf("type-0x%02x", uint8(t))
	}
}

const (
	// HeaderSize is the fixed frame header length.
	HeaderSize = 4
	// PeerIDSize is the short mesh address length.
	PeerIDSize = 8
	// RoutingSize is the sender plus recipient block at the start of every payload.
	RoutingSize = 2 * PeerIDSize
	// MaxPayloadLength is the largest value the 16-bit length field can carry.
	MaxPayloadLength = 0xFFFF
	// MaxTTL bounds the ttl field; frames arriving above it are malformed.
	MaxTTL = 7
)

var (
	ErrMalformedPacket = errors.New("malformed packet")
	ErrInvalidPeerID   = errors.New("invalid peer id")
	ErrMessageTooLarge = errors.New("message too large")
)

// PeerID is the short mesh address of a node, derived from its static key.
type PeerID [PeerIDSize]byte

// BroadcastID addresses every reachable peer. It is an address constant,
// never a peer identity.
var BroadcastID = PeerID{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

func (id PeerID) IsZero() bool { return id == PeerID{} }

func (id PeerID) IsBroadcast() bool { return id == BroadcastID }

// Valid reports whether id can identify a real peer.
func (id PeerID) Valid() bool { return !id.IsZero() && !id.IsBroadcast() }

func (id PeerID) String() string { return hex.EncodeToString(id[:]) }

// Less orders peer IDs byte-wise. Handshake role tie-breaks depend on it.
func (id PeerID) Less(other PeerID) bool { return bytes.Compare(id[:], other[:]) < 0 }

// ParsePeerID decodes the hex rendering produced by String.
func ParsePeerID(s string) (PeerID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != PeerIDSize {
		return PeerID{}, fmt.Errorf("%w: %q", ErrInvalidPeerID, s)
	}
	var id PeerID
	copy(id[:], raw)
	if !id.Valid() {
		return PeerID{}, fmt.Errorf("%w: %q", ErrInvalidPeerID, s)
	}
	return id, nil
}

// DerivePeerID derives the mesh address from a static public key: the first
// eight bytes of its SHA-256 digest.
func DerivePeerID(staticPub []byte) (PeerID, error) {
	if len(staticPub) == 0 {
		return PeerID{}, fmt.Errorf("%w: empty static key", ErrInvalidPeerID)
	}
	sum := sha256.Sum256(staticPub)
	var id PeerID
	copy(id[:], sum[:PeerIDSize])
	if !id.Valid() {
		return PeerID{}, fmt.Errorf("%w: degenerate derivation", ErrInvalidPeerID)
	}
	return id, nil
}

// MessageID identifies one logical message across fragments and relay paths.
type MessageID [MessageIDSize]byte

// MessageIDSize is the length of a message identifier on the wire.
const MessageIDSize = 8

func (id MessageID) String() string { return hex.EncodeToString(id[:]) }

// NewMessageID returns a random message identifier.
func NewMessageID() (MessageID, error) {
	var id MessageID
	if _, err := io.ReadFull(rand.Reader, id[:]); err != nil {
		return MessageID{}, fmt.Errorf("generate message id: %w", err)
	}
	return id, nil
}

// ParseMessageID decodes the hex rendering produced by String.
func ParseMessageID(s string) (MessageID, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != MessageIDSize {
		return MessageID{}, fmt.Errorf("%w: message id %q", ErrMalformedPacket, s)
	}
	var id MessageID
	copy(id[:], raw)
	return id, nil
}

// Packet is one decoded frame.
type Packet struct {
	Type      MessageType
	TTL       uint8
	Sender    PeerID
	Recipient PeerID
	Body      []byte
}

// Encode serializes the packet into a wire frame.
func (p *Packet) Encode() ([]byte, error) {
	payloadLen := RoutingSize + len(p.Body)
	if payloadLen > MaxPayloadLength {
		return nil, fmt.Errorf("%w: payload %d bytes", ErrMessageTooLarge, payloadLen)
	}
	if !p.Type.Known() {
		return nil, fmt.Errorf("%w: type 0x%02x", ErrMalformedPacket, uint8(p.Type))
	}
	if p.TTL > MaxTTL {
		return nil, fmt.Errorf("%w: ttl %d", ErrMalformedPacket, p.TTL)
	}
	if !p.Sender.Valid() {
		return nil, fmt.Errorf("%w: sender %s", ErrInvalidPeerID, p.Sender)
	}
	if p.Recipient.IsZero() {
		return nil, fmt.Errorf("%w: zero recipient", ErrInvalidPeerID)
	}
	buf := make([]byte, HeaderSize+payloadLen)
	buf[0] = byte(p.Type)
	buf[1] = p.TTL
	binary.BigEndian.PutUint16(buf[2:4], uint16(payloadLen))
	copy(buf[HeaderSize:], p.Sender[:])
	copy(buf[HeaderSize+PeerIDSize:], p.Recipient[:])
	copy(buf[HeaderSize+RoutingSize:], p.Body)
	return buf, nil
}

// Validate performs the structural checks every inbound frame must pass
// before it is decoded or routed.
func Validate(frame []byte) error {
	if len(frame) < HeaderSize+RoutingSize {
		return fmt.Errorf("%w: %d bytes", ErrMalformedPacket, len(frame))
	}
	if t := MessageType(frame[0]); !t.Known() {
		return fmt.Errorf("%w: unknown type 0x%02x", ErrMalformedPacket, frame[0])
	}
	if ttl := frame[1]; ttl > MaxTTL {
		return fmt.Errorf("%w: ttl %d", ErrMalformedPacket, ttl)
	}
	declared := int(binary.BigEndian.Uint16(frame[2:4]))
	if declared < RoutingSize {
		return fmt.Errorf("%w: payload length %d below routing block", ErrMalformedPacket, declared)
	}
	if got := len(frame) - HeaderSize; declared > got {
		return fmt.Errorf("%w: declared %d bytes, framed %d", ErrMalformedPacket, declared, got)
	} else if declared < got {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformedPacket, got-declared)
	}
	var sender, recipient PeerID
	copy(sender[:], frame[HeaderSize:])
	copy(recipient[:], frame[HeaderSize+PeerIDSize:])
	if !sender.Valid() {
		return fmt.Errorf("%w: sender %s", ErrInvalidPeerID, sender)
	}
	if recipient.IsZero() {
		return fmt.Errorf("%w: zero recipient", ErrInvalidPeerID)
	}
	return nil
}

// Decode validates and parses a wire frame. Body is copied out of frame.
func Decode(frame []byte) (*Packet, error) {
	if err := Validate(frame); err != nil {
		return nil, err
	}
	p := &Packet{
		Type: MessageType(frame[0]),
		TTL:  frame[1],
	}
	copy(p.Sender[:], frame[HeaderSize:])
	copy(p.Recipient[:], frame[HeaderSize+PeerIDSize:])
	p.Body = append([]byte(nil), frame[HeaderSize+RoutingSize:]...)
	return p, nil
}

// Digest returns the packet-level dedup key for a raw frame. It hashes the
// whole frame, TTL included; message-level dedup is a separate concern.
func Digest(frame []byte) string {
	sum := sha256.Sum256(frame)
	return hex.EncodeToString(sum[:16])
}
