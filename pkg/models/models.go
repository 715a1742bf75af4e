// Package models holds the application payloads carried over the mesh wire
// and shared between the daemon, tools, and the mesh core.
package models

import (
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

const (
	announceSigningContext = "bitpoints/announce/v1"
	// MaxNicknameLength bounds announced nicknames.
	MaxNicknameLength = 32
	// MaxMemoLength bounds transfer memos.
	MaxMemoLength = 1024
)

// ValueTransfer is the body of a value-transfer packet: a bearer token moving
// between peers, with an optional memo. A memo-only transfer with zero amount
// doubles as a plain text message.
type ValueTransfer struct {
	ID     string    `json:"id"`
	Sender string    `json:"sender,omitempty"` // full fingerprint, hex
	Amount uint64    `json:"amount"`
	Unit   string    `json:"unit,omitempty"`
	Token  string    `json:"token,omitempty"`
	Memo   string    `json:"memo,omitempty"`
	SentAt time.Time `json:"sent_at"`
}

func (v *ValueTransfer) Validate() error {
	if strings.TrimSpace(v.ID) == "" {
		return errors.New("value transfer: missing id")
	}
	if v.Amount > 0 && v.Token == "" {
		return errors.New("value transfer: amount without token")
	}
	if v.Amount > 0 && v.Unit == "" {
		return errors.New("value transfer: amount without unit")
	}
	if v.Token == "" && v.Memo == "" {
		return errors.New("value transfer: empty payload")
	}
	if len(v.Memo) > MaxMemoLength {
		return errors.New("value transfer: memo too long")
	}
	return nil
}

// IdentityAnnouncement binds a peer ID and nickname to public key material.
// Nonce rises monotonically per identity; stale announces lose to newer ones.
type IdentityAnnouncement struct {
	PeerID     string `json:"peer_id"`
	Nickname   string `json:"nickname,omitempty"`
	StaticKey  []byte `json:"static_key"`
	SigningKey []byte `json:"signing_key"`
	Nonce      uint64 `json:"nonce"`
	Signature  []byte `json:"signature,omitempty"`
}

func (a *IdentityAnnouncement) Validate() error {
	if strings.TrimSpace(a.PeerID) == "" {
		return errors.New("announcement: missing peer id")
	}
	if len(a.StaticKey) == 0 {
		return errors.New("announcement: missing static key")
	}
	if len(a.SigningKey) == 0 {
		return errors.New("announcement: missing signing key")
	}
	if len(a.Nickname) > MaxNicknameLength {
		return errors.New("announcement: nickname too long")
	}
	if strings.ContainsAny(a.Nickname, "\n\r") {
		return errors.New("announcement: nickname contains line breaks")
	}
	return nil
}

// SigningBytes returns the canonical encoding covered by Signature.
func (a *IdentityAnnouncement) SigningBytes() []byte {
	payload := strings.Join([]string{
		announceSigningContext,
		a.PeerID,
		a.Nickname,
		base64.StdEncoding.EncodeToString(a.StaticKey),
		base64.StdEncoding.EncodeToString(a.SigningKey),
		strconv.FormatUint(a.Nonce, 10),
	}, "\n")
	return []byte(payload)
}

// DeliveryAck confirms local delivery of an addressed message.
type DeliveryAck struct {
	MessageID  string    `json:"message_id"`
	PeerID     string    `json:"peer_id"`
	ReceivedAt time.Time `json:"received_at"`
}

func (d *DeliveryAck) Validate() error {
	if strings.TrimSpace(d.MessageID) == "" {
		return errors.New("delivery ack: missing message id")
	}
	if strings.TrimSpace(d.PeerID) == "" {
		return errors.New("delivery ack: missing peer id")
	}
	return nil
}

// SyncRequest asks nearby peers to re-announce. KnownPeers lists the peer IDs
// the requester already sees, so those can stay quiet.
type SyncRequest struct {
	KnownPeers []string `json:"known_peers,omitempty"`
}

// Knows reports whether the requester already listed peerID.
func (s *SyncRequest) Knows(peerID string) bool {
	for _, p := range s.KnownPeers {
		if p == peerID {
			return true
		}
	}
	return false
}
