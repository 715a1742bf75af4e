package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/hkdf"
)

const (
	hkdfInfoSigning = "bitpoints/identity/signing/v1"
	hkdfInfoStatic  = "bitpoints/identity/static/v1"
)

// KeySet is the key material derived from one identity seed: an Ed25519
// signing pair for announcements and an X25519 static pair for Noise.
type KeySet struct {
	SigningPrivateKey ed25519.PrivateKey
	SigningPublicKey  ed25519.PublicKey
	StaticPrivateKey  []byte
	StaticPublicKey   []byte
}

// DeriveKeySet expands a seed into the full key set. The derivation is
// deterministic so a restored mnemonic reproduces the same identity.
func DeriveKeySet(seed []byte) (*KeySet, error) {
	if len(seed) == 0 {
		return nil, errors.New("identity: empty seed")
	}
	signingSeed, err := hkdfExpand(seed, hkdfInfoSigning, ed25519.SeedSize)
	if err != nil {
		return nil, err
	}
	staticPriv, err := hkdfExpand(seed, hkdfInfoStatic, curve25519.ScalarSize)
	if err != nil {
		return nil, err
	}
	staticPub, err := curve25519.X25519(staticPriv, curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("identity: static public key: %w", err)
	}

	signingPriv := ed25519.NewKeyFromSeed(signingSeed)
	return &KeySet{
		SigningPrivateKey: signingPriv,
		SigningPublicKey:  signingPriv.Public().(ed25519.PublicKey),
		StaticPrivateKey:  staticPriv,
		StaticPublicKey:   staticPub,
	}, nil
}

func hkdfExpand(seed []byte, info string, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, seed, nil, []byte(info))
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, err
	}
	return out, nil
}

func (k *KeySet) zero() {
	zeroBytes(k.SigningPrivateKey)
	zeroBytes(k.StaticPrivateKey)
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
