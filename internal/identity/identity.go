// Package identity manages the node's long-lived key material: a
// mnemonic-seeded key set, the short mesh address derived from it, and the
// encrypted keystore holding the mnemonic at rest.
package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mr-tron/base58/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/protocol"
	"github.com/bitpoints-cashu/bitpoints.me-sub000/pkg/models"
)

var (
	ErrInvalidMnemonic = errors.New("identity: invalid mnemonic")
	ErrPersistence     = errors.New("identity: persistence failed")
	ErrWiped           = errors.New("identity: wiped")
)

// Service holds the node identity. All accessors return copies; the private
// material never leaves the service except through StaticKeypair, which the
// session layer needs for handshakes.
type Service struct {
	mu       sync.RWMutex
	mnemonic string
	keys     *KeySet
	peerID   protocol.PeerID
	fprint   string
	shortID  string
	path     string
	secret   []byte
	created  time.Time
	wiped    bool
}

// Load opens the keystore at path, generating and persisting a fresh
// identity when none exists. A persistence failure does not lose the
// generated identity: the service is returned together with an error
// wrapping ErrPersistence so callers can decide how loudly to complain.
// With an empty path the identity is ephemeral.
func Load(path string, passphrase []byte) (*Service, error) {
	if path == "" {
		return generate("", nil)
	}
	rec, err := readKeystore(path, passphrase)
	switch {
	case err == nil:
		svc, derr := fromMnemonic(rec.Mnemonic, path, passphrase)
		if derr != nil {
			return nil, derr
		}
		svc.created = time.Unix(rec.CreatedAtUnix, 0).UTC()
		return svc, nil
	case errors.Is(err, errKeystoreMissing):
		return generate(path, passphrase)
	default:
		return nil, err
	}
}

// Import replaces any keystore at path with the identity derived from
// mnemonic.
func Import(mnemonic, path string, passphrase []byte) (*Service, error) {
	svc, err := fromMnemonic(mnemonic, path, passphrase)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := svc.persist(); err != nil {
			return svc, err
		}
	}
	return svc, nil
}

func generate(path string, passphrase []byte) (*Service, error) {
	entropy, err := bip39.NewEntropy(256)
	if err != nil {
		return nil, err
	}
	mnemonic, err := bip39.NewMnemonic(entropy)
	if err != nil {
		return nil, err
	}
	svc, err := fromMnemonic(mnemonic, path, passphrase)
	if err != nil {
		return nil, err
	}
	if path != "" {
		if err := svc.persist(); err != nil {
			return svc, err
		}
	}
	return svc, nil
}

func fromMnemonic(mnemonic, path string, passphrase []byte) (*Service, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}
	seed := bip39.NewSeed(mnemonic, "")
	keys, err := DeriveKeySet(seed)
	zeroBytes(seed)
	if err != nil {
		return nil, err
	}
	peerID, err := protocol.DerivePeerID(keys.StaticPublicKey)
	if err != nil {
		return nil, err
	}
	sum := sha256.Sum256(keys.StaticPublicKey)
	short := blake2b.Sum256(keys.StaticPublicKey)
	return &Service{
		mnemonic: mnemonic,
		keys:     keys,
		peerID:   peerID,
		fprint:   hex.EncodeToString(sum[:]),
		shortID:  "bp1" + base58.Encode(short[:]),
		path:     path,
		secret:   append([]byte(nil), passphrase...),
		created:  time.Now().UTC(),
	}, nil
}

func (s *Service) persist() error {
	rec := keystoreRecord{
		Mnemonic:      s.mnemonic,
		CreatedAtUnix: s.created.Unix(),
	}
	if err := writeKeystore(s.path, s.secret, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	return nil
}

// PeerID returns the short mesh address.
func (s *Service) PeerID() protocol.PeerID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.peerID
}

// Fingerprint returns the full static-key hash, hex encoded.
func (s *Service) Fingerprint() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.fprint
}

// ShortID returns the human-pasteable rendering of the fingerprint.
func (s *Service) ShortID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.shortID
}

// Mnemonic returns the backup phrase. Callers display it, never log it.
func (s *Service) Mnemonic() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return "", ErrWiped
	}
	return s.mnemonic, nil
}

// StaticKeypair returns copies of the X25519 static pair for the session
// layer.
func (s *Service) StaticKeypair() (priv, pub []byte, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil, nil, ErrWiped
	}
	return append([]byte(nil), s.keys.StaticPrivateKey...),
		append([]byte(nil), s.keys.StaticPublicKey...), nil
}

// SigningPublicKey returns a copy of the Ed25519 public key.
func (s *Service) SigningPublicKey() (ed25519.PublicKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil, ErrWiped
	}
	return append(ed25519.PublicKey(nil), s.keys.SigningPublicKey...), nil
}

// Sign signs data with the identity signing key.
func (s *Service) Sign(data []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil, ErrWiped
	}
	return ed25519.Sign(s.keys.SigningPrivateKey, data), nil
}

// Verify reports whether sig is a valid signature over data under a
// peer's announced signing key.
func Verify(sig, data []byte, pub ed25519.PublicKey) bool {
	if len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, data, sig)
}

// Announcement builds and signs an identity announcement for this node.
func (s *Service) Announcement(nickname string, nonce uint64) (*models.IdentityAnnouncement, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.wiped {
		return nil, ErrWiped
	}
	a := &models.IdentityAnnouncement{
		PeerID:     s.peerID.String(),
		Nickname:   nickname,
		StaticKey:  append([]byte(nil), s.keys.StaticPublicKey...),
		SigningKey: append([]byte(nil), s.keys.SigningPublicKey...),
		Nonce:      nonce,
	}
	if err := a.Validate(); err != nil {
		return nil, err
	}
	a.Signature = ed25519.Sign(s.keys.SigningPrivateKey, a.SigningBytes())
	return a, nil
}

// VerifyAnnouncement checks an announcement's internal consistency: the
// signature must verify under the announced signing key and the peer ID
// must be the one derived from the announced static key.
func VerifyAnnouncement(a *models.IdentityAnnouncement) error {
	if err := a.Validate(); err != nil {
		return err
	}
	claimed, err := protocol.ParsePeerID(a.PeerID)
	if err != nil {
		return err
	}
	derived, err := protocol.DerivePeerID(a.StaticKey)
	if err != nil {
		return err
	}
	if claimed != derived {
		return fmt.Errorf("announcement: peer id %s does not match static key", a.PeerID)
	}
	if !Verify(a.Signature, a.SigningBytes(), ed25519.PublicKey(a.SigningKey)) {
		return errors.New("announcement: bad signature")
	}
	return nil
}

// Wipe destroys the in-memory key material and removes the keystore file.
// The service is unusable afterwards.
func (s *Service) Wipe() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.wiped {
		return nil
	}
	s.keys.zero()
	zeroBytes(s.secret)
	s.mnemonic = ""
	s.wiped = true
	if s.path != "" {
		if err := removeKeystore(s.path); err != nil {
			return fmt.Errorf("%w: %v", ErrPersistence, err)
		}
	}
	return nil
}
