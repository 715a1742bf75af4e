package identity

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/testutil/fsperm"
)

const testMnemonic = "legal winner thank year wave sausage worth useful legal winner thank yellow"

func TestImportIsDeterministic(t *testing.T) {
	a, err := Import(testMnemonic, "", nil)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	b, err := Import(testMnemonic, "", nil)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	if a.PeerID() != b.PeerID() {
		t.Fatalf("peer ids differ: %s vs %s", a.PeerID(), b.PeerID())
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatal("fingerprints differ")
	}
	if !strings.HasPrefix(a.ShortID(), "bp1") {
		t.Fatalf("short id %q", a.ShortID())
	}
	if len(a.Fingerprint()) != 64 {
		t.Fatalf("fingerprint length %d", len(a.Fingerprint()))
	}
}

func TestImportRejectsBadMnemonic(t *testing.T) {
	if _, err := Import("definitely not a mnemonic", "", nil); !errors.Is(err, ErrInvalidMnemonic) {
		t.Fatalf("expected ErrInvalidMnemonic, got %v", err)
	}
}

func TestLoadGeneratesAndReloads(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bpks")
	first, err := Load(path, []byte("pw"))
	if err != nil {
		t.Fatalf("load (generate) failed: %v", err)
	}
	fsperm.AssertPrivateFilePerm(t, path)
	second, err := Load(path, []byte("pw"))
	if err != nil {
		t.Fatalf("load (reload) failed: %v", err)
	}
	if first.PeerID() != second.PeerID() {
		t.Fatal("reload produced a different identity")
	}
	mn1, err := first.Mnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	mn2, err := second.Mnemonic()
	if err != nil {
		t.Fatalf("mnemonic: %v", err)
	}
	if mn1 != mn2 {
		t.Fatal("mnemonics differ after reload")
	}
}

func TestLoadWrongPassphraseDoesNotOverwrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bpks")
	first, err := Load(path, []byte("pw"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if _, err := Load(path, []byte("wrong")); err == nil {
		t.Fatal("wrong passphrase accepted")
	}
	again, err := Load(path, []byte("pw"))
	if err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	if first.PeerID() != again.PeerID() {
		t.Fatal("keystore was replaced by failed load")
	}
}

func TestLoadSurfacesPersistenceFailure(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "file")
	if err := os.WriteFile(blocker, []byte("x"), 0o600); err != nil {
		t.Fatalf("write blocker: %v", err)
	}
	// Keystore parent is a regular file, so MkdirAll must fail.
	path := filepath.Join(blocker, "keystore.bpks")
	svc, err := Load(path, []byte("pw"))
	if !errors.Is(err, ErrPersistence) {
		t.Fatalf("expected ErrPersistence, got %v", err)
	}
	if svc == nil {
		t.Fatal("service lost on persistence failure")
	}
	if !svc.PeerID().Valid() {
		t.Fatal("in-memory identity unusable")
	}
}

func TestSignVerify(t *testing.T) {
	svc, err := Load("", nil)
	if err != nil {
		t.Fatalf("ephemeral load failed: %v", err)
	}
	data := []byte("receipt 7f3a")
	sig, err := svc.Sign(data)
	if err != nil {
		t.Fatalf("sign failed: %v", err)
	}
	pub, err := svc.SigningPublicKey()
	if err != nil {
		t.Fatalf("signing public key: %v", err)
	}
	if !Verify(sig, data, pub) {
		t.Fatal("own signature rejected")
	}
	if Verify(sig, []byte("receipt 7f3b"), pub) {
		t.Fatal("signature verified over different data")
	}
	if Verify(sig, data, pub[:16]) {
		t.Fatal("truncated key verified")
	}
	other, err := Load("", nil)
	if err != nil {
		t.Fatalf("second identity: %v", err)
	}
	otherPub, err := other.SigningPublicKey()
	if err != nil {
		t.Fatalf("second signing public key: %v", err)
	}
	if Verify(sig, data, otherPub) {
		t.Fatal("foreign key verified")
	}
}

func TestAnnouncementRoundTrip(t *testing.T) {
	svc, err := Import(testMnemonic, "", nil)
	if err != nil {
		t.Fatalf("import failed: %v", err)
	}
	a, err := svc.Announcement("satoshi", 42)
	if err != nil {
		t.Fatalf("announcement failed: %v", err)
	}
	if err := VerifyAnnouncement(a); err != nil {
		t.Fatalf("verify failed: %v", err)
	}

	tampered := *a
	tampered.Nickname = "mallory"
	if err := VerifyAnnouncement(&tampered); err == nil {
		t.Fatal("tampered nickname verified")
	}

	other, err := Load("", nil)
	if err != nil {
		t.Fatalf("ephemeral load failed: %v", err)
	}
	stolen := *a
	stolen.PeerID = other.PeerID().String()
	if err := VerifyAnnouncement(&stolen); err == nil {
		t.Fatal("announcement with foreign peer id verified")
	}
}

func TestWipe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore.bpks")
	svc, err := Load(path, []byte("pw"))
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := svc.Wipe(); err != nil {
		t.Fatalf("wipe failed: %v", err)
	}
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("keystore still on disk: %v", err)
	}
	if _, err := svc.Sign([]byte("x")); !errors.Is(err, ErrWiped) {
		t.Fatalf("sign after wipe: %v", err)
	}
	if _, err := svc.Mnemonic(); !errors.Is(err, ErrWiped) {
		t.Fatalf("mnemonic after wipe: %v", err)
	}
	if err := svc.Wipe(); err != nil {
		t.Fatalf("second wipe: %v", err)
	}
}
