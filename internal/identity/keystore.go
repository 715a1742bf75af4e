package identity

import (
	"errors"
	"io/fs"
	"os"
	"syscall"

	"github.com/bitpoints-cashu/bitpoints.me-sub000/internal/securestore"
)

var errKeystoreMissing = errors.New("identity: keystore missing")

type keystoreRecord struct {
	Mnemonic      string `json:"mnemonic"`
	CreatedAtUnix int64  `json:"created_at_unix"`
}

func readKeystore(path string, passphrase []byte) (keystoreRecord, error) {
	var rec keystoreRecord
	err := securestore.ReadJSON(path, passphrase, &rec)
	// A parent that is not a directory counts as missing; the real problem
	// surfaces when generation tries to persist there.
	if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ENOTDIR) {
		return rec, errKeystoreMissing
	}
	if err != nil {
		return rec, err
	}
	if rec.Mnemonic == "" {
		return rec, errors.New("identity: keystore record has no mnemonic")
	}
	return rec, nil
}

func writeKeystore(path string, passphrase []byte, rec keystoreRecord) error {
	return securestore.WriteJSON(path, passphrase, rec)
}

func removeKeystore(path string) error {
	err := os.Remove(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	return err
}
