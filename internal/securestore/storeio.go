package securestore

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// WriteJSON marshals v, seals it under passphrase and writes it to path.
// Parent directories are created mode 0700, the file mode 0600.
func WriteJSON(path string, passphrase []byte, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	sealed, err := Seal(passphrase, payload)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(path, sealed, 0o600)
}

// ReadJSON reads path, opens the sealed blob and unmarshals it into v.
func ReadJSON(path string, passphrase []byte, v any) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	payload, err := Open(passphrase, raw)
	if err != nil {
		return err
	}
	return json.Unmarshal(payload, v)
}
