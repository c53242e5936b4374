package auth

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// tokenFile is the externally supplied refresh material for the web flow.
// It is the only credential persisted outside process memory and is kept
// owner-readable only.
type tokenFile struct {
	path string

	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	InstanceURL  string `json:"instance_url"`
	ExpiresAt    int64  `json:"expires_at"`
}

func loadTokenFile(path string) (*tokenFile, error) {
	if path == "" {
		return nil, authErr(KindConfigMissing, "token file path not configured")
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &tokenFile{path: path}, nil
		}
		return nil, authErr(KindConfigMissing, "read token file %s: %w", path, err)
	}

	tf := &tokenFile{path: path}
	if err := json.Unmarshal(data, tf); err != nil {
		return nil, authErr(KindConfigMissing, "parse token file %s: %w", path, err)
	}
	return tf, nil
}

func (tf *tokenFile) save() error {
	data, err := json.MarshalIndent(tf, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal token file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(tf.path), 0o700); err != nil {
		return fmt.Errorf("create token file dir: %w", err)
	}

	if err := os.WriteFile(tf.path, data, 0o600); err != nil {
		return fmt.Errorf("write token file: %w", err)
	}
	return nil
}
