package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/jmcleod/hostlink/internal/util"
)

// LoadOrCreateKeyFile reads a hex-encoded 32-byte key from path, creating
// the file with a fresh random key (mode 0600) when it does not exist.
func LoadOrCreateKeyFile(path string) ([]byte, error) {
	// #nosec G304 -- path comes from operator configuration
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		key, err := util.HexDecode(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("decoding key file %s: %w", path, err)
		}
		if len(key) != util.AESKeySize {
			return nil, fmt.Errorf("key file %s: expected %d bytes, got %d", path, util.AESKeySize, len(key))
		}
		return key, nil
	case !errors.Is(err, fs.ErrNotExist):
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	key, err := util.RandomBytes(util.AESKeySize)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(util.HexEncode(key)+"\n"), 0o600); err != nil {
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return key, nil
}

// ResolveAdminToken returns the configured admin token, or the contents of
// the admin token file, creating it on first use.
func (h HostConfig) ResolveAdminToken() (string, error) {
	if h.AdminToken != "" {
		return h.AdminToken, nil
	}
	if h.AdminTokenFile == "" {
		return "", errors.New("host.admin_token or host.admin_token_file is required")
	}
	key, err := LoadOrCreateKeyFile(h.AdminTokenFile)
	if err != nil {
		return "", err
	}
	return util.HexEncode(key), nil
}
