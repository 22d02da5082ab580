package broker

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/blake2b"
)

const authKeySize = 32

// LoadOrCreateAuthKey returns the per-install broker key, generating and
// persisting it on first run. The sidecar reads the same file, so the key
// survives restarts of either side.
func LoadOrCreateAuthKey(path string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err == nil {
		key, decErr := hex.DecodeString(strings.TrimSpace(string(raw)))
		if decErr == nil && len(key) == authKeySize {
			return key, nil
		}
		// Unreadable content gets regenerated below.
	}

	key := make([]byte, authKeySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generate authkey: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		return nil, fmt.Errorf("authkey dir: %w", err)
	}
	if err := os.WriteFile(path, []byte(hex.EncodeToString(key)+"\n"), 0600); err != nil {
		return nil, fmt.Errorf("persist authkey: %w", err)
	}
	return key, nil
}

// proveChallenge computes the keyed-BLAKE2b MAC the sidecar expects over
// its connection challenge.
func proveChallenge(key, challenge []byte) ([]byte, error) {
	h, err := blake2b.New256(key)
	if err != nil {
		return nil, err
	}
	h.Write(challenge)
	return h.Sum(nil), nil
}
