package paths

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	DefaultDataRoot   = "/var/lib/ts-nvr"
	DefaultConfigPath = "/etc/ts-nvr/config.yaml"
)

// ResolveDataRoot returns the absolute path to the NVR data directory.
func ResolveDataRoot() string {
	root := os.Getenv("NVR_DATA_ROOT")
	if root == "" {
		root = DefaultDataRoot
	}
	return root
}

// ResolveConfigPath returns the absolute path to the configuration file.
func ResolveConfigPath(customPath string) string {
	if customPath != "" {
		return customPath
	}
	if env := os.Getenv("NVR_CONFIG"); env != "" {
		return env
	}
	return DefaultConfigPath
}

// SegmentsDir returns the continuous-segment directory for a camera under
// the given tier root.
func SegmentsDir(tierPath, cameraIdentifier string) string {
	return filepath.Join(tierPath, "segments", cameraIdentifier)
}

// RecordingsDir returns the finished-clip directory for a camera under the
// given tier root.
func RecordingsDir(tierPath, cameraIdentifier string) string {
	return filepath.Join(tierPath, "recordings", cameraIdentifier)
}

// ThumbnailsDir returns the snapshot directory for a camera under the given
// tier root.
func ThumbnailsDir(tierPath, cameraIdentifier string) string {
	return filepath.Join(tierPath, "thumbnails", cameraIdentifier)
}

// BrokerSocketPath returns the path of the detection broker's unix socket.
func BrokerSocketPath() string {
	return filepath.Join(ResolveDataRoot(), "run", "detector.sock")
}

// AuthKeyPath returns the path of the per-install broker auth key.
func AuthKeyPath() string {
	return filepath.Join(ResolveDataRoot(), "run", "authkey")
}

// EnsureDirs creates the standard NVR data subdirectories if they don't exist.
func EnsureDirs() error {
	dataRoot := ResolveDataRoot()
	subdirs := []string{
		"run",
		"logs",
		"tmp",
	}

	for _, sub := range subdirs {
		path := filepath.Join(dataRoot, sub)
		if err := os.MkdirAll(path, 0750); err != nil {
			return fmt.Errorf("failed to create directory %s: %w", path, err)
		}
	}
	return nil
}

// SafeJoin joins path elements and ensures the result is within the base directory (no traversal).
func SafeJoin(base string, elements ...string) (string, error) {
	for _, el := range elements {
		if filepath.IsAbs(el) {
			return "", fmt.Errorf("path traversal attempt detected: absolute path not allowed in elements: %s", el)
		}
	}
	joined := filepath.Join(append([]string{base}, elements...)...)

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", err
	}

	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", err
	}

	if !strings.HasPrefix(absJoined, absBase) {
		return "", fmt.Errorf("path traversal attempt detected: %s is outside %s", absJoined, absBase)
	}

	return absJoined, nil
}
