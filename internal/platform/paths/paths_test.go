package paths

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResolveRoots(t *testing.T) {
	// 1. resolves defaults when no env is set
	os.Unsetenv("NVR_DATA_ROOT")
	os.Unsetenv("NVR_CONFIG")
	assert.Equal(t, DefaultDataRoot, ResolveDataRoot())
	assert.Equal(t, DefaultConfigPath, ResolveConfigPath(""))

	os.Setenv("NVR_DATA_ROOT", "/srv/nvr")
	os.Setenv("NVR_CONFIG", "/srv/nvr/config.yaml")
	assert.Equal(t, "/srv/nvr", ResolveDataRoot())
	assert.Equal(t, "/srv/nvr/config.yaml", ResolveConfigPath(""))

	// explicit flag wins over env
	assert.Equal(t, "/tmp/override.yaml", ResolveConfigPath("/tmp/override.yaml"))
	os.Unsetenv("NVR_DATA_ROOT")
	os.Unsetenv("NVR_CONFIG")
}

func TestCameraDirs(t *testing.T) {
	assert.Equal(t, "/tier0/segments/cam1", SegmentsDir("/tier0", "cam1"))
	assert.Equal(t, "/tier0/recordings/cam1", RecordingsDir("/tier0", "cam1"))
	assert.Equal(t, "/tier0/thumbnails/cam1", ThumbnailsDir("/tier0", "cam1"))
}

func TestSafeJoin(t *testing.T) {
	base := "/var/lib/ts-nvr"

	// 2. rejects path traversal attempts
	cases := []struct {
		name     string
		elements []string
		valid    bool
	}{
		{"normal", []string{"recordings", "cam1.mp4"}, true},
		{"parent", []string{"..", "other"}, false},
		{"nested_parent", []string{"recordings", "..", "..", "secrets"}, false},
		{"absolute", []string{"/etc/passwd"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := SafeJoin(base, tc.elements...)
			if tc.valid {
				assert.NoError(t, err)
				assert.Contains(t, res, base)
			} else {
				if assert.Error(t, err) {
					assert.Contains(t, err.Error(), "traversal")
				}
			}
		})
	}
}

func TestEnsureDirs(t *testing.T) {
	tmpRoot := filepath.Join(os.TempDir(), "nvr_test_data")
	os.Setenv("NVR_DATA_ROOT", tmpRoot)
	defer os.Unsetenv("NVR_DATA_ROOT")
	defer os.RemoveAll(tmpRoot)

	// 3. creates required DataRoot subdirectories
	err := EnsureDirs()
	assert.NoError(t, err)

	subdirs := []string{"run", "logs", "tmp"}
	for _, sub := range subdirs {
		_, err := os.Stat(filepath.Join(tmpRoot, sub))
		assert.NoError(t, err, "subdirectory %s should exist", sub)
	}
}
