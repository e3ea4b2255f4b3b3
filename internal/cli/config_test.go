package cli

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadServeConfig_Defaults(t *testing.T) {
	cfg, err := LoadServeConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
	assert.Empty(t, cfg.Tags)
	assert.Empty(t, cfg.Journal)
}

func TestLoadServeConfig_FromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captp.yaml")
	require.NoError(t, os.WriteFile(path, []byte(
		"listen: \"127.0.0.1:9000\"\ntags: [edge, demo]\njournal: frames.db\n",
	), 0o644))

	cfg, err := LoadServeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.Equal(t, []string{"edge", "demo"}, cfg.Tags)
	assert.Equal(t, "frames.db", cfg.Journal)
}

func TestLoadServeConfig_EmptyListenFallsBack(t *testing.T) {
	path := filepath.Join(t.TempDir(), "captp.yaml")
	require.NoError(t, os.WriteFile(path, []byte("tags: [x]\n"), 0o644))

	cfg, err := LoadServeConfig(path)
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestLoadServeConfig_Errors(t *testing.T) {
	t.Run("missing file", func(t *testing.T) {
		_, err := LoadServeConfig(filepath.Join(t.TempDir(), "absent.yaml"))
		assert.Error(t, err)
	})

	t.Run("malformed yaml", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("listen: [unterminated"), 0o644))
		_, err := LoadServeConfig(path)
		assert.Error(t, err)
	})
}
