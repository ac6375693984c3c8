package collab

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/go-playground/assert/v2"
)

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collabd.yml")
	err := os.WriteFile(path, []byte(`
listen: ":9090"
auth_secret: "test-secret"
hub:
  room:
    history_length: 50
    save_interval: 5
    op_buffer_size: 8
    save_timeout: 2s
transport:
  write_timeout: 1s
`), 0644)
	assert.Equal(t, err, nil)

	config, err := LoadConfig(path)
	assert.Equal(t, err, nil)
	assert.Equal(t, config.Listen, ":9090")
	assert.Equal(t, config.Hub.RoomSettings.HistoryLength, 50)
	assert.Equal(t, config.Hub.RoomSettings.SaveInterval, int64(5))
	// unset sections keep defaults
	assert.Equal(t, config.Transport.ReadTimeout, DefaultTransportSettings().ReadTimeout)
	assert.Equal(t, config.Session.Leeway, DefaultSessionRegistrySettings().Leeway)
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	os.Unsetenv("COLLAB_AUTH_SECRET")
	_, err := LoadConfig("")
	assert.NotEqual(t, err, nil)

	os.Setenv("COLLAB_AUTH_SECRET", "from-env")
	defer os.Unsetenv("COLLAB_AUTH_SECRET")
	config, err := LoadConfig("")
	assert.Equal(t, err, nil)
	assert.Equal(t, config.AuthSecret, "from-env")
}

func TestLoadConfigRejectsBadSettings(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "collabd.yml")
	err := os.WriteFile(path, []byte(`
auth_secret: "test-secret"
hub:
  room:
    history_length: 0
`), 0644)
	assert.Equal(t, err, nil)

	_, err = LoadConfig(path)
	assert.NotEqual(t, err, nil)
}
