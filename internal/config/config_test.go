package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())

	p := cfg.RetryPolicy()
	assert.Equal(t, time.Second, p.Base)
	assert.Equal(t, 16*time.Second, p.Cap)
	assert.Equal(t, 5, p.MaxAttempts)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "querysession.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transport: stream
stream_url: http://analysis.internal/api/stream
retry_base: 2s
max_sessions: 7
storage_backend: sqlite
storage_path: /var/lib/querysession
`), 0o600))

	t.Setenv(FileEnv, path)
	t.Setenv("MAX_SESSIONS", "9")
	t.Setenv("REQUEST_TIMEOUT", "45s")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "stream", cfg.Transport)
	assert.Equal(t, "http://analysis.internal/api/stream", cfg.StreamURL)
	assert.Equal(t, 2*time.Second, cfg.RetryBase)
	assert.Equal(t, 9, cfg.MaxSessions)
	assert.Equal(t, 45*time.Second, cfg.RequestTimeout)
	assert.Equal(t, "sqlite", cfg.StorageBackend)
	assert.Equal(t, 50, cfg.MaxMessages, "untouched defaults survive")
	assert.NoError(t, cfg.Validate())
}

func TestLoad_BadFile(t *testing.T) {
	t.Setenv(FileEnv, filepath.Join(t.TempDir(), "missing.yaml"))
	_, err := Load()
	assert.Error(t, err)

	path := filepath.Join(t.TempDir(), "broken.yaml")
	require.NoError(t, os.WriteFile(path, []byte("retry_base: [nope"), 0o600))
	t.Setenv(FileEnv, path)
	_, err = Load()
	assert.Error(t, err)
}

func TestLoad_IgnoresMalformedEnv(t *testing.T) {
	t.Setenv("RETRY_MAX_ATTEMPTS", "many")
	t.Setenv("CONNECT_TIMEOUT", "soon")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 5, cfg.RetryMaxAttempts)
	assert.Equal(t, 10*time.Second, cfg.ConnectTimeout)
}

func TestValidate(t *testing.T) {
	cfg := Defaults()
	cfg.Transport = "carrier-pigeon"
	cfg.StorageBackend = "tape"
	cfg.RetryBase = 10 * time.Second
	cfg.RetryCap = time.Second
	cfg.MaxMessages = 0

	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "TRANSPORT")
	assert.Contains(t, err.Error(), "STORAGE_BACKEND")
	assert.Contains(t, err.Error(), "RETRY_CAP")
	assert.Contains(t, err.Error(), "MAX_MESSAGES")

	cfg = Defaults()
	cfg.SocketURL = "http://localhost:8080/ws"
	assert.ErrorContains(t, cfg.Validate(), "SOCKET_URL")

	cfg = Defaults()
	cfg.StorageBackend = "nats"
	assert.NoError(t, cfg.Validate())
}
