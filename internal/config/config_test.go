package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/boddenberg/walletsync-go/internal/config"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg := config.Load()

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, 3, cfg.ConflictRetries)
	assert.Equal(t, 100*time.Millisecond, cfg.ConflictBackoff)
	assert.Equal(t, 3*time.Second, cfg.SyncHandshakeTimeout)
	assert.Equal(t, 10, cfg.ReadyPollAttempts)
	assert.False(t, cfg.SyncConfigured(), "no remote url means no sync")
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SYNC_ENABLED", "false")
	t.Setenv("REMOTE_URL", "http://couch:5984")
	t.Setenv("CONFLICT_BACKOFF", "250ms")
	t.Setenv("MAX_RETRIES", "not-a-number")

	cfg := config.Load()

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, 250*time.Millisecond, cfg.ConflictBackoff)
	assert.Equal(t, 3, cfg.MaxRetries, "malformed values fall back to the default")
	assert.False(t, cfg.SyncConfigured())
}

func TestLoadDotEnv_DoesNotOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	content := "# comment\nWALLETSYNC_TEST_A=\"from-file\"\nWALLETSYNC_TEST_B=file\n\nbroken-line\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	t.Setenv("WALLETSYNC_TEST_B", "from-env")
	t.Cleanup(func() { os.Unsetenv("WALLETSYNC_TEST_A") })

	require.NoError(t, config.LoadDotEnv(path))

	assert.Equal(t, "from-file", os.Getenv("WALLETSYNC_TEST_A"))
	assert.Equal(t, "from-env", os.Getenv("WALLETSYNC_TEST_B"))
}
