package daemon

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anthill/anthill/internal/config"
	"github.com/anthill/anthill/internal/tmux"
)

func hasTmux() bool {
	_, err := tmux.NewTmux().Installed()
	return err == nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	t.Setenv("ANTHILL_CONFIG_DIR", t.TempDir())
	cfg := config.Default()
	dir := t.TempDir()
	cfg.RuntimeDir = dir
	cfg.LogDir = filepath.Join(dir, "logs")
	cfg.Port = 0 // ephemeral, avoids collisions between tests
	return cfg
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug": slog.LevelDebug,
		"info":  slog.LevelInfo,
		"warn":  slog.LevelWarn,
		"error": slog.LevelError,
		"":      slog.LevelInfo,
		"junk":  slog.LevelInfo,
	}
	for in, want := range cases {
		assert.Equal(t, want, parseLevel(in), "level %q", in)
	}
}

func TestSubscriptionsDirFollowsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(path, []byte("port = 4999\n"), 0o644))

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "subscriptions"), SubscriptionsDir(cfg))
}

func TestSubscriptionsDirDefault(t *testing.T) {
	confDir := t.TempDir()
	t.Setenv("ANTHILL_CONFIG_DIR", confDir)

	cfg := config.Default()
	assert.Equal(t, filepath.Join(confDir, "subscriptions"), SubscriptionsDir(cfg))
}

func TestIsRunningWithoutPidFile(t *testing.T) {
	cfg := testConfig(t)

	running, pid, err := IsRunning(cfg)
	require.NoError(t, err)
	assert.False(t, running)
	assert.Zero(t, pid)
}

func TestIsRunningCorruptPidFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(PIDPath(cfg), []byte("not-a-pid"), 0o644))

	_, _, err := IsRunning(cfg)
	require.Error(t, err)
}

func TestIsRunningRemovesStalePidFile(t *testing.T) {
	cfg := testConfig(t)
	// Beyond the kernel pid ceiling, so nothing can be running there.
	require.NoError(t, os.WriteFile(PIDPath(cfg), []byte("99999999"), 0o644))

	running, _, err := IsRunning(cfg)
	require.NoError(t, err)
	assert.False(t, running)
	_, statErr := os.Stat(PIDPath(cfg))
	assert.True(t, os.IsNotExist(statErr), "stale pid file should be removed")
}

func TestIsRunningRejectsReusedPid(t *testing.T) {
	cfg := testConfig(t)
	// The test binary is alive but is not an anthill daemon, which is
	// exactly what pid reuse looks like.
	require.NoError(t, os.WriteFile(PIDPath(cfg), []byte(strconv.Itoa(os.Getpid())), 0o644))

	running, _, err := IsRunning(cfg)
	require.NoError(t, err)
	assert.False(t, running)
	_, statErr := os.Stat(PIDPath(cfg))
	assert.True(t, os.IsNotExist(statErr))
}

func TestStopWithoutDaemon(t *testing.T) {
	cfg := testConfig(t)
	require.ErrorIs(t, Stop(cfg), ErrNotRunning)
}

func TestNewWithConfigWiresComponents(t *testing.T) {
	cfg := testConfig(t)

	app, err := NewWithConfig(cfg, false)
	require.NoError(t, err)
	assert.NotNil(t, app.server)
	assert.NotNil(t, app.manager)
	assert.NotNil(t, app.poller)
	assert.NotNil(t, app.dispatcher)
	assert.Same(t, cfg, app.Config())

	_, err = os.Stat(LogPath(cfg))
	assert.NoError(t, err, "log file should exist")
}

func TestRunRefusesSecondDaemon(t *testing.T) {
	cfg := testConfig(t)
	app, err := NewWithConfig(cfg, false)
	require.NoError(t, err)

	lock := flock.New(filepath.Join(cfg.RuntimeDir, lockFileName))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer func() { _ = lock.Unlock() }()

	require.ErrorIs(t, app.Run(context.Background()), ErrAlreadyRunning)
}

func TestRunStartsAndStopsCleanly(t *testing.T) {
	if !hasTmux() {
		t.Skip("tmux not installed")
	}
	cfg := testConfig(t)
	app, err := NewWithConfig(cfg, false)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()

	deadline := time.Now().Add(3 * time.Second)
	for {
		if _, err := os.Stat(PIDPath(cfg)); err == nil {
			break
		}
		require.True(t, time.Now().Before(deadline), "daemon never wrote pid file")
		time.Sleep(20 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("daemon did not stop")
	}

	_, statErr := os.Stat(PIDPath(cfg))
	assert.True(t, os.IsNotExist(statErr), "pid file should be removed on exit")
}
