package daemon

import (
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLifecycleManager(t *testing.T) {
	t.Run("should place the PID file in the data directory", func(t *testing.T) {
		cfg := testConfig(t)
		d := createTestDaemon(t, cfg)
		defer d.Close()

		lm := NewLifecycleManager(d)
		assert.Equal(t, filepath.Join(cfg.DataDir, "parley.pid"), lm.PIDFile())
	})

	t.Run("should skip the PID file without a data directory", func(t *testing.T) {
		cfg := testConfig(t)
		cfg.DataDir = ""
		d := createTestDaemon(t, cfg)
		defer d.Close()

		lm := NewLifecycleManager(d)
		assert.Empty(t, lm.PIDFile())
		assert.NoError(t, lm.Start())
		assert.NoError(t, lm.Stop())
	})
}

func TestLifecycleManagerStartStop(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.Close()

	lm := NewLifecycleManager(d)
	require.NoError(t, lm.Start())

	pid, err := ReadPID(lm.PIDFile())
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), pid)
	assert.True(t, IsRunning(lm.PIDFile()))

	require.NoError(t, lm.Stop())
	_, err = os.Stat(lm.PIDFile())
	assert.True(t, os.IsNotExist(err))

	t.Run("should tolerate a missing PID file on stop", func(t *testing.T) {
		assert.NoError(t, lm.Stop())
	})
}

func TestLifecycleManagerStaleFile(t *testing.T) {
	cfg := testConfig(t)
	d := createTestDaemon(t, cfg)
	defer d.Close()

	lm := NewLifecycleManager(d)

	t.Run("should replace a stale PID file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(lm.PIDFile(), []byte("999999999"), 0644))
		require.NoError(t, lm.Start())

		pid, err := ReadPID(lm.PIDFile())
		require.NoError(t, err)
		assert.Equal(t, os.Getpid(), pid)
		require.NoError(t, lm.Stop())
	})

	t.Run("should refuse when another live process holds the file", func(t *testing.T) {
		require.NoError(t, os.WriteFile(lm.PIDFile(), []byte(strconv.Itoa(os.Getppid())), 0644))
		defer os.Remove(lm.PIDFile())

		err := lm.Start()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "already running")
	})
}

func TestReadPID(t *testing.T) {
	dir := t.TempDir()

	t.Run("should fail on a missing file", func(t *testing.T) {
		_, err := ReadPID(filepath.Join(dir, "missing.pid"))
		assert.Error(t, err)
		assert.False(t, IsRunning(filepath.Join(dir, "missing.pid")))
	})

	t.Run("should fail on garbage", func(t *testing.T) {
		path := filepath.Join(dir, "invalid.pid")
		require.NoError(t, os.WriteFile(path, []byte("invalid"), 0644))

		_, err := ReadPID(path)
		assert.Error(t, err)
		assert.False(t, IsRunning(path))
	})

	t.Run("should trim whitespace", func(t *testing.T) {
		path := filepath.Join(dir, "spaced.pid")
		require.NoError(t, os.WriteFile(path, []byte(" 42\n"), 0644))

		pid, err := ReadPID(path)
		require.NoError(t, err)
		assert.Equal(t, 42, pid)
	})
}

func TestProcessAlive(t *testing.T) {
	assert.True(t, ProcessAlive(os.Getpid()))
	assert.False(t, ProcessAlive(0))
	assert.False(t, ProcessAlive(-1))
}
