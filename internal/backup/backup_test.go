package backup

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newTestScheduler(t *testing.T, keep int) (*Scheduler, string) {
	t.Helper()
	dir := t.TempDir()
	src := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(src, []byte("[web]\nenabled = true\n"), 0o644))

	s, err := NewScheduler(Config{
		Source:   src,
		Folder:   filepath.Join(dir, "backups"),
		Schedule: "@every 1s",
		Keep:     keep,
	}, zap.NewNop())
	require.NoError(t, err)
	return s, dir
}

func TestBackupCopiesFile(t *testing.T) {
	s, dir := newTestScheduler(t, 3)
	s.now = func() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }

	path, err := s.Backup()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "backups", "config_20260504T030201.toml"), path)

	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "[web]\nenabled = true\n", string(got))
}

func TestBackupPrunesOldest(t *testing.T) {
	s, dir := newTestScheduler(t, 2)
	ts := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return ts }

	for i := 0; i < 4; i++ {
		_, err := s.Backup()
		require.NoError(t, err)
		ts = ts.Add(time.Hour)
	}

	entries, err := os.ReadDir(filepath.Join(dir, "backups"))
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"config_20260101T020000.toml", "config_20260101T030000.toml"}, names)
}

func TestNewSchedulerValidates(t *testing.T) {
	_, err := NewScheduler(Config{Source: "a", Folder: "b", Schedule: "not a schedule"}, zap.NewNop())
	assert.Error(t, err)

	_, err = NewScheduler(Config{Folder: "b"}, zap.NewNop())
	assert.Error(t, err)
}

func TestRunStopsOnCancel(t *testing.T) {
	s, _ := newTestScheduler(t, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
