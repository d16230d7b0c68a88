package backup

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type payload struct {
	Users []int `json:"users"`
}

func newService(t *testing.T) (*BackupService, string) {
	t.Helper()
	dir := t.TempDir()
	storage, err := NewFileStorage(dir)
	require.NoError(t, err)
	return NewBackupService(storage, "1", "blocklist"), dir
}

func TestBackupService_CreateAndRestore(t *testing.T) {
	service, dir := newService(t)
	ctx := context.Background()

	name, err := service.CreateBackup(ctx, "blocklist", payload{Users: []int{1, 2}}, map[string]string{"count": "2"})
	require.NoError(t, err)
	assert.Regexp(t, `^blocklist-\d{8}-\d{6}\.\d{9}\.json$`, name)

	_, err = os.Stat(filepath.Join(dir, name))
	require.NoError(t, err)

	data, err := service.RestoreBackup(ctx, name)
	require.NoError(t, err)
	assert.Equal(t, "1", data.Version)
	assert.Equal(t, "blocklist", data.Kind)
	assert.Equal(t, "2", data.Metadata["count"])

	var got payload
	require.NoError(t, json.Unmarshal(data.Payload, &got))
	assert.Equal(t, []int{1, 2}, got.Users)
}

func TestBackupService_LatestAndPrune(t *testing.T) {
	service, dir := newService(t)
	ctx := context.Background()

	_, err := service.Latest(ctx)
	assert.ErrorIs(t, err, ErrNoBackups)

	var names []string
	for i := 0; i < 4; i++ {
		name, err := service.CreateBackup(ctx, "blocklist", payload{Users: []int{i}}, nil)
		require.NoError(t, err)
		names = append(names, name)
	}
	// files with other prefixes or a stray temp file are not backups
	require.NoError(t, os.WriteFile(filepath.Join(dir, "other-1.json"), []byte("{}"), 0o644))

	latest, err := service.Latest(ctx)
	require.NoError(t, err)
	assert.Equal(t, names[3], latest)

	removed, err := service.Prune(ctx, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, removed)

	left, err := service.ListBackups(ctx)
	require.NoError(t, err)
	assert.Equal(t, names[2:], left)
}

func TestBackupService_RejectsCorruptBackup(t *testing.T) {
	service, dir := newService(t)
	ctx := context.Background()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocklist-bad.json"), []byte("{not json"), 0o644))
	_, err := service.RestoreBackup(ctx, "blocklist-bad.json")
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "blocklist-noversion.json"), []byte(`{"kind":"x"}`), 0o644))
	_, err = service.RestoreBackup(ctx, "blocklist-noversion.json")
	assert.Error(t, err)

	_, err = service.RestoreBackup(ctx, "missing.json")
	assert.Error(t, err)
}

func TestFileStorage_LeavesNoTempFiles(t *testing.T) {
	dir := t.TempDir()
	storage, err := NewFileStorage(filepath.Join(dir, "nested"))
	require.NoError(t, err)

	service := NewBackupService(storage, "1", "")
	name, err := service.CreateBackup(context.Background(), "k", payload{}, nil)
	require.NoError(t, err)
	assert.Regexp(t, `^backup-`, name)

	entries, err := os.ReadDir(filepath.Join(dir, "nested"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, name, entries[0].Name())

	require.NoError(t, storage.Delete(context.Background(), name))
	files, err := storage.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, files)
}
