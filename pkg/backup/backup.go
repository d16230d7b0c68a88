package backup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
)

const timestampLayout = "20060102-150405.000000000"

var ErrNoBackups = errors.New("no backups found")

// BackupData is one stored snapshot. Payload is owned by whoever wrote it;
// Kind tells readers how to decode it.
type BackupData struct {
	Version   string            `json:"version"`
	Timestamp time.Time         `json:"timestamp"`
	Kind      string            `json:"kind"`
	Payload   json.RawMessage   `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Storage defines interface for backup storage
type Storage interface {
	Save(ctx context.Context, name string, data io.Reader) error
	Load(ctx context.Context, name string) (io.ReadCloser, error)
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, name string) error
}

// BackupService writes timestamped snapshots under a name prefix. Names sort
// in creation order.
type BackupService struct {
	storage Storage
	version string
	prefix  string
}

func NewBackupService(storage Storage, version, prefix string) *BackupService {
	if prefix == "" {
		prefix = "backup"
	}
	return &BackupService{
		storage: storage,
		version: version,
		prefix:  prefix + "-",
	}
}

// CreateBackup serializes payload and stores it. It returns the backup name.
func (bs *BackupService) CreateBackup(ctx context.Context, kind string, payload interface{}, metadata map[string]string) (string, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup payload: %w", err)
	}

	data := BackupData{
		Version:   bs.version,
		Timestamp: time.Now().UTC(),
		Kind:      kind,
		Payload:   raw,
		Metadata:  metadata,
	}
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal backup data: %w", err)
	}

	name := bs.prefix + data.Timestamp.Format(timestampLayout) + ".json"
	if err := bs.storage.Save(ctx, name, bytes.NewReader(jsonData)); err != nil {
		return "", fmt.Errorf("failed to save backup: %w", err)
	}
	return name, nil
}

// RestoreBackup loads a backup by name.
func (bs *BackupService) RestoreBackup(ctx context.Context, name string) (*BackupData, error) {
	reader, err := bs.storage.Load(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("failed to load backup: %w", err)
	}
	defer reader.Close()

	var backupData BackupData
	if err := json.NewDecoder(reader).Decode(&backupData); err != nil {
		return nil, fmt.Errorf("failed to decode backup %s: %w", name, err)
	}
	if backupData.Version == "" {
		return nil, fmt.Errorf("invalid backup %s: missing version", name)
	}
	return &backupData, nil
}

// ListBackups returns backup names, oldest first.
func (bs *BackupService) ListBackups(ctx context.Context) ([]string, error) {
	names, err := bs.storage.List(ctx, bs.prefix)
	if err != nil {
		return nil, err
	}
	out := names[:0]
	for _, n := range names {
		if strings.HasSuffix(n, ".json") {
			out = append(out, n)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Latest returns the newest backup name or ErrNoBackups.
func (bs *BackupService) Latest(ctx context.Context) (string, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "", ErrNoBackups
	}
	return names[len(names)-1], nil
}

// Prune deletes all but the newest keep backups and returns how many went.
func (bs *BackupService) Prune(ctx context.Context, keep int) (int, error) {
	names, err := bs.ListBackups(ctx)
	if err != nil {
		return 0, err
	}
	if keep < 0 {
		keep = 0
	}
	removed := 0
	for i := 0; i < len(names)-keep; i++ {
		if err := bs.storage.Delete(ctx, names[i]); err != nil {
			return removed, fmt.Errorf("failed to delete backup %s: %w", names[i], err)
		}
		removed++
	}
	return removed, nil
}

// DeleteBackup deletes a backup
func (bs *BackupService) DeleteBackup(ctx context.Context, name string) error {
	return bs.storage.Delete(ctx, name)
}
