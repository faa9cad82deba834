package migration

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	manifestFile = "manifest.json"
	dirPerm      = 0o750
	filePerm     = 0o640
)

// BackupMetadata is the manifest written next to the per-table row
// dumps. Immutable once written.
type BackupMetadata struct {
	BackupID     string           `json:"backup_id"`
	ProjectRef   string           `json:"project_ref"`
	DatabaseName string           `json:"database_name"`
	Timestamp    time.Time        `json:"timestamp"`
	BackupPath   string           `json:"backup_path"`
	Tables       []string         `json:"tables"`
	RowCounts    map[string]int64 `json:"row_counts"`
}

// BackupStore persists backups under <root>/<backupID>/ as a
// manifest.json plus one <schema>_<table>.json per table.
type BackupStore struct {
	root string
}

// NewBackupStore creates a store rooted at dir, creating it if needed.
func NewBackupStore(dir string) (*BackupStore, error) {
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("creating backup root: %w", err)
	}
	return &BackupStore{root: dir}, nil
}

// Path returns the directory a backup lives in.
func (s *BackupStore) Path(backupID string) string {
	return filepath.Join(s.root, backupID)
}

func tableFile(qualified string) string {
	return strings.ReplaceAll(qualified, ".", "_") + ".json"
}

// Write persists a backup: the manifest plus one row dump per table.
// rows is keyed by qualified table name.
func (s *BackupStore) Write(meta *BackupMetadata, rows map[string][]map[string]any) error {
	dir := s.Path(meta.BackupID)
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return fmt.Errorf("creating backup directory: %w", err)
	}

	for _, table := range meta.Tables {
		data, err := json.MarshalIndent(rows[table], "", "  ")
		if err != nil {
			return fmt.Errorf("encoding rows for %s: %w", table, err)
		}
		if err := os.WriteFile(filepath.Join(dir, tableFile(table)), data, filePerm); err != nil {
			return fmt.Errorf("writing rows for %s: %w", table, err)
		}
	}

	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, manifestFile), data, filePerm); err != nil {
		return fmt.Errorf("writing manifest: %w", err)
	}
	return nil
}

// ReadManifest loads a backup's manifest.
func (s *BackupStore) ReadManifest(backupID string) (*BackupMetadata, error) {
	data, err := os.ReadFile(filepath.Join(s.Path(backupID), manifestFile))
	if err != nil {
		return nil, fmt.Errorf("reading manifest for backup %s: %w", backupID, err)
	}
	var meta BackupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("decoding manifest for backup %s: %w", backupID, err)
	}
	return &meta, nil
}

// ReadTable loads the row dump for one table of a backup. Numbers
// decode as json.Number so integer values survive the round trip.
func (s *BackupStore) ReadTable(backupID, qualified string) ([]map[string]any, error) {
	data, err := os.ReadFile(filepath.Join(s.Path(backupID), tableFile(qualified)))
	if err != nil {
		return nil, fmt.Errorf("reading rows for %s in backup %s: %w", qualified, backupID, err)
	}

	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.UseNumber()
	var rows []map[string]any
	if err := dec.Decode(&rows); err != nil {
		return nil, fmt.Errorf("decoding rows for %s in backup %s: %w", qualified, backupID, err)
	}
	for _, row := range rows {
		for k, v := range row {
			row[k] = restoreValue(v)
		}
	}
	return rows, nil
}

// List returns every manifest under the root, skipping directories
// without one.
func (s *BackupStore) List() ([]BackupMetadata, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("listing backups: %w", err)
	}
	var out []BackupMetadata
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		meta, err := s.ReadManifest(e.Name())
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				continue
			}
			return nil, err
		}
		out = append(out, *meta)
	}
	return out, nil
}

// Remove deletes one backup directory.
func (s *BackupStore) Remove(backupID string) error {
	return os.RemoveAll(s.Path(backupID))
}

// CleanupExpired removes backups whose manifest timestamp is older than
// retention relative to now. Returns the ids removed.
func (s *BackupStore) CleanupExpired(now time.Time, retention time.Duration) ([]string, error) {
	backups, err := s.List()
	if err != nil {
		return nil, err
	}
	var removed []string
	for _, meta := range backups {
		if now.Sub(meta.Timestamp) <= retention {
			continue
		}
		if err := s.Remove(meta.BackupID); err != nil {
			return removed, fmt.Errorf("removing backup %s: %w", meta.BackupID, err)
		}
		removed = append(removed, meta.BackupID)
	}
	return removed, nil
}

// restoreValue maps decoded JSON values back to types pgx can bind:
// integral json.Numbers become int64, the rest become float64.
func restoreValue(v any) any {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return i
	}
	if f, err := n.Float64(); err == nil {
		return f
	}
	return n.String()
}
