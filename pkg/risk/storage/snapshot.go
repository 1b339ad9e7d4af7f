package storage

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

// SnapshotStore persists graph snapshots as JSON files
type SnapshotStore struct {
	filePath string
}

func NewSnapshotStore(filePath string) *SnapshotStore {
	return &SnapshotStore{filePath: filePath}
}

// Save writes the snapshot atomically through a temporary file.
func (s *SnapshotStore) Save(ctx context.Context, data *GraphData) error {
	dir := filepath.Dir(s.filePath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrap(err, "create snapshot directory")
	}

	encoded, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encode snapshot")
	}

	tmp := s.filePath + ".tmp"
	if err := os.WriteFile(tmp, encoded, 0644); err != nil {
		return errors.Wrap(err, "write snapshot")
	}
	return errors.Wrap(os.Rename(tmp, s.filePath), "commit snapshot")
}

// Load reads the snapshot. A missing file yields an empty graph.
func (s *SnapshotStore) Load(ctx context.Context) (*GraphData, error) {
	raw, err := os.ReadFile(s.filePath)
	if os.IsNotExist(err) {
		return &GraphData{}, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "read snapshot")
	}

	var data GraphData
	if err := json.Unmarshal(raw, &data); err != nil {
		return nil, errors.Wrap(err, "decode snapshot")
	}
	return &data, nil
}
