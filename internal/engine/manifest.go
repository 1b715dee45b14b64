package engine

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

const (
	manifestName = "MANIFEST"
	lockName     = "LOCK"
)

// fileMeta describes one table file in the manifest.
type fileMeta struct {
	Num       uint64 `json:"num"`
	Size      uint64 `json:"size"`
	Smallest  []byte `json:"smallest"`
	Largest   []byte `json:"largest"`
	GlobalSeq uint64 `json:"global_seq,omitempty"`
	HasBlob   bool   `json:"has_blob,omitempty"`
	BlobBytes uint64 `json:"blob_bytes,omitempty"`
}

// cfManifest is the persisted state of one column family. Levels[0] is
// ordered newest file first; Levels[1] is ordered by smallest key.
type cfManifest struct {
	ID     uint32       `json:"id"`
	Name   string       `json:"name"`
	Levels [][]fileMeta `json:"levels"`
}

type manifest struct {
	NextFileNumber uint64       `json:"next_file_number"`
	LastSequence   uint64       `json:"last_sequence"`
	LogNumber      uint64       `json:"log_number"`
	CFs            []cfManifest `json:"column_families"`
}

func newManifest() *manifest {
	return &manifest{
		NextFileNumber: 1,
		CFs: []cfManifest{{
			ID:     0,
			Name:   DefaultColumnFamily,
			Levels: [][]fileMeta{nil, nil},
		}},
	}
}

func loadManifest(dir string) (*manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, manifestName))
	if err != nil {
		return nil, err
	}
	m := &manifest{}
	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("engine: decode manifest: %w", err)
	}
	return m, nil
}

// saveManifest writes the manifest atomically via a temp file rename.
func saveManifest(dir string, m *manifest) error {
	data, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("engine: encode manifest: %w", err)
	}
	tmp := filepath.Join(dir, manifestName+".tmp")
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("engine: write manifest: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return fmt.Errorf("engine: write manifest: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("engine: sync manifest: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("engine: close manifest: %w", err)
	}
	return os.Rename(tmp, filepath.Join(dir, manifestName))
}

func tableFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.sst", num))
}

func logFileName(dir string, num uint64) string {
	return filepath.Join(dir, fmt.Sprintf("%06d.log", num))
}
