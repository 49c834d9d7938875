package shac

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// DefaultCheckpointDir is the on-disk layout's conventional directory name.
const DefaultCheckpointDir = "shac"

// atomicWrite writes to a temporary file in the same directory as path, then
// renames it into place. write is called with the open temp file; a non-nil
// return aborts the write and removes the temp file. Rename is atomic on the
// same filesystem, satisfying the checkpoint format's write-then-rename
// contract.
func atomicWrite(path string, write func(*os.File) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return newErrorf(PersistenceFailed, err, "creating temp file for %q", path)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if err := write(tmp); err != nil {
		tmp.Close()
		return newErrorf(PersistenceFailed, err, "writing %q", path)
	}
	if err := tmp.Close(); err != nil {
		return newErrorf(PersistenceFailed, err, "closing temp file for %q", path)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return newErrorf(PersistenceFailed, err, "renaming into %q", path)
	}
	return nil
}

// saveParameterSpace writes parameters.json under dir.
func saveParameterSpace(dir string, space *ParameterSpace) error {
	schemas, err := space.schema()
	if err != nil {
		return err
	}
	return atomicWrite(filepath.Join(dir, "parameters.json"), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(schemas)
	})
}

// loadParameterSpace reads parameters.json under dir.
func loadParameterSpace(dir string) (*ParameterSpace, error) {
	data, err := os.ReadFile(filepath.Join(dir, "parameters.json"))
	if err != nil {
		return nil, newErrorf(PersistenceFailed, err, "reading parameters.json in %q", dir)
	}
	var schemas []parameterSchema
	if err := json.Unmarshal(data, &schemas); err != nil {
		return nil, newErrorf(SchemaMismatch, err, "parsing parameters.json in %q", dir)
	}
	return parameterSpaceFromSchema(schemas)
}

// meta is the JSON-serializable engine checkpoint header, persisted as
// meta.json.
type meta struct {
	EngineVersion  string    `json:"engine_version"`
	RunID          string    `json:"run_id"`
	Epoch          int       `json:"epoch"`
	Objective      Objective `json:"objective"`
	TotalBudget    int       `json:"total_budget"`
	NumBatches     int       `json:"num_batches"`
	MaxClassifiers int       `json:"max_classifiers"`
	Seed           int64     `json:"seed"`
	SkipCVChecks   bool      `json:"skip_cv_checks"`
	EarlyStop      bool      `json:"early_stop"`
	RelaxChecks    bool      `json:"relax_checks"`
	CascadeLen     int       `json:"cascade_len"`
}

const engineVersion = "shac/1"

// newRunID generates a fresh run identity for a checkpoint's meta.json.
func newRunID() string {
	return uuid.NewString()
}

func saveMeta(dir string, m meta) error {
	return atomicWrite(filepath.Join(dir, "meta.json"), func(f *os.File) error {
		enc := json.NewEncoder(f)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	})
}

func loadMeta(dir string) (meta, error) {
	var m meta
	data, err := os.ReadFile(filepath.Join(dir, "meta.json"))
	if err != nil {
		return m, newErrorf(PersistenceFailed, err, "reading meta.json in %q", dir)
	}
	if err := json.Unmarshal(data, &m); err != nil {
		return m, newErrorf(SchemaMismatch, err, "parsing meta.json in %q", dir)
	}
	return m, nil
}

// classifierPath returns the zero-padded checkpoint path for cascade index i.
func classifierPath(dir string, i int) string {
	return filepath.Join(dir, "classifiers", classifierFileName(i))
}

func classifierFileName(i int) string {
	return fmtIndex(i) + ".bin"
}

// fmtIndex zero-pads i to a stable width so classifier filenames sort
// lexicographically in cascade order.
func fmtIndex(i int) string {
	return fmt.Sprintf("cls_%04d", i)
}
