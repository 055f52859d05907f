package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"

	"github.com/BadgerOps/mlmigrate/internal/tracking"
)

// CheckpointSchema tags the checkpoint layout written by this version.
const CheckpointSchema = "mlmigrate.checkpoint/v1"

// ErrCheckpointSchema is returned when a checkpoint carries an unknown schema tag.
var ErrCheckpointSchema = errors.New("unsupported checkpoint schema")

// Checkpoint is the state handed from the experiment phase to the model phase.
type Checkpoint struct {
	Schema      string                 `json:"schema"`
	BatchID     string                 `json:"batch_id"`
	Created     time.Time              `json:"created"`
	Experiments []ExperimentCheckpoint `json:"experiments"`
	Exceptions  []Exception            `json:"exceptions"`
	Stats       ExperimentStats        `json:"stats"`
}

// ExperimentCheckpoint holds the accepted mappings of one imported experiment.
type ExperimentCheckpoint struct {
	SourceID string                  `json:"source_id"`
	DestName string                  `json:"destination_name"`
	DestID   string                  `json:"destination_id"`
	Runs     RunIdentityMapping      `json:"runs"`
	Infos    tracking.RunInfoMapping `json:"infos"`
}

// RunInfos flattens the per-experiment mappings into one batch-wide mapping.
func (c *Checkpoint) RunInfos() tracking.RunInfoMapping {
	out := make(tracking.RunInfoMapping)
	for _, exp := range c.Experiments {
		for src, info := range exp.Infos {
			out[src] = info
		}
	}
	return out
}

// WriteCheckpoint writes cp as zstd-compressed JSON, replacing path atomically.
func WriteCheckpoint(path string, cp *Checkpoint) error {
	if cp.Schema == "" {
		cp.Schema = CheckpointSchema
	}
	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("encoding checkpoint: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("creating zstd writer: %w", err)
	}
	compressed := enc.EncodeAll(data, nil)
	if err := enc.Close(); err != nil {
		return fmt.Errorf("closing zstd writer: %w", err)
	}

	if err := writeFileAtomic(path, compressed, 0o600); err != nil {
		return fmt.Errorf("writing checkpoint: %w", err)
	}
	return nil
}

// ReadCheckpoint reads a checkpoint written by WriteCheckpoint.
func ReadCheckpoint(path string) (*Checkpoint, error) {
	compressed, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint: %w", err)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd reader: %w", err)
	}
	defer dec.Close()
	data, err := dec.DecodeAll(compressed, nil)
	if err != nil {
		return nil, fmt.Errorf("decompressing checkpoint: %w", err)
	}

	var cp Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parsing checkpoint: %w", err)
	}
	if cp.Schema != CheckpointSchema {
		return nil, fmt.Errorf("%w: %q", ErrCheckpointSchema, cp.Schema)
	}
	return &cp, nil
}

// writeFileAtomic writes data to a temp file next to path, syncs it and
// renames it over path.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer os.Remove(tmp) // no-op after a successful rename

	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Chmod(tmp, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
