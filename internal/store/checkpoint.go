package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/banky420star/sb1-dapxyzdb-sub000/pkg/types"
)

// checkpoint is the on-disk snapshot of the projections. LastSeq is the
// journal position the snapshot covers: recovery replays only events past
// it, and the retention sweep never deletes events beyond it.
type checkpoint struct {
	SavedAt     time.Time    `json:"saved_at"`
	LastSeq     uint64       `json:"last_seq"`
	Projections *Projections `json:"projections"`
}

// Checkpoint atomically persists the current projections. It writes to a
// .tmp file first, then renames over the target, so the file is never left
// in a partial state (crash-safe).
func (s *Store) Checkpoint() error {
	s.mu.RLock()
	cp := checkpoint{
		SavedAt:     s.clock.Now().UTC(),
		LastSeq:     s.applied,
		Projections: s.proj.clone(),
	}
	s.mu.RUnlock()

	data, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	path := filepath.Join(s.cfg.DataDir, checkpointFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write checkpoint: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace checkpoint: %w", err)
	}

	s.mu.Lock()
	s.checkpointSeq = cp.LastSeq
	s.mu.Unlock()

	s.logger.Debug("checkpoint saved", "last_seq", cp.LastSeq)
	return nil
}

// loadCheckpoint reads a checkpoint from disk. Returns nil, nil if none
// exists (fresh journal). A corrupt checkpoint is an error: silently
// starting from zero would replay the whole journal against empty state
// that the retention sweep may no longer support.
func loadCheckpoint(path string) (*checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("unmarshal checkpoint: %w", err)
	}
	if cp.Projections == nil {
		cp.Projections = newProjections()
	}
	if cp.Projections.Positions == nil {
		cp.Projections.Positions = make(map[string]types.Position)
	}
	if cp.Projections.OpenOrders == nil {
		cp.Projections.OpenOrders = make(map[string]types.Order)
	}
	return &cp, nil
}
