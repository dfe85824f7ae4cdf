// Package worker runs one shard of items inside a single process.
package worker

import (
	"fmt"
	"time"

	"docscale/internal/logging"
	"docscale/internal/model"
	"docscale/internal/runstore"
	"docscale/internal/srmodel"
)

const (
	SharingShared     = "shared"
	SharingPerProcess = "per-process"
)

// ShardSpec is everything a worker process needs to run its shard. It is written as JSON
// into the run scratch directory and passed to the child by path.
type ShardSpec struct {
	RunID              string         `json:"run_id"`
	Shard              int            `json:"shard"`
	Threads            int            `json:"threads"`
	Items              []model.Item   `json:"items"`
	Model              ModelSpec      `json:"model"`
	GroupPPI           map[string]int `json:"group_ppi"`
	Ledger             LedgerSpec     `json:"ledger"`
	TrustIntermediates bool           `json:"trust_intermediates"`
	Logging            logging.Config `json:"logging"`
}

type ModelSpec struct {
	Engine   string `json:"engine"`
	Dir      string `json:"dir"`
	Binary   string `json:"binary,omitempty"`
	Scale    int    `json:"scale"`
	TileSize int    `json:"tile_size"`
	Device   string `json:"device"`
}

func (m ModelSpec) Options() srmodel.Options {
	return srmodel.Options{
		ModelDir: m.Dir,
		Scale:    m.Scale,
		TileSize: m.TileSize,
		Device:   m.Device,
		Engine:   m.Engine,
		Binary:   m.Binary,
	}
}

type LedgerSpec struct {
	// Path is the main ledger file; per-process sharing derives the shard file from it.
	Path             string        `json:"path"`
	Format           string        `json:"format"`
	Sharing          string        `json:"sharing"`
	AutosaveInterval time.Duration `json:"autosave_interval"`
	WriteAttempts    int           `json:"write_attempts"`
}

func (s ShardSpec) Validate() error {
	if s.Threads <= 0 {
		return fmt.Errorf("shard %d: threads must be positive", s.Shard)
	}
	if s.Model.Scale <= 0 {
		return fmt.Errorf("shard %d: model scale must be positive", s.Shard)
	}
	switch s.Ledger.Sharing {
	case SharingShared, SharingPerProcess:
	default:
		return fmt.Errorf("shard %d: unknown ledger sharing %q", s.Shard, s.Ledger.Sharing)
	}
	if s.Ledger.Sharing == SharingPerProcess && s.Ledger.Path == "" {
		return fmt.Errorf("shard %d: per-process ledger needs a path", s.Shard)
	}
	return nil
}

// LookupPPI returns the resolution estimated for group.
func (s ShardSpec) LookupPPI(group string) (int, bool) {
	ppi, ok := s.GroupPPI[group]
	return ppi, ok && ppi > 0
}

func WriteSpec(path string, spec ShardSpec) error {
	return runstore.WriteJSON(path, spec)
}

func ReadSpec(path string) (ShardSpec, error) {
	var spec ShardSpec
	if err := runstore.ReadJSON(path, &spec); err != nil {
		return ShardSpec{}, err
	}
	return spec, spec.Validate()
}
