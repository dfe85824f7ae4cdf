package orchestrator

import (
	"github.com/duke-git/lancet/v2/slice"

	"docscale/internal/model"
)

// Partition splits items into at most processes contiguous shards of
// ceil(len(items)/processes) items each; only the last shard may be shorter.
func Partition(items []model.Item, processes int) [][]model.Item {
	if len(items) == 0 {
		return nil
	}
	p := max(1, processes)
	size := (len(items) + p - 1) / p
	return slice.Chunk(items, size)
}
