package orchestrator

import (
	"time"

	"docscale/internal/ledger"
	"docscale/internal/model"
)

// Tally is the outcome of one run as read back from the ledger.
type Tally struct {
	Succeeded int            `json:"succeeded"`
	Failed    int            `json:"failed"`
	Canceled  int            `json:"canceled"`
	ByGroup   map[string]int `json:"failed_by_group,omitempty"`
	// Unattributed counts crash rows whose path matches no pending item.
	Unattributed int `json:"unattributed,omitempty"`
}

// tally attributes the failure rows written since start to the pending items. Stage
// failures carry the item id; crash rows carry only the source path. Every pending item
// without a failure row and not canceled counts as a success.
func tally(entries []model.Entry, pending []model.Item, since time.Time, canceled int) Tally {
	byID := make(map[string]model.Item, len(pending))
	byPath := make(map[string]model.Item, len(pending))
	for _, it := range pending {
		byID[it.ID] = it
		byPath[it.SourcePath] = it
	}

	failed := map[string]model.Item{}
	t := Tally{ByGroup: map[string]int{}}
	for _, e := range ledger.Failures(entries, since) {
		it, ok := byID[e.ItemID]
		if !ok && e.IsCrash() {
			it, ok = byPath[e.FullPath]
		}
		if !ok {
			if e.IsCrash() {
				t.Unattributed++
			}
			continue
		}
		failed[it.ID] = it
	}
	for _, it := range failed {
		t.ByGroup[groupName(it.Group)]++
	}

	t.Failed = min(len(pending), len(failed)+t.Unattributed)
	t.Canceled = min(canceled, len(pending)-t.Failed)
	t.Succeeded = len(pending) - t.Failed - t.Canceled
	if len(t.ByGroup) == 0 {
		t.ByGroup = nil
	}
	return t
}

func groupName(group string) string {
	if group == "" || group == "." {
		return "(root)"
	}
	return group
}
