// Package coordinator holds the cluster's replicated control state: the
// authoritative server registry, per-master recovery fences, and the tablet
// map, kept consistent across coordinator replicas with raft.
package coordinator

import (
	"sync"

	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

// TableManager is the coordinator's authoritative tablet map. Reads don't go
// through raft; mutations arrive via applied FSM commands.
type TableManager struct {
	mu      sync.Mutex
	tablets []types.Tablet
}

func NewTableManager() *TableManager {
	return &TableManager{}
}

// AddTablet registers a tablet assignment.
func (tm *TableManager) AddTablet(t types.Tablet) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tablets = append(tm.tablets, t)
}

// TabletsOf returns copies of all tablets owned by the given master.
func (tm *TableManager) TabletsOf(serverId types.ServerId) []types.Tablet {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var out []types.Tablet
	for _, t := range tm.tablets {
		if t.ServerId == serverId {
			out = append(out, t)
		}
	}
	return out
}

// MarkAllTabletsRecovering flags every tablet of the crashed master as
// recovering and returns them. Recovery calls this at the start of each
// attempt; tablets stay marked until a recovery master takes them over.
func (tm *TableManager) MarkAllTabletsRecovering(crashed types.ServerId) []types.Tablet {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	var out []types.Tablet
	for i := range tm.tablets {
		if tm.tablets[i].ServerId == crashed {
			tm.tablets[i].Status = types.TabletRecovering
			out = append(out, tm.tablets[i])
		}
	}
	if len(out) > 0 {
		util.Info("marked %d tablets of %s as recovering", len(out), crashed)
	}
	return out
}

// ReassignTablets moves every recovering tablet in the given partition of
// the crashed master to its recovery master and marks it normal again.
func (tm *TableManager) ReassignTablets(crashed types.ServerId, partition uint32, newOwner types.ServerId) int {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	moved := 0
	for i := range tm.tablets {
		t := &tm.tablets[i]
		if t.ServerId == crashed && t.Status == types.TabletRecovering && t.Partition == partition {
			t.ServerId = newOwner
			t.Status = types.TabletNormal
			moved++
		}
	}
	if moved > 0 {
		util.Info("reassigned %d tablets of partition %d from %s to %s",
			moved, partition, crashed, newOwner)
	}
	return moved
}

// snapshot returns a copy of all tablets, for FSM snapshots.
func (tm *TableManager) snapshot() []types.Tablet {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	return append([]types.Tablet(nil), tm.tablets...)
}

// restore replaces the tablet map wholesale, for FSM restores.
func (tm *TableManager) restore(tablets []types.Tablet) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.tablets = append([]types.Tablet(nil), tablets...)
}
