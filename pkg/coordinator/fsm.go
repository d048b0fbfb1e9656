package coordinator

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/hashicorp/raft"

	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

// ServerRecord is the replicated registration of one server.
type ServerRecord struct {
	ID       uint64              `json:"id"`
	Address  string              `json:"address"`
	Services []types.ServiceKind `json:"services"`
	Status   string              `json:"status"`
	ReadMBps uint64              `json:"read_mbps"`
}

// ClusterFSMState is the serialized form of the whole replicated state, used
// for snapshots.
type ClusterFSMState struct {
	Version      int                                 `json:"version"`
	Applied      uint64                              `json:"applied"`
	Servers      map[uint64]*ServerRecord            `json:"servers"`
	RecoveryInfo map[uint64]types.MasterRecoveryInfo `json:"recovery_info"`
	Tablets      []types.Tablet                      `json:"tablets"`
}

// ClusterFSM applies replicated coordinator commands: server registration
// and crash reports, master recovery fences, and tablet assignments. Tablet
// state lands in the TableManager so recoveries read it without raft.
type ClusterFSM struct {
	mu           sync.RWMutex
	applied      uint64
	servers      map[uint64]*ServerRecord
	recoveryInfo map[uint64]types.MasterRecoveryInfo

	tm *TableManager
}

func NewClusterFSM(tm *TableManager) *ClusterFSM {
	return &ClusterFSM{
		servers:      make(map[uint64]*ServerRecord),
		recoveryInfo: make(map[uint64]types.MasterRecoveryInfo),
		tm:           tm,
	}
}

func (f *ClusterFSM) Apply(log *raft.Log) interface{} {
	data := string(log.Data)
	util.Debug("applying log entry at index %d", log.Index)

	var res interface{}
	switch {
	case strings.HasPrefix(data, "REGISTER:"):
		res = f.applyRegister(strings.TrimPrefix(data, "REGISTER:"))
	case strings.HasPrefix(data, "CRASH:"):
		res = f.applyCrash(strings.TrimPrefix(data, "CRASH:"))
	case strings.HasPrefix(data, "REMOVE:"):
		res = f.applyRemove(strings.TrimPrefix(data, "REMOVE:"))
	case strings.HasPrefix(data, "RECOVERY_INFO:"):
		res = f.applyRecoveryInfo(strings.TrimPrefix(data, "RECOVERY_INFO:"))
	case strings.HasPrefix(data, "TABLET:"):
		res = f.applyTablet(strings.TrimPrefix(data, "TABLET:"))
	default:
		res = fmt.Errorf("unknown command: %.32q", data)
		util.Error("FSM: %v", res)
	}

	f.mu.Lock()
	f.applied = log.Index
	f.mu.Unlock()
	return res
}

func (f *ClusterFSM) applyRegister(jsonData string) interface{} {
	var rec ServerRecord
	if err := json.Unmarshal([]byte(jsonData), &rec); err != nil {
		util.Error("failed to unmarshal server registration: %v", err)
		return err
	}
	if rec.ID == 0 || rec.Address == "" {
		return fmt.Errorf("invalid server registration: %+v", rec)
	}
	rec.Status = "up"

	f.mu.Lock()
	f.servers[rec.ID] = &rec
	f.mu.Unlock()
	util.Info("registered server %d at %s", rec.ID, rec.Address)
	return nil
}

func (f *ClusterFSM) applyCrash(jsonData string) interface{} {
	var cmd struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(jsonData), &cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.servers[cmd.ID]
	if !ok {
		return fmt.Errorf("crash report for unknown server %d", cmd.ID)
	}
	rec.Status = "crashed"
	util.Warn("server %d marked crashed", cmd.ID)
	return nil
}

func (f *ClusterFSM) applyRemove(jsonData string) interface{} {
	var cmd struct {
		ID uint64 `json:"id"`
	}
	if err := json.Unmarshal([]byte(jsonData), &cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, cmd.ID)
	delete(f.recoveryInfo, cmd.ID)
	util.Info("removed server %d", cmd.ID)
	return nil
}

func (f *ClusterFSM) applyRecoveryInfo(jsonData string) interface{} {
	var cmd struct {
		ID   uint64                   `json:"id"`
		Info types.MasterRecoveryInfo `json:"info"`
	}
	if err := json.Unmarshal([]byte(jsonData), &cmd); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.recoveryInfo[cmd.ID] = cmd.Info
	util.Debug("recovery info for master %d now <%d, %d>",
		cmd.ID, cmd.Info.MinOpenSegmentId, cmd.Info.MinOpenSegmentEpoch)
	return nil
}

func (f *ClusterFSM) applyTablet(jsonData string) interface{} {
	var tablet types.Tablet
	if err := json.Unmarshal([]byte(jsonData), &tablet); err != nil {
		util.Error("failed to unmarshal tablet assignment: %v", err)
		return err
	}
	f.tm.AddTablet(tablet)
	return nil
}

// Servers returns a copy of every registered server record.
func (f *ClusterFSM) Servers() []ServerRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]ServerRecord, 0, len(f.servers))
	for _, rec := range f.servers {
		out = append(out, *rec)
	}
	return out
}

// RecoveryInfo returns the recovery fence stored for a master. The zero
// fence rejects nothing.
func (f *ClusterFSM) RecoveryInfo(id types.ServerId) types.MasterRecoveryInfo {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.recoveryInfo[uint64(id)]
}

func (f *ClusterFSM) Snapshot() (raft.FSMSnapshot, error) {
	f.mu.RLock()
	servers := make(map[uint64]*ServerRecord, len(f.servers))
	for id, rec := range f.servers {
		cp := *rec
		servers[id] = &cp
	}
	recoveryInfo := make(map[uint64]types.MasterRecoveryInfo, len(f.recoveryInfo))
	for id, info := range f.recoveryInfo {
		recoveryInfo[id] = info
	}
	applied := f.applied
	f.mu.RUnlock()

	return &clusterSnapshot{state: ClusterFSMState{
		Version:      1,
		Applied:      applied,
		Servers:      servers,
		RecoveryInfo: recoveryInfo,
		Tablets:      f.tm.snapshot(),
	}}, nil
}

func (f *ClusterFSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()

	var state ClusterFSMState
	if err := json.NewDecoder(rc).Decode(&state); err != nil {
		return fmt.Errorf("decode snapshot: %w", err)
	}

	f.mu.Lock()
	f.applied = state.Applied
	f.servers = state.Servers
	if f.servers == nil {
		f.servers = make(map[uint64]*ServerRecord)
	}
	f.recoveryInfo = state.RecoveryInfo
	if f.recoveryInfo == nil {
		f.recoveryInfo = make(map[uint64]types.MasterRecoveryInfo)
	}
	f.mu.Unlock()

	f.tm.restore(state.Tablets)
	util.Info("restored coordinator state: %d servers, %d tablets",
		len(state.Servers), len(state.Tablets))
	return nil
}

type clusterSnapshot struct {
	state ClusterFSMState
}

func (s *clusterSnapshot) Persist(sink raft.SnapshotSink) error {
	util.Debug("persisting coordinator snapshot")
	if err := json.NewEncoder(sink).Encode(s.state); err != nil {
		if cancelErr := sink.Cancel(); cancelErr != nil {
			util.Error("failed to cancel snapshot after encoding error: %v", cancelErr)
		}
		return err
	}
	return sink.Close()
}

func (s *clusterSnapshot) Release() {}
