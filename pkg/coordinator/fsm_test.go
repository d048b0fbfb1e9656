package coordinator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"testing"

	"github.com/hashicorp/raft"

	"github.com/taschik/ramcloud/pkg/types"
)

func applyCommand(t *testing.T, fsm *ClusterFSM, index uint64, prefix string, cmd interface{}) interface{} {
	t.Helper()
	data, err := json.Marshal(cmd)
	if err != nil {
		t.Fatalf("marshal command: %v", err)
	}
	return fsm.Apply(&raft.Log{Index: index, Data: append([]byte(prefix), data...)})
}

func TestFSMServerLifecycle(t *testing.T) {
	tm := NewTableManager()
	fsm := NewClusterFSM(tm)

	res := applyCommand(t, fsm, 1, "REGISTER:", ServerRecord{
		ID: 1, Address: "m1:8080",
		Services: []types.ServiceKind{types.MasterService},
		ReadMBps: 100,
	})
	if res != nil {
		t.Fatalf("register returned %v", res)
	}

	servers := fsm.Servers()
	if len(servers) != 1 || servers[0].Status != "up" {
		t.Fatalf("servers = %+v, want one up server", servers)
	}

	res = applyCommand(t, fsm, 2, "CRASH:", struct {
		ID uint64 `json:"id"`
	}{1})
	if res != nil {
		t.Fatalf("crash returned %v", res)
	}
	if got := fsm.Servers()[0].Status; got != "crashed" {
		t.Errorf("status = %q, want crashed", got)
	}

	if res := applyCommand(t, fsm, 3, "CRASH:", struct {
		ID uint64 `json:"id"`
	}{42}); res == nil {
		t.Error("crash of unknown server must return an error")
	}

	applyCommand(t, fsm, 4, "REMOVE:", struct {
		ID uint64 `json:"id"`
	}{1})
	if got := fsm.Servers(); len(got) != 0 {
		t.Errorf("servers after remove = %+v, want none", got)
	}
}

func TestFSMRecoveryInfo(t *testing.T) {
	fsm := NewClusterFSM(NewTableManager())

	info := types.MasterRecoveryInfo{MinOpenSegmentId: 11, MinOpenSegmentEpoch: 5}
	applyCommand(t, fsm, 1, "RECOVERY_INFO:", struct {
		ID   uint64                   `json:"id"`
		Info types.MasterRecoveryInfo `json:"info"`
	}{7, info})

	if got := fsm.RecoveryInfo(types.ServerId(7)); got != info {
		t.Errorf("recovery info = %+v, want %+v", got, info)
	}
	if got := fsm.RecoveryInfo(types.ServerId(8)); got != (types.MasterRecoveryInfo{}) {
		t.Errorf("unknown master must report the zero fence, got %+v", got)
	}
}

func TestFSMTabletCommandsReachTableManager(t *testing.T) {
	tm := NewTableManager()
	fsm := NewClusterFSM(tm)

	applyCommand(t, fsm, 1, "TABLET:", types.Tablet{
		TableId: 1, StartKeyHash: 0, EndKeyHash: 999, ServerId: 7,
	})
	applyCommand(t, fsm, 2, "TABLET:", types.Tablet{
		TableId: 1, StartKeyHash: 1000, EndKeyHash: 1999, ServerId: 7,
	})

	if got := tm.TabletsOf(types.ServerId(7)); len(got) != 2 {
		t.Errorf("table manager holds %d tablets, want 2", len(got))
	}
}

func TestFSMRejectsUnknownCommands(t *testing.T) {
	fsm := NewClusterFSM(NewTableManager())
	res := fsm.Apply(&raft.Log{Index: 1, Data: []byte("NONSENSE:{}")})
	if _, ok := res.(error); !ok {
		t.Errorf("unknown command returned %v, want an error", res)
	}
}

// memorySink collects a snapshot in memory.
type memorySink struct {
	bytes.Buffer
	cancelled bool
}

func (s *memorySink) ID() string    { return "test-snapshot" }
func (s *memorySink) Cancel() error { s.cancelled = true; return nil }
func (s *memorySink) Close() error  { return nil }

func TestFSMSnapshotRestoreRoundTrip(t *testing.T) {
	tm := NewTableManager()
	fsm := NewClusterFSM(tm)

	applyCommand(t, fsm, 1, "REGISTER:", ServerRecord{
		ID: 1, Address: "b1:8080",
		Services: []types.ServiceKind{types.BackupService}, ReadMBps: 200,
	})
	applyCommand(t, fsm, 2, "RECOVERY_INFO:", struct {
		ID   uint64                   `json:"id"`
		Info types.MasterRecoveryInfo `json:"info"`
	}{1, types.MasterRecoveryInfo{MinOpenSegmentId: 3, MinOpenSegmentEpoch: 1}})
	applyCommand(t, fsm, 3, "TABLET:", types.Tablet{TableId: 5, EndKeyHash: 100, ServerId: 1})

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	snap.Release()

	restoredTm := NewTableManager()
	restored := NewClusterFSM(restoredTm)
	if err := restored.Restore(io.NopCloser(bytes.NewReader(sink.Bytes()))); err != nil {
		t.Fatalf("Restore failed: %v", err)
	}

	if got := restored.Servers(); len(got) != 1 || got[0].Address != "b1:8080" {
		t.Errorf("restored servers = %+v", got)
	}
	want := types.MasterRecoveryInfo{MinOpenSegmentId: 3, MinOpenSegmentEpoch: 1}
	if got := restored.RecoveryInfo(types.ServerId(1)); got != want {
		t.Errorf("restored recovery info = %+v, want %+v", got, want)
	}
	if got := restoredTm.TabletsOf(types.ServerId(1)); len(got) != 1 || got[0].TableId != 5 {
		t.Errorf("restored tablets = %+v", got)
	}
}

func TestFSMSnapshotIsolation(t *testing.T) {
	tm := NewTableManager()
	fsm := NewClusterFSM(tm)
	applyCommand(t, fsm, 1, "REGISTER:", ServerRecord{ID: 1, Address: "s1:1"})

	snap, err := fsm.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}

	// Mutations after the snapshot must not leak into it.
	for i := uint64(2); i < 10; i++ {
		applyCommand(t, fsm, i, "REGISTER:", ServerRecord{ID: i, Address: fmt.Sprintf("s%d:1", i)})
	}

	sink := &memorySink{}
	if err := snap.Persist(sink); err != nil {
		t.Fatalf("Persist failed: %v", err)
	}
	var state ClusterFSMState
	if err := json.Unmarshal(sink.Bytes(), &state); err != nil {
		t.Fatalf("snapshot is not valid JSON: %v", err)
	}
	if len(state.Servers) != 1 {
		t.Errorf("snapshot holds %d servers, want 1", len(state.Servers))
	}
}
