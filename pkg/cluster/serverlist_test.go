package cluster_test

import (
	"testing"

	"github.com/taschik/ramcloud/pkg/cluster"
	"github.com/taschik/ramcloud/pkg/types"
)

func TestServerListAddCrashRemove(t *testing.T) {
	sl := cluster.NewServerList()
	tracker := cluster.NewServerTracker(nil)
	sl.RegisterTracker(tracker)

	master := sl.Add("m1:8080", []types.ServiceKind{types.MasterService}, 100)
	backup := sl.Add("b1:8080", []types.ServiceKind{types.BackupService}, 100)
	both := sl.Add("mb1:8080", []types.ServiceKind{types.MasterService, types.BackupService}, 100)

	tracker.ApplyAll()

	masters := tracker.GetServersWithService(types.MasterService)
	if len(masters) != 2 {
		t.Fatalf("got %d masters, want 2", len(masters))
	}
	backups := tracker.GetServersWithService(types.BackupService)
	if len(backups) != 2 {
		t.Fatalf("got %d backups, want 2", len(backups))
	}

	if err := sl.Crash(backup); err != nil {
		t.Fatalf("Crash failed: %v", err)
	}
	tracker.ApplyAll()
	if got := tracker.GetServersWithService(types.BackupService); len(got) != 1 || got[0] != both {
		t.Errorf("after crash, backups = %v, want [%d]", got, both)
	}

	if err := sl.Crash(backup); err == nil {
		t.Error("crashing an already-crashed server must fail")
	}
	if err := sl.Crash(types.ServerId(999)); err == nil {
		t.Error("crashing an unknown server must fail")
	}

	if err := sl.Remove(backup); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	tracker.ApplyAll()
	if _, ok := tracker.Details(backup); ok {
		t.Error("removed server still visible in tracker view")
	}
	if _, ok := tracker.Details(master); !ok {
		t.Error("unrelated server lost from tracker view")
	}
}

func TestTrackerChangeOrderAndCallback(t *testing.T) {
	sl := cluster.NewServerList()
	fired := 0
	tracker := cluster.NewServerTracker(func() { fired++ })
	sl.RegisterTracker(tracker)

	id := sl.Add("s1:8080", []types.ServiceKind{types.BackupService}, 50)
	sl.Crash(id)

	if fired != 2 {
		t.Errorf("callback fired %d times, want 2", fired)
	}

	change, ok := tracker.GetChange()
	if !ok || change.Event != types.ServerAdded || change.ServerId != id {
		t.Fatalf("first change = %+v (ok=%v), want ADDED for %d", change, ok, id)
	}
	change, ok = tracker.GetChange()
	if !ok || change.Event != types.ServerCrashedEvent {
		t.Fatalf("second change = %+v (ok=%v), want CRASHED", change, ok)
	}
	if _, ok := tracker.GetChange(); ok {
		t.Error("tracker should be drained")
	}
	if !change.HasService(types.BackupService) {
		t.Error("change lost service information")
	}
}

func TestLateTrackerSeesExistingMembership(t *testing.T) {
	sl := cluster.NewServerList()
	id := sl.Add("s1:8080", []types.ServiceKind{types.MasterService}, 50)
	crashed := sl.Add("s2:8080", []types.ServiceKind{types.BackupService}, 50)
	sl.Crash(crashed)

	tracker := cluster.NewServerTracker(nil)
	sl.RegisterTracker(tracker)
	tracker.ApplyAll()

	if got := tracker.GetServersWithService(types.MasterService); len(got) != 1 || got[0] != id {
		t.Errorf("masters = %v, want [%d]", got, id)
	}
	d, ok := tracker.Details(crashed)
	if !ok || d.Status != types.ServerCrashed {
		t.Errorf("late tracker must see the crashed server as crashed, got %+v ok=%v", d, ok)
	}
}

func TestInstanceIdsDiffer(t *testing.T) {
	sl := cluster.NewServerList()
	a := sl.Add("same:8080", []types.ServiceKind{types.BackupService}, 50)
	b := sl.Add("same:8080", []types.ServiceKind{types.BackupService}, 50)

	da, _ := sl.Details(a)
	db, _ := sl.Details(b)
	if da.InstanceId == db.InstanceId {
		t.Error("two registrations on the same address must get distinct instance ids")
	}
}
