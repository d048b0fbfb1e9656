package recovery

import (
	"sync"
	"time"

	"github.com/taschik/ramcloud/pkg/cluster"
	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

// retryDelay paces follow-up recoveries so a crash that cannot make progress
// (no digest yet, backups unreachable) doesn't spin the task queue.
const retryDelay = 100 * time.Millisecond

// MasterRecoveryManager owns every Recovery on the coordinator. It runs the
// cooperative task queue that advances them, tracks which master is replaying
// for which recovery, and retries recoveries that don't fully succeed.
type MasterRecoveryManager struct {
	clients      ClientFactory
	tableManager TableManager
	tracker      *cluster.ServerTracker

	mu sync.Mutex
	// assignments is the per-master back-pointer: which recovery a master is
	// currently replaying a partition for.
	assignments map[types.ServerId]*Recovery
	// activeRecoveries indexes recoveries by their recovery id so completion
	// RPCs from recovery masters can be routed.
	activeRecoveries map[uint64]*Recovery
	// recovering maps a crashed server to its in-flight recovery, preventing
	// duplicate recoveries for one crash.
	recovering map[types.ServerId]*Recovery

	queue   chan func()
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool

	// DoNotStartRecoveries suppresses follow-up recoveries after partial
	// failures. Testing only.
	DoNotStartRecoveries bool
}

// NewMasterRecoveryManager wires the manager to the server list it watches.
func NewMasterRecoveryManager(clients ClientFactory, tableManager TableManager,
	serverList *cluster.ServerList) *MasterRecoveryManager {
	m := &MasterRecoveryManager{
		clients:          clients,
		tableManager:     tableManager,
		tracker:          cluster.NewServerTracker(nil),
		assignments:      make(map[types.ServerId]*Recovery),
		activeRecoveries: make(map[uint64]*Recovery),
		recovering:       make(map[types.ServerId]*Recovery),
		queue:            make(chan func(), 128),
		stopCh:           make(chan struct{}),
	}
	serverList.RegisterTracker(m.tracker)
	return m
}

// Start launches the task queue worker. Idempotent with Halt.
func (m *MasterRecoveryManager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.stopCh = make(chan struct{})
	m.wg.Add(1)
	go m.run()
}

// Halt stops the task queue worker and waits for it. Queued work is left for
// a later Start.
func (m *MasterRecoveryManager) Halt() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	close(m.stopCh)
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *MasterRecoveryManager) run() {
	defer m.wg.Done()
	for {
		select {
		case <-m.stopCh:
			return
		case f := <-m.queue:
			// Bring the membership view up to date before any recovery work.
			m.tracker.ApplyAll()
			f()
		}
	}
}

func (m *MasterRecoveryManager) enqueue(f func()) {
	select {
	case m.queue <- f:
	default:
		// The queue is full; hand off without blocking the caller.
		go func() { m.queue <- f }()
	}
}

// StartMasterRecovery begins recovering a crashed master. A second call for
// a master already being recovered is ignored.
func (m *MasterRecoveryManager) StartMasterRecovery(crashedServerId types.ServerId,
	info types.MasterRecoveryInfo) *Recovery {
	m.mu.Lock()
	if existing := m.recovering[crashedServerId]; existing != nil {
		m.mu.Unlock()
		util.Info("recovery of %s already in progress (recovery %d)",
			crashedServerId, existing.recoveryId)
		return existing
	}

	r := NewRecovery(m.clients, m.tableManager, m, m, crashedServerId, info)
	r.setSchedule(func() { m.enqueue(r.PerformTask) })
	m.recovering[crashedServerId] = r
	m.activeRecoveries[r.recoveryId] = r
	m.mu.Unlock()

	util.Info("scheduling recovery of master %s", crashedServerId)
	m.enqueue(r.PerformTask)
	return r
}

// RecoveryMasterFinished routes a completion notification from a recovery
// master to the recovery it belongs to. Unknown recovery ids are stale
// notifications and are dropped.
func (m *MasterRecoveryManager) RecoveryMasterFinished(recoveryId uint64,
	recoveryMasterId types.ServerId, successful bool) {
	m.mu.Lock()
	r := m.activeRecoveries[recoveryId]
	m.mu.Unlock()
	if r == nil {
		util.Warn("recovery master %s reported completion of unknown recovery %d",
			recoveryMasterId, recoveryId)
		return
	}
	r.RecoveryMasterFinished(recoveryMasterId, successful)
}

// ActiveRecoveryCount returns how many recoveries are currently tracked.
func (m *MasterRecoveryManager) ActiveRecoveryCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.activeRecoveries)
}

// RecoveryFinished implements Owner. A recovery that wasn't completely
// successful leaves its tablets marked recovering; a follow-up recovery is
// scheduled to pick them up.
func (m *MasterRecoveryManager) RecoveryFinished(r *Recovery) {
	if r.WasCompletelySuccessful() {
		util.Info("recovery %d of %s completed successfully", r.recoveryId, r.crashedServerId)
		return
	}

	util.Info("recovery %d of %s was not fully successful", r.recoveryId, r.crashedServerId)
	if m.DoNotStartRecoveries {
		return
	}

	m.mu.Lock()
	if m.recovering[r.crashedServerId] == r {
		delete(m.recovering, r.crashedServerId)
	}
	m.mu.Unlock()
	time.AfterFunc(retryDelay, func() {
		m.StartMasterRecovery(r.crashedServerId, r.masterRecoveryInfo)
	})
}

// DestroyAndFreeRecovery implements Owner: the recovery is finished with and
// drops out of the manager's maps.
func (m *MasterRecoveryManager) DestroyAndFreeRecovery(r *Recovery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.activeRecoveries, r.recoveryId)
	if m.recovering[r.crashedServerId] == r {
		delete(m.recovering, r.crashedServerId)
	}
}

// GetServersWithService implements RecoveryTracker.
func (m *MasterRecoveryManager) GetServersWithService(kind types.ServiceKind) []types.ServerId {
	return m.tracker.GetServersWithService(kind)
}

// ExpectedReadMBps implements RecoveryTracker.
func (m *MasterRecoveryManager) ExpectedReadMBps(id types.ServerId) uint64 {
	d, ok := m.tracker.Details(id)
	if !ok {
		return 0
	}
	return d.ExpectedReadMBps
}

// RecoveryFor implements RecoveryTracker.
func (m *MasterRecoveryManager) RecoveryFor(id types.ServerId) *Recovery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.assignments[id]
}

// SetRecoveryFor implements RecoveryTracker.
func (m *MasterRecoveryManager) SetRecoveryFor(id types.ServerId, r *Recovery) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if r == nil {
		delete(m.assignments, id)
		return
	}
	m.assignments[id] = r
}
