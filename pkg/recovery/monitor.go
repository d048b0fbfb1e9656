package recovery

import (
	"sync"

	"github.com/taschik/ramcloud/pkg/cluster"
	"github.com/taschik/ramcloud/pkg/metrics"
	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

// ReplicaManager is the master-side component that re-replicates segments
// when a backup holding replicas fails. HandleBackupFailure reports whether
// the failed backup held a replica of the current log head.
type ReplicaManager interface {
	HandleBackupFailure(failed types.ServerId) (lostHeadReplica bool, err error)
}

// HeadLog is the master's log head surface: RollHead abandons the current
// head segment and opens a fresh one, re-fencing any replicas the failed
// backup may still leak back into the cluster.
type HeadLog interface {
	RollHead()
}

// BackupFailureMonitor watches the server list for backup failures and
// drives the ReplicaManager's corrective actions from its own worker, so
// re-replication happens promptly even while the master is otherwise idle.
//
// Logically part of the replica manager.
type BackupFailureMonitor struct {
	replicaManager ReplicaManager
	log            HeadLog

	// mu protects running; changesOrExit is the rendezvous between the
	// worker and both Halt and tracker notifications.
	mu            sync.Mutex
	changesOrExit *sync.Cond
	running       bool
	wg            sync.WaitGroup

	tracker *cluster.ServerTracker
}

// NewBackupFailureMonitor registers a tracker on the server list. The
// monitor does nothing until Start.
func NewBackupFailureMonitor(serverList *cluster.ServerList, replicaManager ReplicaManager,
	log HeadLog) *BackupFailureMonitor {
	m := &BackupFailureMonitor{
		replicaManager: replicaManager,
		log:            log,
	}
	m.changesOrExit = sync.NewCond(&m.mu)
	m.tracker = cluster.NewServerTracker(m.TrackerChangesEnqueued)
	serverList.RegisterTracker(m.tracker)
	return m
}

// Start spawns the worker. Calling Start on a running monitor is a no-op;
// after Halt it may be called again.
func (m *BackupFailureMonitor) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.running {
		return
	}
	m.running = true
	m.wg.Add(1)
	go m.main()
}

// Halt stops the worker and joins it.
func (m *BackupFailureMonitor) Halt() {
	m.mu.Lock()
	if !m.running {
		m.mu.Unlock()
		return
	}
	m.running = false
	m.changesOrExit.Signal()
	m.mu.Unlock()
	m.wg.Wait()
}

// TrackerChangesEnqueued wakes the worker. Called by the tracker on every
// membership change; must not block, since the caller may be the membership
// gossip path.
func (m *BackupFailureMonitor) TrackerChangesEnqueued() {
	m.changesOrExit.Signal()
}

func (m *BackupFailureMonitor) main() {
	defer m.wg.Done()
	m.mu.Lock()
	for {
		for m.running && !m.tracker.HasChanges() {
			m.changesOrExit.Wait()
		}
		if !m.running {
			m.mu.Unlock()
			return
		}
		m.mu.Unlock()

		for {
			change, ok := m.tracker.GetChange()
			if !ok {
				break
			}
			if change.Event != types.ServerCrashedEvent || !change.HasService(types.BackupService) {
				continue
			}
			m.handleBackupFailure(change.ServerId)
		}

		m.mu.Lock()
	}
}

func (m *BackupFailureMonitor) handleBackupFailure(failed types.ServerId) {
	util.Warn("backup %d failed; notifying replica manager", uint64(failed))
	metrics.BackupFailures.Inc()

	lostHead, err := m.replicaManager.HandleBackupFailure(failed)
	if err != nil {
		// Re-replication problems are the replica manager's to retry; the
		// monitor keeps consuming failures.
		util.Error("replica manager failed to handle failure of %s: %v", failed, err)
		return
	}
	if lostHead {
		util.Warn("backup %d held a replica of the log head; rolling over to a new head", uint64(failed))
		metrics.HeadRollovers.Inc()
		m.log.RollHead()
	}
}
