package recovery

import (
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/taschik/ramcloud/pkg/metrics"
	"github.com/taschik/ramcloud/pkg/segment"
	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

// Status is a Recovery's position in its state machine. Transitions are
// strictly monotonic.
type Status int

const (
	StartRecoveryOnBackups Status = iota
	StartRecoveryMasters
	WaitForRecoveryMasters
	BroadcastRecoveryComplete
	Done
)

func (s Status) String() string {
	switch s {
	case StartRecoveryOnBackups:
		return "START_RECOVERY_ON_BACKUPS"
	case StartRecoveryMasters:
		return "START_RECOVERY_MASTERS"
	case WaitForRecoveryMasters:
		return "WAIT_FOR_RECOVERY_MASTERS"
	case BroadcastRecoveryComplete:
		return "BROADCAST_RECOVERY_COMPLETE"
	case Done:
		return "DONE"
	default:
		return "unknown"
	}
}

// Owner is called back when a recovery finishes and when it may be dropped.
// Usually the MasterRecoveryManager; tests substitute their own.
type Owner interface {
	RecoveryFinished(r *Recovery)
	DestroyAndFreeRecovery(r *Recovery)
}

// TableManager is the coordinator's authoritative tablet map, as seen by
// recovery.
type TableManager interface {
	// MarkAllTabletsRecovering flags every tablet of the crashed master as
	// recovering and returns them.
	MarkAllTabletsRecovering(crashed types.ServerId) []types.Tablet
}

// RecoveryTracker is the membership view a Recovery works against: which
// servers run which services, how fast backups read, and which recovery a
// master is currently replaying for.
type RecoveryTracker interface {
	GetServersWithService(kind types.ServiceKind) []types.ServerId
	ExpectedReadMBps(id types.ServerId) uint64
	RecoveryFor(id types.ServerId) *Recovery
	SetRecoveryFor(id types.ServerId, r *Recovery)
}

// Partitioner groups a crashed master's tablets into recovery partitions,
// assigning each tablet a partition id and returning the partition count.
type Partitioner interface {
	Partition(tablets []types.Tablet) ([]types.Tablet, uint32)
}

// TabletPerPartition is the placeholder policy: every tablet becomes its own
// partition. Smarter grouping by expected recovery time slots in here.
type TabletPerPartition struct{}

func (TabletPerPartition) Partition(tablets []types.Tablet) ([]types.Tablet, uint32) {
	out := make([]types.Tablet, len(tablets))
	for i, tablet := range tablets {
		tablet.Partition = uint32(i)
		out[i] = tablet
	}
	return out, uint32(len(out))
}

// maxActiveRpcs caps how many backup or master RPCs a recovery keeps in
// flight during any one broadcast.
const maxActiveRpcs = 10

// Recovery reconstructs one crashed master. It is created by the
// MasterRecoveryManager and advanced by the manager's task queue; each
// PerformTask call does one state's worth of work, issuing its RPC
// broadcasts through the bounded parallel driver and never blocking the
// queue on anything else.
type Recovery struct {
	clients      ClientFactory
	tableManager TableManager
	tracker      RecoveryTracker
	owner        Owner
	partitioner  Partitioner

	// schedule re-enqueues this recovery on the owning task queue. May be
	// nil in tests that call PerformTask directly.
	schedule func()

	recoveryId         uint64
	crashedServerId    types.ServerId
	masterRecoveryInfo types.MasterRecoveryInfo

	mu               sync.Mutex
	status           Status
	tabletsToRecover []types.Tablet
	replicaMap       []types.ReplicaMapEntry
	numPartitions    uint32
	successful       uint32
	unsuccessful     uint32
	startedAt        time.Time
}

// NewRecovery builds a recovery for the crashed master. Nothing happens
// until PerformTask is called.
func NewRecovery(clients ClientFactory, tableManager TableManager, tracker RecoveryTracker,
	owner Owner, crashedServerId types.ServerId, info types.MasterRecoveryInfo) *Recovery {
	return &Recovery{
		clients:            clients,
		tableManager:       tableManager,
		tracker:            tracker,
		owner:              owner,
		partitioner:        TabletPerPartition{},
		recoveryId:         rand.Uint64(),
		crashedServerId:    crashedServerId,
		masterRecoveryInfo: info,
	}
}

// SetPartitioner replaces the partitioning policy. Must be called before the
// first PerformTask.
func (r *Recovery) SetPartitioner(p Partitioner) {
	r.partitioner = p
}

func (r *Recovery) setSchedule(f func()) {
	r.schedule = f
}

func (r *Recovery) reschedule() {
	if r.schedule != nil {
		r.schedule()
	}
}

// RecoveryId returns the unique identifier recovery masters echo back in
// their completion notifications.
func (r *Recovery) RecoveryId() uint64 {
	return r.recoveryId
}

func (r *Recovery) CrashedServerId() types.ServerId {
	return r.crashedServerId
}

func (r *Recovery) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// ReplicaMap returns the replay script built during startBackups.
func (r *Recovery) ReplicaMap() []types.ReplicaMapEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.replicaMap
}

func (r *Recovery) NumPartitions() uint32 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.numPartitions
}

// WasCompletelySuccessful reports whether every partition was recovered. It
// is false while recovery masters are still at work, and false forever if
// recovery never got off the ground (no digest, incomplete log).
func (r *Recovery) WasCompletelySuccessful() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status > WaitForRecoveryMasters && r.unsuccessful == 0
}

// PerformTask advances the state machine by one step. Called by the task
// queue whenever the recovery is scheduled.
func (r *Recovery) PerformTask() {
	switch r.Status() {
	case StartRecoveryOnBackups:
		util.Info("starting recovery %d for crashed %s", r.recoveryId, r.crashedServerId)
		r.mu.Lock()
		r.startedAt = time.Now()
		r.mu.Unlock()
		metrics.RecoveriesStarted.Inc()
		r.startBackups()
	case StartRecoveryMasters:
		r.startRecoveryMasters()
	case WaitForRecoveryMasters:
		// Progress comes from RecoveryMasterFinished calls, never from the
		// task queue.
		util.Error("recovery %d scheduled while waiting for recovery masters", r.recoveryId)
	case BroadcastRecoveryComplete:
		r.broadcastRecoveryComplete()
		r.mu.Lock()
		r.status = Done
		r.mu.Unlock()
		r.observeDuration("success")
		r.owner.DestroyAndFreeRecovery(r)
	case Done:
		util.Error("recovery %d scheduled after DONE", r.recoveryId)
	}
}

// startBackups collects replica information from every backup, picks and
// verifies the log digest, partitions the crashed master's tablets, and
// builds the replay script. Aborts the attempt (leaving tablets marked
// recovering for a retry) when no digest is found or the log is incomplete.
func (r *Recovery) startBackups() {
	tablets := r.tableManager.MarkAllTabletsRecovering(r.crashedServerId)
	if len(tablets) == 0 {
		util.Info("%s crashed, but it had no tablets", r.crashedServerId)
		r.mu.Lock()
		r.status = Done
		r.mu.Unlock()
		r.owner.RecoveryFinished(r)
		r.owner.DestroyAndFreeRecovery(r)
		return
	}

	util.Debug("getting segment lists from backups and preparing them for recovery")
	backups := r.tracker.GetServersWithService(types.BackupService)

	startTasks := make([]*backupStartTask, len(backups))
	runnable := make([]task, len(backups))
	for i, backup := range backups {
		startTasks[i] = newBackupStartTask(r, backup)
		runnable[i] = startTasks[i]
	}
	parallelRun(runnable, maxActiveRpcs)

	for _, t := range startTasks {
		metrics.ReplicasGathered.Add(float64(len(t.result.Replicas)))
	}

	headId, digest, ok := findLogDigest(startTasks)
	if !ok {
		util.Info("no log digest among replicas on available backups; will retry recovery later")
		r.owner.RecoveryFinished(r)
		r.owner.DestroyAndFreeRecovery(r)
		return
	}
	util.Info("segment %d is the head of the log", headId)

	if !verifyLogComplete(startTasks, digest) {
		util.Info("some replicas from the log digest not on available backups; will retry recovery later")
		r.owner.RecoveryFinished(r)
		r.owner.DestroyAndFreeRecovery(r)
		return
	}

	tabletsToRecover, numPartitions := r.partitioner.Partition(tablets)
	r.mu.Lock()
	r.tabletsToRecover = tabletsToRecover
	r.numPartitions = numPartitions
	r.mu.Unlock()

	partitionTasks := make([]task, len(backups))
	for i, backup := range backups {
		partitionTasks[i] = newBackupPartitionTask(r, backup)
	}
	parallelRun(partitionTasks, maxActiveRpcs)

	replicaMap := buildReplicaMap(startTasks, r.tracker, headId)

	r.mu.Lock()
	r.replicaMap = replicaMap
	r.status = StartRecoveryMasters
	r.mu.Unlock()
	r.reschedule()
}

// startRecoveryMasters hands each partition to an idle master. Partitions
// that cannot get a master are immediately accounted as unsuccessful so the
// state machine knows never to wait for them.
func (r *Recovery) startRecoveryMasters() {
	r.mu.Lock()
	numPartitions := r.numPartitions
	tabletsToRecover := r.tabletsToRecover
	r.mu.Unlock()

	util.Info("starting recovery %d for crashed %s with %d partitions",
		r.recoveryId, r.crashedServerId, numPartitions)

	masters := r.tracker.GetServersWithService(types.MasterService)
	rand.Shuffle(len(masters), func(i, j int) {
		masters[i], masters[j] = masters[j], masters[i]
	})

	tasks := make([]*masterStartTask, 0, numPartitions)
	for _, master := range masters {
		if uint32(len(tasks)) == numPartitions {
			break
		}
		if r.tracker.RecoveryFor(master) != nil {
			continue
		}
		tasks = append(tasks, newMasterStartTask(r, master, uint32(len(tasks))))
	}

	// Count partitions that found no idle master as already failed; a
	// follow-up recovery will pick them up.
	shortfall := numPartitions - uint32(len(tasks))
	if shortfall > 0 {
		util.Info("couldn't find enough idle masters to recover all partitions: "+
			"%d partitions will be recovered later", shortfall)
		for i := uint32(0); i < shortfall; i++ {
			r.RecoveryMasterFinished(types.InvalidServerId, false)
		}
	}

	for _, t := range tasks {
		for _, tablet := range tabletsToRecover {
			if tablet.Partition == t.partitionId {
				t.tablets = append(t.tablets, tablet)
			}
		}
	}

	runnable := make([]task, len(tasks))
	for i, t := range tasks {
		runnable[i] = t
	}
	parallelRun(runnable, maxActiveRpcs)

	r.mu.Lock()
	defer r.mu.Unlock()
	// Enough premature failures may already have pushed the recovery past
	// waiting; don't step backwards.
	if r.status > WaitForRecoveryMasters {
		return
	}
	r.status = WaitForRecoveryMasters
	util.Debug("waiting for recovery to complete on recovery masters")
}

// RecoveryMasterFinished records one recovery master's outcome. Duplicate
// notifications for the same master are ignored. When every partition is
// accounted for the recovery either moves on to the completion broadcast
// (all successful) or finishes immediately as a partial failure.
func (r *Recovery) RecoveryMasterFinished(recoveryMasterId types.ServerId, successful bool) {
	r.mu.Lock()
	if recoveryMasterId.IsValid() {
		if r.tracker.RecoveryFor(recoveryMasterId) != r {
			r.mu.Unlock()
			return
		}
		r.tracker.SetRecoveryFor(recoveryMasterId, nil)
	}

	if successful {
		r.successful++
	} else {
		r.unsuccessful++
		if recoveryMasterId.IsValid() {
			util.Info("recovery master %s failed to recover its partition of crashed %s",
				recoveryMasterId, r.crashedServerId)
		}
	}

	completed := r.successful + r.unsuccessful
	if completed != r.numPartitions {
		r.mu.Unlock()
		return
	}

	if r.unsuccessful == 0 {
		r.status = BroadcastRecoveryComplete
		r.mu.Unlock()
		r.reschedule()
		r.owner.RecoveryFinished(r)
		return
	}

	util.Debug("recovery %d wasn't completely successful; skipping the completion broadcast", r.recoveryId)
	r.status = Done
	r.mu.Unlock()
	r.observeDuration("partial_failure")
	r.owner.RecoveryFinished(r)
	r.owner.DestroyAndFreeRecovery(r)
}

// broadcastRecoveryComplete tells every backup the crashed master is
// recovered and its replica state can be discarded.
func (r *Recovery) broadcastRecoveryComplete() {
	util.Debug("broadcasting the end of recovery %d for %s to backups", r.recoveryId, r.crashedServerId)
	backups := r.tracker.GetServersWithService(types.BackupService)
	tasks := make([]task, len(backups))
	for i, backup := range backups {
		tasks[i] = newBackupEndTask(r, backup)
	}
	parallelRun(tasks, maxActiveRpcs)
}

func (r *Recovery) observeDuration(outcome string) {
	r.mu.Lock()
	startedAt := r.startedAt
	r.mu.Unlock()
	if !startedAt.IsZero() {
		metrics.RecoveryDuration.Observe(time.Since(startedAt).Seconds())
	}
	metrics.RecoveriesFinished.WithLabelValues(outcome).Inc()
}

// findLogDigest extracts the log digest from the gathered replies. When
// several backups return digests the one from the lowest segment id wins;
// ties don't matter because all replicas of one segment carry identical
// digests by construction. Inconsistent open replicas never get this far,
// see filterOutInvalidReplicas.
func findLogDigest(tasks []*backupStartTask) (headId uint64, digest []uint64, ok bool) {
	type candidate struct {
		segmentId uint64
		raw       []byte
	}
	var candidates []candidate
	for _, t := range tasks {
		if t.result.LogDigest == nil {
			continue
		}
		candidates = append(candidates, candidate{t.result.LogDigestSegmentId, t.result.LogDigest})
	}
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].segmentId < candidates[j].segmentId
	})

	for _, c := range candidates {
		ids, err := segment.ParseDigest(c.raw)
		if err != nil {
			// A corrupt digest disqualifies only that replica; another
			// replica of the log may still carry a usable one.
			util.Warn("log digest from segment %d is corrupt: %v", c.segmentId, err)
			continue
		}
		return c.segmentId, ids, true
	}
	return 0, nil, false
}

// verifyLogComplete checks that every segment named in the digest has at
// least one replica on some backup.
func verifyLogComplete(tasks []*backupStartTask, digest []uint64) bool {
	available := make(map[uint64]struct{})
	for _, t := range tasks {
		for _, replica := range t.result.Replicas {
			available[replica.SegmentId] = struct{}{}
		}
	}

	missing := 0
	for _, id := range digest {
		if _, ok := available[id]; !ok {
			util.Info("segment %d listed in the log digest but not found among available backups", id)
			missing++
		}
	}
	if missing > 0 {
		util.Info("%d segments in the digest but not available from backups", missing)
	}
	return missing == 0
}

type replicaAndLoadTime struct {
	entry              types.ReplicaMapEntry
	expectedLoadTimeMs uint64
}

// buildReplicaMap creates the replay script sent to every recovery master.
// Replicas are ordered by when their backup is expected to have them loaded
// from storage; secondaries carry a large bias so they sort after primaries
// while staying interleaved among themselves. Replicas past the head segment
// hold only unacknowledged data and are dropped.
func buildReplicaMap(tasks []*backupStartTask, tracker RecoveryTracker, headId uint64) []types.ReplicaMapEntry {
	var toSort []replicaAndLoadTime
	for _, t := range tasks {
		speed := tracker.ExpectedReadMBps(t.backupId)
		if speed == 0 {
			speed = 1
		}
		util.Debug("adding %d segment replicas from %s with bench speed of %d",
			len(t.result.Replicas), t.backupId, speed)

		for i, replica := range t.result.Replicas {
			var expectedLoadTimeMs uint64
			if i < t.result.PrimaryReplicaCount {
				expectedLoadTimeMs = uint64(i+1) * 8 * 1000 / speed
			} else {
				expectedLoadTimeMs = uint64(i+1-t.result.PrimaryReplicaCount) * 8 * 1000 / speed
				expectedLoadTimeMs += 1000000
			}
			if replica.SegmentId > headId {
				util.Debug("ignoring replica for segment %d from %s: past the head segment (%d)",
					replica.SegmentId, t.backupId, headId)
				continue
			}
			toSort = append(toSort, replicaAndLoadTime{
				entry:              types.ReplicaMapEntry{BackupId: t.backupId, SegmentId: replica.SegmentId},
				expectedLoadTimeMs: expectedLoadTimeMs,
			})
		}
	}

	sort.SliceStable(toSort, func(i, j int) bool {
		return toSort[i].expectedLoadTimeMs < toSort[j].expectedLoadTimeMs
	})

	replicaMap := make([]types.ReplicaMapEntry, 0, len(toSort))
	for _, r := range toSort {
		util.Debug("load segment %d replica from %s with expected load time of %d ms",
			r.entry.SegmentId, r.entry.BackupId, r.expectedLoadTimeMs)
		replicaMap = append(replicaMap, r.entry)
	}
	return replicaMap
}
