package recovery

import (
	"github.com/taschik/ramcloud/pkg/metrics"
	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

// backupStartTask asks one backup to start reading the crashed master's
// replicas from storage and reports what it holds. Failures leave an empty
// result, as if the backup had no replicas.
type backupStartTask struct {
	recovery *Recovery
	backupId types.ServerId
	result   StartReadingDataResult
	done     chan struct{}
}

func newBackupStartTask(r *Recovery, backupId types.ServerId) *backupStartTask {
	return &backupStartTask{recovery: r, backupId: backupId, done: make(chan struct{})}
}

func (t *backupStartTask) Send() {
	util.Debug("starting startReadingData on backup %d", uint64(t.backupId))
	go func() {
		defer close(t.done)
		res, err := t.recovery.clients.Backup(t.backupId).
			StartReadingData(t.recovery.recoveryId, t.recovery.crashedServerId)
		if err != nil {
			util.Warn("startReadingData failed on %s: %v", t.backupId, err)
			return
		}
		t.result = res
	}()
}

func (t *backupStartTask) Wait() {
	<-t.done
	t.filterOutInvalidReplicas()
	util.Debug("%s has %d segment replicas", t.backupId, len(t.result.Replicas))
}

// filterOutInvalidReplicas drops replicas and digests that may be
// inconsistent with the most recent state of the log being recovered. Any
// open replica whose <segmentId, epoch> falls below the crashed master's
// recovery info fence could have missed acknowledged writes; the same fence
// applies to the reply's log digest.
func (t *backupStartTask) filterOutInvalidReplicas() {
	minId := t.recovery.masterRecoveryInfo.MinOpenSegmentId
	minEpoch := t.recovery.masterRecoveryInfo.MinOpenSegmentEpoch

	staleOpen := func(segmentId, epoch uint64) bool {
		return segmentId < minId || (segmentId == minId && epoch < minEpoch)
	}

	kept := t.result.Replicas[:0]
	newPrimaryCount := 0
	for i, replica := range t.result.Replicas {
		if !replica.Closed && staleOpen(replica.SegmentId, replica.SegmentEpoch) {
			util.Debug("removing open replica of segment %d from %s: "+
				"<id, epoch> <%d, %d> is below the required <%d, %d>",
				replica.SegmentId, t.backupId,
				replica.SegmentId, replica.SegmentEpoch, minId, minEpoch)
			metrics.ReplicasFiltered.Inc()
			continue
		}
		if i < t.result.PrimaryReplicaCount {
			newPrimaryCount++
		}
		kept = append(kept, replica)
	}
	t.result.Replicas = kept
	t.result.PrimaryReplicaCount = newPrimaryCount

	if t.result.LogDigest != nil &&
		staleOpen(t.result.LogDigestSegmentId, t.result.LogDigestSegmentEpoch) {
		util.Debug("%s returned a log digest for segment <%d, %d> below the "+
			"minimum <%d, %d> for this master; discarding it", t.backupId,
			t.result.LogDigestSegmentId, t.result.LogDigestSegmentEpoch, minId, minEpoch)
		t.result.LogDigest = nil
		t.result.LogDigestSegmentId = 0
		t.result.LogDigestSegmentEpoch = 0
	}
}

// backupPartitionTask tells one backup how the crashed master's tablets were
// partitioned so it can bucket replica data for the recovery masters.
type backupPartitionTask struct {
	recovery *Recovery
	backupId types.ServerId
	done     chan struct{}
}

func newBackupPartitionTask(r *Recovery, backupId types.ServerId) *backupPartitionTask {
	return &backupPartitionTask{recovery: r, backupId: backupId, done: make(chan struct{})}
}

func (t *backupPartitionTask) Send() {
	util.Debug("sending startPartitioning to %s", t.backupId)
	go func() {
		defer close(t.done)
		err := t.recovery.clients.Backup(t.backupId).
			StartPartitioning(t.recovery.recoveryId, t.recovery.crashedServerId, t.recovery.tabletsToRecover)
		if err != nil {
			util.Warn("startPartitioning failed on %s: %v", t.backupId, err)
		}
	}()
}

func (t *backupPartitionTask) Wait() {
	<-t.done
}

// masterStartTask hands one partition to a recovery master. An RPC failure
// counts the partition as unsuccessfully recovered.
type masterStartTask struct {
	recovery    *Recovery
	serverId    types.ServerId
	partitionId uint32
	tablets     []types.Tablet
	err         error
	done        chan struct{}
}

func newMasterStartTask(r *Recovery, serverId types.ServerId, partitionId uint32) *masterStartTask {
	return &masterStartTask{recovery: r, serverId: serverId, partitionId: partitionId, done: make(chan struct{})}
}

func (t *masterStartTask) Send() {
	util.Info("starting recovery %d on recovery master %s, partition %d",
		t.recovery.recoveryId, t.serverId, t.partitionId)
	t.recovery.tracker.SetRecoveryFor(t.serverId, t.recovery)
	metrics.RecoveryMastersStarted.Inc()
	go func() {
		defer close(t.done)
		t.err = t.recovery.clients.Master(t.serverId).Recover(
			t.recovery.recoveryId, t.recovery.crashedServerId,
			t.partitionId, t.tablets, t.recovery.replicaMap)
	}()
}

func (t *masterStartTask) Wait() {
	<-t.done
	if t.err != nil {
		util.Warn("couldn't contact %s to start recovery: %v", t.serverId, t.err)
		t.recovery.RecoveryMasterFinished(t.serverId, false)
	}
}

// backupEndTask informs one backup that recovery completed and its state for
// the crashed master can be discarded. Failures are ignored.
type backupEndTask struct {
	recovery *Recovery
	backupId types.ServerId
	done     chan struct{}
}

func newBackupEndTask(r *Recovery, backupId types.ServerId) *backupEndTask {
	return &backupEndTask{recovery: r, backupId: backupId, done: make(chan struct{})}
}

func (t *backupEndTask) Send() {
	go func() {
		defer close(t.done)
		err := t.recovery.clients.Backup(t.backupId).RecoveryComplete(t.recovery.crashedServerId)
		if err != nil {
			util.Debug("recoveryComplete failed on %s, ignoring: %v", t.backupId, err)
		}
	}()
}

func (t *backupEndTask) Wait() {
	<-t.done
}
