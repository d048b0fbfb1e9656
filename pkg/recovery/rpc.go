// Package recovery reconstructs crashed masters. The coordinator-side
// Recovery state machine locates segment replicas on backups, verifies log
// completeness, partitions the crashed master's tablets, and drives recovery
// masters through replay. The BackupFailureMonitor is the master-side loop
// that turns backup failures into re-replication work.
package recovery

import (
	"errors"

	"github.com/taschik/ramcloud/pkg/types"
)

// ErrServerNotUp reports that a peer is no longer in the server list.
// Callers treat it as an empty result.
var ErrServerNotUp = errors.New("server no longer in server list")

// StartReadingDataResult is a backup's reply to startReadingData: every
// replica it holds for the crashed master, primaries first, plus the log
// digest from the newest segment it has one for.
type StartReadingDataResult struct {
	// Replicas lists the backup's replicas, primaries occupying the first
	// PrimaryReplicaCount positions in load order.
	Replicas            []types.ReplicaDescriptor
	PrimaryReplicaCount int

	// LogDigest is nil when the backup found no digest.
	LogDigest             []byte
	LogDigestSegmentId    uint64
	LogDigestSegmentEpoch uint64
}

// BackupClient issues recovery RPCs to one backup. Calls block until the
// reply arrives; the parallel driver provides concurrency.
type BackupClient interface {
	StartReadingData(recoveryId uint64, crashedServerId types.ServerId) (StartReadingDataResult, error)
	StartPartitioning(recoveryId uint64, crashedServerId types.ServerId, tablets []types.Tablet) error
	RecoveryComplete(crashedServerId types.ServerId) error
}

// MasterClient issues replay RPCs to one recovery master.
type MasterClient interface {
	Recover(recoveryId uint64, crashedServerId types.ServerId, partitionId uint32,
		tablets []types.Tablet, replicaMap []types.ReplicaMapEntry) error
}

// ClientFactory resolves server ids to RPC clients. The transport behind the
// clients is external; tests install fakes.
type ClientFactory interface {
	Backup(id types.ServerId) BackupClient
	Master(id types.ServerId) MasterClient
}
