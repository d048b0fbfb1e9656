package types

// ReplicaDescriptor describes one segment replica stored on a backup, as
// reported by that backup at the start of recovery.
type ReplicaDescriptor struct {
	BackupId     ServerId `json:"backup_id"`
	SegmentId    uint64   `json:"segment_id"`
	SegmentEpoch uint64   `json:"segment_epoch"`
	Closed       bool     `json:"closed"`
}

// ReplicaMapEntry is one entry of the replay script sent to recovery
// masters: segment replicas in recommended replay order.
type ReplicaMapEntry struct {
	BackupId  ServerId `json:"backup_id"`
	SegmentId uint64   `json:"segment_id"`
}

// MasterRecoveryInfo fences stale open replicas during recovery. The
// coordinator stores it authoritatively; a replica found open with a segment
// id below MinOpenSegmentId (or an equal id with a lesser epoch) may have
// missed acknowledged writes and must not be used.
type MasterRecoveryInfo struct {
	MinOpenSegmentId    uint64 `json:"min_open_segment_id"`
	MinOpenSegmentEpoch uint64 `json:"min_open_segment_epoch"`
}
