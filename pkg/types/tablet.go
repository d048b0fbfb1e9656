package types

type TabletStatus int

const (
	TabletNormal TabletStatus = iota
	TabletRecovering
)

// Tablet is a contiguous key-hash range of one table assigned to one master.
type Tablet struct {
	TableId      uint64       `json:"table_id"`
	StartKeyHash uint64       `json:"start_key_hash"`
	EndKeyHash   uint64       `json:"end_key_hash"`
	ServerId     ServerId     `json:"server_id"`
	Status       TabletStatus `json:"status"`

	// Partition is the recovery partition this tablet was bucketed into.
	// Only meaningful while the tablet is recovering.
	Partition uint32 `json:"partition"`
}
