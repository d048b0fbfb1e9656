package coordinator

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/hashicorp/raft"

	"github.com/taschik/ramcloud/pkg/config"
	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

const applyTimeout = 5 * time.Second

// Node is one coordinator replica: the raft instance plus the FSM holding
// the cluster's control state. Mutations go through Apply so every replica
// observes them in the same order.
type Node struct {
	raft *raft.Raft
	fsm  *ClusterFSM

	store  *BoltStore
	nodeID string
}

// NewNode builds the raft machinery around the FSM: bolt-backed log and
// stable stores, file snapshots, and a TCP transport.
func NewNode(cfg *config.Config, fsm *ClusterFSM) (*Node, error) {
	raftCfg := raft.DefaultConfig()
	raftCfg.LocalID = raft.ServerID(cfg.NodeID)
	raftCfg.HeartbeatTimeout = 500 * time.Millisecond
	raftCfg.ElectionTimeout = 1500 * time.Millisecond
	raftCfg.CommitTimeout = 100 * time.Millisecond

	dataDir := filepath.Join(cfg.DataDir, "raft")
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create raft data directory: %w", err)
	}

	store, err := NewBoltStore(filepath.Join(dataDir, "raft.db"))
	if err != nil {
		return nil, err
	}

	snapshots, err := raft.NewFileSnapshotStore(dataDir, 3, os.Stderr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}

	localAddr := fmt.Sprintf("%s:%d", cfg.AdvertisedHost, cfg.RaftPort)
	advertiseAddr, err := net.ResolveTCPAddr("tcp", localAddr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("resolve advertised address %s: %w", localAddr, err)
	}

	bindAddr := fmt.Sprintf("0.0.0.0:%d", cfg.RaftPort)
	transport, err := raft.NewTCPTransport(bindAddr, advertiseAddr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create raft transport: %w", err)
	}

	r, err := raft.NewRaft(raftCfg, fsm, store, store, snapshots, transport)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("create raft: %w", err)
	}

	node := &Node{raft: r, fsm: fsm, store: store, nodeID: cfg.NodeID}

	if cfg.BootstrapCluster {
		if confFuture := r.GetConfiguration(); confFuture.Error() == nil &&
			len(confFuture.Configuration().Servers) == 0 {
			util.Info("bootstrapping single-node coordinator cluster")
			future := r.BootstrapCluster(raft.Configuration{Servers: []raft.Server{{
				ID:       raftCfg.LocalID,
				Address:  raft.ServerAddress(localAddr),
				Suffrage: raft.Voter,
			}}})
			if err := future.Error(); err != nil {
				return nil, fmt.Errorf("bootstrap cluster: %w", err)
			}
		}
	}

	return node, nil
}

func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// FSM exposes the replicated state for reads.
func (n *Node) FSM() *ClusterFSM {
	return n.fsm
}

// RegisterServer replicates a server registration.
func (n *Node) RegisterServer(rec ServerRecord) error {
	return n.apply("REGISTER:", rec)
}

// ReportCrash replicates a crash report for the given server.
func (n *Node) ReportCrash(id types.ServerId) error {
	return n.apply("CRASH:", struct {
		ID uint64 `json:"id"`
	}{uint64(id)})
}

// RemoveServer replicates removal of a server from the registry.
func (n *Node) RemoveServer(id types.ServerId) error {
	return n.apply("REMOVE:", struct {
		ID uint64 `json:"id"`
	}{uint64(id)})
}

// SetRecoveryInfo replicates a master's recovery fence. A master calls this
// (through the coordinator API) whenever it loses contact with a backup
// holding an open-segment replica.
func (n *Node) SetRecoveryInfo(id types.ServerId, info types.MasterRecoveryInfo) error {
	return n.apply("RECOVERY_INFO:", struct {
		ID   uint64                   `json:"id"`
		Info types.MasterRecoveryInfo `json:"info"`
	}{uint64(id), info})
}

// AssignTablet replicates a tablet assignment.
func (n *Node) AssignTablet(t types.Tablet) error {
	return n.apply("TABLET:", t)
}

func (n *Node) apply(prefix string, cmd interface{}) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	future := n.raft.Apply(append([]byte(prefix), data...), applyTimeout)
	if err := future.Error(); err != nil {
		return fmt.Errorf("raft apply: %w", err)
	}
	if resp := future.Response(); resp != nil {
		if respErr, ok := resp.(error); ok {
			return respErr
		}
	}
	return nil
}

// Shutdown stops raft and closes the stores.
func (n *Node) Shutdown() error {
	if err := n.raft.Shutdown().Error(); err != nil {
		util.Error("raft shutdown: %v", err)
	}
	return n.store.Close()
}
