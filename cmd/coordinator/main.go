package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/taschik/ramcloud/pkg/cluster"
	"github.com/taschik/ramcloud/pkg/config"
	"github.com/taschik/ramcloud/pkg/coordinator"
	"github.com/taschik/ramcloud/pkg/metrics"
	"github.com/taschik/ramcloud/pkg/recovery"
	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	fmt.Printf("starting coordinator %s (raft on %s:%d)\n", cfg.NodeID, cfg.AdvertisedHost, cfg.RaftPort)

	tableManager := coordinator.NewTableManager()
	fsm := coordinator.NewClusterFSM(tableManager)
	node, err := coordinator.NewNode(cfg, fsm)
	if err != nil {
		log.Fatalf("failed to start coordinator node: %v", err)
	}

	serverList := cluster.NewServerList()
	manager := recovery.NewMasterRecoveryManager(unreachableClients{}, tableManager, serverList)
	manager.Start()

	if cfg.EnableExporter {
		metrics.StartMetricsServer(cfg.ExporterPort)
	}

	admin := &adminAPI{
		node:       node,
		fsm:        fsm,
		serverList: serverList,
		manager:    manager,
	}
	go admin.serve(cfg.RaftPort + 1)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("shutting down")
	manager.Halt()
	if err := node.Shutdown(); err != nil {
		log.Printf("shutdown: %v", err)
	}
}

// adminAPI is the coordinator's control surface: servers enlist here, and
// failure detectors report crashes here. Crash reports are replicated through
// raft before they touch the live server list; a registration takes its id
// from the live server list and is replicated through raft afterwards.
type adminAPI struct {
	node       *coordinator.Node
	fsm        *coordinator.ClusterFSM
	serverList *cluster.ServerList
	manager    *recovery.MasterRecoveryManager
}

func (a *adminAPI) serve(port int) {
	mux := http.NewServeMux()
	mux.HandleFunc("/servers", a.handleServers)
	mux.HandleFunc("/servers/", a.handleServerAction)

	addr := fmt.Sprintf(":%d", port)
	util.Info("admin API listening on %s", addr)
	if err := http.ListenAndServe(addr, mux); err != nil {
		util.Error("admin API failed: %v", err)
	}
}

func (a *adminAPI) handleServers(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, a.fsm.Servers())
	case http.MethodPost:
		var req struct {
			Address  string              `json:"address"`
			Services []types.ServiceKind `json:"services"`
			ReadMBps uint64              `json:"read_mbps"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id := a.serverList.Add(req.Address, req.Services, req.ReadMBps)
		if err := a.node.RegisterServer(coordinator.ServerRecord{
			ID:       uint64(id),
			Address:  req.Address,
			Services: req.Services,
			ReadMBps: req.ReadMBps,
		}); err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]uint64{"id": uint64(id)})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleServerAction handles POST /servers/{id}/crash. A crash report marks
// the server crashed in the replicated state, publishes the failure to every
// tracker, and, for masters, kicks off recovery with the fence stored for
// that master.
func (a *adminAPI) handleServerAction(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/servers/"), "/")
	if len(parts) != 2 || parts[1] != "crash" {
		http.NotFound(w, r)
		return
	}
	rawId, err := strconv.ParseUint(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "bad server id", http.StatusBadRequest)
		return
	}
	id := types.ServerId(rawId)

	if err := a.node.ReportCrash(id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := a.serverList.Crash(id); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	wasMaster := false
	for _, rec := range a.fsm.Servers() {
		if rec.ID != rawId {
			continue
		}
		for _, s := range rec.Services {
			if s == types.MasterService {
				wasMaster = true
			}
		}
	}
	if wasMaster {
		a.manager.StartMasterRecovery(id, a.fsm.RecoveryInfo(id))
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		util.Error("admin response write error: %v", err)
	}
}

// unreachableClients stands in for the RPC transport, which lives outside
// this repository. Every call behaves like a peer that has left the server
// list, which the recovery protocol already tolerates.
type unreachableClients struct{}

type unreachableBackup struct{ id types.ServerId }

func (b unreachableBackup) StartReadingData(uint64, types.ServerId) (recovery.StartReadingDataResult, error) {
	return recovery.StartReadingDataResult{}, recovery.ErrServerNotUp
}

func (b unreachableBackup) StartPartitioning(uint64, types.ServerId, []types.Tablet) error {
	return recovery.ErrServerNotUp
}

func (b unreachableBackup) RecoveryComplete(types.ServerId) error {
	return recovery.ErrServerNotUp
}

type unreachableMaster struct{ id types.ServerId }

func (m unreachableMaster) Recover(uint64, types.ServerId, uint32, []types.Tablet, []types.ReplicaMapEntry) error {
	return recovery.ErrServerNotUp
}

func (unreachableClients) Backup(id types.ServerId) recovery.BackupClient {
	return unreachableBackup{id}
}

func (unreachableClients) Master(id types.ServerId) recovery.MasterClient {
	return unreachableMaster{id}
}
