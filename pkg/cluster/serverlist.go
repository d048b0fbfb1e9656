// Package cluster maintains the authoritative list of servers and delivers
// membership changes to interested components through trackers.
package cluster

import (
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/taschik/ramcloud/pkg/types"
	"github.com/taschik/ramcloud/util"
)

// ServerDetails describes one server in the list. InstanceId distinguishes
// reincarnations of a process that came back on the same address; ServerIds
// themselves are never reused.
type ServerDetails struct {
	ServerId         types.ServerId
	InstanceId       uuid.UUID
	Address          string
	Services         []types.ServiceKind
	Status           types.ServerStatus
	ExpectedReadMBps uint64
}

func (d *ServerDetails) HasService(kind types.ServiceKind) bool {
	for _, s := range d.Services {
		if s == kind {
			return true
		}
	}
	return false
}

// ServerList is the membership registry. Changes fan out to every registered
// tracker; each tracker consumes them at its own pace.
type ServerList struct {
	mu       sync.Mutex
	nextId   uint64
	servers  map[types.ServerId]*ServerDetails
	trackers []*ServerTracker
}

func NewServerList() *ServerList {
	return &ServerList{
		servers: make(map[types.ServerId]*ServerDetails),
	}
}

// Add registers a new server and announces it to all trackers. The returned
// id is unique for the lifetime of the cluster.
func (sl *ServerList) Add(address string, services []types.ServiceKind, readMBps uint64) types.ServerId {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	sl.nextId++
	id := types.ServerId(sl.nextId)
	details := &ServerDetails{
		ServerId:         id,
		InstanceId:       uuid.New(),
		Address:          address,
		Services:         append([]types.ServiceKind(nil), services...),
		Status:           types.ServerUp,
		ExpectedReadMBps: readMBps,
	}
	sl.servers[id] = details

	util.Info("server %d added at %s (instance %s)", uint64(id), address, details.InstanceId)
	sl.publish(types.ServerChange{ServerId: id, Event: types.ServerAdded, Services: details.Services}, details)
	return id
}

// Crash marks a server as crashed and announces the failure.
func (sl *ServerList) Crash(id types.ServerId) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	details, ok := sl.servers[id]
	if !ok {
		return fmt.Errorf("%s is not in the server list", id)
	}
	if details.Status != types.ServerUp {
		return fmt.Errorf("%s is not up", id)
	}
	details.Status = types.ServerCrashed

	util.Warn("%s crashed", id)
	sl.publish(types.ServerChange{ServerId: id, Event: types.ServerCrashedEvent, Services: details.Services}, details)
	return nil
}

// Remove drops a crashed server from the list entirely.
func (sl *ServerList) Remove(id types.ServerId) error {
	sl.mu.Lock()
	defer sl.mu.Unlock()

	details, ok := sl.servers[id]
	if !ok {
		return fmt.Errorf("%s is not in the server list", id)
	}
	delete(sl.servers, id)

	sl.publish(types.ServerChange{ServerId: id, Event: types.ServerRemovedEvent, Services: details.Services}, details)
	return nil
}

// Details returns a copy of the server's details.
func (sl *ServerList) Details(id types.ServerId) (ServerDetails, bool) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	d, ok := sl.servers[id]
	if !ok {
		return ServerDetails{}, false
	}
	return *d, true
}

// RegisterTracker attaches a tracker and replays the current membership into
// it so the tracker starts from a consistent view.
func (sl *ServerList) RegisterTracker(t *ServerTracker) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	sl.trackers = append(sl.trackers, t)
	for _, d := range sl.servers {
		t.enqueue(types.ServerChange{ServerId: d.ServerId, Event: types.ServerAdded, Services: d.Services}, *d)
		if d.Status == types.ServerCrashed {
			t.enqueue(types.ServerChange{ServerId: d.ServerId, Event: types.ServerCrashedEvent, Services: d.Services}, *d)
		}
	}
}

func (sl *ServerList) publish(change types.ServerChange, details *ServerDetails) {
	for _, t := range sl.trackers {
		t.enqueue(change, *details)
	}
}
