package cluster

import (
	"sort"
	"sync"

	"github.com/taschik/ramcloud/pkg/types"
)

// ServerTracker gives one consumer an eventually-consistent view of the
// server list. Changes queue up until the consumer drains them with
// GetChange; the view only reflects consumed changes, so a consumer always
// sees membership move forward in the order the list published it.
//
// The optional callback fires on every enqueue, outside the tracker's lock
// held by the consumer, and must not block; the backup failure monitor uses
// it to wake its worker.
type ServerTracker struct {
	mu       sync.Mutex
	pending  []trackedChange
	view     map[types.ServerId]ServerDetails
	callback func()
}

type trackedChange struct {
	change  types.ServerChange
	details ServerDetails
}

// NewServerTracker creates a tracker. callback may be nil.
func NewServerTracker(callback func()) *ServerTracker {
	return &ServerTracker{
		view:     make(map[types.ServerId]ServerDetails),
		callback: callback,
	}
}

func (t *ServerTracker) enqueue(change types.ServerChange, details ServerDetails) {
	t.mu.Lock()
	t.pending = append(t.pending, trackedChange{change, details})
	cb := t.callback
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// HasChanges reports whether GetChange would return a change.
func (t *ServerTracker) HasChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending) > 0
}

// GetChange pops the next membership change and applies it to the tracker's
// view. ok is false when no changes are pending.
func (t *ServerTracker) GetChange() (types.ServerChange, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.pending) == 0 {
		return types.ServerChange{}, false
	}
	tc := t.pending[0]
	t.pending = t.pending[1:]

	switch tc.change.Event {
	case types.ServerAdded:
		t.view[tc.change.ServerId] = tc.details
	case types.ServerCrashedEvent:
		d := t.view[tc.change.ServerId]
		d.Status = types.ServerCrashed
		d.ServerId = tc.change.ServerId
		d.Services = tc.details.Services
		t.view[tc.change.ServerId] = d
	case types.ServerRemovedEvent:
		delete(t.view, tc.change.ServerId)
	}
	return tc.change, true
}

// ApplyAll drains every pending change into the view.
func (t *ServerTracker) ApplyAll() {
	for {
		if _, ok := t.GetChange(); !ok {
			return
		}
	}
}

// GetServersWithService returns the ids of all up servers running the given
// service, in the tracker's current view.
func (t *ServerTracker) GetServersWithService(kind types.ServiceKind) []types.ServerId {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []types.ServerId
	for id, d := range t.view {
		if d.Status == types.ServerUp && d.HasService(kind) {
			out = append(out, id)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Details returns the tracked details for a server, if the view contains it.
func (t *ServerTracker) Details(id types.ServerId) (ServerDetails, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	d, ok := t.view[id]
	return d, ok
}
