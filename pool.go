package cluster

import (
	"sort"
	"sync"
	"time"

	"github.com/lancer-kit/cluster/sm"
	"github.com/lancer-kit/cluster/transport"
)

// registry holds the live workers keyed by their spawn index and the
// dedicated roles they fulfil. Only the supervisor goroutine mutates it,
// the lock makes snapshots safe for other readers.
type registry struct {
	mutex   sync.RWMutex
	lastID  int
	workers map[int]*worker
	roles   map[string]int
}

func newRegistry() *registry {
	return &registry{
		workers: map[int]*worker{},
		roles:   map[string]int{},
	}
}

// add registers a spawned process under the next spawn index.
func (r *registry) add(role string, proc transport.Process, now time.Time) *worker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.lastID++
	w := &worker{
		id:        r.lastID,
		role:      role,
		proc:      proc,
		state:     newWorkerSM(),
		spawnedAt: now,
	}
	r.workers[w.id] = w
	if role != "" {
		r.roles[role] = w.id
	}
	return w
}

// remove drops the worker and its role mapping. It returns nil for an unknown id.
func (r *registry) remove(id int) *worker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	w, ok := r.workers[id]
	if !ok {
		return nil
	}
	delete(r.workers, id)
	if w.role != "" && r.roles[w.role] == id {
		delete(r.roles, w.role)
	}
	_ = w.state.GoTo(WStateExited)
	return w
}

func (r *registry) get(id int) (*worker, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	w, ok := r.workers[id]
	return w, ok
}

// roleOwner returns the id of the live worker fulfilling the dedicated `role`.
func (r *registry) roleOwner(role string) (int, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	id, ok := r.roles[role]
	return id, ok
}

// counts returns the number of live workers and of those with a dedicated role.
func (r *registry) counts() (live, dedicated int) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()
	return len(r.workers), len(r.roles)
}

func (r *registry) setState(w *worker, state sm.State) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()
	return w.state.GoTo(state)
}

// markStopping flags every live worker as stopped by the master.
func (r *registry) markStopping() []*worker {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	list := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		w.stopRequested = true
		_ = w.state.GoTo(WStateStopping)
		list = append(list, w)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

func (r *registry) all() []*worker {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	list := make([]*worker, 0, len(r.workers))
	for _, w := range r.workers {
		list = append(list, w)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].id < list[j].id })
	return list
}

// snapshot returns the live workers ordered by id.
func (r *registry) snapshot() []WorkerInfo {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	list := make([]WorkerInfo, 0, len(r.workers))
	for _, w := range r.workers {
		list = append(list, w.info())
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}
