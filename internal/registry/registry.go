package registry

import (
	"sort"
	"sync"
	"sync/atomic"
)

// Registry maps record ids to live agents. Entries are never evicted.
type Registry struct {
	agents sync.Map // int64 -> *Agent
	size   atomic.Int64
	// OnChange, when set, observes the registry size after each insert.
	OnChange func(size int)
}

func New() *Registry {
	return &Registry{}
}

func (r *Registry) Get(id int64) (*Agent, bool) {
	v, ok := r.agents.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*Agent), true
}

// Put installs or replaces the agent for id.
func (r *Registry) Put(id int64, a *Agent) {
	if _, loaded := r.agents.Swap(id, a); !loaded {
		r.grew()
	}
}

// PutIfAbsent installs a only when id has no agent, returning the agent that
// ends up registered and whether it was already there.
func (r *Registry) PutIfAbsent(id int64, a *Agent) (*Agent, bool) {
	v, loaded := r.agents.LoadOrStore(id, a)
	if !loaded {
		r.grew()
	}
	return v.(*Agent), loaded
}

func (r *Registry) Len() int {
	return int(r.size.Load())
}

// IDs returns the registered ids in ascending order.
func (r *Registry) IDs() []int64 {
	var ids []int64
	r.agents.Range(func(k, _ any) bool {
		ids = append(ids, k.(int64))
		return true
	})
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (r *Registry) grew() {
	n := r.size.Add(1)
	if r.OnChange != nil {
		r.OnChange(int(n))
	}
}
