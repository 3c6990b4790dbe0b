package allocator

import "sync"

// resourceLocks hands out one mutex per resource id so decisions on a resource are
// serialized while different resources proceed in parallel. Lookups go through a
// sync.Map; there is no lock shared between resources.
type resourceLocks struct {
	locks sync.Map // resource id -> *sync.Mutex
}

// lock blocks until the resource's critical section is held and returns its release func.
func (l *resourceLocks) lock(resourceID string) func() {
	v, _ := l.locks.LoadOrStore(resourceID, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

