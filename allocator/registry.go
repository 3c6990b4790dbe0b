package allocator

import (
	"sort"
	"sync"
	"time"
)

// Registry is the resource catalog. Usage is never stored; it is recomputed from the
// timeline whenever a resource is read.
type Registry struct {
	mu        sync.RWMutex
	resources map[string]Resource
	timeline  *Timeline
}

func NewRegistry(timeline *Timeline) *Registry {
	return &Registry{
		resources: make(map[string]Resource),
		timeline:  timeline,
	}
}

// Get returns the resource without its usage filled in.
func (r *Registry) Get(id string) (Resource, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	res, ok := r.resources[id]
	if !ok {
		return Resource{}, newError(ErrNotFound, "resource %q does not exist", id)
	}
	return res, nil
}

// List returns all resources sorted by name then id, with Usage computed at the given instant.
func (r *Registry) List(at time.Time) []Resource {
	r.mu.RLock()
	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	r.mu.RUnlock()

	for i := range out {
		out[i].Usage, _ = r.CurrentUsage(out[i].ID, at)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// CurrentUsage sums CapacityRequired of allocations covering at.
func (r *Registry) CurrentUsage(id string, at time.Time) (int, error) {
	covering, err := r.covering(id, at)
	if err != nil {
		return 0, err
	}
	usage := 0
	for _, c := range covering {
		usage += c.CapacityRequired
	}
	return usage, nil
}

// Occupied reports whether any allocation covers at.
func (r *Registry) Occupied(id string, at time.Time) (bool, error) {
	covering, err := r.covering(id, at)
	if err != nil {
		return false, err
	}
	return len(covering) > 0, nil
}

func (r *Registry) covering(id string, at time.Time) ([]Request, error) {
	if _, err := r.Get(id); err != nil {
		return nil, err
	}
	return r.timeline.Overlap(id, at, at.Add(time.Nanosecond))
}

// put creates the timeline bucket before publishing the resource, so a reader that finds
// the resource always finds its bucket.
func (r *Registry) put(res Resource) {
	r.timeline.AddResource(res.ID)
	r.mu.Lock()
	r.resources[res.ID] = res
	r.mu.Unlock()
}

func (r *Registry) remove(id string) {
	r.mu.Lock()
	delete(r.resources, id)
	r.mu.Unlock()
	r.timeline.DropResource(id)
}

func (r *Registry) ids() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.resources))
	for id := range r.resources {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
