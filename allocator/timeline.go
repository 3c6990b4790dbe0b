package allocator

import (
	"sort"
	"sync"
	"time"
)

// DefaultLinearScanThreshold is the bucket size at or below which overlap queries
// scan every item instead of walking the interval tree.
const DefaultLinearScanThreshold = 32

// Timeline indexes allocated intervals per resource.
//
// Buckets carry their own lock, so the timeline is safe for concurrent use. Callers that
// need check-then-insert atomicity (the scheduler) serialize on the resource themselves.
//
// Overlap on a bucket holding at most linearScanThreshold items is a linear scan
// followed by a sort: O(n log n) per query. Past the threshold the AVL interval tree
// answers in O(log n + k). Keep the threshold small; the scan path does not scale.
type Timeline struct {
	mu                  sync.RWMutex
	buckets             map[string]*bucket
	linearScanThreshold int
}

type bucket struct {
	mu    sync.RWMutex
	items map[string]Request
	root  *intervalNode
}

func NewTimeline(linearScanThreshold int) *Timeline {
	if linearScanThreshold < 0 {
		linearScanThreshold = 0
	}
	return &Timeline{
		buckets:             make(map[string]*bucket),
		linearScanThreshold: linearScanThreshold,
	}
}

// AddResource creates the bucket for a resource. It is a no-op when the bucket exists.
func (t *Timeline) AddResource(resourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.buckets[resourceID]; !ok {
		t.buckets[resourceID] = &bucket{items: make(map[string]Request)}
	}
}

// DropResource discards a resource bucket together with its intervals.
func (t *Timeline) DropResource(resourceID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.buckets, resourceID)
}

func (t *Timeline) bucket(resourceID string) (*bucket, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	b, ok := t.buckets[resourceID]
	if !ok {
		return nil, newError(ErrInternal, "timeline has no bucket for resource %q", resourceID)
	}
	return b, nil
}

// Insert indexes an allocated request.
func (t *Timeline) Insert(req Request) error {
	b, err := t.bucket(req.ResourceID)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.items[req.ID]; ok {
		return newError(ErrDuplicateID, "request %q already indexed on resource %q", req.ID, req.ResourceID)
	}
	b.items[req.ID] = req
	b.root = treeInsert(b.root, req)
	return nil
}

// Remove deletes an interval and returns it. ok is false when the id was not indexed.
func (t *Timeline) Remove(resourceID, requestID string) (Request, bool, error) {
	b, err := t.bucket(resourceID)
	if err != nil {
		return Request{}, false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	req, ok := b.items[requestID]
	if !ok {
		return Request{}, false, nil
	}
	delete(b.items, requestID)
	b.root = treeDelete(b.root, req)
	return req, true, nil
}

// Overlap returns the intervals overlapping [start, end) ordered by StartTime, then ID.
func (t *Timeline) Overlap(resourceID string, start, end time.Time) ([]Request, error) {
	b, err := t.bucket(resourceID)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if len(b.items) <= t.linearScanThreshold {
		return b.scan(start, end), nil
	}
	return treeOverlap(b.root, start, end, nil), nil
}

func (b *bucket) scan(start, end time.Time) []Request {
	var out []Request
	for _, r := range b.items {
		if r.Overlaps(start, end) {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return keyLess(&out[i], &out[j]) })
	return out
}

// All returns every interval of a resource in key order.
func (t *Timeline) All(resourceID string) ([]Request, error) {
	b, err := t.bucket(resourceID)
	if err != nil {
		return nil, err
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return treeWalk(b.root, make([]Request, 0, len(b.items))), nil
}

func (t *Timeline) Contains(resourceID, requestID string) bool {
	b, err := t.bucket(resourceID)
	if err != nil {
		return false
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.items[requestID]
	return ok
}

func (t *Timeline) Len(resourceID string) int {
	b, err := t.bucket(resourceID)
	if err != nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.items)
}

// Clear empties a resource bucket.
func (t *Timeline) Clear(resourceID string) {
	b, err := t.bucket(resourceID)
	if err != nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = make(map[string]Request)
	b.root = nil
}
