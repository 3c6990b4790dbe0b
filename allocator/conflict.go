package allocator

import (
	"sort"
	"time"
)

// Detector computes the set of allocations blocking a candidate request.
type Detector struct {
	timeline *Timeline
}

func NewDetector(timeline *Timeline) *Detector {
	return &Detector{timeline: timeline}
}

// Detect returns the blocking allocations for candidate on res. An empty result means the
// candidate fits. Status and capacity validation is the scheduler's job and is not reported here.
//
// Exclusive resources are blocked by any overlap; the blockers keep timeline order.
// Shared resources are blocked only when the candidate would push the peak load past
// capacity; blockers are then ordered weakest first (priority, start, id).
func (d *Detector) Detect(candidate Request, res Resource) ([]Request, error) {
	overlaps, err := d.timeline.Overlap(res.ID, candidate.StartTime, candidate.EndTime)
	if err != nil {
		return nil, err
	}
	if len(overlaps) == 0 {
		return nil, nil
	}
	if res.Type == ResourceExclusive {
		return overlaps, nil
	}
	if fits(res, candidate, overlaps) {
		return nil, nil
	}
	sortWeakestFirst(overlaps)
	return overlaps, nil
}

func fits(res Resource, candidate Request, committed []Request) bool {
	if res.Type == ResourceExclusive {
		for _, c := range committed {
			if c.Overlaps(candidate.StartTime, candidate.EndTime) {
				return false
			}
		}
		return true
	}
	return candidate.CapacityRequired+peakLoad(committed, candidate.StartTime, candidate.EndTime) <= res.Capacity
}

func sortWeakestFirst(reqs []Request) {
	sort.SliceStable(reqs, func(i, j int) bool {
		a, b := reqs[i], reqs[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.StartTime.Equal(b.StartTime) {
			return a.StartTime.Before(b.StartTime)
		}
		return a.ID < b.ID
	})
}

type loadEdge struct {
	at    time.Time
	delta int
}

// peakLoad is the maximum concurrent capacity consumed by reqs inside [start, end).
// Intervals are clipped to the window; at equal instants releases are applied before
// acquisitions, so back-to-back intervals never stack.
func peakLoad(reqs []Request, start, end time.Time) int {
	edges := make([]loadEdge, 0, 2*len(reqs))
	for _, r := range reqs {
		s, e := r.StartTime, r.EndTime
		if s.Before(start) {
			s = start
		}
		if e.After(end) {
			e = end
		}
		if !s.Before(e) {
			continue
		}
		edges = append(edges, loadEdge{at: s, delta: r.CapacityRequired}, loadEdge{at: e, delta: -r.CapacityRequired})
	}
	sort.Slice(edges, func(i, j int) bool {
		if !edges[i].at.Equal(edges[j].at) {
			return edges[i].at.Before(edges[j].at)
		}
		return edges[i].delta < edges[j].delta
	})
	load, peak := 0, 0
	for _, e := range edges {
		load += e.delta
		peak = max(peak, load)
	}
	return peak
}

// evictionPlan picks the allocations to preempt so candidate fits on res. Blockers are
// consumed weakest first until the candidate fits; evictions that turn out unnecessary
// are then restored, latest first.
func evictionPlan(res Resource, candidate Request, blockers []Request) []Request {
	if res.Type == ResourceExclusive {
		return append([]Request(nil), blockers...)
	}
	remaining := append([]Request(nil), blockers...)
	var evicted []Request
	for len(remaining) > 0 && !fits(res, candidate, remaining) {
		evicted = append(evicted, remaining[0])
		remaining = remaining[1:]
	}
	for i := len(evicted) - 1; i >= 0; i-- {
		trial := append(append([]Request(nil), remaining...), evicted[i])
		if fits(res, candidate, trial) {
			remaining = trial
			evicted = append(evicted[:i], evicted[i+1:]...)
		}
	}
	return evicted
}
