package allocator

import (
	"fmt"
	"time"
)

// ResourceType tells the conflict detector whether a resource can be shared.
type ResourceType int

const (
	ResourceShared ResourceType = iota
	ResourceExclusive
)

var resourceTypeNames = map[ResourceType]string{
	ResourceShared:    "shared",
	ResourceExclusive: "exclusive",
}

func (t ResourceType) String() string {
	if s, ok := resourceTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("ResourceType(%d)", int(t))
}

func (t ResourceType) MarshalText() ([]byte, error) {
	s, ok := resourceTypeNames[t]
	if !ok {
		return nil, newError(ErrValidation, "unknown resource type %d", int(t))
	}
	return []byte(s), nil
}

func (t *ResourceType) UnmarshalText(b []byte) error {
	v, err := ParseResourceType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ParseResourceType maps the wire form ("exclusive" or "shared") to a ResourceType.
func ParseResourceType(s string) (ResourceType, error) {
	for k, v := range resourceTypeNames {
		if v == s {
			return k, nil
		}
	}
	return 0, newError(ErrValidation, "unknown resource type %q", s)
}

// ResourceStatus is the operational state of a resource. Only online resources accept allocations.
type ResourceStatus int

const (
	ResourceOnline ResourceStatus = iota
	ResourceOffline
	ResourceMaintenance
)

var resourceStatusNames = map[ResourceStatus]string{
	ResourceOnline:      "online",
	ResourceOffline:     "offline",
	ResourceMaintenance: "maintenance",
}

func (s ResourceStatus) String() string {
	if n, ok := resourceStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("ResourceStatus(%d)", int(s))
}

func (s ResourceStatus) MarshalText() ([]byte, error) {
	n, ok := resourceStatusNames[s]
	if !ok {
		return nil, newError(ErrValidation, "unknown resource status %d", int(s))
	}
	return []byte(n), nil
}

func (s *ResourceStatus) UnmarshalText(b []byte) error {
	v, err := ParseResourceStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseResourceStatus(s string) (ResourceStatus, error) {
	for k, v := range resourceStatusNames {
		if v == s {
			return k, nil
		}
	}
	return 0, newError(ErrValidation, "unknown resource status %q", s)
}

// Priority orders requests; a higher value wins. PriorityCritical is the highest.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
)

var priorityNames = map[Priority]string{
	PriorityLow:      "low",
	PriorityMedium:   "medium",
	PriorityHigh:     "high",
	PriorityCritical: "critical",
}

func (p Priority) String() string {
	if n, ok := priorityNames[p]; ok {
		return n
	}
	return fmt.Sprintf("Priority(%d)", int(p))
}

func (p Priority) MarshalText() ([]byte, error) {
	n, ok := priorityNames[p]
	if !ok {
		return nil, newError(ErrValidation, "unknown priority %d", int(p))
	}
	return []byte(n), nil
}

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

func ParsePriority(s string) (Priority, error) {
	for k, v := range priorityNames {
		if v == s {
			return k, nil
		}
	}
	return 0, newError(ErrValidation, "unknown priority %q", s)
}

// RequestStatus is the lifecycle state of an allocation request.
// Allocated and rejected are terminal; a request never goes back to pending.
type RequestStatus int

const (
	RequestPending RequestStatus = iota
	RequestAllocated
	RequestRejected
)

var requestStatusNames = map[RequestStatus]string{
	RequestPending:   "pending",
	RequestAllocated: "allocated",
	RequestRejected:  "rejected",
}

func (s RequestStatus) String() string {
	if n, ok := requestStatusNames[s]; ok {
		return n
	}
	return fmt.Sprintf("RequestStatus(%d)", int(s))
}

func (s RequestStatus) MarshalText() ([]byte, error) {
	n, ok := requestStatusNames[s]
	if !ok {
		return nil, newError(ErrValidation, "unknown request status %d", int(s))
	}
	return []byte(n), nil
}

func (s *RequestStatus) UnmarshalText(b []byte) error {
	v, err := ParseRequestStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func ParseRequestStatus(s string) (RequestStatus, error) {
	for k, v := range requestStatusNames {
		if v == s {
			return k, nil
		}
	}
	return 0, newError(ErrValidation, "unknown request status %q", s)
}

// Terminal reports whether the status can no longer change through scheduling.
func (s RequestStatus) Terminal() bool {
	return s == RequestAllocated || s == RequestRejected
}

// Resource is a finite-capacity pool that requests are allocated against.
// Usage is derived by the registry and ignored on input.
type Resource struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Capacity  int            `json:"capacity"`
	Type      ResourceType   `json:"type"`
	Usage     int            `json:"usage"`
	Status    ResourceStatus `json:"status"`
	CreatedAt time.Time      `json:"created_at"`
}

// Request asks for CapacityRequired units of a resource over [StartTime, EndTime).
type Request struct {
	ID               string        `json:"id"`
	ResourceID       string        `json:"resource_id"`
	UserID           string        `json:"user_id"`
	StartTime        time.Time     `json:"start_time"`
	EndTime          time.Time     `json:"end_time"`
	CapacityRequired int           `json:"capacity_required"`
	Priority         Priority      `json:"priority"`
	Status           RequestStatus `json:"status"`
	CreatedAt        time.Time     `json:"created_at"`

	// The fields below are set by the scheduler and persisted with the decision so a restart
	// replays the same answer. Values supplied on submission are ignored.

	// Cancelled marks an allocation released by Cancel or Reset.
	Cancelled bool `json:"cancelled,omitempty"`
	// PreemptedBy is the id of the request that evicted this allocation.
	PreemptedBy string `json:"preempted_by,omitempty"`
	// Reason and Detail are Reason(cause) and Message(cause) of a rejection.
	Reason string `json:"reason,omitempty"`
	Detail string `json:"detail,omitempty"`
	// ConflictIDs lists the allocations reported as conflicts in the decision.
	ConflictIDs []string `json:"conflict_ids,omitempty"`
}

// Overlaps uses half-open semantics: back-to-back intervals do not overlap.
func (r Request) Overlaps(start, end time.Time) bool {
	return r.StartTime.Before(end) && start.Before(r.EndTime)
}

// Covers reports whether the instant at falls inside [StartTime, EndTime).
func (r Request) Covers(at time.Time) bool {
	return !at.Before(r.StartTime) && at.Before(r.EndTime)
}

// Result is the decision record returned for every submission.
type Result struct {
	Success      bool      `json:"success"`
	AllocationID string    `json:"allocation_id,omitempty"`
	Conflicts    []Request `json:"conflicts"`
	Message      string    `json:"message,omitempty"`

	// Cause is nil on success and one of the package sentinel errors otherwise.
	Cause error `json:"-"`
	// Evicted lists allocations preempted to admit this request.
	Evicted []Request `json:"-"`
}

// UsageSnapshot is the point-in-time view returned by ResourceStatus.
type UsageSnapshot struct {
	Resource          Resource  `json:"resource"`
	At                time.Time `json:"at"`
	CurrentUsage      int       `json:"current_usage"`
	Available         int       `json:"available"`
	ActiveAllocations int       `json:"active_allocations"`
	LiveAllocations   int       `json:"live_allocations"`
	PeakUsage         int       `json:"peak_usage"`
}

// UsageReport aggregates allocated time per resource within a reporting window.
type UsageReport struct {
	ResourceID       string  `json:"resource_id"`
	ResourceName     string  `json:"resource_name"`
	TotalAllocations int     `json:"total_allocations"`
	TotalHours       float64 `json:"total_hours"`
}

// Stats is a scheduler-wide summary.
type Stats struct {
	TotalRequests   int     `json:"total_requests"`
	LiveAllocations int     `json:"live_allocations"`
	Rejected        int     `json:"rejected"`
	Evictions       int     `json:"evictions"`
	Utilization     float64 `json:"utilization"`
}
