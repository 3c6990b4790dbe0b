package allocator

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"resource-allocator/tracing"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// Options are the external configuration inputs of the engine.
type Options struct {
	// PreemptionEnabled lets a strictly higher-priority request evict allocations that block it.
	PreemptionEnabled bool
	// LinearScanThreshold is the per-resource interval count up to which overlap queries scan linearly.
	LinearScanThreshold int
}

func DefaultOptions() Options {
	return Options{LinearScanThreshold: DefaultLinearScanThreshold}
}

// Option customizes a Scheduler.
type Option func(*Scheduler)

// WithClock replaces time.Now, e.g. for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithJournal makes the scheduler hand committed changes to j.
func WithJournal(j *Journal) Option {
	return func(s *Scheduler) { s.journal = j }
}

// WithIDGenerator replaces uuid.NewString for requests and resources submitted without an id.
func WithIDGenerator(gen func() string) Option {
	return func(s *Scheduler) { s.newID = gen }
}

// Scheduler decides allocation requests. Decisions for one resource are linearizable:
// the overlap check and the commit run inside that resource's critical section.
type Scheduler struct {
	opts     Options
	timeline *Timeline
	registry *Registry
	detector *Detector
	locks    resourceLocks
	ledger   sync.Map // request id -> *record
	journal  *Journal
	now      func() time.Time
	newID    func() string

	evictions atomic.Int64
}

func NewScheduler(opts Options, options ...Option) *Scheduler {
	tl := NewTimeline(opts.LinearScanThreshold)
	s := &Scheduler{
		opts:     opts,
		timeline: tl,
		registry: NewRegistry(tl),
		detector: NewDetector(tl),
		now:      time.Now,
		newID:    uuid.NewString,
	}
	for _, o := range options {
		o(s)
	}
	return s
}

func (s *Scheduler) Options() Options { return s.opts }

func (s *Scheduler) Registry() *Registry { return s.registry }

func (s *Scheduler) Timeline() *Timeline { return s.timeline }

// record is the ledger entry of a request id. done is closed once the decision is known.
type record struct {
	done chan struct{}

	mu      sync.Mutex
	request Request
	result  Result
}

func newRecord() *record {
	return &record{done: make(chan struct{})}
}

func (r *record) decided() bool {
	select {
	case <-r.done:
		return true
	default:
		return false
	}
}

func (r *record) decision() Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.result.clone()
}

func (r *record) snapshot() Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request
}

// live reports whether the request currently holds an allocation.
func (r *record) live() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.request.Status == RequestAllocated && !r.request.Cancelled
}

func (r *record) set(req Request, res Result) {
	r.mu.Lock()
	r.request = req
	r.result = res
	r.mu.Unlock()
}

func (r Result) clone() Result {
	out := r
	out.Conflicts = append(make([]Request, 0, len(r.Conflicts)), r.Conflicts...)
	if r.Evicted != nil {
		out.Evicted = append([]Request(nil), r.Evicted...)
	}
	return out
}

// Submit decides req and returns the decision. A request id is decided exactly once:
// resubmitting an id returns the recorded decision, and concurrent duplicates wait for it.
// Requests without an id get a generated one.
func (s *Scheduler) Submit(ctx context.Context, req Request) Result {
	if req.ID == "" {
		req.ID = s.newID()
	}
	_, span := tracing.StartSpan(ctx, "scheduler.submit")
	span.WithAttributes(map[string]string{"request.id": req.ID, "resource.id": req.ResourceID})

	rec := newRecord()
	if v, loaded := s.ledger.LoadOrStore(req.ID, rec); loaded {
		prior := v.(*record)
		<-prior.done
		res := prior.decision()
		log.Debug().Str("requestId", req.ID).Bool("success", res.Success).Msg("scheduler: duplicate submission; returning recorded decision")
		tracing.EndSpan(span, res.Cause)
		return res
	}

	res, keep := s.decide(rec, req)
	if !keep {
		s.ledger.CompareAndDelete(req.ID, rec)
	}
	close(rec.done)
	tracing.EndSpan(span, res.Cause)
	return res.clone()
}

func (s *Scheduler) decide(rec *record, req Request) (Result, bool) {
	req.Status = RequestPending
	req.Cancelled, req.PreemptedBy = false, ""
	req.Reason, req.Detail, req.ConflictIDs = "", "", nil
	if req.CreatedAt.IsZero() {
		req.CreatedAt = s.now()
	}

	if _, err := s.registry.Get(req.ResourceID); err != nil {
		return s.reject(rec, req, nil, err), true
	}

	unlock := s.locks.lock(req.ResourceID)
	defer unlock()

	res, err := s.registry.Get(req.ResourceID)
	if err != nil {
		return s.reject(rec, req, nil, err), true
	}
	if err := validate(res, req); err != nil {
		return s.reject(rec, req, nil, err), true
	}

	blockers, err := s.detector.Detect(req, res)
	if err != nil {
		return s.abort(rec, req, err), false
	}
	if len(blockers) == 0 {
		return s.admit(rec, req, nil)
	}
	if s.opts.PreemptionEnabled && outranksAll(req, blockers) {
		return s.admit(rec, req, evictionPlan(res, req, blockers))
	}
	return s.reject(rec, req, blockers, newError(ErrConflict,
		"request %q conflicts with %d existing allocation(s) on resource %q", req.ID, len(blockers), res.ID)), true
}

func validate(res Resource, req Request) error {
	if res.Status != ResourceOnline {
		return newError(ErrResourceUnavailable, "resource %q is %s", res.ID, res.Status)
	}
	if !req.StartTime.Before(req.EndTime) {
		return newError(ErrValidation, "start_time must be before end_time")
	}
	if req.CapacityRequired <= 0 {
		return newError(ErrValidation, "capacity_required must be positive, got %d", req.CapacityRequired)
	}
	if req.CapacityRequired > res.Capacity {
		return newError(ErrValidation, "capacity_required %d exceeds resource %q capacity %d", req.CapacityRequired, res.ID, res.Capacity)
	}
	if _, ok := priorityNames[req.Priority]; !ok {
		return newError(ErrValidation, "unknown priority %d", int(req.Priority))
	}
	return nil
}

func outranksAll(req Request, blockers []Request) bool {
	for _, b := range blockers {
		if b.Priority >= req.Priority {
			return false
		}
	}
	return true
}

// admit commits req, evicting the given allocations first. The change set is verified in
// full before anything is mutated, so a failed check leaves the index untouched.
func (s *Scheduler) admit(rec *record, req Request, evict []Request) (Result, bool) {
	if s.timeline.Contains(req.ResourceID, req.ID) {
		return s.abort(rec, req, newError(ErrInternal, "request %q is already indexed", req.ID)), false
	}
	victims := make([]*record, len(evict))
	for i, e := range evict {
		v, ok := s.ledger.Load(e.ID)
		if !ok || !s.timeline.Contains(e.ResourceID, e.ID) {
			return s.abort(rec, req, newError(ErrInternal, "eviction candidate %q is not consistently indexed", e.ID)), false
		}
		victims[i] = v.(*record)
	}

	req.Status = RequestAllocated
	evicted := make([]Request, 0, len(evict))
	for i, e := range evict {
		if _, _, err := s.timeline.Remove(e.ResourceID, e.ID); err != nil {
			return s.abort(rec, req, err), false
		}
		cause := newError(ErrConflict, "preempted by higher-priority request %q", req.ID)
		v := victims[i]
		v.mu.Lock()
		v.request.Status = RequestRejected
		v.request.PreemptedBy = req.ID
		v.request.Reason, v.request.Detail = Reason(cause), Message(cause)
		v.request.ConflictIDs = []string{req.ID}
		v.result = Result{Success: false, Conflicts: []Request{req}, Message: Message(cause), Cause: cause}
		victim := v.request
		v.mu.Unlock()
		evicted = append(evicted, victim)
		s.journal.saveRequest(victim)
		log.Info().Str("requestId", victim.ID).Str("resourceId", victim.ResourceID).Str("preemptedBy", req.ID).
			Str("priority", victim.Priority.String()).Msg("scheduler: allocation preempted")
	}

	if err := s.timeline.Insert(req); err != nil {
		return s.abort(rec, req, err), false
	}
	s.evictions.Add(int64(len(evicted)))

	if len(evicted) == 0 {
		evicted = nil
	}
	res := Result{Success: true, AllocationID: req.ID, Conflicts: []Request{}, Message: admittedMessage(evicted), Evicted: evicted}
	rec.set(req, res)
	s.journal.saveRequest(req)
	log.Info().Str("requestId", req.ID).Str("resourceId", req.ResourceID).Int("capacity", req.CapacityRequired).
		Time("start", req.StartTime).Time("end", req.EndTime).Int("evicted", len(evicted)).Msg("scheduler: allocated")
	return res, true
}

func admittedMessage(evicted []Request) string {
	if len(evicted) > 0 {
		return "allocated after preempting lower-priority allocation(s)"
	}
	return "allocated"
}

// asCommitted returns r as it looked when it was reported as a conflict: an allocation
// without any later cancellation or preemption.
func asCommitted(r Request) Request {
	r.Status = RequestAllocated
	r.Cancelled, r.PreemptedBy = false, ""
	r.Reason, r.Detail, r.ConflictIDs = "", "", nil
	return r
}

func (s *Scheduler) reject(rec *record, req Request, blockers []Request, cause error) Result {
	req.Status = RequestRejected
	req.Reason, req.Detail = Reason(cause), Message(cause)
	if blockers == nil {
		blockers = []Request{}
	}
	for _, b := range blockers {
		req.ConflictIDs = append(req.ConflictIDs, b.ID)
	}
	res := Result{Success: false, Conflicts: blockers, Message: Message(cause), Cause: cause}
	rec.set(req, res)
	s.journal.saveRequest(req)
	log.Info().Str("requestId", req.ID).Str("resourceId", req.ResourceID).Str("reason", Reason(cause)).
		Int("conflicts", len(blockers)).Msg("scheduler: rejected")
	return res
}

// abort ends a request that hit an index inconsistency. Nothing is committed or persisted and
// the decision is not recorded, so a later resubmission is evaluated afresh.
func (s *Scheduler) abort(rec *record, req Request, cause error) Result {
	req.Status = RequestRejected
	res := Result{Success: false, Conflicts: []Request{}, Message: "internal error; request aborted", Cause: cause}
	rec.set(req, res)
	log.Error().Err(cause).Str("requestId", req.ID).Str("resourceId", req.ResourceID).Msg("scheduler: invariant violation; request aborted")
	return res
}

// Cancel releases a previously allocated request. It is idempotent: cancelling a request that
// is already cancelled, rejected or preempted succeeds without effect.
func (s *Scheduler) Cancel(ctx context.Context, requestID string) error {
	_, span := tracing.StartSpan(ctx, "scheduler.cancel")
	span.WithAttributes(map[string]string{"request.id": requestID})
	err := s.cancel(requestID)
	tracing.EndSpan(span, err)
	return err
}

func (s *Scheduler) cancel(requestID string) error {
	v, ok := s.ledger.Load(requestID)
	if !ok {
		return newError(ErrNotFound, "request %q does not exist", requestID)
	}
	rec := v.(*record)
	<-rec.done
	req := rec.snapshot()
	if !req.Status.Terminal() {
		return newError(ErrNotFound, "request %q has no recorded decision", requestID)
	}

	unlock := s.locks.lock(req.ResourceID)
	defer unlock()
	if !rec.live() {
		return nil
	}
	_, ok, err := s.timeline.Remove(req.ResourceID, req.ID)
	if err != nil {
		log.Error().Err(err).Str("requestId", req.ID).Msg("scheduler: cancel failed")
		return err
	}
	if !ok {
		err := newError(ErrInternal, "allocated request %q missing from timeline", req.ID)
		log.Error().Err(err).Str("requestId", req.ID).Msg("scheduler: cancel failed")
		return err
	}
	rec.mu.Lock()
	rec.request.Cancelled = true
	cancelled := rec.request
	rec.mu.Unlock()
	s.journal.saveRequest(cancelled)
	log.Info().Str("requestId", req.ID).Str("resourceId", req.ResourceID).Msg("scheduler: allocation cancelled")
	return nil
}

// ListResources returns the catalog with current usage.
func (s *Scheduler) ListResources() []Resource {
	return s.registry.List(s.now())
}

// ResourceStatus returns a usage snapshot of one resource at the scheduler's current time.
func (s *Scheduler) ResourceStatus(resourceID string) (UsageSnapshot, error) {
	res, err := s.registry.Get(resourceID)
	if err != nil {
		return UsageSnapshot{}, err
	}
	all, err := s.timeline.All(resourceID)
	if err != nil {
		return UsageSnapshot{}, err
	}
	at := s.now()
	snap := UsageSnapshot{At: at}
	var upcoming []Request
	horizon := at
	for _, r := range all {
		if r.Covers(at) {
			snap.CurrentUsage += r.CapacityRequired
			snap.ActiveAllocations++
		}
		if r.EndTime.After(at) {
			upcoming = append(upcoming, r)
			if r.EndTime.After(horizon) {
				horizon = r.EndTime
			}
		}
	}
	snap.LiveAllocations = len(upcoming)
	snap.PeakUsage = peakLoad(upcoming, at, horizon)
	res.Usage = snap.CurrentUsage
	snap.Resource = res
	switch {
	case res.Type == ResourceExclusive && snap.ActiveAllocations > 0:
		snap.Available = 0
	default:
		snap.Available = max(0, res.Capacity-snap.CurrentUsage)
	}
	return snap, nil
}

// Requests returns decided requests, optionally limited to one resource, ordered by start
// time then id. Cancelled allocations are omitted.
func (s *Scheduler) Requests(resourceID string) []Request {
	var out []Request
	s.ledger.Range(func(_, v any) bool {
		rec := v.(*record)
		if !rec.decided() {
			return true
		}
		rec.mu.Lock()
		req := rec.request
		rec.mu.Unlock()
		if req.Cancelled || !req.Status.Terminal() {
			return true
		}
		if resourceID == "" || req.ResourceID == resourceID {
			out = append(out, req)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return keyLess(&out[i], &out[j]) })
	return out
}

// PutResource creates or updates a resource. An update may not invalidate committed
// allocations: the capacity cannot drop below the committed peak, and a resource cannot
// become exclusive while its allocations overlap.
func (s *Scheduler) PutResource(ctx context.Context, r Resource) (Resource, error) {
	return s.putResource(r, false)
}

// CreateResource adds a new resource and fails with ErrConflict when the id is taken.
func (s *Scheduler) CreateResource(ctx context.Context, r Resource) (Resource, error) {
	return s.putResource(r, true)
}

func (s *Scheduler) putResource(r Resource, create bool) (Resource, error) {
	if r.ID == "" {
		r.ID = s.newID()
	}
	if r.Capacity <= 0 {
		return Resource{}, newError(ErrValidation, "capacity must be positive, got %d", r.Capacity)
	}
	if _, ok := resourceTypeNames[r.Type]; !ok {
		return Resource{}, newError(ErrValidation, "unknown resource type %d", int(r.Type))
	}
	if _, ok := resourceStatusNames[r.Status]; !ok {
		return Resource{}, newError(ErrValidation, "unknown resource status %d", int(r.Status))
	}

	unlock := s.locks.lock(r.ID)
	defer unlock()

	r.Usage = 0
	if existing, err := s.registry.Get(r.ID); err == nil {
		if create {
			return Resource{}, newError(ErrConflict, "resource %q already exists", r.ID)
		}
		r.CreatedAt = existing.CreatedAt
		all, err := s.timeline.All(r.ID)
		if err != nil {
			return Resource{}, err
		}
		if err := admissible(r, all); err != nil {
			return Resource{}, err
		}
	} else if r.CreatedAt.IsZero() {
		r.CreatedAt = s.now()
	}
	s.registry.put(r)
	s.journal.saveResource(r)
	log.Info().Str("resourceId", r.ID).Str("name", r.Name).Int("capacity", r.Capacity).
		Str("type", r.Type.String()).Str("status", r.Status.String()).Msg("scheduler: resource saved")
	return r, nil
}

// admissible checks that the committed allocations still respect r's invariants.
func admissible(r Resource, committed []Request) error {
	if len(committed) == 0 {
		return nil
	}
	if r.Type == ResourceExclusive {
		horizon := committed[0].EndTime
		for i, c := range committed {
			if i > 0 && c.StartTime.Before(horizon) {
				return newError(ErrValidation, "resource %q has overlapping allocations and cannot become exclusive", r.ID)
			}
			if c.EndTime.After(horizon) {
				horizon = c.EndTime
			}
		}
	}
	start, end := committed[0].StartTime, committed[0].EndTime
	biggest := 0
	for _, c := range committed {
		if c.EndTime.After(end) {
			end = c.EndTime
		}
		biggest = max(biggest, c.CapacityRequired)
	}
	load := biggest
	if r.Type == ResourceShared {
		load = peakLoad(committed, start, end)
	}
	if load > r.Capacity {
		return newError(ErrValidation, "resource %q capacity %d is below committed load %d", r.ID, r.Capacity, load)
	}
	return nil
}

// RemoveResource deletes a resource that holds no allocations.
func (s *Scheduler) RemoveResource(ctx context.Context, resourceID string) error {
	if _, err := s.registry.Get(resourceID); err != nil {
		return err
	}
	unlock := s.locks.lock(resourceID)
	defer unlock()
	if _, err := s.registry.Get(resourceID); err != nil {
		return err
	}
	if n := s.timeline.Len(resourceID); n > 0 {
		return newError(ErrConflict, "resource %q still holds %d allocation(s)", resourceID, n)
	}
	s.registry.remove(resourceID)
	s.journal.deleteResource(resourceID)
	log.Info().Str("resourceId", resourceID).Msg("scheduler: resource removed")
	return nil
}

// Reset releases every allocation on every resource. Decisions stay recorded.
func (s *Scheduler) Reset(ctx context.Context) int {
	released := 0
	for _, id := range s.registry.ids() {
		released += s.resetResource(id)
	}
	log.Warn().Int("released", released).Msg("scheduler: all allocations reset")
	return released
}

func (s *Scheduler) resetResource(resourceID string) int {
	unlock := s.locks.lock(resourceID)
	defer unlock()
	all, err := s.timeline.All(resourceID)
	if err != nil {
		return 0
	}
	for _, r := range all {
		r.Cancelled = true
		if v, ok := s.ledger.Load(r.ID); ok {
			rec := v.(*record)
			rec.mu.Lock()
			rec.request.Cancelled = true
			r = rec.request
			rec.mu.Unlock()
		}
		s.journal.saveRequest(r)
	}
	s.timeline.Clear(resourceID)
	return len(all)
}

// UsageReport sums allocated time per resource within [from, to). Allocations are clipped to
// the window. Resources without allocations in the window are omitted.
func (s *Scheduler) UsageReport(from, to time.Time) []UsageReport {
	var out []UsageReport
	for _, res := range s.registry.List(s.now()) {
		overlaps, err := s.timeline.Overlap(res.ID, from, to)
		if err != nil || len(overlaps) == 0 {
			continue
		}
		var total time.Duration
		for _, r := range overlaps {
			start, end := r.StartTime, r.EndTime
			if start.Before(from) {
				start = from
			}
			if end.After(to) {
				end = to
			}
			total += end.Sub(start)
		}
		out = append(out, UsageReport{
			ResourceID:       res.ID,
			ResourceName:     res.Name,
			TotalAllocations: len(overlaps),
			TotalHours:       total.Hours(),
		})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TotalHours != out[j].TotalHours {
			return out[i].TotalHours > out[j].TotalHours
		}
		return out[i].ResourceID < out[j].ResourceID
	})
	return out
}

// Stats summarizes decisions and the current utilization of online resources.
func (s *Scheduler) Stats() Stats {
	var st Stats
	s.ledger.Range(func(_, v any) bool {
		rec := v.(*record)
		if !rec.decided() {
			return true
		}
		rec.mu.Lock()
		status, cancelled := rec.request.Status, rec.request.Cancelled
		rec.mu.Unlock()
		switch {
		case status == RequestAllocated && !cancelled:
			st.TotalRequests++
			st.LiveAllocations++
		case status.Terminal():
			st.TotalRequests++
			if status == RequestRejected {
				st.Rejected++
			}
		}
		return true
	})
	st.Evictions = int(s.evictions.Load())

	capacity, usage := 0, 0
	for _, res := range s.registry.List(s.now()) {
		if res.Status != ResourceOnline {
			continue
		}
		capacity += res.Capacity
		usage += min(res.Usage, res.Capacity)
	}
	if capacity > 0 {
		st.Utilization = float64(usage) / float64(capacity) * 100
	}
	return st
}

// Restore rebuilds the catalog, the timeline and the decision ledger from st. It must run
// before the scheduler serves requests; restored state is not journaled again.
func (s *Scheduler) Restore(ctx context.Context, st Store) error {
	resources, err := st.LoadResources(ctx)
	if err != nil {
		return err
	}
	for _, r := range resources {
		r.Usage = 0
		s.registry.put(r)
	}

	requests, err := st.LoadRequests(ctx)
	if err != nil {
		return err
	}
	sort.Slice(requests, func(i, j int) bool {
		if !requests[i].CreatedAt.Equal(requests[j].CreatedAt) {
			return requests[i].CreatedAt.Before(requests[j].CreatedAt)
		}
		return requests[i].ID < requests[j].ID
	})
	byID := make(map[string]Request, len(requests))
	evictedBy := make(map[string][]Request)
	for _, req := range requests {
		byID[req.ID] = req
		if req.PreemptedBy != "" {
			evictedBy[req.PreemptedBy] = append(evictedBy[req.PreemptedBy], req)
		}
	}

	restored := 0
	for _, req := range requests {
		rec := newRecord()
		switch req.Status {
		case RequestAllocated:
			if !req.Cancelled {
				if err := s.timeline.Insert(req); err != nil {
					return err
				}
			}
			rec.set(req, Result{Success: true, AllocationID: req.ID, Conflicts: []Request{}, Message: admittedMessage(evictedBy[req.ID]),
				Evicted: evictedBy[req.ID]})
			s.evictions.Add(int64(len(evictedBy[req.ID])))
		case RequestRejected:
			cause := causeFor(req.Reason, req.Detail)
			conflicts := make([]Request, 0, len(req.ConflictIDs))
			for _, id := range req.ConflictIDs {
				if c, ok := byID[id]; ok {
					conflicts = append(conflicts, asCommitted(c))
				}
			}
			rec.set(req, Result{Success: false, Conflicts: conflicts, Message: Message(cause), Cause: cause})
		default:
			log.Warn().Str("requestId", req.ID).Msg("scheduler: skipping undecided request during restore")
			continue
		}
		close(rec.done)
		s.ledger.Store(req.ID, rec)
		restored++
	}
	log.Info().Int("resources", len(resources)).Int("requests", restored).Msg("scheduler: state restored")
	return nil
}
