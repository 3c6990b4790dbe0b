package allocator

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Store is the durable persistence collaborator. The scheduler keeps the authoritative
// in-memory state and hands every committed change to a Journal, which writes it behind.
// Requests are never deleted: a cancelled or preempted request keeps its row so its
// decision survives a restart.
type Store interface {
	LoadResources(ctx context.Context) ([]Resource, error)
	LoadRequests(ctx context.Context) ([]Request, error)
	SaveResource(ctx context.Context, r Resource) error
	DeleteResource(ctx context.Context, id string) error
	SaveRequest(ctx context.Context, r Request) error
}

type changeKind int

const (
	changeSaveResource changeKind = iota
	changeDeleteResource
	changeSaveRequest
)

type change struct {
	kind     changeKind
	id       string
	resource Resource
	request  Request
}

// Journal queues changes in memory and flushes them to a Store from a single goroutine,
// on a ticker, when the batch fills up, and once more on Close. Recording never blocks on I/O.
// A failed write stays queued and is retried on the next flush, keeping the original order.
type Journal struct {
	store     Store
	interval  time.Duration
	batchSize int

	mu      sync.Mutex
	pending []change

	wake chan struct{}
	done chan struct{}
	wg   sync.WaitGroup
}

func NewJournal(store Store, interval time.Duration) *Journal {
	if interval <= 0 {
		interval = time.Second
	}
	j := &Journal{
		store:     store,
		interval:  interval,
		batchSize: 100,
		wake:      make(chan struct{}, 1),
		done:      make(chan struct{}),
	}
	j.wg.Add(1)
	go j.loop()
	return j
}

// Close flushes what is queued and stops the writer.
func (j *Journal) Close() {
	close(j.done)
	j.wg.Wait()
}

// Pending returns the number of changes not yet written.
func (j *Journal) Pending() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.pending)
}

func (j *Journal) saveResource(r Resource) {
	j.record(change{kind: changeSaveResource, id: r.ID, resource: r})
}

func (j *Journal) deleteResource(id string) {
	j.record(change{kind: changeDeleteResource, id: id})
}

func (j *Journal) saveRequest(r Request) {
	j.record(change{kind: changeSaveRequest, id: r.ID, request: r})
}

func (j *Journal) record(c change) {
	if j == nil {
		return
	}
	j.mu.Lock()
	j.pending = append(j.pending, c)
	full := len(j.pending) >= j.batchSize
	j.mu.Unlock()
	if full {
		select {
		case j.wake <- struct{}{}:
		default:
		}
	}
}

func (j *Journal) loop() {
	defer j.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-j.wake:
			j.flush()
		case <-ticker.C:
			j.flush()
		case <-j.done:
			j.flush()
			return
		}
	}
}

func (j *Journal) flush() {
	j.mu.Lock()
	batch := j.pending
	j.pending = nil
	j.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for i, c := range batch {
		if err := j.apply(ctx, c); err != nil {
			log.Error().Err(err).Str("id", c.id).Int("remaining", len(batch)-i).Msg("journal: store write failed; will retry")
			j.mu.Lock()
			j.pending = append(batch[i:len(batch):len(batch)], j.pending...)
			j.mu.Unlock()
			return
		}
	}
	log.Debug().Int("changes", len(batch)).Msg("journal: flushed")
}

func (j *Journal) apply(ctx context.Context, c change) error {
	switch c.kind {
	case changeSaveResource:
		return j.store.SaveResource(ctx, c.resource)
	case changeDeleteResource:
		return j.store.DeleteResource(ctx, c.id)
	default:
		return j.store.SaveRequest(ctx, c.request)
	}
}
