package taskqueue

import (
	"container/heap"
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/petrijr/fluxq/pkg/api"
)

// InMemoryStore is a Store kept entirely in process memory. It backs
// non-durable queues and tests.
//
// Each queue has its own lock, so operations on different queues proceed in
// parallel. A small index maps task ids and delivery tags to their queue.
type InMemoryStore struct {
	mu     sync.RWMutex
	queues map[string]*memQueue

	idxMu sync.Mutex
	byID  map[string]string // task id -> queue
	byTag map[string]string // delivery tag -> queue

	seq atomic.Uint64
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		queues: make(map[string]*memQueue),
		byID:   make(map[string]string),
		byTag:  make(map[string]string),
	}
}

// Ensure InMemoryStore implements Store.
var _ Store = (*InMemoryStore)(nil)

type memEntry struct {
	task       api.Task
	seq        uint64
	visibleAt  time.Time
	deliveries int

	tag      string
	workerID string
	leasedAt time.Time
	deadline time.Time

	heapIdx int
	delayed bool
}

func (e *memEntry) delivery() api.Delivery {
	return api.Delivery{
		Task:     e.task,
		WorkerID: e.workerID,
		Tag:      e.tag,
		LeasedAt: e.leasedAt,
		Deadline: e.deadline,
		Attempt:  e.deliveries,
	}
}

type memQueue struct {
	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
	entries map[string]*memEntry // task id -> entry
	leased  map[string]*memEntry // tag -> entry
}

func newMemQueue() *memQueue {
	return &memQueue{
		entries: make(map[string]*memEntry),
		leased:  make(map[string]*memEntry),
	}
}

func (q *memQueue) push(e *memEntry) {
	if !e.visibleAt.IsZero() {
		e.delayed = true
		heap.Push(&q.delayed, e)
		return
	}
	e.delayed = false
	heap.Push(&q.ready, e)
}

func (q *memQueue) promote(now time.Time) {
	for q.delayed.Len() > 0 && !q.delayed[0].visibleAt.After(now) {
		e := heap.Pop(&q.delayed).(*memEntry)
		e.visibleAt = time.Time{}
		e.delayed = false
		heap.Push(&q.ready, e)
	}
}

func (q *memQueue) unlink(e *memEntry) {
	if e.delayed {
		heap.Remove(&q.delayed, e.heapIdx)
	} else {
		heap.Remove(&q.ready, e.heapIdx)
	}
}

func (s *InMemoryStore) queue(name string, create bool) *memQueue {
	s.mu.RLock()
	q := s.queues[name]
	s.mu.RUnlock()
	if q != nil || !create {
		return q
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if q = s.queues[name]; q == nil {
		q = newMemQueue()
		s.queues[name] = q
	}
	return q
}

// lockQueues locks the named queues in a stable order and returns them
// together with an unlock function.
func (s *InMemoryStore) lockQueues(names []string) (map[string]*memQueue, func()) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	locked := make(map[string]*memQueue, len(sorted))
	order := make([]*memQueue, 0, len(sorted))
	for _, name := range sorted {
		if _, dup := locked[name]; dup {
			continue
		}
		q := s.queue(name, true)
		q.mu.Lock()
		locked[name] = q
		order = append(order, q)
	}
	return locked, func() {
		for i := len(order) - 1; i >= 0; i-- {
			order[i].mu.Unlock()
		}
	}
}

func (s *InMemoryStore) Put(ctx context.Context, task api.Task, visibleAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.idxMu.Lock()
	if _, exists := s.byID[task.ID]; exists {
		s.idxMu.Unlock()
		return api.ErrDuplicateTaskID
	}
	s.byID[task.ID] = task.Queue
	s.idxMu.Unlock()

	q := s.queue(task.Queue, true)
	q.mu.Lock()
	defer q.mu.Unlock()

	e := &memEntry{task: task, seq: s.seq.Add(1), visibleAt: visibleAt}
	q.entries[task.ID] = e
	q.push(e)
	return nil
}

func (s *InMemoryStore) Lease(ctx context.Context, req LeaseRequest) ([]api.Delivery, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if req.Limit <= 0 || len(req.Queues) == 0 {
		return nil, nil
	}

	queues, unlock := s.lockQueues(req.Queues)
	defer unlock()

	for _, q := range queues {
		q.promote(req.Now)
	}

	var out []api.Delivery
	for len(out) < req.Limit {
		var best *memQueue
		for _, q := range queues {
			if q.ready.Len() == 0 {
				continue
			}
			if best == nil || q.ready.less(q.ready[0], best.ready[0]) {
				best = q
			}
		}
		if best == nil {
			break
		}

		e := heap.Pop(&best.ready).(*memEntry)
		e.tag = uuid.NewString()
		e.workerID = req.WorkerID
		e.leasedAt = req.Now
		e.deadline = req.Now.Add(req.TTL)
		e.deliveries++
		best.leased[e.tag] = e

		s.idxMu.Lock()
		s.byTag[e.tag] = e.task.Queue
		s.idxMu.Unlock()

		out = append(out, e.delivery())
	}
	return out, nil
}

func (s *InMemoryStore) tagQueue(tag string) (string, bool) {
	s.idxMu.Lock()
	defer s.idxMu.Unlock()
	name, ok := s.byTag[tag]
	return name, ok
}

func (s *InMemoryStore) Lookup(ctx context.Context, tag string) (api.Delivery, error) {
	name, ok := s.tagQueue(tag)
	if !ok {
		return api.Delivery{}, api.ErrLeaseExpired
	}
	q := s.queue(name, false)
	if q == nil {
		return api.Delivery{}, api.ErrLeaseExpired
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	e, ok := q.leased[tag]
	if !ok {
		return api.Delivery{}, api.ErrLeaseExpired
	}
	return e.delivery(), nil
}

func (s *InMemoryStore) Ack(ctx context.Context, tag string) (bool, error) {
	name, ok := s.tagQueue(tag)
	if !ok {
		return false, nil
	}
	q := s.queue(name, false)
	if q == nil {
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.leased[tag]
	if !ok {
		return false, nil
	}
	delete(q.leased, tag)
	delete(q.entries, e.task.ID)

	s.idxMu.Lock()
	delete(s.byTag, tag)
	delete(s.byID, e.task.ID)
	s.idxMu.Unlock()
	return true, nil
}

func (s *InMemoryStore) Requeue(ctx context.Context, tag string, r Requeue) (bool, error) {
	from, ok := s.tagQueue(tag)
	if !ok {
		return false, nil
	}
	to := from
	if r.Queue != "" {
		to = r.Queue
	}

	queues, unlock := s.lockQueues([]string{from, to})
	defer unlock()

	src := queues[from]
	e, ok := src.leased[tag]
	if !ok {
		return false, nil
	}
	delete(src.leased, tag)
	delete(src.entries, e.task.ID)

	e.tag, e.workerID = "", ""
	e.leasedAt, e.deadline = time.Time{}, time.Time{}
	e.task.RetryCount = r.RetryCount
	e.task.Queue = to
	e.visibleAt = r.VisibleAt
	if r.Resequence {
		e.seq = s.seq.Add(1)
	}

	dst := queues[to]
	dst.entries[e.task.ID] = e
	dst.push(e)

	s.idxMu.Lock()
	delete(s.byTag, tag)
	s.byID[e.task.ID] = to
	s.idxMu.Unlock()
	return true, nil
}

func (s *InMemoryStore) Expired(ctx context.Context, now time.Time, limit int) ([]api.Delivery, error) {
	s.mu.RLock()
	queues := make([]*memQueue, 0, len(s.queues))
	for _, q := range s.queues {
		queues = append(queues, q)
	}
	s.mu.RUnlock()

	var out []api.Delivery
	for _, q := range queues {
		q.mu.Lock()
		for _, e := range q.leased {
			if limit > 0 && len(out) >= limit {
				break
			}
			if !now.Before(e.deadline) {
				out = append(out, e.delivery())
			}
		}
		q.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	return out, nil
}

func (s *InMemoryStore) Remove(ctx context.Context, taskID string) (bool, error) {
	s.idxMu.Lock()
	name, ok := s.byID[taskID]
	s.idxMu.Unlock()
	if !ok {
		return false, nil
	}

	q := s.queue(name, false)
	if q == nil {
		return false, nil
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.entries[taskID]
	if !ok || e.tag != "" {
		return false, nil
	}
	q.unlink(e)
	delete(q.entries, taskID)

	s.idxMu.Lock()
	delete(s.byID, taskID)
	s.idxMu.Unlock()
	return true, nil
}

func (s *InMemoryStore) Len(ctx context.Context, queue string) (int, error) {
	q := s.queue(queue, false)
	if q == nil {
		return 0, nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len() + q.delayed.Len(), nil
}

// readyHeap orders entries by priority (desc) then sequence (asc).
type readyHeap []*memEntry

func (h readyHeap) less(a, b *memEntry) bool {
	if a.task.Priority != b.task.Priority {
		return a.task.Priority > b.task.Priority
	}
	return a.seq < b.seq
}

func (h readyHeap) Len() int           { return len(h) }
func (h readyHeap) Less(i, j int) bool { return h.less(h[i], h[j]) }
func (h readyHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *readyHeap) Push(x any) {
	e := x.(*memEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *readyHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}

// delayedHeap orders entries by visibility time, then sequence.
type delayedHeap []*memEntry

func (h delayedHeap) Len() int { return len(h) }
func (h delayedHeap) Less(i, j int) bool {
	if !h[i].visibleAt.Equal(h[j].visibleAt) {
		return h[i].visibleAt.Before(h[j].visibleAt)
	}
	return h[i].seq < h[j].seq
}
func (h delayedHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIdx = i
	h[j].heapIdx = j
}

func (h *delayedHeap) Push(x any) {
	e := x.(*memEntry)
	e.heapIdx = len(*h)
	*h = append(*h, e)
}

func (h *delayedHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.heapIdx = -1
	*h = old[:n-1]
	return e
}
