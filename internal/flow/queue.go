package flow

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/danmuck/edgeflow/internal/observability"
)

var queueSeq atomic.Uint64

// Queue is a named FIFO connection between processors. Every operation holds
// the queue mutex; commits that touch several queues lock them together.
type Queue struct {
	name     string
	order    uint64
	maxDepth int

	mu    sync.Mutex
	items []*Record
}

// NewQueue creates a queue. maxDepth <= 0 means unbounded.
func NewQueue(name string, maxDepth int) *Queue {
	return &Queue{
		name:     name,
		order:    queueSeq.Add(1),
		maxDepth: maxDepth,
	}
}

func (q *Queue) Name() string { return q.name }

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Full reports back-pressure. Offers still succeed past max depth; upstream
// schedulers consult Full before triggering.
func (q *Queue) Full() bool {
	if q.maxDepth <= 0 {
		return false
	}
	return q.Len() >= q.maxDepth
}

func (q *Queue) Offer(rec *Record) {
	q.mu.Lock()
	q.items = append(q.items, rec)
	depth := len(q.items)
	q.mu.Unlock()
	observability.SetQueueDepth(q.name, depth)
}

// Poll removes and returns the head record.
func (q *Queue) Poll() (*Record, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return nil, false
	}
	rec := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	depth := len(q.items)
	q.mu.Unlock()
	observability.SetQueueDepth(q.name, depth)
	return rec, true
}

// Snapshot returns the queued records without removing them.
func (q *Queue) Snapshot() []*Record {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]*Record(nil), q.items...)
}

// pushFront returns recs to the head of the queue in the given order.
func (q *Queue) pushFront(recs ...*Record) {
	if len(recs) == 0 {
		return
	}
	q.mu.Lock()
	items := make([]*Record, 0, len(recs)+len(q.items))
	items = append(items, recs...)
	q.items = append(items, q.items...)
	depth := len(q.items)
	q.mu.Unlock()
	observability.SetQueueDepth(q.name, depth)
}

func (q *Queue) offerLocked(rec *Record) {
	q.items = append(q.items, rec)
}

// lockAll locks each distinct queue in creation order and returns the unlock.
func lockAll(queues []*Queue) func() {
	uniq := make([]*Queue, 0, len(queues))
	seen := make(map[*Queue]struct{}, len(queues))
	for _, q := range queues {
		if _, ok := seen[q]; ok {
			continue
		}
		seen[q] = struct{}{}
		uniq = append(uniq, q)
	}
	sort.Slice(uniq, func(i, j int) bool { return uniq[i].order < uniq[j].order })
	for _, q := range uniq {
		q.mu.Lock()
	}
	return func() {
		for i := len(uniq) - 1; i >= 0; i-- {
			depth := len(uniq[i].items)
			uniq[i].mu.Unlock()
			observability.SetQueueDepth(uniq[i].name, depth)
		}
	}
}

// InputSet polls a processor's incoming queues round-robin.
type InputSet struct {
	queues []*Queue
	next   atomic.Uint64
}

func NewInputSet(queues ...*Queue) *InputSet {
	return &InputSet{queues: queues}
}

func (in *InputSet) Queues() []*Queue {
	if in == nil {
		return nil
	}
	return append([]*Queue(nil), in.queues...)
}

// Len is the total number of waiting records.
func (in *InputSet) Len() int {
	if in == nil {
		return 0
	}
	n := 0
	for _, q := range in.queues {
		n += q.Len()
	}
	return n
}

func (in *InputSet) poll() (*Record, *Queue, bool) {
	if in == nil || len(in.queues) == 0 {
		return nil, nil, false
	}
	start := in.next.Add(1) - 1
	n := uint64(len(in.queues))
	for i := uint64(0); i < n; i++ {
		q := in.queues[(start+i)%n]
		if rec, ok := q.Poll(); ok {
			return rec, q, true
		}
	}
	return nil, nil, false
}
