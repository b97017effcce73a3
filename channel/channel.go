// Package channel hands formatted connection records from the interceptor
// to the single consumer. Two delivery policies exist: a latest-wins single
// slot and a bounded FIFO that discards the oldest record when full.
package channel

import (
	"fmt"
	"sync"
)

// Policy selects how published records are retained until read
type Policy string

const (
	// PolicyQueue keeps up to a fixed number of unread records.
	PolicyQueue Policy = "queue"
	// PolicyLatest keeps only the most recent record.
	PolicyLatest Policy = "latest"
)

// DefaultQueueSize is the number of records a Queue holds by default
const DefaultQueueSize = 64

// Channel is the hand-off point between producers and the consumer.
// Every method is safe for concurrent use.
type Channel interface {
	// Publish stores a copy of record. It never blocks.
	Publish(record []byte)
	// ReadNext copies unread bytes of the current record into p and
	// returns how many were copied. 0 means nothing is pending.
	ReadNext(p []byte) int
	// Pending reports whether ReadNext would return data
	Pending() bool
	Stats() Stats
}

// Stats counts records moving through a channel
type Stats struct {
	Published uint64 `json:"published"`
	Dropped   uint64 `json:"dropped"`
	Delivered uint64 `json:"delivered"`
}

// New builds a channel for policy. size is ignored for PolicyLatest.
func New(policy Policy, size int) (Channel, error) {
	switch policy {
	case PolicyLatest:
		return NewSlot(), nil
	case PolicyQueue, "":
		if size <= 0 {
			return nil, fmt.Errorf("queue size must be positive, got %d", size)
		}
		return NewQueue(size), nil
	default:
		return nil, fmt.Errorf("unknown delivery policy %q", policy)
	}
}

// record is one formatted event plus the read cursor into it
type record struct {
	data   []byte
	cursor int
}

func (r *record) exhausted() bool {
	return r.cursor >= len(r.data)
}

func (r *record) read(p []byte) int {
	n := copy(p, r.data[r.cursor:])
	r.cursor += n
	return n
}

// Slot holds a single record. A new Publish replaces it whether or not it
// was read, and the cursor restarts at the new content.
type Slot struct {
	mu    sync.Mutex
	cur   record
	stats Stats
}

// NewSlot creates an empty single-slot channel
func NewSlot() *Slot {
	return &Slot{}
}

func (s *Slot) Publish(data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.cur.exhausted() {
		s.stats.Dropped++
	}
	s.cur = record{data: append([]byte(nil), data...)}
	s.stats.Published++
}

func (s *Slot) ReadNext(p []byte) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cur.exhausted() {
		return 0
	}
	n := s.cur.read(p)
	if n > 0 && s.cur.exhausted() {
		s.stats.Delivered++
	}
	return n
}

func (s *Slot) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.cur.exhausted()
}

func (s *Slot) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

// Queue is a bounded FIFO of records. When full, publishing discards the
// oldest record not yet started. A record the consumer has begun reading is
// held aside until it is finished, so a single ReadNext never crosses a
// record boundary and a delivered line is never spliced with another.
type Queue struct {
	mu      sync.Mutex
	cur     record   // partially read record, outside the ring
	records []record // ring buffer of untouched records
	head    int
	count   int
	stats   Stats
}

// NewQueue creates a queue holding at most size untouched records
func NewQueue(size int) *Queue {
	if size <= 0 {
		size = DefaultQueueSize
	}
	return &Queue{records: make([]record, size)}
}

func (q *Queue) Publish(data []byte) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.count == len(q.records) {
		q.pop()
		q.stats.Dropped++
	}
	tail := (q.head + q.count) % len(q.records)
	q.records[tail] = record{data: append([]byte(nil), data...)}
	q.count++
	q.stats.Published++
}

func (q *Queue) ReadNext(p []byte) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.cur.exhausted() {
		if q.count == 0 {
			return 0
		}
		q.cur = q.records[q.head]
		q.pop()
	}
	n := q.cur.read(p)
	if n > 0 && q.cur.exhausted() {
		q.stats.Delivered++
		q.cur = record{}
	}
	return n
}

// pop discards the head of the ring. Caller holds mu.
func (q *Queue) pop() {
	q.records[q.head] = record{}
	q.head = (q.head + 1) % len(q.records)
	q.count--
}

func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.count > 0 || !q.cur.exhausted()
}

// Len returns the number of records not yet fully read, including one
// that is partially read
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cur.exhausted() {
		return q.count
	}
	return q.count + 1
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.stats
}
