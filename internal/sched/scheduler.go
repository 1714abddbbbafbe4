// Package sched provides delayed, keyed, at-least-once alarms. An alarm is a
// (key, deadline, job) entry in a min-heap; scheduling the same key again
// replaces the pending entry. The run loop sleeps until the earliest deadline
// and hands due jobs to a small worker pool. Handlers must be idempotent:
// duplicate firing is possible and harmless by contract.
package sched

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

const (
	// idlePollInterval bounds how long the loop sleeps with an empty heap.
	idlePollInterval = 5 * time.Second
	// inFlightRetryDelay re-arms an alarm whose key is still being handled.
	inFlightRetryDelay = 100 * time.Millisecond
)

// Job is the work an alarm fires. The context is the scheduler's run context.
type Job func(ctx context.Context)

type entry struct {
	key    string
	fireAt time.Time
	job    Job
	seq    uint64
	index  int
}

// alarmHeap orders entries by deadline, then submission order.
type alarmHeap []*entry

func (h alarmHeap) Len() int { return len(h) }

func (h alarmHeap) Less(i, j int) bool {
	if !h[i].fireAt.Equal(h[j].fireAt) {
		return h[i].fireAt.Before(h[j].fireAt)
	}
	return h[i].seq < h[j].seq
}

func (h alarmHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *alarmHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *alarmHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

// Scheduler runs keyed delayed alarms.
type Scheduler struct {
	clock      clockwork.Clock
	instanceID string
	numWorkers int

	mu     sync.Mutex
	heap   alarmHeap
	byKey  map[string]*entry
	seq    uint64
	wakeCh chan struct{}

	workCh chan *entry

	inFlightMu sync.Mutex
	inFlight   map[string]bool
}

// NewScheduler creates a scheduler with the given worker pool size.
// Non-positive numWorkers falls back to a small default pool.
func NewScheduler(clock clockwork.Clock, numWorkers int) *Scheduler {
	if numWorkers <= 0 {
		numWorkers = 4
	}
	return &Scheduler{
		clock:      clock,
		instanceID: uuid.New().String()[:8],
		numWorkers: numWorkers,
		byKey:      make(map[string]*entry),
		wakeCh:     make(chan struct{}, 1),
		workCh:     make(chan *entry, numWorkers*2),
		inFlight:   make(map[string]bool),
	}
}

// Schedule arms an alarm to fire after delay. A pending alarm with the same
// key is replaced, deadline and job both.
func (s *Scheduler) Schedule(key string, delay time.Duration, job Job) {
	s.ScheduleAt(key, s.clock.Now().Add(delay), job)
}

// ScheduleAt arms an alarm for an absolute deadline.
func (s *Scheduler) ScheduleAt(key string, fireAt time.Time, job Job) {
	s.mu.Lock()
	if existing, ok := s.byKey[key]; ok {
		heap.Remove(&s.heap, existing.index)
	}
	s.seq++
	e := &entry{key: key, fireAt: fireAt, job: job, seq: s.seq}
	s.byKey[key] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	log.Debug().
		Str("instance", s.instanceID).
		Str("key", key).
		Time("fire_at", fireAt).
		Msg("alarm scheduled")
	s.wake()
}

// Cancel disarms a pending alarm. It reports whether an entry was pending;
// an alarm already handed to a worker is past cancelling.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.byKey[key]
	if !ok {
		return false
	}
	heap.Remove(&s.heap, e.index)
	delete(s.byKey, key)
	return true
}

// Pending returns the number of armed alarms.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.byKey)
}

func (s *Scheduler) wake() {
	select {
	case s.wakeCh <- struct{}{}:
	default:
	}
}

// Run loops until ctx is cancelled, sleeping until the next deadline and
// dispatching due alarms to the worker pool.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().
		Str("instance", s.instanceID).
		Int("workers", s.numWorkers).
		Msg("scheduler started")

	var wg sync.WaitGroup
	workerCtx, cancelWorkers := context.WithCancel(ctx)
	for i := 0; i < s.numWorkers; i++ {
		wg.Add(1)
		go s.worker(workerCtx, &wg, i)
	}
	defer func() {
		cancelWorkers()
		wg.Wait()
		log.Info().Str("instance", s.instanceID).Msg("scheduler stopped")
	}()

	timer := s.clock.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.Chan()
	}

	for {
		select {
		case <-s.wakeCh:
		default:
		}

		next, ok := s.peek()
		if !ok {
			timer.Reset(idlePollInterval)
			select {
			case <-timer.Chan():
			case <-s.wakeCh:
			case <-ctx.Done():
				return nil
			}
			continue
		}

		if wait := next.Sub(s.clock.Now()); wait > 0 {
			timer.Reset(wait)
			select {
			case <-timer.Chan():
			case <-s.wakeCh:
				// An earlier deadline may have arrived; re-evaluate.
				continue
			case <-ctx.Done():
				return nil
			}
		}

		for _, e := range s.popDue() {
			if !s.markInFlight(e.key) {
				// The previous firing of this key is still running.
				// Re-arm shortly; handlers tolerate the duplicate.
				s.rearm(e, s.clock.Now().Add(inFlightRetryDelay))
				continue
			}
			select {
			case s.workCh <- e:
			case <-ctx.Done():
				s.clearInFlight(e.key)
				return nil
			}
		}
	}
}

// peek returns the earliest deadline without removing it.
func (s *Scheduler) peek() (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.heap) == 0 {
		return time.Time{}, false
	}
	return s.heap[0].fireAt, true
}

// popDue removes and returns every alarm whose deadline has passed.
func (s *Scheduler) popDue() []*entry {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*entry
	for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byKey, e.key)
		due = append(due, e)
	}
	return due
}

func (s *Scheduler) rearm(e *entry, fireAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byKey[e.key]; ok {
		// A newer entry took the key while this one was due; it wins.
		return
	}
	e.fireAt = fireAt
	s.byKey[e.key] = e
	heap.Push(&s.heap, e)
}

func (s *Scheduler) markInFlight(key string) bool {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	if s.inFlight[key] {
		return false
	}
	s.inFlight[key] = true
	return true
}

func (s *Scheduler) clearInFlight(key string) {
	s.inFlightMu.Lock()
	defer s.inFlightMu.Unlock()
	delete(s.inFlight, key)
}

func (s *Scheduler) worker(ctx context.Context, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-s.workCh:
			log.Debug().
				Str("instance", s.instanceID).
				Int("worker_id", workerID).
				Str("key", e.key).
				Msg("alarm firing")
			s.runJob(ctx, e)
		}
	}
}

// runJob executes one alarm. A panicking handler must not take the worker
// down or leave its key marked in flight, which would block every later
// firing of that key.
func (s *Scheduler) runJob(ctx context.Context, e *entry) {
	defer s.clearInFlight(e.key)
	defer func() {
		if r := recover(); r != nil {
			log.Error().
				Str("instance", s.instanceID).
				Str("key", e.key).
				Interface("panic", r).
				Msg("alarm handler panicked")
		}
	}()
	e.job(ctx)
}

// Alarm key constructors. One key per (kind, canvas): rescheduling a canvas's
// round end replaces the previous deadline instead of stacking alarms.

// RoundEndKey names the forced round termination alarm.
func RoundEndKey(canvasID uuid.UUID) string {
	return fmt.Sprintf("round-end:%s", canvasID)
}

// SnapshotKey names the pre-end durability snapshot alarm.
func SnapshotKey(canvasID uuid.UUID) string {
	return fmt.Sprintf("snapshot:%s", canvasID)
}
