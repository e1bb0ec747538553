// Package task provides the daemon-wide bounded background queue with a
// concurrency-limited worker pool. Enqueue never blocks: overflow drops the
// task, which is acceptable because queued work is exclusively optimistic
// prepare and ingest work.
package task

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

// Defaults for the daemon queue.
const (
	DefaultCapacity = 1000
	DefaultWorkers  = 4
)

// Task is one unit of background work. Name is used for logging; Project
// carries the owning project hash so eviction can cancel stale work; Run
// receives a context cancelled at shutdown.
type Task struct {
	Name    string
	Project string
	Run     func(ctx context.Context)
}

// Queue is the bounded task queue.
type Queue struct {
	ch      chan Task
	dropped atomic.Uint64
	panics  atomic.Uint64

	mu        sync.Mutex
	cancelled map[string]bool // project hashes whose tasks are void

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates and starts a queue with the given capacity and worker count.
func New(capacity, workers int) *Queue {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		ch:        make(chan Task, capacity),
		cancelled: make(map[string]bool),
		ctx:       ctx,
		cancel:    cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// TrySend enqueues a task without blocking. Returns false and counts the
// drop when the queue is full.
func (q *Queue) TrySend(t Task) bool {
	select {
	case q.ch <- t:
		return true
	default:
		q.dropped.Add(1)
		log.Debug().Str("task", t.Name).Msg("queue full, task dropped")
		return false
	}
}

// CancelProject voids queued and future tasks for a project. Called on
// eviction.
func (q *Queue) CancelProject(hash string) {
	q.mu.Lock()
	q.cancelled[hash] = true
	q.mu.Unlock()
}

// ReviveProject clears the cancelled flag, used when a project is re-loaded
// after an eviction.
func (q *Queue) ReviveProject(hash string) {
	q.mu.Lock()
	delete(q.cancelled, hash)
	q.mu.Unlock()
}

// Dropped returns the overflow-drop counter.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Panics returns the recovered-panic counter.
func (q *Queue) Panics() uint64 {
	return q.panics.Load()
}

// Shutdown stops intake and waits for in-flight work up to the grace
// period, then cancels the worker context.
func (q *Queue) Shutdown(grace time.Duration) {
	close(q.ch)

	done := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(grace):
		log.Warn().Msg("background queue drain timed out, aborting workers")
		q.cancel()
		<-done
	}
	q.cancel()
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for t := range q.ch {
		if q.isCancelled(t.Project) {
			continue
		}
		q.runOne(t)
	}
}

// runOne executes a task, recovering panics so a bad task never kills the
// worker pool.
func (q *Queue) runOne(t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.panics.Add(1)
			log.Error().Str("task", t.Name).Interface("panic", r).Msg("background task panicked")
		}
	}()
	t.Run(q.ctx)
}

func (q *Queue) isCancelled(project string) bool {
	if project == "" {
		return false
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.cancelled[project]
}
