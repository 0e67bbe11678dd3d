package worker

import (
	"sync"

	"github.com/ocr-runtime/ocr/internal/cmn"
	"github.com/ocr-runtime/ocr/internal/edt"
)

// Scheduler owns one PD's worker pool: each Worker has its own workpile
// (push/pop at the tail), and any worker may steal from any other's head.
// Victim selection is uniform-random among peers.
type Scheduler struct {
	workers []*Worker
	hooks   Hooks
	wg      sync.WaitGroup
}

// NewScheduler builds n workers sharing hooks, not yet started.
func NewScheduler(n int, hooks Hooks) *Scheduler {
	s := &Scheduler{hooks: hooks}
	s.workers = make([]*Worker, n)
	for i := 0; i < n; i++ {
		s.workers[i] = newWorker(i, s)
	}
	return s
}

// Start launches every worker's loop as its own goroutine, one goroutine
// standing in for one compute thread. The goroutines are not pinned to OS
// threads: nothing here or in cmd/ocrd calls runtime.LockOSThread.
func (s *Scheduler) Start() {
	s.wg.Add(len(s.workers))
	for _, w := range s.workers {
		go w.Run(&s.wg)
	}
	s.wg.Wait() // wait for each worker to report its loop has started
}

// Stop signals every worker to drain and exit, and blocks until they have:
// each worker finishes its workpile before the call returns.
func (s *Scheduler) Stop() {
	for _, w := range s.workers {
		w.Stop()
	}
}

// NumWorkers reports the pool size.
func (s *Scheduler) NumWorkers() int { return len(s.workers) }

// Worker returns the i'th worker (i.e. the one a caller currently executing
// on, when called from within a Body, or any worker for test setup).
func (s *Scheduler) Worker(i int) *Worker { return s.workers[i%len(s.workers)] }

func (s *Scheduler) peers(exclude int) []*Worker {
	peers := make([]*Worker, 0, len(s.workers)-1)
	for i, w := range s.workers {
		if i != exclude {
			peers = append(peers, w)
		}
	}
	return peers
}

// Enqueue places a just-runnable EDT: an installed Hooks.Place callback
// decides remote-vs-local (consulting internal/affinity for the
// EDT_AFFINITY hint); absent one, the EDT is pushed onto the tail of worker
// creatorIdx (modulo the pool size), whichever goroutine is calling.
func (s *Scheduler) Enqueue(e *edt.EDT, creatorIdx int) {
	if s.hooks.Place != nil {
		s.hooks.Place(s, e)
		return
	}
	s.workers[creatorIdx%len(s.workers)].Push(e.Guid)
}

// PushLocal is a convenience for Hooks.Place implementations: push directly
// to worker workerIdx's own tail.
func (s *Scheduler) PushLocal(workerIdx int, g cmn.Guid) {
	s.workers[workerIdx%len(s.workers)].Push(g)
}
