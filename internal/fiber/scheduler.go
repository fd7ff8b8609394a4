// Package fiber realizes the cooperative-task-plus-mailbox contract of
// spec.md §4.3 on top of Go's native goroutines and channels. Per the
// Design Notes ("callback-driven I/O with explicit would-block errors →
// model as tasks that suspend and resume on readiness"), a "fiber" here is
// simply a goroutine the Scheduler knows about; suspension at I/O, mailbox,
// or yield points is the natural behavior of a blocking channel or network
// read, so the runtime's job is narrowed to exactly what a true
// single-threaded cooperative scheduler would need help with: broadcasting
// quiesce/terminate to every registered fiber and reclaiming a fiber's
// resources once it stops (the "management discipline" of §4.3/§5).
package fiber

import (
	"context"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Signal is delivered to a fiber's control channel by the management
// discipline.
type Signal int

const (
	SignalQuiesce Signal = iota
	SignalTerminate
)

// Handle is what Spawn returns: a per-fiber control channel plus the
// fiber's name, for diagnostics.
type Handle struct {
	Name    string
	Control <-chan Signal
}

// Scheduler is the single-threaded-per-process fiber runtime: fibers are
// goroutines sharing process memory, registered here so the reaper
// (internal/signalthread) can broadcast quiesce/terminate and so a
// supervisory fiber can wait for every fiber to finish before the process
// exits (§4.3's "fiber-stopped" event, realized as errgroup.Wait
// returning).
type Scheduler struct {
	mu       sync.Mutex
	group    *errgroup.Group
	ctx      context.Context
	controls map[string]chan Signal
	draining map[string]bool
}

func New(ctx context.Context) *Scheduler {
	g, gctx := errgroup.WithContext(ctx)
	return &Scheduler{
		group:    g,
		ctx:      gctx,
		controls: make(map[string]chan Signal),
		draining: make(map[string]bool),
	}
}

// Context returns the scheduler's group context, canceled as soon as any
// fiber returns a non-nil error — the Go-native equivalent of one fiber's
// unhandled error propagating to the reaper.
func (s *Scheduler) Context() context.Context { return s.ctx }

// Spawn registers and starts a new fiber. fn receives a Handle whose
// Control channel delivers quiesce/terminate signals; fn is responsible
// for checking it at its own suspension points (I/O, mailbox receive, or
// an explicit select on Control), matching §4.3's "suspendable only at
// explicit I/O, mailbox, or yield points" contract.
func (s *Scheduler) Spawn(name string, fn func(Handle) error) {
	ctrl := make(chan Signal, 2)
	s.mu.Lock()
	s.controls[name] = ctrl
	s.mu.Unlock()

	s.group.Go(func() error {
		defer func() {
			s.mu.Lock()
			delete(s.controls, name)
			delete(s.draining, name)
			s.mu.Unlock()
		}()
		return fn(Handle{Name: name, Control: ctrl})
	})
}

// Quiesce broadcasts the first shutdown phase to every currently-
// registered fiber (§4.2/§5): stop accepting new work, finish in-flight
// work. Fibers not yet stopped are marked draining.
func (s *Scheduler) Quiesce() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for name, ctrl := range s.controls {
		s.draining[name] = true
		select {
		case ctrl <- SignalQuiesce:
		default:
		}
	}
}

// Terminate broadcasts the second shutdown phase: abandon in-flight work,
// release all resources.
func (s *Scheduler) Terminate() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ctrl := range s.controls {
		select {
		case ctrl <- SignalTerminate:
		default:
		}
	}
}

// Draining reports whether the named fiber has been asked to quiesce.
// Fibers accept quiesce, per §4.2, by "marking themselves draining" —
// completing in-flight requests but accepting no new work; callers poll
// this from their request-accept loop to implement that.
func (s *Scheduler) Draining(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.draining[name]
}

// Wait blocks until every spawned fiber has returned, returning the first
// non-nil error (the errgroup.Group's own contract) — the scheduler's
// realization of the management fiber reclaiming stopped fibers'
// resources once they have all exited.
func (s *Scheduler) Wait() error {
	return s.group.Wait()
}
