// Package signalthread implements spec.md §4.2: a dedicated goroutine
// translates OS signals into a two-stage quiesce→terminate broadcast,
// consumed by a reaper that drives internal/fiber.Scheduler. In the source
// this was a dedicated OS thread unmasking signals and calling sigwait;
// Go's runtime already funnels signal delivery onto a single internal
// goroutine via signal.Notify, so "the signal thread" here is simply that
// goroutine, and "the paired socket" the reaper reads from is a buffered
// Go channel, since this handoff never crosses a process boundary.
package signalthread

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"agentd/internal/fiber"
)

// DefaultGracePeriod is the pause between the quiesce and terminate tokens
// (spec.md §4.2).
const DefaultGracePeriod = 2 * time.Second

// Token is what the signal thread writes to the reaper.
type Token int

const (
	TokenQuiesce Token = iota
	TokenTerminate
)

// Thread owns the os/signal channel and emits quiesce/terminate tokens on
// Tokens() after any signal arrives.
type Thread struct {
	grace  time.Duration
	tokens chan Token
	sigs   chan os.Signal
}

// New creates a signal thread with the given grace period (0 uses
// DefaultGracePeriod) listening for the signals a production agent
// shuts down on.
func New(grace time.Duration) *Thread {
	if grace <= 0 {
		grace = DefaultGracePeriod
	}
	t := &Thread{
		grace:  grace,
		tokens: make(chan Token, 2),
		sigs:   make(chan os.Signal, 1),
	}
	signal.Notify(t.sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	return t
}

// Tokens returns the channel the reaper fiber reads from.
func (t *Thread) Tokens() <-chan Token { return t.tokens }

// Run blocks masking-then-sigwait style until a signal arrives, then
// writes quiesce, sleeps the grace period, and writes terminate. It
// returns after the terminate token is sent, mirroring the source
// signal thread's one-shot-per-process lifetime.
func (t *Thread) Run() {
	<-t.sigs
	t.tokens <- TokenQuiesce
	time.Sleep(t.grace)
	t.tokens <- TokenTerminate
}

// Stop releases the OS signal registration; used by tests and by a
// process that is terminating through some path other than a signal.
func (t *Thread) Stop() {
	signal.Stop(t.sigs)
}

// ReaperFiber adapts a Thread's tokens into internal/fiber.Scheduler
// broadcasts — the reaper fiber of spec.md §4.2, running on the main
// fiber-scheduler thread rather than the dedicated signal thread.
func ReaperFiber(sched *fiber.Scheduler, thread *Thread) func(fiber.Handle) error {
	return func(h fiber.Handle) error {
		for {
			select {
			case tok, ok := <-thread.Tokens():
				if !ok {
					return nil
				}
				switch tok {
				case TokenQuiesce:
					sched.Quiesce()
				case TokenTerminate:
					sched.Terminate()
					return nil
				}
			case <-h.Control:
				return nil
			}
		}
	}
}
