package disparo

import (
	"context"
	"fmt"
	"log"
	"runtime/debug"
	"sync/atomic"
	"time"
)

// DefaultCooldown is the pause before a failed loop is restarted.
const DefaultCooldown = 60 * time.Second

// Runner is a loop expected to run until its context ends.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

// Run calls f.
func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Supervisor restarts a Runner after any return or panic, after a fixed
// cool-down, until its context ends. It never touches dispatch state.
type Supervisor struct {
	name     string
	runner   Runner
	cooldown time.Duration
	clock    Clock
	restarts atomic.Int64
	lastErr  atomic.Value
}

// NewSupervisor wraps runner. A zero cooldown uses DefaultCooldown.
func NewSupervisor(name string, runner Runner, cooldown time.Duration, clock Clock) *Supervisor {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &Supervisor{name: name, runner: runner, cooldown: cooldown, clock: clock}
}

// RunForever blocks until ctx ends.
func (s *Supervisor) RunForever(ctx context.Context) {
	log.Printf("[Supervisor:%s] Starting", s.name)
	for {
		err := s.runOnce(ctx)
		if ctx.Err() != nil {
			log.Printf("[Supervisor:%s] Stopped", s.name)
			return
		}
		if err == nil {
			err = fmt.Errorf("loop returned without error")
		}
		s.restarts.Add(1)
		s.lastErr.Store(err.Error())
		log.Printf("[Supervisor:%s] Loop failed: %v (restart #%d in %s)", s.name, err, s.restarts.Load(), s.cooldown)

		if err := s.clock.Sleep(ctx, s.cooldown); err != nil {
			log.Printf("[Supervisor:%s] Stopped", s.name)
			return
		}
	}
}

func (s *Supervisor) runOnce(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return s.runner.Run(ctx)
}

// Restarts is how many times the loop has been restarted.
func (s *Supervisor) Restarts() int64 { return s.restarts.Load() }

// LastError is the most recent failure message, if any.
func (s *Supervisor) LastError() string {
	v, _ := s.lastErr.Load().(string)
	return v
}
