// Copyright 2025 Signal Messenger, LLC
// SPDX-License-Identifier: AGPL-3.0-only

// Package periodic runs module entrypoints on a fixed schedule, routing the
// events they emit like those of any other entrypoint call.
package periodic

import (
	"context"
	"fmt"
	"sync"
	"time"

	metrics "github.com/hashicorp/go-metrics"

	"github.com/authentic-execution/eventmanager/invoke"
	"github.com/authentic-execution/eventmanager/logger"
	"github.com/authentic-execution/eventmanager/registry"
	"github.com/authentic-execution/eventmanager/routing"
	"github.com/authentic-execution/eventmanager/util"
	"github.com/authentic-execution/eventmanager/wire"
)

var (
	tickCounter      = []string{"periodic", "tick"}
	scheduledEntries = []string{"periodic", "entries"}
)

type key struct {
	moduleID uint16
	entry    uint16
}

type schedule struct {
	period time.Duration
	cancel context.CancelFunc
	done   chan struct{}
}

// Scheduler runs registered entrypoints until they are cancelled or the
// scheduler is stopped
type Scheduler struct {
	minPeriod time.Duration
	modules   *registry.Modules
	invoker   *invoke.Invoker
	router    *routing.Router

	mu        sync.Mutex
	stopped   bool
	schedules map[key]*schedule
}

// New returns a Scheduler. Requested periods shorter than minPeriod are
// raised to minPeriod.
func New(minPeriod time.Duration, modules *registry.Modules, invoker *invoke.Invoker, router *routing.Router) *Scheduler {
	return &Scheduler{
		minPeriod: minPeriod,
		modules:   modules,
		invoker:   invoker,
		router:    router,
		schedules: map[key]*schedule{},
	}
}

// Register calls entry of moduleID every period, replacing any earlier
// registration of the same entrypoint
func (s *Scheduler) Register(moduleID, entry uint16, period time.Duration) error {
	if period <= 0 {
		return fmt.Errorf("%w: period must be positive", wire.IllegalPayload)
	}
	period = util.Max(period, s.minPeriod)

	k := key{moduleID, entry}
	ctx, cancel := context.WithCancel(context.Background())
	sched := &schedule{period: period, cancel: cancel, done: make(chan struct{})}

	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: scheduler stopped", wire.InternalError)
	}
	// modules are unbound before CancelModule runs, so checking under mu
	// means an unload either sees this schedule or makes this check fail
	if _, err := s.modules.UUID(moduleID); err != nil {
		s.mu.Unlock()
		cancel()
		return fmt.Errorf("%w: %w", wire.BadRequest, err)
	}
	old := s.schedules[k]
	s.schedules[k] = sched
	metrics.SetGauge(scheduledEntries, float32(len(s.schedules)))
	s.mu.Unlock()

	if old != nil {
		old.stop()
	}
	logger.Infow("scheduled periodic entrypoint", "module", moduleID, "entry", entry, "period", period)
	go s.run(ctx, k, sched)
	return nil
}

func (sc *schedule) stop() {
	sc.cancel()
	<-sc.done
}

func (s *Scheduler) run(ctx context.Context, k key, sched *schedule) {
	defer close(sched.done)
	ticker := time.NewTicker(sched.period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx, k)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context, k key) {
	outputs, err := s.invoker.CallUser(ctx, k.moduleID, k.entry, nil)
	metrics.IncrCounterWithLabels(tickCounter, 1, []metrics.Label{{Name: "result", Value: wire.CodeOf(err).String()}})
	if err != nil {
		if ctx.Err() == nil {
			logger.Warnw("periodic entrypoint failed", "module", k.moduleID, "entry", k.entry, "err", err)
		}
		return
	}
	s.router.RouteOutputs(ctx, outputs)
}

// CancelModule stops every schedule of moduleID, returning how many there were
func (s *Scheduler) CancelModule(moduleID uint16) int {
	var stopping []*schedule
	s.mu.Lock()
	for k, sched := range s.schedules {
		if k.moduleID == moduleID {
			stopping = append(stopping, sched)
			delete(s.schedules, k)
		}
	}
	metrics.SetGauge(scheduledEntries, float32(len(s.schedules)))
	s.mu.Unlock()
	for _, sched := range stopping {
		sched.stop()
	}
	return len(stopping)
}

// Len returns the number of active schedules
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.schedules)
}

// Run blocks until ctx is done, then stops every schedule
func (s *Scheduler) Run(ctx context.Context) error {
	<-ctx.Done()
	s.mu.Lock()
	s.stopped = true
	schedules := s.schedules
	s.schedules = map[key]*schedule{}
	s.mu.Unlock()
	for _, sched := range schedules {
		sched.stop()
	}
	return ctx.Err()
}
