/*
Copyright 2024 The Mirador Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package mirror

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
)

// Provider supplies the live mirror set and resolves their local
// repositories. The meta-repo indexer implements it.
type Provider interface {
	Mirrors() []*Mirror
	Destination(project, repo string) (Destination, error)
}

// Listener observes task lifecycle events.
type Listener interface {
	OnStart(m *Mirror)
	OnComplete(m *Mirror, r *Result)
	OnError(m *Mirror, err error)
}

// NopListener discards all events.
type NopListener struct{}

func (NopListener) OnStart(*Mirror)             {}
func (NopListener) OnComplete(*Mirror, *Result) {}
func (NopListener) OnError(*Mirror, error)      {}

// SchedulerOptions configures a Scheduler.
type SchedulerOptions struct {
	// NumWorkers bounds concurrent tasks; the queue itself is
	// unbounded, tasks are never rejected.
	NumWorkers int
	// Tick is the schedule evaluation period, default one second.
	Tick time.Duration
	// Zone names this replica's zone; mirrors pinned to another zone
	// are skipped here.
	Zone string
	// Active gates scheduling; in a cluster only the leader schedules
	// unpinned mirrors. Nil means always active.
	Active func() bool
	// Listener receives lifecycle events. Nil discards them.
	Listener Listener
}

// Scheduler fires mirrors per their cron schedules. One tick loop
// evaluates schedules; a worker pool executes tasks; a mirror that is
// still running simply skips its next windows.
type Scheduler struct {
	provider Provider
	run      func(ctx context.Context, m *Mirror, dst Destination) (*Result, error)
	listener Listener
	active   func() bool
	zone     string
	tick     time.Duration
	now      func() time.Time
	log      *logrus.Entry

	mu      sync.Mutex
	lastRun map[string]time.Time
	running map[string]bool
	queue   []*Mirror
	cond    *sync.Cond

	stopOnce sync.Once
	stopped  bool
	stop     chan struct{}
	wg       sync.WaitGroup

	numWorkers int
}

// NewScheduler wires a scheduler to its provider and engine.
func NewScheduler(provider Provider, engine *Engine, opts SchedulerOptions) *Scheduler {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 4
	}
	if opts.Tick <= 0 {
		opts.Tick = time.Second
	}
	if opts.Listener == nil {
		opts.Listener = NopListener{}
	}
	if opts.Active == nil {
		opts.Active = func() bool { return true }
	}
	s := &Scheduler{
		provider:   provider,
		run:        engine.Run,
		listener:   opts.Listener,
		active:     opts.Active,
		zone:       opts.Zone,
		tick:       opts.Tick,
		now:        time.Now,
		log:        logrus.WithField("component", "mirror-scheduler"),
		lastRun:    map[string]time.Time{},
		running:    map[string]bool{},
		stop:       make(chan struct{}),
		numWorkers: opts.NumWorkers,
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// Start launches the tick loop and the worker pool.
func (s *Scheduler) Start() {
	s.startWorkers()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(s.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.tickOnce(s.now())
			case <-s.stop:
				return
			}
		}
	}()
}

func (s *Scheduler) startWorkers() {
	for i := 0; i < s.numWorkers; i++ {
		s.wg.Add(1)
		go s.worker()
	}
}

// Stop drains nothing: queued tasks are abandoned, running tasks
// finish.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.mu.Lock()
		s.stopped = true
		s.mu.Unlock()
		s.cond.Broadcast()
	})
	s.wg.Wait()
}

func key(m *Mirror) string { return m.Project + "/" + m.ID }

// tickOnce enqueues every mirror whose schedule fired since its last
// run. Multiple missed windows coalesce into one task; a mirror still
// executing skips the window entirely.
func (s *Scheduler) tickOnce(now time.Time) {
	if !s.active() {
		return
	}
	mirrors := s.provider.Mirrors()
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range mirrors {
		if !m.Enabled || (m.Zone != "" && m.Zone != s.zone) {
			continue
		}
		k := key(m)
		last, ok := s.lastRun[k]
		if !ok {
			// First sighting: fire at the next boundary, not at once.
			s.lastRun[k] = now
			continue
		}
		if next := m.Next(last); next.After(now) {
			continue
		}
		s.lastRun[k] = now
		if s.running[k] {
			continue
		}
		s.running[k] = true
		s.queue = append(s.queue, m)
		s.cond.Signal()
	}
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		for len(s.queue) == 0 && !s.stopped {
			s.cond.Wait()
		}
		if s.stopped {
			s.mu.Unlock()
			return
		}
		m := s.queue[0]
		s.queue = s.queue[1:]
		s.mu.Unlock()

		s.execute(m)

		s.mu.Lock()
		delete(s.running, key(m))
		s.mu.Unlock()
	}
}

func (s *Scheduler) execute(m *Mirror) {
	s.listener.OnStart(m)
	dst, err := s.provider.Destination(m.Project, m.LocalRepo)
	if err != nil {
		s.fail(m, err)
		return
	}
	result, err := s.run(context.Background(), m, dst)
	if err != nil {
		s.fail(m, err)
		return
	}
	s.listener.OnComplete(m, result)
}

func (s *Scheduler) fail(m *Mirror, err error) {
	if api.KindOf(err) == "" {
		err = api.WrapError(api.KindMirrorFailure, err, "mirror %s", m.ID)
	}
	s.log.WithError(err).WithField("mirror", key(m)).Warning("mirror task failed")
	s.listener.OnError(m, err)
}
