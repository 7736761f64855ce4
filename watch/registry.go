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

// Package watch implements the long-poll watch registry: waiters parked
// on "any revision greater than N matching this pattern", woken by
// commit notifications, timeouts, cancellation or shutdown. A waiter
// costs one channel and one timer, never a goroutine.
package watch

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
)

// Key identifies one watched repository.
type Key struct {
	Project string
	Repo    string
}

func (k Key) String() string { return k.Project + "/" + k.Repo }

// Registry parks waiters per repository and wakes the matching ones on
// every commit notification.
type Registry struct {
	log *logrus.Entry

	mu      sync.Mutex
	nextID  int64
	waiters map[Key]map[int64]*Pending
	closed  bool
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		log:     logrus.WithField("component", "watch-registry"),
		waiters: map[Key]map[int64]*Pending{},
	}
}

// Pending is one registered waiter. Register first, then check the
// current head, then Wait: that order makes the wakeup race-free.
type Pending struct {
	registry  *Registry
	key       Key
	id        int64
	lastKnown api.Revision
	pattern   *api.PathPattern
	// ch carries the newest matching revision. Buffered with one slot;
	// Notify replaces a queued older revision instead of blocking, so a
	// burst of commits coalesces to the newest one.
	ch chan api.Revision
}

// Register parks a waiter for key.
func (g *Registry) Register(key Key, lastKnown api.Revision, pattern *api.PathPattern) *Pending {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.nextID++
	p := &Pending{
		registry:  g,
		key:       key,
		id:        g.nextID,
		lastKnown: lastKnown,
		pattern:   pattern,
		ch:        make(chan api.Revision, 1),
	}
	if g.closed {
		close(p.ch)
		return p
	}
	if g.waiters[key] == nil {
		g.waiters[key] = map[int64]*Pending{}
	}
	g.waiters[key][p.id] = p
	return p
}

// Count returns the number of parked waiters, for metrics.
func (g *Registry) Count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := 0
	for _, m := range g.waiters {
		n += len(m)
	}
	return n
}

// Cancel removes the waiter. Safe to call after a wakeup.
func (p *Pending) Cancel() {
	g := p.registry
	g.mu.Lock()
	defer g.mu.Unlock()
	if m, ok := g.waiters[p.key]; ok {
		delete(m, p.id)
		if len(m) == 0 {
			delete(g.waiters, p.key)
		}
	}
}

// Wait suspends until a matching revision arrives, the timeout fires,
// the caller's context is cancelled, or the registry shuts down.
func (p *Pending) Wait(ctx context.Context, timeout time.Duration) (api.Revision, error) {
	defer p.Cancel()
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case rev, ok := <-p.ch:
		if !ok {
			return 0, api.NewError(api.KindShutdown, "server is shutting down")
		}
		return rev, nil
	case <-timer.C:
		return 0, api.NewError(api.KindTimeout, "no change in %s within %s", p.key, timeout)
	case <-ctx.Done():
		return 0, api.WrapError(api.KindCancelled, ctx.Err(), "watch on %s cancelled", p.key)
	}
}

// Notify wakes every waiter of key whose pattern intersects paths with
// a revision newer than its lastKnown. Never blocks.
func (g *Registry) Notify(key Key, rev api.Revision, paths []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, p := range g.waiters[key] {
		if rev <= p.lastKnown || !p.pattern.MatchAny(paths) {
			continue
		}
		select {
		case p.ch <- rev:
		default:
			// A notification is already queued; keep only the newest.
			select {
			case old := <-p.ch:
				if old > rev {
					rev = old
				}
			default:
			}
			p.ch <- rev
		}
	}
}

// Close wakes every waiter with a Shutdown error and rejects future
// registrations.
func (g *Registry) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.closed = true
	for _, m := range g.waiters {
		for _, p := range m {
			close(p.ch)
		}
	}
	g.waiters = map[Key]map[int64]*Pending{}
	g.log.Info("watch registry closed")
}
