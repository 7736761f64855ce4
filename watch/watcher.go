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

package watch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
)

// Fetch blocks until a value newer than lastKnown exists and returns
// it, or fails with a classified error. Timeouts are retried by the
// watcher; everything else stops it.
type Fetch func(ctx context.Context, lastKnown api.Revision) (api.Revision, interface{}, error)

// Mapper derives the published value from the raw watched one. It runs
// at most once per observed revision, no matter how many listeners are
// attached; a mapping failure on the first value is reported through
// AwaitInitial.
type Mapper func(interface{}) (interface{}, error)

// Listener observes mapped values in strictly increasing revision
// order.
type Listener func(rev api.Revision, value interface{})

// Watcher pulls values through a Fetch, maps each at most once, and
// fans the result out to listeners in FIFO order.
type Watcher struct {
	fetch  Fetch
	mapper Mapper
	log    *logrus.Entry

	mu        sync.Mutex
	latestRev api.Revision
	latestVal interface{}
	hasLatest bool
	listeners []Listener

	initialOnce sync.Once
	initialDone chan struct{}
	initialErr  error

	cancel context.CancelFunc
	done   chan struct{}
}

// NewWatcher builds a stopped watcher. A nil mapper publishes the raw
// value.
func NewWatcher(fetch Fetch, mapper Mapper) *Watcher {
	if mapper == nil {
		mapper = func(v interface{}) (interface{}, error) { return v, nil }
	}
	return &Watcher{
		fetch:       fetch,
		mapper:      mapper,
		log:         logrus.WithField("component", "watcher"),
		initialDone: make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// Start begins fetching until Stop or a fatal error.
func (w *Watcher) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	go w.run(ctx)
}

// Stop terminates the fetch loop and waits for it to exit.
func (w *Watcher) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	<-w.done
}

// AwaitInitial blocks until the first value is observed. It returns
// the mapping error if mapping the first value failed.
func (w *Watcher) AwaitInitial(ctx context.Context) error {
	select {
	case <-w.initialDone:
		return w.initialErr
	case <-ctx.Done():
		return api.WrapError(api.KindCancelled, ctx.Err(), "awaiting initial value")
	}
}

// Latest returns the most recent mapped value, if any was observed yet.
func (w *Watcher) Latest() (api.Revision, interface{}, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.latestRev, w.latestVal, w.hasLatest
}

// AddListener registers a listener. If a value was already observed the
// listener immediately receives it.
func (w *Watcher) AddListener(l Listener) {
	w.mu.Lock()
	w.listeners = append(w.listeners, l)
	rev, val, ok := w.latestRev, w.latestVal, w.hasLatest
	w.mu.Unlock()
	if ok {
		l(rev, val)
	}
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.done)
	lastKnown := api.Revision(0)
	for {
		rev, raw, err := w.fetch(ctx, lastKnown)
		if err != nil {
			if api.IsTimeout(err) {
				continue
			}
			if !api.IsCancelled(err) && !api.IsShutdown(err) {
				w.log.WithError(err).Error("watch fetch failed")
			}
			w.initialOnce.Do(func() {
				w.initialErr = err
				close(w.initialDone)
			})
			return
		}
		mapped, err := w.mapper(raw)
		if err != nil {
			// The mapper is user code; a failure poisons only this value.
			w.log.WithError(err).WithField("revision", rev).Warning("watch mapper failed")
			w.initialOnce.Do(func() {
				w.initialErr = err
				close(w.initialDone)
			})
			lastKnown = rev
			continue
		}
		w.mu.Lock()
		w.latestRev = rev
		w.latestVal = mapped
		w.hasLatest = true
		listeners := append([]Listener(nil), w.listeners...)
		w.mu.Unlock()
		w.initialOnce.Do(func() { close(w.initialDone) })
		for _, l := range listeners {
			l(rev, mapped)
		}
		lastKnown = rev
	}
}
