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

package metarepo

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/credential"
	"github.com/mirador-project/mirador/mirror"
	"github.com/mirador-project/mirador/project"
	"github.com/mirador-project/mirador/watch"
)

// pollTimeout bounds one long-poll leg; the watcher re-arms on
// timeout.
const pollTimeout = time.Minute

// Indexer keeps a live Index per project, rebuilt whenever the
// project's meta-repository advances. It is the scheduler's mirror
// Provider and the engine's credential source.
type Indexer struct {
	manager  *project.Manager
	registry *watch.Registry
	log      *logrus.Entry

	mu       sync.Mutex
	views    map[string]*Index
	watchers map[string]*watch.Watcher
}

// NewIndexer builds an indexer over manager, woken through registry.
func NewIndexer(manager *project.Manager, registry *watch.Registry) *Indexer {
	return &Indexer{
		manager:  manager,
		registry: registry,
		log:      logrus.WithField("component", "metarepo-indexer"),
		views:    map[string]*Index{},
		watchers: map[string]*watch.Watcher{},
	}
}

// Start begins watching every active project. Call AddProject for
// projects created afterwards.
func (ix *Indexer) Start(ctx context.Context) error {
	for _, name := range ix.manager.ListProjects(true) {
		if err := ix.AddProject(ctx, name); err != nil {
			return err
		}
	}
	return nil
}

// AddProject enrolls one project: an initial index, then a watcher
// that rebuilds on every meta-repository commit.
func (ix *Indexer) AddProject(ctx context.Context, name string) error {
	ix.mu.Lock()
	if _, ok := ix.watchers[name]; ok {
		ix.mu.Unlock()
		return nil
	}
	ix.mu.Unlock()

	meta, err := ix.manager.Meta(name)
	if err != nil {
		return err
	}

	key := watch.Key{Project: name, Repo: project.MetaRepo}
	fetch := func(ctx context.Context, lastKnown api.Revision) (api.Revision, interface{}, error) {
		if lastKnown == 0 {
			// Initial load: index whatever is there now.
			return meta.Head(), meta.Head(), nil
		}
		pending := ix.registry.Register(key, lastKnown, api.PatternAll)
		// Check after registering so a commit racing the registration
		// is never missed.
		if rev, ok, err := meta.LatestMatch(lastKnown, api.PatternAll); err != nil {
			pending.Cancel()
			return 0, nil, err
		} else if ok {
			pending.Cancel()
			return rev, rev, nil
		}
		rev, err := pending.Wait(ctx, pollTimeout)
		if err != nil {
			return 0, nil, err
		}
		return rev, rev, nil
	}
	mapper := func(raw interface{}) (interface{}, error) {
		return BuildIndex(name, meta, raw.(api.Revision))
	}

	w := watch.NewWatcher(fetch, mapper)
	w.AddListener(func(rev api.Revision, value interface{}) {
		ix.mu.Lock()
		ix.views[name] = value.(*Index)
		ix.mu.Unlock()
		ix.log.WithFields(logrus.Fields{"project": name, "revision": rev}).
			Debug("meta-repository index rebuilt")
	})
	w.Start()
	if err := w.AwaitInitial(ctx); err != nil {
		w.Stop()
		return err
	}

	ix.mu.Lock()
	ix.watchers[name] = w
	ix.mu.Unlock()
	return nil
}

// RemoveProject stops watching a removed project and drops its view.
func (ix *Indexer) RemoveProject(name string) {
	ix.mu.Lock()
	w := ix.watchers[name]
	delete(ix.watchers, name)
	delete(ix.views, name)
	ix.mu.Unlock()
	if w != nil {
		w.Stop()
	}
}

// Stop halts every watcher.
func (ix *Indexer) Stop() {
	ix.mu.Lock()
	watchers := make([]*watch.Watcher, 0, len(ix.watchers))
	for name, w := range ix.watchers {
		watchers = append(watchers, w)
		delete(ix.watchers, name)
	}
	ix.mu.Unlock()
	for _, w := range watchers {
		w.Stop()
	}
}

// View returns the current index for one project, if enrolled.
func (ix *Indexer) View(name string) (*Index, bool) {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	idx, ok := ix.views[name]
	return idx, ok
}

// Mirrors returns every project's mirrors; the scheduler's Provider.
func (ix *Indexer) Mirrors() []*mirror.Mirror {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	var out []*mirror.Mirror
	for _, idx := range ix.views {
		out = append(out, idx.Mirrors...)
	}
	return out
}

// Destination resolves a mirror's local repository.
func (ix *Indexer) Destination(proj, repo string) (mirror.Destination, error) {
	return ix.manager.Repo(proj, repo)
}

// Credentials returns one project's credential store; an empty store
// when the project is unknown.
func (ix *Indexer) Credentials(name string) *credential.Store {
	if idx, ok := ix.View(name); ok {
		return idx.Credentials
	}
	return credential.NewStore()
}
