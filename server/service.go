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

// Package server composes the whole service: the repository manager,
// the replicated command log, the watch registry, the meta-repo
// indexer, the mirror scheduler and the session store. Every mutation
// goes through the log; reads are served locally.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/command"
	"github.com/mirador-project/mirador/metarepo"
	"github.com/mirador-project/mirador/metrics"
	"github.com/mirador-project/mirador/mirror"
	"github.com/mirador-project/mirador/project"
	"github.com/mirador-project/mirador/replication"
	"github.com/mirador-project/mirador/repository"
	"github.com/mirador-project/mirador/session"
	"github.com/mirador-project/mirador/watch"
)

// Options configures a Service.
type Options struct {
	// DataDir is the local state root: repositories, sessions and the
	// replication progress file all live under it.
	DataDir string
	// ReplicaID names this replica in the cluster.
	ReplicaID string
	// CoordinationRoot is the namespace inside the coordination
	// service. Default "/mirador".
	CoordinationRoot string
	// Zone names this replica's zone for mirror pinning.
	Zone string
	// EncryptionKey, when set, enables encryption at rest.
	EncryptionKey []byte

	// SessionTTL bounds session lifetimes. Default one hour.
	SessionTTL time.Duration
	// SweepSchedule is the expired-session sweep cron spec.
	// Default "@every 10m".
	SweepSchedule string

	// NumMirrorWorkers bounds concurrent mirror tasks. Default 4.
	NumMirrorWorkers int
	// MaxMirrorFiles and MaxMirrorBytes cap what one mirror may pull
	// in. Zero means unlimited.
	MaxMirrorFiles int
	MaxMirrorBytes int64
}

func (o *Options) applyDefaults() error {
	if o.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	if o.ReplicaID == "" {
		return errors.New("replica id must not be empty")
	}
	if o.CoordinationRoot == "" {
		o.CoordinationRoot = "/mirador"
	}
	if o.SessionTTL <= 0 {
		o.SessionTTL = time.Hour
	}
	if o.SweepSchedule == "" {
		o.SweepSchedule = "@every 10m"
	}
	return nil
}

// Service is one replica of the configuration repository service.
type Service struct {
	opts      Options
	manager   *project.Manager
	sessions  *session.Store
	registry  *watch.Registry
	indexer   *metarepo.Indexer
	replog    *replication.Log
	scheduler *mirror.Scheduler
	sweeper   *session.Sweeper
	log       *logrus.Entry

	// writable is replicated cluster state, flipped by
	// UPDATE_SERVER_STATUS in log order.
	writable atomic.Bool

	now func() time.Time
}

// New opens local state, joins the cluster through coord and starts
// the background machinery. The caller owns coord.
func New(coord replication.Coordinator, opts Options) (*Service, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	manager, err := project.NewManager(filepath.Join(opts.DataDir, "projects"), project.Options{
		EncryptionKey: opts.EncryptionKey,
		MetaPolicies:  []repository.PushPolicy{metarepo.PushPolicy},
	})
	if err != nil {
		return nil, err
	}
	sessions, err := session.NewStore(filepath.Join(opts.DataDir, "sessions"))
	if err != nil {
		manager.Close()
		return nil, err
	}
	registry := watch.NewRegistry()
	s := &Service{
		opts:     opts,
		manager:  manager,
		sessions: sessions,
		registry: registry,
		indexer:  metarepo.NewIndexer(manager, registry),
		log:      logrus.WithField("component", "server").WithField("replica", opts.ReplicaID),
		now:      time.Now,
	}
	s.writable.Store(true)

	// Pre-seeded legacy aggregates must split before the log opens:
	// the migration commit is derived purely from the local data, so
	// replicas seeded with the same data converge without an entry in
	// the log, and later log entries replay on top of the migrated
	// state everywhere.
	for _, name := range manager.ListProjects(true) {
		meta, err := manager.Meta(name)
		if err == nil {
			var migrated bool
			if migrated, err = metarepo.MigrateLegacy(meta, api.SystemAuthor); migrated {
				s.log.WithField("project", name).Info("migrated legacy configuration files")
			}
		}
		if err != nil {
			registry.Close()
			manager.Close()
			return nil, err
		}
	}

	// The log replays pending entries through s as soon as it opens, so
	// everything Execute touches must exist by now.
	s.replog, err = replication.Open(coord, s, replication.Options{
		Root:      opts.CoordinationRoot,
		ReplicaID: opts.ReplicaID,
		DataDir:   filepath.Join(opts.DataDir, "replication"),
	})
	if err != nil {
		registry.Close()
		manager.Close()
		return nil, err
	}
	if err := s.indexer.Start(context.Background()); err != nil {
		s.replog.Close()
		registry.Close()
		manager.Close()
		return nil, err
	}

	engine := mirror.NewEngine(s.indexer, opts.MaxMirrorFiles, opts.MaxMirrorBytes)
	s.scheduler = mirror.NewScheduler(&logProvider{s: s}, engine, mirror.SchedulerOptions{
		NumWorkers: opts.NumMirrorWorkers,
		Zone:       opts.Zone,
		Active:     s.replog.IsLeader,
		Listener:   metrics.NewMirrorListener(),
	})
	s.scheduler.Start()

	s.sweeper, err = session.NewSweeper(sessions, opts.SweepSchedule, s.replog.IsLeader, s.removeSessionReplicated)
	if err != nil {
		s.scheduler.Stop()
		s.indexer.Stop()
		s.replog.Close()
		registry.Close()
		manager.Close()
		return nil, err
	}
	s.sweeper.Start()
	s.log.Info("service started")
	return s, nil
}

// Close stops background work, wakes every watcher and releases local
// state. The coordinator handle stays open for the caller.
func (s *Service) Close() error {
	s.scheduler.Stop()
	s.sweeper.Stop()
	s.indexer.Stop()
	s.registry.Close()
	s.replog.Close()
	err := s.manager.Close()
	s.log.Info("service stopped")
	return err
}

// IsLeader reports whether this replica currently leads the cluster.
func (s *Service) IsLeader() bool { return s.replog.IsLeader() }

// Writable reports the replicated writability flag.
func (s *Service) Writable() bool { return s.writable.Load() }

// LastApplied returns the highest applied command log sequence.
func (s *Service) LastApplied() int64 { return s.replog.LastApplied() }

func (s *Service) checkWritable() error {
	if !s.writable.Load() {
		return api.NewError(api.KindReadOnly, "the server is in read-only mode")
	}
	return nil
}

func (s *Service) base(author api.Author) command.Base {
	return command.Base{TS: s.now().UTC(), By: author}
}

func (s *Service) submit(ctx context.Context, c command.Command) (json.RawMessage, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	return s.replog.Submit(ctx, c)
}

// CreateProject creates a project and its meta-repository on every
// replica.
func (s *Service) CreateProject(ctx context.Context, name string, author api.Author) error {
	_, err := s.submit(ctx, &command.CreateProject{Base: s.base(author), Project: name})
	return err
}

// RemoveProject soft-deletes a project.
func (s *Service) RemoveProject(ctx context.Context, name string, author api.Author) error {
	_, err := s.submit(ctx, &command.RemoveProject{Base: s.base(author), Project: name})
	return err
}

// UnremoveProject restores a soft-deleted project.
func (s *Service) UnremoveProject(ctx context.Context, name string, author api.Author) error {
	_, err := s.submit(ctx, &command.UnremoveProject{Base: s.base(author), Project: name})
	return err
}

// PurgeProject destroys a project's data permanently.
func (s *Service) PurgeProject(ctx context.Context, name string, author api.Author) error {
	_, err := s.submit(ctx, &command.PurgeProject{Base: s.base(author), Project: name})
	return err
}

// CreateRepository creates a repository inside a project.
func (s *Service) CreateRepository(ctx context.Context, proj, repo string, author api.Author) error {
	_, err := s.submit(ctx, &command.CreateRepository{Base: s.base(author), Project: proj, Repo: repo})
	return err
}

// RemoveRepository soft-deletes a repository.
func (s *Service) RemoveRepository(ctx context.Context, proj, repo string, author api.Author) error {
	_, err := s.submit(ctx, &command.RemoveRepository{Base: s.base(author), Project: proj, Repo: repo})
	return err
}

// UnremoveRepository restores a soft-deleted repository.
func (s *Service) UnremoveRepository(ctx context.Context, proj, repo string, author api.Author) error {
	_, err := s.submit(ctx, &command.UnremoveRepository{Base: s.base(author), Project: proj, Repo: repo})
	return err
}

// PurgeRepository destroys a repository's data permanently.
func (s *Service) PurgeRepository(ctx context.Context, proj, repo string, author api.Author) error {
	_, err := s.submit(ctx, &command.PurgeRepository{Base: s.base(author), Project: proj, Repo: repo})
	return err
}

// ListProjects returns the active project names.
func (s *Service) ListProjects(admin bool) []string { return s.manager.ListProjects(admin) }

// ListRemovedProjects returns the soft-deleted project names.
func (s *Service) ListRemovedProjects() []string { return s.manager.ListRemovedProjects() }

// ListRepositories returns a project's active repository names.
func (s *Service) ListRepositories(proj string) ([]string, error) {
	return s.manager.ListRepositories(proj)
}

// ListRemovedRepositories returns a project's soft-deleted repository
// names.
func (s *Service) ListRemovedRepositories(proj string) ([]string, error) {
	return s.manager.ListRemovedRepositories(proj)
}

// Push appends one commit to a repository, replicated through the log.
// The mirror sentinel path is reserved for the mirroring engine.
func (s *Service) Push(ctx context.Context, proj, repo string, base api.Revision, author api.Author,
	summary, detail string, markup api.Markup, changes []api.Change, force bool) (*api.Commit, error) {
	for _, c := range changes {
		if isReservedPath(c.Path) {
			return nil, api.NewError(api.KindInvalidPush, "%s is reserved for the mirroring engine", mirror.StatePath)
		}
		if c.Type == api.ChangeRename {
			if target, err := c.Text(); err == nil && isReservedPath(target) {
				return nil, api.NewError(api.KindInvalidPush, "%s is reserved for the mirroring engine", mirror.StatePath)
			}
		}
	}
	cmd := &command.Push{
		Base:         s.base(author),
		Project:      proj,
		Repo:         repo,
		BaseRevision: base,
		Summary:      summary,
		Detail:       detail,
		Markup:       markup,
		Changes:      changes,
		Force:        force,
	}
	return s.submitPush(ctx, cmd)
}

func (s *Service) submitPush(ctx context.Context, cmd *command.Push) (*api.Commit, error) {
	result, err := s.submit(ctx, cmd)
	if err != nil {
		return nil, err
	}
	var commit api.Commit
	if err := json.Unmarshal(result, &commit); err != nil {
		return nil, fmt.Errorf("decoding push result: %w", err)
	}
	return &commit, nil
}

func isReservedPath(path string) bool {
	return path == mirror.StatePath || strings.HasSuffix(path, "/"+mirror.StatePath)
}

// Transform atomically rewrites the JSON entry at path with fn. The
// function is evaluated here against the current content; only the
// resulting concrete push reaches the log.
func (s *Service) Transform(ctx context.Context, proj, repo, path string, author api.Author,
	summary string, fn func(current json.RawMessage) (json.RawMessage, error)) (*api.Commit, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return nil, err
	}
	entry, err := r.Query(api.Head, api.IdentityQuery(path))
	if err != nil {
		return nil, err
	}
	current, err := entry.AsJSON()
	if err != nil {
		return nil, err
	}
	t := &command.Transform{
		Base:    s.base(author),
		Project: proj,
		Repo:    repo,
		Path:    path,
		Summary: summary,
		Func:    fn,
	}
	push, err := t.Materialize(current)
	if err != nil {
		return nil, err
	}
	return s.submitPush(ctx, push)
}

// Head returns a repository's head revision.
func (s *Service) Head(proj, repo string) (api.Revision, error) {
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return 0, err
	}
	return r.Head(), nil
}

// Query evaluates q at rev.
func (s *Service) Query(proj, repo string, rev api.Revision, q api.Query) (api.Entry, error) {
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return api.Entry{}, err
	}
	return r.Query(rev, q)
}

// Find lists the entries matching pattern at rev.
func (s *Service) Find(proj, repo string, rev api.Revision, pattern *api.PathPattern) ([]api.Entry, error) {
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return nil, err
	}
	return r.Find(rev, pattern)
}

// History lists the commits between from and to touching pattern.
func (s *Service) History(proj, repo string, from, to api.Revision, pattern *api.PathPattern, maxCommits int) ([]api.Commit, error) {
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return nil, err
	}
	return r.History(from, to, pattern, maxCommits)
}

// Diff computes the changes between two revisions under pattern.
func (s *Service) Diff(proj, repo string, from, to api.Revision, pattern *api.PathPattern) ([]api.Change, error) {
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return nil, err
	}
	return r.Diff(from, to, pattern)
}

// DiffQuery computes how the entry addressed by q changed between two
// revisions.
func (s *Service) DiffQuery(proj, repo string, from, to api.Revision, q api.Query) (*api.Change, error) {
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return nil, err
	}
	return r.DiffQuery(from, to, q)
}

// WatchRepository suspends until a commit newer than lastKnown touches
// pattern, or timeout passes.
func (s *Service) WatchRepository(ctx context.Context, proj, repo string, lastKnown api.Revision,
	pattern *api.PathPattern, timeout time.Duration) (api.Revision, error) {
	r, err := s.manager.Repo(proj, repo)
	if err != nil {
		return 0, err
	}
	last, err := r.Normalize(lastKnown)
	if err != nil {
		return 0, err
	}
	pending := s.registry.Register(watch.Key{Project: proj, Repo: repo}, last, pattern)
	metrics.WatcherCount.Set(float64(s.registry.Count()))
	defer func() { metrics.WatcherCount.Set(float64(s.registry.Count())) }()
	// Check after registering so a commit racing the registration is
	// never missed.
	if rev, ok, err := r.LatestMatch(last, pattern); err != nil {
		pending.Cancel()
		return 0, err
	} else if ok {
		pending.Cancel()
		return rev, nil
	}
	return pending.Wait(ctx, timeout)
}

// WatchFile suspends until the entry addressed by q changes after
// lastKnown, returning the revision and the new entry.
func (s *Service) WatchFile(ctx context.Context, proj, repo string, lastKnown api.Revision,
	q api.Query, timeout time.Duration) (api.Revision, api.Entry, error) {
	pattern, err := api.CompilePattern(q.Path)
	if err != nil {
		return 0, api.Entry{}, err
	}
	rev, err := s.WatchRepository(ctx, proj, repo, lastKnown, pattern, timeout)
	if err != nil {
		return 0, api.Entry{}, err
	}
	entry, err := s.Query(proj, repo, rev, q)
	if err != nil {
		return 0, api.Entry{}, err
	}
	return rev, entry, nil
}

// MirrorConfigs returns a project's indexed mirror configurations.
func (s *Service) MirrorConfigs(proj string) []*mirror.Mirror {
	if idx, ok := s.indexer.View(proj); ok {
		return idx.Mirrors
	}
	return nil
}

// Login creates a replicated session for username.
func (s *Service) Login(ctx context.Context, username string) (*session.Session, error) {
	id, err := s.sessions.Generate()
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	sess := &session.Session{
		ID:             id,
		Username:       username,
		CreationTime:   now,
		ExpirationTime: now.Add(s.opts.SessionTTL),
	}
	doc, err := json.Marshal(sess)
	if err != nil {
		return nil, err
	}
	if _, err := s.submit(ctx, &command.CreateSession{
		Base:      s.base(api.Author{Name: username}),
		SessionID: id,
		Session:   doc,
	}); err != nil {
		return nil, err
	}
	return sess, nil
}

// Logout removes a session on every replica.
func (s *Service) Logout(ctx context.Context, id string) error {
	_, err := s.submit(ctx, &command.RemoveSession{Base: s.base(api.SystemAuthor), SessionID: id})
	return err
}

// FindSession resolves an id to a live session. Expired sessions are
// reported as not found; the sweeper collects them later.
func (s *Service) FindSession(id string) (*session.Session, error) {
	sess, err := s.sessions.Get(id)
	if err != nil {
		return nil, err
	}
	if sess.Expired(s.now()) {
		return nil, api.NewError(api.KindNotFound, "session %s has expired", id)
	}
	return sess, nil
}

// removeSessionReplicated is the sweeper's removal callback: expired
// sessions leave through the log so every replica drops them.
func (s *Service) removeSessionReplicated(id string) error {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	_, err := s.replog.Submit(ctx, &command.RemoveSession{Base: s.base(api.SystemAuthor), SessionID: id})
	if err == nil {
		metrics.SessionsSwept.Inc()
	}
	return err
}

// SetWritable flips the replicated writability flag. The enabling flip
// must go through even while read-only.
func (s *Service) SetWritable(ctx context.Context, writable bool, author api.Author) error {
	_, err := s.replog.Submit(ctx, &command.UpdateServerStatus{Base: s.base(author), Writable: writable})
	return err
}
