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

package server

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/command"
	"github.com/mirador-project/mirador/metrics"
	"github.com/mirador-project/mirador/mirror"
	"github.com/mirador-project/mirador/repository"
	"github.com/mirador-project/mirador/session"
	"github.com/mirador-project/mirador/watch"
)

// Execute applies one replicated command to local state. The
// replication layer calls it in log order on every replica, so the
// effects here must be deterministic functions of the command alone.
func (s *Service) Execute(ctx context.Context, c command.Command) (json.RawMessage, error) {
	switch c := c.(type) {
	case *command.CreateProject:
		if err := s.manager.CreateProject(c.Project, c.By, c.TS); err != nil {
			return nil, err
		}
		return nil, s.indexer.AddProject(ctx, c.Project)
	case *command.RemoveProject:
		if err := s.manager.RemoveProject(c.Project, c.By, c.TS); err != nil {
			return nil, err
		}
		s.indexer.RemoveProject(c.Project)
		return nil, nil
	case *command.UnremoveProject:
		if err := s.manager.UnremoveProject(c.Project, c.By, c.TS); err != nil {
			return nil, err
		}
		return nil, s.indexer.AddProject(ctx, c.Project)
	case *command.PurgeProject:
		s.indexer.RemoveProject(c.Project)
		return nil, s.manager.PurgeProject(c.Project)
	case *command.CreateRepository:
		return nil, s.manager.CreateRepository(c.Project, c.Repo, c.By, c.TS)
	case *command.RemoveRepository:
		return nil, s.manager.RemoveRepository(c.Project, c.Repo, c.By, c.TS)
	case *command.UnremoveRepository:
		return nil, s.manager.UnremoveRepository(c.Project, c.Repo, c.By, c.TS)
	case *command.PurgeRepository:
		return nil, s.manager.PurgeRepository(c.Project, c.Repo)
	case *command.Push:
		return s.applyPush(c)
	case *command.UpdateServerStatus:
		s.writable.Store(c.Writable)
		s.log.WithField("writable", c.Writable).Info("server status updated")
		return nil, nil
	case *command.CreateSession:
		return nil, s.applyCreateSession(c)
	case *command.RemoveSession:
		// Removing an absent session is a no-op: logout and sweep can
		// race, and replay must stay idempotent.
		if err := s.sessions.Delete(c.SessionID); err != nil && !api.IsNotFound(err) {
			return nil, err
		}
		return nil, nil
	}
	return nil, api.NewError(api.KindCorruption, "inapplicable command type %q", c.Type())
}

func (s *Service) applyPush(c *command.Push) (json.RawMessage, error) {
	r, err := s.manager.Repo(c.Project, c.Repo)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	res, err := r.Push(c.BaseRevision, c.By, c.Summary, c.Detail, c.Markup, c.Changes, c.Force, c.TS)
	if err != nil {
		return nil, err
	}
	metrics.CommitLatency.WithLabelValues(c.Project, c.Repo).Observe(time.Since(start).Seconds())
	s.registry.Notify(watch.Key{Project: c.Project, Repo: c.Repo}, res.Commit.Revision, res.Paths)
	result, err := json.Marshal(res.Commit)
	if err != nil {
		return nil, fmt.Errorf("encoding push result: %w", err)
	}
	return result, nil
}

func (s *Service) applyCreateSession(c *command.CreateSession) error {
	var sess session.Session
	if err := json.Unmarshal(c.Session, &sess); err != nil {
		return api.WrapError(api.KindCorruption, err, "undecodable session document %s", c.SessionID)
	}
	sess.ID = c.SessionID
	// The id is the idempotency token: a replayed login is a no-op.
	if err := s.sessions.Create(&sess); err != nil && !api.IsAlreadyExists(err) {
		return err
	}
	return nil
}

// logProvider is the scheduler's provider: mirrors come from the
// indexer, but pushes a mirror task produces must replicate, so the
// destination routes them through the command log.
type logProvider struct {
	s *Service
}

func (p *logProvider) Mirrors() []*mirror.Mirror { return p.s.indexer.Mirrors() }

func (p *logProvider) Destination(proj, repo string) (mirror.Destination, error) {
	r, err := p.s.manager.Repo(proj, repo)
	if err != nil {
		return nil, err
	}
	return &logDestination{s: p.s, proj: proj, repo: repo, r: r}, nil
}

// logDestination reads locally and writes through the log.
type logDestination struct {
	s    *Service
	proj string
	repo string
	r    *repository.Repository
}

func (d *logDestination) Head() api.Revision { return d.r.Head() }

func (d *logDestination) Snapshot(rev api.Revision) (*repository.Snapshot, error) {
	return d.r.Snapshot(rev)
}

func (d *logDestination) Push(base api.Revision, author api.Author, summary, detail string,
	markup api.Markup, changes []api.Change, force bool, ts time.Time) (*repository.PushResult, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	result, err := d.s.replog.Submit(ctx, &command.Push{
		Base:         command.Base{TS: ts, By: author},
		Project:      d.proj,
		Repo:         d.repo,
		BaseRevision: base,
		Summary:      summary,
		Detail:       detail,
		Markup:       markup,
		Changes:      changes,
		Force:        force,
	})
	if err != nil {
		return nil, err
	}
	var commit api.Commit
	if err := json.Unmarshal(result, &commit); err != nil {
		return nil, fmt.Errorf("decoding push result: %w", err)
	}
	return &repository.PushResult{Commit: commit}, nil
}
