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

// Package project implements the repository manager: project and
// repository lifecycle, soft delete and purge, and the listings exposed
// to callers. Every mutating operation here is invoked through a
// replicated command, never directly by a network handler.
package project

import (
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/repository"
	"github.com/mirador-project/mirador/storage"
)

// MetaRepo is the reserved repository every project carries for its
// configuration (mirrors, credentials, roles, tokens).
const MetaRepo = "meta"

// InternalProject is hidden from non-admin listings, as is every
// project whose name starts with '@'.
const InternalProject = "dogma"

var nameRe = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9._-]*$`)

// IsInternal reports whether a project name marks an internal project.
func IsInternal(name string) bool {
	return name == InternalProject || strings.HasPrefix(name, "@")
}

// Options configures a Manager.
type Options struct {
	// EncryptionKey, when set, enables encryption at rest for newly
	// created repository shards.
	EncryptionKey []byte
	// RepoPolicies apply to pushes on every normal repository.
	RepoPolicies []repository.PushPolicy
	// MetaPolicies apply to pushes on meta-repositories.
	MetaPolicies []repository.PushPolicy
}

// Project groups a project's open repositories.
type Project struct {
	info  *Info
	repos map[string]*repository.Repository
}

// Manager owns every project under one data root.
type Manager struct {
	root string
	opts Options
	log  *logrus.Entry

	mu       sync.RWMutex
	projects map[string]*Project
}

// NewManager opens the data root, loading every project found there.
func NewManager(root string, opts Options) (*Manager, error) {
	m := &Manager{
		root:     root,
		opts:     opts,
		projects: map[string]*Project{},
		log:      logrus.WithField("component", "project-manager"),
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, err
	}
	dirs, err := os.ReadDir(root)
	if err != nil {
		return nil, err
	}
	for _, d := range dirs {
		if !d.IsDir() {
			continue
		}
		info, err := loadInfo(filepath.Join(root, d.Name()))
		if os.IsNotExist(err) {
			m.log.WithField("dir", d.Name()).Warning("skipping directory without metadata")
			continue
		}
		if err != nil {
			return nil, err
		}
		p := &Project{info: info, repos: map[string]*repository.Repository{}}
		for name := range info.Repos {
			r, err := m.openRepo(info.Name, name)
			if err != nil {
				return nil, err
			}
			p.repos[name] = r
		}
		m.projects[info.Name] = p
	}
	return m, nil
}

// Close releases every open shard.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, p := range m.projects {
		for _, r := range p.repos {
			_ = r.CloseStore()
		}
	}
	m.projects = map[string]*Project{}
	return nil
}

func (m *Manager) repoDir(project, repo string) string {
	return filepath.Join(m.root, project, repo)
}

func (m *Manager) openRepo(project, name string) (*repository.Repository, error) {
	store, err := storage.Open(m.repoDir(project, name), storage.Options{EncryptionKey: m.opts.EncryptionKey})
	if err != nil {
		return nil, err
	}
	policies := m.opts.RepoPolicies
	if name == MetaRepo {
		policies = m.opts.MetaPolicies
	}
	return repository.Open(project, name, store, policies...)
}

// CreateProject creates an empty project together with its
// meta-repository.
func (m *Manager) CreateProject(name string, author api.Author, ts time.Time) error {
	if !nameRe.MatchString(name) {
		return api.NewError(api.KindInvalidPush, "invalid project name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.projects[name]; ok {
		return api.NewError(api.KindAlreadyExists, "project %s already exists", name)
	}
	dir := filepath.Join(m.root, name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}
	info := &Info{
		Name:    name,
		Created: Record{Author: author, Timestamp: ts},
		Repos: map[string]*RepoInfo{
			MetaRepo: {Name: MetaRepo, Created: Record{Author: author, Timestamp: ts}},
		},
	}
	if err := saveInfo(dir, info); err != nil {
		return err
	}
	meta, err := m.openRepo(name, MetaRepo)
	if err != nil {
		return err
	}
	if err := meta.Initialize(author, ts); err != nil {
		return err
	}
	m.projects[name] = &Project{info: info, repos: map[string]*repository.Repository{MetaRepo: meta}}
	m.log.WithField("project", name).Info("project created")
	return nil
}

func (m *Manager) project(name string) (*Project, error) {
	p, ok := m.projects[name]
	if !ok {
		return nil, api.NewError(api.KindNotFound, "project %s does not exist", name)
	}
	return p, nil
}

// RemoveProject soft-deletes a project. Data is retained.
func (m *Manager) RemoveProject(name string, author api.Author, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(name)
	if err != nil {
		return err
	}
	if IsInternal(name) {
		return api.NewError(api.KindPermission, "internal project %s cannot be removed", name)
	}
	if p.info.Removed != nil {
		return api.NewError(api.KindNotFound, "project %s is already removed", name)
	}
	p.info.Removed = &Record{Author: author, Timestamp: ts}
	return saveInfo(filepath.Join(m.root, name), p.info)
}

// UnremoveProject clears a project's deletion mark.
func (m *Manager) UnremoveProject(name string, author api.Author, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(name)
	if err != nil {
		return err
	}
	if p.info.Removed == nil {
		return api.NewError(api.KindNotFound, "project %s is not removed", name)
	}
	p.info.Removed = nil
	return saveInfo(filepath.Join(m.root, name), p.info)
}

// PurgeProject removes a project's data physically. This is the only
// operation that destroys commits.
func (m *Manager) PurgeProject(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(name)
	if err != nil {
		return err
	}
	for _, r := range p.repos {
		_ = r.CloseStore()
	}
	if err := os.RemoveAll(filepath.Join(m.root, name)); err != nil {
		return err
	}
	delete(m.projects, name)
	m.log.WithField("project", name).Info("project purged")
	return nil
}

// ListProjects returns the active project names, hiding internal
// projects from non-admin viewers.
func (m *Manager) ListProjects(admin bool) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, p := range m.projects {
		if p.info.Removed != nil {
			continue
		}
		if IsInternal(name) && !admin {
			continue
		}
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// ListRemovedProjects returns the soft-deleted project names.
func (m *Manager) ListRemovedProjects() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for name, p := range m.projects {
		if p.info.Removed != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// CreateRepository creates an empty repository at revision 1.
func (m *Manager) CreateRepository(project, name string, author api.Author, ts time.Time) error {
	if !nameRe.MatchString(name) {
		return api.NewError(api.KindInvalidPush, "invalid repository name %q", name)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeProject(project)
	if err != nil {
		return err
	}
	if _, ok := p.info.Repos[name]; ok {
		return api.NewError(api.KindAlreadyExists, "repository %s/%s already exists", project, name)
	}
	r, err := m.openRepo(project, name)
	if err != nil {
		return err
	}
	if err := r.Initialize(author, ts); err != nil {
		return err
	}
	p.info.Repos[name] = &RepoInfo{Name: name, Created: Record{Author: author, Timestamp: ts}}
	if err := saveInfo(filepath.Join(m.root, project), p.info); err != nil {
		return err
	}
	p.repos[name] = r
	m.log.WithField("repo", project+"/"+name).Info("repository created")
	return nil
}

func (m *Manager) activeProject(name string) (*Project, error) {
	p, err := m.project(name)
	if err != nil {
		return nil, err
	}
	if p.info.Removed != nil {
		return nil, api.NewError(api.KindNotFound, "project %s is removed", name)
	}
	return p, nil
}

// RemoveRepository soft-deletes a repository.
func (m *Manager) RemoveRepository(project, name string, author api.Author, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeProject(project)
	if err != nil {
		return err
	}
	ri, ok := p.info.Repos[name]
	if !ok || ri.Removed != nil {
		return api.NewError(api.KindNotFound, "repository %s/%s does not exist", project, name)
	}
	if name == MetaRepo {
		return api.NewError(api.KindPermission, "the meta-repository cannot be removed")
	}
	ri.Removed = &Record{Author: author, Timestamp: ts}
	return saveInfo(filepath.Join(m.root, project), p.info)
}

// UnremoveRepository clears a repository's deletion mark.
func (m *Manager) UnremoveRepository(project, name string, author api.Author, ts time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.activeProject(project)
	if err != nil {
		return err
	}
	ri, ok := p.info.Repos[name]
	if !ok || ri.Removed == nil {
		return api.NewError(api.KindNotFound, "repository %s/%s is not removed", project, name)
	}
	ri.Removed = nil
	return saveInfo(filepath.Join(m.root, project), p.info)
}

// PurgeRepository removes a repository's data physically.
func (m *Manager) PurgeRepository(project, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, err := m.project(project)
	if err != nil {
		return err
	}
	if _, ok := p.info.Repos[name]; !ok {
		return api.NewError(api.KindNotFound, "repository %s/%s does not exist", project, name)
	}
	if name == MetaRepo {
		return api.NewError(api.KindPermission, "the meta-repository cannot be purged")
	}
	if r, ok := p.repos[name]; ok {
		_ = r.CloseStore()
		delete(p.repos, name)
	}
	delete(p.info.Repos, name)
	if err := os.RemoveAll(m.repoDir(project, name)); err != nil {
		return err
	}
	return saveInfo(filepath.Join(m.root, project), p.info)
}

// ListRepositories returns the active repository names of a project.
func (m *Manager) ListRepositories(project string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.activeProject(project)
	if err != nil {
		return nil, err
	}
	var out []string
	for name, ri := range p.info.Repos {
		if ri.Removed == nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// ListRemovedRepositories returns a project's soft-deleted repositories.
func (m *Manager) ListRemovedRepositories(project string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.project(project)
	if err != nil {
		return nil, err
	}
	var out []string
	for name, ri := range p.info.Repos {
		if ri.Removed != nil {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Repo returns an active repository for reads and pushes.
func (m *Manager) Repo(project, name string) (*repository.Repository, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, err := m.activeProject(project)
	if err != nil {
		return nil, err
	}
	ri, ok := p.info.Repos[name]
	if !ok || ri.Removed != nil {
		return nil, api.NewError(api.KindNotFound, "repository %s/%s does not exist", project, name)
	}
	return p.repos[name], nil
}

// Meta returns a project's meta-repository.
func (m *Manager) Meta(project string) (*repository.Repository, error) {
	return m.Repo(project, MetaRepo)
}
