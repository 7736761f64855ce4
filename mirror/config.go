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

// Package mirror keeps repositories in sync with external git remotes:
// a cron-driven scheduler, a worker pool that never rejects tasks, and
// a go-git engine that syncs either direction.
package mirror

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	cron "gopkg.in/robfig/cron.v2"

	"github.com/mirador-project/mirador/api"
)

// Direction says which side is authoritative.
type Direction string

const (
	// RemoteToLocal pulls the remote branch into a local repository.
	RemoteToLocal Direction = "REMOTE_TO_LOCAL"
	// LocalToRemote pushes the local tree onto the remote branch.
	LocalToRemote Direction = "LOCAL_TO_REMOTE"
)

// StatePath is the sentinel entry recording the remote commit a local
// tree was mirrored from. Reserved: user pushes may not touch it.
const StatePath = "mirror_state.json"

// DefaultSchedule fires every minute.
const DefaultSchedule = "* * * * *"

// Mirror is one mirroring assignment, stored as
// /mirrors/<id>.json in the owning project's meta-repository.
type Mirror struct {
	ID        string    `json:"id"`
	Enabled   bool      `json:"enabled"`
	Direction Direction `json:"direction"`
	// Schedule is a cron expression; empty means every minute.
	Schedule  string `json:"schedule,omitempty"`
	LocalRepo string `json:"localRepo"`
	// LocalPath roots the mirrored subtree, default "/".
	LocalPath string `json:"localPath,omitempty"`
	// RemoteURI is git+<scheme>://host/path.git#branch.
	RemoteURI    string `json:"remoteUri"`
	CredentialID string `json:"credentialId,omitempty"`
	// Gitignore paths are excluded in both directions.
	Gitignore []string `json:"gitignore,omitempty"`
	// Zone pins execution to replicas tagged with the same zone.
	Zone string `json:"zone,omitempty"`

	// Owning project, filled by the indexer, not serialized.
	Project string `json:"-"`

	sched   cron.Schedule
	exclude []*api.PathPattern
}

// UnmarshalJSON defaults Enabled to true when absent.
func (m *Mirror) UnmarshalJSON(data []byte) error {
	type alias Mirror
	a := alias{Enabled: true}
	if err := json.Unmarshal(data, &a); err != nil {
		return err
	}
	*m = Mirror(a)
	return nil
}

// Parse decodes and validates one mirror document.
func Parse(data []byte) (*Mirror, error) {
	var m Mirror
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, api.WrapError(api.KindInvalidPush, err, "undecodable mirror")
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks the document and compiles the schedule, the remote
// URI and the exclusion patterns.
func (m *Mirror) Validate() error {
	if m.ID == "" {
		return api.NewError(api.KindInvalidPush, "mirror has no id")
	}
	switch m.Direction {
	case RemoteToLocal, LocalToRemote:
	default:
		return api.NewError(api.KindInvalidPush, "mirror %s has unknown direction %q", m.ID, m.Direction)
	}
	if m.LocalRepo == "" {
		return api.NewError(api.KindInvalidPush, "mirror %s has no local repository", m.ID)
	}
	if m.LocalPath == "" {
		m.LocalPath = "/"
	}
	if _, err := api.NormalizeDirPath(m.LocalPath); err != nil {
		return api.WrapError(api.KindInvalidPush, err, "mirror %s local path", m.ID)
	}
	if m.Schedule == "" {
		m.Schedule = DefaultSchedule
	}
	sched, err := cron.Parse(m.Schedule)
	if err != nil {
		return api.WrapError(api.KindInvalidPush, err, "mirror %s has a bad schedule %q", m.ID, m.Schedule)
	}
	m.sched = sched
	if _, _, _, err := m.Remote(); err != nil {
		return err
	}
	m.exclude = m.exclude[:0]
	for _, p := range m.Gitignore {
		pat, err := api.CompilePattern(p)
		if err != nil {
			return api.WrapError(api.KindInvalidPush, err, "mirror %s has a bad gitignore pattern %q", m.ID, p)
		}
		m.exclude = append(m.exclude, pat)
	}
	return nil
}

// Remote splits RemoteURI into the go-git endpoint, the branch and the
// hostname for credential resolution.
func (m *Mirror) Remote() (endpoint, branch, host string, err error) {
	uri := m.RemoteURI
	if i := strings.Index(uri, "#"); i >= 0 {
		branch = uri[i+1:]
		uri = uri[:i]
	}
	if branch == "" {
		branch = "main"
	}
	if !strings.HasPrefix(uri, "git+") {
		return "", "", "", api.NewError(api.KindInvalidPush, "mirror %s remote %q must start with git+", m.ID, m.RemoteURI)
	}
	uri = strings.TrimPrefix(uri, "git+")
	u, perr := url.Parse(uri)
	if perr != nil {
		return "", "", "", api.WrapError(api.KindInvalidPush, perr, "mirror %s remote", m.ID)
	}
	switch u.Scheme {
	case "http", "https", "ssh":
		return uri, branch, u.Hostname(), nil
	case "file":
		// Local-path remotes, used by single-host setups and tests.
		return u.Path, branch, "", nil
	default:
		return "", "", "", api.NewError(api.KindInvalidPush, "mirror %s has unsupported remote scheme %q", m.ID, u.Scheme)
	}
}

// Excluded reports whether the repository path is filtered out by the
// gitignore patterns or is the reserved sentinel.
func (m *Mirror) Excluded(path string) bool {
	if strings.HasSuffix(path, "/"+StatePath) {
		return true
	}
	for _, p := range m.exclude {
		if p.Match(path) {
			return true
		}
	}
	return false
}

// Next returns the first scheduled execution after t.
func (m *Mirror) Next(t time.Time) time.Time {
	return m.sched.Next(t)
}

func (m *Mirror) String() string {
	return fmt.Sprintf("%s/%s", m.Project, m.ID)
}
