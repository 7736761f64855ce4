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
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-billy/v5/util"
	git "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"github.com/go-git/go-git/v5/storage/memory"
	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/credential"
	"github.com/mirador-project/mirador/repository"
)

// Destination is the local side of a mirror: the commit and query
// surface of one repository. *repository.Repository satisfies it; the
// replicated server substitutes a log-routed implementation.
type Destination interface {
	Head() api.Revision
	Snapshot(rev api.Revision) (*repository.Snapshot, error)
	Push(base api.Revision, author api.Author, summary, detail string,
		markup api.Markup, changes []api.Change, force bool, ts time.Time) (*repository.PushResult, error)
}

// Result reports one finished mirror task.
type Result struct {
	Mirror    *Mirror
	Direction Direction
	// RemoteHead is the remote commit observed (remote to local) or
	// produced (local to remote).
	RemoteHead string
	// LocalRevision is the local commit produced, zero when none was.
	LocalRevision api.Revision
	// NoChanges reports that both sides were already in sync.
	NoChanges bool
}

// state is the mirror_state.json sentinel document.
type state struct {
	SourceRevision string `json:"sourceRevision"`
}

// CredentialSource resolves the credential store a mirror's project
// carries. The meta-repo indexer implements it.
type CredentialSource interface {
	Credentials(project string) *credential.Store
}

// StaticCredentials adapts one fixed store, for single-project use and
// tests.
type StaticCredentials struct{ *credential.Store }

func (s StaticCredentials) Credentials(string) *credential.Store { return s.Store }

// Engine executes mirror tasks with go-git. Caps bound the blast
// radius of a runaway remote; zero means unlimited.
type Engine struct {
	creds    CredentialSource
	maxFiles int
	maxBytes int64
	author   api.Author
	now      func() time.Time
	log      *logrus.Entry
}

// NewEngine builds an engine resolving credentials from creds.
func NewEngine(creds CredentialSource, maxFiles int, maxBytes int64) *Engine {
	return &Engine{
		creds:    creds,
		maxFiles: maxFiles,
		maxBytes: maxBytes,
		author:   api.SystemAuthor,
		now:      time.Now,
		log:      logrus.WithField("component", "mirror-engine"),
	}
}

// Run executes one task in the configured direction.
func (e *Engine) Run(ctx context.Context, m *Mirror, dst Destination) (*Result, error) {
	switch m.Direction {
	case RemoteToLocal:
		return e.remoteToLocal(ctx, m, dst)
	case LocalToRemote:
		return e.localToRemote(ctx, m, dst)
	}
	return nil, api.NewError(api.KindMirrorFailure, "mirror %s has unknown direction %q", m.ID, m.Direction)
}

func (e *Engine) auth(m *Mirror, host string) (transport.AuthMethod, error) {
	store := e.creds.Credentials(m.Project)
	var c *credential.Credential
	if m.CredentialID != "" {
		var err error
		if c, err = store.ByID(m.CredentialID); err != nil {
			return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s credential", m.ID)
		}
	} else {
		c = store.ForHostname(host)
	}
	switch c.Type {
	case credential.TypeNone:
		return nil, nil
	case credential.TypePassword:
		return &githttp.BasicAuth{Username: c.Username, Password: c.Password}, nil
	case credential.TypeAccessToken:
		username := c.Username
		if username == "" {
			username = "token"
		}
		return &githttp.BasicAuth{Username: username, Password: c.AccessToken}, nil
	case credential.TypePublicKey:
		keys, err := gitssh.NewPublicKeys(c.Username, []byte(c.PrivateKey), c.Passphrase)
		if err != nil {
			return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s ssh key", m.ID)
		}
		return keys, nil
	}
	return nil, api.NewError(api.KindMirrorFailure, "mirror %s credential has unusable type %q", m.ID, c.Type)
}

func (e *Engine) clone(ctx context.Context, m *Mirror) (*git.Repository, billy.Filesystem, string, error) {
	endpoint, branch, host, err := m.Remote()
	if err != nil {
		return nil, nil, "", err
	}
	auth, err := e.auth(m, host)
	if err != nil {
		return nil, nil, "", err
	}
	fs := memfs.New()
	repo, err := git.CloneContext(ctx, memory.NewStorage(), fs, &git.CloneOptions{
		URL:           endpoint,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Auth:          auth,
	})
	if err != nil {
		return nil, nil, "", api.WrapError(api.KindMirrorFailure, err, "mirror %s clone of %s", m.ID, m.RemoteURI)
	}
	head, err := repo.Head()
	if err != nil {
		return nil, nil, "", api.WrapError(api.KindMirrorFailure, err, "mirror %s has no remote head", m.ID)
	}
	return repo, fs, head.Hash().String(), nil
}

// collectWorktree reads every regular file out of fs, keyed by the
// local repository path it maps to, enforcing the caps.
func (e *Engine) collectWorktree(m *Mirror, fs billy.Filesystem) (map[string][]byte, error) {
	files := map[string][]byte{}
	var bytes int64
	err := util.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		local := m.LocalPath + strings.TrimPrefix(p, "/")
		if m.Excluded(local) {
			return nil
		}
		f, err := fs.Open(p)
		if err != nil {
			return err
		}
		content, err := io.ReadAll(f)
		f.Close()
		if err != nil {
			return err
		}
		files[local] = content
		bytes += int64(len(content))
		if e.maxFiles > 0 && len(files) > e.maxFiles {
			return api.NewError(api.KindMirrorFailure, "mirror %s contains more than %d files", m.ID, e.maxFiles)
		}
		if e.maxBytes > 0 && bytes > e.maxBytes {
			return api.NewError(api.KindMirrorFailure, "mirror %s contains more than %d bytes", m.ID, e.maxBytes)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}

func (e *Engine) remoteToLocal(ctx context.Context, m *Mirror, dst Destination) (*Result, error) {
	_, fs, sha, err := e.clone(ctx, m)
	if err != nil {
		return nil, err
	}
	files, err := e.collectWorktree(m, fs)
	if err != nil {
		return nil, err
	}
	sentinel, err := json.Marshal(state{SourceRevision: sha})
	if err != nil {
		return nil, err
	}
	files[m.LocalPath+StatePath] = sentinel

	var changes []api.Change
	for p, content := range files {
		c, err := upsertChange(p, content)
		if err != nil {
			return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s entry %s", m.ID, p)
		}
		changes = append(changes, c)
	}
	snap, err := dst.Snapshot(api.Head)
	if err != nil {
		return nil, err
	}
	for _, p := range snap.Paths() {
		if !strings.HasPrefix(p, m.LocalPath) || m.Excluded(p) {
			continue
		}
		if _, keep := files[p]; !keep {
			changes = append(changes, api.NewRemove(p))
		}
	}

	short := sha
	if len(short) > 10 {
		short = short[:10]
	}
	result, err := dst.Push(api.Head, e.author,
		fmt.Sprintf("Mirror %s of %s", short, m.RemoteURI), "",
		api.MarkupPlaintext, changes, false, e.now())
	if err != nil {
		if api.IsRedundantChange(err) {
			return &Result{Mirror: m, Direction: RemoteToLocal, RemoteHead: sha, NoChanges: true}, nil
		}
		return nil, err
	}
	return &Result{
		Mirror:        m,
		Direction:     RemoteToLocal,
		RemoteHead:    sha,
		LocalRevision: result.Commit.Revision,
	}, nil
}

func (e *Engine) localToRemote(ctx context.Context, m *Mirror, dst Destination) (*Result, error) {
	repo, fs, sha, err := e.clone(ctx, m)
	if err != nil {
		return nil, err
	}
	snap, err := dst.Snapshot(api.Head)
	if err != nil {
		return nil, err
	}

	desired := map[string]bool{}
	count := 0
	var bytes int64
	for _, p := range snap.Paths() {
		if !strings.HasPrefix(p, m.LocalPath) || m.Excluded(p) {
			continue
		}
		entry, err := snap.Entry(p)
		if err != nil {
			return nil, err
		}
		count++
		bytes += int64(len(entry.Content))
		if e.maxFiles > 0 && count > e.maxFiles {
			return nil, api.NewError(api.KindMirrorFailure, "mirror %s contains more than %d files", m.ID, e.maxFiles)
		}
		if e.maxBytes > 0 && bytes > e.maxBytes {
			return nil, api.NewError(api.KindMirrorFailure, "mirror %s contains more than %d bytes", m.ID, e.maxBytes)
		}
		rel := strings.TrimPrefix(p, m.LocalPath)
		desired[rel] = true
		if err := writeFile(fs, rel, entry.Content); err != nil {
			return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s staging %s", m.ID, p)
		}
	}

	// Drop remote files the local tree no longer has.
	err = util.Walk(fs, "/", func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == ".git" {
				return filepath.SkipDir
			}
			return nil
		}
		rel := strings.TrimPrefix(p, "/")
		if desired[rel] || m.Excluded(m.LocalPath+rel) {
			return nil
		}
		return fs.Remove(p)
	})
	if err != nil {
		return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s pruning", m.ID)
	}

	wt, err := repo.Worktree()
	if err != nil {
		return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s worktree", m.ID)
	}
	if err := wt.AddWithOptions(&git.AddOptions{All: true}); err != nil {
		return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s staging", m.ID)
	}
	status, err := wt.Status()
	if err != nil {
		return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s status", m.ID)
	}
	if status.IsClean() {
		return &Result{Mirror: m, Direction: LocalToRemote, RemoteHead: sha, NoChanges: true}, nil
	}

	commit, err := wt.Commit(
		fmt.Sprintf("Mirror %s/%s at revision %d", m.Project, m.LocalRepo, snap.Revision),
		&git.CommitOptions{Author: &object.Signature{
			Name:  e.author.Name,
			Email: e.author.Email,
			When:  e.now(),
		}})
	if err != nil {
		return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s commit", m.ID)
	}

	_, _, host, _ := m.Remote()
	auth, err := e.auth(m, host)
	if err != nil {
		return nil, err
	}
	if err := repo.PushContext(ctx, &git.PushOptions{Auth: auth}); err != nil && err != git.NoErrAlreadyUpToDate {
		return nil, api.WrapError(api.KindMirrorFailure, err, "mirror %s push", m.ID)
	}
	return &Result{
		Mirror:        m,
		Direction:     LocalToRemote,
		RemoteHead:    commit.String(),
		LocalRevision: snap.Revision,
	}, nil
}

// upsertChange picks the change type from the path's entry type so the
// commit engine stores canonical content.
func upsertChange(path string, content []byte) (api.Change, error) {
	switch api.EntryTypeOf(path) {
	case api.EntryTypeJSON:
		c := api.NewUpsertJSON(path, content)
		return c, c.Validate()
	case api.EntryTypeYAML:
		c := api.NewUpsertYAML(path, string(content))
		return c, c.Validate()
	default:
		return api.NewUpsertText(path, string(content)), nil
	}
}

func writeFile(fs billy.Filesystem, path string, content []byte) error {
	if err := fs.MkdirAll(dirOf(path), 0o755); err != nil {
		return err
	}
	f, err := fs.Create(path)
	if err != nil {
		return err
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func dirOf(path string) string {
	if i := strings.LastIndex(path, "/"); i > 0 {
		return path[:i]
	}
	return "/"
}
