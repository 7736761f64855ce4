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

package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/server"
)

// defaultWatchTimeout bounds one long-poll leg when the client does not
// ask for a specific timeout.
const defaultWatchTimeout = time.Minute

// apiHandler exposes the service as a small JSON API under /api/v1/.
type apiHandler struct {
	svc *server.Service
}

func (h *apiHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	parts := splitPath(strings.TrimPrefix(r.URL.Path, "/api/v1/"))
	var err error
	switch {
	case len(parts) >= 1 && parts[0] == "projects":
		err = h.projects(w, r, parts[1:])
	case len(parts) >= 1 && parts[0] == "sessions":
		err = h.sessions(w, r, parts[1:])
	case len(parts) == 1 && parts[0] == "status":
		err = h.status(w, r)
	default:
		http.NotFound(w, r)
		return
	}
	if err != nil {
		writeError(w, r, err)
	}
}

func splitPath(p string) []string {
	var out []string
	for _, s := range strings.Split(p, "/") {
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

func author(r *http.Request) api.Author {
	name := r.Header.Get("X-Author")
	if name == "" {
		name = "anonymous"
	}
	return api.Author{Name: name, Email: r.Header.Get("X-Author-Email")}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		if err := json.NewEncoder(w).Encode(v); err != nil {
			logrus.WithError(err).Debug("could not write response body")
		}
	}
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch api.KindOf(err) {
	case api.KindNotFound:
		status = http.StatusNotFound
	case api.KindAlreadyExists, api.KindChangeConflict, api.KindChangePatchConflict, api.KindRedundantChange:
		status = http.StatusConflict
	case api.KindInvalidPush:
		status = http.StatusBadRequest
	case api.KindPermission:
		status = http.StatusForbidden
	case api.KindReadOnly, api.KindShutdown, api.KindNoQuorum:
		status = http.StatusServiceUnavailable
	case api.KindTimeout:
		// A quiet long poll is not an error to the client.
		w.WriteHeader(http.StatusNotModified)
		return
	case api.KindCancelled:
		status = http.StatusBadRequest
	}
	if status == http.StatusInternalServerError {
		logrus.WithError(err).WithField("path", r.URL.Path).Error("request failed")
	}
	writeJSON(w, status, map[string]string{"message": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter) error {
	w.WriteHeader(http.StatusMethodNotAllowed)
	return nil
}

func (h *apiHandler) projects(w http.ResponseWriter, r *http.Request, rest []string) error {
	switch {
	case len(rest) == 0:
		return h.projectCollection(w, r)
	case len(rest) == 1:
		return h.project(w, r, rest[0])
	case len(rest) == 2 && rest[1] == "unremove" && r.Method == http.MethodPost:
		if err := h.svc.UnremoveProject(r.Context(), rest[0], author(r)); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	case len(rest) >= 2 && rest[1] == "repos":
		return h.repos(w, r, rest[0], rest[2:])
	}
	http.NotFound(w, r)
	return nil
}

func (h *apiHandler) projectCollection(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		if r.URL.Query().Get("status") == "removed" {
			writeJSON(w, http.StatusOK, h.svc.ListRemovedProjects())
			return nil
		}
		admin := r.URL.Query().Get("admin") == "true"
		writeJSON(w, http.StatusOK, h.svc.ListProjects(admin))
		return nil
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return api.NewError(api.KindInvalidPush, "undecodable request body: %v", err)
		}
		if err := h.svc.CreateProject(r.Context(), req.Name, author(r)); err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
		return nil
	}
	return methodNotAllowed(w)
}

func (h *apiHandler) project(w http.ResponseWriter, r *http.Request, name string) error {
	if r.Method != http.MethodDelete {
		return methodNotAllowed(w)
	}
	if r.URL.Query().Get("purge") == "true" {
		if err := h.svc.PurgeProject(r.Context(), name, author(r)); err != nil {
			return err
		}
	} else if err := h.svc.RemoveProject(r.Context(), name, author(r)); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nil)
	return nil
}

func (h *apiHandler) repos(w http.ResponseWriter, r *http.Request, proj string, rest []string) error {
	switch {
	case len(rest) == 0:
		return h.repoCollection(w, r, proj)
	case len(rest) == 1:
		return h.repo(w, r, proj, rest[0])
	case len(rest) == 2 && rest[1] == "unremove" && r.Method == http.MethodPost:
		if err := h.svc.UnremoveRepository(r.Context(), proj, rest[0], author(r)); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	case len(rest) == 2 && rest[1] == "contents" && r.Method == http.MethodGet:
		return h.contents(w, r, proj, rest[0])
	case len(rest) == 2 && rest[1] == "commits":
		return h.commits(w, r, proj, rest[0])
	case len(rest) == 2 && rest[1] == "diff" && r.Method == http.MethodGet:
		return h.diff(w, r, proj, rest[0])
	case len(rest) == 2 && rest[1] == "watch" && r.Method == http.MethodGet:
		return h.watch(w, r, proj, rest[0])
	}
	http.NotFound(w, r)
	return nil
}

func (h *apiHandler) repoCollection(w http.ResponseWriter, r *http.Request, proj string) error {
	switch r.Method {
	case http.MethodGet:
		var (
			repos []string
			err   error
		)
		if r.URL.Query().Get("status") == "removed" {
			repos, err = h.svc.ListRemovedRepositories(proj)
		} else {
			repos, err = h.svc.ListRepositories(proj)
		}
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, repos)
		return nil
	case http.MethodPost:
		var req struct {
			Name string `json:"name"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return api.NewError(api.KindInvalidPush, "undecodable request body: %v", err)
		}
		if err := h.svc.CreateRepository(r.Context(), proj, req.Name, author(r)); err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, map[string]string{"name": req.Name})
		return nil
	}
	return methodNotAllowed(w)
}

func (h *apiHandler) repo(w http.ResponseWriter, r *http.Request, proj, repo string) error {
	if r.Method != http.MethodDelete {
		return methodNotAllowed(w)
	}
	if r.URL.Query().Get("purge") == "true" {
		if err := h.svc.PurgeRepository(r.Context(), proj, repo, author(r)); err != nil {
			return err
		}
	} else if err := h.svc.RemoveRepository(r.Context(), proj, repo, author(r)); err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, nil)
	return nil
}

func queryRevision(r *http.Request, name string, fallback api.Revision) (api.Revision, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback, nil
	}
	return api.ParseRevision(raw)
}

func queryOf(r *http.Request) api.Query {
	path := r.URL.Query().Get("path")
	if exprs := r.URL.Query()["jsonpath"]; len(exprs) > 0 {
		return api.JSONPathQuery(path, exprs...)
	}
	return api.IdentityQuery(path)
}

// contents serves one entry, or the matching entries when the path
// carries glob metacharacters.
func (h *apiHandler) contents(w http.ResponseWriter, r *http.Request, proj, repo string) error {
	rev, err := queryRevision(r, "revision", api.Head)
	if err != nil {
		return err
	}
	path := r.URL.Query().Get("path")
	if strings.ContainsAny(path, "*{") {
		pattern, err := api.CompilePattern(path)
		if err != nil {
			return err
		}
		entries, err := h.svc.Find(proj, repo, rev, pattern)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, entries)
		return nil
	}
	entry, err := h.svc.Query(proj, repo, rev, queryOf(r))
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, entry)
	return nil
}

func (h *apiHandler) commits(w http.ResponseWriter, r *http.Request, proj, repo string) error {
	switch r.Method {
	case http.MethodGet:
		from, err := queryRevision(r, "from", api.Head)
		if err != nil {
			return err
		}
		to, err := queryRevision(r, "to", api.Init)
		if err != nil {
			return err
		}
		pattern, err := patternOf(r)
		if err != nil {
			return err
		}
		maxCommits, _ := strconv.Atoi(r.URL.Query().Get("maxCommits"))
		commits, err := h.svc.History(proj, repo, from, to, pattern, maxCommits)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, commits)
		return nil
	case http.MethodPost:
		var req struct {
			BaseRevision api.Revision `json:"baseRevision"`
			Summary      string       `json:"summary"`
			Detail       string       `json:"detail"`
			Markup       api.Markup   `json:"markup"`
			Changes      []api.Change `json:"changes"`
			Force        bool         `json:"force"`
		}
		req.BaseRevision = api.Head
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return api.NewError(api.KindInvalidPush, "undecodable request body: %v", err)
		}
		commit, err := h.svc.Push(r.Context(), proj, repo, req.BaseRevision, author(r),
			req.Summary, req.Detail, req.Markup, req.Changes, req.Force)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, commit)
		return nil
	}
	return methodNotAllowed(w)
}

func patternOf(r *http.Request) (*api.PathPattern, error) {
	raw := r.URL.Query().Get("pathPattern")
	if raw == "" {
		return api.PatternAll, nil
	}
	return api.CompilePattern(raw)
}

func (h *apiHandler) diff(w http.ResponseWriter, r *http.Request, proj, repo string) error {
	from, err := queryRevision(r, "from", api.Init)
	if err != nil {
		return err
	}
	to, err := queryRevision(r, "to", api.Head)
	if err != nil {
		return err
	}
	if path := r.URL.Query().Get("path"); path != "" {
		change, err := h.svc.DiffQuery(proj, repo, from, to, queryOf(r))
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, change)
		return nil
	}
	pattern, err := patternOf(r)
	if err != nil {
		return err
	}
	changes, err := h.svc.Diff(proj, repo, from, to, pattern)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, changes)
	return nil
}

// watch is the long-poll leg: it suspends until a matching commit
// lands or the timeout passes, which maps to 304.
func (h *apiHandler) watch(w http.ResponseWriter, r *http.Request, proj, repo string) error {
	lastKnown, err := queryRevision(r, "lastKnownRevision", api.Head)
	if err != nil {
		return err
	}
	timeout := defaultWatchTimeout
	if raw := r.URL.Query().Get("timeout"); raw != "" {
		if timeout, err = time.ParseDuration(raw); err != nil {
			return api.NewError(api.KindInvalidPush, "unparsable timeout %q", raw)
		}
	}
	if path := r.URL.Query().Get("path"); path != "" {
		rev, entry, err := h.svc.WatchFile(r.Context(), proj, repo, lastKnown, queryOf(r), timeout)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{"revision": rev, "entry": entry})
		return nil
	}
	pattern, err := patternOf(r)
	if err != nil {
		return err
	}
	rev, err := h.svc.WatchRepository(r.Context(), proj, repo, lastKnown, pattern, timeout)
	if err != nil {
		return err
	}
	writeJSON(w, http.StatusOK, map[string]api.Revision{"revision": rev})
	return nil
}

func (h *apiHandler) sessions(w http.ResponseWriter, r *http.Request, rest []string) error {
	switch {
	case len(rest) == 0 && r.Method == http.MethodPost:
		var req struct {
			Username string `json:"username"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Username == "" {
			return api.NewError(api.KindInvalidPush, "a username is required")
		}
		sess, err := h.svc.Login(r.Context(), req.Username)
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusCreated, sess)
		return nil
	case len(rest) == 1 && r.Method == http.MethodGet:
		sess, err := h.svc.FindSession(rest[0])
		if err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, sess)
		return nil
	case len(rest) == 1 && r.Method == http.MethodDelete:
		if err := h.svc.Logout(r.Context(), rest[0]); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	}
	return methodNotAllowed(w)
}

func (h *apiHandler) status(w http.ResponseWriter, r *http.Request) error {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"writable":    h.svc.Writable(),
			"leader":      h.svc.IsLeader(),
			"lastApplied": h.svc.LastApplied(),
		})
		return nil
	case http.MethodPut:
		var req struct {
			Writable bool `json:"writable"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			return api.NewError(api.KindInvalidPush, "undecodable request body: %v", err)
		}
		if err := h.svc.SetWritable(r.Context(), req.Writable, author(r)); err != nil {
			return err
		}
		writeJSON(w, http.StatusOK, nil)
		return nil
	}
	return methodNotAllowed(w)
}
