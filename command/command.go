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

// Package command defines the replicated command vocabulary: every
// cluster-wide mutation is one of these tagged unions, serialized to
// JSON and applied in log order on every replica.
package command

import (
	"context"
	"encoding/json"
	"time"

	"github.com/mirador-project/mirador/api"
)

// Type tags a command on the wire.
type Type string

const (
	TypeCreateProject      Type = "CREATE_PROJECT"
	TypeRemoveProject      Type = "REMOVE_PROJECT"
	TypeUnremoveProject    Type = "UNREMOVE_PROJECT"
	TypePurgeProject       Type = "PURGE_PROJECT"
	TypeCreateRepository   Type = "CREATE_REPOSITORY"
	TypeRemoveRepository   Type = "REMOVE_REPOSITORY"
	TypeUnremoveRepository Type = "UNREMOVE_REPOSITORY"
	TypePurgeRepository    Type = "PURGE_REPOSITORY"
	TypePush               Type = "PUSH"
	TypeUpdateServerStatus Type = "UPDATE_SERVER_STATUS"
	TypeCreateSession      Type = "CREATE_SESSION"
	TypeRemoveSession      Type = "REMOVE_SESSION"
	TypeTransform          Type = "TRANSFORM"
)

// Command is one replicated mutation. Implementations are plain data:
// a command must describe its entire effect so replicas replay it
// without consulting the producer.
type Command interface {
	Type() Type
	// Timestamp is the leader-assigned wall time, replayed verbatim so
	// every replica produces identical commits.
	Timestamp() time.Time
	Author() api.Author
}

// Base carries the fields every command shares.
type Base struct {
	TS time.Time  `json:"timestamp"`
	By api.Author `json:"author"`
}

func (b Base) Timestamp() time.Time { return b.TS }
func (b Base) Author() api.Author   { return b.By }

// CreateProject creates a project and its meta-repository.
type CreateProject struct {
	Base
	Project string `json:"project"`
}

func (CreateProject) Type() Type { return TypeCreateProject }

// RemoveProject marks a project removed, retaining its data.
type RemoveProject struct {
	Base
	Project string `json:"project"`
}

func (RemoveProject) Type() Type { return TypeRemoveProject }

// UnremoveProject restores a removed project.
type UnremoveProject struct {
	Base
	Project string `json:"project"`
}

func (UnremoveProject) Type() Type { return TypeUnremoveProject }

// PurgeProject deletes a removed project's data permanently.
type PurgeProject struct {
	Base
	Project string `json:"project"`
}

func (PurgeProject) Type() Type { return TypePurgeProject }

// CreateRepository creates a repository inside a project.
type CreateRepository struct {
	Base
	Project string `json:"project"`
	Repo    string `json:"repo"`
}

func (CreateRepository) Type() Type { return TypeCreateRepository }

// RemoveRepository marks a repository removed, retaining its data.
type RemoveRepository struct {
	Base
	Project string `json:"project"`
	Repo    string `json:"repo"`
}

func (RemoveRepository) Type() Type { return TypeRemoveRepository }

// UnremoveRepository restores a removed repository.
type UnremoveRepository struct {
	Base
	Project string `json:"project"`
	Repo    string `json:"repo"`
}

func (UnremoveRepository) Type() Type { return TypeUnremoveRepository }

// PurgeRepository deletes a removed repository's data permanently.
type PurgeRepository struct {
	Base
	Project string `json:"project"`
	Repo    string `json:"repo"`
}

func (PurgeRepository) Type() Type { return TypePurgeRepository }

// Push appends a commit. BaseRevision is the producer's normalized
// expected head; on replay it always matches, because the log already
// ordered the producer's check before any later push.
type Push struct {
	Base
	Project      string       `json:"project"`
	Repo         string       `json:"repo"`
	BaseRevision api.Revision `json:"baseRevision"`
	Summary      string       `json:"summary"`
	Detail       string       `json:"detail,omitempty"`
	Markup       api.Markup   `json:"markup,omitempty"`
	Changes      []api.Change `json:"changes"`
	Force        bool         `json:"force,omitempty"`
}

func (Push) Type() Type { return TypePush }

// UpdateServerStatus toggles cluster-wide writability. Logged so every
// replica flips at the same logical time.
type UpdateServerStatus struct {
	Base
	Writable bool `json:"writable"`
}

func (UpdateServerStatus) Type() Type { return TypeUpdateServerStatus }

// CreateSession replicates a successful login. The session document is
// opaque to the log; the session id doubles as the idempotency token,
// so replaying an existing session is a no-op.
type CreateSession struct {
	Base
	SessionID string          `json:"sessionId"`
	Session   json.RawMessage `json:"session"`
}

func (CreateSession) Type() Type { return TypeCreateSession }

// RemoveSession replicates a logout or an expiry sweep. Removing an
// absent session is a no-op.
type RemoveSession struct {
	Base
	SessionID string `json:"sessionId"`
}

func (RemoveSession) Type() Type { return TypeRemoveSession }

// Transform derives a push from a pure function over the current value
// at a path. It never reaches the wire: the producer evaluates Func
// against its snapshot and logs the concrete Push, so replicas replay
// data, not code.
type Transform struct {
	Base
	Project string
	Repo    string
	Path    string
	Summary string
	Func    func(current json.RawMessage) (json.RawMessage, error)
}

func (Transform) Type() Type { return TypeTransform }

// Materialize evaluates the transform against current content and
// returns the concrete push to log. An unchanged result is rejected as
// redundant before touching the log.
func (t *Transform) Materialize(current json.RawMessage) (*Push, error) {
	next, err := t.Func(current)
	if err != nil {
		return nil, api.WrapError(api.KindInvalidPush, err, "transform of %s failed", t.Path)
	}
	if api.JSONEqual(current, next) {
		return nil, api.NewError(api.KindRedundantChange, "transform of %s produced no change", t.Path)
	}
	return &Push{
		Base:         t.Base,
		Project:      t.Project,
		Repo:         t.Repo,
		BaseRevision: api.Head,
		Summary:      t.Summary,
		Changes:      []api.Change{api.NewUpsertJSON(t.Path, next)},
	}, nil
}

// Executor applies commands to local state. The replication layer
// calls it exactly once per log entry, in log order.
type Executor interface {
	Execute(ctx context.Context, c Command) (json.RawMessage, error)
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, c Command) (json.RawMessage, error)

func (f ExecutorFunc) Execute(ctx context.Context, c Command) (json.RawMessage, error) {
	return f(ctx, c)
}
