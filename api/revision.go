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

// Package api holds the value model shared by every Mirador component:
// revisions, entries, changes, commits, queries, path patterns and the
// typed error kinds surfaced to callers.
package api

import (
	"fmt"
	"strconv"
	"strings"
)

// Revision labels a commit within a repository. Positive values are
// absolute (1 is the repository creation commit); negative values are
// relative to the head (-1 is the head itself). Zero is never valid.
type Revision int64

// Head is the symbolic revision for the latest commit.
const Head Revision = -1

// Init is the revision every repository starts at.
const Init Revision = 1

// IsRelative reports whether r must be resolved against a head revision
// before it can be used for storage I/O.
func (r Revision) IsRelative() bool {
	return r < 0
}

// Valid reports whether r is a well-formed revision number.
func (r Revision) Valid() bool {
	return r != 0
}

func (r Revision) String() string {
	return strconv.FormatInt(int64(r), 10)
}

// ParseRevision accepts a decimal revision number or the symbolic name
// "HEAD" (case-insensitive).
func ParseRevision(s string) (Revision, error) {
	if strings.EqualFold(s, "HEAD") {
		return Head, nil
	}
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, NewError(KindInvalidPush, "invalid revision %q", s)
	}
	r := Revision(n)
	if !r.Valid() {
		return 0, NewError(KindInvalidPush, "revision 0 is not allowed")
	}
	return r, nil
}

// Normalize resolves r to a positive revision given the current head.
// Every public API normalizes revisions before any storage I/O happens.
func (r Revision) Normalize(head Revision) (Revision, error) {
	if head < Init {
		return 0, fmt.Errorf("head revision %d out of range", head)
	}
	if !r.Valid() {
		return 0, NewError(KindInvalidPush, "revision 0 is not allowed")
	}
	if r > 0 {
		if r > head {
			return 0, NewError(KindNotFound, "revision %d does not exist (head: %d)", r, head)
		}
		return r, nil
	}
	n := head + r + 1
	if n < Init {
		return 0, NewError(KindNotFound, "revision %d does not exist (head: %d)", r, head)
	}
	return n, nil
}
