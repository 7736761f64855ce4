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

// Package replication implements the totally-ordered command log:
// leader election and ordered append over a small coordination-service
// interface, plus the replay loop every replica runs.
package replication

import "errors"

// Coordinator is the coordination-service surface the log needs: a
// hierarchy of versioned nodes with ephemeral and sequential creation,
// compare-and-swap writes, and one-shot child watches. ZooKeeper
// provides exactly this shape; memcoord provides it in process.
type Coordinator interface {
	// Create makes a persistent node. Parents must exist.
	Create(path string, data []byte) error
	// CreateEphemeral makes a node that disappears when this
	// coordinator handle closes or its session expires.
	CreateEphemeral(path string, data []byte) error
	// CreateSequential makes a persistent node named pathPrefix plus a
	// monotonically increasing zero-padded sequence number, and returns
	// the full created path.
	CreateSequential(pathPrefix string, data []byte) (string, error)
	// Get returns a node's data and version.
	Get(path string) ([]byte, int32, error)
	// Set overwrites a node's data iff its version still matches.
	Set(path string, data []byte, version int32) error
	// Delete removes a node iff its version still matches. Version -1
	// skips the check.
	Delete(path string, version int32) error
	// Exists reports whether a node exists.
	Exists(path string) (bool, error)
	// Children lists a node's children, unordered.
	Children(path string) ([]string, error)
	// ChildrenW lists children and arms a one-shot watch that fires on
	// the next membership change.
	ChildrenW(path string) ([]string, <-chan struct{}, error)
	// Close releases the handle and all its ephemeral nodes.
	Close() error
}

// Sentinel errors every Coordinator implementation maps to. The log
// translates them into the classified api errors at its boundary.
var (
	// ErrNodeExists is returned by creates on an occupied path.
	ErrNodeExists = errors.New("node already exists")
	// ErrNoNode is returned when the path does not exist.
	ErrNoNode = errors.New("node does not exist")
	// ErrBadVersion is returned by a failed compare-and-swap.
	ErrBadVersion = errors.New("version mismatch")
	// ErrConnectionClosed is returned after Close or session loss.
	ErrConnectionClosed = errors.New("coordination service connection closed")
)
