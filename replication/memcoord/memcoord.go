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

// Package memcoord is an in-process coordination service with the same
// node semantics as ZooKeeper: versioned nodes, ephemerals bound to a
// handle, zero-padded sequential names, one-shot child watches. It
// backs single-replica deployments and the replication tests.
package memcoord

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/mirador-project/mirador/replication"
)

type node struct {
	data    []byte
	version int32
	owner   *Handle // nil for persistent nodes
	nextSeq int64   // sequence counter for children
}

// Cluster is the shared node tree. Every replica gets its own Handle
// via Connect; ephemerals die with their handle, which is how tests
// simulate replica crashes.
type Cluster struct {
	mu      sync.Mutex
	nodes   map[string]*node
	watches map[string][]chan struct{} // armed child watches per parent
}

// NewCluster returns a tree containing only the root.
func NewCluster() *Cluster {
	return &Cluster{
		nodes:   map[string]*node{"/": {}},
		watches: map[string][]chan struct{}{},
	}
}

// Connect returns a fresh handle onto the shared tree.
func (c *Cluster) Connect() *Handle {
	return &Handle{cluster: c}
}

// Handle is one replica's connection. Implements
// replication.Coordinator.
type Handle struct {
	cluster *Cluster
	mu      sync.Mutex
	closed  bool
}

func parentOf(path string) string {
	i := strings.LastIndex(path, "/")
	if i <= 0 {
		return "/"
	}
	return path[:i]
}

func (c *Cluster) fireChildWatches(parent string) {
	for _, ch := range c.watches[parent] {
		close(ch)
	}
	delete(c.watches, parent)
}

func (h *Handle) guard() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return replication.ErrConnectionClosed
	}
	return nil
}

func (h *Handle) create(path string, data []byte, owner *Handle) error {
	if err := h.guard(); err != nil {
		return err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; ok {
		return fmt.Errorf("%s: %w", path, replication.ErrNodeExists)
	}
	if _, ok := c.nodes[parentOf(path)]; !ok {
		return fmt.Errorf("parent of %s: %w", path, replication.ErrNoNode)
	}
	c.nodes[path] = &node{data: append([]byte(nil), data...), owner: owner}
	c.fireChildWatches(parentOf(path))
	return nil
}

func (h *Handle) Create(path string, data []byte) error {
	return h.create(path, data, nil)
}

func (h *Handle) CreateEphemeral(path string, data []byte) error {
	return h.create(path, data, h)
}

func (h *Handle) CreateSequential(pathPrefix string, data []byte) (string, error) {
	if err := h.guard(); err != nil {
		return "", err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	parent, ok := c.nodes[parentOf(pathPrefix)]
	if !ok {
		return "", fmt.Errorf("parent of %s: %w", pathPrefix, replication.ErrNoNode)
	}
	path := fmt.Sprintf("%s%010d", pathPrefix, parent.nextSeq)
	parent.nextSeq++
	c.nodes[path] = &node{data: append([]byte(nil), data...)}
	c.fireChildWatches(parentOf(pathPrefix))
	return path, nil
}

func (h *Handle) Get(path string) ([]byte, int32, error) {
	if err := h.guard(); err != nil {
		return nil, 0, err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return nil, 0, fmt.Errorf("%s: %w", path, replication.ErrNoNode)
	}
	return append([]byte(nil), n.data...), n.version, nil
}

func (h *Handle) Set(path string, data []byte, version int32) error {
	if err := h.guard(); err != nil {
		return err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	n, ok := c.nodes[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, replication.ErrNoNode)
	}
	if n.version != version {
		return fmt.Errorf("%s at version %d, not %d: %w", path, n.version, version, replication.ErrBadVersion)
	}
	n.data = append([]byte(nil), data...)
	n.version++
	return nil
}

func (h *Handle) Delete(path string, version int32) error {
	if err := h.guard(); err != nil {
		return err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteLocked(path, version)
}

func (c *Cluster) deleteLocked(path string, version int32) error {
	n, ok := c.nodes[path]
	if !ok {
		return fmt.Errorf("%s: %w", path, replication.ErrNoNode)
	}
	if version != -1 && n.version != version {
		return fmt.Errorf("%s at version %d, not %d: %w", path, n.version, version, replication.ErrBadVersion)
	}
	delete(c.nodes, path)
	c.fireChildWatches(parentOf(path))
	return nil
}

func (h *Handle) Exists(path string) (bool, error) {
	if err := h.guard(); err != nil {
		return false, err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.nodes[path]
	return ok, nil
}

func (c *Cluster) childrenLocked(path string) []string {
	var names []string
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	for p := range c.nodes {
		if p == path || !strings.HasPrefix(p, prefix) {
			continue
		}
		rest := p[len(prefix):]
		if !strings.Contains(rest, "/") {
			names = append(names, rest)
		}
	}
	sort.Strings(names)
	return names
}

func (h *Handle) Children(path string) ([]string, error) {
	if err := h.guard(); err != nil {
		return nil, err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; !ok {
		return nil, fmt.Errorf("%s: %w", path, replication.ErrNoNode)
	}
	return c.childrenLocked(path), nil
}

func (h *Handle) ChildrenW(path string) ([]string, <-chan struct{}, error) {
	if err := h.guard(); err != nil {
		return nil, nil, err
	}
	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.nodes[path]; !ok {
		return nil, nil, fmt.Errorf("%s: %w", path, replication.ErrNoNode)
	}
	ch := make(chan struct{})
	c.watches[path] = append(c.watches[path], ch)
	return c.childrenLocked(path), ch, nil
}

// Close drops the handle's ephemeral nodes and fails all further calls.
func (h *Handle) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	h.mu.Unlock()

	c := h.cluster
	c.mu.Lock()
	defer c.mu.Unlock()
	for p, n := range c.nodes {
		if n.owner == h {
			delete(c.nodes, p)
			c.fireChildWatches(parentOf(p))
		}
	}
	return nil
}
