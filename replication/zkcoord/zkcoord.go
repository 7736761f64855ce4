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

// Package zkcoord backs the coordination-service interface with a
// ZooKeeper ensemble.
package zkcoord

import (
	"fmt"
	"time"

	"github.com/go-zookeeper/zk"
	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/replication"
)

// Options configures the ensemble connection.
type Options struct {
	// Servers lists ensemble members as host:port.
	Servers []string
	// SessionTimeout bounds how long ephemerals outlive a dead replica.
	SessionTimeout time.Duration
}

// Coord implements replication.Coordinator over one ZooKeeper session.
type Coord struct {
	conn *zk.Conn
}

// Connect establishes the session and blocks until it is usable or the
// session timeout passes.
func Connect(opts Options) (*Coord, error) {
	if len(opts.Servers) == 0 {
		return nil, fmt.Errorf("no zookeeper servers configured")
	}
	timeout := opts.SessionTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	conn, events, err := zk.Connect(opts.Servers, timeout, zk.WithLogInfo(false))
	if err != nil {
		return nil, fmt.Errorf("connecting to zookeeper: %w", err)
	}
	deadline := time.After(timeout)
	for {
		select {
		case ev := <-events:
			if ev.State == zk.StateHasSession {
				go drain(events)
				return &Coord{conn: conn}, nil
			}
		case <-deadline:
			conn.Close()
			return nil, fmt.Errorf("no zookeeper session within %s", timeout)
		}
	}
}

// drain keeps the session event channel from blocking the client.
func drain(events <-chan zk.Event) {
	for ev := range events {
		if ev.State == zk.StateDisconnected || ev.State == zk.StateExpired {
			logrus.WithField("component", "zkcoord").
				WithField("state", ev.State.String()).Warning("zookeeper session event")
		}
	}
}

func mapErr(err error) error {
	switch err {
	case nil:
		return nil
	case zk.ErrNodeExists:
		return replication.ErrNodeExists
	case zk.ErrNoNode:
		return replication.ErrNoNode
	case zk.ErrBadVersion:
		return replication.ErrBadVersion
	case zk.ErrConnectionClosed, zk.ErrClosing, zk.ErrSessionExpired:
		return replication.ErrConnectionClosed
	}
	return err
}

func (c *Coord) Create(path string, data []byte) error {
	_, err := c.conn.Create(path, data, 0, zk.WorldACL(zk.PermAll))
	return mapErr(err)
}

func (c *Coord) CreateEphemeral(path string, data []byte) error {
	_, err := c.conn.Create(path, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	return mapErr(err)
}

func (c *Coord) CreateSequential(pathPrefix string, data []byte) (string, error) {
	path, err := c.conn.Create(pathPrefix, data, zk.FlagSequence, zk.WorldACL(zk.PermAll))
	return path, mapErr(err)
}

func (c *Coord) Get(path string) ([]byte, int32, error) {
	data, stat, err := c.conn.Get(path)
	if err != nil {
		return nil, 0, mapErr(err)
	}
	return data, stat.Version, nil
}

func (c *Coord) Set(path string, data []byte, version int32) error {
	_, err := c.conn.Set(path, data, version)
	return mapErr(err)
}

func (c *Coord) Delete(path string, version int32) error {
	return mapErr(c.conn.Delete(path, version))
}

func (c *Coord) Exists(path string) (bool, error) {
	ok, _, err := c.conn.Exists(path)
	return ok, mapErr(err)
}

func (c *Coord) Children(path string) ([]string, error) {
	names, _, err := c.conn.Children(path)
	return names, mapErr(err)
}

func (c *Coord) ChildrenW(path string) ([]string, <-chan struct{}, error) {
	names, _, events, err := c.conn.ChildrenW(path)
	if err != nil {
		return nil, nil, mapErr(err)
	}
	fired := make(chan struct{})
	go func() {
		<-events
		close(fired)
	}()
	return names, fired, nil
}

func (c *Coord) Close() error {
	c.conn.Close()
	return nil
}
