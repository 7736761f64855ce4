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

package replication

import (
	"errors"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"
)

// Elector runs the ephemeral-sequential election recipe: every replica
// creates a member node; the lowest sequence number leads; everyone
// re-evaluates when the membership changes. Leadership gates the
// session sweeper and unpinned mirrors, never log appends.
type Elector struct {
	coord     Coordinator
	dir       string
	replicaID string
	log       *logrus.Entry

	mu     sync.Mutex
	member string // our node name under dir
	leader bool

	// changes coalesces: one slot, keep the latest state.
	changes chan bool
	stop    chan struct{}
	done    chan struct{}
}

// NewElector enrolls this replica under dir (e.g. <root>/election).
func NewElector(coord Coordinator, dir, replicaID string) (*Elector, error) {
	path, err := coord.CreateSequential(dir+"/member-", []byte(replicaID))
	if err != nil {
		return nil, err
	}
	e := &Elector{
		coord:     coord,
		dir:       dir,
		replicaID: replicaID,
		member:    path[strings.LastIndex(path, "/")+1:],
		log: logrus.WithField("component", "elector").
			WithField("replica", replicaID),
		changes: make(chan bool, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go e.run()
	return e, nil
}

// IsLeader reports the last observed election outcome.
func (e *Elector) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leader
}

// Changes delivers leadership transitions, coalesced to the latest.
func (e *Elector) Changes() <-chan bool {
	return e.changes
}

// Stop leaves the election. The member node dies with the coordinator
// handle.
func (e *Elector) Stop() {
	close(e.stop)
	<-e.done
}

func memberSeq(name string) int64 {
	i := strings.LastIndex(name, "-")
	n, err := strconv.ParseInt(name[i+1:], 10, 64)
	if err != nil {
		return -1
	}
	return n
}

func (e *Elector) run() {
	defer close(e.done)
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0 // retry forever until stopped
	for {
		members, watch, err := e.coord.ChildrenW(e.dir)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				e.setLeader(false)
				return
			}
			e.log.WithError(err).Warning("election membership check failed")
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-e.stop:
				return
			}
		}
		bo.Reset()
		sort.Slice(members, func(i, j int) bool {
			return memberSeq(members[i]) < memberSeq(members[j])
		})
		e.setLeader(len(members) > 0 && members[0] == e.member)
		select {
		case <-watch:
		case <-e.stop:
			return
		}
	}
}

func (e *Elector) setLeader(leader bool) {
	e.mu.Lock()
	changed := e.leader != leader
	e.leader = leader
	e.mu.Unlock()
	if !changed {
		return
	}
	if leader {
		e.log.Info("acquired leadership")
	} else {
		e.log.Info("lost leadership")
	}
	// Keep only the latest transition.
	select {
	case e.changes <- leader:
	default:
		select {
		case <-e.changes:
		default:
		}
		e.changes <- leader
	}
}
