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

package session

import (
	"time"

	"github.com/sirupsen/logrus"
	cron "gopkg.in/robfig/cron.v2"
)

// Sweeper deletes expired sessions on a cron schedule. In a cluster it
// runs only while this replica leads; removals go through the remove
// callback so replicated deployments route them over the command log.
type Sweeper struct {
	store    *Store
	isLeader func() bool
	remove   func(id string) error
	now      func() time.Time
	log      *logrus.Entry

	agent *cron.Cron
}

// NewSweeper schedules sweeps per spec (cron syntax, e.g. "@every 10m").
// A nil isLeader always sweeps; a nil remove deletes locally.
func NewSweeper(store *Store, spec string, isLeader func() bool, remove func(id string) error) (*Sweeper, error) {
	s := &Sweeper{
		store:    store,
		isLeader: isLeader,
		remove:   remove,
		now:      time.Now,
		log:      logrus.WithField("component", "session-sweeper"),
	}
	if s.isLeader == nil {
		s.isLeader = func() bool { return true }
	}
	if s.remove == nil {
		s.remove = store.Delete
	}
	s.agent = cron.New()
	if _, err := s.agent.AddFunc(spec, func() {
		if _, err := s.SweepOnce(); err != nil {
			s.log.WithError(err).Error("session sweep failed")
		}
	}); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins scheduled sweeping.
func (s *Sweeper) Start() { s.agent.Start() }

// Stop cancels future sweeps; a sweep in progress finishes.
func (s *Sweeper) Stop() { s.agent.Stop() }

// SweepOnce walks the store and removes every expired session,
// returning how many it removed. Individual failures are logged and
// skipped so one bad file never starves the rest.
func (s *Sweeper) SweepOnce() (int, error) {
	if !s.isLeader() {
		return 0, nil
	}
	now := s.now()
	removed := 0
	err := s.store.Walk(func(id string, sess *Session, err error) {
		if err != nil {
			s.log.WithError(err).WithField("session", id).Warning("skipping unreadable session")
			return
		}
		if !sess.Expired(now) {
			return
		}
		if err := s.remove(id); err != nil {
			s.log.WithError(err).WithField("session", id).Warning("failed to remove expired session")
			return
		}
		removed++
	})
	if removed > 0 {
		s.log.WithField("removed", removed).Info("swept expired sessions")
	}
	return removed, err
}
