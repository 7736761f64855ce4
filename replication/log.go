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
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sirupsen/logrus"

	"github.com/mirador-project/mirador/api"
	"github.com/mirador-project/mirador/command"
)

const (
	electionNode = "election"
	logsNode     = "logs"
	lockNode     = "lock"
	entryPrefix  = "entry-"

	// lastRevisionFile records the highest applied log sequence as
	// ASCII decimal, one per replica, updated by atomic rename.
	lastRevisionFile = "last_revision"
)

// Entry is one log record as stored in the coordination service.
type Entry struct {
	ReplicaID string          `json:"replicaId"`
	Command   json.RawMessage `json:"command"`
	// Result is written back by the producing replica after its local
	// apply. Informational only; replay ignores it.
	Result json.RawMessage `json:"result,omitempty"`
}

// Options configures a Log.
type Options struct {
	// Root is the namespace inside the coordination service.
	Root string
	// ReplicaID names this replica in log entries and the election.
	ReplicaID string
	// DataDir holds the last_revision file.
	DataDir string
}

func (o *Options) Validate() error {
	if o.Root == "" || !strings.HasPrefix(o.Root, "/") {
		return fmt.Errorf("root must be an absolute coordination path, got %q", o.Root)
	}
	if o.ReplicaID == "" {
		return errors.New("replica id must not be empty")
	}
	if o.DataDir == "" {
		return errors.New("data dir must not be empty")
	}
	return nil
}

type applyOutcome struct {
	result json.RawMessage
	err    error
}

// Log is the replicated command log. Submit appends under a
// cluster-wide lock; a replay goroutine applies entries in sequence
// order through the executor, on every replica including the producer.
type Log struct {
	coord   Coordinator
	exec    command.Executor
	elector *Elector
	opts    Options
	logger  *logrus.Entry

	mu          sync.Mutex
	lastApplied int64
	waiters     map[int64]chan applyOutcome
	// recent retains outcomes for appends that were replayed before
	// their producer registered a waiter.
	recent map[int64]applyOutcome

	stop chan struct{}
	done chan struct{}
}

// Open joins the cluster: ensures the namespace exists, enrolls in the
// election, restores the last applied sequence from disk and starts
// the replay loop.
func Open(coord Coordinator, exec command.Executor, opts Options) (*Log, error) {
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	for _, p := range []string{opts.Root, opts.Root + "/" + electionNode, opts.Root + "/" + logsNode} {
		if err := coord.Create(p, nil); err != nil && !errors.Is(err, ErrNodeExists) {
			return nil, api.WrapError(api.KindNoQuorum, err, "initializing namespace %s", p)
		}
	}
	elector, err := NewElector(coord, opts.Root+"/"+electionNode, opts.ReplicaID)
	if err != nil {
		return nil, api.WrapError(api.KindNoQuorum, err, "joining the election")
	}
	last, err := readLastRevision(filepath.Join(opts.DataDir, lastRevisionFile))
	if err != nil {
		elector.Stop()
		return nil, err
	}
	l := &Log{
		coord:       coord,
		exec:        exec,
		elector:     elector,
		opts:        opts,
		lastApplied: last,
		waiters:     map[int64]chan applyOutcome{},
		recent:      map[int64]applyOutcome{},
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
		logger: logrus.WithField("component", "replication-log").
			WithField("replica", opts.ReplicaID),
	}
	go l.replay()
	return l, nil
}

// IsLeader reports whether this replica currently leads.
func (l *Log) IsLeader() bool { return l.elector.IsLeader() }

// LeadershipChanges delivers leadership transitions.
func (l *Log) LeadershipChanges() <-chan bool { return l.elector.Changes() }

// LastApplied returns the highest applied log sequence.
func (l *Log) LastApplied() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastApplied
}

// Close leaves the election and stops the replay loop. The coordinator
// handle stays open; the caller owns it.
func (l *Log) Close() {
	close(l.stop)
	<-l.done
	l.elector.Stop()
}

// Submit appends c to the log and suspends until the local replay has
// applied it, returning the executor's outcome. Ordering is guaranteed
// by a cluster-level lock held only around the append.
func (l *Log) Submit(ctx context.Context, c command.Command) (json.RawMessage, error) {
	payload, err := command.Encode(c)
	if err != nil {
		return nil, err
	}
	entry, err := json.Marshal(Entry{ReplicaID: l.opts.ReplicaID, Command: payload})
	if err != nil {
		return nil, fmt.Errorf("marshaling log entry: %w", err)
	}

	if err := l.acquireLock(ctx); err != nil {
		return nil, err
	}
	path, err := l.coord.CreateSequential(l.opts.Root+"/"+logsNode+"/"+entryPrefix, entry)
	l.releaseLock()
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return nil, api.WrapError(api.KindShutdown, err, "appending %s command", c.Type())
		}
		return nil, api.WrapError(api.KindNoQuorum, err, "appending %s command", c.Type())
	}
	seq := entrySeq(path[strings.LastIndex(path, "/")+1:])

	l.mu.Lock()
	if out, ok := l.recent[seq]; ok {
		delete(l.recent, seq)
		l.mu.Unlock()
		return out.result, out.err
	}
	ch := make(chan applyOutcome, 1)
	l.waiters[seq] = ch
	l.mu.Unlock()

	select {
	case out := <-ch:
		return out.result, out.err
	case <-ctx.Done():
		l.mu.Lock()
		delete(l.waiters, seq)
		l.mu.Unlock()
		return nil, api.WrapError(api.KindCancelled, ctx.Err(), "waiting for log entry %d to apply", seq)
	case <-l.stop:
		return nil, api.NewError(api.KindShutdown, "log closed while entry %d was in flight", seq)
	}
}

// acquireLock takes the cluster-wide append lock: an ephemeral node
// retried with backoff until free.
func (l *Log) acquireLock(ctx context.Context) error {
	lock := l.opts.Root + "/" + lockNode
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	return backoff.Retry(func() error {
		err := l.coord.CreateEphemeral(lock, []byte(l.opts.ReplicaID))
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrNodeExists):
			return err // another replica is appending; retry
		case errors.Is(err, ErrConnectionClosed):
			return backoff.Permanent(api.WrapError(api.KindShutdown, err, "acquiring the append lock"))
		default:
			return backoff.Permanent(api.WrapError(api.KindNoQuorum, err, "acquiring the append lock"))
		}
	}, bo)
}

func (l *Log) releaseLock() {
	if err := l.coord.Delete(l.opts.Root+"/"+lockNode, -1); err != nil && !errors.Is(err, ErrConnectionClosed) {
		l.logger.WithError(err).Warning("failed to release the append lock")
	}
}

func entrySeq(name string) int64 {
	n, err := strconv.ParseInt(strings.TrimPrefix(name, entryPrefix), 10, 64)
	if err != nil {
		return -1
	}
	return n
}

// replay applies log entries in sequence order as they appear.
func (l *Log) replay() {
	defer close(l.done)
	logs := l.opts.Root + "/" + logsNode
	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 0
	for {
		names, watch, err := l.coord.ChildrenW(logs)
		if err != nil {
			if errors.Is(err, ErrConnectionClosed) {
				return
			}
			l.logger.WithError(err).Warning("listing log entries failed")
			select {
			case <-time.After(bo.NextBackOff()):
				continue
			case <-l.stop:
				return
			}
		}
		bo.Reset()
		seqs := make([]int64, 0, len(names))
		for _, n := range names {
			if s := entrySeq(n); s > l.LastApplied() {
				seqs = append(seqs, s)
			}
		}
		sort.Slice(seqs, func(i, j int) bool { return seqs[i] < seqs[j] })
		for _, seq := range seqs {
			if !l.applyOne(seq) {
				return
			}
		}
		select {
		case <-watch:
		case <-l.stop:
			return
		}
	}
}

// applyOne fetches, decodes and executes entry seq. Returns false only
// on shutdown.
func (l *Log) applyOne(seq int64) bool {
	path := fmt.Sprintf("%s/%s/%s%010d", l.opts.Root, logsNode, entryPrefix, seq)
	data, version, err := l.coord.Get(path)
	if err != nil {
		if errors.Is(err, ErrConnectionClosed) {
			return false
		}
		// Purged entries (log compaction) are skipped over.
		l.logger.WithError(err).WithField("seq", seq).Warning("log entry unreadable, skipping")
		l.advance(seq, applyOutcome{err: api.WrapError(api.KindNoQuorum, err, "log entry %d unreadable", seq)})
		return true
	}
	var entry Entry
	if err := json.Unmarshal(data, &entry); err != nil {
		l.fatalEntry(seq, err)
		return false
	}
	c, err := command.Decode(entry.Command)
	if err != nil {
		l.fatalEntry(seq, err)
		return false
	}

	result, execErr := l.exec.Execute(context.Background(), c)
	if execErr != nil {
		// Executor failures replay identically on every replica, so
		// convergence is preserved; the producer still needs to see it.
		l.logger.WithError(execErr).WithFields(logrus.Fields{
			"seq": seq, "type": c.Type(),
		}).Debug("command application failed")
	}

	// Only the producer records the informational result.
	if entry.ReplicaID == l.opts.ReplicaID && result != nil && execErr == nil {
		entry.Result = result
		if updated, err := json.Marshal(entry); err == nil {
			if err := l.coord.Set(path, updated, version); err != nil {
				l.logger.WithError(err).WithField("seq", seq).Debug("could not record entry result")
			}
		}
	}

	l.advance(seq, applyOutcome{result: result, err: execErr})
	return true
}

// fatalEntry handles an entry this replica cannot interpret. Applying
// past it would silently diverge from the cluster, so replay halts.
func (l *Log) fatalEntry(seq int64, err error) {
	l.logger.WithError(err).WithField("seq", seq).Error("uninterpretable log entry; halting replay")
	l.mu.Lock()
	out := applyOutcome{err: api.WrapError(api.KindCorruption, err, "log entry %d", seq)}
	for s, ch := range l.waiters {
		delete(l.waiters, s)
		ch <- out
	}
	l.mu.Unlock()
}

// advance persists and publishes the apply of seq.
func (l *Log) advance(seq int64, out applyOutcome) {
	if err := writeLastRevision(filepath.Join(l.opts.DataDir, lastRevisionFile), seq); err != nil {
		l.logger.WithError(err).Error("failed to persist last applied revision")
	}
	l.mu.Lock()
	l.lastApplied = seq
	if ch, ok := l.waiters[seq]; ok {
		delete(l.waiters, seq)
		ch <- out
	} else {
		l.recent[seq] = out
		for s := range l.recent {
			if s < seq-128 {
				delete(l.recent, s)
			}
		}
	}
	l.mu.Unlock()
}

// readLastRevision restores the applied-sequence counter. A missing
// file means a fresh replica.
func readLastRevision(path string) (int64, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return -1, nil
	}
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", path, err)
	}
	n, err := strconv.ParseInt(strings.TrimSpace(string(data)), 10, 64)
	if err != nil {
		return 0, api.WrapError(api.KindCorruption, err, "parsing %s", path)
	}
	return n, nil
}

// writeLastRevision updates the counter via temp file and rename so a
// crash never leaves a torn value.
func writeLastRevision(path string, seq int64) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, "last_revision-")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(tmp, "%d", seq); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}
