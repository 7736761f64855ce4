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

// Package metrics holds the prometheus collectors shared across the
// server. Collectors register at init; the binary exposes them via
// promhttp.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/mirador-project/mirador/mirror"
)

var (
	// CommitLatency observes how long one push takes to apply.
	CommitLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mirador_commit_latency_seconds",
		Help:    "Time taken to apply one push.",
		Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
	}, []string{"project", "repo"})

	// WatcherCount tracks currently parked long-poll waiters.
	WatcherCount = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mirador_watchers",
		Help: "Number of parked watch waiters.",
	})

	// ReplicationLag tracks the last applied log sequence.
	ReplicationLag = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mirador_replication_last_applied",
		Help: "Highest replication log sequence applied locally.",
	})

	// MirrorTasks counts finished mirror tasks by outcome.
	MirrorTasks = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "mirador_mirror_tasks_total",
		Help: "Finished mirror tasks by outcome.",
	}, []string{"project", "mirror", "outcome"})

	// MirrorDuration observes mirror task wall time.
	MirrorDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mirador_mirror_task_duration_seconds",
		Help:    "Wall time of one mirror task.",
		Buckets: prometheus.ExponentialBuckets(0.05, 2, 12),
	}, []string{"project", "mirror"})

	// SessionsSwept counts sessions removed by the expiry sweeper.
	SessionsSwept = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mirador_sessions_swept_total",
		Help: "Expired sessions removed by the sweeper.",
	})
)

func init() {
	prometheus.MustRegister(
		CommitLatency,
		WatcherCount,
		ReplicationLag,
		MirrorTasks,
		MirrorDuration,
		SessionsSwept,
	)
}

// MirrorListener exports mirror task outcomes. Satisfies
// mirror.Listener.
type MirrorListener struct {
	mu     sync.Mutex
	starts map[string]time.Time
}

// NewMirrorListener returns a listener ready to be handed to the
// scheduler.
func NewMirrorListener() *MirrorListener {
	return &MirrorListener{starts: map[string]time.Time{}}
}

func (l *MirrorListener) key(m *mirror.Mirror) string { return m.Project + "/" + m.ID }

func (l *MirrorListener) OnStart(m *mirror.Mirror) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.starts[l.key(m)] = time.Now()
}

func (l *MirrorListener) observe(m *mirror.Mirror, outcome string) {
	l.mu.Lock()
	start, ok := l.starts[l.key(m)]
	delete(l.starts, l.key(m))
	l.mu.Unlock()
	if ok {
		MirrorDuration.WithLabelValues(m.Project, m.ID).Observe(time.Since(start).Seconds())
	}
	MirrorTasks.WithLabelValues(m.Project, m.ID, outcome).Inc()
}

func (l *MirrorListener) OnComplete(m *mirror.Mirror, r *mirror.Result) {
	if r.NoChanges {
		l.observe(m, "up_to_date")
		return
	}
	l.observe(m, "success")
}

func (l *MirrorListener) OnError(m *mirror.Mirror, _ error) {
	l.observe(m, "failure")
}
