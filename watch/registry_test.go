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

package watch

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mirador-project/mirador/api"
)

var testKey = Key{Project: "foo", Repo: "bar"}

func TestNotifyWakesMatchingWaiter(t *testing.T) {
	g := NewRegistry()
	p := g.Register(testKey, 3, api.MustCompilePattern("/a/**"))

	done := make(chan struct{})
	var rev api.Revision
	var err error
	go func() {
		defer close(done)
		rev, err = p.Wait(context.Background(), time.Minute)
	}()

	// Non-matching path and stale revision must not wake the waiter.
	g.Notify(testKey, 4, []string{"/b/x.json"})
	g.Notify(testKey, 3, []string{"/a/x.json"})
	g.Notify(testKey, 5, []string{"/a/x.json"})

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("waiter was not woken")
	}
	require.NoError(t, err)
	require.Equal(t, api.Revision(5), rev)
	require.Zero(t, g.Count())
}

func TestNotifyCoalescesToNewest(t *testing.T) {
	g := NewRegistry()
	p := g.Register(testKey, 0, api.PatternAll)

	// Three notifications before anyone reads; only the newest survives.
	g.Notify(testKey, 2, []string{"/a.json"})
	g.Notify(testKey, 3, []string{"/b.json"})
	g.Notify(testKey, 4, []string{"/c.json"})

	rev, err := p.Wait(context.Background(), time.Minute)
	require.NoError(t, err)
	require.Equal(t, api.Revision(4), rev)
}

func TestWaitTimeout(t *testing.T) {
	g := NewRegistry()
	p := g.Register(testKey, 1, api.PatternAll)
	_, err := p.Wait(context.Background(), 10*time.Millisecond)
	require.True(t, api.IsTimeout(err), "got %v", err)
	require.Zero(t, g.Count())
}

func TestWaitCancellation(t *testing.T) {
	g := NewRegistry()
	p := g.Register(testKey, 1, api.PatternAll)
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	_, err := p.Wait(ctx, time.Minute)
	require.True(t, api.IsCancelled(err), "got %v", err)
}

func TestCloseWakesAllWaiters(t *testing.T) {
	g := NewRegistry()
	const n = 8
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		p := g.Register(testKey, 1, api.PatternAll)
		go func() {
			_, err := p.Wait(context.Background(), time.Minute)
			errs <- err
		}()
	}
	for g.Count() != n {
		time.Sleep(time.Millisecond)
	}
	g.Close()
	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			require.True(t, api.IsShutdown(err), "got %v", err)
		case <-time.After(5 * time.Second):
			t.Fatal("waiter not woken by Close")
		}
	}

	// Registrations after Close fail fast.
	p := g.Register(testKey, 1, api.PatternAll)
	_, err := p.Wait(context.Background(), time.Minute)
	require.True(t, api.IsShutdown(err), "got %v", err)
}

func TestNotifyOtherRepoDoesNotWake(t *testing.T) {
	g := NewRegistry()
	p := g.Register(testKey, 1, api.PatternAll)
	g.Notify(Key{Project: "foo", Repo: "other"}, 9, []string{"/a.json"})
	_, err := p.Wait(context.Background(), 10*time.Millisecond)
	require.True(t, api.IsTimeout(err), "got %v", err)
}
