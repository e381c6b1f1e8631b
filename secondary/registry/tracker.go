// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package registry

import (
	"sync"

	"github.com/couchbase/indexbuild/secondary/buildstate"
)

// tracker is the per-DB/per-collection shared reference-counted set of
// in-flight BuildStates.
// It carries its own condition so a caller can block until the last build
// on its target drains, and it is handed to waiters by shared ownership so
// removing it from the Registry's map while a waiter holds the condition
// does not free the condition underfoot: the tracker only becomes
// unreachable once every holder (the map entry and any waiter goroutine)
// has released it, which Go's GC gives us for free once the map entry is
// deleted and no goroutine still references the *tracker value.
type tracker struct {
	mutex  sync.Mutex
	cond   *sync.Cond
	builds map[*buildstate.BuildState]bool
}

func newTracker() *tracker {
	t := &tracker{builds: make(map[*buildstate.BuildState]bool)}
	t.cond = sync.NewCond(&t.mutex)
	return t
}

func (t *tracker) add(b *buildstate.BuildState) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.builds[b] = true
}

// remove drops b from the tracker and reports whether the tracker is now
// empty. A collection tracker's "empty" signal is raised exactly once per
// transition from non-empty to empty.
func (t *tracker) remove(b *buildstate.BuildState) (empty bool) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	delete(t.builds, b)
	empty = len(t.builds) == 0
	if empty {
		t.cond.Broadcast()
	}
	return empty
}

func (t *tracker) count() int {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	return len(t.builds)
}

func (t *tracker) snapshot() []*buildstate.BuildState {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	out := make([]*buildstate.BuildState, 0, len(t.builds))
	for b := range t.builds {
		out = append(out, b)
	}
	return out
}

// awaitEmpty blocks until the tracker's build set is empty.
func (t *tracker) awaitEmpty() {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	for len(t.builds) > 0 {
		t.cond.Wait()
	}
}
