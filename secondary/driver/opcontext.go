// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package driver

import (
	"context"
	"sync"
)

// OpContext is a two-level interruption flag: a normal interrupt (killed
// operation, replica-set step-down notice) that is suppressed while a
// build runs under replSetAndNotPrimaryAtStart, and a shutdown interrupt
// that always propagates regardless of suppression.
type OpContext struct {
	ctx               context.Context
	shutdown          <-chan struct{}
	suppressInterrupt bool

	doneOnce sync.Once
	done     chan struct{}
}

// NewOpContext wraps ctx with a distinct shutdown channel. suppress, when
// true, models replSetAndNotPrimaryAtStart: ctx.Done() is ignored by
// Interrupted() but shutdown still fires.
func NewOpContext(ctx context.Context, shutdown <-chan struct{}, suppress bool) *OpContext {
	return &OpContext{ctx: ctx, shutdown: shutdown, suppressInterrupt: suppress}
}

// Context returns the underlying context for calls that need to pass one
// through to a collaborator (Builder, Oplog).
func (o *OpContext) Context() context.Context {
	return o.ctx
}

// Interrupted reports whether this operation should unwind now.
func (o *OpContext) Interrupted() bool {
	select {
	case <-o.shutdown:
		return true
	default:
	}
	if o.suppressInterrupt {
		return false
	}
	select {
	case <-o.ctx.Done():
		return true
	default:
		return false
	}
}

// Done returns a channel that closes when the operation should unwind,
// honoring the suppression rule: if interruption is suppressed, only
// shutdown closes it. The merge goroutine is started at most once per
// OpContext, on the first call, and its result cached: repeated calls
// (a retried commit-gate wait, for instance) must not each start a new
// goroutine that outlives the previous one.
func (o *OpContext) Done() <-chan struct{} {
	if o.suppressInterrupt {
		return o.shutdown
	}
	o.doneOnce.Do(func() {
		o.done = make(chan struct{})
		go func() {
			select {
			case <-o.ctx.Done():
			case <-o.shutdown:
			}
			close(o.done)
		}()
	})
	return o.done
}

// ShutdownRequested reports whether shutdown specifically (not a plain
// interrupt) is what tripped this context.
func (o *OpContext) ShutdownRequested() bool {
	select {
	case <-o.shutdown:
		return true
	default:
		return false
	}
}
