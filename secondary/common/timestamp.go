// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package common

import "fmt"

// Timestamp is the coordinator's opaque logical commit time: a (term,
// counter) pair carried on oplog records and compared lexicographically,
// the way a replica set's cluster time compares. The zero value is the
// null timestamp.
type Timestamp struct {
	Term    int64
	Counter int64
}

// NullTimestamp is the zero value, used when no replication-driven
// timestamp is available yet.
var NullTimestamp = Timestamp{}

// IsNull reports whether this is the null timestamp.
func (t Timestamp) IsNull() bool {
	return t == NullTimestamp
}

// Less orders timestamps for the "commit timestamp matches the oplog
// record" testable property.
func (t Timestamp) Less(other Timestamp) bool {
	if t.Term != other.Term {
		return t.Term < other.Term
	}
	return t.Counter < other.Counter
}

func (t Timestamp) String() string {
	if t.IsNull() {
		return "null"
	}
	return fmt.Sprintf("{%d,%d}", t.Term, t.Counter)
}

// GhostTimestamp mints a storage-assigned timestamp to use when no
// replication-driven timestamp is available, e.g. during rollback teardown.
// Ghost timestamps use a negative term so they can never collide with, or
// be mistaken for, a real oplog-assigned timestamp.
func GhostTimestamp(counter int64) Timestamp {
	return Timestamp{Term: -1, Counter: counter}
}

// IsGhost reports whether t was minted by GhostTimestamp.
func (t Timestamp) IsGhost() bool {
	return t.Term == -1
}
