// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package common

import "sync"

// FeatureCompatVersion gates protocol-level behavior changes the same way
// a replica set's featureCompatibilityVersion does: raising it is a one-way
// door performed only once every node in the cluster can speak the newer
// wire format.
type FeatureCompatVersion int32

const (
	FeatureCompatV42 FeatureCompatVersion = 42
	FeatureCompatV44 FeatureCompatVersion = 44
)

var (
	gTwoPhaseEnabled bool
	gFeatureCompat   FeatureCompatVersion
	gGateLock        sync.RWMutex
)

func init() {
	gFeatureCompat = FeatureCompatV44
	gTwoPhaseEnabled = true
}

// SetTwoPhaseEnabled flips the process-wide two-phase-index-build flag.
func SetTwoPhaseEnabled(enabled bool) {
	gGateLock.Lock()
	defer gGateLock.Unlock()
	gTwoPhaseEnabled = enabled
}

// SetFeatureCompatVersion records the cluster-wide feature compatibility
// version observed by this node.
func SetFeatureCompatVersion(v FeatureCompatVersion) {
	gGateLock.Lock()
	defer gGateLock.Unlock()
	gFeatureCompat = v
}

// TwoPhaseIndexBuildEnabled reports whether this node should run new index
// builds under the two-phase protocol: two_phase_enabled AND
// feature_compat == v44.
func TwoPhaseIndexBuildEnabled() bool {
	gGateLock.RLock()
	defer gGateLock.RUnlock()
	return gTwoPhaseEnabled && gFeatureCompat == FeatureCompatV44
}
