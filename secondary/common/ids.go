// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

package common

import "github.com/google/uuid"

// BuildUUID is the 128-bit identifier minted when a build starts;
// stable across the build's lifetime and across replicas.
type BuildUUID uuid.UUID

// CollectionUUID is the catalog identifier of a user collection; it
// survives rename.
type CollectionUUID uuid.UUID

// NewBuildUUID mints a fresh random build identifier.
func NewBuildUUID() BuildUUID {
	return BuildUUID(uuid.New())
}

// NewCollectionUUID mints a fresh random collection identifier, used by
// RecoveryRebuilder when a collection predates UUID tracking.
func NewCollectionUUID() CollectionUUID {
	return CollectionUUID(uuid.New())
}

func (b BuildUUID) String() string {
	return uuid.UUID(b).String()
}

func (c CollectionUUID) String() string {
	return uuid.UUID(c).String()
}

// IsZero reports whether the identifier was never assigned.
func (b BuildUUID) IsZero() bool {
	return b == BuildUUID{}
}

func (c CollectionUUID) IsZero() bool {
	return c == CollectionUUID{}
}

// ParseBuildUUID parses the canonical string form, as used when replaying
// oplog records that carry a build_uuid field.
func ParseBuildUUID(s string) (BuildUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return BuildUUID{}, err
	}
	return BuildUUID(u), nil
}

// ParseCollectionUUID parses the canonical string form.
func ParseCollectionUUID(s string) (CollectionUUID, error) {
	u, err := uuid.Parse(s)
	if err != nil {
		return CollectionUUID{}, err
	}
	return CollectionUUID(u), nil
}
