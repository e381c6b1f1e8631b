// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Package scoped implements the RAII admission gates used by
// drop-collection/drop-database, grounded on DDLServiceMgr's singleton
// acquire/release discipline (secondary/indexer/ddl_service_manager.go),
// generalized into a stacked counter: multiple overlapping guards on the
// same target are legal and stack.
package scoped

import (
	"github.com/couchbase/indexbuild/secondary/common"
)

// registrar is the subset of *registry.Registry a scoped guard needs.
// Declared here rather than importing package registry directly so
// registry and scoped have no import cycle risk as either package grows.
type registrar interface {
	DisallowDatabase(db string)
	AllowDatabase(db string)
	DisallowCollection(collectionUUID common.CollectionUUID)
	AllowCollection(collectionUUID common.CollectionUUID)
}

// Database is a stackable admission ban on a database. The caller's
// pattern: enter guard; signal existing builds to abort;
// wait for empty; perform the destructive operation; release guard.
type Database struct {
	reg      registrar
	db       string
	released bool
}

// DisallowDatabase acquires the guard, incrementing the database's
// disallow counter.
func DisallowDatabase(reg registrar, db string) *Database {
	reg.DisallowDatabase(db)
	return &Database{reg: reg, db: db}
}

// Release decrements the counter. Calling Release more than once is a
// no-op past the first call, matching the RAII "destructor runs once"
// contract even though Go has no destructors.
func (g *Database) Release() {
	if g.released {
		return
	}
	g.released = true
	g.reg.AllowDatabase(g.db)
}

// Collection is the per-collection analog of Database.
type Collection struct {
	reg      registrar
	uid      common.CollectionUUID
	released bool
}

func DisallowCollection(reg registrar, uid common.CollectionUUID) *Collection {
	reg.DisallowCollection(uid)
	return &Collection{reg: reg, uid: uid}
}

func (g *Collection) Release() {
	if g.released {
		return
	}
	g.released = true
	g.reg.AllowCollection(g.uid)
}
