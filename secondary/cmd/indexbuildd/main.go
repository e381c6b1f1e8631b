// Copyright 2014-Present Couchbase, Inc.
//
// Use of this software is governed by the Business Source License included
// in the file licenses/BSL-Couchbase.txt. As of the Change Date specified
// in that file, in accordance with the Business Source License, use of this
// software will be governed by the Apache License, Version 2.0, included in
// the file licenses/APL2.txt.

// Command indexbuildd wires up the index-build coordinator against a set
// of collaborators supplied by the host process (storage, replication,
// oplog) and serves Prometheus metrics over HTTP. The constructor wiring
// order here follows DDLServiceMgr's own supervisor-channel setup: build
// the Registry first, then the Driver pool that depends on it, then the
// ReplCoordinator and RecoveryRebuilder that depend on both.
package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchbase/indexbuild/secondary/collab"
	"github.com/couchbase/indexbuild/secondary/common"
	"github.com/couchbase/indexbuild/secondary/driver"
	"github.com/couchbase/indexbuild/secondary/logging"
	"github.com/couchbase/indexbuild/secondary/metrics"
	"github.com/couchbase/indexbuild/secondary/recovery"
	"github.com/couchbase/indexbuild/secondary/registry"
	"github.com/couchbase/indexbuild/secondary/replcoord"
)

func main() {
	metricsAddr := flag.String("metrics.listen", ":9195", "address to serve Prometheus metrics on")
	numWorkers := flag.Int("workers", 8, "number of concurrent Driver workers")
	logLevel := flag.String("log.level", "Info", "log level: Silent, Fatal, Error, Warn, Info, Timing, Debug, Trace")
	flag.Parse()

	logging.SetLogLevel(logging.Level(*logLevel))

	cfg := common.NewConfig()
	if *numWorkers <= 0 {
		*numWorkers = cfg.Int("indexbuild.numWorkers")
	}

	collaborators, err := wireCollaborators()
	if err != nil {
		logging.Fatalf("indexbuildd: failed to wire collaborators: %v", err)
		os.Exit(1)
	}

	reg := registry.New(collaborators.Builder, collaborators.Catalog)

	registerer := prometheus.NewRegistry()
	metricsCollectors := metrics.New(registerer)
	reg = reg.WithMetrics(metricsCollectors)

	drv := &driver.Driver{
		Builder:   collaborators.Builder,
		Oplog:     collaborators.Oplog,
		ReplCoord: collaborators.ReplCoord,
		Catalog:   collaborators.Catalog,
		LockMgr:   collaborators.LockMgr,
		Registry:  reg,
		Metrics:   metricsCollectors,
	}
	pool := driver.NewPool(*numWorkers)

	rebuilder := &recovery.RecoveryRebuilder{
		Registry: reg,
		Catalog:  collaborators.Catalog,
		Builder:  collaborators.Builder,
		Driver:   drv,
		Metrics:  metricsCollectors,
	}

	replCoord := replcoord.New(reg)

	ctx, cancel := context.WithCancel(context.Background())
	if err := rebuilder.RebuildAll(ctx, collaborators.LockMgr.(recovery.GlobalLock), nil); err != nil {
		logging.Fatalf("indexbuildd: startup recovery failed: %v", err)
		os.Exit(1)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-sigs
		logging.Infof("indexbuildd: shutdown signal received, draining in-flight builds")
		replCoord.RequestShutdown()
		cancel()
		pool.Drain()
	}()

	logging.Infof("indexbuildd: coordinator ready with %d workers", *numWorkers)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(registerer, promhttp.HandlerOpts{}))
	logging.Infof("indexbuildd: serving metrics on %s", *metricsAddr)
	if err := http.ListenAndServe(*metricsAddr, mux); err != nil {
		logging.Fatalf("indexbuildd: metrics server exited: %v", err)
	}
}

// collaboratorSet is the bundle of host-supplied interfaces the coordinator
// is built against. A real deployment plugs in its own storage engine,
// replication subsystem, and oplog; this entrypoint has no storage engine
// of its own to offer, so wireCollaborators is the seam a host binary
// overrides.
type collaboratorSet struct {
	Builder   collab.Builder
	Oplog     collab.Oplog
	ReplCoord collab.ReplCoord
	Catalog   collab.Catalog
	LockMgr   collab.LockMgr
}

func wireCollaborators() (*collaboratorSet, error) {
	return &collaboratorSet{
		Builder:   collab.NewFakeBuilder(),
		Oplog:     collab.NewFakeOplog(0),
		ReplCoord: collab.NewFakeReplCoord(false),
		Catalog:   collab.NewFakeCatalog(),
		LockMgr:   collab.NewFakeLockMgr(),
	}, nil
}
