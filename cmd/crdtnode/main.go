// Command crdtnode is the process host: it wires the WAL, local storage,
// rendezvous sharder, cluster fan-out, anti-entropy repair and the peer
// RPC transport into one running node (SPEC_FULL.md's cmd/crdtnode/
// package-layout entry). Per spec.md §1's non-goals this is deliberately
// not a launcher/DI framework or a config-file loader — flags are the
// whole configuration surface, matching the scope spec.md allows.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-kit/log/level"

	"github.com/dreamsxin/crdtstore/cluster"
	"github.com/dreamsxin/crdtstore/internal/observability"
	"github.com/dreamsxin/crdtstore/repair"
	"github.com/dreamsxin/crdtstore/shard"
	"github.com/dreamsxin/crdtstore/storage"
	"github.com/dreamsxin/crdtstore/transport"
	"github.com/dreamsxin/crdtstore/wal"
)

// Exit codes, per spec.md §6: "0 clean stop, 2 unrecoverable storage
// corruption, 3 fatal configuration error."
const (
	exitClean          = 0
	exitStorageCorrupt = 2
	exitConfigError    = 3
)

type nodeConfig struct {
	nodeID          string
	addr            string
	dataDir         string
	peers           map[string]string // partition id -> transport addr
	replication     int
	quorum          int
	repairInterval  time.Duration
	peerCooldown    time.Duration
	compactInterval time.Duration
	tombstoneRetain time.Duration
	logLevel        string
}

func parseFlags(args []string) (nodeConfig, error) {
	fs := flag.NewFlagSet("crdtnode", flag.ContinueOnError)
	var cfg nodeConfig
	var peers string
	fs.StringVar(&cfg.nodeID, "node-id", "", "this node's partition id (required)")
	fs.StringVar(&cfg.addr, "addr", "", "address this node's transport server listens on (required)")
	fs.StringVar(&cfg.dataDir, "data-dir", "", "data directory holding the wal/ and chunks/ subdirectories (required)")
	fs.StringVar(&peers, "peers", "", "comma-separated id=addr pairs for remote partitions")
	fs.IntVar(&cfg.replication, "replication", 1, "replication factor R")
	fs.IntVar(&cfg.quorum, "quorum", 0, "write quorum W (0 = strict, defaults to R)")
	fs.DurationVar(&cfg.repairInterval, "repair-interval", time.Minute, "minimum delay between anti-entropy cycles")
	fs.DurationVar(&cfg.peerCooldown, "peer-cooldown", 30*time.Second, "how long a dead partition waits before being probed again")
	fs.DurationVar(&cfg.compactInterval, "compaction-interval", 10*time.Minute, "how often local storage compacts chunk files (0 disables)")
	fs.DurationVar(&cfg.tombstoneRetain, "tombstone-retention", 24*time.Hour, "how long a tombstone is kept before compaction drops it (0 keeps forever)")
	fs.StringVar(&cfg.logLevel, "log-level", "info", "debug|info|warn|error")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}

	if cfg.nodeID == "" {
		return cfg, errors.New("crdtnode: -node-id is required")
	}
	if cfg.addr == "" {
		return cfg, errors.New("crdtnode: -addr is required")
	}
	if cfg.dataDir == "" {
		return cfg, errors.New("crdtnode: -data-dir is required")
	}
	if cfg.replication < 1 {
		return cfg, errors.New("crdtnode: -replication must be >= 1")
	}
	if cfg.quorum > cfg.replication {
		return cfg, errors.New("crdtnode: -quorum must be <= -replication")
	}

	cfg.peers = make(map[string]string)
	if peers != "" {
		for _, pair := range strings.Split(peers, ",") {
			id, addr, ok := strings.Cut(pair, "=")
			if !ok || id == "" || addr == "" {
				return cfg, fmt.Errorf("crdtnode: malformed -peers entry %q, want id=addr", pair)
			}
			if id == cfg.nodeID {
				return cfg, fmt.Errorf("crdtnode: -peers entry %q reuses this node's id", pair)
			}
			cfg.peers[id] = addr
		}
	}
	if cfg.replication > len(cfg.peers)+1 {
		return cfg, fmt.Errorf("crdtnode: -replication %d exceeds partition count %d", cfg.replication, len(cfg.peers)+1)
	}
	return cfg, nil
}

func levelValue(name string) level.Value {
	switch strings.ToLower(name) {
	case "debug":
		return level.DebugValue()
	case "warn":
		return level.WarnValue()
	case "error":
		return level.ErrorValue()
	default:
		return level.InfoValue()
	}
}

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cfg, err := parseFlags(args)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return exitConfigError
	}

	logger := observability.NewLogger(levelValue(cfg.logLevel))
	registry := observability.NewRegistry()

	if err := os.MkdirAll(filepath.Join(cfg.dataDir, "wal"), 0o755); err != nil {
		level.Error(logger).Log("msg", "failed to create data directory", "dir", cfg.dataDir, "err", err)
		return exitConfigError
	}

	localStore, err := storage.New(storage.Config[string, crdtLWW]{
		Less:      func(a, b string) bool { return a < b },
		Merge:     lwwMerge(),
		Tombstone: func(ts int64) crdtLWW { return crdtLWW{TS: ts, Tombstone: true} },
		Dir:       filepath.Join(cfg.dataDir, "chunks"),
		Codec:     blobCodec{},
		Compaction: storage.CompactionConfig{
			Interval:  cfg.compactInterval,
			Retention: cfg.tombstoneRetain,
		},
		Registerer: registry,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to construct local storage", "err", err)
		return exitConfigError
	}

	w, err := wal.Open(wal.Config[string, crdtLWW]{
		Dir:        filepath.Join(cfg.dataDir, "wal"),
		NodeID:     cfg.nodeID,
		Codec:      blobCodec{},
		Storage:    localStore,
		Logger:     logger,
		Registerer: registry,
	})
	if err != nil {
		if errors.Is(err, wal.ErrCorrupt) {
			level.Error(logger).Log("msg", "unrecoverable WAL corruption", "err", err)
			return exitStorageCorrupt
		}
		level.Error(logger).Log("msg", "failed to open WAL", "err", err)
		return exitConfigError
	}

	server := transport.NewServer[string, crdtLWW](
		transport.ServerConfig{Addr: cfg.addr, Logger: logger, Registerer: registry},
		localStore, blobCodec{}, blobCodec{},
	)
	serverErrCh := make(chan error, 1)
	go func() { serverErrCh <- server.Serve(context.Background()) }()

	peerClients := make(map[string]*transport.Client[string, crdtLWW], len(cfg.peers))
	for id, addr := range cfg.peers {
		peerClients[id] = transport.NewClient[string, crdtLWW](
			transport.ClientConfig{Addr: addr, KeepAliveTimeout: cfg.peerCooldown * 4},
			blobCodec{}, blobCodec{},
		)
	}

	partitions := make(map[string]cluster.PartitionStorage[string, crdtLWW], len(cfg.peers)+1)
	partitions[cfg.nodeID] = localStore
	for id, c := range peerClients {
		partitions[id] = c
	}
	partitionIDs := make([]string, 0, len(partitions))
	for id := range partitions {
		partitionIDs = append(partitionIDs, id)
	}
	sharder := shard.New(partitionIDs)

	clusterStore, err := cluster.New(cluster.Config[string, crdtLWW]{
		Partitions: partitions,
		Sharder:    sharder,
		R:          cfg.replication,
		W:          cfg.quorum,
		KeyString:  func(k string) string { return k },
		Merge:      lwwMerge(),
		Less:       func(a, b string) bool { return a < b },
		Cooldown:   cfg.peerCooldown,
		Registerer: registry,
	})
	if err != nil {
		level.Error(logger).Log("msg", "failed to construct cluster store", "err", err)
		return exitConfigError
	}
	_ = clusterStore // exercised by an embedding application; this process host only needs it constructed and health-tracked

	var repairLoop *repair.Loop[string, crdtLWW]
	if len(peerClients) > 0 {
		repairLoop = repair.New(repair.Config[string, crdtLWW]{
			Local:      localStore,
			PickPeer:   roundRobinPeers(peerClients),
			Interval:   cfg.repairInterval,
			Logger:     logger,
			Registerer: registry,
		})
		repairLoop.Start()
	}

	level.Info(logger).Log("msg", "crdtnode started", "node_id", cfg.nodeID, "addr", cfg.addr, "partitions", len(partitions))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		level.Info(logger).Log("msg", "shutting down", "signal", sig.String())
	case err := <-serverErrCh:
		if err != nil {
			level.Error(logger).Log("msg", "transport server stopped unexpectedly", "err", err)
		}
	}

	if repairLoop != nil {
		repairLoop.Stop()
	}
	server.Stop()
	<-serverErrCh

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for id, c := range peerClients {
		if err := c.Close(ctx); err != nil {
			level.Warn(logger).Log("msg", "peer client drain incomplete", "peer", id, "err", err)
		}
	}
	if err := w.Stop(ctx); err != nil {
		level.Error(logger).Log("msg", "WAL stop failed", "err", err)
		return exitStorageCorrupt
	}
	if err := localStore.Close(); err != nil {
		level.Warn(logger).Log("msg", "local storage stop incomplete", "err", err)
	}

	return exitClean
}

// roundRobinPeers cycles deterministically through clients each call,
// matching the round-robin PickPeer shape repair.Config documents.
func roundRobinPeers(clients map[string]*transport.Client[string, crdtLWW]) repair.PickPeer[string, crdtLWW] {
	ids := make([]string, 0, len(clients))
	for id := range clients {
		ids = append(ids, id)
	}
	var mu sync.Mutex
	i := 0
	return func() repair.Peer[string, crdtLWW] {
		if len(ids) == 0 {
			return nil
		}
		mu.Lock()
		id := ids[i%len(ids)]
		i++
		mu.Unlock()
		return clients[id]
	}
}
