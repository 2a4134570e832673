// Package main implements the docfed database node, one replica of a
// Raft-replicated document store.
//
// Each node:
//   - Runs cluster consensus with its peers over /raft/*
//   - Applies committed commands to its in-memory document engine
//   - Accepts writes when leader and redirects clients otherwise
//   - Follows promotion requests from the federation
//   - Optionally registers and heartbeats with a federation member
//
// Architecture:
//
//	┌─────────────────────────────────────────┐
//	│                 Node                    │
//	├─────────────────────────────────────────┤
//	│  HTTP API:                              │
//	│    /raft/*         - Consensus RPCs     │
//	│    /api/cluster/*  - Cluster management │
//	│    /api/db/*       - Documents          │
//	│    /health         - Health check       │
//	│    /metrics        - Prometheus         │
//	├─────────────────────────────────────────┤
//	│  Components:                            │
//	│    consensus.Node  - Raft state machine │
//	│    raftlog.BoltLog - Durable log        │
//	│    storage.Engine  - Document engine    │
//	│    reporter        - Federation link    │
//	└─────────────────────────────────────────┘
//
// Example usage:
//
//	# First node of a new cluster
//	node --config node1.yaml -bootstrap 9001 node-1
//
//	# Second node, joined through the leader's membership API
//	node --config node2.yaml 9002 node-2 node-1=localhost:9001
//	curl -X POST localhost:9001/api/cluster/peers \
//	  -d '{"nodeId":"node-2","url":"http://localhost:9002"}'
//
//	# Store a document
//	curl -X POST localhost:9001/api/db/shop
//	curl -X POST localhost:9001/api/db/shop/users
//	curl -X PUT localhost:9001/api/db/shop/users/42 -d '{"name":"Alice"}'
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/config"
	"github.com/dreamware/docfed/internal/consensus"
	"github.com/dreamware/docfed/internal/logger"
	"github.com/dreamware/docfed/internal/metrics"
	"github.com/dreamware/docfed/internal/raftlog"
	"github.com/dreamware/docfed/internal/storage"
)

// RPC timeouts. Consensus calls must finish well inside one heartbeat.
const (
	rpcTimeout      = 300 * time.Millisecond
	controlTimeout  = 2 * time.Second
	shutdownTimeout = 5 * time.Second
)

// options holds the command-line flags.
type options struct {
	configPath string
	bootstrap  bool
	federation string
	dataDir    string
	logLevel   string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cmd := newRootCommand(os.Stdout)
	cmd.SetArgs(normalizeArgs(os.Args[1:]))
	if err := cmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// newRootCommand builds the node command. Logs go to out.
//
// Usage:
//
//	node [--config path] [-bootstrap] [--federation url] [port] [nodeId] [peers...]
func newRootCommand(out io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:   "node [port] [nodeId] [peers...]",
		Short: "Run a docfed database node",
		Long: `Run a docfed database node.

Positional arguments override the config file: the listening port, the
node id, and peers given as id=url (a bare url uses host:port as its id).`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to the YAML config file (created when missing)")
	flags.BoolVar(&opts.bootstrap, "bootstrap", false, "lead immediately when there are no peers")
	flags.StringVar(&opts.federation, "federation", "", "federation member URL to register with")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for the raft log (in-memory when empty)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

// normalizeArgs accepts the single-dash long flags operators are used to,
// e.g. -bootstrap or -config=node.yaml.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			name := strings.SplitN(arg[1:], "=", 2)[0]
			if len(name) > 1 {
				arg = "-" + arg
			}
		}
		out[i] = arg
	}
	return out
}

// loadConfig merges the config file, flags and positional arguments, then
// saves the result so a generated node id survives restarts.
func loadConfig(opts options, args []string) (*config.Node, error) {
	cfg, err := config.LoadNode(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}
	if opts.bootstrap {
		cfg.Bootstrap = true
	}
	if opts.federation != "" {
		cfg.Federation = opts.federation
	}
	if opts.dataDir != "" {
		cfg.DataDir = opts.dataDir
	}
	if opts.logLevel != "" {
		cfg.LogLevel = opts.logLevel
	}
	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := cfg.Save(); err != nil {
		return nil, fmt.Errorf("save config: %w", err)
	}
	return cfg, nil
}

// durableLog is the log plus term/vote store a node runs on.
type durableLog interface {
	raftlog.Log
	raftlog.StableStore
}

func openLog(dataDir string) (durableLog, error) {
	if dataDir == "" {
		return raftlog.NewMemoryLog(), nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	return raftlog.OpenBoltLog(filepath.Join(dataDir, "raft.db"))
}

// run starts the node and blocks until ctx is cancelled or the HTTP server
// fails.
func run(ctx context.Context, opts options, args []string, out io.Writer) (err error) {
	cfg, err := loadConfig(opts, args)
	if err != nil {
		return err
	}
	log, err := logger.New(out, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()
	log = log.With(zap.String("node", cfg.ID))

	raftLog, err := openLog(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open raft log: %w", err)
	}
	defer func() { err = multierr.Append(err, raftLog.Close()) }()
	if cfg.DataDir == "" {
		log.Warn("No data directory configured, the raft log is kept in memory")
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	engine := storage.NewEngine()
	node, err := consensus.New(consensus.Config{
		ID:                 cfg.ID,
		URL:                cfg.URL,
		Peers:              cfg.Peers,
		ElectionTimeoutMin: cfg.Timing.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.Timing.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.Timing.HeartbeatInterval,
		TickInterval:       cfg.Timing.TickInterval,
		Bootstrap:          cfg.Bootstrap,
	}, raftLog, raftLog, engine,
		consensus.NewHTTPTransport(cluster.NewClient(rpcTimeout)),
		consensus.WithLogger(log),
		consensus.WithMetrics(metrics.NewConsensus(reg, "cluster")),
		consensus.WithMembershipStore(cfg),
	)
	if err != nil {
		return err
	}

	srv := NewServer(node, engine, log)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.Routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := node.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		log.Info("Node listening", zap.String("addr", httpServer.Addr), zap.String("url", cfg.URL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		node.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})
	if cfg.Federation != "" {
		rep := newReporter(cfg.Federation, cluster.NodeInfo{ID: cfg.ID, URL: cfg.URL}, cluster.NewClient(controlTimeout), log)
		g.Go(func() error { return rep.Run(gctx) })
	}

	err = g.Wait()
	log.Info("Node stopped")
	return err
}
