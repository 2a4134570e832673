// Package main implements the docfed coordinator, one member of the
// federation that owns the database node registry.
//
// Federation members elect a leader among themselves. Only that leader
// assigns and reassigns the authoritative database node; followers mirror
// the registry from the leader's heartbeats and redirect registry writes.
//
// Usage:
//
//	coordinator [--config path] [-bootstrap] [port] [nodeId] [peerURLs...]
//
// Example:
//
//	coordinator --config fed1.yaml -bootstrap 8080 fed-1
//	coordinator --config fed2.yaml 8081 fed-2 localhost:8080
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

	"github.com/dreamware/docfed/internal/auth"
	"github.com/dreamware/docfed/internal/cluster"
	"github.com/dreamware/docfed/internal/config"
	"github.com/dreamware/docfed/internal/coordinator"
	"github.com/dreamware/docfed/internal/federation"
	"github.com/dreamware/docfed/internal/logger"
	"github.com/dreamware/docfed/internal/metrics"
	"github.com/dreamware/docfed/internal/raftlog"
)

const (
	rpcTimeout      = 300 * time.Millisecond
	controlTimeout  = 2 * time.Second
	shutdownTimeout = 5 * time.Second
	joinRetry       = time.Second
)

type options struct {
	configPath string
	bootstrap  bool
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

func newRootCommand(out io.Writer) *cobra.Command {
	var opts options
	cmd := &cobra.Command{
		Use:          "coordinator [port] [nodeId] [peerURLs...]",
		Short:        "Run a docfed federation member",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args, out)
		},
	}
	flags := cmd.Flags()
	flags.StringVar(&opts.configPath, "config", "", "path to the YAML config file (created when missing)")
	flags.BoolVar(&opts.bootstrap, "bootstrap", false, "lead immediately when there are no peers")
	flags.StringVar(&opts.dataDir, "data-dir", "", "directory for registry, credentials and term state (in-memory when empty)")
	flags.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	return cmd
}

// normalizeArgs rewrites single-dash long flags such as -bootstrap.
func normalizeArgs(args []string) []string {
	out := make([]string, len(args))
	for i, arg := range args {
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' {
			if name := strings.SplitN(arg[1:], "=", 2)[0]; len(name) > 1 {
				arg = "-" + arg
			}
		}
		out[i] = arg
	}
	return out
}

func loadConfig(opts options, args []string) (*config.Federation, error) {
	cfg, err := config.LoadFederation(opts.configPath)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyArgs(args); err != nil {
		return nil, err
	}
	if opts.bootstrap {
		cfg.Bootstrap = true
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

// stores groups the persistent state of one member. Everything is kept in
// memory when no data directory is configured.
type stores struct {
	snapshots coordinator.SnapshotStore
	creds     *auth.Store
	term      *raftlog.BoltLog
}

func openStores(dataDir string) (*stores, error) {
	if dataDir == "" {
		creds, err := auth.Open("")
		if err != nil {
			return nil, err
		}
		return &stores{snapshots: coordinator.NewMemorySnapshotStore(), creds: creds}, nil
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, err
	}
	creds, err := auth.Open(filepath.Join(dataDir, "credentials.json"))
	if err != nil {
		return nil, err
	}
	term, err := raftlog.OpenBoltLog(filepath.Join(dataDir, "federation.db"))
	if err != nil {
		return nil, fmt.Errorf("open federation state: %w", err)
	}
	return &stores{
		snapshots: coordinator.NewFileSnapshotStore(filepath.Join(dataDir, "registry.json")),
		creds:     creds,
		term:      term,
	}, nil
}

func (s *stores) Close() error {
	if s.term == nil {
		return nil
	}
	return s.term.Close()
}

// joinAny asks each configured peer in turn to admit this member until one
// accepts. It keeps cycling until ctx ends.
func joinAny(ctx context.Context, member *federation.Member, peers []string, log *zap.Logger) {
	for {
		for _, peer := range peers {
			err := member.Join(ctx, peer)
			if err == nil {
				log.Info("Joined federation", zap.String("via", peer))
				return
			}
			log.Debug("Join attempt failed", zap.String("peer", peer), zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(joinRetry):
		}
	}
}

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
	log = log.With(zap.String("member", cfg.ID))

	st, err := openStores(cfg.DataDir)
	if err != nil {
		return err
	}
	defer func() { err = multierr.Append(err, st.Close()) }()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	registry, err := coordinator.NewNodeRegistry(st.snapshots, coordinator.NewHTTPPromoter(cluster.NewClient(controlTimeout)), log)
	if err != nil {
		return err
	}
	registry.SetMetrics(metrics.NewRegistry(reg))
	if cfg.SilenceThreshold > 0 {
		registry.SetSilenceThreshold(cfg.SilenceThreshold)
	}

	memberOpts := []federation.Option{
		federation.WithLogger(log),
		federation.WithMetrics(metrics.NewConsensus(reg, "federation")),
		federation.WithPeerStore(cfg),
		federation.WithRegistry(registry),
	}
	if st.term != nil {
		memberOpts = append(memberOpts, federation.WithStableStore(st.term))
	}
	member, err := federation.New(federation.Config{
		ID:                 cfg.ID,
		URL:                cfg.URL,
		Peers:              cfg.Peers,
		ElectionTimeoutMin: cfg.Timing.ElectionTimeoutMin,
		ElectionTimeoutMax: cfg.Timing.ElectionTimeoutMax,
		HeartbeatInterval:  cfg.Timing.HeartbeatInterval,
		TickInterval:       cfg.Timing.TickInterval,
		Bootstrap:          cfg.Bootstrap,
	}, federation.NewHTTPTransport(cluster.NewClient(rpcTimeout), cluster.NewClient(controlTimeout)), memberOpts...)
	if err != nil {
		return err
	}
	registry.SetLeadership(member.IsLeader)

	monitor := coordinator.NewHealthMonitor(registry, cfg.SweepInterval, log)
	monitor.SetOnInactive(func(nodeID string) {
		log.Warn("Database node went silent", zap.String("node", nodeID))
	})

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	srv := newServer(member, registry, st.creds, log, cancel)
	httpServer := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           srv.routes(reg),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	if err := member.Start(gctx); err != nil {
		return err
	}

	g.Go(func() error {
		log.Info("Coordinator listening", zap.String("addr", httpServer.Addr), zap.String("url", cfg.URL))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		monitor.Start(gctx)
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		member.Stop()
		return httpServer.Shutdown(shutdownCtx)
	})
	if seeds := append([]string(nil), cfg.Peers...); len(seeds) > 0 && !cfg.Bootstrap {
		g.Go(func() error {
			joinAny(gctx, member, seeds, log)
			return nil
		})
	}

	err = g.Wait()
	log.Info("Coordinator stopped")
	return err
}
