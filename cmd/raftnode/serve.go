package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cuemby/raftcore/pkg/fsm/kv"
	"github.com/cuemby/raftcore/pkg/logging"
	"github.com/cuemby/raftcore/pkg/metrics"
	"github.com/cuemby/raftcore/pkg/persistence/boltstore"
	"github.com/cuemby/raftcore/pkg/raft"
	"github.com/cuemby/raftcore/pkg/raftapi"
	"github.com/cuemby/raftcore/pkg/transport/grpcrpc"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run this process as one voting member of a raftcore cluster",
	Long: `serve starts a single consensus node: it opens its bbolt data
directory, dials its configured peers over gRPC, and serves AppendEntries/
RequestVote/InstallSnapshot on --bind-addr until interrupted.`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("config", "", "optional YAML config file")
	serveCmd.Flags().String("node-id", "", "this node's unique ID")
	serveCmd.Flags().String("bind-addr", "", "address to serve peer RPCs on, host:port")
	serveCmd.Flags().String("data-dir", "", "directory for the node's bbolt database")
	serveCmd.Flags().String("peer", "", "comma-separated id=host:port list of peer nodes")
	serveCmd.Flags().String("transport", "grpc", "transport implementation: grpc (inmem is test-only)")
	serveCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "address to serve /metrics and /health on")
	serveCmd.Flags().String("admin-addr", "127.0.0.1:9091", "address to serve the status/propose-config admin endpoints on")
	serveCmd.Flags().Duration("election-timeout-min", 0, "minimum election timeout (overrides config file)")
	serveCmd.Flags().Duration("election-timeout-max", 0, "maximum election timeout (overrides config file)")
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	flagConfig, _ := cmd.Flags().GetString("config")
	fc, err := loadFileConfig(flagConfig)
	if err != nil {
		return exitError{code: 2, err: err}
	}

	if v, _ := cmd.Flags().GetString("node-id"); v != "" {
		fc.NodeID = v
	}
	if v, _ := cmd.Flags().GetString("bind-addr"); v != "" {
		fc.BindAddr = v
	}
	if v, _ := cmd.Flags().GetString("data-dir"); v != "" {
		fc.DataDir = v
	}
	if v, _ := cmd.Flags().GetString("metrics-addr"); v != "" {
		fc.MetricsAddr = v
	}
	if v, _ := cmd.Flags().GetString("admin-addr"); v != "" {
		fc.AdminAddr = v
	}
	if v, _ := cmd.Flags().GetDuration("election-timeout-min"); v > 0 {
		fc.ElectionTimeoutMin = v
	}
	if v, _ := cmd.Flags().GetDuration("election-timeout-max"); v > 0 {
		fc.ElectionTimeoutMax = v
	}
	if v, _ := cmd.Flags().GetString("peer"); v != "" {
		peers, err := parsePeerFlag(v)
		if err != nil {
			return exitError{code: 2, err: err}
		}
		fc.Peers = peers
	}

	if fc.NodeID == "" || fc.BindAddr == "" || fc.DataDir == "" {
		return exitError{code: 2, err: fmt.Errorf("--node-id, --bind-addr and --data-dir are required")}
	}

	transportKind, _ := cmd.Flags().GetString("transport")
	if transportKind != "grpc" {
		return exitError{code: 2, err: fmt.Errorf("unsupported --transport %q: only grpc is wired for serve (inmem is test-only)", transportKind)}
	}

	log := logging.WithNodeID(fc.NodeID)

	if err := os.MkdirAll(fc.DataDir, 0755); err != nil {
		return exitError{code: 1, err: fmt.Errorf("creating data directory: %w", err)}
	}

	store, err := boltstore.Open(fc.DataDir)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("opening persistence store: %w", err)}
	}
	defer store.Close()

	fsm := kv.New(4096)

	peerAddrs := peerAddrMap(fc.Peers)
	trans := grpcrpc.New(log, peerAddrs, 2*time.Second)

	raftCfg := raft.Config{
		NodeID:             raftapi.NodeID(fc.NodeID),
		Bootstrap:          bootstrapConfig(fc.NodeID, fc.Peers, fc.Bootstrap),
		Transport:          trans,
		Persistence:        store,
		StateMachine:       fsm,
		Sessions:           fsm.Sessions(),
		Logger:             log,
		ElectionTimeoutMin: fc.ElectionTimeoutMin,
		ElectionTimeoutMax: fc.ElectionTimeoutMax,
		HeartbeatInterval:  fc.HeartbeatInterval,
		SnapshotThreshold:  fc.SnapshotThreshold,
	}

	node, err := raft.New(raftCfg)
	if err != nil {
		return exitError{code: 2, err: fmt.Errorf("constructing node: %w", err)}
	}

	server, err := trans.NewServer(fc.BindAddr)
	if err != nil {
		return exitError{code: 1, err: fmt.Errorf("binding %s: %w", fc.BindAddr, err)}
	}

	serveErrCh := make(chan error, 1)
	go func() {
		if err := server.Serve(node); err != nil {
			serveErrCh <- err
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	startErr := node.Start(ctx)
	cancel()
	if startErr != nil {
		return exitError{code: 1, err: fmt.Errorf("starting node: %w", startErr)}
	}

	metricsAddr := fc.MetricsAddr
	if metricsAddr == "" {
		metricsAddr = "127.0.0.1:9090"
	}
	metrics.RegisterComponent("raft", true, "started")
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil {
			log.Error().Err(err).Msg("raftnode: metrics server stopped")
		}
	}()

	adminAddr := fc.AdminAddr
	if adminAddr == "" {
		adminAddr = "127.0.0.1:9091"
	}
	admin := &adminServer{node: node}
	go func() {
		if err := http.ListenAndServe(adminAddr, admin.mux()); err != nil {
			log.Error().Err(err).Msg("raftnode: admin server stopped")
		}
	}()

	log.Info().Str("bind_addr", fc.BindAddr).Str("metrics_addr", metricsAddr).Str("admin_addr", adminAddr).Msg("raftnode: serving")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case <-sigCh:
		log.Info().Msg("raftnode: shutting down")
	case err := <-serveErrCh:
		node.Stop()
		return exitError{code: 1, err: fmt.Errorf("transport server failed: %w", err)}
	}

	node.Stop()
	if err := server.Close(); err != nil {
		log.Warn().Err(err).Msg("raftnode: error closing transport server")
	}
	return nil
}
