// Command sentry runs one or more BGP-Sentry validator nodes sharing an
// in-memory gossip bus and, optionally, the monitoring HTTP/WebSocket API.
// Flag/command structure follows the pack's cobra-based cmd/ wiring; the
// sequential "validate config, build components, warn-and-continue on
// optional failures" body follows the teacher's cmd/engine/main.go.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/bgp-sentry/sentry/internal/api"
	"github.com/bgp-sentry/sentry/internal/bus"
	"github.com/bgp-sentry/sentry/internal/coin"
	"github.com/bgp-sentry/sentry/internal/config"
	"github.com/bgp-sentry/sentry/internal/detector"
	"github.com/bgp-sentry/sentry/internal/knowledge"
	"github.com/bgp-sentry/sentry/internal/ledger"
	"github.com/bgp-sentry/sentry/internal/node"
	"github.com/bgp-sentry/sentry/internal/observer"
	"github.com/bgp-sentry/sentry/internal/pool"
	"github.com/bgp-sentry/sentry/internal/reputation"
	"github.com/bgp-sentry/sentry/internal/store/pg"
)

var (
	flagConfigDir  string
	flagDatasetDir string
	flagDataset    string
	flagNodes      string
	flagNode       int
	flagDuration   time.Duration
	flagSpeed      float64
	flagHTTPAddr   string
	flagPostgres   string
	flagNoAPI      bool
)

func main() {
	root := &cobra.Command{
		Use:   "sentry",
		Short: "BGP-Sentry distributed route-monitoring validator",
	}

	run := &cobra.Command{
		Use:   "run",
		Short: "start the observer stack against a dataset",
		Long: "Starts one or more validator nodes sharing a gossip bus against a " +
			"BGP observation dataset. Exit code 0 on clean shutdown (SIGINT/SIGTERM " +
			"or --duration elapsing), non-zero on configuration error.",
		RunE: runE,
	}
	run.Flags().StringVar(&flagConfigDir, "config-dir", ".", "directory containing roa.json, asrel.json, and keys/")
	run.Flags().StringVar(&flagDatasetDir, "dataset-dir", "./datasets", "directory containing one <asn>.jsonl observation file per node")
	run.Flags().StringVar(&flagDataset, "dataset", "", "path to a single observation dataset; overrides --dataset-dir when --node is the only node running")
	run.Flags().IntVar(&flagNode, "node", 0, "this process's observer ASN (shorthand for --nodes with a single entry)")
	run.Flags().StringVar(&flagNodes, "nodes", "", "comma-separated list of validator ASNs to run in this process")
	run.Flags().DurationVar(&flagDuration, "duration", 0, "stop automatically after this long (0 = run until a shutdown signal)")
	run.Flags().Float64Var(&flagSpeed, "speed", 1.0, "observation replay speed multiplier (2.0 polls twice as often)")
	run.Flags().StringVar(&flagHTTPAddr, "http-addr", ":8080", "address for the monitoring HTTP/WebSocket API")
	run.Flags().StringVar(&flagPostgres, "postgres-dsn", "", "optional Postgres connection string for the secondary attack-history sink")
	run.Flags().BoolVar(&flagNoAPI, "no-api", false, "disable the monitoring HTTP/WebSocket API")

	root.AddCommand(run)

	if err := root.Execute(); err != nil {
		log.Fatalf("FATAL: %v", err)
	}
}

func runE(cmd *cobra.Command, args []string) error {
	if flagNode != 0 && flagNodes == "" {
		flagNodes = strconv.Itoa(flagNode)
	}
	asns, err := parseASNList(flagNodes)
	if err != nil {
		return fmt.Errorf("--node/--nodes: %w", err)
	}
	if flagSpeed <= 0 {
		return fmt.Errorf("--speed must be positive, got %v", flagSpeed)
	}

	protoCfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading protocol configuration: %w", err)
	}

	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	defer func() { _ = logger.Sync() }()

	stateDir := filepath.Join(flagConfigDir, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return fmt.Errorf("creating state directory: %w", err)
	}

	var pgStore *pg.Store
	if flagPostgres != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		pgStore, err = pg.Connect(ctx, flagPostgres)
		if err != nil {
			logger.Warn("postgres connection failed, continuing without the secondary sink", zap.Error(err))
		} else if err := pgStore.InitSchema(ctx); err != nil {
			logger.Warn("postgres schema init failed", zap.Error(err))
		}
	}

	stakeTable, err := reputation.LoadStakeTable(filepath.Join(flagConfigDir, "stake.json"))
	if err != nil {
		return fmt.Errorf("loading stake table: %w", err)
	}

	var wsHub *api.Hub
	if !flagNoAPI {
		wsHub = api.NewHub()
		go wsHub.Run()
	}

	shared := bus.New(8, 256, logger)
	defer shared.Shutdown()

	nodes := make(map[int]*node.Node, len(asns))
	for _, asn := range asns {
		cfg := nodeConfig(asn, protoCfg, stateDir, stakeTable)
		if len(asns) == 1 && flagDataset != "" {
			cfg.DatasetPath = flagDataset
		}
		if wsHub != nil {
			cfg.OnVerdict = api.BroadcastVerdict(wsHub)
		}
		cfg.PGStore = pgStore
		n, err := node.New(cfg, shared, logger.With(zap.Int("asn", asn)))
		if err != nil {
			return fmt.Errorf("building node for AS%d: %w", asn, err)
		}
		nodes[asn] = n
	}

	var ctx context.Context
	var cancel context.CancelFunc
	if flagDuration > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), flagDuration)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}
	defer cancel()

	for asn, n := range nodes {
		n := n
		go n.Run(ctx)
		logger.Info("node started", zap.Int("asn", asn))
	}

	if wsHub != nil {
		r := api.SetupRouter(nodes, pgStore, wsHub)
		srv := &http.Server{Addr: flagHTTPAddr, Handler: r}
		go func() {
			logger.Info("monitoring API listening", zap.String("addr", flagHTTPAddr))
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error("monitoring API stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-sigCh:
		logger.Info("shutdown signal received, stopping nodes")
	case <-ctx.Done():
		logger.Info("--duration elapsed, stopping nodes")
	}
	cancel()
	time.Sleep(200 * time.Millisecond) // let node goroutines persist their snapshots
	return nil
}

// nodeConfig assembles one validator's config from the shared protocol
// tunables and this node's conventional file paths under config-dir.
func nodeConfig(asn int, proto *config.Config, stateDir string, stakeTable *reputation.StakeTable) node.Config {
	keyDir := filepath.Join(flagConfigDir, "keys")
	return node.Config{
		SelfASN:     asn,
		ROAPath:     filepath.Join(flagConfigDir, "roa.json"),
		ASRelPath:   filepath.Join(flagConfigDir, "asrel.json"),
		KeyDir:      keyDir,
		SelfKeyPath: filepath.Join(keyDir, strconv.Itoa(asn)+".priv.pem"),
		DatasetPath: filepath.Join(flagDatasetDir, strconv.Itoa(asn)+".jsonl"),
		StateDir:    stateDir,
		Pool: pool.Config{
			Quorum:                proto.ConsensusMinSignatures,
			Cap:                   proto.ConsensusCapSignatures,
			RegularTimeout:        proto.RegularTimeout,
			AttackTimeout:         proto.AttackTimeout,
			RPKIDedupWindow:       proto.RPKIDedupWindow,
			NonRPKIDedupWindow:    proto.NonRPKIDedupWindow,
			MaxBroadcastPeers:     proto.MaxBroadcastPeers,
			PendingCapacity:       proto.PendingCapacity,
			CommittedIDsCap:       proto.CommittedIDsCap,
			CommitOnPartialQuorum: proto.CommitOnPartialQuorum,
		},
		Ledger:    ledger.Config{MaxTransactionsPerBlock: 50, MaxBlockInterval: 30 * time.Second},
		Knowledge: knowledge.Config{Window: proto.KnowledgeWindow, CleanupEvery: proto.KnowledgeCleanupEvery, Capacity: proto.KnowledgeCapacity},
		Detector: detector.Config{
			FlapWindow:      proto.FlapWindow,
			FlapThreshold:   proto.FlapThreshold,
			FlapDedupWindow: proto.FlapDedupWindow,
		},
		Reputation: reputation.Config{
			MinScore:              proto.RatingMinScore,
			MaxScore:              proto.RatingMaxScore,
			InitialScore:          proto.RatingInitialScore,
			PersistentAttackCount: proto.PersistentAttackCount,
			StakeThreshold:        proto.StakeThreshold,
			StakeLookup:           stakeTable.Lookup,
		},
		Coin:         coin.Config{TotalSupply: proto.BGPCoinTotalSupply},
		Observer:     observer.Config{PollInterval: time.Duration(float64(time.Second) / flagSpeed), BatchSize: 20},
		TickInterval: time.Second,
	}
}

func parseASNList(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		asn, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid asn %q: %w", p, err)
		}
		out = append(out, asn)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no ASNs given")
	}
	return out, nil
}
