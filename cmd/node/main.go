// Command node starts a TOL Chain consensus node.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tolelom/tolchain/archive"
	"github.com/tolelom/tolchain/blockgraph"
	"github.com/tolelom/tolchain/config"
	"github.com/tolelom/tolchain/consensusworker"
	"github.com/tolelom/tolchain/crypto"
	"github.com/tolelom/tolchain/crypto/certgen"
	"github.com/tolelom/tolchain/events"
	"github.com/tolelom/tolchain/metrics"
	"github.com/tolelom/tolchain/models"
	"github.com/tolelom/tolchain/network"
	"github.com/tolelom/tolchain/pool"
	"github.com/tolelom/tolchain/rollledger"
	"github.com/tolelom/tolchain/rpc"
	"github.com/tolelom/tolchain/selector"
	"github.com/tolelom/tolchain/storage"
	"github.com/tolelom/tolchain/wallet"
)

var cfgPath string
var keyPath string

func main() {
	root := &cobra.Command{
		Use:   "node",
		Short: "TOL Chain consensus node",
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "config.json", "path to config file")
	root.PersistentFlags().StringVar(&keyPath, "key", "validator.key", "path to keystore file")

	root.AddCommand(runCmd(), genKeyCmd(), genCertsCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func genKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "genkey",
		Short: "generate a new validator key and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			priv, pub, err := crypto.GenerateKeyPair()
			if err != nil {
				return err
			}
			password := keystorePassword()
			if err := wallet.SaveKey(keyPath, password, priv); err != nil {
				return err
			}
			fmt.Printf("Generated key. Public key (validator identity): %s\n", pub.Hex())
			fmt.Printf("Saved to: %s\n", keyPath)
			return nil
		},
	}
}

func genCertsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "gencerts [output-dir]",
		Short: "generate a CA and node TLS certificate pair into output-dir",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cfgPath)
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if err := certgen.GenerateAll(args[0], cfg.NodeID, nil); err != nil {
				return fmt.Errorf("gencerts: %w", err)
			}
			fmt.Printf("Certificates generated in %s for node %q\n", args[0], cfg.NodeID)
			return nil
		},
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "run the consensus node",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run()
		},
	}
}

func keystorePassword() string {
	password := os.Getenv("TOL_PASSWORD")
	if password == "" {
		fmt.Fprintln(os.Stderr, "WARNING: TOL_PASSWORD not set, keystore will use an empty password")
	}
	return password
}

func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config.DefaultConfig(), nil
		}
		return nil, err
	}
	return cfg, nil
}

func run() error {
	logger, err := zap.NewProduction()
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	cfg, err := loadConfig(cfgPath)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	signingKey, err := wallet.LoadKey(keyPath, keystorePassword())
	if err != nil {
		return fmt.Errorf("load key: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("mkdir data dir: %w", err)
	}

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "chain"))
	if err != nil {
		return fmt.Errorf("open db: %w", err)
	}
	defer db.Close()

	genesisKey, err := crypto.PrivKeyFromHex(cfg.GenesisKey)
	if err != nil {
		return fmt.Errorf("genesis_key: %w", err)
	}
	genesisBlocks, err := config.CreateGenesisBlocks(cfg, genesisKey)
	if err != nil {
		return fmt.Errorf("genesis: %w", err)
	}

	ledger := rollledger.New(db, rollledger.Config{
		RollPrice:                        cfg.RollPrice,
		PosLookbackCycles:                cfg.PosLookbackCycles,
		PosLockCycles:                    cfg.PosLockCycles,
		PosMissRateDeactivationThreshold: cfg.PosMissRateDeactivationThreshold,
	})
	if err := applyGenesisAllocations(cfg, ledger); err != nil {
		return fmt.Errorf("genesis allocations: %w", err)
	}

	nodeAddrs, err := resolveNodeAddrs(cfg.Nodes)
	if err != nil {
		return fmt.Errorf("nodes: %w", err)
	}
	weights, err := ledger.SelectionWeights(nodeAddrs)
	if err != nil {
		return fmt.Errorf("selection weights: %w", err)
	}
	seed := models.HashData([]byte(cfg.Genesis.ChainID))
	sel, err := selector.New(seed[:], cfg.ThreadCount, weights)
	if err != nil {
		return fmt.Errorf("selector: %w", err)
	}

	graph, err := blockgraph.New(blockgraph.Config{
		ThreadCount:           cfg.ThreadCount,
		DeltaF0:               cfg.DeltaF0,
		ForceKeepFinalPeriods: cfg.ForceKeepFinalPeriods,
		DiscardTTL:            cfg.DiscardTTL,
		EndorsementCount:      cfg.EndorsementCount,
		MaxOperationsPerBlock: cfg.MaxOperationsPerBlock,
		MaxBlockSize:          cfg.MaxBlockSize,
		DisableBlockCreation:  cfg.DisableBlockCreation,
		CurrentNodeIndex:      cfg.CurrentNodeIndex,
		GenesisPublicKey:      cfg.Genesis.PublicKey,
		Nodes:                 cfg.Nodes,
	}, genesisBlocks)
	if err != nil {
		return fmt.Errorf("blockgraph: %w", err)
	}

	opPool := pool.New()
	archiveStore := archive.NewLevelStore(db)
	emitter := events.NewEmitter()
	emitter.Subscribe(events.EventBlockAttack, func(ev events.Event) {
		logger.Warn("block attack detected", zap.String("hash", ev.Hash.String()))
	})

	tlsCfg, err := config.LoadTLSConfig(cfg.TLS)
	if err != nil {
		return fmt.Errorf("tls: %w", err)
	}
	if tlsCfg != nil {
		logger.Info("mTLS enabled for P2P")
	}

	p2pAddr := fmt.Sprintf(":%d", cfg.P2PPort)
	node := network.NewNode(cfg.NodeID, p2pAddr, tlsCfg, logger)
	if err := node.Start(); err != nil {
		return fmt.Errorf("p2p start: %w", err)
	}
	defer node.Stop()
	logger.Info("p2p listening", zap.String("addr", p2pAddr))

	ctx, cancelBootstrap := context.WithCancel(context.Background())
	defer cancelBootstrap()
	for _, sp := range cfg.SeedPeers {
		go node.Bootstrap(ctx, sp.ID, sp.Addr)
	}

	cmdCh := make(chan consensusworker.Command, 64)
	mgmtCh := make(chan struct{})

	worker, err := consensusworker.New(
		consensusworker.Config{
			ThreadCount:      cfg.ThreadCount,
			T0:               cfg.T0,
			GenesisTimestamp: cfg.GenesisTimestamp,
			Nodes:            cfg.Nodes,
			CurrentNodeIndex: cfg.CurrentNodeIndex,
			GenesisPublicKey: cfg.Genesis.PublicKey,
			PeriodsPerCycle:  cfg.PeriodsPerCycle,
		},
		logger,
		graph,
		ledger,
		opPool,
		archiveStore,
		node,
		emitter,
		sel,
		signingKey,
		cmdCh,
		node.Events(),
		mgmtCh,
	)
	if err != nil {
		return fmt.Errorf("consensusworker: %w", err)
	}

	rpcHandler := rpc.NewHandler(cmdCh, opPool)
	rpcAddr := fmt.Sprintf(":%d", cfg.RPCPort)
	rpcServer := rpc.NewServer(rpcAddr, rpcHandler, cfg.RPCAuthToken)

	registry := prometheus.NewRegistry()
	collectors := metrics.NewCollectors(registry)
	rpcServer.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))

	metricsStop := make(chan struct{})
	go sampleMetrics(cmdCh, opPool, collectors, metricsStop)

	if err := rpcServer.Start(); err != nil {
		return fmt.Errorf("rpc start: %w", err)
	}
	defer rpcServer.Stop()
	logger.Info("rpc listening", zap.String("addr", rpcAddr))

	workerErrCh := make(chan error, 1)
	go func() {
		workerErrCh <- worker.Run()
	}()
	logger.Info("consensus running", zap.String("node_id", cfg.NodeID), zap.Int("index", cfg.CurrentNodeIndex))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sigCh:
		logger.Info("shutting down")
		close(mgmtCh)
		<-workerErrCh
	case err := <-workerErrCh:
		if err != nil {
			logger.Error("consensus worker stopped", zap.Error(err))
		}
	}
	close(metricsStop)
	return nil
}

func resolveNodeAddrs(pubkeys []string) ([]models.Address, error) {
	addrs := make([]models.Address, len(pubkeys))
	for i, pk := range pubkeys {
		pub, err := crypto.PubKeyFromHex(pk)
		if err != nil {
			return nil, fmt.Errorf("node %d: %w", i, err)
		}
		addrs[i] = models.AddressFromPublicKey(pub)
	}
	return addrs, nil
}

// applyGenesisAllocations seeds initial balances once, on a fresh data
// directory. A marker file (rather than a ledger key, which would require
// a dedicated reserved address) records that this has already run so
// restarts never clobber balances moved by subsequent transactions.
func applyGenesisAllocations(cfg *config.Config, ledger *rollledger.Ledger) error {
	marker := filepath.Join(cfg.DataDir, "GENESIS_APPLIED")
	if _, err := os.Stat(marker); err == nil {
		return nil
	}

	alloc, err := config.GenesisAllocations(cfg)
	if err != nil {
		return err
	}
	for pubkeyHex, balance := range alloc {
		pub, err := crypto.PubKeyFromHex(pubkeyHex)
		if err != nil {
			return err
		}
		addr := models.AddressFromPublicKey(pub)
		if err := ledger.SetBalance(addr, models.Amount{RawUnits: balance}); err != nil {
			return err
		}
	}
	if err := ledger.Commit(); err != nil {
		return err
	}
	return os.WriteFile(marker, []byte(time.Now().UTC().Format(time.RFC3339)), 0644)
}

func sampleMetrics(cmdCh chan<- consensusworker.Command, p *pool.Pool, c *metrics.Collectors, stop <-chan struct{}) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			reply := make(chan blockgraph.BlockGraphExport, 1)
			select {
			case cmdCh <- consensusworker.Command{GetBlockGraphStatus: &consensusworker.GetBlockGraphStatusCmd{Reply: reply}}:
			default:
				continue
			}
			select {
			case export := <-reply:
				var active, final int
				for _, b := range export.Blocks {
					switch b.Status {
					case blockgraph.StatusActive:
						active++
					case blockgraph.StatusFinal:
						final++
					}
				}
				c.Observe(active, final, len(export.Cliques), 0, p.Size())
			case <-time.After(2 * time.Second):
			}
		}
	}
}
