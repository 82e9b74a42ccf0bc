package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"sync"
	"syscall"
	"time"

	"github.com/godsgiftsoftware/spotnet/pkg/api"
	"github.com/godsgiftsoftware/spotnet/pkg/margin"
	"github.com/godsgiftsoftware/spotnet/pkg/websocket"
	"github.com/luxfi/database"
	"github.com/luxfi/database/manager"
	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"
)

const (
	defaultDataDir     = ".margind"
	defaultPort        = 8080
	defaultWSPort      = 8081
	defaultMetricsPort = 9090
	vaultAccount       = "margind-vault"
)

type Config struct {
	// Paths
	DataDir  string
	LogLevel string

	// Network
	HTTPPort    int
	WSPort      int
	MetricsPort int
	NATSUrl     string

	// Administration
	Owner string

	// Persistence
	SnapshotInterval time.Duration

	// Features
	EnableMetrics bool
	DevMode       bool
}

type MarginNode struct {
	config *Config
	db     database.Database
	engine *margin.MarginEngine
	ws     *websocket.Server
	nats   *nats.Conn
	logger log.Logger

	feed   *simPriceFeed
	tokens map[string]*simToken

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewMarginNode(config *Config) (*MarginNode, error) {
	level, _ := log.ToLevel(config.LogLevel)
	logger := log.NewTestLogger(level)
	logger.Info("Initializing margin node")

	dataPath := filepath.Join(os.Getenv("HOME"), config.DataDir)
	if err := os.MkdirAll(dataPath, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbManager := manager.NewManager(dataPath, nil)

	dbConfig := manager.DefaultBadgerDBConfig("badgerdb")
	dbConfig.Namespace = "margind"

	db, err := dbManager.New(dbConfig)
	if err != nil {
		logger.Warn("Failed to open BadgerDB", "error", err)
		// Fallback to memory database
		memConfig := manager.DefaultMemoryConfig()
		db, err = dbManager.New(memConfig)
		if err != nil {
			return nil, fmt.Errorf("failed to create database: %w", err)
		}
		logger.Info("Using in-memory database")
	} else {
		logger.Info("BadgerDB initialized", "path", filepath.Join(dataPath, "badgerdb"))
	}

	var metrics *margin.Metrics
	if config.EnableMetrics {
		metrics = margin.NewMetrics("margind")
	}

	events := margin.NewEventLog()
	treasury := margin.NewTreasury(vaultAccount, events, metrics, logger)

	access := margin.NewAccessController(config.Owner)
	risk := margin.NewRiskParams(access, logger)

	// External contracts. Dev mode wires in-process simulations; a
	// production deployment would bind chain-backed implementations
	// here instead.
	feed := newSimPriceFeed()
	tokens := map[string]*simToken{
		"eth":  newSimToken("ETH", 18, vaultAccount),
		"usdc": newSimToken("USDC", 6, vaultAccount),
	}
	feed.set("ETH", big.NewInt(2000_00000000), 8)
	feed.set("USDC", big.NewInt(1_00000000), 8)
	for asset, token := range tokens {
		if err := treasury.RegisterAsset(asset, token); err != nil {
			return nil, err
		}
	}
	venue := newSimVenue(vaultAccount, feed, tokens)

	oracle := margin.NewPricingAdapter(feed, treasury)
	swaps := margin.NewSwapCoordinator(venue, treasury, logger)
	engine := margin.NewMarginEngine(treasury, risk, oracle, swaps, events, metrics, logger)

	if err := engine.LoadSnapshot(db); err != nil {
		return nil, fmt.Errorf("failed to load ledger state: %w", err)
	}

	if config.DevMode {
		seedDevAccounts(tokens, venue, logger)
	}

	node := &MarginNode{
		config: config,
		db:     db,
		engine: engine,
		ws:     websocket.NewServer(events, logger, websocket.DefaultConfig()),
		logger: logger,
		feed:   feed,
		tokens: tokens,
	}
	node.ctx, node.cancel = context.WithCancel(context.Background())

	if config.NATSUrl != "" {
		nc, err := nats.Connect(config.NATSUrl)
		if err != nil {
			logger.Warn("NATS unavailable, event publishing disabled", "url", config.NATSUrl, "error", err)
		} else {
			node.nats = nc
			logger.Info("NATS connected", "url", config.NATSUrl)
		}
	}

	return node, nil
}

// seedDevAccounts stocks the simulated venue and a few demo wallets so
// the RPC surface is usable immediately.
func seedDevAccounts(tokens map[string]*simToken, venue *simVenue, logger log.Logger) {
	oneETH := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)

	tokens["eth"].mint(venue.account, new(big.Int).Mul(oneETH, big.NewInt(1000)))
	tokens["usdc"].mint(venue.account, big.NewInt(2_000_000_000_000)) // 2M USDC

	for _, account := range []string{"alice", "bob", "carol"} {
		ethAmount := new(big.Int).Mul(oneETH, big.NewInt(100))
		usdcAmount := big.NewInt(100_000_000_000) // 100k USDC
		tokens["eth"].mint(account, ethAmount)
		tokens["eth"].approve(account, vaultAccount, ethAmount)
		tokens["usdc"].mint(account, usdcAmount)
		tokens["usdc"].approve(account, vaultAccount, usdcAmount)
	}
	logger.Info("Dev accounts seeded", "accounts", "alice,bob,carol")
}

func (n *MarginNode) Start() error {
	n.logger.Info("Starting margin node",
		"dataDir", filepath.Join(os.Getenv("HOME"), n.config.DataDir),
		"httpPort", n.config.HTTPPort,
		"wsPort", n.config.WSPort,
		"owner", n.config.Owner)

	n.wg.Add(1)
	go n.runSnapshots()

	if n.config.EnableMetrics {
		n.wg.Add(1)
		go n.runMetricsServer()
	}

	if n.nats != nil {
		n.wg.Add(1)
		go n.runEventPublisher()
	}

	if n.config.DevMode {
		n.wg.Add(1)
		go n.runPriceDrift()
	}

	n.wg.Add(1)
	go n.runJSONRPCServer()

	go func() {
		if err := n.ws.Start(n.config.WSPort); err != nil {
			n.logger.Error("WebSocket server error", "error", err)
		}
	}()

	n.logger.Info("Margin node started successfully")
	return nil
}

// runSnapshots persists the ledger on a fixed cadence.
func (n *MarginNode) runSnapshots() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			if err := n.engine.SaveSnapshot(n.db); err != nil {
				n.logger.Error("Snapshot failed", "error", err)
			}
		}
	}
}

// runEventPublisher bridges the ledger feed onto NATS subjects
// (margin.events.<type>).
func (n *MarginNode) runEventPublisher() {
	defer n.wg.Done()

	feed := n.engine.Events().Subscribe()
	for {
		select {
		case <-n.ctx.Done():
			return
		case ev := <-feed:
			data, err := json.Marshal(ev)
			if err != nil {
				n.logger.Error("Failed to marshal event", "error", err)
				continue
			}
			subject := "margin.events." + string(ev.Type)
			if err := n.nats.Publish(subject, data); err != nil {
				n.logger.Error("NATS publish failed", "subject", subject, "error", err)
			}
		}
	}
}

// runPriceDrift animates the dev price feed.
func (n *MarginNode) runPriceDrift() {
	defer n.wg.Done()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.feed.drift("ETH")
		}
	}
}

func (n *MarginNode) runMetricsServer() {
	defer n.wg.Done()

	mux := http.NewServeMux()
	mux.Handle("/metrics", n.engine.Metrics().Handler())

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.MetricsPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		server.Shutdown(context.Background())
	}()

	n.logger.Info("Metrics server started", "port", n.config.MetricsPort)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("Metrics server error", "error", err)
	}
}

func (n *MarginNode) runJSONRPCServer() {
	defer n.wg.Done()

	server := api.NewJSONRPCServer(n.engine, n.logger)

	mux := http.NewServeMux()
	mux.Handle("/rpc", server)

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]interface{}{
			"status": "healthy",
			"events": n.engine.Events().Len(),
		})
	})

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", n.config.HTTPPort),
		Handler: mux,
	}

	go func() {
		<-n.ctx.Done()
		httpServer.Shutdown(context.Background())
	}()

	n.logger.Info("JSON-RPC server started", "port", n.config.HTTPPort, "endpoint", "/rpc")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		n.logger.Error("JSON-RPC server error", "error", err)
	}
}

func (n *MarginNode) Shutdown() {
	n.logger.Info("Shutting down margin node...")

	n.cancel()
	n.ws.Stop()
	n.wg.Wait()

	// Final snapshot before the database closes.
	if err := n.engine.SaveSnapshot(n.db); err != nil {
		n.logger.Error("Final snapshot failed", "error", err)
	}

	if n.nats != nil {
		n.nats.Close()
	}
	if n.db != nil {
		n.db.Close()
	}

	n.logger.Info("Margin node shutdown complete")
}

func main() {
	config := &Config{}

	flag.StringVar(&config.DataDir, "data-dir", defaultDataDir, "Data directory (relative to $HOME)")
	flag.StringVar(&config.LogLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	flag.IntVar(&config.HTTPPort, "http-port", defaultPort, "HTTP API port")
	flag.IntVar(&config.WSPort, "ws-port", defaultWSPort, "WebSocket port")
	flag.IntVar(&config.MetricsPort, "metrics-port", defaultMetricsPort, "Prometheus metrics port")
	flag.StringVar(&config.NATSUrl, "nats", "", "NATS server URL (empty disables publishing)")

	flag.StringVar(&config.Owner, "owner", "admin", "Owner account for risk parameter writes")
	flag.DurationVar(&config.SnapshotInterval, "snapshot-interval", 30*time.Second, "Ledger snapshot interval")

	flag.BoolVar(&config.EnableMetrics, "enable-metrics", true, "Enable Prometheus metrics")
	flag.BoolVar(&config.DevMode, "dev", false, "Run with simulated tokens, prices and venue")

	flag.Parse()

	rootLogger := log.Root()
	rootLogger.Info("System information",
		"platform", fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
		"cpus", runtime.NumCPU(),
		"dataDir", filepath.Join(os.Getenv("HOME"), config.DataDir))

	node, err := NewMarginNode(config)
	if err != nil {
		rootLogger.Crit("Failed to create node", "error", err)
		os.Exit(1)
	}

	if err := node.Start(); err != nil {
		rootLogger.Crit("Failed to start node", "error", err)
		os.Exit(1)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	rootLogger.Info("Received shutdown signal", "signal", sig)

	node.Shutdown()
}
