// Package main provides the tonswapd daemon - an atomic swap node trading
// the native ledger asset against ETH, USDT and BTC through an on-chain
// order book.
package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/tonswap-exchange/tonswapd/internal/btcswap"
	"github.com/tonswap-exchange/tonswapd/internal/config"
	"github.com/tonswap-exchange/tonswapd/internal/engine"
	"github.com/tonswap-exchange/tonswapd/internal/htlc"
	"github.com/tonswap-exchange/tonswapd/internal/orderbook"
	"github.com/tonswap-exchange/tonswapd/internal/storage"
	"github.com/tonswap-exchange/tonswapd/internal/tonapi"
	"github.com/tonswap-exchange/tonswapd/internal/wallet"
	"github.com/tonswap-exchange/tonswapd/pkg/helpers"
	"github.com/tonswap-exchange/tonswapd/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	// Parse flags
	var (
		dataDir     = flag.String("data-dir", "~/.tonswapd", "Data directory")
		testnet     = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	// Set up logging (initial, may be overridden by config)
	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("tonswapd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	// Determine data directory (testnet uses subdirectory)
	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("Failed to load config", "error", err)
	}

	// CLI flags take precedence over the config file
	cfg.Logging.Level = *logLevel
	cfg.Storage.DataDir = effectiveDataDir
	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	} else {
		cfg.NetworkType = config.NetworkMainnet
	}

	// Update logging with config level
	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	// Create context with cancellation
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize storage
	dataPath := config.ExpandPath(cfg.Storage.DataDir)
	store, err := storage.New(&storage.Config{DataDir: dataPath})
	if err != nil {
		log.Fatal("Failed to initialize storage", "error", err)
	}
	defer store.Close()
	log.Info("Storage initialized", "path", dataPath)

	// Load or generate the wallet mnemonic
	keys, err := loadKeys(cfg, dataPath, log)
	if err != nil {
		log.Fatal("Failed to load wallet keys", "error", err)
	}

	// Initialize the native ledger leg
	api := tonapi.NewClient(cfg.Ton.Endpoint, cfg.Ton.APIKey)
	w, err := wallet.New(ctx, keys, api, log)
	if err != nil {
		log.Fatal("Failed to initialize wallet", "error", err)
	}
	log.Info("Wallet initialized", "address", w.Address())

	if cfg.Ton.Orderbook == "" {
		log.Fatal("No order-book contract configured")
	}
	book := orderbook.NewClient(api, w, cfg.Ton.Orderbook, log)

	// Initialize foreign-chain lock adapters
	locks, closeLocks, err := buildLockAdapters(cfg, keys, log)
	if err != nil {
		log.Fatal("Failed to initialize lock adapters", "error", err)
	}
	defer closeLocks()

	// Start the order engine
	registry := engine.NewRegistry(&engine.Config{
		Book:         book,
		Store:        store,
		Locks:        locks,
		Address:      w.Address(),
		PollInterval: cfg.Engine.PollInterval,
	})
	if err := registry.Start(ctx); err != nil {
		log.Fatal("Failed to start order engine", "error", err)
	}

	printBanner(log, cfg, w, keys)

	// Start status ticker
	go func() {
		ticker := time.NewTicker(60 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logStatus(ctx, log, book, registry, w.Address())
			}
		}
	}()

	// Wait for interrupt signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	<-sigCh
	log.Info("Shutting down...")

	// Graceful shutdown: stop the watchers and wait for them to finish
	// their current step.
	cancel()
	registry.Wait()

	log.Info("Goodbye!")
}

// loadKeys loads the mnemonic and derives every chain key. A missing
// mnemonic file is populated with a freshly generated phrase.
func loadKeys(cfg *config.Config, dataPath string, log *logging.Logger) (*wallet.Keys, error) {
	path := cfg.Wallet.MnemonicFile
	if !filepath.IsAbs(path) {
		path = filepath.Join(dataPath, path)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		mnemonic, err := wallet.GenerateMnemonic()
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, []byte(mnemonic+"\n"), 0600); err != nil {
			return nil, err
		}
		log.Warn("Generated a new wallet mnemonic - back it up", "path", path)
	}

	mnemonic, err := wallet.LoadMnemonicFile(path, os.Getenv("TONSWAPD_WALLET_PASSWORD"))
	if err != nil {
		return nil, err
	}
	return wallet.DeriveKeys(mnemonic)
}

// buildLockAdapters wires one lock adapter per configured foreign chain.
// Pairs without configuration are simply not tradeable on this node.
func buildLockAdapters(cfg *config.Config, keys *wallet.Keys, log *logging.Logger) (map[string]htlc.LockProtocol, func(), error) {
	locks := make(map[string]htlc.LockProtocol)
	var closers []func()
	closeAll := func() {
		for _, c := range closers {
			c()
		}
	}

	if cfg.Eth.SwapContract != "" {
		eth, err := htlc.NewEthAdapter(&htlc.EVMConfig{
			RPCURL:          cfg.Eth.RPCURL,
			ContractAddress: cfg.Eth.SwapContract,
			Key:             keys.EthPrivate.ToECDSA(),
			LockValidity:    cfg.Eth.LockValidity,
			GasLimit:        cfg.Eth.GasLimit,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, eth.Close)
		locks[orderbook.TokenETH] = eth
		log.Info("ETH leg enabled", "contract", cfg.Eth.SwapContract)
	}

	if cfg.Eth.TokenSwapContract != "" && cfg.Eth.USDTToken != "" {
		usdt, err := htlc.NewTokenAdapter(&htlc.EVMConfig{
			RPCURL:          cfg.Eth.RPCURL,
			ContractAddress: cfg.Eth.TokenSwapContract,
			TokenAddress:    cfg.Eth.USDTToken,
			Key:             keys.EthPrivate.ToECDSA(),
			LockValidity:    cfg.Eth.TokenLockValidity,
			GasLimit:        cfg.Eth.GasLimit,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		closers = append(closers, usdt.Close)
		locks[orderbook.TokenUSDT] = usdt
		log.Info("USDT leg enabled", "contract", cfg.Eth.TokenSwapContract)
	}

	if cfg.Btc.APIURL != "" {
		btc, err := btcswap.NewAdapter(&btcswap.Config{
			APIURL:  cfg.Btc.APIURL,
			FeeRate: cfg.Btc.FeeRate,
			Testnet: cfg.IsTestnet(),
			Key:     keys.BtcPrivate,
		})
		if err != nil {
			closeAll()
			return nil, nil, err
		}
		locks[orderbook.TokenBTC] = btc
		log.Info("BTC leg enabled", "wallet", btc.WalletAddress())
	}

	if len(locks) == 0 {
		closeAll()
		return nil, nil, errors.New("no foreign chain legs configured")
	}
	return locks, closeAll, nil
}

func logStatus(ctx context.Context, log *logging.Logger, book *orderbook.Client, registry *engine.Registry, address string) {
	var active int
	for _, o := range registry.Orders() {
		if o.Active() {
			active++
		}
	}

	bal, err := book.GetBalance(ctx, address)
	if err != nil {
		log.Info("Status", "active_orders", active)
		return
	}
	log.Info("Status",
		"active_orders", active,
		"free", helpers.FormatAmount(bal.Free.Uint64(), 9),
		"in_orders", helpers.FormatAmount(bal.InOrders.Uint64(), 9))
}

func printBanner(log *logging.Logger, cfg *config.Config, w *wallet.Wallet, keys *wallet.Keys) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  TON Swap Daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  Ledger wallet: %s", w.Address())
	log.Infof("  EVM address:   %s", keys.EthAddress())
	log.Infof("  BTC pubkey:    %s", keys.BtcPublicKeyHex())
	log.Info("")
	log.Infof("  Order book: %s", cfg.Ton.Orderbook)
	log.Infof("  Data dir:   %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("")
	log.Info("=================================================")
	log.Info("")
}
