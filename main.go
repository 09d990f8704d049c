package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"

	"github.com/AlpacaTunnel/alpaca-proxy/pkg/account"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/ledger"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/lightwallet/faketest"
	"github.com/AlpacaTunnel/alpaca-proxy/pkg/transport"
)

func main() {
	logger := newRootLogger()

	if len(os.Args) > 1 {
		runCli(logger, os.Args[1])
		return
	}

	cfg, err := LoadConfig(logger)
	if err != nil {
		logger.Fatal("failed to load configuration", "error", err)
	}

	store, err := ledger.Connect(cfg.DB)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}

	metrics := NewMetrics()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.Handler())
	metricsServer := &http.Server{Addr: cfg.MetricsListenAddr, Handler: metricsMux}

	go func() {
		logger.Info("metrics server listening", "addr", cfg.MetricsListenAddr)
		if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failure", "error", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var appServer *http.Server
	switch cfg.Role {
	case RoleServer:
		appServer = runServerRole(ctx, cfg, store, metrics, logger)
	case RoleClient:
		runClientRole(ctx, cfg, metrics, logger)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("failed to shut down metrics server", "error", err)
	}

	if appServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := appServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("failed to shut down proxy server", "error", err)
		}
	}

	logger.Info("shutdown complete")
}

// deriveKey turns the configured nano_seed (a 64-character hex string, per
// the Nano seed convention) into index-0 keypair. Returns nil, nil when no
// seed is configured.
func deriveKey(nanoSeedHex string) (*account.Key, error) {
	if nanoSeedHex == "" {
		return nil, nil
	}
	seedBytes, err := hex.DecodeString(nanoSeedHex)
	if err != nil || len(seedBytes) != 32 {
		return nil, fmt.Errorf("nano_seed must be a 64-character hex string")
	}
	var seed [32]byte
	copy(seed[:], seedBytes)
	return account.Derive(seed, 0)
}

func runServerRole(ctx context.Context, cfg *Config, store *ledger.Store, metrics *Metrics, logger Logger) *http.Server {
	key, err := deriveKey(cfg.NanoSeed)
	if err != nil {
		logger.Fatal("failed to derive server account", "error", err)
	}

	serverAccount := ""
	if key != nil {
		serverAccount = key.Account()
		logger.Info("server account derived", "account", serverAccount)
	}

	priceKiloRequests, priceGigabytes := parsePricing(cfg, logger)
	pricing := NewPricing()

	if cfg.CryptoCoin != "" {
		// The light-wallet RPC client is explicitly out of scope (spec.md
		// §1): this is the injection seam an operator wires a real
		// implementation into. faketest stands in so the maintainer (and
		// therefore pricing refresh and history ingestion) still runs for
		// this reference build.
		wallet := faketest.New(decimal.NewFromInt(1))
		interval := time.Duration(cfg.MaintainerIntervalSeconds) * time.Second
		maintainer := NewMaintainer(store, wallet, pricing, serverAccount, priceKiloRequests, priceGigabytes, interval, metrics, logger)
		go maintainer.Run(ctx)
	}

	serverProxy := NewServerProxy(store, pricing, serverAccount, cfg.CryptoCoin, priceKiloRequests, priceGigabytes, cfg.Username, cfg.Password, metrics, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/", serverProxy.HandleConnection)
	addr := fmt.Sprintf("%s:%d", cfg.ServerHost, cfg.ServerPort)
	server := &http.Server{Addr: addr, Handler: mux}

	go func() {
		logger.Info("proxy server listening", "addr", addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("proxy server failure", "error", err)
		}
	}()

	return server
}

func runClientRole(ctx context.Context, cfg *Config, metrics *Metrics, logger Logger) {
	key, err := deriveKey(cfg.NanoSeed)
	if err != nil {
		logger.Fatal("failed to derive client account", "error", err)
	}

	dialCfg := transport.DialConfig{
		URL:       cfg.ServerURL,
		UnixPath:  cfg.UnixPath,
		Username:  cfg.Username,
		Password:  cfg.Password,
		VerifyTLS: cfg.VerifySSL,
		Logger:    logger,
	}

	clientProxy := NewClientProxy(dialCfg, key, metrics, logger)
	go func() {
		if err := clientProxy.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("client supervisor stopped", "error", err)
		}
	}()

	socks5Addr := fmt.Sprintf("%s:%d", cfg.Socks5Address, cfg.Socks5Port)
	go func() {
		if err := clientProxy.ListenAndServe(ctx, socks5Addr); err != nil && ctx.Err() == nil {
			logger.Error("socks5 listener stopped", "error", err)
		}
	}()
}

func parsePricing(cfg *Config, logger Logger) (decimal.Decimal, decimal.Decimal) {
	priceKiloRequests, err := decimal.NewFromString(cfg.PriceKiloRequests)
	if err != nil {
		logger.Fatal("invalid ALPACA_PRICE_KILO_REQUESTS", "value", cfg.PriceKiloRequests, "error", err)
	}
	priceGigabytes, err := decimal.NewFromString(cfg.PriceGigabytes)
	if err != nil {
		logger.Fatal("invalid ALPACA_PRICE_GIGABYTES", "value", cfg.PriceGigabytes, "error", err)
	}
	return priceKiloRequests, priceGigabytes
}

func runCli(logger Logger, name string) {
	switch name {
	case "reconcile":
		runReconcileCli(logger)
	default:
		logger.Fatal("unknown CLI command", "name", name)
	}
}
