package main

import (
	"context"
	"encoding/hex"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"invoiceflow/config"
	"invoiceflow/core"
	"invoiceflow/crypto"
	"invoiceflow/gateway"
	nativecommon "invoiceflow/native/common"
	"invoiceflow/native/lendingpool"
	"invoiceflow/observability/logging"
	"invoiceflow/storage"
)

func main() {
	configFile := flag.String("config", "./config.toml", "Path to the configuration file")
	keygen := flag.Bool("keygen", false, "Generate a keypair, print it and exit")
	flag.Parse()

	if *keygen {
		if err := runKeygen(os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "keygen: %v\n", err)
			os.Exit(1)
		}
		return
	}

	env := strings.TrimSpace(os.Getenv("INVOICEFLOW_ENV"))

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("invoiced", env, cfg.LogFile)

	db, err := storage.NewLevelDB(filepath.Join(cfg.DataDir, "state"))
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	nodeCfg, genesis, err := buildNodeConfig(cfg)
	if err != nil {
		logger.Error("Invalid genesis configuration", slog.Any("error", err))
		os.Exit(1)
	}

	node := core.NewNode(db, nodeCfg)
	if err := node.Bootstrap(genesis); err != nil {
		logger.Error("Genesis bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}

	limiter := gateway.NewRateLimiter(map[string]gateway.RateLimit{
		"invoices": {RequestsPerMinute: 600, Burst: 20},
		"verify":   {RequestsPerMinute: 600, Burst: 20},
		"pool":     {RequestsPerMinute: 600, Burst: 20},
		"admin":    {RequestsPerMinute: 60, Burst: 5},
	}, nil)
	server := gateway.NewServer(node, logger, limiter)

	httpServer := &http.Server{
		Addr:              cfg.ListenAddress,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Gateway listening",
			slog.String("address", cfg.ListenAddress),
			slog.String("network", cfg.NetworkName))
		errCh <- httpServer.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("Shutting down", slog.String("signal", sig.String()))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			logger.Error("Gateway shutdown failed", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("Gateway terminated", slog.Any("error", err))
			os.Exit(1)
		}
	}
}

// runKeygen writes a fresh keypair suitable for the genesis tables: the
// bech32 address and the hex-encoded private key.
func runKeygen(w io.Writer) error {
	key, err := crypto.GeneratePrivateKey()
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "address: %s\n", key.PubKey().Address())
	fmt.Fprintf(w, "private key: %s\n", hex.EncodeToString(key.Bytes()))
	return nil
}

func buildNodeConfig(cfg *config.Config) (core.Config, core.Genesis, error) {
	admin, err := crypto.DecodeAddress(cfg.Genesis.Admin)
	if err != nil {
		return core.Config{}, core.Genesis{}, fmt.Errorf("genesis admin: %w", err)
	}
	treasury, err := crypto.DecodeAddress(cfg.Genesis.Treasury)
	if err != nil {
		return core.Config{}, core.Genesis{}, fmt.Errorf("genesis treasury: %w", err)
	}

	minLoan, err := parseOptionalAmount("MinLoanAmount", cfg.Pool.MinLoanAmount)
	if err != nil {
		return core.Config{}, core.Genesis{}, err
	}
	maxLoan, err := parseOptionalAmount("MaxLoanAmount", cfg.Pool.MaxLoanAmount)
	if err != nil {
		return core.Config{}, core.Genesis{}, err
	}

	nodeCfg := core.Config{
		Admin:    admin,
		Treasury: treasury,
		MintQuota: nativecommon.Quota{
			MaxRequestsPerEpoch: cfg.Registry.MaxMintsPerEpoch,
			EpochSeconds:        cfg.Registry.QuotaEpochSeconds,
		},
		Pool: lendingpool.Config{
			LendingToken:           cfg.Pool.LendingToken,
			IsNativeCurrency:       cfg.Pool.IsNativeCurrency,
			BaseLTVBps:             cfg.Pool.BaseLTVBps,
			BaseInterestBps:        cfg.Pool.BaseInterestBps,
			MinLoanAmount:          minLoan,
			MaxLoanAmount:          maxLoan,
			LiquidationGracePeriod: cfg.Pool.LiquidationGracePeriod,
		},
	}

	genesis := core.Genesis{}
	for _, raw := range cfg.Genesis.Agents {
		agent, err := crypto.DecodeAddress(raw)
		if err != nil {
			return core.Config{}, core.Genesis{}, fmt.Errorf("genesis agent %q: %w", raw, err)
		}
		genesis.Agents = append(genesis.Agents, agent)
	}
	for _, seed := range cfg.Genesis.Accounts {
		addr, err := crypto.DecodeAddress(seed.Address)
		if err != nil {
			return core.Config{}, core.Genesis{}, fmt.Errorf("genesis account %q: %w", seed.Address, err)
		}
		balance, err := parseOptionalAmount("genesis balance", seed.Balance)
		if err != nil {
			return core.Config{}, core.Genesis{}, err
		}
		genesis.Accounts = append(genesis.Accounts, core.GenesisAccount{Address: addr, Balance: balance})
	}
	return nodeCfg, genesis, nil
}

func parseOptionalAmount(field, value string) (*big.Int, error) {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return big.NewInt(0), nil
	}
	amount, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("%s: %q is not a decimal integer", field, value)
	}
	return amount, nil
}
