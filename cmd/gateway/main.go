package main

import (
	"context"
	"fmt"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"indexerGateway/internal/attestation"
	"indexerGateway/internal/budget"
	"indexerGateway/internal/config"
	"indexerGateway/internal/costmodel"
	"indexerGateway/internal/dispatch"
	"indexerGateway/internal/indexerclient"
	"indexerGateway/internal/receipts"
	"indexerGateway/internal/registry"
	"indexerGateway/internal/reports"
	"indexerGateway/internal/selection"
	"indexerGateway/internal/storage/postgres"
)

func main() {
	root := &cobra.Command{
		Use:          "gateway",
		Short:        "Query-routing gateway for the indexer marketplace",
		SilenceUsage: true,
	}

	root.PersistentFlags().String("config", "", "config file path")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway",
		RunE:  runGateway,
	}

	runCmd.Flags().String("listen", ":8080", "listen address for resolved queries")
	runCmd.Flags().String("network-url", "", "network state endpoint URL")
	runCmd.Flags().Duration("refresh-interval", 30*time.Second, "registry refresh interval")
	runCmd.Flags().Duration("fetch-timeout", 30*time.Second, "network state fetch timeout")
	runCmd.Flags().String("signer-key", "", "receipt signing key (hex)")
	runCmd.Flags().Uint64("chain-id", 1, "payment domain chain id")
	runCmd.Flags().String("escrow-verifier", "", "escrow verifying contract address")
	runCmd.Flags().Int("max-attempts", 3, "maximum dispatch attempts per query")
	runCmd.Flags().Duration("attempt-timeout", 10*time.Second, "per-attempt indexer timeout")
	runCmd.Flags().Duration("half-life", 2*time.Minute, "performance decay half-life")
	runCmd.Flags().Float64("exploration-weight", 1.0, "optimistic prior mass for unobserved indexers")
	runCmd.Flags().Int("draw-width", 3, "weighted draw width over top-scoring candidates")
	runCmd.Flags().Duration("budget-window", time.Minute, "caller allowance window")
	runCmd.Flags().String("default-allowance", "", "default per-window allowance (GRT wei)")
	runCmd.Flags().String("default-ceiling", "", "default per-query fee ceiling (GRT wei)")
	runCmd.Flags().String("pg-dsn", "", "Postgres DSN for the outcome journal")
	runCmd.Flags().String("outcomes", "./data/outcomes.jsonl", "outcome JSONL path when no DSN is set")
	runCmd.Flags().String("log-level", "info", "log level (debug, info, warn, error)")

	root.AddCommand(runCmd)

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func runGateway(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.NetworkURL == "" {
		return fmt.Errorf("network url is required")
	}
	if cfg.SignerKey == "" {
		return fmt.Errorf("signer key is required")
	}

	signingKey, err := crypto.HexToECDSA(cfg.SignerKey)
	if err != nil {
		return fmt.Errorf("parse signer key: %w", err)
	}

	defaultAllowance, err := parseWei(cfg.DefaultAllowance)
	if err != nil {
		return fmt.Errorf("default-allowance: %w", err)
	}
	defaultCeiling, err := parseWei(cfg.DefaultCeiling)
	if err != nil {
		return fmt.Errorf("default-ceiling: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	evaluator := costmodel.NewEvaluator()
	reg := registry.NewRegistry(
		registry.NewHTTPSource(cfg.NetworkURL, cfg.FetchTimeout),
		evaluator,
		cfg.RefreshInterval,
		logger,
	)

	engine := selection.NewEngine(selection.Params{
		HalfLife:          cfg.HalfLife,
		ExplorationWeight: cfg.ExplorationWeight,
		DrawWidth:         cfg.DrawWidth,
	}, nil, logger)

	budgets := budget.NewManager(cfg.BudgetWindow, defaultAllowance, defaultCeiling, logger)

	signer := receipts.NewSigner(signingKey, receipts.Domain{
		ChainID:  new(big.Int).SetUint64(cfg.ChainID),
		Verifier: common.HexToAddress(cfg.EscrowVerifier),
	}, reg, logger)

	var sink reports.Sink
	if cfg.PGDSN != "" {
		store, err := postgres.NewStore(ctx, cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer store.Close()
		sink = store
	} else {
		sink = reports.NewJsonlSink(cfg.OutcomesPath)
	}
	reporter := reports.NewReporter(sink, 0, logger)

	controller := dispatch.NewController(
		dispatch.Config{MaxAttempts: cfg.MaxAttempts},
		reg,
		evaluator,
		engine,
		budgets,
		signer,
		indexerclient.NewClient(cfg.AttemptTimeout, logger),
		attestation.NewVerifier(),
		reporter,
		logger,
	)

	logger.Info("gateway start",
		zap.String("listen", cfg.Listen),
		zap.String("network_url", cfg.NetworkURL),
		zap.Stringer("payer", signer.Payer()),
		zap.Int("max_attempts", cfg.MaxAttempts),
		zap.Duration("attempt_timeout", cfg.AttemptTimeout),
	)

	go func() {
		if err := reg.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("registry stopped", zap.Error(err))
			stop()
		}
	}()
	go func() {
		_ = reporter.Run(ctx)
	}()

	server := &http.Server{
		Addr:    cfg.Listen,
		Handler: newHandler(controller, logger),
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("serve: %w", err)
	}

	reporter.Wait()
	return nil
}

func parseWei(value string) (*big.Int, error) {
	if value == "" {
		return nil, nil
	}
	parsed, ok := new(big.Int).SetString(value, 10)
	if !ok || parsed.Sign() < 0 {
		return nil, fmt.Errorf("invalid amount: %s", value)
	}
	return parsed, nil
}

func newLogger(level string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, err
	}

	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}
