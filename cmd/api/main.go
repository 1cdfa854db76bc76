package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/punchamoorthee/stakeops/internal/amount"
	"github.com/punchamoorthee/stakeops/internal/api"
	"github.com/punchamoorthee/stakeops/internal/config"
	"github.com/punchamoorthee/stakeops/internal/events"
	"github.com/punchamoorthee/stakeops/internal/instruction"
	"github.com/punchamoorthee/stakeops/internal/ledger"
	"github.com/punchamoorthee/stakeops/internal/ledger/memledger"
	"github.com/punchamoorthee/stakeops/internal/ledger/rpc"
	"github.com/punchamoorthee/stakeops/internal/lock"
	"github.com/punchamoorthee/stakeops/internal/logging"
	"github.com/punchamoorthee/stakeops/internal/oracle"
	"github.com/punchamoorthee/stakeops/internal/reconcile"
	"github.com/punchamoorthee/stakeops/internal/service"
	"github.com/punchamoorthee/stakeops/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

func main() {
	// best-effort: real environment variables win over .env
	_ = godotenv.Load()

	log, err := logging.Init(logging.ConfigFromEnv())
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatal("invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, closeStore := openStore(ctx, cfg, log)
	defer closeStore()

	backend, pool, keyring := openLedger(cfg, log)
	lc := ledger.NewClient(backend, cfg.PollInterval, log.Named("ledger"))

	var locker lock.Locker = lock.NewKeyed()
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatal("invalid REDIS_URL", zap.Error(err))
		}
		rdb := redis.NewClient(opts)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatal("redis unreachable", zap.Error(err))
		}
		// Held across confirmation, so it must outlive the confirm timeout.
		locker = lock.NewRedis(rdb, cfg.ConfirmTimeout+30*time.Second, log.Named("lock"))
		log.Info("using redis principal locks")
	}

	var publisher events.Publisher = events.Noop{}
	if cfg.NATSURL != "" {
		nc, err := events.NewNATS(events.Config{URL: cfg.NATSURL, Name: "stakeops"})
		if err != nil {
			log.Fatal("nats unreachable", zap.Error(err))
		}
		defer nc.Close()
		publisher = nc
	}

	rec := reconcile.NewReconciler(st, publisher, log.Named("reconcile"))
	recoverer := reconcile.NewRecoverer(st, lc, rec, reconcile.RecovererConfig{
		ConfirmTimeout:   cfg.ConfirmTimeout,
		RebroadcastAfter: cfg.RebroadcastAfter,
	}, log.Named("recovery"))
	orc := oracle.New(st, lc, recoverer, pool, oracle.Config{
		RewardRate: cfg.RewardRate,
		Tolerance:  cfg.DivergenceTolerance,
		CacheTTL:   cfg.PoolCacheTTL,
	}, log.Named("oracle"))
	coord := service.NewCoordinator(st, lc, keyring, rec, orc, locker, amount.AllowAll{}, service.Config{
		Pool:           pool,
		ConfirmTimeout: cfg.ConfirmTimeout,
	}, log.Named("coordinator"))

	sweeps, err := recoverer.Start(ctx, cfg.SweepSchedule)
	if err != nil {
		log.Fatal("recovery scheduler", zap.Error(err))
	}
	defer sweeps.Stop()

	r := mux.NewRouter()
	r.Handle("/metrics", promhttp.Handler())
	api.NewHandler(coord, orc, st, cfg.JWTSecret, log.Named("api")).Register(r)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Info("server starting", zap.String("port", cfg.Port), zap.String("env", cfg.Env), zap.Bool("simulated", cfg.Simulated()))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server failed", zap.Error(err))
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	// In-flight requests may be waiting on confirmation.
	doneCtx, cancel := context.WithTimeout(context.Background(), cfg.ConfirmTimeout+5*time.Second)
	defer cancel()
	if err := srv.Shutdown(doneCtx); err != nil {
		log.Warn("http server shutdown failed", zap.Error(err))
	}
}

func openStore(ctx context.Context, cfg *config.Config, log *zap.Logger) (store.Store, func()) {
	if cfg.DBSource == "" {
		log.Warn("DB_SOURCE not set, using in-memory store")
		return store.NewMemory(), func() {}
	}
	pg, err := store.NewPostgres(ctx, cfg.DBSource)
	if err != nil {
		log.Fatal("unable to connect to database", zap.Error(err))
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		log.Fatal("schema setup failed", zap.Error(err))
	}
	return pg, pg.Close
}

// openLedger selects the RPC backend or, without LEDGER_RPC_URL, an
// in-process ledger whose accounts are funded on first use.
func openLedger(cfg *config.Config, log *zap.Logger) (ledger.Ledger, instruction.Pool, ledger.Keyring) {
	rules := amount.Rules{Decimals: cfg.TokenDecimals, Minimum: cfg.MinStake}

	if cfg.Simulated() {
		signer, err := ledger.GenerateKeypair()
		if cfg.SignerKey != "" {
			signer, err = ledger.ParseKeypair(cfg.SignerKey)
		}
		if err != nil {
			log.Fatal("signer key", zap.Error(err))
		}
		pool := instruction.Pool{
			Program:          ledger.Derive(signer.PublicKey(), ledger.Address{}, "program"),
			Mint:             ledger.Derive(signer.PublicKey(), ledger.Address{}, "mint"),
			RewardsAuthority: signer.PublicKey(),
			Rules:            rules,
		}
		ml := memledger.New()
		faucet, err := amount.FromInt(1_000_000).BaseUnits(rules.Decimals)
		if err != nil {
			log.Fatal("faucet amount", zap.Error(err))
		}
		ml.SetFaucet(faucet)
		ml.Fund(pool.RewardsTokenAccount(), faucet)
		log.Warn("LEDGER_RPC_URL not set, running against the simulated ledger",
			zap.String("program", pool.Program.String()),
			zap.String("mint", pool.Mint.String()))
		return ml, pool, ledger.DelegateKeyring{Signer: signer}
	}

	signer, err := ledger.ParseKeypair(cfg.SignerKey)
	if err != nil {
		log.Fatal("signer key", zap.Error(err))
	}
	addrs := make([]ledger.Address, 3)
	for i, s := range []string{cfg.ProgramID, cfg.TokenMint, cfg.RewardsAuthority} {
		if addrs[i], err = ledger.ParseAddress(s); err != nil {
			log.Fatal("invalid ledger address", zap.String("value", s), zap.Error(err))
		}
	}
	pool := instruction.Pool{Program: addrs[0], Mint: addrs[1], RewardsAuthority: addrs[2], Rules: rules}
	return rpc.New(cfg.LedgerRPCURL), pool, ledger.DelegateKeyring{Signer: signer}
}
