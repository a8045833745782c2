package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/ledgerline/casegov/pkg/api"
	"github.com/ledgerline/casegov/pkg/audit"
	"github.com/ledgerline/casegov/pkg/auth"
	"github.com/ledgerline/casegov/pkg/clock"
	"github.com/ledgerline/casegov/pkg/config"
	"github.com/ledgerline/casegov/pkg/database"
	"github.com/ledgerline/casegov/pkg/decision"
	"github.com/ledgerline/casegov/pkg/disbursement"
	"github.com/ledgerline/casegov/pkg/gateway"
	"github.com/ledgerline/casegov/pkg/idempotency"
	"github.com/ledgerline/casegov/pkg/keystore"
	"github.com/ledgerline/casegov/pkg/ledger"
	"github.com/ledgerline/casegov/pkg/lifecycle"
	"github.com/ledgerline/casegov/pkg/observability"
	"github.com/ledgerline/casegov/pkg/projection"
	"github.com/ledgerline/casegov/pkg/query"
	"github.com/ledgerline/casegov/pkg/reconcile"
)

// Dispatcher
func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer(stderr)
	}

	switch args[1] {
	case "server", "serve":
		return startServer(stderr)
	case "health":
		return runHealthCmd(stdout, stderr)
	case "verify":
		return runVerifyCmd(stdout, stderr)
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer(stderr)
		}
		_, _ = fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "casegov - tenant-isolated case governance over a signed ledger")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  casegov <command> [flags]")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server   Run the API server (default)")
	fmt.Fprintln(w, "  health   Check a running server's health (HTTP)")
	fmt.Fprintln(w, "  verify   Verify ledger chain integrity and exit")
	fmt.Fprintln(w, "  help     Show this help")
	fmt.Fprintln(w, "")
}

func logLevel(name string) slog.Level {
	switch strings.ToUpper(name) {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// openAuthority builds the signed-ledger stack shared by the server and the
// verify command.
func openAuthority(ctx context.Context, cfg *config.Config) (*database.DB, *ledger.Authority, error) {
	db, err := database.Open(ctx, cfg.DatabaseURL, cfg.LiteDBPath)
	if err != nil {
		return nil, nil, err
	}
	if err := db.Init(ctx); err != nil {
		db.Close()
		return nil, nil, err
	}
	keys, err := keystore.LoadOrGenerate(cfg.SigningKeyPath)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	seq := clock.NewSequencer(db.Dialect)
	return db, ledger.NewAuthority(db, seq, keys), nil
}

func runServer(stderr io.Writer) int {
	cfg := config.Load()
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel(cfg.LogLevel),
	})))
	ctx := context.Background()

	if cfg.LiteMode() {
		slog.Info("DATABASE_URL not set, running in lite mode", "path", cfg.LiteDBPath)
	}

	shutdownMetrics, err := observability.Setup(ctx, "casegov", cfg.OTLPEndpoint)
	if err != nil {
		fmt.Fprintf(stderr, "metrics setup failed: %v\n", err)
		return 1
	}

	db, authority, err := openAuthority(ctx, cfg)
	if err != nil {
		fmt.Fprintf(stderr, "startup failed: %v\n", err)
		return 1
	}
	defer db.Close()
	slog.Info("trust root loaded", "publicKey", authority.PublicKey())

	proj := projection.NewStore()
	verifier := auth.NewVerifier(cfg.AuthJWTSecret)

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			fmt.Fprintf(stderr, "invalid REDIS_URL: %v\n", err)
			return 1
		}
		redisClient = redis.NewClient(opts)
		defer redisClient.Close()
	} else {
		slog.Info("REDIS_URL not set, realtime fanout is single-instance only")
	}

	lifecycleSvc := lifecycle.NewService(db, authority, proj)
	decisionSvc := decision.NewService(db, authority, proj)
	disbursementSvc := disbursement.NewService(db, authority, proj, disbursement.NoopRail{})
	if cfg.ProfileCode != "" {
		profile, err := config.LoadProfile(cfg.ProfilesDir, cfg.ProfileCode)
		if err != nil {
			fmt.Fprintf(stderr, "load tenant profile: %v\n", err)
			return 1
		}
		disbursementSvc.UsePolicy(profile)
		slog.Info("tenant profile applied", "profile", profile.Code)
	}
	querySvc := query.NewService(db, authority, proj)

	gw := gateway.New(db, redisClient, proj, verifier, cfg.TypingThrottle)
	gw.Start(ctx)

	instanceID := uuid.New().String()
	locker := database.NewAdvisoryLocker(db, reconcile.LockKey, instanceID, 30*time.Minute)
	job := reconcile.NewTenantJob(db, reconcile.NewService(db, authority, proj), proj, disbursementSvc)
	scheduler := reconcile.NewScheduler(db, job, locker, reconcile.SchedulerConfig{
		Enabled:        cfg.SchedulerEnabled,
		Interval:       cfg.LifecycleInterval,
		InitialDelay:   cfg.LifecycleInitialDelay,
		RunImmediately: cfg.LifecycleRunImmediately,
		Sweep: reconcile.SweepConfig{
			PerTenantDelay:      cfg.LifecyclePerTenantDelay,
			DisbursementTimeout: cfg.DisbursementTimeout,
		},
	})
	scheduler.Start(ctx)

	server := &api.Server{
		Ledger:        authority,
		Lifecycle:     lifecycleSvc,
		Decisions:     decisionSvc,
		Disbursements: disbursementSvc,
		Queries:       querySvc,
		Gateway:       gw,
		Scheduler:     scheduler,
		Verifier:      verifier,
		Idempotency:   idempotency.NewStore(db, cfg.IdempotencyRetention),
		RateLimiter:   api.NewGlobalRateLimiter(50, 100),
		Audit:         audit.NewLogger(),
		Exporter:      audit.NewExporter(authority),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("server listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			fmt.Fprintf(stderr, "server failed: %v\n", err)
			return 1
		}
	}

	scheduler.Stop()
	gw.Stop()

	drainCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(drainCtx); err != nil {
		slog.Error("drain failed", "error", err)
	}
	if err := shutdownMetrics(drainCtx); err != nil {
		slog.Error("metrics shutdown failed", "error", err)
	}
	return 0
}

func runHealthCmd(out, errOut io.Writer) int {
	port := config.Load().Port
	resp, err := http.Get("http://localhost:" + port + "/health")
	if err != nil {
		fmt.Fprintf(errOut, "Health check failed: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(errOut, "Health check failed: status %d\n", resp.StatusCode)
		return 1
	}
	fmt.Fprintln(out, "OK")
	return 0
}

// runVerifyCmd replays the full commitment chain offline and reports its
// verdict, without starting the server.
func runVerifyCmd(out, errOut io.Writer) int {
	cfg := config.Load()
	ctx := context.Background()

	db, authority, err := openAuthority(ctx, cfg)
	if err != nil {
		fmt.Fprintf(errOut, "verify failed: %v\n", err)
		return 1
	}
	defer db.Close()

	st, err := authority.GetStatus(ctx)
	if err != nil {
		fmt.Fprintf(errOut, "verify failed: %v\n", err)
		return 1
	}
	data, _ := json.MarshalIndent(st, "", "  ")
	fmt.Fprintln(out, string(data))
	if !st.ChainValid {
		return 1
	}
	return 0
}
