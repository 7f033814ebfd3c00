// Command gatekeeper runs the human-gated deployment control plane:
// risky changes are scored, held for human approval over the chat
// channel, and rolled out through staged canaries with automatic
// rollback on failed health probes.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/gcz-labs/gatekeeper/pkg/audit"
	"github.com/gcz-labs/gatekeeper/pkg/canary"
	"github.com/gcz-labs/gatekeeper/pkg/config"
	"github.com/gcz-labs/gatekeeper/pkg/contracts"
	"github.com/gcz-labs/gatekeeper/pkg/drift"
	"github.com/gcz-labs/gatekeeper/pkg/freeze"
	"github.com/gcz-labs/gatekeeper/pkg/gateway"
	"github.com/gcz-labs/gatekeeper/pkg/observability"
	"github.com/gcz-labs/gatekeeper/pkg/server"
	"github.com/gcz-labs/gatekeeper/pkg/store"
)

const version = "1.0.0"

func main() {
	os.Exit(Run(os.Args, os.Stdout, os.Stderr))
}

// startServer is a variable to allow mocking in tests
var startServer = runServer

// Run is the entrypoint for testing
func Run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		return startServer()
	}

	switch args[1] {
	case "server", "serve":
		return startServer()
	case "health":
		return runHealthCmd(stdout, stderr)
	case "version", "--version":
		fmt.Fprintf(stdout, "gatekeeper %s\n", version)
		return 0
	case "help", "--help", "-h":
		printUsage(stdout)
		return 0
	default:
		if args[1][0] == '-' {
			return startServer()
		}
		fmt.Fprintf(stderr, "Unknown command: %s\n", args[1])
		printUsage(stderr)
		return 2
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "")
	fmt.Fprintf(w, "Gatekeeper %s — human-gated canary deployments\n", version)
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "USAGE:")
	fmt.Fprintln(w, "  gatekeeper <command>")
	fmt.Fprintln(w, "")
	fmt.Fprintln(w, "COMMANDS:")
	fmt.Fprintln(w, "  server    Run the control plane (default)")
	fmt.Fprintln(w, "  health    Check server health (HTTP)")
	fmt.Fprintln(w, "  version   Show version information")
	fmt.Fprintln(w, "  help      Show this help")
	fmt.Fprintln(w, "")
}

// deciderProxy breaks the construction cycle between the gateway (which
// needs the state machine) and the state machine (which notifies
// through the gateway).
type deciderProxy struct {
	svc **store.Service
}

func (p deciderProxy) Decide(ctx context.Context, id int64, decision contracts.Decision) (*contracts.ChangeRequest, error) {
	return (*p.svc).Decide(ctx, id, decision)
}

//nolint:gocognit
func runServer() int {
	cfg := config.Load()
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := os.MkdirAll(cfg.StateDir, 0o755); err != nil {
		logger.Error("state dir unavailable", "dir", cfg.StateDir, "error", err)
		return 1
	}

	// Audit ledger, mirrored to a JSONL file that survives restarts.
	auditFile, err := os.OpenFile(filepath.Join(cfg.StateDir, "audit.jsonl"),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		logger.Error("audit log unavailable", "error", err)
		return 1
	}
	defer func() { _ = auditFile.Close() }()
	ledger := audit.NewLedgerWithWriter(auditFile)

	// Change request store.
	var st store.Store
	switch cfg.Driver {
	case "postgres":
		pg, err := store.OpenPostgres(cfg.DatabaseURL)
		if err != nil {
			logger.Error("postgres unavailable", "error", err)
			return 1
		}
		st = pg
		logger.Info("store ready", "driver", "postgres")
	default:
		lite, err := store.OpenSQLite(cfg.DatabasePath)
		if err != nil {
			logger.Error("sqlite unavailable", "path", cfg.DatabasePath, "error", err)
			return 1
		}
		st = lite
		logger.Info("store ready", "driver", "sqlite", "path", cfg.DatabasePath)
	}

	freezer := freeze.NewController()

	// Observability is optional; a dead OTLP endpoint must not stop the
	// control plane.
	obsCfg := observability.DefaultConfig()
	obsCfg.ServiceVersion = version
	obsCfg.Enabled = os.Getenv("OTEL_ENABLED") == "true"
	if ep := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"); ep != "" {
		obsCfg.OTLPEndpoint = ep
	}
	obs, err := observability.New(ctx, obsCfg)
	if err != nil {
		logger.Warn("observability init failed, continuing without", "error", err)
		obs, _ = observability.New(ctx, &observability.Config{Enabled: false})
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obs.Shutdown(shutdownCtx)
	}()

	// Rollout plan.
	plan := config.DefaultPlan("production", []string{"app"})
	if cfg.PlanPath != "" {
		plan, err = config.LoadPlan(cfg.PlanPath)
		if err != nil {
			logger.Error("rollout plan invalid", "path", cfg.PlanPath, "error", err)
			return 1
		}
	}

	// Approval channel.
	var channel gateway.Channel
	if cfg.TelegramToken != "" {
		channel = gateway.NewTelegramChannel(cfg.TelegramToken, cfg.TelegramChatID)
		logger.Info("telegram channel ready", "chat_id", cfg.TelegramChatID)
	} else {
		logger.Warn("TELEGRAM_BOT_TOKEN not set, approval traffic goes to the log")
		channel = &gateway.LogChannel{Logger: logger}
	}

	// Replay guard: Redis-backed when configured, in-process otherwise.
	var guard gateway.ReplayGuard
	if cfg.RedisAddr != "" {
		guard = gateway.NewRedisReplayGuard(cfg.RedisAddr, os.Getenv("REDIS_PASSWORD"), 0, gateway.ReplayWindow)
		logger.Info("replay guard ready", "backend", "redis", "addr", cfg.RedisAddr)
	} else {
		guard = gateway.NewMemoryReplayGuard(gateway.ReplayWindow)
	}

	// Canary orchestrator.
	orch := canary.New(
		canary.Config{
			Target:        plan.Target,
			Stages:        plan.Stages,
			Services:      plan.Services,
			ProbeCount:    plan.ProbeCount,
			ProbeInterval: time.Duration(plan.ProbeInterval),
			Version:       plan.Version,
		},
		st, ledger, freezer,
		canary.NewPM2Supervisor(os.Getenv("PM2_BIN")),
		canary.NewGitReverter(plan.DeployDir),
		canary.NewHTTPProber(plan.HealthURL),
		channel,
		releaseHistory(logger),
		logger,
	).WithMetrics(obs)

	// State machine and gateway, wired through the proxy because each
	// needs the other.
	var svc *store.Service
	gw := gateway.New(deciderProxy{&svc}, guard, channel, freezer, ledger, adminID(cfg), logger)
	svc = store.NewService(st, ledger, gw, orch, cfg.RequestTTL, logger).WithMetrics(obs)

	// Drift detector.
	detector, err := drift.New(cfg.StateDir, ledger, logger)
	if err != nil {
		logger.Error("drift detector init failed", "error", err)
		return 1
	}
	if cfg.ConfigArtifact != "" {
		if _, _, err := detector.LoadFrozen(cfg.ConfigArtifact); err != nil {
			if contracts.IsFreezeViolation(err) {
				logger.Error("config artifact violates its frozen baseline; rebaseline required",
					"path", cfg.ConfigArtifact)
			} else {
				logger.Error("config artifact unreadable", "path", cfg.ConfigArtifact, "error", err)
			}
		}
	}

	// Background work: TTL sweep and crash-recovery rescan.
	go svc.RunSweep(ctx, time.Minute)
	go func() {
		if err := orch.Rescan(ctx); err != nil {
			logger.Warn("startup rescan incomplete", "error", err)
		}
	}()

	srv := server.New(svc, gw, freezer, ledger, detector, ledger, logger)
	handler := srv.Handler([]byte(cfg.JWTSecret), server.NewGlobalRateLimiter(20, 40))
	httpServer := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           telemetryMiddleware(obs, handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gatekeeper ready", "addr", httpServer.Addr, "target", plan.Target, "stages", plan.Stages)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown incomplete", "error", err)
			return 1
		}
		return 0
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "error", err)
			return 1
		}
		return 0
	}
}

// telemetryMiddleware feeds the RED metrics and opens a span per
// request.
func telemetryMiddleware(obs *observability.Provider, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, done := obs.TrackOperation(r.Context(), "http.request",
			attribute.String("http.method", r.Method),
			attribute.String("http.path", r.URL.Path),
		)
		next.ServeHTTP(w, r.WithContext(ctx))
		done(nil)
	})
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}

func adminID(cfg *config.Config) string {
	if cfg.TelegramAdminID == 0 {
		return ""
	}
	return strconv.FormatInt(cfg.TelegramAdminID, 10)
}

// releaseHistory seeds rollback bookkeeping from RELEASE_VERSION, the
// version deployed before this process starts rolling anything out.
// Successful rollouts append the plan's version on top of it.
func releaseHistory(logger *slog.Logger) *canary.ReleaseHistory {
	current := os.Getenv("RELEASE_VERSION")
	history, err := canary.NewReleaseHistory(current)
	if err != nil {
		logger.Warn("RELEASE_VERSION is not semver, release history disabled", "value", current)
		return nil
	}
	return history
}

func runHealthCmd(out, errOut io.Writer) int {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}
	resp, err := http.Get("http://localhost:" + port + "/healthz")
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
