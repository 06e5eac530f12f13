// Command actioncore runs the action orchestration core as a standalone
// process: it loads configuration, wires C1 through C9 into an
// orchestrator.Stack, exposes /healthz and /metrics over HTTP, forwards
// approval lifecycle events to Slack, and hot-reloads its configuration on
// SIGHUP or a filesystem write to the config file, whichever fires first.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-logr/zapr"
	"github.com/slack-go/slack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/relaycore/actioncore/internal/config"
	"github.com/relaycore/actioncore/pkg/approval"
	"github.com/relaycore/actioncore/pkg/breaker"
	"github.com/relaycore/actioncore/pkg/events"
	"github.com/relaycore/actioncore/pkg/executor"
	"github.com/relaycore/actioncore/pkg/fallback"
	"github.com/relaycore/actioncore/pkg/idempotency"
	"github.com/relaycore/actioncore/pkg/metrics"
	"github.com/relaycore/actioncore/pkg/notify"
	"github.com/relaycore/actioncore/pkg/orchestrator"
	"github.com/relaycore/actioncore/pkg/rollback"
	"github.com/relaycore/actioncore/pkg/types"
)

// livePolicies adapts config.Manager to orchestrator.PolicyResolver,
// re-reading the live config on every call so a hot-reloaded policy
// override takes effect on the next action without restarting the stack.
type livePolicies struct {
	manager *config.Manager
}

func (p livePolicies) PolicyFor(platform, action string) types.Policy {
	return p.manager.Get().PolicyFor(platform, action)
}

func main() {
	configPath := flag.String("config", "config.yaml", "path to config.yaml")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	zapLog, err := buildZapLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer zapLog.Sync() //nolint:errcheck
	log := zapr.NewLogger(zapLog)

	log.Info("actioncore starting", "config", *configPath)

	cfgManager, err := config.NewManager(*configPath, cfg, log.WithName("config"))
	if err != nil {
		log.Error(err, "failed to start config manager")
		os.Exit(1)
	}
	defer cfgManager.Close()

	bus := events.New()
	bus.SubscribeAll(func(e events.Event) {
		log.V(1).Info("event", "name", string(e.Name))
	})

	registry := executor.NewActionRegistry()

	var slackClient *slack.Client
	if token := os.Getenv("SLACK_BOT_TOKEN"); token != "" {
		slackClient = slack.New(token)
	}

	classifier := rollback.NewClassifier()
	for action, class := range cfg.Rollback {
		classifier.Configure(action, types.RollbackClass(class))
	}
	rollbackEngine := rollback.New(classifier, registry, rollback.DefaultConfig(), nil)

	approvalNotifier := approval.Notifier(nil)
	if slackClient != nil && cfg.Approval.SlackChannel != "" {
		approvalNotifier = approval.NewSlackNotifier(slackClient, cfg.Approval.SlackChannel)
	}
	approvalQueue := approval.NewQueue(cfg.ExpiryPolicy(), approvalNotifier, bus)
	approvalQueue.OnFeedback(func(req types.ApprovalRequest, wasCorrect bool) {
		log.V(1).Info("approval feedback", "approvalId", req.ID, "action", req.Action.Action, "wasCorrect", wasCorrect)
	})

	fallbackConfig := fallback.DefaultConfig()
	fallbackConfig.SlackChannel = cfg.Approval.SlackChannel
	fallbackEngine := fallback.New(fallbackConfig, slackClient, http.DefaultClient, nil)

	metricsCfg := metrics.DefaultConfig()
	metricsCfg.MaxInMemoryEntries = cfg.Metrics.MaxInMemoryEntries
	metricsCfg.FlushInterval = cfg.Metrics.FlushInterval
	metricsCfg.JournalPath = cfg.Metrics.JournalPath
	collector := metrics.New(metricsCfg)

	breakerManager := breaker.NewManager(breaker.DefaultConfig(), func(executorName string, from, to types.CircuitState) {
		name := events.CircuitClosed
		switch to {
		case types.CircuitOpen:
			name = events.CircuitOpened
		case types.CircuitHalfOpen:
			name = events.CircuitHalfOpen
		}
		bus.Emit(name, map[string]interface{}{"executor": executorName})
	})
	for name := range cfg.Breakers {
		breakerManager.Configure(name, cfg.BreakerFor(name))
	}

	idempoCache := idempotency.New(idempotency.Config{TTL: 10 * time.Minute, MaxEntries: 50000, SweepInterval: time.Minute})

	stack := orchestrator.New(orchestrator.Deps{
		Registry:    registry,
		Breakers:    breakerManager,
		Idempotency: idempoCache,
		Approvals:   approvalQueue,
		Fallbacks:   fallbackEngine,
		Rollbacks:   rollbackEngine,
		Metrics:     collector,
		Bus:         bus,
		Policies:    livePolicies{cfgManager},
		Log:         log.WithName("orchestrator"),
		ClassifyRisk: func(req types.ActionRequest) types.RiskLevel {
			switch classifier.Classify(req.Action) {
			case types.RollbackReversible:
				return types.RiskLow
			case types.RollbackPartiallyReversible:
				return types.RiskMedium
			default:
				return types.RiskHigh
			}
		},
		Flags: func() orchestrator.Flags {
			live := cfgManager.Get()
			return orchestrator.Flags{
				ApprovalsEnabled: live.Features.ApprovalsEnabled,
				FallbacksEnabled: live.Features.FallbacksEnabled,
				DryRun:           live.Features.DryRun,
			}
		},
	})

	if slackClient != nil && cfg.Approval.SlackChannel != "" {
		forwarder := notify.NewForwarder(slackClient, cfg.Approval.SlackChannel, log.WithName("notify"))
		forwarder.Attach(bus)
	}

	metricsServer := metrics.NewServer(cfg.Server.MetricsPort, log.WithName("metrics-server"))
	metricsServer.SetHealthReporter(func() interface{} { return stack.HealthReport() })
	metricsServer.StartAsync()
	log.Info("metrics server started", "port", cfg.Server.MetricsPort)

	sighup := make(chan os.Signal, 1)
	signal.Notify(sighup, syscall.SIGHUP)
	go func() {
		for range sighup {
			log.Info("SIGHUP received, reloading config")
			if err := cfgManager.Reload(); err != nil {
				log.Error(err, "config reload failed, retaining previous configuration")
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("shutdown signal received", "signal", sig.String())

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := metricsServer.Stop(shutdownCtx); err != nil {
		log.Error(err, "metrics server shutdown error")
	}

	log.Info("actioncore shutdown complete")
}

func buildZapLogger(level, format string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	if err := zapLevel.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var zcfg zap.Config
	if format == "console" {
		zcfg = zap.NewDevelopmentConfig()
	} else {
		zcfg = zap.NewProductionConfig()
	}
	zcfg.Level = zap.NewAtomicLevelAt(zapLevel)

	return zcfg.Build()
}
