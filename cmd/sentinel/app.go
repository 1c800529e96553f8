package main

import (
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"

	"RegimeSentinel/internal/collector"
	"RegimeSentinel/internal/config"
	"RegimeSentinel/internal/logger"
	"RegimeSentinel/internal/metrics"
	"RegimeSentinel/internal/notifier"
	"RegimeSentinel/internal/recorder"
	"RegimeSentinel/internal/scheduler"
	"RegimeSentinel/internal/state"
	"RegimeSentinel/internal/tracing"
)

type options struct {
	configPath string
	mock       bool
}

// app wires every component from config. Close releases them in reverse order.
type app struct {
	cfg       *config.Config
	log       *zap.Logger
	store     recorder.Store
	collector *collector.Collector
	runner    *scheduler.Runner
	telegram  *notifier.TelegramNotifier
	metrics   *metrics.Recorder
	closers   []func()
}

func newApp(opts options, needsAnalytics bool) (*app, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	if opts.mock {
		cfg.Analytics.Provider = "mock"
	}
	if needsAnalytics {
		err = cfg.Validate()
	} else {
		err = cfg.ValidateCore()
	}
	if err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	log, err := logger.New(cfg.Log)
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	a := &app{cfg: cfg, log: log}
	a.closers = append(a.closers, func() { _ = log.Sync() })
	a.closers = append(a.closers, tracing.InitTracer(cfg.Otel.Endpoint, log))

	store, err := openStore(cfg, log)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store
	a.closers = append(a.closers, func() {
		if err := store.Close(); err != nil {
			log.Warn("close store", zap.Error(err))
		}
	})

	st, err := state.NewManager(cfg.StateFile, log)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("init state manager: %w", err)
	}

	sc, err := cfg.Strategy()
	if err != nil {
		a.Close()
		return nil, err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	a.metrics = metrics.New(reg)

	ids := collector.QueryIDs{
		Regime:    cfg.Analytics.Queries.Regime,
		Liquidity: cfg.Analytics.Queries.Liquidity,
		Protocol:  cfg.Analytics.Queries.Protocol,
	}
	a.collector = collector.NewCollector(buildProvider(cfg, ids, log), ids, log)
	a.runner = scheduler.NewRunner(a.collector, store, st, a.buildNotifier(), a.metrics, sc, log)
	return a, nil
}

func openStore(cfg *config.Config, log *zap.Logger) (recorder.Store, error) {
	if cfg.Database.PostgresURL != "" {
		s, err := recorder.NewPostgresStore(recorder.PostgresConfig{
			DSN:             cfg.Database.PostgresURL,
			MaxOpenConns:    cfg.Database.MaxOpenConns,
			MaxIdleConns:    cfg.Database.MaxIdleConns,
			ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		}, log)
		if err != nil {
			return nil, fmt.Errorf("init postgres store: %w", err)
		}
		return s, nil
	}
	s, err := recorder.NewSQLiteStore(cfg.Database.SQLitePath, log)
	if err != nil {
		return nil, fmt.Errorf("init sqlite store: %w", err)
	}
	return s, nil
}

func buildProvider(cfg *config.Config, ids collector.QueryIDs, log *zap.Logger) collector.Provider {
	poll := collector.PollSettings{Interval: cfg.Analytics.PollInterval, Timeout: cfg.Analytics.PollTimeout}
	var p collector.Provider
	switch cfg.Analytics.Provider {
	case "allium":
		p = collector.NewAlliumProvider(cfg.Analytics.Allium.BaseURL, cfg.Analytics.Allium.APIKey, cfg.Analytics.Allium.Chain, cfg.Proxy, poll)
	case "mock":
		log.Warn("using mock analytics provider")
		return collector.DemoProvider(ids)
	default:
		p = collector.NewDuneProvider(cfg.Analytics.Dune.BaseURL, cfg.Analytics.Dune.APIKey, cfg.Proxy, poll)
	}
	log.Info("analytics provider", zap.String("provider", p.Name()))
	return collector.NewBreakerProvider(p, log)
}

func (a *app) buildNotifier() notifier.Notifier {
	var channels notifier.Multi
	if a.cfg.Telegram.BotToken != "" {
		a.telegram = notifier.NewTelegramNotifier(a.cfg.Telegram.BotToken, a.cfg.Telegram.ChatID, a.cfg.Proxy, a.log)
		channels = append(channels, a.telegram)
	}
	if a.cfg.Slack.WebhookURL != "" {
		channels = append(channels, notifier.NewSlackNotifier(a.cfg.Slack.WebhookURL))
	}
	if len(channels) == 0 {
		a.log.Warn("no notification channel configured, notifications go to the log")
		return notifier.LogNotifier{Log: a.log}
	}
	return channels
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// cliError keeps sentinel errors visible to callers while adding command context.
func cliError(op string, err error) error {
	if err == nil {
		return nil
	}
	return errors.Join(fmt.Errorf("%s failed", op), err)
}
