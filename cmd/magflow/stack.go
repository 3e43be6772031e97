package main

import (
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/ioko18/magflow-erp-sub002/internal/cache"
	"github.com/ioko18/magflow-erp-sub002/internal/config"
	"github.com/ioko18/magflow-erp-sub002/internal/emag"
	"github.com/ioko18/magflow-erp-sub002/internal/notify"
	"github.com/ioko18/magflow-erp-sub002/internal/store"
	syncsvc "github.com/ioko18/magflow-erp-sub002/internal/sync"
)

// serviceStack is the wired sync engine shared by the server and the
// one-shot CLI commands.
type serviceStack struct {
	svc       *syncsvc.Service
	gate      *emag.CaptchaGate
	publisher *notify.Publisher
}

func (s *serviceStack) close() {
	if s.publisher != nil {
		s.publisher.Close()
	}
}

// buildStack wires one client, pager, and executor per configured
// account over a shared rate limiter and captcha gate, plus the
// optional Redis progress mirror and NATS run-event publisher.
func buildStack(cfg *config.Config, db *store.SQLiteStore, logger *slog.Logger) (*serviceStack, error) {
	limiter := emag.NewRateLimiter(map[emag.Category]emag.Limits{
		emag.CategoryOrders: {PerSecond: cfg.Emag.OrdersPerSecond, PerMinute: cfg.Emag.OrdersPerMinute},
		emag.CategoryOther:  {PerSecond: cfg.Emag.OtherPerSecond, PerMinute: cfg.Emag.OtherPerMinute},
	})
	gate := emag.NewCaptchaGate()
	httpClient := &http.Client{Timeout: time.Duration(cfg.Emag.Timeout)}

	fetchers := make(map[string]syncsvc.AccountFetcher, len(cfg.Emag.Accounts))
	executors := make(map[string]syncsvc.Executor, len(cfg.Emag.Accounts))
	accounts := make([]string, 0, len(cfg.Emag.Accounts))
	for name, acct := range cfg.Emag.Accounts {
		client := emag.NewClient(emag.ClientConfig{
			Account:     name,
			BaseURL:     cfg.Emag.BaseURL,
			Credentials: emag.Credentials{Username: acct.Username, Password: acct.Password},
			HTTPClient:  httpClient,
			Limiter:     limiter,
			Gate:        gate,
			Logger:      logger,
			MaxAttempts: cfg.Emag.MaxAttempts,
		})
		fetchers[name] = emag.NewPager(client, emag.PagerConfig{
			PageAttempts: cfg.Sync.PageAttempts,
			Logger:       logger,
		})
		executors[name] = client
		accounts = append(accounts, name)
	}
	sort.Strings(accounts)

	var mirror syncsvc.Mirror = syncsvc.NoopMirror{}
	if cfg.Redis.Addr != "" {
		m, err := cache.NewProgressMirror(cfg.Redis)
		if err != nil {
			return nil, err
		}
		mirror = m
		slog.Info("progress mirror enabled", "addr", cfg.Redis.Addr)
	}

	stack := &serviceStack{gate: gate}

	var notifier syncsvc.Notifier = syncsvc.NoopNotifier{}
	if cfg.NATS.URL != "" {
		pub, err := notify.NewPublisher(cfg.NATS)
		if err != nil {
			return nil, err
		}
		notifier = pub
		stack.publisher = pub
		slog.Info("run-event publisher enabled", "url", cfg.NATS.URL)
	}

	engineStore := syncsvc.WrapStore(db)
	tracker := syncsvc.NewTracker(mirror, logger)
	orch := syncsvc.NewOrchestrator(engineStore, fetchers, tracker, logger, syncsvc.OrchestratorConfig{
		ItemsPerPage: cfg.Sync.ItemsPerPage,
		MaxPages:     cfg.Sync.MaxPages,
		RunTimeout:   time.Duration(cfg.Sync.RunTimeout),
	})
	stack.svc = syncsvc.NewService(syncsvc.ServiceConfig{
		Store:     engineStore,
		Orch:      orch,
		Progress:  tracker,
		Notifier:  notifier,
		Executors: executors,
		Accounts:  accounts,
		Logger:    logger,
	})
	return stack, nil
}
