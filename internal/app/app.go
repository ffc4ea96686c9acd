// Package app wires the bot together: config, logging, storage, the
// Telegram transport, the publish adapters and the deferred queue.
package app

import (
	"context"
	"fmt"
	"strings"
	"time"

	"postbot/internal/articles"
	"postbot/internal/config"
	"postbot/internal/media"
	"postbot/internal/publish"
	"postbot/internal/publish/instagram"
	"postbot/internal/publish/tggroup"
	"postbot/internal/publish/vk"
	rtsup "postbot/internal/runtime/supervisor"
	"postbot/internal/services/deferred"
	"postbot/internal/services/pprof"
	"postbot/internal/session"
	"postbot/internal/storage"
	kit "postbot/internal/transport"
	"postbot/internal/transport/telegram/adapter"
	"postbot/internal/transport/telegram/router"
	logx "postbot/pkg/logx"
)

type App struct {
	cfgm *config.Manager
	log  logx.Logger
	logs *logx.Service

	adapter *adapter.Adapter
	store   storage.Store
	files   *media.Store
	pubs    map[publish.Platform]publish.Publisher
	coord   *publish.Coordinator
	sched   *deferred.Service
	prof    *pprof.Service
	router  *router.Router
	flow    *Flow

	sup     *rtsup.Supervisor
	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := adapter.New(adapter.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	logSvc, log := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})
	log = log.With(logx.String("comp", "app"))

	// Elevated log records go to the operator chat.
	operator := kit.ChatTarget{ChatID: cfg.Telegram.OperatorID}
	logSvc.SetSender(func(ctx context.Context, text string) {
		_, _ = ad.SendText(ctx, operator, text, nil)
	})

	var store storage.Store
	if sc := cfg.Storage; sc != nil {
		busy, err := config.ParseDurationField("storage.busy_timeout", sc.BusyTimeout)
		if err != nil {
			return nil, err
		}
		st, err := storage.Open(storage.Config{
			Driver:      sc.Driver,
			Path:        sc.Path,
			BusyTimeout: busy,
		}, log.With(logx.String("comp", "storage")))
		if err != nil {
			return nil, err
		}
		if st != nil {
			log.Info("storage enabled", logx.String("driver", sc.Driver))
		}
		store = st
	}

	mediaDir := cfg.Media.Dir
	if strings.TrimSpace(mediaDir) == "" {
		mediaDir = "./media"
	}
	files, err := media.NewStore(mediaDir)
	if err != nil {
		return nil, fmt.Errorf("media dir: %w", err)
	}
	connectTimeout, err := config.ParseDurationOrDefault("media.connect_timeout", cfg.Media.ConnectTimeout, 30*time.Second)
	if err != nil {
		return nil, err
	}
	fetcher := media.NewFetcher(files, connectTimeout, logSvc.Logger())
	norm := media.NewNormalizer(files, logSvc.Logger())

	pubs := buildPublishers(cfg, ad, logSvc.Logger())

	retryBase, _ := config.ParseDurationOrDefault("publish.retry_base", cfg.Publish.RetryBase, 500*time.Millisecond)
	retryCap, _ := config.ParseDurationOrDefault("publish.retry_max_delay", cfg.Publish.RetryMaxDelay, 15*time.Second)
	adapterTimeout, _ := config.ParseDurationOrDefault("publish.adapter_timeout", cfg.Publish.AdapterTimeout, 5*time.Minute)
	coord := publish.NewCoordinator(logSvc.Logger().With(logx.String("comp", "publish")),
		publish.WithRetryPolicy(publish.RetryPolicy{
			MaxAttempts: cfg.Publish.RetryMax,
			Base:        retryBase,
			MaxDelay:    retryCap,
		}),
		publish.WithAdapterTimeout(adapterTimeout),
	)

	a := &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		adapter: ad,
		store:   store,
		files:   files,
		pubs:    pubs,
		coord:   coord,
		updates: make(chan kit.Update, 256),
	}

	sessions := session.NewManager(platformsOf(pubs), files.Remove,
		logSvc.Logger().With(logx.String("comp", "session")))

	tick, _ := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, 30*time.Second)
	a.sched = deferred.New(deferred.Config{
		Enabled:   cfg.Scheduler.Enabled,
		Tick:      tick,
		Timezone:  cfg.Scheduler.Timezone,
		SlotHours: cfg.Scheduler.SlotHours,
	}, store, a.publishForPlatforms, func(ctx context.Context, text string) {
		_, _ = ad.SendText(ctx, operator, text, nil)
	}, logSvc.Logger().With(logx.String("comp", "deferred")))

	a.prof = pprof.New(pprofConfigOf(cfg), logSvc.Logger().With(logx.String("comp", "pprof")))

	a.router = router.New(logSvc.Logger().With(logx.String("comp", "router")), ad, cfg.Telegram.OperatorID)

	a.flow = NewFlow(FlowDeps{
		Log:       logSvc.Logger().With(logx.String("comp", "flow")),
		Config:    cfgm,
		Sessions:  sessions,
		Files:     files,
		Fetcher:   fetcher,
		Norm:      norm,
		Coord:     coord,
		Adapters:  pubs,
		Deferred:  a.sched,
		Store:     store,
		Detector:  articles.NewDetector(nil, logSvc.Logger()),
		Transport: ad,
	})
	a.flow.Register(a.router)

	return a, nil
}

// buildPublishers creates one publish adapter per configured platform.
// Unconfigured platforms are simply absent, which also removes them
// from the selectable target set.
func buildPublishers(cfg *config.Config, ad *adapter.Adapter, log logx.Logger) map[publish.Platform]publish.Publisher {
	pubs := map[publish.Platform]publish.Publisher{}

	if cfg.Telegram.GroupChatID != 0 {
		pubs[publish.PlatformTelegram] = tggroup.New(ad, cfg.Telegram.GroupChatID,
			log.With(logx.String("comp", "publish.tggroup")))
	}
	if ig := cfg.Instagram; ig != nil {
		pubs[publish.PlatformInstagram] = instagram.New(instagram.Config{
			Username:    ig.Username,
			Password:    ig.Password,
			SessionID:   ig.SessionID,
			SessionFile: ig.SessionFile,
		}, log.With(logx.String("comp", "publish.instagram")))
	}
	if v := cfg.VK; v != nil {
		pubs[publish.PlatformVK] = vk.New(vk.Config{
			Token:      v.Token,
			GroupID:    v.GroupID,
			RatePerSec: v.RatePerSec,
		}, log.With(logx.String("comp", "publish.vk")))
	}
	return pubs
}

func pprofConfigOf(cfg *config.Config) pprof.Config {
	if cfg == nil || cfg.Pprof == nil {
		return pprof.Config{}
	}
	return pprof.Config{
		Enabled: cfg.Pprof.Enabled,
		Addr:    cfg.Pprof.Addr,
		Token:   cfg.Pprof.Token,
	}
}

func platformsOf(pubs map[publish.Platform]publish.Publisher) []publish.Platform {
	var out []publish.Platform
	for _, p := range publish.AllPlatforms() {
		if _, ok := pubs[p]; ok {
			out = append(out, p)
		}
	}
	return out
}

// publishForPlatforms is the deferred queue's publish hook.
func (a *App) publishForPlatforms(ctx context.Context, post publish.Post, platforms []publish.Platform) []publish.Result {
	return a.coord.Publish(ctx, post, a.flow.adaptersFor(platforms))
}

// testConnections probes every adapter that supports it, once at
// startup. A failed probe is a warning: the platform stays selectable
// and the real publish will surface the error again.
func (a *App) testConnections(ctx context.Context) {
	for name, pub := range a.pubs {
		tester, ok := pub.(publish.ConnectionTester)
		if !ok {
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		err := tester.TestConnection(probeCtx)
		cancel()
		if err != nil {
			a.log.Warn("platform connection test failed",
				logx.String("platform", string(name)), logx.Err(err))
			continue
		}
		a.log.Info("platform connection ok", logx.String("platform", string(name)))
	}
}

// Run starts everything and blocks until ctx is canceled or a fatal
// component error cancels the supervisor.
func (a *App) Run(ctx context.Context) error {
	a.sup = rtsup.New(ctx, rtsup.WithLogger(a.log), rtsup.WithCancelOnError(true))
	a.flow.sup = a.sup

	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(func(_ context.Context, cfg *config.Config) error {
		return config.Validate(cfg)
	})

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}

	a.testConnections(a.sup.Context())

	a.sched.Start(a.sup.Context())
	a.prof.Start()

	a.sup.Go("router.dispatch", func(c context.Context) error {
		return a.router.DispatchLoop(c, a.updates)
	})
	a.router.SyncMenu(a.sup.Context())

	// config hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		last := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				a.applyConfig(c, last, newCfg)
				last = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	<-a.sup.Context().Done()
	err := a.sup.Err()
	a.shutdown()
	if err != nil && err != context.Canceled {
		return err
	}
	return nil
}

// applyConfig handles the hot-reloadable subset. Platform credentials
// and storage need a restart; that is logged, not applied.
func (a *App) applyConfig(ctx context.Context, old, cfg *config.Config) {
	if cfg == nil {
		return
	}
	a.log.Info("applying config reload")

	a.logs.Apply(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    cfg.Logging.Telegram.Enabled,
			MinLevel:   cfg.Logging.Telegram.MinLevel,
			RatePerSec: cfg.Logging.Telegram.RatePerSec,
		},
	})

	a.router.SetOperator(cfg.Telegram.OperatorID)

	tick, err := config.ParseDurationOrDefault("scheduler.tick", cfg.Scheduler.Tick, 30*time.Second)
	if err == nil {
		a.sched.Apply(ctx, deferred.Config{
			Enabled:   cfg.Scheduler.Enabled,
			Tick:      tick,
			Timezone:  cfg.Scheduler.Timezone,
			SlotHours: cfg.Scheduler.SlotHours,
		})
	}

	a.prof.Apply(pprofConfigOf(cfg))

	if old != nil && (old.Telegram.Token != cfg.Telegram.Token ||
		fmt.Sprint(old.Storage) != fmt.Sprint(cfg.Storage)) {
		a.log.Warn("telegram/storage config changed; restart required for changes to take effect")
	}
}

func (a *App) shutdown() {
	a.log.Info("stopping")

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		ctx, cancel := context.WithTimeout(context.Background(), max)
		defer cancel()
		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(ctx)
		}()
		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
		case <-ctx.Done():
			a.log.Warn("stop step deadline reached (continuing)", logx.String("name", name))
		}
	}

	step("deferred", 3*time.Second, func(context.Context) error { a.sched.Stop(); return nil })
	step("pprof", 2*time.Second, func(context.Context) error { a.prof.Stop(); return nil })
	step("adapter", 3*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	if a.store != nil {
		step("storage", 2*time.Second, func(context.Context) error { return a.store.Close() })
	}
	step("logging", time.Second, func(context.Context) error { return a.logs.Close() })
}
