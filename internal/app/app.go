package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/karin0/bili-live-bot/internal/config"
	"github.com/karin0/bili-live-bot/internal/delivery"
	"github.com/karin0/bili-live-bot/internal/eventbus"
	"github.com/karin0/bili-live-bot/internal/live"
	"github.com/karin0/bili-live-bot/internal/observability/admin"
	"github.com/karin0/bili-live-bot/internal/observability/metrics"
	"github.com/karin0/bili-live-bot/internal/runtime/supervisor"
	"github.com/karin0/bili-live-bot/internal/storage"
	kit "github.com/karin0/bili-live-bot/internal/transport"
	"github.com/karin0/bili-live-bot/internal/transport/bilibili"
	telegram "github.com/karin0/bili-live-bot/internal/transport/telegram/adapter"
	"github.com/karin0/bili-live-bot/internal/transport/telegram/router"
	"github.com/karin0/bili-live-bot/internal/watch"
	"github.com/karin0/bili-live-bot/pkg/logx"
)

// Resolver maps a user-supplied room id to the canonical one.
type Resolver interface {
	Resolve(ctx context.Context, id int64) (int64, error)
}

// Deps are the external collaborators. New builds the real ones; tests
// substitute fakes through build.
type Deps struct {
	Adapter   kit.Adapter
	LogSender logx.Sender
	Transport live.Transport
	Resolver  Resolver
	Store     storage.Store
}

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log  logx.Logger
	logs *logx.Service
	bus  eventbus.Bus

	store    storage.Store
	adapter  kit.Adapter
	resolver Resolver

	queue      *delivery.Queue
	queueStop  context.CancelFunc
	queueDone  chan struct{}
	watches    *watch.Registry
	roomCancel context.CancelFunc

	cmdm         *router.CommandManager
	dispatchStop context.CancelFunc
	dispatchDone chan struct{}

	metrics *metrics.Metrics
	admin   *admin.Server

	updates chan kit.Update
	pairs   []string
	started time.Time
	stopped atomic.Bool
}

// New loads the config at cfgPath and wires the Telegram and Bilibili
// transports. pairs are extra "chat_id:room_id" watches from the command line.
func New(cfgPath string, pairs []string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole(cfg.Logging.Level)
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: cfg.Telegram.Poll(),
		APIURL:      cfg.Telegram.APIURL,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	var store storage.Store
	if sc, enabled := mapStorageConfig(cfg); enabled {
		if store, err = storage.Open(sc, bootLog); err != nil {
			return nil, err
		}
	}

	lo, hi := cfg.Bilibili.Reconnect()
	client := bilibili.New(bilibili.Config{
		SessData:          cfg.Bilibili.SessData,
		UserAgent:         cfg.Bilibili.UserAgent,
		HeartbeatInterval: cfg.Bilibili.Heartbeat(),
		APIBase:           cfg.Bilibili.APIBase,
		ReconnectMin:      lo,
		ReconnectMax:      hi,
	}, bootLog)
	var aliases bilibili.AliasStore
	if store != nil {
		aliases = store
	}
	resolver := bilibili.NewResolver(bilibili.ResolverConfig{
		APIBase:   cfg.Bilibili.APIBase,
		UserAgent: cfg.Bilibili.UserAgent,
		SessData:  cfg.Bilibili.SessData,
	}, aliases, bootLog.With(logx.String("comp", "bilibili.resolver")))

	return build(cfgm, cfg, pairs, Deps{
		Adapter:   ad,
		LogSender: ad,
		Transport: client,
		Resolver:  resolver,
		Store:     store,
	})
}

func build(cfgm *config.Manager, cfg *config.Config, pairs []string, d Deps) (*App, error) {
	if d.Adapter == nil || d.Transport == nil || d.Resolver == nil {
		return nil, errors.New("app: adapter, transport and resolver are required")
	}

	// logx.New applies the config right away; enable the Telegram sink only
	// after its target is set so Apply does not warn about a missing chat.
	logCfg := cfg.Logging.Logx()
	enableTG := logCfg.Telegram.Enabled
	logCfg.Telegram.Enabled = false
	logs, root := logx.New(logCfg, d.LogSender)
	if chatID, threadID, ok := config.ParseGroupLog(cfg.Telegram.GroupLog); ok {
		if threadID == 0 {
			threadID = cfg.Logging.Telegram.ThreadID
		}
		logs.SetTelegramTarget(chatID, threadID)
	}
	logCfg.Telegram.Enabled = enableTG
	logs.Apply(logCfg)

	a := &App{
		cfgm:     cfgm,
		log:      root.With(logx.String("comp", "app")),
		logs:     logs,
		bus:      eventbus.New(),
		store:    d.Store,
		adapter:  d.Adapter,
		resolver: d.Resolver,
		updates:  make(chan kit.Update, 256),
		pairs:    append([]string(nil), pairs...),
	}
	cfgm.SetLogger(root.With(logx.String("comp", "config")))
	if a.store != nil {
		a.log.Info("storage enabled", logx.String("driver", cfg.Storage.Driver))
	}

	sink := delivery.NewSink(d.Adapter, root.With(logx.String("comp", "delivery.sink")), a.bus)
	a.queue = delivery.NewQueue(sink, cfg.Delivery.Interval(),
		delivery.WithLogger(root.With(logx.String("comp", "delivery.queue"))),
		delivery.WithBus(a.bus),
		delivery.WithSendTimeout(cfg.Delivery.Timeout()),
	)

	roomCtx, roomCancel := context.WithCancel(context.Background())
	a.roomCancel = roomCancel
	a.watches = watch.New(roomCtx,
		watch.LiveOpener(d.Transport, a.queue,
			live.WithLogger(root.With(logx.String("comp", "live"))),
			live.WithBus(a.bus),
		),
		watch.WithLogger(root.With(logx.String("comp", "watch"))),
		watch.WithBus(a.bus),
		watch.WithLimit(cfg.Delivery.WatchLimit()),
	)

	a.cmdm = router.NewCommandManager(
		root.With(logx.String("comp", "telegram.router")),
		d.Adapter,
		cfg.Telegram.OwnerUserIDs,
		router.WithBus(a.bus),
		router.WithDefaultTimeout(cfg.Telegram.CommandDeadline()),
	)

	a.metrics = metrics.New()
	a.metrics.RegisterGauges(metrics.Gauges{
		QueueDepth: a.queue.Len,
		Rooms:      func() int { return len(a.watches.Snapshot().Rooms) },
		Chats:      func() int { return a.watches.Snapshot().Chats },
		BusDropped: func() uint64 { return eventbus.Dropped(a.bus) },
		LogDropped: logs.Dropped,
	})

	if cfg.Admin.Enabled {
		a.admin = admin.New(admin.FromConfig(cfg.Admin), admin.Deps{
			Watches:     a.watches,
			Queue:       a.queue,
			Supervisors: a.supervisors,
			Metrics:     a.metrics,
			Started:     time.Now(),
		}, root.With(logx.String("comp", "admin")))
	}
	return a, nil
}

// Done is closed when the app supervisor stops, nil before Start.
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		return nil
	}
	return a.sup.Context().Done()
}

func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.started = time.Now()
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	a.cmdm.SetRegistry(a.sup.Context(), a.commands())

	qctx, qcancel := context.WithCancel(context.WithoutCancel(a.sup.Context()))
	a.queueStop, a.queueDone = qcancel, make(chan struct{})
	go func() {
		defer close(a.queueDone)
		if err := a.queue.Run(qctx); err != nil {
			a.log.Error("delivery queue failed", logx.Err(err))
		}
	}()

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		qcancel()
		return err
	}

	dctx, dcancel := context.WithCancel(a.sup.Context())
	a.dispatchStop, a.dispatchDone = dcancel, make(chan struct{})
	go func() {
		defer close(a.dispatchDone)
		if err := a.cmdm.DispatchLoop(dctx, a.updates); err != nil {
			a.log.Error("command dispatcher failed", logx.Err(err))
		}
	}()

	a.sup.Go("metrics", func(c context.Context) error { return a.metrics.Run(c, a.bus) })

	if a.admin != nil {
		if err := a.admin.Start(a.sup.Context()); err != nil {
			a.log.Warn("admin server not started", logx.Err(err))
		}
	}

	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// keep only the newest of a burst
			drain:
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						break drain
					}
				}
				a.applyConfig(lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})
	a.sup.Go("config.watch", func(c context.Context) error { return a.cfgm.Watch(c) })

	a.bootstrap(append(append([]string(nil), a.cfgm.Get().Watches...), a.pairs...))

	if ok, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify READY failed", logx.Err(err))
	} else if ok {
		a.log.Debug("sd_notify READY sent")
	}
	a.log.Info("app started",
		logx.Int("max_watch_per_chat", a.watches.Limit()),
		logx.Duration("send_interval", a.queue.Interval()),
	)
	return nil
}

// applyConfig pushes the live-reloadable sections into running components.
func (a *App) applyConfig(oldCfg, newCfg *config.Config) {
	sections, attrs := config.SummarizeConfigChange(oldCfg, newCfg)
	if len(sections) == 0 {
		a.log.Info("config reloaded (no changes)")
		return
	}

	if chatID, threadID, ok := config.ParseGroupLog(newCfg.Telegram.GroupLog); ok {
		if threadID == 0 {
			threadID = newCfg.Logging.Telegram.ThreadID
		}
		a.logs.SetTelegramTarget(chatID, threadID)
	} else {
		a.logs.SetTelegramTarget(0, 0)
	}
	a.logs.Apply(newCfg.Logging.Logx())

	a.cmdm.SetOwners(newCfg.Telegram.OwnerUserIDs)
	a.queue.SetInterval(newCfg.Delivery.Interval())
	a.watches.SetLimit(newCfg.Delivery.WatchLimit())

	if need := config.RestartRequired(oldCfg, newCfg, sections); len(need) > 0 {
		a.log.Warn("config sections changed that need a restart", logx.String("sections", strings.Join(need, ",")))
	}
	fields := append([]logx.Field{logx.String("changed", strings.Join(sections, ","))}, attrs...)
	a.log.Info("config reloaded", fields...)
}

// supervisors feeds the admin /api/supervisors endpoint.
func (a *App) supervisors() map[string]supervisor.Snapshot {
	out := map[string]supervisor.Snapshot{}
	if a.sup != nil {
		out["app"] = a.sup.Snapshot()
	}
	if sp, ok := a.adapter.(interface{ Supervisor() *supervisor.Supervisor }); ok {
		if s := sp.Supervisor(); s != nil {
			out["telegram.adapter"] = s.Snapshot()
		}
	}
	if s := a.cmdm.Supervisor(); s != nil {
		out["telegram.router"] = s.Snapshot()
	}
	if a.admin != nil {
		if s := a.admin.Supervisor(); s != nil {
			out["admin"] = s.Snapshot()
		}
	}
	return out
}

// Stop shuts down in dependency order: no new commands are accepted before
// any room is closed, and rooms are closed before the queue stops.
func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil || a.stopped.Swap(true) {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason), logx.Int("rooms", len(a.watches.Snapshot().Rooms)))
	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		a.log.Debug("sd_notify STOPPING failed", logx.Err(err))
	}

	step := func(name string, max time.Duration, fn func(context.Context) error) {
		start := time.Now()
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem < max {
				max = rem
			}
		}
		if max <= 0 {
			a.log.Warn("stop step skipped (deadline reached)", logx.String("name", name))
			return
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		done := make(chan error, 1)
		go func() {
			defer func() {
				if r := recover(); r != nil {
					done <- fmt.Errorf("panic in stop step %s: %v", name, r)
				}
			}()
			done <- fn(stepCtx)
		}()

		select {
		case err := <-done:
			if err != nil {
				a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
			}
			a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
		case <-stepCtx.Done():
			a.log.Warn("stop step deadline reached (continuing)",
				logx.String("name", name),
				logx.Duration("elapsed", time.Since(start)),
			)
		}
	}

	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("dispatcher", 2*time.Second, func(c context.Context) error {
		if a.dispatchStop != nil {
			a.dispatchStop()
		}
		return waitClosed(c, a.dispatchDone)
	})
	step("watches", 2*time.Second, func(context.Context) error {
		a.watches.Close()
		a.roomCancel()
		return nil
	})
	step("queue", 3*time.Second, func(c context.Context) error {
		if a.queueStop != nil {
			a.queueStop()
		}
		return waitClosed(c, a.queueDone)
	})

	a.sup.Cancel()
	step("admin", time.Second, func(c context.Context) error {
		if a.admin != nil {
			return a.admin.Stop(c)
		}
		return nil
	})
	step("storage", time.Second, func(context.Context) error {
		if a.store != nil {
			return a.store.Close()
		}
		return nil
	})
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped", logx.String("reason", reason))
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

func waitClosed(ctx context.Context, ch <-chan struct{}) error {
	if ch == nil {
		return nil
	}
	select {
	case <-ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, bool) {
	if cfg == nil || cfg.Storage == nil {
		return storage.Config{}, false
	}
	sc := cfg.Storage
	switch driver := strings.ToLower(strings.TrimSpace(sc.Driver)); driver {
	case "", "none", "off", "disabled":
		return storage.Config{}, false
	default:
		busy, _ := config.ParseDurationOrDefault("storage.busy_timeout", sc.BusyTimeout, time.Second)
		ttl, _ := config.ParseDurationOrDefault("storage.alias_ttl", sc.AliasTTL, storage.DefaultAliasTTL)
		return storage.Config{Driver: driver, Path: strings.TrimSpace(sc.Path), BusyTimeout: busy, AliasTTL: ttl}, true
	}
}
