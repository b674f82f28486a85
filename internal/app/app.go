// Package app assembles the process: config, logging, the messaging channel,
// the dispatch engine, the scheduler, the history store, and the HTTP
// surface.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"msgblast/internal/channel"
	"msgblast/internal/channel/dryrun"
	"msgblast/internal/channel/telegram"
	"msgblast/internal/config"
	"msgblast/internal/engine"
	"msgblast/internal/eventbus"
	"msgblast/internal/excel"
	"msgblast/internal/progress"
	"msgblast/internal/sched"
	"msgblast/internal/storage"
	"msgblast/internal/transport/httpapi"
	"msgblast/internal/transport/ws"
	"msgblast/pkg/logx"
)

type App struct {
	cfgm *config.Manager

	log      logx.Logger
	logClose func() error

	bus     eventbus.Bus
	store   storage.Store
	adapter channel.Adapter
	notif   *progress.Notifier
	engine  *engine.Engine
	sched   *sched.Scheduler
	hub     *ws.Hub
	http    *httpapi.Server

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cfgSub  chan *config.Config
	httpErr chan error
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.ConsoleEnabled(),
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("logging init: %w", err)
	}
	cfgm.SetLogger(log.With(logx.String("comp", "config")))

	a := &App{
		cfgm:     cfgm,
		log:      log.With(logx.String("comp", "app")),
		logClose: logClose,
		bus:      eventbus.New(),
		httpErr:  make(chan error, 1),
	}
	a.notif = progress.New(a.bus)

	a.store, err = openStore(cfg, log)
	if err != nil {
		_ = logClose()
		return nil, err
	}

	a.adapter, err = newAdapter(cfg, log, a.channelStatus)
	if err != nil {
		_ = a.store.Close()
		_ = logClose()
		return nil, err
	}

	settings, err := dispatchSettings(cfg)
	if err != nil {
		_ = a.store.Close()
		_ = logClose()
		return nil, err
	}
	a.engine = engine.New(a.adapter, a.newLoader(), a.notif, a.store, settings,
		log.With(logx.String("comp", "engine")))
	a.sched = sched.New(a.engine, log.With(logx.String("comp", "sched")))
	a.hub = ws.NewHub(a.bus, log.With(logx.String("comp", "ws")))

	ing := excel.NewIngestor(cfg.Excel.Sheet(), cfg.Dispatch.Country(),
		log.With(logx.String("comp", "excel")))
	a.http = httpapi.NewServer(cfgm, a.engine, a.adapter, ing, a.store, a.hub,
		log.With(logx.String("comp", "http")))

	return a, nil
}

func openStore(cfg *config.Config, log logx.Logger) (storage.Store, error) {
	sc := storage.Config{}
	if cfg.Storage != nil {
		sc.Driver = cfg.Storage.Driver
		sc.Path = cfg.Storage.Path
		if d, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err == nil {
			sc.BusyTimeout = d
		}
	}
	return storage.Open(sc, log.With(logx.String("comp", "storage")))
}

func newAdapter(cfg *config.Config, log logx.Logger, status channel.StatusFunc) (channel.Adapter, error) {
	switch cfg.Channel.DriverOrDefault() {
	case "telegram":
		return telegram.New(telegram.Config{Token: cfg.Channel.Telegram.Token},
			log.With(logx.String("comp", "telegram")), status)
	case "dryrun":
		dc := dryrun.Config{}
		if cfg.Channel.Dryrun != nil {
			dc.FailEvery = cfg.Channel.Dryrun.FailEvery
			if d, err := config.ParseDurationField("channel.dryrun.latency", cfg.Channel.Dryrun.Latency); err == nil {
				dc.Latency = d
			}
		}
		return dryrun.New(dc, log.With(logx.String("comp", "dryrun")), status), nil
	default:
		return nil, fmt.Errorf("unknown channel driver: %q", cfg.Channel.Driver)
	}
}

func dispatchSettings(cfg *config.Config) (engine.Settings, error) {
	delay, err := cfg.Dispatch.Delay()
	if err != nil {
		return engine.Settings{}, err
	}
	wait, err := cfg.Dispatch.RetryWait()
	if err != nil {
		return engine.Settings{}, err
	}
	return engine.Settings{
		DelayBetweenMessages: delay,
		MaxRetries:           cfg.Dispatch.Retries(),
		RetryDelay:           wait,
		CountryCode:          cfg.Dispatch.Country(),
	}, nil
}

func scheduleSettings(cfg *config.Config) sched.Settings {
	if cfg.Schedule == nil {
		return sched.Settings{}
	}
	return sched.Settings{
		Enabled:  cfg.Schedule.Enabled,
		Spec:     cfg.Schedule.Spec,
		Table:    cfg.Schedule.Table,
		Timezone: cfg.Schedule.Timezone,
	}
}

// newLoader builds the production Loader: open the workbook, ensure the
// Status column, and hand the engine the rows plus a batched status writer
// over the same open workbook.
func (a *App) newLoader() engine.Loader {
	return func(path string) (*engine.LoadedJob, error) {
		cfg := a.cfgm.Get()
		ing := excel.NewIngestor(cfg.Excel.Sheet(), cfg.Dispatch.Country(),
			a.log.With(logx.String("comp", "excel")))
		job, wb, err := ing.Load(path)
		if err != nil {
			return nil, err
		}
		debounce, derr := cfg.Excel.Debounce()
		if derr != nil {
			debounce = time.Second
		}
		writer := excel.NewStatusWriter(wb, cfg.Excel.Threshold(), debounce,
			a.log.With(logx.String("comp", "statuswriter")))
		return &engine.LoadedJob{
			Source:   path,
			Rows:     job.Rows,
			Recorder: writer,
			Close: func() error {
				writer.FlushNow()
				return wb.Close()
			},
		}, nil
	}
}

// channelStatus forwards adapter connectivity changes to the event stream.
func (a *App) channelStatus(ev channel.StatusEvent) {
	a.notif.ChannelStatus(string(ev.Status), ev.Message, ev.Reason)
}

func (a *App) Start(ctx context.Context) error {
	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel

	if err := a.adapter.Start(runCtx); err != nil {
		cancel()
		return fmt.Errorf("channel start: %w", err)
	}

	a.engine.Start(runCtx)

	cfg := a.cfgm.Get()
	if err := a.sched.Apply(scheduleSettings(cfg)); err != nil {
		a.log.Error("schedule apply failed", logx.Err(err))
	}

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.hub.Run(runCtx)
	}()

	// Config hot-reload: re-apply send policy and schedule on change.
	a.cfgSub = a.cfgm.Subscribe(4)
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.watchConfig(runCtx)
	}()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		if err := a.cfgm.Watch(runCtx); err != nil && runCtx.Err() == nil {
			a.log.Warn("config watcher exited", logx.Err(err))
		}
	}()

	go func() {
		a.httpErr <- a.http.Start(cfg.HTTP.AddrOrDefault())
	}()
	// Give an immediate bind failure a moment to surface.
	select {
	case err := <-a.httpErr:
		if err != nil {
			cancel()
			return fmt.Errorf("http start: %w", err)
		}
	case <-time.After(150 * time.Millisecond):
	}

	a.log.Info("started", logx.String("addr", cfg.HTTP.AddrOrDefault()),
		logx.String("channel", cfg.Channel.DriverOrDefault()))
	return nil
}

func (a *App) watchConfig(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cfg, ok := <-a.cfgSub:
			if !ok {
				return
			}
			if st, err := dispatchSettings(cfg); err == nil {
				a.engine.Apply(st)
			} else {
				a.log.Warn("dispatch settings rejected", logx.Err(err))
			}
			if err := a.sched.Apply(scheduleSettings(cfg)); err != nil {
				a.log.Warn("schedule apply failed", logx.Err(err))
			}
			a.log.Info("configuration reloaded")
		}
	}
}

// Stop shuts the process down in dependency order: no new runs, finish or
// stop the active run, flush write-back, then tear down transports.
func (a *App) Stop(ctx context.Context) error {
	a.sched.Stop()
	a.engine.RequestStop()
	a.engine.Stop(ctx)
	a.engine.FlushStatus()

	if err := a.http.Stop(ctx); err != nil {
		a.log.Warn("http shutdown", logx.Err(err))
	}
	if err := a.adapter.Stop(ctx); err != nil {
		a.log.Warn("channel shutdown", logx.Err(err))
	}

	if a.cancel != nil {
		a.cancel()
	}
	if a.cfgSub != nil {
		a.cfgm.Unsubscribe(a.cfgSub)
	}
	a.wg.Wait()

	if err := a.store.Close(); err != nil {
		a.log.Warn("store close", logx.Err(err))
	}
	a.log.Info("stopped")
	if a.logClose != nil {
		_ = a.logClose()
	}
	return nil
}
