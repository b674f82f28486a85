// Package dryrun is a no-network channel for rehearsal runs: it logs every
// send and succeeds, optionally simulating latency and periodic failures so
// the retry path can be exercised without a real account.
package dryrun

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"msgblast/internal/channel"
	"msgblast/pkg/logx"
)

type Config struct {
	Latency   time.Duration
	FailEvery int // every Nth send fails; 0 disables
}

type Adapter struct {
	cfg    Config
	log    logx.Logger
	status channel.StatusFunc

	ready atomic.Bool
	sends atomic.Int64
}

func New(cfg Config, log logx.Logger, status channel.StatusFunc) *Adapter {
	return &Adapter{cfg: cfg, log: log, status: status}
}

func (a *Adapter) Start(ctx context.Context) error {
	if a.ready.Swap(true) {
		return nil
	}
	a.emit(channel.StatusEvent{Status: channel.StatusAuthenticated})
	a.emit(channel.StatusEvent{Status: channel.StatusReady})
	a.log.Info("dryrun channel ready",
		logx.Duration("latency", a.cfg.Latency), logx.Int("fail_every", a.cfg.FailEvery))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.ready.Store(false)
	a.emit(channel.StatusEvent{Status: channel.StatusDisconnected, Reason: "stopped"})
	return nil
}

func (a *Adapter) Ready() bool { return a.ready.Load() }

func (a *Adapter) SendText(ctx context.Context, recipient, text string) error {
	if err := a.send(ctx, recipient); err != nil {
		return err
	}
	a.log.Info("dryrun text", logx.String("to", recipient), logx.Int("len", len(text)))
	return nil
}

func (a *Adapter) SendAttachment(ctx context.Context, recipient, path, caption string, kind channel.Kind) error {
	if err := a.send(ctx, recipient); err != nil {
		return err
	}
	a.log.Info("dryrun attachment",
		logx.String("to", recipient), logx.String("kind", string(kind)), logx.String("path", path))
	return nil
}

func (a *Adapter) send(ctx context.Context, recipient string) error {
	if !a.ready.Load() {
		return channel.ErrNotReady
	}
	if a.cfg.Latency > 0 {
		t := time.NewTimer(a.cfg.Latency)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return ctx.Err()
		case <-t.C:
		}
	}
	n := a.sends.Add(1)
	if a.cfg.FailEvery > 0 && n%int64(a.cfg.FailEvery) == 0 {
		return fmt.Errorf("simulated send failure to %s", recipient)
	}
	return nil
}

func (a *Adapter) emit(ev channel.StatusEvent) {
	if a.status != nil {
		a.status(ev)
	}
}
