// Package telegram backs the channel capability with the Telegram Bot API
// via telebot. Normalized recipient addresses are interpreted as chat IDs.
package telegram

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	tele "gopkg.in/telebot.v4"

	"msgblast/internal/channel"
	"msgblast/pkg/logx"
)

type Config struct {
	Token string
}

type Adapter struct {
	cfg    Config
	log    logx.Logger
	status channel.StatusFunc

	mu    sync.Mutex
	bot   *tele.Bot
	ready atomic.Bool
}

func New(cfg Config, log logx.Logger, status channel.StatusFunc) (*Adapter, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, errors.New("telegram token is empty")
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Adapter{cfg: cfg, log: log, status: status}, nil
}

// Start authenticates against the Bot API. The adapter only sends, so no
// poller is started.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		a.log.Debug("telegram channel already started")
		return nil
	}

	b, err := tele.NewBot(tele.Settings{
		Token:  a.cfg.Token,
		Poller: &tele.LongPoller{Timeout: 10 * time.Second},
	})
	if err != nil {
		a.emit(channel.StatusEvent{Status: channel.StatusAuthFailure, Message: err.Error()})
		return fmt.Errorf("telegram auth: %w", err)
	}

	a.bot = b
	a.ready.Store(true)
	a.emit(channel.StatusEvent{Status: channel.StatusAuthenticated})
	a.emit(channel.StatusEvent{Status: channel.StatusReady})
	a.log.Info("telegram channel ready", logx.String("bot", b.Me.Username))
	return nil
}

func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot == nil {
		return nil
	}
	a.bot = nil
	a.ready.Store(false)
	a.emit(channel.StatusEvent{Status: channel.StatusDisconnected, Reason: "user initiated disconnect"})
	a.log.Info("telegram channel stopped")
	return nil
}

func (a *Adapter) Ready() bool { return a.ready.Load() }

func (a *Adapter) SendText(ctx context.Context, recipient, text string) error {
	bot, to, err := a.target(recipient)
	if err != nil {
		return err
	}
	_, err = bot.Send(to, text)
	return err
}

func (a *Adapter) SendAttachment(ctx context.Context, recipient, path, caption string, kind channel.Kind) error {
	bot, to, err := a.target(recipient)
	if err != nil {
		return err
	}

	var what any
	switch kind {
	case channel.KindDocument:
		what = &tele.Document{
			File:     tele.FromDisk(path),
			FileName: filepath.Base(path),
			Caption:  caption,
		}
	case channel.KindMedia:
		what = &tele.Photo{File: tele.FromDisk(path), Caption: caption}
	default:
		return fmt.Errorf("unsupported attachment kind: %s", kind)
	}
	_, err = bot.Send(to, what)
	return err
}

func (a *Adapter) target(recipient string) (*tele.Bot, *tele.Chat, error) {
	a.mu.Lock()
	bot := a.bot
	a.mu.Unlock()
	if bot == nil || !a.ready.Load() {
		return nil, nil, channel.ErrNotReady
	}
	id, err := strconv.ParseInt(recipient, 10, 64)
	if err != nil {
		return nil, nil, fmt.Errorf("recipient %q is not a chat id: %w", recipient, err)
	}
	return bot, &tele.Chat{ID: id}, nil
}

func (a *Adapter) emit(ev channel.StatusEvent) {
	if a.status != nil {
		a.status(ev)
	}
}
