// Package app wires the carelink-sync services together: the local
// store, the offline write service, the sync coordinator, the
// connectivity prober and the realtime channel.
package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/carelinkhq/carelink-sync/internal/config"
	"github.com/carelinkhq/carelink-sync/internal/localstore"
	"github.com/carelinkhq/carelink-sync/internal/offline"
	"github.com/carelinkhq/carelink-sync/internal/realtime"
	"github.com/carelinkhq/carelink-sync/internal/remote"
	"github.com/carelinkhq/carelink-sync/internal/syncer"
)

type Options struct {
	Config *config.Config

	Version   string
	Commit    string
	BuildTime string
}

type App struct {
	cfg *config.Config
	log *slog.Logger

	version   string
	commit    string
	buildTime string

	store  *localstore.Store
	off    *offline.Service
	rc     *remote.Client
	coord  *syncer.Coordinator
	prober *syncer.Prober
	rt     *realtime.Channel
}

func New(opts Options) (*App, error) {
	if opts.Config == nil {
		return nil, errors.New("missing config")
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	cfg := opts.Config

	logger, err := newLogger(strings.TrimSpace(cfg.LogFormat), strings.TrimSpace(cfg.LogLevel))
	if err != nil {
		return nil, err
	}

	tokenEnv := cfg.TokenEnv()
	token := func() string { return strings.TrimSpace(os.Getenv(tokenEnv)) }

	stateDir := cfg.EffectiveStateDir()
	store, err := localstore.Open(filepath.Join(stateDir, "carelink.db"))
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", err)
	}

	off, err := offline.New(offline.Options{Logger: logger, Store: store})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rc, err := remote.New(remote.Options{
		Logger:  logger,
		BaseURL: cfg.ServerBaseURL,
		Token:   token,
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	coord, err := syncer.New(syncer.Options{
		Logger:                 logger,
		Offline:                off,
		Remote:                 rc,
		Interval:               cfg.SyncInterval(),
		PullNotificationsLimit: cfg.NotificationsLimit(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	prober, err := syncer.NewProber(syncer.ProberOptions{
		Logger:      logger,
		Remote:      rc,
		Coordinator: coord,
		Interval:    cfg.ProbeInterval(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	rt, err := realtime.New(realtime.Options{
		Logger:         logger,
		StreamURL:      cfg.EffectiveStreamURL(),
		Token:          token,
		Fetcher:        rc,
		ReconnectDelay: cfg.ReconnectDelay(),
		PollInterval:   cfg.PollInterval(),
	})
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &App{
		cfg:       cfg,
		log:       logger,
		version:   strings.TrimSpace(opts.Version),
		commit:    strings.TrimSpace(opts.Commit),
		buildTime: strings.TrimSpace(opts.BuildTime),
		store:     store,
		off:       off,
		rc:        rc,
		coord:     coord,
		prober:    prober,
		rt:        rt,
	}, nil
}

// Offline exposes the local write service for embedding callers.
func (a *App) Offline() *offline.Service { return a.off }

// Realtime exposes the push/poll event channel.
func (a *App) Realtime() *realtime.Channel { return a.rt }

// Coordinator exposes the sync coordinator (e.g. for ForceSync).
func (a *App) Coordinator() *syncer.Coordinator { return a.coord }

// Run starts the background loops and blocks until ctx is cancelled.
func (a *App) Run(ctx context.Context) error {
	if a == nil {
		return errors.New("nil app")
	}

	a.log.Info("carelink-sync starting",
		"version", a.version,
		"commit", a.commit,
		"build_time", a.buildTime,
		"server", a.cfg.ServerBaseURL,
	)

	stats := a.off.StorageStats(ctx)
	a.log.Info("local store opened", "records", stats.Total, "db_bytes", stats.DBFileBytes, "disk_free_bytes", stats.DiskFreeBytes)

	// A live push connection is positive evidence of connectivity, so
	// feed it to the coordinator. The reverse does not hold: a dropped
	// socket says nothing about REST, the prober decides that.
	cancelState, err := a.rt.SubscribeState(func(st realtime.ConnectionState) {
		a.log.Info("realtime state", "state", st)
		if st == realtime.StateConnected {
			a.coord.SetOnline(true)
		}
	})
	if err != nil {
		return err
	}
	defer cancelState()

	cancelActivity, err := a.rt.Subscribe(realtime.TopicActivity, func(data json.RawMessage) {
		a.log.Debug("activity event", "data", string(data))
	})
	if err != nil {
		return err
	}
	defer cancelActivity()

	cancelAlert, err := a.rt.Subscribe(realtime.TopicAlert, func(data json.RawMessage) {
		a.log.Info("alert event", "data", string(data))
	})
	if err != nil {
		return err
	}
	defer cancelAlert()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		_ = a.coord.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		_ = a.prober.Run(ctx)
	}()

	<-ctx.Done()
	wg.Wait()

	_ = a.rt.Close()
	if err := a.store.Close(); err != nil {
		a.log.Warn("closing local store", "error", err)
	}
	a.log.Info("carelink-sync stopped")
	return nil
}

func newLogger(format string, level string) (*slog.Logger, error) {
	var h slog.Handler

	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "debug":
		lvl = slog.LevelDebug
	case "warn", "warning":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log level: %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		h = slog.NewJSONHandler(os.Stdout, opts)
	case "text":
		h = slog.NewTextHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unknown log format: %s", format)
	}

	return slog.New(h), nil
}
