package syncer

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"time"

	"github.com/carelinkhq/carelink-sync/internal/clock"
	"github.com/carelinkhq/carelink-sync/internal/remote"
)

const (
	defaultProbeInterval = 10 * time.Second
	probeTimeout         = 5 * time.Second
)

// Prober samples server reachability on a fixed interval and feeds
// the resulting transitions into the coordinator.
type Prober struct {
	log      *slog.Logger
	rc       *remote.Client
	coord    *Coordinator
	clk      clock.Clock
	interval time.Duration
}

type ProberOptions struct {
	Logger      *slog.Logger
	Remote      *remote.Client
	Coordinator *Coordinator
	Clock       clock.Clock
	Interval    time.Duration
}

func NewProber(opts ProberOptions) (*Prober, error) {
	if opts.Remote == nil {
		return nil, errors.New("missing remote client")
	}
	if opts.Coordinator == nil {
		return nil, errors.New("missing coordinator")
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.System{}
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = defaultProbeInterval
	}

	return &Prober{log: logger, rc: opts.Remote, coord: opts.Coordinator, clk: clk, interval: interval}, nil
}

// Run probes immediately, then on every tick, until ctx ends.
func (p *Prober) Run(ctx context.Context) error {
	if p == nil {
		return errors.New("nil prober")
	}
	p.probe(ctx)

	t := p.clk.NewTicker(p.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			p.probe(ctx)
		}
	}
}

func (p *Prober) probe(ctx context.Context) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	err := p.rc.Ping(probeCtx)
	cancel()
	if err != nil {
		p.log.Debug("reachability probe failed", "error", err)
	}
	p.coord.SetOnline(err == nil)
}
