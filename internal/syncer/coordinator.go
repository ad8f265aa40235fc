// Package syncer drains the local write log to the server whenever
// connectivity allows, then pulls authoritative server-owned state
// back down.
//
// A cycle is fire-and-forget: per-record failures are isolated and
// logged, nothing is ever discarded, and unsynced records are simply
// retried on the next cycle (at-least-once delivery; the server is
// assumed idempotent).
package syncer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"
	"time"

	"github.com/carelinkhq/carelink-sync/internal/clock"
	"github.com/carelinkhq/carelink-sync/internal/localstore"
	"github.com/carelinkhq/carelink-sync/internal/offline"
	"github.com/carelinkhq/carelink-sync/internal/remote"
)

const (
	defaultInterval  = 30 * time.Second
	defaultPullLimit = 20
)

type Options struct {
	Logger  *slog.Logger
	Offline *offline.Service
	Remote  *remote.Client
	Clock   clock.Clock
	// Interval is the periodic sync cadence while online.
	Interval time.Duration
	// PullNotificationsLimit bounds the additive notification pull.
	PullNotificationsLimit int
}

type Coordinator struct {
	log       *slog.Logger
	off       *offline.Service
	rc        *remote.Client
	clk       clock.Clock
	interval  time.Duration
	pullLimit int

	online atomic.Bool
	// isSyncing is the re-entrancy guard: exactly one cycle at a time,
	// extra requests are skipped, never queued.
	isSyncing atomic.Bool

	force chan struct{}
}

func New(opts Options) (*Coordinator, error) {
	if opts.Offline == nil {
		return nil, errors.New("missing offline service")
	}
	if opts.Remote == nil {
		return nil, errors.New("missing remote client")
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
		interval = defaultInterval
	}
	pullLimit := opts.PullNotificationsLimit
	if pullLimit <= 0 {
		pullLimit = defaultPullLimit
	}

	return &Coordinator{
		log:       logger,
		off:       opts.Offline,
		rc:        opts.Remote,
		clk:       clk,
		interval:  interval,
		pullLimit: pullLimit,
		force:     make(chan struct{}, 1),
	}, nil
}

// SetOnline records a connectivity transition. The offline→online edge
// triggers an immediate sync cycle.
func (c *Coordinator) SetOnline(online bool) {
	if c == nil {
		return
	}
	was := c.online.Swap(online)
	if online == was {
		return
	}
	if online {
		c.log.Info("connectivity restored")
		c.ForceSync()
		return
	}
	c.log.Info("connectivity lost")
}

func (c *Coordinator) Online() bool {
	if c == nil {
		return false
	}
	return c.online.Load()
}

// ForceSync requests a cycle outside the timer cadence. A cycle
// already in flight absorbs the request.
func (c *Coordinator) ForceSync() {
	if c == nil {
		return
	}
	select {
	case c.force <- struct{}{}:
	default:
	}
}

// Run drives the periodic and forced sync cycles until ctx ends.
func (c *Coordinator) Run(ctx context.Context) error {
	if c == nil {
		return errors.New("nil coordinator")
	}
	t := c.clk.NewTicker(c.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C():
			c.SyncNow(ctx)
		case <-c.force:
			c.SyncNow(ctx)
		}
	}
}

// SyncNow runs one sync cycle. It reports whether a cycle actually ran
// (false while offline or when another cycle holds the guard).
func (c *Coordinator) SyncNow(ctx context.Context) bool {
	if c == nil {
		return false
	}
	if !c.online.Load() {
		return false
	}
	if !c.isSyncing.CompareAndSwap(false, true) {
		c.log.Debug("sync cycle already running; skipping")
		return false
	}
	defer c.isSyncing.Store(false)

	c.cycle(ctx)
	return true
}

func (c *Coordinator) cycle(ctx context.Context) {
	started := c.clk.Now()

	snap, err := c.off.UnsyncedItems(ctx)
	if err != nil {
		c.log.Warn("unsynced snapshot failed; cycle abandoned", "error", err)
		return
	}

	if snap.Total > 0 {
		pushed, failed := 0, 0
		for _, table := range localstore.SyncTables() {
			// Sequential per table: preserves intra-table insertion
			// order and avoids overwhelming the server.
			for _, rec := range snap.ByTable[table] {
				serverID, err := c.pushRecord(ctx, table, rec)
				if err != nil {
					failed++
					var aerr *remote.AuthError
					if errors.As(err, &aerr) {
						c.log.Warn("sync cycle skipped: credentials unavailable", "error", err)
						return
					}
					c.log.Warn("record push failed; will retry next cycle",
						"table", table, "id", rec.ID, "error", err)
					continue
				}
				if err := c.off.MarkSynced(ctx, table, rec.ID, serverID); err != nil {
					failed++
					c.log.Warn("mark synced failed", "table", table, "id", rec.ID, "error", err)
					continue
				}
				pushed++
			}
		}
		c.log.Info("sync push finished",
			"pushed", pushed,
			"failed", failed,
			"snapshot_total", snap.Total,
			"duration_ms", c.clk.Now().Sub(started).Milliseconds(),
		)
	}

	c.pull(ctx)
}

func (c *Coordinator) pushRecord(ctx context.Context, table string, rec localstore.Record) (string, error) {
	switch table {
	case localstore.TableConversations:
		return c.rc.PushConversation(ctx, rec.Payload)
	case localstore.TableMessages:
		return c.rc.PushMessage(ctx, rec.Payload)
	case localstore.TableToolResults:
		return c.rc.PushToolResult(ctx, rec.Payload)
	case localstore.TableNotifications:
		// Notifications are server-owned; the only local mutation that
		// syncs is the read flag, addressed by server id.
		if rec.ServerID == "" {
			return "", fmt.Errorf("notification %s has no server id", rec.ID)
		}
		return rec.ServerID, c.rc.MarkNotificationRead(ctx, rec.ServerID)
	case localstore.TableAuditLogs:
		return "", c.rc.PushAudit(ctx, rec.Payload)
	}
	return "", fmt.Errorf("no sync endpoint for table %q", table)
}

// pull refreshes server-owned resources: the user profile and recent
// notifications. Merges are additive; local records are never
// clobbered.
func (c *Coordinator) pull(ctx context.Context) {
	raw, err := c.rc.FetchProfile(ctx)
	if err != nil {
		c.log.Warn("profile pull failed", "error", err)
	} else {
		var p offline.UserProfile
		if err := json.Unmarshal(raw, &p); err != nil {
			c.log.Warn("profile decode failed", "error", err)
		} else if err := c.off.SetProfileFromServer(ctx, p); err != nil {
			c.log.Warn("profile merge failed", "error", err)
		}
	}

	notes, err := c.rc.FetchNotifications(ctx, c.pullLimit)
	if err != nil {
		c.log.Warn("notifications pull failed", "error", err)
		return
	}
	merged := 0
	for _, n := range notes {
		ok, err := c.off.MergeNotification(ctx, n.ID, offline.Notification{
			UserID:          n.UserID,
			Kind:            n.Kind,
			Title:           n.Title,
			Body:            n.Body,
			Read:            n.Read,
			CreatedAtUnixMs: n.CreatedAtUnixMs,
		})
		if err != nil {
			c.log.Warn("notification merge failed", "server_id", n.ID, "error", err)
			continue
		}
		if ok {
			merged++
		}
	}
	if merged > 0 {
		c.log.Info("pulled notifications", "merged", merged, "fetched", len(notes))
	}
}
