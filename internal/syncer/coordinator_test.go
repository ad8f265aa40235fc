package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/carelinkhq/carelink-sync/internal/clock"
	"github.com/carelinkhq/carelink-sync/internal/localstore"
	"github.com/carelinkhq/carelink-sync/internal/offline"
	"github.com/carelinkhq/carelink-sync/internal/remote"
)

// fakeServer is an in-memory dashboard backend: it acknowledges pushes
// with generated ids and records the order requests arrive in.
type fakeServer struct {
	mu        sync.Mutex
	seq       int
	pushPaths []string // "POST /messages", ... in arrival order
	pushes    int
	failPaths map[string]bool // push paths that return 500

	notifications []remote.Notification
	profile       offline.UserProfile

	srv *httptest.Server
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{
		failPaths: make(map[string]bool),
		profile:   offline.UserProfile{UserID: "u1", Name: "Dr. Reyes", Role: "attending"},
	}
	f.srv = httptest.NewServer(http.HandlerFunc(f.handle))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeServer) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := r.Method + " " + r.URL.Path
	switch {
	case key == "GET /health":
		w.WriteHeader(http.StatusOK)
	case key == "GET /user/profile":
		_ = json.NewEncoder(w).Encode(f.profile)
	case key == "GET /notifications":
		_ = json.NewEncoder(w).Encode(f.notifications)
	case key == "GET /activity/recent":
		_ = json.NewEncoder(w).Encode([]map[string]any{})
	case r.Method == http.MethodPost, r.Method == http.MethodPatch:
		f.pushes++
		f.pushPaths = append(f.pushPaths, key)
		if f.failPaths[key] {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		f.seq++
		_ = json.NewEncoder(w).Encode(map[string]string{"id": fmt.Sprintf("srv_%d", f.seq)})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeServer) pushCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.pushes
}

func (f *fakeServer) paths() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.pushPaths...)
}

func newTestCoordinator(t *testing.T, f *fakeServer) (*Coordinator, *offline.Service, *localstore.Store) {
	t.Helper()

	store, err := localstore.Open(filepath.Join(t.TempDir(), "carelink.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	off, err := offline.New(offline.Options{Logger: logger, Store: store})
	if err != nil {
		t.Fatalf("offline.New: %v", err)
	}
	rc, err := remote.New(remote.Options{
		Logger:  logger,
		BaseURL: f.srv.URL,
		Token:   func() string { return "tok" },
	})
	if err != nil {
		t.Fatalf("remote.New: %v", err)
	}
	coord, err := New(Options{
		Logger:  logger,
		Offline: off,
		Remote:  rc,
		Clock:   clock.NewManual(time.Unix(0, 0)),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return coord, off, store
}

func TestCoordinator_DrainsOfflineWrites(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	coord, off, store := newTestCoordinator(t, f)
	ctx := context.Background()

	// Three messages written while offline.
	var ids []string
	for i := 0; i < 3; i++ {
		id, err := off.SaveMessage(ctx, offline.Message{ConversationID: "c1", Content: "m", CreatedAtUnixMs: int64(10 + i)})
		if err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
		ids = append(ids, id)
	}
	snap, err := off.UnsyncedItems(ctx)
	if err != nil || snap.Total != 3 {
		t.Fatalf("UnsyncedItems: total=%d err=%v, want 3", snap.Total, err)
	}

	// Offline: no cycle runs.
	if coord.SyncNow(ctx) {
		t.Fatalf("SyncNow must not run while offline")
	}

	// Reconnect.
	coord.SetOnline(true)
	if !coord.SyncNow(ctx) {
		t.Fatalf("SyncNow did not run")
	}

	for _, id := range ids {
		rec, err := store.Get(ctx, localstore.TableMessages, id)
		if err != nil || rec == nil {
			t.Fatalf("Get %s: rec=%v err=%v", id, rec, err)
		}
		if !rec.Synced || rec.ServerID == "" {
			t.Fatalf("record %s: synced=%v server_id=%q", id, rec.Synced, rec.ServerID)
		}
	}

	// Idempotent re-sync: a second cycle performs zero pushes.
	before := f.pushCount()
	if !coord.SyncNow(ctx) {
		t.Fatalf("second SyncNow did not run")
	}
	if got := f.pushCount(); got != before {
		t.Fatalf("second cycle pushed %d records, want 0", got-before)
	}
}

func TestCoordinator_ConversationsPushBeforeMessages(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	coord, off, _ := newTestCoordinator(t, f)
	ctx := context.Background()

	// Message saved first; its parent conversation second. Push order
	// must still be parent-before-child.
	if _, err := off.SaveMessage(ctx, offline.Message{ConversationID: "c1", Content: "hi", CreatedAtUnixMs: 10}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	if _, err := off.SaveConversation(ctx, offline.Conversation{UserID: "u1", Title: "rounds", CreatedAtUnixMs: 20}); err != nil {
		t.Fatalf("SaveConversation: %v", err)
	}

	coord.SetOnline(true)
	coord.SyncNow(ctx)

	paths := f.paths()
	if len(paths) < 2 {
		t.Fatalf("paths=%v", paths)
	}
	if paths[0] != "POST /conversations" || paths[1] != "POST /messages" {
		t.Fatalf("push order=%v, want conversations before messages", paths)
	}
}

func TestCoordinator_PartialFailureIsolated(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	coord, off, store := newTestCoordinator(t, f)
	ctx := context.Background()

	msgID, err := off.SaveMessage(ctx, offline.Message{ConversationID: "c1", Content: "hi", CreatedAtUnixMs: 10})
	if err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	trID, err := off.SaveToolResult(ctx, offline.ToolResult{UserID: "u1", ToolType: "bmi", CreatedAtUnixMs: 20})
	if err != nil {
		t.Fatalf("SaveToolResult: %v", err)
	}

	// Messages fail server-side this cycle; tool results succeed.
	f.mu.Lock()
	f.failPaths["POST /messages"] = true
	f.mu.Unlock()

	coord.SetOnline(true)
	coord.SyncNow(ctx)

	msgRec, _ := store.Get(ctx, localstore.TableMessages, msgID)
	if msgRec == nil || msgRec.Synced {
		t.Fatalf("failed record must stay unsynced: %+v", msgRec)
	}
	trRec, _ := store.Get(ctx, localstore.TableToolResults, trID)
	if trRec == nil || !trRec.Synced {
		t.Fatalf("unrelated record must still sync: %+v", trRec)
	}

	// Next cycle retries only the failed record.
	f.mu.Lock()
	delete(f.failPaths, "POST /messages")
	f.mu.Unlock()

	coord.SyncNow(ctx)
	msgRec, _ = store.Get(ctx, localstore.TableMessages, msgID)
	if msgRec == nil || !msgRec.Synced || msgRec.ServerID == "" {
		t.Fatalf("record not recovered on retry: %+v", msgRec)
	}
}

func TestCoordinator_PullMergesServerState(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	coord, off, _ := newTestCoordinator(t, f)
	ctx := context.Background()

	f.mu.Lock()
	f.notifications = []remote.Notification{
		{ID: "srv_n1", UserID: "u1", Title: "critical lab"},
		{ID: "srv_n2", UserID: "u1", Title: "shift change"},
	}
	f.mu.Unlock()

	coord.SetOnline(true)
	coord.SyncNow(ctx)

	p := off.UserProfile(ctx)
	if p == nil || p.Name != "Dr. Reyes" {
		t.Fatalf("profile=%+v, want server profile", p)
	}
	notes := off.Notifications(ctx, "u1", false, 10)
	if len(notes) != 2 {
		t.Fatalf("notifications=%d, want 2", len(notes))
	}

	// Second cycle must not duplicate the merge.
	coord.SyncNow(ctx)
	notes = off.Notifications(ctx, "u1", false, 10)
	if len(notes) != 2 {
		t.Fatalf("notifications after re-pull=%d, want 2", len(notes))
	}
}

func TestCoordinator_ReadMutationPushedAsPatch(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	coord, off, store := newTestCoordinator(t, f)
	ctx := context.Background()

	f.mu.Lock()
	f.notifications = []remote.Notification{{ID: "srv_n1", UserID: "u1", Title: "critical lab"}}
	f.mu.Unlock()

	coord.SetOnline(true)
	coord.SyncNow(ctx)

	rec, err := store.GetByServerID(ctx, localstore.TableNotifications, "srv_n1")
	if err != nil || rec == nil {
		t.Fatalf("merged notification missing: %v", err)
	}
	if err := off.MarkNotificationRead(ctx, rec.ID); err != nil {
		t.Fatalf("MarkNotificationRead: %v", err)
	}

	coord.SyncNow(ctx)

	found := false
	for _, p := range f.paths() {
		if p == "PATCH /notifications/srv_n1/read" {
			found = true
		}
	}
	if !found {
		t.Fatalf("read mutation not pushed; paths=%v", f.paths())
	}
	rec, _ = store.Get(ctx, localstore.TableNotifications, rec.ID)
	if rec == nil || !rec.Synced {
		t.Fatalf("read mutation not re-synced: %+v", rec)
	}
}

func TestCoordinator_MidCycleWriteWaitsForNextCycle(t *testing.T) {
	t.Parallel()

	f := newFakeServer(t)
	coord, off, store := newTestCoordinator(t, f)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := off.SaveMessage(ctx, offline.Message{ConversationID: "c1", Content: "m", CreatedAtUnixMs: int64(10 + i)}); err != nil {
			t.Fatalf("SaveMessage: %v", err)
		}
	}
	coord.SetOnline(true)
	coord.SyncNow(ctx)

	// A write landing after the cycle's snapshot is picked up by the
	// next cycle, not lost.
	lateID, err := off.SaveMessage(ctx, offline.Message{ConversationID: "c1", Content: "late", CreatedAtUnixMs: 99})
	if err != nil {
		t.Fatalf("SaveMessage late: %v", err)
	}
	rec, _ := store.Get(ctx, localstore.TableMessages, lateID)
	if rec == nil || rec.Synced {
		t.Fatalf("late write should still be unsynced: %+v", rec)
	}

	coord.SyncNow(ctx)
	rec, _ = store.Get(ctx, localstore.TableMessages, lateID)
	if rec == nil || !rec.Synced {
		t.Fatalf("late write not synced by next cycle: %+v", rec)
	}
}

func TestCoordinator_ReentrancyGuardSkips(t *testing.T) {
	t.Parallel()

	// A server that blocks the first push until released.
	gate := make(chan struct{})
	var mu sync.Mutex
	blocked := false

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && strings.HasPrefix(r.URL.Path, "/messages") {
			mu.Lock()
			first := !blocked
			blocked = true
			mu.Unlock()
			if first {
				<-gate
			}
			_ = json.NewEncoder(w).Encode(map[string]string{"id": "srv_1"})
			return
		}
		switch r.URL.Path {
		case "/user/profile":
			_ = json.NewEncoder(w).Encode(offline.UserProfile{UserID: "u1"})
		default:
			_ = json.NewEncoder(w).Encode([]any{})
		}
	}))
	t.Cleanup(srv.Close)

	f := &fakeServer{srv: srv}
	coord, off, _ := newTestCoordinator(t, f)
	ctx := context.Background()

	if _, err := off.SaveMessage(ctx, offline.Message{ConversationID: "c1", Content: "m"}); err != nil {
		t.Fatalf("SaveMessage: %v", err)
	}
	coord.SetOnline(true)

	started := make(chan struct{})
	done := make(chan bool, 1)
	go func() {
		close(started)
		done <- coord.SyncNow(ctx)
	}()
	<-started

	// Wait until the in-flight cycle is holding the guard.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		b := blocked
		mu.Unlock()
		if b {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("first cycle never reached the server")
		}
		time.Sleep(5 * time.Millisecond)
	}

	if coord.SyncNow(ctx) {
		t.Fatalf("re-entrant SyncNow must be skipped, not queued")
	}

	close(gate)
	if ran := <-done; !ran {
		t.Fatalf("first cycle should have run")
	}
}
