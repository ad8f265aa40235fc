package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "carelink.sqlite"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_PutGetRoundtrip(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	id, err := s.Put(ctx, Record{
		Table:           TableMessages,
		ID:              "m1",
		Payload:         json.RawMessage(`{"conversation_id":"c1","content":"hi"}`),
		CreatedAtUnixMs: 100,
	})
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != "m1" {
		t.Fatalf("id=%q, want m1", id)
	}

	rec, err := s.Get(ctx, TableMessages, "m1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if rec == nil {
		t.Fatalf("record missing")
	}
	if rec.Synced {
		t.Fatalf("new record must start unsynced")
	}
	if rec.ServerID != "" {
		t.Fatalf("ServerID=%q, want empty", rec.ServerID)
	}
	if rec.CreatedAtUnixMs != 100 {
		t.Fatalf("CreatedAtUnixMs=%d, want 100", rec.CreatedAtUnixMs)
	}

	absent, err := s.Get(ctx, TableMessages, "nope")
	if err != nil {
		t.Fatalf("Get absent: %v", err)
	}
	if absent != nil {
		t.Fatalf("absent record should be nil")
	}
}

func TestStore_QueryByIndexField(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for i, conv := range []string{"c1", "c1", "c2"} {
		_, err := s.Put(ctx, Record{
			Table:           TableMessages,
			ID:              "m" + string(rune('1'+i)),
			Payload:         json.RawMessage(`{"conversation_id":"` + conv + `"}`),
			CreatedAtUnixMs: int64(100 + i),
		})
		if err != nil {
			t.Fatalf("Put %d: %v", i, err)
		}
	}

	recs, err := s.Query(ctx, TableMessages, "conversation_id", "c1", QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 2 {
		t.Fatalf("len=%d, want 2", len(recs))
	}
	// Newest first by default.
	if recs[0].ID != "m2" || recs[1].ID != "m1" {
		t.Fatalf("order=[%s %s], want [m2 m1]", recs[0].ID, recs[1].ID)
	}

	asc, err := s.Query(ctx, TableMessages, "conversation_id", "c1", QueryOpts{Ascending: true, Limit: 1})
	if err != nil {
		t.Fatalf("Query asc: %v", err)
	}
	if len(asc) != 1 || asc[0].ID != "m1" {
		t.Fatalf("asc limit 1 = %v", asc)
	}

	if _, err := s.Query(ctx, TableMessages, "bad field;", "x", QueryOpts{}); err == nil {
		t.Fatalf("Query with invalid index field must fail")
	}
}

func TestStore_QueryByBoolField(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	_, err := s.Put(ctx, Record{Table: TableNotifications, ID: "n1", Payload: json.RawMessage(`{"read":false}`)})
	if err != nil {
		t.Fatalf("Put n1: %v", err)
	}
	_, err = s.Put(ctx, Record{Table: TableNotifications, ID: "n2", Payload: json.RawMessage(`{"read":true}`)})
	if err != nil {
		t.Fatalf("Put n2: %v", err)
	}

	unread, err := s.Query(ctx, TableNotifications, "read", false, QueryOpts{})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(unread) != 1 || unread[0].ID != "n1" {
		t.Fatalf("unread=%v, want [n1]", unread)
	}
}

func TestStore_QueryFiltersApplyBeforeLimit(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	// Three older rows for u1, then five newer rows for u2. A filter
	// applied after the limit window would only ever see u2 rows.
	for i := 0; i < 3; i++ {
		_, err := s.Put(ctx, Record{
			Table:           TableNotifications,
			ID:              fmt.Sprintf("u1_%d", i),
			Payload:         json.RawMessage(`{"read":false,"user_id":"u1"}`),
			CreatedAtUnixMs: int64(100 + i),
		})
		if err != nil {
			t.Fatalf("Put u1_%d: %v", i, err)
		}
	}
	for i := 0; i < 5; i++ {
		_, err := s.Put(ctx, Record{
			Table:           TableNotifications,
			ID:              fmt.Sprintf("u2_%d", i),
			Payload:         json.RawMessage(`{"read":false,"user_id":"u2"}`),
			CreatedAtUnixMs: int64(200 + i),
		})
		if err != nil {
			t.Fatalf("Put u2_%d: %v", i, err)
		}
	}

	recs, err := s.Query(ctx, TableNotifications, "read", false, QueryOpts{
		Limit:   3,
		Filters: map[string]any{"user_id": "u1"},
	})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(recs) != 3 {
		t.Fatalf("got %d records, want all 3 u1 rows", len(recs))
	}
	for _, rec := range recs {
		if rec.ID[:2] != "u1" {
			t.Fatalf("record %s leaked through the user filter", rec.ID)
		}
	}

	if _, err := s.Query(ctx, TableNotifications, "read", false, QueryOpts{
		Filters: map[string]any{"user_id; DROP": "u1"},
	}); err == nil {
		t.Fatal("expected error for invalid filter field")
	}
}

func TestStore_MarkSyncedIdempotentAndImmutable(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, Record{Table: TableMessages, ID: "m1", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	if err := s.MarkSynced(ctx, TableMessages, "m1", "srv_9"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}
	rec, err := s.Get(ctx, TableMessages, "m1")
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if !rec.Synced || rec.ServerID != "srv_9" {
		t.Fatalf("synced=%v server_id=%q, want true/srv_9", rec.Synced, rec.ServerID)
	}

	// Second call with the same server id is a no-op.
	if err := s.MarkSynced(ctx, TableMessages, "m1", "srv_9"); err != nil {
		t.Fatalf("MarkSynced repeat: %v", err)
	}
	// Rewriting the server id is refused.
	if err := s.MarkSynced(ctx, TableMessages, "m1", "srv_other"); err == nil {
		t.Fatalf("MarkSynced must refuse server id rewrite")
	}

	// Missing record.
	err = s.MarkSynced(ctx, TableMessages, "ghost", "srv_1")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestStore_UpdatePatch(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Put(ctx, Record{Table: TableNotifications, ID: "n1", Payload: json.RawMessage(`{"read":false}`), Synced: true}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	unsynced := false
	if err := s.Update(ctx, TableNotifications, "n1", UpdatePatch{
		Payload: json.RawMessage(`{"read":true}`),
		Synced:  &unsynced,
	}); err != nil {
		t.Fatalf("Update: %v", err)
	}

	rec, err := s.Get(ctx, TableNotifications, "n1")
	if err != nil || rec == nil {
		t.Fatalf("Get: rec=%v err=%v", rec, err)
	}
	if rec.Synced {
		t.Fatalf("synced should be false after patch")
	}
	if string(rec.Payload) != `{"read":true}` {
		t.Fatalf("payload=%s", rec.Payload)
	}

	err = s.Update(ctx, TableNotifications, "ghost", UpdatePatch{Payload: json.RawMessage(`{}`)})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err=%v, want ErrNotFound", err)
	}
}

func TestStore_PruneExpired(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UnixMilli()

	put := func(id string, expires int64) {
		t.Helper()
		if _, err := s.Put(ctx, Record{Table: TableKnowledgeCache, ID: id, Payload: json.RawMessage(`{}`), ExpiresAtUnixMs: expires}); err != nil {
			t.Fatalf("Put %s: %v", id, err)
		}
	}
	put("k_live", now+60_000)
	put("k_dead", now-1)
	put("k_forever", 0)

	n, err := s.PruneExpired(ctx, TableKnowledgeCache, now)
	if err != nil {
		t.Fatalf("PruneExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("pruned=%d, want 1", n)
	}

	if c, err := s.Count(ctx, TableKnowledgeCache); err != nil || c != 2 {
		t.Fatalf("Count=%d err=%v, want 2", c, err)
	}
}

func TestStore_ListUnsyncedInsertionOrder(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := s.Put(ctx, Record{
			Table:           TableToolResults,
			ID:              "t" + string(rune('1'+i)),
			Payload:         json.RawMessage(`{}`),
			CreatedAtUnixMs: int64(10 * (i + 1)),
		})
		if err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if err := s.MarkSynced(ctx, TableToolResults, "t2", "srv_2"); err != nil {
		t.Fatalf("MarkSynced: %v", err)
	}

	recs, err := s.ListUnsynced(ctx, TableToolResults)
	if err != nil {
		t.Fatalf("ListUnsynced: %v", err)
	}
	if len(recs) != 2 || recs[0].ID != "t1" || recs[1].ID != "t3" {
		t.Fatalf("unsynced=%v, want [t1 t3]", recs)
	}
}

func TestStore_Counts(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	ctx := context.Background()

	for _, id := range []string{"a", "b"} {
		if _, err := s.Put(ctx, Record{Table: TableMessages, ID: id, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("Put: %v", err)
		}
	}
	if _, err := s.Put(ctx, Record{Table: TableSettings, ID: "theme", Payload: json.RawMessage(`{}`)}); err != nil {
		t.Fatalf("Put: %v", err)
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if counts[TableMessages] != 2 || counts[TableSettings] != 1 {
		t.Fatalf("counts=%v", counts)
	}
}
