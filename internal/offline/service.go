// Package offline is the write-then-sync façade over the local store:
// user actions land here first, become durable immediately, and are
// drained to the server later by the sync loop.
//
// Propagation policy: writes the user directly initiated return their
// error so the caller can react; reads degrade to empty results with a
// warning log so a transient storage fault never crashes the UI.
package offline

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/carelinkhq/carelink-sync/internal/localstore"
)

const profileRecordID = "profile"

type Options struct {
	Logger *slog.Logger
	Store  *localstore.Store
}

type Service struct {
	log   *slog.Logger
	store *localstore.Store
}

func New(opts Options) (*Service, error) {
	if opts.Store == nil {
		return nil, errors.New("missing store")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}
	return &Service{log: logger, store: opts.Store}, nil
}

// --- writes (errors propagate) ---

func (s *Service) SaveMessage(ctx context.Context, m Message) (string, error) {
	if s == nil {
		return "", errors.New("nil service")
	}
	m.ConversationID = strings.TrimSpace(m.ConversationID)
	if m.ConversationID == "" {
		return "", errors.New("missing conversation_id")
	}
	stampID(&m.ID)
	stampTime(&m.CreatedAtUnixMs)
	return s.put(ctx, localstore.TableMessages, m.ID, m.CreatedAtUnixMs, 0, m)
}

func (s *Service) SaveConversation(ctx context.Context, c Conversation) (string, error) {
	if s == nil {
		return "", errors.New("nil service")
	}
	c.UserID = strings.TrimSpace(c.UserID)
	if c.UserID == "" {
		return "", errors.New("missing user_id")
	}
	stampID(&c.ID)
	stampTime(&c.CreatedAtUnixMs)
	return s.put(ctx, localstore.TableConversations, c.ID, c.CreatedAtUnixMs, 0, c)
}

func (s *Service) SaveToolResult(ctx context.Context, r ToolResult) (string, error) {
	if s == nil {
		return "", errors.New("nil service")
	}
	r.UserID = strings.TrimSpace(r.UserID)
	r.ToolType = strings.TrimSpace(r.ToolType)
	if r.UserID == "" || r.ToolType == "" {
		return "", errors.New("missing user_id/tool_type")
	}
	stampID(&r.ID)
	stampTime(&r.CreatedAtUnixMs)
	return s.put(ctx, localstore.TableToolResults, r.ID, r.CreatedAtUnixMs, 0, r)
}

func (s *Service) SaveNotification(ctx context.Context, n Notification) (string, error) {
	if s == nil {
		return "", errors.New("nil service")
	}
	n.UserID = strings.TrimSpace(n.UserID)
	if n.UserID == "" {
		return "", errors.New("missing user_id")
	}
	stampID(&n.ID)
	stampTime(&n.CreatedAtUnixMs)
	return s.put(ctx, localstore.TableNotifications, n.ID, n.CreatedAtUnixMs, 0, n)
}

// SaveSetting upserts a key/value setting. Settings are local-only
// state and never leave the device.
func (s *Service) SaveSetting(ctx context.Context, key string, value string) error {
	if s == nil {
		return errors.New("nil service")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("missing key")
	}
	set := Setting{Key: key, Value: value, UpdatedAtUnixMs: time.Now().UnixMilli()}
	b, err := json.Marshal(set)
	if err != nil {
		return err
	}
	_, err = s.store.Put(ctx, localstore.Record{
		Table:           localstore.TableSettings,
		ID:              key,
		Payload:         b,
		Synced:          true, // nothing syncs settings; keep them out of the unsynced set
		CreatedAtUnixMs: set.UpdatedAtUnixMs,
	})
	return err
}

func (s *Service) SaveAudit(ctx context.Context, e AuditEntry) (string, error) {
	if s == nil {
		return "", errors.New("nil service")
	}
	e.Action = strings.TrimSpace(e.Action)
	if e.Action == "" {
		return "", errors.New("missing action")
	}
	if strings.TrimSpace(e.Status) == "" {
		e.Status = "success"
	}
	stampID(&e.ID)
	stampTime(&e.CreatedAtUnixMs)
	return s.put(ctx, localstore.TableAuditLogs, e.ID, e.CreatedAtUnixMs, 0, e)
}

// SaveUserProfile stores a locally observed profile. The profile is
// server-owned: no endpoint pushes it, so the record is written synced
// and the next pull overwrites it with authoritative state.
func (s *Service) SaveUserProfile(ctx context.Context, p UserProfile) error {
	if s == nil {
		return errors.New("nil service")
	}
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return errors.New("missing user_id")
	}
	stampTime(&p.UpdatedAtUnixMs)
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.store.Put(ctx, localstore.Record{
		Table:           localstore.TableUserProfile,
		ID:              profileRecordID,
		Payload:         b,
		Synced:          true,
		CreatedAtUnixMs: p.UpdatedAtUnixMs,
	})
	return err
}

// MarkNotificationRead flips a notification to read and schedules the
// mutation for the next sync cycle.
func (s *Service) MarkNotificationRead(ctx context.Context, id string) error {
	if s == nil {
		return errors.New("nil service")
	}
	rec, err := s.store.Get(ctx, localstore.TableNotifications, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return errors.New("notification not found")
	}

	var n Notification
	if err := json.Unmarshal(rec.Payload, &n); err != nil {
		return err
	}
	if n.Read {
		return nil
	}
	n.Read = true
	b, err := json.Marshal(n)
	if err != nil {
		return err
	}
	unsynced := false
	return s.store.Update(ctx, localstore.TableNotifications, rec.ID, localstore.UpdatePatch{
		Payload: b,
		Synced:  &unsynced,
	})
}

// --- reads (faults degrade to empty results) ---

// Messages returns a conversation's history in chronological order.
func (s *Service) Messages(ctx context.Context, conversationID string, limit int) []Message {
	recs := s.query(ctx, localstore.TableMessages, "conversation_id", strings.TrimSpace(conversationID), limit)
	out := decodeAll[Message](s.log, recs)
	// The store hands back newest-first; the UI contract for message
	// history is oldest-first.
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return out
}

func (s *Service) Conversations(ctx context.Context, userID string, limit int) []Conversation {
	recs := s.query(ctx, localstore.TableConversations, "user_id", strings.TrimSpace(userID), limit)
	return decodeAll[Conversation](s.log, recs)
}

func (s *Service) ToolResults(ctx context.Context, userID string, toolType string, limit int) []ToolResult {
	toolType = strings.TrimSpace(toolType)
	var recs []localstore.Record
	if toolType != "" {
		recs = s.queryWhere(ctx, localstore.TableToolResults, "tool_type", toolType, limit, userFilter(strings.TrimSpace(userID)))
	} else {
		recs = s.query(ctx, localstore.TableToolResults, "user_id", strings.TrimSpace(userID), limit)
	}
	return decodeAll[ToolResult](s.log, recs)
}

func (s *Service) Notifications(ctx context.Context, userID string, unreadOnly bool, limit int) []Notification {
	var recs []localstore.Record
	if unreadOnly {
		recs = s.queryWhere(ctx, localstore.TableNotifications, "read", false, limit, userFilter(strings.TrimSpace(userID)))
	} else {
		recs = s.query(ctx, localstore.TableNotifications, "user_id", strings.TrimSpace(userID), limit)
	}
	return decodeAll[Notification](s.log, recs)
}

func (s *Service) Setting(ctx context.Context, key string) (string, bool) {
	if s == nil {
		return "", false
	}
	rec, err := s.store.Get(ctx, localstore.TableSettings, strings.TrimSpace(key))
	if err != nil {
		s.log.Warn("setting read failed", "key", key, "error", err)
		return "", false
	}
	if rec == nil {
		return "", false
	}
	var set Setting
	if err := json.Unmarshal(rec.Payload, &set); err != nil {
		s.log.Warn("setting decode failed", "key", key, "error", err)
		return "", false
	}
	return set.Value, true
}

func (s *Service) UserProfile(ctx context.Context) *UserProfile {
	if s == nil {
		return nil
	}
	rec, err := s.store.Get(ctx, localstore.TableUserProfile, profileRecordID)
	if err != nil {
		s.log.Warn("profile read failed", "error", err)
		return nil
	}
	if rec == nil {
		return nil
	}
	var p UserProfile
	if err := json.Unmarshal(rec.Payload, &p); err != nil {
		s.log.Warn("profile decode failed", "error", err)
		return nil
	}
	return &p
}

func (s *Service) AuditEntries(ctx context.Context, limit int) []AuditEntry {
	recs := s.query(ctx, localstore.TableAuditLogs, "", nil, limit)
	return decodeAll[AuditEntry](s.log, recs)
}

// --- knowledge cache ---

// CacheKnowledge stores a knowledge answer under its query key with a
// time-to-live.
func (s *Service) CacheKnowledge(ctx context.Context, query string, entry KnowledgeEntry, ttl time.Duration) (string, error) {
	if s == nil {
		return "", errors.New("nil service")
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return "", errors.New("missing query")
	}
	if ttl <= 0 {
		return "", errors.New("ttl must be positive")
	}
	entry.Query = query
	stampTime(&entry.CreatedAtUnixMs)

	b, err := json.Marshal(entry)
	if err != nil {
		return "", err
	}
	return s.store.Put(ctx, localstore.Record{
		Table:           localstore.TableKnowledgeCache,
		ID:              uuid.NewString(),
		Payload:         b,
		Synced:          true, // cache entries are never pushed
		CreatedAtUnixMs: entry.CreatedAtUnixMs,
		ExpiresAtUnixMs: entry.CreatedAtUnixMs + ttl.Milliseconds(),
	})
}

// CachedKnowledge returns the most recently written non-expired entry
// for the query, or nil. Expired entries are never returned, even when
// they are the only candidates.
func (s *Service) CachedKnowledge(ctx context.Context, query string) *KnowledgeEntry {
	if s == nil {
		return nil
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil
	}
	now := time.Now().UnixMilli()
	if _, err := s.store.PruneExpired(ctx, localstore.TableKnowledgeCache, now); err != nil {
		s.log.Warn("knowledge cache prune failed", "error", err)
	}

	recs, err := s.store.Query(ctx, localstore.TableKnowledgeCache, "query", query, localstore.QueryOpts{Limit: 10})
	if err != nil {
		s.log.Warn("knowledge cache read failed", "error", err)
		return nil
	}
	for _, rec := range recs {
		if rec.ExpiresAtUnixMs > 0 && rec.ExpiresAtUnixMs < now {
			continue
		}
		var e KnowledgeEntry
		if err := json.Unmarshal(rec.Payload, &e); err != nil {
			s.log.Warn("knowledge cache decode failed", "id", rec.ID, "error", err)
			continue
		}
		return &e
	}
	return nil
}

// --- sync support ---

// Snapshot is a read-only view of everything still awaiting a server
// acknowledgment.
type Snapshot struct {
	ByTable map[string][]localstore.Record
	Total   int
}

// UnsyncedItems snapshots the unsynced records of every syncable
// table, in push order, without mutating anything.
func (s *Service) UnsyncedItems(ctx context.Context) (Snapshot, error) {
	snap := Snapshot{ByTable: make(map[string][]localstore.Record)}
	if s == nil {
		return snap, errors.New("nil service")
	}
	for _, table := range localstore.SyncTables() {
		recs, err := s.store.ListUnsynced(ctx, table)
		if err != nil {
			return Snapshot{ByTable: make(map[string][]localstore.Record)}, err
		}
		if len(recs) == 0 {
			continue
		}
		snap.ByTable[table] = recs
		snap.Total += len(recs)
	}
	return snap, nil
}

// MarkSynced stamps a record synced with its server identifier.
// Idempotent: repeating the call is a no-op.
func (s *Service) MarkSynced(ctx context.Context, table string, id string, serverID string) error {
	if s == nil {
		return errors.New("nil service")
	}
	return s.store.MarkSynced(ctx, table, id, serverID)
}

// MergeNotification additively merges a server-owned notification.
// Returns false when a record with the same server id is already held
// locally (nothing is overwritten).
func (s *Service) MergeNotification(ctx context.Context, serverID string, n Notification) (bool, error) {
	if s == nil {
		return false, errors.New("nil service")
	}
	serverID = strings.TrimSpace(serverID)
	if serverID == "" {
		return false, errors.New("missing server id")
	}
	existing, err := s.store.GetByServerID(ctx, localstore.TableNotifications, serverID)
	if err != nil {
		return false, err
	}
	if existing != nil {
		return false, nil
	}

	stampID(&n.ID)
	stampTime(&n.CreatedAtUnixMs)
	b, err := json.Marshal(n)
	if err != nil {
		return false, err
	}
	_, err = s.store.Put(ctx, localstore.Record{
		Table:           localstore.TableNotifications,
		ID:              n.ID,
		Payload:         b,
		Synced:          true,
		ServerID:        serverID,
		CreatedAtUnixMs: n.CreatedAtUnixMs,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

// SetProfileFromServer refreshes the profile with authoritative server
// state. The server always wins: profiles have no sync path of their
// own, so there is never a pending local edit to protect.
func (s *Service) SetProfileFromServer(ctx context.Context, p UserProfile) error {
	if s == nil {
		return errors.New("nil service")
	}
	p.UserID = strings.TrimSpace(p.UserID)
	if p.UserID == "" {
		return errors.New("missing user_id")
	}

	stampTime(&p.UpdatedAtUnixMs)
	b, err := json.Marshal(p)
	if err != nil {
		return err
	}
	_, err = s.store.Put(ctx, localstore.Record{
		Table:           localstore.TableUserProfile,
		ID:              profileRecordID,
		Payload:         b,
		Synced:          true,
		CreatedAtUnixMs: p.UpdatedAtUnixMs,
	})
	return err
}

// --- helpers ---

func (s *Service) put(ctx context.Context, table string, id string, createdAt int64, expiresAt int64, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return s.store.Put(ctx, localstore.Record{
		Table:           table,
		ID:              id,
		Payload:         b,
		CreatedAtUnixMs: createdAt,
		ExpiresAtUnixMs: expiresAt,
	})
}

func (s *Service) query(ctx context.Context, table string, field string, value any, limit int) []localstore.Record {
	return s.queryWhere(ctx, table, field, value, limit, nil)
}

func (s *Service) queryWhere(ctx context.Context, table string, field string, value any, limit int, filters map[string]any) []localstore.Record {
	if s == nil {
		return nil
	}
	recs, err := s.store.Query(ctx, table, field, value, localstore.QueryOpts{Limit: limit, Filters: filters})
	if err != nil {
		s.log.Warn("read degraded to empty", "table", table, "error", err)
		return nil
	}
	return recs
}

func decodeAll[T any](log *slog.Logger, recs []localstore.Record) []T {
	out := make([]T, 0, len(recs))
	for _, rec := range recs {
		var v T
		if err := json.Unmarshal(rec.Payload, &v); err != nil {
			log.Warn("record decode failed", "table", rec.Table, "id", rec.ID, "error", err)
			continue
		}
		out = append(out, v)
	}
	return out
}

// userFilter builds the optional user predicate pushed down into the
// store query, so limits count matching rows only.
func userFilter(userID string) map[string]any {
	if userID == "" {
		return nil
	}
	return map[string]any{"user_id": userID}
}

func stampID(id *string) {
	if strings.TrimSpace(*id) == "" {
		*id = uuid.NewString()
	}
}

func stampTime(ms *int64) {
	if *ms <= 0 {
		*ms = time.Now().UnixMilli()
	}
}
