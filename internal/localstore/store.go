// Package localstore is the durable local write log: a single SQLite
// database holding every client-side table as rows of one generic
// record shape (opaque payload + sync bookkeeping).
//
// Notes:
//   - WAL is enabled so reads stay cheap while the sync loop writes.
//   - The store performs no retries; any storage fault surfaces as a
//     *StorageError and the caller decides whether to degrade.
package localstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// Table names. The store itself is table-agnostic; these are the
// tables the rest of the core reads and writes.
const (
	TableMessages       = "messages"
	TableConversations  = "conversations"
	TableToolResults    = "tool_results"
	TableNotifications  = "notifications"
	TableAuditLogs      = "audit_logs"
	TableSettings       = "settings"
	TableKnowledgeCache = "knowledge_cache"
	TableUserProfile    = "user_profile"
)

// Tables lists every known table.
func Tables() []string {
	return []string{
		TableMessages,
		TableConversations,
		TableToolResults,
		TableNotifications,
		TableAuditLogs,
		TableSettings,
		TableKnowledgeCache,
		TableUserProfile,
	}
}

// SyncTables lists the tables the sync loop pushes, in push order.
// Conversations go before messages so a message never references a
// conversation the server has not seen yet.
func SyncTables() []string {
	return []string{
		TableConversations,
		TableMessages,
		TableToolResults,
		TableNotifications,
		TableAuditLogs,
	}
}

// ErrNotFound reports an update against a missing record.
var ErrNotFound = errors.New("record not found")

// StorageError wraps a local persistence fault.
type StorageError struct {
	Op    string
	Table string
	Err   error
}

func (e *StorageError) Error() string {
	if e == nil {
		return "storage error"
	}
	if strings.TrimSpace(e.Table) == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Table, e.Err)
}

func (e *StorageError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

func storageErr(op string, table string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Table: table, Err: err}
}

// Record is the generic shape underlying every table.
//
// A record is created with Synced=false; Synced flips to true only
// after the sync loop receives a server acknowledgment, and once the
// (ID, ServerID) pair is set it never changes for the life of the
// record.
type Record struct {
	Table           string          `json:"table"`
	ID              string          `json:"id"`
	Payload         json.RawMessage `json:"payload"`
	Synced          bool            `json:"synced"`
	ServerID        string          `json:"server_id,omitempty"`
	CreatedAtUnixMs int64           `json:"created_at_unix_ms"`
	// ExpiresAtUnixMs is only set for knowledge-cache entries; 0 means
	// the record never expires.
	ExpiresAtUnixMs int64 `json:"expires_at_unix_ms,omitempty"`
}

type QueryOpts struct {
	Limit int
	// Ascending orders by creation time ascending; the default is
	// newest first.
	Ascending bool
	// Filters are additional payload-field equality predicates, ANDed
	// with the primary index field. They apply before the limit.
	Filters map[string]any
}

// UpdatePatch describes a partial record update. Nil fields are left
// untouched.
type UpdatePatch struct {
	Payload         json.RawMessage
	Synced          *bool
	ServerID        *string
	ExpiresAtUnixMs *int64
}

type Store struct {
	db   *sql.DB
	path string
}

func Open(path string) (*Store, error) {
	p := filepath.Clean(strings.TrimSpace(path))
	if p == "" || p == "." {
		return nil, errors.New("missing db path")
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", p)
	if err != nil {
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	return &Store{db: db, path: p}, nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`PRAGMA journal_mode=WAL`,
		`CREATE TABLE IF NOT EXISTS records (
  tbl TEXT NOT NULL,
  id TEXT NOT NULL,
  payload TEXT NOT NULL DEFAULT '{}',
  synced INTEGER NOT NULL DEFAULT 0,
  server_id TEXT NOT NULL DEFAULT '',
  created_at_unix_ms INTEGER NOT NULL,
  expires_at_unix_ms INTEGER NOT NULL DEFAULT 0,
  PRIMARY KEY (tbl, id)
)`,
		`CREATE INDEX IF NOT EXISTS idx_records_unsynced ON records(tbl, synced, created_at_unix_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_records_created ON records(tbl, created_at_unix_ms)`,
		`CREATE INDEX IF NOT EXISTS idx_records_server_id ON records(tbl, server_id)`,
	}
	for _, q := range stmts {
		if _, err := db.Exec(q); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

func (s *Store) Path() string {
	if s == nil {
		return ""
	}
	return s.path
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) ready() error {
	if s == nil || s.db == nil {
		return errors.New("store not initialized")
	}
	return nil
}

// Put writes (or replaces) a record and returns its local id.
func (s *Store) Put(ctx context.Context, rec Record) (string, error) {
	if err := s.ready(); err != nil {
		return "", err
	}
	rec.Table = strings.TrimSpace(rec.Table)
	rec.ID = strings.TrimSpace(rec.ID)
	if rec.Table == "" || rec.ID == "" {
		return "", errors.New("missing table/id")
	}
	if len(rec.Payload) == 0 {
		rec.Payload = json.RawMessage("{}")
	}
	if rec.CreatedAtUnixMs <= 0 {
		rec.CreatedAtUnixMs = time.Now().UnixMilli()
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO records(tbl, id, payload, synced, server_id, created_at_unix_ms, expires_at_unix_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(tbl, id) DO UPDATE SET
  payload = excluded.payload,
  synced = excluded.synced,
  server_id = excluded.server_id,
  created_at_unix_ms = excluded.created_at_unix_ms,
  expires_at_unix_ms = excluded.expires_at_unix_ms
`, rec.Table, rec.ID, string(rec.Payload), boolToInt(rec.Synced), strings.TrimSpace(rec.ServerID), rec.CreatedAtUnixMs, rec.ExpiresAtUnixMs)
	if err != nil {
		return "", storageErr("put", rec.Table, err)
	}
	return rec.ID, nil
}

// Get returns the record, or (nil, nil) when absent.
func (s *Store) Get(ctx context.Context, table string, id string) (*Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	table = strings.TrimSpace(table)
	id = strings.TrimSpace(id)
	if table == "" || id == "" {
		return nil, errors.New("missing table/id")
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
SELECT tbl, id, payload, synced, server_id, created_at_unix_ms, expires_at_unix_ms
FROM records
WHERE tbl = ? AND id = ?
`, table, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get", table, err)
	}
	return rec, nil
}

// GetByServerID returns the record holding the given remote key, or
// (nil, nil) when absent.
func (s *Store) GetByServerID(ctx context.Context, table string, serverID string) (*Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	table = strings.TrimSpace(table)
	serverID = strings.TrimSpace(serverID)
	if table == "" || serverID == "" {
		return nil, errors.New("missing table/server_id")
	}

	rec, err := scanRecord(s.db.QueryRowContext(ctx, `
SELECT tbl, id, payload, synced, server_id, created_at_unix_ms, expires_at_unix_ms
FROM records
WHERE tbl = ? AND server_id = ?
LIMIT 1
`, table, serverID))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, storageErr("get_by_server_id", table, err)
	}
	return rec, nil
}

var indexFieldRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Query returns records of a table, optionally filtered by a top-level
// payload field, ordered by creation time (newest first by default).
func (s *Store) Query(ctx context.Context, table string, indexField string, value any, opts QueryOpts) ([]Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("missing table")
	}

	where := "tbl = ?"
	args := []any{table}
	indexField = strings.TrimSpace(indexField)
	if indexField != "" {
		if !indexFieldRe.MatchString(indexField) {
			return nil, fmt.Errorf("invalid index field: %q", indexField)
		}
		where += fmt.Sprintf(" AND json_extract(payload, '$.%s') = ?", indexField)
		args = append(args, bindValue(value))
	}
	// Stable predicate order so the query text is deterministic.
	filterFields := make([]string, 0, len(opts.Filters))
	for f := range opts.Filters {
		filterFields = append(filterFields, f)
	}
	sort.Strings(filterFields)
	for _, f := range filterFields {
		if !indexFieldRe.MatchString(f) {
			return nil, fmt.Errorf("invalid filter field: %q", f)
		}
		where += fmt.Sprintf(" AND json_extract(payload, '$.%s') = ?", f)
		args = append(args, bindValue(opts.Filters[f]))
	}

	order := "DESC"
	if opts.Ascending {
		order = "ASC"
	}
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	args = append(args, limit)

	q := fmt.Sprintf(`
SELECT tbl, id, payload, synced, server_id, created_at_unix_ms, expires_at_unix_ms
FROM records
WHERE %s
ORDER BY created_at_unix_ms %s, id %s
LIMIT ?
`, where, order, order)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, storageErr("query", table, err)
	}
	defer rows.Close()

	out := make([]Record, 0, limit)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("query", table, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("query", table, err)
	}
	return out, nil
}

// ListUnsynced returns a table's unsynced records in insertion order.
func (s *Store) ListUnsynced(ctx context.Context, table string) ([]Record, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return nil, errors.New("missing table")
	}

	rows, err := s.db.QueryContext(ctx, `
SELECT tbl, id, payload, synced, server_id, created_at_unix_ms, expires_at_unix_ms
FROM records
WHERE tbl = ? AND synced = 0
ORDER BY created_at_unix_ms ASC, id ASC
`, table)
	if err != nil {
		return nil, storageErr("list_unsynced", table, err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, storageErr("list_unsynced", table, err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list_unsynced", table, err)
	}
	return out, nil
}

// Update applies a partial update to an existing record.
func (s *Store) Update(ctx context.Context, table string, id string, patch UpdatePatch) error {
	if err := s.ready(); err != nil {
		return err
	}
	table = strings.TrimSpace(table)
	id = strings.TrimSpace(id)
	if table == "" || id == "" {
		return errors.New("missing table/id")
	}

	sets := make([]string, 0, 4)
	args := make([]any, 0, 6)
	if len(patch.Payload) > 0 {
		sets = append(sets, "payload = ?")
		args = append(args, string(patch.Payload))
	}
	if patch.Synced != nil {
		sets = append(sets, "synced = ?")
		args = append(args, boolToInt(*patch.Synced))
	}
	if patch.ServerID != nil {
		sets = append(sets, "server_id = ?")
		args = append(args, strings.TrimSpace(*patch.ServerID))
	}
	if patch.ExpiresAtUnixMs != nil {
		sets = append(sets, "expires_at_unix_ms = ?")
		args = append(args, *patch.ExpiresAtUnixMs)
	}
	if len(sets) == 0 {
		return nil
	}
	args = append(args, table, id)

	res, err := s.db.ExecContext(ctx,
		fmt.Sprintf("UPDATE records SET %s WHERE tbl = ? AND id = ?", strings.Join(sets, ", ")),
		args...)
	if err != nil {
		return storageErr("update", table, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return storageErr("update", table, ErrNotFound)
	}
	return nil
}

// MarkSynced stamps a record synced and persists the server-assigned
// identifier. Calling it again for the same record is a no-op, but an
// attempt to replace an already-set server id is an error.
func (s *Store) MarkSynced(ctx context.Context, table string, id string, serverID string) error {
	if err := s.ready(); err != nil {
		return err
	}
	table = strings.TrimSpace(table)
	id = strings.TrimSpace(id)
	serverID = strings.TrimSpace(serverID)
	if table == "" || id == "" {
		return errors.New("missing table/id")
	}

	rec, err := s.Get(ctx, table, id)
	if err != nil {
		return err
	}
	if rec == nil {
		return storageErr("mark_synced", table, ErrNotFound)
	}
	if rec.ServerID != "" && serverID != "" && rec.ServerID != serverID {
		return storageErr("mark_synced", table, fmt.Errorf("server id immutable: have %q, got %q", rec.ServerID, serverID))
	}
	if rec.Synced && (serverID == "" || rec.ServerID == serverID) {
		return nil
	}
	if serverID == "" {
		serverID = rec.ServerID
	}

	_, err = s.db.ExecContext(ctx, `
UPDATE records SET synced = 1, server_id = ? WHERE tbl = ? AND id = ?
`, serverID, table, id)
	return storageErr("mark_synced", table, err)
}

func (s *Store) Delete(ctx context.Context, table string, id string) error {
	if err := s.ready(); err != nil {
		return err
	}
	table = strings.TrimSpace(table)
	id = strings.TrimSpace(id)
	if table == "" || id == "" {
		return errors.New("missing table/id")
	}
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE tbl = ? AND id = ?`, table, id)
	return storageErr("delete", table, err)
}

// PruneExpired deletes a table's records whose expiry has passed.
func (s *Store) PruneExpired(ctx context.Context, table string, nowUnixMs int64) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return 0, errors.New("missing table")
	}
	res, err := s.db.ExecContext(ctx, `
DELETE FROM records WHERE tbl = ? AND expires_at_unix_ms > 0 AND expires_at_unix_ms < ?
`, table, nowUnixMs)
	if err != nil {
		return 0, storageErr("prune_expired", table, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

func (s *Store) Count(ctx context.Context, table string) (int64, error) {
	if err := s.ready(); err != nil {
		return 0, err
	}
	table = strings.TrimSpace(table)
	if table == "" {
		return 0, errors.New("missing table")
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE tbl = ?`, table).Scan(&n); err != nil {
		return 0, storageErr("count", table, err)
	}
	return n, nil
}

// Counts returns per-table record counts for every non-empty table.
func (s *Store) Counts(ctx context.Context) (map[string]int64, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `SELECT tbl, COUNT(*) FROM records GROUP BY tbl`)
	if err != nil {
		return nil, storageErr("counts", "", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var table string
		var n int64
		if err := rows.Scan(&table, &n); err != nil {
			return nil, storageErr("counts", "", err)
		}
		out[table] = n
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("counts", "", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (*Record, error) {
	var rec Record
	var payload string
	var synced int
	if err := row.Scan(&rec.Table, &rec.ID, &payload, &synced, &rec.ServerID, &rec.CreatedAtUnixMs, &rec.ExpiresAtUnixMs); err != nil {
		return nil, err
	}
	rec.Payload = json.RawMessage(payload)
	rec.Synced = synced != 0
	return &rec, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// bindValue maps Go values to how json_extract represents them
// (JSON booleans come back as 0/1 integers).
func bindValue(v any) any {
	if b, ok := v.(bool); ok {
		return boolToInt(b)
	}
	return v
}
