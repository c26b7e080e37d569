// Package admin keeps the administrator's flat record lists (pending
// approvals, companies, subscriptions). Each list is one JSON blob in a
// small sqlite key-value table and shares nothing with the project data.
package admin

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"
)

const (
	keyPendingApprovals = "pendingApprovals"
	keyRecentCompanies  = "recentCompanies"
	keySubscriptions    = "subscriptions"
)

// KV is a string -> JSON blob table.
type KV struct {
	db *sqlx.DB
}

// OpenKV opens (creating if needed) admin.db inside dataDir.
func OpenKV(dataDir string) (*KV, error) {
	if err := os.MkdirAll(dataDir, 0o700); err != nil {
		return nil, fmt.Errorf("admin: create data dir: %w", err)
	}
	db, err := sqlx.Open("sqlite", filepath.Join(dataDir, "admin.db"))
	if err != nil {
		return nil, fmt.Errorf("admin: open database: %w", err)
	}
	// one writer; list updates are load-modify-save
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		`CREATE TABLE IF NOT EXISTS kv (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("admin: init %q: %w", stmt, err)
		}
	}
	return &KV{db: db}, nil
}

func (kv *KV) Close() error { return kv.db.Close() }

// Load decodes the blob under key into out. It reports false when the key
// has never been saved.
func (kv *KV) Load(ctx context.Context, key string, out any) (bool, error) {
	var raw string
	err := kv.db.GetContext(ctx, &raw, `SELECT value FROM kv WHERE key = ?`, key)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("admin: load %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return false, fmt.Errorf("admin: decode %s: %w", key, err)
	}
	return true, nil
}

// Save replaces the blob under key.
func (kv *KV) Save(ctx context.Context, key string, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("admin: encode %s: %w", key, err)
	}
	_, err = kv.db.ExecContext(ctx,
		`INSERT INTO kv (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, string(raw))
	if err != nil {
		return fmt.Errorf("admin: save %s: %w", key, err)
	}
	return nil
}

// loadList returns the list under key, or defaults when it was never saved.
func loadList[T any](ctx context.Context, kv *KV, key string, defaults []T) ([]T, error) {
	var list []T
	ok, err := kv.Load(ctx, key, &list)
	if err != nil {
		return nil, err
	}
	if !ok {
		return append([]T(nil), defaults...), nil
	}
	return list, nil
}
