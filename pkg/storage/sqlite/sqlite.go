// Package sqlite persists the wallet's durable non-secret state: account
// records, settings, pending operation slots and DApp sessions.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Store owns the SQLite database for a profile.
type Store struct {
	db   *sql.DB
	path string
}

// Path returns the underlying SQLite file path.
func (s *Store) Path() string {
	return s.path
}

// Open initializes a SQLite database at path.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	return &Store{db: db, path: path}, nil
}

// Close releases database resources.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Init ensures pragmas and schema are configured.
func (s *Store) Init(ctx context.Context) error {
	if s == nil || s.db == nil {
		return errors.New("nil store")
	}
	pragmas := []string{
		"PRAGMA foreign_keys = ON;",
		"PRAGMA journal_mode = DELETE;",
		"PRAGMA synchronous = FULL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}
	return s.applySchema(ctx)
}

func (s *Store) applySchema(ctx context.Context) error {
	ddl := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`INSERT OR IGNORE INTO meta(key,value) VALUES ('schemaVersion','1');`,
		`CREATE TABLE IF NOT EXISTS accounts (
			id TEXT PRIMARY KEY,
			type TEXT NOT NULL,
			name TEXT NOT NULL,
			address TEXT NOT NULL,
			public_key TEXT,
			derivation_path TEXT,
			hd_index INTEGER NOT NULL DEFAULT 0,
			chain_id TEXT,
			owner TEXT,
			created_at INTEGER NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_accounts_address ON accounts(address);`,
		`CREATE TABLE IF NOT EXISTS pending_ops (
			slot_key TEXT PRIMARY KEY,
			ops TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS dapp_sessions (
			origin TEXT PRIMARY KEY,
			session TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range ddl {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	return nil
}

// AccountRecord is the durable form of a wallet account. No secret
// material is ever stored here.
type AccountRecord struct {
	ID             string `json:"id"`
	Type           string `json:"type"`
	Name           string `json:"name"`
	Address        string `json:"address"`
	PublicKey      string `json:"publicKey,omitempty"`
	DerivationPath string `json:"derivationPath,omitempty"`
	HDIndex        int    `json:"hdIndex"`
	ChainID        string `json:"chainId,omitempty"`
	Owner          string `json:"owner,omitempty"`
	CreatedAt      int64  `json:"createdAt"`
}

// SaveAccount inserts or replaces one account record.
func (s *Store) SaveAccount(ctx context.Context, rec AccountRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO accounts(id, type, name, address, public_key, derivation_path, hd_index, chain_id, owner, created_at)
		VALUES(?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Type, rec.Name, rec.Address, rec.PublicKey, rec.DerivationPath, rec.HDIndex, rec.ChainID, rec.Owner, rec.CreatedAt)
	return err
}

// RenameAccount updates an account's display name.
func (s *Store) RenameAccount(ctx context.Context, id, name string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE accounts SET name = ? WHERE id = ?`, name, id)
	return wrapRowsAffected(res, err)
}

// ListAccounts returns all accounts in creation order.
func (s *Store) ListAccounts(ctx context.Context) ([]AccountRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, type, name, address, public_key, derivation_path, hd_index, chain_id, owner, created_at
		FROM accounts ORDER BY created_at, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []AccountRecord
	for rows.Next() {
		var (
			rec                   AccountRecord
			publicKey, derivation sql.NullString
			chainID, owner        sql.NullString
		)
		if err := rows.Scan(&rec.ID, &rec.Type, &rec.Name, &rec.Address, &publicKey, &derivation, &rec.HDIndex, &chainID, &owner, &rec.CreatedAt); err != nil {
			return nil, err
		}
		rec.PublicKey = publicKey.String
		rec.DerivationPath = derivation.String
		rec.ChainID = chainID.String
		rec.Owner = owner.String
		records = append(records, rec)
	}
	return records, rows.Err()
}

// SaveSettings persists the settings document as JSON under a meta key.
func (s *Store) SaveSettings(ctx context.Context, settings map[string]any) error {
	data, err := json.Marshal(settings)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta(key,value) VALUES('settings',?)`, string(data))
	return err
}

// LoadSettings returns the persisted settings document, empty when unset.
func (s *Store) LoadSettings(ctx context.Context) (map[string]any, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'settings'`).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, err
	}
	settings := make(map[string]any)
	if err := json.Unmarshal([]byte(raw), &settings); err != nil {
		return nil, fmt.Errorf("parse settings: %w", err)
	}
	return settings, nil
}

// PendingOp is one persisted pending-operation record: the operation
// result fields plus its hash and insertion time.
type PendingOp struct {
	Hash    string
	AddedAt int64
	Fields  map[string]any
}

// MarshalJSON flattens Fields alongside hash and addedAt.
func (op PendingOp) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(op.Fields)+2)
	for k, v := range op.Fields {
		flat[k] = v
	}
	flat["hash"] = op.Hash
	flat["addedAt"] = op.AddedAt
	return json.Marshal(flat)
}

// UnmarshalJSON splits hash and addedAt back out of the flattened record.
func (op *PendingOp) UnmarshalJSON(data []byte) error {
	flat := make(map[string]any)
	if err := json.Unmarshal(data, &flat); err != nil {
		return err
	}
	if hash, ok := flat["hash"].(string); ok {
		op.Hash = hash
	}
	if added, ok := flat["addedAt"].(float64); ok {
		op.AddedAt = int64(added)
	}
	delete(flat, "hash")
	delete(flat, "addedAt")
	op.Fields = flat
	return nil
}

// PendingOpsKey builds the slot key for a network/account pair.
func PendingOpsKey(netID, accountID string) string {
	return "pndops_" + netID + "_" + accountID
}

// ListPendingOps returns the slot's records, newest first.
func (s *Store) ListPendingOps(ctx context.Context, key string) ([]PendingOp, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT ops FROM pending_ops WHERE slot_key = ?`, key).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return []PendingOp{}, nil
	}
	if err != nil {
		return nil, err
	}
	var ops []PendingOp
	if err := json.Unmarshal([]byte(raw), &ops); err != nil {
		return nil, fmt.Errorf("parse pending ops slot %s: %w", key, err)
	}
	return ops, nil
}

// AppendPendingOps prepends records to the slot, newest first. Callers
// must serialize writes per slot through the pending-ops write queue;
// the read-modify-write here is not atomic across concurrent writers.
func (s *Store) AppendPendingOps(ctx context.Context, key string, ops []PendingOp) error {
	existing, err := s.ListPendingOps(ctx, key)
	if err != nil {
		return err
	}
	merged := make([]PendingOp, 0, len(existing)+len(ops))
	merged = append(merged, ops...)
	merged = append(merged, existing...)
	return s.savePendingOps(ctx, key, merged)
}

// RemovePendingOps drops records whose hash is in hashes.
func (s *Store) RemovePendingOps(ctx context.Context, key string, hashes []string) error {
	existing, err := s.ListPendingOps(ctx, key)
	if err != nil {
		return err
	}
	drop := make(map[string]struct{}, len(hashes))
	for _, h := range hashes {
		drop[h] = struct{}{}
	}
	kept := make([]PendingOp, 0, len(existing))
	for _, op := range existing {
		if _, gone := drop[op.Hash]; !gone {
			kept = append(kept, op)
		}
	}
	return s.savePendingOps(ctx, key, kept)
}

func (s *Store) savePendingOps(ctx context.Context, key string, ops []PendingOp) error {
	data, err := json.Marshal(ops)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO pending_ops(slot_key, ops) VALUES(?,?)`, key, string(data))
	return err
}

// DAppSession is one connected DApp origin.
type DAppSession struct {
	Origin      string `json:"origin"`
	AppName     string `json:"appName,omitempty"`
	NetworkID   string `json:"networkId,omitempty"`
	AccountID   string `json:"accountId,omitempty"`
	ConnectedAt int64  `json:"connectedAt"`
}

// UpsertDAppSession stores or refreshes a session by origin.
func (s *Store) UpsertDAppSession(ctx context.Context, sess DAppSession) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT OR REPLACE INTO dapp_sessions(origin, session, created_at) VALUES(?,?,?)`,
		sess.Origin, string(data), sess.ConnectedAt)
	return err
}

// ListDAppSessions returns all sessions ordered by connection time.
func (s *Store) ListDAppSessions(ctx context.Context) ([]DAppSession, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT session FROM dapp_sessions ORDER BY created_at, origin`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sessions := []DAppSession{}
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, err
		}
		var sess DAppSession
		if err := json.Unmarshal([]byte(raw), &sess); err != nil {
			return nil, fmt.Errorf("parse dapp session: %w", err)
		}
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// RemoveDAppSession deletes the session for origin; removing an unknown
// origin is a no-op.
func (s *Store) RemoveDAppSession(ctx context.Context, origin string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM dapp_sessions WHERE origin = ?`, origin)
	return err
}

func wrapRowsAffected(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	count, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if count == 0 {
		return errors.New("no rows affected")
	}
	return nil
}
