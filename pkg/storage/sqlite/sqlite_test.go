package sqlite

import (
	"context"
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "state.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.Init(ctx); err != nil {
		t.Fatalf("init: %v", err)
	}
	return store
}

func TestAccountsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	recs := []AccountRecord{
		{ID: "a1", Type: "hd", Name: "Account 1", Address: "tz1aaa", HDIndex: 0, CreatedAt: 1},
		{ID: "a2", Type: "imported", Name: "Imported 1", Address: "tz1bbb", CreatedAt: 2},
	}
	for _, rec := range recs {
		if err := store.SaveAccount(ctx, rec); err != nil {
			t.Fatalf("save %s: %v", rec.ID, err)
		}
	}
	if err := store.RenameAccount(ctx, "a2", "Cold storage"); err != nil {
		t.Fatalf("rename: %v", err)
	}

	got, err := store.ListAccounts(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(got))
	}
	// Insertion order is preserved by created_at.
	if got[0].ID != "a1" || got[1].ID != "a2" {
		t.Fatalf("unexpected order: %s, %s", got[0].ID, got[1].ID)
	}
	if got[1].Name != "Cold storage" {
		t.Fatalf("rename not persisted: %q", got[1].Name)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	empty, err := store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load empty: %v", err)
	}
	if len(empty) != 0 {
		t.Fatalf("expected empty settings, got %v", empty)
	}

	want := map[string]any{"theme": "dark", "contactsCount": float64(3)}
	if err := store.SaveSettings(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.LoadSettings(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if got["theme"] != "dark" || got["contactsCount"] != float64(3) {
		t.Fatalf("settings mismatch: %v", got)
	}
}

func TestPendingOpsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	key := PendingOpsKey("mainnet", "a1")

	o1 := PendingOp{Hash: "opaaa", AddedAt: 100, Fields: map[string]any{"kind": "transaction"}}
	o2 := PendingOp{Hash: "opbbb", AddedAt: 200, Fields: map[string]any{"kind": "delegation"}}
	if err := store.AppendPendingOps(ctx, key, []PendingOp{o1}); err != nil {
		t.Fatalf("append o1: %v", err)
	}
	if err := store.AppendPendingOps(ctx, key, []PendingOp{o2}); err != nil {
		t.Fatalf("append o2: %v", err)
	}

	ops, err := store.ListPendingOps(ctx, key)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(ops) != 2 || ops[0].Hash != "opbbb" || ops[1].Hash != "opaaa" {
		t.Fatalf("expected newest first [opbbb opaaa], got %v", ops)
	}
	if ops[0].Fields["kind"] != "delegation" {
		t.Fatalf("fields lost in round trip: %v", ops[0].Fields)
	}

	if err := store.RemovePendingOps(ctx, key, []string{"opaaa"}); err != nil {
		t.Fatalf("remove: %v", err)
	}
	ops, err = store.ListPendingOps(ctx, key)
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(ops) != 1 || ops[0].Hash != "opbbb" {
		t.Fatalf("expected [opbbb], got %v", ops)
	}

	// Slots are independent per network/account pair.
	other, err := store.ListPendingOps(ctx, PendingOpsKey("ghostnet", "a1"))
	if err != nil {
		t.Fatalf("list other slot: %v", err)
	}
	if len(other) != 0 {
		t.Fatalf("slot leak: %v", other)
	}
}

func TestDAppSessions(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	sessions := []DAppSession{
		{Origin: "https://dapp.example", AppName: "Example", NetworkID: "mainnet", AccountID: "a1", ConnectedAt: 10},
		{Origin: "https://other.example", AppName: "Other", NetworkID: "ghostnet", AccountID: "a2", ConnectedAt: 20},
	}
	for _, sess := range sessions {
		if err := store.UpsertDAppSession(ctx, sess); err != nil {
			t.Fatalf("upsert %s: %v", sess.Origin, err)
		}
	}

	// Re-connecting an origin replaces its session.
	update := sessions[0]
	update.AccountID = "a2"
	if err := store.UpsertDAppSession(ctx, update); err != nil {
		t.Fatalf("upsert update: %v", err)
	}
	got, err := store.ListDAppSessions(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 sessions, got %d", len(got))
	}

	if err := store.RemoveDAppSession(ctx, "https://dapp.example"); err != nil {
		t.Fatalf("remove: %v", err)
	}
	got, err = store.ListDAppSessions(ctx)
	if err != nil {
		t.Fatalf("list after remove: %v", err)
	}
	if len(got) != 1 || got[0].Origin != "https://other.example" {
		t.Fatalf("unexpected sessions after remove: %v", got)
	}
}
