package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/keefertaylor/templewallet-extension/pkg/wallet"
)

// record writes snapshot.json and commits it. The snapshot holds only
// public state; the vault file is never added to history.
func (sn *snapshotter) record(state wallet.State) error {
	path := filepath.Join(sn.dir, "snapshot.json")
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(file)
	enc.SetIndent("", "  ")
	if err := enc.Encode(state); err != nil {
		file.Close()
		return err
	}
	if err := file.Close(); err != nil {
		return err
	}
	message := fmt.Sprintf("state: %s, %d accounts", state.Status, len(state.Accounts))
	_, err = sn.repo.Commit(context.Background(), message, []string{"snapshot.json"})
	return err
}
