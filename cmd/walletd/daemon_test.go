package main

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/keefertaylor/templewallet-extension/pkg/confirm"
	"github.com/keefertaylor/templewallet-extension/pkg/ipc"
	"github.com/keefertaylor/templewallet-extension/pkg/storage/sqlite"
	"github.com/keefertaylor/templewallet-extension/pkg/vault"
	"github.com/keefertaylor/templewallet-extension/pkg/wallet"
)

func startTestDaemon(t *testing.T) string {
	t.Helper()
	ctx := context.Background()
	dir := t.TempDir()

	store, err := sqlite.Open(filepath.Join(dir, "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.Init(ctx))

	srv := ipc.NewServer(nil)
	notes := &notifier{srv: srv}
	confirms := confirm.New(time.Minute, notes)

	svc, err := wallet.New(ctx, wallet.Options{
		Vault:       vault.New(filepath.Join(dir, "vault.json")),
		Store:       store,
		Confirms:    confirms,
		Broadcaster: notes,
	})
	require.NoError(t, err)
	t.Cleanup(svc.Close)

	d := &daemon{svc: svc, confirms: confirms, profileDir: dir}
	d.registerHandlers(srv)

	socketPath := filepath.Join(dir, "walletd.sock")
	require.NoError(t, srv.Start(ctx, socketPath))
	t.Cleanup(func() { srv.Stop() })
	return socketPath
}

func TestUnlockOverTheWire(t *testing.T) {
	ctx := context.Background()
	socketPath := startTestDaemon(t)

	client, err := ipc.Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Call(ctx, "NewWallet", map[string]string{"password": "good"})
	require.NoError(t, err)
	_, err = client.Call(ctx, "Lock", nil)
	require.NoError(t, err)

	_, err = client.Call(ctx, "Unlock", map[string]string{"password": "bad"})
	var rpcErr *ipc.Error
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, ipc.CodeOperation, rpcErr.Code)
	require.Equal(t, "invalid password", rpcErr.Message)

	_, err = client.Call(ctx, "Unlock", map[string]string{"password": "good"})
	require.NoError(t, err)

	// The unlock's state broadcast reaches the channel.
	deadline := time.After(time.Second)
	for {
		select {
		case note := <-client.Notifications():
			if note.Type == ipc.NoteStateUpdated {
				return
			}
		case <-deadline:
			t.Fatal("no StateUpdated notification observed")
		}
	}
}

func TestSignConfirmationOverTheWire(t *testing.T) {
	ctx := context.Background()
	socketPath := startTestDaemon(t)

	signerConn, err := ipc.Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { signerConn.Close() })
	approverConn, err := ipc.Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { approverConn.Close() })

	_, err = signerConn.Call(ctx, "NewWallet", map[string]string{"password": "pw"})
	require.NoError(t, err)
	raw, err := signerConn.Call(ctx, "GetState", nil)
	require.NoError(t, err)
	var state struct {
		Accounts []struct {
			ID string `json:"id"`
		} `json:"accounts"`
	}
	require.NoError(t, json.Unmarshal(raw, &state))
	require.Len(t, state.Accounts, 1)

	signDone := make(chan error, 1)
	go func() {
		_, err := signerConn.Call(ctx, "Sign", map[string]string{
			"accountId": state.Accounts[0].ID,
			"bytes":     "deadbeef",
		})
		signDone <- err
	}()

	// A different channel observes the confirmation request and approves
	// it after re-fetching the payload.
	var confirmationID string
	deadline := time.After(2 * time.Second)
	for confirmationID == "" {
		select {
		case note := <-approverConn.Notifications():
			if note.Type == ipc.NoteConfirmationRequested {
				confirmationID = note.ID
			}
		case <-deadline:
			t.Fatal("confirmation was never requested")
		}
	}

	raw, err = approverConn.Call(ctx, "GetConfirmationPayload", map[string]string{"id": confirmationID})
	require.NoError(t, err)
	var payloadResp struct {
		Payload struct {
			Kind string `json:"kind"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(raw, &payloadResp))
	require.Equal(t, "sign", payloadResp.Payload.Kind)

	_, err = approverConn.Call(ctx, "Confirm", map[string]any{"id": confirmationID, "decision": true})
	require.NoError(t, err)

	select {
	case err := <-signDone:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("approved sign never completed")
	}
}

func TestUnknownMethodOverTheWire(t *testing.T) {
	ctx := context.Background()
	socketPath := startTestDaemon(t)

	client, err := ipc.Dial(socketPath)
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })

	_, err = client.Call(ctx, "NoSuchOp", nil)
	var rpcErr *ipc.Error
	require.True(t, errors.As(err, &rpcErr))
	require.Equal(t, ipc.CodeProtocol, rpcErr.Code)
}
