package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/keefertaylor/templewallet-extension/pkg/ipc"
)

func (d *daemon) registerHandlers(srv *ipc.Server) {
	srv.Register("Ping", d.handlePing)
	srv.Register("GetState", d.handleGetState)
	srv.Register("NewWallet", d.handleNewWallet)
	srv.Register("Unlock", d.handleUnlock)
	srv.Register("Lock", d.handleLock)
	srv.Register("CreateAccount", d.handleCreateAccount)
	srv.Register("RevealPrivateKey", d.handleRevealPrivateKey)
	srv.Register("RevealMnemonic", d.handleRevealMnemonic)
	srv.Register("RevealPublicKey", d.handleRevealPublicKey)
	srv.Register("EditAccount", d.handleEditAccount)
	srv.Register("ImportAccount", d.handleImportAccount)
	srv.Register("ImportMnemonicAccount", d.handleImportMnemonicAccount)
	srv.Register("ImportFundraiserAccount", d.handleImportFundraiserAccount)
	srv.Register("ImportManagedAccount", d.handleImportManagedAccount)
	srv.Register("ImportWatchOnlyAccount", d.handleImportWatchOnlyAccount)
	srv.Register("CreateLedgerAccount", d.handleCreateLedgerAccount)
	srv.Register("UpdateSettings", d.handleUpdateSettings)
	srv.Register("GetPendingOps", d.handleGetPendingOps)
	srv.Register("RemovePendingOps", d.handleRemovePendingOps)
	srv.Register("Confirm", d.handleConfirm)
	srv.Register("GetConfirmationPayload", d.handleGetConfirmationPayload)
	srv.Register("Sign", d.handleSign)
	srv.Register("SubmitOperations", d.handleSubmitOperations)
	srv.Register("GetDAppSessions", d.handleGetDAppSessions)
	srv.Register("RemoveDAppSession", d.handleRemoveDAppSession)
}

// opErr wraps a domain failure as an operation-level error envelope.
// Error messages here are part of the protocol surface; they must stay
// free of secret material.
func opErr(err error) *ipc.Error {
	return ipc.Errorf(ipc.CodeOperation, err.Error())
}

func badParams(msg string) *ipc.Error {
	return ipc.Errorf(ipc.CodeProtocol, msg)
}

func decodeParams(params json.RawMessage, dst any) *ipc.Error {
	if len(params) == 0 {
		return badParams("params required")
	}
	if err := json.Unmarshal(params, dst); err != nil {
		return badParams("invalid params")
	}
	return nil
}

func (d *daemon) handlePing(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return map[string]any{"now": time.Now().UnixMilli()}, nil
}

func (d *daemon) handleGetState(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	return d.svc.GetState(), nil
}

func (d *daemon) handleNewWallet(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Password string `json:"password"`
		Mnemonic string `json:"mnemonic"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if req.Password == "" {
		return nil, badParams("password required")
	}
	if err := d.svc.NewWallet(ctx, req.Password, req.Mnemonic); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleUnlock(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Password string `json:"password"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.Unlock(ctx, req.Password); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleLock(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	if err := d.svc.Lock(ctx); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleCreateAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Name string `json:"name"`
	}
	if len(params) > 0 {
		if err := json.Unmarshal(params, &req); err != nil {
			return nil, badParams("invalid params")
		}
	}
	if err := d.svc.CreateAccount(ctx, req.Name); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleRevealPrivateKey(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		AccountID string `json:"accountId"`
		Password  string `json:"password"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	key, err := d.svc.RevealPrivateKey(ctx, req.AccountID, req.Password)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"privateKey": key}, nil
}

func (d *daemon) handleRevealMnemonic(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Password string `json:"password"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	mnemonic, err := d.svc.RevealMnemonic(ctx, req.Password)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"mnemonic": mnemonic}, nil
}

func (d *daemon) handleRevealPublicKey(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		AccountID string `json:"accountId"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	pub, err := d.svc.RevealPublicKey(ctx, req.AccountID)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"publicKey": pub}, nil
}

func (d *daemon) handleEditAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		AccountID string `json:"accountId"`
		Name      string `json:"name"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.EditAccount(ctx, req.AccountID, req.Name); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleImportAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		PrivateKey  string `json:"privateKey"`
		EncPassword string `json:"encPassword"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if req.PrivateKey == "" {
		return nil, badParams("privateKey required")
	}
	if err := d.svc.ImportAccount(ctx, req.PrivateKey, req.EncPassword); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleImportMnemonicAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Mnemonic       string `json:"mnemonic"`
		Password       string `json:"password"`
		DerivationPath string `json:"derivationPath"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.ImportMnemonicAccount(ctx, req.Mnemonic, req.Password, req.DerivationPath); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleImportFundraiserAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
		Mnemonic string `json:"mnemonic"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.ImportFundraiserAccount(ctx, req.Email, req.Password, req.Mnemonic); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleImportManagedAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Address string `json:"address"`
		ChainID string `json:"chainId"`
		Owner   string `json:"owner"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.ImportManagedAccount(ctx, req.Address, req.ChainID, req.Owner); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleImportWatchOnlyAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Address string `json:"address"`
		ChainID string `json:"chainId"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.ImportWatchOnlyAccount(ctx, req.Address, req.ChainID); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleCreateLedgerAccount(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Name           string `json:"name"`
		DerivationPath string `json:"derivationPath"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.CreateLedgerAccount(ctx, req.Name, req.DerivationPath); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleUpdateSettings(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Settings map[string]any `json:"settings"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.UpdateSettings(ctx, req.Settings); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleGetPendingOps(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		AccountID string `json:"accountId"`
		NetID     string `json:"netId"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	ops, err := d.svc.GetPendingOps(ctx, req.AccountID, req.NetID)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"pndOps": ops}, nil
}

func (d *daemon) handleRemovePendingOps(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		AccountID string   `json:"accountId"`
		NetID     string   `json:"netId"`
		OpHashes  []string `json:"opHashes"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.RemovePendingOps(ctx, req.AccountID, req.NetID, req.OpHashes); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleConfirm(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		ID       string `json:"id"`
		Decision bool   `json:"decision"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if err := d.svc.Confirm(req.ID, req.Decision); err != nil {
		return nil, opErr(err)
	}
	return okResult(), nil
}

func (d *daemon) handleGetConfirmationPayload(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		ID string `json:"id"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	payload, err := d.svc.ConfirmationPayload(req.ID)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"payload": payload}, nil
}

func (d *daemon) handleSign(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		AccountID    string `json:"accountId"`
		BytesHex     string `json:"bytes"`
		WatermarkHex string `json:"watermark"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	payload, err := hex.DecodeString(req.BytesHex)
	if err != nil {
		return nil, badParams("bytes must be hex")
	}
	var watermark []byte
	if req.WatermarkHex != "" {
		watermark, err = hex.DecodeString(req.WatermarkHex)
		if err != nil {
			return nil, badParams("watermark must be hex")
		}
	}
	result, err := d.svc.Sign(ctx, req.AccountID, payload, watermark)
	if err != nil {
		return nil, opErr(err)
	}
	return result, nil
}

func (d *daemon) handleSubmitOperations(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		AccountID  string          `json:"accountId"`
		NetworkRPC string          `json:"networkRpc"`
		OpParams   json.RawMessage `json:"opParams"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	if len(req.OpParams) == 0 {
		return nil, badParams("opParams required")
	}
	opHash, err := d.svc.SubmitOperations(ctx, req.AccountID, req.NetworkRPC, req.OpParams)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"opHash": opHash}, nil
}

func (d *daemon) handleGetDAppSessions(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	sessions, err := d.svc.GetDAppSessions(ctx)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"sessions": sessions}, nil
}

func (d *daemon) handleRemoveDAppSession(ctx context.Context, params json.RawMessage) (any, *ipc.Error) {
	var req struct {
		Origin string `json:"origin"`
	}
	if rpcErr := decodeParams(params, &req); rpcErr != nil {
		return nil, rpcErr
	}
	sessions, err := d.svc.RemoveDAppSession(ctx, req.Origin)
	if err != nil {
		return nil, opErr(err)
	}
	return map[string]any{"sessions": sessions}, nil
}

func okResult() map[string]any {
	return map[string]any{"ok": true}
}
