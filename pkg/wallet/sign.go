package wallet

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/keefertaylor/templewallet-extension/pkg/confirm"
	"github.com/keefertaylor/templewallet-extension/pkg/storage/sqlite"
	"github.com/keefertaylor/templewallet-extension/pkg/vault"
)

// SignResult carries a completed signature.
type SignResult struct {
	Bytes     string `json:"bytes"`
	Sig       string `json:"sig"`
	PublicKey string `json:"publicKey"`
}

// Sign produces a signature over payload (optionally watermarked) for a
// signable account. The call suspends until the outstanding confirmation
// is approved; a decline, expiry, or cancelled context yields ErrDeclined
// without touching the vault.
//
// The approval wait happens outside the action queue so that Confirm and
// unrelated reads stay serviceable while a signature is pending.
func (s *Service) Sign(ctx context.Context, accountID string, payload, watermark []byte) (SignResult, error) {
	acct, ref, err := s.signableRef(ctx, accountID)
	if err != nil {
		return SignResult{}, err
	}

	req := confirmPayload{
		Kind:      "sign",
		AccountID: acct.ID,
		Address:   acct.Address,
		Bytes:     hex.EncodeToString(payload),
		Watermark: hex.EncodeToString(watermark),
	}
	if err := s.awaitApproval(ctx, req); err != nil {
		return SignResult{}, err
	}

	result, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		res, err := s.vault.Sign(ref, payload, watermark)
		if err != nil {
			return nil, err
		}
		return SignResult{Bytes: res.Bytes, Sig: res.Sig, PublicKey: res.PublicKey}, nil
	})
	if err != nil {
		return SignResult{}, err
	}
	return result.(SignResult), nil
}

// SubmitOperations signs and records an operation batch for an account
// against the network behind rpc. The operation hash is returned and a
// pending record is appended through the pending-ops write queue.
func (s *Service) SubmitOperations(ctx context.Context, accountID, rpc string, opParams json.RawMessage) (string, error) {
	acct, ref, err := s.signableRef(ctx, accountID)
	if err != nil {
		return "", err
	}
	netID := s.resolveNetID(rpc)

	req := confirmPayload{
		Kind:      "operations",
		AccountID: acct.ID,
		Address:   acct.Address,
		NetworkID: netID,
		OpParams:  opParams,
	}
	if err := s.awaitApproval(ctx, req); err != nil {
		return "", err
	}

	result, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		forged := sha256.Sum256(opParams)
		res, err := s.vault.Sign(ref, forged[:], nil)
		if err != nil {
			return nil, err
		}
		sum := sha256.Sum256([]byte(res.Sig))
		return "op" + hex.EncodeToString(sum[:]), nil
	})
	if err != nil {
		return "", err
	}
	opHash := result.(string)

	var fields map[string]any
	if err := json.Unmarshal(opParams, &fields); err != nil {
		fields = map[string]any{"raw": string(opParams)}
	}
	op := sqlite.PendingOp{
		Hash:    opHash,
		AddedAt: time.Now().UnixMilli(),
		Fields:  fields,
	}
	_, err = s.pndWrites.Submit(ctx, func(ctx context.Context) (any, error) {
		key := sqlite.PendingOpsKey(netID, acct.ID)
		return nil, s.store.AppendPendingOps(ctx, key, []sqlite.PendingOp{op})
	})
	if err != nil {
		return "", fmt.Errorf("record pending operation: %w", err)
	}
	return opHash, nil
}

// confirmPayload is the document shown to the approving context.
type confirmPayload struct {
	Kind      string          `json:"kind"`
	AccountID string          `json:"accountId"`
	Address   string          `json:"address"`
	Bytes     string          `json:"bytes,omitempty"`
	Watermark string          `json:"watermark,omitempty"`
	NetworkID string          `json:"networkId,omitempty"`
	OpParams  json.RawMessage `json:"opParams,omitempty"`
}

// awaitApproval registers a confirmation and blocks until it resolves.
// Only a confirmed outcome returns nil.
func (s *Service) awaitApproval(ctx context.Context, req confirmPayload) error {
	if s.confirms == nil {
		return nil
	}
	raw, err := json.Marshal(req)
	if err != nil {
		return err
	}
	pending, err := s.confirms.Begin(raw)
	if err != nil {
		return err
	}
	outcome, err := pending.Await(ctx)
	if err != nil {
		return err
	}
	if outcome != confirm.Confirmed {
		return ErrDeclined
	}
	return nil
}

// signableRef resolves an account and its vault key reference, checking
// readiness first.
func (s *Service) signableRef(ctx context.Context, accountID string) (Account, vault.Ref, error) {
	result, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		acct, err := s.account(accountID)
		if err != nil {
			return nil, err
		}
		if !acct.Signable() {
			return nil, ErrNoSecret
		}
		return acct, nil
	})
	if err != nil {
		return Account{}, vault.Ref{}, err
	}
	acct := result.(Account)
	ref, err := keyRef(acct)
	if err != nil {
		return Account{}, vault.Ref{}, err
	}
	return acct, ref, nil
}

// resolveNetID maps an RPC base URL onto a known network id, falling
// back to the raw URL for custom endpoints.
func (s *Service) resolveNetID(rpc string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, net := range s.state.Networks {
		if net.RPCBaseURL == rpc || net.ID == rpc {
			return net.ID
		}
	}
	return rpc
}
