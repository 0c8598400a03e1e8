package wallet

import (
	"context"
	"encoding/json"
	"errors"
)

// ErrSecretUnavailable is returned by Signer.SecretKey unconditionally:
// secret material never crosses the signer boundary.
var ErrSecretUnavailable = errors.New("secret key is not exportable")

// Signer is a per-account signing facade for embedding contexts (DApp
// bridges, CLI helpers). Every call funnels into the service, so the
// confirmation gate and queue discipline apply identically no matter who
// asks.
type Signer struct {
	svc       *Service
	accountID string
}

// NewSigner binds a signer to one account. The account does not need to
// exist yet; resolution happens per call so renames and removals are
// always observed.
func NewSigner(svc *Service, accountID string) *Signer {
	return &Signer{svc: svc, accountID: accountID}
}

// Identity returns the account's address.
func (sg *Signer) Identity() (string, error) {
	acct, err := sg.svc.account(sg.accountID)
	if err != nil {
		return "", err
	}
	return acct.Address, nil
}

// PublicKey returns the account's hex public key.
func (sg *Signer) PublicKey(ctx context.Context) (string, error) {
	return sg.svc.RevealPublicKey(ctx, sg.accountID)
}

// Sign requests a signature over payload. Blocks on user approval.
func (sg *Signer) Sign(ctx context.Context, payload, watermark []byte) (SignResult, error) {
	return sg.svc.Sign(ctx, sg.accountID, payload, watermark)
}

// SubmitOperations signs and records an operation batch. Blocks on user
// approval and returns the operation hash.
func (sg *Signer) SubmitOperations(ctx context.Context, rpc string, opParams json.RawMessage) (string, error) {
	return sg.svc.SubmitOperations(ctx, sg.accountID, rpc, opParams)
}

// SecretKey always fails.
func (sg *Signer) SecretKey() (string, error) {
	return "", ErrSecretUnavailable
}
