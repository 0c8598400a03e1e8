// Package wallet implements the privileged operation set of the wallet
// backend. Every state or vault mutation is admitted through the
// serialized action queue, and each mutation emits exactly one state
// broadcast after it commits.
package wallet

import (
	"context"
	"crypto/ed25519"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/keefertaylor/templewallet-extension/pkg/confirm"
	"github.com/keefertaylor/templewallet-extension/pkg/core"
	"github.com/keefertaylor/templewallet-extension/pkg/logging"
	"github.com/keefertaylor/templewallet-extension/pkg/queue"
	"github.com/keefertaylor/templewallet-extension/pkg/storage/sqlite"
	"github.com/keefertaylor/templewallet-extension/pkg/vault"
)

var (
	// ErrNotInitialized indicates no wallet exists yet.
	ErrNotInitialized = errors.New("wallet not initialized")
	// ErrAlreadyInitialized prevents overwriting an existing wallet.
	ErrAlreadyInitialized = errors.New("wallet already initialized")
	// ErrLocked indicates the operation needs an unlocked vault.
	ErrLocked = errors.New("wallet is locked")
	// ErrAccountNotFound indicates an unknown account id.
	ErrAccountNotFound = errors.New("account not found")
	// ErrNoSecret indicates the account has no secret key in the vault.
	ErrNoSecret = errors.New("account has no secret key")
	// ErrDeclined is the outcome of a withheld or expired approval. It is
	// a legitimate operation error, not a transport failure.
	ErrDeclined = errors.New("operation declined")
	// ErrInvalidName rejects empty or oversized account names.
	ErrInvalidName = errors.New("invalid account name")
)

// Broadcaster delivers the state-changed notification to every connected
// channel. Confirmation lifecycle notifications flow through the
// coordinator's own notifier.
type Broadcaster interface {
	StateUpdated()
}

// Options wires a Service's collaborators.
type Options struct {
	Logger      *logging.Logger
	Vault       *vault.Vault
	Store       *sqlite.Store
	Confirms    *confirm.Coordinator
	Broadcaster Broadcaster
	// OnMutate, when set, observes each committed state snapshot before
	// the broadcast goes out. The daemon uses it for snapshot/VCS
	// persistence.
	OnMutate func(State)
}

// Service owns the wallet state and the two serialization domains: the
// privileged action queue and the pending-ops write queue.
type Service struct {
	logger   *logging.Logger
	vault    *vault.Vault
	store    *sqlite.Store
	confirms *confirm.Coordinator
	bc       Broadcaster
	onMutate func(State)

	actions   *queue.Queue
	pndWrites *queue.Queue

	mu    sync.RWMutex
	state State
}

// New loads durable state and constructs the service.
func New(ctx context.Context, opts Options) (*Service, error) {
	if opts.Vault == nil || opts.Store == nil {
		return nil, errors.New("vault and store are required")
	}
	s := &Service{
		logger:    opts.Logger,
		vault:     opts.Vault,
		store:     opts.Store,
		confirms:  opts.Confirms,
		bc:        opts.Broadcaster,
		onMutate:  opts.OnMutate,
		actions:   queue.New(),
		pndWrites: queue.New(),
	}

	records, err := s.store.ListAccounts(ctx)
	if err != nil {
		return nil, fmt.Errorf("load accounts: %w", err)
	}
	settings, err := s.store.LoadSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}
	status := StatusUninitialized
	if s.vault.Exists() {
		status = StatusLocked
	}
	accounts := make([]Account, 0, len(records))
	for _, rec := range records {
		accounts = append(accounts, accountFromRecord(rec))
	}
	s.state = State{
		Status:   status,
		Accounts: accounts,
		Networks: DefaultNetworks(),
		Settings: settings,
	}
	return s, nil
}

// Close stops both queues. In-flight jobs finish first.
func (s *Service) Close() {
	s.actions.Close()
	s.pndWrites.Close()
}

// GetState returns a snapshot of the wallet state.
func (s *Service) GetState() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// NewWallet creates the vault (generating a mnemonic when none is given)
// and the first HD account, leaving the wallet ready.
func (s *Service) NewWallet(ctx context.Context, password, mnemonic string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if s.vault.Exists() {
			return nil, ErrAlreadyInitialized
		}
		if err := s.vault.Create(password, mnemonic); err != nil {
			return nil, err
		}
		acct, err := s.deriveHDAccount(0, "Account 1")
		if err != nil {
			return nil, err
		}
		if err := s.appendAccount(ctx, acct); err != nil {
			return nil, err
		}
		s.setStatus(StatusReady)
		s.afterMutation()
		return nil, nil
	})
	return err
}

// Unlock decrypts the vault with password.
func (s *Service) Unlock(ctx context.Context, password string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if !s.vault.Exists() {
			return nil, ErrNotInitialized
		}
		if err := s.vault.Unlock(password); err != nil {
			return nil, err
		}
		s.setStatus(StatusReady)
		s.afterMutation()
		return nil, nil
	})
	return err
}

// Lock discards decrypted secret material.
func (s *Service) Lock(ctx context.Context) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if !s.vault.Exists() {
			return nil, ErrNotInitialized
		}
		s.vault.Lock()
		s.setStatus(StatusLocked)
		s.afterMutation()
		return nil, nil
	})
	return err
}

// CreateAccount derives the next HD account.
func (s *Service) CreateAccount(ctx context.Context, name string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		index := s.nextHDIndex()
		if name == "" {
			name = fmt.Sprintf("Account %d", index+1)
		}
		if err := s.checkName(name); err != nil {
			return nil, err
		}
		acct, err := s.deriveHDAccount(index, name)
		if err != nil {
			return nil, err
		}
		if err := s.appendAccount(ctx, acct); err != nil {
			return nil, err
		}
		s.afterMutation()
		return nil, nil
	})
	return err
}

// EditAccount renames an account.
func (s *Service) EditAccount(ctx context.Context, accountID, name string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.checkName(name); err != nil {
			return nil, err
		}
		if _, err := s.account(accountID); err != nil {
			return nil, err
		}
		// Persist before touching in-memory state so a failed write
		// leaves state and store agreeing.
		if err := s.store.RenameAccount(ctx, accountID, name); err != nil {
			return nil, err
		}
		s.mu.Lock()
		for i := range s.state.Accounts {
			if s.state.Accounts[i].ID == accountID {
				s.state.Accounts[i].Name = name
				break
			}
		}
		s.mu.Unlock()
		s.afterMutation()
		return nil, nil
	})
	return err
}

// RevealPrivateKey returns the hex secret seed for an account after
// re-verifying the password.
func (s *Service) RevealPrivateKey(ctx context.Context, accountID, password string) (string, error) {
	result, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		acct, err := s.account(accountID)
		if err != nil {
			return nil, err
		}
		ref, err := keyRef(acct)
		if err != nil {
			return nil, err
		}
		return s.vault.RevealSeed(ref, password)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// RevealMnemonic returns the seed phrase after re-verifying the password.
func (s *Service) RevealMnemonic(ctx context.Context, password string) (string, error) {
	result, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if !s.vault.Exists() {
			return nil, ErrNotInitialized
		}
		return s.vault.Mnemonic(password)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// RevealPublicKey returns the hex public key for an account.
func (s *Service) RevealPublicKey(ctx context.Context, accountID string) (string, error) {
	result, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		acct, err := s.account(accountID)
		if err != nil {
			return nil, err
		}
		if acct.PublicKey != "" {
			return acct.PublicKey, nil
		}
		ref, err := keyRef(acct)
		if err != nil {
			return nil, err
		}
		return s.vault.PublicKey(ref)
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

// ImportAccount imports a secret key given as hex, or as a
// password-protected key blob when encPassword is set.
func (s *Service) ImportAccount(ctx context.Context, privateKey, encPassword string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		seed, err := decodeSecretKey(privateKey, encPassword)
		if err != nil {
			return nil, err
		}
		key := ed25519.NewKeyFromSeed(seed)
		return nil, s.importKeyed(ctx, AccountImported, "", key, "")
	})
	return err
}

// ImportMnemonicAccount imports an account derived from a foreign
// mnemonic with optional passphrase and derivation path.
func (s *Service) ImportMnemonicAccount(ctx context.Context, mnemonic, password, derivationPath string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		if mnemonic == "" {
			return nil, errors.New("mnemonic required")
		}
		key := vault.KeyFromMnemonic(mnemonic, password, derivationPath)
		return nil, s.importKeyed(ctx, AccountImported, "", key, derivationPath)
	})
	return err
}

// ImportFundraiserAccount imports a fundraiser (email+password+mnemonic)
// account.
func (s *Service) ImportFundraiserAccount(ctx context.Context, email, password, mnemonic string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		if email == "" || mnemonic == "" {
			return nil, errors.New("email and mnemonic required")
		}
		key := vault.KeyFromMnemonic(mnemonic, email+password, "")
		return nil, s.importKeyed(ctx, AccountFundraiser, "", key, "")
	})
	return err
}

// ImportManagedAccount registers a managed (contract) account owned by an
// existing account.
func (s *Service) ImportManagedAccount(ctx context.Context, address, chainID, owner string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		if address == "" {
			return nil, errors.New("address required")
		}
		if !s.hasAccountAddress(owner) {
			return nil, fmt.Errorf("%w: owner %s", ErrAccountNotFound, owner)
		}
		acct := Account{
			ID:        core.NewID(),
			Type:      AccountManaged,
			Name:      s.nextImportName("Managed"),
			Address:   address,
			ChainID:   chainID,
			Owner:     owner,
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := s.appendAccount(ctx, acct); err != nil {
			return nil, err
		}
		s.afterMutation()
		return nil, nil
	})
	return err
}

// ImportWatchOnlyAccount registers an address-only account.
func (s *Service) ImportWatchOnlyAccount(ctx context.Context, address, chainID string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		if address == "" {
			return nil, errors.New("address required")
		}
		acct := Account{
			ID:        core.NewID(),
			Type:      AccountWatchOnly,
			Name:      s.nextImportName("Watch-only"),
			Address:   address,
			ChainID:   chainID,
			CreatedAt: time.Now().UnixMilli(),
		}
		if err := s.appendAccount(ctx, acct); err != nil {
			return nil, err
		}
		s.afterMutation()
		return nil, nil
	})
	return err
}

// CreateLedgerAccount registers a hardware-backed account. Device
// communication is an external collaborator; the stored address is a
// placeholder derived from the derivation path until the device reports
// the real key.
func (s *Service) CreateLedgerAccount(ctx context.Context, name, derivationPath string) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.requireReady(); err != nil {
			return nil, err
		}
		if derivationPath == "" {
			derivationPath = "m/44'/1729'/0'/0'"
		}
		if name == "" {
			name = s.nextImportName("Ledger")
		}
		if err := s.checkName(name); err != nil {
			return nil, err
		}
		digest := sha256.Sum256([]byte("ledger:" + derivationPath))
		acct := Account{
			ID:             core.NewID(),
			Type:           AccountLedger,
			Name:           name,
			Address:        "tz1" + hex.EncodeToString(digest[:20]),
			DerivationPath: derivationPath,
			CreatedAt:      time.Now().UnixMilli(),
		}
		if err := s.appendAccount(ctx, acct); err != nil {
			return nil, err
		}
		s.afterMutation()
		return nil, nil
	})
	return err
}

// UpdateSettings merges a partial settings document key by key; null
// values delete keys.
func (s *Service) UpdateSettings(ctx context.Context, partial map[string]any) error {
	_, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		s.mu.RLock()
		merged := make(Settings, len(s.state.Settings)+len(partial))
		for k, v := range s.state.Settings {
			merged[k] = v
		}
		s.mu.RUnlock()
		for k, v := range partial {
			if v == nil {
				delete(merged, k)
				continue
			}
			merged[k] = v
		}
		// Persist before touching in-memory state so a failed write
		// leaves state and store agreeing.
		if err := s.store.SaveSettings(ctx, merged); err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.state.Settings = merged
		s.mu.Unlock()
		s.afterMutation()
		return nil, nil
	})
	return err
}

// GetPendingOps lists the pending operation records for an account on a
// network, newest first.
func (s *Service) GetPendingOps(ctx context.Context, accountID, netID string) ([]sqlite.PendingOp, error) {
	return s.store.ListPendingOps(ctx, sqlite.PendingOpsKey(netID, accountID))
}

// RemovePendingOps drops pending records by hash; the write goes through
// the dedicated pending-ops queue so concurrent append/remove calls
// cannot lose updates.
func (s *Service) RemovePendingOps(ctx context.Context, accountID, netID string, hashes []string) error {
	_, err := s.pndWrites.Submit(ctx, func(ctx context.Context) (any, error) {
		return nil, s.store.RemovePendingOps(ctx, sqlite.PendingOpsKey(netID, accountID), hashes)
	})
	return err
}

// Confirm resolves the outstanding confirmation. It deliberately bypasses
// the action queue: the suspended privileged call is not occupying a
// queue slot, and the resolution itself touches no vault state.
func (s *Service) Confirm(id string, decision bool) error {
	return s.confirms.Resolve(id, decision)
}

// ConfirmationPayload re-fetches the outstanding confirmation's payload
// so the approving context can render it.
func (s *Service) ConfirmationPayload(id string) (json.RawMessage, error) {
	return s.confirms.Payload(id)
}

// GetDAppSessions lists connected DApp sessions.
func (s *Service) GetDAppSessions(ctx context.Context) ([]sqlite.DAppSession, error) {
	return s.store.ListDAppSessions(ctx)
}

// RemoveDAppSession removes the session for origin and returns the
// surviving set.
func (s *Service) RemoveDAppSession(ctx context.Context, origin string) ([]sqlite.DAppSession, error) {
	result, err := s.actions.Submit(ctx, func(ctx context.Context) (any, error) {
		if err := s.store.RemoveDAppSession(ctx, origin); err != nil {
			return nil, err
		}
		return s.store.ListDAppSessions(ctx)
	})
	if err != nil {
		return nil, err
	}
	return result.([]sqlite.DAppSession), nil
}

// --- internals ---

func (s *Service) requireReady() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.state.Status {
	case StatusUninitialized:
		return ErrNotInitialized
	case StatusLocked:
		return ErrLocked
	default:
		return nil
	}
}

func (s *Service) setStatus(status Status) {
	s.mu.Lock()
	s.state.Status = status
	s.mu.Unlock()
}

// afterMutation runs once per committed mutation: snapshot hook first,
// then exactly one state broadcast.
func (s *Service) afterMutation() {
	snapshot := s.GetState()
	if s.onMutate != nil {
		s.onMutate(snapshot)
	}
	if s.bc != nil {
		s.bc.StateUpdated()
	}
}

func (s *Service) account(accountID string) (Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acct := range s.state.Accounts {
		if acct.ID == accountID {
			return acct, nil
		}
	}
	return Account{}, ErrAccountNotFound
}

func (s *Service) hasAccountAddress(address string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, acct := range s.state.Accounts {
		if acct.Address == address {
			return true
		}
	}
	return false
}

func (s *Service) checkName(name string) error {
	if name == "" || len(name) > 64 {
		return ErrInvalidName
	}
	return nil
}

func (s *Service) nextHDIndex() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	next := 0
	for _, acct := range s.state.Accounts {
		if acct.Type == AccountHD && acct.HDIndex >= next {
			next = acct.HDIndex + 1
		}
	}
	return next
}

func (s *Service) nextImportName(prefix string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 1
	for _, acct := range s.state.Accounts {
		if acct.Type != AccountHD {
			count++
		}
	}
	return fmt.Sprintf("%s %d", prefix, count)
}

func (s *Service) deriveHDAccount(index int, name string) (Account, error) {
	key, err := s.vault.HDKey(index)
	if err != nil {
		return Account{}, err
	}
	pub := hex.EncodeToString(key.Public().(ed25519.PublicKey))
	return Account{
		ID:             core.NewID(),
		Type:           AccountHD,
		Name:           name,
		Address:        vault.PublicKeyHash(pub),
		PublicKey:      pub,
		DerivationPath: fmt.Sprintf("m/44'/1729'/%d'/0'", index),
		HDIndex:        index,
		CreatedAt:      time.Now().UnixMilli(),
	}, nil
}

// importKeyed stores key in the vault and registers the account. Caller
// is inside an action-queue job.
func (s *Service) importKeyed(ctx context.Context, typ AccountType, name string, key ed25519.PrivateKey, derivationPath string) error {
	pub := hex.EncodeToString(key.Public().(ed25519.PublicKey))
	address := vault.PublicKeyHash(pub)
	if s.hasAccountAddress(address) {
		return errors.New("account already present")
	}
	if name == "" {
		switch typ {
		case AccountFundraiser:
			name = s.nextImportName("Fundraiser")
		default:
			name = s.nextImportName("Imported")
		}
	}
	acct := Account{
		ID:             core.NewID(),
		Type:           typ,
		Name:           name,
		Address:        address,
		PublicKey:      pub,
		DerivationPath: derivationPath,
		CreatedAt:      time.Now().UnixMilli(),
	}
	if err := s.vault.ImportKey(acct.ID, key); err != nil {
		return err
	}
	if err := s.appendAccount(ctx, acct); err != nil {
		return err
	}
	s.afterMutation()
	return nil
}

func (s *Service) appendAccount(ctx context.Context, acct Account) error {
	if err := s.store.SaveAccount(ctx, recordFromAccount(acct)); err != nil {
		return err
	}
	s.mu.Lock()
	s.state.Accounts = append(s.state.Accounts, acct)
	s.mu.Unlock()
	return nil
}

func keyRef(acct Account) (vault.Ref, error) {
	switch acct.Type {
	case AccountHD:
		return vault.Ref{HDIndex: acct.HDIndex}, nil
	case AccountImported, AccountFundraiser:
		return vault.Ref{Imported: true, AccountID: acct.ID}, nil
	default:
		return vault.Ref{}, ErrNoSecret
	}
}

func decodeSecretKey(privateKey, encPassword string) ([]byte, error) {
	if encPassword != "" {
		seed, err := vault.DecryptKeyBlob([]byte(privateKey), encPassword)
		if err != nil {
			return nil, err
		}
		return normalizeSeed(seed)
	}
	raw, err := hex.DecodeString(privateKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return normalizeSeed(raw)
}

func normalizeSeed(raw []byte) ([]byte, error) {
	switch len(raw) {
	case ed25519.SeedSize:
		return raw, nil
	case ed25519.PrivateKeySize:
		return raw[:ed25519.SeedSize], nil
	default:
		return nil, errors.New("unsupported private key length")
	}
}

func accountFromRecord(rec sqlite.AccountRecord) Account {
	return Account{
		ID:             rec.ID,
		Type:           AccountType(rec.Type),
		Name:           rec.Name,
		Address:        rec.Address,
		PublicKey:      rec.PublicKey,
		DerivationPath: rec.DerivationPath,
		HDIndex:        rec.HDIndex,
		ChainID:        rec.ChainID,
		Owner:          rec.Owner,
		CreatedAt:      rec.CreatedAt,
	}
}

func recordFromAccount(acct Account) sqlite.AccountRecord {
	return sqlite.AccountRecord{
		ID:             acct.ID,
		Type:           string(acct.Type),
		Name:           acct.Name,
		Address:        acct.Address,
		PublicKey:      acct.PublicKey,
		DerivationPath: acct.DerivationPath,
		HDIndex:        acct.HDIndex,
		ChainID:        acct.ChainID,
		Owner:          acct.Owner,
		CreatedAt:      acct.CreatedAt,
	}
}
