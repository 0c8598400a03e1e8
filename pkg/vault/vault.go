// Package vault holds the wallet's secret material: the seed mnemonic and
// any imported keys, encrypted at rest with a password-derived key. The
// decrypted working set exists only while the vault is unlocked, and only
// serialized action-queue jobs may touch it.
package vault

import (
	"crypto/ed25519"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/nacl/secretbox"
	"golang.org/x/crypto/scrypt"
)

var (
	// ErrInvalidPassword is the only signal a wrong password produces.
	ErrInvalidPassword = errors.New("invalid password")
	// ErrLocked indicates a secret operation on a locked vault.
	ErrLocked = errors.New("vault is locked")
	// ErrNotInitialized indicates no vault file exists yet.
	ErrNotInitialized = errors.New("vault not initialized")
	// ErrAlreadyExists prevents overwriting an existing vault.
	ErrAlreadyExists = errors.New("vault already exists")
	// ErrKeyNotFound indicates no secret key for the requested reference.
	ErrKeyNotFound = errors.New("key not found")
)

const (
	fileVersion  = 1
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	saltSize     = 16
	mnemonicSize = 16
)

// vaultFile is the encrypted on-disk form.
type vaultFile struct {
	Version    int    `json:"version"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	CipherText string `json:"cipherText"`
}

// secrets is the decrypted working set.
type secrets struct {
	Mnemonic string            `json:"mnemonic"`
	Seed     []byte            `json:"seed"`
	Imported map[string][]byte `json:"imported"`
}

// Ref identifies one signing key inside the vault: either an HD index or
// an imported account id.
type Ref struct {
	HDIndex   int
	AccountID string
	Imported  bool
}

// SignResult is the outcome of a signing operation.
type SignResult struct {
	Bytes     string `json:"bytes"`
	Sig       string `json:"sig"`
	PublicKey string `json:"publicKey"`
}

// Vault owns the encrypted secret file for a profile.
type Vault struct {
	path string

	mu      sync.Mutex
	working *secrets
	boxKey  *[32]byte
	salt    []byte
}

// New points a vault at path without touching the file.
func New(path string) *Vault {
	return &Vault{path: path}
}

// Exists reports whether a vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Unlocked reports whether secret material is currently decrypted.
func (v *Vault) Unlocked() bool {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.working != nil
}

// GenerateMnemonic produces fresh wallet entropy encoded as hex. No
// BIP39 wordlist encoding is applied; the value round-trips through
// Create and Mnemonic.
func GenerateMnemonic() (string, error) {
	entropy := make([]byte, mnemonicSize)
	if _, err := rand.Read(entropy); err != nil {
		return "", err
	}
	return hex.EncodeToString(entropy), nil
}

// SeedFromMnemonic derives the signing seed for a mnemonic.
func SeedFromMnemonic(mnemonic string) []byte {
	mac := hmac.New(sha512.New, []byte("ed25519 seed"))
	mac.Write([]byte(mnemonic))
	return mac.Sum(nil)
}

// Create initializes the vault file with the given mnemonic (generated
// when empty) and leaves the vault unlocked.
func (v *Vault) Create(password, mnemonic string) error {
	if v.Exists() {
		return ErrAlreadyExists
	}
	if mnemonic == "" {
		generated, err := GenerateMnemonic()
		if err != nil {
			return err
		}
		mnemonic = generated
	}
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return err
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return err
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.working = &secrets{
		Mnemonic: mnemonic,
		Seed:     SeedFromMnemonic(mnemonic),
		Imported: make(map[string][]byte),
	}
	v.boxKey = key
	v.salt = salt
	return v.save()
}

// Unlock decrypts the vault file. A wrong password is indistinguishable
// from corrupted ciphertext and reported as ErrInvalidPassword.
func (v *Vault) Unlock(password string) error {
	file, err := v.readFile()
	if err != nil {
		return err
	}
	salt, key, working, err := open(file, password)
	if err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.working = working
	v.boxKey = key
	v.salt = salt
	return nil
}

// Lock discards the decrypted working set and the cached box key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.working != nil {
		zero(v.working.Seed)
		for _, k := range v.working.Imported {
			zero(k)
		}
	}
	if v.boxKey != nil {
		zero(v.boxKey[:])
	}
	v.working = nil
	v.boxKey = nil
	v.salt = nil
}

// VerifyPassword checks password against the vault file without changing
// lock state.
func (v *Vault) VerifyPassword(password string) error {
	file, err := v.readFile()
	if err != nil {
		return err
	}
	_, _, _, err = open(file, password)
	return err
}

// Mnemonic reveals the seed phrase after re-verifying the password.
func (v *Vault) Mnemonic(password string) (string, error) {
	file, err := v.readFile()
	if err != nil {
		return "", err
	}
	_, _, working, err := open(file, password)
	if err != nil {
		return "", err
	}
	return working.Mnemonic, nil
}

// HDKey derives the signing key for an HD account index.
func (v *Vault) HDKey(index int) (ed25519.PrivateKey, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.working == nil {
		return nil, ErrLocked
	}
	return deriveHD(v.working.Seed, index), nil
}

// ImportKey stores a secret key under accountID and persists the vault.
func (v *Vault) ImportKey(accountID string, key ed25519.PrivateKey) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.working == nil {
		return ErrLocked
	}
	v.working.Imported[accountID] = append([]byte(nil), key.Seed()...)
	return v.save()
}

// Key resolves a Ref to its private key.
func (v *Vault) Key(ref Ref) (ed25519.PrivateKey, error) {
	if !ref.Imported {
		return v.HDKey(ref.HDIndex)
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.working == nil {
		return nil, ErrLocked
	}
	seed, ok := v.working.Imported[ref.AccountID]
	if !ok {
		return nil, ErrKeyNotFound
	}
	return ed25519.NewKeyFromSeed(seed), nil
}

// RevealSeed returns the hex secret seed for ref after re-verifying the
// password.
func (v *Vault) RevealSeed(ref Ref, password string) (string, error) {
	if err := v.VerifyPassword(password); err != nil {
		return "", err
	}
	key, err := v.Key(ref)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Seed()), nil
}

// PublicKey returns the hex public key for ref.
func (v *Vault) PublicKey(ref Ref) (string, error) {
	key, err := v.Key(ref)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(key.Public().(ed25519.PublicKey)), nil
}

// Sign signs payload (with optional watermark prefix) using the key for
// ref. The digest is SHA-256 over watermark||payload; chain-specific
// digest formats belong to the chain client.
func (v *Vault) Sign(ref Ref, payload, watermark []byte) (SignResult, error) {
	key, err := v.Key(ref)
	if err != nil {
		return SignResult{}, err
	}
	message := payload
	if len(watermark) > 0 {
		message = append(append([]byte(nil), watermark...), payload...)
	}
	digest := sha256.Sum256(message)
	sig := ed25519.Sign(key, digest[:])
	return SignResult{
		Bytes:     hex.EncodeToString(payload),
		Sig:       hex.EncodeToString(sig),
		PublicKey: hex.EncodeToString(key.Public().(ed25519.PublicKey)),
	}, nil
}

// KeyFromMnemonic derives a standalone signing key from an imported
// mnemonic with an optional passphrase and derivation path. This is not
// BIP39/SLIP10; the derivation round-trips for keys imported through this
// vault.
func KeyFromMnemonic(mnemonic, passphrase, path string) ed25519.PrivateKey {
	seed := SeedFromMnemonic(mnemonic)
	if passphrase != "" {
		mac := hmac.New(sha512.New, seed)
		mac.Write([]byte(passphrase))
		seed = mac.Sum(nil)
	}
	if path != "" {
		mac := hmac.New(sha512.New, seed)
		mac.Write([]byte(path))
		seed = mac.Sum(nil)
	}
	return ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
}

// EncryptKeyBlob seals a secret seed under password in the same
// {salt,nonce,cipherText} format the vault file uses; the counterpart of
// DecryptKeyBlob for password-protected key import/export.
func EncryptKeyBlob(seed []byte, password string) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := secretbox.Seal(nil, seed, &nonce, key)
	return json.Marshal(vaultFile{
		Version:    fileVersion,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		CipherText: base64.StdEncoding.EncodeToString(sealed),
	})
}

// DecryptKeyBlob opens a password-protected key blob produced by
// EncryptKeyBlob (or any {salt,nonce,cipherText} export).
func DecryptKeyBlob(blob []byte, password string) ([]byte, error) {
	var file vaultFile
	if err := json.Unmarshal(blob, &file); err != nil {
		return nil, fmt.Errorf("parse key blob: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, fmt.Errorf("parse key blob salt: %w", err)
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil || len(nonceRaw) != 24 {
		return nil, errors.New("parse key blob nonce")
	}
	sealed, err := base64.StdEncoding.DecodeString(file.CipherText)
	if err != nil {
		return nil, fmt.Errorf("parse key blob ciphertext: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, err
	}
	var nonce [24]byte
	copy(nonce[:], nonceRaw)
	plain, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, ErrInvalidPassword
	}
	return plain, nil
}

// PublicKeyHash computes the address form of a public key: a short hash
// with the tz1 prefix. Base58check encoding is left to the chain client.
func PublicKeyHash(publicKeyHex string) string {
	raw, err := hex.DecodeString(publicKeyHex)
	if err != nil || len(raw) == 0 {
		return ""
	}
	sum := sha256.Sum256(raw)
	return "tz1" + hex.EncodeToString(sum[:20])
}

func deriveHD(seed []byte, index int) ed25519.PrivateKey {
	mac := hmac.New(sha512.New, seed)
	fmt.Fprintf(mac, "m/44'/1729'/%d'/0'", index)
	sum := mac.Sum(nil)
	return ed25519.NewKeyFromSeed(sum[:ed25519.SeedSize])
}

func (v *Vault) readFile() (*vaultFile, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotInitialized
		}
		return nil, err
	}
	var file vaultFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse vault file: %w", err)
	}
	return &file, nil
}

// save re-encrypts the working set with the cached box key. Caller holds
// v.mu.
func (v *Vault) save() error {
	if v.working == nil || v.boxKey == nil {
		return ErrLocked
	}
	plain, err := json.Marshal(v.working)
	if err != nil {
		return err
	}
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return err
	}
	sealed := secretbox.Seal(nil, plain, &nonce, v.boxKey)
	file := vaultFile{
		Version:    fileVersion,
		Salt:       base64.StdEncoding.EncodeToString(v.salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce[:]),
		CipherText: base64.StdEncoding.EncodeToString(sealed),
	}
	data, err := json.MarshalIndent(file, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return err
	}
	return os.WriteFile(v.path, data, 0o600)
}

func open(file *vaultFile, password string) ([]byte, *[32]byte, *secrets, error) {
	salt, err := base64.StdEncoding.DecodeString(file.Salt)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse vault salt: %w", err)
	}
	nonceRaw, err := base64.StdEncoding.DecodeString(file.Nonce)
	if err != nil || len(nonceRaw) != 24 {
		return nil, nil, nil, errors.New("parse vault nonce")
	}
	sealed, err := base64.StdEncoding.DecodeString(file.CipherText)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("parse vault ciphertext: %w", err)
	}
	key, err := deriveKey(password, salt)
	if err != nil {
		return nil, nil, nil, err
	}
	var nonce [24]byte
	copy(nonce[:], nonceRaw)
	plain, ok := secretbox.Open(nil, sealed, &nonce, key)
	if !ok {
		return nil, nil, nil, ErrInvalidPassword
	}
	var working secrets
	if err := json.Unmarshal(plain, &working); err != nil {
		return nil, nil, nil, fmt.Errorf("parse vault payload: %w", err)
	}
	if working.Imported == nil {
		working.Imported = make(map[string][]byte)
	}
	return salt, key, &working, nil
}

func deriveKey(password string, salt []byte) (*[32]byte, error) {
	raw, err := scrypt.Key([]byte(password), salt, scryptN, scryptR, scryptP, 32)
	if err != nil {
		return nil, err
	}
	var key [32]byte
	copy(key[:], raw)
	zero(raw)
	return &key, nil
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
