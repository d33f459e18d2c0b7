// Package secrets resolves credentials for the assistant from an encrypted
// vault file, the OS keyring and the process environment, in that order.
//
// The vault is a JSON file whose entries are sealed with AES-256-GCM under a
// key derived from the master password with Argon2id. The password itself is
// never stored; the derived key only lives in memory while the vault is open.
package secrets

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/argon2"
)

// DefaultVaultFile is the vault path used when the config names none.
const DefaultVaultFile = ".assistclaw.vault"

const (
	vaultVersion = 1
	saltLen      = 16
	keyLen       = 32
	verifyEntry  = "__verify__"
	verifyText   = "assistclaw-vault-ok"
)

var (
	// ErrVaultLocked is returned by operations that need the derived key.
	ErrVaultLocked = errors.New("vault is locked")
	// ErrWrongPassword means the password did not open the verify entry.
	ErrWrongPassword = errors.New("wrong vault password")
	// ErrVaultExists is returned by Create when the file is already there.
	ErrVaultExists = errors.New("vault already exists")
)

// KDF holds the Argon2id cost parameters. They are written into the vault
// file so a vault created with one setting can be opened with another build.
type KDF struct {
	Time    uint32 `json:"time"`
	Memory  uint32 `json:"memory"` // KiB
	Threads uint8  `json:"threads"`
}

// DefaultKDF follows the OWASP Argon2id recommendation.
var DefaultKDF = KDF{Time: 3, Memory: 64 * 1024, Threads: 4}

type sealed struct {
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

type vaultFile struct {
	Version int               `json:"version"`
	Salt    string            `json:"salt"`
	KDF     KDF               `json:"kdf"`
	Entries map[string]sealed `json:"entries"`
}

// Vault is an encrypted key/value file. Safe for concurrent use.
type Vault struct {
	path string
	kdf  KDF

	mu   sync.RWMutex
	file *vaultFile
	key  []byte
}

// VaultOption configures a Vault.
type VaultOption func(*Vault)

// WithKDF sets the Argon2id parameters used by Create and ChangePassword.
func WithKDF(k KDF) VaultOption {
	return func(v *Vault) { v.kdf = k }
}

// NewVault points at path without touching the disk.
func NewVault(path string, opts ...VaultOption) *Vault {
	v := &Vault{path: path, kdf: DefaultKDF}
	for _, o := range opts {
		o(v)
	}
	return v
}

// Path returns the vault file path.
func (v *Vault) Path() string { return v.path }

// Exists reports whether the vault file is present.
func (v *Vault) Exists() bool {
	_, err := os.Stat(v.path)
	return err == nil
}

// Unlocked reports whether the derived key is loaded.
func (v *Vault) Unlocked() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.key != nil
}

// Create writes an empty vault sealed with password and leaves it unlocked.
func (v *Vault) Create(password string) error {
	if v.Exists() {
		return fmt.Errorf("%w at %s", ErrVaultExists, v.path)
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}

	v.mu.Lock()
	defer v.mu.Unlock()

	v.key = derive(password, salt, v.kdf)
	v.file = &vaultFile{
		Version: vaultVersion,
		Salt:    base64.StdEncoding.EncodeToString(salt),
		KDF:     v.kdf,
		Entries: map[string]sealed{},
	}
	ve, err := seal(v.key, []byte(verifyText))
	if err != nil {
		return err
	}
	v.file.Entries[verifyEntry] = ve
	return v.saveLocked()
}

// Unlock reads the vault and derives the key from password.
func (v *Vault) Unlock(password string) error {
	raw, err := os.ReadFile(v.path)
	if err != nil {
		return fmt.Errorf("reading vault: %w", err)
	}
	var f vaultFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return fmt.Errorf("parsing vault: %w", err)
	}
	if f.Version != vaultVersion {
		return fmt.Errorf("unsupported vault version %d", f.Version)
	}
	salt, err := base64.StdEncoding.DecodeString(f.Salt)
	if err != nil {
		return fmt.Errorf("decoding salt: %w", err)
	}
	if f.KDF.Time == 0 {
		f.KDF = DefaultKDF
	}
	if f.Entries == nil {
		f.Entries = map[string]sealed{}
	}

	key := derive(password, salt, f.KDF)
	if ve, ok := f.Entries[verifyEntry]; ok {
		if _, err := open(key, ve); err != nil {
			return ErrWrongPassword
		}
	}

	v.mu.Lock()
	defer v.mu.Unlock()
	v.key = key
	v.file = &f
	return nil
}

// Lock zeroes and drops the derived key.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	for i := range v.key {
		v.key[i] = 0
	}
	v.key = nil
}

// Set seals value under name and rewrites the file.
func (v *Vault) Set(name, value string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	e, err := seal(v.key, []byte(value))
	if err != nil {
		return fmt.Errorf("encrypting %s: %w", name, err)
	}
	v.file.Entries[name] = e
	return v.saveLocked()
}

// Get opens the entry for name. A missing entry yields "" and no error.
func (v *Vault) Get(name string) (string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return "", ErrVaultLocked
	}
	e, ok := v.file.Entries[name]
	if !ok {
		return "", nil
	}
	plain, err := open(v.key, e)
	if err != nil {
		return "", fmt.Errorf("decrypting %s: %w", name, err)
	}
	return string(plain), nil
}

// Delete removes name from the vault.
func (v *Vault) Delete(name string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}
	delete(v.file.Entries, name)
	return v.saveLocked()
}

// Keys lists the stored names, sorted.
func (v *Vault) Keys() ([]string, error) {
	v.mu.RLock()
	defer v.mu.RUnlock()
	if v.key == nil {
		return nil, ErrVaultLocked
	}
	keys := make([]string, 0, len(v.file.Entries))
	for k := range v.file.Entries {
		if k != verifyEntry {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// ChangePassword re-seals every entry under a key derived from a new salt.
func (v *Vault) ChangePassword(password string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.key == nil {
		return ErrVaultLocked
	}

	plain := make(map[string][]byte, len(v.file.Entries))
	for name, e := range v.file.Entries {
		p, err := open(v.key, e)
		if err != nil {
			return fmt.Errorf("decrypting %s: %w", name, err)
		}
		plain[name] = p
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return fmt.Errorf("generating salt: %w", err)
	}
	key := derive(password, salt, v.kdf)

	entries := make(map[string]sealed, len(plain))
	for name, p := range plain {
		e, err := seal(key, p)
		if err != nil {
			return fmt.Errorf("re-encrypting %s: %w", name, err)
		}
		entries[name] = e
	}

	for i := range v.key {
		v.key[i] = 0
	}
	v.key = key
	v.file.Salt = base64.StdEncoding.EncodeToString(salt)
	v.file.KDF = v.kdf
	v.file.Entries = entries
	return v.saveLocked()
}

// saveLocked writes through a temp file so a crash never leaves half a vault.
func (v *Vault) saveLocked() error {
	data, err := json.MarshalIndent(v.file, "", "  ")
	if err != nil {
		return err
	}
	if dir := filepath.Dir(v.path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("creating vault dir: %w", err)
		}
	}
	tmp := v.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("writing vault: %w", err)
	}
	return os.Rename(tmp, v.path)
}

func derive(password string, salt []byte, k KDF) []byte {
	return argon2.IDKey([]byte(password), salt, k.Time, k.Memory, k.Threads, keyLen)
}

func seal(key, plain []byte) (sealed, error) {
	gcm, err := newGCM(key)
	if err != nil {
		return sealed{}, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return sealed{}, err
	}
	return sealed{
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(gcm.Seal(nil, nonce, plain, nil)),
	}, nil
}

func open(key []byte, e sealed) ([]byte, error) {
	nonce, err := base64.StdEncoding.DecodeString(e.Nonce)
	if err != nil {
		return nil, fmt.Errorf("decoding nonce: %w", err)
	}
	ct, err := base64.StdEncoding.DecodeString(e.Ciphertext)
	if err != nil {
		return nil, fmt.Errorf("decoding ciphertext: %w", err)
	}
	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, errors.New("bad nonce size")
	}
	return gcm.Open(nil, nonce, ct, nil)
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
