package secrets

import (
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// DefaultService is the service name entries are filed under in the OS keyring.
const DefaultService = "assistclaw"

// KV is the common surface of the vault and the keyring. A missing name
// yields "" and no error.
type KV interface {
	Get(name string) (string, error)
	Set(name, value string) error
	Delete(name string) error
}

// Keyring stores secrets in the OS keyring (Secret Service, Keychain or
// Windows Credential Manager).
type Keyring struct {
	Service string
}

// NewKeyring returns a keyring bound to service, or DefaultService when empty.
func NewKeyring(service string) *Keyring {
	if service == "" {
		service = DefaultService
	}
	return &Keyring{Service: service}
}

// Get implements KV.
func (k *Keyring) Get(name string) (string, error) {
	v, err := keyring.Get(k.Service, name)
	if errors.Is(err, keyring.ErrNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("keyring get %s: %w", name, err)
	}
	return v, nil
}

// Set implements KV.
func (k *Keyring) Set(name, value string) error {
	if err := keyring.Set(k.Service, name, value); err != nil {
		return fmt.Errorf("keyring set %s: %w", name, err)
	}
	return nil
}

// Delete implements KV. Deleting a missing entry is not an error.
func (k *Keyring) Delete(name string) error {
	err := keyring.Delete(k.Service, name)
	if err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return fmt.Errorf("keyring delete %s: %w", name, err)
	}
	return nil
}

// Available does a write/delete round trip to see whether a keyring daemon
// is reachable. Headless servers usually have none.
func (k *Keyring) Available() bool {
	const probe = "__assistclaw_probe__"
	if err := keyring.Set(k.Service, probe, "ok"); err != nil {
		return false
	}
	_ = keyring.Delete(k.Service, probe)
	return true
}
