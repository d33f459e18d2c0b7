package secrets

import (
	"bufio"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// VaultPasswordEnv unlocks the vault without a prompt (systemd, Docker).
const VaultPasswordEnv = "ASSISTCLAW_VAULT_PASSWORD"

// Source names where a secret came from.
type Source string

const (
	SourceNone    Source = ""
	SourceVault   Source = "vault"
	SourceKeyring Source = "keyring"
	SourceEnv     Source = "env"
)

// Resolver looks a secret up in the vault, then the keyring, then the
// environment. Nil layers are skipped.
type Resolver struct {
	vault   *Vault
	keyring KV
	getenv  func(string) string
	logger  *slog.Logger
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithVault adds an unlocked vault as the first layer.
func WithVault(v *Vault) ResolverOption {
	return func(r *Resolver) { r.vault = v }
}

// WithKeyring adds the keyring layer.
func WithKeyring(k KV) ResolverOption {
	return func(r *Resolver) { r.keyring = k }
}

// WithEnv replaces os.Getenv, for tests.
func WithEnv(fn func(string) string) ResolverOption {
	return func(r *Resolver) { r.getenv = fn }
}

// NewResolver builds a resolver. With no options only the environment is read.
func NewResolver(logger *slog.Logger, opts ...ResolverOption) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Resolver{getenv: os.Getenv, logger: logger.With("component", "secrets")}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Lookup returns the first non-empty value for name.
func (r *Resolver) Lookup(name string) (string, Source) {
	if r.vault != nil && r.vault.Unlocked() {
		if v, err := r.vault.Get(name); err != nil {
			r.logger.Warn("vault read failed", "name", name, "error", err)
		} else if v != "" {
			return v, SourceVault
		}
	}
	if r.keyring != nil {
		if v, err := r.keyring.Get(name); err != nil {
			r.logger.Debug("keyring read failed", "name", name, "error", err)
		} else if v != "" {
			return v, SourceKeyring
		}
	}
	if v := r.getenv(name); v != "" {
		return v, SourceEnv
	}
	return "", SourceNone
}

// Fill sets *dst from name when *dst is empty or still an unexpanded
// ${VAR} reference. It reports whether a value was found.
func (r *Resolver) Fill(dst *string, name string) bool {
	if *dst != "" && !IsEnvReference(*dst) {
		return true
	}
	v, src := r.Lookup(name)
	if src == SourceNone {
		return false
	}
	*dst = v
	r.logger.Debug("secret resolved", "name", name, "source", src)
	return true
}

// Writer returns the layer new secrets should go to: the vault when it is
// open, otherwise the keyring.
func (r *Resolver) Writer() (KV, Source) {
	if r.vault != nil && r.vault.Unlocked() {
		return r.vault, SourceVault
	}
	if r.keyring != nil {
		return r.keyring, SourceKeyring
	}
	return nil, SourceNone
}

// IsEnvReference reports whether s is still a literal ${VAR} or $VAR.
func IsEnvReference(s string) bool {
	s = strings.TrimSpace(s)
	return strings.HasPrefix(s, "${") && strings.HasSuffix(s, "}") ||
		len(s) > 1 && s[0] == '$' && !strings.ContainsAny(s[1:], " ${}")
}

// OpenVault unlocks the vault at path when it exists, using
// ASSISTCLAW_VAULT_PASSWORD or, on a terminal, a prompt. It returns nil when
// there is no vault or it stays locked.
func OpenVault(path string, logger *slog.Logger) *Vault {
	if logger == nil {
		logger = slog.Default()
	}
	if path == "" {
		path = DefaultVaultFile
	}
	v := NewVault(path)
	if !v.Exists() {
		return nil
	}

	if pass := os.Getenv(VaultPasswordEnv); pass != "" {
		if err := v.Unlock(pass); err != nil {
			logger.Warn("vault unlock via env failed", "error", err)
		} else {
			logger.Info("vault unlocked", "via", VaultPasswordEnv)
			return v
		}
	}

	if !term.IsTerminal(int(os.Stdin.Fd())) {
		logger.Info("vault present but locked (no terminal, no "+VaultPasswordEnv+")", "path", path)
		return nil
	}
	pass, err := ReadPassword("Vault password: ")
	if err != nil {
		logger.Warn("reading vault password failed", "error", err)
		return nil
	}
	if err := v.Unlock(pass); err != nil {
		logger.Warn("vault unlock failed", "error", err)
		return nil
	}
	return v
}

// ReadPassword prompts on stdout and reads without echo when stdin is a
// terminal. Piped input is read one line at a time.
func ReadPassword(prompt string) (string, error) {
	fmt.Print(prompt)
	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		b, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		return strings.TrimSpace(string(b)), nil
	}
	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil && line == "" {
		return "", fmt.Errorf("reading password: %w", err)
	}
	return strings.TrimRight(line, "\r\n"), nil
}
