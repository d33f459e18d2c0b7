package assistant

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/secrets"
)

// envVarPattern matches environment variable patterns in config values:
//   - ${VAR_NAME}          - simple variable
//   - ${VAR_NAME:-default} - default value if not set
//   - ${VAR_NAME:?error}   - error message if not set
//   - $VAR_NAME            - bare variable (no default/error support)
//
// Capture groups: 1 variable name, 2 modifier ("-" or "?"), 3 default value
// or error message, 4 bare variable name.
var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(?::(-|\?)([^}]*))?\}|\$([A-Z_][A-Z0-9_]*)`)

// LoadConfigFromFile reads a YAML configuration file and resolves its
// secrets with the given resolver (nil reads the environment only).
func LoadConfigFromFile(path string, resolver *secrets.Resolver) (*Config, error) {
	cfg, err := ReadConfigFile(path)
	if err != nil {
		return nil, err
	}
	ResolveSecrets(cfg, resolver)
	return cfg, nil
}

// ReadConfigFile loads .env files, expands environment variables and parses
// the file. Secrets are left as written so callers can audit them and pick
// the secret stores from the config itself.
func ReadConfigFile(path string) (*Config, error) {
	loadEnvFiles()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded, err := expandEnvVarsWithValidation(string(data))
	if err != nil {
		return nil, fmt.Errorf("expanding environment variables: %w", err)
	}

	cfg, err := ParseConfig([]byte(expanded))
	if err != nil {
		return nil, err
	}

	resolveRelativePaths(cfg, path)
	checkFilePermissions(path)

	return cfg, nil
}

// ParseConfig parses YAML bytes into a Config, starting from the defaults.
func ParseConfig(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}
	return cfg, nil
}

// FindConfigFile searches for config files in standard locations.
func FindConfigFile() string {
	candidates := []string{
		"config.yaml",
		"config.yml",
		"assistclaw.yaml",
		"assistclaw.yml",
		"configs/config.yaml",
		"configs/assistclaw.yaml",
	}
	for _, path := range candidates {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

// ResolveSecrets fills every secret that is empty or still an unexpanded
// reference from the vault, the keyring or the environment.
func ResolveSecrets(cfg *Config, resolver *secrets.Resolver) {
	if resolver == nil {
		resolver = secrets.NewResolver(nil)
	}
	resolver.Fill(&cfg.Classifier.LLM.APIKey, SecretOpenRouterKey)
	resolver.Fill(&cfg.Classifier.Local.Token, SecretHFToken)
	resolver.Fill(&cfg.Channels.Twilio.AccountSID, SecretTwilioSID)
	resolver.Fill(&cfg.Channels.Twilio.AuthToken, SecretTwilioToken)
	resolver.Fill(&cfg.Gateway.AuthToken, SecretGatewayToken)

	// Referências que não resolveram não podem virar credencial.
	for _, p := range []*string{
		&cfg.Classifier.LLM.APIKey,
		&cfg.Classifier.Local.Token,
		&cfg.Channels.Twilio.AccountSID,
		&cfg.Channels.Twilio.AuthToken,
		&cfg.Gateway.AuthToken,
	} {
		if secrets.IsEnvReference(*p) {
			*p = ""
		}
	}
}

// AuditSecrets warns about credentials written in clear text in the file.
// It must run on the raw config, before ResolveSecrets.
func AuditSecrets(cfg *Config, logger *slog.Logger) {
	check := func(value, name, field string) {
		if value != "" && !secrets.IsEnvReference(value) && looksLikeRealKey(value) {
			logger.Warn("secret appears to be hardcoded in config",
				"field", field,
				"hint", fmt.Sprintf("set '%s: ${%s}' and run 'assistclaw config set-key %s'", field, name, name))
		}
	}
	check(cfg.Classifier.LLM.APIKey, SecretOpenRouterKey, "api_key")
	check(cfg.Channels.Twilio.AuthToken, SecretTwilioToken, "auth_token")
	check(cfg.Gateway.AuthToken, SecretGatewayToken, "auth_token")
}

// SaveConfigToFile writes cfg as YAML. Secrets are replaced with environment
// variable references, and the previous file is kept as .bak.
func SaveConfigToFile(cfg *Config, path string) error {
	data, err := MarshalSanitized(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}

	var check map[string]any
	if err := yaml.Unmarshal(data, &check); err != nil {
		return fmt.Errorf("config validation failed (refusing to write corrupt data): %w", err)
	}

	if existing, err := os.ReadFile(path); err == nil {
		_ = os.WriteFile(path+".bak", existing, 0o600)
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating config directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}
	return nil
}

// MarshalSanitized renders cfg as YAML with every secret replaced by its
// environment variable reference.
func MarshalSanitized(cfg *Config) ([]byte, error) {
	sanitized := *cfg
	sanitized.Classifier.LLM.APIKey = sanitizeSecret(cfg.Classifier.LLM.APIKey, SecretOpenRouterKey)
	sanitized.Classifier.Local.Token = sanitizeSecret(cfg.Classifier.Local.Token, SecretHFToken)
	sanitized.Channels.Twilio.AccountSID = sanitizeSecret(cfg.Channels.Twilio.AccountSID, SecretTwilioSID)
	sanitized.Channels.Twilio.AuthToken = sanitizeSecret(cfg.Channels.Twilio.AuthToken, SecretTwilioToken)
	sanitized.Gateway.AuthToken = sanitizeSecret(cfg.Gateway.AuthToken, SecretGatewayToken)
	return yaml.Marshal(&sanitized)
}

// ---------- Internal ----------

// loadEnvFiles loads .env files. godotenv.Load does not overwrite variables
// that are already set.
func loadEnvFiles() {
	for _, f := range []string{".env", ".env.local"} {
		_ = godotenv.Load(f)
	}
}

// expandEnvVars replaces ${VAR}, ${VAR:-default}, ${VAR:?error} and $VAR
// references with their environment values. Unset plain references are kept
// as-is so ResolveSecrets can look them up elsewhere. An unset ${VAR:?error}
// becomes an "ERROR:VAR:message" marker.
func expandEnvVars(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		sub := envVarPattern.FindStringSubmatch(match)
		varName, modifier, value, bare := sub[1], sub[2], sub[3], sub[4]

		if bare != "" {
			if val, ok := os.LookupEnv(bare); ok {
				return val
			}
			return match
		}

		if val, ok := os.LookupEnv(varName); ok {
			return val
		}
		switch modifier {
		case "?":
			if value == "" {
				value = "required environment variable not set"
			}
			return "ERROR:" + varName + ":" + value
		case "-":
			return value
		}
		return match
	})
}

// expandEnvVarsWithValidation is expandEnvVars returning an error for the
// first unset ${VAR:?error}.
func expandEnvVarsWithValidation(input string) (string, error) {
	result := expandEnvVars(input)
	idx := strings.Index(result, "ERROR:")
	if idx == -1 {
		return result, nil
	}
	rest := result[idx+len("ERROR:"):]
	if nl := strings.IndexByte(rest, '\n'); nl != -1 {
		rest = rest[:nl]
	}
	varName, msg, ok := strings.Cut(rest, ":")
	if !ok {
		return "", fmt.Errorf("config error: malformed error marker")
	}
	msg = strings.Trim(strings.TrimSpace(msg), `"'`)
	if msg == "" {
		msg = "required environment variable not set"
	}
	return "", fmt.Errorf("config error: %s - %s", varName, msg)
}

// resolveRelativePaths makes file paths relative to the config file's
// directory, expanding ~.
func resolveRelativePaths(cfg *Config, configPath string) {
	dir := filepath.Dir(configPath)
	cfg.Database.Path = resolvePathFromConfig(cfg.Database.Path, dir)
	cfg.Channels.WhatsApp.DatabasePath = resolvePathFromConfig(cfg.Channels.WhatsApp.DatabasePath, dir)
	cfg.Google.CredentialsFile = resolvePathFromConfig(cfg.Google.CredentialsFile, dir)
	cfg.Google.TokenFile = resolvePathFromConfig(cfg.Google.TokenFile, dir)
	cfg.Secrets.VaultFile = resolvePathFromConfig(cfg.Secrets.VaultFile, dir)
}

func resolvePathFromConfig(path, configDir string) string {
	if path == "" || path == ":memory:" {
		return path
	}
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		path = filepath.Join(home, path[2:])
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(configDir, path)
}

// sanitizeSecret replaces a real secret with a reference to envVar. Values
// that are already references are kept.
func sanitizeSecret(value, envVar string) string {
	if value == "" || secrets.IsEnvReference(value) {
		return value
	}
	return "${" + envVar + "}"
}

// looksLikeRealKey heuristically separates keys from placeholders.
func looksLikeRealKey(s string) bool {
	switch {
	case strings.HasPrefix(s, "sk-"), strings.HasPrefix(s, "hf_"):
		return true
	case len(s) > 20:
		return true
	}
	return false
}

// checkFilePermissions warns if the config file is readable by others.
func checkFilePermissions(path string) {
	info, err := os.Stat(path)
	if err != nil {
		return
	}
	mode := info.Mode().Perm()
	if mode&0o044 != 0 {
		slog.Warn("config file has open permissions, consider restricting",
			"path", path,
			"current", fmt.Sprintf("%04o", mode),
			"recommended", "0600",
			"fix", fmt.Sprintf("chmod 600 %s", path),
		)
	}
}
