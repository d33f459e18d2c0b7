package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/assistant"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/secrets"
)

// errNoConfig is returned when no config file exists and one is required.
var errNoConfig = errors.New("no configuration file found, run 'assistclaw config init'")

// cliEnv is what every command needs: the config, where it came from,
// a logger and the secrets chain.
type cliEnv struct {
	cfg      *assistant.Config
	path     string
	logger   *slog.Logger
	resolver *secrets.Resolver
	vault    *secrets.Vault
}

// loadEnv resolves the config file (flag, then auto-discovery), builds
// the logger and opens the secret stores. Without a file, required commands
// fail and the others run on defaults.
func loadEnv(cmd *cobra.Command, required bool, logOut io.Writer) (*cliEnv, error) {
	path, _ := cmd.Root().PersistentFlags().GetString("config")
	if path == "" {
		path = assistant.FindConfigFile()
	}

	var (
		cfg *assistant.Config
		err error
	)
	switch {
	case path != "":
		cfg, err = assistant.ReadConfigFile(path)
		if err != nil {
			return nil, fmt.Errorf("loading config from %s: %w", path, err)
		}
	case required:
		return nil, errNoConfig
	default:
		cfg = assistant.DefaultConfig()
	}

	logger := newLogger(cmd, cfg, logOut)
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}

	// Antes de resolver: o audit olha os valores crus do arquivo.
	assistant.AuditSecrets(cfg, logger)

	rt := &cliEnv{cfg: cfg, path: path, logger: logger}
	rt.resolver, rt.vault = newResolver(cfg, logger)
	assistant.ResolveSecrets(cfg, rt.resolver)
	return rt, nil
}

// newLogger configures slog from logging.level/format; --verbose forces debug.
func newLogger(cmd *cobra.Command, cfg *assistant.Config, out io.Writer) *slog.Logger {
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Logging.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	if verbose {
		level = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "text" {
		handler = slog.NewTextHandler(out, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewJSONHandler(out, &slog.HandlerOptions{Level: level})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}

// newResolver builds vault → keyring → env from the secrets section.
func newResolver(cfg *assistant.Config, logger *slog.Logger) (*secrets.Resolver, *secrets.Vault) {
	var opts []secrets.ResolverOption

	vault := secrets.OpenVault(cfg.Secrets.VaultFile, logger)
	if vault != nil {
		opts = append(opts, secrets.WithVault(vault))
	}
	if cfg.Secrets.Keyring {
		kr := secrets.NewKeyring(secrets.DefaultService)
		if kr.Available() {
			opts = append(opts, secrets.WithKeyring(kr))
		} else {
			logger.Debug("OS keyring not available")
		}
	}
	return secrets.NewResolver(logger, opts...), vault
}

// newAssistant builds the dialogue core for commands that do not serve.
func (rt *cliEnv) newAssistant(ctx context.Context, version string) (*assistant.Assistant, error) {
	return assistant.New(ctx, rt.cfg, rt.logger,
		assistant.WithVersion(version),
		assistant.WithResolver(rt.resolver),
	)
}

// quietOutput is where commands with their own terminal output send logs:
// nowhere unless --verbose.
func quietOutput(cmd *cobra.Command) io.Writer {
	if verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose"); verbose {
		return os.Stderr
	}
	return io.Discard
}
