package commands

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/assistant"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/secrets"
)

// newConfigCmd creates `assistclaw config`.
func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the assistant configuration",
		Long: `Create and inspect config.yaml and store API credentials in the OS
keyring or the encrypted vault.

Examples:
  assistclaw config init
  assistclaw config set-key OPENROUTER_API_KEY
  assistclaw config show`,
	}

	cmd.AddCommand(
		newConfigInitCmd(),
		newConfigSetKeyCmd(),
		newConfigShowCmd(),
	)
	return cmd
}

func newConfigInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create config.yaml with an interactive wizard",
		RunE:  runConfigInit,
	}
	cmd.Flags().StringP("output", "o", "config.yaml", "where to write the file")
	cmd.Flags().Bool("force", false, "overwrite an existing file")
	return cmd
}

// wizardAnswers collects the form values.
type wizardAnswers struct {
	name      string
	timezone  string
	channel   string
	from      string
	publicURL string
	address   string
	apiKey    string
	sid       string
	token     string
	store     string
}

func runConfigInit(cmd *cobra.Command, _ []string) error {
	out, _ := cmd.Flags().GetString("output")
	force, _ := cmd.Flags().GetBool("force")
	if _, err := os.Stat(out); err == nil && !force {
		return fmt.Errorf("%s already exists (use --force to overwrite)", out)
	}

	cfg := assistant.DefaultConfig()
	ans := wizardAnswers{
		name:     cfg.Name,
		timezone: localZone(),
		channel:  "twilio",
		address:  cfg.Gateway.Address,
		store:    "keyring",
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Assistant name").
				Value(&ans.name),
			huh.NewInput().
				Title("Timezone").
				Description("IANA name used to read dates and times, e.g. America/Sao_Paulo").
				Value(&ans.timezone).
				Validate(func(s string) error {
					_, err := time.LoadLocation(strings.TrimSpace(s))
					return err
				}),
			huh.NewSelect[string]().
				Title("How should WhatsApp messages arrive?").
				Options(
					huh.NewOption("Twilio WhatsApp (webhook)", "twilio"),
					huh.NewOption("WhatsApp Web (QR pairing)", "whatsapp"),
					huh.NewOption("Both", "both"),
				).
				Value(&ans.channel),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Twilio WhatsApp number").
				Placeholder("+14155238886").
				Value(&ans.from).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return errors.New("required for the Twilio channel")
					}
					return nil
				}),
			huh.NewInput().
				Title("Public base URL of the webhook").
				Description("Used to verify Twilio signatures behind a proxy. Leave empty to trust the request host.").
				Placeholder("https://assistant.example.com").
				Value(&ans.publicURL),
			huh.NewInput().
				Title("Twilio Account SID").
				Value(&ans.sid),
			huh.NewInput().
				Title("Twilio Auth Token").
				EchoMode(huh.EchoModePassword).
				Value(&ans.token),
		).WithHideFunc(func() bool { return ans.channel == "whatsapp" }),
		huh.NewGroup(
			huh.NewInput().
				Title("Gateway listen address").
				Value(&ans.address),
			huh.NewInput().
				Title("OpenRouter API key").
				Description("Optional. Without it messages are classified locally.").
				EchoMode(huh.EchoModePassword).
				Value(&ans.apiKey),
			huh.NewSelect[string]().
				Title("Where should secrets be stored?").
				Options(
					huh.NewOption("OS keyring", "keyring"),
					huh.NewOption("Encrypted vault file", "vault"),
					huh.NewOption("Nowhere, I'll use environment variables", "env"),
				).
				Value(&ans.store),
		),
	)
	if err := form.Run(); err != nil {
		if errors.Is(err, huh.ErrUserAborted) {
			fmt.Println("Setup cancelled.")
			return nil
		}
		return err
	}

	cfg.Name = strings.TrimSpace(ans.name)
	cfg.Timezone = strings.TrimSpace(ans.timezone)
	cfg.Gateway.Address = strings.TrimSpace(ans.address)
	cfg.Channels.Twilio.Enabled = ans.channel != "whatsapp"
	cfg.Channels.WhatsApp.Enabled = ans.channel != "twilio"
	cfg.Channels.Twilio.From = strings.TrimSpace(ans.from)
	cfg.Channels.Twilio.PublicURL = strings.TrimRight(strings.TrimSpace(ans.publicURL), "/")
	cfg.Secrets.Keyring = ans.store == "keyring"

	values := map[string]string{
		assistant.SecretOpenRouterKey: strings.TrimSpace(ans.apiKey),
		assistant.SecretTwilioSID:     strings.TrimSpace(ans.sid),
		assistant.SecretTwilioToken:   strings.TrimSpace(ans.token),
	}
	if ans.store == "env" {
		for name, v := range values {
			if v != "" {
				fmt.Printf("Remember to export %s.\n", name)
			}
		}
	} else {
		kv, done, err := secretStore(ans.store, cfg.Secrets.VaultFile, nil)
		if err != nil {
			return err
		}
		err = storeSecrets(kv, values)
		done()
		if err != nil {
			return err
		}
	}

	if err := assistant.SaveConfigToFile(cfg, out); err != nil {
		return err
	}
	fmt.Printf("Configuration written to %s\n", out)
	fmt.Println("Next: 'assistclaw google login', then 'assistclaw serve'.")
	return nil
}

// secretStore returns the store for kind ("vault" or "keyring"). An
// already unlocked vault is reused; done locks vaults opened here.
func secretStore(kind, vaultFile string, open *secrets.Vault) (secrets.KV, func(), error) {
	if kind == "vault" {
		if open != nil {
			return open, func() {}, nil
		}
		v, err := openOrCreateVault(vaultFile)
		if err != nil {
			return nil, nil, err
		}
		return v, v.Lock, nil
	}
	kr := secrets.NewKeyring(secrets.DefaultService)
	if !kr.Available() {
		return nil, nil, errors.New("OS keyring not available, use the vault instead")
	}
	return kr, func() {}, nil
}

// storeSecrets saves the non-empty values.
func storeSecrets(kv secrets.KV, values map[string]string) error {
	for name, v := range values {
		if v == "" {
			continue
		}
		if err := kv.Set(name, v); err != nil {
			return fmt.Errorf("storing %s: %w", name, err)
		}
	}
	return nil
}

// openOrCreateVault unlocks the vault at path, creating it when missing.
func openOrCreateVault(path string) (*secrets.Vault, error) {
	v := secrets.NewVault(path)
	if v.Exists() {
		pass := os.Getenv(secrets.VaultPasswordEnv)
		if pass == "" {
			var err error
			if pass, err = secrets.ReadPassword("Vault password: "); err != nil {
				return nil, err
			}
		}
		if err := v.Unlock(pass); err != nil {
			return nil, err
		}
		return v, nil
	}

	pass, err := secrets.ReadPassword("New vault password: ")
	if err != nil {
		return nil, err
	}
	if len(pass) < 8 {
		return nil, errors.New("vault password must have at least 8 characters")
	}
	confirm, err := secrets.ReadPassword("Repeat password: ")
	if err != nil {
		return nil, err
	}
	if pass != confirm {
		return nil, errors.New("passwords do not match")
	}
	if err := v.Create(pass); err != nil {
		return nil, err
	}
	fmt.Printf("Vault created at %s. Set %s to unlock it without a prompt.\n", path, secrets.VaultPasswordEnv)
	return v, nil
}

func newConfigSetKeyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "set-key <NAME>",
		Short: "Store a secret in the keyring or the vault",
		Long: `Read a secret without echo and store it. The vault is used when it
exists (or with --vault), the OS keyring otherwise.

Known names: ` + strings.Join(assistant.SecretNames, ", "),
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			name := strings.ToUpper(strings.TrimSpace(args[0]))
			if !known(name) {
				fmt.Printf("Note: %s is not a secret the config reads.\n", name)
			}

			useVault, _ := cmd.Flags().GetBool("vault")
			store := "keyring"
			if useVault || rt.vault != nil || secrets.NewVault(rt.cfg.Secrets.VaultFile).Exists() {
				store = "vault"
			}
			kv, done, err := secretStore(store, rt.cfg.Secrets.VaultFile, rt.vault)
			if err != nil {
				return err
			}
			defer done()

			value, err := secrets.ReadPassword(name + ": ")
			if err != nil {
				return err
			}
			if value == "" {
				return errors.New("empty value, nothing stored")
			}
			if err := storeSecrets(kv, map[string]string{name: value}); err != nil {
				return err
			}
			fmt.Printf("%s stored in the %s.\n", name, store)
			return nil
		},
	}
	cmd.Flags().Bool("vault", false, "store in the encrypted vault, creating it if needed")
	return cmd
}

func known(name string) bool {
	for _, n := range assistant.SecretNames {
		if n == name {
			return true
		}
	}
	return false
}

func newConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration (secrets masked)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			if rt.path == "" {
				fmt.Println("# no config file found, showing defaults")
			} else {
				fmt.Printf("# %s\n", rt.path)
			}
			data, err := assistant.MarshalSanitized(rt.cfg)
			if err != nil {
				return err
			}
			fmt.Print(string(data))

			fmt.Println()
			fmt.Println("# secrets")
			for _, name := range assistant.SecretNames {
				_, src := rt.resolver.Lookup(name)
				if src == secrets.SourceNone {
					src = "missing"
				}
				fmt.Printf("#   %-26s %s\n", name, src)
			}
			return nil
		},
	}
}

func localZone() string {
	if tz := os.Getenv("TZ"); tz != "" {
		return tz
	}
	if name := time.Local.String(); name != "Local" {
		return name
	}
	return "UTC"
}
