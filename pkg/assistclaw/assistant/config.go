// Package assistant wires the message pipeline together: channels feed the
// dialogue controller, the controller drives classification, validation and
// dispatch, and the gateway exposes webhooks and operator endpoints.
package assistant

import (
	"errors"
	"fmt"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels/twilio"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels/whatsapp"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/conversation"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/database"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dedup"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dialogue"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/gateway"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/google"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/scheduler"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/secrets"
)

// Secret names looked up in the vault, the keyring and the environment.
const (
	SecretOpenRouterKey = "OPENROUTER_API_KEY"
	SecretHFToken       = "HF_TOKEN"
	SecretTwilioSID     = "TWILIO_ACCOUNT_SID"
	SecretTwilioToken   = "TWILIO_AUTH_TOKEN"
	SecretGatewayToken  = "ASSISTCLAW_GATEWAY_TOKEN"
)

// SecretNames lists every secret the config can reference, in the order
// `config set-key` offers them.
var SecretNames = []string{
	SecretOpenRouterKey,
	SecretTwilioSID,
	SecretTwilioToken,
	SecretGatewayToken,
	SecretHFToken,
}

// Config holds the whole assistant configuration.
type Config struct {
	// Name is used in greetings and the OpenRouter attribution header.
	Name string `yaml:"name"`

	// Timezone interprets dates and times given by the user
	// (e.g. "America/Sao_Paulo"). Empty uses the host timezone.
	Timezone string `yaml:"timezone"`

	Logging      LoggingConfig       `yaml:"logging"`
	Classifier   ClassifierConfig    `yaml:"classifier"`
	Conversation conversation.Config `yaml:"conversation"`
	Dialogue     dialogue.Config     `yaml:"dialogue"`
	Dispatch     dispatch.Config     `yaml:"dispatch"`
	Google       google.Config       `yaml:"google"`
	Contacts     ContactsConfig      `yaml:"contacts"`
	Database     database.Config     `yaml:"database"`
	Dedup        dedup.Config        `yaml:"dedup"`
	Channels     ChannelsConfig      `yaml:"channels"`
	Gateway      gateway.Config      `yaml:"gateway"`
	Secrets      SecretsConfig       `yaml:"secrets"`
}

// LoggingConfig configures slog.
type LoggingConfig struct {
	// Level is the log level ("debug", "info", "warn", "error").
	Level string `yaml:"level"`

	// Format is the log format ("json", "text").
	Format string `yaml:"format"`
}

// ClassifierConfig configures the three classification tiers. The rules
// tier has no settings and always runs last.
type ClassifierConfig struct {
	// Budget caps the LLM and local tiers together for one message. The
	// rules tier runs even when it is spent.
	Budget time.Duration          `yaml:"budget"`
	LLM    classifier.LLMConfig   `yaml:"llm"`
	Local  classifier.LocalConfig `yaml:"local"`
}

// ContactsConfig configures the contacts cache refresh.
type ContactsConfig struct {
	// SyncSchedule is the cron schedule of the background sync. Empty
	// disables it.
	SyncSchedule string `yaml:"sync_schedule"`

	// SyncOnStart runs one sync right after startup.
	SyncOnStart bool `yaml:"sync_on_start"`
}

// ChannelsConfig configures the inbound channels.
type ChannelsConfig struct {
	Twilio   twilio.Config   `yaml:"twilio"`
	WhatsApp whatsapp.Config `yaml:"whatsapp"`
}

// SecretsConfig configures secret storage.
type SecretsConfig struct {
	// VaultFile is the encrypted vault path.
	VaultFile string `yaml:"vault_file"`

	// Keyring enables the OS keyring layer.
	Keyring bool `yaml:"keyring"`
}

// DefaultConfig returns the default assistant configuration.
func DefaultConfig() *Config {
	llm := classifier.DefaultLLMConfig()
	llm.APIKey = "${" + SecretOpenRouterKey + "}"

	tw := twilio.DefaultConfig()
	tw.AccountSID = "${" + SecretTwilioSID + "}"
	tw.AuthToken = "${" + SecretTwilioToken + "}"

	return &Config{
		Name:     "AssistClaw",
		Timezone: "",
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Classifier: ClassifierConfig{
			Budget: classifier.DefaultBudget,
			LLM:    llm,
			Local:  classifier.DefaultLocalConfig(),
		},
		Conversation: conversation.DefaultConfig(),
		Dialogue:     dialogue.DefaultConfig(),
		Dispatch:     dispatch.DefaultConfig(),
		Google:       google.DefaultConfig(),
		Contacts: ContactsConfig{
			SyncSchedule: "@every 6h",
			SyncOnStart:  true,
		},
		Database: database.DefaultConfig(),
		Dedup:    dedup.DefaultConfig(),
		Channels: ChannelsConfig{
			Twilio:   tw,
			WhatsApp: whatsapp.DefaultConfig(),
		},
		Gateway: gateway.DefaultConfig(),
		Secrets: SecretsConfig{
			VaultFile: secrets.DefaultVaultFile,
			Keyring:   true,
		},
	}
}

// Location returns the configured timezone.
func (c *Config) Location() (*time.Location, error) {
	if c.Timezone == "" {
		return time.Local, nil
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if _, err := c.Location(); err != nil {
		errs = append(errs, err)
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	if c.Classifier.Budget <= 0 || c.Classifier.Budget >= 10*time.Second {
		errs = append(errs, fmt.Errorf("classifier.budget must be within (0s, 10s), got %s", c.Classifier.Budget))
	}
	if c.Classifier.LLM.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("classifier.llm.timeout must be positive, got %s", c.Classifier.LLM.Timeout))
	}
	if c.Classifier.Local.Timeout <= 0 {
		errs = append(errs, fmt.Errorf("classifier.local.timeout must be positive, got %s", c.Classifier.Local.Timeout))
	}
	if c.Conversation.TTL < 0 {
		errs = append(errs, errors.New("conversation.ttl must not be negative"))
	}
	if c.Conversation.SweepInterval != "" {
		if err := scheduler.ValidateSchedule(c.Conversation.SweepInterval); err != nil {
			errs = append(errs, fmt.Errorf("conversation.sweep_interval: %w", err))
		}
	}
	if c.Contacts.SyncSchedule != "" {
		if err := scheduler.ValidateSchedule(c.Contacts.SyncSchedule); err != nil {
			errs = append(errs, fmt.Errorf("contacts.sync_schedule: %w", err))
		}
	}
	if c.Dialogue.SwitchConfidence < 0 || c.Dialogue.SwitchConfidence > 1 {
		errs = append(errs, fmt.Errorf("dialogue.switch_confidence must be within [0,1], got %v", c.Dialogue.SwitchConfidence))
	}
	if _, err := dispatch.WorkingWindow(time.Now(), c.Dispatch.WorkdayStart, c.Dispatch.WorkdayEnd); err != nil {
		errs = append(errs, fmt.Errorf("dispatch working hours: %w", err))
	}
	if c.Channels.Twilio.Enabled && c.Channels.Twilio.From == "" {
		errs = append(errs, errors.New("channels.twilio.from is required when the channel is enabled"))
	}
	return errors.Join(errs...)
}
