// Package twilio implements the WhatsApp relay channel: Twilio posts inbound
// messages to a webhook, and replies go out through the Messages REST API.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	twilio "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dedup"
)

const (
	// Name is the channel identifier.
	Name = "twilio"

	// maxBody is Twilio's WhatsApp body limit in characters.
	maxBody = 1600

	whatsappPrefix = "whatsapp:"
)

// Config holds the relay settings.
type Config struct {
	Enabled    bool   `yaml:"enabled"`
	AccountSID string `yaml:"account_sid"`
	AuthToken  string `yaml:"auth_token"`

	// From is the sender number, e.g. "whatsapp:+14155238886".
	From string `yaml:"from"`

	// WebhookPath is where the gateway mounts the inbound handler.
	WebhookPath string `yaml:"webhook_path"`

	// PublicURL is the externally visible base URL Twilio calls
	// (e.g. https://bot.example.com). Signatures are computed over it, so it
	// matters behind proxies. Empty means rebuild it from the request.
	PublicURL string `yaml:"public_url"`

	// ValidateSignature rejects requests without a valid X-Twilio-Signature.
	// It only applies when AuthToken is set.
	ValidateSignature bool `yaml:"validate_signature"`

	SendTimeout time.Duration `yaml:"send_timeout"`
}

// DefaultConfig returns the relay defaults.
func DefaultConfig() Config {
	return Config{
		WebhookPath:       "/webhook/twilio",
		ValidateSignature: true,
		SendTimeout:       10 * time.Second,
	}
}

// MessageCreator is the part of the Twilio REST client the channel uses.
type MessageCreator interface {
	CreateMessage(params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error)
}

// InboundObserver counts webhook outcomes (accepted, duplicate, rejected).
type InboundObserver interface {
	ObserveInbound(channel, result string)
}

// Channel implements channels.Channel and serves the inbound webhook.
type Channel struct {
	cfg       Config
	api       MessageCreator
	validator client.RequestValidator
	dedup     dedup.Store
	observer  InboundObserver
	logger    *slog.Logger

	messages   chan *channels.IncomingMessage
	mu         sync.RWMutex
	closed     bool
	connected  atomic.Bool
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64
	now        func() time.Time
}

// Option configures a Channel.
type Option func(*Channel)

// WithDedup drops repeated MessageSids.
func WithDedup(s dedup.Store) Option {
	return func(c *Channel) { c.dedup = s }
}

// WithObserver reports webhook outcomes.
func WithObserver(o InboundObserver) Option {
	return func(c *Channel) { c.observer = o }
}

// WithAPI replaces the REST client, for tests.
func WithAPI(api MessageCreator) Option {
	return func(c *Channel) { c.api = api }
}

// New builds the channel. The REST client is created from the account
// credentials unless WithAPI is given.
func New(cfg Config, logger *slog.Logger, opts ...Option) (*Channel, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.From == "" {
		return nil, errors.New("twilio: from number is required")
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = DefaultConfig().SendTimeout
	}
	if cfg.WebhookPath == "" {
		cfg.WebhookPath = DefaultConfig().WebhookPath
	}

	c := &Channel{
		cfg:       cfg,
		validator: client.NewRequestValidator(cfg.AuthToken),
		logger:    logger.With("component", "twilio"),
		messages:  make(chan *channels.IncomingMessage, 256),
		now:       time.Now,
	}
	for _, o := range opts {
		o(c)
	}
	if c.api == nil {
		if cfg.AccountSID == "" || cfg.AuthToken == "" {
			return nil, errors.New("twilio: account_sid and auth_token are required")
		}
		rc := twilio.NewRestClientWithParams(twilio.ClientParams{
			Username: cfg.AccountSID,
			Password: cfg.AuthToken,
		})
		c.api = rc.Api
	}
	if cfg.ValidateSignature && cfg.AuthToken == "" {
		c.logger.Warn("signature validation requested but no auth token set, webhook is unauthenticated")
	}
	return c, nil
}

// Name implements channels.Channel.
func (c *Channel) Name() string { return Name }

// WebhookPath returns where the handler should be mounted.
func (c *Channel) WebhookPath() string { return c.cfg.WebhookPath }

// Connect implements channels.Channel. The relay is push based, so this only
// opens the webhook for business.
func (c *Channel) Connect(_ context.Context) error {
	c.mu.RLock()
	closed := c.closed
	c.mu.RUnlock()
	if closed {
		return errors.New("twilio: channel already disconnected")
	}
	c.connected.Store(true)
	c.logger.Info("twilio relay ready", "webhook", c.cfg.WebhookPath, "from", c.cfg.From)
	return nil
}

// Disconnect implements channels.Channel.
func (c *Channel) Disconnect() error {
	c.connected.Store(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.messages)
	}
	return nil
}

// Receive implements channels.Channel.
func (c *Channel) Receive() <-chan *channels.IncomingMessage { return c.messages }

// IsConnected implements channels.Channel.
func (c *Channel) IsConnected() bool { return c.connected.Load() }

// Health implements channels.Channel.
func (c *Channel) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  c.connected.Load(),
		ErrorCount: int(c.errorCount.Load()),
		Details: map[string]any{
			"from":    c.cfg.From,
			"webhook": c.cfg.WebhookPath,
			"signed":  c.cfg.ValidateSignature && c.cfg.AuthToken != "",
		},
	}
	if t, ok := c.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	return h
}

// Send implements channels.Channel. Bodies over Twilio's limit are split on
// line breaks and sent in order.
func (c *Channel) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.SendTimeout)
	defer cancel()

	for _, part := range split(msg.Content, maxBody) {
		if err := ctx.Err(); err != nil {
			return err
		}
		params := &twilioApi.CreateMessageParams{}
		params.SetTo(address(to, c.cfg.From))
		params.SetFrom(c.cfg.From)
		params.SetBody(part)

		resp, err := c.create(ctx, params)
		if err != nil {
			c.errorCount.Add(1)
			return fmt.Errorf("twilio send: %w", err)
		}
		if resp != nil && resp.Sid != nil {
			c.logger.Debug("message sent", "to", to, "sid", *resp.Sid)
		}
	}
	return nil
}

// create runs the blocking REST call so ctx can abandon it.
func (c *Channel) create(ctx context.Context, params *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	type result struct {
		msg *twilioApi.ApiV2010Message
		err error
	}
	done := make(chan result, 1)
	go func() {
		m, err := c.api.CreateMessage(params)
		done <- result{m, err}
	}()
	select {
	case r := <-done:
		return r.msg, r.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Channel) emit(msg *channels.IncomingMessage) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed || !c.connected.Load() {
		return channels.ErrChannelDisconnected
	}
	select {
	case c.messages <- msg:
		c.lastMsg.Store(c.now())
		return nil
	default:
		return channels.ErrQueueFull
	}
}

func (c *Channel) observe(result string) {
	if c.observer != nil {
		c.observer.ObserveInbound(Name, result)
	}
}

// address gives to the same "whatsapp:" scheme as from.
func address(to, from string) string {
	if strings.HasPrefix(from, whatsappPrefix) && !strings.HasPrefix(to, whatsappPrefix) {
		return whatsappPrefix + to
	}
	return to
}

// userID strips the transport scheme from a Twilio address.
func userID(addr string) string {
	return strings.TrimPrefix(addr, whatsappPrefix)
}

// split cuts text into parts of at most limit runes, preferring line breaks.
func split(text string, limit int) []string {
	if utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var parts []string
	for utf8.RuneCountInString(text) > limit {
		cut := byteOffset(text, limit)
		if nl := strings.LastIndex(text[:cut], "\n"); nl > 0 {
			cut = nl
		}
		parts = append(parts, strings.TrimRight(text[:cut], "\n"))
		text = strings.TrimLeft(text[cut:], "\n")
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}

// byteOffset returns the byte index just past the first n runes of s.
func byteOffset(s string, n int) int {
	for i := range s {
		if n == 0 {
			return i
		}
		n--
	}
	return len(s)
}
