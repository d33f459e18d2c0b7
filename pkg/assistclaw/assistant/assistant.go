package assistant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels/twilio"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels/whatsapp"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/contacts"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/conversation"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/database"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dedup"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dialogue"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/gateway"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/google"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/metrics"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/scheduler"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/secrets"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/validator"
)

// Job ids registered by Start.
const (
	JobConversationSweep = "conversation-sweep"
	JobContactsSync      = "contacts-sync"
)

// handleTimeout bounds one inbound message, reply included.
const handleTimeout = 30 * time.Second

const mediaNotice = "I can only read text messages for now. Please type your request."

// Option customizes an Assistant.
type Option func(*Assistant)

// WithVersion sets the version reported by the gateway.
func WithVersion(v string) Option {
	return func(a *Assistant) { a.version = v }
}

// WithResolver sets the secrets chain. The Google token is kept in its
// writable layer when there is one.
func WithResolver(r *secrets.Resolver) Option {
	return func(a *Assistant) { a.resolver = r }
}

// WithTokenStore overrides where the Google token is kept.
func WithTokenStore(s google.TokenStore) Option {
	return func(a *Assistant) { a.tokens = s }
}

// WithGoogle injects the Google adapters instead of connecting with the
// stored token.
func WithGoogle(svc dispatch.Services, remote contacts.Remote) Option {
	return func(a *Assistant) {
		a.services = &svc
		a.remote = remote
	}
}

// WithClassifier replaces the tier chain.
func WithClassifier(c dialogue.Classifier) Option {
	return func(a *Assistant) { a.classifier = c }
}

// WithChannel registers an extra channel on Start.
func WithChannel(ch channels.Channel) Option {
	return func(a *Assistant) { a.extra = append(a.extra, ch) }
}

// Assistant owns every component and their lifecycle.
type Assistant struct {
	cfg      *Config
	logger   *slog.Logger
	version  string
	loc      *time.Location
	resolver *secrets.Resolver
	tokens   google.TokenStore

	services   *dispatch.Services
	remote     contacts.Remote
	classifier dialogue.Classifier
	extra      []channels.Channel

	metrics    *metrics.Metrics
	db         *database.DB
	store      *conversation.Store
	directory  *contacts.Directory
	controller *dialogue.Controller

	dedup     dedup.Store
	channels  *channels.Manager
	whatsapp  *whatsapp.WhatsApp
	scheduler *scheduler.Scheduler
	gateway   *gateway.Gateway

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New builds the dialogue core: database, contacts directory, Google
// adapters, classifier chain, validator, dispatcher and controller.
// Google is optional; without a token the related intents answer that the
// service is not configured.
func New(ctx context.Context, cfg *Config, logger *slog.Logger, opts ...Option) (*Assistant, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	a := &Assistant{
		cfg:     cfg,
		logger:  logger,
		version: "dev",
		loc:     loc,
		metrics: metrics.New(),
	}
	for _, opt := range opts {
		opt(a)
	}

	a.db, err = database.Open(ctx, cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if a.services == nil {
		a.connectGoogle(ctx)
	}
	a.directory = contacts.NewDirectory(a.remote, contacts.NewCache(a.db.DB), logger)
	a.services.Contacts = a.directory

	if a.classifier == nil {
		a.classifier = a.buildChain()
	}

	a.store = conversation.NewStore(cfg.Conversation, logger)
	a.controller = dialogue.New(dialogue.Deps{
		Store:      a.store,
		Classifier: a.classifier,
		Validator:  validator.New(validator.WithLocation(loc)),
		Dispatcher: dispatch.New(*a.services, cfg.Dispatch, logger, dispatch.WithLocation(loc)),
		Syncer:     a.directory,
	}, cfg.Dialogue, logger, dialogue.WithObserver(a.metrics))

	a.metrics.GaugeFunc("active_conversations", "Conversations currently held in the state store.",
		func() float64 { return float64(a.store.Count()) })

	return a, nil
}

// connectGoogle builds the Google adapters from the stored token.
func (a *Assistant) connectGoogle(ctx context.Context) {
	a.services = &dispatch.Services{}
	clients, err := google.Connect(ctx, a.cfg.Google, a.TokenStore(), a.loc, a.logger)
	if err != nil {
		if errors.Is(err, google.ErrNoToken) {
			a.logger.Warn("google account not linked, run 'assistclaw google login'")
		} else {
			a.logger.Warn("google services unavailable", "error", err)
		}
		return
	}
	a.services.Calendar = clients.Calendar
	a.services.Mailer = clients.Mailer
	a.remote = clients.People
	a.logger.Info("google services connected", "calendar", a.cfg.Google.CalendarID)
}

// TokenStore returns where the Google token is kept: the override, the
// vault or keyring, or the token file.
func (a *Assistant) TokenStore() google.TokenStore {
	if a.tokens != nil {
		return a.tokens
	}
	return TokenStoreFor(a.cfg, a.resolver)
}

// TokenStoreFor picks the Google token store for cfg: the resolver's
// writable layer when there is one, the token file otherwise.
func TokenStoreFor(cfg *Config, resolver *secrets.Resolver) google.TokenStore {
	if resolver != nil {
		if kv, _ := resolver.Writer(); kv != nil {
			return secrets.NewTokenStore(kv)
		}
	}
	return google.FileTokenStore{Path: cfg.Google.TokenFile}
}

// buildChain assembles LLM → local → rules, skipping tiers that are not
// configured.
func (a *Assistant) buildChain() *classifier.Chain {
	chain := classifier.NewChain(a.logger,
		classifier.WithObserver(a.metrics),
		classifier.WithBudget(a.cfg.Classifier.Budget),
	)

	llmCfg := a.cfg.Classifier.LLM
	if llmCfg.Title == "" {
		llmCfg.Title = a.cfg.Name
	}
	if llmCfg.APIKey != "" {
		tier, err := classifier.NewLLMTier(llmCfg, a.logger)
		if err != nil {
			a.logger.Warn("llm tier disabled", "error", err)
		} else {
			chain.Add(tier, classifier.TierConfig{Timeout: llmCfg.Timeout, MinConfidence: llmCfg.MinConfidence})
		}
	} else {
		a.logger.Info("llm tier disabled, no OpenRouter key")
	}

	localCfg := a.cfg.Classifier.Local
	if localCfg.Endpoint != "" {
		tier, err := classifier.NewLocalTier(localCfg, a.logger)
		if err != nil {
			a.logger.Warn("local tier disabled", "error", err)
		} else {
			chain.Add(tier, classifier.TierConfig{Timeout: localCfg.Timeout, MinConfidence: localCfg.MinConfidence})
		}
	}

	chain.Add(classifier.NewRulesTier(), classifier.TierConfig{AlwaysRun: true})
	a.logger.Info("classifier chain ready", "tiers", chain.Sources(), "budget", a.cfg.Classifier.Budget)
	return chain
}

// Start connects the channels, mounts the webhooks, starts the gateway and
// the scheduler, and begins processing messages.
func (a *Assistant) Start(ctx context.Context) error {
	a.ctx, a.cancel = context.WithCancel(ctx)
	a.logger.Info("starting AssistClaw", "name", a.cfg.Name, "version", a.version, "timezone", a.loc.String())

	var err error
	a.dedup, err = dedup.New(a.ctx, a.cfg.Dedup, a.logger)
	if err != nil {
		a.logger.Warn("redis dedup unavailable, using process memory", "error", err)
		ttl := a.cfg.Dedup.TTL
		if ttl <= 0 {
			ttl = dedup.DefaultConfig().TTL
		}
		a.dedup = dedup.NewMemory(ttl)
	}

	a.channels = channels.NewManager(a.logger, a.metrics)
	a.gateway = gateway.New(a.cfg.Gateway, gateway.Deps{
		Conversations: a.store,
		Channels:      a.channels,
		Metrics:       a.metrics.Handler(),
		Jobs:          a.jobs,
		Status:        a.Status,
		QR:            a.qr,
	}, a.version, a.logger)

	a.registerChannels()

	if err := a.channels.Start(a.ctx); err != nil {
		a.logger.Warn("channels started with errors", "error", err)
	}

	if err := a.gateway.Start(a.ctx); err != nil {
		a.cancel()
		return fmt.Errorf("starting gateway: %w", err)
	}

	a.scheduler = scheduler.New(a.logger)
	if err := a.registerJobs(); err != nil {
		a.cancel()
		return err
	}
	a.scheduler.Start(a.ctx)

	if a.cfg.Contacts.SyncOnStart && a.remote != nil {
		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.scheduler.RunNow(JobContactsSync); err != nil {
				a.logger.Warn("initial contacts sync not started", "error", err)
			}
		}()
	}

	a.wg.Add(1)
	go a.messageLoop()
	return nil
}

func (a *Assistant) registerChannels() {
	tw := a.cfg.Channels.Twilio
	if tw.Enabled {
		ch, err := twilio.New(tw, a.logger,
			twilio.WithDedup(a.dedup),
			twilio.WithObserver(a.metrics),
		)
		if err != nil {
			a.logger.Error("failed to create Twilio channel", "error", err)
		} else if err := a.channels.Register(ch); err != nil {
			a.logger.Error("failed to register Twilio channel", "error", err)
		} else {
			a.gateway.Mount(ch.WebhookPath(), ch)
			a.logger.Info("Twilio channel registered", "webhook", ch.WebhookPath())
		}
	}

	if a.cfg.Channels.WhatsApp.Enabled {
		wa := whatsapp.New(a.cfg.Channels.WhatsApp, a.logger)
		if err := a.channels.Register(wa); err != nil {
			a.logger.Error("failed to register WhatsApp channel", "error", err)
		} else {
			a.whatsapp = wa
			a.logger.Info("WhatsApp channel registered")
		}
	}

	for _, ch := range a.extra {
		if err := a.channels.Register(ch); err != nil {
			a.logger.Error("failed to register channel", "channel", ch.Name(), "error", err)
		}
	}
}

func (a *Assistant) registerJobs() error {
	if a.cfg.Conversation.SweepInterval != "" {
		if err := a.scheduler.Add(&scheduler.Job{
			ID:       JobConversationSweep,
			Schedule: a.cfg.Conversation.SweepInterval,
			Timeout:  time.Minute,
			Run: a.observed(JobConversationSweep, func(context.Context) error {
				a.store.Sweep()
				return nil
			}),
		}); err != nil {
			return fmt.Errorf("scheduling conversation sweep: %w", err)
		}
	}

	if a.cfg.Contacts.SyncSchedule != "" && a.remote != nil {
		if err := a.scheduler.Add(&scheduler.Job{
			ID:       JobContactsSync,
			Schedule: a.cfg.Contacts.SyncSchedule,
			Run: a.observed(JobContactsSync, func(ctx context.Context) error {
				_, err := a.directory.Sync(ctx)
				return err
			}),
		}); err != nil {
			return fmt.Errorf("scheduling contacts sync: %w", err)
		}
	}
	return nil
}

func (a *Assistant) observed(id string, run func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		err := run(ctx)
		a.metrics.ObserveJob(id, err)
		return err
	}
}

// Stop shuts everything down in reverse start order.
func (a *Assistant) Stop() {
	a.logger.Info("stopping AssistClaw...")
	if a.cancel != nil {
		a.cancel()
	}
	if a.scheduler != nil {
		a.scheduler.Stop()
	}
	if a.gateway != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := a.gateway.Stop(ctx); err != nil {
			a.logger.Warn("gateway shutdown", "error", err)
		}
		cancel()
	}
	if a.channels != nil {
		a.channels.Stop()
	}
	a.wg.Wait()
	a.Close()
	a.logger.Info("AssistClaw stopped")
}

// Close releases the storage. Stop calls it; commands that only use the
// core call it directly.
func (a *Assistant) Close() {
	if a.dedup != nil {
		if err := a.dedup.Close(); err != nil {
			a.logger.Warn("error closing dedup store", "error", err)
		}
		a.dedup = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("error closing database", "error", err)
		}
		a.db = nil
	}
}

func (a *Assistant) messageLoop() {
	defer a.wg.Done()
	for {
		select {
		case msg, ok := <-a.channels.Messages():
			if !ok {
				return
			}
			a.wg.Add(1)
			go func() {
				defer a.wg.Done()
				a.handleMessage(msg)
			}()
		case <-a.ctx.Done():
			return
		}
	}
}

// typer is implemented by channels that can show a typing indicator.
type typer interface {
	Typing(ctx context.Context, to string) error
}

func (a *Assistant) handleMessage(msg *channels.IncomingMessage) {
	ctx, cancel := context.WithTimeout(a.ctx, handleTimeout)
	defer cancel()

	logger := a.logger.With("channel", msg.Channel, "from", msg.From, "msg_id", msg.ID)
	start := time.Now()

	if ch, ok := a.channels.Channel(msg.Channel); ok {
		if t, ok := ch.(typer); ok {
			if err := t.Typing(ctx, msg.From); err != nil {
				logger.Debug("typing indicator failed", "error", err)
			}
		}
	}

	text, intent := a.Reply(ctx, msg)
	if text == "" {
		return
	}

	err := a.channels.Send(ctx, msg.Channel, msg.From, &channels.OutgoingMessage{
		Content: text,
		ReplyTo: msg.ID,
	})
	if err != nil {
		logger.Error("failed to send reply", "intent", intent, "error", err)
		return
	}
	logger.Info("reply sent", "intent", intent, "duration_ms", time.Since(start).Milliseconds())
}

// Reply runs one message through the dialogue and returns the answer. Media
// without text gets a fixed notice; empty messages get no answer.
func (a *Assistant) Reply(ctx context.Context, msg *channels.IncomingMessage) (string, classifier.Intent) {
	text := strings.TrimSpace(msg.Content)
	if text == "" {
		if len(msg.Media) > 0 {
			return mediaNotice, classifier.IntentUnknown
		}
		return "", classifier.IntentUnknown
	}
	a.logger.Debug("incoming message",
		"channel", msg.Channel, "from", msg.From, "msg_id", msg.ID,
		"content_preview", truncate(text, 50))

	reply := a.controller.Handle(ctx, msg.From, text)
	return reply.Text, reply.Intent
}

// Status reports storage details for /api/status.
func (a *Assistant) Status(ctx context.Context) map[string]any {
	out := map[string]any{}
	if a.db != nil {
		out["database"] = a.db.Status(ctx)
	}
	count, last, err := a.directory.Status(ctx)
	c := map[string]any{"count": count, "remote": a.remote != nil}
	if err != nil {
		c["error"] = err.Error()
	}
	if last != nil {
		c["last_sync"] = last
	}
	out["contacts"] = c
	out["google"] = a.services.Calendar != nil
	return out
}

func (a *Assistant) jobs() []scheduler.JobStatus {
	if a.scheduler == nil {
		return nil
	}
	return a.scheduler.List()
}

func (a *Assistant) qr() (string, bool) {
	if a.whatsapp == nil {
		return "", false
	}
	evt, ok := a.whatsapp.LastQR()
	if !ok || evt.Code == "" {
		return "", false
	}
	return evt.Code, true
}

// Controller returns the dialogue controller.
func (a *Assistant) Controller() *dialogue.Controller { return a.controller }

// Directory returns the contacts directory.
func (a *Assistant) Directory() *contacts.Directory { return a.directory }

// Conversations returns the state store.
func (a *Assistant) Conversations() *conversation.Store { return a.store }

// Metrics returns the metrics registry.
func (a *Assistant) Metrics() *metrics.Metrics { return a.metrics }

// WhatsApp returns the WhatsApp channel, nil when it is disabled.
func (a *Assistant) WhatsApp() *whatsapp.WhatsApp { return a.whatsapp }

// HasGoogle reports whether the Google adapters are connected.
func (a *Assistant) HasGoogle() bool { return a.remote != nil }

// Config returns the active configuration.
func (a *Assistant) Config() *Config { return a.cfg }

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
