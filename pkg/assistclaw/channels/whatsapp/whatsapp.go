// Package whatsapp implements the direct WhatsApp channel on whatsmeow, the
// native Go WhatsApp Web client. It links as a companion device of the
// assistant's own number; the session lives in SQLite.
package whatsapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"go.mau.fi/whatsmeow"
	"go.mau.fi/whatsmeow/store"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	waLog "go.mau.fi/whatsmeow/util/log"

	_ "github.com/mattn/go-sqlite3" // session store driver

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
)

// Name is the channel identifier.
const Name = "whatsapp"

// Config holds the direct channel settings.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// DatabasePath is the SQLite file holding the whatsmeow session.
	DatabasePath string `yaml:"database_path"`

	// DeviceName is shown in WhatsApp's linked devices list.
	DeviceName string `yaml:"device_name"`

	RespondToGroups bool `yaml:"respond_to_groups"`
	AutoRead        bool `yaml:"auto_read"`
	SendTyping      bool `yaml:"send_typing"`
}

// DefaultConfig returns the channel defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath: "./data/whatsapp.db",
		DeviceName:   "AssistClaw",
		AutoRead:     true,
		SendTyping:   true,
	}
}

// ConnectionState is the link state.
type ConnectionState string

const (
	StateDisconnected ConnectionState = "disconnected"
	StateConnecting   ConnectionState = "connecting"
	StateWaitingQR    ConnectionState = "waiting_qr"
	StateConnected    ConnectionState = "connected"
	StateLoggedOut    ConnectionState = "logged_out"
)

// QREvent is a pairing update for observers (CLI, operator API).
type QREvent struct {
	// Type is "code", "success", "timeout" or "error".
	Type    string    `json:"type"`
	Code    string    `json:"code,omitempty"`
	Message string    `json:"message,omitempty"`
	At      time.Time `json:"at"`
}

// WhatsApp implements channels.Channel.
type WhatsApp struct {
	cfg    Config
	client *whatsmeow.Client
	logger *slog.Logger

	messages chan *channels.IncomingMessage
	closeMu  sync.RWMutex
	closed   bool

	connected  atomic.Bool
	state      atomic.Value // ConnectionState
	lastMsg    atomic.Value // time.Time
	errorCount atomic.Int64

	qrMu        sync.Mutex
	qrObservers []chan QREvent
	lastQR      *QREvent

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates the channel without connecting.
func New(cfg Config, logger *slog.Logger) *WhatsApp {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.DatabasePath == "" {
		cfg.DatabasePath = def.DatabasePath
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = def.DeviceName
	}
	w := &WhatsApp{
		cfg:      cfg,
		logger:   logger.With("component", "whatsapp"),
		messages: make(chan *channels.IncomingMessage, 256),
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	w.setState(StateDisconnected)
	return w
}

func (w *WhatsApp) getState() ConnectionState {
	if v, ok := w.state.Load().(ConnectionState); ok {
		return v
	}
	return StateDisconnected
}

func (w *WhatsApp) setState(s ConnectionState) { w.state.Store(s) }

// State returns the link state.
func (w *WhatsApp) State() ConnectionState { return w.getState() }

// Name implements channels.Channel.
func (w *WhatsApp) Name() string { return Name }

// Connect opens the session store and connects. Without a stored session it
// starts pairing in the background and returns; QR codes go to SubscribeQR.
func (w *WhatsApp) Connect(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.setState(StateConnecting)

	if dir := filepath.Dir(w.cfg.DatabasePath); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			w.setState(StateDisconnected)
			return fmt.Errorf("creating session dir: %w", err)
		}
	}
	container, err := sqlstore.New(w.ctx, "sqlite3",
		fmt.Sprintf("file:%s?_foreign_keys=1&_journal_mode=WAL", w.cfg.DatabasePath),
		waLog.Noop)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("creating session store: %w", err)
	}

	device, err := firstDevice(w.ctx, container)
	if err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("loading device: %w", err)
	}

	store.SetOSInfo(w.cfg.DeviceName, [3]uint32{1, 0, 0})

	w.client = whatsmeow.NewClient(device, waLog.Noop)
	w.client.AddEventHandler(w.handleEvent)
	w.client.EnableAutoReconnect = true

	if w.client.Store.ID == nil {
		w.setState(StateWaitingQR)
		w.logger.Info("no whatsapp session, waiting for QR pairing")
		go func() {
			if err := w.pair(w.ctx); err != nil {
				w.logger.Warn("whatsapp pairing not completed", "error", err)
			}
		}()
		return nil
	}

	if err := w.client.Connect(); err != nil {
		w.setState(StateDisconnected)
		return fmt.Errorf("connecting: %w", err)
	}
	w.connected.Store(true)
	w.setState(StateConnected)
	w.logger.Info("whatsapp connected", "jid", w.client.Store.ID.String())
	return nil
}

// Disconnect implements channels.Channel.
func (w *WhatsApp) Disconnect() error {
	w.setState(StateDisconnected)
	w.connected.Store(false)
	if w.cancel != nil {
		w.cancel()
	}
	if w.client != nil {
		w.client.Disconnect()
	}

	w.closeMu.Lock()
	if !w.closed {
		w.closed = true
		close(w.messages)
	}
	w.closeMu.Unlock()
	return nil
}

// Logout unlinks the device and clears the stored session.
func (w *WhatsApp) Logout(ctx context.Context) error {
	if w.client == nil {
		return nil
	}
	w.connected.Store(false)
	if err := w.client.Logout(ctx); err != nil {
		w.logger.Warn("logout failed, deleting local session", "error", err)
		w.client.Disconnect()
		if w.client.Store != nil {
			if err := w.client.Store.Delete(ctx); err != nil {
				return fmt.Errorf("deleting session: %w", err)
			}
		}
	}
	w.setState(StateLoggedOut)
	return nil
}

// Send implements channels.Channel.
func (w *WhatsApp) Send(ctx context.Context, to string, msg *channels.OutgoingMessage) error {
	if !w.connected.Load() || w.client == nil {
		return channels.ErrChannelDisconnected
	}
	jid, err := parseJID(to)
	if err != nil {
		return fmt.Errorf("invalid JID %q: %w", to, err)
	}
	if _, err := w.client.SendMessage(ctx, jid, textMessage(msg.Content, msg.ReplyTo, jid)); err != nil {
		w.errorCount.Add(1)
		return fmt.Errorf("sending message: %w", err)
	}
	return nil
}

// Typing shows "typing..." to the user while the dialogue runs.
func (w *WhatsApp) Typing(ctx context.Context, to string) error {
	if !w.cfg.SendTyping || !w.connected.Load() || w.client == nil {
		return nil
	}
	jid, err := parseJID(to)
	if err != nil {
		return err
	}
	return w.client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
}

// Receive implements channels.Channel.
func (w *WhatsApp) Receive() <-chan *channels.IncomingMessage { return w.messages }

// IsConnected implements channels.Channel.
func (w *WhatsApp) IsConnected() bool { return w.connected.Load() }

// NeedsQR reports whether the device still has to be paired.
func (w *WhatsApp) NeedsQR() bool {
	return w.client != nil && w.client.Store.ID == nil && !w.connected.Load()
}

// Health implements channels.Channel.
func (w *WhatsApp) Health() channels.HealthStatus {
	h := channels.HealthStatus{
		Connected:  w.connected.Load(),
		ErrorCount: int(w.errorCount.Load()),
		Details:    map[string]any{"state": string(w.getState())},
	}
	if t, ok := w.lastMsg.Load().(time.Time); ok {
		h.LastMessageAt = t
	}
	if w.client != nil && w.client.Store.ID != nil {
		h.Details["jid"] = w.client.Store.ID.String()
	}
	return h
}

// SubscribeQR returns a stream of pairing events and its cancel func. The
// latest code, if any, is replayed to the new subscriber.
func (w *WhatsApp) SubscribeQR() (<-chan QREvent, func()) {
	ch := make(chan QREvent, 8)
	w.qrMu.Lock()
	w.qrObservers = append(w.qrObservers, ch)
	if w.lastQR != nil {
		ch <- *w.lastQR
	}
	w.qrMu.Unlock()

	return ch, func() {
		w.qrMu.Lock()
		defer w.qrMu.Unlock()
		for i, obs := range w.qrObservers {
			if obs == ch {
				w.qrObservers = append(w.qrObservers[:i], w.qrObservers[i+1:]...)
				close(ch)
				return
			}
		}
	}
}

// LastQR returns the pending QR code, if pairing is waiting for one.
func (w *WhatsApp) LastQR() (QREvent, bool) {
	w.qrMu.Lock()
	defer w.qrMu.Unlock()
	if w.lastQR == nil {
		return QREvent{}, false
	}
	return *w.lastQR, true
}

func (w *WhatsApp) notifyQR(evt QREvent) {
	evt.At = time.Now()
	w.qrMu.Lock()
	defer w.qrMu.Unlock()
	if evt.Type == "code" {
		w.lastQR = &evt
	} else {
		w.lastQR = nil
	}
	for _, ch := range w.qrObservers {
		select {
		case ch <- evt:
		default:
		}
	}
}

// pair runs the QR login flow until success, timeout or ctx end.
func (w *WhatsApp) pair(ctx context.Context) error {
	qrChan, err := w.client.GetQRChannel(ctx)
	if err != nil {
		return fmt.Errorf("getting QR channel: %w", err)
	}
	if err := w.client.Connect(); err != nil {
		return fmt.Errorf("connecting for QR: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			w.setState(StateDisconnected)
			return ctx.Err()
		case evt, ok := <-qrChan:
			if !ok {
				return errors.New("QR channel closed")
			}
			switch evt.Event {
			case "code":
				w.setState(StateWaitingQR)
				w.logger.Info("whatsapp QR code ready, scan it from Linked devices")
				w.notifyQR(QREvent{Type: "code", Code: evt.Code})
			case "success":
				w.connected.Store(true)
				w.setState(StateConnected)
				w.logger.Info("whatsapp paired")
				w.notifyQR(QREvent{Type: "success", Message: "paired"})
				return nil
			case "timeout":
				w.setState(StateDisconnected)
				w.notifyQR(QREvent{Type: "timeout", Message: "QR code expired"})
				return errors.New("QR code timeout")
			default:
				if evt.Error != nil {
					w.setState(StateDisconnected)
					w.notifyQR(QREvent{Type: "error", Message: evt.Error.Error()})
					return fmt.Errorf("QR login: %w", evt.Error)
				}
			}
		}
	}
}

func (w *WhatsApp) emit(msg *channels.IncomingMessage) {
	w.closeMu.RLock()
	defer w.closeMu.RUnlock()
	if w.closed {
		return
	}
	select {
	case w.messages <- msg:
		w.lastMsg.Store(time.Now())
	default:
		w.logger.Warn("inbound queue full, dropping message", "from", msg.From, "msg_id", msg.ID)
	}
}

func firstDevice(ctx context.Context, c *sqlstore.Container) (*store.Device, error) {
	devices, err := c.GetAllDevices(ctx)
	if err != nil {
		return nil, err
	}
	if len(devices) > 0 {
		return devices[0], nil
	}
	return c.NewDevice(), nil
}
