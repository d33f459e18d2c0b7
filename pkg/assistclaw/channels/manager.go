// manager.go gerencia os canais registrados, agregando as mensagens
// recebidas num único stream e roteando as respostas ao canal de origem.
package channels

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// SendObserver is told about every outbound attempt.
type SendObserver interface {
	ObserveOutbound(channel string, err error)
}

// Manager orquestra os canais.
type Manager struct {
	channels map[string]Channel

	// messages recebe as mensagens de todos os canais.
	messages chan *IncomingMessage

	logger   *slog.Logger
	observer SendObserver

	listenWg sync.WaitGroup
	stopOnce sync.Once

	mu     sync.RWMutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewManager cria o gerenciador. observer may be nil.
func NewManager(logger *slog.Logger, observer SendObserver) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		channels: make(map[string]Channel),
		messages: make(chan *IncomingMessage, 256),
		logger:   logger.With("component", "channels"),
		observer: observer,
	}
}

// Register adds a channel. Call before Start.
func (m *Manager) Register(ch Channel) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	name := ch.Name()
	if _, exists := m.channels[name]; exists {
		return fmt.Errorf("channel %q already registered", name)
	}
	m.channels[name] = ch
	m.logger.Info("channel registered", "channel", name)
	return nil
}

// Start connects every channel and forwards their messages. Channels that
// fail to connect are logged; Start fails only when none connected.
func (m *Manager) Start(ctx context.Context) error {
	m.ctx, m.cancel = context.WithCancel(ctx)

	// Snapshot para não competir com Register.
	m.mu.RLock()
	snapshot := make(map[string]Channel, len(m.channels))
	for k, v := range m.channels {
		snapshot[k] = v
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		m.logger.Warn("no channels registered")
		return nil
	}

	var connected int
	for name, ch := range snapshot {
		if err := ch.Connect(m.ctx); err != nil {
			m.logger.Error("channel connect failed", "channel", name, "error", err)
			continue
		}
		connected++
		m.logger.Info("channel connected", "channel", name)

		m.listenWg.Add(1)
		go func(c Channel) {
			defer m.listenWg.Done()
			m.listen(c)
		}(ch)
	}

	if connected == 0 {
		return fmt.Errorf("no channel connected")
	}
	m.logger.Info("channels started", "connected", connected)
	return nil
}

// Stop disconnects every channel, waits for the listeners and closes the
// aggregate stream. Safe to call twice.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		if m.cancel != nil {
			m.cancel()
		}

		m.mu.RLock()
		for name, ch := range m.channels {
			if err := ch.Disconnect(); err != nil {
				m.logger.Error("channel disconnect failed", "channel", name, "error", err)
			}
		}
		m.mu.RUnlock()

		// Espera os listeners antes de fechar, senão o send entra em pânico.
		m.listenWg.Wait()
		close(m.messages)
		m.logger.Info("channels stopped")
	})
}

// Messages is the aggregate inbound stream. It closes after Stop.
func (m *Manager) Messages() <-chan *IncomingMessage {
	return m.messages
}

// Send routes msg through the named channel.
func (m *Manager) Send(ctx context.Context, channelName, to string, msg *OutgoingMessage) error {
	m.mu.RLock()
	ch, ok := m.channels[channelName]
	m.mu.RUnlock()

	var err error
	switch {
	case !ok:
		err = fmt.Errorf("%w: %q", ErrUnknownChannel, channelName)
	case !ch.IsConnected():
		err = fmt.Errorf("channel %q: %w", channelName, ErrChannelDisconnected)
	default:
		err = ch.Send(ctx, to, msg)
	}
	if m.observer != nil {
		m.observer.ObserveOutbound(channelName, err)
	}
	return err
}

// Channel returns a registered channel by name.
func (m *Manager) Channel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

// HealthAll returns every channel's health keyed by name.
func (m *Manager) HealthAll() map[string]HealthStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]HealthStatus, len(m.channels))
	for name, ch := range m.channels {
		out[name] = ch.Health()
	}
	return out
}

func (m *Manager) listen(ch Channel) {
	for {
		select {
		case msg, ok := <-ch.Receive():
			if !ok {
				return
			}
			select {
			case m.messages <- msg:
			case <-m.ctx.Done():
				return
			}
		case <-m.ctx.Done():
			return
		}
	}
}
