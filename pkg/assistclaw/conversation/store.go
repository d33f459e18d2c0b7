package conversation

import (
	"log/slog"
	"sort"
	"sync"
	"time"
)

// DefaultTTL is how long an idle conversation is kept.
const DefaultTTL = 30 * time.Minute

// Config configures the state store.
type Config struct {
	// TTL expires conversations idle for longer than this.
	TTL time.Duration `yaml:"ttl"`

	// SweepInterval is the cron schedule of the expiry sweep.
	SweepInterval string `yaml:"sweep_interval"`
}

// DefaultConfig returns the store defaults.
func DefaultConfig() Config {
	return Config{
		TTL:           DefaultTTL,
		SweepInterval: "@every 1m",
	}
}

// entry guards one user's state. refs counts the goroutines holding or
// waiting on mu; the sweep only removes entries with refs == 0.
type entry struct {
	mu    sync.Mutex
	refs  int
	state *State
}

// Store mapeia usuários para o estado da conversa em andamento.
// Acessos ao mesmo usuário são serializados; usuários diferentes só
// compartilham o lock curto do mapa.
type Store struct {
	entries map[string]*entry
	ttl     time.Duration
	now     func() time.Time
	logger  *slog.Logger
	mu      sync.Mutex
}

// StoreOption customizes a Store.
type StoreOption func(*Store)

// WithClock replaces the store's clock, mainly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// NewStore cria um store vazio.
func NewStore(cfg Config, logger *slog.Logger, opts ...StoreOption) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultTTL
	}
	s := &Store{
		entries: make(map[string]*entry),
		ttl:     cfg.TTL,
		now:     time.Now,
		logger:  logger.With("component", "conversation"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// TTL returns the configured inactivity expiry.
func (s *Store) TTL() time.Duration { return s.ttl }

// Session is exclusive access to one user's state, obtained with Lock.
// Every Session must be released with Unlock.
type Session struct {
	store  *Store
	userID string
	e      *entry
}

// Lock blocks until the caller holds userID's state exclusively.
func (s *Store) Lock(userID string) *Session {
	s.mu.Lock()
	e, ok := s.entries[userID]
	if !ok {
		e = &entry{}
		s.entries[userID] = e
	}
	e.refs++
	s.mu.Unlock()

	e.mu.Lock()
	return &Session{store: s, userID: userID, e: e}
}

// UserID returns the user the session belongs to.
func (ss *Session) UserID() string { return ss.userID }

// Get returns a copy of the state, or nil when there is none or it expired.
func (ss *Session) Get() *State {
	st := ss.e.state
	if st == nil {
		return nil
	}
	if ss.store.expired(st, ss.store.now()) {
		ss.store.logger.Debug("conversation expired", "user", ss.userID)
		ss.e.state = nil
		return nil
	}
	return st.Clone()
}

// Put stores a copy of st and refreshes its activity timestamp.
func (ss *Session) Put(st *State) {
	c := st.Clone()
	c.UserID = ss.userID
	c.UpdatedAt = ss.store.now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = c.UpdatedAt
	}
	ss.e.state = c
}

// Clear discards the state.
func (ss *Session) Clear() {
	ss.e.state = nil
}

// Unlock releases the session. The entry is dropped from the map when it
// holds no state and nobody else is waiting on it.
func (ss *Session) Unlock() {
	empty := ss.e.state == nil
	ss.e.mu.Unlock()

	s := ss.store
	s.mu.Lock()
	ss.e.refs--
	if empty && ss.e.refs == 0 && s.entries[ss.userID] == ss.e {
		delete(s.entries, ss.userID)
	}
	s.mu.Unlock()
}

// Get returns a copy of userID's state, or nil.
func (s *Store) Get(userID string) *State {
	ss := s.Lock(userID)
	defer ss.Unlock()
	return ss.Get()
}

// Put replaces userID's state.
func (s *Store) Put(userID string, st *State) {
	ss := s.Lock(userID)
	defer ss.Unlock()
	ss.Put(st)
}

// Clear removes userID's state. It reports whether there was any.
func (s *Store) Clear(userID string) bool {
	ss := s.Lock(userID)
	defer ss.Unlock()
	had := ss.e.state != nil
	ss.Clear()
	return had
}

// SweepExpired remove conversas inativas há mais tempo que o TTL.
// Entradas em uso (refs > 0) nunca são removidas.
func (s *Store) SweepExpired(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, e := range s.entries {
		if e.refs > 0 {
			continue
		}
		if e.state == nil || s.expired(e.state, now) {
			delete(s.entries, id)
			removed++
		}
	}

	if removed > 0 {
		s.logger.Info("expired conversations removed",
			"removed", removed,
			"remaining", len(s.entries),
		)
	}
	return removed
}

// Sweep runs SweepExpired against the store's clock.
func (s *Store) Sweep() int {
	return s.SweepExpired(s.now())
}

// Count returns the number of tracked users.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// List returns a snapshot of every live conversation, oldest activity first.
func (s *Store) List() []*State {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	out := make([]*State, 0, len(ids))
	for _, id := range ids {
		if st := s.Get(id); st != nil {
			out = append(out, st)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

func (s *Store) expired(st *State, now time.Time) bool {
	return now.Sub(st.UpdatedAt) > s.ttl
}
