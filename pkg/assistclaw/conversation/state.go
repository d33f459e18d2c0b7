// Package conversation holds the in-progress dialogue state of every user.
// State lives in memory only and is keyed by the user identifier (the
// sender's phone number); it does not survive restarts.
package conversation

import (
	"time"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

// Status is the position of a conversation in the dialogue state machine.
type Status string

const (
	StatusStart      Status = "start"
	StatusCollecting Status = "collecting"
	StatusReady      Status = "ready"
	StatusDispatched Status = "dispatched"
	StatusDone       Status = "done"
	StatusError      Status = "error"
)

// Suggestion is a correction offered for the awaited slot, pending a yes/no.
type Suggestion struct {
	Slot     classifier.EntityType `json:"slot"`
	Value    string                `json:"value"`
	Original string                `json:"original"`
}

// Option is one numbered alternative offered to the user. Choosing it fills
// every slot in Values.
type Option struct {
	Label  string                           `json:"label"`
	Values map[classifier.EntityType]string `json:"values"`
}

// PendingSwitch is a new intent detected mid-collection that waits for the
// user to confirm abandoning the current one.
type PendingSwitch struct {
	Intent   classifier.Intent   `json:"intent"`
	Entities classifier.Entities `json:"entities,omitempty"`
	Text     string              `json:"text"`
}

// State is one user's in-progress conversation.
type State struct {
	UserID string            `json:"user_id"`
	Intent classifier.Intent `json:"intent"`
	Status Status            `json:"status"`

	// Step indexes the intent's required-slot sequence.
	Step int `json:"step"`

	// Slots holds validated, normalized values.
	Slots map[classifier.EntityType]string `json:"slots"`

	// Retries counts validation failures per slot.
	Retries map[classifier.EntityType]int `json:"retries,omitempty"`

	// Awaiting is the slot the last reply asked for.
	Awaiting classifier.EntityType `json:"awaiting,omitempty"`

	Suggestion    *Suggestion    `json:"suggestion,omitempty"`
	Options       []Option       `json:"options,omitempty"`
	PendingSwitch *PendingSwitch `json:"pending_switch,omitempty"`

	// LastError is the kind of the last collaborator failure, kept so the
	// action can be retried without collecting the slots again.
	LastError string `json:"last_error,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// NewState creates an empty conversation for userID.
func NewState(userID string, now time.Time) *State {
	return &State{
		UserID:    userID,
		Status:    StatusStart,
		Slots:     make(map[classifier.EntityType]string),
		Retries:   make(map[classifier.EntityType]int),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// Clone returns a deep copy of s.
func (s *State) Clone() *State {
	if s == nil {
		return nil
	}
	c := *s
	if s.Slots != nil {
		c.Slots = make(map[classifier.EntityType]string, len(s.Slots))
		for k, v := range s.Slots {
			c.Slots[k] = v
		}
	}
	if s.Retries != nil {
		c.Retries = make(map[classifier.EntityType]int, len(s.Retries))
		for k, v := range s.Retries {
			c.Retries[k] = v
		}
	}
	if s.Suggestion != nil {
		sg := *s.Suggestion
		c.Suggestion = &sg
	}
	if s.Options != nil {
		c.Options = make([]Option, len(s.Options))
		for i, o := range s.Options {
			vals := make(map[classifier.EntityType]string, len(o.Values))
			for k, v := range o.Values {
				vals[k] = v
			}
			c.Options[i] = Option{Label: o.Label, Values: vals}
		}
	}
	if s.PendingSwitch != nil {
		ps := *s.PendingSwitch
		ps.Entities = s.PendingSwitch.Entities.Clone()
		c.PendingSwitch = &ps
	}
	return &c
}

// Slot returns the value of a filled slot, or "".
func (s *State) Slot(name classifier.EntityType) string {
	if s == nil || s.Slots == nil {
		return ""
	}
	return s.Slots[name]
}

// HasSlots reports whether any slot has been filled.
func (s *State) HasSlots() bool {
	return s != nil && len(s.Slots) > 0
}

// Active reports whether the conversation is working on an intent.
func (s *State) Active() bool {
	return s != nil && s.Intent != "" && s.Intent != classifier.IntentUnknown
}

// ClearPending drops suggestions, options and a pending topic switch.
func (s *State) ClearPending() {
	s.Suggestion = nil
	s.Options = nil
	s.PendingSwitch = nil
}
