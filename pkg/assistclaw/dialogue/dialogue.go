// Package dialogue drives multi-turn conversations. Every inbound message
// runs under the sender's lock: the controller loads the stored state,
// classifies the text with that state as context, validates and merges the
// extracted slots, asks for whatever is still missing and, once the intent
// is complete, hands it to the dispatcher.
package dialogue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/conversation"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/validator"
)

// ErrStateCorrupt is logged when stored state cannot be interpreted.
var ErrStateCorrupt = errors.New("conversation state corrupt")

const corruptNotice = "Sorry, I lost track of our conversation, so let's start over.\n\n"

// Turn outcomes reported to the Observer.
const (
	OutcomePrompt     = "prompt"
	OutcomeInvalid    = "invalid"
	OutcomeDispatched = "dispatched"
	OutcomeFailed     = "failed"
	OutcomeCancelled  = "cancelled"
	OutcomeAborted    = "aborted"
	OutcomeSwitch     = "switch"
	OutcomeHelp       = "help"
	OutcomeCorrupt    = "corrupt"
)

// Config configures the controller.
type Config struct {
	// MaxRetries is the number of invalid answers for one slot after which
	// the conversation is abandoned.
	MaxRetries int `yaml:"max_retries"`

	// SwitchConfidence is the minimum confidence for a different intent to
	// count as a change of topic.
	SwitchConfidence float64 `yaml:"switch_confidence"`
}

// DefaultConfig returns the controller defaults.
func DefaultConfig() Config {
	return Config{MaxRetries: 3, SwitchConfidence: 0.75}
}

// Classifier resolves a message into an intent and entities.
type Classifier interface {
	Classify(ctx context.Context, text string, cctx classifier.Context) (classifier.Result, error)
}

// Dispatcher executes a completed intent.
type Dispatcher interface {
	Dispatch(ctx context.Context, a dispatch.Action) (*dispatch.Result, error)
}

// ContactSyncer refreshes the contacts cache on demand.
type ContactSyncer interface {
	Sync(ctx context.Context) (int, error)
}

// Observer receives one outcome per handled message.
type Observer interface {
	ObserveTurn(intent classifier.Intent, outcome string)
}

// Deps groups the controller's collaborators. Syncer may be nil.
type Deps struct {
	Store      *conversation.Store
	Classifier Classifier
	Validator  *validator.Validator
	Dispatcher Dispatcher
	Syncer     ContactSyncer
}

// Reply is the controller's answer to one message.
type Reply struct {
	Text   string
	Intent classifier.Intent
	Status conversation.Status
}

// Option customizes a Controller.
type Option func(*Controller)

// WithObserver reports turn outcomes to o.
func WithObserver(o Observer) Option {
	return func(c *Controller) { c.observer = o }
}

// Controller is the dialogue state machine.
type Controller struct {
	deps     Deps
	cfg      Config
	logger   *slog.Logger
	observer Observer
}

// New creates a Controller.
func New(deps Deps, cfg Config, logger *slog.Logger, opts ...Option) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if cfg.SwitchConfidence <= 0 {
		cfg.SwitchConfidence = def.SwitchConfidence
	}
	c := &Controller{
		deps:   deps,
		cfg:    cfg,
		logger: logger.With("component", "dialogue"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// turn is the working set of one message.
type turn struct {
	ss   *conversation.Session
	st   *conversation.State
	text string
	norm string
}

// Handle processes one inbound message from userID and returns the reply.
// Messages from the same user are serialized; different users proceed in
// parallel.
func (c *Controller) Handle(ctx context.Context, userID, text string) Reply {
	ss := c.deps.Store.Lock(userID)
	defer ss.Unlock()

	t := &turn{ss: ss, st: ss.Get(), text: strings.TrimSpace(text)}
	t.norm = normalize(t.text)

	prefix := ""
	if t.st != nil {
		if err := checkState(t.st); err != nil {
			c.logger.Warn("resetting conversation", "user", userID, "error", err)
			c.observe(t.st.Intent, OutcomeCorrupt)
			ss.Clear()
			t.st = nil
			prefix = corruptNotice
		}
	}

	reply := c.process(ctx, t)
	reply.Text = prefix + reply.Text
	return reply
}

// checkState verifies that a stored state can be resumed.
func checkState(st *conversation.State) error {
	if st.Slots == nil {
		return fmt.Errorf("%w: missing slot map", ErrStateCorrupt)
	}
	plan, ok := plans[st.Intent]
	if !ok {
		return fmt.Errorf("%w: unknown intent %q", ErrStateCorrupt, st.Intent)
	}
	if st.Step < 0 || st.Step > len(plan.required) {
		return fmt.Errorf("%w: step %d out of range for %s", ErrStateCorrupt, st.Step, st.Intent)
	}
	switch st.Status {
	case conversation.StatusStart, conversation.StatusCollecting,
		conversation.StatusReady, conversation.StatusDispatched:
	default:
		return fmt.Errorf("%w: unexpected status %q", ErrStateCorrupt, st.Status)
	}
	return nil
}

func (c *Controller) process(ctx context.Context, t *turn) Reply {
	st := t.st

	if t.norm == "" {
		if st.Active() {
			return c.ask(t, "")
		}
		return c.help(t)
	}

	if cancelWords[t.norm] {
		return c.cancel(t)
	}
	if helpWords[t.norm] {
		return c.help(t)
	}
	if syncWords[t.norm] {
		return c.syncContacts(ctx, t)
	}

	if st.Active() {
		switch {
		case st.Suggestion != nil:
			if r, done := c.resolveSuggestion(ctx, t); done {
				return r
			}
		case len(st.Options) > 0:
			if r, done := c.chooseOption(ctx, t); done {
				return r
			}
		case st.PendingSwitch != nil:
			if r, done := c.confirmSwitch(ctx, t); done {
				return r
			}
		case st.Status == conversation.StatusReady && st.LastError != "":
			if retryWords[t.norm] {
				st.LastError = ""
				return c.dispatch(ctx, t)
			}
		}
	}

	return c.converse(ctx, t)
}

// resolveSuggestion handles the reply to "Did you mean X?".
func (c *Controller) resolveSuggestion(ctx context.Context, t *turn) (Reply, bool) {
	st := t.st
	sg := st.Suggestion
	st.Suggestion = nil

	switch {
	case yesWords[t.norm]:
		out := c.deps.Validator.Validate(sg.Slot, sg.Value)
		if !out.Valid {
			return c.invalid(t, sg.Slot, sg.Value, out), true
		}
		c.fill(st, sg.Slot, out.Normalized)
		return c.advance(ctx, t, ""), true
	case noWords[t.norm]:
		return c.ask(t, "Okay."), true
	case strings.EqualFold(t.text, sg.Original):
		// The user insists on the value as typed.
		out := c.deps.Validator.ValidateAsTyped(sg.Slot, sg.Original)
		if !out.Valid {
			return c.invalid(t, sg.Slot, sg.Original, out), true
		}
		c.fill(st, sg.Slot, out.Normalized)
		return c.advance(ctx, t, ""), true
	}
	return Reply{}, false
}

// chooseOption handles a numbered pick from the offered alternatives. Any
// other text drops the options and is processed normally.
func (c *Controller) chooseOption(ctx context.Context, t *turn) (Reply, bool) {
	st := t.st
	n, ok := optionNumber(t.norm)
	if !ok {
		st.Options = nil
		return Reply{}, false
	}
	if n < 1 || n > len(st.Options) {
		c.save(t)
		return c.reply(st, fmt.Sprintf("Please pick a number between 1 and %d.", len(st.Options))), true
	}
	opt := st.Options[n-1]
	st.Options = nil
	for slot, v := range opt.Values {
		out := c.deps.Validator.Validate(slot, v)
		if !out.Valid {
			return c.invalid(t, slot, v, out), true
		}
		c.fill(st, slot, out.Normalized)
	}
	return c.advance(ctx, t, ""), true
}

// confirmSwitch handles the yes/no after a change of topic was detected.
func (c *Controller) confirmSwitch(ctx context.Context, t *turn) (Reply, bool) {
	st := t.st
	ps := st.PendingSwitch
	st.PendingSwitch = nil

	switch {
	case yesWords[t.norm]:
		c.logger.Info("topic switched", "user", st.UserID, "from", st.Intent, "to", ps.Intent)
		c.observe(ps.Intent, OutcomeSwitch)
		return c.start(ctx, t, ps.Intent, ps.Entities), true
	case noWords[t.norm]:
		return c.ask(t, fmt.Sprintf("Okay, let's keep %s.", st.Intent.Describe())), true
	}
	return Reply{}, false
}

// converse classifies the message and either starts, switches or continues
// an intent.
func (c *Controller) converse(ctx context.Context, t *turn) Reply {
	st := t.st
	cctx := classifier.Context{
		Now:      c.deps.Validator.Now(),
		Location: c.deps.Validator.Location(),
	}
	if st.Active() {
		cctx.ActiveIntent = st.Intent
		cctx.AwaitedSlot = st.Awaiting
	}

	res, err := c.deps.Classifier.Classify(ctx, t.text, cctx)
	if err != nil {
		c.logger.Warn("classification degraded", "user", t.ss.UserID(), "error", err)
	}

	if !st.Active() {
		if res.Intent == classifier.IntentUnknown {
			c.observe(classifier.IntentUnknown, OutcomeHelp)
			return Reply{Text: notUnderstood + " " + helpText, Intent: classifier.IntentUnknown}
		}
		return c.start(ctx, t, res.Intent, res.Entities)
	}

	if c.isSwitch(st, res) {
		if !st.HasSlots() {
			c.logger.Info("topic switched", "user", st.UserID, "from", st.Intent, "to", res.Intent)
			c.observe(res.Intent, OutcomeSwitch)
			return c.start(ctx, t, res.Intent, res.Entities)
		}
		st.ClearPending()
		st.PendingSwitch = &conversation.PendingSwitch{
			Intent:   res.Intent,
			Entities: res.Entities.Clone(),
			Text:     t.text,
		}
		c.save(t)
		return c.reply(st, fmt.Sprintf(
			"You're in the middle of %s. Do you want to drop it and %s instead? (yes/no)",
			st.Intent.Describe(), label(res.Intent)))
	}

	if c.isRestatement(st, res) {
		c.logger.Debug("request repeated, asking again", "user", st.UserID, "intent", st.Intent, "awaiting", st.Awaiting)
		return c.ask(t, "")
	}

	wasFailed := st.Status == conversation.StatusReady && st.LastError != ""
	changed, r, failed := c.merge(t, res.Entities, true)
	if failed {
		return r
	}
	if wasFailed && !changed {
		c.save(t)
		return c.reply(st, "I still have your request. Reply *retry* to try again, or *cancel* to drop it.")
	}
	st.LastError = ""
	return c.advance(ctx, t, "")
}

// isSwitch reports whether res asks for a different intent than the active
// one, confidently, without answering the awaited slot.
func (c *Controller) isSwitch(st *conversation.State, res classifier.Result) bool {
	if res.Intent == classifier.IntentUnknown || res.Intent == st.Intent {
		return false
	}
	if res.Confidence < c.cfg.SwitchConfidence {
		return false
	}
	if st.Awaiting == "" {
		return true
	}
	if res.Entities.Get(st.Awaiting) != "" {
		return false
	}
	if isPerson(st.Awaiting) {
		for slot, v := range res.Entities {
			if isPerson(slot) && v != "" {
				return false
			}
		}
	}
	return true
}

// isRestatement reports whether res repeats the active request without
// adding anything to it, as when the same message is sent twice. Such a
// reply is never taken as the raw value of the awaited slot.
func (c *Controller) isRestatement(st *conversation.State, res classifier.Result) bool {
	if st.Awaiting == "" || res.Intent != st.Intent || res.Confidence < c.cfg.SwitchConfidence {
		return false
	}
	return !plans[st.Intent].carries(res.Entities)
}

// start begins a fresh conversation for intent, seeded with entities.
func (c *Controller) start(ctx context.Context, t *turn, intent classifier.Intent, entities classifier.Entities) Reply {
	t.st = conversation.NewState(t.ss.UserID(), c.deps.Validator.Now())
	t.st.Intent = intent
	t.st.Status = conversation.StatusCollecting

	_, r, failed := c.merge(t, entities, false)
	if failed {
		return r
	}
	return c.advance(ctx, t, intro(intent))
}

// merge validates the entities that belong to the active plan and stores
// them. With fallback set, a reply that carried nothing for the awaited slot
// is taken as its raw value. It reports whether any slot changed; when a
// value is invalid it returns the re-prompt and failed=true.
func (c *Controller) merge(t *turn, entities classifier.Entities, fallback bool) (changed bool, r Reply, failed bool) {
	st := t.st
	plan := plans[st.Intent]
	awaited := st.Awaiting

	raw := make(map[classifier.EntityType]string)
	switch {
	case fallback && awaited != "" && freeText(awaited):
		// Free-text answers are taken whole; names or dates inside a
		// subject or body must not leak into other slots.
		v := entities.Get(awaited)
		if v == "" {
			v = t.text
		}
		raw[awaited] = v
	default:
		for _, slot := range plan.slots() {
			if v := entities.Get(slot); v != "" {
				raw[slot] = v
			}
		}
		if fallback && awaited != "" && len(raw) == 0 {
			raw[awaited] = t.text
		}
	}

	var bad classifier.EntityType
	var badOut validator.Outcome
	for _, slot := range plan.slots() {
		v, ok := raw[slot]
		if !ok {
			continue
		}
		out := c.deps.Validator.Validate(slot, v)
		if out.Valid {
			if st.Slots[slot] != out.Normalized {
				changed = true
			}
			c.fill(st, slot, out.Normalized)
			continue
		}
		if bad == "" || slot == awaited {
			bad, badOut = slot, out
		}
	}
	if bad != "" {
		return changed, c.invalid(t, bad, raw[bad], badOut), true
	}
	return changed, Reply{}, false
}

func (c *Controller) fill(st *conversation.State, slot classifier.EntityType, v string) {
	st.Slots[slot] = v
	delete(st.Retries, slot)
}

// invalid re-prompts slot after a rejected value, or abandons the
// conversation once the slot has failed MaxRetries times.
func (c *Controller) invalid(t *turn, slot classifier.EntityType, raw string, out validator.Outcome) Reply {
	st := t.st
	if st.Retries == nil {
		st.Retries = make(map[classifier.EntityType]int)
	}
	st.Retries[slot]++
	c.logger.Debug("slot value rejected",
		"user", st.UserID, "intent", st.Intent, "slot", slot,
		"reason", out.Reason, "retries", st.Retries[slot])

	if st.Retries[slot] >= c.cfg.MaxRetries {
		st.Status = conversation.StatusError
		c.logger.Info("conversation abandoned after repeated invalid values",
			"user", st.UserID, "intent", st.Intent, "slot", slot)
		c.observe(st.Intent, OutcomeAborted)
		t.ss.Clear()
		return Reply{
			Text: fmt.Sprintf("😕 I still couldn't get a valid %s, so I've stopped trying to %s. Send a new request whenever you're ready.",
				slotName(slot), label(st.Intent)),
			Intent: st.Intent,
			Status: conversation.StatusError,
		}
	}

	st.Status = conversation.StatusCollecting
	st.Awaiting = slot
	st.Step = plans[st.Intent].step(slot)
	st.ClearPending()
	text := invalidText(slot, raw, out)
	if out.Reason == validator.ReasonTypoDomain && out.Suggestion != "" {
		st.Suggestion = &conversation.Suggestion{Slot: slot, Value: out.Suggestion, Original: raw}
	} else {
		text += " " + prompt(st.Intent, slot)
	}
	c.save(t)
	c.observe(st.Intent, OutcomeInvalid)
	return c.reply(st, text)
}

// advance asks for the next missing required slot, or dispatches when the
// plan is complete.
func (c *Controller) advance(ctx context.Context, t *turn, lead string) Reply {
	st := t.st
	plan := plans[st.Intent]
	for i, slot := range plan.required {
		if st.Slots[slot] != "" {
			continue
		}
		st.Status = conversation.StatusCollecting
		st.Step = i
		st.Awaiting = slot
		c.save(t)
		c.observe(st.Intent, OutcomePrompt)
		return c.reply(st, join(lead, prompt(st.Intent, slot)))
	}

	if date, clock := st.Slots[classifier.EntityDate], st.Slots[classifier.EntityTime]; date != "" && clock != "" {
		if out := c.deps.Validator.CheckFuture(date, clock); !out.Valid {
			delete(st.Slots, classifier.EntityTime)
			return c.invalid(t, classifier.EntityTime, clock, out)
		}
	}

	st.Status = conversation.StatusReady
	st.Step = len(plan.required)
	st.Awaiting = ""
	return c.dispatch(ctx, t)
}

// dispatch runs the completed intent.
func (c *Controller) dispatch(ctx context.Context, t *turn) Reply {
	st := t.st
	st.Status = conversation.StatusDispatched
	st.ClearPending()

	res, err := c.deps.Dispatcher.Dispatch(ctx, dispatch.Action{
		UserID: st.UserID,
		Intent: st.Intent,
		Slots:  st.Slots,
	})
	if err == nil {
		st.Status = conversation.StatusDone
		c.logger.Info("action completed", "user", st.UserID, "intent", st.Intent)
		c.observe(st.Intent, OutcomeDispatched)
		t.ss.Clear()
		return Reply{Text: res.Text, Intent: st.Intent, Status: conversation.StatusDone}
	}

	var se *dispatch.SlotError
	if errors.As(err, &se) {
		plan := plans[st.Intent]
		delete(st.Slots, se.Slot)
		st.Status = conversation.StatusCollecting
		st.Awaiting = se.Slot
		st.Step = plan.step(se.Slot)
		st.Options = toOptions(se.Choices)
		c.save(t)
		c.observe(st.Intent, OutcomePrompt)
		if len(st.Options) > 0 {
			return c.reply(st, optionsText(se.Message, st.Options, st.Intent, se.Slot))
		}
		return c.reply(st, join(se.Message, prompt(st.Intent, se.Slot)))
	}

	kind := dispatch.KindOf(err)
	c.logger.Error("action failed",
		"user", st.UserID, "intent", st.Intent, "kind", kind.String(), "error", err)
	c.observe(st.Intent, OutcomeFailed)
	st.Status = conversation.StatusReady
	st.LastError = kind.String()
	c.save(t)
	return c.reply(st, failureText(kind))
}

// ask repeats the question for the awaited slot.
func (c *Controller) ask(t *turn, lead string) Reply {
	st := t.st
	if st.Awaiting == "" {
		c.save(t)
		if st.LastError != "" {
			return c.reply(st, join(lead, failureText(dispatch.ParseErrorKind(st.LastError))))
		}
		return c.reply(st, join(lead, "Tell me what you'd like to do, or say *cancel*."))
	}
	c.save(t)
	c.observe(st.Intent, OutcomePrompt)
	return c.reply(st, join(lead, prompt(st.Intent, st.Awaiting)))
}

func (c *Controller) cancel(t *turn) Reply {
	if !t.st.Active() {
		return Reply{Text: "There's nothing to cancel. Say *help* to see what I can do.", Intent: classifier.IntentUnknown}
	}
	intent := t.st.Intent
	t.ss.Clear()
	c.logger.Info("conversation cancelled", "user", t.ss.UserID(), "intent", intent)
	c.observe(intent, OutcomeCancelled)
	return Reply{
		Text:   fmt.Sprintf("👍 Okay, I've stopped %s.", intent.Describe()),
		Intent: intent,
		Status: conversation.StatusStart,
	}
}

func (c *Controller) help(t *turn) Reply {
	c.observe(classifier.IntentUnknown, OutcomeHelp)
	if t.st.Active() {
		text := helpText + fmt.Sprintf("\n\nWe're still %s.", t.st.Intent.Describe())
		if t.st.Awaiting != "" {
			text += " " + prompt(t.st.Intent, t.st.Awaiting)
		}
		return c.reply(t.st, text)
	}
	return Reply{Text: helpText, Intent: classifier.IntentUnknown}
}

func (c *Controller) syncContacts(ctx context.Context, t *turn) Reply {
	r := Reply{Intent: classifier.IntentUnknown}
	if t.st.Active() {
		r.Intent, r.Status = t.st.Intent, t.st.Status
	}
	if c.deps.Syncer == nil {
		r.Text = "Contacts sync isn't configured."
		return r
	}
	n, err := c.deps.Syncer.Sync(ctx)
	if err != nil {
		c.logger.Error("contacts sync failed", "user", t.ss.UserID(), "error", err)
		r.Text = "⚠️ I couldn't sync your contacts right now. Please try again later."
		return r
	}
	r.Text = fmt.Sprintf("🔄 Synced %d contacts.", n)
	return r
}

func (c *Controller) save(t *turn) {
	t.ss.Put(t.st)
}

func (c *Controller) reply(st *conversation.State, text string) Reply {
	return Reply{Text: text, Intent: st.Intent, Status: st.Status}
}

func (c *Controller) observe(intent classifier.Intent, outcome string) {
	if c.observer != nil {
		c.observer.ObserveTurn(intent, outcome)
	}
}

func join(lead, text string) string {
	if lead == "" {
		return text
	}
	return lead + " " + text
}

func slotName(slot classifier.EntityType) string {
	switch slot {
	case classifier.EntityAttendee, classifier.EntityRecipientEmail:
		return "recipient"
	case classifier.EntityContactName:
		return "name"
	default:
		return string(slot)
	}
}
