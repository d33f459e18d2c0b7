package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	openai "github.com/sashabaranov/go-openai"
	"github.com/xeipuuv/gojsonschema"
)

// DefaultOpenRouterURL is the OpenAI-compatible endpoint used when no base
// URL is configured.
const DefaultOpenRouterURL = "https://openrouter.ai/api/v1"

// LLMConfig configures the remote LLM tier.
type LLMConfig struct {
	// APIKey authenticates against the provider. An empty key disables the tier.
	APIKey string `yaml:"api_key"`

	// BaseURL is the OpenAI-compatible API root (OpenRouter by default).
	BaseURL string `yaml:"base_url"`

	// Model is the model identifier (e.g. "openai/gpt-4o-mini").
	Model string `yaml:"model"`

	// Timeout is the hard budget for the whole tier, retries included.
	Timeout time.Duration `yaml:"timeout"`

	// MaxRetries bounds retries of rate-limited or 5xx responses.
	MaxRetries int `yaml:"max_retries"`

	// MinConfidence rejects answers below this confidence.
	MinConfidence float64 `yaml:"min_confidence"`

	// Referer and Title are sent as OpenRouter attribution headers.
	Referer string `yaml:"referer"`
	Title   string `yaml:"title"`
}

// DefaultLLMConfig returns the LLM tier defaults.
func DefaultLLMConfig() LLMConfig {
	return LLMConfig{
		BaseURL:    DefaultOpenRouterURL,
		Model:      "openai/gpt-4o-mini",
		Timeout:    4 * time.Second,
		MaxRetries: 2,
		Title:      "AssistClaw",
	}
}

const llmSystemPrompt = `You classify messages sent to a personal assistant that manages the user's Google Calendar, Gmail and Google Contacts.

Intents:
- schedule_meeting: create a calendar event with someone
- send_email: send an email to someone
- check_calendar: list the events of a day, or the next event
- find_contact: look up someone's contact details
- check_free_slots: find free time in the calendar
- unknown: anything else, including replies that only answer the assistant's last question

Entities (omit the ones that are not present):
- attendee: person to meet (name or email address)
- recipient_email: person to email (name or email address)
- contact_name: person to look up
- date: YYYY-MM-DD, resolved against today's date
- time: HH:MM, 24-hour clock
- duration_minutes: integer
- subject, body, location: free text, copied verbatim

Reply with a single JSON object and nothing else:
{"intent": "<intent>", "confidence": <0.0-1.0>, "entities": {<entity>: <value>}}`

const llmReplySchema = `{
  "type": "object",
  "required": ["intent"],
  "properties": {
    "intent": {
      "type": "string",
      "enum": ["schedule_meeting", "send_email", "check_calendar", "find_contact", "check_free_slots", "unknown"]
    },
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "entities": {
      "type": "object",
      "additionalProperties": {"type": ["string", "number", "null"]}
    }
  }
}`

// llmReply is the JSON document the model must return.
type llmReply struct {
	Intent     string         `json:"intent"`
	Confidence *float64       `json:"confidence"`
	Entities   map[string]any `json:"entities"`
}

// llmEntityKeys maps reply keys to entity types. Both snake and camel case
// are accepted since models drift between them.
var llmEntityKeys = map[string]EntityType{
	"attendee":         EntityAttendee,
	"date":             EntityDate,
	"time":             EntityTime,
	"duration":         EntityDuration,
	"duration_minutes": EntityDuration,
	"durationminutes":  EntityDuration,
	"subject":          EntitySubject,
	"body":             EntityBody,
	"recipient":        EntityRecipientEmail,
	"recipient_email":  EntityRecipientEmail,
	"recipientemail":   EntityRecipientEmail,
	"contact":          EntityContactName,
	"contact_name":     EntityContactName,
	"contactname":      EntityContactName,
	"location":         EntityLocation,
}

// defaultLLMConfidence is assumed when the model omits a confidence.
const defaultLLMConfidence = 0.85

// LLMTier classifies through an OpenAI-compatible chat completion API.
type LLMTier struct {
	client     *openai.Client
	model      string
	maxRetries int
	schema     *gojsonschema.Schema
	logger     *slog.Logger
}

// NewLLMTier creates the remote tier. It fails when no API key is set so
// callers can leave the tier out of the chain.
func NewLLMTier(cfg LLMConfig, logger *slog.Logger) (*LLMTier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.APIKey == "" {
		return nil, newTierError(SourceLLM, ErrorUnavailable, errors.New("no API key configured"))
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultOpenRouterURL
	}
	if cfg.Model == "" {
		cfg.Model = DefaultLLMConfig().Model
	}

	schema, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(llmReplySchema))
	if err != nil {
		return nil, fmt.Errorf("compiling reply schema: %w", err)
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	oc.HTTPClient = &http.Client{
		Transport: &attributionTransport{
			base: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout:   5 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				TLSHandshakeTimeout:   5 * time.Second,
				ResponseHeaderTimeout: 30 * time.Second,
				MaxIdleConns:          10,
				IdleConnTimeout:       90 * time.Second,
			},
			referer: cfg.Referer,
			title:   cfg.Title,
		},
	}

	return &LLMTier{
		client:     openai.NewClientWithConfig(oc),
		model:      cfg.Model,
		maxRetries: max(cfg.MaxRetries, 0),
		schema:     schema,
		logger:     logger.With("component", "classifier.llm"),
	}, nil
}

// Source returns SourceLLM.
func (t *LLMTier) Source() Source { return SourceLLM }

// Classify sends the message to the model and parses its JSON verdict.
func (t *LLMTier) Classify(ctx context.Context, req Request) (*Result, error) {
	chatReq := t.buildRequest(req)

	var content string
	attempt := 0
	op := func() error {
		attempt++
		resp, err := t.client.CreateChatCompletion(ctx, chatReq)
		if err != nil {
			terr := classifyOpenAIError(err)
			t.logger.Debug("llm classification attempt failed",
				"attempt", attempt, "kind", terr.Kind.String(), "error", err)
			if terr.Kind.Retryable() && ctx.Err() == nil {
				return terr
			}
			return backoff.Permanent(terr)
		}
		if len(resp.Choices) == 0 {
			return backoff.Permanent(newTierError(SourceLLM, ErrorMalformed, errors.New("response has no choices")))
		}
		content = resp.Choices[0].Message.Content
		return nil
	}

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = 250 * time.Millisecond
	eb.MaxInterval = 2 * time.Second
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(t.maxRetries)), ctx)

	if err := backoff.Retry(op, policy); err != nil {
		var terr *TierError
		if errors.As(err, &terr) {
			return nil, terr
		}
		return nil, newTierError(SourceLLM, classifyTransport(err), err)
	}

	return t.parseReply(content, req)
}

// buildRequest assembles the chat completion request.
func (t *LLMTier) buildRequest(req Request) openai.ChatCompletionRequest {
	now := req.Context.now()
	var hints strings.Builder
	fmt.Fprintf(&hints, "Today is %s, %s (timezone %s).",
		now.Weekday(), now.Format("2006-01-02"), now.Location())
	if req.Context.ActiveIntent != "" && req.Context.ActiveIntent != IntentUnknown {
		fmt.Fprintf(&hints, " The assistant is in the middle of %s", req.Context.ActiveIntent.Describe())
		if req.Context.AwaitedSlot != "" {
			fmt.Fprintf(&hints, " and just asked the user for the %s", req.Context.AwaitedSlot)
		}
		hints.WriteString(".")
	}

	return openai.ChatCompletionRequest{
		Model: t.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: llmSystemPrompt},
			{Role: openai.ChatMessageRoleSystem, Content: hints.String()},
			{Role: openai.ChatMessageRoleUser, Content: req.Text},
		},
		Temperature: 0,
		MaxTokens:   300,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
	}
}

// parseReply validates the model output against the reply schema and
// converts it into a Result.
func (t *LLMTier) parseReply(content string, req Request) (*Result, error) {
	raw := extractJSON(content)
	if raw == "" {
		return nil, newTierError(SourceLLM, ErrorMalformed, fmt.Errorf("no JSON object in reply %q", truncate(content, 120)))
	}

	verdict, err := t.schema.Validate(gojsonschema.NewStringLoader(raw))
	if err != nil {
		return nil, newTierError(SourceLLM, ErrorMalformed, fmt.Errorf("reply is not valid JSON: %w", err))
	}
	if !verdict.Valid() {
		msgs := make([]string, 0, len(verdict.Errors()))
		for _, e := range verdict.Errors() {
			msgs = append(msgs, e.String())
		}
		return nil, newTierError(SourceLLM, ErrorMalformed, fmt.Errorf("reply violates schema: %s", strings.Join(msgs, "; ")))
	}

	var reply llmReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, newTierError(SourceLLM, ErrorMalformed, fmt.Errorf("decoding reply: %w", err))
	}

	intent := ParseIntent(reply.Intent)
	confidence := defaultLLMConfidence
	if reply.Confidence != nil {
		confidence = *reply.Confidence
	}

	entities := Entities{}
	for key, val := range reply.Entities {
		et, ok := llmEntityKeys[strings.ToLower(key)]
		if !ok {
			continue
		}
		entities.Set(et, stringifyEntity(val))
	}
	remapPersonSlots(entities, intent, req.Context)

	return &Result{
		Intent:     intent,
		Confidence: confidence,
		Source:     SourceLLM,
		Entities:   entities,
	}, nil
}

// remapPersonSlots moves a person reference the model filed under another
// person slot into the one the intent (or the awaited slot) actually uses.
func remapPersonSlots(e Entities, intent Intent, cctx Context) {
	target := personSlot(intent)
	if target == "" && isPersonSlot(cctx.AwaitedSlot) {
		target = cctx.AwaitedSlot
	}
	if target == "" || e.Get(target) != "" {
		return
	}
	for _, other := range []EntityType{EntityAttendee, EntityRecipientEmail, EntityContactName} {
		if v := e.Get(other); v != "" && other != target {
			e[target] = v
			delete(e, other)
			return
		}
	}
}

func stringifyEntity(v any) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	default:
		return fmt.Sprint(val)
	}
}

// classifyOpenAIError maps go-openai errors to a TierError.
func classifyOpenAIError(err error) *TierError {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return newTierError(SourceLLM, classifyStatus(apiErr.HTTPStatusCode, apiErr.Message), err)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		body := ""
		if reqErr.Err != nil {
			body = reqErr.Err.Error()
		}
		return newTierError(SourceLLM, classifyStatus(reqErr.HTTPStatusCode, body), err)
	}
	return newTierError(SourceLLM, classifyTransport(err), err)
}

// attributionTransport adds the OpenRouter attribution headers.
type attributionTransport struct {
	base    http.RoundTripper
	referer string
	title   string
}

func (a *attributionTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if a.referer != "" || a.title != "" {
		r = r.Clone(r.Context())
		if a.referer != "" {
			r.Header.Set("HTTP-Referer", a.referer)
		}
		if a.title != "" {
			r.Header.Set("X-Title", a.title)
		}
	}
	return a.base.RoundTrip(r)
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
