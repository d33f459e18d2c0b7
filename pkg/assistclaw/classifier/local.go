package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// LocalConfig configures the local model tier. The endpoint speaks the
// Hugging Face inference protocol (text-generation-inference, the hosted
// Inference API or a self-hosted transformers server).
type LocalConfig struct {
	// Endpoint is the inference server root. Empty disables the tier.
	Endpoint string `yaml:"endpoint"`

	// Token is sent as a bearer token when set.
	Token string `yaml:"token"`

	// ZeroShotModel classifies the message against the intent labels.
	ZeroShotModel string `yaml:"zero_shot_model"`

	// NERModel tags people and places. Empty skips entity recognition.
	NERModel string `yaml:"ner_model"`

	Timeout       time.Duration `yaml:"timeout"`
	MinConfidence float64       `yaml:"min_confidence"`
}

// DefaultLocalConfig returns the local tier defaults.
func DefaultLocalConfig() LocalConfig {
	return LocalConfig{
		ZeroShotModel: "facebook/bart-large-mnli",
		NERModel:      "dslim/bert-base-NER",
		Timeout:       2 * time.Second,
		MinConfidence: 0.65,
	}
}

// candidateLabels are the zero-shot hypotheses, one per intent.
var candidateLabels = []struct {
	label  string
	intent Intent
}{
	{"schedule a meeting", IntentScheduleMeeting},
	{"send an email", IntentSendEmail},
	{"check calendar events", IntentCheckCalendar},
	{"find contact information", IntentLookupContact},
	{"find free time in the calendar", IntentCheckFreeSlots},
	{"other", IntentUnknown},
}

type zeroShotRequest struct {
	Inputs     string             `json:"inputs"`
	Parameters zeroShotParameters `json:"parameters"`
}

type zeroShotParameters struct {
	CandidateLabels    []string `json:"candidate_labels"`
	HypothesisTemplate string   `json:"hypothesis_template,omitempty"`
}

// zeroShotResponse is the pipeline output: labels sorted by score.
type zeroShotResponse struct {
	Labels []string  `json:"labels"`
	Scores []float64 `json:"scores"`
}

type nerRequest struct {
	Inputs     string        `json:"inputs"`
	Parameters nerParameters `json:"parameters"`
}

type nerParameters struct {
	AggregationStrategy string `json:"aggregation_strategy"`
}

type nerEntity struct {
	EntityGroup string  `json:"entity_group"`
	Word        string  `json:"word"`
	Score       float64 `json:"score"`
}

// minNERScore drops low-confidence entity tags.
const minNERScore = 0.8

// LocalTier classifies with a zero-shot NLI model and tags entities with a
// NER model, both served over HTTP.
type LocalTier struct {
	endpoint      string
	token         string
	zeroShotModel string
	nerModel      string
	client        *http.Client
	logger        *slog.Logger
}

// NewLocalTier creates the local tier. It fails when no endpoint is set.
func NewLocalTier(cfg LocalConfig, logger *slog.Logger) (*LocalTier, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Endpoint == "" {
		return nil, newTierError(SourceLocal, ErrorUnavailable, errors.New("no endpoint configured"))
	}
	if cfg.ZeroShotModel == "" {
		cfg.ZeroShotModel = DefaultLocalConfig().ZeroShotModel
	}
	return &LocalTier{
		endpoint:      strings.TrimRight(cfg.Endpoint, "/"),
		token:         cfg.Token,
		zeroShotModel: cfg.ZeroShotModel,
		nerModel:      cfg.NERModel,
		client:        &http.Client{},
		logger:        logger.With("component", "classifier.local"),
	}, nil
}

// Source returns SourceLocal.
func (t *LocalTier) Source() Source { return SourceLocal }

// Classify picks the best-scoring intent label and enriches the regex
// entities with NER tags.
func (t *LocalTier) Classify(ctx context.Context, req Request) (*Result, error) {
	labels := make([]string, len(candidateLabels))
	for i, c := range candidateLabels {
		labels[i] = c.label
	}

	var zs zeroShotResponse
	err := t.post(ctx, t.zeroShotModel, zeroShotRequest{
		Inputs: req.Text,
		Parameters: zeroShotParameters{
			CandidateLabels:    labels,
			HypothesisTemplate: "The user wants to {}.",
		},
	}, &zs)
	if err != nil {
		return nil, err
	}
	if len(zs.Labels) == 0 || len(zs.Labels) != len(zs.Scores) {
		return nil, newTierError(SourceLocal, ErrorMalformed, fmt.Errorf("zero-shot response has %d labels and %d scores", len(zs.Labels), len(zs.Scores)))
	}

	best, score := 0, zs.Scores[0]
	for i, s := range zs.Scores {
		if s > score {
			best, score = i, s
		}
	}
	intent := IntentUnknown
	for _, c := range candidateLabels {
		if c.label == zs.Labels[best] {
			intent = c.intent
			break
		}
	}

	entities := Entities{}
	if t.nerModel != "" {
		if tagged, err := t.recognize(ctx, req.Text, intent, req.Context); err != nil {
			t.logger.Debug("entity recognition failed, using regex entities only", "error", err)
		} else {
			entities = tagged
		}
	}
	entities.Fill(Extract(req.Text, intent, req.Context))

	return &Result{
		Intent:     intent,
		Confidence: score,
		Source:     SourceLocal,
		Entities:   entities,
	}, nil
}

// recognize runs the NER model and maps PER and LOC tags to entities.
func (t *LocalTier) recognize(ctx context.Context, text string, intent Intent, cctx Context) (Entities, error) {
	var tags []nerEntity
	err := t.post(ctx, t.nerModel, nerRequest{
		Inputs:     text,
		Parameters: nerParameters{AggregationStrategy: "simple"},
	}, &tags)
	if err != nil {
		return nil, err
	}

	slot := personSlot(intent)
	if slot == "" && isPersonSlot(cctx.AwaitedSlot) {
		slot = cctx.AwaitedSlot
	}

	e := Entities{}
	for _, tag := range tags {
		if tag.Score < minNERScore {
			continue
		}
		word := strings.TrimSpace(strings.ReplaceAll(tag.Word, " ##", ""))
		switch tag.EntityGroup {
		case "PER":
			// An email address beats a bare name for the slots that send mail.
			if slot != "" && e.Get(slot) == "" && (slot == EntityContactName || emailPattern.FindString(text) == "") {
				e.Set(slot, word)
			}
		case "LOC":
			if intent == IntentScheduleMeeting && e.Get(EntityLocation) == "" {
				e.Set(EntityLocation, word)
			}
		}
	}
	return e, nil
}

// post sends a JSON payload to the model route and decodes the reply.
func (t *LocalTier) post(ctx context.Context, model string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return newTierError(SourceLocal, ErrorFatal, fmt.Errorf("encoding request: %w", err))
	}

	url := t.endpoint + "/models/" + model
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return newTierError(SourceLocal, ErrorFatal, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return newTierError(SourceLocal, classifyTransport(err), err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return newTierError(SourceLocal, classifyTransport(err), fmt.Errorf("reading response: %w", err))
	}
	if resp.StatusCode != http.StatusOK {
		// A 503 while the model loads is reported as unavailable.
		kind := classifyStatus(resp.StatusCode, string(respBody))
		if resp.StatusCode == http.StatusServiceUnavailable {
			kind = ErrorUnavailable
		}
		return newTierError(SourceLocal, kind, fmt.Errorf("%s: HTTP %d: %s", model, resp.StatusCode, truncate(string(respBody), 200)))
	}

	if err := json.Unmarshal(respBody, out); err != nil {
		return newTierError(SourceLocal, ErrorMalformed, fmt.Errorf("decoding %s response: %w", model, err))
	}
	return nil
}
