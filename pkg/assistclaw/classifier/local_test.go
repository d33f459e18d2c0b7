package classifier

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func localServer(t *testing.T, zeroShot string, ner string, status int) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			http.Error(w, "model loading", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		switch {
		case strings.HasSuffix(r.URL.Path, "/bart-large-mnli"):
			var req zeroShotRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Parameters.CandidateLabels) == 0 {
				http.Error(w, "bad request", http.StatusBadRequest)
				return
			}
			_, _ = w.Write([]byte(zeroShot))
		case strings.HasSuffix(r.URL.Path, "/bert-base-NER"):
			_, _ = w.Write([]byte(ner))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestLocalTierClassify(t *testing.T) {
	t.Parallel()

	srv := localServer(t,
		`{"labels":["schedule a meeting","send an email","other"],"scores":[0.81,0.12,0.07]}`,
		`[{"entity_group":"PER","word":"Maria","score":0.99},{"entity_group":"LOC","word":"Lisbon","score":0.95}]`,
		http.StatusOK)

	cfg := DefaultLocalConfig()
	cfg.Endpoint = srv.URL
	tier, err := NewLocalTier(cfg, nil)
	if err != nil {
		t.Fatalf("NewLocalTier: %v", err)
	}

	res, err := tier.Classify(context.Background(), Request{Text: "set something up with maria tomorrow"})
	if err != nil {
		t.Fatalf("Classify: %v", err)
	}
	if res.Intent != IntentScheduleMeeting {
		t.Errorf("Intent = %q, want %q", res.Intent, IntentScheduleMeeting)
	}
	if res.Confidence != 0.81 {
		t.Errorf("Confidence = %v, want 0.81", res.Confidence)
	}
	if res.Entities.Get(EntityAttendee) != "Maria" {
		t.Errorf("attendee = %q, want Maria", res.Entities.Get(EntityAttendee))
	}
	if res.Entities.Get(EntityLocation) != "Lisbon" {
		t.Errorf("location = %q, want Lisbon", res.Entities.Get(EntityLocation))
	}
	if res.Entities.Get(EntityDate) != "tomorrow" {
		t.Errorf("date = %q, want tomorrow", res.Entities.Get(EntityDate))
	}
}

func TestLocalTierUnavailable(t *testing.T) {
	t.Parallel()

	srv := localServer(t, "", "", http.StatusServiceUnavailable)
	tier, err := NewLocalTier(LocalConfig{Endpoint: srv.URL}, nil)
	if err != nil {
		t.Fatalf("NewLocalTier: %v", err)
	}

	_, err = tier.Classify(context.Background(), Request{Text: "hi"})
	if KindOf(err) != ErrorUnavailable {
		t.Errorf("KindOf(err) = %s, want unavailable (err: %v)", KindOf(err), err)
	}
}

func TestLocalTierMalformed(t *testing.T) {
	t.Parallel()

	srv := localServer(t, `{"labels":["other"],"scores":[]}`, "[]", http.StatusOK)
	tier, _ := NewLocalTier(LocalConfig{Endpoint: srv.URL}, nil)

	_, err := tier.Classify(context.Background(), Request{Text: "hi"})
	if KindOf(err) != ErrorMalformed {
		t.Errorf("KindOf(err) = %s, want malformed", KindOf(err))
	}
}
