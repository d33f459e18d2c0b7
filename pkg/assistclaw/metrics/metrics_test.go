package metrics

import (
	"errors"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/classifier"
)

func TestObservers(t *testing.T) {
	t.Parallel()
	m := New()

	m.ObserveTier(classifier.SourceLLM, "error", 120*time.Millisecond)
	m.ObserveTier(classifier.SourceRules, "ok", time.Millisecond)
	m.ObserveTurn(classifier.IntentScheduleMeeting, "dispatched")
	m.ObserveTurn("", "help")
	m.ObserveInbound("twilio", "duplicate")
	m.ObserveOutbound("twilio", errors.New("boom"))
	m.ObserveJob("conversation-sweep", nil)

	if got := testutil.CollectAndCount(m.TierDuration); got != 2 {
		t.Errorf("tier series = %d, want 2", got)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues("schedule_meeting", "dispatched")); got != 1 {
		t.Errorf("dispatched turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Turns.WithLabelValues("unknown", "help")); got != 1 {
		t.Errorf("help turns = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.Outbound.WithLabelValues("twilio", "error")); got != 1 {
		t.Errorf("outbound errors = %v, want 1", got)
	}
}

func TestHandlerExposesGauge(t *testing.T) {
	t.Parallel()
	m := New()
	m.GaugeFunc("active_conversations", "Conversations in progress", func() float64 { return 3 })
	m.ObserveInbound("whatsapp", "accepted")

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)

	for _, want := range []string{
		"assistclaw_active_conversations 3",
		`assistclaw_inbound_messages_total{channel="whatsapp",result="accepted"} 1`,
		"go_goroutines",
	} {
		if !strings.Contains(string(body), want) {
			t.Errorf("metrics output missing %q", want)
		}
	}
}
