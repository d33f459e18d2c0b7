package assistant

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

type fakeCalendar struct {
	mu     sync.Mutex
	events []dispatch.Event
	calls  int
}

func (f *fakeCalendar) CreateEvent(_ context.Context, req dispatch.EventRequest) (*dispatch.Event, error) {
	return &dispatch.Event{ID: "evt", Summary: req.Summary, Start: req.Start, End: req.End}, nil
}

func (f *fakeCalendar) ListEvents(context.Context, time.Time, time.Time, int) ([]dispatch.Event, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.events, nil
}

func (f *fakeCalendar) Busy(context.Context, time.Time, time.Time) ([]dispatch.Interval, error) {
	return nil, nil
}

// loopChannel feeds scripted messages and records replies.
type loopChannel struct {
	in      chan *channels.IncomingMessage
	mu      sync.Mutex
	sent    []*channels.OutgoingMessage
	to      []string
	typed   int
	replied chan struct{}
}

func newLoopChannel() *loopChannel {
	return &loopChannel{
		in:      make(chan *channels.IncomingMessage, 4),
		replied: make(chan struct{}, 4),
	}
}

func (c *loopChannel) Name() string                  { return "loop" }
func (c *loopChannel) Connect(context.Context) error { return nil }
func (c *loopChannel) Disconnect() error             { return nil }
func (c *loopChannel) IsConnected() bool             { return true }
func (c *loopChannel) Health() channels.HealthStatus { return channels.HealthStatus{Connected: true} }

func (c *loopChannel) Receive() <-chan *channels.IncomingMessage { return c.in }

func (c *loopChannel) Typing(context.Context, string) error {
	c.mu.Lock()
	c.typed++
	c.mu.Unlock()
	return nil
}

func (c *loopChannel) Send(_ context.Context, to string, msg *channels.OutgoingMessage) error {
	c.mu.Lock()
	c.sent = append(c.sent, msg)
	c.to = append(c.to, to)
	c.mu.Unlock()
	c.replied <- struct{}{}
	return nil
}

func testConfig(t *testing.T) *Config {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Timezone = "UTC"
	cfg.Classifier.LLM.APIKey = ""
	cfg.Database.Path = filepath.Join(t.TempDir(), "assistclaw.db")
	cfg.Gateway.Address = "127.0.0.1:0"
	return cfg
}

func newTestAssistant(t *testing.T, opts ...Option) (*Assistant, *fakeCalendar) {
	t.Helper()
	cal := &fakeCalendar{events: []dispatch.Event{{
		Summary: "Standup",
		Start:   time.Now().Add(2 * time.Hour),
		End:     time.Now().Add(150 * time.Minute),
	}}}
	opts = append([]Option{WithGoogle(dispatch.Services{Calendar: cal}, nil), WithVersion("test")}, opts...)
	a, err := New(context.Background(), testConfig(t), nil, opts...)
	require.NoError(t, err)
	return a, cal
}

func TestNewRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Timezone = "Mars/Olympus"
	_, err := New(context.Background(), cfg, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timezone")
}

func TestReply(t *testing.T) {
	a, cal := newTestAssistant(t)
	defer a.Close()
	ctx := context.Background()

	text, intent := a.Reply(ctx, &channels.IncomingMessage{ID: "1", From: "+15550001", Content: "What's on my calendar?"})
	assert.Equal(t, "check_calendar", string(intent))
	assert.Contains(t, text, "Standup")
	assert.Equal(t, 1, cal.calls)

	text, _ = a.Reply(ctx, &channels.IncomingMessage{ID: "2", From: "+15550001", Content: "   "})
	assert.Empty(t, text)

	text, _ = a.Reply(ctx, &channels.IncomingMessage{
		ID:    "3",
		From:  "+15550001",
		Media: []channels.MediaInfo{{URL: "https://example.com/a.jpg", MimeType: "image/jpeg"}},
	})
	assert.Equal(t, mediaNotice, text)
}

func TestMessageLoop(t *testing.T) {
	ch := newLoopChannel()
	a, _ := newTestAssistant(t, WithChannel(ch))
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	ch.in <- &channels.IncomingMessage{ID: "m1", Channel: "loop", From: "+15550002", Content: "What's on my calendar?"}

	select {
	case <-ch.replied:
	case <-time.After(5 * time.Second):
		t.Fatal("no reply sent")
	}

	ch.mu.Lock()
	defer ch.mu.Unlock()
	require.Len(t, ch.sent, 1)
	assert.Equal(t, "m1", ch.sent[0].ReplyTo)
	assert.Equal(t, "+15550002", ch.to[0])
	assert.Contains(t, ch.sent[0].Content, "Standup")
	assert.Equal(t, 1, ch.typed)
}

func TestStartRegistersJobs(t *testing.T) {
	a, _ := newTestAssistant(t)
	require.NoError(t, a.Start(context.Background()))
	defer a.Stop()

	jobs := a.jobs()
	require.Len(t, jobs, 1)
	assert.Equal(t, JobConversationSweep, jobs[0].ID)

	require.NoError(t, a.scheduler.RunNow(JobConversationSweep))

	status := a.Status(context.Background())
	assert.Contains(t, status, "database")
	assert.Contains(t, status, "contacts")
	assert.Equal(t, true, status["google"])
}

func TestQRWithoutWhatsApp(t *testing.T) {
	a, _ := newTestAssistant(t)
	defer a.Close()
	_, ok := a.qr()
	assert.False(t, ok)
}

func TestTruncate(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "olá...", truncate("olá mundo", 3))
}
