package twilio

import (
	"context"
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	twilioApi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/channels"
	"github.com/jholhewres/assistclaw/pkg/assistclaw/dedup"
)

const (
	testToken  = "12345"
	testPublic = "https://bot.example.com"
)

type fakeAPI struct {
	mu   sync.Mutex
	sent []*twilioApi.CreateMessageParams
	err  error
}

func (f *fakeAPI) CreateMessage(p *twilioApi.CreateMessageParams) (*twilioApi.ApiV2010Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, p)
	sid := "SM" + strings.Repeat("0", 32)
	return &twilioApi.ApiV2010Message{Sid: &sid}, nil
}

type countObserver struct {
	mu     sync.Mutex
	counts map[string]int
}

func (o *countObserver) ObserveInbound(channel, result string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.counts == nil {
		o.counts = map[string]int{}
	}
	o.counts[result]++
}

func (o *countObserver) get(result string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.counts[result]
}

func newChannel(t *testing.T, opts ...Option) (*Channel, *fakeAPI, *countObserver) {
	t.Helper()
	api := &fakeAPI{}
	obs := &countObserver{}
	cfg := DefaultConfig()
	cfg.AuthToken = testToken
	cfg.From = "whatsapp:+14155238886"
	cfg.PublicURL = testPublic
	opts = append([]Option{WithAPI(api), WithObserver(obs)}, opts...)
	c, err := New(cfg, nil, opts...)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	t.Cleanup(func() { _ = c.Disconnect() })
	return c, api, obs
}

// sign reproduces Twilio's X-Twilio-Signature.
func sign(fullURL string, form url.Values) string {
	keys := make([]string, 0, len(form))
	for k := range form {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(fullURL)
	for _, k := range keys {
		b.WriteString(k)
		b.WriteString(form.Get(k))
	}
	mac := hmac.New(sha1.New, []byte(testToken))
	mac.Write([]byte(b.String()))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func inbound(sid, body string) url.Values {
	return url.Values{
		"MessageSid":  {sid},
		"From":        {"whatsapp:+15551234567"},
		"To":          {"whatsapp:+14155238886"},
		"Body":        {body},
		"NumMedia":    {"0"},
		"ProfileName": {"Jane"},
	}
}

func post(t *testing.T, c *Channel, form url.Values, signature string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if signature != "" {
		req.Header.Set("X-Twilio-Signature", signature)
	}
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	return rec
}

func receive(t *testing.T, c *Channel) *channels.IncomingMessage {
	t.Helper()
	select {
	case m := <-c.Receive():
		return m
	case <-time.After(time.Second):
		t.Fatal("no message queued")
		return nil
	}
}

func TestWebhookAccepts(t *testing.T) {
	c, _, obs := newChannel(t)
	form := inbound("SM1", "  Schedule a meeting  ")

	rec := post(t, c, form, sign(testPublic+"/webhook/twilio", form))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "text/xml")
	assert.Equal(t, emptyTwiML, rec.Body.String())

	m := receive(t, c)
	assert.Equal(t, "SM1", m.ID)
	assert.Equal(t, Name, m.Channel)
	assert.Equal(t, "+15551234567", m.From)
	assert.Equal(t, "Jane", m.FromName)
	assert.Equal(t, "Schedule a meeting", m.Content)
	assert.Equal(t, "whatsapp:+15551234567", m.Metadata["address"])
	assert.Equal(t, 1, obs.get("accepted"))
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	c, _, obs := newChannel(t)
	form := inbound("SM2", "hi")

	rec := post(t, c, form, "bm90LWEtc2lnbmF0dXJl")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = post(t, c, form, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	// Signed over a different URL.
	rec = post(t, c, form, sign("https://evil.example.com/webhook/twilio", form))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	assert.Equal(t, 3, obs.get("rejected"))
	assert.Empty(t, c.Receive())
}

func TestWebhookSignatureFromRequestHost(t *testing.T) {
	api := &fakeAPI{}
	cfg := DefaultConfig()
	cfg.AuthToken = testToken
	cfg.From = "whatsapp:+14155238886"
	c, err := New(cfg, nil, WithAPI(api))
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background()))
	defer c.Disconnect()

	form := inbound("SM3", "hi")
	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("X-Forwarded-Proto", "https")
	req.Host = "relay.example.org"
	req.Header.Set("X-Twilio-Signature", sign("https://relay.example.org/webhook/twilio", form))
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestWebhookDropsDuplicates(t *testing.T) {
	c, _, obs := newChannel(t, WithDedup(dedup.NewMemory(time.Minute)))
	form := inbound("SM4", "hello")
	sig := sign(testPublic+"/webhook/twilio", form)

	require.Equal(t, http.StatusOK, post(t, c, form, sig).Code)
	require.Equal(t, http.StatusOK, post(t, c, form, sig).Code)

	receive(t, c)
	assert.Empty(t, c.Receive())
	assert.Equal(t, 1, obs.get("accepted"))
	assert.Equal(t, 1, obs.get("duplicate"))
}

func TestWebhookQueueFullAcceptsRedelivery(t *testing.T) {
	c, _, obs := newChannel(t, WithDedup(dedup.NewMemory(time.Minute)))
	for len(c.messages) < cap(c.messages) {
		c.messages <- &channels.IncomingMessage{ID: "filler"}
	}

	form := inbound("SMlost", "schedule a meeting")
	sig := sign(testPublic+"/webhook/twilio", form)
	rec := post(t, c, form, sig)
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))

	<-c.messages
	rec = post(t, c, form, sig)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, obs.get("duplicate"))
	assert.Equal(t, 1, obs.get("accepted"))

	var got *channels.IncomingMessage
	for len(c.messages) > 0 {
		got = <-c.messages
	}
	require.NotNil(t, got)
	assert.Equal(t, "SMlost", got.ID)
}

func TestWebhookBadRequests(t *testing.T) {
	c, _, _ := newChannel(t)

	req := httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil)
	rec := httptest.NewRecorder()
	c.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)

	form := inbound("", "hi")
	rec = post(t, c, form, sign(testPublic+"/webhook/twilio", form))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestWebhookMedia(t *testing.T) {
	c, _, _ := newChannel(t)
	form := inbound("SM5", "")
	form.Set("NumMedia", "2")
	form.Set("MediaUrl0", "https://api.twilio.com/media/0")
	form.Set("MediaContentType0", "image/jpeg")
	form.Set("MediaUrl1", "https://api.twilio.com/media/1")
	form.Set("MediaContentType1", "audio/ogg")

	require.Equal(t, http.StatusOK, post(t, c, form, sign(testPublic+"/webhook/twilio", form)).Code)
	m := receive(t, c)
	assert.Empty(t, m.Content)
	require.Len(t, m.Media, 2)
	assert.Equal(t, "audio/ogg", m.Media[1].MimeType)
}

func TestWebhookAfterDisconnect(t *testing.T) {
	c, _, obs := newChannel(t)
	require.NoError(t, c.Disconnect())

	form := inbound("SM6", "hi")
	rec := post(t, c, form, sign(testPublic+"/webhook/twilio", form))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, 1, obs.get("dropped"))
}

func TestSend(t *testing.T) {
	c, api, _ := newChannel(t)

	require.NoError(t, c.Send(context.Background(), "+15551234567", &channels.OutgoingMessage{Content: "✅ Meeting booked"}))
	require.Len(t, api.sent, 1)
	assert.Equal(t, "whatsapp:+15551234567", *api.sent[0].To)
	assert.Equal(t, "whatsapp:+14155238886", *api.sent[0].From)
	assert.Equal(t, "✅ Meeting booked", *api.sent[0].Body)

	// Empty replies are not sent.
	require.NoError(t, c.Send(context.Background(), "+15551234567", &channels.OutgoingMessage{Content: "  "}))
	assert.Len(t, api.sent, 1)
}

func TestSendSplitsLongBodies(t *testing.T) {
	c, api, _ := newChannel(t)
	line := strings.Repeat("x", 99) + "\n"
	body := strings.Repeat(line, 20) // 2000 runes

	require.NoError(t, c.Send(context.Background(), "+15551234567", &channels.OutgoingMessage{Content: body}))
	require.Len(t, api.sent, 2)
	for _, p := range api.sent {
		assert.LessOrEqual(t, len([]rune(*p.Body)), maxBody)
	}
}

func TestSendErrors(t *testing.T) {
	c, api, _ := newChannel(t)
	api.err = errors.New("status 429")

	err := c.Send(context.Background(), "+15551234567", &channels.OutgoingMessage{Content: "hi"})
	require.Error(t, err)
	assert.Equal(t, 1, c.Health().ErrorCount)

	require.NoError(t, c.Disconnect())
	err = c.Send(context.Background(), "+15551234567", &channels.OutgoingMessage{Content: "hi"})
	require.ErrorIs(t, err, channels.ErrChannelDisconnected)
}

func TestNewRequiresCredentials(t *testing.T) {
	t.Parallel()
	_, err := New(Config{}, nil)
	require.Error(t, err)

	_, err = New(Config{From: "whatsapp:+1"}, nil)
	require.Error(t, err)

	c, err := New(Config{From: "whatsapp:+1", AccountSID: "AC1", AuthToken: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "/webhook/twilio", c.WebhookPath())
}

func TestSplit(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		text  string
		limit int
		want  []string
	}{
		{"short", "hello", 10, []string{"hello"}},
		{"newline", "aaaa\nbbbb\ncc", 10, []string{"aaaa\nbbbb", "cc"}},
		{"hard cut", "abcdefghij", 4, []string{"abcd", "efgh", "ij"}},
		{"runes", "ééééé", 2, []string{"éé", "éé", "é"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, split(tt.text, tt.limit))
		})
	}
}
