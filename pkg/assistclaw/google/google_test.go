package google

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/dispatch"
)

func serve(t *testing.T, h http.HandlerFunc) []option.ClientOption {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return []option.ClientOption{
		option.WithEndpoint(srv.URL + "/"),
		option.WithHTTPClient(srv.Client()),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func apiError(w http.ResponseWriter, code int, reason string) {
	writeJSON(w, code, map[string]any{
		"error": map[string]any{
			"code":    code,
			"message": reason,
			"errors":  []map[string]string{{"reason": reason, "message": reason}},
		},
	})
}

func TestCalendarCreateEvent(t *testing.T) {
	var got map[string]any
	var sendUpdates string
	opts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.True(t, strings.HasSuffix(r.URL.Path, "/calendars/primary/events"), r.URL.Path)
		sendUpdates = r.URL.Query().Get("sendUpdates")
		json.NewDecoder(r.Body).Decode(&got)
		writeJSON(w, http.StatusOK, map[string]any{
			"id":       "ev1",
			"summary":  "Meeting with Jane",
			"htmlLink": "https://calendar.google.com/event?eid=ev1",
			"start":    map[string]string{"dateTime": "2026-10-20T15:00:00Z"},
			"end":      map[string]string{"dateTime": "2026-10-20T15:30:00Z"},
			"attendees": []map[string]string{{"email": "jane@example.com"}},
		})
	})
	cal, err := NewCalendar(context.Background(), Config{}, time.UTC, opts...)
	require.NoError(t, err)

	start := time.Date(2026, 10, 20, 15, 0, 0, 0, time.UTC)
	ev, err := cal.CreateEvent(context.Background(), dispatch.EventRequest{
		Summary:   "Meeting with Jane",
		Start:     start,
		End:       start.Add(30 * time.Minute),
		Attendees: []string{"jane@example.com"},
	})
	require.NoError(t, err)

	assert.Equal(t, "all", sendUpdates)
	assert.Equal(t, "Meeting with Jane", got["summary"])
	assert.Equal(t, "ev1", ev.ID)
	assert.Equal(t, start, ev.Start)
	assert.Equal(t, []string{"jane@example.com"}, ev.Attendees)
	assert.Contains(t, ev.Link, "eid=ev1")
}

func TestCalendarBusy(t *testing.T) {
	opts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/freeBusy"), r.URL.Path)
		writeJSON(w, http.StatusOK, map[string]any{
			"calendars": map[string]any{
				"primary": map[string]any{
					"busy": []map[string]string{
						{"start": "2026-10-20T10:00:00Z", "end": "2026-10-20T11:00:00Z"},
						{"start": "bogus", "end": "2026-10-20T12:00:00Z"},
					},
				},
			},
		})
	})
	cal, err := NewCalendar(context.Background(), Config{CalendarID: "primary"}, time.UTC, opts...)
	require.NoError(t, err)

	day := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	busy, err := cal.Busy(context.Background(), day, day.Add(24*time.Hour))
	require.NoError(t, err)
	require.Len(t, busy, 1)
	assert.Equal(t, day.Add(10*time.Hour), busy[0].Start)
	assert.Equal(t, day.Add(11*time.Hour), busy[0].End)
}

func TestCalendarListEventsSkipsCancelled(t *testing.T) {
	opts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "true", r.URL.Query().Get("singleEvents"))
		assert.Equal(t, "startTime", r.URL.Query().Get("orderBy"))
		writeJSON(w, http.StatusOK, map[string]any{
			"items": []map[string]any{
				{"id": "a", "summary": "Standup", "start": map[string]string{"dateTime": "2026-10-20T09:00:00Z"}, "end": map[string]string{"dateTime": "2026-10-20T09:15:00Z"}},
				{"id": "b", "status": "cancelled"},
				{"id": "c", "summary": "Holiday", "start": map[string]string{"date": "2026-10-20"}, "end": map[string]string{"date": "2026-10-21"}},
			},
		})
	})
	cal, err := NewCalendar(context.Background(), Config{}, time.UTC, opts...)
	require.NoError(t, err)

	day := time.Date(2026, 10, 20, 0, 0, 0, 0, time.UTC)
	events, err := cal.ListEvents(context.Background(), day, day.Add(24*time.Hour), 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "Standup", events[0].Summary)
	assert.False(t, events[0].AllDay)
	assert.True(t, events[1].AllDay)
	assert.Equal(t, day, events[1].Start)
}

func TestCalendarErrorKinds(t *testing.T) {
	tests := []struct {
		name   string
		code   int
		reason string
		want   dispatch.ErrorKind
	}{
		{"rate limited", http.StatusTooManyRequests, "rateLimitExceeded", dispatch.KindRateLimit},
		{"quota via 403", http.StatusForbidden, "userRateLimitExceeded", dispatch.KindRateLimit},
		{"forbidden", http.StatusForbidden, "forbidden", dispatch.KindAuth},
		{"unauthorized", http.StatusUnauthorized, "authError", dispatch.KindAuth},
		{"not found", http.StatusNotFound, "notFound", dispatch.KindNotFound},
		{"bad request", http.StatusBadRequest, "invalid", dispatch.KindInvalid},
		{"backend", http.StatusInternalServerError, "backendError", dispatch.KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := serve(t, func(w http.ResponseWriter, r *http.Request) {
				apiError(w, tt.code, tt.reason)
			})
			cal, err := NewCalendar(context.Background(), Config{}, time.UTC, opts...)
			require.NoError(t, err)

			now := time.Now()
			_, err = cal.ListEvents(context.Background(), now, now.Add(time.Hour), 1)
			require.Error(t, err)
			assert.Equal(t, tt.want, dispatch.KindOf(err))

			var de *dispatch.Error
			require.True(t, errors.As(err, &de))
			assert.Equal(t, dispatch.ServiceCalendar, de.Service)
		})
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want dispatch.ErrorKind
	}{
		{"deadline", context.DeadlineExceeded, dispatch.KindTimeout},
		{"no token", ErrNoToken, dispatch.KindAuth},
		{"refresh failed", &oauth2.RetrieveError{}, dispatch.KindAuth},
		{"api 500", &googleapi.Error{Code: 500}, dispatch.KindTransport},
		{"other", errors.New("boom"), dispatch.KindUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := kindOf(tt.err); got != tt.want {
				t.Errorf("kindOf(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestMailerSend(t *testing.T) {
	var raw string
	opts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "/users/me/messages/send"), r.URL.Path)
		var body struct {
			Raw string `json:"raw"`
		}
		json.NewDecoder(r.Body).Decode(&body)
		decoded, err := base64.URLEncoding.DecodeString(body.Raw)
		assert.NoError(t, err)
		raw = string(decoded)
		writeJSON(w, http.StatusOK, map[string]string{"id": "msg-1"})
	})
	m, err := NewMailer(context.Background(), "", opts...)
	require.NoError(t, err)

	id, err := m.Send(context.Background(), dispatch.Email{
		To:      "bob@example.com",
		Subject: "Relatório trimestral",
		Body:    "Line one\nLine two",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
	assert.Contains(t, raw, "To: <bob@example.com>\r\n")
	assert.Contains(t, raw, "Subject: =?utf-8?q?")
	assert.Contains(t, raw, "\r\n\r\nLine one\r\nLine two\r\n")
}

func TestMailerRejectsBadRecipient(t *testing.T) {
	opts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		t.Error("no request expected")
	})
	m, err := NewMailer(context.Background(), "", opts...)
	require.NoError(t, err)

	_, err = m.Send(context.Background(), dispatch.Email{To: "not an address"})
	require.Error(t, err)
	assert.Equal(t, dispatch.KindInvalid, dispatch.KindOf(err))
}

func TestPeopleSearchAndList(t *testing.T) {
	searches := 0
	opts := serve(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, ":searchContacts"):
			searches++
			if r.URL.Query().Get("query") == "" {
				writeJSON(w, http.StatusOK, map[string]any{})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"results": []map[string]any{{
					"person": map[string]any{
						"resourceName": "people/c1",
						"names":        []map[string]any{{"displayName": "Maria Silva"}},
						"emailAddresses": []map[string]any{
							{"value": "maria@work.com"},
							{"value": "maria@home.com", "metadata": map[string]any{"primary": true}},
						},
					},
				}},
			})
		case strings.HasSuffix(r.URL.Path, "/connections"):
			if r.URL.Query().Get("pageToken") == "" {
				writeJSON(w, http.StatusOK, map[string]any{
					"connections":   []map[string]any{{"resourceName": "people/c1", "names": []map[string]any{{"displayName": "Maria Silva"}}}},
					"nextPageToken": "p2",
				})
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{
				"connections": []map[string]any{
					{"resourceName": "people/c2", "emailAddresses": []map[string]any{{"value": "nameless@example.com"}}},
					{"resourceName": "people/c3"},
				},
			})
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
			io.WriteString(w, "{}")
		}
	})
	p, err := NewPeople(context.Background(), opts...)
	require.NoError(t, err)

	found, err := p.Search(context.Background(), "maria", 5)
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, "maria@home.com", found[0].Email)
	assert.Equal(t, 2, searches, "first search primes the index")

	all, err := p.List(context.Background())
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, "nameless@example.com", all[1].Name)
}

func TestFileTokenStore(t *testing.T) {
	store := FileTokenStore{Path: filepath.Join(t.TempDir(), "sub", "token.json")}

	_, err := store.LoadToken()
	assert.ErrorIs(t, err, ErrNoToken)

	tok := &oauth2.Token{AccessToken: "at", RefreshToken: "rt", TokenType: "Bearer"}
	require.NoError(t, store.SaveToken(tok))

	got, err := store.LoadToken()
	require.NoError(t, err)
	assert.Equal(t, "rt", got.RefreshToken)
}
