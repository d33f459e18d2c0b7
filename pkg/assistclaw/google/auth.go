// Package google adapts Google Calendar, Gmail and the People API to the
// dispatcher's collaborator interfaces. Authentication is a single OAuth
// token for the assistant's owner, obtained once with "assistclaw google
// login" and refreshed automatically.
package google

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/calendar/v3"
	"google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"
	"google.golang.org/api/people/v1"
)

// ErrNoToken means the owner has not completed the OAuth login yet.
var ErrNoToken = errors.New("no google token, run 'assistclaw google login'")

// Scopes requested at login.
var Scopes = []string{
	calendar.CalendarScope,
	gmail.GmailSendScope,
	people.ContactsReadonlyScope,
}

// DefaultRedirectPort is the local port of the login callback.
const DefaultRedirectPort = 8086

// Config configures the Google adapters.
type Config struct {
	// CredentialsFile is the OAuth client JSON downloaded from the Cloud
	// console ("Desktop app" client).
	CredentialsFile string `yaml:"credentials_file"`

	// CalendarID is the calendar events are read from and written to.
	CalendarID string `yaml:"calendar_id"`

	// TokenFile stores the token when the keyring is unavailable.
	TokenFile string `yaml:"token_file"`

	// RedirectPort is the local callback port used by login.
	RedirectPort int `yaml:"redirect_port"`

	// SendUpdates controls invitation emails for new events: all, externalOnly, none.
	SendUpdates string `yaml:"send_updates"`
}

// DefaultConfig returns the Google defaults.
func DefaultConfig() Config {
	return Config{
		CredentialsFile: "./data/google_credentials.json",
		CalendarID:      "primary",
		TokenFile:       "./data/google_token.json",
		RedirectPort:    DefaultRedirectPort,
		SendUpdates:     "all",
	}
}

// OAuthConfig reads the client credentials file.
func OAuthConfig(cfg Config) (*oauth2.Config, error) {
	data, err := os.ReadFile(cfg.CredentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read google credentials: %w", err)
	}
	oc, err := googleoauth.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("parse google credentials: %w", err)
	}
	port := cfg.RedirectPort
	if port == 0 {
		port = DefaultRedirectPort
	}
	oc.RedirectURL = fmt.Sprintf("http://localhost:%d/oauth/callback", port)
	return oc, nil
}

// TokenStore persists the OAuth token.
type TokenStore interface {
	LoadToken() (*oauth2.Token, error)
	SaveToken(tok *oauth2.Token) error
}

// FileTokenStore keeps the token as JSON in a 0600 file.
type FileTokenStore struct {
	Path string
}

// LoadToken implements TokenStore. A missing file yields ErrNoToken.
func (s FileTokenStore) LoadToken() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNoToken
	}
	if err != nil {
		return nil, fmt.Errorf("read token: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// SaveToken implements TokenStore.
func (s FileTokenStore) SaveToken(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.Path), 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}
	return os.WriteFile(s.Path, data, 0o600)
}

// persistingSource saves every refreshed token back to the store.
type persistingSource struct {
	base   oauth2.TokenSource
	store  TokenStore
	logger *slog.Logger

	mu   sync.Mutex
	last string
}

func (p *persistingSource) Token() (*oauth2.Token, error) {
	tok, err := p.base.Token()
	if err != nil {
		return nil, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if tok.AccessToken != p.last {
		p.last = tok.AccessToken
		if err := p.store.SaveToken(tok); err != nil {
			p.logger.Warn("failed to persist refreshed google token", "error", err)
		}
	}
	return tok, nil
}

// HTTPClient returns an authorized client backed by the stored token.
func HTTPClient(ctx context.Context, oc *oauth2.Config, store TokenStore, logger *slog.Logger) (*http.Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	tok, err := store.LoadToken()
	if err != nil {
		return nil, err
	}
	src := &persistingSource{
		base:   oc.TokenSource(ctx, tok),
		store:  store,
		logger: logger.With("component", "google"),
		last:   tok.AccessToken,
	}
	return oauth2.NewClient(ctx, oauth2.ReuseTokenSource(tok, src)), nil
}

// Login runs the authorization-code flow with PKCE: it serves the callback
// on the redirect port, hands the consent URL to show, waits for Google to
// redirect back and stores the resulting token.
func Login(ctx context.Context, oc *oauth2.Config, store TokenStore, show func(url string)) (*oauth2.Token, error) {
	redirect, err := urlHost(oc.RedirectURL)
	if err != nil {
		return nil, err
	}
	ln, err := net.Listen("tcp", redirect)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", redirect, err)
	}

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	finish := func(r result) {
		select {
		case done <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			finish(result{err: errors.New("oauth state mismatch")})
		case q.Get("error") != "":
			http.Error(w, "authorization denied", http.StatusForbidden)
			finish(result{err: fmt.Errorf("authorization denied: %s", q.Get("error"))})
		default:
			fmt.Fprintln(w, "AssistClaw is connected to your Google account. You can close this tab.")
			finish(result{code: q.Get("code")})
		}
	})
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go srv.Serve(ln)
	defer srv.Close()

	show(oc.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce, oauth2.S256ChallengeOption(verifier)))

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if res.err != nil {
		return nil, res.err
	}

	tok, err := oc.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("exchange code: %w", err)
	}
	if err := store.SaveToken(tok); err != nil {
		return nil, fmt.Errorf("save token: %w", err)
	}
	return tok, nil
}

func urlHost(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return "", fmt.Errorf("invalid redirect url %q", raw)
	}
	return u.Host, nil
}

// Clients bundles the three adapters sharing one authorized HTTP client.
type Clients struct {
	Calendar *Calendar
	Mailer   *Mailer
	People   *People
}

// Connect loads the token and builds every adapter.
func Connect(ctx context.Context, cfg Config, store TokenStore, loc *time.Location, logger *slog.Logger) (*Clients, error) {
	oc, err := OAuthConfig(cfg)
	if err != nil {
		return nil, err
	}
	hc, err := HTTPClient(ctx, oc, store, logger)
	if err != nil {
		return nil, err
	}
	opt := option.WithHTTPClient(hc)

	cal, err := NewCalendar(ctx, cfg, loc, opt)
	if err != nil {
		return nil, err
	}
	mailer, err := NewMailer(ctx, "", opt)
	if err != nil {
		return nil, err
	}
	ppl, err := NewPeople(ctx, opt)
	if err != nil {
		return nil, err
	}
	return &Clients{Calendar: cal, Mailer: mailer, People: ppl}, nil
}
