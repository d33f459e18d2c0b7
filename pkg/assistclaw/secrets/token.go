package secrets

import (
	"encoding/json"
	"fmt"

	"golang.org/x/oauth2"

	"github.com/jholhewres/assistclaw/pkg/assistclaw/google"
)

// GoogleTokenKey is the entry name of the Google OAuth token.
const GoogleTokenKey = "GOOGLE_OAUTH_TOKEN"

// TokenStore keeps the Google OAuth token as JSON inside a KV layer, so it
// is encrypted at rest alongside the other credentials.
type TokenStore struct {
	KV   KV
	Name string
}

// NewTokenStore stores the token under GoogleTokenKey in kv.
func NewTokenStore(kv KV) *TokenStore {
	return &TokenStore{KV: kv, Name: GoogleTokenKey}
}

// LoadToken implements google.TokenStore.
func (s *TokenStore) LoadToken() (*oauth2.Token, error) {
	raw, err := s.KV.Get(s.Name)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return nil, google.ErrNoToken
	}
	var tok oauth2.Token
	if err := json.Unmarshal([]byte(raw), &tok); err != nil {
		return nil, fmt.Errorf("decode token: %w", err)
	}
	return &tok, nil
}

// SaveToken implements google.TokenStore.
func (s *TokenStore) SaveToken(tok *oauth2.Token) error {
	data, err := json.Marshal(tok)
	if err != nil {
		return err
	}
	return s.KV.Set(s.Name, string(data))
}

var _ google.TokenStore = (*TokenStore)(nil)
