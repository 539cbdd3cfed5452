package auth

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
)

// mockTokenStore is a mock implementation of TokenStore for testing.
type mockTokenStore struct {
	token       *oauth2.Token
	savedTokens []*oauth2.Token
}

func (m *mockTokenStore) SaveToken(token *oauth2.Token) error {
	m.savedTokens = append(m.savedTokens, token)
	m.token = token
	return nil
}

func (m *mockTokenStore) LoadToken() (*oauth2.Token, error) {
	return m.token, nil
}

func testOAuthConfig(tokenURL string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "test-client-id",
		ClientSecret: "test-client-secret",
		Scopes:       []string{"https://www.googleapis.com/auth/calendar.events"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/auth",
			TokenURL: tokenURL,
		},
	}
}

func TestGetAuthenticatedClient_TokenExists(t *testing.T) {
	mockStore := &mockTokenStore{
		token: &oauth2.Token{
			AccessToken:  "test-access-token",
			RefreshToken: "test-refresh-token",
			Expiry:       time.Now().Add(1 * time.Hour),
			TokenType:    "Bearer",
		},
	}

	prompted := false
	client, err := GetAuthenticatedClient(context.Background(), testOAuthConfig("http://127.0.0.1:1/token"), mockStore,
		func(string, string) { prompted = true })
	if err != nil {
		t.Fatalf("GetAuthenticatedClient() returned an error: %v", err)
	}
	if client == nil {
		t.Fatal("GetAuthenticatedClient() returned nil client")
	}
	if prompted {
		t.Error("User was prompted although a token exists")
	}
	if len(mockStore.savedTokens) != 0 {
		t.Errorf("Expected no saves, got %d", len(mockStore.savedTokens))
	}
}

func TestGetAuthenticatedClient_LoopbackFlow(t *testing.T) {
	tokenServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		if r.Form.Get("code") != "the-code" {
			t.Errorf("code = %q, want the-code", r.Form.Get("code"))
		}
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"access_token":"new-access","refresh_token":"new-refresh","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenServer.Close()

	// The prompt plays the browser: follow the redirect with a code.
	prompt := func(authURL, redirectURL string) {
		u, err := url.Parse(authURL)
		if err != nil {
			t.Errorf("invalid auth URL: %v", err)
			return
		}
		q := u.Query()
		if q.Get("redirect_uri") != redirectURL {
			t.Errorf("redirect_uri = %q, want %q", q.Get("redirect_uri"), redirectURL)
		}
		if q.Get("access_type") != "offline" {
			t.Errorf("access_type = %q, want offline", q.Get("access_type"))
		}
		go func() {
			resp, err := http.Get(redirectURL + "/?code=the-code&state=" + url.QueryEscape(q.Get("state")))
			if err == nil {
				resp.Body.Close()
			}
		}()
	}

	store := &mockTokenStore{}
	client, err := GetAuthenticatedClient(context.Background(), testOAuthConfig(tokenServer.URL), store, prompt)
	if err != nil {
		t.Fatalf("GetAuthenticatedClient() returned an error: %v", err)
	}
	if client == nil {
		t.Fatal("GetAuthenticatedClient() returned nil client")
	}
	if len(store.savedTokens) != 1 || store.savedTokens[0].AccessToken != "new-access" {
		t.Errorf("savedTokens = %+v", store.savedTokens)
	}
}

func TestLocalServer_RejectsWrongState(t *testing.T) {
	redirectURL, results, shutdown, err := startLocalServer("expected")
	if err != nil {
		t.Fatalf("startLocalServer() returned an error: %v", err)
	}
	defer shutdown()

	resp, err := http.Get(redirectURL + "/?code=abc&state=forged")
	if err != nil {
		t.Fatalf("callback request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}

	select {
	case res := <-results:
		if res.err == nil {
			t.Error("Expected an error for a forged state")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("No callback result delivered")
	}
}

type sequenceSource struct {
	tokens []*oauth2.Token
	i      int
}

func (s *sequenceSource) Token() (*oauth2.Token, error) {
	if s.i >= len(s.tokens) {
		return nil, errors.New("exhausted")
	}
	tok := s.tokens[s.i]
	s.i++
	return tok, nil
}

func TestAutoSaveTokenSource_SavesOnlyRefreshed(t *testing.T) {
	first := &oauth2.Token{AccessToken: "a"}
	refreshed := &oauth2.Token{AccessToken: "b"}
	store := &mockTokenStore{}
	src := &autoSaveTokenSource{
		source:     &sequenceSource{tokens: []*oauth2.Token{first, first, refreshed}},
		tokenStore: store,
		lastToken:  first,
	}

	for i := 0; i < 3; i++ {
		if _, err := src.Token(); err != nil {
			t.Fatalf("Token() returned an error: %v", err)
		}
	}
	if len(store.savedTokens) != 1 || store.savedTokens[0].AccessToken != "b" {
		t.Errorf("savedTokens = %+v, want only the refreshed token", store.savedTokens)
	}
}

func TestFileTokenStore_SaveLoad(t *testing.T) {
	tokenPath := filepath.Join(t.TempDir(), "nested", "token.json")
	store := NewFileTokenStore(tokenPath)

	expiry := time.Now().Add(1 * time.Hour)
	token := &oauth2.Token{
		AccessToken:  "test-access-token",
		RefreshToken: "test-refresh-token",
		Expiry:       expiry,
		TokenType:    "Bearer",
	}

	if err := store.SaveToken(token); err != nil {
		t.Fatalf("SaveToken() returned an error: %v", err)
	}

	info, err := os.Stat(tokenPath)
	if err != nil {
		t.Fatalf("failed to stat token file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("permissions = %o, want 600", perm)
	}

	loadedToken, err := store.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken() returned an error: %v", err)
	}
	if loadedToken == nil {
		t.Fatal("LoadToken() returned nil token")
	}
	if loadedToken.AccessToken != token.AccessToken {
		t.Errorf("Expected AccessToken to be '%s', got '%s'", token.AccessToken, loadedToken.AccessToken)
	}
	if loadedToken.RefreshToken != token.RefreshToken {
		t.Errorf("Expected RefreshToken to be '%s', got '%s'", token.RefreshToken, loadedToken.RefreshToken)
	}
	if !loadedToken.Expiry.Equal(token.Expiry) {
		t.Errorf("Expected Expiry to be %v, got %v", token.Expiry, loadedToken.Expiry)
	}
}

func TestFileTokenStore_LoadEmpty(t *testing.T) {
	store := NewFileTokenStore(filepath.Join(t.TempDir(), "nonexistent.json"))

	token, err := store.LoadToken()
	if err != nil {
		t.Fatalf("LoadToken() should not return an error for non-existent file, got: %v", err)
	}
	if token != nil {
		t.Errorf("LoadToken() should return nil for non-existent file, got: %v", token)
	}
}

func TestFileTokenStore_CorruptedFileDiscarded(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{name: "not json", content: "{{{not json"},
		{name: "empty object", content: "{}"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tokenPath := filepath.Join(t.TempDir(), "token.json")
			if err := os.WriteFile(tokenPath, []byte(tt.content), 0o600); err != nil {
				t.Fatalf("failed to write token file: %v", err)
			}

			token, err := NewFileTokenStore(tokenPath).LoadToken()
			if err != nil {
				t.Fatalf("LoadToken() returned an error: %v", err)
			}
			if token != nil {
				t.Errorf("Expected nil token, got %+v", token)
			}
			if _, err := os.Stat(tokenPath); !os.IsNotExist(err) {
				t.Error("Expected the corrupted token file to be removed")
			}
		})
	}
}
