// Package auth obtains an OAuth 2.0 authorized HTTP client for Google Calendar.
package auth

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"
)

// AuthorizationTimeout bounds how long the loopback flow waits for the browser.
const AuthorizationTimeout = 5 * time.Minute

// TokenStore is an interface for saving and loading OAuth tokens.
type TokenStore interface {
	SaveToken(token *oauth2.Token) error
	// LoadToken returns nil, nil when no usable token exists.
	LoadToken() (*oauth2.Token, error)
}

// autoSaveTokenSource wraps an oauth2.TokenSource and automatically saves refreshed tokens.
type autoSaveTokenSource struct {
	source     oauth2.TokenSource
	tokenStore TokenStore
	lastToken  *oauth2.Token
}

// Token implements oauth2.TokenSource and saves the token if it was refreshed.
func (a *autoSaveTokenSource) Token() (*oauth2.Token, error) {
	token, err := a.source.Token()
	if err != nil {
		return nil, err
	}

	if a.lastToken == nil || a.lastToken.AccessToken != token.AccessToken {
		if err := a.tokenStore.SaveToken(token); err != nil {
			return nil, errors.Wrap(err, "failed to save refreshed token")
		}
		log.Debug().Time("expiry", token.Expiry).Msg("Saved refreshed OAuth token")
		a.lastToken = token
	}

	return token, nil
}

// callbackResult is what the loopback server hands back to the flow.
type callbackResult struct {
	code string
	err  error
}

// startLocalServer starts a local HTTP server to receive the OAuth callback.
// Port 8080 is tried first so a fixed redirect URI can be registered; any free
// port is used otherwise.
func startLocalServer(state string) (string, <-chan callbackResult, func(), error) {
	listener, err := net.Listen("tcp", "127.0.0.1:8080")
	if err != nil {
		listener, err = net.Listen("tcp", "127.0.0.1:0")
		if err != nil {
			return "", nil, nil, errors.Wrap(err, "failed to start local server")
		}
	}

	port := listener.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d", port)

	results := make(chan callbackResult, 1)
	deliver := func(r callbackResult) {
		select {
		case results <- r:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		switch {
		case q.Get("error") != "":
			fmt.Fprintf(w, "<html><body><h1>Authorization failed</h1><p>Error: %s</p></body></html>", q.Get("error"))
			deliver(callbackResult{err: errors.Errorf("authorization error: %s", q.Get("error"))})
		case q.Get("state") != state:
			http.Error(w, "state mismatch", http.StatusBadRequest)
			deliver(callbackResult{err: errors.New("authorization state mismatch")})
		case q.Get("code") == "":
			fmt.Fprint(w, "<html><body><h1>No authorization code received</h1></body></html>")
			deliver(callbackResult{err: errors.New("no authorization code received")})
		default:
			fmt.Fprint(w, "<html><body><h1>Authorization successful!</h1><p>You can close this window.</p></body></html>")
			deliver(callbackResult{code: q.Get("code")})
		}
	})

	server := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  10 * time.Second,
	}
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			deliver(callbackResult{err: errors.Wrap(err, "server error")})
		}
	}()

	shutdown := func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		server.Shutdown(ctx)
	}
	return redirectURL, results, shutdown, nil
}

// Prompt shows the authorization URL to the user.
type Prompt func(authURL, redirectURL string)

// GetAuthenticatedClient returns an authenticated HTTP client using OAuth 2.0.
// If no token exists, the user is guided through the loopback authorization flow.
func GetAuthenticatedClient(ctx context.Context, oauthConfig *oauth2.Config, tokenStore TokenStore, prompt Prompt) (*http.Client, error) {
	token, err := tokenStore.LoadToken()
	if err != nil {
		return nil, errors.Wrap(err, "failed to load token")
	}

	if token == nil {
		token, err = authorize(ctx, oauthConfig, prompt)
		if err != nil {
			return nil, err
		}
		if err := tokenStore.SaveToken(token); err != nil {
			return nil, errors.Wrap(err, "failed to save token")
		}
		log.Info().Msg("Google authorization successful")
	}

	autoSaveSource := &autoSaveTokenSource{
		source:     oauth2.ReuseTokenSource(token, oauthConfig.TokenSource(ctx, token)),
		tokenStore: tokenStore,
		lastToken:  token,
	}

	return oauth2.NewClient(ctx, autoSaveSource), nil
}

func authorize(ctx context.Context, oauthConfig *oauth2.Config, prompt Prompt) (*oauth2.Token, error) {
	state := uuid.NewString()
	redirectURL, results, shutdown, err := startLocalServer(state)
	if err != nil {
		return nil, err
	}
	defer shutdown()

	cfg := *oauthConfig
	cfg.RedirectURL = redirectURL
	authURL := cfg.AuthCodeURL(state, oauth2.AccessTypeOffline, oauth2.ApprovalForce)
	if prompt == nil {
		prompt = PrintPrompt
	}
	prompt(authURL, redirectURL)

	var code string
	select {
	case res := <-results:
		if res.err != nil {
			return nil, errors.Wrap(res.err, "failed to receive authorization code")
		}
		code = res.code
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(AuthorizationTimeout):
		return nil, errors.New("authorization timeout: no response received within 5 minutes")
	}

	token, err := cfg.Exchange(ctx, code)
	if err != nil {
		return nil, errors.Wrap(err, "failed to exchange authorization code")
	}
	return token, nil
}

// PrintPrompt writes the authorization instructions to stdout.
func PrintPrompt(authURL, redirectURL string) {
	fmt.Printf("Starting local server on %s\n", redirectURL)
	if redirectURL != "http://127.0.0.1:8080" {
		fmt.Printf("Note: Port 8080 was unavailable. Make sure to add %s to your authorized redirect URIs in Google Cloud Console.\n", redirectURL)
	}
	fmt.Println("\nPlease visit the following URL to authorize the application:")
	fmt.Println(authURL)
	fmt.Println("\nWaiting for authorization...")
}
