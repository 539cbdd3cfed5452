package roster

import (
	"bytes"
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/go-resty/resty/v2"
	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
)

const (
	usernameSelector = `input[name="UserName"]`
	passwordSelector = `input[name="Password"]`
	submitSelector   = `button[type="submit"]`
	exportSelector   = `a.button-export`

	exportPath = "/Roster/ExportToICS"

	// DefaultTimeout bounds the browser login.
	DefaultTimeout = 60 * time.Second
)

// LoginFunc signs in to the portal and returns the session cookies.
type LoginFunc func(ctx context.Context) ([]*http.Cookie, error)

// PortalOptions configures a PortalFetcher.
type PortalOptions struct {
	BaseURL  string
	Username string
	Password string
	Timeout  time.Duration
	// ShowBrowser runs Chrome with a visible window, useful when the login form changes.
	ShowBrowser bool
	// Login overrides the browser login, mainly for tests.
	Login LoginFunc
}

// PortalFetcher signs in once through a headless browser and reuses the
// session cookies to download roster exports over plain HTTP.
type PortalFetcher struct {
	baseURL string
	login   LoginFunc
	http    *resty.Client

	mu      sync.Mutex
	session []*http.Cookie
}

// NewPortalFetcher creates a fetcher for the portal at opts.BaseURL.
func NewPortalFetcher(opts PortalOptions) *PortalFetcher {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	baseURL := strings.TrimSuffix(opts.BaseURL, "/")

	p := &PortalFetcher{
		baseURL: baseURL,
		login:   opts.Login,
		http: resty.New().
			SetBaseURL(baseURL).
			SetTimeout(opts.Timeout).
			// A redirect means the session is gone; surface it instead of following to the login form.
			SetRedirectPolicy(resty.NoRedirectPolicy()),
	}
	if p.login == nil {
		p.login = browserLogin(baseURL, opts.Username, opts.Password, opts.Timeout, !opts.ShowBrowser)
	}
	return p
}

// Fetch downloads the export starting at the first day of month.
// An expired session triggers one fresh login before giving up.
func (p *PortalFetcher) Fetch(ctx context.Context, month time.Time) ([]byte, error) {
	cookies, fresh, err := p.cookies(ctx)
	if err != nil {
		return nil, err
	}

	data, err := p.download(ctx, month, cookies)
	var authErr *AuthError
	if err != nil && errors.As(err, &authErr) && !fresh {
		log.Info().Msg("Portal session expired, logging in again")
		p.reset()
		if cookies, _, err = p.cookies(ctx); err != nil {
			return nil, err
		}
		data, err = p.download(ctx, month, cookies)
	}
	return data, err
}

func (p *PortalFetcher) cookies(ctx context.Context) ([]*http.Cookie, bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.session != nil {
		return p.session, false, nil
	}

	log.Info().Str("portal", p.baseURL).Msg("Logging in to roster portal")
	cookies, err := p.login(ctx)
	if err != nil {
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return nil, false, err
		}
		return nil, false, &AuthError{Reason: "login failed", Err: err}
	}
	if len(cookies) == 0 {
		return nil, false, &AuthError{Reason: "no session cookies after login"}
	}
	p.session = cookies
	return cookies, true, nil
}

func (p *PortalFetcher) reset() {
	p.mu.Lock()
	p.session = nil
	p.mu.Unlock()
}

func (p *PortalFetcher) download(ctx context.Context, month time.Time, cookies []*http.Cookie) ([]byte, error) {
	resp, err := p.http.R().
		SetContext(ctx).
		SetCookies(cookies).
		SetQueryParam("from", month.Format("02/01/2006")).
		Get(exportPath)
	if err != nil {
		if resp != nil && resp.StatusCode() >= 300 && resp.StatusCode() < 400 {
			return nil, &AuthError{Reason: "export redirected to " + resp.Header().Get("Location")}
		}
		return nil, &FetchError{Month: month, Err: err}
	}

	switch code := resp.StatusCode(); {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return nil, &AuthError{Reason: resp.Status()}
	case code >= 300 && code < 400:
		return nil, &AuthError{Reason: "export redirected to " + resp.Header().Get("Location")}
	case resp.IsError():
		return nil, &FetchError{Month: month, Status: code, Err: errors.New(resp.Status())}
	}

	body := resp.Body()
	if looksLikeHTML(body) {
		// The portal answers expired sessions with its login page and a 200.
		return nil, &AuthError{Reason: "export returned an HTML page"}
	}

	log.Debug().Str("month", Label(month)).Int("bytes", len(body)).Msg("Downloaded roster export")
	return body, nil
}

func looksLikeHTML(body []byte) bool {
	head := bytes.ToLower(bytes.TrimSpace(body))
	if len(head) > 512 {
		head = head[:512]
	}
	return bytes.HasPrefix(head, []byte("<!doctype html")) || bytes.HasPrefix(head, []byte("<html"))
}

// browserLogin drives Chrome through the portal's login form and waits for the
// roster page to render its export button.
func browserLogin(baseURL, username, password string, timeout time.Duration, headless bool) LoginFunc {
	return func(parent context.Context) ([]*http.Cookie, error) {
		opts := chromedp.DefaultExecAllocatorOptions[:]
		if !headless {
			opts = append(opts, chromedp.Flag("headless", false))
		}
		allocCtx, cancelAlloc := chromedp.NewExecAllocator(parent, opts...)
		defer cancelAlloc()

		ctx, cancel := chromedp.NewContext(allocCtx)
		defer cancel()

		ctx, cancelTimeout := context.WithTimeout(ctx, timeout)
		defer cancelTimeout()

		var landed bool
		err := chromedp.Run(ctx,
			chromedp.Navigate(baseURL),
			chromedp.WaitVisible(usernameSelector, chromedp.ByQuery),
			chromedp.SetValue(usernameSelector, username, chromedp.ByQuery),
			chromedp.SetValue(passwordSelector, password, chromedp.ByQuery),
			chromedp.Click(submitSelector, chromedp.ByQuery),
			chromedp.Poll(`/\/Home\/?$/i.test(window.location.pathname)`, &landed,
				chromedp.WithPollingTimeout(timeout/2)),
		)
		if err != nil {
			if errors.Is(err, chromedp.ErrPollingTimeout) {
				return nil, &AuthError{Reason: "portal did not reach the home page after login"}
			}
			return nil, errors.Wrap(err, "browser login")
		}

		var cookies []*network.Cookie
		err = chromedp.Run(ctx,
			chromedp.Navigate(baseURL+"/Roster"),
			chromedp.WaitVisible(exportSelector, chromedp.ByQuery),
			chromedp.ActionFunc(func(ctx context.Context) error {
				var err error
				cookies, err = network.GetCookies().WithUrls([]string{baseURL}).Do(ctx)
				return err
			}),
		)
		if err != nil {
			return nil, &AuthError{Reason: "roster page did not load", Err: err}
		}

		return toHTTPCookies(cookies), nil
	}
}

func toHTTPCookies(in []*network.Cookie) []*http.Cookie {
	out := make([]*http.Cookie, 0, len(in))
	for _, c := range in {
		hc := &http.Cookie{
			Name:     c.Name,
			Value:    c.Value,
			Domain:   c.Domain,
			Path:     c.Path,
			Secure:   c.Secure,
			HttpOnly: c.HTTPOnly,
		}
		if c.Expires > 0 {
			hc.Expires = time.Unix(int64(c.Expires), 0)
		}
		out = append(out, hc)
	}
	return out
}
