package roster

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
)

const sampleICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"

func TestMonths(t *testing.T) {
	loc := time.FixedZone("AEST", 10*60*60)

	tests := []struct {
		name      string
		now       time.Time
		wantFirst time.Time
		wantNext  time.Time
	}{
		{
			name:      "mid month",
			now:       time.Date(2025, 6, 17, 8, 0, 0, 0, loc),
			wantFirst: time.Date(2025, 6, 1, 0, 0, 0, 0, loc),
			wantNext:  time.Date(2025, 7, 1, 0, 0, 0, 0, loc),
		},
		{
			name:      "december rolls the year",
			now:       time.Date(2025, 12, 31, 23, 0, 0, 0, loc),
			wantFirst: time.Date(2025, 12, 1, 0, 0, 0, 0, loc),
			wantNext:  time.Date(2026, 1, 1, 0, 0, 0, 0, loc),
		},
		{
			// 20:00 UTC on 31 May is already 1 June in AEST.
			name:      "month taken in the portal zone",
			now:       time.Date(2025, 5, 31, 20, 0, 0, 0, time.UTC),
			wantFirst: time.Date(2025, 6, 1, 0, 0, 0, 0, loc),
			wantNext:  time.Date(2025, 7, 1, 0, 0, 0, 0, loc),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			first, next := Months(tt.now, loc)
			if !first.Equal(tt.wantFirst) {
				t.Errorf("first = %v, want %v", first, tt.wantFirst)
			}
			if !next.Equal(tt.wantNext) {
				t.Errorf("next = %v, want %v", next, tt.wantNext)
			}
		})
	}
}

func sessionLogin(calls *int32) LoginFunc {
	return func(ctx context.Context) ([]*http.Cookie, error) {
		atomic.AddInt32(calls, 1)
		return []*http.Cookie{{Name: "session", Value: "abc"}}, nil
	}
}

func TestPortalFetch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != exportPath {
			t.Errorf("path = %q, want %q", r.URL.Path, exportPath)
		}
		if got := r.URL.Query().Get("from"); got != "01/06/2025" {
			t.Errorf("from = %q, want 01/06/2025", got)
		}
		c, err := r.Cookie("session")
		if err != nil || c.Value != "abc" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "text/calendar")
		io.WriteString(w, sampleICS)
	}))
	defer srv.Close()

	var logins int32
	f := NewPortalFetcher(PortalOptions{BaseURL: srv.URL + "/", Login: sessionLogin(&logins)})

	month := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 2; i++ {
		data, err := f.Fetch(context.Background(), month)
		if err != nil {
			t.Fatalf("Fetch() returned an error: %v", err)
		}
		if string(data) != sampleICS {
			t.Errorf("data = %q", data)
		}
	}
	if logins != 1 {
		t.Errorf("Expected a single login, got %d", logins)
	}
}

func TestPortalFetch_Errors(t *testing.T) {
	tests := []struct {
		name     string
		handler  http.HandlerFunc
		wantAuth bool
		status   int
	}{
		{
			name: "unauthorized",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusUnauthorized)
			},
			wantAuth: true,
		},
		{
			name: "login page instead of export",
			handler: func(w http.ResponseWriter, r *http.Request) {
				io.WriteString(w, "<!DOCTYPE html><html><body><form></form></body></html>")
			},
			wantAuth: true,
		},
		{
			name: "redirect to login",
			handler: func(w http.ResponseWriter, r *http.Request) {
				http.Redirect(w, r, "/Account/Login", http.StatusFound)
			},
			wantAuth: true,
		},
		{
			name: "server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
			status: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.handler)
			defer srv.Close()

			var logins int32
			f := NewPortalFetcher(PortalOptions{BaseURL: srv.URL, Login: sessionLogin(&logins)})
			_, err := f.Fetch(context.Background(), time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC))
			if err == nil {
				t.Fatal("Expected an error, got nil")
			}

			var authErr *AuthError
			var fetchErr *FetchError
			switch {
			case tt.wantAuth:
				if !errors.As(err, &authErr) {
					t.Errorf("Expected *AuthError, got %T: %v", err, err)
				}
				// A fresh session is not retried.
				if logins != 1 {
					t.Errorf("Expected 1 login, got %d", logins)
				}
			default:
				if !errors.As(err, &fetchErr) {
					t.Fatalf("Expected *FetchError, got %T: %v", err, err)
				}
				if fetchErr.Status != tt.status {
					t.Errorf("Status = %d, want %d", fetchErr.Status, tt.status)
				}
			}
		})
	}
}

func TestPortalFetch_ReloginOnExpiredSession(t *testing.T) {
	var requests int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The second request sees an expired session.
		if atomic.AddInt32(&requests, 1) == 2 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		io.WriteString(w, sampleICS)
	}))
	defer srv.Close()

	var logins int32
	f := NewPortalFetcher(PortalOptions{BaseURL: srv.URL, Login: sessionLogin(&logins)})
	month := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	if _, err := f.Fetch(context.Background(), month); err != nil {
		t.Fatalf("first Fetch() returned an error: %v", err)
	}
	if _, err := f.Fetch(context.Background(), month.AddDate(0, 1, 0)); err != nil {
		t.Fatalf("second Fetch() returned an error: %v", err)
	}
	if logins != 2 {
		t.Errorf("Expected 2 logins, got %d", logins)
	}
}

func TestPortalFetch_LoginFailure(t *testing.T) {
	f := NewPortalFetcher(PortalOptions{
		BaseURL: "http://127.0.0.1:1",
		Login: func(ctx context.Context) ([]*http.Cookie, error) {
			return nil, errors.New("chrome not found")
		},
	})

	_, err := f.Fetch(context.Background(), time.Now())
	var authErr *AuthError
	if !errors.As(err, &authErr) {
		t.Fatalf("Expected *AuthError, got %v", err)
	}
}

type stubFetcher struct {
	data []byte
	err  error
}

func (s stubFetcher) Fetch(ctx context.Context, month time.Time) ([]byte, error) {
	return s.data, s.err
}

func TestCachingFetcher(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "downloads")
	f := NewCachingFetcher(stubFetcher{data: []byte(sampleICS)}, dir)
	month := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)

	data, err := f.Fetch(context.Background(), month)
	if err != nil {
		t.Fatalf("Fetch() returned an error: %v", err)
	}
	if string(data) != sampleICS {
		t.Errorf("data = %q", data)
	}

	want := filepath.Join(dir, "roster_2025-07.ics")
	if f.Path(month) != want {
		t.Errorf("Path() = %q, want %q", f.Path(month), want)
	}
	cached, err := os.ReadFile(want)
	if err != nil {
		t.Fatalf("failed to read cached file: %v", err)
	}
	if string(cached) != sampleICS {
		t.Errorf("cached = %q", cached)
	}
}

func TestCachingFetcher_PassesErrorsThrough(t *testing.T) {
	dir := t.TempDir()
	wantErr := &FetchError{Month: time.Now(), Err: errors.New("boom")}
	f := NewCachingFetcher(stubFetcher{err: wantErr}, dir)

	_, err := f.Fetch(context.Background(), time.Now())
	if err != wantErr {
		t.Errorf("err = %v, want %v", err, wantErr)
	}
	entries, _ := os.ReadDir(dir)
	if len(entries) != 0 {
		t.Errorf("Expected nothing cached, found %d entries", len(entries))
	}
}
