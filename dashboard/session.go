// Package dashboard maintains an authenticated session with the push
// dashboard and dispatches polygon notifications through it.
//
// The dashboard is a browser-facing application: login is a form POST that
// sets cookies, and the push form carries dynamic hidden inputs that must be
// echoed back. Session expiry is implicit, so every rejection is treated as
// an invalidation signal rather than trusting any lifetime.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/codeGROOVE-dev/retry"
	"golang.org/x/sync/singleflight"

	"nws-notifier/pkg/alerting"
)

const (
	loginPath       = "/manage/"
	pushSendPath    = "/manage/users/push/send/"
	pushHistoryPath = "/manage/users/push/history/"

	userAgent = "Mozilla/5.0 (X11; Linux x86_64) Gecko/20100101 Firefox/146.0"
)

// Config holds session manager configuration.
type Config struct {
	BaseURL       string
	Login         string
	Password      string
	CookieJarPath string // session cookies persisted here across restarts
	LoginAttempts uint
	BaseDelay     time.Duration
	MaxDelay      time.Duration
	Client        *http.Client // optional; a default client is built when nil
}

// SessionManager owns the authenticated dashboard session. Re-authentication
// is single-flight: concurrent callers during a login wait for the in-flight
// attempt instead of triggering duplicate logins.
type SessionManager struct {
	client   *http.Client
	logger   *slog.Logger
	base     *url.URL
	login    string
	password string
	jarPath  string
	attempts uint
	delay    time.Duration
	maxDelay time.Duration

	flight singleflight.Group

	mu            sync.Mutex
	authenticated bool
}

// NewSessionManager builds a session manager and loads any cookies persisted
// by a previous run, so a restart can reuse a still-valid session without
// logging in again.
func NewSessionManager(cfg Config, logger *slog.Logger) (*SessionManager, error) {
	base, err := url.Parse(strings.TrimSuffix(cfg.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("parse dashboard base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("dashboard base URL %q must be absolute", cfg.BaseURL)
	}

	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 25 * time.Second}
	}
	client.Jar = jar
	// The dashboard signals outcomes via redirects; never follow them.
	client.CheckRedirect = func(*http.Request, []*http.Request) error {
		return http.ErrUseLastResponse
	}

	m := &SessionManager{
		client:   client,
		logger:   logger,
		base:     base,
		login:    cfg.Login,
		password: cfg.Password,
		jarPath:  cfg.CookieJarPath,
		attempts: cfg.LoginAttempts,
		delay:    cfg.BaseDelay,
		maxDelay: cfg.MaxDelay,
	}
	m.loadCookies()
	return m, nil
}

// Client returns the HTTP client carrying the session cookies.
func (m *SessionManager) Client() *http.Client {
	return m.client
}

func (m *SessionManager) absURL(path string) string {
	return m.base.String() + path
}

// Ensure guarantees an authenticated session, performing at most one login
// regardless of how many goroutines call it concurrently.
func (m *SessionManager) Ensure(ctx context.Context) error {
	m.mu.Lock()
	ok := m.authenticated
	m.mu.Unlock()
	if ok {
		return nil
	}

	_, err, _ := m.flight.Do("login", func() (any, error) {
		return nil, m.establish(ctx)
	})
	return err
}

// Invalidate marks the cached session unusable. The next Ensure call
// re-authenticates.
func (m *SessionManager) Invalidate() {
	m.mu.Lock()
	m.authenticated = false
	m.mu.Unlock()
	m.logger.Info("Dashboard session invalidated")
}

func (m *SessionManager) establish(ctx context.Context) error {
	m.mu.Lock()
	if m.authenticated {
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()

	// A persisted cookie may still be valid; probing is cheaper than a login.
	if m.probe(ctx) {
		m.logger.Info("Reusing persisted dashboard session")
		m.markAuthenticated()
		return nil
	}

	err := retry.Do(
		func() error { return m.performLogin(ctx) },
		retry.Attempts(m.attempts),
		retry.Delay(m.delay),
		retry.MaxDelay(m.maxDelay),
		retry.MaxJitter(m.delay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			// Rejected credentials will not improve with backoff.
			return !errors.Is(err, alerting.ErrLoginRejected)
		}),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Info("Retrying dashboard login", "attempt", n, "error", err)
		}),
	)
	if err != nil {
		return fmt.Errorf("dashboard login: %w", err)
	}

	m.saveCookies()
	m.markAuthenticated()
	m.logger.Info("Dashboard login succeeded")
	return nil
}

func (m *SessionManager) markAuthenticated() {
	m.mu.Lock()
	m.authenticated = true
	m.mu.Unlock()
}

// probe checks whether the current cookies are accepted by requesting the
// push page: a redirect back to the login area or a login form means no.
func (m *SessionManager) probe(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.absURL(pushSendPath), http.NoBody)
	if err != nil {
		return false
	}
	setBrowserHeaders(req)

	resp, err := m.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return false
	}
	if resp.StatusCode != http.StatusOK {
		return false
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return false
	}
	return pageState(doc) == pushForm
}

// performLogin runs the dashboard's two-step login: GET the login page to
// establish cookies, then POST the credentials. A 30x answer is success; a
// 200 carrying the login error marker is a credential rejection.
func (m *SessionManager) performLogin(ctx context.Context) error {
	get, err := http.NewRequestWithContext(ctx, http.MethodGet, m.absURL(loginPath), http.NoBody)
	if err != nil {
		return fmt.Errorf("create login page request: %w", err)
	}
	setBrowserHeaders(get)
	if resp, err := m.client.Do(get); err == nil {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}

	form := url.Values{
		"identification": {"true"},
		"login":          {m.login},
		"password":       {m.password},
	}
	post, err := http.NewRequestWithContext(ctx, http.MethodPost, m.absURL(loginPath), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create login request: %w", err)
	}
	setBrowserHeaders(post)
	post.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := m.client.Do(post)
	if err != nil {
		return fmt.Errorf("post login: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound:
		return nil
	case resp.StatusCode == http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if strings.Contains(string(body), "Cannot login") {
			return fmt.Errorf("%w: still on login page", alerting.ErrLoginRejected)
		}
		return nil
	default:
		return &HTTPStatusError{URL: m.absURL(loginPath), Status: resp.StatusCode}
	}
}

// HTTPStatusError indicates an unexpected dashboard status.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// formState classifies which form a dashboard page is showing.
type formState int

const (
	unknownForm formState = iota
	loginForm
	pushForm
)

func pageState(doc *goquery.Document) formState {
	if doc.Find("#form-index").Length() > 0 ||
		doc.Find(`input[name="identification"]`).Length() > 0 ||
		doc.Find(`input[name="login"]`).Length() > 0 {
		return loginForm
	}
	if doc.Find("#form-push").Length() > 0 && doc.Find("#zones").Length() > 0 {
		return pushForm
	}
	return unknownForm
}

func setBrowserHeaders(req *http.Request) {
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
}

// persistedCookie is the on-disk form of one session cookie. Only what
// SetCookies needs is kept.
type persistedCookie struct {
	Name  string `json:"name"`
	Value string `json:"value"`
	Path  string `json:"path,omitempty"`
}

// loadCookies restores the persisted session, if any. Failures are benign:
// the next Ensure simply logs in.
func (m *SessionManager) loadCookies() {
	if m.jarPath == "" {
		return
	}
	data, err := os.ReadFile(m.jarPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("Failed to read cookie jar", "path", m.jarPath, "error", err)
		}
		return
	}
	var saved []persistedCookie
	if err := json.Unmarshal(data, &saved); err != nil {
		m.logger.Warn("Failed to parse cookie jar", "path", m.jarPath, "error", err)
		return
	}
	cookies := make([]*http.Cookie, 0, len(saved))
	for _, c := range saved {
		cookies = append(cookies, &http.Cookie{Name: c.Name, Value: c.Value, Path: c.Path})
	}
	m.client.Jar.SetCookies(m.base, cookies)
	m.logger.Info("Loaded persisted session cookies", "path", m.jarPath, "count", len(cookies))
}

// saveCookies persists the current session cookies with a write-then-rename
// so a crash mid-write never corrupts the previous jar.
func (m *SessionManager) saveCookies() {
	if m.jarPath == "" {
		return
	}
	cookies := m.client.Jar.Cookies(m.base)
	saved := make([]persistedCookie, 0, len(cookies))
	for _, c := range cookies {
		saved = append(saved, persistedCookie{Name: c.Name, Value: c.Value, Path: c.Path})
	}
	data, err := json.Marshal(saved)
	if err != nil {
		m.logger.Warn("Failed to encode cookie jar", "error", err)
		return
	}
	if dir := filepath.Dir(m.jarPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			m.logger.Warn("Failed to create cookie jar directory", "error", err)
			return
		}
	}
	tmp := m.jarPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		m.logger.Warn("Failed to write cookie jar", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, m.jarPath); err != nil {
		m.logger.Warn("Failed to replace cookie jar", "path", m.jarPath, "error", err)
	}
}
