package dashboard

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"nws-notifier/pkg/alerting"
)

// Pusher sends polygon push notifications through an authenticated session.
// Requests are paced by a rate limiter so a burst of new alerts does not
// hammer the dashboard.
type Pusher struct {
	sessions *SessionManager
	logger   *slog.Logger
	limiter  *rate.Limiter
	now      func() time.Time // injectable for tests
}

// NewPusher creates a pusher. minInterval is the minimum spacing between
// push requests; zero disables pacing.
func NewPusher(sessions *SessionManager, logger *slog.Logger, minInterval time.Duration) *Pusher {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	return &Pusher{
		sessions: sessions,
		logger:   logger,
		limiter:  rate.NewLimiter(limit, 1),
		now:      time.Now,
	}
}

// Send performs one push attempt: harvest the push form's hidden inputs,
// POST the notification, and classify the response. A nil return means the
// dashboard confirmed the push (redirect to the push-history page).
// Authentication rejections surface as *alerting.AuthError, non-auth client
// rejections as *alerting.PermanentError; anything else is transient.
func (p *Pusher) Send(ctx context.Context, message, zonesJSON string) error {
	if err := p.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("push pacing: %w", err)
	}

	hidden, err := p.harvestHiddenInputs(ctx)
	if err != nil {
		return err
	}

	form := buildPushForm(hidden, message, zonesJSON, p.now())

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.sessions.absURL(pushSendPath), strings.NewReader(form.Encode()))
	if err != nil {
		return fmt.Errorf("create push request: %w", err)
	}
	setBrowserHeaders(req)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Origin", p.sessions.base.String())
	req.Header.Set("Referer", p.sessions.absURL(pushSendPath))

	start := time.Now()
	resp, err := p.sessions.Client().Do(req)
	if err != nil {
		return fmt.Errorf("post push: %w", err)
	}
	defer resp.Body.Close()

	p.logger.Debug("Push request completed",
		"status_code", resp.StatusCode,
		"duration_ms", time.Since(start).Milliseconds())

	return p.classify(resp)
}

// classify maps the dashboard's response onto the delivery error taxonomy.
func (p *Pusher) classify(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusMovedPermanently || resp.StatusCode == http.StatusFound:
		loc := resp.Header.Get("Location")
		if strings.HasPrefix(loc, pushHistoryPath) {
			return nil
		}
		// Any other redirect out of the push form means the session was
		// thrown back to login.
		p.logger.Warn("Push redirected away from history", "location", loc)
		return &alerting.AuthError{Op: "push", Status: resp.StatusCode}

	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &alerting.AuthError{Op: "push", Status: resp.StatusCode}

	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return &alerting.PermanentError{Op: "push", Status: resp.StatusCode, Detail: bodySnippet(resp.Body)}

	default:
		// 5xx and anything unexpected: worth retrying with backoff.
		return &HTTPStatusError{URL: p.sessions.absURL(pushSendPath), Status: resp.StatusCode}
	}
}

// harvestHiddenInputs fetches the push page and collects every hidden form
// input. The dashboard plants a dynamic token field with a random name, so
// all of them must be echoed back on the POST.
func (p *Pusher) harvestHiddenInputs(ctx context.Context) (map[string]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.sessions.absURL(pushSendPath), http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("create push page request: %w", err)
	}
	setBrowserHeaders(req)

	resp, err := p.sessions.Client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("get push page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return nil, &alerting.AuthError{Op: "push form", Status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &HTTPStatusError{URL: p.sessions.absURL(pushSendPath), Status: resp.StatusCode}
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("parse push page: %w", err)
	}
	if pageState(doc) == loginForm {
		return nil, &alerting.AuthError{Op: "push form"}
	}

	hidden := make(map[string]string)
	doc.Find(`input[type="hidden"]`).Each(func(_ int, sel *goquery.Selection) {
		name, ok := sel.Attr("name")
		if !ok || name == "" {
			return
		}
		value, _ := sel.Attr("value")
		hidden[name] = value
	})
	return hidden, nil
}

// buildPushForm composes the push POST body: all harvested hidden inputs
// first (dynamic token included), then the fields the notifier controls.
// The date fields mirror what the browser sends even though pushDate=now
// likely ignores them. The "address" honeypot stays empty.
func buildPushForm(hidden map[string]string, message, zonesJSON string, now time.Time) url.Values {
	form := url.Values{}
	for name, value := range hidden {
		form.Set(name, value)
	}

	form.Set("action", "mod")
	form.Set("type", "simple")
	form.Set("message", message)
	form.Set("linktype", "")
	form.Set("link", "")

	form.Set("pushDate", "now")
	form.Set("picker-date", now.Format("01/02/2006"))
	form.Set("date", now.Format("2006-01-02"))
	form.Set("heure", now.Format("15:04"))
	form.Set("hour-heure", now.Format("15"))
	form.Set("minutes-heure", now.Format("04"))

	form.Set("platform-target-ios", "ios")
	form.Set("platform-target-android", "android")

	// Zones targeting only applies with target=select.
	form.Set("target", "select")
	form.Set("period_launch", "none")
	form.Set("pwa-target", "all")
	form.Set("pwa-period_launch", "none")

	// Sound 03 is "Bells".
	form.Set("sound", "03")
	form.Set("zones", zonesJSON)

	form.Set("address", "")
	return form
}

func bodySnippet(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, 2048))
	if err != nil {
		return ""
	}
	s := strings.Join(strings.Fields(string(data)), " ")
	if len(s) > 300 {
		s = s[:297] + "..."
	}
	return s
}
