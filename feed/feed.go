// Package feed fetches active alerts from the NWS alert API.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/codeGROOVE-dev/retry"

	"nws-notifier/pkg/alerting"
)

// HTTPStatusError indicates a non-OK response from the feed.
type HTTPStatusError struct {
	URL    string
	Status int
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.URL)
}

// isRetryableStatus reports whether a status error is worth retrying.
// Client errors other than 429 mean the request itself is wrong.
func isRetryableStatus(err error) bool {
	var se *HTTPStatusError
	if !errors.As(err, &se) {
		return true // network-level failure
	}
	return se.Status >= 500 || se.Status == http.StatusTooManyRequests
}

// Config holds fetcher configuration.
type Config struct {
	URL       string // alerts endpoint, e.g. https://api.weather.gov/alerts/active
	UserAgent string // NWS requires an identifying User-Agent
	Attempts  uint
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Fetcher retrieves and normalizes active alerts. It keeps the ETag and
// Last-Modified validators from the previous fetch so an unchanged feed
// costs a single 304 round trip.
type Fetcher struct {
	client *http.Client
	logger *slog.Logger
	cfg    Config

	// Conditional-request state; only touched by the poll loop.
	etag         string
	lastModified string
}

// New creates a feed fetcher.
func New(client *http.Client, logger *slog.Logger, cfg Config) *Fetcher {
	return &Fetcher{client: client, logger: logger, cfg: cfg}
}

// feature mirrors the slice of the NWS GeoJSON schema the notifier consumes.
type feature struct {
	ID         string          `json:"id"`
	Geometry   json.RawMessage `json:"geometry"`
	Properties struct {
		ID            string   `json:"id"`
		Event         string   `json:"event"`
		Severity      string   `json:"severity"`
		Headline      string   `json:"headline"`
		MessageType   string   `json:"messageType"`
		Effective     string   `json:"effective"`
		Expires       string   `json:"expires"`
		AffectedZones []string `json:"affectedZones"`
	} `json:"properties"`
}

type alertPage struct {
	Features   []json.RawMessage `json:"features"`
	Pagination struct {
		Next string `json:"next"`
	} `json:"pagination"`
}

// Fetch performs one poll of the feed: all pages of currently active land
// alerts, normalized and deduplicated by id within the response. An
// unchanged feed (HTTP 304) yields an empty set.
func (f *Fetcher) Fetch(ctx context.Context) ([]*alerting.Alert, error) {
	byID := make(map[string]*alerting.Alert)
	var order []string

	pageURL := f.cfg.URL
	seenURLs := make(map[string]bool)
	page := 0
	var etag, lastModified string

	for pageURL != "" {
		if seenURLs[pageURL] {
			f.logger.Warn("Pagination loop detected, stopping", "url", pageURL)
			break
		}
		seenURLs[pageURL] = true

		res, err := f.fetchPage(ctx, pageURL, page == 0)
		if err != nil {
			return nil, fmt.Errorf("fetch alerts page %d: %w", page, err)
		}
		if res.notModified {
			f.logger.Info("Alert feed unchanged since last poll")
			return nil, nil
		}

		var parsed alertPage
		if err := json.Unmarshal(res.body, &parsed); err != nil {
			return nil, fmt.Errorf("parse alerts page %d: %w", page, err)
		}
		if page == 0 {
			etag = res.etag
			lastModified = res.lastModified
		}

		for _, rawFeature := range parsed.Features {
			alert, err := normalize(rawFeature)
			if err != nil {
				f.logger.Warn("Skipping malformed feature", "page", page, "error", err)
				continue
			}
			// The feed can list the same alert more than once per call.
			if _, dup := byID[alert.ID]; dup {
				continue
			}
			byID[alert.ID] = alert
			order = append(order, alert.ID)
		}

		f.logger.Info("Alert page fetched", "page", page, "features", len(parsed.Features), "url", pageURL)

		next := parsed.Pagination.Next
		if next != "" {
			resolved, err := resolveNext(pageURL, next)
			if err != nil {
				f.logger.Warn("Unresolvable pagination link, stopping", "next", next, "error", err)
				break
			}
			next = resolved
		}
		pageURL = next
		page++
	}

	// Commit the validators only now that every page fetched and parsed. A
	// failed fetch keeps the previous validators, so the next cycle retries
	// the full feed instead of being told 304 about alerts it never got.
	f.etag = etag
	f.lastModified = lastModified

	alerts := make([]*alerting.Alert, 0, len(order))
	for _, id := range order {
		alerts = append(alerts, byID[id])
	}
	return alerts, nil
}

// pageResult is the outcome of one page request. Validators are captured
// from the page-0 response but not stored on the Fetcher here; the caller
// commits them once the whole fetch has succeeded.
type pageResult struct {
	body         []byte
	notModified  bool
	etag         string
	lastModified string
}

// fetchPage performs one page request with retry/backoff. Conditional
// validators are only applied to the first page; a 304 there means the
// whole feed is unchanged.
func (f *Fetcher) fetchPage(ctx context.Context, pageURL string, firstPage bool) (res pageResult, err error) {
	err = retry.Do(
		func() error {
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, http.NoBody)
			if err != nil {
				return fmt.Errorf("create request: %w", err)
			}
			req.Header.Set("User-Agent", f.cfg.UserAgent)
			req.Header.Set("Accept", "application/geo+json,application/json;q=0.9")
			if firstPage {
				q := req.URL.Query()
				if q.Get("region_type") == "" {
					q.Set("region_type", "land")
					q.Set("message_type", "alert")
					req.URL.RawQuery = q.Encode()
				}
				if f.etag != "" {
					req.Header.Set("If-None-Match", f.etag)
				}
				if f.lastModified != "" {
					req.Header.Set("If-Modified-Since", f.lastModified)
				}
			}

			start := time.Now()
			resp, err := f.client.Do(req)
			if err != nil {
				f.logger.Warn("Feed request failed, will retry", "url", pageURL, "error", err)
				return err
			}
			defer func() {
				if closeErr := resp.Body.Close(); closeErr != nil {
					f.logger.Warn("Failed to close response body", "error", closeErr)
				}
			}()

			if firstPage && resp.StatusCode == http.StatusNotModified {
				res.notModified = true
				return nil
			}
			if resp.StatusCode != http.StatusOK {
				f.logger.Warn("Feed returned non-OK status", "url", pageURL, "status_code", resp.StatusCode)
				return &HTTPStatusError{URL: pageURL, Status: resp.StatusCode}
			}

			res.body, err = io.ReadAll(resp.Body)
			if err != nil {
				return fmt.Errorf("read response: %w", err)
			}

			if firstPage {
				res.etag = resp.Header.Get("ETag")
				res.lastModified = resp.Header.Get("Last-Modified")
			}

			f.logger.Debug("Feed request completed",
				"url", pageURL,
				"status_code", resp.StatusCode,
				"duration_ms", time.Since(start).Milliseconds(),
				"bytes", len(res.body))
			return nil
		},
		retry.Attempts(f.cfg.Attempts),
		retry.Delay(f.cfg.BaseDelay),
		retry.MaxDelay(f.cfg.MaxDelay),
		retry.MaxJitter(f.cfg.BaseDelay),
		retry.Context(ctx),
		retry.LastErrorOnly(true),
		retry.RetryIf(isRetryableStatus),
		retry.OnRetry(func(n uint, err error) {
			f.logger.Info("Retrying feed fetch", "attempt", n, "url", pageURL, "error", err)
		}),
	)
	if err != nil {
		return pageResult{}, fmt.Errorf("after retries: %w", err)
	}
	return res, nil
}

// ZoneGeometries fetches the geometry of each affected-zone URL, for alerts
// that carry none of their own. Zones that fail to fetch or parse are
// skipped; a polygon from any zone is better than none.
func (f *Fetcher) ZoneGeometries(ctx context.Context, zoneURLs []string) []json.RawMessage {
	var geoms []json.RawMessage
	for _, zoneURL := range zoneURLs {
		if ctx.Err() != nil {
			return geoms
		}
		res, err := f.fetchPage(ctx, zoneURL, false)
		if err != nil {
			f.logger.Warn("Zone geometry fetch failed", "url", zoneURL, "error", err)
			continue
		}

		var zone struct {
			Geometry json.RawMessage `json:"geometry"`
			Features []struct {
				Geometry json.RawMessage `json:"geometry"`
			} `json:"features"`
		}
		if err := json.Unmarshal(res.body, &zone); err != nil {
			f.logger.Warn("Zone geometry parse failed", "url", zoneURL, "error", err)
			continue
		}

		if isAreaGeometry(zone.Geometry) {
			geoms = append(geoms, zone.Geometry)
			continue
		}
		for _, feat := range zone.Features {
			if isAreaGeometry(feat.Geometry) {
				geoms = append(geoms, feat.Geometry)
			}
		}
	}
	return geoms
}

func isAreaGeometry(raw json.RawMessage) bool {
	if len(raw) == 0 {
		return false
	}
	var g struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &g); err != nil {
		return false
	}
	return g.Type == "Polygon" || g.Type == "MultiPolygon"
}

// normalize converts one raw GeoJSON feature into an Alert, keeping the raw
// payload for delivery.
func normalize(raw json.RawMessage) (*alerting.Alert, error) {
	var feat feature
	if err := json.Unmarshal(raw, &feat); err != nil {
		return nil, fmt.Errorf("decode feature: %w", err)
	}

	id := feat.Properties.ID
	if id == "" {
		id = feat.ID
	}
	if id == "" {
		return nil, errors.New("feature has no id")
	}

	alert := &alerting.Alert{
		ID:            id,
		Event:         feat.Properties.Event,
		Headline:      feat.Properties.Headline,
		Severity:      feat.Properties.Severity,
		MessageType:   feat.Properties.MessageType,
		AffectedZones: feat.Properties.AffectedZones,
		Raw:           raw,
	}
	if isAreaGeometry(feat.Geometry) {
		alert.Geometry = feat.Geometry
	}
	if t, err := time.Parse(time.RFC3339, feat.Properties.Effective); err == nil {
		alert.Effective = t
	}
	if t, err := time.Parse(time.RFC3339, feat.Properties.Expires); err == nil {
		alert.Expires = t
	}
	return alert, nil
}

func resolveNext(current, next string) (string, error) {
	base, err := url.Parse(current)
	if err != nil {
		return "", err
	}
	ref, err := url.Parse(next)
	if err != nil {
		return "", err
	}
	return base.ResolveReference(ref).String(), nil
}
