// Package alerting contains the core domain types for the NWS push notification service.
package alerting

import (
	"encoding/json"
	"time"
)

// Point is a single polygon vertex in the order the dashboard expects.
type Point struct {
	Lat float64 `json:"lat"`
	Lng float64 `json:"lng"`
}

// Alert is one active weather warning from the NWS feed. ID is the feed's
// stable identifier and is the identity key for deduplication.
type Alert struct {
	ID            string
	Event         string // e.g. "Tornado Warning"
	Headline      string
	Severity      string
	MessageType   string // "Alert", "Update", "Cancel"
	Effective     time.Time
	Expires       time.Time
	AffectedZones []string        // zone URLs, geometry fallback when the alert has none
	Geometry      json.RawMessage // raw GeoJSON geometry, may be absent
	Raw           json.RawMessage // full feature as fetched, for logging and debugging
}

// HasGeometrySource reports whether the alert carries anything a polygon
// could be derived from.
func (a *Alert) HasGeometrySource() bool {
	return len(a.Geometry) > 0 || len(a.AffectedZones) > 0
}

// DeliveryOutcome is the per-alert result of one delivery attempt cycle.
type DeliveryOutcome int

const (
	// Delivered means the dashboard confirmed the push and the alert was
	// committed to the seen-store.
	Delivered DeliveryOutcome = iota
	// Failed means delivery did not succeed this cycle; the alert stays
	// uncommitted and will be retried on a later cycle.
	Failed
	// Skipped means the alert had no usable polygon; it is committed so it
	// is not re-examined every cycle.
	Skipped
)

func (o DeliveryOutcome) String() string {
	switch o {
	case Delivered:
		return "delivered"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return "unknown"
	}
}
