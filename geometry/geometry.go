// Package geometry converts GeoJSON alert geometry into dashboard zone payloads.
//
// The dashboard accepts a "zones" field shaped [[{lat,lng}...], ...]: a list
// of closed polygon rings. Alert polygons from the feed can carry thousands
// of vertices, so rings are simplified with Ramer-Douglas-Peucker under a
// growing tolerance until the total vertex count fits the configured cap.
package geometry

import (
	"encoding/json"
	"math"

	"nws-notifier/pkg/alerting"
)

// Options controls polygon simplification.
type Options struct {
	SimplifyEnabled bool
	Tolerance       float64 // initial RDP tolerance in degrees
	MaxPoints       int     // cap on total vertices across all rings
}

type rawGeometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// Zones extracts the outer rings of all Polygon/MultiPolygon geometries and
// returns them as closed dashboard rings, simplified per opt. Geometries of
// other types are ignored. Returns nil when nothing usable remains.
func Zones(geoms []json.RawMessage, opt Options) [][]alerting.Point {
	var zones [][]alerting.Point
	for _, raw := range geoms {
		var g rawGeometry
		if err := json.Unmarshal(raw, &g); err != nil {
			continue
		}
		switch g.Type {
		case "Polygon":
			var coords [][][]float64
			if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
				continue
			}
			if ring := outerRing(coords); ring != nil {
				zones = append(zones, ring)
			}
		case "MultiPolygon":
			var coords [][][][]float64
			if err := json.Unmarshal(g.Coordinates, &coords); err != nil {
				continue
			}
			for _, poly := range coords {
				if ring := outerRing(poly); ring != nil {
					zones = append(zones, ring)
				}
			}
		}
	}

	if len(zones) == 0 {
		return nil
	}
	if opt.SimplifyEnabled && opt.MaxPoints > 0 {
		zones = simplifyZones(zones, opt)
	}
	return zones
}

// Encode serializes zones as the compact JSON string the push form expects.
func Encode(zones [][]alerting.Point) (string, error) {
	data, err := json.Marshal(zones)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// TotalPoints counts vertices across all rings.
func TotalPoints(zones [][]alerting.Point) int {
	n := 0
	for _, z := range zones {
		n += len(z)
	}
	return n
}

// outerRing converts the first (exterior) ring of a polygon's coordinates,
// GeoJSON [lon, lat] order, into a closed lat/lng ring. Rings with fewer
// than four vertices cannot describe an area and are dropped.
func outerRing(coords [][][]float64) []alerting.Point {
	if len(coords) == 0 || len(coords[0]) < 4 {
		return nil
	}
	ring := make([]alerting.Point, 0, len(coords[0])+1)
	for _, c := range coords[0] {
		if len(c) < 2 {
			return nil
		}
		ring = append(ring, alerting.Point{Lat: c[1], Lng: c[0]})
	}
	if ring[0] != ring[len(ring)-1] {
		ring = append(ring, ring[0])
	}
	return ring
}

// simplifyZones shrinks rings under a doubling tolerance until the total
// vertex count fits opt.MaxPoints, giving up after ten rounds. A ring is
// never reduced below a valid closed triangle.
func simplifyZones(zones [][]alerting.Point, opt Options) [][]alerting.Point {
	if TotalPoints(zones) <= opt.MaxPoints {
		return zones
	}

	tol := opt.Tolerance
	if tol <= 0 {
		tol = 0.001
	}

	current := zones
	for i := 0; i < 10; i++ {
		next := make([][]alerting.Point, 0, len(current))
		for _, ring := range current {
			simplified := simplifyRing(ring, tol)
			if len(simplified) < 4 {
				// Too aggressive for this ring; keep the previous shape.
				simplified = ring
			}
			next = append(next, simplified)
		}
		current = next
		if TotalPoints(current) <= opt.MaxPoints {
			return current
		}
		tol *= 2
	}
	return current
}

// simplifyRing runs RDP over a closed ring and re-closes the result.
func simplifyRing(ring []alerting.Point, epsilon float64) []alerting.Point {
	if len(ring) < 4 {
		return ring
	}
	simplified := rdp(ring, epsilon)
	if len(simplified) > 1 && simplified[0] != simplified[len(simplified)-1] {
		simplified = append(simplified, simplified[0])
	}
	return simplified
}

// rdp is Ramer-Douglas-Peucker over lat/lng treated as planar degrees, which
// is accurate enough at weather-alert scales.
func rdp(points []alerting.Point, epsilon float64) []alerting.Point {
	if len(points) < 3 {
		return points
	}

	first, last := points[0], points[len(points)-1]
	maxDist := -1.0
	maxIdx := -1
	for i := 1; i < len(points)-1; i++ {
		if d := perpendicularDistance(points[i], first, last); d > maxDist {
			maxDist = d
			maxIdx = i
		}
	}

	if maxDist > epsilon {
		left := rdp(points[:maxIdx+1], epsilon)
		right := rdp(points[maxIdx:], epsilon)
		merged := make([]alerting.Point, 0, len(left)+len(right)-1)
		merged = append(merged, left[:len(left)-1]...)
		merged = append(merged, right...)
		return merged
	}
	return []alerting.Point{first, last}
}

// perpendicularDistance is the distance from p to the segment a-b, clamped
// to the segment's endpoints.
func perpendicularDistance(p, a, b alerting.Point) float64 {
	dx := b.Lng - a.Lng
	dy := b.Lat - a.Lat
	if dx == 0 && dy == 0 {
		return math.Hypot(p.Lng-a.Lng, p.Lat-a.Lat)
	}
	t := ((p.Lng-a.Lng)*dx + (p.Lat-a.Lat)*dy) / (dx*dx + dy*dy)
	t = math.Max(0, math.Min(1, t))
	projX := a.Lng + t*dx
	projY := a.Lat + t*dy
	return math.Hypot(p.Lng-projX, p.Lat-projY)
}
