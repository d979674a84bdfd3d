package poll

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const maxMessageLen = 250 // dashboard truncates anything longer

var (
	// "until June 15 at 3:00 PM"
	longUntilRE = regexp.MustCompile(`(?i)\buntil\s+([A-Za-z]+)\s+(\d{1,2})\s+at\s+(\d{1,2}):(\d{2})\s*([AP]M)`)
	// "until 3:00 PM 6/15"
	numUntilRE = regexp.MustCompile(`(?i)\buntil\s+(\d{1,2}):(\d{2})\s*([AP]M)\s+(\d{1,2})/(\d{1,2})`)

	whitespaceRE = regexp.MustCompile(`\s+`)
)

var monthsByName = map[string]time.Month{
	"january": time.January, "february": time.February, "march": time.March,
	"april": time.April, "may": time.May, "june": time.June,
	"july": time.July, "august": time.August, "september": time.September,
	"october": time.October, "november": time.November, "december": time.December,
}

// FormatMessage builds the push notification text for an alert. The
// headline usually carries an expiry ("...until 3:00 PM MDT...") which is
// folded into a short call-to-action; without one the message just names
// the event. Output is clamped to the dashboard's length limit.
func FormatMessage(event, headline string, now time.Time) string {
	raw := headline
	if raw == "" {
		raw = event
	}
	raw = whitespaceRE.ReplaceAllString(strings.TrimSpace(raw), " ")

	title := extractTitle(raw)

	var msg string
	if until, ok := parseUntil(raw, now); ok {
		msg = fmt.Sprintf("⚠️  %s issued until %s %s! Tap for details!",
			title, clockString(until), until.Weekday())
	} else {
		msg = fmt.Sprintf("⚠️  %s issued. Tap for details!", title)
	}

	return clamp(msg, maxMessageLen)
}

// extractTitle pulls the event name out of a headline. NWS headlines look
// like "Flood Warning issued June 14 at 2:12PM MDT until ..." or
// "Severe Thunderstorm Warning: ...".
func extractTitle(s string) string {
	if before, _, found := strings.Cut(s, ": "); found {
		return strings.TrimSpace(before)
	}
	if before, _, found := strings.Cut(s, " issued"); found {
		return strings.TrimSpace(before)
	}
	return s
}

// parseUntil extracts the expiry timestamp from a headline, trying the
// spelled-out form first, then the numeric form. The year is assumed to be
// the current one since headlines never carry it.
func parseUntil(s string, now time.Time) (time.Time, bool) {
	if m := longUntilRE.FindStringSubmatch(s); m != nil {
		month, ok := monthsByName[strings.ToLower(m[1])]
		if !ok {
			return time.Time{}, false
		}
		day, _ := strconv.Atoi(m[2])
		hour, minute, ok := clockFields(m[3], m[4], m[5])
		if !ok {
			return time.Time{}, false
		}
		return time.Date(now.Year(), month, day, hour, minute, 0, 0, now.Location()), true
	}

	if m := numUntilRE.FindStringSubmatch(s); m != nil {
		hour, minute, ok := clockFields(m[1], m[2], m[3])
		if !ok {
			return time.Time{}, false
		}
		month, _ := strconv.Atoi(m[4])
		day, _ := strconv.Atoi(m[5])
		if month < 1 || month > 12 {
			return time.Time{}, false
		}
		return time.Date(now.Year(), time.Month(month), day, hour, minute, 0, 0, now.Location()), true
	}

	return time.Time{}, false
}

func clockFields(hourStr, minuteStr, meridiem string) (hour, minute int, ok bool) {
	hour, _ = strconv.Atoi(hourStr)
	minute, _ = strconv.Atoi(minuteStr)
	if hour < 1 || hour > 12 || minute > 59 {
		return 0, 0, false
	}
	hour %= 12
	if strings.EqualFold(meridiem, "PM") {
		hour += 12
	}
	return hour, minute, true
}

// clockString renders a 12-hour clock time like "3:00 PM".
func clockString(t time.Time) string {
	hour := t.Hour() % 12
	if hour == 0 {
		hour = 12
	}
	meridiem := "AM"
	if t.Hour() >= 12 {
		meridiem = "PM"
	}
	return fmt.Sprintf("%d:%02d %s", hour, t.Minute(), meridiem)
}

func clamp(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit-3]) + "..."
}
