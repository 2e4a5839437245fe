package events

import (
	"strings"
	"time"
)

const (
	DefaultGeocodeStaleAfter = 30 * 24 * time.Hour
	day                      = 24 * time.Hour
)

// NeedsGeocoding reports whether the venue's coordinates must be refreshed:
// they are missing, were never stamped, or are older than staleAfter in whole
// days.
func (v Venue) NeedsGeocoding(now time.Time, staleAfter time.Duration) bool {
	if v.Location == nil || (v.Location.Latitude == 0 && v.Location.Longitude == 0) {
		return true
	}
	if v.LastGeocoded == nil {
		return true
	}
	if staleAfter <= 0 {
		staleAfter = DefaultGeocodeStaleAfter
	}
	age := now.Sub(*v.LastGeocoded).Truncate(day)
	return age > staleAfter.Truncate(day)
}

// VenueFlags are derived from the venue name alone.
type VenueFlags struct {
	IsIndoors   bool
	IsStreaming bool
}

// DeriveFlags reads the indoor and streaming flags off a venue name: any
// name mentioning "outdoor" is outdoors, and "streaming" marks a stream.
func DeriveFlags(venueName string) VenueFlags {
	name := strings.ToLower(venueName)
	return VenueFlags{
		IsIndoors:   !strings.Contains(name, "outdoor"),
		IsStreaming: strings.Contains(name, "streaming"),
	}
}

func (r VenueRecord) Key() VenueKey {
	return VenueKey{Name: r.Name, FullAddress: r.FullAddress}
}
