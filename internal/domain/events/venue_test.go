package events

import (
	"testing"
	"time"
)

func TestVenueNeedsGeocoding(t *testing.T) {
	now := time.Date(2025, 3, 21, 12, 0, 0, 0, time.UTC)
	coords := &Coordinates{Latitude: 29.96, Longitude: -90.06}
	ago := func(d time.Duration) *time.Time {
		ts := now.Add(-d)
		return &ts
	}

	tests := []struct {
		name  string
		venue Venue
		want  bool
	}{
		{name: "no coordinates", venue: Venue{LastGeocoded: ago(time.Hour)}, want: true},
		{name: "never geocoded", venue: Venue{Location: coords}, want: true},
		{name: "geocoded 10 days ago", venue: Venue{Location: coords, LastGeocoded: ago(10 * day)}, want: false},
		{name: "geocoded 30 days and some hours ago", venue: Venue{Location: coords, LastGeocoded: ago(30*day + 5*time.Hour)}, want: false},
		{name: "geocoded 31 days ago", venue: Venue{Location: coords, LastGeocoded: ago(31 * day)}, want: true},
		{name: "zero coordinates", venue: Venue{Location: &Coordinates{}, LastGeocoded: ago(time.Hour)}, want: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.venue.NeedsGeocoding(now, DefaultGeocodeStaleAfter); got != tt.want {
				t.Errorf("NeedsGeocoding() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDeriveFlags(t *testing.T) {
	tests := []struct {
		name string
		want VenueFlags
	}{
		{name: "Blue Nile", want: VenueFlags{IsIndoors: true}},
		{name: "Lafayette Square OUTDOOR Stage", want: VenueFlags{IsIndoors: false}},
		{name: "Livestream / Streaming", want: VenueFlags{IsIndoors: true, IsStreaming: true}},
		{name: "Outdoor Streaming Porch", want: VenueFlags{IsIndoors: false, IsStreaming: true}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveFlags(tt.name); got != tt.want {
				t.Errorf("DeriveFlags(%q) = %+v, want %+v", tt.name, got, tt.want)
			}
		})
	}
}
