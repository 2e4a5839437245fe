package events

import (
	"errors"
	"strings"
	"testing"
	"time"
)

const sampleDocument = `[
  {
    "artist_data": {
      "name": "Kermit Ruffins",
      "description": "lorum ipsum",
      "genres": ["Jazz"],
      "related_artists": ["Corey Henry"]
    },
    "venue_data": {
      "name": "Blue Nile",
      "full_address": "532 Frenchmen St, New Orleans, LA 70116",
      "locality": "New Orleans",
      "is_active": true
    },
    "event_data": {
      "wwoz_event_href": "/events/789",
      "genres": ["Jazz", "Blues"],
      "related_artists": [{"name": "Shannon Powell", "wwoz_artist_href": "/programs/shannon"}],
      "wwoz_artist_href": "/programs/kermit"
    },
    "performance_time": "2025-03-21T22:30:00-05:00",
    "scrape_time": "2025-03-20"
  }
]`

func TestDecodeRecords(t *testing.T) {
	loc, err := time.LoadLocation("America/Chicago")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	result, err := DecodeRecords([]byte(sampleDocument), DecodeOptions{Location: loc})
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	if len(result.Records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(result.Records))
	}
	rec := result.Records[0]

	if rec.Artist.Description != "" {
		t.Errorf("placeholder description should be dropped, got %q", rec.Artist.Description)
	}
	if rec.Artist.Href != "/programs/kermit" {
		t.Errorf("artist href should come from event data, got %q", rec.Artist.Href)
	}
	if !rec.Venue.Active() {
		t.Error("venue should be active")
	}
	want := time.Date(2025, 3, 22, 3, 30, 0, 0, time.UTC)
	if !rec.PerformanceTime.Equal(want) {
		t.Errorf("PerformanceTime = %v, want %v", rec.PerformanceTime, want)
	}
	if rec.ScrapeTime.Location().String() != "America/Chicago" {
		t.Errorf("zone-less scrape_time should use loader timezone, got %v", rec.ScrapeTime.Location())
	}
	if got := rec.Genres(); len(got) != 2 || got[0] != "Blues" || got[1] != "Jazz" {
		t.Errorf("Genres() = %v", got)
	}
	related := rec.Related()
	if len(related) != 2 {
		t.Fatalf("Related() = %v, want 2 entries", related)
	}
	if related[0].Name != "Shannon Powell" || related[0].Href != "/programs/shannon" {
		t.Errorf("first related = %+v", related[0])
	}
	if related[1].Name != "Corey Henry" {
		t.Errorf("second related = %+v", related[1])
	}
}

func TestDecodeRecords_RejectsMalformed(t *testing.T) {
	tests := []struct {
		name      string
		doc       string
		wantField string
	}{
		{
			name:      "missing artist name",
			doc:       `[{"artist_data":{},"venue_data":{"name":"Blue Nile"},"event_data":{},"performance_time":"2025-03-21T22:30:00Z"}]`,
			wantField: "artist_data.name",
		},
		{
			name:      "missing performance time",
			doc:       `[{"artist_data":{"name":"A"},"venue_data":{"name":"V"},"event_data":{}}]`,
			wantField: "performance_time",
		},
		{
			name:      "garbage timestamp",
			doc:       `[{"artist_data":{"name":"A"},"venue_data":{"name":"V"},"event_data":{},"performance_time":"next tuesday"}]`,
			wantField: "performance_time",
		},
		{
			name:      "negative capacity",
			doc:       `[{"artist_data":{"name":"A"},"venue_data":{"name":"V","capacity":-1},"event_data":{},"performance_time":"2025-03-21T22:30:00Z"}]`,
			wantField: "venue_data.capacity",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := DecodeRecords([]byte(tt.doc), DecodeOptions{})
			if err == nil {
				t.Fatal("expected error")
			}
			if !errors.Is(err, ErrInvalidRecord) {
				t.Errorf("error should wrap ErrInvalidRecord: %v", err)
			}
			var decodeErr *DecodeError
			if !errors.As(err, &decodeErr) || decodeErr.Index != 0 {
				t.Fatalf("expected DecodeError at index 0, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantField) {
				t.Errorf("error %q should name %s", err, tt.wantField)
			}
		})
	}
}

func TestDecodeRecords_SkipInvalid(t *testing.T) {
	doc := `[
	  {"artist_data":{"name":"A"},"venue_data":{"name":"V"},"event_data":{"wwoz_event_href":"/e/1"},"performance_time":"2025-03-21T22:30:00Z"},
	  {"artist_data":{"name":""},"venue_data":{"name":"V"},"event_data":{"wwoz_event_href":"/e/2"},"performance_time":"2025-03-21T22:30:00Z"}
	]`
	result, err := DecodeRecords([]byte(doc), DecodeOptions{SkipInvalid: true})
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	if len(result.Records) != 1 || len(result.Rejected) != 1 {
		t.Fatalf("records=%d rejected=%d, want 1/1", len(result.Records), len(result.Rejected))
	}
	if result.Rejected[0].Index != 1 || result.Rejected[0].Href != "/e/2" {
		t.Errorf("rejected = %+v", result.Rejected[0])
	}
}

func TestDecodeRecords_NotAnArray(t *testing.T) {
	if _, err := DecodeRecords([]byte(`{"events":[]}`), DecodeOptions{}); err == nil {
		t.Fatal("expected error for non-array document")
	}
}

func TestDecodeRecords_MissingScrapeTimeUsesNow(t *testing.T) {
	now := time.Date(2025, 3, 20, 8, 0, 0, 0, time.UTC)
	doc := `[{"artist_data":{"name":"A"},"venue_data":{"name":"V"},"event_data":{},"performance_time":"2025-03-21T22:30:00Z"}]`
	result, err := DecodeRecords([]byte(doc), DecodeOptions{Now: now})
	if err != nil {
		t.Fatalf("DecodeRecords() error = %v", err)
	}
	if !result.Records[0].ScrapeTime.Equal(now) {
		t.Errorf("ScrapeTime = %v, want %v", result.Records[0].ScrapeTime, now)
	}
}

func TestParseTimestamp(t *testing.T) {
	loc := time.FixedZone("CST", -6*3600)
	tests := []struct {
		input string
		want  time.Time
	}{
		{"2025-03-21T22:30:00-05:00", time.Date(2025, 3, 22, 3, 30, 0, 0, time.UTC)},
		{"2025-03-21T22:30:00.123456-05:00", time.Date(2025, 3, 22, 3, 30, 0, 123456000, time.UTC)},
		{"2025-03-21 22:30:00-05:00", time.Date(2025, 3, 22, 3, 30, 0, 0, time.UTC)},
		{"2025-03-21T22:30:00", time.Date(2025, 3, 21, 22, 30, 0, 0, loc)},
		{"2025-03-21", time.Date(2025, 3, 21, 0, 0, 0, 0, loc)},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseTimestamp(tt.input, loc)
			if err != nil {
				t.Fatalf("ParseTimestamp() error = %v", err)
			}
			if !got.Equal(tt.want) {
				t.Errorf("ParseTimestamp(%q) = %v, want %v", tt.input, got, tt.want)
			}
		})
	}
}
