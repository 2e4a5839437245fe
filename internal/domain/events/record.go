package events

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/goccy/go-json"

	"github.com/fest-vibes/etl/internal/sanitize"
)

// Record is one denormalized listing as produced by the scraper: a
// performance by one artist at one venue at one time.
type Record struct {
	Artist          ArtistRecord `json:"artist_data"`
	Venue           VenueRecord  `json:"venue_data"`
	Event           EventRecord  `json:"event_data"`
	PerformanceTime time.Time    `json:"performance_time"`
	ScrapeTime      time.Time    `json:"scrape_time"`
}

type ArtistRecord struct {
	Name           string          `json:"name" validate:"required,max=500"`
	Href           string          `json:"wwoz_artist_href,omitempty" validate:"max=2048"`
	Description    string          `json:"description,omitempty" validate:"max=10000"`
	Website        string          `json:"website,omitempty" validate:"max=2048"`
	Genres         []string        `json:"genres,omitempty" validate:"dive,max=200"`
	RelatedArtists []RelatedArtist `json:"related_artists,omitempty" validate:"dive"`
}

type VenueRecord struct {
	Name         string `json:"name" validate:"required,max=500"`
	Thoroughfare string `json:"thoroughfare,omitempty" validate:"max=500"`
	PhoneNumber  string `json:"phone_number,omitempty" validate:"max=100"`
	Locality     string `json:"locality,omitempty" validate:"max=200"`
	State        string `json:"state,omitempty" validate:"max=100"`
	PostalCode   string `json:"postal_code,omitempty" validate:"max=20"`
	FullAddress  string `json:"full_address,omitempty" validate:"max=1000"`
	IsActive     *bool  `json:"is_active,omitempty"`
	Website      string `json:"website,omitempty" validate:"max=2048"`
	Href         string `json:"wwoz_venue_href,omitempty" validate:"max=2048"`
	Description  string `json:"description,omitempty" validate:"max=10000"`
	Capacity     *int   `json:"capacity,omitempty" validate:"omitempty,gte=0"`
}

type EventRecord struct {
	Href           string          `json:"wwoz_event_href,omitempty" validate:"max=2048"`
	ArtistHref     string          `json:"wwoz_artist_href,omitempty" validate:"max=2048"`
	Description    string          `json:"description,omitempty" validate:"max=10000"`
	Genres         []string        `json:"genres,omitempty" validate:"dive,max=200"`
	RelatedArtists []RelatedArtist `json:"related_artists,omitempty" validate:"dive"`
}

// RelatedArtist is another act named on the listing. The scraper emits
// either a bare name or a {name, wwoz_artist_href} object.
type RelatedArtist struct {
	Name string `json:"name" validate:"required,max=500"`
	Href string `json:"wwoz_artist_href,omitempty" validate:"max=2048"`
}

func (r *RelatedArtist) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return err
		}
		*r = RelatedArtist{Name: name}
		return nil
	}
	type plain RelatedArtist
	var p plain
	if err := json.Unmarshal(data, &p); err != nil {
		return fmt.Errorf("related artist must be a name or an object: %w", err)
	}
	*r = RelatedArtist(p)
	return nil
}

// scraper placeholder text that carries no information
var placeholderDescriptions = map[string]struct{}{
	"lorum ipsum": {},
	"lorem ipsum": {},
}

func cleanDescription(value string) string {
	value = sanitize.Paragraphs(value)
	if _, ok := placeholderDescriptions[strings.ToLower(value)]; ok {
		return ""
	}
	return value
}

// Normalize sanitizes every free-text field in place. Natural keys are
// compared after normalization, so it must run before any lookup.
func (r *Record) Normalize() {
	r.Artist.Name = sanitize.Text(r.Artist.Name)
	r.Artist.Href = strings.TrimSpace(r.Artist.Href)
	r.Artist.Description = cleanDescription(r.Artist.Description)
	r.Artist.Website = strings.TrimSpace(r.Artist.Website)
	r.Artist.Genres = sanitize.Names(r.Artist.Genres)
	r.Artist.RelatedArtists = normalizeRelated(r.Artist.RelatedArtists)

	r.Venue.Name = sanitize.Text(r.Venue.Name)
	r.Venue.Thoroughfare = sanitize.Text(r.Venue.Thoroughfare)
	r.Venue.PhoneNumber = sanitize.Text(r.Venue.PhoneNumber)
	r.Venue.Locality = sanitize.Text(r.Venue.Locality)
	r.Venue.State = sanitize.Text(r.Venue.State)
	r.Venue.PostalCode = sanitize.Text(r.Venue.PostalCode)
	r.Venue.FullAddress = sanitize.Text(r.Venue.FullAddress)
	r.Venue.Website = strings.TrimSpace(r.Venue.Website)
	r.Venue.Href = strings.TrimSpace(r.Venue.Href)
	r.Venue.Description = cleanDescription(r.Venue.Description)

	r.Event.Href = strings.TrimSpace(r.Event.Href)
	r.Event.ArtistHref = strings.TrimSpace(r.Event.ArtistHref)
	r.Event.Description = cleanDescription(r.Event.Description)
	r.Event.Genres = sanitize.Names(r.Event.Genres)
	r.Event.RelatedArtists = normalizeRelated(r.Event.RelatedArtists)

	if r.Artist.Href == "" {
		r.Artist.Href = r.Event.ArtistHref
	}
}

func normalizeRelated(values []RelatedArtist) []RelatedArtist {
	if len(values) == 0 {
		return nil
	}
	out := make([]RelatedArtist, 0, len(values))
	for _, v := range values {
		v.Name = sanitize.Text(v.Name)
		v.Href = strings.TrimSpace(v.Href)
		if v.Name != "" {
			out = append(out, v)
		}
	}
	return out
}

// Genres is the union of event and artist genres.
func (r Record) Genres() []string {
	return sanitize.Names(append(append([]string{}, r.Event.Genres...), r.Artist.Genres...))
}

// Related merges the related acts named on the event and the artist, minus
// the performing artist. First occurrence wins.
func (r Record) Related() []RelatedArtist {
	seen := map[string]struct{}{strings.ToLower(r.Artist.Name): {}}
	var out []RelatedArtist
	for _, list := range [][]RelatedArtist{r.Event.RelatedArtists, r.Artist.RelatedArtists} {
		for _, ra := range list {
			key := strings.ToLower(ra.Name)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, ra)
		}
	}
	return out
}

// Active reports the venue's active flag; listings default to active.
func (v VenueRecord) Active() bool {
	return v.IsActive == nil || *v.IsActive
}

// Label identifies the record in logs.
func (r Record) Label() string {
	if r.Event.Href != "" {
		return r.Event.Href
	}
	return fmt.Sprintf("%s @ %s %s", r.Artist.Name, r.Venue.Name, r.PerformanceTime.Format(time.RFC3339))
}
