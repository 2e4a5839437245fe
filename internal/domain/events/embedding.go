package events

import (
	"context"
	"strings"

	"github.com/rs/zerolog"
)

// Embedder turns text into a vector. Implementations may fail at will; the
// enricher absorbs every failure.
type Embedder interface {
	Encode(ctx context.Context, text string) (Embedding, error)
}

// genre descriptions used when the genre row carries none
var genreFallbacks = map[string]string{
	"jazz":              "American music genre originating in New Orleans with improvisation, swing and blue notes",
	"traditional jazz":  "early New Orleans jazz style with collective improvisation by brass and reed ensembles",
	"blues":             "African American music genre built on blue notes and twelve-bar progressions",
	"brass band":        "New Orleans brass ensemble music rooted in second line parades",
	"funk":              "rhythm-driven genre emphasizing syncopated bass lines and groove",
	"r&b":               "rhythm and blues, African American popular music blending soul, gospel and blues",
	"zydeco":            "Louisiana Creole music genre featuring accordion and washboard",
	"cajun":             "French-language Louisiana music featuring fiddle and accordion",
	"gospel":            "Christian music genre with strong vocals and choir traditions",
	"rock":              "guitar-driven popular music genre",
	"hip hop":           "music genre built on rhythmic vocals and sampled beats",
	"bounce":            "New Orleans hip hop style built on call-and-response chants and the Triggerman beat",
	"latin":             "music genres from Latin America and the Caribbean",
	"reggae":            "Jamaican music genre with offbeat rhythms",
	"classical":         "Western art music tradition",
	"country":           "American roots genre from the rural South",
	"folk":              "traditional and acoustic roots music",
	"soul":              "African American genre combining gospel and rhythm and blues",
	"singer-songwriter": "performers of their own original songs, often solo and acoustic",
}

func genreFallback(name string) string {
	if desc, ok := genreFallbacks[strings.ToLower(name)]; ok {
		return desc
	}
	return "live music genre performed in New Orleans"
}

func joinParts(parts ...string) string {
	kept := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, ". ")
}

func labeled(label, value string) string {
	if strings.TrimSpace(value) == "" {
		return ""
	}
	return label + ": " + value
}

// ArtistText is the embedding input for an artist: name, description,
// website and genre list, skipping empty parts.
func ArtistText(name, description, website string, genres []string) string {
	return joinParts(
		name,
		description,
		labeled("Website", website),
		labeled("Genres", strings.Join(genres, ", ")),
	)
}

func capacityDescriptor(capacity *int) string {
	switch {
	case capacity == nil || *capacity <= 0:
		return ""
	case *capacity < 100:
		return "small venue"
	case *capacity < 500:
		return "medium-sized venue"
	default:
		return "large venue"
	}
}

// VenueText describes a venue for embedding, including its setting and a
// size class derived from capacity.
func VenueText(v Venue, genres []string) string {
	setting := "indoor venue"
	if !v.IsIndoors {
		setting = "outdoor venue"
	}
	streaming := ""
	if v.IsStreaming {
		streaming = "streaming venue"
	}
	return joinParts(
		v.Name,
		labeled("Address", v.FullAddress),
		v.Description,
		setting,
		streaming,
		capacityDescriptor(v.Capacity),
		labeled("Genres", strings.Join(genres, ", ")),
	)
}

// GenreText embeds a genre by name and description, falling back to a
// canned description for well-known genres. A blank name yields "".
func GenreText(name, description string) string {
	if strings.TrimSpace(name) == "" {
		return ""
	}
	if strings.TrimSpace(description) == "" {
		description = genreFallback(name)
	}
	return joinParts("Genre: "+name, description)
}

// EventText is the combined artist, venue and description text.
func EventText(artistName, venueName, description string) string {
	return strings.TrimSpace(strings.Join(strings.Fields(artistName+" "+venueName+" "+description), " "))
}

// Enricher requests embeddings on a best-effort basis.
type Enricher struct {
	embedder Embedder
	logger   zerolog.Logger
}

// NewEnricher wraps embedder; a nil embedder makes every Embed return nil.
func NewEnricher(embedder Embedder, logger zerolog.Logger) *Enricher {
	return &Enricher{embedder: embedder, logger: logger.With().Str("component", "enricher").Logger()}
}

// Embed returns nil when the text is empty, no embedder is configured, or
// the provider fails.
func (e *Enricher) Embed(ctx context.Context, kind, label, text string) Embedding {
	if e == nil || e.embedder == nil || strings.TrimSpace(text) == "" {
		return nil
	}
	vector, err := e.embedder.Encode(ctx, text)
	if err != nil {
		e.logger.Warn().Err(err).Str("kind", kind).Str("entity", label).Msg("embedding failed, storing null")
		return nil
	}
	if len(vector) != EmbeddingDimensions {
		e.logger.Warn().Int("dimensions", len(vector)).Str("kind", kind).Str("entity", label).Msg("embedding has wrong dimensions, storing null")
		return nil
	}
	return vector
}

// LookupFor collects the natural keys of every entity a set of records
// names.
func LookupFor(records []Record) EmbeddingLookup {
	var lookup EmbeddingLookup
	seenArtist := map[string]struct{}{}
	seenVenue := map[VenueKey]struct{}{}
	seenGenre := map[string]struct{}{}
	for _, rec := range records {
		if _, ok := seenArtist[rec.Artist.Name]; !ok {
			seenArtist[rec.Artist.Name] = struct{}{}
			lookup.ArtistNames = append(lookup.ArtistNames, rec.Artist.Name)
		}
		key := rec.Venue.Key()
		if _, ok := seenVenue[key]; !ok {
			seenVenue[key] = struct{}{}
			lookup.Venues = append(lookup.Venues, key)
		}
		if rec.Event.Href != "" {
			lookup.EventHrefs = append(lookup.EventHrefs, rec.Event.Href)
		}
		for _, g := range rec.Genres() {
			if _, ok := seenGenre[g]; !ok {
				seenGenre[g] = struct{}{}
				lookup.GenreNames = append(lookup.GenreNames, g)
			}
		}
	}
	return lookup
}

// Prepare computes the vectors a record needs, skipping entities that
// already have one. Provider calls happen here, outside any transaction.
func (e *Enricher) Prepare(ctx context.Context, rec Record, state EmbeddingState) Prepared {
	var prep Prepared
	genres := rec.Genres()

	if !state.ArtistsEmbedded[rec.Artist.Name] {
		prep.Artist = e.Embed(ctx, "artist", rec.Artist.Name,
			ArtistText(rec.Artist.Name, rec.Artist.Description, rec.Artist.Website, genres))
	}

	if !state.VenuesEmbedded[rec.Venue.Key()] {
		flags := DeriveFlags(rec.Venue.Name)
		venue := Venue{
			Name:        rec.Venue.Name,
			FullAddress: rec.Venue.FullAddress,
			Description: rec.Venue.Description,
			IsIndoors:   flags.IsIndoors,
			IsStreaming: flags.IsStreaming,
			Capacity:    rec.Venue.Capacity,
		}
		prep.Venue = e.Embed(ctx, "venue", rec.Venue.Name, VenueText(venue, genres))
	}

	hasDescription, exists := state.EventDescriptions[rec.Event.Href]
	switch {
	case rec.Event.Href != "" && exists:
		if !hasDescription {
			prep.EventDescription = e.Embed(ctx, "event_description", rec.Label(), rec.Event.Description)
		}
	default:
		prep.EventDescription = e.Embed(ctx, "event_description", rec.Label(), rec.Event.Description)
		prep.EventText = e.Embed(ctx, "event_text", rec.Label(),
			EventText(rec.Artist.Name, rec.Venue.Name, rec.Event.Description))
	}

	return prep
}

// GenreEmbeddings embeds the named genres that do not exist yet.
func (e *Enricher) GenreEmbeddings(ctx context.Context, names []string, existing map[string]bool) map[string]Embedding {
	out := make(map[string]Embedding)
	for _, name := range names {
		if existing[name] {
			continue
		}
		if vector := e.Embed(ctx, "genre", name, GenreText(name, "")); vector != nil {
			out[name] = vector
		}
	}
	return out
}
