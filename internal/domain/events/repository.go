package events

import (
	"context"
	"time"
)

// Embedding is a fixed-length text vector. A nil Embedding means absent and
// is stored as NULL.
type Embedding []float32

const EmbeddingDimensions = 384

type Coordinates struct {
	Latitude  float64
	Longitude float64
}

type Genre struct {
	ID           int64
	Name         string
	Description  string
	HasEmbedding bool
}

type Artist struct {
	ID           int64
	Name         string
	Href         string
	Description  string
	Website      string
	HasEmbedding bool
	CreatedAt    time.Time
}

type Venue struct {
	ID           int64
	Name         string
	Thoroughfare string
	PhoneNumber  string
	Locality     string
	State        string
	PostalCode   string
	FullAddress  string
	Website      string
	Href         string
	Description  string
	IsActive     bool
	IsIndoors    bool
	IsStreaming  bool
	Capacity     *int
	Location     *Coordinates
	LastGeocoded *time.Time
	HasEmbedding bool
}

type Event struct {
	ID              int64
	Href            string
	Description     string
	ArtistID        int64
	VenueID         int64
	ArtistName      string
	VenueName       string
	PerformanceTime time.Time
	ScrapeTime      time.Time
	IsIndoors       bool
	IsStreaming     bool
}

// Write parameters. Empty strings mean "not supplied" and never replace a
// stored value.

type GenreCreateParams struct {
	Name        string
	Description string
	Embedding   Embedding
}

type ArtistUpsertParams struct {
	Name        string
	Href        string
	Description string
	Website     string
	Embedding   Embedding
}

type VenueUpsertParams struct {
	Name         string
	Thoroughfare string
	PhoneNumber  string
	Locality     string
	State        string
	PostalCode   string
	FullAddress  string
	Website      string
	Href         string
	Description  string
	IsActive     bool
	IsIndoors    bool
	IsStreaming  bool
	Capacity     *int
	Location     Coordinates
	GeocodedAt   time.Time
	Embedding    Embedding
}

type EventCreateParams struct {
	Href                 string
	Description          string
	ArtistID             int64
	VenueID              int64
	ArtistName           string
	VenueName            string
	PerformanceTime      time.Time
	ScrapeTime           time.Time
	IsIndoors            bool
	IsStreaming          bool
	DescriptionEmbedding Embedding
	TextEmbedding        Embedding
}

// EmbeddingState reports which entities named by a batch already exist with
// vectors, so providers are only called for what is missing.
type EmbeddingState struct {
	ArtistsEmbedded map[string]bool
	VenuesEmbedded  map[VenueKey]bool
	// EventDescriptions maps an existing event href to whether it already
	// has a description.
	EventDescriptions map[string]bool
	GenresExisting    map[string]bool
}

type VenueKey struct {
	Name        string
	FullAddress string
}

type EmbeddingLookup struct {
	ArtistNames []string
	Venues      []VenueKey
	EventHrefs  []string
	GenreNames  []string
}

// Repository is the write surface the upsert layer and reconciler need.
// Every method runs inside the caller's transaction when the repository is
// transaction-scoped.
type Repository interface {
	FindGenres(ctx context.Context, names []string) ([]Genre, error)
	InsertGenre(ctx context.Context, params GenreCreateParams) (Genre, bool, error)

	UpsertArtist(ctx context.Context, params ArtistUpsertParams) (Artist, bool, error)
	FindArtistByName(ctx context.Context, name string) (*Artist, error)
	LinkArtistGenres(ctx context.Context, artistID int64, genreIDs []int64) error
	InsertArtistRelation(ctx context.Context, artistID, relatedID int64) (bool, error)
	RelatedArtists(ctx context.Context, artistID int64) ([]Artist, error)

	FindVenue(ctx context.Context, key VenueKey) (*Venue, error)
	UpsertVenue(ctx context.Context, params VenueUpsertParams) (Venue, bool, error)
	UpdateVenueLocation(ctx context.Context, venueID int64, location Coordinates, geocodedAt time.Time) error
	LinkVenueGenres(ctx context.Context, venueID int64, genreIDs []int64) error
	LinkVenueArtist(ctx context.Context, venueID, artistID int64) error

	FindEventByHref(ctx context.Context, href string) (*Event, error)
	FindEventBySlot(ctx context.Context, artistID, venueID int64, performanceTime time.Time) (*Event, error)
	InsertEvent(ctx context.Context, params EventCreateParams) (Event, bool, error)
	FillEventDescription(ctx context.Context, eventID int64, description string, embedding Embedding) (bool, error)
	LinkEventGenres(ctx context.Context, eventID int64, genreIDs []int64) error

	EmbeddingState(ctx context.Context, lookup EmbeddingLookup) (EmbeddingState, error)
}

// EmbeddingRepository serves the backfill of vectors left NULL by provider
// outages.
type EmbeddingRepository interface {
	GenresMissingEmbedding(ctx context.Context, afterID int64, limit int) ([]Genre, error)
	ArtistsMissingEmbedding(ctx context.Context, afterID int64, limit int) ([]ArtistProfile, error)
	VenuesMissingEmbedding(ctx context.Context, afterID int64, limit int) ([]VenueProfile, error)
	SetGenreEmbedding(ctx context.Context, id int64, embedding Embedding) error
	SetArtistEmbedding(ctx context.Context, id int64, embedding Embedding) error
	SetVenueEmbedding(ctx context.Context, id int64, embedding Embedding) error
}

// ArtistProfile is an artist with the genre names its embedding text needs.
type ArtistProfile struct {
	Artist
	Genres []string
}

type VenueProfile struct {
	Venue
	Genres []string
}
