package events

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
)

// Prepared carries the vectors computed for a record before its batch
// transaction opens. Nil fields are stored as NULL.
type Prepared struct {
	Genres           map[string]Embedding
	Artist           Embedding
	Venue            Embedding
	EventDescription Embedding
	EventText        Embedding
}

// Outcome counts the rows a single record created.
type Outcome struct {
	GenresCreated  int
	ArtistsCreated int
	VenuesCreated  int
	EventsCreated  int
	RelationsAdded int
	Event          Event
}

func (o *Outcome) Add(other Outcome) {
	o.GenresCreated += other.GenresCreated
	o.ArtistsCreated += other.ArtistsCreated
	o.VenuesCreated += other.VenuesCreated
	o.EventsCreated += other.EventsCreated
	o.RelationsAdded += other.RelationsAdded
}

type ReconcileResult struct {
	Event          Event
	Created        bool
	RelatedCreated int
	RelationsAdded int
}

// Reconciler turns a record into rows: genres, artist, venue, the event
// itself and the artist relations the listing names.
type Reconciler struct {
	upserter *Upserter
	logger   zerolog.Logger
}

func NewReconciler(upserter *Upserter, logger zerolog.Logger) *Reconciler {
	return &Reconciler{upserter: upserter, logger: logger.With().Str("component", "reconciler").Logger()}
}

// Process runs every upsert a record implies against repo, which is
// expected to be scoped to the batch transaction.
func (r *Reconciler) Process(ctx context.Context, repo Repository, rec Record, prep Prepared) (Outcome, error) {
	var out Outcome

	genres, created, err := r.upserter.ResolveGenres(ctx, repo, rec.Genres(), prep.Genres)
	if err != nil {
		return out, err
	}
	out.GenresCreated = created
	ids := genreIDs(genres)

	artist, artistCreated, err := r.upserter.UpsertArtist(ctx, repo, ArtistUpsertParams{
		Name:        rec.Artist.Name,
		Href:        rec.Artist.Href,
		Description: rec.Artist.Description,
		Website:     rec.Artist.Website,
		Embedding:   prep.Artist,
	}, ids)
	if err != nil {
		return out, err
	}
	if artistCreated {
		out.ArtistsCreated++
	}

	venue, venueCreated, err := r.upserter.UpsertVenue(ctx, repo, rec.Venue, ids, prep.Venue)
	if err != nil {
		return out, err
	}
	if venueCreated {
		out.VenuesCreated++
	}

	res, err := r.Reconcile(ctx, repo, rec, artist, venue, genres, prep)
	if err != nil {
		return out, err
	}
	if res.Created {
		out.EventsCreated++
	}
	out.ArtistsCreated += res.RelatedCreated
	out.RelationsAdded = res.RelationsAdded
	out.Event = res.Event
	return out, nil
}

// Reconcile creates the event or, when it already exists, fills a missing
// description and adds any new genre links. Core fields of an existing event
// are never rewritten.
func (r *Reconciler) Reconcile(ctx context.Context, repo Repository, rec Record, artist Artist, venue Venue, genres []Genre, prep Prepared) (ReconcileResult, error) {
	var res ReconcileResult

	existing, err := r.findEvent(ctx, repo, rec, artist, venue)
	if err != nil {
		return res, err
	}

	if existing == nil {
		flags := DeriveFlags(venue.Name)
		event, created, err := repo.InsertEvent(ctx, EventCreateParams{
			Href:                 rec.Event.Href,
			Description:          rec.Event.Description,
			ArtistID:             artist.ID,
			VenueID:              venue.ID,
			ArtistName:           artist.Name,
			VenueName:            venue.Name,
			PerformanceTime:      rec.PerformanceTime,
			ScrapeTime:           rec.ScrapeTime,
			IsIndoors:            flags.IsIndoors,
			IsStreaming:          flags.IsStreaming,
			DescriptionEmbedding: prep.EventDescription,
			TextEmbedding:        prep.EventText,
		})
		if err != nil {
			return res, fmt.Errorf("insert event %s: %w", rec.Label(), err)
		}
		res.Event = event
		res.Created = created
	} else {
		res.Event = *existing
		if existing.Description == "" && rec.Event.Description != "" {
			filled, err := repo.FillEventDescription(ctx, existing.ID, rec.Event.Description, prep.EventDescription)
			if err != nil {
				return res, fmt.Errorf("fill event %s description: %w", rec.Label(), err)
			}
			if filled {
				res.Event.Description = rec.Event.Description
			}
		}
	}

	if len(genres) > 0 {
		if err := repo.LinkEventGenres(ctx, res.Event.ID, genreIDs(genres)); err != nil {
			return res, fmt.Errorf("link event %s genres: %w", rec.Label(), err)
		}
	}

	if err := repo.LinkVenueArtist(ctx, venue.ID, artist.ID); err != nil {
		return res, fmt.Errorf("link venue %q artist %q: %w", venue.Name, artist.Name, err)
	}

	for _, related := range rec.Related() {
		stub, created, err := r.upserter.UpsertArtist(ctx, repo, ArtistUpsertParams{Name: related.Name, Href: related.Href}, nil)
		if err != nil {
			return res, fmt.Errorf("related artist: %w", err)
		}
		if created {
			res.RelatedCreated++
		}
		if stub.ID == artist.ID {
			continue
		}
		added, err := repo.InsertArtistRelation(ctx, artist.ID, stub.ID)
		if err != nil {
			return res, fmt.Errorf("relate %q to %q: %w", artist.Name, stub.Name, err)
		}
		if added {
			res.RelationsAdded++
		}
	}

	if res.Created {
		r.logger.Debug().Int64("event_id", res.Event.ID).Str("event", rec.Label()).Msg("created event")
	}
	return res, nil
}

// findEvent matches by href, or by (artist, venue, performance time) for
// listings that carry no href.
func (r *Reconciler) findEvent(ctx context.Context, repo Repository, rec Record, artist Artist, venue Venue) (*Event, error) {
	var (
		event *Event
		err   error
	)
	if rec.Event.Href != "" {
		event, err = repo.FindEventByHref(ctx, rec.Event.Href)
	} else {
		event, err = repo.FindEventBySlot(ctx, artist.ID, venue.ID, rec.PerformanceTime)
	}
	if errors.Is(err, ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find event %s: %w", rec.Label(), err)
	}
	return event, nil
}
