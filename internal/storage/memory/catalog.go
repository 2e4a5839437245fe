package memory

import (
	"context"
	"sort"
	"time"

	"github.com/fest-vibes/etl/internal/domain/events"
)

type catalog struct {
	s *Store
}

func fill(current, incoming string) string {
	if current != "" {
		return current
	}
	return incoming
}

func (c *catalog) FindGenres(_ context.Context, names []string) ([]events.Genre, error) {
	var out []events.Genre
	c.s.with(func(d *data) {
		for _, name := range names {
			if g, ok := d.genres[name]; ok {
				out = append(out, g)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *catalog) InsertGenre(_ context.Context, params events.GenreCreateParams) (g events.Genre, created bool, err error) {
	c.s.with(func(d *data) {
		if existing, ok := d.genres[params.Name]; ok {
			g = existing
			return
		}
		g = events.Genre{ID: d.id(), Name: params.Name, Description: params.Description, HasEmbedding: params.Embedding != nil}
		d.genres[params.Name] = g
		if params.Embedding != nil {
			d.embeddings[vectorKey{"genre", g.ID}] = params.Embedding
		}
		created = true
	})
	return g, created, nil
}

func (c *catalog) UpsertArtist(_ context.Context, params events.ArtistUpsertParams) (a events.Artist, created bool, err error) {
	c.s.with(func(d *data) {
		existing, ok := d.artists[params.Name]
		if !ok {
			existing = events.Artist{ID: d.id(), Name: params.Name, CreatedAt: time.Now().UTC()}
			created = true
		}
		existing.Href = fill(existing.Href, params.Href)
		existing.Description = fill(existing.Description, params.Description)
		existing.Website = fill(existing.Website, params.Website)
		if !existing.HasEmbedding && params.Embedding != nil {
			existing.HasEmbedding = true
			d.embeddings[vectorKey{"artist", existing.ID}] = params.Embedding
		}
		d.artists[params.Name] = existing
		a = existing
	})
	return a, created, nil
}

func (c *catalog) FindArtistByName(_ context.Context, name string) (*events.Artist, error) {
	var (
		a  events.Artist
		ok bool
	)
	c.s.with(func(d *data) { a, ok = d.artists[name] })
	if !ok {
		return nil, events.ErrNotFound
	}
	return &a, nil
}

func (c *catalog) LinkArtistGenres(_ context.Context, artistID int64, genreIDs []int64) error {
	c.s.with(func(d *data) { link(d.artistGenres, artistID, genreIDs) })
	return nil
}

func (c *catalog) LinkVenueGenres(_ context.Context, venueID int64, genreIDs []int64) error {
	c.s.with(func(d *data) { link(d.venueGenres, venueID, genreIDs) })
	return nil
}

func (c *catalog) LinkEventGenres(_ context.Context, eventID int64, genreIDs []int64) error {
	c.s.with(func(d *data) { link(d.eventGenres, eventID, genreIDs) })
	return nil
}

func link(set map[[2]int64]bool, owner int64, ids []int64) {
	for _, id := range ids {
		set[[2]int64{owner, id}] = true
	}
}

func (c *catalog) LinkVenueArtist(_ context.Context, venueID, artistID int64) error {
	c.s.with(func(d *data) { d.venueArtists[[2]int64{venueID, artistID}] = true })
	return nil
}

func (c *catalog) InsertArtistRelation(_ context.Context, artistID, relatedID int64) (added bool, err error) {
	c.s.with(func(d *data) {
		key := [2]int64{artistID, relatedID}
		if !d.relations[key] {
			d.relations[key] = true
			added = true
		}
	})
	return added, nil
}

func (c *catalog) RelatedArtists(_ context.Context, artistID int64) ([]events.Artist, error) {
	var out []events.Artist
	c.s.with(func(d *data) {
		ids := map[int64]bool{}
		for key := range d.relations {
			switch artistID {
			case key[0]:
				ids[key[1]] = true
			case key[1]:
				ids[key[0]] = true
			}
		}
		for _, a := range d.artists {
			if ids[a.ID] {
				out = append(out, a)
			}
		}
	})
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (c *catalog) FindVenue(_ context.Context, key events.VenueKey) (*events.Venue, error) {
	var (
		v  events.Venue
		ok bool
	)
	c.s.with(func(d *data) { v, ok = d.venues[key] })
	if !ok {
		return nil, events.ErrNotFound
	}
	return &v, nil
}

func (c *catalog) UpsertVenue(_ context.Context, params events.VenueUpsertParams) (v events.Venue, created bool, err error) {
	c.s.with(func(d *data) {
		key := events.VenueKey{Name: params.Name, FullAddress: params.FullAddress}
		existing, ok := d.venues[key]
		if !ok {
			existing = events.Venue{
				ID:          d.id(),
				Name:        params.Name,
				FullAddress: params.FullAddress,
				IsActive:    params.IsActive,
				IsIndoors:   params.IsIndoors,
				IsStreaming: params.IsStreaming,
			}
			created = true
		}
		existing.Thoroughfare = fill(existing.Thoroughfare, params.Thoroughfare)
		existing.PhoneNumber = fill(existing.PhoneNumber, params.PhoneNumber)
		existing.Locality = fill(existing.Locality, params.Locality)
		existing.State = fill(existing.State, params.State)
		existing.PostalCode = fill(existing.PostalCode, params.PostalCode)
		existing.Website = fill(existing.Website, params.Website)
		existing.Href = fill(existing.Href, params.Href)
		existing.Description = fill(existing.Description, params.Description)
		if existing.Capacity == nil && params.Capacity != nil {
			capacity := *params.Capacity
			existing.Capacity = &capacity
		}
		if existing.Location == nil {
			loc, at := params.Location, params.GeocodedAt
			existing.Location = &loc
			existing.LastGeocoded = &at
		}
		if !existing.HasEmbedding && params.Embedding != nil {
			existing.HasEmbedding = true
			d.embeddings[vectorKey{"venue", existing.ID}] = params.Embedding
		}
		d.venues[key] = existing
		v = existing
	})
	return v, created, nil
}

func (c *catalog) UpdateVenueLocation(_ context.Context, venueID int64, location events.Coordinates, geocodedAt time.Time) error {
	found := false
	c.s.with(func(d *data) {
		for key, v := range d.venues {
			if v.ID != venueID {
				continue
			}
			loc, at := location, geocodedAt
			v.Location = &loc
			v.LastGeocoded = &at
			d.venues[key] = v
			found = true
			return
		}
	})
	if !found {
		return events.ErrNotFound
	}
	return nil
}

func (c *catalog) FindEventByHref(_ context.Context, href string) (*events.Event, error) {
	var (
		e  events.Event
		ok bool
	)
	c.s.with(func(d *data) {
		var id int64
		if id, ok = d.eventByHref[href]; ok {
			e = d.events[id]
		}
	})
	if !ok {
		return nil, events.ErrNotFound
	}
	return &e, nil
}

func (c *catalog) FindEventBySlot(_ context.Context, artistID, venueID int64, performanceTime time.Time) (*events.Event, error) {
	var (
		e  events.Event
		ok bool
	)
	c.s.with(func(d *data) {
		var id int64
		if id, ok = d.eventBySlot[slotKey{artistID, venueID, performanceTime.UnixNano()}]; ok {
			e = d.events[id]
		}
	})
	if !ok {
		return nil, events.ErrNotFound
	}
	return &e, nil
}

func (c *catalog) InsertEvent(_ context.Context, params events.EventCreateParams) (e events.Event, created bool, err error) {
	c.s.with(func(d *data) {
		slot := slotKey{params.ArtistID, params.VenueID, params.PerformanceTime.UnixNano()}
		if params.Href != "" {
			if id, ok := d.eventByHref[params.Href]; ok {
				e = d.events[id]
				return
			}
		} else if id, ok := d.eventBySlot[slot]; ok {
			e = d.events[id]
			return
		}

		e = events.Event{
			ID:              d.id(),
			Href:            params.Href,
			Description:     params.Description,
			ArtistID:        params.ArtistID,
			VenueID:         params.VenueID,
			ArtistName:      params.ArtistName,
			VenueName:       params.VenueName,
			PerformanceTime: params.PerformanceTime,
			ScrapeTime:      params.ScrapeTime,
			IsIndoors:       params.IsIndoors,
			IsStreaming:     params.IsStreaming,
		}
		d.events[e.ID] = e
		if params.Href != "" {
			d.eventByHref[params.Href] = e.ID
		} else {
			d.eventBySlot[slot] = e.ID
		}
		if params.DescriptionEmbedding != nil {
			d.embeddings[vectorKey{"event_description", e.ID}] = params.DescriptionEmbedding
		}
		if params.TextEmbedding != nil {
			d.embeddings[vectorKey{"event_text", e.ID}] = params.TextEmbedding
		}
		created = true
	})
	return e, created, nil
}

func (c *catalog) FillEventDescription(_ context.Context, eventID int64, description string, embedding events.Embedding) (filled bool, err error) {
	c.s.with(func(d *data) {
		e, ok := d.events[eventID]
		if !ok || e.Description != "" {
			return
		}
		e.Description = description
		d.events[eventID] = e
		key := vectorKey{"event_description", eventID}
		if _, has := d.embeddings[key]; !has && embedding != nil {
			d.embeddings[key] = embedding
		}
		filled = true
	})
	return filled, nil
}

func (c *catalog) EmbeddingState(_ context.Context, lookup events.EmbeddingLookup) (events.EmbeddingState, error) {
	state := events.EmbeddingState{
		ArtistsEmbedded:   make(map[string]bool),
		VenuesEmbedded:    make(map[events.VenueKey]bool),
		EventDescriptions: make(map[string]bool),
		GenresExisting:    make(map[string]bool),
	}
	c.s.with(func(d *data) {
		for _, name := range lookup.ArtistNames {
			if a, ok := d.artists[name]; ok && a.HasEmbedding {
				state.ArtistsEmbedded[name] = true
			}
		}
		for _, key := range lookup.Venues {
			if v, ok := d.venues[key]; ok && v.HasEmbedding {
				state.VenuesEmbedded[key] = true
			}
		}
		for _, href := range lookup.EventHrefs {
			if id, ok := d.eventByHref[href]; ok {
				state.EventDescriptions[href] = d.events[id].Description != ""
			}
		}
		for _, name := range lookup.GenreNames {
			if _, ok := d.genres[name]; ok {
				state.GenresExisting[name] = true
			}
		}
	})
	return state, nil
}
