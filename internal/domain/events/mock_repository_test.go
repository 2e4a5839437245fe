package events

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

type slotKey struct {
	artistID int64
	venueID  int64
	at       int64
}

// MockRepository is an in-memory Repository. Its natural-key maps mirror the
// unique indexes of the real schema.
type MockRepository struct {
	mu sync.Mutex

	nextID int64

	genres      map[string]Genre
	artists     map[string]Artist
	venues      map[VenueKey]Venue
	events      map[int64]Event
	eventByHref map[string]int64
	eventBySlot map[slotKey]int64

	artistGenres map[int64]map[int64]bool
	venueGenres  map[int64]map[int64]bool
	eventGenres  map[int64]map[int64]bool
	venueArtists map[[2]int64]bool
	relations    map[[2]int64]bool

	embeddings map[string]Embedding

	locationUpdates int
	failOn          map[string]error
}

func NewMockRepository() *MockRepository {
	return &MockRepository{
		genres:       make(map[string]Genre),
		artists:      make(map[string]Artist),
		venues:       make(map[VenueKey]Venue),
		events:       make(map[int64]Event),
		eventByHref:  make(map[string]int64),
		eventBySlot:  make(map[slotKey]int64),
		artistGenres: make(map[int64]map[int64]bool),
		venueGenres:  make(map[int64]map[int64]bool),
		eventGenres:  make(map[int64]map[int64]bool),
		venueArtists: make(map[[2]int64]bool),
		relations:    make(map[[2]int64]bool),
		embeddings:   make(map[string]Embedding),
		failOn:       make(map[string]error),
	}
}

func (m *MockRepository) fail(op string) error {
	return m.failOn[op]
}

func (m *MockRepository) id() int64 {
	m.nextID++
	return m.nextID
}

func (m *MockRepository) FindGenres(_ context.Context, names []string) ([]Genre, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindGenres"); err != nil {
		return nil, err
	}
	var out []Genre
	for _, name := range names {
		if g, ok := m.genres[name]; ok {
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *MockRepository) InsertGenre(_ context.Context, params GenreCreateParams) (Genre, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertGenre"); err != nil {
		return Genre{}, false, err
	}
	if g, ok := m.genres[params.Name]; ok {
		return g, false, nil
	}
	g := Genre{ID: m.id(), Name: params.Name, Description: params.Description, HasEmbedding: params.Embedding != nil}
	m.genres[params.Name] = g
	if params.Embedding != nil {
		m.embeddings["genre:"+params.Name] = params.Embedding
	}
	return g, true, nil
}

func fill(current, incoming string) string {
	if current != "" {
		return current
	}
	return incoming
}

func (m *MockRepository) UpsertArtist(_ context.Context, params ArtistUpsertParams) (Artist, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("UpsertArtist"); err != nil {
		return Artist{}, false, err
	}
	if a, ok := m.artists[params.Name]; ok {
		a.Href = fill(a.Href, params.Href)
		a.Description = fill(a.Description, params.Description)
		a.Website = fill(a.Website, params.Website)
		if !a.HasEmbedding && params.Embedding != nil {
			a.HasEmbedding = true
			m.embeddings["artist:"+a.Name] = params.Embedding
		}
		m.artists[params.Name] = a
		return a, false, nil
	}
	a := Artist{
		ID:           m.id(),
		Name:         params.Name,
		Href:         params.Href,
		Description:  params.Description,
		Website:      params.Website,
		HasEmbedding: params.Embedding != nil,
	}
	m.artists[params.Name] = a
	if params.Embedding != nil {
		m.embeddings["artist:"+a.Name] = params.Embedding
	}
	return a, true, nil
}

func (m *MockRepository) FindArtistByName(_ context.Context, name string) (*Artist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindArtistByName"); err != nil {
		return nil, err
	}
	a, ok := m.artists[name]
	if !ok {
		return nil, ErrNotFound
	}
	return &a, nil
}

func link(set map[int64]map[int64]bool, owner int64, ids []int64) {
	if set[owner] == nil {
		set[owner] = make(map[int64]bool)
	}
	for _, id := range ids {
		set[owner][id] = true
	}
}

func (m *MockRepository) LinkArtistGenres(_ context.Context, artistID int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link(m.artistGenres, artistID, ids)
	return nil
}

func (m *MockRepository) InsertArtistRelation(_ context.Context, artistID, relatedID int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := [2]int64{artistID, relatedID}
	if m.relations[key] {
		return false, nil
	}
	m.relations[key] = true
	return true, nil
}

func (m *MockRepository) RelatedArtists(_ context.Context, artistID int64) ([]Artist, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := map[int64]bool{}
	for key := range m.relations {
		if key[0] == artistID {
			ids[key[1]] = true
		}
		if key[1] == artistID {
			ids[key[0]] = true
		}
	}
	var out []Artist
	for _, a := range m.artists {
		if ids[a.ID] {
			out = append(out, a)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

func (m *MockRepository) FindVenue(_ context.Context, key VenueKey) (*Venue, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("FindVenue"); err != nil {
		return nil, err
	}
	v, ok := m.venues[key]
	if !ok {
		return nil, ErrNotFound
	}
	return &v, nil
}

func (m *MockRepository) UpsertVenue(_ context.Context, params VenueUpsertParams) (Venue, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := VenueKey{Name: params.Name, FullAddress: params.FullAddress}
	if v, ok := m.venues[key]; ok {
		v.PhoneNumber = fill(v.PhoneNumber, params.PhoneNumber)
		v.Website = fill(v.Website, params.Website)
		v.Href = fill(v.Href, params.Href)
		m.venues[key] = v
		return v, false, nil
	}
	loc := params.Location
	at := params.GeocodedAt
	v := Venue{
		ID:           m.id(),
		Name:         params.Name,
		FullAddress:  params.FullAddress,
		PhoneNumber:  params.PhoneNumber,
		Website:      params.Website,
		Href:         params.Href,
		Description:  params.Description,
		IsActive:     params.IsActive,
		IsIndoors:    params.IsIndoors,
		IsStreaming:  params.IsStreaming,
		Capacity:     params.Capacity,
		Location:     &loc,
		LastGeocoded: &at,
		HasEmbedding: params.Embedding != nil,
	}
	m.venues[key] = v
	return v, true, nil
}

func (m *MockRepository) UpdateVenueLocation(_ context.Context, venueID int64, location Coordinates, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, v := range m.venues {
		if v.ID == venueID {
			v.Location = &location
			v.LastGeocoded = &at
			m.venues[key] = v
			m.locationUpdates++
			return nil
		}
	}
	return ErrNotFound
}

func (m *MockRepository) LinkVenueGenres(_ context.Context, venueID int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link(m.venueGenres, venueID, ids)
	return nil
}

func (m *MockRepository) LinkVenueArtist(_ context.Context, venueID, artistID int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.venueArtists[[2]int64{venueID, artistID}] = true
	return nil
}

func (m *MockRepository) FindEventByHref(_ context.Context, href string) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.eventByHref[href]
	if !ok {
		return nil, ErrNotFound
	}
	e := m.events[id]
	return &e, nil
}

func (m *MockRepository) FindEventBySlot(_ context.Context, artistID, venueID int64, at time.Time) (*Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.eventBySlot[slotKey{artistID, venueID, at.UnixNano()}]
	if !ok {
		return nil, ErrNotFound
	}
	e := m.events[id]
	return &e, nil
}

func (m *MockRepository) InsertEvent(_ context.Context, params EventCreateParams) (Event, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("InsertEvent"); err != nil {
		return Event{}, false, err
	}
	if params.Href != "" {
		if id, ok := m.eventByHref[params.Href]; ok {
			return m.events[id], false, nil
		}
	}
	e := Event{
		ID:              m.id(),
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
	m.events[e.ID] = e
	if params.Href != "" {
		m.eventByHref[params.Href] = e.ID
	} else {
		m.eventBySlot[slotKey{params.ArtistID, params.VenueID, params.PerformanceTime.UnixNano()}] = e.ID
	}
	if params.TextEmbedding != nil {
		m.embeddings["event_text:"+params.Href] = params.TextEmbedding
	}
	return e, true, nil
}

func (m *MockRepository) FillEventDescription(_ context.Context, eventID int64, description string, embedding Embedding) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return false, ErrNotFound
	}
	if e.Description != "" {
		return false, nil
	}
	e.Description = description
	m.events[eventID] = e
	if embedding != nil {
		m.embeddings["event_description:"+e.Href] = embedding
	}
	return true, nil
}

func (m *MockRepository) LinkEventGenres(_ context.Context, eventID int64, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	link(m.eventGenres, eventID, ids)
	return nil
}

func (m *MockRepository) EmbeddingState(_ context.Context, lookup EmbeddingLookup) (EmbeddingState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.fail("EmbeddingState"); err != nil {
		return EmbeddingState{}, err
	}
	state := EmbeddingState{
		ArtistsEmbedded:   map[string]bool{},
		VenuesEmbedded:    map[VenueKey]bool{},
		EventDescriptions: map[string]bool{},
		GenresExisting:    map[string]bool{},
	}
	for _, name := range lookup.ArtistNames {
		if a, ok := m.artists[name]; ok && a.HasEmbedding {
			state.ArtistsEmbedded[name] = true
		}
	}
	for _, key := range lookup.Venues {
		if v, ok := m.venues[key]; ok && v.HasEmbedding {
			state.VenuesEmbedded[key] = true
		}
	}
	for _, href := range lookup.EventHrefs {
		if id, ok := m.eventByHref[href]; ok {
			state.EventDescriptions[href] = m.events[id].Description != ""
		}
	}
	for _, name := range lookup.GenreNames {
		if _, ok := m.genres[name]; ok {
			state.GenresExisting[name] = true
		}
	}
	return state, nil
}

var errMockFailure = errors.New("mock failure")

// fakeGeocoder counts calls and returns a fixed point.
type fakeGeocoder struct {
	mu    sync.Mutex
	calls []string
	point Coordinates
}

func (g *fakeGeocoder) Geocode(_ context.Context, address string) Coordinates {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, address)
	return g.point
}

func (g *fakeGeocoder) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.calls)
}

// fakeEmbedder returns a constant vector or an error.
type fakeEmbedder struct {
	mu    sync.Mutex
	texts []string
	err   error
	dims  int
}

func (e *fakeEmbedder) Encode(_ context.Context, text string) (Embedding, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.texts = append(e.texts, text)
	if e.err != nil {
		return nil, e.err
	}
	dims := e.dims
	if dims == 0 {
		dims = EmbeddingDimensions
	}
	return make(Embedding, dims), nil
}
