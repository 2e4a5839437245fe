package nominatim

import (
	"fmt"
	"strconv"
)

type SearchOptions struct {
	// CountryCodes restricts matches to comma-separated ISO 3166-1 alpha-2
	// codes, e.g. "us".
	CountryCodes string
	// Limit caps the result count; 0 means 1 and anything above 50 is 50.
	Limit int
}

// Match is a geocoded place with parsed coordinates.
type Match struct {
	Latitude    float64
	Longitude   float64
	DisplayName string
	Class       string
	Type        string
	Importance  float64
}

// place mirrors one element of the jsonv2 search response, where
// coordinates arrive as strings.
type place struct {
	Lat         string  `json:"lat"`
	Lon         string  `json:"lon"`
	DisplayName string  `json:"display_name"`
	Class       string  `json:"class"`
	Type        string  `json:"type"`
	Importance  float64 `json:"importance"`
}

func (p place) match() (Match, error) {
	lat, err := strconv.ParseFloat(p.Lat, 64)
	if err != nil {
		return Match{}, fmt.Errorf("latitude %q: %w", p.Lat, err)
	}
	lon, err := strconv.ParseFloat(p.Lon, 64)
	if err != nil {
		return Match{}, fmt.Errorf("longitude %q: %w", p.Lon, err)
	}
	return Match{
		Latitude:    lat,
		Longitude:   lon,
		DisplayName: p.DisplayName,
		Class:       p.Class,
		Type:        p.Type,
		Importance:  p.Importance,
	}, nil
}
