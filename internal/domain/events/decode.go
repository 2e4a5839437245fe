package events

import (
	"errors"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"
)

// zone-less layouts seen in scrape output; interpreted in DecodeOptions.Location
var localLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04",
	"2006-01-02",
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func recordValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New(validator.WithRequiredStructEnabled())
		validate.RegisterTagNameFunc(func(field reflect.StructField) string {
			name := strings.SplitN(field.Tag.Get("json"), ",", 2)[0]
			if name == "-" || name == "" {
				return field.Name
			}
			return name
		})
	})
	return validate
}

type DecodeOptions struct {
	// Location applies to timestamps without a zone offset.
	Location *time.Location
	// Now stands in for a missing scrape_time.
	Now time.Time
	// SkipInvalid drops malformed records instead of rejecting the document.
	SkipInvalid bool
}

type DecodeResult struct {
	Records  []Record
	Rejected []*DecodeError
}

type rawRecord struct {
	Artist          ArtistRecord `json:"artist_data"`
	Venue           VenueRecord  `json:"venue_data"`
	Event           EventRecord  `json:"event_data"`
	PerformanceTime string       `json:"performance_time"`
	ScrapeTime      string       `json:"scrape_time"`
}

// DecodeRecords parses a scrape-run document (a JSON array of records),
// normalizes and validates every record before anything touches the
// database.
func DecodeRecords(data []byte, opts DecodeOptions) (DecodeResult, error) {
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	if opts.Now.IsZero() {
		opts.Now = time.Now()
	}

	var items []json.RawMessage
	if err := json.Unmarshal(data, &items); err != nil {
		return DecodeResult{}, fmt.Errorf("decode document: %w", err)
	}

	result := DecodeResult{Records: make([]Record, 0, len(items))}
	for i, item := range items {
		record, err := decodeRecord(item, opts)
		if err != nil {
			decodeErr := &DecodeError{Index: i, Href: record.Event.Href, Err: err}
			if !opts.SkipInvalid {
				return DecodeResult{}, decodeErr
			}
			result.Rejected = append(result.Rejected, decodeErr)
			continue
		}
		result.Records = append(result.Records, record)
	}
	return result, nil
}

func decodeRecord(data []byte, opts DecodeOptions) (Record, error) {
	var raw rawRecord
	if err := json.Unmarshal(data, &raw); err != nil {
		return Record{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}

	record := Record{
		Artist: raw.Artist,
		Venue:  raw.Venue,
		Event:  raw.Event,
	}

	if strings.TrimSpace(raw.PerformanceTime) == "" {
		return record, ValidationError{Field: "performance_time", Message: "is required"}
	}
	performance, err := ParseTimestamp(raw.PerformanceTime, opts.Location)
	if err != nil {
		return record, ValidationError{Field: "performance_time", Message: err.Error()}
	}
	record.PerformanceTime = performance

	record.ScrapeTime = opts.Now
	if strings.TrimSpace(raw.ScrapeTime) != "" {
		scraped, err := ParseTimestamp(raw.ScrapeTime, opts.Location)
		if err != nil {
			return record, ValidationError{Field: "scrape_time", Message: err.Error()}
		}
		record.ScrapeTime = scraped
	}

	record.Normalize()
	if err := ValidateRecord(record); err != nil {
		return record, err
	}
	return record, nil
}

// ParseTimestamp accepts RFC 3339, the space-separated variant, and
// zone-less ISO 8601 timestamps, which are read in loc.
func ParseTimestamp(value string, loc *time.Location) (time.Time, error) {
	value = strings.TrimSpace(value)
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t, nil
	}
	if t, err := time.Parse("2006-01-02 15:04:05.999999999Z07:00", value); err == nil {
		return t, nil
	}
	if loc == nil {
		loc = time.UTC
	}
	for _, layout := range localLayouts {
		if t, err := time.ParseInLocation(layout, value, loc); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", value)
}

// ValidateRecord checks a normalized record.
func ValidateRecord(record Record) error {
	if record.PerformanceTime.IsZero() {
		return ValidationError{Field: "performance_time", Message: "is required"}
	}

	err := recordValidator().Struct(record)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) || len(fieldErrs) == 0 {
		return ValidationError{Message: err.Error()}
	}
	fe := fieldErrs[0]
	field := strings.TrimPrefix(fe.Namespace(), "Record.")
	switch fe.Tag() {
	case "required":
		return ValidationError{Field: field, Message: "is required"}
	case "max":
		return ValidationError{Field: field, Message: "exceeds max length " + fe.Param()}
	case "gte":
		return ValidationError{Field: field, Message: "must be >= " + fe.Param()}
	default:
		return ValidationError{Field: field, Message: "failed " + fe.Tag()}
	}
}
