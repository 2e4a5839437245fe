package loader

import (
	"time"

	"github.com/fest-vibes/etl/internal/domain/events"
)

// Summary reports one load run. Counts include only batches that committed.
type Summary struct {
	RunID            string        `json:"run_id"`
	ArtistsCreated   int           `json:"artists_created"`
	VenuesCreated    int           `json:"venues_created"`
	GenresCreated    int           `json:"genres_created"`
	EventsCreated    int           `json:"events_created"`
	RelationsAdded   int           `json:"relations_added"`
	RecordsProcessed int           `json:"records_processed"`
	RecordsRejected  int           `json:"records_rejected"`
	BatchesTotal     int           `json:"batches_total"`
	BatchesFailed    int           `json:"batches_failed"`
	BatchesSkipped   int           `json:"batches_skipped"`
	FailedBatches    []FailedBatch `json:"failed_batches,omitempty"`
	DurationSeconds  float64       `json:"duration_seconds"`
}

// FailedBatch identifies a batch that was rolled back and skipped.
type FailedBatch struct {
	Index    int      `json:"index"`
	Records  []string `json:"records"`
	Attempts int      `json:"attempts"`
	Class    string   `json:"class"`
	Error    string   `json:"error"`
}

func (s *Summary) addOutcome(out events.Outcome, records int) {
	s.ArtistsCreated += out.ArtistsCreated
	s.VenuesCreated += out.VenuesCreated
	s.GenresCreated += out.GenresCreated
	s.EventsCreated += out.EventsCreated
	s.RelationsAdded += out.RelationsAdded
	s.RecordsProcessed += records
}

// Partial reports whether some batches were lost.
func (s Summary) Partial() bool {
	return s.BatchesFailed > 0 || s.BatchesSkipped > 0
}

func (s *Summary) finish(start time.Time) {
	s.DurationSeconds = time.Since(start).Seconds()
}
