// Package blob reads scrape-run documents from the local filesystem or from
// S3-compatible object storage.
package blob

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
	"time"
)

// ErrNotFound is returned when the document does not exist.
var ErrNotFound = errors.New("document not found")

// Reader fetches a whole document.
type Reader interface {
	Read(ctx context.Context, location Location) ([]byte, error)
}

// Location identifies a document: a local path, or a bucket and key.
type Location struct {
	Bucket string
	Key    string
}

func (l Location) IsS3() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	if l.IsS3() {
		return "s3://" + l.Bucket + "/" + l.Key
	}
	return l.Key
}

// ParseLocation accepts "s3://bucket/key" or a filesystem path.
func ParseLocation(uri string) (Location, error) {
	uri = strings.TrimSpace(uri)
	if uri == "" {
		return Location{}, errors.New("empty document location")
	}
	rest, ok := strings.CutPrefix(uri, "s3://")
	if !ok {
		return Location{Key: uri}, nil
	}
	bucket, key, _ := strings.Cut(rest, "/")
	if bucket == "" || key == "" {
		return Location{}, fmt.Errorf("invalid s3 location %q: want s3://bucket/key", uri)
	}
	return Location{Bucket: bucket, Key: key}, nil
}

// Router sends each location to the file or S3 reader. S3 may be nil when
// object storage is not configured.
type Router struct {
	Files Reader
	S3    Reader
}

func (r Router) Read(ctx context.Context, location Location) ([]byte, error) {
	if location.IsS3() {
		if r.S3 == nil {
			return nil, fmt.Errorf("read %s: object storage is not configured", location)
		}
		return r.S3.Read(ctx, location)
	}
	files := r.Files
	if files == nil {
		files = FileReader{}
	}
	return files.Read(ctx, location)
}

// FileReader reads local files.
type FileReader struct{}

func (FileReader) Read(ctx context.Context, location Location) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(location.Key)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, location.Key)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", location.Key, err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", location.Key, err)
	}
	return data, nil
}

var (
	pathDate    = regexp.MustCompile(`raw_events/(\d{4})/(\d{2})/(\d{2})/`)
	fileDate    = regexp.MustCompile(`event_data_(\d{4}-\d{2}-\d{2})_`)
	compactDate = regexp.MustCompile(`_(\d{8})_`)
)

// RunDate extracts the scrape date from a document key such as
// raw_events/2025/07/30/event_data_2025-07-29_20250730_002901.json. The
// directory date wins over the file name.
func RunDate(key string) (time.Time, bool) {
	if m := pathDate.FindStringSubmatch(key); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]+"-"+m[2]+"-"+m[3]); err == nil {
			return t, true
		}
	}
	if m := fileDate.FindStringSubmatch(key); m != nil {
		if t, err := time.Parse("2006-01-02", m[1]); err == nil {
			return t, true
		}
	}
	if m := compactDate.FindStringSubmatch(key); m != nil {
		if t, err := time.Parse("20060102", m[1]); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
