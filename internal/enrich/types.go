package enrich

import (
	"fmt"
	"strings"

	"github.com/shpitdev/reviewer-profile-enricher/pkg/pipeline/core"
)

// Dataset columns.
const (
	ColumnName    = "Reviewer Name"
	ColumnCompany = "Reviewer Company"
	ColumnProfile = "LinkedIn Profile"
)

// RequiredColumns must be present in every input dataset.
var RequiredColumns = []string{ColumnName, ColumnCompany}

// Serialized column values for outcomes without a URL.
const (
	ValueNotFound  = "Not Found"
	ValueAnonymous = "Anonymous"
	ValueError     = "Error"
)

// Record is one reviewer row to resolve.
type Record struct {
	// Row is the zero-based position of the record in its source dataset.
	Row     int
	Name    string
	Company string
}

// Kind classifies a resolution outcome.
//
// The zero value is KindError so an unset Outcome never reads as a success.
type Kind int

const (
	KindError Kind = iota
	KindFound
	KindNotFound
	KindAnonymous
)

func (k Kind) String() string {
	switch k {
	case KindFound:
		return "found"
	case KindNotFound:
		return "not_found"
	case KindAnonymous:
		return "anonymous"
	default:
		return "error"
	}
}

// Outcome is the classified result for a single record.
type Outcome struct {
	Kind Kind
	// URL is set only when Kind is KindFound.
	URL string
}

func Found(url string) Outcome { return Outcome{Kind: KindFound, URL: strings.TrimSpace(url)} }
func NotFound() Outcome        { return Outcome{Kind: KindNotFound} }
func Anonymous() Outcome       { return Outcome{Kind: KindAnonymous} }
func Failed() Outcome          { return Outcome{Kind: KindError} }

// String returns the dataset column value for the outcome.
func (o Outcome) String() string {
	switch o.Kind {
	case KindFound:
		if o.URL == "" {
			return ValueError
		}
		return o.URL
	case KindNotFound:
		return ValueNotFound
	case KindAnonymous:
		return ValueAnonymous
	default:
		return ValueError
	}
}

// ValidationError reports an input file missing required columns.
type ValidationError struct {
	File    string
	Missing []string
}

func (e *ValidationError) Error() string {
	if e == nil {
		return "validation error"
	}
	return fmt.Sprintf("file %q missing required columns: %s", e.File, strings.Join(e.Missing, ", "))
}

// SessionError reports a browser session that could not be created or kept alive
// for a batch.
type SessionError struct {
	BatchID int
	Err     error
}

func (e *SessionError) Error() string {
	if e == nil || e.Err == nil {
		return "session error"
	}
	return fmt.Sprintf("batch %d session: %s", e.BatchID, e.Err.Error())
}

func (e *SessionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// ResolutionError reports a per-record failure at a given resolver stage.
type ResolutionError struct {
	Stage string
	Err   error
}

func (e *ResolutionError) Error() string {
	if e == nil || e.Err == nil {
		return "resolution error"
	}
	return e.Stage + ": " + e.Err.Error()
}

func (e *ResolutionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransientError marks an error as retryable by the batch worker pool.
//
// Session launch failures are wrapped in it so a batch is retried with backoff
// before it is given up on.
type TransientError = core.TransientError
