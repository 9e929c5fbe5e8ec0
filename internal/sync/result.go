package sync

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/rohit-purandare/shelfbridge/internal/models"
)

// BookStatus is the terminal state of one book in a run.
type BookStatus string

const (
	StatusSynced    BookStatus = "synced"
	StatusCompleted BookStatus = "completed"
	StatusAutoAdded BookStatus = "auto_added"
	StatusSkipped   BookStatus = "skipped"
	StatusError     BookStatus = "error"
)

// ProgressDelta records before/after progress for an outcome.
type ProgressDelta struct {
	Before  float64 `json:"before"`
	After   float64 `json:"after"`
	Changed bool    `json:"changed"`
}

// HardcoverInfo carries the matched edition details for display.
type HardcoverInfo struct {
	EditionID       string            `json:"edition_id,omitempty"`
	BookID          string            `json:"book_id,omitempty"`
	Format          models.BookFormat `json:"format,omitempty"`
	Pages           int               `json:"pages,omitempty"`
	DurationSeconds float64           `json:"duration_seconds,omitempty"`
}

// APIResponse summarizes the remote mutation for an outcome.
type APIResponse struct {
	Success   bool    `json:"success"`
	Status    int     `json:"status"`
	DurationS float64 `json:"duration_s"`
}

// OutcomeTimestamps carries the read dates attached to an outcome.
type OutcomeTimestamps struct {
	LastListenedAt *time.Time `json:"last_listened_at,omitempty"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// BookOutcome is the per-book result emitted to the collector.
type BookOutcome struct {
	BookRef     string              `json:"book_ref"`
	Title       string              `json:"title"`
	Status      BookStatus          `json:"status"`
	Progress    ProgressDelta       `json:"progress"`
	Identifiers []models.Identifier `json:"identifiers,omitempty"`
	Hardcover   *HardcoverInfo      `json:"hardcover,omitempty"`
	ActionText  string              `json:"action_text,omitempty"`
	APIResponse *APIResponse        `json:"api_response,omitempty"`
	Reason      string              `json:"reason,omitempty"`
	Errors      []string            `json:"errors,omitempty"`
	TimingMS    int64               `json:"timing_ms"`
	Timestamps  *OutcomeTimestamps  `json:"timestamps,omitempty"`
}

// ResultCollector accumulates outcomes, counters, and errors for one sync
// run. Appends are safe from concurrent worker tasks.
type ResultCollector struct {
	mu sync.Mutex

	RunID     string
	UserID    string
	StartedAt time.Time

	booksProcessed int
	booksSynced    int
	booksCompleted int
	booksAutoAdded int
	booksSkipped   int
	booksWithError int
	errors         []string
	details        []BookOutcome
}

// NewResultCollector creates a collector for one run.
func NewResultCollector(userID string) *ResultCollector {
	return &ResultCollector{
		RunID:     uuid.NewString(),
		UserID:    userID,
		StartedAt: time.Now(),
	}
}

// Record appends an outcome and bumps the matching counters.
func (rc *ResultCollector) Record(outcome BookOutcome) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	rc.booksProcessed++
	switch outcome.Status {
	case StatusSynced:
		rc.booksSynced++
	case StatusCompleted:
		rc.booksCompleted++
	case StatusAutoAdded:
		rc.booksAutoAdded++
	case StatusSkipped:
		rc.booksSkipped++
	case StatusError:
		rc.booksWithError++
		for _, e := range outcome.Errors {
			rc.errors = append(rc.errors, outcome.Title+": "+e)
		}
	}
	rc.details = append(rc.details, outcome)
}

// AddError records a run-level error not tied to a single outcome.
func (rc *ResultCollector) AddError(msg string) {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.errors = append(rc.errors, msg)
}

// Summary is the counter snapshot consumed by the display formatter.
type Summary struct {
	RunID          string        `json:"run_id"`
	UserID         string        `json:"user_id"`
	BooksProcessed int           `json:"books_processed"`
	BooksSynced    int           `json:"books_synced"`
	BooksCompleted int           `json:"books_completed"`
	BooksAutoAdded int           `json:"books_auto_added"`
	BooksSkipped   int           `json:"books_skipped"`
	BooksWithError int           `json:"books_with_errors"`
	Errors         []string      `json:"errors,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Summary returns a snapshot of the run counters.
func (rc *ResultCollector) Summary() Summary {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return Summary{
		RunID:          rc.RunID,
		UserID:         rc.UserID,
		BooksProcessed: rc.booksProcessed,
		BooksSynced:    rc.booksSynced,
		BooksCompleted: rc.booksCompleted,
		BooksAutoAdded: rc.booksAutoAdded,
		BooksSkipped:   rc.booksSkipped,
		BooksWithError: rc.booksWithError,
		Errors:         append([]string(nil), rc.errors...),
		Duration:       time.Since(rc.StartedAt),
	}
}

// Details returns a copy of all recorded outcomes.
func (rc *ResultCollector) Details() []BookOutcome {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return append([]BookOutcome(nil), rc.details...)
}

// FailedDetails returns only the outcomes that ended in error.
func (rc *ResultCollector) FailedDetails() []BookOutcome {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	var failed []BookOutcome
	for _, d := range rc.details {
		if d.Status == StatusError {
			failed = append(failed, d)
		}
	}
	return failed
}

// HasErrors reports whether the run produced any error outcomes.
func (rc *ResultCollector) HasErrors() bool {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	return rc.booksWithError > 0 || len(rc.errors) > 0
}
