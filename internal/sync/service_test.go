package sync

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohit-purandare/shelfbridge/internal/api/hardcover"
	"github.com/rohit-purandare/shelfbridge/internal/cache"
	"github.com/rohit-purandare/shelfbridge/internal/config"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
)

// fakeSource serves a fixed library.
type fakeSource struct {
	books []models.SourceBook
}

func (f *fakeSource) GetUserLibraryBooks(context.Context, string) ([]models.SourceBook, error) {
	return append([]models.SourceBook(nil), f.books...), nil
}

func (f *fakeSource) GetLibraryStats(context.Context, string) (*models.LibraryStats, error) {
	return &models.LibraryStats{Total: len(f.books)}, nil
}

func (f *fakeSource) TestConnection(context.Context) (bool, error) { return true, nil }

// fakeRemote is a scriptable remote service recording every mutation.
type fakeRemote struct {
	mu           sync.Mutex
	asinResults  map[string][]models.SearchCandidate
	isbnResults  map[string][]models.SearchCandidate
	titleResults []models.SearchCandidate
	userBooks    map[string]*models.UserBook

	searchCalls   int
	updateCalls   int
	completeCalls int
	addCalls      int
	lastProgress  float64
	updateErr     error
}

func (f *fakeRemote) SearchEditionsByASIN(_ context.Context, asin string) ([]models.SearchCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	return f.asinResults[asin], nil
}

func (f *fakeRemote) SearchEditionsByISBN(_ context.Context, isbn string) ([]models.SearchCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	return f.isbnResults[isbn], nil
}

func (f *fakeRemote) SearchByTitleAuthor(context.Context, string, string, int) ([]models.SearchCandidate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.searchCalls++
	return f.titleResults, nil
}

func (f *fakeRemote) GetUserBook(_ context.Context, bookID string) (*models.UserBook, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.userBooks[bookID], nil
}

func (f *fakeRemote) UpdateProgress(_ context.Context, _, _ string, pct float64, _ *hardcover.Position, _ *hardcover.Timestamps) (*models.MutationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.updateErr != nil {
		return nil, f.updateErr
	}
	f.updateCalls++
	f.lastProgress = pct
	return &models.MutationResponse{Success: true, Status: 200, DurationS: 0.1}, nil
}

func (f *fakeRemote) MarkComplete(context.Context, string, string, time.Time) (*models.MutationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completeCalls++
	return &models.MutationResponse{Success: true, Status: 200, DurationS: 0.1}, nil
}

func (f *fakeRemote) AddBookToLibrary(context.Context, string, string, float64) (*models.MutationResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.addCalls++
	return &models.MutationResponse{Success: true, Status: 200, DurationS: 0.1, UserBookID: "700"}, nil
}

func (f *fakeRemote) TestConnection(context.Context) (bool, error) { return true, nil }

func (f *fakeRemote) mutationCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.updateCalls + f.completeCalls + f.addCalls
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Sync.UserID = "u1"
	cfg.Sync.WorkerCount = 1
	cfg.Sync.CachePath = filepath.Join(t.TempDir(), "cache.db")
	cfg.Sync.DumpFailedSyncs = false
	return cfg
}

func newTestService(t *testing.T, source *fakeSource, remote *fakeRemote, cfg *config.Config) (*Service, *cache.Store) {
	t.Helper()
	logger.Setup(logger.Config{Level: "error", Format: "json"})
	store, err := cache.Open(cfg.Sync.CachePath, logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	svc, err := NewService(source, remote, store, cfg)
	require.NoError(t, err)
	return svc, store
}

func asinEdition(editionID, bookID string, audioSeconds float64) []models.SearchCandidate {
	return []models.SearchCandidate{{
		Edition: models.Edition{
			ID:           editionID,
			BookID:       bookID,
			Format:       models.FormatAudiobook,
			AudioSeconds: audioSeconds,
		},
		BookID: bookID,
		Title:  "Found Book",
	}}
}

func TestSyncEarlySkipUnchangedProgress(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b1",
		Title:              "X",
		Author:             "A",
		ASIN:               "B01ABCDEFG",
		ProgressPercentage: 75,
	}}}
	remote := &fakeRemote{}
	svc, store := newTestService(t, source, remote, cfg)

	id := models.Identifier{Kind: models.IdentifierASIN, Value: "B01ABCDEFG"}
	require.NoError(t, store.StoreMapping("u1", id, "X", "A", "99", "42"))
	require.NoError(t, store.RecordSync("u1", id, "X", 75, time.Now()))

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksSkipped)
	assert.Zero(t, remote.mutationCount())
}

func TestProcessBookEarlySkipReason(t *testing.T) {
	cfg := testConfig(t)
	remote := &fakeRemote{}
	svc, store := newTestService(t, &fakeSource{}, remote, cfg)

	id := models.Identifier{Kind: models.IdentifierASIN, Value: "B01ABCDEFG"}
	require.NoError(t, store.RecordSync("u1", id, "X", 75, time.Now()))

	outcome := svc.processBook(context.Background(), "u1", &models.SourceBook{
		ID:                 "b1",
		Title:              "X",
		Author:             "A",
		ASIN:               "B01ABCDEFG",
		ProgressPercentage: 75,
	})
	assert.Equal(t, StatusSkipped, outcome.Status)
	assert.Equal(t, "Progress unchanged (optimized early check)", outcome.Reason)
	assert.Zero(t, remote.mutationCount())
}

func TestSyncNewISBNBook(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b2",
		Title:              "Foo",
		Author:             "Bar",
		ISBN:               "9781234567890",
		ProgressPercentage: 12.5,
	}}}
	remote := &fakeRemote{
		isbnResults: map[string][]models.SearchCandidate{
			"9781234567890": asinEdition("99", "42", 0),
		},
		userBooks: map[string]*models.UserBook{
			"42": {ID: "7", BookID: "42", EditionID: "99"},
		},
	}
	svc, store := newTestService(t, source, remote, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksSynced)
	assert.Equal(t, 1, remote.updateCalls)
	assert.Equal(t, 12.5, remote.lastProgress)

	// cache row created under the ISBN identifier
	row, err := store.Get("u1", models.Identifier{Kind: models.IdentifierISBN, Value: "9781234567890"}, "Foo")
	require.NoError(t, err)
	require.NotNil(t, row)
	assert.Equal(t, "99", row.EditionID)
	assert.Equal(t, "42", row.BookID)
	assert.Equal(t, 12.5, row.LastProgressPercent)
}

func TestSyncIdempotentSecondRun(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b2",
		Title:              "Foo",
		Author:             "Bar",
		ISBN:               "9781234567890",
		ProgressPercentage: 12.5,
	}}}
	remote := &fakeRemote{
		isbnResults: map[string][]models.SearchCandidate{
			"9781234567890": asinEdition("99", "42", 0),
		},
		userBooks: map[string]*models.UserBook{
			"42": {ID: "7", BookID: "42", EditionID: "99"},
		},
	}
	svc, _ := newTestService(t, source, remote, cfg)

	_, err := svc.Sync(context.Background())
	require.NoError(t, err)
	firstMutations := remote.mutationCount()
	require.Equal(t, 1, firstMutations)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksSkipped)
	// no further remote mutations on an unchanged second run
	assert.Equal(t, firstMutations, remote.mutationCount())
}

func TestSyncRegressionBlocked(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b4",
		Title:              "Regressed",
		Author:             "Author",
		ASIN:               "B04REGRESS",
		ProgressPercentage: 22,
	}}}
	remote := &fakeRemote{
		asinResults: map[string][]models.SearchCandidate{
			"B04REGRESS": asinEdition("11", "12", 0),
		},
		userBooks: map[string]*models.UserBook{
			"12": {ID: "5", BookID: "12", EditionID: "11"},
		},
	}
	svc, store := newTestService(t, source, remote, cfg)

	id := models.Identifier{Kind: models.IdentifierASIN, Value: "B04REGRESS"}
	require.NoError(t, store.StoreMapping("u1", id, "Regressed", "Author", "11", "12"))
	require.NoError(t, store.RecordSync("u1", id, "Regressed", 92, time.Now()))

	outcome := svc.processBook(context.Background(), "u1", &source.books[0])
	assert.Equal(t, StatusError, outcome.Status)
	assert.Contains(t, outcome.Reason, "regression blocked")
	assert.Contains(t, outcome.Reason, "70.0% drop")
	assert.Zero(t, remote.mutationCount())

	// cache keeps the pre-regression value
	row, err := store.Get("u1", id, "Regressed")
	require.NoError(t, err)
	assert.Equal(t, 92.0, row.LastProgressPercent)
}

func TestSyncRegressionBlockedDespiteFinishedFlag(t *testing.T) {
	cfg := testConfig(t)
	// a finished flag with a genuinely low trusted progress is the
	// conflicting-signal case; the block wins and nothing is marked complete
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b4f",
		Title:              "Conflicted",
		Author:             "Author",
		ASIN:               "B04CONFLCT",
		ProgressPercentage: 22,
		IsFinished:         true,
	}}}
	remote := &fakeRemote{
		asinResults: map[string][]models.SearchCandidate{
			"B04CONFLCT": asinEdition("13", "14", 0),
		},
		userBooks: map[string]*models.UserBook{
			"14": {ID: "6", BookID: "14", EditionID: "13"},
		},
	}
	svc, store := newTestService(t, source, remote, cfg)

	id := models.Identifier{Kind: models.IdentifierASIN, Value: "B04CONFLCT"}
	require.NoError(t, store.StoreMapping("u1", id, "Conflicted", "Author", "13", "14"))
	require.NoError(t, store.RecordSync("u1", id, "Conflicted", 92, time.Now()))

	outcome := svc.processBook(context.Background(), "u1", &source.books[0])
	assert.Equal(t, StatusError, outcome.Status)
	assert.Contains(t, outcome.Reason, "regression blocked")
	assert.Zero(t, remote.completeCalls)
	assert.Zero(t, remote.mutationCount())

	row, err := store.Get("u1", id, "Conflicted")
	require.NoError(t, err)
	assert.Equal(t, 92.0, row.LastProgressPercent)
}

func TestSyncAudiobookCompletionByTimeRemaining(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b6",
		Title:              "Almost Done",
		Author:             "Author",
		ASIN:               "B06FINISHD",
		DurationSeconds:    3600,
		CurrentTimeSeconds: 3500,
		ProgressPercentage: 97,
		FormatHint:         "audiobook",
	}}}
	remote := &fakeRemote{
		asinResults: map[string][]models.SearchCandidate{
			"B06FINISHD": asinEdition("21", "22", 3600),
		},
		userBooks: map[string]*models.UserBook{
			"22": {ID: "8", BookID: "22", EditionID: "21"},
		},
	}
	svc, _ := newTestService(t, source, remote, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksCompleted)
	assert.Equal(t, 1, remote.completeCalls)
	assert.Zero(t, remote.updateCalls)
}

func TestSyncAutoAdd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.AutoAddBooks = true
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b7",
		Title:              "New Book",
		Author:             "Author",
		ASIN:               "B07NEWBOOK",
		ProgressPercentage: 5,
	}}}
	remote := &fakeRemote{
		asinResults: map[string][]models.SearchCandidate{
			"B07NEWBOOK": asinEdition("31", "32", 0),
		},
		userBooks: map[string]*models.UserBook{},
	}
	svc, _ := newTestService(t, source, remote, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksAutoAdded)
	assert.Equal(t, 1, remote.addCalls)
	assert.Equal(t, 1, remote.updateCalls)
}

func TestSyncNoMatchAutoAddDisabledWritesNoCache(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b8",
		Title:              "Unmatched",
		Author:             "Nobody",
		ProgressPercentage: 10,
	}}}
	remote := &fakeRemote{}
	svc, store := newTestService(t, source, remote, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksSkipped)
	assert.Zero(t, remote.mutationCount())

	stats, err := store.LibraryStats("u1")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalBooks)
}

func TestSyncNotInLibraryAutoAddDisabled(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b9",
		Title:              "Shelfless",
		Author:             "Author",
		ASIN:               "B09SHELFLS",
		ProgressPercentage: 30,
	}}}
	remote := &fakeRemote{
		asinResults: map[string][]models.SearchCandidate{
			"B09SHELFLS": asinEdition("41", "42", 0),
		},
		userBooks: map[string]*models.UserBook{},
	}
	svc, _ := newTestService(t, source, remote, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	// not on shelf, auto-add off: skipped, never an error
	assert.Equal(t, 1, summary.BooksSkipped)
	assert.Zero(t, remote.mutationCount())
}

func TestSyncRemoteFailureRollsBackAndReports(t *testing.T) {
	cfg := testConfig(t)
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b10",
		Title:              "Flaky",
		Author:             "Author",
		ASIN:               "B10FLAKYBK",
		ProgressPercentage: 50,
	}}}
	remote := &fakeRemote{
		asinResults: map[string][]models.SearchCandidate{
			"B10FLAKYBK": asinEdition("51", "52", 0),
		},
		userBooks: map[string]*models.UserBook{
			"52": {ID: "9", BookID: "52", EditionID: "51"},
		},
		updateErr: assert.AnError,
	}
	svc, store := newTestService(t, source, remote, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksWithError)

	// failed mutation leaves no cache row behind
	row, err := store.Get("u1", models.Identifier{Kind: models.IdentifierASIN, Value: "B10FLAKYBK"}, "Flaky")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestSyncDryRunMakesNoMutations(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.DryRun = true
	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b11",
		Title:              "Foo",
		Author:             "Bar",
		ISBN:               "9781234567890",
		ProgressPercentage: 12.5,
	}}}
	remote := &fakeRemote{
		isbnResults: map[string][]models.SearchCandidate{
			"9781234567890": asinEdition("99", "42", 0),
		},
		userBooks: map[string]*models.UserBook{
			"42": {ID: "7", BookID: "42", EditionID: "99"},
		},
	}
	svc, store := newTestService(t, source, remote, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksSynced)
	assert.Zero(t, remote.mutationCount())

	// dry run leaves the cache untouched
	stats, err := store.LibraryStats("u1")
	require.NoError(t, err)
	assert.Zero(t, stats.TotalBooks)
}

func TestSyncTestBookLimit(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sync.TestBookLimit = 1
	source := &fakeSource{books: []models.SourceBook{
		{ID: "1", Title: "One", Author: "A", ProgressPercentage: 10},
		{ID: "2", Title: "Two", Author: "B", ProgressPercentage: 20},
	}}
	svc, _ := newTestService(t, source, &fakeRemote{}, cfg)

	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksProcessed)
}

func TestProcessExpiredSessionsFlushesPending(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.Enabled = true
	cfg.Sessions.SessionTimeout = config.Duration(15 * time.Minute)
	cfg.Sessions.MaxDelay = config.Duration(time.Hour)

	remote := &fakeRemote{
		userBooks: map[string]*models.UserBook{
			"42": {ID: "7", BookID: "42", EditionID: "99"},
		},
	}
	svc, store := newTestService(t, &fakeSource{}, remote, cfg)

	id := models.Identifier{Kind: models.IdentifierASIN, Value: "B05SESSION"}
	require.NoError(t, store.StoreMapping("u1", id, "Delayed", "Author", "99", "42"))
	require.NoError(t, store.RecordSync("u1", id, "Delayed", 40, time.Now()))
	require.NoError(t, store.UpdateSession("u1", id, "Delayed", 42))
	require.NoError(t, store.UpdateSessionTimestampForTest("B05SESSION", time.Now().Add(-16*time.Minute)))

	flushed, err := svc.processExpiredSessions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 1, remote.updateCalls)
	assert.Equal(t, 42.0, remote.lastProgress)

	row, err := store.Get("u1", id, "Delayed")
	require.NoError(t, err)
	assert.Nil(t, row.SessionPendingProgress)
	assert.Equal(t, 42.0, row.LastProgressPercent)
}

func TestSessionDelayThenExpiryEndToEnd(t *testing.T) {
	cfg := testConfig(t)
	cfg.Sessions.Enabled = true
	cfg.Sessions.SessionTimeout = config.Duration(15 * time.Minute)
	cfg.Sessions.MaxDelay = config.Duration(time.Hour)

	source := &fakeSource{books: []models.SourceBook{{
		ID:                 "b5",
		Title:              "Delayed",
		Author:             "Author",
		ASIN:               "B05SESSION",
		ProgressPercentage: 42,
	}}}
	remote := &fakeRemote{
		userBooks: map[string]*models.UserBook{
			"42": {ID: "7", BookID: "42", EditionID: "99"},
		},
	}
	svc, store := newTestService(t, source, remote, cfg)

	id := models.Identifier{Kind: models.IdentifierASIN, Value: "B05SESSION"}
	require.NoError(t, store.StoreMapping("u1", id, "Delayed", "Author", "99", "42"))
	require.NoError(t, store.RecordSync("u1", id, "Delayed", 40, time.Now()))

	// t0: 40 -> 42 is below the significant-change bar, so it delays
	summary, err := svc.Sync(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, summary.BooksSkipped)
	assert.Zero(t, remote.mutationCount())

	row, err := store.Get("u1", id, "Delayed")
	require.NoError(t, err)
	require.NotNil(t, row.SessionPendingProgress)
	assert.Equal(t, 42.0, *row.SessionPendingProgress)

	// age the session past its timeout, then flush
	require.NoError(t, store.UpdateSessionTimestampForTest("B05SESSION", time.Now().Add(-16*time.Minute)))
	flushed, err := svc.processExpiredSessions(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Equal(t, 42.0, remote.lastProgress)
}
