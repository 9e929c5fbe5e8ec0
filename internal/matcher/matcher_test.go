package matcher

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohit-purandare/shelfbridge/internal/cache"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
)

// fakeCatalog is a scriptable Catalog for matcher tests.
type fakeCatalog struct {
	asinResults  map[string][]models.SearchCandidate
	isbnResults  map[string][]models.SearchCandidate
	titleResults []models.SearchCandidate
	asinCalls    int
	isbnCalls    int
	titleCalls   int
}

func (f *fakeCatalog) SearchEditionsByASIN(_ context.Context, asin string) ([]models.SearchCandidate, error) {
	f.asinCalls++
	return f.asinResults[asin], nil
}

func (f *fakeCatalog) SearchEditionsByISBN(_ context.Context, isbn string) ([]models.SearchCandidate, error) {
	f.isbnCalls++
	return f.isbnResults[isbn], nil
}

func (f *fakeCatalog) SearchByTitleAuthor(_ context.Context, _, _ string, _ int) ([]models.SearchCandidate, error) {
	f.titleCalls++
	return f.titleResults, nil
}

func openTestStore(t *testing.T) *cache.Store {
	t.Helper()
	logger.Setup(logger.Config{Level: "error", Format: "json"})
	store, err := cache.Open(filepath.Join(t.TempDir(), "cache.db"), logger.Get())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func singleEdition(editionID, bookID string) []models.SearchCandidate {
	return []models.SearchCandidate{{
		Edition: models.Edition{ID: editionID, BookID: bookID, Format: models.FormatAudiobook},
		BookID:  bookID,
		Title:   "Found Book",
	}}
}

func TestFindMatchCacheTierWins(t *testing.T) {
	store := openTestStore(t)
	catalog := &fakeCatalog{}
	m := NewBookMatcher(catalog, store, logger.Get())

	id := models.Identifier{Kind: models.IdentifierASIN, Value: "B01ABCDEFG"}
	require.NoError(t, store.StoreMapping("u1", id, "Cached Title", "Author", "e42", "b42"))

	book := &models.SourceBook{ID: "1", Title: "Cached Title", Author: "Author", ASIN: "B01ABCDEFG"}
	result, err := m.FindMatch(context.Background(), "u1", book)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, models.MatchCache, result.Match.Type)
	assert.Equal(t, "e42", result.Match.Edition.ID)
	assert.Equal(t, "b42", result.Match.BookID)
	// no remote calls on a cache hit
	assert.Zero(t, catalog.asinCalls)
	assert.Zero(t, catalog.titleCalls)
}

func TestFindMatchASINTier(t *testing.T) {
	store := openTestStore(t)
	catalog := &fakeCatalog{
		asinResults: map[string][]models.SearchCandidate{
			"B01ABCDEFG": singleEdition("e99", "b42"),
		},
	}
	m := NewBookMatcher(catalog, store, logger.Get())

	book := &models.SourceBook{ID: "1", Title: "Foo", Author: "Bar", ASIN: "B01ABCDEFG"}
	result, err := m.FindMatch(context.Background(), "u1", book)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, models.MatchASIN, result.Match.Type)
	assert.Equal(t, "e99", result.Match.Edition.ID)
}

func TestFindMatchASINAmbiguousFallsThrough(t *testing.T) {
	store := openTestStore(t)
	two := append(singleEdition("e1", "b1"), singleEdition("e2", "b2")...)
	catalog := &fakeCatalog{
		asinResults: map[string][]models.SearchCandidate{"B01ABCDEFG": two},
	}
	m := NewBookMatcher(catalog, store, logger.Get())

	book := &models.SourceBook{ID: "1", ASIN: "B01ABCDEFG"}
	result, err := m.FindMatch(context.Background(), "u1", book)
	require.NoError(t, err)
	assert.Nil(t, result.Match)
}

func TestFindMatchISBNTierTriesVariants(t *testing.T) {
	store := openTestStore(t)
	catalog := &fakeCatalog{
		isbnResults: map[string][]models.SearchCandidate{
			// only the ISBN-10 variant resolves
			"0306406152": singleEdition("e7", "b7"),
		},
	}
	m := NewBookMatcher(catalog, store, logger.Get())

	book := &models.SourceBook{ID: "1", ISBN: "9780306406157"}
	result, err := m.FindMatch(context.Background(), "u1", book)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, models.MatchISBN, result.Match.Type)
	assert.Equal(t, "e7", result.Match.Edition.ID)
	assert.Equal(t, 2, catalog.isbnCalls)
}

func TestFindMatchTitleAuthorScoring(t *testing.T) {
	store := openTestStore(t)

	strong := models.SearchCandidate{
		Edition: models.Edition{
			ID:           "eA",
			BookID:       "bA",
			Format:       models.FormatAudiobook,
			AudioSeconds: 18000,
		},
		BookID:     "bA",
		Title:      "The Laws of the Skies",
		Authors:    []string{"Gregoire Courtois"},
		UsersCount: 1200,
	}
	weak := models.SearchCandidate{
		Edition: models.Edition{ID: "eB", BookID: "bB", Format: models.FormatPhysical},
		BookID:  "bB",
		Title:   "Laws of the Sky Kingdoms",
		Authors: []string{"Different Person"},
	}
	catalog := &fakeCatalog{titleResults: []models.SearchCandidate{weak, strong}}
	m := NewBookMatcher(catalog, store, logger.Get())

	book := &models.SourceBook{
		ID:              "1",
		Title:           "The Laws of the Skies",
		Author:          "Gregoire Courtois",
		Narrator:        "X",
		DurationSeconds: 18000,
		FormatHint:      "audiobook",
	}
	result, err := m.FindMatch(context.Background(), "u1", book)
	require.NoError(t, err)
	require.NotNil(t, result.Match)
	assert.Equal(t, models.MatchTitleAuthor, result.Match.Type)
	assert.Equal(t, "eA", result.Match.Edition.ID)
	assert.Equal(t, models.ConfidenceHigh, result.Match.Confidence)
	assert.GreaterOrEqual(t, result.Match.Score, 85.0)
}

func TestFindMatchLowConfidenceRejected(t *testing.T) {
	store := openTestStore(t)
	weak := models.SearchCandidate{
		Edition: models.Edition{ID: "eB", BookID: "bB"},
		BookID:  "bB",
		Title:   "Entirely Unrelated Work",
		Authors: []string{"Someone Else"},
	}
	catalog := &fakeCatalog{titleResults: []models.SearchCandidate{weak}}
	m := NewBookMatcher(catalog, store, logger.Get())

	book := &models.SourceBook{ID: "1", Title: "My Specific Book", Author: "My Author"}
	result, err := m.FindMatch(context.Background(), "u1", book)
	require.NoError(t, err)
	assert.Nil(t, result.Match)
	assert.Equal(t, "My Specific Book", result.Metadata.Title)
	// the rejected best score is reported for the skip reason
	assert.Positive(t, result.RejectedScore)
	assert.Less(t, result.RejectedScore, minAcceptScore)
}

func TestFindMatchNoIdentifiers(t *testing.T) {
	store := openTestStore(t)
	catalog := &fakeCatalog{}
	m := NewBookMatcher(catalog, store, logger.Get())

	result, err := m.FindMatch(context.Background(), "u1", &models.SourceBook{ID: "1"})
	require.NoError(t, err)
	assert.Nil(t, result.Match)
	assert.Empty(t, result.Metadata.Identifiers)
}

func TestMatchNullSafety(t *testing.T) {
	var m *models.Match
	assert.Equal(t, "", m.UserBookID())
	assert.Equal(t, "Unknown", m.DisplayTitle())

	m = &models.Match{}
	assert.Equal(t, "", m.UserBookID())
	assert.Equal(t, "Unknown", m.DisplayTitle())
}
