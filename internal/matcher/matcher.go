package matcher

import (
	"context"

	"github.com/rohit-purandare/shelfbridge/internal/cache"
	apperrors "github.com/rohit-purandare/shelfbridge/internal/errors"
	"github.com/rohit-purandare/shelfbridge/internal/identifier"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
)

// minAcceptScore is the floor on the composite score for the title/author
// tier; candidates below it are treated as ambiguous.
const minAcceptScore = 70.0

// Catalog is the slice of the remote book service the matcher needs.
type Catalog interface {
	SearchEditionsByASIN(ctx context.Context, asin string) ([]models.SearchCandidate, error)
	SearchEditionsByISBN(ctx context.Context, isbn string) ([]models.SearchCandidate, error)
	SearchByTitleAuthor(ctx context.Context, title, author string, limit int) ([]models.SearchCandidate, error)
}

// ExtractedMetadata carries everything pulled from a source book during
// matching; returned even when no match is found, for logging.
type ExtractedMetadata struct {
	Title           string
	Author          string
	Narrator        string
	SeriesName      string
	SeriesSequence  string
	Year            int
	DurationSeconds float64
	Pages           int
	Format          models.BookFormat
	ASIN            string
	ISBN            string
	Identifiers     []models.Identifier
}

// TitleAuthorKey returns the canonical composite identifier value for this
// metadata.
func (m *ExtractedMetadata) TitleAuthorKey() string {
	return identifier.TitleAuthorKey(identifier.CleanTitle(m.Title), m.Author)
}

// Result bundles a match (possibly nil) with the extracted metadata. When
// the title/author tier rejected its best candidate, RejectedScore carries
// that score for the caller's skip reason.
type Result struct {
	Match         *models.Match
	Metadata      ExtractedMetadata
	RejectedScore float64
}

// BookMatcher resolves source books to remote editions through tiered
// lookup: cache, ASIN, ISBN, then scored title/author search.
type BookMatcher struct {
	catalog     Catalog
	store       *cache.Store
	searchLimit int
	log         *logger.Logger
}

// NewBookMatcher creates a matcher over the given catalog and cache.
func NewBookMatcher(catalog Catalog, store *cache.Store, log *logger.Logger) *BookMatcher {
	if log == nil {
		log = logger.Get()
	}
	return &BookMatcher{
		catalog:     catalog,
		store:       store,
		searchLimit: 10,
		log:         log.WithComponent("book_matcher"),
	}
}

// Extract pulls the matching signals from a source book.
func Extract(book *models.SourceBook) ExtractedMetadata {
	meta := ExtractedMetadata{
		Title:           identifier.ExtractTitle(book),
		Author:          identifier.ExtractAuthor(book),
		Narrator:        identifier.ExtractNarrator(book),
		Year:            identifier.ExtractYear(book),
		DurationSeconds: identifier.ExtractDuration(book),
		Pages:           identifier.ExtractPages(book),
		Format:          models.ParseBookFormat(book.FormatHint),
		ASIN:            identifier.ExtractASIN(book),
		ISBN:            identifier.ExtractISBN(book),
		Identifiers:     identifier.Candidates(book),
	}
	if series := identifier.ExtractSeries(book); series != nil {
		meta.SeriesName = series.Name
		meta.SeriesSequence = series.Sequence
	}
	if meta.Format == models.FormatUnknown && meta.DurationSeconds > 0 {
		meta.Format = models.FormatAudiobook
	}
	return meta
}

// FindMatch runs the tier chain for one source book. A nil Match with a nil
// error means no tier produced a result.
func (m *BookMatcher) FindMatch(ctx context.Context, userID string, book *models.SourceBook) (*Result, error) {
	meta := Extract(book)
	result := &Result{Metadata: meta}

	// Tier 1: cache
	match, err := m.cacheTier(userID, &meta)
	if err != nil {
		return result, err
	}
	if match != nil {
		result.Match = match
		return result, nil
	}

	// Tier 2: ASIN direct
	if meta.ASIN != "" {
		match, err = m.directTier(ctx, models.MatchASIN, meta.ASIN)
		if err != nil {
			return result, err
		}
		if match != nil {
			result.Match = match
			return result, nil
		}
	}

	// Tier 3: ISBN direct (both length variants)
	if meta.ISBN != "" {
		for _, variant := range identifier.ISBNVariants(meta.ISBN) {
			match, err = m.directTier(ctx, models.MatchISBN, variant)
			if err != nil {
				return result, err
			}
			if match != nil {
				result.Match = match
				return result, nil
			}
		}
	}

	// Tier 4: title/author search with scoring
	if meta.Title != "" && meta.Author != "" {
		match, rejected, err := m.titleAuthorTier(ctx, &meta)
		if err != nil {
			return result, err
		}
		result.Match = match
		result.RejectedScore = rejected
	}

	if result.Match == nil {
		m.log.Debug().
			Str("title", meta.Title).
			Str("author", meta.Author).
			Msg("No matching tier produced a result")
	}
	return result, nil
}

// cacheTier checks the persistent cache for any candidate identifier.
func (m *BookMatcher) cacheTier(userID string, meta *ExtractedMetadata) (*models.Match, error) {
	if m.store == nil {
		return nil, nil
	}
	for _, id := range meta.Identifiers {
		row, err := m.store.Get(userID, id, meta.Title)
		if err != nil {
			return nil, err
		}
		if row == nil || row.EditionID == "" {
			continue
		}
		m.log.Debug().
			Str("identifier", id.String()).
			Str("edition_id", row.EditionID).
			Msg("Cache tier hit")
		return &models.Match{
			Edition: models.Edition{
				ID:     row.EditionID,
				BookID: row.BookID,
			},
			BookID:     row.BookID,
			Type:       models.MatchCache,
			Confidence: models.ConfidenceHigh,
			Score:      100,
		}, nil
	}
	return nil, nil
}

// directTier resolves a single identifier against the catalog. A result is
// accepted only when it resolves to exactly one edition.
func (m *BookMatcher) directTier(ctx context.Context, tier models.MatchType, value string) (*models.Match, error) {
	var (
		candidates []models.SearchCandidate
		err        error
	)
	switch tier {
	case models.MatchASIN:
		candidates, err = m.catalog.SearchEditionsByASIN(ctx, value)
	default:
		candidates, err = m.catalog.SearchEditionsByISBN(ctx, value)
	}
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	if len(candidates) != 1 {
		if len(candidates) > 1 {
			m.log.Debug().
				Str("tier", string(tier)).
				Str("value", value).
				Int("candidates", len(candidates)).
				Msg("Identifier resolved to multiple editions, skipping direct tier")
		}
		return nil, nil
	}

	c := candidates[0]
	return &models.Match{
		UserBook:          c.UserBook,
		Edition:           c.Edition,
		BookID:            c.BookID,
		Type:              tier,
		Confidence:        models.ConfidenceHigh,
		Score:             100,
		NeedsBookIDLookup: c.BookID == "",
	}, nil
}

// titleAuthorTier searches the catalog and scores every candidate, keeping
// the best one at or above the acceptance thresholds. The second return is
// the best rejected score when no candidate was accepted.
func (m *BookMatcher) titleAuthorTier(ctx context.Context, meta *ExtractedMetadata) (*models.Match, float64, error) {
	candidates, err := m.catalog.SearchByTitleAuthor(ctx, identifier.CleanTitle(meta.Title), meta.Author, m.searchLimit)
	if err != nil {
		if apperrors.IsNotFound(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	if len(candidates) == 0 {
		return nil, 0, nil
	}

	target := &ScoreTarget{
		Title:           identifier.CleanTitle(meta.Title),
		Author:          meta.Author,
		Narrator:        meta.Narrator,
		SeriesName:      meta.SeriesName,
		SeriesSequence:  meta.SeriesSequence,
		Year:            meta.Year,
		DurationSeconds: meta.DurationSeconds,
		Format:          meta.Format,
	}

	type scored struct {
		candidate models.SearchCandidate
		result    ScoreResult
	}
	var best *scored
	for i := range candidates {
		r := MatchScore(&candidates[i], target)
		m.log.Debug().
			Str("candidate", candidates[i].Title).
			Float64("score", r.Total).
			Str("confidence", string(r.Confidence)).
			Msg("Scored title/author candidate")
		if best == nil || better(&candidates[i], r, &best.candidate, best.result, meta.Format) {
			best = &scored{candidate: candidates[i], result: r}
		}
	}

	if best == nil || best.result.Total < minAcceptScore || best.result.Confidence == models.ConfidenceLow {
		if best == nil {
			return nil, 0, nil
		}
		m.log.Debug().
			Str("title", meta.Title).
			Float64("best_score", best.result.Total).
			Msg("Best title/author candidate below acceptance threshold")
		return nil, best.result.Total, nil
	}

	c := best.candidate
	return &models.Match{
		UserBook:          c.UserBook,
		Edition:           c.Edition,
		BookID:            c.BookID,
		Type:              models.MatchTitleAuthor,
		Confidence:        best.result.Confidence,
		Score:             best.result.Total,
		Breakdown:         best.result.Breakdown,
		NeedsBookIDLookup: c.BookID == "",
	}, 0, nil
}

// better compares a scored candidate against the current best, breaking
// score ties by activity, then year proximity, then format preference.
func better(c *models.SearchCandidate, r ScoreResult, bestC *models.SearchCandidate, bestR ScoreResult, userFormat models.BookFormat) bool {
	if r.Total != bestR.Total {
		return r.Total > bestR.Total
	}
	if a, b := activityOf(c), activityOf(bestC); a != b {
		return a > b
	}
	if r.Breakdown["year"] != bestR.Breakdown["year"] {
		return r.Breakdown["year"] > bestR.Breakdown["year"]
	}
	return c.Edition.Format == userFormat && bestC.Edition.Format != userFormat
}

func activityOf(c *models.SearchCandidate) int {
	count := c.UsersCount
	if c.RatingsCount > count {
		count = c.RatingsCount
	}
	if c.ListingsCount > count {
		count = c.ListingsCount
	}
	return count
}
