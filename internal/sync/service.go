// Package sync orchestrates the per-book reconciliation pipeline between
// the source library and the remote book service.
package sync

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rohit-purandare/shelfbridge/internal/api/audiobookshelf"
	"github.com/rohit-purandare/shelfbridge/internal/api/hardcover"
	"github.com/rohit-purandare/shelfbridge/internal/cache"
	"github.com/rohit-purandare/shelfbridge/internal/config"
	apperrors "github.com/rohit-purandare/shelfbridge/internal/errors"
	"github.com/rohit-purandare/shelfbridge/internal/identifier"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/matcher"
	"github.com/rohit-purandare/shelfbridge/internal/models"
	"github.com/rohit-purandare/shelfbridge/internal/progress"
	"github.com/rohit-purandare/shelfbridge/internal/session"
	"github.com/rohit-purandare/shelfbridge/internal/util"
)

// earlySkipReason is the reason attached to outcomes short-circuited by the
// cache check before any remote work.
const earlySkipReason = "Progress unchanged (optimized early check)"

// Service is the reconciler: it runs the per-book pipeline across the
// user's library with bounded concurrency.
type Service struct {
	source    audiobookshelf.ClientInterface
	remote    hardcover.ClientInterface
	store     *cache.Store
	books     *matcher.BookMatcher
	engine    *progress.Engine
	sessions  *session.Manager
	retry     *util.RetryManager
	srcLimit  *util.RateLimiter
	hcLimit   *util.RateLimiter
	cfg       *config.Config
	log       *logger.Logger
}

// NewService wires the reconciler from its collaborators.
func NewService(source audiobookshelf.ClientInterface, remote hardcover.ClientInterface, store *cache.Store, cfg *config.Config) (*Service, error) {
	log := logger.Get().WithComponent("sync")
	engine := progress.NewEngine(log)

	sessions, err := session.NewManager(session.Config{
		Enabled:             cfg.Sessions.Enabled,
		SessionTimeout:      cfg.Sessions.SessionTimeout.Std(),
		MaxDelay:            cfg.Sessions.MaxDelay.Std(),
		ImmediateCompletion: cfg.Sessions.ImmediateCompletion,
	}, store, engine, log)
	if err != nil {
		return nil, apperrors.NewWithCause(apperrors.ConfigInvalid, err, "invalid session configuration")
	}

	return &Service{
		source:   source,
		remote:   remote,
		store:    store,
		books:    matcher.NewBookMatcher(remote, store, log),
		engine:   engine,
		sessions: sessions,
		retry:    util.NewRetryManager(cfg.RateLimit.MaxRetries, log),
		srcLimit: util.NewRateLimiter("audiobookshelf", cfg.RateLimit.SourcePoints, log),
		hcLimit:  util.NewRateLimiter("hardcover", cfg.RateLimit.HardcoverPoints, log),
		cfg:      cfg,
		log:      log,
	}, nil
}

// Sync runs one full reconciliation pass and returns the run summary.
// Per-book failures are recorded as outcomes and never abort the run.
func (s *Service) Sync(ctx context.Context) (*Summary, error) {
	userID := s.cfg.Sync.UserID
	collector := NewResultCollector(userID)

	s.log.Info().
		Str("run_id", collector.RunID).
		Str("user_id", userID).
		Bool("dry_run", s.cfg.Sync.DryRun).
		Int("workers", s.cfg.Sync.WorkerCount).
		Msg("Starting sync run")

	var books []models.SourceBook
	err := s.retry.Execute(ctx, "fetch_library", func(ctx context.Context) error {
		if err := s.srcLimit.WaitIfNeeded(ctx, userID); err != nil {
			return err
		}
		var fetchErr error
		books, fetchErr = s.source.GetUserLibraryBooks(ctx, userID)
		return fetchErr
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch source library: %w", err)
	}

	books = s.applyTestFilters(books)
	s.log.Info().Int("books", len(books)).Msg("Processing source library")

	queue := util.NewTaskQueue(s.cfg.Sync.WorkerCount, nil, s.log)
	for i := range books {
		book := &books[i]
		queue.Enqueue(ctx, func(ctx context.Context) error {
			outcome := s.processBook(ctx, userID, book)
			collector.Record(outcome)
			return nil
		})
	}
	queue.OnIdle()

	if flushed, err := s.processExpiredSessions(ctx, userID); err != nil {
		collector.AddError("expired session flush: " + err.Error())
	} else if flushed > 0 {
		s.log.Info().Int("flushed", flushed).Msg("Expired sessions flushed")
	}

	if s.cfg.Sync.DumpFailedSyncs && !s.cfg.Sync.DryRun {
		if _, err := WriteFailedSyncDump(s.cfg.Sync.DumpDir, collector, s.log); err != nil {
			s.log.Warn().Err(err).Msg("Failed to write failed-sync report")
		}
	}

	summary := collector.Summary()
	s.log.Info().
		Int("processed", summary.BooksProcessed).
		Int("synced", summary.BooksSynced).
		Int("completed", summary.BooksCompleted).
		Int("auto_added", summary.BooksAutoAdded).
		Int("skipped", summary.BooksSkipped).
		Int("errors", summary.BooksWithError).
		Dur("duration", summary.Duration).
		Msg("Sync run finished")
	return &summary, nil
}

func (s *Service) applyTestFilters(books []models.SourceBook) []models.SourceBook {
	filtered := books
	if f := s.cfg.Sync.TestBookFilter; f != "" {
		filtered = nil
		needle := strings.ToLower(f)
		for i := range books {
			title := strings.ToLower(identifier.ExtractTitle(&books[i]))
			author := strings.ToLower(identifier.ExtractAuthor(&books[i]))
			if strings.Contains(title, needle) || strings.Contains(author, needle) {
				filtered = append(filtered, books[i])
			}
		}
	}
	if limit := s.cfg.Sync.TestBookLimit; limit > 0 && len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered
}

// processBook runs the full pipeline for one source book and returns its
// outcome. Every error is converted to an outcome here; nothing escapes.
func (s *Service) processBook(ctx context.Context, userID string, book *models.SourceBook) BookOutcome {
	start := time.Now()
	meta := matcher.Extract(book)

	outcome := BookOutcome{
		BookRef:     book.ID,
		Title:       firstNonEmpty(meta.Title, "Unknown"),
		Identifiers: meta.Identifiers,
	}
	finish := func(o BookOutcome) BookOutcome {
		o.TimingMS = time.Since(start).Milliseconds()
		return o
	}

	if ctx.Err() != nil {
		outcome.Status = StatusError
		outcome.Reason = "cancelled"
		outcome.Errors = append(outcome.Errors, "cancelled")
		return finish(outcome)
	}

	// resolve the target progress once; everything downstream keys off it
	isFinished := book.IsFinished
	bookData := &progress.BookData{
		CurrentTimeSeconds: book.CurrentTimeSeconds,
		DurationSeconds:    meta.DurationSeconds,
		TotalPages:         meta.Pages,
	}
	targetPct, ok := s.engine.Validate(book.ProgressPercentage, progress.ValidateOptions{
		IsFinished: &isFinished,
		Format:     meta.Format,
		BookData:   bookData,
	})
	if !ok {
		outcome.Status = StatusSkipped
		outcome.Reason = "no usable progress value"
		return finish(outcome)
	}
	outcome.Progress = ProgressDelta{After: targetPct}

	// 1. early skip: any cached identifier with unchanged progress means
	// no remote work at all
	for _, id := range meta.Identifiers {
		row, err := s.store.Get(userID, id, meta.Title)
		if err != nil || row == nil {
			continue
		}
		outcome.Progress.Before = row.LastProgressPercent
		changed, err := s.store.HasProgressChanged(userID, id, meta.Title, targetPct, progress.SignificantChangeThreshold)
		if err == nil && !changed && row.SessionPendingProgress == nil {
			outcome.Status = StatusSkipped
			outcome.Reason = earlySkipReason
			s.log.Debug().Str("title", outcome.Title).Msg("Early skip, progress unchanged")
			return finish(outcome)
		}
		break
	}

	// 2. match against the remote catalog
	result, err := s.books.FindMatch(ctx, userID, book)
	if err != nil {
		return finish(s.errorOutcome(outcome, err))
	}
	if result.Match == nil {
		outcome.Status = StatusSkipped
		switch {
		case len(meta.Identifiers) == 0:
			outcome.Reason = "no identifier and no match"
		case result.RejectedScore > 0:
			outcome.Reason = fmt.Sprintf("low confidence, score=%.0f", result.RejectedScore)
		default:
			outcome.Reason = "no confident match in remote catalog"
		}
		return finish(outcome)
	}
	match := result.Match

	// 3. identifier for the cache write: best available, falling back to
	// the title/author composite; never empty once a mapping is written
	cacheID := bestIdentifier(meta)

	// 4. resolve the book ID for catalog-only identifier matches
	if match.NeedsBookIDLookup && match.Edition.BookID != "" {
		match.BookID = match.Edition.BookID
	}
	if match.UserBook == nil && match.BookID != "" {
		ub, err := s.remoteUserBook(ctx, match.BookID)
		if err == nil && ub != nil {
			match.UserBook = ub
		}
	}

	// 5. completion semantics with the edition's format
	format := match.Edition.Format
	if format == models.FormatUnknown {
		format = meta.Format
	}
	if match.Edition.AudioSeconds > 0 {
		bookData.DurationSeconds = match.Edition.AudioSeconds
	}
	if match.Edition.Pages > 0 {
		bookData.TotalPages = match.Edition.Pages
		bookData.CurrentPage = int(progress.CurrentPosition(targetPct, float64(match.Edition.Pages), progress.PositionPages))
	}
	isComplete := s.engine.IsComplete(targetPct, progress.CompleteOptions{
		IsFinished: finishedFlag(book),
		Threshold:  s.cfg.Sync.CompletionThreshold,
		Format:     format,
		BookData:   bookData,
	})

	// 6. regression gate
	var cachedRow *cache.CachedMapping
	if row, err := s.store.Get(userID, cacheID, meta.Title); err == nil {
		cachedRow = row
	}
	var oldPct *float64
	if cachedRow != nil {
		v := cachedRow.LastProgressPercent
		oldPct = &v
		outcome.Progress.Before = v
	}
	regression := s.engine.AnalyzeRegression(oldPct, targetPct, progress.RegressionOptions{})
	if regression.ShouldBlock {
		outcome.Status = StatusError
		outcome.Reason = fmt.Sprintf("regression blocked: Major regression detected, %.1f%% drop", regression.Drop)
		outcome.Errors = append(outcome.Errors, outcome.Reason)
		s.log.Warn().
			Str("title", outcome.Title).
			Float64("old", outcome.Progress.Before).
			Float64("new", targetPct).
			Msg("Blocking progress regression")
		return finish(outcome)
	}
	if regression.ShouldWarn {
		s.log.Warn().
			Str("title", outcome.Title).
			Float64("drop", regression.Drop).
			Msg("Progress regression tolerated")
	}

	// 7. session gate
	decision, err := s.sessions.ShouldDelay(userID, cacheID, meta.Title, targetPct, isComplete)
	if err != nil {
		return finish(s.errorOutcome(outcome, err))
	}
	if decision.Action == session.ActionDelay {
		outcome.Status = StatusSkipped
		outcome.Reason = decision.Reason
		return finish(outcome)
	}

	// 8. remote mutation with LIFO rollback
	status, apiResp, err := s.mutate(ctx, userID, book, &meta, match, cacheID, targetPct, isComplete, regression.IsPotentialReread)
	if err != nil {
		return finish(s.errorOutcome(outcome, err))
	}

	outcome.Status = status
	outcome.APIResponse = apiResp
	outcome.Progress.Changed = outcome.Progress.Before != targetPct
	outcome.Hardcover = &HardcoverInfo{
		EditionID:       match.Edition.ID,
		BookID:          match.BookID,
		Format:          format,
		Pages:           match.Edition.Pages,
		DurationSeconds: match.Edition.AudioSeconds,
	}
	outcome.ActionText = actionText(status, targetPct)
	outcome.Timestamps = timestampsFor(book, isComplete)
	return finish(outcome)
}

// mutate performs the remote write sequence (auto-add if needed, then
// progress update or completion), records the cache row, and rolls back on
// partial failure.
func (s *Service) mutate(ctx context.Context, userID string, book *models.SourceBook, meta *matcher.ExtractedMetadata, match *models.Match, cacheID models.Identifier, targetPct float64, isComplete, isReread bool) (BookStatus, *APIResponse, error) {
	if s.cfg.Sync.DryRun {
		s.log.Info().
			Str("title", match.DisplayTitle()).
			Float64("progress", targetPct).
			Bool("complete", isComplete).
			Msg("[DRY-RUN] Would sync book")
		if isComplete {
			return StatusCompleted, nil, nil
		}
		return StatusSynced, nil, nil
	}

	tx := NewTransaction()
	autoAdded := false

	// auto-add when the book is not on the user's shelf
	if match.UserBook == nil {
		if !s.cfg.Sync.AutoAddBooks {
			return "", nil, apperrors.New(apperrors.NotFound,
				"book not in user library and auto-add disabled")
		}
		var addResp *models.MutationResponse
		err := s.remoteCall(ctx, "add_book", func(ctx context.Context) error {
			var callErr error
			addResp, callErr = s.remote.AddBookToLibrary(ctx, match.BookID, match.Edition.ID, targetPct)
			return callErr
		})
		if err != nil {
			s.rollback(ctx, tx)
			return "", nil, apperrors.NewWithCause(apperrors.RemoteMutationFailed, err, "auto-add failed")
		}
		match.UserBook = &models.UserBook{ID: addResp.UserBookID, BookID: match.BookID, EditionID: match.Edition.ID}
		autoAdded = true
		userBookID := addResp.UserBookID
		editionID := match.Edition.ID
		_ = tx.Add(func(ctx context.Context) error {
			// no delete operation exists; park the shelf entry at zero
			// progress so a retry starts from a clean slate
			_, err := s.remote.UpdateProgress(ctx, userBookID, editionID, 0, nil, nil)
			return err
		})
	}

	position := positionFor(match, targetPct)
	timestamps := remoteTimestamps(book)

	var resp *models.MutationResponse
	if isComplete {
		completedAt := completedAtFor(book)
		err := s.remoteCall(ctx, "mark_complete", func(ctx context.Context) error {
			var callErr error
			resp, callErr = s.remote.MarkComplete(ctx, match.UserBookID(), match.Edition.ID, completedAt)
			return callErr
		})
		if err != nil {
			s.rollback(ctx, tx)
			return "", nil, apperrors.NewWithCause(apperrors.RemoteMutationFailed, err, "mark complete failed")
		}
	} else {
		err := s.remoteCall(ctx, "update_progress", func(ctx context.Context) error {
			var callErr error
			resp, callErr = s.remote.UpdateProgress(ctx, match.UserBookID(), match.Edition.ID, targetPct, position, timestamps)
			return callErr
		})
		if err != nil {
			s.rollback(ctx, tx)
			return "", nil, apperrors.NewWithCause(apperrors.RemoteMutationFailed, err, "progress update failed")
		}
	}

	// the remote is source of truth once the mutation succeeded; a cache
	// write failure is surfaced but does not roll back (next run re-syncs
	// idempotently)
	if err := s.store.StoreMapping(userID, cacheID, meta.Title, meta.Author, match.Edition.ID, match.BookID); err != nil {
		s.log.Error().Err(err).Str("title", match.DisplayTitle()).Msg("Cache mapping write failed after successful mutation")
	} else if err := s.store.RecordSync(userID, cacheID, meta.Title, targetPct, time.Now()); err != nil {
		s.log.Error().Err(err).Str("title", match.DisplayTitle()).Msg("Cache sync record failed after successful mutation")
	}
	if isReread {
		s.log.Info().Str("title", match.DisplayTitle()).Msg("Re-read detected, progress baseline reset")
	}

	tx.Commit()

	var apiResp *APIResponse
	if resp != nil {
		apiResp = &APIResponse{Success: resp.Success, Status: resp.Status, DurationS: resp.DurationS}
	}
	switch {
	case autoAdded:
		return StatusAutoAdded, apiResp, nil
	case isComplete:
		return StatusCompleted, apiResp, nil
	default:
		return StatusSynced, apiResp, nil
	}
}

// remoteCall routes a remote operation through the rate limiter and retry
// manager.
func (s *Service) remoteCall(ctx context.Context, name string, op func(ctx context.Context) error) error {
	return s.retry.Execute(ctx, name, func(ctx context.Context) error {
		if err := s.hcLimit.WaitIfNeeded(ctx, name); err != nil {
			return err
		}
		return op(ctx)
	}, nil)
}

// remoteUserBook fetches the user's shelf record through the limiter.
func (s *Service) remoteUserBook(ctx context.Context, bookID string) (*models.UserBook, error) {
	var ub *models.UserBook
	err := s.remoteCall(ctx, "get_user_book", func(ctx context.Context) error {
		var callErr error
		ub, callErr = s.remote.GetUserBook(ctx, bookID)
		return callErr
	})
	return ub, err
}

func (s *Service) rollback(ctx context.Context, tx *Transaction) {
	if err := tx.Rollback(ctx, s.log); err != nil {
		s.log.Error().Err(err).Msg("Transaction rollback reported errors")
	}
}

// processExpiredSessions flushes pending delayed updates whose session has
// timed out.
func (s *Service) processExpiredSessions(ctx context.Context, userID string) (int, error) {
	return s.sessions.ProcessExpired(userID, func(row cache.CachedMapping, pendingPct float64) error {
		if s.cfg.Sync.DryRun {
			s.log.Info().
				Str("title", row.TitleNorm).
				Float64("pending", pendingPct).
				Msg("[DRY-RUN] Would flush expired session")
			// an error keeps the session pending instead of recording a
			// sync that never reached the remote
			return fmt.Errorf("dry run: expired session left pending")
		}
		if row.EditionID == "" {
			return apperrors.New(apperrors.NotFound, "session row has no edition mapping")
		}
		return s.remoteCall(ctx, "flush_session", func(ctx context.Context) error {
			var ub *models.UserBook
			if row.BookID != "" {
				ub, _ = s.remote.GetUserBook(ctx, row.BookID)
			}
			userBookID := ""
			if ub != nil {
				userBookID = ub.ID
			}
			_, err := s.remote.UpdateProgress(ctx, userBookID, row.EditionID, pendingPct, nil, nil)
			return err
		})
	})
}

// errorOutcome converts an error into a terminal outcome with the taxonomy
// reason attached.
func (s *Service) errorOutcome(outcome BookOutcome, err error) BookOutcome {
	if apperrors.IsCancelled(err) || err == util.ErrAborted {
		outcome.Status = StatusError
		outcome.Reason = "cancelled"
		outcome.Errors = append(outcome.Errors, "cancelled")
		return outcome
	}
	if apperrors.IsNotFound(err) {
		outcome.Status = StatusSkipped
		outcome.Reason = err.Error()
		return outcome
	}
	outcome.Status = StatusError
	outcome.Reason = apperrors.TypeOf(err).String()
	outcome.Errors = append(outcome.Errors, err.Error())
	s.log.Error().Err(err).Str("title", outcome.Title).Msg("Book sync failed")
	return outcome
}

// bestIdentifier picks the cache key for a mapping write: ASIN over ISBN
// over the title/author composite. The composite fallback guarantees the
// key is never empty once a match exists.
func bestIdentifier(meta matcher.ExtractedMetadata) models.Identifier {
	if meta.ASIN != "" {
		return models.Identifier{Kind: models.IdentifierASIN, Value: meta.ASIN}
	}
	if meta.ISBN != "" {
		return models.Identifier{Kind: models.IdentifierISBN, Value: meta.ISBN}
	}
	return models.Identifier{Kind: models.IdentifierTitleAuthor, Value: meta.TitleAuthorKey()}
}

// positionFor derives the explicit position for a progress update from the
// edition format.
func positionFor(match *models.Match, pct float64) *hardcover.Position {
	switch {
	case match.Edition.AudioSeconds > 0:
		seconds := progress.CurrentPosition(pct, match.Edition.AudioSeconds, progress.PositionSeconds)
		return &hardcover.Position{Seconds: &seconds}
	case match.Edition.Pages > 0:
		pages := int(progress.CurrentPosition(pct, float64(match.Edition.Pages), progress.PositionPages))
		return &hardcover.Position{Pages: &pages}
	default:
		return nil
	}
}

func finishedFlag(book *models.SourceBook) *bool {
	v := book.IsFinished
	if !v {
		// an absent flag means "decide from position", not "not finished";
		// the source reports false for both
		return nil
	}
	return &v
}

func remoteTimestamps(book *models.SourceBook) *hardcover.Timestamps {
	if book.StartedAt <= 0 {
		return nil
	}
	started := unixToTime(book.StartedAt)
	return &hardcover.Timestamps{StartedAt: &started}
}

func completedAtFor(book *models.SourceBook) time.Time {
	if book.LastListenedAt > 0 {
		return unixToTime(book.LastListenedAt)
	}
	return time.Now()
}

func timestampsFor(book *models.SourceBook, isComplete bool) *OutcomeTimestamps {
	if book.LastListenedAt <= 0 {
		return nil
	}
	listened := unixToTime(book.LastListenedAt)
	ts := &OutcomeTimestamps{LastListenedAt: &listened}
	if isComplete {
		ts.CompletedAt = &listened
	}
	return ts
}

// unixToTime accepts either seconds or milliseconds since epoch.
func unixToTime(v int64) time.Time {
	if v > 1e12 {
		return time.UnixMilli(v)
	}
	return time.Unix(v, 0)
}

func actionText(status BookStatus, pct float64) string {
	switch status {
	case StatusCompleted:
		return "Marked complete"
	case StatusAutoAdded:
		return fmt.Sprintf("Added to library at %.1f%%", pct)
	default:
		return fmt.Sprintf("Progress updated to %.1f%%", pct)
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
