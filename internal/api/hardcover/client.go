// Package hardcover is the client for the remote book-tracking service,
// speaking GraphQL over HTTP.
package hardcover

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	graphql "github.com/hasura/go-graphql-client"

	"github.com/rohit-purandare/shelfbridge/internal/cache"
	apperrors "github.com/rohit-purandare/shelfbridge/internal/errors"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
	"github.com/rohit-purandare/shelfbridge/internal/util"
)

const (
	// DefaultBaseURL is the default GraphQL endpoint.
	DefaultBaseURL = "https://api.hardcover.app/v1/graphql"
	// DefaultTimeout is the per-request timeout.
	DefaultTimeout = 60 * time.Second
	// userBookCacheTTL bounds the in-run memoization of user book lookups.
	userBookCacheTTL = 24 * time.Hour

	// statusReading and statusRead are the remote user-book status IDs.
	statusReading = 2
	statusRead    = 3
)

// Timestamps carries the optional read dates attached to a progress update.
type Timestamps struct {
	StartedAt  *time.Time
	FinishedAt *time.Time
}

// Position is an explicit position (seconds or pages) for a progress update.
type Position struct {
	Seconds *float64
	Pages   *int
}

// ClientInterface is the remote service surface consumed by the engine.
type ClientInterface interface {
	SearchEditionsByASIN(ctx context.Context, asin string) ([]models.SearchCandidate, error)
	SearchEditionsByISBN(ctx context.Context, isbn string) ([]models.SearchCandidate, error)
	SearchByTitleAuthor(ctx context.Context, title, author string, limit int) ([]models.SearchCandidate, error)
	GetUserBook(ctx context.Context, bookID string) (*models.UserBook, error)
	UpdateProgress(ctx context.Context, userBookID, editionID string, progressPct float64, pos *Position, ts *Timestamps) (*models.MutationResponse, error)
	MarkComplete(ctx context.Context, userBookID, editionID string, completedAt time.Time) (*models.MutationResponse, error)
	AddBookToLibrary(ctx context.Context, bookID, editionID string, initialProgress float64) (*models.MutationResponse, error)
	TestConnection(ctx context.Context) (bool, error)
}

// headerTransport injects the auth and content-type headers on every
// request.
type headerTransport struct {
	token string
	rt    http.RoundTripper
}

func (t *headerTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req.Header.Set("Authorization", "Bearer "+t.token)
	req.Header.Set("Content-Type", "application/json")
	return t.rt.RoundTrip(req)
}

// Client talks to the remote service.
type Client struct {
	gql           *graphql.Client
	log           *logger.Logger
	userBookCache *cache.Memory[string, *models.UserBook]
}

// NewClient creates a remote client with an authenticated keep-alive
// transport.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if log == nil {
		log = logger.Get()
	}
	log = log.WithComponent("hardcover-client")

	transport := &http.Transport{
		MaxIdleConns:        5,
		MaxIdleConnsPerHost: 2,
		IdleConnTimeout:     30 * time.Second,
	}
	httpClient := &http.Client{
		Timeout: DefaultTimeout,
		Transport: &headerTransport{
			token: util.NormalizeToken(token, log),
			rt:    transport,
		},
	}

	return &Client{
		gql:           graphql.NewClient(baseURL, httpClient),
		log:           log,
		userBookCache: cache.NewMemory[string, *models.UserBook](userBookCacheTTL),
	}
}

// exec runs a raw GraphQL document, converting transport failures into the
// engine's error taxonomy.
func (c *Client) exec(ctx context.Context, doc string, out interface{}, vars map[string]interface{}) error {
	start := time.Now()
	err := c.gql.Exec(ctx, doc, out, vars)
	duration := time.Since(start)

	c.log.Debug().
		Dur("duration", duration).
		Bool("ok", err == nil).
		Msg("Remote GraphQL call")

	if err == nil {
		return nil
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "too many requests"):
		return apperrors.NewWithCode(apperrors.RateLimited, 429, "remote rate limited: %v", err)
	case strings.Contains(msg, "connection") || strings.Contains(msg, "timeout") || strings.Contains(msg, "no such host"):
		return apperrors.NewWithCause(apperrors.Connectivity, err, "remote unreachable")
	default:
		return fmt.Errorf("remote call failed: %w", err)
	}
}

// editionFragment mirrors the edition fields selected by every search.
type editionFragment struct {
	ID            string  `json:"id"`
	BookID        string  `json:"book_id"`
	Title         string  `json:"title"`
	ASIN          string  `json:"asin"`
	ISBN10        string  `json:"isbn_10"`
	ISBN13        string  `json:"isbn_13"`
	AudioSeconds  float64 `json:"audio_seconds"`
	Pages         int     `json:"pages"`
	ReleaseYear   int     `json:"release_year"`
	ReadingFormat struct {
		Format string `json:"format"`
	} `json:"reading_format"`
	Book struct {
		Title         string `json:"title"`
		UsersCount    int    `json:"users_count"`
		RatingsCount  int    `json:"ratings_count"`
		Contributions []struct {
			Author struct {
				Name string `json:"name"`
			} `json:"author"`
			Contribution string `json:"contribution"`
		} `json:"contributions"`
		BookSeries []struct {
			Series struct {
				Name string `json:"name"`
			} `json:"series"`
			Position string `json:"position"`
		} `json:"book_series"`
	} `json:"book"`
}

func (f *editionFragment) toCandidate() models.SearchCandidate {
	format := models.FormatUnknown
	switch strings.ToLower(f.ReadingFormat.Format) {
	case "audiobook", "audio":
		format = models.FormatAudiobook
	case "ebook":
		format = models.FormatEbook
	case "physical book", "physical":
		format = models.FormatPhysical
	}

	candidate := models.SearchCandidate{
		Edition: models.Edition{
			ID:           f.ID,
			BookID:       f.BookID,
			Title:        f.Title,
			Format:       format,
			AudioSeconds: f.AudioSeconds,
			Pages:        f.Pages,
			ReleaseYear:  f.ReleaseYear,
			ISBN10:       f.ISBN10,
			ISBN13:       f.ISBN13,
			ASIN:         f.ASIN,
		},
		BookID:       f.BookID,
		Title:        firstNonEmpty(f.Title, f.Book.Title),
		ReleaseYear:  f.ReleaseYear,
		UsersCount:   f.Book.UsersCount,
		RatingsCount: f.Book.RatingsCount,
	}
	for _, contribution := range f.Book.Contributions {
		role := strings.ToLower(contribution.Contribution)
		switch role {
		case "narrator":
			candidate.Narrators = append(candidate.Narrators, contribution.Author.Name)
			candidate.Edition.Contributions = append(candidate.Edition.Contributions,
				models.Contribution{Name: contribution.Author.Name, Role: "narrator"})
		default:
			candidate.Authors = append(candidate.Authors, contribution.Author.Name)
			candidate.Edition.Contributions = append(candidate.Edition.Contributions,
				models.Contribution{Name: contribution.Author.Name})
		}
	}
	if len(f.Book.BookSeries) > 0 {
		candidate.SeriesName = f.Book.BookSeries[0].Series.Name
		candidate.SeriesSeq = f.Book.BookSeries[0].Position
	}
	return candidate
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

const searchEditionsByASINQuery = `
query EditionsByASIN($asin: String!) {
  editions(where: {asin: {_eq: $asin}}, limit: 5) {
    id book_id title asin isbn_10 isbn_13 audio_seconds pages release_year
    reading_format { format }
    book {
      title users_count ratings_count
      contributions { author { name } contribution }
      book_series { series { name } position }
    }
  }
}`

// SearchEditionsByASIN looks up editions by ASIN.
func (c *Client) SearchEditionsByASIN(ctx context.Context, asin string) ([]models.SearchCandidate, error) {
	var resp struct {
		Editions []editionFragment `json:"editions"`
	}
	if err := c.exec(ctx, searchEditionsByASINQuery, &resp, map[string]interface{}{"asin": asin}); err != nil {
		return nil, err
	}
	return toCandidates(resp.Editions), nil
}

const searchEditionsByISBNQuery = `
query EditionsByISBN($isbn: String!) {
  editions(where: {_or: [{isbn_13: {_eq: $isbn}}, {isbn_10: {_eq: $isbn}}]}, limit: 5) {
    id book_id title asin isbn_10 isbn_13 audio_seconds pages release_year
    reading_format { format }
    book {
      title users_count ratings_count
      contributions { author { name } contribution }
      book_series { series { name } position }
    }
  }
}`

// SearchEditionsByISBN looks up editions by ISBN-10 or ISBN-13.
func (c *Client) SearchEditionsByISBN(ctx context.Context, isbn string) ([]models.SearchCandidate, error) {
	var resp struct {
		Editions []editionFragment `json:"editions"`
	}
	if err := c.exec(ctx, searchEditionsByISBNQuery, &resp, map[string]interface{}{"isbn": isbn}); err != nil {
		return nil, err
	}
	return toCandidates(resp.Editions), nil
}

const searchByTitleAuthorQuery = `
query SearchByTitleAuthor($title: String!, $author: String!, $limit: Int!) {
  editions(
    where: {
      book: {
        title: {_ilike: $title},
        contributions: {author: {name: {_ilike: $author}}}
      }
    },
    limit: $limit
  ) {
    id book_id title asin isbn_10 isbn_13 audio_seconds pages release_year
    reading_format { format }
    book {
      title users_count ratings_count
      contributions { author { name } contribution }
      book_series { series { name } position }
    }
  }
}`

// SearchByTitleAuthor searches the catalog by title and author.
func (c *Client) SearchByTitleAuthor(ctx context.Context, title, author string, limit int) ([]models.SearchCandidate, error) {
	if limit <= 0 {
		limit = 10
	}
	var resp struct {
		Editions []editionFragment `json:"editions"`
	}
	vars := map[string]interface{}{
		"title":  "%" + title + "%",
		"author": "%" + author + "%",
		"limit":  limit,
	}
	if err := c.exec(ctx, searchByTitleAuthorQuery, &resp, vars); err != nil {
		return nil, err
	}
	return toCandidates(resp.Editions), nil
}

func toCandidates(editions []editionFragment) []models.SearchCandidate {
	out := make([]models.SearchCandidate, 0, len(editions))
	for i := range editions {
		out = append(out, editions[i].toCandidate())
	}
	return out
}

const getUserBookQuery = `
query GetUserBook($bookId: Int!) {
  user_books(where: {book_id: {_eq: $bookId}}, limit: 1) {
    id book_id edition_id status_id
  }
}`

// GetUserBook returns the user's shelf record for a book, or nil when the
// book is not on the shelf.
func (c *Client) GetUserBook(ctx context.Context, bookID string) (*models.UserBook, error) {
	if cached, ok := c.userBookCache.Get(bookID); ok {
		return cached, nil
	}

	var resp struct {
		UserBooks []struct {
			ID        int `json:"id"`
			BookID    int `json:"book_id"`
			EditionID int `json:"edition_id"`
			StatusID  int `json:"status_id"`
		} `json:"user_books"`
	}
	if err := c.exec(ctx, getUserBookQuery, &resp, map[string]interface{}{"bookId": atoiSafe(bookID)}); err != nil {
		return nil, err
	}
	if len(resp.UserBooks) == 0 {
		c.userBookCache.Set(bookID, nil)
		return nil, nil
	}
	ub := &models.UserBook{
		ID:        fmt.Sprintf("%d", resp.UserBooks[0].ID),
		BookID:    fmt.Sprintf("%d", resp.UserBooks[0].BookID),
		EditionID: fmt.Sprintf("%d", resp.UserBooks[0].EditionID),
		StatusID:  resp.UserBooks[0].StatusID,
	}
	c.userBookCache.Set(bookID, ub)
	return ub, nil
}

const updateProgressMutation = `
mutation UpdateProgress($userBookId: Int!, $editionId: Int!, $progress: numeric!, $seconds: Int, $pages: Int, $startedAt: date) {
  insert_user_book_read(user_book_id: $userBookId, user_book_read: {
    edition_id: $editionId,
    progress: $progress,
    progress_seconds: $seconds,
    progress_pages: $pages,
    started_at: $startedAt
  }) {
    error
    user_book_read { id progress }
  }
}`

// UpdateProgress writes the user's current progress on an edition.
func (c *Client) UpdateProgress(ctx context.Context, userBookID, editionID string, progressPct float64, pos *Position, ts *Timestamps) (*models.MutationResponse, error) {
	vars := map[string]interface{}{
		"userBookId": atoiSafe(userBookID),
		"editionId":  atoiSafe(editionID),
		"progress":   progressPct,
	}
	if pos != nil {
		if pos.Seconds != nil {
			vars["seconds"] = int(*pos.Seconds)
		}
		if pos.Pages != nil {
			vars["pages"] = *pos.Pages
		}
	}
	if ts != nil && ts.StartedAt != nil {
		vars["startedAt"] = ts.StartedAt.Format("2006-01-02")
	}

	start := time.Now()
	var resp struct {
		InsertUserBookRead struct {
			Error        *string `json:"error"`
			UserBookRead *struct {
				ID       int     `json:"id"`
				Progress float64 `json:"progress"`
			} `json:"user_book_read"`
		} `json:"insert_user_book_read"`
	}
	if err := c.exec(ctx, updateProgressMutation, &resp, vars); err != nil {
		return nil, err
	}
	if resp.InsertUserBookRead.Error != nil {
		return nil, apperrors.New(apperrors.RemoteMutationFailed, "progress update rejected: %s", *resp.InsertUserBookRead.Error)
	}
	return &models.MutationResponse{
		Success:   true,
		Status:    http.StatusOK,
		DurationS: time.Since(start).Seconds(),
	}, nil
}

const markCompleteMutation = `
mutation MarkComplete($userBookId: Int!, $editionId: Int!, $statusId: Int!, $finishedAt: date) {
  update_user_book(id: $userBookId, object: {status_id: $statusId, edition_id: $editionId, last_read_date: $finishedAt}) {
    error
    user_book { id status_id }
  }
}`

// MarkComplete flags the user's shelf record as finished.
func (c *Client) MarkComplete(ctx context.Context, userBookID, editionID string, completedAt time.Time) (*models.MutationResponse, error) {
	vars := map[string]interface{}{
		"userBookId": atoiSafe(userBookID),
		"editionId":  atoiSafe(editionID),
		"statusId":   statusRead,
		"finishedAt": completedAt.Format("2006-01-02"),
	}

	start := time.Now()
	var resp struct {
		UpdateUserBook struct {
			Error    *string `json:"error"`
			UserBook *struct {
				ID       int `json:"id"`
				StatusID int `json:"status_id"`
			} `json:"user_book"`
		} `json:"update_user_book"`
	}
	if err := c.exec(ctx, markCompleteMutation, &resp, vars); err != nil {
		return nil, err
	}
	if resp.UpdateUserBook.Error != nil {
		return nil, apperrors.New(apperrors.RemoteMutationFailed, "mark complete rejected: %s", *resp.UpdateUserBook.Error)
	}
	return &models.MutationResponse{
		Success:   true,
		Status:    http.StatusOK,
		DurationS: time.Since(start).Seconds(),
	}, nil
}

const addBookMutation = `
mutation AddBook($bookId: Int!, $editionId: Int!, $statusId: Int!) {
  insert_user_book(object: {book_id: $bookId, edition_id: $editionId, status_id: $statusId}) {
    error
    user_book { id }
  }
}`

// AddBookToLibrary puts a book onto the user's shelf with reading status.
func (c *Client) AddBookToLibrary(ctx context.Context, bookID, editionID string, initialProgress float64) (*models.MutationResponse, error) {
	vars := map[string]interface{}{
		"bookId":    atoiSafe(bookID),
		"editionId": atoiSafe(editionID),
		"statusId":  statusReading,
	}

	start := time.Now()
	var resp struct {
		InsertUserBook struct {
			Error    *string `json:"error"`
			UserBook *struct {
				ID int `json:"id"`
			} `json:"user_book"`
		} `json:"insert_user_book"`
	}
	if err := c.exec(ctx, addBookMutation, &resp, vars); err != nil {
		return nil, err
	}
	if resp.InsertUserBook.Error != nil {
		return nil, apperrors.New(apperrors.RemoteMutationFailed, "auto-add rejected: %s", *resp.InsertUserBook.Error)
	}

	out := &models.MutationResponse{
		Success:   true,
		Status:    http.StatusOK,
		DurationS: time.Since(start).Seconds(),
	}
	if resp.InsertUserBook.UserBook != nil {
		out.UserBookID = fmt.Sprintf("%d", resp.InsertUserBook.UserBook.ID)
		c.userBookCache.Delete(bookID)
	}
	return out, nil
}

const testConnectionQuery = `
query Me {
  me { id username }
}`

// TestConnection verifies the endpoint is reachable and the token accepted.
func (c *Client) TestConnection(ctx context.Context) (bool, error) {
	var resp struct {
		Me []struct {
			ID       int    `json:"id"`
			Username string `json:"username"`
		} `json:"me"`
	}
	if err := c.exec(ctx, testConnectionQuery, &resp, nil); err != nil {
		return false, err
	}
	return true, nil
}

func atoiSafe(s string) int {
	n := 0
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		n = n*10 + int(r-'0')
	}
	return n
}
