// Package audiobookshelf is the client for the source library service. The
// sync engine needs only the three read methods exposed here.
package audiobookshelf

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/rohit-purandare/shelfbridge/internal/errors"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
	"github.com/rohit-purandare/shelfbridge/internal/util"
)

// DefaultTimeout is the per-request timeout.
const DefaultTimeout = 60 * time.Second

// ClientInterface is the source library surface consumed by the engine.
type ClientInterface interface {
	GetUserLibraryBooks(ctx context.Context, userID string) ([]models.SourceBook, error)
	GetLibraryStats(ctx context.Context, userID string) (*models.LibraryStats, error)
	TestConnection(ctx context.Context) (bool, error)
}

// Client talks to an Audiobookshelf-style server over its REST API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

// NewClient creates a source library client. The transport keeps
// connections alive with a bounded idle pool.
func NewClient(baseURL, token string, log *logger.Logger) *Client {
	if log == nil {
		log = logger.Get()
	}
	log = log.WithComponent("audiobookshelf-client")

	transport := &http.Transport{
		MaxIdleConns:        10,
		MaxIdleConnsPerHost: 5,
		IdleConnTimeout:     30 * time.Second,
	}

	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		token:   util.NormalizeToken(token, log),
		httpClient: &http.Client{
			Timeout:   DefaultTimeout,
			Transport: transport,
		},
		log: log,
	}
}

// get issues an authenticated GET and decodes the JSON body into out.
func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperrors.NewWithCause(apperrors.Connectivity, err, "request to %s failed", path)
	}
	defer resp.Body.Close()

	c.log.Debug().
		Str("path", path).
		Int("status", resp.StatusCode).
		Dur("duration", time.Since(start)).
		Msg("Source library request")

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return apperrors.NewWithCode(apperrors.RateLimited, resp.StatusCode, "source library rate limited")
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NewWithCode(apperrors.NotFound, resp.StatusCode, "resource %s not found", path)
	case resp.StatusCode >= 400:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return apperrors.NewWithCode(apperrors.Connectivity, resp.StatusCode,
			"source library returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response from %s: %w", path, err)
	}
	return nil
}

// libraryItemsResponse mirrors the paginated items payload.
type libraryItemsResponse struct {
	Results []models.SourceBook `json:"results"`
	Total   int                 `json:"total"`
	Page    int                 `json:"page"`
	Limit   int                 `json:"limit"`
}

type librariesResponse struct {
	Libraries []struct {
		ID        string `json:"id"`
		Name      string `json:"name"`
		MediaType string `json:"mediaType"`
	} `json:"libraries"`
}

// GetUserLibraryBooks fetches every book in the user's libraries, paging
// through each library's items.
func (c *Client) GetUserLibraryBooks(ctx context.Context, userID string) ([]models.SourceBook, error) {
	var libs librariesResponse
	if err := c.get(ctx, "/api/libraries", &libs); err != nil {
		return nil, fmt.Errorf("failed to fetch libraries: %w", err)
	}

	var books []models.SourceBook
	for _, lib := range libs.Libraries {
		page := 0
		for {
			var items libraryItemsResponse
			path := fmt.Sprintf("/api/libraries/%s/items?limit=100&page=%d&include=progress", lib.ID, page)
			if err := c.get(ctx, path, &items); err != nil {
				return nil, fmt.Errorf("failed to fetch items for library %s: %w", lib.ID, err)
			}
			books = append(books, items.Results...)
			if len(items.Results) < 100 || len(books) >= items.Total && items.Total > 0 {
				break
			}
			page++
		}
	}

	c.log.Info().
		Str("user_id", userID).
		Int("libraries", len(libs.Libraries)).
		Int("books", len(books)).
		Msg("Fetched user library books")
	return books, nil
}

// GetLibraryStats returns aggregate counters for the user's library. The
// engine degrades gracefully when this fails.
func (c *Client) GetLibraryStats(ctx context.Context, userID string) (*models.LibraryStats, error) {
	books, err := c.GetUserLibraryBooks(ctx, userID)
	if err != nil {
		return nil, err
	}
	stats := &models.LibraryStats{Total: len(books)}
	for i := range books {
		switch {
		case books[i].IsFinished:
			stats.Completed++
		case books[i].ProgressPercentage > 0:
			stats.InProgress++
		}
	}
	return stats, nil
}

// TestConnection verifies the server is reachable and the token accepted.
func (c *Client) TestConnection(ctx context.Context) (bool, error) {
	if err := c.get(ctx, "/api/me", nil); err != nil {
		return false, err
	}
	return true, nil
}
