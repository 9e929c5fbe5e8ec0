package audiobookshelf

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
)

func testLog() *logger.Logger {
	logger.Setup(logger.Config{Level: "error", Format: "json"})
	return logger.Get()
}

func TestGetUserLibraryBooks(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		switch r.URL.Path {
		case "/api/libraries":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"libraries": []map[string]string{{"id": "lib1", "name": "Books", "mediaType": "book"}},
			})
		case "/api/libraries/lib1/items":
			_ = json.NewEncoder(w).Encode(libraryItemsResponse{
				Results: []models.SourceBook{
					{ID: "b1", Title: "One"},
					{ID: "b2", Title: "Two"},
				},
				Total: 2,
			})
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "secret-token", testLog())
	books, err := c.GetUserLibraryBooks(context.Background(), "u1")
	require.NoError(t, err)
	assert.Len(t, books, 2)
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestBearerPrefixStrippedFromConfiguredToken(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "Bearer secret-token", testLog())
	ok, err := c.TestConnection(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	// no doubled prefix on the wire
	assert.Equal(t, "Bearer secret-token", gotAuth)
}

func TestGetReturnsTaxonomyErrors(t *testing.T) {
	status := http.StatusNotFound
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", testLog())

	_, err := c.TestConnection(context.Background())
	assert.Error(t, err)

	status = http.StatusTooManyRequests
	_, err = c.TestConnection(context.Background())
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestTestConnectionUnreachable(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", "tok", testLog())
	ok, err := c.TestConnection(context.Background())
	assert.False(t, ok)
	assert.Error(t, err)
}

func TestGetLibraryStats(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/libraries":
			_ = json.NewEncoder(w).Encode(map[string]interface{}{
				"libraries": []map[string]string{{"id": "lib1"}},
			})
		default:
			_ = json.NewEncoder(w).Encode(libraryItemsResponse{
				Results: []models.SourceBook{
					{ID: "b1", ProgressPercentage: 50},
					{ID: "b2", IsFinished: true},
					{ID: "b3"},
				},
				Total: 3,
			})
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL, "tok", testLog())
	stats, err := c.GetLibraryStats(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.InProgress)
	assert.Equal(t, 1, stats.Completed)
}
