package sync

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResultCollectorCounters(t *testing.T) {
	rc := NewResultCollector("u1")

	rc.Record(BookOutcome{Title: "A", Status: StatusSynced})
	rc.Record(BookOutcome{Title: "B", Status: StatusCompleted})
	rc.Record(BookOutcome{Title: "C", Status: StatusAutoAdded})
	rc.Record(BookOutcome{Title: "D", Status: StatusSkipped})
	rc.Record(BookOutcome{Title: "E", Status: StatusError, Errors: []string{"boom"}})

	s := rc.Summary()
	assert.Equal(t, 5, s.BooksProcessed)
	assert.Equal(t, 1, s.BooksSynced)
	assert.Equal(t, 1, s.BooksCompleted)
	assert.Equal(t, 1, s.BooksAutoAdded)
	assert.Equal(t, 1, s.BooksSkipped)
	assert.Equal(t, 1, s.BooksWithError)
	assert.Len(t, s.Errors, 1)
	assert.Contains(t, s.Errors[0], "E: boom")
	assert.NotEmpty(t, s.RunID)
}

func TestResultCollectorConcurrentAppends(t *testing.T) {
	rc := NewResultCollector("u1")

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rc.Record(BookOutcome{Status: StatusSynced})
		}()
	}
	wg.Wait()

	assert.Equal(t, 50, rc.Summary().BooksProcessed)
	assert.Len(t, rc.Details(), 50)
}

func TestResultCollectorFailedDetails(t *testing.T) {
	rc := NewResultCollector("u1")
	rc.Record(BookOutcome{Title: "ok", Status: StatusSynced})
	rc.Record(BookOutcome{Title: "bad", Status: StatusError, Errors: []string{"x"}})

	failed := rc.FailedDetails()
	require.Len(t, failed, 1)
	assert.Equal(t, "bad", failed[0].Title)
	assert.True(t, rc.HasErrors())
}

func TestWriteFailedSyncDumpSkipsCleanRuns(t *testing.T) {
	rc := NewResultCollector("u1")
	rc.Record(BookOutcome{Status: StatusSynced})

	path, err := WriteFailedSyncDump(t.TempDir(), rc, testLog())
	require.NoError(t, err)
	assert.Empty(t, path)
}

func TestWriteFailedSyncDump(t *testing.T) {
	rc := NewResultCollector("alice")
	rc.Record(BookOutcome{Title: "ok", Status: StatusSynced})
	rc.Record(BookOutcome{
		BookRef:  "b2",
		Title:    "Broken Book",
		Status:   StatusError,
		Errors:   []string{"remote exploded"},
		TimingMS: 42,
	})

	dir := t.TempDir()
	path, err := WriteFailedSyncDump(dir, rc, testLog())
	require.NoError(t, err)
	require.NotEmpty(t, path)
	assert.True(t, strings.HasPrefix(filepath.Base(path), "failed-sync-alice-"))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "Broken Book")
	assert.Contains(t, content, "remote exploded")
	assert.Contains(t, content, "errors:     1")
	// report ends with the footer line
	assert.True(t, strings.HasSuffix(strings.TrimRight(content, "\n"), "-- end of report (1 failed) --"))
}

func TestSanitizeUser(t *testing.T) {
	assert.Equal(t, "alice", sanitizeUser("alice"))
	assert.Equal(t, "a_b_c", sanitizeUser("a/b c"))
	assert.Equal(t, "unknown", sanitizeUser(""))
}
