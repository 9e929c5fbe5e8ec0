package sync

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

// WriteFailedSyncDump writes the failed-book report for a run into dir as
// "failed-sync-<user>-<ISO-timestamp>.txt". Nothing is written when the run
// had no errors. Returns the written path, or "" when skipped.
func WriteFailedSyncDump(dir string, rc *ResultCollector, log *logger.Logger) (string, error) {
	if !rc.HasErrors() {
		return "", nil
	}
	if log == nil {
		log = logger.Get()
	}
	if dir == "" {
		dir = "data"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("failed to create dump directory: %w", err)
	}

	summary := rc.Summary()
	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	path := filepath.Join(dir, fmt.Sprintf("failed-sync-%s-%s.txt", sanitizeUser(summary.UserID), timestamp))

	var b strings.Builder
	b.WriteString("ShelfBridge failed sync report\n")
	b.WriteString(fmt.Sprintf("Run:  %s\n", summary.RunID))
	b.WriteString(fmt.Sprintf("User: %s\n", summary.UserID))
	b.WriteString(fmt.Sprintf("Time: %s\n\n", time.Now().UTC().Format(time.RFC3339)))

	b.WriteString("Summary\n")
	b.WriteString(fmt.Sprintf("  processed:  %d\n", summary.BooksProcessed))
	b.WriteString(fmt.Sprintf("  synced:     %d\n", summary.BooksSynced))
	b.WriteString(fmt.Sprintf("  completed:  %d\n", summary.BooksCompleted))
	b.WriteString(fmt.Sprintf("  auto-added: %d\n", summary.BooksAutoAdded))
	b.WriteString(fmt.Sprintf("  skipped:    %d\n", summary.BooksSkipped))
	b.WriteString(fmt.Sprintf("  errors:     %d\n\n", summary.BooksWithError))

	failed := rc.FailedDetails()
	if len(failed) > 0 {
		b.WriteString("Failed books\n")
		for _, d := range failed {
			b.WriteString(fmt.Sprintf("- %s (%s)\n", d.Title, d.BookRef))
			b.WriteString(fmt.Sprintf("    status:   %s\n", d.Status))
			if len(d.Identifiers) > 0 {
				ids := make([]string, 0, len(d.Identifiers))
				for _, id := range d.Identifiers {
					ids = append(ids, id.String())
				}
				b.WriteString(fmt.Sprintf("    ids:      %s\n", strings.Join(ids, ", ")))
			}
			b.WriteString(fmt.Sprintf("    progress: %.2f%% -> %.2f%%\n", d.Progress.Before, d.Progress.After))
			if d.ActionText != "" {
				b.WriteString(fmt.Sprintf("    action:   %s\n", d.ActionText))
			}
			for _, e := range d.Errors {
				b.WriteString(fmt.Sprintf("    error:    %s\n", e))
			}
			b.WriteString(fmt.Sprintf("    timing:   %dms\n", d.TimingMS))
		}
		b.WriteString("\n")
	}

	if len(summary.Errors) > 0 {
		b.WriteString("Errors\n")
		for _, e := range summary.Errors {
			b.WriteString("  " + e + "\n")
		}
		b.WriteString("\n")
	}

	b.WriteString(fmt.Sprintf("-- end of report (%d failed) --\n", summary.BooksWithError))

	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("failed to write dump file: %w", err)
	}

	log.Info().Str("path", path).Int("failed", summary.BooksWithError).Msg("Wrote failed sync report")
	return path, nil
}

func sanitizeUser(user string) string {
	var b strings.Builder
	for _, r := range user {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	if b.Len() == 0 {
		return "unknown"
	}
	return b.String()
}
