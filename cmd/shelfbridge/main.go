// shelfbridge synchronizes reading progress from an Audiobookshelf-style
// library to a Hardcover-style book tracking service.
//
// Environment variables:
//
//	AUDIOBOOKSHELF_URL    URL of the source library server
//	AUDIOBOOKSHELF_TOKEN  API token for the source library
//	HARDCOVER_TOKEN       API token for the remote book service
//	LOG_LEVEL             trace, debug, info, warn, error
//	SYNC_INTERVAL         Go duration for periodic sync in service mode
//	DRY_RUN               if true, no remote changes are made
package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

var version = "dev" // set during build

func main() {
	// .env is optional; real deployments use the environment directly
	_ = godotenv.Load()

	app := newApp()
	if err := app.Run(os.Args); err != nil {
		logger.Get().Error().Err(err).Msg("Fatal error")
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
