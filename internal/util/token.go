package util

import (
	"regexp"
	"strings"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
)

var bearerPrefixRe = regexp.MustCompile(`(?i)^\s*bearer\s+`)

// NormalizeToken strips a literal leading "Bearer " prefix (any case, any
// spacing) from a configured token, warning when it does. Clients add their
// own prefix on the wire, so a configured prefix would otherwise double up.
func NormalizeToken(token string, log *logger.Logger) string {
	trimmed := strings.TrimSpace(token)
	if bearerPrefixRe.MatchString(trimmed) {
		if log != nil {
			log.Warn().Msg("Configured token carries a Bearer prefix, stripping it")
		}
		return strings.TrimSpace(bearerPrefixRe.ReplaceAllString(trimmed, ""))
	}
	return trimmed
}
