// Package matcher resolves source books against the remote catalog. It
// contains the text similarity scoring used by the title/author tier and
// the tiered BookMatcher itself.
package matcher

import (
	"math"
	"strings"

	"github.com/rohit-purandare/shelfbridge/internal/identifier"
	"github.com/rohit-purandare/shelfbridge/internal/models"
)

// Signal weights for the composite match score.
const (
	weightTitle    = 0.25
	weightAuthor   = 0.18
	weightSeries   = 0.12
	weightFormat   = 0.10
	weightActivity = 0.18
	weightYear     = 0.07
	weightDuration = 0.05
	weightNarrator = 0.03
)

// Confidence thresholds on the 0-100 composite score.
const (
	highConfidenceScore   = 85.0
	mediumConfidenceScore = 70.0
)

// Levenshtein computes the standard edit distance between two strings.
func Levenshtein(a, b string) int {
	ra := []rune(a)
	rb := []rune(b)
	if len(ra) == 0 {
		return len(rb)
	}
	if len(rb) == 0 {
		return len(ra)
	}

	prev := make([]int, len(rb)+1)
	curr := make([]int, len(rb)+1)
	for j := 0; j <= len(rb); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(ra); i++ {
		curr[0] = i
		for j := 1; j <= len(rb); j++ {
			cost := 1
			if ra[i-1] == rb[j-1] {
				cost = 0
			}
			curr[j] = min3(curr[j-1]+1, prev[j]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(rb)]
}

func min3(a, b, c int) int {
	if b < a {
		a = b
	}
	if c < a {
		a = c
	}
	return a
}

// levenshteinSimilarity normalizes edit distance by the longer string length.
func levenshteinSimilarity(a, b string) float64 {
	if a == b {
		return 1
	}
	maxLen := len([]rune(a))
	if l := len([]rune(b)); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(Levenshtein(a, b))/float64(maxLen)
}

// jaccardTokens computes Jaccard similarity on whitespace token sets.
func jaccardTokens(a, b string) float64 {
	ta := strings.Fields(a)
	tb := strings.Fields(b)
	if len(ta) == 0 && len(tb) == 0 {
		return 1
	}
	if len(ta) == 0 || len(tb) == 0 {
		return 0
	}
	setA := make(map[string]struct{}, len(ta))
	for _, t := range ta {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(tb))
	for _, t := range tb {
		setB[t] = struct{}{}
	}
	intersection := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			intersection++
		}
	}
	union := len(setA) + len(setB) - intersection
	if union == 0 {
		return 1
	}
	return float64(intersection) / float64(union)
}

// Similarity blends edit-distance and token-set similarity into [0,1].
// Exact equality short-circuits to 1.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	return 0.4*levenshteinSimilarity(a, b) + 0.6*jaccardTokens(a, b)
}

// ScoreTarget carries the source-side signals fed into MatchScore.
type ScoreTarget struct {
	Title           string
	Author          string
	Narrator        string
	SeriesName      string
	SeriesSequence  string
	Year            int
	DurationSeconds float64
	Format          models.BookFormat
}

// ScoreResult is the composite result with per-signal breakdown.
type ScoreResult struct {
	Total      float64
	Confidence models.Confidence
	Breakdown  map[string]float64
}

// MatchScore computes the weighted composite score of a catalog candidate
// against the source-side target.
func MatchScore(candidate *models.SearchCandidate, target *ScoreTarget) ScoreResult {
	breakdown := make(map[string]float64, 10)

	titleScore := Similarity(
		identifier.NormalizeTitle(candidate.Title),
		identifier.NormalizeTitle(target.Title),
	) * 100
	breakdown["title"] = titleScore

	authorScore := bestAuthorScore(candidate.Authors, target.Author)
	breakdown["author"] = authorScore

	seriesScore := scoreSeries(candidate, target)
	breakdown["series"] = seriesScore

	formatScore := scoreFormat(candidate.Edition.Format)
	breakdown["format"] = formatScore

	activityScore := scoreActivity(candidate)
	breakdown["activity"] = activityScore

	yearScore := scoreYear(candidate.ReleaseYear, target.Year)
	breakdown["year"] = yearScore

	durationScore := scoreDuration(candidate, target)
	breakdown["duration"] = durationScore

	narratorScore := scoreNarrator(candidate.Narrators, target.Narrator)
	breakdown["narrator"] = narratorScore

	total := titleScore*weightTitle +
		authorScore*weightAuthor +
		seriesScore*weightSeries +
		formatScore*weightFormat +
		activityScore*weightActivity +
		yearScore*weightYear +
		durationScore*weightDuration +
		narratorScore*weightNarrator

	// short normalized titles carry little signal
	normTitle := identifier.NormalizeTitle(target.Title)
	if n := len(normTitle); n > 0 && n <= 10 {
		penalty := 20.0 * float64(10-n+1) / 10.0
		total -= penalty
		breakdown["short_title_penalty"] = -penalty
	}

	// a strong title with a badly mismatched author is usually the wrong book
	if titleScore >= 80 && authorScore < 30 {
		total -= 25
		breakdown["author_mismatch_penalty"] = -25
	}

	if bonus := formatPreferenceBonus(candidate.Edition.Format, target.Format); bonus > 0 {
		total += bonus
		breakdown["format_preference_bonus"] = bonus
	}

	if titleScore >= 90 && authorScore >= 90 {
		bonus := math.Min(8, (titleScore+authorScore-180)/2.5)
		if bonus < 4 {
			bonus = 4
		}
		total += bonus
		breakdown["perfect_match_bonus"] = bonus
	} else if titleScore >= 80 && authorScore >= 80 {
		bonus := math.Min(4, (titleScore+authorScore-160)/5)
		if bonus < 2 {
			bonus = 2
		}
		total += bonus
		breakdown["high_confidence_bonus"] = bonus
	}

	if total < 0 {
		total = 0
	}
	if total > 100 {
		total = 100
	}

	return ScoreResult{
		Total:      total,
		Confidence: confidenceFor(total),
		Breakdown:  breakdown,
	}
}

func confidenceFor(score float64) models.Confidence {
	switch {
	case score >= highConfidenceScore:
		return models.ConfidenceHigh
	case score >= mediumConfidenceScore:
		return models.ConfidenceMedium
	default:
		return models.ConfidenceLow
	}
}

func bestAuthorScore(candidateAuthors []string, targetAuthor string) float64 {
	if targetAuthor == "" || len(candidateAuthors) == 0 {
		return 0
	}
	normTarget := identifier.NormalizeAuthor(targetAuthor)
	best := 0.0
	for _, a := range candidateAuthors {
		s := Similarity(identifier.NormalizeAuthor(a), normTarget) * 100
		if s > best {
			best = s
		}
	}
	return best
}

func scoreSeries(candidate *models.SearchCandidate, target *ScoreTarget) float64 {
	if target.SeriesName == "" || candidate.SeriesName == "" {
		return 65 // unknown on either side
	}
	nameSim := Similarity(
		identifier.NormalizeTitle(candidate.SeriesName),
		identifier.NormalizeTitle(target.SeriesName),
	)
	if nameSim < 0.8 {
		return 0
	}
	if target.SeriesSequence != "" && candidate.SeriesSeq != "" {
		if strings.TrimSpace(target.SeriesSequence) == strings.TrimSpace(candidate.SeriesSeq) {
			return 100
		}
		return 30
	}
	return 85
}

func scoreFormat(format models.BookFormat) float64 {
	switch format {
	case models.FormatAudiobook:
		return 100
	case models.FormatEbook:
		return 75
	case models.FormatPhysical:
		return 50
	default:
		return 25
	}
}

func scoreActivity(candidate *models.SearchCandidate) float64 {
	count := candidate.UsersCount
	if candidate.RatingsCount > count {
		count = candidate.RatingsCount
	}
	if candidate.ListingsCount > count {
		count = candidate.ListingsCount
	}
	switch {
	case count >= 1000:
		return 100
	case count >= 100:
		return 75
	case count < 50:
		return 25
	default:
		return 50
	}
}

func scoreYear(candidateYear, targetYear int) float64 {
	if candidateYear == 0 || targetYear == 0 {
		return 70
	}
	diff := candidateYear - targetYear
	if diff < 0 {
		diff = -diff
	}
	switch {
	case diff == 0:
		return 100
	case diff <= 1:
		return 90
	case diff <= 5:
		return 75
	case diff <= 10:
		return 50
	default:
		return 20
	}
}

func scoreDuration(candidate *models.SearchCandidate, target *ScoreTarget) float64 {
	if candidate.Edition.Format != models.FormatAudiobook {
		return 0
	}
	if candidate.Edition.AudioSeconds <= 0 || target.DurationSeconds <= 0 {
		return 0
	}
	pctDiff := math.Abs(candidate.Edition.AudioSeconds-target.DurationSeconds) /
		target.DurationSeconds * 100
	switch {
	case pctDiff <= 1:
		return 100
	case pctDiff <= 3:
		return 95
	case pctDiff <= 5:
		return 85
	case pctDiff <= 10:
		return 70
	case pctDiff <= 15:
		return 50
	case pctDiff <= 20:
		return 25
	default:
		return 0
	}
}

func scoreNarrator(candidateNarrators []string, targetNarrator string) float64 {
	if targetNarrator == "" || len(candidateNarrators) == 0 {
		return 60
	}
	normTarget := identifier.NormalizeNarrator(targetNarrator)
	best := 0.0
	for _, n := range candidateNarrators {
		s := Similarity(identifier.NormalizeNarrator(n), normTarget) * 100
		if s > best {
			best = s
		}
	}
	return best
}

func formatPreferenceBonus(candidateFormat, userFormat models.BookFormat) float64 {
	if userFormat == models.FormatUnknown || candidateFormat != userFormat {
		return 0
	}
	switch userFormat {
	case models.FormatAudiobook:
		return 10
	case models.FormatEbook:
		return 8
	default:
		return 5
	}
}
