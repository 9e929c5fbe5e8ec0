// Package identifier normalizes and extracts book identifiers (ISBN, ASIN,
// title/author composites) from source library records. All functions are
// pure and deterministic.
package identifier

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rohit-purandare/shelfbridge/internal/models"
)

var (
	isbnStripRe = regexp.MustCompile(`[- ]`)
	isbn10Re    = regexp.MustCompile(`^[0-9]{9}[0-9X]$`)
	isbn13Re    = regexp.MustCompile(`^[0-9]{13}$`)
	asinRe      = regexp.MustCompile(`^[A-Z][A-Z0-9]{9}$`)

	// edition/format parentheticals stripped from titles during normalization
	parentheticalRe = regexp.MustCompile(`(?i)\s*\((unabridged|abridged|audiobook|audio book|audio|ebook|e-book|dramatized|dramatised|a novel|novel|special edition|annotated|illustrated|[^)]*edition)\)`)
	whitespaceRe    = regexp.MustCompile(`\s+`)
	leadingSeqRe    = regexp.MustCompile(`(?i)^(?:\d{1,3}\s*[-._]?\s+|book\s+\d+\s*[-:.]?\s*|vol(?:ume)?\.?\s+\d+\s*[-:.]?\s*)`)

	numberWords = map[string]string{
		"zero": "0", "one": "1", "two": "2", "three": "3", "four": "4",
		"five": "5", "six": "6", "seven": "7", "eight": "8", "nine": "9",
		"ten": "10", "eleven": "11", "twelve": "12",
	}

	romanNumerals = map[string]string{
		"ii": "2", "iii": "3", "iv": "4", "v": "5", "vi": "6",
		"vii": "7", "viii": "8", "ix": "9", "x": "10", "xi": "11",
		"xii": "12",
	}

	combiningStripper = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
)

// NormalizeISBN strips separators and validates length. Returns "" when the
// input is not a plausible ISBN-10 or ISBN-13.
func NormalizeISBN(s string) string {
	if s == "" {
		return ""
	}
	cleaned := strings.ToUpper(isbnStripRe.ReplaceAllString(strings.TrimSpace(s), ""))
	if isbn10Re.MatchString(cleaned) || isbn13Re.MatchString(cleaned) {
		return cleaned
	}
	return ""
}

// NormalizeASIN uppercases and validates the 10-character ASIN shape. Purely
// numeric values are rejected since those are ISBN-10s, not ASINs.
func NormalizeASIN(s string) string {
	if s == "" {
		return ""
	}
	cleaned := strings.ToUpper(strings.TrimSpace(s))
	if asinRe.MatchString(cleaned) {
		return cleaned
	}
	return ""
}

// NormalizeTitle produces the canonical lowercase form of a title used for
// matching and cache keys. If normalization would produce an empty string
// from a nonempty input, the lowercased original is returned instead.
func NormalizeTitle(s string) string {
	return normalizeText(s, true)
}

// NormalizeAuthor produces the canonical lowercase form of an author name.
func NormalizeAuthor(s string) string {
	return normalizeText(s, false)
}

// NormalizeNarrator produces the canonical lowercase form of a narrator name.
func NormalizeNarrator(s string) string {
	return normalizeText(s, false)
}

func normalizeText(s string, stripArticles bool) string {
	if s == "" {
		return ""
	}
	original := s

	out := strings.ToLower(s)
	if stripped, _, err := transform.String(combiningStripper, out); err == nil {
		out = stripped
	}
	out = parentheticalRe.ReplaceAllString(out, " ")

	// drop everything that is not a letter, digit or space
	var b strings.Builder
	for _, r := range out {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	out = b.String()

	words := strings.Fields(out)
	normalized := make([]string, 0, len(words))
	for _, w := range words {
		if stripArticles && (w == "the" || w == "a" || w == "an") {
			continue
		}
		if d, ok := numberWords[w]; ok {
			w = d
		} else if d, ok := romanNumerals[w]; ok {
			w = d
		}
		normalized = append(normalized, w)
	}
	out = strings.Join(normalized, " ")

	if out == "" && original != "" {
		return strings.ToLower(strings.TrimSpace(original))
	}
	return out
}

// CleanTitle strips leading sequence prefixes such as "06 " or "Book 2 -"
// that source libraries prepend to series entries.
func CleanTitle(s string) string {
	cleaned := leadingSeqRe.ReplaceAllString(strings.TrimSpace(s), "")
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" {
		return strings.TrimSpace(s)
	}
	return cleaned
}

// TitleAuthorKey builds the canonical composite identifier value for
// title/author matches: "normalizedTitle|normalizedAuthor".
func TitleAuthorKey(title, author string) string {
	return NormalizeTitle(title) + "|" + NormalizeAuthor(author)
}

// ExtractASIN probes a source book for an ASIN: direct field first, then
// the nested media metadata.
func ExtractASIN(book *models.SourceBook) string {
	if book == nil {
		return ""
	}
	if v := NormalizeASIN(book.ASIN); v != "" {
		return v
	}
	if book.Media != nil {
		return NormalizeASIN(book.Media.Metadata.ASIN)
	}
	return ""
}

// ExtractISBN probes a source book for an ISBN: direct field first, then
// the nested media metadata.
func ExtractISBN(book *models.SourceBook) string {
	if book == nil {
		return ""
	}
	if v := NormalizeISBN(book.ISBN); v != "" {
		return v
	}
	if book.Media != nil {
		return NormalizeISBN(book.Media.Metadata.ISBN)
	}
	return ""
}

// ExtractTitle returns the book title, preferring the direct field over the
// nested metadata.
func ExtractTitle(book *models.SourceBook) string {
	if book == nil {
		return ""
	}
	if book.Title != "" {
		return book.Title
	}
	if book.Media != nil {
		return book.Media.Metadata.Title
	}
	return ""
}

// ExtractAuthor returns the author name: direct field, then the metadata
// authorName, then the first entry of the metadata authors array.
func ExtractAuthor(book *models.SourceBook) string {
	if book == nil {
		return ""
	}
	if book.Author != "" {
		return book.Author
	}
	if book.Media != nil {
		if book.Media.Metadata.AuthorName != "" {
			return book.Media.Metadata.AuthorName
		}
		if len(book.Media.Metadata.Authors) > 0 {
			return book.Media.Metadata.Authors[0].Name
		}
	}
	return ""
}

// ExtractNarrator returns the narrator name with the same precedence rules
// as ExtractAuthor.
func ExtractNarrator(book *models.SourceBook) string {
	if book == nil {
		return ""
	}
	if book.Narrator != "" {
		return book.Narrator
	}
	if book.Media != nil {
		if book.Media.Metadata.NarratorName != "" {
			return book.Media.Metadata.NarratorName
		}
		if len(book.Media.Metadata.Narrators) > 0 {
			return book.Media.Metadata.Narrators[0].Name
		}
	}
	return ""
}

// ExtractSeries returns the series membership: direct field, then metadata
// seriesName, then the first entry of the metadata series array.
func ExtractSeries(book *models.SourceBook) *models.Series {
	if book == nil {
		return nil
	}
	if book.Series != nil && book.Series.Name != "" {
		return book.Series
	}
	if book.Media != nil {
		if book.Media.Metadata.SeriesName != "" {
			return &models.Series{Name: book.Media.Metadata.SeriesName}
		}
		if len(book.Media.Metadata.Series) > 0 {
			s := book.Media.Metadata.Series[0]
			return &s
		}
	}
	return nil
}

// ExtractYear returns the published year, parsing the string-typed metadata
// field when the direct field is unset. Returns 0 when unknown.
func ExtractYear(book *models.SourceBook) int {
	if book == nil {
		return 0
	}
	if book.PublishedYear > 0 {
		return book.PublishedYear
	}
	if book.Media != nil && book.Media.Metadata.PublishedYear != "" {
		if y, err := strconv.Atoi(strings.TrimSpace(book.Media.Metadata.PublishedYear)); err == nil {
			return y
		}
	}
	return 0
}

// ExtractDuration returns the audio duration in seconds, falling back to the
// nested media duration. Returns 0 when unknown.
func ExtractDuration(book *models.SourceBook) float64 {
	if book == nil {
		return 0
	}
	if book.DurationSeconds > 0 {
		return book.DurationSeconds
	}
	if book.Media != nil {
		return book.Media.Duration
	}
	return 0
}

// ExtractPages returns the page count, falling back to the nested media
// pages. Returns 0 when unknown.
func ExtractPages(book *models.SourceBook) int {
	if book == nil {
		return 0
	}
	if book.Pages > 0 {
		return book.Pages
	}
	if book.Media != nil {
		return book.Media.Pages
	}
	return 0
}

// Candidates returns the usable identifiers for a book in precedence order
// (ASIN, ISBN, title/author composite).
func Candidates(book *models.SourceBook) []models.Identifier {
	var out []models.Identifier
	if asin := ExtractASIN(book); asin != "" {
		out = append(out, models.Identifier{Kind: models.IdentifierASIN, Value: asin})
	}
	if isbn := ExtractISBN(book); isbn != "" {
		out = append(out, models.Identifier{Kind: models.IdentifierISBN, Value: isbn})
	}
	title := ExtractTitle(book)
	author := ExtractAuthor(book)
	if title != "" && author != "" {
		out = append(out, models.Identifier{
			Kind:  models.IdentifierTitleAuthor,
			Value: TitleAuthorKey(CleanTitle(title), author),
		})
	}
	return out
}

// ISBNVariants returns both length variants to try against the catalog: the
// normalized input plus, for 13-digit 978-prefixed values, the derived
// ISBN-10 (and the reverse).
func ISBNVariants(isbn string) []string {
	normalized := NormalizeISBN(isbn)
	if normalized == "" {
		return nil
	}
	variants := []string{normalized}
	switch len(normalized) {
	case 13:
		if strings.HasPrefix(normalized, "978") {
			if v := isbn13To10(normalized); v != "" {
				variants = append(variants, v)
			}
		}
	case 10:
		variants = append(variants, isbn10To13(normalized))
	}
	return variants
}

func isbn10To13(isbn10 string) string {
	core := "978" + isbn10[:9]
	sum := 0
	for i, r := range core {
		d := int(r - '0')
		if i%2 == 1 {
			d *= 3
		}
		sum += d
	}
	check := (10 - sum%10) % 10
	return core + strconv.Itoa(check)
}

func isbn13To10(isbn13 string) string {
	core := isbn13[3:12]
	sum := 0
	for i, r := range core {
		sum += (10 - i) * int(r-'0')
	}
	check := (11 - sum%11) % 11
	switch check {
	case 10:
		return core + "X"
	default:
		return core + fmt.Sprintf("%d", check)
	}
}
