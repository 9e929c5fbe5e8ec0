package models

// BookFormat identifies the reading format of an edition.
type BookFormat string

const (
	FormatAudiobook BookFormat = "audiobook"
	FormatEbook     BookFormat = "ebook"
	FormatPhysical  BookFormat = "physical"
	FormatUnknown   BookFormat = "unknown"
)

// ParseBookFormat maps free-form format hints onto a BookFormat.
func ParseBookFormat(s string) BookFormat {
	switch s {
	case "audiobook", "audio", "listened":
		return FormatAudiobook
	case "ebook", "digital", "epub":
		return FormatEbook
	case "physical", "paperback", "hardcover", "print":
		return FormatPhysical
	default:
		return FormatUnknown
	}
}

// Edition references a specific publication of a book in the remote catalog.
type Edition struct {
	ID            string         `json:"id"`
	BookID        string         `json:"book_id"`
	Title         string         `json:"title,omitempty"`
	Format        BookFormat     `json:"format,omitempty"`
	ReadingFormat string         `json:"reading_format,omitempty"`
	AudioSeconds  float64        `json:"audio_seconds,omitempty"`
	Pages         int            `json:"pages,omitempty"`
	ReleaseYear   int            `json:"release_year,omitempty"`
	ISBN10        string         `json:"isbn_10,omitempty"`
	ISBN13        string         `json:"isbn_13,omitempty"`
	ASIN          string         `json:"asin,omitempty"`
	Contributions []Contribution `json:"contributions,omitempty"`
}

// Contribution links a person to an edition with an optional role.
type Contribution struct {
	Name string `json:"name"`
	Role string `json:"role,omitempty"` // empty role means author
}

// Authors returns the names of contributors without a narrator role.
func (e *Edition) Authors() []string {
	var out []string
	for _, c := range e.Contributions {
		if c.Role == "" || c.Role == "author" {
			out = append(out, c.Name)
		}
	}
	return out
}

// Narrators returns the names of contributors with the narrator role.
func (e *Edition) Narrators() []string {
	var out []string
	for _, c := range e.Contributions {
		if c.Role == "narrator" {
			out = append(out, c.Name)
		}
	}
	return out
}

// SearchCandidate is one result from a remote catalog search, carrying the
// scoring signals alongside the edition reference. UserBook is nil when the
// candidate came from the catalog rather than the user's shelf.
type SearchCandidate struct {
	Edition       Edition  `json:"edition"`
	BookID        string   `json:"book_id"`
	Title         string   `json:"title"`
	Authors       []string `json:"authors,omitempty"`
	Narrators     []string `json:"narrators,omitempty"`
	SeriesName    string   `json:"series_name,omitempty"`
	SeriesSeq     string   `json:"series_sequence,omitempty"`
	ReleaseYear   int      `json:"release_year,omitempty"`
	UsersCount    int      `json:"users_count,omitempty"`
	RatingsCount  int      `json:"ratings_count,omitempty"`
	ListingsCount int      `json:"listings_count,omitempty"`
	UserBook      *UserBook
}

// UserBook is the remote record of a user's relationship to a book.
type UserBook struct {
	ID        string `json:"id"`
	BookID    string `json:"book_id"`
	EditionID string `json:"edition_id,omitempty"`
	StatusID  int    `json:"status_id,omitempty"`
}

// MatchType records which matcher tier produced a match.
type MatchType string

const (
	MatchCache       MatchType = "cache"
	MatchASIN        MatchType = "asin"
	MatchISBN        MatchType = "isbn"
	MatchTitleAuthor MatchType = "title_author"
)

// Confidence buckets a match score.
type Confidence string

const (
	ConfidenceLow    Confidence = "low"
	ConfidenceMedium Confidence = "medium"
	ConfidenceHigh   Confidence = "high"
)

// Match is the outcome of book resolution against the remote catalog.
// UserBook is nil when the match originates from a catalog search rather
// than the user's existing shelf.
type Match struct {
	UserBook          *UserBook          `json:"user_book,omitempty"`
	Edition           Edition            `json:"edition"`
	BookID            string             `json:"book_id"`
	Type              MatchType          `json:"match_type"`
	Confidence        Confidence         `json:"confidence"`
	Score             float64            `json:"score"`
	Breakdown         map[string]float64 `json:"breakdown,omitempty"`
	NeedsBookIDLookup bool               `json:"needs_book_id_lookup,omitempty"`
}

// UserBookID returns the shelf record ID, or "" for catalog-only matches.
func (m *Match) UserBookID() string {
	if m == nil || m.UserBook == nil {
		return ""
	}
	return m.UserBook.ID
}

// DisplayTitle returns the matched edition title, falling back to "Unknown"
// so catalog-only matches stay printable.
func (m *Match) DisplayTitle() string {
	if m == nil || m.Edition.Title == "" {
		return "Unknown"
	}
	return m.Edition.Title
}

// MutationResponse is the normalized result of a remote mutation.
type MutationResponse struct {
	Success    bool    `json:"success"`
	Status     int     `json:"status"`
	DurationS  float64 `json:"duration_s"`
	UserBookID string  `json:"user_book_id,omitempty"`
}
