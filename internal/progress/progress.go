// Package progress validates reading progress, detects completion with
// format-aware precision, and analyzes regressions between syncs.
package progress

import (
	"math"
	"strconv"

	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
)

// Engine constants.
const (
	MinProgress = 0.0
	MaxProgress = 100.0
	// DefaultCompletionThreshold is the percentage at or above which a book
	// counts as finished when the time/pages-remaining check does not
	// already mark it finished.
	DefaultCompletionThreshold = 95.0
	// DefaultZeroThreshold is the percentage below which progress counts as
	// not started.
	DefaultZeroThreshold = 5.0
	// SignificantChangeThreshold is the smallest progress delta treated as
	// a real change.
	SignificantChangeThreshold = 0.1
	// AudiobookTimeRemainingSeconds marks an audiobook finished when this
	// little listening time remains.
	AudiobookTimeRemainingSeconds = 120.0
	// BookPagesRemaining marks a print/ebook finished when this few pages
	// remain.
	BookPagesRemaining = 3
)

// Regression analysis defaults.
const (
	DefaultRereadThreshold = 30.0
	DefaultHighProgress    = 85.0
	DefaultBlockThreshold  = 50.0
	DefaultWarnThreshold   = 15.0
)

// Engine performs progress computations. It holds only a logger; all
// methods are deterministic for a given input.
type Engine struct {
	log *logger.Logger
}

// NewEngine creates a progress engine.
func NewEngine(log *logger.Logger) *Engine {
	if log == nil {
		log = logger.Get()
	}
	return &Engine{log: log.WithComponent("progress")}
}

// BookData carries the position fields consulted during validation and
// completion checks.
type BookData struct {
	CurrentTimeSeconds float64
	DurationSeconds    float64
	CurrentPage        int
	TotalPages         int
}

// ValidateOptions configures Validate.
type ValidateOptions struct {
	IsFinished *bool
	Format     models.BookFormat
	BookData   *BookData
}

// Round6 rounds to 6 decimal places to kill floating point noise.
func Round6(v float64) float64 {
	return math.Round(v*1e6) / 1e6
}

// Clamp forces a progress value into [0,100].
func Clamp(v float64) float64 {
	if v < MinProgress {
		return MinProgress
	}
	if v > MaxProgress {
		return MaxProgress
	}
	return v
}

// ValidateValue validates a raw progress input that may arrive as a number
// or a numeric string. Returns (value, ok); non-finite and unparseable
// inputs are rejected.
func (e *Engine) ValidateValue(raw interface{}) (float64, bool) {
	var v float64
	switch t := raw.(type) {
	case float64:
		v = t
	case float32:
		v = float64(t)
	case int:
		v = float64(t)
	case int64:
		v = float64(t)
	case string:
		parsed, err := strconv.ParseFloat(t, 64)
		if err != nil {
			e.log.Warn().Str("value", t).Msg("Rejecting non-numeric progress input")
			return 0, false
		}
		v = parsed
	default:
		return 0, false
	}

	if math.IsNaN(v) || math.IsInf(v, 0) {
		e.log.Warn().Float64("value", v).Msg("Rejecting non-finite progress input")
		return 0, false
	}

	if v < MinProgress || v > MaxProgress {
		clamped := Clamp(v)
		e.log.Warn().
			Float64("value", v).
			Float64("clamped", clamped).
			Msg("Progress out of range, clamping")
		return clamped, true
	}
	return v, true
}

// Validate resolves the effective progress percentage for a book. Finished
// flags take priority; audiobooks with position data get position-derived
// progress; everything else validates and clamps the provided value.
// Returns (value, ok); ok=false means no usable progress.
func (e *Engine) Validate(provided float64, opts ValidateOptions) (float64, bool) {
	if opts.IsFinished != nil && *opts.IsFinished {
		if v, ok := e.ValidateValue(provided); ok {
			return v, true
		}
		return MaxProgress, true
	}

	if opts.Format == models.FormatAudiobook && opts.BookData != nil &&
		opts.BookData.CurrentTimeSeconds > 0 && opts.BookData.DurationSeconds > 0 {
		computed := Round6(opts.BookData.CurrentTimeSeconds / opts.BookData.DurationSeconds * 100)
		if math.Abs(computed-provided) > 1 {
			e.log.Debug().
				Float64("provided", provided).
				Float64("computed", computed).
				Msg("Position-based progress differs from provided value by more than 1%")
		}
		return Clamp(computed), true
	}

	return e.ValidateValue(provided)
}

// CompleteOptions configures IsComplete.
type CompleteOptions struct {
	IsFinished *bool
	Threshold  float64
	Format     models.BookFormat
	BookData   *BookData
}

// IsComplete decides whether a book counts as finished. An explicit finished
// flag always wins; otherwise the check is format-aware: time remaining for
// audiobooks, pages remaining for print/ebooks, then the percentage
// threshold.
func (e *Engine) IsComplete(progress float64, opts CompleteOptions) bool {
	if opts.IsFinished != nil {
		return *opts.IsFinished
	}

	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = DefaultCompletionThreshold
	}

	switch opts.Format {
	case models.FormatAudiobook:
		if opts.BookData != nil && opts.BookData.DurationSeconds > 0 && opts.BookData.CurrentTimeSeconds > 0 {
			remaining := opts.BookData.DurationSeconds - opts.BookData.CurrentTimeSeconds
			if remaining <= AudiobookTimeRemainingSeconds {
				return true
			}
		}
		return progress >= threshold
	case models.FormatEbook, models.FormatPhysical:
		if opts.BookData != nil && opts.BookData.TotalPages > 0 && opts.BookData.CurrentPage > 0 {
			remaining := opts.BookData.TotalPages - opts.BookData.CurrentPage
			if remaining <= BookPagesRemaining {
				return true
			}
		}
		return progress >= threshold
	default:
		return progress >= threshold
	}
}

// PositionKind selects the unit for position conversions.
type PositionKind string

const (
	PositionPages   PositionKind = "pages"
	PositionSeconds PositionKind = "seconds"
)

// CurrentPosition converts a progress percentage into a position. Pages are
// 1-based, seconds are 0-based.
func CurrentPosition(pct, total float64, kind PositionKind) float64 {
	raw := math.Round(pct / 100 * total)
	switch kind {
	case PositionPages:
		return math.Max(1, raw)
	default:
		return math.Max(0, raw)
	}
}

// ProgressFromPosition is the round-trip inverse of CurrentPosition.
func ProgressFromPosition(position, total float64, kind PositionKind) float64 {
	if total <= 0 {
		return 0
	}
	return Round6(position / total * 100)
}

// ChangeDirection labels the sign of a progress delta.
type ChangeDirection string

const (
	DirectionIncrease ChangeDirection = "increase"
	DirectionDecrease ChangeDirection = "decrease"
	DirectionNone     ChangeDirection = "none"
)

// Change describes a detected progress delta.
type Change struct {
	HasChange      bool
	Direction      ChangeDirection
	AbsoluteChange float64
	IsRegression   bool
}

// DetectChange compares old and new progress against a significance
// threshold. Values are rounded to 6 decimals first.
func (e *Engine) DetectChange(oldPct, newPct, threshold float64) Change {
	if threshold <= 0 {
		threshold = SignificantChangeThreshold
	}
	oldPct = Round6(oldPct)
	newPct = Round6(newPct)
	delta := Round6(newPct - oldPct)
	abs := math.Abs(delta)

	if abs < threshold {
		return Change{Direction: DirectionNone}
	}
	dir := DirectionIncrease
	if delta < 0 {
		dir = DirectionDecrease
	}
	return Change{
		HasChange:      true,
		Direction:      dir,
		AbsoluteChange: abs,
		IsRegression:   dir == DirectionDecrease,
	}
}

// RegressionOptions tunes AnalyzeRegression thresholds.
type RegressionOptions struct {
	RereadThreshold float64
	HighProgress    float64
	BlockThreshold  float64
	WarnThreshold   float64
}

// Regression is the outcome of regression analysis.
type Regression struct {
	Drop              float64
	ShouldBlock       bool
	ShouldWarn        bool
	IsPotentialReread bool
	Reason            string
}

// AnalyzeRegression gates progress decreases. A drop at or beyond the block
// threshold is always blocked; a drop from high progress down to re-read
// territory is flagged as a potential re-read; moderate drops warn.
// A missing old value means a new book: no regression.
func (e *Engine) AnalyzeRegression(oldPct *float64, newPct float64, opts RegressionOptions) Regression {
	if opts.RereadThreshold <= 0 {
		opts.RereadThreshold = DefaultRereadThreshold
	}
	if opts.HighProgress <= 0 {
		opts.HighProgress = DefaultHighProgress
	}
	if opts.BlockThreshold <= 0 {
		opts.BlockThreshold = DefaultBlockThreshold
	}
	if opts.WarnThreshold <= 0 {
		opts.WarnThreshold = DefaultWarnThreshold
	}

	if oldPct == nil {
		return Regression{Reason: "new book, no previous progress"}
	}

	drop := Round6(*oldPct - newPct)
	if drop <= 0 {
		return Regression{Reason: "no regression"}
	}

	r := Regression{Drop: drop}

	if drop >= opts.BlockThreshold {
		r.ShouldBlock = true
		r.Reason = "major regression"
	}
	if *oldPct >= opts.HighProgress && newPct <= opts.RereadThreshold {
		r.IsPotentialReread = true
		if r.Reason == "" {
			r.Reason = "potential re-read"
		}
	}
	if !r.ShouldBlock && drop >= opts.WarnThreshold {
		r.ShouldWarn = true
		if r.Reason == "" {
			r.Reason = "moderate regression"
		}
	}
	if r.Reason == "" {
		r.Reason = "minor regression, tolerated"
	}
	return r
}
