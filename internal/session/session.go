// Package session decides whether a progress update syncs immediately or is
// coalesced into a delayed session, and drives expired-session flushes.
package session

import (
	"fmt"
	"time"

	"github.com/rohit-purandare/shelfbridge/internal/cache"
	"github.com/rohit-purandare/shelfbridge/internal/logger"
	"github.com/rohit-purandare/shelfbridge/internal/models"
	"github.com/rohit-purandare/shelfbridge/internal/progress"
)

// Configuration bounds: session timeout within [60s, 2h], max delay
// within [5m, 24h], and timeout strictly below max delay.
const (
	MinSessionTimeout = 60 * time.Second
	MaxSessionTimeout = 7200 * time.Second
	MinMaxDelay       = 300 * time.Second
	MaxMaxDelay       = 86400 * time.Second

	// significantChangePct forces an immediate sync when progress moved at
	// least this much since the last synced or pending value.
	significantChangePct = 5.0
)

// milestones are progress points that always sync immediately when crossed.
var milestones = []float64{25, 50, 75, 90, 95, 100}

// Config configures the session manager.
type Config struct {
	Enabled             bool
	SessionTimeout      time.Duration
	MaxDelay            time.Duration
	ImmediateCompletion bool
}

// Validate enforces the configuration bounds.
func (c *Config) Validate() error {
	if !c.Enabled {
		return nil
	}
	if c.SessionTimeout < MinSessionTimeout || c.SessionTimeout > MaxSessionTimeout {
		return fmt.Errorf("session_timeout %s outside [%s, %s]", c.SessionTimeout, MinSessionTimeout, MaxSessionTimeout)
	}
	if c.MaxDelay < MinMaxDelay || c.MaxDelay > MaxMaxDelay {
		return fmt.Errorf("max_delay %s outside [%s, %s]", c.MaxDelay, MinMaxDelay, MaxMaxDelay)
	}
	if c.SessionTimeout >= c.MaxDelay {
		return fmt.Errorf("session_timeout %s must be below max_delay %s", c.SessionTimeout, c.MaxDelay)
	}
	return nil
}

// Action is the decision for one progress update.
type Action string

const (
	ActionSyncNow Action = "sync_now"
	ActionDelay   Action = "delay"
	ActionSkip    Action = "skip"
)

// Decision is the outcome of ShouldDelay.
type Decision struct {
	Action        Action
	Reason        string
	IsCompletion  bool
	TargetPercent float64
}

// Manager applies the delay policy over the book cache.
type Manager struct {
	cfg    Config
	store  *cache.Store
	engine *progress.Engine
	log    *logger.Logger
}

// NewManager creates a session manager. Returns an error when the config
// violates its bounds.
func NewManager(cfg Config, store *cache.Store, engine *progress.Engine, log *logger.Logger) (*Manager, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if log == nil {
		log = logger.Get()
	}
	if engine == nil {
		engine = progress.NewEngine(log)
	}
	return &Manager{
		cfg:    cfg,
		store:  store,
		engine: engine,
		log:    log.WithComponent("session_manager"),
	}, nil
}

// ShouldDelay decides sync-now versus delay for one update. The delayed
// branch records the pending progress in the cache before returning.
func (m *Manager) ShouldDelay(userID string, id models.Identifier, title string, pct float64, isComplete bool) (Decision, error) {
	if !m.cfg.Enabled {
		return Decision{Action: ActionSyncNow, Reason: "delayed updates disabled", TargetPercent: pct, IsCompletion: isComplete}, nil
	}

	if isComplete && m.cfg.ImmediateCompletion {
		return Decision{Action: ActionSyncNow, Reason: "completion syncs immediately", TargetPercent: pct, IsCompletion: true}, nil
	}

	row, err := m.store.Get(userID, id, title)
	if err != nil {
		return Decision{}, err
	}

	// never hold an update past the max delay ceiling
	if row != nil && row.LastHardcoverSyncTS != nil &&
		time.Since(*row.LastHardcoverSyncTS) >= m.cfg.MaxDelay {
		return Decision{Action: ActionSyncNow, Reason: "max delay exceeded, forcing sync", TargetPercent: pct, IsCompletion: isComplete}, nil
	}

	baseline := 0.0
	if row != nil {
		baseline = row.LastProgressPercent
		if row.SessionPendingProgress != nil {
			baseline = *row.SessionPendingProgress
		}
	}

	change := m.engine.DetectChange(baseline, pct, progress.SignificantChangeThreshold)
	if change.HasChange && change.AbsoluteChange >= significantChangePct {
		return Decision{Action: ActionSyncNow, Reason: "significant progress change", TargetPercent: pct, IsCompletion: isComplete}, nil
	}
	if crossed, milestone := crossesMilestone(baseline, pct); crossed {
		return Decision{
			Action:        ActionSyncNow,
			Reason:        fmt.Sprintf("crossed %.0f%% milestone", milestone),
			TargetPercent: pct,
			IsCompletion:  isComplete,
		}, nil
	}

	if err := m.store.UpdateSession(userID, id, title, pct); err != nil {
		return Decision{}, err
	}
	m.log.Debug().
		Str("identifier", id.String()).
		Float64("pending", pct).
		Msg("Progress update delayed into session")
	return Decision{Action: ActionDelay, Reason: "delayed_until_session_expiry", TargetPercent: pct}, nil
}

func crossesMilestone(oldPct, newPct float64) (bool, float64) {
	for _, milestone := range milestones {
		if oldPct < milestone && newPct >= milestone {
			return true, milestone
		}
	}
	return false, 0
}

// ExpiredFlush is invoked for each expired session row; it performs the
// actual remote sync of the pending progress.
type ExpiredFlush func(row cache.CachedMapping, pendingPct float64) error

// ProcessExpired flushes every expired session for the user through syncFn,
// completing the session on success. Failed flushes keep their session
// fields so the next run retries.
func (m *Manager) ProcessExpired(userID string, syncFn ExpiredFlush) (int, error) {
	if !m.cfg.Enabled {
		return 0, nil
	}
	rows, err := m.store.ExpiredSessions(userID, m.cfg.SessionTimeout)
	if err != nil {
		return 0, err
	}

	flushed := 0
	for _, row := range rows {
		if row.SessionPendingProgress == nil {
			continue
		}
		pending := *row.SessionPendingProgress
		if err := syncFn(row, pending); err != nil {
			m.log.Warn().
				Err(err).
				Str("identifier", row.IdentifierKind+":"+row.IdentifierValue).
				Msg("Failed to flush expired session, keeping it pending")
			continue
		}
		id := models.Identifier{Kind: models.IdentifierKind(row.IdentifierKind), Value: row.IdentifierValue}
		if err := m.store.CompleteSession(row.UserID, id, row.TitleNorm, pending); err != nil {
			return flushed, err
		}
		flushed++
	}
	if flushed > 0 {
		m.log.Info().Int("sessions", flushed).Msg("Flushed expired sessions")
	}
	return flushed, nil
}

// Timeout exposes the configured session timeout.
func (m *Manager) Timeout() time.Duration {
	return m.cfg.SessionTimeout
}

// Enabled reports whether delayed updates are active.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}
