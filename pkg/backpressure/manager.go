// Package backpressure generalizes the transport's single in-flight
// high-water cutoff (§4.5) into graduated admission levels, so the
// send loop can shed load progressively — slow down, then refuse new
// sends, then pause ancillary work like stale-entry cleanup — instead
// of behaving identically right up until the hard threshold and then
// blocking outright.
package backpressure

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Level is the current admission-control severity.
type Level int

const (
	LevelNone Level = iota
	LevelLow
	LevelMedium
	LevelHigh
	LevelCritical
)

func (l Level) String() string {
	switch l {
	case LevelNone:
		return "none"
	case LevelLow:
		return "low"
	case LevelMedium:
		return "medium"
	case LevelHigh:
		return "high"
	case LevelCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Config controls the thresholds and reduction factors Manager applies.
type Config struct {
	// Thresholds for each level, compared against the weighted Metrics score (see evaluateLevel).
	LowThreshold      float64 `yaml:"low_threshold"`      // 0.6 = 60%
	MediumThreshold   float64 `yaml:"medium_threshold"`   // 0.75 = 75%
	HighThreshold     float64 `yaml:"high_threshold"`     // 0.9 = 90%
	CriticalThreshold float64 `yaml:"critical_threshold"` // 0.95 = 95%

	// Timing.
	CheckInterval time.Duration `yaml:"check_interval"` // how often Start re-evaluates
	StabilizeTime time.Duration `yaml:"stabilize_time"` // minimum dwell time in a level
	CooldownTime  time.Duration `yaml:"cooldown_time"`  // minimum gap between level changes

	// Admission-factor applied to the send window at each level.
	LowReduction      float64 `yaml:"low_reduction"`      // 0.9 = 90% of normal admission
	MediumReduction   float64 `yaml:"medium_reduction"`   // 0.7 = 70%
	HighReduction     float64 `yaml:"high_reduction"`     // 0.5 = 50%
	CriticalReduction float64 `yaml:"critical_reduction"` // 0.2 = 20%
}

// Metrics is the snapshot Manager derives a Level from. InFlightUtilization
// is the transport's in-flight map size over its configured high-water
// mark (§4.5); IndexUtilization and AuditBacklogRatio are the analogous
// ratios for an EntryIndexTable nearing exhaustion (§4.1) and for the
// shmem audit sweep's abandoned-candidate backlog (§4.7) respectively;
// ErrorRate is the fraction of recent datapath acks carrying a non-zero
// resp_code (§7).
type Metrics struct {
	InFlightUtilization float64 // 0.0 - 1.0
	IndexUtilization    float64 // 0.0 - 1.0
	AuditBacklogRatio   float64 // 0.0 - 1.0
	ErrorRate           float64 // 0.0 - 1.0
}

// Manager derives an admission Level from a weighted score of the
// Metrics ratios (in-flight utilization 0.4, index utilization 0.25,
// audit backlog 0.15, error rate 0.2) compared against the Config
// thresholds, as graduated levels alongside the transport's single
// in-flight high-water cutoff (§4.5).
type Manager struct {
	config Config
	logger *logrus.Logger

	// Current state.
	currentLevel     Level
	currentFactor    float64
	lastLevelChange  time.Time
	lastCheck        time.Time
	stabilizeUntil   time.Time

	// Callbacks.
	onLevelChange func(Level, Level, float64)

	// Collected metrics.
	metrics Metrics

	mu sync.RWMutex
}

// NewManager constructs a Manager with default thresholds where unset.
func NewManager(config Config, logger *logrus.Logger) *Manager {
	// Defaults.
	if config.LowThreshold == 0 {
		config.LowThreshold = 0.6
	}
	if config.MediumThreshold == 0 {
		config.MediumThreshold = 0.75
	}
	if config.HighThreshold == 0 {
		config.HighThreshold = 0.9
	}
	if config.CriticalThreshold == 0 {
		config.CriticalThreshold = 0.95
	}
	if config.CheckInterval == 0 {
		config.CheckInterval = 5 * time.Second
	}
	if config.StabilizeTime == 0 {
		config.StabilizeTime = 30 * time.Second
	}
	if config.CooldownTime == 0 {
		config.CooldownTime = 10 * time.Second
	}
	if config.LowReduction == 0 {
		config.LowReduction = 0.9
	}
	if config.MediumReduction == 0 {
		config.MediumReduction = 0.7
	}
	if config.HighReduction == 0 {
		config.HighReduction = 0.5
	}
	if config.CriticalReduction == 0 {
		config.CriticalReduction = 0.2
	}

	return &Manager{
		config:        config,
		logger:        logger,
		currentLevel:  LevelNone,
		currentFactor: 1.0,
	}
}

// UpdateMetrics records a fresh Metrics snapshot and re-evaluates the level.
func (m *Manager) UpdateMetrics(metrics Metrics) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.metrics = metrics
	m.lastCheck = time.Now()

	// Re-evaluate the level.
	m.evaluateLevel()
}

// evaluateLevel recomputes the level from the overall score.
func (m *Manager) evaluateLevel() {
	// Weighted overall score.
	overallScore := (m.metrics.InFlightUtilization * 0.4) +
		(m.metrics.IndexUtilization * 0.25) +
		(m.metrics.AuditBacklogRatio * 0.15) +
		(m.metrics.ErrorRate * 0.2)

	// New level from the score.
	newLevel := m.calculateLevel(overallScore)

	// Cooldown.
	if time.Since(m.lastLevelChange) < m.config.CooldownTime {
		return
	}

	// Stabilization window.
	if time.Now().Before(m.stabilizeUntil) && newLevel != m.currentLevel {
		return
	}

	// Apply the change.
	if newLevel != m.currentLevel {
		m.changeLevel(newLevel)
	}
}

// calculateLevel maps a score onto a Level.
func (m *Manager) calculateLevel(score float64) Level {
	switch {
	case score >= m.config.CriticalThreshold:
		return LevelCritical
	case score >= m.config.HighThreshold:
		return LevelHigh
	case score >= m.config.MediumThreshold:
		return LevelMedium
	case score >= m.config.LowThreshold:
		return LevelLow
	default:
		return LevelNone
	}
}

// changeLevel transitions to newLevel and recomputes the admission factor.
func (m *Manager) changeLevel(newLevel Level) {
	oldLevel := m.currentLevel
	m.currentLevel = newLevel
	m.lastLevelChange = time.Now()
	m.stabilizeUntil = time.Now().Add(m.config.StabilizeTime)

	// New admission factor.
	switch newLevel {
	case LevelNone:
		m.currentFactor = 1.0
	case LevelLow:
		m.currentFactor = m.config.LowReduction
	case LevelMedium:
		m.currentFactor = m.config.MediumReduction
	case LevelHigh:
		m.currentFactor = m.config.HighReduction
	case LevelCritical:
		m.currentFactor = m.config.CriticalReduction
	}

	m.logger.WithFields(logrus.Fields{
		"old_level":         oldLevel.String(),
		"new_level":         newLevel.String(),
		"factor":            m.currentFactor,
		"inflight_util":     m.metrics.InFlightUtilization,
		"index_util":        m.metrics.IndexUtilization,
		"audit_backlog":     m.metrics.AuditBacklogRatio,
		"error_rate":        m.metrics.ErrorRate,
	}).Info("ksync backpressure: level changed")

	// Notify the registered callback, if any.
	if m.onLevelChange != nil {
		m.onLevelChange(oldLevel, newLevel, m.currentFactor)
	}
}

// GetLevel returns the current level.
func (m *Manager) GetLevel() Level {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel
}

// GetFactor returns the current admission factor in [0,1].
func (m *Manager) GetFactor() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentFactor
}

// IsActive reports whether any throttling is in effect.
func (m *Manager) IsActive() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel != LevelNone
}

// ShouldThrottle reports whether the send loop should slow its admission rate.
func (m *Manager) ShouldThrottle() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelMedium
}

// ShouldReject reports whether new sends should be refused outright.
func (m *Manager) ShouldReject() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelCritical
}

// ShouldDegrade reports whether non-essential work (e.g. stale cleanup) should pause.
func (m *Manager) ShouldDegrade() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.currentLevel >= LevelHigh
}

// GetMetrics returns the last recorded Metrics.
func (m *Manager) GetMetrics() Metrics {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.metrics
}

// SetLevelChangeCallback installs a callback invoked on every level transition.
func (m *Manager) SetLevelChangeCallback(fn func(Level, Level, float64)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onLevelChange = fn
}

// Start runs the periodic re-evaluation loop until ctx is cancelled.
func (m *Manager) Start(ctx context.Context) error {
	ticker := time.NewTicker(m.config.CheckInterval)
	defer ticker.Stop()

	m.logger.Info("Starting backpressure manager")

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Stopping backpressure manager")
			return ctx.Err()
		case <-ticker.C:
			m.mu.Lock()
			// Re-evaluate with the last metrics if enough time has passed.
			if time.Since(m.lastCheck) > m.config.CheckInterval {
				m.evaluateLevel()
			}
			m.mu.Unlock()
		}
	}
}

// ForceLevel overrides the computed level, for tests and manual intervention.
func (m *Manager) ForceLevel(level Level) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(level)
}

// Reset clears back to LevelNone.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.changeLevel(LevelNone)
}

// GetStats returns a diagnostics snapshot.
func (m *Manager) GetStats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return map[string]interface{}{
		"current_level":      m.currentLevel.String(),
		"current_factor":     m.currentFactor,
		"last_level_change":  m.lastLevelChange,
		"last_check":         m.lastCheck,
		"stabilize_until":    m.stabilizeUntil,
		"is_active":          m.currentLevel != LevelNone,
		"should_throttle":    m.currentLevel >= LevelMedium,
		"should_reject":      m.currentLevel >= LevelCritical,
		"should_degrade":     m.currentLevel >= LevelHigh,
		"metrics":            m.metrics,
	}
}