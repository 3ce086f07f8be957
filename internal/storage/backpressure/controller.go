// Package backpressure tracks how full the storage executor's queue is and
// maps it to a pressure level.
//
// Readings are never dropped or delayed by this package. The level only
// pauses optional work (scheduled retention sweeps) and raises alerts, so the
// queue stays free for flushes.
package backpressure

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/xtxerr/tally/internal/logging"
	"github.com/xtxerr/tally/internal/storage/config"
)

var log = logging.Component("backpressure")

// Level represents the current backpressure level.
type Level int

const (
	// LevelNormal - system operating normally.
	LevelNormal Level = iota

	// LevelWarning - elevated load, pause non-critical operations.
	LevelWarning

	// LevelCritical - high load, flush hand-offs are likely to retry.
	LevelCritical

	// LevelEmergency - queue nearly full, snapshots may be spooled.
	LevelEmergency
)

// String returns the string representation of the level.
func (l Level) String() string {
	switch l {
	case LevelNormal:
		return "normal"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelEmergency:
		return "emergency"
	default:
		return "unknown"
	}
}

// Queue reports queue occupancy between 0 and 1. Satisfied by
// *executor.Pool.
type Queue interface {
	UsageRatio() float64
}

// Controller derives the backpressure level from queue usage.
type Controller struct {
	mu sync.RWMutex

	config *config.BackpressureConfig
	queue  Queue

	level     atomic.Int32
	lastCheck time.Time
	lastLevel Level

	stats Stats

	onLevelChange func(old, new Level)
}

// Stats holds backpressure statistics.
type Stats struct {
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	PausedSweeps   int64
}

// New creates a controller over q.
func New(cfg *config.BackpressureConfig, q Queue) *Controller {
	if cfg == nil {
		cfg = &config.DefaultConfig().Backpressure
	}

	return &Controller{
		config: cfg,
		queue:  q,
	}
}

// SetOnLevelChange sets the callback for level changes.
func (c *Controller) SetOnLevelChange(fn func(old, new Level)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLevelChange = fn
}

// Check samples the queue and updates the level. Call it periodically.
func (c *Controller) Check() Level {
	if !c.config.Enabled {
		return LevelNormal
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.config.Recovery.Cooldown {
		return Level(c.level.Load())
	}
	c.lastCheck = now

	newLevel := c.determineLevel(c.queue.UsageRatio())
	if newLevel != c.lastLevel {
		c.setLevel(newLevel)
	}
	return newLevel
}

// determineLevel applies thresholds going up and hysteresis coming down.
func (c *Controller) determineLevel(usage float64) Level {
	thresholds := c.config.Thresholds
	hysteresis := c.config.Recovery.Hysteresis

	if usage >= thresholds.Emergency {
		return LevelEmergency
	}
	if usage >= thresholds.Critical {
		return LevelCritical
	}
	if usage >= thresholds.Warning {
		return LevelWarning
	}

	switch c.lastLevel {
	case LevelEmergency:
		if usage < thresholds.Emergency-hysteresis {
			return LevelCritical
		}
		return LevelEmergency
	case LevelCritical:
		if usage < thresholds.Critical-hysteresis {
			return LevelWarning
		}
		return LevelCritical
	case LevelWarning:
		if usage < thresholds.Warning-hysteresis {
			return LevelNormal
		}
		return LevelWarning
	default:
		return LevelNormal
	}
}

func (c *Controller) setLevel(newLevel Level) {
	oldLevel := c.lastLevel
	c.lastLevel = newLevel
	c.level.Store(int32(newLevel))
	c.stats.LevelChanges++

	switch newLevel {
	case LevelWarning:
		c.stats.WarningCount++
	case LevelCritical:
		c.stats.CriticalCount++
	case LevelEmergency:
		c.stats.EmergencyCount++
	}

	if newLevel > oldLevel {
		log.Warn("backpressure rising", "from", oldLevel, "to", newLevel)
	} else {
		log.Info("backpressure easing", "from", oldLevel, "to", newLevel)
	}

	if c.onLevelChange != nil {
		c.onLevelChange(oldLevel, newLevel)
	}
}

// CurrentLevel returns the current backpressure level.
func (c *Controller) CurrentLevel() Level {
	return Level(c.level.Load())
}

// ShouldPauseSweeps reports whether scheduled retention sweeps should be
// skipped, and counts the skip when they should.
func (c *Controller) ShouldPauseSweeps() bool {
	if c.CurrentLevel() < LevelWarning {
		return false
	}
	c.mu.Lock()
	c.stats.PausedSweeps++
	c.mu.Unlock()
	return true
}

// Stats returns current statistics.
func (c *Controller) Stats() ControllerStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	return ControllerStats{
		CurrentLevel:   c.CurrentLevel(),
		LevelChanges:   c.stats.LevelChanges,
		WarningCount:   c.stats.WarningCount,
		CriticalCount:  c.stats.CriticalCount,
		EmergencyCount: c.stats.EmergencyCount,
		PausedSweeps:   c.stats.PausedSweeps,
		QueueUsage:     c.queue.UsageRatio(),
	}
}

// ControllerStats holds controller statistics.
type ControllerStats struct {
	CurrentLevel   Level
	LevelChanges   int64
	WarningCount   int64
	CriticalCount  int64
	EmergencyCount int64
	PausedSweeps   int64
	QueueUsage     float64
}

// IsEnabled returns whether backpressure tracking is enabled.
func (c *Controller) IsEnabled() bool {
	return c.config.Enabled
}
