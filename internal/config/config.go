// Package config loads the matchmaking engine's configuration surface: the
// per-mode settings table and the process-wide global settings.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

// ModeConfig is one game mode's settings.
type ModeConfig struct {
	ModeID          string `json:"mode_id"`
	RequiredPlayers int    `json:"required_players"`
	UsesMMRMatching bool   `json:"uses_mmr_matching"`
	TickIntervalMS  int64  `json:"tick_interval_ms"`
	BatchMultiplier int    `json:"batch_multiplier"`
}

// Normalize fills in the defaults when left at zero: required_players=2,
// batch_multiplier=2 (a batch of 2x required_players per tick) and
// tick_interval_ms=5000.
func (m *ModeConfig) Normalize() {
	if m.RequiredPlayers <= 0 {
		m.RequiredPlayers = 2
	}
	if m.BatchMultiplier <= 0 {
		m.BatchMultiplier = 2
	}
	if m.TickIntervalMS <= 0 {
		m.TickIntervalMS = 5000
	}
}

// TickInterval returns TickIntervalMS as a time.Duration.
func (m ModeConfig) TickInterval() time.Duration {
	return time.Duration(m.TickIntervalMS) * time.Millisecond
}

// GlobalConfig holds the non-mode-specific knobs.
type GlobalConfig struct {
	StoreTimeoutMS           int64   `json:"store_timeout_ms"`
	CircuitThreshold         uint64  `json:"circuit_threshold"`
	CircuitCooldownMS        int64   `json:"circuit_cooldown_ms"`
	BattleSimulateTimeoutMS  int64   `json:"battle_simulate_timeout_ms"`
	RateLimitRPS             float64 `json:"rate_limit_rps"`
}

// Normalize applies the global defaults.
func (g *GlobalConfig) Normalize() {
	if g.StoreTimeoutMS <= 0 {
		g.StoreTimeoutMS = 10_000
	}
	if g.CircuitThreshold == 0 {
		g.CircuitThreshold = 5
	}
	if g.CircuitCooldownMS <= 0 {
		g.CircuitCooldownMS = 60_000
	}
	if g.BattleSimulateTimeoutMS <= 0 {
		g.BattleSimulateTimeoutMS = 5_000
	}
	if g.RateLimitRPS <= 0 {
		g.RateLimitRPS = 10
	}
}

func (g GlobalConfig) StoreTimeout() time.Duration {
	return time.Duration(g.StoreTimeoutMS) * time.Millisecond
}

func (g GlobalConfig) CircuitCooldown() time.Duration {
	return time.Duration(g.CircuitCooldownMS) * time.Millisecond
}

func (g GlobalConfig) BattleSimulateTimeout() time.Duration {
	return time.Duration(g.BattleSimulateTimeoutMS) * time.Millisecond
}

// Config is the full configuration surface: one GlobalConfig plus a table of
// ModeConfig keyed by mode_id.
type Config struct {
	Global GlobalConfig          `json:"global"`
	Modes  map[string]ModeConfig `json:"modes"`
}

var (
	cfg      *Config
	loadOnce sync.Once
	loadErr  error
)

// Load reads and parses the configuration file at path, memoizing the
// result: the file is read exactly once per process, subsequent calls
// return the cached value (or the first error).
func Load(path string) (*Config, error) {
	loadOnce.Do(func() {
		data, err := os.ReadFile(path)
		if err != nil {
			loadErr = fmt.Errorf("config: failed to read config file: %w", err)
			return
		}

		var c Config
		if err := json.Unmarshal(data, &c); err != nil {
			loadErr = fmt.Errorf("config: failed to unmarshal config file: %w", err)
			return
		}
		c.Global.Normalize()
		for id, mc := range c.Modes {
			mc.ModeID = id
			mc.Normalize()
			c.Modes[id] = mc
		}
		cfg = &c
	})
	return cfg, loadErr
}

// Get returns the previously loaded configuration, or nil if Load has not
// succeeded yet.
func Get() *Config {
	return cfg
}

// ModeByID returns the mode's settings, or the zero value and false if the
// mode is not configured. Used by the Match Coordinator to reject unknown
// modes.
func (c *Config) ModeByID(modeID string) (ModeConfig, bool) {
	if c == nil {
		return ModeConfig{}, false
	}
	mc, ok := c.Modes[modeID]
	return mc, ok
}

// PodID reads the required POD_ID environment variable identifying this
// process among its peers.
func PodID() (string, error) {
	id := os.Getenv("POD_ID")
	if id == "" {
		return "", fmt.Errorf("config: POD_ID environment variable is required")
	}
	return id, nil
}
