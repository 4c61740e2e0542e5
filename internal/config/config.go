// Package config manages the wraith engine configuration.
// It handles loading, validating, and providing access to configuration settings
// from YAML files. Defaults are applied by New so a zero-file run is possible,
// and each component receives a copy of its own section at construction time.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// EngineConfig controls the main loop and its safety limits
type EngineConfig struct {
	CycleInterval        string `yaml:"cycleInterval"`
	Channels             []int  `yaml:"channels"`
	MaxConcurrentAttacks int    `yaml:"maxConcurrentAttacks"`
	MaxSessionDuration   string `yaml:"maxSessionDuration"`
	MinBatteryPercent    int    `yaml:"minBatteryPercent"`
	BatteryPath          string `yaml:"batteryPath"`
	AutoCrack            bool   `yaml:"autoCrack"`
	CrackTimeout         string `yaml:"crackTimeout"`
	ScanTimeout          string `yaml:"scanTimeout"`
	MaxCrackAttempts     int    `yaml:"maxCrackAttempts"`
	SkipKnownCracked     bool   `yaml:"skipKnownCracked"`
}

// SchedulerConfig controls scoring, filtering and retry policy
type SchedulerConfig struct {
	MinSignal         int      `yaml:"minSignal"`
	StrongSignal      int      `yaml:"strongSignal"`
	PreferWPA2        bool     `yaml:"preferWPA2"`
	PreferClients     bool     `yaml:"preferClients"`
	PreferPMKID       bool     `yaml:"preferPMKID"`
	MaxAttackAttempts int      `yaml:"maxAttackAttempts"`
	CooldownSeconds   int      `yaml:"cooldownSeconds"`
	AllowList         []string `yaml:"allowList"`
	DenyList          []string `yaml:"denyList"`
}

// AttackConfig controls the attack chain
type AttackConfig struct {
	Chain            []string `yaml:"chain"`
	AttackTimeout    string   `yaml:"attackTimeout"`
	InterAttackDelay string   `yaml:"interAttackDelay"`
	StopOnSuccess    bool     `yaml:"stopOnSuccess"`
	DeauthCount      int      `yaml:"deauthCount"`
	DeauthInterval   string   `yaml:"deauthInterval"`
	CaptureDir       string   `yaml:"captureDir"`
}

// SessionConfig controls session persistence
type SessionConfig struct {
	Dir                string `yaml:"dir"`
	Backend            string `yaml:"backend"`
	BoltPath           string `yaml:"boltPath"`
	CheckpointInterval string `yaml:"checkpointInterval"`
	MaxSessions        int    `yaml:"maxSessions"`
	MaxEvents          int    `yaml:"maxEvents"`
	PersistedEvents    int    `yaml:"persistedEvents"`
}

// DatabaseConfig controls the campaign archive
type DatabaseConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Path              string `yaml:"path"`
	BackupDir         string `yaml:"backupDir"`
	DataRetentionDays int    `yaml:"dataRetentionDays"`
	OptimizeFrequency string `yaml:"optimizeFrequency"`
}

// LoggingConfig controls log output
type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	OutputPath string `yaml:"outputPath"`
}

// Config represents the application configuration
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Attack    AttackConfig    `yaml:"attack"`
	Session   SessionConfig   `yaml:"session"`
	Database  DatabaseConfig  `yaml:"database"`
	Logging   LoggingConfig   `yaml:"logging"`

	path string
	mu   sync.RWMutex
}

var knownAttacks = map[string]bool{
	"pmkid":     true,
	"handshake": true,
	"evil_twin": true,
}

// New returns a configuration populated with defaults
func New() *Config {
	c := &Config{}
	setDefaults(c)
	return c
}

// LoadConfig loads configuration from a YAML file on top of the current values
func (c *Config) LoadConfig(path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Save path for potential reloading
	c.path = path

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return fmt.Errorf("configuration file does not exist: %s", path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read configuration file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse configuration file: %w", err)
	}

	if err := c.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	if err := c.ensureDirs(); err != nil {
		return err
	}

	log.Info().Str("path", path).Msg("Configuration loaded successfully")
	return nil
}

// Reload reloads the configuration from the file
func (c *Config) Reload() error {
	c.mu.RLock()
	path := c.path
	c.mu.RUnlock()

	if path == "" {
		return errors.New("configuration was not loaded from a file")
	}
	return c.LoadConfig(path)
}

// SaveConfig saves the current configuration to a file
func (c *Config) SaveConfig(path string) error {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal configuration: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}

	return nil
}

// Snapshot renders the configuration as a generic map for embedding in session documents
func (c *Config) Snapshot() map[string]interface{} {
	c.mu.RLock()
	defer c.mu.RUnlock()

	snapshot := make(map[string]interface{})
	data, err := yaml.Marshal(c)
	if err != nil {
		return snapshot
	}
	if err := yaml.Unmarshal(data, &snapshot); err != nil {
		log.Warn().Err(err).Msg("Failed to snapshot configuration")
	}
	return snapshot
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	// Engine validation
	if err := positiveDuration("engine.cycleInterval", c.Engine.CycleInterval); err != nil {
		return err
	}
	if len(c.Engine.Channels) == 0 {
		return errors.New("at least one channel is required")
	}
	for _, ch := range c.Engine.Channels {
		if ch < 1 || ch > 196 {
			return fmt.Errorf("invalid channel: %d", ch)
		}
	}
	if c.Engine.MaxConcurrentAttacks < 1 {
		return fmt.Errorf("invalid maxConcurrentAttacks: %d", c.Engine.MaxConcurrentAttacks)
	}
	if c.Engine.MaxSessionDuration != "" {
		if _, err := time.ParseDuration(c.Engine.MaxSessionDuration); err != nil {
			return fmt.Errorf("invalid max session duration: %s", c.Engine.MaxSessionDuration)
		}
	}
	if c.Engine.MinBatteryPercent < 0 || c.Engine.MinBatteryPercent > 100 {
		return fmt.Errorf("invalid minBatteryPercent: %d", c.Engine.MinBatteryPercent)
	}
	for name, value := range map[string]string{
		"engine.crackTimeout": c.Engine.CrackTimeout,
		"engine.scanTimeout":  c.Engine.ScanTimeout,
	} {
		if err := positiveDuration(name, value); err != nil {
			return err
		}
	}

	// Scheduler validation
	if c.Scheduler.MaxAttackAttempts < 1 {
		return fmt.Errorf("invalid maxAttackAttempts: %d", c.Scheduler.MaxAttackAttempts)
	}
	if c.Scheduler.CooldownSeconds < 0 {
		return fmt.Errorf("invalid cooldownSeconds: %d", c.Scheduler.CooldownSeconds)
	}
	if c.Scheduler.StrongSignal < c.Scheduler.MinSignal {
		return fmt.Errorf("strongSignal %d is below minSignal %d", c.Scheduler.StrongSignal, c.Scheduler.MinSignal)
	}

	// Attack validation
	if len(c.Attack.Chain) == 0 {
		return errors.New("attack chain is empty")
	}
	for _, kind := range c.Attack.Chain {
		if !knownAttacks[kind] {
			return fmt.Errorf("unknown attack in chain: %s", kind)
		}
	}
	if err := positiveDuration("attack.attackTimeout", c.Attack.AttackTimeout); err != nil {
		return err
	}
	if c.Attack.InterAttackDelay != "" {
		if _, err := time.ParseDuration(c.Attack.InterAttackDelay); err != nil {
			return fmt.Errorf("invalid inter-attack delay: %s", c.Attack.InterAttackDelay)
		}
	}

	// Session validation
	switch c.Session.Backend {
	case "file":
		if c.Session.Dir == "" {
			return errors.New("session dir is required for the file backend")
		}
	case "bolt":
		if c.Session.BoltPath == "" {
			return errors.New("session boltPath is required for the bolt backend")
		}
	default:
		return fmt.Errorf("unknown session backend: %s", c.Session.Backend)
	}
	if err := positiveDuration("session.checkpointInterval", c.Session.CheckpointInterval); err != nil {
		return err
	}
	if c.Session.MaxSessions < 1 {
		return fmt.Errorf("invalid maxSessions: %d", c.Session.MaxSessions)
	}
	if c.Session.PersistedEvents < 0 || c.Session.PersistedEvents > c.Session.MaxEvents {
		return fmt.Errorf("persistedEvents must be between 0 and maxEvents (%d)", c.Session.MaxEvents)
	}

	// Database validation
	if c.Database.Enabled && c.Database.Path == "" {
		return errors.New("database path is required")
	}

	// Logging validation
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Logging.Level)); err != nil {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	return nil
}

func (c *Config) ensureDirs() error {
	dirs := []string{c.Attack.CaptureDir}
	if c.Session.Backend == "file" {
		dirs = append(dirs, c.Session.Dir)
	} else {
		dirs = append(dirs, filepath.Dir(c.Session.BoltPath))
	}
	if c.Database.Enabled {
		dirs = append(dirs, filepath.Dir(c.Database.Path), c.Database.BackupDir)
	}
	if c.Logging.OutputPath != "" {
		dirs = append(dirs, filepath.Dir(c.Logging.OutputPath))
	}

	for _, dir := range dirs {
		if dir != "" {
			if err := os.MkdirAll(dir, 0755); err != nil {
				return fmt.Errorf("failed to create directory %s: %w", dir, err)
			}
		}
	}
	return nil
}

func positiveDuration(name, value string) error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return fmt.Errorf("invalid %s: %q", name, value)
	}
	if d <= 0 {
		return fmt.Errorf("%s must be positive", name)
	}
	return nil
}

// parseOr parses a duration string, returning fallback when it is empty or malformed
func parseOr(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

// GetCycleInterval returns the pause between engine cycles
func (e EngineConfig) GetCycleInterval() time.Duration {
	return parseOr(e.CycleInterval, 30*time.Second)
}

// GetMaxSessionDuration returns the session time limit; zero disables the limit
func (e EngineConfig) GetMaxSessionDuration() time.Duration {
	return parseOr(e.MaxSessionDuration, 0)
}

// GetCrackTimeout returns the deadline for one cracker call
func (e EngineConfig) GetCrackTimeout() time.Duration {
	return parseOr(e.CrackTimeout, 5*time.Minute)
}

// GetScanTimeout returns the deadline for one scanner call
func (e EngineConfig) GetScanTimeout() time.Duration {
	return parseOr(e.ScanTimeout, 30*time.Second)
}

// GetCooldown returns the cooldown window as a duration
func (s SchedulerConfig) GetCooldown() time.Duration {
	return time.Duration(s.CooldownSeconds) * time.Second
}

// GetAttackTimeout returns the per-attack timeout
func (a AttackConfig) GetAttackTimeout() time.Duration {
	return parseOr(a.AttackTimeout, 2*time.Minute)
}

// GetInterAttackDelay returns the pause between two strategy executions
func (a AttackConfig) GetInterAttackDelay() time.Duration {
	return parseOr(a.InterAttackDelay, 0)
}

// GetDeauthInterval returns the pause between deauthentication bursts
func (a AttackConfig) GetDeauthInterval() time.Duration {
	return parseOr(a.DeauthInterval, 10*time.Second)
}

// GetCheckpointInterval returns the autosave period
func (s SessionConfig) GetCheckpointInterval() time.Duration {
	return parseOr(s.CheckpointInterval, time.Minute)
}

// GetOptimizeFrequency returns how often the archive is vacuumed
func (d DatabaseConfig) GetOptimizeFrequency() time.Duration {
	return parseOr(d.OptimizeFrequency, 24*time.Hour)
}

// setDefaults initializes the configuration with default values
func setDefaults(c *Config) {
	// Engine defaults
	c.Engine.CycleInterval = "30s"
	c.Engine.Channels = []int{1, 6, 11}
	c.Engine.MaxConcurrentAttacks = 3
	c.Engine.MaxSessionDuration = "8h"
	c.Engine.MinBatteryPercent = 15
	c.Engine.BatteryPath = "/sys/class/power_supply"
	c.Engine.AutoCrack = true
	c.Engine.CrackTimeout = "5m"
	c.Engine.ScanTimeout = "30s"
	c.Engine.MaxCrackAttempts = 3
	c.Engine.SkipKnownCracked = true

	// Scheduler defaults
	c.Scheduler.MinSignal = -85
	c.Scheduler.StrongSignal = -60
	c.Scheduler.PreferWPA2 = true
	c.Scheduler.PreferClients = true
	c.Scheduler.PreferPMKID = true
	c.Scheduler.MaxAttackAttempts = 3
	c.Scheduler.CooldownSeconds = 300

	// Attack defaults
	c.Attack.Chain = []string{"pmkid", "handshake", "evil_twin"}
	c.Attack.AttackTimeout = "2m"
	c.Attack.InterAttackDelay = "2s"
	c.Attack.StopOnSuccess = true
	c.Attack.DeauthCount = 5
	c.Attack.DeauthInterval = "10s"
	c.Attack.CaptureDir = "./data/captures"

	// Session defaults
	c.Session.Dir = "./data/sessions"
	c.Session.Backend = "file"
	c.Session.BoltPath = "./data/sessions.db"
	c.Session.CheckpointInterval = "60s"
	c.Session.MaxSessions = 10
	c.Session.MaxEvents = 1000
	c.Session.PersistedEvents = 100

	// Database defaults
	c.Database.Enabled = true
	c.Database.Path = "./data/wraith.db"
	c.Database.BackupDir = "./data/backups"
	c.Database.DataRetentionDays = 365
	c.Database.OptimizeFrequency = "24h"

	// Logging defaults
	c.Logging.Level = "info"
	c.Logging.Format = "console"
	c.Logging.OutputPath = ""
}
