// Package config provides configuration management for the Splatview Agent.
// Configuration is loaded from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	// Default values
	DefaultPort      = 8788
	DefaultLogLevel  = "info"
	DefaultDataDir   = ".splatview"
	DefaultRemoteURL = "http://localhost:8000"

	// Environment variable names
	EnvPort      = "SPLATVIEW_PORT"
	EnvLogLevel  = "SPLATVIEW_LOG_LEVEL"
	EnvDataDir   = "SPLATVIEW_DATA_DIR"
	EnvRemoteURL = "SPLATVIEW_REMOTE_URL"
	EnvHeadless  = "SPLATVIEW_HEADLESS"

	// Session environment variable names
	EnvMinImages     = "SPLATVIEW_MIN_IMAGES"
	EnvMaxImages     = "SPLATVIEW_MAX_IMAGES"
	EnvIterations    = "SPLATVIEW_ITERATIONS"
	EnvHealthTimeout = "SPLATVIEW_HEALTH_TIMEOUT"

	// Database filename
	DBFilename = "splatview.db"

	// Session defaults
	DefaultMinImages     = 3
	DefaultMaxImages     = 10
	DefaultIterations    = 1000
	MinIterations        = 500
	MaxIterations        = 5000
	DefaultHealthTimeout = 5 // seconds, per attempt
	DefaultHealthRetries = 3
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	LogLevel() string
	DataDir() string
	DBPath() string
	ArtifactsDir() string
	RemoteURL() string
	Headless() bool
	MinImages() int
	MaxImages() int
	Iterations() int
	HealthTimeout() time.Duration
	HealthRetries() int
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	port      int
	logLevel  string
	dataDir   string
	remoteURL string
	headless  bool

	minImages     int
	maxImages     int
	iterations    int
	healthTimeout time.Duration
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	cfg := &EnvConfig{
		port:          DefaultPort,
		logLevel:      DefaultLogLevel,
		dataDir:       defaultDataDir(),
		remoteURL:     DefaultRemoteURL,
		minImages:     DefaultMinImages,
		maxImages:     DefaultMaxImages,
		iterations:    DefaultIterations,
		healthTimeout: DefaultHealthTimeout * time.Second,
	}

	// Override port from environment
	if p := os.Getenv(EnvPort); p != "" {
		port, err := strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvPort, err)
		}
		if port < 1 || port > 65535 {
			return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
		}
		cfg.port = port
	}

	if ll := os.Getenv(EnvLogLevel); ll != "" {
		cfg.logLevel = ll
	}

	if dd := os.Getenv(EnvDataDir); dd != "" {
		cfg.dataDir = dd
	}

	if ru := os.Getenv(EnvRemoteURL); ru != "" {
		cfg.remoteURL = strings.TrimRight(ru, "/")
	}

	if h := os.Getenv(EnvHeadless); h != "" {
		headless, err := strconv.ParseBool(h)
		if err != nil {
			return nil, fmt.Errorf("invalid %s: %w", EnvHeadless, err)
		}
		cfg.headless = headless
	}

	var err error
	if cfg.minImages, err = intFromEnv(EnvMinImages, cfg.minImages); err != nil {
		return nil, err
	}
	if cfg.maxImages, err = intFromEnv(EnvMaxImages, cfg.maxImages); err != nil {
		return nil, err
	}
	if cfg.minImages < 1 || cfg.maxImages < cfg.minImages {
		return nil, fmt.Errorf("invalid image bounds: %s=%d, %s=%d", EnvMinImages, cfg.minImages, EnvMaxImages, cfg.maxImages)
	}

	if cfg.iterations, err = intFromEnv(EnvIterations, cfg.iterations); err != nil {
		return nil, err
	}
	if cfg.iterations < MinIterations || cfg.iterations > MaxIterations {
		return nil, fmt.Errorf("invalid %s: must be between %d and %d", EnvIterations, MinIterations, MaxIterations)
	}

	timeoutSecs, err := intFromEnv(EnvHealthTimeout, DefaultHealthTimeout)
	if err != nil {
		return nil, err
	}
	if timeoutSecs < 1 {
		return nil, fmt.Errorf("invalid %s: must be positive", EnvHealthTimeout)
	}
	cfg.healthTimeout = time.Duration(timeoutSecs) * time.Second

	return cfg, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.port
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.logLevel
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.dataDir
}

// DBPath returns the full path to the SQLite database file
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.dataDir, DBFilename)
}

// ArtifactsDir returns the directory downloaded reconstructions are stored in
func (c *EnvConfig) ArtifactsDir() string {
	return filepath.Join(c.dataDir, "artifacts")
}

// RemoteURL returns the reconstruction service base URL without a trailing slash
func (c *EnvConfig) RemoteURL() string {
	return c.remoteURL
}

func (c *EnvConfig) Headless() bool {
	return c.headless
}

func (c *EnvConfig) MinImages() int {
	return c.minImages
}

func (c *EnvConfig) MaxImages() int {
	return c.maxImages
}

// Iterations returns the default reconstruction iteration count
func (c *EnvConfig) Iterations() int {
	return c.iterations
}

// HealthTimeout returns the per-attempt timeout of the remote health probe
func (c *EnvConfig) HealthTimeout() time.Duration {
	return c.healthTimeout
}

func (c *EnvConfig) HealthRetries() int {
	return DefaultHealthRetries
}

func intFromEnv(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	return n, nil
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)
