// Package config loads the sentience.yaml configuration: defaults first,
// then the file, then environment expansion, then validation.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the sentience runtime configuration
type Config struct {
	Browser    BrowserConfig    `yaml:"browser"`
	Artifacts  ArtifactsConfig  `yaml:"artifacts"`
	Captcha    CaptchaConfig    `yaml:"captcha"`
	Eventually EventuallyConfig `yaml:"eventually"`
	Upload     UploadConfig     `yaml:"upload"`
	AI         AIConfig         `yaml:"ai"`
	Trace      TraceConfig      `yaml:"trace"`
}

// BrowserConfig contains browser automation settings
type BrowserConfig struct {
	Headless bool `yaml:"headless"`
	Viewport struct {
		Width  int `yaml:"width"`
		Height int `yaml:"height"`
	} `yaml:"viewport"`
	Timeout time.Duration `yaml:"timeout"` // Page load timeout
}

// ArtifactsConfig contains failure-artifact buffer settings
type ArtifactsConfig struct {
	BufferSeconds        int        `yaml:"bufferSeconds"`
	CaptureOnAction      *bool      `yaml:"captureOnAction"`
	FPS                  int        `yaml:"fps"` // 0 disables time-based capture
	PersistMode          string     `yaml:"persistMode"`
	OutputDir            string     `yaml:"outputDir"`
	RedactSnapshotValues *bool      `yaml:"redactSnapshotValues"`
	Clip                 ClipConfig `yaml:"clip"`
}

// ClipConfig contains failure-clip synthesis settings
type ClipConfig struct {
	Mode    string  `yaml:"mode"` // off, auto, on
	FPS     int     `yaml:"fps"`
	Seconds float64 `yaml:"seconds"`
}

// CaptchaConfig contains CAPTCHA interception settings
type CaptchaConfig struct {
	Policy               string  `yaml:"policy"` // abort, callback
	MinConfidence        float64 `yaml:"minConfidence"`
	TimeoutMs            int     `yaml:"timeoutMs"`
	PollMs               int     `yaml:"pollMs"`
	MaxRetriesNewSession int     `yaml:"maxRetriesNewSession"`
}

// EventuallyConfig contains retry-loop defaults
type EventuallyConfig struct {
	TimeoutMs           int      `yaml:"timeoutMs"`
	PollMs              int      `yaml:"pollMs"`
	MinConfidence       *float64 `yaml:"minConfidence"`
	MaxSnapshotAttempts int      `yaml:"maxSnapshotAttempts"`
}

// UploadConfig contains artifact store settings
type UploadConfig struct {
	APIKey string `yaml:"apiKey"` // Can use ${ENV_VAR} syntax
	APIURL string `yaml:"apiUrl"`
}

// AIConfig contains vision provider settings
type AIConfig struct {
	Provider string `yaml:"provider"` // anthropic
	Model    string `yaml:"model"`
	APIKey   string `yaml:"apiKey"` // Can use ${ENV_VAR} syntax
}

// TraceConfig contains tracer output settings
type TraceConfig struct {
	Dir string `yaml:"dir"`
}

// DefaultConfig returns a config with sensible defaults
func DefaultConfig() *Config {
	cfg := &Config{
		Artifacts: ArtifactsConfig{
			BufferSeconds: 15,
			FPS:           0,
			PersistMode:   "onFail",
			OutputDir:     filepath.Join(".sentience", "artifacts"),
			Clip: ClipConfig{
				Mode: "auto",
				FPS:  8,
			},
		},
		Captcha: CaptchaConfig{
			Policy:               "abort",
			MinConfidence:        0.7,
			TimeoutMs:            120_000,
			PollMs:               1_000,
			MaxRetriesNewSession: 1,
		},
		Eventually: EventuallyConfig{
			TimeoutMs:           10_000,
			PollMs:              250,
			MaxSnapshotAttempts: 3,
		},
		Upload: UploadConfig{
			APIKey: "${SENTIENCE_API_KEY}",
		},
		AI: AIConfig{
			Provider: "anthropic",
			Model:    "claude-sonnet-4-5",
			APIKey:   "${ANTHROPIC_API_KEY}",
		},
		Trace: TraceConfig{
			Dir: filepath.Join(".sentience", "traces"),
		},
	}
	cfg.Browser.Headless = true
	cfg.Browser.Viewport.Width = 1280
	cfg.Browser.Viewport.Height = 720
	cfg.Browser.Timeout = 30 * time.Second
	return cfg
}

// Load loads configuration from a file
func Load(path string) (*Config, error) {
	// Start with defaults
	cfg := DefaultConfig()

	// If no path provided, try to find sentience.yaml in common locations
	if path == "" {
		path = findConfigFile()
		if path == "" {
			// No config file found, use defaults
			cfg.expandEnvVars()
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.expandEnvVars()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	cfg.expandEnvVars()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Save writes the configuration to a file
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	validPersist := map[string]bool{"onFail": true, "always": true}
	if !validPersist[c.Artifacts.PersistMode] {
		return fmt.Errorf("artifacts.persistMode must be onFail or always")
	}
	validClip := map[string]bool{"off": true, "auto": true, "on": true}
	if !validClip[c.Artifacts.Clip.Mode] {
		return fmt.Errorf("artifacts.clip.mode must be off, auto, or on")
	}
	if c.Artifacts.BufferSeconds <= 0 {
		return fmt.Errorf("artifacts.bufferSeconds must be positive")
	}

	validPolicy := map[string]bool{"abort": true, "callback": true}
	if !validPolicy[c.Captcha.Policy] {
		return fmt.Errorf("captcha.policy must be abort or callback")
	}
	if c.Captcha.MinConfidence < 0 || c.Captcha.MinConfidence > 1 {
		return fmt.Errorf("captcha.minConfidence must be between 0 and 1")
	}

	if c.Eventually.MinConfidence != nil {
		if v := *c.Eventually.MinConfidence; v < 0 || v > 1 {
			return fmt.Errorf("eventually.minConfidence must be between 0 and 1")
		}
	}

	return nil
}

// expandEnvVars expands environment variables in string fields
func (c *Config) expandEnvVars() {
	c.Artifacts.OutputDir = os.ExpandEnv(c.Artifacts.OutputDir)
	c.Upload.APIKey = os.ExpandEnv(c.Upload.APIKey)
	c.Upload.APIURL = os.ExpandEnv(c.Upload.APIURL)
	c.AI.APIKey = os.ExpandEnv(c.AI.APIKey)
	c.Trace.Dir = os.ExpandEnv(c.Trace.Dir)
}

// findConfigFile searches for sentience.yaml in common locations
func findConfigFile() string {
	// Search order:
	// 1. Current directory
	// 2. Parent directories (up to 5 levels)
	// 3. Home directory

	candidates := []string{
		"sentience.yaml",
		"sentience.yml",
		".sentience.yaml",
		".sentience.yml",
	}

	for _, name := range candidates {
		if _, err := os.Stat(name); err == nil {
			return name
		}
	}

	dir, _ := os.Getwd()
	for i := 0; i < 5; i++ {
		parent := filepath.Dir(dir)
		if parent == dir {
			break // Reached root
		}
		dir = parent

		for _, name := range candidates {
			path := filepath.Join(dir, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		for _, name := range candidates {
			path := filepath.Join(home, name)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}

	return ""
}
