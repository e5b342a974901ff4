// internal/config/config.go
//
// This package handles configuration and the .inkflow directory structure.
// Every project that uses inkflow gets a .inkflow/ folder created in its root
// holding config.yaml, logs, and exported drafts.

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// InkflowDir is the name of the directory we create in each project
	InkflowDir = ".inkflow"

	defaultBaseURL        = "http://127.0.0.1:8000"
	defaultTimeoutSeconds = 120
	defaultPollIntervalMS = 1000
	defaultMode           = "manual"
	defaultContentType    = "article"
)

const defaultProjectConfigYAML = `# inkflow project configuration
version: 1

server:
  # Base URL of the writing backend. The /api/v1 prefix is appended by the client.
  base_url: http://127.0.0.1:8000
  # AI generation can take a while; keep this generous.
  timeout_seconds: 120

workflow:
  # auto runs the whole pipeline server-side; manual drives it turn by turn.
  default_mode: manual
  # article or weitoutiao (short-form post)
  default_content_type: article
  # How often the auto-run progress is polled, in milliseconds.
  poll_interval_ms: 1000
`

// ServerConfig describes how to reach the writing backend.
type ServerConfig struct {
	BaseURL        string `yaml:"base_url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// WorkflowConfig captures workflow preferences.
type WorkflowConfig struct {
	DefaultMode        string `yaml:"default_mode"`
	DefaultContentType string `yaml:"default_content_type"`
	PollIntervalMS     int    `yaml:"poll_interval_ms"`
}

// ProjectConfig models .inkflow/config.yaml.
type ProjectConfig struct {
	Version  int            `yaml:"version"`
	Server   ServerConfig   `yaml:"server"`
	Workflow WorkflowConfig `yaml:"workflow"`
}

// Config holds the runtime configuration for inkflow.
type Config struct {
	// ProjectDir is the directory where the user ran `inkflow` from.
	ProjectDir string

	// InkflowProjectDir is ProjectDir/.inkflow
	InkflowProjectDir string

	Project ProjectConfig
}

// InitInkflowDir creates the .inkflow directory structure in the given project
// directory. This is called when the TUI starts up.
//
// Structure created:
// .inkflow/
// ├── config.yaml  <- Project configuration
// ├── logs/        <- Workflow activity log
// └── exports/     <- Drafts saved from the editor view
func InitInkflowDir(projectDir string) error {
	inkflowDir := filepath.Join(projectDir, InkflowDir)

	dirs := []string{
		filepath.Join(inkflowDir, "logs"),
		filepath.Join(inkflowDir, "exports"),
	}
	for _, dir := range dirs {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return err
		}
	}

	return ensureProjectConfig(filepath.Join(inkflowDir, "config.yaml"))
}

// NewConfig creates a new Config instance populated with project settings.
func NewConfig(projectDir string) (*Config, error) {
	cfg := &Config{
		ProjectDir:        projectDir,
		InkflowProjectDir: filepath.Join(projectDir, InkflowDir),
		Project:           defaultProjectConfig(),
	}
	if err := cfg.loadProjectConfig(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LogsDir returns the path to the logs directory.
func (c *Config) LogsDir() string {
	return filepath.Join(c.InkflowProjectDir, "logs")
}

// ExportsDir returns the directory drafts are exported to.
func (c *Config) ExportsDir() string {
	return filepath.Join(c.InkflowProjectDir, "exports")
}

// ProjectConfigPath returns the on-disk location for the project config file.
func (c *Config) ProjectConfigPath() string {
	return filepath.Join(c.InkflowProjectDir, "config.yaml")
}

// BaseURL returns the configured backend base URL without a trailing slash.
func (c *Config) BaseURL() string {
	return strings.TrimRight(strings.TrimSpace(c.Project.Server.BaseURL), "/")
}

// RequestTimeout returns the HTTP client timeout for collaborator calls.
func (c *Config) RequestTimeout() time.Duration {
	secs := c.Project.Server.TimeoutSeconds
	if secs <= 0 {
		secs = defaultTimeoutSeconds
	}
	return time.Duration(secs) * time.Second
}

// PollInterval returns the cadence of the auto-run status poll.
func (c *Config) PollInterval() time.Duration {
	ms := c.Project.Workflow.PollIntervalMS
	if ms <= 0 {
		ms = defaultPollIntervalMS
	}
	return time.Duration(ms) * time.Millisecond
}

// DefaultMode returns the configured workflow mode for new sessions.
func (c *Config) DefaultMode() string {
	return c.Project.Workflow.DefaultMode
}

// DefaultContentType returns the configured content type for new sessions.
func (c *Config) DefaultContentType() string {
	return c.Project.Workflow.DefaultContentType
}

// SetDefaultMode updates the default workflow mode and persists the value back
// to .inkflow/config.yaml so the next launch starts from the same choice.
func (c *Config) SetDefaultMode(mode string) error {
	mode = strings.TrimSpace(mode)
	if mode != "auto" && mode != "manual" {
		return fmt.Errorf("config: unknown workflow mode %q", mode)
	}
	c.Project.Workflow.DefaultMode = mode
	return c.saveProjectConfig()
}

// SetDefaultContentType updates the default content type and persists it.
func (c *Config) SetDefaultContentType(contentType string) error {
	contentType = strings.TrimSpace(contentType)
	if contentType != "article" && contentType != "weitoutiao" {
		return fmt.Errorf("config: unknown content type %q", contentType)
	}
	c.Project.Workflow.DefaultContentType = contentType
	return c.saveProjectConfig()
}

func (c *Config) loadProjectConfig() error {
	path := c.ProjectConfigPath()
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	parsed := defaultProjectConfig()
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := validateProjectConfig(parsed); err != nil {
		return fmt.Errorf("config: %s: %w", path, err)
	}
	c.Project = parsed
	return nil
}

func (c *Config) saveProjectConfig() error {
	path := c.ProjectConfigPath()
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("config: ensure %s: %w", filepath.Dir(path), err)
	}
	data, err := yaml.Marshal(c.Project)
	if err != nil {
		return fmt.Errorf("config: marshal project config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}

func defaultProjectConfig() ProjectConfig {
	return ProjectConfig{
		Version: 1,
		Server: ServerConfig{
			BaseURL:        defaultBaseURL,
			TimeoutSeconds: defaultTimeoutSeconds,
		},
		Workflow: WorkflowConfig{
			DefaultMode:        defaultMode,
			DefaultContentType: defaultContentType,
			PollIntervalMS:     defaultPollIntervalMS,
		},
	}
}

func validateProjectConfig(cfg ProjectConfig) error {
	if strings.TrimSpace(cfg.Server.BaseURL) == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if mode := cfg.Workflow.DefaultMode; mode != "" && mode != "auto" && mode != "manual" {
		return fmt.Errorf("workflow.default_mode must be auto or manual, got %q", mode)
	}
	if ct := cfg.Workflow.DefaultContentType; ct != "" && ct != "article" && ct != "weitoutiao" {
		return fmt.Errorf("workflow.default_content_type must be article or weitoutiao, got %q", ct)
	}
	return nil
}

func ensureProjectConfig(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("config: stat %s: %w", path, err)
	}
	if err := os.WriteFile(path, []byte(defaultProjectConfigYAML), 0644); err != nil {
		return fmt.Errorf("config: seed %s: %w", path, err)
	}
	return nil
}
