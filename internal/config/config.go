// Package config handles configuration loading for ensemble.
// It supports XDG config paths, project-level overrides, and environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/ShayCichocki/ensemble/pkg/models"
)

// EnvPrefix is the prefix for environment variable overrides,
// e.g. ENSEMBLE_EXECUTION_MAX_PARALLELISM.
const EnvPrefix = "ENSEMBLE"

// ProjectConfigName is the project override file searched upward from the
// working directory.
const ProjectConfigName = ".ensemble.yaml"

// Config holds all configuration for ensemble.
type Config struct {
	Execution  ExecutionConfig  `mapstructure:"execution"`
	Matcher    MatcherConfig    `mapstructure:"matcher"`
	Validation ValidationConfig `mapstructure:"validation"`
	Merge      MergeConfig      `mapstructure:"merge"`
	Runs       RunsConfig       `mapstructure:"runs"`
	Logging    LoggingConfig    `mapstructure:"logging"`
	TUI        TUIConfig        `mapstructure:"tui"`
}

// ExecutionConfig holds worker scheduling settings.
type ExecutionConfig struct {
	// MaxParallelism bounds the number of concurrently running workers.
	MaxParallelism int `mapstructure:"max_parallelism"`
	// MaxRetries is the number of extra attempts for transient failures.
	MaxRetries int `mapstructure:"max_retries"`
	// TransientExitCodes are exit codes treated as retryable.
	TransientExitCodes []int `mapstructure:"transient_exit_codes"`
	// DefaultTimeout applies when no per-type timeout is configured.
	DefaultTimeout time.Duration `mapstructure:"default_timeout"`
	// Timeouts maps a task or specialist type to its timeout.
	Timeouts map[string]time.Duration `mapstructure:"timeouts"`
}

// TimeoutFor returns the configured timeout for a task type, or the default.
func (e ExecutionConfig) TimeoutFor(taskType string) time.Duration {
	if d, ok := e.Timeouts[taskType]; ok && d > 0 {
		return d
	}
	// viper lowercases map keys
	if d, ok := e.Timeouts[strings.ToLower(taskType)]; ok && d > 0 {
		return d
	}
	return e.DefaultTimeout
}

// MatcherConfig holds specialist matching settings.
type MatcherConfig struct {
	MinConfidence float64 `mapstructure:"min_confidence"`
	// AlternativeBelow reports a runner-up specialist when confidence is lower.
	AlternativeBelow float64 `mapstructure:"alternative_below"`
}

// ValidationConfig holds output validation settings.
type ValidationConfig struct {
	CriterionTimeout time.Duration `mapstructure:"criterion_timeout"`
	// MaxConcurrent bounds validations running at the same time.
	MaxConcurrent int `mapstructure:"max_concurrent"`
}

// MergeConfig holds merge settings.
type MergeConfig struct {
	Policy        string        `mapstructure:"policy"`
	VerifyCommand string        `mapstructure:"verify_command"`
	VerifyTimeout time.Duration `mapstructure:"verify_timeout"`
	// Exclude lists glob patterns of output files never merged.
	Exclude []string `mapstructure:"exclude"`
}

// RunsConfig holds locations of run directories and the final artifact tree.
type RunsConfig struct {
	Dir         string `mapstructure:"dir"`
	ArtifactDir string `mapstructure:"artifact_dir"`
	// StateDB is the SQLite run index. Empty means <dir>/state.db.
	StateDB string `mapstructure:"state_db"`
}

// StateDBPath returns the run index location.
func (r RunsConfig) StateDBPath() string {
	if r.StateDB != "" {
		return r.StateDB
	}
	return filepath.Join(r.Dir, "state.db")
}

// LoggingConfig holds log settings.
type LoggingConfig struct {
	Level string `mapstructure:"level"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// Load loads configuration from XDG paths, project overrides, and environment variables.
// Precedence (highest to lowest):
// 1. Environment variables (ENSEMBLE_*)
// 2. Project config (.ensemble.yaml in current directory or parent)
// 3. User config (~/.config/ensemble/config.yaml)
// 4. Built-in defaults
func Load() (*Config, error) {
	v := newViper()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(getUserConfigDir())

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading project config %s: %w", projectConfig, err)
		}
		if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
			return nil, fmt.Errorf("merging project config: %w", err)
		}
	}

	return unmarshal(v)
}

// LoadFromPath loads configuration from a specific file, still applying
// defaults and environment overrides.
func LoadFromPath(path string) (*Config, error) {
	v := newViper()

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	return unmarshal(v)
}

func newViper() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func unmarshal(v *viper.Viper) (*Config, error) {
	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}
	cfg.Runs.Dir = os.ExpandEnv(cfg.Runs.Dir)
	cfg.Runs.ArtifactDir = os.ExpandEnv(cfg.Runs.ArtifactDir)
	cfg.Runs.StateDB = os.ExpandEnv(cfg.Runs.StateDB)
	cfg.Logging.Level = strings.ToUpper(cfg.Logging.Level)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the coordinator cannot work with.
func (c *Config) Validate() error {
	var errs []error
	if c.Execution.MaxParallelism < 1 {
		errs = append(errs, fmt.Errorf("execution.max_parallelism must be >= 1, got %d", c.Execution.MaxParallelism))
	}
	if c.Execution.MaxRetries < 0 {
		errs = append(errs, fmt.Errorf("execution.max_retries must be >= 0, got %d", c.Execution.MaxRetries))
	}
	if c.Execution.DefaultTimeout <= 0 {
		errs = append(errs, fmt.Errorf("execution.default_timeout must be positive"))
	}
	if c.Matcher.MinConfidence < 0 || c.Matcher.MinConfidence > 1 {
		errs = append(errs, fmt.Errorf("matcher.min_confidence must be in [0,1], got %v", c.Matcher.MinConfidence))
	}
	if !models.ConflictPolicy(c.Merge.Policy).Valid() {
		errs = append(errs, fmt.Errorf("merge.policy must be %q or %q, got %q",
			models.PolicyLastWriterWins, models.PolicyFailOnConflict, c.Merge.Policy))
	}
	if c.Runs.Dir == "" || c.Runs.ArtifactDir == "" {
		errs = append(errs, fmt.Errorf("runs.dir and runs.artifact_dir are required"))
	}
	return errors.Join(errs...)
}

// Lines renders the effective configuration as sorted "key: value" lines.
func (c *Config) Lines() []string {
	timeouts := make([]string, 0, len(c.Execution.Timeouts))
	for k, v := range c.Execution.Timeouts {
		timeouts = append(timeouts, fmt.Sprintf("%s=%s", k, v))
	}
	sort.Strings(timeouts)

	lines := []string{
		fmt.Sprintf("execution.max_parallelism: %d", c.Execution.MaxParallelism),
		fmt.Sprintf("execution.max_retries: %d", c.Execution.MaxRetries),
		fmt.Sprintf("execution.transient_exit_codes: %v", c.Execution.TransientExitCodes),
		fmt.Sprintf("execution.default_timeout: %s", c.Execution.DefaultTimeout),
		fmt.Sprintf("execution.timeouts: %s", strings.Join(timeouts, ", ")),
		fmt.Sprintf("matcher.min_confidence: %v", c.Matcher.MinConfidence),
		fmt.Sprintf("matcher.alternative_below: %v", c.Matcher.AlternativeBelow),
		fmt.Sprintf("validation.criterion_timeout: %s", c.Validation.CriterionTimeout),
		fmt.Sprintf("validation.max_concurrent: %d", c.Validation.MaxConcurrent),
		fmt.Sprintf("merge.policy: %s", c.Merge.Policy),
		fmt.Sprintf("merge.verify_command: %s", c.Merge.VerifyCommand),
		fmt.Sprintf("merge.verify_timeout: %s", c.Merge.VerifyTimeout),
		fmt.Sprintf("merge.exclude: %v", c.Merge.Exclude),
		fmt.Sprintf("runs.dir: %s", c.Runs.Dir),
		fmt.Sprintf("runs.artifact_dir: %s", c.Runs.ArtifactDir),
		fmt.Sprintf("runs.state_db: %s", c.Runs.StateDBPath()),
		fmt.Sprintf("logging.level: %s", c.Logging.Level),
		fmt.Sprintf("tui.refresh_rate: %s", c.TUI.RefreshRate),
	}
	sort.Strings(lines)
	return lines
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file if it exists.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// setDefaults configures default values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("execution.max_parallelism", 4)
	v.SetDefault("execution.max_retries", 1)
	// 75 is EX_TEMPFAIL from sysexits.h
	v.SetDefault("execution.transient_exit_codes", []int{75})
	v.SetDefault("execution.default_timeout", "30m")
	v.SetDefault("execution.timeouts", map[string]string{})

	v.SetDefault("matcher.min_confidence", 0.5)
	v.SetDefault("matcher.alternative_below", 0.7)

	v.SetDefault("validation.criterion_timeout", "5m")
	v.SetDefault("validation.max_concurrent", 2)

	v.SetDefault("merge.policy", string(models.PolicyLastWriterWins))
	v.SetDefault("merge.verify_command", "")
	v.SetDefault("merge.verify_timeout", "10m")
	v.SetDefault("merge.exclude", []string{})

	v.SetDefault("runs.dir", filepath.Join(".ensemble", "runs"))
	v.SetDefault("runs.artifact_dir", "ensemble-out")
	v.SetDefault("runs.state_db", "")

	v.SetDefault("logging.level", "INFO")
	v.SetDefault("tui.refresh_rate", "100ms")
}

// getUserConfigDir returns the XDG config directory for ensemble.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "ensemble")
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "ensemble")
	}
	return filepath.Join(home, ".config", "ensemble")
}

// findProjectConfig searches for .ensemble.yaml in the current directory and parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ProjectConfigName)
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}

// Default returns a Config with default values.
func Default() *Config {
	return &Config{
		Execution: ExecutionConfig{
			MaxParallelism:     4,
			MaxRetries:         1,
			TransientExitCodes: []int{75},
			DefaultTimeout:     30 * time.Minute,
			Timeouts:           map[string]time.Duration{},
		},
		Matcher: MatcherConfig{
			MinConfidence:    0.5,
			AlternativeBelow: 0.7,
		},
		Validation: ValidationConfig{
			CriterionTimeout: 5 * time.Minute,
			MaxConcurrent:    2,
		},
		Merge: MergeConfig{
			Policy:        string(models.PolicyLastWriterWins),
			VerifyTimeout: 10 * time.Minute,
		},
		Runs: RunsConfig{
			Dir:         filepath.Join(".ensemble", "runs"),
			ArtifactDir: "ensemble-out",
		},
		Logging: LoggingConfig{Level: "INFO"},
		TUI:     TUIConfig{RefreshRate: 100 * time.Millisecond},
	}
}
