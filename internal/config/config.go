// Package config loads btsmirror settings from a YAML file and the
// environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/debian-tools/btsmirror/internal/executor"
	"github.com/debian-tools/btsmirror/internal/tracker"
	"github.com/debian-tools/btsmirror/internal/types"
)

// EnvPrefix prefixes every environment override (BTSMIRROR_SYNC_LABEL, ...).
const EnvPrefix = "BTSMIRROR"

// Store backends.
const (
	BackendSQLite = "sqlite"
	BackendDolt   = "dolt"
	BackendMemory = "memory"
)

// StoreConfig selects and locates the link store.
type StoreConfig struct {
	Backend  string `yaml:"backend" mapstructure:"backend"`
	Path     string `yaml:"path,omitempty" mapstructure:"path"`
	Host     string `yaml:"host,omitempty" mapstructure:"host"`
	Port     int    `yaml:"port,omitempty" mapstructure:"port"`
	User     string `yaml:"user,omitempty" mapstructure:"user"`
	Password string `yaml:"password,omitempty" mapstructure:"password"`
	Database string `yaml:"database,omitempty" mapstructure:"database"`
}

// Config is the full set of settings for a sync run.
type Config struct {
	GitHubToken  string       `yaml:"github_api_token" mapstructure:"github_api_token"`
	GitHubAPIURL string       `yaml:"github_api_url" mapstructure:"github_api_url"`
	SyncLabel    string       `yaml:"sync_label" mapstructure:"sync_label"`
	Repositories []types.Pair `yaml:"repositories" mapstructure:"repositories"`

	DebbugsURL     string `yaml:"debbugs_url" mapstructure:"debbugs_url"`
	FetchBugLogs   bool   `yaml:"fetch_bug_logs" mapstructure:"fetch_bug_logs"`
	MirrorComments bool   `yaml:"mirror_comments" mapstructure:"mirror_comments"`

	StateDir string          `yaml:"state_dir" mapstructure:"state_dir"`
	Store    StoreConfig     `yaml:"store" mapstructure:"store"`
	Retry    executor.Policy `yaml:"retry" mapstructure:"retry"`

	Concurrency int           `yaml:"concurrency" mapstructure:"concurrency"`
	PassTimeout time.Duration `yaml:"pass_timeout" mapstructure:"pass_timeout"`
	LockTimeout time.Duration `yaml:"lock_timeout" mapstructure:"lock_timeout"`

	LogFile string `yaml:"log_file,omitempty" mapstructure:"log_file"`

	// Source is the file the settings were read from, empty when none.
	Source string `yaml:"-" mapstructure:"-"`
}

func setDefaults(v *viper.Viper) {
	policy := executor.DefaultPolicy()

	v.SetDefault("github_api_token", "")
	v.SetDefault("github_api_url", "https://api.github.com")
	v.SetDefault("sync_label", "debian-bts")
	v.SetDefault("debbugs_url", "https://bugs.debian.org/cgi-bin/soap.cgi")
	v.SetDefault("fetch_bug_logs", true)
	v.SetDefault("mirror_comments", true)
	v.SetDefault("state_dir", defaultStateDir())
	v.SetDefault("store.backend", BackendSQLite)
	v.SetDefault("store.path", "")
	v.SetDefault("store.host", "127.0.0.1")
	v.SetDefault("store.port", 3306)
	v.SetDefault("store.user", "root")
	v.SetDefault("store.password", "")
	v.SetDefault("store.database", "btsmirror")
	v.SetDefault("retry.max_attempts", policy.MaxAttempts)
	v.SetDefault("retry.initial_interval", policy.InitialInterval)
	v.SetDefault("retry.max_interval", policy.MaxInterval)
	v.SetDefault("retry.multiplier", policy.Multiplier)
	v.SetDefault("concurrency", 2)
	v.SetDefault("pass_timeout", 10*time.Minute)
	v.SetDefault("lock_timeout", 30*time.Second)
	v.SetDefault("log_file", "")
}

func defaultStateDir() string {
	if dir := os.Getenv("XDG_STATE_HOME"); dir != "" {
		return filepath.Join(dir, "btsmirror")
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "state", "btsmirror")
	}
	return ".btsmirror"
}

// DefaultPaths lists the files tried, in order, when no --config is given.
func DefaultPaths() []string {
	paths := []string{"btsmirror.yaml"}
	if dir, err := os.UserConfigDir(); err == nil {
		paths = append(paths, filepath.Join(dir, "btsmirror", "config.yaml"))
	}
	paths = append(paths, "/etc/btsmirror/config.yaml")
	return paths
}

// Load reads settings from path (or the first existing default path) and
// applies environment overrides. The token also falls back to GITHUB_TOKEN.
// Load does not validate; call Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if err := v.BindEnv("github_api_token", EnvPrefix+"_GITHUB_API_TOKEN", "GITHUB_TOKEN"); err != nil {
		return nil, err
	}

	if path == "" {
		for _, p := range DefaultPaths() {
			if _, err := os.Stat(p); err == nil {
				path = p
				break
			}
		}
	}
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.Source = path
	cfg.StateDir = expandHome(cfg.StateDir)
	cfg.Store.Path = expandHome(cfg.Store.Path)
	if cfg.Store.Backend == BackendSQLite && cfg.Store.Path == "" {
		cfg.Store.Path = filepath.Join(cfg.StateDir, "links.db")
	}
	cfg.Store.Backend = strings.ToLower(cfg.Store.Backend)
	return &cfg, nil
}

func expandHome(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Validate reports every missing or invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	if c.GitHubToken == "" {
		errs = append(errs, errors.New("github_api_token is not set (or export GITHUB_TOKEN)"))
	}
	if strings.TrimSpace(c.SyncLabel) == "" {
		errs = append(errs, errors.New("sync_label is empty"))
	}
	if len(c.Repositories) == 0 {
		errs = append(errs, errors.New("repositories: at least one debian_pkg/github_repo pair is required"))
	}
	seen := make(map[types.Pair]bool)
	for i, p := range c.Repositories {
		if p.Package == "" {
			errs = append(errs, fmt.Errorf("repositories[%d]: debian_pkg is empty", i))
		}
		if !validRepository(p.Repository) {
			errs = append(errs, fmt.Errorf("repositories[%d]: github_repo %q is not owner/name", i, p.Repository))
		}
		if seen[p] {
			errs = append(errs, fmt.Errorf("repositories[%d]: duplicate pair %s", i, p))
		}
		seen[p] = true
	}
	switch c.Store.Backend {
	case BackendSQLite, BackendMemory:
	case BackendDolt:
		if c.Store.Database == "" {
			errs = append(errs, errors.New("store.database is empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("store.backend %q is unknown (want sqlite, dolt or memory)", c.Store.Backend))
	}
	if c.Concurrency < 1 {
		errs = append(errs, fmt.Errorf("concurrency must be at least 1, got %d", c.Concurrency))
	}
	if c.PassTimeout <= 0 {
		errs = append(errs, errors.New("pass_timeout must be positive"))
	}
	if c.LockTimeout < 0 {
		errs = append(errs, errors.New("lock_timeout must not be negative"))
	}
	if c.Retry.MaxAttempts < 1 {
		errs = append(errs, errors.New("retry.max_attempts must be at least 1"))
	}
	return errors.Join(errs...)
}

func validRepository(repo string) bool {
	owner, name, ok := strings.Cut(repo, "/")
	return ok && owner != "" && name != "" && !strings.Contains(name, "/")
}

// SourceConfig returns the settings handed to the debbugs source factory.
func (c *Config) SourceConfig() *tracker.Config {
	return tracker.NewConfig("debbugs", map[string]string{
		"url":             c.DebbugsURL,
		"fetch_bug_logs":  fmt.Sprint(c.FetchBugLogs),
		"mirror_comments": fmt.Sprint(c.MirrorComments),
	})
}

// SinkConfig returns the settings handed to the github sink factory.
func (c *Config) SinkConfig() *tracker.Config {
	return tracker.NewConfig("github", map[string]string{
		"token":   c.GitHubToken,
		"api_url": c.GitHubAPIURL,
	})
}

// Pairs returns the configured pairs, restricted to pkg when non-empty.
func (c *Config) Pairs(pkg string) []types.Pair {
	if pkg == "" {
		return c.Repositories
	}
	var out []types.Pair
	for _, p := range c.Repositories {
		if p.Package == pkg {
			out = append(out, p)
		}
	}
	return out
}

// MaskToken hides all but the last four characters of a token.
func MaskToken(token string) string {
	if token == "" {
		return "(not set)"
	}
	if len(token) <= 4 {
		return strings.Repeat("*", len(token))
	}
	return strings.Repeat("*", 8) + token[len(token)-4:]
}

// Redacted returns a copy with secrets masked, for display.
func (c *Config) Redacted() *Config {
	out := *c
	out.GitHubToken = MaskToken(c.GitHubToken)
	if out.Store.Password != "" {
		out.Store.Password = MaskToken(out.Store.Password)
	}
	out.Repositories = append([]types.Pair(nil), c.Repositories...)
	return &out
}

// YAML renders the configuration in the file format Load reads.
func (c *Config) YAML() (string, error) {
	data, err := yaml.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("failed to encode config: %w", err)
	}
	return string(data), nil
}
