package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/loykin/tandem/internal/auth"
	"github.com/loykin/tandem/internal/deploy"
	"github.com/loykin/tandem/internal/env"
	"github.com/loykin/tandem/internal/failure"
	"github.com/loykin/tandem/internal/logger"
	"github.com/loykin/tandem/internal/process"
	tlsx "github.com/loykin/tandem/internal/tls"
)

// EnvPrefix is the prefix of environment variables that override file keys,
// e.g. TANDEM_STATE_DIR or TANDEM_UPDATE_DEPLOY_DIR.
const EnvPrefix = "TANDEM"

const (
	DefaultStateDir     = ".tandem"
	DefaultLockTimeout  = 30 * time.Second
	DefaultKeep         = 3
	DefaultListen       = "127.0.0.1:8321"
	DefaultBasePath     = "/api"
	DefaultInstallLimit = 10 * time.Minute
)

// Config represents the top-level TOML or YAML structure.
type Config struct {
	StateDir     string          `mapstructure:"state_dir"`
	LockTimeout  time.Duration   `mapstructure:"lock_timeout"`
	StopTimeout  time.Duration   `mapstructure:"stop_timeout"`  // default for services
	StartupGrace time.Duration   `mapstructure:"startup_grace"` // default for services
	Env          []string        `mapstructure:"env"`
	EnvFiles     []string        `mapstructure:"env_files"`
	UseOSEnv     bool            `mapstructure:"use_os_env"`
	Log          logger.Config   `mapstructure:"log"`
	Services     []ServiceConfig `mapstructure:"services"`
	Update       UpdateConfig    `mapstructure:"update"`
	History      HistoryConfig   `mapstructure:"history"`
	Metrics      MetricsConfig   `mapstructure:"metrics"`
	Server       ServerConfig    `mapstructure:"server"`

	// StartupGraceSeconds is the integer-seconds spelling of StartupGrace.
	StartupGraceSeconds int `mapstructure:"startup_grace_seconds"`

	// Path is the file the config was read from.
	Path string `mapstructure:"-"`
}

type ServiceConfig struct {
	Name         string        `mapstructure:"name"`
	Command      string        `mapstructure:"command"`
	WorkDir      string        `mapstructure:"workdir"`
	Env          []string      `mapstructure:"env"`
	LogFile      string        `mapstructure:"log_file"`
	DependsOn    string        `mapstructure:"depends_on"`
	StartupGrace time.Duration `mapstructure:"startup_grace"`
	StopTimeout  time.Duration `mapstructure:"stop_timeout"`
	Signature    string        `mapstructure:"signature"`
	ReadyURL     string        `mapstructure:"ready_url"`
	ReadyTimeout time.Duration `mapstructure:"ready_timeout"`

	StartupGraceSeconds int `mapstructure:"startup_grace_seconds"`
}

type UpdateConfig struct {
	DeployDir       string        `mapstructure:"deploy_dir"`
	SnapshotDir     string        `mapstructure:"snapshot_dir"`
	Keep            int           `mapstructure:"keep"`
	MinFreeBytes    int64         `mapstructure:"min_free_bytes"` // headroom beyond the tree size
	Preserve        []string      `mapstructure:"preserve"`
	Source          SourceConfig  `mapstructure:"source"`
	Install         InstallConfig `mapstructure:"install"`
	RollbackTimeout time.Duration `mapstructure:"rollback_timeout"`
}

// SourceConfig selects where a new version comes from: a prepared directory
// or a command run inside deploy_dir. Exactly one must be set.
type SourceConfig struct {
	Dir     string        `mapstructure:"dir"`
	Command string        `mapstructure:"command"`
	Timeout time.Duration `mapstructure:"timeout"`
}

type InstallConfig struct {
	Command    string        `mapstructure:"command"`
	Timeout    time.Duration `mapstructure:"timeout"`
	OnRollback bool          `mapstructure:"on_rollback"`
}

type HistoryConfig struct {
	// DSN accepts a single string or a list; each becomes a sink.
	DSN []string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	Textfile string `mapstructure:"textfile"` // written after each CLI command
	Listen   string `mapstructure:"listen"`   // optional standalone /metrics listener
}

type ServerConfig struct {
	Listen   string      `mapstructure:"listen"`
	BasePath string      `mapstructure:"base_path"`
	Auth     auth.Config `mapstructure:"auth"`
	TLS      tlsx.Config `mapstructure:"tls"`
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	v.SetDefault("state_dir", DefaultStateDir)
	v.SetDefault("lock_timeout", DefaultLockTimeout)
	v.SetDefault("use_os_env", true)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("update.keep", DefaultKeep)
	v.SetDefault("update.install.timeout", DefaultInstallLimit)
	v.SetDefault("server.listen", DefaultListen)
	v.SetDefault("server.base_path", DefaultBasePath)
	// Bound so env overrides apply to keys absent from the file.
	for _, k := range []string{
		"update.deploy_dir", "update.snapshot_dir", "update.source.dir", "update.source.command",
		"update.install.command", "history.dsn", "metrics.textfile", "metrics.listen",
	} {
		_ = v.BindEnv(k)
	}
	return v
}

// Load reads path (format chosen by extension), applies TANDEM_ overrides,
// resolves relative paths against the file's directory and validates the
// result. Every error is a configuration failure.
func Load(path string) (*Config, error) {
	v := newViper()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "config", err)
	}
	var c Config
	if err := v.Unmarshal(&c, viper.DecodeHook(decodeHook())); err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "config", fmt.Errorf("decode %s: %w", path, err))
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "config", err)
	}
	c.Path = abs
	c.resolvePaths(filepath.Dir(abs))
	if err := c.Validate(); err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "config", err)
	}
	return &c, nil
}

var durationType = reflect.TypeOf(time.Duration(0))

// secondsHook reads a bare number given for a duration key as seconds, so
// `startup_grace = 5` means five seconds rather than five nanoseconds.
func secondsHook(f, t reflect.Type, data any) (any, error) {
	if t != durationType || f == durationType {
		return data, nil
	}
	switch v := reflect.ValueOf(data); f.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return time.Duration(v.Int()) * time.Second, nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return time.Duration(v.Uint()) * time.Second, nil
	case reflect.Float32, reflect.Float64:
		return time.Duration(v.Float() * float64(time.Second)), nil
	}
	return data, nil
}

func decodeHook() mapstructure.DecodeHookFunc {
	return mapstructure.ComposeDecodeHookFunc(
		secondsHook,
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	)
}

// graceFrom merges the two spellings of a startup grace.
func graceFrom(d time.Duration, seconds int) (time.Duration, error) {
	switch {
	case seconds < 0:
		return 0, errors.New("startup_grace_seconds must not be negative")
	case seconds > 0 && d != 0:
		return 0, errors.New("set startup_grace or startup_grace_seconds, not both")
	case seconds > 0:
		return time.Duration(seconds) * time.Second, nil
	case d != 0 && d < time.Millisecond:
		return 0, fmt.Errorf("startup_grace %v is below 1ms; use a unit such as \"5s\"", d)
	}
	return d, nil
}

// nested reports whether p is root or lies below it.
func nested(root, p string) bool {
	if root == "" || p == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	if strings.HasPrefix(p, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, p[2:])
		}
	}
	return filepath.Join(base, p)
}

func (c *Config) resolvePaths(base string) {
	c.StateDir = resolve(base, c.StateDir)
	c.Log.File = resolve(base, c.Log.File)
	for i := range c.EnvFiles {
		c.EnvFiles[i] = resolve(base, c.EnvFiles[i])
	}
	for i := range c.Services {
		c.Services[i].WorkDir = resolve(base, c.Services[i].WorkDir)
		c.Services[i].LogFile = resolve(base, c.Services[i].LogFile)
	}
	u := &c.Update
	u.DeployDir = resolve(base, u.DeployDir)
	u.SnapshotDir = resolve(base, u.SnapshotDir)
	if u.SnapshotDir == "" && c.StateDir != "" {
		u.SnapshotDir = filepath.Join(c.StateDir, "snapshots")
	}
	u.Source.Dir = resolve(base, u.Source.Dir)
	c.Metrics.Textfile = resolve(base, c.Metrics.Textfile)
	t := &c.Server.TLS
	t.CertFile = resolve(base, t.CertFile)
	t.KeyFile = resolve(base, t.KeyFile)
	t.Dir = resolve(base, t.Dir)
	if t.Enabled && t.Dir == "" && t.CertFile == "" && c.StateDir != "" {
		t.Dir = filepath.Join(c.StateDir, "tls")
	}
}

// Validate checks everything that can be checked without touching services.
func (c *Config) Validate() error {
	var errs []error
	if c.StateDir == "" {
		errs = append(errs, errors.New("state_dir is required"))
	}
	if c.LockTimeout < 0 || c.StopTimeout < 0 || c.StartupGrace < 0 {
		errs = append(errs, errors.New("timeouts must not be negative"))
	}
	if _, err := graceFrom(c.StartupGrace, c.StartupGraceSeconds); err != nil {
		errs = append(errs, err)
	}
	for _, sc := range c.Services {
		if _, err := graceFrom(sc.StartupGrace, sc.StartupGraceSeconds); err != nil {
			errs = append(errs, fmt.Errorf("service %s: %w", sc.Name, err))
		}
	}
	if err := c.Log.Validate(); err != nil {
		errs = append(errs, fmt.Errorf("log: %w", err))
	}
	if len(c.Services) == 0 {
		errs = append(errs, errors.New("no services configured"))
	}
	for _, sp := range c.Specs() {
		if err := sp.Validate(); err != nil {
			errs = append(errs, err)
		}
	}
	for _, kv := range c.Env {
		if !strings.Contains(kv, "=") {
			errs = append(errs, fmt.Errorf("env entry %q is not KEY=VALUE", kv))
		}
	}
	u := c.Update
	if u.Source.Dir != "" && u.Source.Command != "" {
		errs = append(errs, errors.New("update.source: set dir or command, not both"))
	}
	if u.Keep < 0 || u.MinFreeBytes < 0 {
		errs = append(errs, errors.New("update: keep and min_free_bytes must not be negative"))
	}
	if err := deploy.Preserve(u.Preserve).Validate(); err != nil {
		errs = append(errs, fmt.Errorf("update.preserve: %w", err))
	}
	// Replace and restore prune the deploy dir, which would take the pid
	// records, locks and snapshots with it.
	if nested(u.DeployDir, c.StateDir) {
		errs = append(errs, fmt.Errorf("state_dir %s must be outside update.deploy_dir %s", c.StateDir, u.DeployDir))
	}
	if nested(u.DeployDir, u.SnapshotDir) {
		errs = append(errs, fmt.Errorf("update.snapshot_dir %s must be outside update.deploy_dir %s", u.SnapshotDir, u.DeployDir))
	}
	if nested(u.SnapshotDir, u.DeployDir) {
		errs = append(errs, fmt.Errorf("update.deploy_dir %s must be outside update.snapshot_dir %s", u.DeployDir, u.SnapshotDir))
	}
	return errors.Join(errs...)
}

// Specs converts the service entries to process specs, applying the
// top-level duration defaults. Graph checks happen in the supervisor.
func (c *Config) Specs() []process.Spec {
	out := make([]process.Spec, 0, len(c.Services))
	defGrace, _ := graceFrom(c.StartupGrace, c.StartupGraceSeconds)
	for _, s := range c.Services {
		grace, _ := graceFrom(s.StartupGrace, s.StartupGraceSeconds)
		sp := process.Spec{
			Name:         s.Name,
			Command:      s.Command,
			WorkDir:      s.WorkDir,
			Env:          s.Env,
			LogPath:      s.LogFile,
			DependsOn:    s.DependsOn,
			StartupGrace: grace,
			StopTimeout:  s.StopTimeout,
			Signature:    s.Signature,
			ReadyURL:     s.ReadyURL,
			ReadyTimeout: s.ReadyTimeout,
		}
		if sp.StartupGrace == 0 {
			sp.StartupGrace = defGrace
		}
		if sp.StopTimeout == 0 {
			sp.StopTimeout = c.StopTimeout
		}
		out = append(out, sp.WithDefaults())
	}
	return out
}

// Environment builds the global environment: OS env when enabled, then
// env_files in order, then the env list.
func (c *Config) Environment() (*env.Env, error) {
	e := env.New(c.UseOSEnv)
	for _, f := range c.EnvFiles {
		if err := e.LoadFile(f); err != nil {
			return nil, failure.New(failure.KindConfiguration, "", "config", err)
		}
	}
	if err := e.SetPairs(c.Env); err != nil {
		return nil, failure.New(failure.KindConfiguration, "", "config", err)
	}
	return e, nil
}

// UpdateEnabled reports whether an update can run with this config.
func (c *Config) UpdateEnabled() bool {
	return c.Update.DeployDir != "" && (c.Update.Source.Dir != "" || c.Update.Source.Command != "")
}

// Source returns the configured update source.
func (c *Config) Source() (deploy.Source, error) {
	s := c.Update.Source
	switch {
	case s.Dir != "":
		return deploy.DirSource{Path: s.Dir}, nil
	case s.Command != "":
		return deploy.CommandSource{Command: s.Command, Timeout: s.Timeout}, nil
	}
	return nil, failure.Errorf(failure.KindConfiguration, "", "config", "update.source: dir or command is required")
}

// Path helpers under state_dir.

func (c *Config) PIDDir() string  { return filepath.Join(c.StateDir, "pids") }
func (c *Config) LockDir() string { return filepath.Join(c.StateDir, "locks") }
