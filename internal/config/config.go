// Package config loads byobd's daemon configuration from a YAML file
// via viper, then layers BYOBD_-prefixed environment variables on top,
// mirroring the teacher's Load + applyEnvOverrides split: viper
// supplies the env-binding, the struct tags keep the explicit
// default-then-override shape.
package config

import (
	"errors"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Defaults carries per-code-token knobs for WorkerPool and Dispatcher.
// `byobd serve` passes MaxWorkersPerToken, AcquireBound and
// ResponseWatchers to the service; LogEgressByDefault is loaded but
// not consulted, and log egress is chosen on each LoadBinary call.
type Defaults struct {
	MaxWorkersPerToken int           `yaml:"max_workers_per_token" mapstructure:"max_workers_per_token"`
	AcquireBound       time.Duration `yaml:"acquire_bound" mapstructure:"acquire_bound"`
	ResponseWatchers   int           `yaml:"response_watchers" mapstructure:"response_watchers"`
	LogEgressByDefault bool          `yaml:"log_egress_by_default" mapstructure:"log_egress_by_default"`
}

// SandboxConfig carries the namespace/identity knobs SandboxLauncher
// needs: the host directory for pivot-root dirs, extra read-only
// mounts, the worker uid/gid, and the no_new_privs and drop_caps
// switches. The capability list drop_caps removes is fixed in
// sandbox/linux per SPEC_FULL.md §7.
type SandboxConfig struct {
	RootDir        string   `yaml:"root_dir" mapstructure:"root_dir"`
	ReadOnlyMounts []string `yaml:"readonly_mounts" mapstructure:"readonly_mounts"`
	UID            int      `yaml:"uid" mapstructure:"uid"`
	GID            int      `yaml:"gid" mapstructure:"gid"`
	NoNewPrivs     bool     `yaml:"no_new_privs" mapstructure:"no_new_privs"`
	DropCaps       bool     `yaml:"drop_caps" mapstructure:"drop_caps"`
}

// Config is byobd's daemon configuration.
type Config struct {
	Listen            string        `yaml:"listen" mapstructure:"listen"`
	APIKey            string        `yaml:"api_key" mapstructure:"api_key"`
	ControlSocketPath string        `yaml:"control_socket_path" mapstructure:"control_socket_path"`
	ArtifactDir       string        `yaml:"artifact_dir" mapstructure:"artifact_dir"`
	Defaults          Defaults      `yaml:"defaults" mapstructure:"defaults"`
	Sandbox           SandboxConfig `yaml:"sandbox" mapstructure:"sandbox"`
}

// Load reads yamlPath (if non-empty and present) into a Config seeded
// with defaults, then applies BYOBD_-prefixed environment overrides. A
// missing yamlPath is not an error — the daemon must be runnable out of
// the box on defaults alone.
func Load(yamlPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	v.SetDefault("listen", "127.0.0.1:8080")
	v.SetDefault("control_socket_path", "/run/byobd/control.sock")
	v.SetDefault("artifact_dir", "/var/lib/byobd/artifacts")
	v.SetDefault("defaults.max_workers_per_token", 64)
	v.SetDefault("defaults.acquire_bound", 5*time.Second)
	v.SetDefault("defaults.response_watchers", 8)
	v.SetDefault("defaults.log_egress_by_default", false)
	v.SetDefault("sandbox.root_dir", "/var/lib/byobd/sandboxes")
	v.SetDefault("sandbox.readonly_mounts", []string{})
	v.SetDefault("sandbox.uid", 65534)
	v.SetDefault("sandbox.gid", 65534)
	v.SetDefault("sandbox.no_new_privs", true)
	v.SetDefault("sandbox.drop_caps", true)

	if yamlPath != "" {
		v.SetConfigFile(yamlPath)
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok && !errors.Is(err, os.ErrNotExist) {
				return nil, err
			}
		}
	}

	v.SetEnvPrefix("BYOBD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	for _, key := range []string{
		"listen", "api_key", "control_socket_path", "artifact_dir",
		"defaults.max_workers_per_token", "defaults.acquire_bound",
		"defaults.response_watchers", "defaults.log_egress_by_default",
		"sandbox.root_dir", "sandbox.readonly_mounts", "sandbox.uid",
		"sandbox.gid", "sandbox.no_new_privs", "sandbox.drop_caps",
	} {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
