package config

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment overrides, e.g.
// PARALLAX_PARALLEL_MAX_WORKERS.
const EnvPrefix = "PARALLAX"

// Config represents the complete parallax configuration
type Config struct {
	Parallel ParallelConfig `mapstructure:"parallel"`
	Branch   BranchConfig   `mapstructure:"branch"`
	Worker   WorkerConfig   `mapstructure:"worker"`
	Tracker  TrackerConfig  `mapstructure:"tracker"`
	Merge    MergeConfig    `mapstructure:"merge"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ParallelConfig controls how tasks are scheduled across workers
type ParallelConfig struct {
	// MaxWorkers is the number of workers that run at once (default: 3)
	MaxWorkers int `mapstructure:"max_workers"`
	// MaxRequeueCount caps automatic re-dispatches of a task whose merge failed (default: 3)
	MaxRequeueCount int `mapstructure:"max_requeue_count"`
	// AIConflictResolution runs the resolver agent on merge conflicts (default: true)
	AIConflictResolution bool `mapstructure:"ai_conflict_resolution"`
	// TaskFilter restricts runs to task IDs matching any of these glob patterns
	TaskFilter []string `mapstructure:"task_filter"`
}

// BranchConfig controls branch naming conventions
type BranchConfig struct {
	// Prefix namespaces session and worker branches and backup tags (default: "parallax")
	// Session: <prefix>/session/<id>, worker: <prefix>/worker/<task>-<id>
	Prefix string `mapstructure:"prefix"`
}

// WorkerConfig controls the agent process run for each task
type WorkerConfig struct {
	// Command is the agent CLI (default: "claude")
	Command string `mapstructure:"command"`
	// Args precede the prompt, which is always passed last
	Args []string `mapstructure:"args"`
	// MaxIterations bounds agent runs per task while no completion file exists (default: 3)
	MaxIterations int `mapstructure:"max_iterations"`
	// IterationTimeoutMinutes bounds one agent run (0 = no limit)
	IterationTimeoutMinutes int `mapstructure:"iteration_timeout_minutes"`
	// UsePTY attaches the agent to a pseudo-terminal (default: true)
	UsePTY bool `mapstructure:"use_pty"`
	// KeepWorktrees leaves worker worktrees on disk after the run
	KeepWorktrees bool `mapstructure:"keep_worktrees"`
	// WorktreeDir is where worker worktrees are created (default: .parallax/worktrees)
	WorktreeDir string `mapstructure:"worktree_dir"`
	// Env holds extra KEY=VALUE pairs for the agent process
	Env []string `mapstructure:"env"`
	// WatchOverlaps warns when two live workers touch the same file (default: true)
	WatchOverlaps bool `mapstructure:"watch_overlaps"`
}

// TrackerConfig selects the task store
type TrackerConfig struct {
	// Backend is "file" or "sqlite"; empty picks by the path's extension
	Backend string `mapstructure:"backend"`
	// Path is the task file or database (default: tasks.yaml)
	Path string `mapstructure:"path"`
}

// MergeConfig controls integration of worker branches
type MergeConfig struct {
	// KeepBackupTags leaves <prefix>/backup/<op> tags after the run
	KeepBackupTags bool `mapstructure:"keep_backup_tags"`
	// ResolverCommand is the agent CLI used for conflict resolution (default: "claude")
	ResolverCommand string `mapstructure:"resolver_command"`
	// ResolverArgs are passed to the resolver; the prompt arrives on stdin
	ResolverArgs []string `mapstructure:"resolver_args"`
	// ResolverTimeoutSeconds bounds one resolver call (default: 300)
	ResolverTimeoutSeconds int `mapstructure:"resolver_timeout_seconds"`
}

// LoggingConfig controls debug logging behavior
type LoggingConfig struct {
	// Enabled writes logs to a file in the log directory (default: true)
	Enabled bool `mapstructure:"enabled"`
	// Level is the minimum log level: "debug", "info", "warn", "error" (default: "info")
	Level string `mapstructure:"level"`
	// Dir is the log directory (default: .parallax/logs)
	Dir string `mapstructure:"dir"`
	// MaxSizeMB is the size at which the log file rotates (default: 10)
	MaxSizeMB int `mapstructure:"max_size_mb"`
	// MaxBackups is the number of rotated files to keep (default: 3)
	MaxBackups int `mapstructure:"max_backups"`
	// Compress gzips rotated files
	Compress bool `mapstructure:"compress"`
}

// IterationTimeout returns the iteration timeout as a time.Duration (0 means disabled)
func (c *WorkerConfig) IterationTimeout() time.Duration {
	return time.Duration(c.IterationTimeoutMinutes) * time.Minute
}

// ResolverTimeout returns the resolver timeout as a time.Duration (0 means disabled)
func (c *MergeConfig) ResolverTimeout() time.Duration {
	return time.Duration(c.ResolverTimeoutSeconds) * time.Second
}

// ResolveWorktreeDir returns the worktree directory for a repository at baseDir.
// A leading ~ expands to the home directory; relative paths are joined to baseDir.
func (c *WorkerConfig) ResolveWorktreeDir(baseDir string) string {
	if c.WorktreeDir == "" {
		return filepath.Join(baseDir, ".parallax", "worktrees")
	}
	return resolvePath(c.WorktreeDir, baseDir)
}

// ResolveDir returns the log directory for a repository at baseDir.
func (c *LoggingConfig) ResolveDir(baseDir string) string {
	if c.Dir == "" {
		return filepath.Join(baseDir, ".parallax", "logs")
	}
	return resolvePath(c.Dir, baseDir)
}

// ResolvePath returns the tracker path for a repository at baseDir.
func (c *TrackerConfig) ResolvePath(baseDir string) string {
	return resolvePath(c.Path, baseDir)
}

func resolvePath(path, baseDir string) string {
	if strings.HasPrefix(path, "~/") || path == "~" {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(baseDir, path)
	}
	return path
}

// Default returns a Config with sensible default values
func Default() *Config {
	return &Config{
		Parallel: ParallelConfig{
			MaxWorkers:           3,
			MaxRequeueCount:      3,
			AIConflictResolution: true,
			TaskFilter:           []string{},
		},
		Branch: BranchConfig{
			Prefix: "parallax",
		},
		Worker: WorkerConfig{
			Command:                 "claude",
			Args:                    []string{"--print", "--output-format", "stream-json", "--verbose", "--dangerously-skip-permissions"},
			MaxIterations:           3,
			IterationTimeoutMinutes: 30,
			UsePTY:                  true,
			KeepWorktrees:           false,
			WorktreeDir:             "", // Empty means .parallax/worktrees
			Env:                     []string{},
			WatchOverlaps:           true,
		},
		Tracker: TrackerConfig{
			Backend: "",
			Path:    "tasks.yaml",
		},
		Merge: MergeConfig{
			KeepBackupTags:         false,
			ResolverCommand:        "claude",
			ResolverArgs:           []string{"--print", "--output-format", "json"},
			ResolverTimeoutSeconds: 300,
		},
		Logging: LoggingConfig{
			Enabled:    true,
			Level:      "info",
			Dir:        "",
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// SetDefaults registers default values with v
func SetDefaults(v *viper.Viper) {
	defaults := Default()

	// Parallel defaults
	v.SetDefault("parallel.max_workers", defaults.Parallel.MaxWorkers)
	v.SetDefault("parallel.max_requeue_count", defaults.Parallel.MaxRequeueCount)
	v.SetDefault("parallel.ai_conflict_resolution", defaults.Parallel.AIConflictResolution)
	v.SetDefault("parallel.task_filter", defaults.Parallel.TaskFilter)

	// Branch defaults
	v.SetDefault("branch.prefix", defaults.Branch.Prefix)

	// Worker defaults
	v.SetDefault("worker.command", defaults.Worker.Command)
	v.SetDefault("worker.args", defaults.Worker.Args)
	v.SetDefault("worker.max_iterations", defaults.Worker.MaxIterations)
	v.SetDefault("worker.iteration_timeout_minutes", defaults.Worker.IterationTimeoutMinutes)
	v.SetDefault("worker.use_pty", defaults.Worker.UsePTY)
	v.SetDefault("worker.keep_worktrees", defaults.Worker.KeepWorktrees)
	v.SetDefault("worker.worktree_dir", defaults.Worker.WorktreeDir)
	v.SetDefault("worker.env", defaults.Worker.Env)
	v.SetDefault("worker.watch_overlaps", defaults.Worker.WatchOverlaps)

	// Tracker defaults
	v.SetDefault("tracker.backend", defaults.Tracker.Backend)
	v.SetDefault("tracker.path", defaults.Tracker.Path)

	// Merge defaults
	v.SetDefault("merge.keep_backup_tags", defaults.Merge.KeepBackupTags)
	v.SetDefault("merge.resolver_command", defaults.Merge.ResolverCommand)
	v.SetDefault("merge.resolver_args", defaults.Merge.ResolverArgs)
	v.SetDefault("merge.resolver_timeout_seconds", defaults.Merge.ResolverTimeoutSeconds)

	// Logging defaults
	v.SetDefault("logging.enabled", defaults.Logging.Enabled)
	v.SetDefault("logging.level", defaults.Logging.Level)
	v.SetDefault("logging.dir", defaults.Logging.Dir)
	v.SetDefault("logging.max_size_mb", defaults.Logging.MaxSizeMB)
	v.SetDefault("logging.max_backups", defaults.Logging.MaxBackups)
	v.SetDefault("logging.compress", defaults.Logging.Compress)
}

// NewViper returns a viper instance with defaults, environment overrides and
// the config search path registered. An explicit file takes precedence over
// the search path.
func NewViper(file string) *viper.Viper {
	v := viper.New()
	SetDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if file != "" {
		v.SetConfigFile(file)
		return v
	}
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(ConfigDir())
	v.AddConfigPath(".parallax")
	return v
}

// ReadInConfig reads the config file if one exists. A missing file is not
// an error; defaults and environment still apply.
func ReadInConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return nil
}

// Load reads the configuration from v into a Config struct and validates it
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}

	// Validate the configuration
	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, ValidationErrors(errs)
	}

	return &cfg, nil
}

// ConfigDir returns the path to the user's config directory
func ConfigDir() string {
	// Check XDG_CONFIG_HOME first
	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		return filepath.Join(xdg, "parallax")
	}
	// Fall back to ~/.config/parallax
	home, err := os.UserHomeDir()
	if err != nil {
		return ".parallax"
	}
	return filepath.Join(home, ".config", "parallax")
}

// ConfigFile returns the path to the config file
func ConfigFile() string {
	return filepath.Join(ConfigDir(), "config.yaml")
}

// ValidTrackerBackends returns the list of valid tracker backend values
func ValidTrackerBackends() []string {
	return []string{"", "file", "sqlite"}
}
