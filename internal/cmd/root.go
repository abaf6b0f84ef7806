package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Iron-Ham/parallax/internal/config"
	"github.com/Iron-Ham/parallax/internal/logging"
	"github.com/Iron-Ham/parallax/internal/tracker"
	"github.com/Iron-Ham/parallax/internal/worktree"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	cfgFile string
	v       *viper.Viper
	cfg     *config.Config

	// getwd and isTerminal are swapped out in tests.
	getwd      func() (string, error)
	isTerminal func() bool
}

// NewRootCmd builds the command tree.
func NewRootCmd() *cobra.Command {
	return newRootCmd(&app{getwd: os.Getwd, isTerminal: stdinIsTerminal})
}

func newRootCmd(a *app) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "parallax",
		Short: "Run coding agents in parallel over a task list",
		Long: `Parallax runs one coding agent per task, each in its own git worktree and
branch, in dependency order. Finished branches are merged one at a time into
a session branch; conflicts are resolved by an agent or handed to you.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initConfig()
		},
	}

	// Global flags
	rootCmd.PersistentFlags().StringVarP(&a.cfgFile, "config", "c", "", "config file (default is $HOME/.config/parallax/config.yaml)")

	rootCmd.AddCommand(newRunCmd(a))
	rootCmd.AddCommand(newPlanCmd(a))
	rootCmd.AddCommand(newTasksCmd(a))
	rootCmd.AddCommand(newConfigCmd(a))
	return rootCmd
}

// Execute runs the root command
func Execute() error {
	return NewRootCmd().Execute()
}

func (a *app) initConfig() error {
	a.v = config.NewViper(a.cfgFile)
	if err := config.ReadInConfig(a.v); err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	return nil
}

// load validates the merged configuration. Flags bound to a.v before the
// first call take part in the merge.
func (a *app) load() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	cfg, err := config.Load(a.v)
	if err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	a.cfg = cfg
	return cfg, nil
}

// repoRoot returns the top of the git repository containing the working
// directory.
func (a *app) repoRoot() (string, error) {
	cwd, err := a.getwd()
	if err != nil {
		return "", fmt.Errorf("failed to get current directory: %w", err)
	}
	root, err := worktree.FindGitRoot(cwd)
	if err != nil {
		return "", fmt.Errorf("not a git repository: %w", err)
	}
	return root, nil
}

// openTracker opens the configured task store relative to root.
func (a *app) openTracker(cmd *cobra.Command, cfg *config.Config, root string) (tracker.Tracker, error) {
	path := cfg.Tracker.ResolvePath(root)
	tr, err := tracker.Open(cmd.Context(), cfg.Tracker.Backend, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open tracker %s: %w", path, err)
	}
	return tr, nil
}

// newLogger builds the file logger for a run, or a no-op logger when file
// logging is disabled.
func newLogger(cfg *config.Config, root string) (*logging.Logger, error) {
	if !cfg.Logging.Enabled {
		return logging.NopLogger(), nil
	}
	logger, err := logging.NewLoggerWithRotation(cfg.Logging.ResolveDir(root), cfg.Logging.Level, logging.RotationConfig{
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		Compress:   cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	return logger, nil
}
