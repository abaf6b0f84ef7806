package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/Iron-Ham/parallax/internal/config"
	"github.com/Iron-Ham/parallax/internal/errors"
)

func newConfigCmd(a *app) *cobra.Command {
	configCmd := &cobra.Command{
		Use:   "config",
		Short: "View or create parallax configuration",
		Long: `View or create parallax configuration.

Settings come from, in increasing precedence: built-in defaults, the config
file, PARALLAX_* environment variables (e.g. PARALLAX_PARALLEL_MAX_WORKERS),
and command-line flags.`,
	}

	configCmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Show the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConfigShow(cmd)
		},
	})
	configCmd.AddCommand(&cobra.Command{
		Use:   "validate",
		Short: "Check the configuration for invalid values",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runConfigValidate(cmd)
		},
	})

	var force bool
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "Write a config file with the default values",
		Long:  `Write a config file with the default values, by default to ~/.config/parallax/config.yaml.`,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.ConfigFile()
			if len(args) == 1 {
				path = args[0]
			}
			return runConfigInit(cmd, path, force)
		},
	}
	initCmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	configCmd.AddCommand(initCmd)

	configCmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show the config file path",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.ConfigFileUsed()
			if path == "" {
				path = config.ConfigFile()
			}
			fmt.Fprintln(cmd.OutOrStdout(), path)
			return nil
		},
	})
	return configCmd
}

func (a *app) runConfigShow(cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	if used := a.v.ConfigFileUsed(); used != "" {
		fmt.Fprintln(out, mutedStyle.Render("# Config file: "+used))
	} else {
		fmt.Fprintln(out, mutedStyle.Render("# Config file: (none - using defaults)"))
	}

	data, err := yaml.Marshal(a.v.AllSettings())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}
	_, err = out.Write(data)
	return err
}

func (a *app) runConfigValidate(cmd *cobra.Command) error {
	_, err := a.load()
	var verrs config.ValidationErrors
	if errors.As(err, &verrs) {
		for _, e := range verrs {
			fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render("✗ "+e.Error()))
		}
		return fmt.Errorf("%d invalid settings", len(verrs))
	}
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), successStyle.Render("✓ configuration is valid"))
	return nil
}

func runConfigInit(cmd *cobra.Command, path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("config file already exists at %s\nUse --force to overwrite it", path)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	config.SetDefaults(v)
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Created config file: %s\n", path)
	return nil
}
