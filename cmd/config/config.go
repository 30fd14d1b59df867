// Package config implements commands for inspecting and creating config files
package config

import (
	"github.com/spf13/cobra"

	"github.com/tphakala/birdcam-go/internal/conf"
)

// SkipLoadAnnotation marks commands that run before a configuration exists
const SkipLoadAnnotation = "birdcam/skip-config-load"

// Command creates the config command group
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect or create the configuration file",
	}
	cmd.AddCommand(showCommand(settings), initCommand())
	return cmd
}

func showCommand(settings *conf.Settings) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			redacted := settings.Redacted()
			data, err := conf.MarshalYAML(&redacted)
			if err != nil {
				return err
			}
			cmd.Print(string(data))
			return nil
		},
	}
}

func initCommand() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:         "init [path]",
		Short:       "Write a commented default config.yaml",
		Args:        cobra.MaximumNArgs(1),
		Annotations: map[string]string{SkipLoadAnnotation: "true"},
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) == 1 {
				path = args[0]
			}
			if err := conf.WriteDefaultConfig(path, force); err != nil {
				return err
			}
			cmd.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing file")

	return cmd
}
