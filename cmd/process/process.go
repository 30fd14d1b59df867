// Package process implements the one-shot directory command
package process

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdcam-go/internal/analysis"
	"github.com/tphakala/birdcam-go/internal/conf"
)

// Command creates the process command, which runs every image in a
// directory through the pipeline and exits.
func Command(settings *conf.Settings) *cobra.Command {
	var move bool

	cmd := &cobra.Command{
		Use:   "process [directory]",
		Short: "Process every image in a directory and exit",
		Long:  "Run detection on each image in the directory (default: the configured input_dir), store the results and exit.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := settings.InputDir
			if len(args) == 1 {
				dir = args[0]
			}
			if cmd.Flags().Changed("move") {
				settings.Watcher.MoveFiles = move
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			svc, err := analysis.New(settings, analysis.Options{NoServer: true})
			if err != nil {
				return err
			}
			defer func() { _ = svc.Close() }()

			summary, err := svc.ProcessDirectory(ctx, dir)
			cmd.Printf("queued %d, stored %d, discarded %d\n", summary.Queued, summary.Stored, summary.Discarded)
			return err
		},
	}

	cmd.Flags().BoolVar(&move, "move", false, "Move processed files into the output tree instead of copying")

	return cmd
}
