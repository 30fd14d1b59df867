// Package migrate implements copying a SQLite results database into the
// configured database, typically MySQL
package migrate

import (
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/errors"
)

// Command creates the migrate command
func Command(settings *conf.Settings) *cobra.Command {
	var (
		from       string
		batchSize  int
		skipVerify bool
	)

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy a SQLite results database into the configured database",
		Long: `Copy records, detections and watcher state from a SQLite file into the
database named in the configuration. Ids are preserved and rows already present
in the target are skipped, so the command can be repeated after an interruption.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if from == "" {
				return errors.ValidationError("--from is required")
			}
			if settings.Database.Type != conf.DatabaseMySQL && samePath(from, settings.DatabasePath()) {
				return errors.ValidationError("source and target are the same database")
			}

			src, err := datastore.New(datastore.Config{
				Type:       conf.DatabaseSQLite,
				SQLitePath: from,
			})
			if err != nil {
				return err
			}
			if err := src.Open(); err != nil {
				return err
			}
			defer func() { _ = src.Close() }()

			dst, err := datastore.New(datastore.ConfigFromSettings(settings))
			if err != nil {
				return err
			}
			if err := dst.Open(); err != nil {
				return err
			}
			defer func() { _ = dst.Close() }()

			stats, err := src.CopyTo(cmd.Context(), dst, batchSize)
			printStats(cmd, &stats)
			if err != nil {
				return err
			}
			if stats.Errors() > 0 {
				return errors.Newf("%d rows could not be copied", stats.Errors()).
					Component("migrate").
					Category(errors.CategoryDatabase).
					Build()
			}
			if skipVerify {
				return nil
			}
			if err := src.VerifyCopy(cmd.Context(), dst); err != nil {
				return err
			}
			cmd.Println("verified: row counts match")
			return nil
		},
	}

	cmd.Flags().StringVar(&from, "from", "", "SQLite database to copy from")
	cmd.Flags().IntVar(&batchSize, "batch-size", datastore.DefaultBatchSize, "Rows per insert")
	cmd.Flags().BoolVar(&skipVerify, "skip-verify", false, "Skip comparing row counts after the copy")

	return cmd
}

func samePath(a, b string) bool {
	absA, errA := filepath.Abs(a)
	absB, errB := filepath.Abs(b)
	if errA != nil || errB != nil {
		return a == b
	}
	return absA == absB
}

func printStats(cmd *cobra.Command, stats *datastore.MigrationStats) {
	cmd.Printf("%-20s %10s %10s %10s %10s\n", "table", "source", "copied", "skipped", "errors")
	for i := range stats.Tables {
		t := &stats.Tables[i]
		cmd.Printf("%-20s %10d %10d %10d %10d\n", t.Name, t.Source, t.Copied, t.Skipped, t.Errors)
	}
	cmd.Printf("done in %s\n", stats.Duration.Round(time.Millisecond))
}
