// Package relabel implements manual species correction from the command line
package relabel

import (
	"encoding/json"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tphakala/birdcam-go/internal/conf"
	"github.com/tphakala/birdcam-go/internal/datastore"
	"github.com/tphakala/birdcam-go/internal/errors"
)

// Command creates the relabel command
func Command(settings *conf.Settings) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relabel <id> [species]",
		Short: "Set or clear the species of a stored record",
		Long:  "Replace the species of record <id>. Without a species the label is cleared.",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseUint(args[0], 10, 64)
			if err != nil || id == 0 {
				return errors.ValidationError("record id must be a positive integer")
			}
			var species string
			if len(args) == 2 {
				species = args[1]
			}

			store, err := datastore.New(datastore.ConfigFromSettings(settings))
			if err != nil {
				return err
			}
			if err := store.Open(); err != nil {
				return err
			}
			defer func() { _ = store.Close() }()

			if err := store.Relabel(cmd.Context(), id, species); err != nil {
				return err
			}
			rec, err := store.Get(cmd.Context(), id)
			if err != nil {
				return err
			}

			out, err := json.MarshalIndent(rec, "", "  ")
			if err != nil {
				return err
			}
			cmd.Println(string(out))
			return nil
		},
	}

	return cmd
}
