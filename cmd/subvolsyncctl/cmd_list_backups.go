package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/subvolsync/subvolsync/internal/identity"
)

func newListBackupsCmd(configPath, outputFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-backups [node_subvol]",
		Short: "List finalized encrypted backup blobs stored for peers",
		Long: `List the finalized, still-sealed backup blobs this node holds under its
configured backupRoot — received from peers for volumes it does not own.
In-progress .part receptions are not listed.

With no argument, backups of every volume are listed. With a volume
identifier in "node_subvol" form, only that volume's backups are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cat, err := loadCatalogue(*configPath)
			if err != nil {
				return err
			}
			var volume *identity.Volume
			if len(args) == 1 {
				v, err := identity.ParseVolume(args[0])
				if err != nil {
					return fmt.Errorf("parsing volume %q: %w", args[0], err)
				}
				volume = &v
			}
			backups, err := cat.AllBackups(volume)
			if err != nil {
				return fmt.Errorf("listing backups: %w", err)
			}
			// A finalized backup blob and a local snapshot share the same
			// canonical identity shape; list-snapshots' row type and
			// renderer cover both.
			return outputSnapshotRows(toSnapshotRows(backups), *outputFormat)
		},
	}
}
