package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/subvolsync/subvolsync/internal/identity"
)

var errUnknownOutputFormat = fmt.Errorf("subvolsyncctl: unknown output format")

// snapshotRow is the flattened, serializable view of a local snapshot.
type snapshotRow struct {
	Volume string `json:"volume" yaml:"volume"`
	Kind   string `json:"kind"   yaml:"kind"`
	Taken  string `json:"taken"  yaml:"taken"`
	Name   string `json:"name"   yaml:"name"`
}

func newListSnapshotsCmd(configPath, outputFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-snapshots [subvolume]",
		Short: "List locally-owned read-only snapshots",
		Long: `List the read-only snapshot subvolumes this node owns and has taken itself,
under the node's configured snapshotRoot.

With no argument, snapshots of every locally-owned subvolume are listed.
With a subvolume name, only that subvolume's snapshots are listed.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, cat, err := loadCatalogue(*configPath)
			if err != nil {
				return err
			}
			var subvol *string
			if len(args) == 1 {
				subvol = &args[0]
			}
			snaps, err := cat.AllSnapshots(subvol)
			if err != nil {
				return fmt.Errorf("listing snapshots: %w", err)
			}
			return outputSnapshotRows(toSnapshotRows(snaps), *outputFormat)
		},
	}
}

func toSnapshotRows(snaps []identity.Snapshot) []snapshotRow {
	rows := make([]snapshotRow, 0, len(snaps))
	for _, s := range snaps {
		rows = append(rows, snapshotRow{
			Volume: s.Volume.String(),
			Kind:   s.Kind.String(),
			Taken:  s.Taken.Format("2006-01-02T15:04:05Z"),
			Name:   s.String(),
		})
	}
	return rows
}

func outputSnapshotRows(rows []snapshotRow, format string) error {
	switch format {
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(rows)

	case "yaml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		return enc.Encode(rows)

	case "table", "":
		t := newStyledTable()
		t.AppendHeader(table.Row{"Volume", "Kind", "Taken", "Name"})
		for _, r := range rows {
			t.AppendRow(table.Row{r.Volume, kindBadge(r.Kind), r.Taken, colorMuted.Sprint(r.Name)})
		}
		t.Render()
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
