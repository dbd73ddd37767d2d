package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/subvolsync/subvolsync/internal/catalogue"
	"github.com/subvolsync/subvolsync/internal/config"
	"github.com/subvolsync/subvolsync/internal/identity"
)

// volumeStatus is the catalogue tips for one volume, from this node's
// point of view: "full"/"incr" are the snapshots it owns locally, or the
// backups it holds on a peer's behalf.
type volumeStatus struct {
	Volume          string `json:"volume"          yaml:"volume"`
	Owned           bool   `json:"owned"           yaml:"owned"`
	LastFull        string `json:"lastFull"        yaml:"lastFull"`
	LastIncremental string `json:"lastIncremental" yaml:"lastIncremental"`
}

func newStatusCmd(configPath, outputFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status [node_subvol]",
		Short: "Show catalogue tips for one or every known volume",
		Long: `Show the latest full and incremental snapshot/backup known for a volume:
its own read-only snapshots if this node owns it, or the finalized backup
blobs held on a peer's behalf otherwise.

With no argument, status is shown for every locally-owned subvolume plus
every volume this node holds a backup for.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cat, err := loadCatalogue(*configPath)
			if err != nil {
				return err
			}

			var volumes []identity.Volume
			if len(args) == 1 {
				v, err := identity.ParseVolume(args[0])
				if err != nil {
					return fmt.Errorf("parsing volume %q: %w", args[0], err)
				}
				volumes = []identity.Volume{v}
			} else {
				volumes, err = allKnownVolumes(cfg, cat)
				if err != nil {
					return err
				}
			}

			rows := make([]volumeStatus, 0, len(volumes))
			for _, v := range volumes {
				tips, err := cat.LatestSnapshots(v)
				if err != nil {
					return fmt.Errorf("status of %s: %w", v, err)
				}
				rows = append(rows, volumeStatus{
					Volume:          v.String(),
					Owned:           v.Node == cfg.NodeName && ownsSubvol(cfg, v.Subvol),
					LastFull:        formatTip(tips.LastFull),
					LastIncremental: formatTip(tips.LastIncremental),
				})
			}

			return outputStatusRows(rows, *outputFormat)
		},
	}
}

func formatTip(t time.Time) string {
	if t.Equal(catalogue.NoneTime) {
		return ""
	}
	return t.Format("2006-01-02T15:04:05Z")
}

func ownsSubvol(cfg *config.NodeConfig, subvol string) bool {
	for _, s := range cfg.OwnedSubvolumes {
		if s == subvol {
			return true
		}
	}
	return false
}

// allKnownVolumes enumerates every volume this node has an opinion about:
// its own owned subvolumes, plus whatever distinct volumes appear among
// its stored backups.
func allKnownVolumes(cfg *config.NodeConfig, cat *catalogue.Catalogue) ([]identity.Volume, error) {
	seen := make(map[identity.Volume]bool)
	var volumes []identity.Volume

	for _, subvol := range cfg.OwnedSubvolumes {
		v := identity.Volume{Node: cfg.NodeName, Subvol: subvol}
		if !seen[v] {
			seen[v] = true
			volumes = append(volumes, v)
		}
	}

	backups, err := cat.AllBackups(nil)
	if err != nil {
		return nil, fmt.Errorf("scanning backups: %w", err)
	}
	for _, b := range backups {
		if !seen[b.Volume] {
			seen[b.Volume] = true
			volumes = append(volumes, b.Volume)
		}
	}

	sort.Slice(volumes, func(i, j int) bool { return volumes[i].Less(volumes[j]) })
	return volumes, nil
}

func outputStatusRows(rows []volumeStatus, format string) error {
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
		t.AppendHeader(table.Row{"Volume", "Owned", "Last Full", "Last Incremental"})
		for _, r := range rows {
			owned := "no"
			if r.Owned {
				owned = colorFull.Sprint("yes")
			}
			lastFull := r.LastFull
			if lastFull == "" {
				lastFull = colorMuted.Sprint("-")
			}
			lastIncr := r.LastIncremental
			if lastIncr == "" {
				lastIncr = colorMuted.Sprint("-")
			}
			t.AppendRow(table.Row{r.Volume, owned, lastFull, lastIncr})
		}
		t.Render()
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
