package main

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// peerRow flattens one direction of one peer relationship: either this
// node's own outbound config.Peer entry, or an inbound config.Grant.
type peerRow struct {
	Name      string `json:"name"      yaml:"name"`
	Direction string `json:"direction" yaml:"direction"` // "outbound" or "inbound"
	Address   string `json:"address,omitempty" yaml:"address,omitempty"`
	Push      string `json:"push"      yaml:"push"`
	Pull      string `json:"pull"      yaml:"pull"`
}

func newListPeersCmd(configPath, outputFormat *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list-peers",
		Short: "List configured outbound peers and inbound grants",
		Long: `List every peer relationship in this node's config: the outbound peers
it may dial to push or pull from, and the inbound grants authorizing other
nodes to push or pull from it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadCatalogue(*configPath)
			if err != nil {
				return err
			}

			var rows []peerRow
			for name, peer := range cfg.Peers {
				rows = append(rows, peerRow{
					Name:      name,
					Direction: "outbound",
					Address:   peer.Address,
					Push:      strings.Join(peer.Push, ","),
					Pull:      strings.Join(peer.Pull, ","),
				})
			}
			for name, grant := range cfg.Grants {
				rows = append(rows, peerRow{
					Name:      name,
					Direction: "inbound",
					Push:      strings.Join(grant.Push, ","),
					Pull:      strings.Join(grant.Pull, ","),
				})
			}
			sort.Slice(rows, func(i, j int) bool {
				if rows[i].Name != rows[j].Name {
					return rows[i].Name < rows[j].Name
				}
				return rows[i].Direction < rows[j].Direction
			})

			return outputPeerRows(rows, *outputFormat)
		},
	}
}

func outputPeerRows(rows []peerRow, format string) error {
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
		t.AppendHeader(table.Row{"Name", "Direction", "Address", "Push", "Pull"})
		for _, r := range rows {
			direction := r.Direction
			if direction == "inbound" {
				direction = colorWarning.Sprint(direction)
			}
			t.AppendRow(table.Row{r.Name, direction, r.Address, r.Push, r.Pull})
		}
		t.Render()
		return nil

	default:
		return fmt.Errorf("%w: %s", errUnknownOutputFormat, format)
	}
}
