// Package main implements subvolsyncctl, a read-only operator CLI for
// inspecting a subvolsync node: its local snapshot and backup catalogue,
// its configured peers, and (via watch) a live feed of session events
// published by a running subvolsyncd.
//
// subvolsyncctl never mutates node state — it only reads the config file
// and the snapshot/backup directories it names, and dials the node's own
// /events websocket endpoint. Triggering a sync, editing peers, or
// restoring a volume are not its job; those remain operator actions
// against the config file and a running subvolsyncd.
package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath   string
		outputFormat string
	)

	rootCmd := &cobra.Command{
		Use:   "subvolsyncctl",
		Short: "Inspect a subvolsync node's snapshots, backups, peers, and live activity",
		Long: `subvolsyncctl is a read-only CLI for operating against a subvolsync node.

It reads the node's own configuration file to find the snapshot and backup
directories, and the peers/grants configured for replication, and can tail
a running subvolsyncd's live event feed.

Connection to the node is entirely local: subvolsyncctl reads the same
config file subvolsyncd was started with (--config), defaulting to
/etc/subvolsync/config.yaml.`,
		Version: version + " (" + commit + ")",
	}

	rootCmd.PersistentFlags().StringVar(&configPath, "config", "/etc/subvolsync/config.yaml", "Path to the node configuration file")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "Output format: table, yaml, json")

	rootCmd.AddCommand(newListSnapshotsCmd(&configPath, &outputFormat))
	rootCmd.AddCommand(newListBackupsCmd(&configPath, &outputFormat))
	rootCmd.AddCommand(newListPeersCmd(&configPath, &outputFormat))
	rootCmd.AddCommand(newStatusCmd(&configPath, &outputFormat))
	rootCmd.AddCommand(newWatchCmd(&configPath))

	return rootCmd
}
