package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/subvolsync/subvolsync/internal/events"
)

func newWatchCmd(configPath *string) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Tail a running subvolsyncd's live session event feed",
		Long: `Dial a running subvolsyncd's /events websocket endpoint and print every
session_started, snapshot_queued, snapshot_done, session_finished, and
error event as it happens, until interrupted.

--addr defaults to ws://localhost:9090/events (subvolsyncd's default
-metrics-addr); pass a
ws:// or wss:// URL explicitly to watch a node running elsewhere.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			target := addr
			if target == "" {
				target = "ws://localhost:9090/events"
			}

			err := events.Watch(ctx, target, printEvent)
			if err != nil && ctx.Err() != nil {
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "websocket URL of the node's event feed (default ws://localhost:9090/events)")
	return cmd
}

func printEvent(ev events.Event) {
	ts := ev.Time.Format("15:04:05")
	switch ev.Kind {
	case events.KindSessionStarted:
		fmt.Printf("%s %s session started with %s\n", ts, colorHeader.Sprint("=>"), ev.Peer)
	case events.KindSnapshotQueued:
		fmt.Printf("%s %s %s queued (%s)\n", ts, colorIncr.Sprint("..."), ev.Snapshot, ev.Volume)
	case events.KindSnapshotDone:
		fmt.Printf("%s %s %s done, %d bytes (%s)\n", ts, colorFull.Sprint("ok "), ev.Snapshot, ev.Bytes, ev.Volume)
	case events.KindSessionFinished:
		fmt.Printf("%s %s session with %s finished\n", ts, colorHeader.Sprint("<="), ev.Peer)
	case events.KindError:
		fmt.Printf("%s %s %s: %s\n", ts, colorError.Sprint("ERR"), ev.Peer, ev.Err)
	default:
		fmt.Printf("%s %s\n", ts, colorMuted.Sprintf("%s %s", ev.Kind, ev.Volume))
	}
}
