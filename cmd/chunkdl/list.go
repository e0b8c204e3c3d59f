package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chunkdl/internal/finished"
	"github.com/bamsammich/chunkdl/internal/mission"
	"github.com/bamsammich/chunkdl/internal/ui"
)

func newListCmd(g *globalFlags) *cobra.Command {
	var (
		pendingOnly  bool
		finishedOnly bool
	)
	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List pending and finished missions",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			w := a.stdout()
			if !finishedOnly {
				writePending(w, snapshots(a.mgr.PendingMissions()))
			}
			if !pendingOnly {
				writeFinished(w, a.mgr.FinishedMissions())
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&pendingOnly, "pending", false, "list pending missions only")
	cmd.Flags().BoolVar(&finishedOnly, "finished", false, "list finished missions only")
	cmd.MarkFlagsMutuallyExclusive("pending", "finished")
	return cmd
}

func snapshots(ms []*mission.Mission) []mission.Snapshot {
	out := make([]mission.Snapshot, len(ms))
	for i, m := range ms {
		out[i] = m.Snapshot()
	}
	return out
}

func writePending(w io.Writer, missions []mission.Snapshot) {
	if len(missions) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PENDING\tSTATE\tNAME\tPROGRESS\tERROR")
	for _, s := range missions {
		progress := ui.FormatBytes(s.Done)
		if s.Length > 0 {
			progress = fmt.Sprintf("%s / %s (%.0f%%)", ui.FormatBytes(s.Done), ui.FormatBytes(s.Length),
				float64(s.Done)/float64(s.Length)*100)
		}
		errText := "-"
		if s.ErrCode != mission.ErrNothing {
			errText = s.ErrCode.String()
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Timestamp, pendingState(s), s.Name, progress, errText)
	}
	_ = tw.Flush()
}

func pendingState(s mission.Snapshot) string {
	switch {
	case s.PsState == mission.PsRunning:
		return "postprocessing"
	case s.PsState == mission.PsHold:
		return "held"
	case s.Running:
		return "running"
	case s.ErrCode != mission.ErrNothing:
		return "failed"
	case s.Enqueued:
		return "queued"
	default:
		return "paused"
	}
}

func writeFinished(w io.Writer, missions []finished.Mission) {
	if len(missions) == 0 {
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "FINISHED\tKIND\tNAME\tSIZE\tWHEN\tLOCATION")
	for _, f := range missions {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", f.Timestamp, f.Kind, f.Name,
			ui.FormatBytes(f.Length), f.FinishedAt.Local().Format(time.DateTime), f.Location)
	}
	_ = tw.Flush()
}
