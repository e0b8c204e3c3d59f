package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chunkdl/internal/mission"
)

func newResumeCmd(g *globalFlags) *cobra.Command {
	var (
		restart     bool
		discardHeld bool
	)
	cmd := &cobra.Command{
		Use:   "resume [TS...]",
		Short: "Continue pending missions",
		Long: `Continue the pending missions named by timestamp, or every pending
mission when none are named. Missions whose in-place post-processing
failed are skipped unless --restart is given, which downloads them again
from scratch. Missions held after a failed post-processing step run the
step again, or fail for good with --discard-held.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			candidates, err := a.pendingByArgs(args)
			if err != nil {
				return err
			}

			var held, targets []*mission.Mission
			for _, ms := range candidates {
				switch {
				case ms.Running():
					continue
				case ms.PsState() == mission.PsHold:
					if discardHeld {
						ms.PsContinue(false)
						continue
					}
					held = append(held, ms)
				case ms.IsCorrupt():
					if !restart {
						slog.Warn("skipping corrupt mission; pass --restart to download it again",
							"mission", ms.Timestamp, "name", ms.Name, "code", ms.ErrCode())
						continue
					}
					if err := ms.ResetState(true, false, mission.ErrNothing); err != nil {
						return err
					}
					targets = append(targets, ms)
				default:
					targets = append(targets, ms)
				}
			}
			if len(held)+len(targets) == 0 {
				fmt.Fprintln(a.stdout(), "nothing to resume")
				return nil
			}

			out, err := a.await(cmd.Context(), func() ([]int64, error) {
				ids := make([]int64, 0, len(held)+len(targets))
				for _, ms := range held {
					ms.PsContinue(true)
					ids = append(ids, ms.Timestamp)
				}
				for _, ms := range targets {
					ms.SetEnqueued(true)
					ids = append(ids, ms.Timestamp)
				}
				a.mgr.RunMissions()
				return ids, nil
			})
			if err != nil {
				return err
			}
			return out.err()
		},
	}
	cmd.Flags().BoolVar(&restart, "restart", false, "download corrupt missions again from scratch")
	cmd.Flags().BoolVar(&discardHeld, "discard-held", false, "fail missions held after a post-processing error")
	return cmd
}

// pendingByArgs returns the pending missions named by timestamp, or all of
// them when args is empty.
func (a *app) pendingByArgs(args []string) ([]*mission.Mission, error) {
	if len(args) == 0 {
		return a.mgr.PendingMissions(), nil
	}
	out := make([]*mission.Mission, 0, len(args))
	for _, arg := range args {
		ts, err := parseTimestamp(arg)
		if err != nil {
			return nil, err
		}
		e, ok := a.mgr.Lookup(ts)
		if !ok || e.Pending == nil {
			return nil, fmt.Errorf("no pending mission %d", ts)
		}
		out = append(out, e.Pending)
	}
	return out, nil
}

func parseTimestamp(s string) (int64, error) {
	ts, err := strconv.ParseInt(s, 10, 64)
	if err != nil || ts <= 0 {
		return 0, fmt.Errorf("invalid mission timestamp %q", s)
	}
	return ts, nil
}
