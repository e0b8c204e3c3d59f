package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chunkdl/internal/storage"
)

func newRemoveCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "rm TS...",
		Short: "Delete missions and their downloaded files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, arg := range args {
				ts, err := parseTimestamp(arg)
				if err != nil {
					return err
				}
				if err := a.mgr.DeleteMission(ts); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout(), "removed %d\n", ts)
			}
			return nil
		},
	}
}

func newForgetCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "forget TS...",
		Short: "Drop missions but keep their files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, arg := range args {
				ts, err := parseTimestamp(arg)
				if err != nil {
					return err
				}
				h, err := a.handleOf(ts)
				if err != nil {
					return err
				}
				if err := a.mgr.ForgetMission(h); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout(), "forgot %d, kept %s\n", ts, h.URI())
			}
			return nil
		},
	}
}

func newRecoverCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "recover TS",
		Short: "Recreate the destination file of a pending mission",
		Long: `Recreate the destination file of a pending mission in the download
directory for its kind. Use this when the original destination is gone
for good; the mission then downloads into the new file.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			ms, err := a.pendingByArgs(args)
			if err != nil {
				return err
			}
			if err := a.mgr.TryRecover(ms[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.stdout(), "recovered %d into %s\n", ms[0].Timestamp, ms[0].Storage().URI())
			return nil
		},
	}
}

func newClearCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Drop every finished mission from the history; files are kept",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, g)
			if err != nil {
				return err
			}
			defer a.Close()

			if !a.mgr.HasFinishedMissions() {
				return nil
			}
			return a.mgr.ClearFinishedMissions()
		},
	}
}

// handleOf returns the destination of the mission identified by ts.
func (a *app) handleOf(ts int64) (storage.Handle, error) {
	e, ok := a.mgr.Lookup(ts)
	switch {
	case !ok:
		return nil, fmt.Errorf("no mission %d", ts)
	case e.Pending != nil:
		if h := e.Pending.Storage(); h != nil {
			return h, nil
		}
		return nil, fmt.Errorf("mission %d has no destination", ts)
	default:
		return a.resolver.Resolve(e.Finished.Location, e.Finished.Kind)
	}
}
