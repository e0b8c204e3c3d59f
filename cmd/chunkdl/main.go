package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/bamsammich/chunkdl/internal/config"
	"github.com/bamsammich/chunkdl/internal/stream"
)

var version = "dev"

func main() {
	os.Exit(run())
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	verbose        bool
	quiet          bool
	noProgress     bool
	logFile        string
	metricsAddr    string
	stateDir       string
	sshKeyFile     string
	sshPort        int
	maxRetry       int
	bwLimit        string
	queueLimit     bool
	pauseOnMetered bool
	metered        bool
}

func run() int {
	var (
		g           globalFlags
		showVersion bool
	)

	rootCmd := &cobra.Command{
		Use:   "chunkdl",
		Short: "Resumable multi-threaded downloads over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "chunkdl %s\n", version)
				return nil
			}
			return cmd.Help()
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&g.verbose, "verbose", "v", false, "verbose output")
	pf.BoolVarP(&g.quiet, "quiet", "q", false, "suppress all output except errors")
	pf.BoolVar(&g.noProgress, "no-progress", false, "disable progress display")
	pf.StringVar(&g.logFile, "log", "", "write structured JSON log to FILE")
	pf.StringVar(&g.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on ADDR (e.g. :9090)")
	pf.StringVar(&g.stateDir, "state-dir", "", "directory for pending and finished mission state")
	pf.StringVar(&g.sshKeyFile, "ssh-key", "", "SSH private key file for sftp destinations (default: auto-detect)")
	pf.IntVar(&g.sshPort, "ssh-port", 22, "SSH port for sftp destinations")
	pf.IntVar(&g.maxRetry, "max-retry", 3, "retries per request on transient network errors")
	pf.StringVar(&g.bwLimit, "bwlimit", "", "bandwidth limit (e.g. 100M, 1G)")
	pf.BoolVar(&g.queueLimit, "queue-limit", true, "download one mission at a time")
	pf.BoolVar(&g.pauseOnMetered, "pause-on-metered", true, "hold downloads while on a metered network")
	pf.BoolVar(&g.metered, "metered", false, "treat the current network as metered")

	rootCmd.AddCommand(
		newGetCmd(&g),
		newResumeCmd(&g),
		newListCmd(&g),
		newRemoveCmd(&g),
		newForgetCmd(&g),
		newRecoverCmd(&g),
		newClearCmd(&g),
		docsCmd,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	// Aux files of every manager this process opened.
	defer stream.CleanupTmpFiles()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		var exitErr *exitError
		if errors.As(err, &exitErr) {
			return exitErr.code
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 2
	}
	return 0
}

// applyConfigDefaults applies config file defaults for flags not explicitly
// set on the CLI.
func applyConfigDefaults(cmd *cobra.Command, defaults config.DefaultsConfig, g *globalFlags) {
	flags := cmd.Flags()
	if !flags.Changed("max-retry") && defaults.MaxRetry != nil {
		g.maxRetry = *defaults.MaxRetry
	}
	if !flags.Changed("bwlimit") && defaults.BWLimit != nil {
		g.bwLimit = *defaults.BWLimit
	}
	if !flags.Changed("queue-limit") && defaults.QueueLimit != nil {
		g.queueLimit = *defaults.QueueLimit
	}
	if !flags.Changed("pause-on-metered") && defaults.PauseOnMetered != nil {
		g.pauseOnMetered = *defaults.PauseOnMetered
	}
}

type exitError struct {
	code int
}

func (e *exitError) Error() string {
	return fmt.Sprintf("exit code %d", e.code)
}
