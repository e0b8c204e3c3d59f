package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/bamsammich/chunkdl/internal/config"
	"github.com/bamsammich/chunkdl/internal/manager"
	"github.com/bamsammich/chunkdl/internal/mission"
	"github.com/bamsammich/chunkdl/internal/postprocess"
	"github.com/bamsammich/chunkdl/internal/storage"
)

type getFlags struct {
	dir         string
	name        string
	kind        kindValue
	threads     int
	blockSize   string
	postprocess string
}

func newGetCmd(g *globalFlags) *cobra.Command {
	var f getFlags
	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Download URL as a new resumable mission",
		Long: `Download URL with several concurrent range requests. Progress is saved
to the state directory so an interrupted download continues with
"chunkdl resume".

Destinations may be local directories or sftp targets such as
user@host:/srv/media.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runGet(cmd, g, &f, args[0])
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.dir, "output", "o", "", "destination directory or user@host:dir")
	fl.StringVar(&f.name, "name", "", "file name (default: suggested by the server)")
	f.kind = kindValue(storage.KindOther)
	fl.Var(&f.kind, "kind", "download kind: video, audio or other")
	fl.IntVarP(&f.threads, "threads", "n", mission.DefaultThreads, "concurrent range requests")
	fl.StringVar(&f.blockSize, "block-size", "512K", "bytes requested per range")
	fl.StringVar(&f.postprocess, "postprocess", "",
		"run after download: "+strings.Join(postprocess.Names(), ", ")+" (blake3 takes :HEX)")
	return cmd
}

func runGet(cmd *cobra.Command, g *globalFlags, f *getFlags, url string) error {
	a, err := newApp(cmd, g)
	if err != nil {
		return err
	}
	defer a.Close()

	applyGetDefaults(cmd, a.cfg.Defaults, f)
	kind := storage.Kind(f.kind)
	blockSize, err := config.ParseSize(f.blockSize)
	if err != nil {
		return fmt.Errorf("invalid --block-size: %w", err)
	}
	if blockSize <= 0 {
		return errors.New("--block-size must be positive")
	}
	if f.threads < 1 {
		return errors.New("--threads must be at least 1")
	}
	psName, psArgs, err := parsePostprocess(f.postprocess)
	if err != nil {
		return err
	}

	name := f.name
	if name == "" {
		info, err := a.client.Head(cmd.Context(), url)
		if err != nil {
			return fmt.Errorf("probe %s: %w", url, err)
		}
		name = info.Name
	}
	if name == "" {
		return errors.New("the server suggests no file name; pass --name")
	}

	tree, err := a.tree(f.dir, kind)
	if err != nil {
		return err
	}
	h, err := tree.CreateFile(name, kind)
	if err != nil {
		return err
	}
	switch state := a.mgr.CheckForExistingMission(h); state {
	case manager.StatePending, manager.StatePendingRunning:
		return fmt.Errorf("%s is already pending; use chunkdl resume", h.URI())
	case manager.StateFinished:
		return fmt.Errorf("%s was already downloaded; remove it with chunkdl rm first", h.URI())
	}

	ms := mission.New(url, h, kind)
	ms.ThreadCount = f.threads
	ms.BlockSize = blockSize
	ms.PsAlgorithm = psName
	ms.PsArgs = psArgs

	out, err := a.await(cmd.Context(), func() ([]int64, error) {
		if err := a.mgr.StartMission(ms); err != nil {
			return nil, err
		}
		return []int64{ms.Timestamp}, nil
	})
	if err != nil {
		return err
	}
	return out.err()
}

// applyGetDefaults applies config file defaults to get's own flags.
func applyGetDefaults(cmd *cobra.Command, defaults config.DefaultsConfig, f *getFlags) {
	flags := cmd.Flags()
	if !flags.Changed("threads") && defaults.Threads != nil {
		f.threads = *defaults.Threads
	}
	if !flags.Changed("block-size") && defaults.BlockSize != nil {
		f.blockSize = *defaults.BlockSize
	}
}

// kindValue lets --kind be validated while flags are parsed.
type kindValue storage.Kind

var _ pflag.Value = (*kindValue)(nil)

func (k *kindValue) String() string { return storage.Kind(*k).String() }

func (k *kindValue) Set(s string) error {
	kind, err := parseKind(s)
	if err != nil {
		return err
	}
	*k = kindValue(kind)
	return nil
}

func (k *kindValue) Type() string { return "kind" }

func parseKind(s string) (storage.Kind, error) {
	switch strings.ToLower(s) {
	case "video":
		return storage.KindVideo, nil
	case "audio":
		return storage.KindAudio, nil
	case "", "other":
		return storage.KindOther, nil
	default:
		return 0, fmt.Errorf("unknown kind %q (use video, audio or other)", s)
	}
}

// parsePostprocess splits NAME[:ARG[,ARG...]] and checks that the
// algorithm accepts the arguments.
func parsePostprocess(s string) (string, []string, error) {
	if s == "" {
		return "", nil, nil
	}
	name, rest, _ := strings.Cut(s, ":")
	var args []string
	if rest != "" {
		args = strings.Split(rest, ",")
	}
	if _, err := postprocess.Lookup(name, args); err != nil {
		return "", nil, fmt.Errorf("invalid --postprocess: %w", err)
	}
	return name, args, nil
}
