package main

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/robolog-io/robolog/pkg/dataset"
	"github.com/robolog-io/robolog/pkg/datastore"
	"github.com/robolog-io/robolog/pkg/replay"
	"github.com/robolog-io/robolog/pkg/sensorlog"
	"github.com/spf13/cobra"
)

const shortDigestLen = 12

func newCreateCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "create",
		Short: "Create an empty datastore at the root directory",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			cmd.Println("datastore ready")
			return nil
		},
	}
}

func newImportCommand(g *globalOptions) *cobra.Command {
	var force bool
	var metaPairs []string

	cmd := &cobra.Command{
		Use:   "import <source-dir>",
		Short: "Normalize and import the logs in a directory as a new dataset",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			meta, err := parseMetaPairs(metaPairs)
			if err != nil {
				return err
			}
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ds, err := r.Import(args[0], datastore.ImportOptions{Force: force, Metadata: meta})
			if err != nil {
				return err
			}
			dg, err := ds.Digest()
			if err != nil {
				return err
			}
			cmd.Println(dg.String())
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing dataset with the same digest")
	cmd.Flags().StringArrayVar(&metaPairs, "meta", nil, "metadata key=value, repeatable")
	return cmd
}

func parseMetaPairs(pairs []string) (map[string][]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string][]string)
	for _, p := range pairs {
		key, value, ok := strings.Cut(p, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid metadata pair %q, want key=value", p)
		}
		out[key] = append(out[key], value)
	}
	return out, nil
}

func newListCommand(g *globalOptions) *cobra.Command {
	var long bool

	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List datasets in the store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			store, err := r.Store()
			if err != nil {
				return err
			}
			entries, err := store.List()
			if err != nil {
				return err
			}
			for _, e := range entries {
				name := e.Digest.String()
				if !long {
					name = store.ShortDigest(e.Digest, shortDigestLen)
				}
				if e.IsRedirect {
					target, err := store.ResolveRedirect(e.Digest)
					if err != nil {
						return err
					}
					cmd.Printf("%s -> %s\n", name, target.Short(shortDigestLen))
					continue
				}
				cmd.Println(name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&long, "long", "l", false, "print full digests")
	return cmd
}

func newInfoCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "info <digest>",
		Short: "Show a dataset's streams and metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ds, err := r.Get(args[0], datastore.GetOptions{})
			if err != nil {
				return err
			}
			dg, err := ds.Digest()
			if err != nil {
				return err
			}
			cmd.Println("digest:", dg.String())

			set, err := ds.Streams()
			if err != nil {
				return err
			}
			defer set.Close()
			cmd.Println("streams:")
			for _, s := range set.All() {
				idx := s.Index()
				line := fmt.Sprintf("  %-16s %-24s %d samples", idx.Name, string(idx.Type), idx.Count)
				if start, end, ok := s.IntervalLogical(); ok {
					line += fmt.Sprintf("  [%s .. %s]",
						start.Time().Format(time.RFC3339Nano),
						end.Time().Format(time.RFC3339Nano))
				}
				cmd.Println(line)
			}

			meta, err := ds.Metadata()
			if err != nil {
				return err
			}
			if len(meta) > 0 {
				cmd.Println("metadata:")
				keys := make([]string, 0, len(meta))
				for k := range meta {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					cmd.Printf("  %s: %s\n", k, strings.Join(meta[k], ", "))
				}
			}

			store, err := r.Store()
			if err != nil {
				return err
			}
			usage, err := store.DiskUsage()
			if err != nil {
				return err
			}
			cmd.Printf("store: %.2f GB used, %.2f GB free\n",
				float64(usage.StoreBytes)/(1<<30), float64(usage.FreeBytes)/(1<<30))
			return nil
		},
	}
}

func newValidateCommand(g *globalOptions) *cobra.Command {
	var weak bool

	cmd := &cobra.Command{
		Use:   "validate <digest>",
		Short: "Verify a dataset's content against its identity manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			mode := datastore.ValidateFull
			if weak {
				mode = datastore.ValidateWeak
			}
			if _, err := r.Get(args[0], datastore.GetOptions{Validate: mode}); err != nil {
				return err
			}
			cmd.Println("ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&weak, "weak", false, "check file presence and sizes only")
	return cmd
}

func newMetaCommand(g *globalOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "meta",
		Short: "Read and write dataset metadata",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get <digest> <key>",
		Short: "Print all values for a metadata key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDataset(cmd, g, args[0], func(ds *dataset.Dataset) error {
				values, err := ds.FetchAllMeta(args[1])
				if err != nil {
					return err
				}
				for _, v := range values {
					cmd.Println(v)
				}
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "add <digest> <key> <value>...",
		Short: "Add values to a metadata key",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withDataset(cmd, g, args[0], func(ds *dataset.Dataset) error {
				return ds.AddMeta(args[1], args[2:]...)
			})
		},
	})

	return cmd
}

func withDataset(cmd *cobra.Command, g *globalOptions, digestOrPrefix string, fn func(*dataset.Dataset) error) error {
	r, err := g.open(cmd)
	if err != nil {
		return err
	}
	defer r.Close()
	ds, err := r.Get(digestOrPrefix, datastore.GetOptions{})
	if err != nil {
		return err
	}
	return fn(ds)
}

// printConsumer writes one line per delivered sample.
type printConsumer struct {
	cmd *cobra.Command
}

func (c *printConsumer) ProcessSample(src replay.Source, t sensorlog.Timestamp, rec sensorlog.Record) error {
	c.cmd.Printf("%s %-16s %d bytes\n", t.Time().Format(time.RFC3339Nano), src.Name(), len(rec.Payload))
	return nil
}

func newReplayCommand(g *globalOptions) *cobra.Command {
	var speed float64
	var streamNames []string

	cmd := &cobra.Command{
		Use:   "replay <digest>",
		Short: "Replay a dataset's streams to stdout in aligned time order",
		Long: `Replays the dataset's streams merged by logical time. With --speed 0 the
samples are drained as fast as possible; otherwise delivery is paced
against the wall clock at the given multiplier of recorded time.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ds, err := r.Get(args[0], datastore.GetOptions{Validate: datastore.ValidateWeak})
			if err != nil {
				return err
			}
			session, err := r.NewSession(ds)
			if err != nil {
				return err
			}
			defer session.Close()

			consumer := &printConsumer{cmd: cmd}
			sources := make([]replay.Source, 0)
			for _, s := range session.Streams.All() {
				if len(streamNames) > 0 && !contains(streamNames, s.Name()) {
					continue
				}
				sources = append(sources, s)
			}
			if len(sources) == 0 {
				return fmt.Errorf("no streams selected")
			}
			if err := session.Manager.Register(consumer, sources...); err != nil {
				return err
			}

			if speed <= 0 {
				return session.Manager.Drain()
			}

			if err := session.Manager.Play(speed); err != nil {
				return err
			}
			ctx := cmd.Context()
			for !session.Manager.AtEnd() {
				if err := session.Manager.Tick(ctx); err != nil {
					return err
				}
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(10 * time.Millisecond):
				}
			}
			return session.Manager.Stop()
		},
	}
	cmd.Flags().Float64Var(&speed, "speed", 0, "playback speed multiplier, 0 drains eagerly")
	cmd.Flags().StringSliceVar(&streamNames, "stream", nil, "replay only the named streams")
	return cmd
}

func contains(list []string, s string) bool {
	for _, have := range list {
		if have == s {
			return true
		}
	}
	return false
}

func newRemoveCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <digest>",
		Short: "Delete a dataset and its cache",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()

			ds, err := r.Get(args[0], datastore.GetOptions{})
			if err != nil {
				return err
			}
			dg, err := ds.Digest()
			if err != nil {
				return err
			}
			return r.Delete(dg)
		},
	}
}

func newRebuildIndexCommand(g *globalOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "rebuild-index",
		Short: "Rebuild the metadata query index from the datasets on disk",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			g.metaIndex = true
			r, err := g.open(cmd)
			if err != nil {
				return err
			}
			defer r.Close()
			store, err := r.Store()
			if err != nil {
				return err
			}
			return store.RebuildMetaIndex()
		},
	}
}
