package cmd

import (
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load [dataset]",
	Short: "Load a dataset and print a summary of the materialized tree",
	Long: `Load a dataset the way a viewer would. The dataset is a manifest file,
a directory holding manifest.json, an http(s) URL of a manifest, or a
SQLite chunk pack (*.db). Baked, inline-lazy, lazy and eager manifests
are detected automatically; --mode forces eager or lazy for path manifests.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, settle := progressSink()
		s, src, err := openSession(cmd, args[0], sink)
		if err != nil {
			return err
		}
		defer func() { _ = src.close() }()

		start := time.Now()
		job := s.Start(cmd.Context(), src.manifest)
		res, err := job.Wait()
		settle()
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}

		st := res.Tree.Stats()
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "kind:      %s\n", res.Kind)
		fmt.Fprintf(out, "nodes:     %s\n", humanize.Comma(int64(st.Nodes)))
		fmt.Fprintf(out, "leaves:    %s\n", humanize.Comma(int64(st.Leaves)))
		fmt.Fprintf(out, "stubs:     %s\n", humanize.Comma(int64(st.Stubs)))
		fmt.Fprintf(out, "max depth: %d\n", st.MaxDepth)
		if res.Diameter > 0 {
			fmt.Fprintf(out, "diameter:  %s\n", humanize.Ftoa(res.Diameter))
		}
		if res.Partial != nil {
			fmt.Fprintf(out, "warning:   %v\n", res.Partial)
		}
		fmt.Fprintf(out, "elapsed:   %s\n", time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	rootCmd.AddCommand(loadCmd)
}
