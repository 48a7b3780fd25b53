package cmd

import (
	"fmt"
	"strings"

	"github.com/agentic-research/taxa/internal/graph"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var findChildren int

var findCmd = &cobra.Command{
	Use:   "find [dataset] [breadcrumb]",
	Short: "Resolve a breadcrumb such as \"Life > Animalia > Chordata\" against a dataset",
	Long: `Load a dataset and walk the breadcrumb from the root, fetching any stub
whose children are needed on the way, as a deep link would.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		sink, settle := progressSink()
		s, src, err := openSession(cmd, args[0], sink)
		if err != nil {
			return err
		}
		defer func() { _ = src.close() }()

		ctx := cmd.Context()
		res, err := s.Load(ctx, src.manifest)
		settle()
		if err != nil {
			return fmt.Errorf("load %s: %w", args[0], err)
		}
		before := res.Tree.Stats().Stubs

		id, err := s.FindByPath(ctx, args[1])
		if err != nil {
			return err
		}
		n, err := res.Tree.Get(id)
		if err != nil {
			return err
		}
		crumb, err := res.Tree.Breadcrumb(id)
		if err != nil {
			return err
		}

		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "path:     %s\n", crumb)
		fmt.Fprintf(out, "id:       %d\n", n.ID)
		fmt.Fprintf(out, "level:    %d\n", n.Level)
		fmt.Fprintf(out, "leaves:   %s\n", humanize.Comma(int64(n.LeafCount)))
		if n.IsStub() {
			fmt.Fprintf(out, "stub:     %s\n", n.Stub.ChunkFile)
		}
		fmt.Fprintf(out, "resolved: %d stub(s) on the way\n", before-res.Tree.Stats().Stubs)
		if names := childNames(res.Tree, n, findChildren); len(names) > 0 {
			fmt.Fprintf(out, "children: %s\n", strings.Join(names, ", "))
		}
		return nil
	},
}

// childNames lists up to limit child names of n, noting how many were cut.
func childNames(t *graph.Tree, n graph.Node, limit int) []string {
	var names []string
	t.Read(func(v graph.View) {
		for i, c := range n.Children {
			if i == limit {
				names = append(names, fmt.Sprintf("... %d more", len(n.Children)-limit))
				break
			}
			if cn := v.Node(c); cn != nil {
				names = append(names, cn.Name)
			}
		}
	})
	return names
}

func init() {
	findCmd.Flags().IntVar(&findChildren, "children", 10, "Number of child names to list")
	rootCmd.AddCommand(findCmd)
}
