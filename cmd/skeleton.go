package cmd

import (
	"fmt"
	"io"
	"strings"

	"github.com/agentic-research/taxa/internal/config"
	"github.com/agentic-research/taxa/internal/graph"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var skeletonDepth int

var skeletonCmd = &cobra.Command{
	Use:   "skeleton [dataset]",
	Short: "Print the stub skeleton of a path manifest without fetching any chunk",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		// Path manifests are never fetched whole here.
		if !cmd.Flags().Changed("mode") {
			if err := cmd.Flags().Set("mode", config.ModeLazy); err != nil {
				return err
			}
		}
		s, src, err := openSession(cmd, args[0], nil)
		if err != nil {
			return err
		}
		defer func() { _ = src.close() }()

		res, err := s.Load(cmd.Context(), src.manifest)
		if err != nil {
			return fmt.Errorf("skeleton %s: %w", args[0], err)
		}
		out := cmd.OutOrStdout()
		printTree(out, res.Tree, skeletonDepth)
		st := res.Tree.Stats()
		fmt.Fprintf(out, "%s nodes, %s stubs (%s)\n",
			humanize.Comma(int64(st.Nodes)), humanize.Comma(int64(st.Stubs)), res.Kind)
		return nil
	},
}

// printTree writes one line per node down to maxDepth levels below the
// root (negative means unlimited). Stubs show the file that resolves them.
func printTree(w io.Writer, t *graph.Tree, maxDepth int) {
	t.Read(func(v graph.View) {
		root := v.Node(v.Root())
		if root == nil {
			return
		}
		v.Walk(v.Root(), func(n *graph.Node) bool {
			depth := n.Level - root.Level
			if maxDepth >= 0 && depth > maxDepth {
				return false
			}
			line := strings.Repeat("  ", depth) + n.Name
			if n.IsStub() {
				line += "  -> " + n.Stub.ChunkFile
			} else if n.LeafCount > 1 {
				line += fmt.Sprintf("  (%s leaves)", humanize.Comma(int64(n.LeafCount)))
			}
			fmt.Fprintln(w, line)
			return true
		})
	})
}

func init() {
	skeletonCmd.Flags().IntVarP(&skeletonDepth, "depth", "d", -1, "Maximum depth to print (-1 = all)")
	rootCmd.AddCommand(skeletonCmd)
}
