package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/agentic-research/taxa/internal/chunk"
	"github.com/dustin/go-humanize"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var packCmd = &cobra.Command{
	Use:   "pack [dataset-dir] [output.db]",
	Short: "Pack a dataset directory into a single SQLite chunk pack",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		source, output := args[0], args[1]
		fs := osfs.New(source)

		var names []string
		err := util.Walk(fs, "/", func(path string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if !info.IsDir() && isDatasetFile(path) {
				names = append(names, strings.TrimPrefix(filepath.ToSlash(path), "/"))
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("walk %s: %w", source, err)
		}
		if len(names) == 0 {
			return fmt.Errorf("no dataset files under %s", source)
		}

		start := time.Now()
		var bar *progressbar.ProgressBar
		if !quiet {
			bar = progressbar.NewOptions(len(names),
				progressbar.OptionSetWriter(os.Stderr),
				progressbar.OptionSetDescription("reading"),
				progressbar.OptionShowCount(),
			)
		}
		files := make(map[string][]byte, len(names))
		var total uint64
		for _, name := range names {
			data, err := util.ReadFile(fs, name)
			if err != nil {
				return fmt.Errorf("read %s: %w", name, err)
			}
			files[name] = data
			total += uint64(len(data))
			if bar != nil {
				_ = bar.Add(1)
			}
		}
		if bar != nil {
			_ = bar.Finish()
			fmt.Fprintln(os.Stderr)
		}

		_ = os.Remove(output) // Overwrite
		if err := chunk.WriteSQLitePack(output, files); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "packed %d files (%s) into %s in %s\n",
			len(files), humanize.Bytes(total), output, time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func isDatasetFile(path string) bool {
	for _, ext := range []string{".json", ".json.gz", ".json.zst"} {
		if strings.HasSuffix(path, ext) {
			return true
		}
	}
	return false
}

func init() {
	rootCmd.AddCommand(packCmd)
}
