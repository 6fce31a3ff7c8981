package cmd

import (
	"encoding/csv"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/dhcgn/mail-extract/extract"
	"github.com/dhcgn/mail-extract/filter"
	"github.com/dhcgn/mail-extract/stats"
)

const reportName = "report_extensions.csv"

// Inventory summarizes the content of one or more extraction folders.
type Inventory struct {
	Folders    int
	Documents  int
	Files      int
	Skipped    int
	Extensions map[string]int
}

type inspectOptions struct {
	reportDir string
	topN      int
	include   []string
	exclude   []string
}

// NewInspectCommand returns the inspect subcommand.
func NewInspectCommand() *cobra.Command {
	opts := &inspectOptions{}

	cmd := &cobra.Command{
		Use:   "inspect <folder>...",
		Short: "Count extracted files by extension",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := filter.New(filter.Options{Include: opts.include, Exclude: opts.exclude})
			if err != nil {
				return fmt.Errorf("create filter: %w", err)
			}

			inv, err := Inspect(args, f)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			printInventory(out, inv, opts.topN)
			if f.Active() {
				printFilterHits(out, f.GetStats())
			}

			if opts.reportDir == "" {
				return nil
			}
			path, err := saveCSVReport(inv.Extensions, opts.reportDir)
			if err != nil {
				return fmt.Errorf("save csv report: %w", err)
			}
			fmt.Fprintf(out, "\nReport saved to: %s\n", path)
			return nil
		},
	}

	cmd.Flags().StringVarP(&opts.reportDir, "output", "o", "", "Directory for "+reportName+" (skipped when empty)")
	cmd.Flags().IntVarP(&opts.topN, "top", "t", 10, "Number of extensions to display")
	cmd.Flags().StringArrayVar(&opts.include, "include", nil, "Regex allow-list applied to file paths (mutually exclusive with --exclude)")
	cmd.Flags().StringArrayVar(&opts.exclude, "exclude", nil, "Regex block-list applied to file paths (mutually exclusive with --include)")

	return cmd
}

// Inspect walks roots and counts extraction folders, documents and the
// extensions of all other files. Roots may be extraction folders or any
// directory containing them.
func Inspect(roots []string, f *filter.Filter) (Inventory, error) {
	inv := Inventory{Extensions: make(map[string]int)}

	for _, root := range roots {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() {
				if strings.HasSuffix(d.Name(), extract.FolderSuffix) {
					inv.Folders++
				}
				return nil
			}
			if !f.Allows(path) {
				inv.Skipped++
				return nil
			}

			inv.Files++
			if d.Name() == extract.DocumentName {
				inv.Documents++
				return nil
			}
			inv.Extensions[extensionKey(d.Name())]++
			return nil
		})
		if err != nil {
			return inv, fmt.Errorf("walk %s: %w", root, err)
		}
	}

	return inv, nil
}

func extensionKey(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if ext == "" || ext == name {
		return "(none)"
	}
	return ext
}

func printInventory(w io.Writer, inv Inventory, topN int) {
	fmt.Fprintf(w, "Extraction folders: %d\n", inv.Folders)
	fmt.Fprintf(w, "Email documents: %d\n", inv.Documents)
	fmt.Fprintf(w, "Files: %d (skipped %d by filters)\n\n", inv.Files, inv.Skipped)
	fmt.Fprintf(w, "Top %d extensions:\n", topN)
	stats.PrintTop(w, inv.Extensions, topN)
}

func printFilterHits(w io.Writer, st filter.Stats) {
	type pair struct {
		Pattern string
		Count   int
	}

	patterns := append(append([]string{}, st.IncludePatterns...), st.ExcludePatterns...)
	pairs := make([]pair, 0, len(patterns))
	for _, p := range patterns {
		pairs = append(pairs, pair{p, st.Hits[p]})
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].Count != pairs[j].Count {
			return pairs[i].Count > pairs[j].Count
		}
		return pairs[i].Pattern < pairs[j].Pattern
	})

	fmt.Fprintln(w, "\nFilter hits:")
	for _, p := range pairs {
		fmt.Fprintf(w, "  %s: %d hits\n", p.Pattern, p.Count)
	}
}

func saveCSVReport(counts map[string]int, dir string) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}

	path := filepath.Join(dir, reportName)
	file, err := os.Create(path)
	if err != nil {
		return "", err
	}
	defer file.Close()

	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if counts[keys[i]] != counts[keys[j]] {
			return counts[keys[i]] > counts[keys[j]]
		}
		return keys[i] < keys[j]
	})

	writer := csv.NewWriter(file)
	if err := writer.Write([]string{"Extension", "Count"}); err != nil {
		return "", err
	}
	for _, k := range keys {
		if err := writer.Write([]string{k, strconv.Itoa(counts[k])}); err != nil {
			return "", err
		}
	}
	writer.Flush()
	if err := writer.Error(); err != nil {
		return "", err
	}
	return path, file.Close()
}
