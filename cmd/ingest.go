package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [file...]",
	Short: "Ingest text documents into the corpus",
	Long: `Ingest reads the given text files, splits them into overlapping chunks,
embeds each chunk, and stores everything in the corpus. Re-ingesting a file
replaces its previous chunks.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

func init() {
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	a, err := setupApp(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = a.Close() }()

	total := 0
	for _, path := range args {
		data, err := os.ReadFile(path) // #nosec G304 -- paths come from the operator's command line
		if err != nil {
			return fmt.Errorf("reading %s: %w", path, err)
		}

		source := filepath.Base(path)
		n, err := a.Store.Ingest(ctx, source, string(data), map[string]string{"path": path})
		if err != nil {
			return fmt.Errorf("ingesting %s: %w", path, err)
		}

		fmt.Printf("%s: %d chunks\n", source, n)
		total += n
	}

	count, err := a.Store.Count(ctx)
	if err != nil {
		return fmt.Errorf("counting corpus: %w", err)
	}
	fmt.Printf("ingested %d chunks, corpus now holds %d\n", total, count)
	return nil
}
