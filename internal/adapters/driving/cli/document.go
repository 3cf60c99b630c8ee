package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var (
	getVersion  int64
	getChunks   bool
	getJSON     bool
	deleteAsync bool
	reapOlder   time.Duration
)

var getCmd = &cobra.Command{
	Use:   "get [doc-id]",
	Short: "Show document info",
	Args:  cobra.ExactArgs(1),
	RunE:  runGet,
}

var deleteCmd = &cobra.Command{
	Use:   "delete [doc-id]",
	Short: "Delete a document",
	Long: `Tombstones the document in the store and removes its chunks from the
index. Deleting an already deleted document succeeds.`,
	Args: cobra.ExactArgs(1),
	RunE: runDelete,
}

var reapCmd = &cobra.Command{
	Use:   "reap",
	Short: "Fail abandoned pending versions",
	Args:  cobra.NoArgs,
	RunE:  runReap,
}

func init() {
	getCmd.Flags().Int64Var(&getVersion, "version", 0, "document version (default: current)")
	getCmd.Flags().BoolVar(&getChunks, "chunks", false, "also print the chunks")
	getCmd.Flags().BoolVar(&getJSON, "json", false, "output as JSON")
	deleteCmd.Flags().BoolVar(&deleteAsync, "async", false, "enqueue the delete for the worker")
	reapCmd.Flags().DurationVar(&reapOlder, "older-than", 15*time.Minute, "minimum age of a pending version")

	rootCmd.AddCommand(getCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(reapCmd)
}

func runGet(cmd *cobra.Command, args []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	doc, err := a.Documents.Get(ctx, args[0], getVersion)
	if err != nil {
		return fmt.Errorf("get document: %w", err)
	}

	if getJSON && !getChunks {
		return printJSON(cmd, doc)
	}

	var chunks []string
	if getChunks {
		list, err := a.Documents.ListChunks(ctx, doc.ID, doc.Version)
		if err != nil {
			return fmt.Errorf("list chunks: %w", err)
		}
		if getJSON {
			for i := range list {
				list[i].Embedding = nil
			}
			return printJSON(cmd, map[string]any{"document": doc, "chunks": list})
		}
		for _, c := range list {
			chunks = append(chunks, fmt.Sprintf("  #%d [%d:%d] %s", c.Sequence, c.StartOffset, c.EndOffset, snippet(c.Content, 120)))
		}
	}

	cmd.Printf("ID:       %s\n", doc.ID)
	if doc.Title != "" {
		cmd.Printf("Title:    %s\n", doc.Title)
	}
	cmd.Printf("Version:  %d\n", doc.Version)
	cmd.Printf("Status:   %s\n", doc.Status)
	cmd.Printf("MIME:     %s\n", doc.MimeType)
	cmd.Printf("Scope:    %s\n", doc.Scope)
	cmd.Printf("Hash:     %s\n", doc.ContentHash)
	cmd.Printf("Updated:  %s\n", doc.UpdatedAt.Format("2006-01-02 15:04:05"))
	if len(chunks) > 0 {
		cmd.Printf("Chunks:   %d\n", len(chunks))
		for _, line := range chunks {
			cmd.Println(line)
		}
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if deleteAsync {
		taskID, err := a.Documents.DeleteAsync(ctx, args[0])
		if err != nil {
			return fmt.Errorf("enqueue delete: %w", err)
		}
		cmd.Printf("Queued delete of %s (task %s)\n", args[0], taskID)
		return nil
	}

	result, err := a.Documents.Delete(ctx, args[0])
	if err != nil {
		return fmt.Errorf("delete failed: %w", err)
	}
	cmd.Printf("Deleted %s (%s)\n", result.DocumentID, result.Status)
	return nil
}

func runReap(cmd *cobra.Command, _ []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}

	n, err := a.Documents.ReapStale(cmd.Context(), reapOlder)
	if err != nil {
		return fmt.Errorf("reap failed: %w", err)
	}
	cmd.Printf("Reaped %d stale version(s)\n", n)
	return nil
}
