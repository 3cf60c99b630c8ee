package cli

import (
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

var (
	ingestMime    string
	ingestTitle   string
	ingestScope   string
	ingestAccount string
	ingestUser    string
	ingestSession string
	ingestAsync   bool
	ingestJSON    bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [doc-id] [file]",
	Short: "Ingest a document",
	Long: `Chunks, embeds and indexes the file under the given document id.
Re-ingesting an id creates a new version that replaces the previous one
once it is fully indexed. Use "-" to read the content from stdin.`,
	Args: cobra.ExactArgs(2),
	RunE: runIngest,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestMime, "mime", "", "content MIME type (default: from file extension, else text/plain)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title")
	ingestCmd.Flags().StringVar(&ingestScope, "scope", string(domain.ScopeGlobal), "visibility scope: global, account, user or session")
	ingestCmd.Flags().StringVar(&ingestAccount, "account", "", "owning account id")
	ingestCmd.Flags().StringVar(&ingestUser, "user", "", "owning user id")
	ingestCmd.Flags().StringVar(&ingestSession, "session", "", "owning session id")
	ingestCmd.Flags().BoolVar(&ingestAsync, "async", false, "enqueue the ingestion for the worker instead of running it")
	ingestCmd.Flags().BoolVar(&ingestJSON, "json", false, "output the result as JSON")
	rootCmd.AddCommand(ingestCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}

	docID, path := args[0], args[1]
	content, err := readContent(cmd, path)
	if err != nil {
		return err
	}

	req := domain.IngestRequest{
		DocumentID: docID,
		Content:    content,
		MimeType:   detectMime(ingestMime, path),
		Title:      ingestTitle,
		Scope:      domain.Scope(ingestScope),
		Owner: domain.Owner{
			AccountID: ingestAccount,
			UserID:    ingestUser,
			SessionID: ingestSession,
		},
	}
	if req.Title == "" && path != "-" {
		req.Title = filepath.Base(path)
	}

	ctx := cmd.Context()
	if ingestAsync {
		taskID, err := a.Ingestion.IngestAsync(ctx, req)
		if err != nil {
			return fmt.Errorf("enqueue ingestion: %w", err)
		}
		cmd.Printf("Queued ingestion of %s (task %s)\n", docID, taskID)
		return nil
	}

	result, err := a.Ingestion.Ingest(ctx, req)
	if err != nil {
		return fmt.Errorf("ingestion failed: %w", err)
	}
	if ingestJSON {
		return printJSON(cmd, result)
	}

	if result.Unchanged {
		cmd.Printf("%s unchanged (version %d)\n", docID, result.Version)
		return nil
	}
	cmd.Printf("Ingested %s version %d (%d chunks)\n", docID, result.Version, result.Chunks)
	return nil
}

func readContent(cmd *cobra.Command, path string) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(cmd.InOrStdin())
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return string(data), nil
}

func detectMime(explicit, path string) string {
	if explicit != "" {
		return explicit
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".md", ".markdown":
		return "text/markdown"
	case ".csv":
		return "text/csv"
	case ".tsv":
		return "text/tab-separated-values"
	case ".json":
		return "application/json"
	}
	if t := mime.TypeByExtension(filepath.Ext(path)); t != "" {
		if mt, _, err := mime.ParseMediaType(t); err == nil {
			return mt
		}
	}
	return "text/plain"
}
