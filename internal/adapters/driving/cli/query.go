package cli

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/ragdoc/internal/core/domain"
)

var (
	queryK        int
	queryDocs     []string
	queryScope    string
	queryAccount  string
	queryUser     string
	querySession  string
	queryMinScore float64
	queryJSON     bool
)

var queryCmd = &cobra.Command{
	Use:   "query [text]",
	Short: "Query indexed documents",
	Long: `Embeds the query text and returns the most similar chunks of the
currently indexed document versions, best match first.`,
	Args: cobra.ExactArgs(1),
	RunE: runQuery,
}

func init() {
	queryCmd.Flags().IntVarP(&queryK, "k", "k", 5, "maximum number of results")
	queryCmd.Flags().StringSliceVar(&queryDocs, "doc", nil, "restrict results to these document ids")
	queryCmd.Flags().StringVar(&queryScope, "scope", "", "scope filter: global, account, user or session")
	queryCmd.Flags().StringVar(&queryAccount, "account", "", "account id for the account scope")
	queryCmd.Flags().StringVar(&queryUser, "user", "", "user id for the user scope")
	queryCmd.Flags().StringVar(&querySession, "session", "", "session id for the session scope")
	queryCmd.Flags().Float64Var(&queryMinScore, "min-score", 0, "override the index minimum score")
	queryCmd.Flags().BoolVar(&queryJSON, "json", false, "output results as JSON")
	rootCmd.AddCommand(queryCmd)
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, err := currentApp()
	if err != nil {
		return err
	}

	q := domain.Query{Text: args[0], K: queryK}
	if len(queryDocs) > 0 || queryScope != "" {
		q.Filter = &domain.Filter{
			DocumentIDs: queryDocs,
			Scope:       domain.Scope(queryScope),
			Owner: domain.Owner{
				AccountID: queryAccount,
				UserID:    queryUser,
				SessionID: querySession,
			},
		}
	}
	if cmd.Flags().Changed("min-score") {
		minScore := queryMinScore
		q.MinScore = &minScore
	}

	result, err := a.Retrieval.Query(cmd.Context(), q)
	if err != nil {
		return fmt.Errorf("query failed: %w", err)
	}

	if queryJSON {
		return printJSON(cmd, result)
	}
	return outputQueryTable(cmd, result)
}

func outputQueryTable(cmd *cobra.Command, result *domain.RetrievalResult) error {
	if len(result.Hits) == 0 {
		cmd.Println("No results found.")
		return nil
	}

	cmd.Printf("Results (%d in %s):\n", result.TotalCount, result.Took.Round(time.Microsecond))
	cmd.Println()
	for i, hit := range result.Hits {
		name := hit.DocumentID
		if hit.Title != "" {
			name = fmt.Sprintf("%s (%s)", hit.Title, hit.DocumentID)
		}
		cmd.Printf("  [%d] %s v%d (%.3f)\n", i+1, name, hit.Version, hit.Score)
		if hit.Chunk != nil {
			cmd.Printf("      %s\n", snippet(hit.Chunk.Content, 160))
		}
		cmd.Println()
	}
	return nil
}

func snippet(s string, limit int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "..."
}

func printJSON(cmd *cobra.Command, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
