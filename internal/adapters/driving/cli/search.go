package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

var (
	searchLimit   int
	searchJSON    bool
	searchFilters map[string]string
)

var searchCmd = &cobra.Command{
	Use:   "search [query]",
	Short: "Search indexed documents",
	Long: `Retrieves the passages most similar to the query. Semantic (vector)
search is combined with keyword search when a keyword index is configured,
and the candidates are re-ranked before display.`,
	Args: cobra.ExactArgs(1),
	RunE: runSearch,
}

func init() {
	searchCmd.Flags().IntVarP(&searchLimit, "limit", "n", 10, "maximum number of results")
	searchCmd.Flags().BoolVar(&searchJSON, "json", false, "output results as JSON")
	searchCmd.Flags().StringToStringVar(&searchFilters, "filter", nil, "metadata filter key=value, repeatable")
	rootCmd.AddCommand(searchCmd)
}

func runSearch(cmd *cobra.Command, args []string) error {
	query := args[0]

	if searchService == nil {
		return errors.New("search service not configured")
	}

	res, err := searchService.Search(cmd.Context(), query, searchLimit, domain.Filters(searchFilters))
	if err != nil {
		return describe(err)
	}

	if searchJSON {
		return outputSearchJSON(cmd, res)
	}
	return outputSearchTable(cmd, res)
}

type searchHitJSON struct {
	Rank       int     `json:"rank"`
	Score      float64 `json:"score"`
	DocumentID string  `json:"documentId"`
	ChunkID    string  `json:"chunkId"`
	Source     string  `json:"source"`
	Origin     string  `json:"origin"`
	Content    string  `json:"content"`
}

type searchJSONResult struct {
	Results  []searchHitJSON `json:"results"`
	Degraded bool            `json:"degraded,omitempty"`
	Warning  string          `json:"warning,omitempty"`
}

func outputSearchJSON(cmd *cobra.Command, res *domain.RerankResult) error {
	out := searchJSONResult{
		Results:  make([]searchHitJSON, 0, len(res.Candidates)),
		Degraded: res.Degraded,
		Warning:  res.Warning,
	}
	for _, c := range res.Candidates {
		out.Results = append(out.Results, searchHitJSON{
			Rank:       c.Rank,
			Score:      c.Score,
			DocumentID: c.Chunk.DocumentID,
			ChunkID:    c.Chunk.ID,
			Source:     c.Chunk.SourceLabel(),
			Origin:     string(c.Origin),
			Content:    c.Chunk.Content,
		})
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal results: %w", err)
	}
	cmd.Println(string(data))
	return nil
}

func outputSearchTable(cmd *cobra.Command, res *domain.RerankResult) error {
	if res.Warning != "" {
		cmd.Printf("warning: %s\n", res.Warning)
	}
	if len(res.Candidates) == 0 {
		cmd.Println("No results found.")
		return nil
	}

	cmd.Println("Results:")
	cmd.Println()
	for i, c := range res.Candidates {
		// Format: [N] Source - Snippet (Score)
		cmd.Printf("[%d] %s (%.3f)\n", i+1, c.Chunk.SourceLabel(), c.Score)
		cmd.Printf("    %s\n", snippet(c.Chunk.Content, 160))
	}
	return nil
}

// snippet flattens whitespace and truncates to max runes.
func snippet(s string, maxRunes int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= maxRunes {
		return s
	}
	return string(r[:maxRunes]) + "..."
}
