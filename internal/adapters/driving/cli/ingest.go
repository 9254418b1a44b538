package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/connectors/filesystem"
	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

var (
	ingestID    string
	ingestTitle string
	ingestWatch bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest [path...]",
	Short: "Index documents",
	Long: `Chunks, embeds and indexes text and markdown files. Directories are
walked recursively, skipping hidden entries. Re-ingesting a file replaces
its previous version.

With --watch the paths stay watched and changed files are re-indexed
until the command is interrupted.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runIngest,
}

var deletePath bool

var deleteCmd = &cobra.Command{
	Use:   "delete [id...]",
	Short: "Remove documents from the index",
	Long:  `Removes documents and all of their chunks. Unknown ids are ignored.`,
	Args:  cobra.MinimumNArgs(1),
	RunE:  runDelete,
}

func init() {
	ingestCmd.Flags().StringVar(&ingestID, "id", "", "document id (single file only)")
	ingestCmd.Flags().StringVar(&ingestTitle, "title", "", "document title (single file only)")
	ingestCmd.Flags().BoolVarP(&ingestWatch, "watch", "w", false, "keep watching the paths for changes")
	deleteCmd.Flags().BoolVar(&deletePath, "path", false, "treat arguments as file paths instead of ids")
	rootCmd.AddCommand(ingestCmd)
	rootCmd.AddCommand(deleteCmd)
}

func runIngest(cmd *cobra.Command, args []string) error {
	if ingestionService == nil {
		return errors.New("ingestion service not configured")
	}
	if (ingestID != "" || ingestTitle != "") && len(args) > 1 {
		return fmt.Errorf("--id and --title need a single path: %w", domain.ErrInvalidInput)
	}

	ctx := cmd.Context()
	sources, err := openSources(args)
	if err != nil {
		return err
	}

	ing := &ingester{svc: ingestionService, out: cmd.OutOrStdout(), id: ingestID, title: ingestTitle}
	if err := ing.walk(ctx, sources); err != nil {
		return err
	}
	cmd.Printf("Indexed %d document(s), %d chunk(s)", ing.indexed, ing.chunks)
	if ing.failed > 0 {
		cmd.Printf(", %d failed", ing.failed)
	}
	cmd.Println()

	if ingestWatch {
		cmd.Println("Watching for changes. Press Ctrl+C to stop.")
		return ing.watch(ctx, sources)
	}
	if ing.failed > 0 {
		return fmt.Errorf("%d document(s) failed to index", ing.failed)
	}
	return nil
}

func runDelete(cmd *cobra.Command, args []string) error {
	if ingestionService == nil {
		return errors.New("ingestion service not configured")
	}
	ctx := cmd.Context()
	for _, arg := range args {
		id := arg
		if deletePath {
			path, err := filesystem.LocalPath(arg)
			if err != nil {
				return err
			}
			id = domain.DocumentIDFor(path, "")
		}
		if err := ingestionService.Delete(ctx, id); err != nil {
			return describe(err)
		}
		cmd.Printf("Deleted %s\n", id)
	}
	return nil
}

func openSources(paths []string) ([]*filesystem.Source, error) {
	sources := make([]*filesystem.Source, 0, len(paths))
	for _, p := range paths {
		s, err := filesystem.New(p)
		if err != nil {
			return nil, err
		}
		sources = append(sources, s)
	}
	return sources, nil
}

// ingester feeds files from filesystem sources into the ingestion service
// and keeps running totals.
type ingester struct {
	svc   driving.IngestionService
	out   io.Writer
	id    string
	title string

	mu      sync.Mutex
	indexed int
	chunks  int
	failed  int
}

func (g *ingester) walk(ctx context.Context, sources []*filesystem.Source) error {
	for _, s := range sources {
		err := s.Walk(ctx, func(f filesystem.File) error {
			g.ingest(ctx, f)
			return ctx.Err()
		})
		if err != nil {
			return fmt.Errorf("reading %s: %w", s.Root(), err)
		}
	}
	return nil
}

// ingest indexes one file. Failures are reported and counted rather than
// stopping the run.
func (g *ingester) ingest(ctx context.Context, f filesystem.File) {
	title := f.Title
	if g.title != "" {
		title = g.title
	}
	res, err := g.svc.Ingest(ctx, driving.IngestRequest{
		ID:       g.id,
		Source:   f.Path,
		Title:    title,
		Text:     f.Content,
		Metadata: f.Metadata(),
	})

	g.mu.Lock()
	defer g.mu.Unlock()
	if errors.Is(err, domain.ErrEmptyDocument) {
		fmt.Fprintf(g.out, "  skipped %s: no indexable text\n", f.Path)
		return
	}
	if err != nil {
		g.failed++
		fmt.Fprintf(g.out, "  failed  %s: %v\n", f.Path, describe(err))
		return
	}
	g.indexed++
	g.chunks += res.Chunks
	fmt.Fprintf(g.out, "  indexed %s (%d chunks, %s)\n", f.Path, res.Chunks, res.Duration.Round(time.Millisecond))
	for _, w := range res.Warnings {
		fmt.Fprintf(g.out, "    warning: %s\n", w)
	}
}

func (g *ingester) remove(ctx context.Context, path string) {
	id := g.id
	if id == "" {
		id = domain.DocumentIDFor(path, "")
	}
	err := g.svc.Delete(ctx, id)

	g.mu.Lock()
	defer g.mu.Unlock()
	if err != nil {
		fmt.Fprintf(g.out, "  failed  to remove %s: %v\n", path, describe(err))
		return
	}
	fmt.Fprintf(g.out, "  removed %s\n", path)
}

// watch applies filesystem changes until ctx ends.
func (g *ingester) watch(ctx context.Context, sources []*filesystem.Source) error {
	var wg sync.WaitGroup
	for i, s := range sources {
		changes, err := s.Watch(ctx)
		if err != nil {
			for _, started := range sources[:i] {
				_ = started.Close()
			}
			wg.Wait()
			return err
		}
		wg.Add(1)
		go func(s *filesystem.Source) {
			defer wg.Done()
			defer s.Close()
			for c := range changes {
				logger.Debug("change %s %s", c.Kind, c.Path)
				switch c.Kind {
				case filesystem.ChangeUpserted:
					g.ingest(ctx, *c.File)
				case filesystem.ChangeRemoved:
					g.remove(ctx, c.Path)
				}
			}
		}(s)
	}
	wg.Wait()
	return nil
}
