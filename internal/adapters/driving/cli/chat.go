package cli

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// Flags shared by the chat commands.
var (
	chatModel   string
	chatTopK    int
	chatFilters map[string]string
	chatRAG     bool
	chatLoad    []string
	chatWatch   bool
	askJSON     bool
)

var chatCmd = &cobra.Command{
	Use:   "chat",
	Short: "Start an interactive chat session",
	Long: `Starts a conversation that keeps its history for the life of the
process. With --rag (the default) every answer is grounded in the indexed
documents and cites them; --rag=false chats with the model using only the
conversation so far.

Commands inside the session:
  /info     show the session
  /clear    start a new session
  /quit     leave`,
	Args: cobra.NoArgs,
	RunE: runChat,
}

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question from the indexed documents",
	Args:  cobra.ExactArgs(1),
	RunE:  runAsk,
}

var directCmd = &cobra.Command{
	Use:   "direct [message]",
	Short: "Send one message straight to the model",
	Long:  `Sends a message to the model without retrieval or history.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runDirect,
}

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List models available for direct chat",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	for _, c := range []*cobra.Command{chatCmd, askCmd, directCmd} {
		c.Flags().StringVarP(&chatModel, "model", "m", "", "model override")
	}
	for _, c := range []*cobra.Command{chatCmd, askCmd} {
		c.Flags().IntVarP(&chatTopK, "top-k", "k", 0, "number of passages to use (0 uses the configured value)")
		c.Flags().StringToStringVar(&chatFilters, "filter", nil, "metadata filter key=value, repeatable")
	}
	chatCmd.Flags().BoolVar(&chatRAG, "rag", true, "ground answers in the indexed documents")
	chatCmd.Flags().StringSliceVar(&chatLoad, "load", nil, "index these paths before chatting")
	chatCmd.Flags().BoolVar(&chatWatch, "watch", false, "keep the --load paths indexed while chatting")
	askCmd.Flags().BoolVar(&askJSON, "json", false, "output the answer as JSON")

	rootCmd.AddCommand(chatCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(directCmd)
	rootCmd.AddCommand(modelsCmd)
}

func runChat(cmd *cobra.Command, _ []string) error {
	if chatService == nil || sessionManager == nil {
		return errors.New("chat service not configured")
	}
	ctx, cancel := context.WithCancel(cmd.Context())
	defer cancel()

	if len(chatLoad) > 0 {
		if ingestionService == nil {
			return errors.New("ingestion service not configured")
		}
		sources, err := openSources(chatLoad)
		if err != nil {
			return err
		}
		ing := &ingester{svc: ingestionService, out: cmd.OutOrStdout()}
		if err := ing.walk(ctx, sources); err != nil {
			return err
		}
		if chatWatch {
			go func() {
				if err := ing.watch(ctx, sources); err != nil {
					logger.Warn("watch stopped: %v", err)
				}
			}()
		}
	}

	r := &repl{
		in:  bufio.NewScanner(cmd.InOrStdin()),
		out: cmd.OutOrStdout(),
	}
	if err := r.newSession(ctx); err != nil {
		return describe(err)
	}
	defer func() { _ = sessionManager.Delete(context.WithoutCancel(ctx), r.sessionID) }()
	return r.run(ctx)
}

// repl is the interactive chat loop.
type repl struct {
	in        *bufio.Scanner
	out       io.Writer
	sessionID string
}

func (r *repl) newSession(ctx context.Context) error {
	s, err := sessionManager.Create(ctx)
	if err != nil {
		return err
	}
	r.sessionID = s.ID
	fmt.Fprintf(r.out, "Session %s. Type /quit to leave.\n", s.ID)
	return nil
}

func (r *repl) run(ctx context.Context) error {
	for {
		fmt.Fprint(r.out, "> ")
		if !r.in.Scan() {
			fmt.Fprintln(r.out)
			return r.in.Err()
		}
		line := strings.TrimSpace(r.in.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "/") {
			done, err := r.command(ctx, line)
			if err != nil || done {
				return err
			}
			continue
		}
		if err := r.send(ctx, line); err != nil {
			return err
		}
	}
}

// command handles a slash command and reports whether the loop should end.
func (r *repl) command(ctx context.Context, line string) (bool, error) {
	switch line {
	case "/quit", "/exit":
		return true, nil
	case "/info":
		info, err := sessionManager.Info(ctx, r.sessionID)
		if err != nil {
			fmt.Fprintf(r.out, "%v\n", describe(err))
			return false, nil
		}
		fmt.Fprintf(r.out, "Session:  %s\nTurns:    %d\nCreated:  %s\nActive:   %s\n",
			info.ID, info.TurnCount,
			info.CreatedAt.Format("2006-01-02 15:04:05"),
			info.LastActiveAt.Format("2006-01-02 15:04:05"))
	case "/clear":
		if err := sessionManager.Delete(ctx, r.sessionID); err != nil {
			fmt.Fprintf(r.out, "%v\n", describe(err))
		}
		return false, r.newSession(ctx)
	default:
		fmt.Fprintf(r.out, "Unknown command %s. Try /info, /clear or /quit.\n", line)
	}
	return false, nil
}

// send streams one answer. Request errors are shown and the loop goes on;
// only cancellation ends it.
func (r *repl) send(ctx context.Context, message string) error {
	req, err := domain.ParseChatRequest(domain.RawChatRequest{
		SessionID: r.sessionID,
		Message:   message,
		UseRAG:    chatRAG,
		Model:     chatModel,
		TopK:      chatTopK,
		Filters:   chatFilters,
	})
	if err != nil {
		fmt.Fprintf(r.out, "%v\n", describe(err))
		return nil
	}

	res, err := chatService.ChatStream(ctx, req, func(delta string) error {
		_, werr := io.WriteString(r.out, delta)
		return werr
	})
	if res != nil {
		fmt.Fprintln(r.out)
		printSources(r.out, res)
	}
	switch {
	case err == nil:
	case ctx.Err() != nil:
		return ctx.Err()
	case errors.Is(err, domain.ErrSessionExpired), errors.Is(err, domain.ErrSessionNotFound):
		fmt.Fprintf(r.out, "%v\n", describe(err))
		return r.newSession(ctx)
	default:
		fmt.Fprintf(r.out, "%v\n", describe(err))
	}
	return nil
}

func runAsk(cmd *cobra.Command, args []string) error {
	if chatService == nil {
		return errors.New("chat service not configured")
	}
	req := domain.RagRequest{
		Message: args[0],
		Model:   chatModel,
		TopK:    chatTopK,
		Filters: chatFilters,
	}
	res, err := chatService.Chat(cmd.Context(), req)
	if err != nil {
		return describe(err)
	}
	if askJSON {
		return outputAnswerJSON(cmd, res)
	}
	cmd.Println(res.Answer)
	printSources(cmd.OutOrStdout(), res)
	return nil
}

func runDirect(cmd *cobra.Command, args []string) error {
	if chatService == nil {
		return errors.New("chat service not configured")
	}
	res, err := chatService.Chat(cmd.Context(), domain.DirectRequest{Message: args[0], Model: chatModel})
	if err != nil {
		return describe(err)
	}
	cmd.Println(res.Answer)
	return nil
}

func runModels(cmd *cobra.Command, _ []string) error {
	if chatService == nil {
		return errors.New("chat service not configured")
	}
	list, err := chatService.Models(cmd.Context())
	if err != nil {
		return describe(err)
	}
	if len(list.Available) == 0 {
		cmd.Printf("Default: %s\n", list.Default)
		return nil
	}
	for _, m := range list.Available {
		if m == list.Default {
			cmd.Printf("* %s (default)\n", m)
			continue
		}
		cmd.Printf("  %s\n", m)
	}
	return nil
}

func printSources(w io.Writer, res *domain.GenerationResult) {
	if res.Incomplete {
		fmt.Fprintln(w, "[answer incomplete]")
	}
	for _, warning := range res.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warning)
	}
	if len(res.Sources) == 0 {
		return
	}
	fmt.Fprintln(w, "Sources:")
	for i, s := range res.Sources {
		label := s.Title
		if label == "" {
			label = s.DocumentID
		}
		if s.Source != "" && s.Source != label {
			fmt.Fprintf(w, "  [%d] %s (%s)\n", i+1, label, s.Source)
			continue
		}
		fmt.Fprintf(w, "  [%d] %s\n", i+1, label)
	}
}

type answerJSON struct {
	Answer     string               `json:"answer"`
	Sources    []domain.CitedSource `json:"sources"`
	Model      string               `json:"model"`
	Mode       domain.ChatMode      `json:"mode"`
	Degraded   bool                 `json:"degraded,omitempty"`
	Incomplete bool                 `json:"incomplete,omitempty"`
	Warnings   []string             `json:"warnings,omitempty"`
	DurationMS int64                `json:"durationMs"`
}

func outputAnswerJSON(cmd *cobra.Command, res *domain.GenerationResult) error {
	data, err := json.MarshalIndent(answerJSON{
		Answer:     res.Answer,
		Sources:    res.Sources,
		Model:      res.ModelUsed,
		Mode:       res.Mode,
		Degraded:   res.Degraded,
		Incomplete: res.Incomplete,
		Warnings:   res.Warnings,
		DurationMS: res.Duration.Milliseconds(),
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal answer: %w", err)
	}
	cmd.Println(string(data))
	return nil
}
