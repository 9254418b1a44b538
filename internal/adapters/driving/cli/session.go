package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
)

var sessionCmd = &cobra.Command{
	Use:   "session",
	Short: "Inspect recorded chat sessions",
	Long: `Sessions live in memory for the life of a chat. When a session
mirror is configured every change is also recorded, and can be replayed
here after the chat has ended.`,
}

var sessionLogCmd = &cobra.Command{
	Use:   "log [session-id]",
	Short: "Replay the recorded events of a session",
	Args:  cobra.ExactArgs(1),
	RunE:  runSessionLog,
}

func init() {
	sessionCmd.AddCommand(sessionLogCmd)
	rootCmd.AddCommand(sessionCmd)
}

func runSessionLog(cmd *cobra.Command, args []string) error {
	if sessionLog == nil {
		return errors.New("session mirror not configured")
	}

	events, err := sessionLog(cmd.Context(), args[0])
	if err != nil {
		return describe(err)
	}
	if len(events) == 0 {
		return describe(domain.ErrSessionNotFound)
	}

	for _, e := range events {
		at := e.At.Format("2006-01-02 15:04:05")
		if e.Turn == nil {
			cmd.Printf("%s  [%s]\n", at, e.State)
			continue
		}
		marker := ""
		if e.Turn.Incomplete {
			marker = " (incomplete)"
		}
		cmd.Printf("%s  %s%s: %s\n", at, e.Turn.Role, marker, e.Turn.Content)
		for _, s := range e.Turn.Sources {
			cmd.Printf("                       source: %s\n", s)
		}
	}
	return nil
}
