// Package cli is the command-line client of the retrieval and chat services.
package cli

import (
	"context"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/custodia-labs/sercha-rag/internal/core/domain"
	"github.com/custodia-labs/sercha-rag/internal/core/ports/driving"
	"github.com/custodia-labs/sercha-rag/internal/logger"
)

// version is set at build time via ldflags.
var version = "dev"

// skipServices marks commands that run without bootstrapping services.
const skipServices = "skip-services"

// HealthCheck is the outcome of probing one external dependency.
type HealthCheck struct {
	Service string
	Name    string
	Err     error
}

// Services is the set of driving ports the commands talk to. Fields left
// nil make the matching commands report that they are not configured.
type Services struct {
	Chat      driving.ChatService
	Ingestion driving.IngestionService
	Sessions  driving.SessionManager
	Search    driving.SearchService

	// Health probes the embedding and generation services.
	Health func(ctx context.Context) ([]HealthCheck, error)

	// SessionLog replays mirrored session events. Nil without a mirror.
	SessionLog func(ctx context.Context, sessionID string) ([]domain.SessionEvent, error)

	// Close releases everything the services hold.
	Close func() error
}

// Options are the global flags handed to the bootstrap.
type Options struct {
	ConfigPath string
	Verbose    bool
}

// Bootstrap builds the services from configuration. It runs once, before
// the first command that needs services.
type Bootstrap func(ctx context.Context, opts Options) (*Services, error)

// Service instances, set by the bootstrap or by SetServices.
var (
	chatService      driving.ChatService
	ingestionService driving.IngestionService
	sessionManager   driving.SessionManager
	searchService    driving.SearchService
	healthCheck      func(ctx context.Context) ([]HealthCheck, error)
	sessionLog       func(ctx context.Context, sessionID string) ([]domain.SessionEvent, error)
	closeServices    func() error
)

var (
	bootstrap  Bootstrap
	configPath string
	verbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "sercha-rag",
	Short: "Chat with your documents",
	Long: `sercha-rag indexes local text and markdown documents and answers
questions about them with retrieval-augmented generation. It can also
chat directly with the configured model.`,
	SilenceUsage:      true,
	PersistentPreRunE: prepare,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")
}

// SetServices installs the services used by the commands.
func SetServices(s *Services) {
	if s == nil {
		s = &Services{}
	}
	chatService = s.Chat
	ingestionService = s.Ingestion
	sessionManager = s.Sessions
	searchService = s.Search
	healthCheck = s.Health
	sessionLog = s.SessionLog
	closeServices = s.Close
}

// Execute runs the root command. Services are built by b on first use and
// closed when the command returns.
func Execute(ctx context.Context, b Bootstrap) error {
	bootstrap = b
	defer func() {
		if closeServices != nil {
			if err := closeServices(); err != nil {
				logger.Warn("closing services: %v", err)
			}
			closeServices = nil
		}
		_ = logger.Sync()
	}()
	return rootCmd.ExecuteContext(ctx)
}

func prepare(cmd *cobra.Command, _ []string) error {
	logger.SetVerbose(verbose)
	if bootstrap == nil || !needsServices(cmd) {
		return nil
	}
	s, err := bootstrap(cmd.Context(), Options{ConfigPath: configPath, Verbose: verbose})
	if err != nil {
		return err
	}
	SetServices(s)
	return nil
}

func needsServices(cmd *cobra.Command) bool {
	if cmd.Annotations[skipServices] == "true" || cmd.Name() == "help" {
		return false
	}
	return !cmd.HasParent() || cmd.Parent().Name() != "completion"
}

// commandError keeps the underlying cause for errors.Is while showing only
// the stable code and message.
type commandError struct {
	info domain.ErrorInfo
	err  error
}

func (e *commandError) Error() string {
	if e.info.Phase != "" {
		return fmt.Sprintf("%s: %s (%s)", e.info.Code, e.info.Message, e.info.Phase)
	}
	return fmt.Sprintf("%s: %s", e.info.Code, e.info.Message)
}

func (e *commandError) Unwrap() error {
	return e.err
}

// describe converts a service error into the message shown to the user.
// The full chain is logged at debug level.
func describe(err error) error {
	if err == nil {
		return nil
	}
	var ce *commandError
	if errors.As(err, &ce) {
		return err
	}
	logger.Debug("command failed: %v", err)
	return &commandError{info: domain.Describe(err), err: err}
}
