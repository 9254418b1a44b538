package cli

import (
	"errors"

	"github.com/spf13/cobra"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check that the model services answer",
	Args:  cobra.NoArgs,
	RunE:  runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, _ []string) error {
	if healthCheck == nil {
		return errors.New("health check not configured")
	}

	checks, err := healthCheck(cmd.Context())
	for _, c := range checks {
		status := "ok"
		if c.Err != nil {
			status = "FAILED: " + c.Err.Error()
		}
		cmd.Printf("%-10s %-28s %s\n", c.Service, c.Name, status)
	}
	if err != nil {
		return describe(err)
	}
	return nil
}
