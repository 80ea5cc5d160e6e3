package cmd

import (
	"github.com/spf13/cobra"
)

// Version is injected at build time via -ldflags
var Version = "dev"

// NewRootCommand creates and returns the root cobra command for agentloop
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agentloop",
		Short: "Bounded self-correcting task loops for LLM agents",
		Long: `Agentloop runs LLM-driven tasks through a bounded attempt/evaluate loop.

Each attempt is judged by an evaluator; inadequate attempts feed their
critique back into the next one until the task is adequate or the attempt
budget is spent. Every loop leaves an auditable record of its attempts.

Workflows:
  helpdesk    answer a product question from manuals and past Q&A
  programmer  analyse a CSV file by writing and running Go programs
  analyze     read markdown papers section by section
  research    research a goal from a local paper collection

Configuration is loaded from .agentloop/config.yaml if present.
CLI flags override configuration file settings.`,
		Version: Version,
		// Silence usage on errors to avoid duplicate help text
		SilenceUsage: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("config", "", "Path to config file (default: .agentloop/config.yaml)")
	flags.Int("max-attempts", 0, "Attempt budget per loop (overrides loop.max_attempts)")
	flags.String("timeout", "", "Per-attempt timeout (e.g., 90s, 5m)")
	flags.Int("max-concurrency", -1, "Maximum number of concurrent loops (0 = unlimited, -1 = use config)")
	flags.String("log-dir", "", "Directory for log files")
	flags.Bool("verbose", false, "Show detailed loop information")

	cmd.AddCommand(NewHelpdeskCommand())
	cmd.AddCommand(NewProgrammerCommand())
	cmd.AddCommand(NewAnalyzeCommand())
	cmd.AddCommand(NewResearchCommand())
	cmd.AddCommand(NewRecordsCommand())
	cmd.AddCommand(NewValidateCommand())

	return cmd
}
