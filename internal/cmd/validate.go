package cmd

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/harrison/agentloop/internal/config"
	"github.com/harrison/agentloop/internal/prompts"
)

// NewValidateCommand creates and returns the validate subcommand
func NewValidateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [config-file]",
		Short: "Validate the configuration and prompt templates",
		Long: `Load and validate the configuration, checking for:
  - Attempt budget and timeouts
  - Log level
  - Completion and embedding backends
  - Record store settings
  - Tracing exporter
  - Workflow limits

The bundled prompt templates are parsed as well.

Exit code: 0 if valid, 1 if errors found`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 1 {
				if err := cmd.Flags().Set("config", args[0]); err != nil {
					return err
				}
			}
			return validateWithOutput(cmd, cmd.OutOrStdout())
		},
		SilenceUsage: true,
	}

	return cmd
}

// validateWithOutput validates the configuration with a custom output writer (for testing)
func validateWithOutput(cmd *cobra.Command, output io.Writer) error {
	green := color.New(color.FgGreen)
	red := color.New(color.FgRed)

	cfg, err := loadConfig(cmd)
	if err != nil {
		red.Fprintf(output, "✗ %v\n", err)
		return err
	}

	p, err := prompts.New()
	if err != nil {
		red.Fprintf(output, "✗ prompt templates: %v\n", err)
		return err
	}

	printConfigSummary(output, cfg, len(p.Names()))
	green.Fprintln(output, "✓ Configuration is valid")
	return nil
}

func printConfigSummary(w io.Writer, cfg *config.Config, templates int) {
	fmt.Fprintf(w, "Loop:        %d attempt(s), timeout %s\n", cfg.Loop.MaxAttempts, cfg.Loop.AttemptTimeout)
	concurrency := "unlimited"
	if cfg.MaxConcurrency > 0 {
		concurrency = fmt.Sprint(cfg.MaxConcurrency)
	}
	fmt.Fprintf(w, "Concurrency: %s\n", concurrency)
	fmt.Fprintf(w, "Completion:  %s", cfg.Completion.Backend)
	if cfg.Completion.Model != "" {
		fmt.Fprintf(w, " (%s)", cfg.Completion.Model)
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Embeddings:  %s\n", cfg.Search.EmbeddingBackend)
	if cfg.Store.Enabled {
		fmt.Fprintf(w, "Store:       %s (keep %d days)\n", cfg.Store.DBPath, cfg.Store.KeepDays)
	} else {
		fmt.Fprintln(w, "Store:       disabled")
	}
	fmt.Fprintf(w, "Research:    %s (%d evaluation round(s), %d paper(s) per task)\n", cfg.Research.PapersDir, cfg.Research.MaxEvaluations, cfg.Research.MaxPapers)
	fmt.Fprintf(w, "Tracing:     %s\n", cfg.Tracing.Exporter)
	fmt.Fprintf(w, "Log level:   %s\n", cfg.LogLevel)
	fmt.Fprintf(w, "Templates:   %d\n", templates)
}
