package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/harrison/agentloop/internal/sandbox"
	"github.com/harrison/agentloop/internal/workflow/programmer"
)

// NewProgrammerCommand creates the 'agentloop programmer' command
func NewProgrammerCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "programmer",
		Short: "Analyse a CSV file by writing and running Go programs",
		Long: `Analyse a CSV file with the data-analysis programmer.

Each analysis task runs a loop that writes a Go program, executes it in a
sandboxed interpreter with the data loaded, and has the output reviewed.
Failed runs feed their error back into the next program. Completed tasks
are summarized into report.md under the output directory.

Examples:
  agentloop programmer --data sales.csv --request "total amount per region"
  agentloop programmer --data sales.csv --request "find seasonal trends" --plan`,
		Args: cobra.NoArgs,
		RunE: runProgrammer,
	}

	cmd.Flags().String("data", "", "CSV file to analyse")
	cmd.Flags().String("request", "", "What to find out from the data")
	cmd.Flags().Bool("plan", false, "Split the request into hypothesis tasks first")
	_ = cmd.MarkFlagRequired("data")
	_ = cmd.MarkFlagRequired("request")

	return cmd
}

func runProgrammer(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	dataPath, _ := cmd.Flags().GetString("data")
	request, _ := cmd.Flags().GetString("request")
	plan, _ := cmd.Flags().GetBool("plan")

	data, err := os.ReadFile(dataPath)
	if err != nil {
		return fmt.Errorf("read data: %w", err)
	}

	env, err := newEnvironment(cmd, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	p, err := programmer.New(programmer.Config{
		Loop:           cfg.LoopConfig(),
		MaxConcurrency: cfg.MaxConcurrency,
		MaxTasks:       cfg.Programmer.MaxTasks,
		Plan:           plan,
		Sandbox: sandbox.Options{
			Imports:    cfg.Sandbox.Imports,
			RunTimeout: cfg.Sandbox.RunTimeout,
			MaxOutput:  cfg.Sandbox.MaxOutput,
		},
		Temperature: cfg.Completion.Temperature,
	}, env.deps, env.writer)
	if err != nil {
		return err
	}

	result, runErr := p.Run(cmd.Context(), programmer.Request{
		DataName: filepath.Base(dataPath),
		Data:     data,
		Request:  request,
	})
	if result == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if result.Report != "" {
		fmt.Fprintln(out, result.Report)
	}
	if result.ReportPath != "" {
		env.log.LogInfo(fmt.Sprintf("Report written to %s", result.ReportPath))
	}
	return runErr
}
