package cmd

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/agentloop/internal/document"
	"github.com/harrison/agentloop/internal/workflow/analyzer"
)

// NewAnalyzeCommand creates the 'agentloop analyze' command
func NewAnalyzeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Answer a question from markdown papers",
		Long: `Read markdown papers section by section.

For every paper a loop picks the sections most likely to answer the task,
checks whether they are sufficient and re-selects with the reason when they
are not. Papers that never yield sufficient sections are reported as not
related.

Examples:
  agentloop analyze --paper rag.md --goal "survey retrieval methods" --task "which datasets are used?"
  agentloop analyze --paper a.md --paper b.md --goal "..." --task "..."`,
		Args: cobra.NoArgs,
		RunE: runAnalyze,
	}

	cmd.Flags().StringSlice("paper", nil, "Markdown paper to read (repeatable)")
	cmd.Flags().String("goal", "", "Research goal the reading serves")
	cmd.Flags().String("task", "", "Question to answer from each paper")
	_ = cmd.MarkFlagRequired("paper")
	_ = cmd.MarkFlagRequired("goal")
	_ = cmd.MarkFlagRequired("task")

	return cmd
}

func runAnalyze(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	env, err := newEnvironment(cmd, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	paths, _ := cmd.Flags().GetStringSlice("paper")
	goal, _ := cmd.Flags().GetString("goal")
	task, _ := cmd.Flags().GetString("task")

	docs, err := document.NewStore("", 0)
	if err != nil {
		return err
	}
	a, err := analyzer.New(analyzer.Config{
		Loop:           cfg.AnalyzerLoopConfig(),
		MaxSections:    cfg.Analyzer.MaxSections,
		MaxConcurrency: cfg.MaxConcurrency,
		Temperature:    cfg.Completion.Temperature,
	}, env.deps, docs)
	if err != nil {
		return err
	}

	papers := make([]analyzer.Paper, len(paths))
	for i, p := range paths {
		papers[i] = analyzer.Paper{Task: task, Path: p}
	}

	results, runErr := a.AnalyzeAll(cmd.Context(), goal, papers)
	if results == nil {
		return runErr
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Readings\n\n**Goal:** %s\n\n**Task:** %s\n", goal, task)
	for _, r := range results {
		status := "not related"
		if r.IsRelated {
			status = fmt.Sprintf("related, sections %s", joinInts(r.Sections))
		}
		fmt.Fprintf(&sb, "\n## %s (%s)\n\n%s\n", r.Path, status, r.Answer)
	}
	fmt.Fprint(cmd.OutOrStdout(), sb.String())

	path, err := env.writer.Write(cmd.Context(), "readings.md", []byte(sb.String()))
	if err != nil {
		env.log.LogWarn(fmt.Sprintf("write report: %v", err))
	} else {
		env.log.LogInfo(fmt.Sprintf("Report written to %s", path))
	}
	return runErr
}

func joinInts(ns []int) string {
	parts := make([]string, len(ns))
	for i, n := range ns {
		parts[i] = fmt.Sprint(n)
	}
	return strings.Join(parts, ",")
}
