package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/agentloop/internal/document"
	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/report"
	"github.com/harrison/agentloop/internal/search"
	"github.com/harrison/agentloop/internal/workflow/analyzer"
	"github.com/harrison/agentloop/internal/workflow/research"
)

// NewResearchCommand creates the 'agentloop research' command
func NewResearchCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "research <goal>",
		Short: "Research a goal from a local paper collection",
		Long: `Research a goal from a directory of markdown papers.

Each round decomposes the goal into search tasks, finds the closest papers
for every task and reads them section by section. An evaluator then judges
whether the readings cover the goal; when they do not, the next round
searches for what is still missing. The report is written from everything
gathered, including the gaps left when the rounds run out.

Examples:
  agentloop research "How are RAG systems evaluated?" --papers papers/
  agentloop research "Survey claim verification datasets" --max-papers 5`,
		Args: cobra.ExactArgs(1),
		RunE: runResearch,
	}

	cmd.Flags().String("papers", "", "Directory of markdown papers (overrides research.papers_dir)")
	cmd.Flags().Int("max-papers", 0, "Papers read per search task (overrides research.max_papers)")

	return cmd
}

func runResearch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("papers") {
		cfg.Research.PapersDir, _ = cmd.Flags().GetString("papers")
	}
	if cmd.Flags().Changed("max-papers") {
		cfg.Research.MaxPapers, _ = cmd.Flags().GetInt("max-papers")
		if cfg.Research.MaxPapers < 1 {
			return fmt.Errorf("--max-papers must be >= 1")
		}
	}

	env, err := newEnvironment(cmd, cfg)
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := cmd.Context()
	embed, err := search.NewEmbeddingFunc(cfg.Search.EmbeddingBackend, cfg.Search.EmbeddingModel)
	if err != nil {
		return fmt.Errorf("create embedding function: %w", err)
	}
	ixCfg := search.IndexConfig{Collection: "papers"}
	if cfg.Search.PersistPath != "" {
		ixCfg.PersistPath = filepath.Join(cfg.Search.PersistPath, "papers")
	}
	ix, err := search.NewIndex(ixCfg, embed)
	if err != nil {
		return fmt.Errorf("open papers index: %w", err)
	}
	searcher, err := research.NewDirSearcher(ctx, cfg.Research.PapersDir, ix)
	if err != nil {
		return err
	}
	env.log.LogInfo(fmt.Sprintf("Indexed %d paper(s) from %s", searcher.Count(), cfg.Research.PapersDir))

	docs, err := document.NewStore("", 0)
	if err != nil {
		return err
	}
	reader, err := analyzer.New(analyzer.Config{
		Loop:           cfg.AnalyzerLoopConfig(),
		MaxSections:    cfg.Analyzer.MaxSections,
		MaxConcurrency: cfg.MaxConcurrency,
		Temperature:    cfg.Completion.Temperature,
	}, env.deps, docs)
	if err != nil {
		return err
	}
	researcher, err := research.New(research.Config{
		Loop:        cfg.ResearchLoopConfig(),
		MinTasks:    cfg.Research.MinTasks,
		MaxTasks:    cfg.Research.MaxTasks,
		MaxPapers:   cfg.Research.MaxPapers,
		Temperature: cfg.Completion.Temperature,
	}, env.deps, searcher, reader)
	if err != nil {
		return err
	}

	result, runErr := researcher.Run(ctx, args[0])
	if result == nil {
		return runErr
	}
	if result.Report != "" {
		fmt.Fprintln(cmd.OutOrStdout(), result.Report)
	}

	var sb strings.Builder
	if result.Report != "" {
		sb.WriteString(result.Report)
		sb.WriteString("\n\n")
	} else {
		fmt.Fprintf(&sb, "# Research\n\n**Goal:** %s\n\n", result.Goal)
	}
	if len(result.Readings) > 0 {
		sb.WriteString("## Readings\n\n")
		for _, r := range result.Readings {
			fmt.Fprintf(&sb, "- **%s** (%s): %s\n", r.Task, r.Path, oneLine(r.Answer))
		}
		sb.WriteString("\n")
	}
	records := []models.TaskRecord{result.Record}
	sb.WriteString(report.RenderRecords("Rounds", records, executor.Summarize(records, 0)))
	path, err := env.writer.Write(ctx, "research.md", []byte(sb.String()))
	if err != nil {
		env.log.LogWarn(fmt.Sprintf("write report: %v", err))
	} else {
		env.log.LogInfo(fmt.Sprintf("Report written to %s", path))
	}
	return runErr
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
