package cmd

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/harrison/agentloop/internal/executor"
	"github.com/harrison/agentloop/internal/report"
	"github.com/harrison/agentloop/internal/search"
	"github.com/harrison/agentloop/internal/workflow/helpdesk"
)

// NewHelpdeskCommand creates the 'agentloop helpdesk' command
func NewHelpdeskCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "helpdesk <question>",
		Short: "Answer a product question from manuals and past Q&A",
		Long: `Answer a product question with the help-desk agent.

The question is split into subtasks; each subtask runs its own loop that
selects search tools, answers from the hits and is reviewed. The final
answer combines the subtask answers.

Examples:
  agentloop helpdesk "How do I reset the XYZ controller?" --docs manuals/
  agentloop helpdesk "Why does sync fail?" --docs manuals/ --qa past-tickets/`,
		Args: cobra.ExactArgs(1),
		RunE: runHelpdesk,
	}

	cmd.Flags().String("docs", "", "Directory of manual pages (.md, .txt) to index")
	cmd.Flags().String("qa", "", "Directory of past question/answer files to index")
	_ = cmd.MarkFlagRequired("docs")

	return cmd
}

func runHelpdesk(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
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

	docsDir, _ := cmd.Flags().GetString("docs")
	qaDir, _ := cmd.Flags().GetString("qa")

	var tools []search.Tool
	sources := []struct {
		name string
		dir  string
	}{{"manual", docsDir}, {"qa", qaDir}}
	for _, src := range sources {
		if src.dir == "" {
			continue
		}
		ixCfg := search.IndexConfig{Collection: src.name}
		if cfg.Search.PersistPath != "" {
			ixCfg.PersistPath = filepath.Join(cfg.Search.PersistPath, src.name)
		}
		ix, err := search.NewIndex(ixCfg, embed)
		if err != nil {
			return fmt.Errorf("open %s index: %w", src.name, err)
		}
		n, err := search.LoadDirectory(ctx, ix, src.dir)
		if err != nil {
			return fmt.Errorf("index %s: %w", src.dir, err)
		}
		env.log.LogInfo(fmt.Sprintf("Indexed %d %s document(s) from %s", n, src.name, src.dir))

		if src.name == "manual" {
			tools = append(tools, &search.ManualSearch{Index: ix})
		} else {
			tools = append(tools, &search.QASearch{Index: ix})
		}
	}

	registry, err := search.NewRegistry(cfg.Search.CacheSize, tools...)
	if err != nil {
		return err
	}

	agent, err := helpdesk.New(helpdesk.Config{
		Loop:           cfg.LoopConfig(),
		MaxConcurrency: cfg.MaxConcurrency,
		Product:        cfg.Helpdesk.Product,
		Temperature:    cfg.Completion.Temperature,
	}, env.deps, registry)
	if err != nil {
		return err
	}

	result, runErr := agent.Run(ctx, args[0])
	if result == nil {
		return runErr
	}

	out := cmd.OutOrStdout()
	if result.Answer != "" {
		fmt.Fprintln(out, result.Answer)
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "# Help desk\n\n**Question:** %s\n\n", result.Question)
	if result.Answer != "" {
		fmt.Fprintf(&sb, "## Answer\n\n%s\n\n", result.Answer)
	}
	sb.WriteString(report.RenderRecords("Subtasks", result.Subtasks, executor.Summarize(result.Subtasks, 0)))
	path, err := env.writer.Write(ctx, "helpdesk.md", []byte(sb.String()))
	if err != nil {
		env.log.LogWarn(fmt.Sprintf("write report: %v", err))
	} else {
		env.log.LogInfo(fmt.Sprintf("Report written to %s", path))
	}

	return runErr
}
