package cmd

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harrison/agentloop/internal/completion"
	"github.com/harrison/agentloop/internal/completion/completiontest"
	"github.com/harrison/agentloop/internal/config"
	"github.com/harrison/agentloop/internal/models"
	"github.com/harrison/agentloop/internal/store"
)

const testPaper = `# Abstract

We survey claim verification with LLMs.

# Datasets

FEVER and AVeriTeC are the common benchmarks.

# Conclusion

Retrieval augmented generation dominates.
`

// testWorkspace writes a config that keeps every artifact under a temp dir.
func testWorkspace(t *testing.T) (dir, cfgPath, dbPath string) {
	t.Helper()
	dir = t.TempDir()
	t.Setenv(config.HomeEnv, filepath.Join(dir, "home"))
	dbPath = filepath.Join(dir, "records.db")
	cfgPath = filepath.Join(dir, "config.yaml")
	content := "log_dir: " + filepath.Join(dir, "logs") + "\n" +
		"output_dir: " + filepath.Join(dir, "outputs") + "\n" +
		"store:\n  db_path: " + dbPath + "\n  keep_days: 30\n"
	require.NoError(t, os.WriteFile(cfgPath, []byte(content), 0644))
	return dir, cfgPath, dbPath
}

func appendConfig(t *testing.T, cfgPath, text string) {
	t.Helper()
	f, err := os.OpenFile(cfgPath, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func useService(t *testing.T, svc completion.Service) {
	t.Helper()
	orig := newService
	newService = func(context.Context, *config.Config) (completion.Service, error) { return svc, nil }
	t.Cleanup(func() { newService = orig })
}

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	root := NewRootCommand()
	var stdout, stderr bytes.Buffer
	root.SetOut(&stdout)
	root.SetErr(&stderr)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return stdout.String(), stderr.String(), err
}

func TestRootCommand_Help(t *testing.T) {
	out, _, err := execute(t, "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "agentloop")
	assert.Contains(t, out, "bounded attempt/evaluate loop")

	names := map[string]bool{}
	for _, c := range NewRootCommand().Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"helpdesk", "programmer", "analyze", "research", "records", "validate"} {
		assert.True(t, names[want], "missing subcommand %s", want)
	}
}

func TestValidate_FlagsOverrideFile(t *testing.T) {
	_, cfgPath, _ := testWorkspace(t)

	out, _, err := execute(t, "validate", cfgPath, "--max-attempts", "5", "--timeout", "90s", "--verbose")
	require.NoError(t, err)
	assert.Contains(t, out, "Loop:        5 attempt(s), timeout 1m30s")
	assert.Contains(t, out, "Log level:   debug")
	assert.Contains(t, out, "Configuration is valid")
}

func TestValidate_Errors(t *testing.T) {
	_, cfgPath, _ := testWorkspace(t)

	_, _, err := execute(t, "validate", "--config", cfgPath, "--timeout", "soon")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid timeout format")

	_, _, err = execute(t, "validate", "--config", cfgPath, "--max-attempts", "0")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_attempts")

	bad := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("loop: [unclosed"), 0644))
	_, _, err = execute(t, "validate", bad)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config file")
}

func TestAnalyzeCommand_StoresRecords(t *testing.T) {
	dir, cfgPath, dbPath := testWorkspace(t)
	paperPath := filepath.Join(dir, "paper.md")
	require.NoError(t, os.WriteFile(paperPath, []byte(testPaper), 0644))

	reply := func(s string) completiontest.Reply { return completiontest.Reply{Text: s} }
	svc := completiontest.New().
		Route("Select up to", reply("1"), reply("2")).
		Route("Do these sections contain enough",
			reply(`{"is_sufficient": false, "reason": "no benchmarks"}`),
			reply(`{"is_sufficient": true, "reason": "datasets are listed"}`)).
		Route("Answer the question from these sections only", reply("FEVER and AVeriTeC."))
	useService(t, svc)

	out, _, err := execute(t, "analyze", "--config", cfgPath,
		"--paper", paperPath, "--goal", "How is claim verification evaluated?", "--task", "Which datasets are used?")
	require.NoError(t, err)
	assert.Contains(t, out, "related, sections 2")
	assert.Contains(t, out, "FEVER and AVeriTeC.")
	assert.FileExists(t, filepath.Join(dir, "outputs", "readings.md"))
	assert.Equal(t, 0, svc.Remaining())

	traces, err := filepath.Glob(filepath.Join(dir, "logs", "traces-*.jsonl"))
	require.NoError(t, err)
	require.Len(t, traces, 1)
	spans, err := os.ReadFile(traces[0])
	require.NoError(t, err)
	assert.Contains(t, string(spans), `"Name":"agentloop.loop"`)
	assert.Contains(t, string(spans), `"Name":"agentloop.evaluate"`)

	s, err := store.NewStore(dbPath)
	require.NoError(t, err)
	list, err := s.ListRecords(context.Background(), store.Filter{})
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.Len(t, list, 1)
	assert.Equal(t, "analyzer", list[0].Workflow)
	assert.Equal(t, models.StateCompleted, list[0].State)
	assert.Equal(t, 2, list[0].AttemptCount)

	out, _, err = execute(t, "records", "list", "--config", cfgPath, "--workflow", "analyzer")
	require.NoError(t, err)
	assert.Contains(t, out, list[0].ID)

	out, _, err = execute(t, "records", "show", list[0].ID, "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "| 1 |")
	assert.Contains(t, out, "no benchmarks")

	out, _, err = execute(t, "records", "stats", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "Total records: 1")
	assert.Contains(t, out, "Mean attempts: 2.00")
}

func TestResearchCommand_WritesReport(t *testing.T) {
	dir, cfgPath, dbPath := testWorkspace(t)
	papers := filepath.Join(dir, "papers")
	require.NoError(t, os.MkdirAll(papers, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(papers, "claims.md"), []byte(testPaper), 0644))

	appendConfig(t, cfgPath, "search:\n  embedding_backend: hash\nresearch:\n  min_tasks: 1\n  max_tasks: 2\n")

	reply := func(s string) completiontest.Reply { return completiontest.Reply{Text: s} }
	svc := completiontest.New().
		Route("Decompose the research request", reply(`{"tasks": ["datasets used for claim verification"]}`)).
		Route("Select up to", reply("2")).
		Route("Do these sections contain enough", reply(`{"is_sufficient": true, "reason": "datasets are listed"}`)).
		Route("Answer the question from these sections only", reply("FEVER and AVeriTeC.")).
		Route("Judge whether the readings cover", reply(`{"need_more_information": false, "reason": "covered", "content": ""}`)).
		Route("Write a research report", reply("# Claim verification report\n\nFEVER dominates."))
	useService(t, svc)

	out, _, err := execute(t, "research", "How is claim verification evaluated?", "--config", cfgPath, "--papers", papers)
	require.NoError(t, err)
	assert.Contains(t, out, "# Claim verification report")
	assert.Equal(t, 0, svc.Remaining())

	written, err := os.ReadFile(filepath.Join(dir, "outputs", "research.md"))
	require.NoError(t, err)
	assert.Contains(t, string(written), "## Readings")
	assert.Contains(t, string(written), filepath.Join(papers, "claims.md"))
	assert.Contains(t, string(written), "FEVER and AVeriTeC.")

	s, err := store.NewStore(dbPath)
	require.NoError(t, err)
	defer s.Close()
	list, err := s.ListRecords(context.Background(), store.Filter{Workflow: "research"})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, models.StateCompleted, list[0].State)
	papersRead, err := s.ListRecords(context.Background(), store.Filter{Workflow: "analyzer"})
	require.NoError(t, err)
	assert.Len(t, papersRead, 1)
}

func TestResearchCommand_MissingPapers(t *testing.T) {
	dir, cfgPath, _ := testWorkspace(t)
	appendConfig(t, cfgPath, "search:\n  embedding_backend: hash\n")
	useService(t, completiontest.New())

	_, _, err := execute(t, "research", "anything", "--config", cfgPath, "--papers", filepath.Join(dir, "none"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "papers directory")
}

func TestProgrammerCommand_RequiresFlags(t *testing.T) {
	_, cfgPath, _ := testWorkspace(t)
	_, _, err := execute(t, "programmer", "--config", cfgPath, "--data", "sales.csv")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request")
}

func TestRecordsCommands_NoDatabase(t *testing.T) {
	_, cfgPath, _ := testWorkspace(t)
	out, _, err := execute(t, "records", "list", "--config", cfgPath)
	require.NoError(t, err)
	assert.Contains(t, out, "No records found")
}

func TestRecordsList_InvalidState(t *testing.T) {
	_, cfgPath, _ := testWorkspace(t)
	_, _, err := execute(t, "records", "list", "--config", cfgPath, "--state", "green")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid state")
}

func TestRecordsPrune(t *testing.T) {
	_, cfgPath, dbPath := testWorkspace(t)

	s, err := store.NewStore(dbPath)
	require.NoError(t, err)
	for id, age := range map[string]time.Duration{"old": 48 * time.Hour, "new": time.Minute} {
		finished := time.Now().Add(-age)
		require.NoError(t, s.RecordTask(context.Background(), models.TaskRecord{
			ID:            id,
			Workflow:      "helpdesk",
			Task:          models.Task{ID: "subtask-1", Description: "reset the controller"},
			TerminalState: models.StateExhausted,
			StartedAt:     finished.Add(-time.Second),
			FinishedAt:    finished,
		}))
	}
	require.NoError(t, s.Close())

	out, _, err := execute(t, "records", "prune", "--config", cfgPath, "--older-than", "24h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 1 record(s)")

	out, _, err = execute(t, "records", "prune", "--config", cfgPath)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "Pruned 0 record(s)"), out)
}
