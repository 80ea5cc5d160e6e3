package prompts

import "github.com/harrison/agentloop/internal/models"

// ReviewData feeds the generic review template.
type ReviewData struct {
	Task        models.Task
	Criteria    []string
	Result      string
	SideEffects []models.SideEffect
}

// ToolInfo describes a tool offered to the model.
type ToolInfo struct {
	Name        string
	Description string
}

type HelpdeskSystemData struct {
	Product string
}

type HelpdeskPlanData struct {
	Question string
	Tools    []ToolInfo
}

// SelectToolsData carries the subtask plus the advice from rejected attempts.
type SelectToolsData struct {
	Question string
	Plan     []string
	Subtask  string
	Tools    []ToolInfo
	Feedback []string
}

type HelpdeskAnswerData struct {
	Question string
	Subtask  string
	Results  []models.SideEffect
}

type ReflectData struct {
	Question string
	Subtask  string
	Answer   string
	Results  []models.SideEffect
	Feedback []string
}

type SubtaskAnswer struct {
	Subtask string
	Answer  string
}

type FinalData struct {
	Question string
	Subtasks []SubtaskAnswer
}

type ProgrammerSystemData struct {
	Imports []string
}

type ProgrammerPlanData struct {
	DataInfo string
	Request  string
	MaxTasks int
}

// CodeData carries the previous program and its output so the model can
// correct it.
type CodeData struct {
	DataInfo       string
	Request        string
	PreviousCode   string
	PreviousStdout string
	PreviousStderr string
	Feedback       []string
}

type CodeReviewData struct {
	DataInfo string
	Request  string
	Code     string
	Stdout   string
	Stderr   string
	Error    string
}

type Thread struct {
	Request     string
	Observation string
	Stdout      string
}

type ReportData struct {
	DataInfo string
	Request  string
	Threads  []Thread
}

type SelectSectionsData struct {
	Goal        string
	Task        string
	Overview    string
	Selected    []int
	Feedback    []string
	MaxSections int
}

// SectionsData feeds both the sufficiency check and the summary.
type SectionsData struct {
	Goal     string
	Task     string
	Sections string
}

type ResearchSystemData struct {
	Date string
}

// DecomposeData asks for search tasks. Query is the goal on the first round
// and the missing information the evaluator named afterwards.
type DecomposeData struct {
	Goal     string
	Query    string
	Feedback []string
	MinTasks int
	MaxTasks int
}

// ReadingsData feeds the research evaluation and the report.
type ReadingsData struct {
	Goal     string
	Readings string
	Gaps     string
}
