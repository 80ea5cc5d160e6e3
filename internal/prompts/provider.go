// Package prompts renders the prompt templates used by the workflows.
package prompts

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// Template names.
const (
	Review = "review"

	HelpdeskSystem      = "helpdesk_system"
	HelpdeskPlan        = "helpdesk_plan"
	HelpdeskSelectTools = "helpdesk_select_tools"
	HelpdeskAnswer      = "helpdesk_answer"
	HelpdeskReflect     = "helpdesk_reflect"
	HelpdeskFinal       = "helpdesk_final"

	ProgrammerSystem = "programmer_system"
	ProgrammerPlan   = "programmer_plan"
	ProgrammerCode   = "programmer_code"
	ProgrammerReview = "programmer_review"
	ProgrammerReport = "programmer_report"

	AnalyzerSystem           = "analyzer_system"
	AnalyzerSelectSections   = "analyzer_select_sections"
	AnalyzerCheckSufficiency = "analyzer_check_sufficiency"
	AnalyzerSummarize        = "analyzer_summarize"

	ResearchSystem    = "research_system"
	ResearchDecompose = "research_decompose"
	ResearchEvaluate  = "research_evaluate"
	ResearchReport    = "research_report"
)

// Provider renders named templates. It is safe for concurrent use.
type Provider struct {
	templates map[string]*template.Template
}

var funcs = template.FuncMap{
	"add1":     func(i int) int { return i + 1 },
	"join":     strings.Join,
	"joinInts": joinInts,
	"truncate": truncate,
}

// New parses the embedded templates.
func New() (*Provider, error) {
	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, fmt.Errorf("read templates: %w", err)
	}

	p := &Provider{templates: make(map[string]*template.Template, len(entries))}
	for _, e := range entries {
		if e.IsDir() || path.Ext(e.Name()) != ".tmpl" {
			continue
		}
		raw, err := templateFS.ReadFile("templates/" + e.Name())
		if err != nil {
			return nil, fmt.Errorf("read template %s: %w", e.Name(), err)
		}
		name := strings.TrimSuffix(e.Name(), ".tmpl")
		tmpl, err := template.New(name).Funcs(funcs).Option("missingkey=error").Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("parse template %s: %w", name, err)
		}
		p.templates[name] = tmpl
	}
	return p, nil
}

// Default returns a Provider over the embedded templates, panicking if they
// fail to parse. The templates are compiled into the binary so a failure is a
// build defect.
func Default() *Provider {
	p, err := New()
	if err != nil {
		panic(err)
	}
	return p
}

// Render executes the named template with data.
func (p *Provider) Render(name string, data any) (string, error) {
	tmpl, ok := p.templates[name]
	if !ok {
		return "", fmt.Errorf("prompt template %q not found", name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("render %s: %w", name, err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// Names lists the available templates in sorted order.
func (p *Provider) Names() []string {
	names := make([]string, 0, len(p.templates))
	for name := range p.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	return s[:n] + "\n...[truncated]"
}

func joinInts(values []int, sep string) string {
	parts := make([]string, len(values))
	for i, v := range values {
		parts[i] = strconv.Itoa(v)
	}
	return strings.Join(parts, sep)
}
