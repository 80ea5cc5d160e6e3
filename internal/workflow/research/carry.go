package research

import (
	"strconv"
	"strings"
)

// Reading is an answer one paper gave to one search task.
type Reading struct {
	Task     string
	Path     string
	Title    string
	Answer   string
	Sections []int
}

func (r Reading) key() string {
	return r.Task + "\x00" + r.Path
}

// renderReadings is the attempt result: every reading gathered so far.
func renderReadings(readings []Reading) string {
	var sb strings.Builder
	for i, r := range readings {
		if i > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("<reading>\n")
		writeTag(&sb, "task", r.Task)
		writeTag(&sb, "paper", r.Path)
		writeTag(&sb, "title", r.Title)
		if len(r.Sections) > 0 {
			parts := make([]string, len(r.Sections))
			for j, n := range r.Sections {
				parts[j] = strconv.Itoa(n)
			}
			writeTag(&sb, "sections", strings.Join(parts, ","))
		}
		writeTag(&sb, "answer", r.Answer)
		sb.WriteString("</reading>")
	}
	return sb.String()
}

func parseReadings(text string) []Reading {
	var out []Reading
	for _, block := range blocks(text, "reading") {
		r := Reading{
			Task:   tagged(block, "task"),
			Path:   tagged(block, "paper"),
			Title:  tagged(block, "title"),
			Answer: tagged(block, "answer"),
		}
		for _, tok := range strings.Split(tagged(block, "sections"), ",") {
			if n, err := strconv.Atoi(strings.TrimSpace(tok)); err == nil {
				r.Sections = append(r.Sections, n)
			}
		}
		out = append(out, r)
	}
	return out
}

// gap is the feedback of a round that left the goal uncovered. It carries
// the readings gathered so far so the next round builds on them.
type gap struct {
	Reason   string
	Missing  string
	Gathered []Reading
}

func (g gap) String() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(g.Reason))
	if m := strings.TrimSpace(g.Missing); m != "" {
		sb.WriteString("\n")
		writeTag(&sb, "missing", m)
	}
	if len(g.Gathered) > 0 {
		sb.WriteString("\n")
		writeTag(&sb, "gathered", renderReadings(g.Gathered))
	}
	return strings.TrimSpace(sb.String())
}

func parseGap(entry string) gap {
	reason := entry
	for _, tag := range []string{"missing", "gathered"} {
		if i := strings.Index(reason, "<"+tag+">\n"); i >= 0 {
			reason = reason[:i]
		}
	}
	return gap{
		Reason:   strings.TrimSpace(reason),
		Missing:  tagged(entry, "missing"),
		Gathered: parseReadings(tagged(entry, "gathered")),
	}
}

// carried reads a task context: the readings and the missing information of
// the most recent round that recorded them, plus every reason given so far.
func carried(entries []string) (readings []Reading, missing string, notes []string) {
	haveReadings := false
	for i := len(entries) - 1; i >= 0; i-- {
		g := parseGap(entries[i])
		if !haveReadings && strings.Contains(entries[i], "<gathered>\n") {
			readings, haveReadings = g.Gathered, true
		}
		if missing == "" {
			missing = g.Missing
		}
	}
	for _, entry := range entries {
		if reason := parseGap(entry).Reason; reason != "" {
			notes = append(notes, reason)
		}
	}
	return readings, missing, notes
}

func writeTag(sb *strings.Builder, tag, body string) {
	sb.WriteString("<" + tag + ">\n" + strings.TrimSpace(body) + "\n</" + tag + ">\n")
}

func tagged(text, tag string) string {
	open, end := "<"+tag+">\n", "\n</"+tag+">"
	i := strings.Index(text, open)
	if i < 0 {
		return ""
	}
	rest := text[i+len(open):]
	j := strings.LastIndex(rest, end)
	if j < 0 {
		return ""
	}
	return strings.TrimSpace(rest[:j])
}

func blocks(text, tag string) []string {
	open, end := "<"+tag+">\n", "\n</"+tag+">"
	var out []string
	for {
		i := strings.Index(text, open)
		if i < 0 {
			return out
		}
		text = text[i+len(open):]
		j := strings.Index(text, end)
		if j < 0 {
			return out
		}
		out = append(out, text[:j])
		text = text[j+len(end):]
	}
}
