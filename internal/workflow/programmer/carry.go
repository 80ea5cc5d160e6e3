package programmer

import "strings"

// maxCarried caps the program output copied into a feedback entry.
const maxCarried = 4000

// previousRun is what a rejected attempt hands to the next one. It travels
// as a Task.Context entry so every attempt's input snapshot shows the
// program it was asked to correct.
type previousRun struct {
	Observation string
	Code        string
	Stdout      string
	Stderr      string
}

var carriedTags = []string{"program", "stdout", "stderr"}

// String renders the entry: the observation followed by tagged blocks.
func (r previousRun) String() string {
	var sb strings.Builder
	sb.WriteString(strings.TrimSpace(r.Observation))
	for i, body := range []string{r.Code, r.Stdout, r.Stderr} {
		body = strings.TrimSpace(body)
		if body == "" {
			continue
		}
		if i > 0 {
			body = capText(body, maxCarried)
		}
		tag := carriedTags[i]
		sb.WriteString("\n<" + tag + ">\n" + body + "\n</" + tag + ">")
	}
	return strings.TrimSpace(sb.String())
}

// parsePreviousRun reads an entry written by previousRun.String. Entries
// without tags (plain feedback) come back as an observation only.
func parsePreviousRun(entry string) previousRun {
	cut := len(entry)
	for _, tag := range carriedTags {
		open := "<" + tag + ">\n"
		if strings.HasPrefix(entry, open) {
			cut = 0
		} else if i := strings.Index(entry, "\n"+open); i >= 0 && i < cut {
			cut = i
		}
	}
	return previousRun{
		Observation: strings.TrimSpace(entry[:cut]),
		Code:        tagged(entry, "program"),
		Stdout:      tagged(entry, "stdout"),
		Stderr:      tagged(entry, "stderr"),
	}
}

// lastRun returns the most recent entry of context that carries a program.
func lastRun(entries []string) (previousRun, bool) {
	for i := len(entries) - 1; i >= 0; i-- {
		if r := parsePreviousRun(entries[i]); r.Code != "" {
			return r, true
		}
	}
	return previousRun{}, false
}

// observations strips the carried blocks from every entry.
func observations(entries []string) []string {
	out := make([]string, 0, len(entries))
	for _, entry := range entries {
		if obs := parsePreviousRun(entry).Observation; obs != "" {
			out = append(out, obs)
		}
	}
	return out
}

func tagged(entry, tag string) string {
	open, end := "<"+tag+">\n", "\n</"+tag+">"
	i := strings.Index(entry, open)
	if i < 0 {
		return ""
	}
	rest := entry[i+len(open):]
	j := strings.Index(rest, end)
	if j < 0 {
		return ""
	}
	return rest[:j]
}

func capText(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "\n...[truncated]"
}
