package document

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const paper = `Preamble that is not part of any section.

# Claim Verification Survey

Automated claim verification has attracted interest.

## 1 Introduction

LLMs changed the field.
We survey recent work.

## 2 Datasets

` + "```" + `
# not a heading inside code
` + "```" + `

FEVER is the most used dataset.

Related Work
------------

Prior surveys exist.
`

func TestSections(t *testing.T) {
	sections := Sections(paper)
	require.Len(t, sections, 4)

	assert.Equal(t, "Claim Verification Survey", sections[0].Header)
	assert.Equal(t, 1, sections[0].Level)
	assert.Equal(t, "Automated claim verification has attracted interest.", sections[0].Content)

	assert.Equal(t, "1 Introduction", sections[1].Header)
	assert.Equal(t, 2, sections[1].Level)
	assert.Equal(t, "LLMs changed the field.\nWe survey recent work.", sections[1].Content)
	assert.Equal(t, len("LLMs changed the field.\nWe survey recent work."), sections[1].CharCount)

	assert.Equal(t, "2 Datasets", sections[2].Header)
	assert.Contains(t, sections[2].Content, "# not a heading inside code")
	assert.Contains(t, sections[2].Content, "FEVER is the most used dataset.")

	assert.Equal(t, "Related Work", sections[3].Header)
	assert.Equal(t, "Prior surveys exist.", sections[3].Content)
}

func TestSections_NoHeadings(t *testing.T) {
	assert.Empty(t, Sections("just text\n\nmore text"))
	assert.Empty(t, Sections(""))
}

func TestSections_EmptySection(t *testing.T) {
	sections := Sections("# A\n# B\ncontent")
	require.Len(t, sections, 2)
	assert.Equal(t, "", sections[0].Content)
	assert.Equal(t, 0, sections[0].CharCount)
	assert.Equal(t, "content", sections[1].Content)
}

func TestOverview(t *testing.T) {
	long := strings.Repeat("é", 250)
	out := Overview([]Section{
		{Header: "Intro", Content: "first line\nsecond", CharCount: 17},
		{Header: "Long", Content: long, CharCount: 250},
	})

	assert.True(t, strings.HasPrefix(out, "<items>\n"))
	assert.Contains(t, out, "<index>1</index>\n    <header>Intro</header>\n    <first_line>first line</first_line>\n    <char_count>17</char_count>")
	assert.Contains(t, out, "<first_line>"+strings.Repeat("é", 200)+"</first_line>")
	assert.Contains(t, out, "<index>2</index>")
	assert.True(t, strings.HasSuffix(out, "</items>"))
}

func TestSelected(t *testing.T) {
	sections := []Section{{Header: "A", Content: "a"}, {Header: "B", Content: "b"}, {Header: "C", Content: "c"}}

	out := Selected(sections, []int{3, 0, 1, 9})
	assert.Equal(t, "<section>\n<header>C</header>\n<content>c</content>\n</section>\n<section>\n<header>A</header>\n<content>a</content>\n</section>", out)
	assert.Equal(t, "", Selected(sections, []int{-1, 4}))
}

func TestStore(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStore(filepath.Join(dir, "papers"), 2)
	require.NoError(t, err)

	path, err := store.Write("paper.md", paper)
	require.NoError(t, err)

	sections, err := store.Sections(path)
	require.NoError(t, err)
	assert.Len(t, sections, 4)

	text, err := store.Read(path)
	require.NoError(t, err)
	assert.Equal(t, paper, text)

	// A rewrite invalidates the cached sections.
	require.NoError(t, os.WriteFile(path, []byte("# Only\nbody that is longer than before"), 0644))
	sections, err = store.Sections(path)
	require.NoError(t, err)
	require.Len(t, sections, 1)
	assert.Equal(t, "Only", sections[0].Header)

	_, err = store.Sections(filepath.Join(dir, "missing.md"))
	assert.Error(t, err)
}
