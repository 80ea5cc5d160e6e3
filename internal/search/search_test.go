package search

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var manualDocs = []Document{
	{ID: "password.md", Content: "To reset your password open Settings and choose Reset password."},
	{ID: "backup.md", Content: "Backups run nightly. Restore a backup from the Admin console."},
	{ID: "login.md", Content: "Login fails after five wrong password attempts and the account is locked."},
	{ID: "billing.md", Content: "Invoices are emailed on the first day of each month."},
}

func newTestIndex(t *testing.T, docs []Document) *Index {
	t.Helper()
	ix, err := NewIndex(IndexConfig{Collection: "test"}, HashEmbedding(64))
	require.NoError(t, err)
	require.NoError(t, ix.Add(context.Background(), docs))
	return ix
}

func TestIndex_Query(t *testing.T) {
	ix := newTestIndex(t, manualDocs)
	assert.Equal(t, 4, ix.Count())

	hits, err := ix.Query(context.Background(), "how do I restore a backup", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "backup.md", hits[0].ID)
	assert.GreaterOrEqual(t, hits[0].Similarity, hits[1].Similarity)
}

func TestIndex_QueryClampsToCount(t *testing.T) {
	ix := newTestIndex(t, manualDocs[:2])
	hits, err := ix.Query(context.Background(), "password", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}

func TestIndex_Empty(t *testing.T) {
	ix := newTestIndex(t, nil)
	hits, err := ix.Query(context.Background(), "anything", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = ix.Query(context.Background(), "  ", 3)
	assert.Error(t, err)
}

func TestIndex_Contains(t *testing.T) {
	ix := newTestIndex(t, manualDocs)

	hits, err := ix.Contains(context.Background(), "password", 3)
	require.NoError(t, err)
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		ids = append(ids, h.ID)
	}
	assert.ElementsMatch(t, []string{"password.md", "login.md"}, ids)

	hits, err = ix.Contains(context.Background(), "kubernetes", 3)
	require.NoError(t, err)
	assert.Empty(t, hits)

	_, err = ix.Contains(context.Background(), " ,. ", 3)
	assert.Error(t, err)
}

func TestIndex_ContainsMatchesAnyKeywordIgnoringCase(t *testing.T) {
	ix := newTestIndex(t, manualDocs)

	tests := []struct {
		keywords string
		k        int
		want     []string
	}{
		{"Password", 3, []string{"password.md", "login.md"}},
		{"reset password", 3, []string{"password.md", "login.md"}},
		{"backup restore", 3, []string{"backup.md"}},
		{"INVOICES, Backups", 3, []string{"billing.md", "backup.md"}},
		{"password", 1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.keywords, func(t *testing.T) {
			hits, err := ix.Contains(context.Background(), tt.keywords, tt.k)
			require.NoError(t, err)
			if tt.want == nil {
				assert.Len(t, hits, tt.k)
				return
			}
			ids := make([]string, 0, len(hits))
			for _, h := range hits {
				ids = append(ids, h.ID)
			}
			assert.ElementsMatch(t, tt.want, ids)
		})
	}

	// The best match for every keyword ranks first.
	hits, err := ix.Contains(context.Background(), "Reset Password", 3)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "password.md", hits[0].ID)
}

func TestManualSearch_MultiWordKeywords(t *testing.T) {
	ix := newTestIndex(t, manualDocs)
	tool := &ManualSearch{Index: ix}

	hits, err := tool.Invoke(context.Background(), `{"keywords": "Reset Password"}`)
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "password.md", hits[0].ID)
}

func TestIndex_Persistent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index")
	ix, err := NewIndex(IndexConfig{PersistPath: path, Collection: "manual"}, HashEmbedding(32))
	require.NoError(t, err)
	require.NoError(t, ix.Add(context.Background(), manualDocs))

	reopened, err := NewIndex(IndexConfig{PersistPath: path, Collection: "manual"}, HashEmbedding(32))
	require.NoError(t, err)
	assert.Equal(t, len(manualDocs), reopened.Count())
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    string
		wantErr bool
	}{
		{"query", `{"query": "reset password"}`, "reset password", false},
		{"keywords", `{"keywords": "backup"}`, "backup", false},
		{"trailing comma", `{"query": "login",}`, "login", false},
		{"unquoted key", `{query: 'locked account'}`, "locked account", false},
		{"not an object", `[1, 2]`, "", true},
		{"empty query", `{"query": "  "}`, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			args, err := ParseArguments(tt.raw)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, args.Text())
		})
	}
}

type countingTool struct {
	calls atomic.Int32
}

func (c *countingTool) Name() string        { return "count" }
func (c *countingTool) Description() string { return "counts calls" }
func (c *countingTool) Invoke(context.Context, string) ([]Hit, error) {
	c.calls.Add(1)
	return []Hit{{ID: "x"}}, nil
}

func TestRegistry(t *testing.T) {
	ix := newTestIndex(t, manualDocs)
	counter := &countingTool{}
	reg, err := NewRegistry(16, &ManualSearch{Index: ix}, &QASearch{Index: ix}, counter)
	require.NoError(t, err)

	names := []string{}
	for _, tool := range reg.Tools() {
		names = append(names, tool.Name())
	}
	assert.Equal(t, []string{"count", "search_manual", "search_qa"}, names)

	assert.Error(t, reg.Register(counter), "duplicate names are rejected")

	_, err = reg.Invoke(context.Background(), "search_web", `{}`)
	assert.True(t, errors.Is(err, ErrUnknownTool))

	hits, err := reg.Invoke(context.Background(), "search_qa", `{"query": "password"}`)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(hits), MaxHits)

	for i := 0; i < 3; i++ {
		_, err := reg.Invoke(context.Background(), "count", `{"query": "same"}`)
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), counter.calls.Load(), "identical calls are cached")

	_, err = reg.Invoke(context.Background(), "search_manual", `not json at all`)
	assert.Error(t, err)
}

func TestLoadDirectory(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.md"), []byte("# A\nalpha"), 0644))
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "sub", "b.txt"), []byte("beta"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "c.go"), []byte("package c"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "empty.md"), []byte("  "), 0644))

	ix := newTestIndex(t, nil)
	n, err := LoadDirectory(context.Background(), ix, dir)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	hits, err := ix.Contains(context.Background(), "beta", 3)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "sub/b.txt", hits[0].ID)
}

func TestFormatHits(t *testing.T) {
	assert.Equal(t, "No results found.", FormatHits(nil))
	out := FormatHits([]Hit{{ID: "a.md", Content: "alpha\n"}, {ID: "b.md", Content: "beta"}})
	assert.Equal(t, "File: a.md\nalpha\n\n---\nFile: b.md\nbeta\n", out)
}
