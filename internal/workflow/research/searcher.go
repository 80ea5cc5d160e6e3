package research

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harrison/agentloop/internal/document"
	"github.com/harrison/agentloop/internal/search"
)

// Paper is one search hit. Markdown may be left empty when Path can be read.
type Paper struct {
	ID       string
	Title    string
	Path     string
	Markdown string
}

// Searcher finds the papers most relevant to a query.
type Searcher interface {
	Search(ctx context.Context, query string, k int) ([]Paper, error)
}

// DirSearcher searches a local directory of markdown papers by similarity.
type DirSearcher struct {
	dir   string
	index *search.Index
}

// NewDirSearcher indexes every paper under dir into index.
func NewDirSearcher(ctx context.Context, dir string, index *search.Index) (*DirSearcher, error) {
	if index == nil {
		return nil, fmt.Errorf("search index is required")
	}
	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("papers directory: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("papers directory: %s is not a directory", dir)
	}
	n, err := search.LoadDirectory(ctx, index, dir)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("no papers found in %s", dir)
	}
	return &DirSearcher{dir: dir, index: index}, nil
}

// Count returns the number of indexed papers.
func (s *DirSearcher) Count() int {
	return s.index.Count()
}

// Search implements Searcher.
func (s *DirSearcher) Search(ctx context.Context, query string, k int) ([]Paper, error) {
	hits, err := s.index.Query(ctx, query, k)
	if err != nil {
		return nil, err
	}
	papers := make([]Paper, 0, len(hits))
	for _, h := range hits {
		papers = append(papers, Paper{
			ID:    h.ID,
			Title: title(h.Content, h.ID),
			Path:  filepath.Join(s.dir, filepath.FromSlash(h.ID)),
		})
	}
	return papers, nil
}

func title(markdown, fallback string) string {
	for _, sec := range document.Sections(markdown) {
		if sec.Header != "" {
			return sec.Header
		}
	}
	return fallback
}
