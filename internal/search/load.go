package search

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LoadDirectory indexes every .md and .txt file under dir. Document IDs are
// file names relative to dir.
func LoadDirectory(ctx context.Context, ix *Index, dir string) (int, error) {
	var docs []Document
	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		switch strings.ToLower(filepath.Ext(path)) {
		case ".md", ".txt":
		default:
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		if strings.TrimSpace(string(content)) == "" {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			rel = filepath.Base(path)
		}
		docs = append(docs, Document{
			ID:       filepath.ToSlash(rel),
			Content:  string(content),
			Metadata: map[string]string{"file_name": filepath.Base(path)},
		})
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("load %s: %w", dir, err)
	}
	if err := ix.Add(ctx, docs); err != nil {
		return 0, err
	}
	return len(docs), nil
}
