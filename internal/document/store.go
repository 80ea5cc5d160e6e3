package document

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type cachedDoc struct {
	modTime  time.Time
	size     int64
	text     string
	sections []Section
}

// Store reads and writes markdown documents under a base directory and
// caches their parsed sections.
type Store struct {
	baseDir string
	parser  *Parser
	cache   *lru.Cache[string, cachedDoc]
}

// NewStore creates a Store rooted at baseDir (created if missing).
func NewStore(baseDir string, cacheSize int) (*Store, error) {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	if baseDir != "" {
		if err := os.MkdirAll(baseDir, 0755); err != nil {
			return nil, fmt.Errorf("create document directory: %w", err)
		}
	}
	cache, err := lru.New[string, cachedDoc](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create cache: %w", err)
	}
	return &Store{baseDir: baseDir, parser: NewParser(), cache: cache}, nil
}

// Write saves content as name under the base directory and returns its path.
func (s *Store) Write(name, content string) (string, error) {
	path := filepath.Join(s.baseDir, filepath.Base(name))
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	s.cache.Remove(path)
	return path, nil
}

// Read returns the document text at path. Relative paths resolve against
// the working directory.
func (s *Store) Read(path string) (string, error) {
	doc, err := s.load(path)
	if err != nil {
		return "", err
	}
	return doc.text, nil
}

// Sections returns the parsed sections of the document at path. Results are
// cached until the file changes.
func (s *Store) Sections(path string) ([]Section, error) {
	doc, err := s.load(path)
	if err != nil {
		return nil, err
	}
	return doc.sections, nil
}

func (s *Store) load(path string) (cachedDoc, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return cachedDoc{}, fmt.Errorf("resolve %s: %w", path, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return cachedDoc{}, fmt.Errorf("stat %s: %w", path, err)
	}
	if doc, ok := s.cache.Get(abs); ok && doc.modTime.Equal(info.ModTime()) && doc.size == info.Size() {
		return doc, nil
	}

	raw, err := os.ReadFile(abs)
	if err != nil {
		return cachedDoc{}, fmt.Errorf("read %s: %w", path, err)
	}
	doc := cachedDoc{
		modTime:  info.ModTime(),
		size:     info.Size(),
		text:     string(raw),
		sections: s.parser.Sections(raw),
	}
	s.cache.Add(abs, doc)
	return doc, nil
}
