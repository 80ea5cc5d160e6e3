// Package search provides the document index and the search tools the
// help-desk workflow calls.
package search

import (
	"context"
	"fmt"
	"hash/fnv"
	"math"
	"os"
	"runtime"
	"strings"
	"unicode"

	chromem "github.com/philippgille/chromem-go"
)

// Embedding backends.
const (
	EmbeddingOpenAI = "openai"
	EmbeddingOllama = "ollama"
	EmbeddingHash   = "hash"
)

// Document is a unit of indexed text.
type Document struct {
	ID       string
	Content  string
	Metadata map[string]string
}

// Hit is one search result.
type Hit struct {
	ID         string
	Content    string
	Similarity float32
}

// IndexConfig configures an Index.
type IndexConfig struct {
	PersistPath string // directory for the gob files; empty keeps the index in memory
	Collection  string
}

// Index is a vector collection over documents.
type Index struct {
	db         *chromem.DB
	collection *chromem.Collection
}

// NewIndex opens (or creates) the collection described by cfg.
func NewIndex(cfg IndexConfig, embed chromem.EmbeddingFunc) (*Index, error) {
	if cfg.Collection == "" {
		cfg.Collection = "default"
	}
	if embed == nil {
		return nil, fmt.Errorf("embedding function is required")
	}

	var db *chromem.DB
	if cfg.PersistPath != "" {
		if err := os.MkdirAll(cfg.PersistPath, 0755); err != nil {
			return nil, fmt.Errorf("create index directory: %w", err)
		}
		var err error
		db, err = chromem.NewPersistentDB(cfg.PersistPath, false)
		if err != nil {
			return nil, fmt.Errorf("open persistent index: %w", err)
		}
	} else {
		db = chromem.NewDB()
	}

	collection, err := db.GetOrCreateCollection(cfg.Collection, nil, embed)
	if err != nil {
		return nil, fmt.Errorf("create collection: %w", err)
	}
	return &Index{db: db, collection: collection}, nil
}

// Add embeds and stores docs.
func (ix *Index) Add(ctx context.Context, docs []Document) error {
	if len(docs) == 0 {
		return nil
	}
	batch := make([]chromem.Document, 0, len(docs))
	for _, d := range docs {
		if d.ID == "" {
			return fmt.Errorf("document id is required")
		}
		batch = append(batch, chromem.Document{ID: d.ID, Content: d.Content, Metadata: d.Metadata})
	}
	if err := ix.collection.AddDocuments(ctx, batch, runtime.NumCPU()); err != nil {
		return fmt.Errorf("add documents: %w", err)
	}
	return nil
}

// Count returns the number of indexed documents.
func (ix *Index) Count() int {
	return ix.collection.Count()
}

// Query returns up to k documents most similar to text.
func (ix *Index) Query(ctx context.Context, text string, k int) ([]Hit, error) {
	return ix.query(ctx, text, k)
}

// Contains returns up to k documents that contain any of the keywords,
// ranked by similarity to them. Keywords and content are compared as
// lower-cased tokens, so "Reset Password" finds a page about passwords.
func (ix *Index) Contains(ctx context.Context, keywords string, k int) ([]Hit, error) {
	terms := tokenize(keywords)
	if len(terms) == 0 {
		return nil, fmt.Errorf("empty keyword")
	}
	if k <= 0 {
		return nil, nil
	}
	ranked, err := ix.query(ctx, strings.Join(terms, " "), ix.collection.Count())
	if err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, k)
	for _, h := range ranked {
		if containsAny(h.Content, terms) {
			hits = append(hits, h)
			if len(hits) == k {
				break
			}
		}
	}
	return hits, nil
}

func containsAny(content string, terms []string) bool {
	words := make(map[string]struct{})
	for _, w := range tokenize(content) {
		words[w] = struct{}{}
	}
	for _, t := range terms {
		if _, ok := words[t]; ok {
			return true
		}
	}
	return false
}

func (ix *Index) query(ctx context.Context, text string, k int) ([]Hit, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("empty query")
	}
	// chromem rejects nResults above the collection size.
	n := min(k, ix.collection.Count())
	if n <= 0 {
		return nil, nil
	}

	results, err := ix.collection.Query(ctx, text, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("query collection: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Content: r.Content, Similarity: r.Similarity})
	}
	return hits, nil
}

// NewEmbeddingFunc returns the embedding function for backend.
func NewEmbeddingFunc(backend, model string) (chromem.EmbeddingFunc, error) {
	switch backend {
	case EmbeddingOpenAI, "":
		key := os.Getenv("OPENAI_API_KEY")
		if key == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY is not set")
		}
		if model == "" {
			model = string(chromem.EmbeddingModelOpenAI3Small)
		}
		return chromem.NewEmbeddingFuncOpenAI(key, chromem.EmbeddingModelOpenAI(model)), nil
	case EmbeddingOllama:
		if model == "" {
			model = "nomic-embed-text"
		}
		return chromem.NewEmbeddingFuncOllama(model, ""), nil
	case EmbeddingHash:
		return HashEmbedding(256), nil
	default:
		return nil, fmt.Errorf("unknown embedding backend %q", backend)
	}
}

// HashEmbedding is an offline bag-of-words embedding: each lower-cased
// token is hashed into one of dim buckets. Documents sharing words end up
// close together, which is enough for small manuals and for tests.
func HashEmbedding(dim int) chromem.EmbeddingFunc {
	return func(_ context.Context, text string) ([]float32, error) {
		vec := make([]float32, dim)
		for _, tok := range tokenize(text) {
			h := fnv.New32a()
			_, _ = h.Write([]byte(tok))
			vec[h.Sum32()%uint32(dim)]++
		}
		var norm float64
		for _, v := range vec {
			norm += float64(v * v)
		}
		if norm == 0 {
			vec[0] = 1
			return vec, nil
		}
		scale := float32(1 / math.Sqrt(norm))
		for i := range vec {
			vec[i] *= scale
		}
		return vec, nil
	}
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
