package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/kaptinlin/jsonrepair"
)

// MaxHits bounds the hits returned by each built-in tool.
const MaxHits = 3

// ErrUnknownTool is returned when a tool name is not registered.
var ErrUnknownTool = errors.New("unknown tool")

// Tool is something the model can call with JSON arguments.
type Tool interface {
	Name() string
	Description() string
	Invoke(ctx context.Context, args string) ([]Hit, error)
}

// Arguments are the JSON arguments accepted by the search tools.
type Arguments struct {
	Query    string `json:"query"`
	Keywords string `json:"keywords"`
}

// Text returns whichever of Query or Keywords is set.
func (a Arguments) Text() string {
	if q := strings.TrimSpace(a.Query); q != "" {
		return q
	}
	return strings.TrimSpace(a.Keywords)
}

// ParseArguments decodes tool arguments, repairing malformed JSON when possible.
// Arguments without a query are rejected.
func ParseArguments(raw string) (Arguments, error) {
	var args Arguments
	raw = strings.TrimSpace(raw)
	if err := json.Unmarshal([]byte(raw), &args); err == nil {
		return requireText(args, raw)
	}

	repaired, err := jsonrepair.JSONRepair(raw)
	if err != nil {
		return Arguments{}, fmt.Errorf("malformed tool arguments %q: %w", raw, err)
	}
	if err := json.Unmarshal([]byte(repaired), &args); err != nil {
		return Arguments{}, fmt.Errorf("malformed tool arguments %q: %w", raw, err)
	}
	return requireText(args, raw)
}

func requireText(args Arguments, raw string) (Arguments, error) {
	if args.Text() == "" {
		return Arguments{}, fmt.Errorf("tool arguments %q have no query", raw)
	}
	return args, nil
}

// ManualSearch finds manual pages containing any of the given keywords.
type ManualSearch struct {
	Index   *Index
	MaxHits int
}

func (t *ManualSearch) Name() string { return "search_manual" }

func (t *ManualSearch) Description() string {
	return `Keyword search over the product manual. Arguments: {"keywords": "..."}. Returns pages containing any of the keywords, case-insensitive.`
}

func (t *ManualSearch) Invoke(ctx context.Context, raw string) ([]Hit, error) {
	args, err := ParseArguments(raw)
	if err != nil {
		return nil, err
	}
	return t.Index.Contains(ctx, args.Text(), limit(t.MaxHits))
}

// QASearch finds past question/answer pairs similar to a query.
type QASearch struct {
	Index   *Index
	MaxHits int
}

func (t *QASearch) Name() string { return "search_qa" }

func (t *QASearch) Description() string {
	return `Semantic search over past help-desk questions and answers. Arguments: {"query": "..."}. Returns the most similar entries.`
}

func (t *QASearch) Invoke(ctx context.Context, raw string) ([]Hit, error) {
	args, err := ParseArguments(raw)
	if err != nil {
		return nil, err
	}
	return t.Index.Query(ctx, args.Text(), limit(t.MaxHits))
}

func limit(n int) int {
	if n <= 0 {
		return MaxHits
	}
	return n
}

// Registry maps tool names to tools and caches their results.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]Tool
	cache *lru.Cache[string, []Hit]
}

// NewRegistry creates a registry holding tools. cacheSize <= 0 disables caching.
func NewRegistry(cacheSize int, tools ...Tool) (*Registry, error) {
	r := &Registry{tools: make(map[string]Tool)}
	if cacheSize > 0 {
		cache, err := lru.New[string, []Hit](cacheSize)
		if err != nil {
			return nil, fmt.Errorf("create cache: %w", err)
		}
		r.cache = cache
	}
	for _, t := range tools {
		if err := r.Register(t); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Register adds a tool; names must be unique.
func (r *Registry) Register(t Tool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[t.Name()]; exists {
		return fmt.Errorf("tool %q already registered", t.Name())
	}
	r.tools[t.Name()] = t
	return nil
}

// Get looks up a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tools[name]
	return t, ok
}

// Tools returns the registered tools sorted by name.
func (r *Registry) Tools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// Invoke calls the named tool. Identical calls are served from the cache.
func (r *Registry) Invoke(ctx context.Context, name, args string) ([]Hit, error) {
	t, ok := r.Get(name)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, name)
	}

	key := name + "\x00" + strings.TrimSpace(args)
	if r.cache != nil {
		if hits, ok := r.cache.Get(key); ok {
			return hits, nil
		}
	}

	hits, err := t.Invoke(ctx, args)
	if err != nil {
		return nil, fmt.Errorf("tool %s: %w", name, err)
	}
	if r.cache != nil {
		r.cache.Add(key, hits)
	}
	return hits, nil
}

// FormatHits renders hits for a prompt or a side-effect log.
func FormatHits(hits []Hit) string {
	if len(hits) == 0 {
		return "No results found."
	}
	var sb strings.Builder
	for i, h := range hits {
		if i > 0 {
			sb.WriteString("\n---\n")
		}
		fmt.Fprintf(&sb, "File: %s\n%s\n", h.ID, strings.TrimSpace(h.Content))
	}
	return sb.String()
}
