// Package sandbox runs model-written Go programs in an embedded yaegi
// interpreter with a restricted standard library.
package sandbox

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"reflect"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/traefik/yaegi/interp"
	"github.com/traefik/yaegi/stdlib"
)

// ImportPath is the package through which programs reach the sandbox state.
const ImportPath = "agentloop/sandbox"

var (
	// ErrClosed is returned when a released sandbox is used.
	ErrClosed = errors.New("sandbox is closed")
	// ErrNotAcquired is returned when a program runs before Acquire.
	ErrNotAcquired = errors.New("sandbox is not acquired")
	// ErrForbiddenImport is returned when a program imports a package outside the allow-list.
	ErrForbiddenImport = errors.New("forbidden import")
)

// DefaultImports is the standard library allow-list.
var DefaultImports = []string{
	"bytes",
	"encoding/csv",
	"encoding/json",
	"errors",
	"fmt",
	"math",
	"math/rand",
	"regexp",
	"slices",
	"sort",
	"strconv",
	"strings",
	"text/tabwriter",
	"time",
	"unicode",
}

const entryPoint = "sandboxMain"

var mainFunc = regexp.MustCompile(`(?m)^func\s+main\s*\(\s*\)`)

// prelude exposes Dataset and State as package-level variables of main.
const prelude = `package main

import sandbox "` + ImportPath + `"

var Dataset = sandbox.Dataset
var State = sandbox.State
`

// Options configures a Sandbox.
type Options struct {
	Imports    []string      // allowed standard library packages; nil means DefaultImports
	RunTimeout time.Duration // per-run limit; 0 means none
	MaxOutput  int           // bytes kept per stream; 0 means 64KiB
}

// Execution is the outcome of one Run. Compile and runtime errors of the
// program are reported in Error, not as a Go error, so they can be fed back
// to whoever wrote the program.
type Execution struct {
	Stdout   string
	Stderr   string
	Error    string
	Results  map[string]string // State after the run, formatted
	Duration time.Duration
}

// Failed reports whether the program did not run to completion.
func (e *Execution) Failed() bool {
	return e.Error != ""
}

// Sandbox is an isolated interpreter environment. Dataset and State persist
// across runs until the sandbox is released; each run gets a fresh
// interpreter so programs can redeclare main and helpers freely.
type Sandbox struct {
	mu       sync.Mutex
	opts     Options
	allowed  map[string]bool
	symbols  interp.Exports
	dataset  [][]string
	datasets map[string][][]string
	state    map[string]any
	acquired bool
	closed   bool
}

// New creates a sandbox.
func New(opts Options) *Sandbox {
	if opts.Imports == nil {
		opts.Imports = DefaultImports
	}
	if opts.MaxOutput <= 0 {
		opts.MaxOutput = 64 << 10
	}
	allowed := make(map[string]bool, len(opts.Imports)+1)
	for _, p := range opts.Imports {
		allowed[p] = true
	}
	allowed[ImportPath] = true

	return &Sandbox{
		opts:     opts,
		allowed:  allowed,
		symbols:  filterSymbols(stdlib.Symbols, allowed),
		datasets: make(map[string][][]string),
		state:    make(map[string]any),
	}
}

// filterSymbols keeps only the allowed packages. Export keys have the form
// "import/path/name".
func filterSymbols(all interp.Exports, allowed map[string]bool) interp.Exports {
	out := make(interp.Exports)
	for key, syms := range all {
		i := strings.LastIndex(key, "/")
		if i < 0 {
			continue
		}
		if allowed[key[:i]] {
			out[key] = syms
		}
	}
	return out
}

// Acquire readies the sandbox for a loop.
func (s *Sandbox) Acquire(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.acquired = true
	return nil
}

// Release discards all state. The sandbox cannot be used afterwards.
func (s *Sandbox) Release(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.acquired = false
	s.dataset = nil
	s.datasets = nil
	s.state = nil
	return nil
}

// LoadDataset parses CSV data and makes it the Dataset seen by later runs.
// Every loaded dataset is also kept in State under "dataset:<name>".
func (s *Sandbox) LoadDataset(name string, data []byte) error {
	rows, err := csv.NewReader(bytes.NewReader(data)).ReadAll()
	if err != nil {
		return fmt.Errorf("parse dataset %s: %w", name, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	s.dataset = rows
	s.datasets[name] = rows
	s.state["dataset:"+name] = rows
	return nil
}

// Dataset returns the rows of the current dataset.
func (s *Sandbox) Dataset() [][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dataset
}

// CheckImports rejects programs importing packages outside the allow-list.
func (s *Sandbox) CheckImports(code string) error {
	src := code
	if !hasPackageClause(code) {
		src = "package main\n" + code
	}
	f, err := parser.ParseFile(token.NewFileSet(), "program.go", src, parser.ImportsOnly)
	if err != nil {
		// Syntax errors surface when the interpreter compiles the program.
		return nil
	}

	var forbidden []string
	for _, imp := range f.Imports {
		path, err := strconv.Unquote(imp.Path.Value)
		if err != nil {
			path = imp.Path.Value
		}
		if !s.allowed[path] {
			forbidden = append(forbidden, path)
		}
	}
	if len(forbidden) > 0 {
		sort.Strings(forbidden)
		return fmt.Errorf("%w: %s (allowed: %s)", ErrForbiddenImport, strings.Join(forbidden, ", "), strings.Join(s.opts.Imports, ", "))
	}
	return nil
}

// Run executes code. A program with package main has its main function run;
// anything else is evaluated as statements. The sandbox must be acquired.
func (s *Sandbox) Run(ctx context.Context, code string) (*Execution, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if !s.acquired {
		return nil, ErrNotAcquired
	}
	if strings.TrimSpace(code) == "" {
		return nil, fmt.Errorf("empty program")
	}
	if err := s.CheckImports(code); err != nil {
		return nil, err
	}

	runCtx := ctx
	if s.opts.RunTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.opts.RunTimeout)
		defer cancel()
	}

	stdout := &limitedBuffer{max: s.opts.MaxOutput}
	stderr := &limitedBuffer{max: s.opts.MaxOutput}
	i := interp.New(interp.Options{Stdout: stdout, Stderr: stderr})
	if err := i.Use(s.symbols); err != nil {
		return nil, fmt.Errorf("load symbols: %w", err)
	}
	if err := i.Use(interp.Exports{
		ImportPath + "/sandbox": {
			"Dataset": reflect.ValueOf(&s.dataset).Elem(),
			"State":   reflect.ValueOf(&s.state).Elem(),
		},
	}); err != nil {
		return nil, fmt.Errorf("load sandbox symbols: %w", err)
	}

	start := time.Now()
	if _, err := i.EvalWithContext(runCtx, prelude); err != nil {
		return nil, fmt.Errorf("sandbox prelude: %w", err)
	}
	var evalErr error
	if hasPackageClause(code) {
		// main is renamed and called explicitly so it runs exactly once.
		_, evalErr = i.EvalWithContext(runCtx, mainFunc.ReplaceAllString(code, "func "+entryPoint+"()"))
		if evalErr == nil && mainFunc.MatchString(code) {
			_, evalErr = i.EvalWithContext(runCtx, entryPoint+"()")
		}
	} else {
		_, evalErr = i.EvalWithContext(runCtx, code)
	}

	exec := &Execution{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Results:  formatState(s.state),
		Duration: time.Since(start),
	}

	if evalErr != nil {
		// Cancellation of the caller's context is not the program's fault.
		if ctxErr := ctx.Err(); ctxErr != nil {
			return exec, ctxErr
		}
		if errors.Is(evalErr, context.DeadlineExceeded) || runCtx.Err() != nil {
			exec.Error = fmt.Sprintf("execution timed out after %v", s.opts.RunTimeout)
		} else {
			exec.Error = evalErr.Error()
		}
	}
	return exec, nil
}

func hasPackageClause(code string) bool {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" || strings.HasPrefix(trimmed, "//") {
			continue
		}
		return strings.HasPrefix(trimmed, "package ")
	}
	return false
}

func formatState(state map[string]any) map[string]string {
	out := make(map[string]string, len(state))
	for k, v := range state {
		if strings.HasPrefix(k, "dataset:") {
			continue
		}
		out[k] = fmt.Sprint(v)
	}
	return out
}

// limitedBuffer keeps the first max bytes written and drops the rest.
type limitedBuffer struct {
	buf       bytes.Buffer
	max       int
	truncated bool
}

func (b *limitedBuffer) Write(p []byte) (int, error) {
	if room := b.max - b.buf.Len(); room > 0 {
		if len(p) > room {
			b.buf.Write(p[:room])
			b.truncated = true
		} else {
			b.buf.Write(p)
		}
	} else if len(p) > 0 {
		b.truncated = true
	}
	return len(p), nil
}

func (b *limitedBuffer) String() string {
	if b.truncated {
		return b.buf.String() + "\n...[output truncated]"
	}
	return b.buf.String()
}
