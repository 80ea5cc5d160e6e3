// Package completion provides the completion-service adapters the workflows build on:
// the claude CLI in print mode and Google Gemini through the genai SDK.
package completion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of a conversation.
type Message struct {
	Role    Role
	Content string
}

// Schema constrains the response to a JSON document.
type Schema struct {
	Name string // Short identifier, used in logs
	JSON string // JSON Schema document
}

// Map decodes the schema document.
func (s *Schema) Map() (map[string]any, error) {
	if s == nil || s.JSON == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(s.JSON), &m); err != nil {
		return nil, fmt.Errorf("invalid schema %s: %w", s.Name, err)
	}
	return m, nil
}

// Request is one completion call.
type Request struct {
	System      string
	Messages    []Message
	Schema      *Schema // optional structured output constraint
	Temperature float32
	Model       string // overrides the service default when set
}

// Prompt builds a single-turn request.
func Prompt(system, user string) Request {
	return Request{System: system, Messages: []Message{{Role: RoleUser, Content: user}}}
}

// WithSchema returns a copy of the request constrained to schema.
func (r Request) WithSchema(name, schema string) Request {
	r.Schema = &Schema{Name: name, JSON: schema}
	return r
}

// Response is the completion output together with its accounting.
type Response struct {
	Text         string
	Model        string
	InputTokens  int
	OutputTokens int
	Cost         float64 // USD
	Duration     time.Duration
}

// Service generates completions.
type Service interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}

// ServiceError is a failed completion call. Transient errors (rate limits, 5xx, a CLI that
// exited non-zero) may succeed when retried; the rest will not.
type ServiceError struct {
	Backend    string
	StatusCode int
	Transient  bool
	Err        error
}

// Error implements the error interface for ServiceError.
func (e *ServiceError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Backend)
	if e.StatusCode != 0 {
		sb.WriteString(fmt.Sprintf(" (status %d)", e.StatusCode))
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error wrapping support.
func (e *ServiceError) Unwrap() error {
	return e.Err
}

// IsPermanent reports whether err is a ServiceError that retrying cannot fix.
func IsPermanent(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && !se.Transient
}

// CompleteJSON runs req and decodes the response into v.
func CompleteJSON(ctx context.Context, svc Service, req Request, v any) (*Response, error) {
	resp, err := svc.Complete(ctx, req)
	if err != nil {
		return nil, err
	}
	if err := DecodeJSON(resp.Text, v); err != nil {
		return resp, err
	}
	return resp, nil
}

// Transcript flattens a request into one prompt for backends that take a single string.
func Transcript(req Request) string {
	if len(req.Messages) == 1 && req.Messages[0].Role == RoleUser {
		return req.Messages[0].Content
	}
	var sb strings.Builder
	for i, m := range req.Messages {
		if i > 0 {
			sb.WriteString("\n\n")
		}
		switch m.Role {
		case RoleAssistant:
			sb.WriteString("Assistant: ")
		default:
			sb.WriteString("User: ")
		}
		sb.WriteString(m.Content)
	}
	return sb.String()
}

// truncate returns s truncated to maxLen characters with "..." suffix if needed.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
