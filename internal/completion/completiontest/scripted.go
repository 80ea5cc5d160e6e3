// Package completiontest provides a scripted completion.Service for tests.
package completiontest

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/harrison/agentloop/internal/completion"
)

// Reply is one scripted answer: either Text or Err.
type Reply struct {
	Text string
	Err  error
}

// Scripted returns queued replies in order and records every request.
// Routes, when set, answer requests whose prompt contains the route key before the queue
// is consulted, so concurrent callers can be scripted independently.
type Scripted struct {
	mu       sync.Mutex
	replies  []Reply
	routes   map[string][]Reply
	requests []completion.Request
}

// New creates a Scripted service answering with texts in order.
func New(texts ...string) *Scripted {
	s := &Scripted{routes: map[string][]Reply{}}
	for _, t := range texts {
		s.replies = append(s.replies, Reply{Text: t})
	}
	return s
}

// Then queues another reply.
func (s *Scripted) Then(r Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.replies = append(s.replies, r)
	return s
}

// Route queues replies for requests whose transcript or system prompt contains key.
func (s *Scripted) Route(key string, replies ...Reply) *Scripted {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[key] = append(s.routes[key], replies...)
	return s
}

// Complete implements completion.Service.
func (s *Scripted) Complete(ctx context.Context, req completion.Request) (*completion.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)

	prompt := req.System + "\n" + completion.Transcript(req)
	for key, queue := range s.routes {
		if len(queue) > 0 && strings.Contains(prompt, key) {
			r := queue[0]
			s.routes[key] = queue[1:]
			return respond(r)
		}
	}

	if len(s.replies) == 0 {
		return nil, fmt.Errorf("completiontest: no reply scripted for prompt %q", truncate(prompt, 120))
	}
	r := s.replies[0]
	s.replies = s.replies[1:]
	return respond(r)
}

// Requests returns a copy of the recorded requests.
func (s *Scripted) Requests() []completion.Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]completion.Request, len(s.requests))
	copy(out, s.requests)
	return out
}

// Remaining reports how many queued replies were never consumed.
func (s *Scripted) Remaining() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := len(s.replies)
	for _, q := range s.routes {
		n += len(q)
	}
	return n
}

func respond(r Reply) (*completion.Response, error) {
	if r.Err != nil {
		return nil, r.Err
	}
	return &completion.Response{Text: r.Text, Model: "scripted"}, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
