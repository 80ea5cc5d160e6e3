package completion

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedService struct {
	text string
	err  error
}

func (f fixedService) Complete(context.Context, Request) (*Response, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &Response{Text: f.text}, nil
}

func TestTranscript(t *testing.T) {
	single := Prompt("sys", "only question")
	assert.Equal(t, "only question", Transcript(single))

	multi := Request{Messages: []Message{
		{Role: RoleUser, Content: "q1"},
		{Role: RoleAssistant, Content: "a1"},
		{Role: RoleUser, Content: "q2"},
	}}
	assert.Equal(t, "User: q1\n\nAssistant: a1\n\nUser: q2", Transcript(multi))
}

func TestCompleteJSON(t *testing.T) {
	var out struct {
		Subtasks []string `json:"subtasks"`
	}
	_, err := CompleteJSON(context.Background(), fixedService{text: "```json\n{\"subtasks\":[\"a\",\"b\"]}\n```"}, Prompt("", "plan"), &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, out.Subtasks)

	_, err = CompleteJSON(context.Background(), fixedService{text: "no idea"}, Prompt("", "plan"), &out)
	assert.ErrorIs(t, err, ErrNoJSON)

	boom := errors.New("boom")
	_, err = CompleteJSON(context.Background(), fixedService{err: boom}, Prompt("", "plan"), &out)
	assert.ErrorIs(t, err, boom)
}

func TestSchemaMap(t *testing.T) {
	var nilSchema *Schema
	m, err := nilSchema.Map()
	assert.NoError(t, err)
	assert.Nil(t, m)

	m, err = (&Schema{Name: "x", JSON: `{"type":"object"}`}).Map()
	require.NoError(t, err)
	assert.Equal(t, "object", m["type"])

	_, err = (&Schema{Name: "bad", JSON: `{`}).Map()
	assert.Error(t, err)
}

func TestServiceError(t *testing.T) {
	base := errors.New("quota")
	err := &ServiceError{Backend: "gemini", StatusCode: 429, Transient: true, Err: base}
	assert.Equal(t, "gemini (status 429): quota", err.Error())
	assert.ErrorIs(t, err, base)
	assert.False(t, IsPermanent(err))
	assert.True(t, IsPermanent(&ServiceError{Backend: "gemini"}))
	assert.False(t, IsPermanent(base))
}

func TestCost(t *testing.T) {
	tests := []struct {
		model string
		in    int
		out   int
		want  float64
	}{
		{"claude-sonnet-4-5", 1_000_000, 0, 3},
		{"claude-haiku-4-5-20251001", 0, 1_000_000, 5},
		{"gemini-2.5-flash", 1_000_000, 1_000_000, 2.80},
		{"gemini-2.5-flash-lite", 0, 0, 0},
		{"unknown-model", 1000, 1000, 0},
	}
	for _, tt := range tests {
		t.Run(tt.model, func(t *testing.T) {
			assert.InDelta(t, tt.want, Cost(tt.model, tt.in, tt.out), 1e-9)
		})
	}

	_, ok := PriceFor("GEMINI-2.5-PRO")
	assert.True(t, ok, "price lookup is case-insensitive")
}
