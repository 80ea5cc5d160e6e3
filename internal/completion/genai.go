package completion

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"google.golang.org/genai"
)

const genaiBackend = "gemini"

// DefaultGenAIModel is used when neither the service nor the request names a model.
const DefaultGenAIModel = "gemini-2.5-flash"

// GenAIService runs completions against the Gemini API.
type GenAIService struct {
	client *genai.Client
	model  string
}

// GenAIOption configures NewGenAIService.
type GenAIOption func(*genai.ClientConfig)

// WithBaseURL points the client at a different endpoint (a proxy, or a test server).
func WithBaseURL(url string) GenAIOption {
	return func(cc *genai.ClientConfig) { cc.HTTPOptions.BaseURL = url }
}

// WithHTTPClient sets the HTTP client used by the SDK.
func WithHTTPClient(c *http.Client) GenAIOption {
	return func(cc *genai.ClientConfig) { cc.HTTPClient = c }
}

// NewGenAIService creates a Gemini-backed Service.
func NewGenAIService(ctx context.Context, apiKey, model string, opts ...GenAIOption) (*GenAIService, error) {
	if apiKey == "" {
		return nil, &ServiceError{Backend: genaiBackend, Err: errors.New("api key is required")}
	}
	if model == "" {
		model = DefaultGenAIModel
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	for _, opt := range opts {
		opt(cc)
	}

	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, &ServiceError{Backend: genaiBackend, Err: fmt.Errorf("create client: %w", err)}
	}
	return &GenAIService{client: client, model: model}, nil
}

// Complete sends the request as a GenerateContent call. A schema switches the response
// to application/json constrained by the schema document.
func (s *GenAIService) Complete(ctx context.Context, req Request) (*Response, error) {
	if len(req.Messages) == 0 {
		return nil, &ServiceError{Backend: genaiBackend, Err: errors.New("at least one message is required")}
	}

	model := req.Model
	if model == "" {
		model = s.model
	}

	contents := make([]*genai.Content, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := genai.Role(genai.RoleUser)
		if m.Role == RoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, genai.NewContentFromText(m.Content, role))
	}

	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = genai.NewContentFromText(req.System, genai.RoleUser)
	}
	if req.Temperature > 0 {
		config.Temperature = genai.Ptr(req.Temperature)
	}
	if req.Schema != nil {
		schema, err := req.Schema.Map()
		if err != nil {
			return nil, &ServiceError{Backend: genaiBackend, Err: err}
		}
		config.ResponseMIMEType = "application/json"
		config.ResponseJsonSchema = schema
	}

	start := time.Now()
	resp, err := s.client.Models.GenerateContent(ctx, model, contents, config)
	duration := time.Since(start)
	if err != nil {
		return nil, classifyGenAIError(ctx, err)
	}

	out := &Response{
		Text:     resp.Text(),
		Model:    model,
		Duration: duration,
	}
	if resp.ModelVersion != "" {
		out.Model = resp.ModelVersion
	}
	if resp.UsageMetadata != nil {
		out.InputTokens = int(resp.UsageMetadata.PromptTokenCount)
		out.OutputTokens = int(resp.UsageMetadata.CandidatesTokenCount)
	}
	out.Cost = Cost(out.Model, out.InputTokens, out.OutputTokens)
	return out, nil
}

// classifyGenAIError maps SDK errors onto ServiceError: 429 and 5xx are transient,
// other API errors are not. Context errors pass through so deadlines stay visible.
func classifyGenAIError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return fmt.Errorf("gemini call interrupted: %w", errors.Join(ctx.Err(), err))
	}

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		transient := apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500
		return &ServiceError{Backend: genaiBackend, StatusCode: apiErr.Code, Transient: transient, Err: err}
	}
	// Transport failures (connection reset, DNS) are worth retrying.
	return &ServiceError{Backend: genaiBackend, Transient: true, Err: err}
}
