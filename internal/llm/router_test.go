package llm

import (
	"context"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// scriptedClient returns canned responses in order, recording requests.
type scriptedClient struct {
	responses []*anthropic.MessageResponse
	errs      []error
	requests  []anthropic.MessageRequest
}

func textResponse(text string) *anthropic.MessageResponse {
	return &anthropic.MessageResponse{
		Content: []anthropic.ContentBlock{{Type: "text", Text: text}},
		Usage:   anthropic.TokenUsage{InputTokens: 100, OutputTokens: 50},
	}
}

func (c *scriptedClient) CreateMessage(_ context.Context, req anthropic.MessageRequest) (*anthropic.MessageResponse, error) {
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	if i < len(c.responses) {
		return c.responses[i], nil
	}
	return textResponse("{}"), nil
}

func (c *scriptedClient) CreateBatch(context.Context, anthropic.BatchRequest) (*anthropic.BatchResponse, error) {
	return nil, eris.New("not scripted")
}

func (c *scriptedClient) GetBatch(context.Context, string) (*anthropic.BatchResponse, error) {
	return nil, eris.New("not scripted")
}

func (c *scriptedClient) GetBatchResults(context.Context, string) (anthropic.BatchResultIterator, error) {
	return nil, eris.New("not scripted")
}

type traceRecorder struct {
	traces []*model.LLMTrace
}

func (t *traceRecorder) InsertTrace(_ context.Context, tr *model.LLMTrace) error {
	t.traces = append(t.traces, tr)
	return nil
}

type verdict struct {
	Answer     string  `json:"answer" validate:"required"`
	Confidence float64 `json:"confidence" validate:"gte=0,lte=1"`
}

func TestComplete_DecodesAndTraces(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse(`Here you go: {"answer": "61 g", "confidence": 0.9}`),
	}}
	traces := &traceRecorder{}
	r := NewRouter(client, nil, traces)

	var out verdict
	usage, err := r.Complete(context.Background(), "run1", RoleFast, "system", "prompt", &out)
	require.NoError(t, err)
	assert.Equal(t, "61 g", out.Answer)
	assert.EqualValues(t, 100, usage.InputTokens)

	require.Len(t, traces.traces, 1)
	tr := traces.traces[0]
	assert.Equal(t, "ok", tr.Status)
	assert.Equal(t, "fast", tr.Role)
	assert.Equal(t, "claude-haiku-4-5-20251001", tr.Model)
	assert.Equal(t, "prompt", tr.PromptPreview)
}

func TestComplete_SchemaRetrySucceeds(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse(`{"confidence": 0.9}`), // fails required answer
		textResponse(`{"answer": "61 g", "confidence": 0.9}`),
	}}
	traces := &traceRecorder{}
	r := NewRouter(client, nil, traces)

	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleFast, "", "prompt", &out)
	require.NoError(t, err)
	assert.Equal(t, "61 g", out.Answer)

	require.Len(t, client.requests, 2)
	assert.Contains(t, client.requests[1].Messages[0].Content, "could not be parsed")
	require.Len(t, traces.traces, 1)
	assert.Equal(t, "schema_retry", traces.traces[0].Status)
}

func TestComplete_RetrySkipsSchema(t *testing.T) {
	// Retry reply is parseable JSON that still violates the tags; the
	// second attempt accepts it anyway.
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse(`no json here`),
		textResponse(`{"confidence": 3.0}`),
	}}
	r := NewRouter(client, nil, nil)

	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleFast, "", "prompt", &out)
	require.NoError(t, err)
	assert.Equal(t, 3.0, out.Confidence)
}

func TestComplete_PersistentFailure(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse(`no json`),
		textResponse(`still no json`),
	}}
	traces := &traceRecorder{}
	r := NewRouter(client, nil, traces)

	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleFast, "", "prompt", &out)
	require.Error(t, err)
	require.Len(t, traces.traces, 1)
	assert.Equal(t, "failed", traces.traces[0].Status)
}

func TestComplete_FallbackModel(t *testing.T) {
	client := &scriptedClient{
		errs: []error{eris.New("529 overloaded")},
		responses: []*anthropic.MessageResponse{
			nil,
			textResponse(`{"answer": "ok", "confidence": 1}`),
		},
	}
	r := NewRouter(client, map[Role]RoleConfig{
		RoleExtract: {Model: "primary-model", FallbackModel: "fallback-model", MaxTokens: 1024},
	}, nil)

	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleExtract, "", "prompt", &out)
	require.NoError(t, err)
	require.Len(t, client.requests, 2)
	assert.Equal(t, "primary-model", client.requests[0].Model)
	assert.Equal(t, "fallback-model", client.requests[1].Model)
}

func TestComplete_NoFallbackFails(t *testing.T) {
	client := &scriptedClient{errs: []error{eris.New("boom")}}
	r := NewRouter(client, map[Role]RoleConfig{
		RoleFast: {Model: "only-model", MaxTokens: 512},
	}, nil)

	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleFast, "", "prompt", &out)
	require.Error(t, err)
	assert.Len(t, client.requests, 1)
}

func TestComplete_UnknownRole(t *testing.T) {
	// Empty role maps fall back to defaults, so build one with a gap.
	r := NewRouter(&scriptedClient{}, map[Role]RoleConfig{RoleFast: {Model: "m", MaxTokens: 1}}, nil)
	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleWrite, "", "p", &out)
	require.Error(t, err)
}

func TestComplete_TokenBudgetExhausts(t *testing.T) {
	client := &scriptedClient{responses: []*anthropic.MessageResponse{
		textResponse(`{"answer": "61 g", "confidence": 0.9}`),
		textResponse(`{"answer": "61 g", "confidence": 0.9}`),
	}}
	// Each scripted call spends 150 tokens; the second crosses the cap.
	r := NewRouter(client, map[Role]RoleConfig{
		RoleExtract: {Model: "m", MaxTokens: 512, TokenBudget: 200},
	}, nil)

	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleExtract, "", "p", &out)
	require.NoError(t, err)
	assert.EqualValues(t, 150, r.Spent("run1", RoleExtract))

	_, err = r.Complete(context.Background(), "run1", RoleExtract, "", "p", &out)
	require.NoError(t, err, "budget trips only once spend reaches the cap")

	_, err = r.Complete(context.Background(), "run1", RoleExtract, "", "p", &out)
	require.Error(t, err)
	assert.True(t, eris.Is(err, ErrBudgetExhausted))
	assert.Len(t, client.requests, 2, "the refused call never reaches the model")
}

func TestComplete_TokenBudgetIsPerRun(t *testing.T) {
	client := &scriptedClient{}
	r := NewRouter(client, map[Role]RoleConfig{
		RoleFast: {Model: "m", MaxTokens: 512, TokenBudget: 100},
	}, nil)

	var out verdict
	_, err := r.Complete(context.Background(), "run1", RoleFast, "", "p", &out)
	require.NoError(t, err)
	_, err = r.Complete(context.Background(), "run1", RoleFast, "", "p", &out)
	require.Error(t, err)

	// A fresh run starts with a fresh budget.
	_, err = r.Complete(context.Background(), "run2", RoleFast, "", "p", &out)
	require.NoError(t, err)
}

func TestExtractJSON(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare object", `{"a": 1}`, `{"a": 1}`},
		{"prose around", `Sure! {"a": {"b": 2}} hope that helps`, `{"a": {"b": 2}}`},
		{"code fence", "```json\n{\"a\": 1}\n```", `{"a": 1}`},
		{"braces in strings", `{"q": "a { b } c"}`, `{"q": "a { b } c"}`},
		{"escaped quote", `{"q": "say \" {"}`, `{"q": "say \" {"}`},
		{"array", `[1, 2, 3]`, `[1, 2, 3]`},
		{"unbalanced", `{"a": 1`, ""},
		{"no json", `nothing here`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractJSON(tt.in))
		})
	}
}
