// Package llm routes model calls by role: each role carries its own
// model, token budget, optional fallback, and a schema-enforced
// response contract. Every call leaves a trace row.
package llm

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/spec-harvester/internal/model"
	"github.com/sells-group/spec-harvester/pkg/anthropic"
)

// Role names a routing lane with its own model and budget.
type Role string

const (
	RolePlan      Role = "plan"
	RoleFast      Role = "fast"
	RoleTriage    Role = "triage"
	RoleReasoning Role = "reasoning"
	RoleExtract   Role = "extract"
	RoleValidate  Role = "validate"
	RoleWrite     Role = "write"
)

// ErrBudgetExhausted marks a call refused because the role's cumulative
// token budget for the run is already spent. Callers are expected to
// degrade to deterministic extraction, not to retry.
var ErrBudgetExhausted = eris.New("llm: token budget exhausted")

// RoleConfig is the model binding for one role. TokenBudget caps the
// cumulative input+output tokens the role may spend within one run;
// zero means unlimited.
type RoleConfig struct {
	Model         string  `yaml:"model" mapstructure:"model"`
	FallbackModel string  `yaml:"fallback_model,omitempty" mapstructure:"fallback_model"`
	MaxTokens     int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TokenBudget   int64   `yaml:"token_budget,omitempty" mapstructure:"token_budget"`
	Temperature   float64 `yaml:"temperature,omitempty" mapstructure:"temperature"`
}

// DefaultRoles binds each role to a sensible model tier.
func DefaultRoles() map[Role]RoleConfig {
	fast := RoleConfig{Model: "claude-haiku-4-5-20251001", MaxTokens: 1024, TokenBudget: 400_000}
	deep := RoleConfig{
		Model:         "claude-sonnet-4-5-20250929",
		FallbackModel: "claude-haiku-4-5-20251001",
		MaxTokens:     4096,
		TokenBudget:   800_000,
	}
	return map[Role]RoleConfig{
		RolePlan:      deep,
		RoleFast:      fast,
		RoleTriage:    fast,
		RoleReasoning: {Model: "claude-opus-4-6", FallbackModel: deep.Model, MaxTokens: 8192, TokenBudget: 400_000},
		RoleExtract:   deep,
		RoleValidate:  deep,
		RoleWrite:     deep,
	}
}

// TraceSink persists call traces; the store satisfies it.
type TraceSink interface {
	InsertTrace(ctx context.Context, tr *model.LLMTrace) error
}

// Router dispatches role calls to the configured models.
type Router struct {
	client   anthropic.Client
	roles    map[Role]RoleConfig
	traces   TraceSink
	validate *validator.Validate

	mu    sync.Mutex
	spent map[string]int64 // runID + role -> input+output tokens
}

// NewRouter builds a router. traces may be nil in tests.
func NewRouter(client anthropic.Client, roles map[Role]RoleConfig, traces TraceSink) *Router {
	if len(roles) == 0 {
		roles = DefaultRoles()
	}
	return &Router{
		client:   client,
		roles:    roles,
		traces:   traces,
		validate: validator.New(),
		spent:    make(map[string]int64),
	}
}

const previewLen = 400

// Complete sends a role-routed prompt and decodes the JSON response into
// out, enforcing its validate tags. A schema failure retries once with
// the parse error echoed back; the retry skips tag validation. Model
// errors fall through to the role's fallback model before failing.
// Once the role's cumulative run budget is spent the call is refused
// with ErrBudgetExhausted.
func (r *Router) Complete(ctx context.Context, runID string, role Role, system, prompt string, out any) (*anthropic.TokenUsage, error) {
	cfg, ok := r.roles[role]
	if !ok {
		return nil, eris.Errorf("llm: no config for role %s", role)
	}
	if cfg.TokenBudget > 0 && r.Spent(runID, role) >= cfg.TokenBudget {
		return nil, eris.Wrapf(ErrBudgetExhausted, "role %s run %s", role, runID)
	}

	start := time.Now()
	resp, usedModel, err := r.call(ctx, cfg, system, prompt)
	if err != nil {
		r.trace(ctx, runID, role, usedModel, "failed", prompt, "", nil, start)
		return nil, err
	}
	r.spend(runID, role, &resp.Usage)
	text := responseText(resp)

	status := "ok"
	if decodeErr := r.decode(text, out, true); decodeErr != nil {
		status = "schema_retry"
		zap.L().Debug("llm: schema validation failed, retrying without schema",
			zap.String("role", string(role)),
			zap.Error(decodeErr))

		retryPrompt := prompt + "\n\nYour previous reply could not be parsed (" +
			decodeErr.Error() + "). Respond with a single JSON object and nothing else."
		retry, retryModel, retryErr := r.call(ctx, cfg, system, retryPrompt)
		if retryErr != nil {
			r.trace(ctx, runID, role, retryModel, "failed", prompt, text, &resp.Usage, start)
			return nil, retryErr
		}
		r.spend(runID, role, &retry.Usage)
		usedModel = retryModel
		retryText := responseText(retry)
		if decodeErr = r.decode(retryText, out, false); decodeErr != nil {
			r.trace(ctx, runID, role, usedModel, "failed", prompt, retryText, &retry.Usage, start)
			return nil, eris.Wrapf(decodeErr, "llm: %s response unusable after retry", role)
		}
		resp.Usage.InputTokens += retry.Usage.InputTokens
		resp.Usage.OutputTokens += retry.Usage.OutputTokens
		text = retryText
	}

	r.trace(ctx, runID, role, usedModel, status, prompt, text, &resp.Usage, start)
	return &resp.Usage, nil
}

// Spent reports the input+output tokens a role has consumed in a run.
func (r *Router) Spent(runID string, role Role) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.spent[runID+"\x1f"+string(role)]
}

func (r *Router) spend(runID string, role Role, u *anthropic.TokenUsage) {
	if u == nil {
		return
	}
	r.mu.Lock()
	r.spent[runID+"\x1f"+string(role)] += u.InputTokens + u.OutputTokens
	r.mu.Unlock()
}

// call tries the role's primary model, then its fallback.
func (r *Router) call(ctx context.Context, cfg RoleConfig, system, prompt string) (*anthropic.MessageResponse, string, error) {
	req := anthropic.MessageRequest{
		Model:     cfg.Model,
		MaxTokens: cfg.MaxTokens,
		Messages:  []anthropic.Message{{Role: "user", Content: prompt}},
	}
	if system != "" {
		req.System = anthropic.BuildCachedSystemBlocks(system)
	}
	if cfg.Temperature > 0 {
		req.Temperature = &cfg.Temperature
	}

	resp, err := r.client.CreateMessage(ctx, req)
	if err == nil {
		return resp, cfg.Model, nil
	}
	if cfg.FallbackModel == "" || ctx.Err() != nil {
		return nil, cfg.Model, eris.Wrapf(err, "llm: %s call", cfg.Model)
	}

	zap.L().Warn("llm: primary model failed, using fallback",
		zap.String("model", cfg.Model),
		zap.String("fallback", cfg.FallbackModel),
		zap.Error(err))
	req.Model = cfg.FallbackModel
	resp, err = r.client.CreateMessage(ctx, req)
	if err != nil {
		return nil, cfg.FallbackModel, eris.Wrapf(err, "llm: fallback %s call", cfg.FallbackModel)
	}
	return resp, cfg.FallbackModel, nil
}

// decode slices the first JSON object out of the text and unmarshals it.
// withSchema additionally enforces the struct's validate tags.
func (r *Router) decode(text string, out any, withSchema bool) error {
	raw := ExtractJSON(text)
	if raw == "" {
		return eris.New("no JSON object in response")
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		return eris.Wrap(err, "unmarshal response")
	}
	if withSchema {
		if err := r.validate.Struct(out); err != nil {
			return eris.Wrap(err, "schema validation")
		}
	}
	return nil
}

func (r *Router) trace(ctx context.Context, runID string, role Role, usedModel, status, prompt, response string, usage *anthropic.TokenUsage, start time.Time) {
	if r.traces == nil {
		return
	}
	tr := &model.LLMTrace{
		ID:              uuid.NewString(),
		RunID:           runID,
		Role:            string(role),
		Model:           usedModel,
		Status:          status,
		PromptPreview:   preview(prompt),
		ResponsePreview: preview(response),
		DurationMS:      time.Since(start).Milliseconds(),
	}
	if usage != nil {
		tr.InputTokens = int(usage.InputTokens)
		tr.OutputTokens = int(usage.OutputTokens)
	}
	if err := r.traces.InsertTrace(ctx, tr); err != nil {
		zap.L().Warn("llm: persist trace", zap.Error(err))
	}
}

func preview(s string) string {
	s = strings.TrimSpace(s)
	if len(s) > previewLen {
		return s[:previewLen]
	}
	return s
}

func responseText(resp *anthropic.MessageResponse) string {
	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	return b.String()
}

// ExtractJSON returns the first balanced JSON object or array in text,
// tolerating prose and code fences around it.
func ExtractJSON(text string) string {
	start := -1
	var opener, closer byte
	for i := 0; i < len(text); i++ {
		if text[i] == '{' || text[i] == '[' {
			start = i
			opener = text[i]
			if opener == '{' {
				closer = '}'
			} else {
				closer = ']'
			}
			break
		}
	}
	if start == -1 {
		return ""
	}

	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		c := text[i]
		switch {
		case escaped:
			escaped = false
		case c == '\\' && inString:
			escaped = true
		case c == '"':
			inString = !inString
		case inString:
		case c == opener:
			depth++
		case c == closer:
			depth--
			if depth == 0 {
				return text[start : i+1]
			}
		}
	}
	return ""
}
