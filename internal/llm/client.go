package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/audit-agent/backend/pkg/circuitbreaker"
	"github.com/audit-agent/backend/pkg/logger"
	"github.com/audit-agent/backend/pkg/retry"
)

type Client struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	timeout     time.Duration
	cb          *circuitbreaker.CircuitBreaker
	retryConfig retry.Config
}

type CompletionRequest struct {
	SystemPrompt string
	UserPrompt   string
	Temperature  float32
	MaxTokens    int
}

type CompletionResponse struct {
	Content string
	Usage   Usage
}

type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

func NewClient(apiKey, model string, temperature float32, maxTokens, timeoutSec int) *Client {
	client := openai.NewClient(apiKey)

	cb := circuitbreaker.NewCircuitBreaker("llm", circuitbreaker.Config{
		MaxRequests:      5,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		SuccessThreshold: 2,
		Logger:           logger.GetLogger(),
	})

	retryConfig := retry.Config{
		MaxAttempts:    2,
		InitialDelay:   300 * time.Millisecond,
		MaxDelay:       3 * time.Second,
		Multiplier:     2.0,
		JitterFraction: 0.1,
		Logger:         logger.GetLogger(),
	}

	if timeoutSec <= 0 {
		timeoutSec = 20
	}

	logger.Info("LLM client initialized", zap.String("model", model))

	return &Client{
		client:      client,
		model:       model,
		temperature: temperature,
		maxTokens:   maxTokens,
		timeout:     time.Duration(timeoutSec) * time.Second,
		cb:          cb,
		retryConfig: retryConfig,
	}
}

func (c *Client) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = c.maxTokens
	}

	messages := []openai.ChatCompletionMessage{
		{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.SystemPrompt,
		},
		{
			Role:    openai.ChatMessageRoleUser,
			Content: req.UserPrompt,
		},
	}

	var result *CompletionResponse

	err := c.cb.Execute(ctx, func() error {
		return retry.Do(ctx, c.retryConfig, func() error {
			resp, err := c.client.CreateChatCompletion(
				ctx,
				openai.ChatCompletionRequest{
					Model:       c.model,
					Messages:    messages,
					Temperature: temperature,
					MaxTokens:   maxTokens,
				},
			)

			if err != nil {
				return fmt.Errorf("failed to create completion: %w", err)
			}

			if len(resp.Choices) == 0 {
				return fmt.Errorf("completion returned no choices")
			}

			logger.Debug("LLM completion generated",
				zap.Int("prompt_tokens", resp.Usage.PromptTokens),
				zap.Int("completion_tokens", resp.Usage.CompletionTokens),
			)

			result = &CompletionResponse{
				Content: resp.Choices[0].Message.Content,
				Usage: Usage{
					PromptTokens:     resp.Usage.PromptTokens,
					CompletionTokens: resp.Usage.CompletionTokens,
					TotalTokens:      resp.Usage.TotalTokens,
				},
			}

			return nil
		})
	})

	if err != nil {
		return nil, err
	}

	return result, nil
}

// IntentPayload is the JSON shape the model is instructed to answer with.
// It is untrusted input: the intent extractor validates every field against
// the known vocabulary before any of it reaches a query.
type IntentPayload struct {
	Predicates []PredicatePayload `json:"predicates"`
	Categories []string           `json:"category_tokens"`
	GroupBy    []string           `json:"group_by"`
	Metric     string             `json:"metric"`
	MetricField string            `json:"metric_field"`
	Refinement bool               `json:"refinement"`
	NewTopic   bool               `json:"new_topic"`
}

type PredicatePayload struct {
	Field  string   `json:"field"`
	Op     string   `json:"op"`
	Value  string   `json:"value"`
	Values []string `json:"values"`
}

func (c *Client) ExtractIntent(ctx context.Context, text, previousFilters string) (*IntentPayload, error) {
	systemPrompt := `You translate questions about internal-audit findings into a filter specification.

Findings have fields: year, projectName, department, riskArea, description, code.
Codes starting with "F" are findings, "NF" are non-findings.
Questions mix English and Indonesian ("khusus" / "hanya" mean "only").

Answer with JSON only, in this exact shape:
{
  "predicates": [{"field": "year", "op": "eq", "value": "2024"}],
  "category_tokens": ["IT"],
  "group_by": [],
  "metric": "",
  "metric_field": "",
  "refinement": false,
  "new_topic": false
}

Rules:
- op is one of: eq, in, prefix, contains.
- Department shorthand like "HC" or "IT" goes into category_tokens, never into predicates.
- Set refinement=true when the question narrows the previous filters ("only...", "khusus...").
- Set new_topic=true when the question abandons the previous filters.
- group_by lists at most two fields; metric is one of count, sum, avg, min, max.
- metric_field names the numeric field (bobot, kadar, nilai) for sum/avg/min/max.`

	userPrompt := fmt.Sprintf("Active filters from the previous turn:\n%s\n\nQuestion:\n%s\n\nReturn JSON only.",
		emptyAsNone(previousFilters), text)

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   userPrompt,
		Temperature:  0.1,
		MaxTokens:    500,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to extract intent: %w", err)
	}

	var payload IntentPayload
	if err := decodeJSONAnswer(resp.Content, &payload); err != nil {
		return nil, fmt.Errorf("intent answer is not valid JSON: %w", err)
	}

	logger.Debug("Intent extracted",
		zap.Int("predicates", len(payload.Predicates)),
		zap.Strings("category_tokens", payload.Categories),
	)

	return &payload, nil
}

type categoryPayload struct {
	Category  string `json:"category"`
	Reasoning string `json:"reasoning"`
}

func (c *Client) ClassifyCategory(ctx context.Context, token string, categories []string) (string, error) {
	systemPrompt := fmt.Sprintf(`You map department shorthand used by auditors to one of these categories: %s.

The shorthand may be English or Indonesian. Answer with JSON only:
{"category": "HR", "reasoning": "HC is shorthand for human capital"}

If none of the categories fits, answer {"category": "", "reasoning": "..."}.`,
		strings.Join(categories, ", "))

	resp, err := c.Complete(ctx, CompletionRequest{
		SystemPrompt: systemPrompt,
		UserPrompt:   fmt.Sprintf("Shorthand: %q\n\nReturn JSON only.", token),
		Temperature:  0.0,
		MaxTokens:    150,
	})
	if err != nil {
		return "", fmt.Errorf("failed to classify category: %w", err)
	}

	var payload categoryPayload
	if err := decodeJSONAnswer(resp.Content, &payload); err != nil {
		return "", fmt.Errorf("category answer is not valid JSON: %w", err)
	}

	return payload.Category, nil
}

// decodeJSONAnswer tolerates the code fences and prose some models wrap
// around their JSON.
func decodeJSONAnswer(content string, out interface{}) error {
	trimmed := strings.TrimSpace(content)
	trimmed = strings.TrimPrefix(trimmed, "```json")
	trimmed = strings.TrimPrefix(trimmed, "```")
	trimmed = strings.TrimSuffix(trimmed, "```")
	trimmed = strings.TrimSpace(trimmed)

	if start := strings.IndexAny(trimmed, "{["); start > 0 {
		trimmed = trimmed[start:]
	}

	return json.Unmarshal([]byte(trimmed), out)
}

func emptyAsNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "(none)"
	}
	return s
}
