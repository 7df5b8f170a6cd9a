package mcpscout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// Comparison is an external comparator's verdict for one requirement.
type Comparison struct {
	CapabilityName string  `json:"tool_name"`
	Score          float64 `json:"score"`
	Confidence     float64 `json:"confidence"`
	Reasoning      string  `json:"reasoning"`
}

// Comparator judges how well a set of candidate capabilities satisfies a
// requirement. A nil comparison with a nil error means no candidate fits.
type Comparator interface {
	Compare(ctx context.Context, req Requirement, candidates []Capability) (*Comparison, error)
}

var defaultComparatorTimeout = 15 * time.Second

// ChatComparatorOption configures a ChatComparator.
type ChatComparatorOption func(*ChatComparator)

// WithComparatorModel sets the model name sent in completion requests.
func WithComparatorModel(model string) ChatComparatorOption {
	return func(c *ChatComparator) {
		c.model = model
	}
}

// WithComparatorAPIKey sets the bearer token sent with completion requests.
func WithComparatorAPIKey(key string) ChatComparatorOption {
	return func(c *ChatComparator) {
		c.apiKey = key
	}
}

// WithComparatorClient sets a custom HTTP client.
func WithComparatorClient(client *http.Client) ChatComparatorOption {
	return func(c *ChatComparator) {
		c.client = client
	}
}

// WithComparatorTimeout bounds each comparison call.
func WithComparatorTimeout(d time.Duration) ChatComparatorOption {
	return func(c *ChatComparator) {
		c.timeout = d
	}
}

// WithComparatorLogger sets the logger.
func WithComparatorLogger(logger *slog.Logger) ChatComparatorOption {
	return func(c *ChatComparator) {
		c.logger = logger
	}
}

// ChatComparator asks an OpenAI-compatible chat-completions endpoint to judge
// candidates. Every call is timeout-guarded; a malformed or unparseable
// answer is treated as "no match", never as a failure of the whole run.
type ChatComparator struct {
	baseURL string
	model   string
	apiKey  string
	client  *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewChatComparator creates a comparator talking to the chat-completions API
// rooted at baseURL.
func NewChatComparator(baseURL string, options ...ChatComparatorOption) *ChatComparator {
	c := &ChatComparator{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		model:   "gpt-4o-mini",
		client:  http.DefaultClient,
		timeout: defaultComparatorTimeout,
		logger:  slog.Default(),
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

const comparatorSystemPrompt = `You judge whether any of the listed capabilities satisfies a requirement.
Answer with a single JSON object and nothing else:
{"tool_name": "<name of the best capability, or empty string if none fit>",
 "score": <0.0 to 1.0>, "confidence": <0.0 to 1.0>, "reasoning": "<one sentence>"}`

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Compare sends the requirement and candidates to the completions endpoint
// and parses the verdict out of the reply.
func (c *ChatComparator) Compare(ctx context.Context, req Requirement, candidates []Capability) (*Comparison, error) {
	if len(candidates) == 0 {
		return nil, nil
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	prompt, err := c.buildPrompt(req, candidates)
	if err != nil {
		return nil, fmt.Errorf("failed to build comparator prompt: %w", err)
	}

	body, err := json.Marshal(chatRequest{
		Model: c.model,
		Messages: []chatMessage{
			{Role: "system", Content: comparatorSystemPrompt},
			{Role: "user", Content: prompt},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal comparator request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create comparator request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, newError(CategoryTimeout, SeverityLow, "comparator call failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, newError(CategoryMatching, SeverityLow,
			fmt.Sprintf("comparator returned status %d", resp.StatusCode), nil)
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read comparator response: %w", err)
	}

	var chat chatResponse
	if err := json.Unmarshal(raw, &chat); err != nil || len(chat.Choices) == 0 {
		c.logger.Debug("malformed comparator response", "body", string(raw))
		return nil, nil
	}

	return c.parseVerdict(chat.Choices[0].Message.Content, candidates), nil
}

func (c *ChatComparator) buildPrompt(req Requirement, candidates []Capability) (string, error) {
	payload := struct {
		Requirement Requirement  `json:"requirement"`
		Candidates  []Capability `json:"candidates"`
	}{Requirement: req, Candidates: candidates}

	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseVerdict extracts the JSON verdict from the model answer, tolerating
// markdown code fences around it. Anything unparseable, out of range, or
// naming a capability outside the candidate set counts as no match.
func (c *ChatComparator) parseVerdict(content string, candidates []Capability) *Comparison {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")

	var verdict Comparison
	if err := json.Unmarshal([]byte(strings.TrimSpace(content)), &verdict); err != nil {
		c.logger.Debug("unparseable comparator verdict", "content", content)
		return nil
	}
	if verdict.CapabilityName == "" {
		return nil
	}
	if verdict.Score < 0 || verdict.Score > 1 || verdict.Confidence < 0 || verdict.Confidence > 1 {
		c.logger.Debug("comparator verdict out of range",
			"score", verdict.Score, "confidence", verdict.Confidence)
		return nil
	}
	for _, cand := range candidates {
		if cand.Name == verdict.CapabilityName {
			return &verdict
		}
	}
	c.logger.Debug("comparator named unknown capability", "name", verdict.CapabilityName)
	return nil
}
