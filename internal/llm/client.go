// Package llm generates summaries, question sets, and embeddings from
// crawled article text using the OpenAI API.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"github.com/askpage/askpage/internal/engine"
)

// maxPromptChars bounds the article text sent per request. Long posts are
// truncated rather than rejected; the opening of a post carries enough
// signal for summary and questions.
const maxPromptChars = 24000

const systemPrompt = "You are a content assistant for a blog widget. " +
	"You answer only from the article text you are given and never invent facts."

// Config controls the OpenAI client.
type Config struct {
	APIKey         string
	Model          string
	EmbeddingModel string
}

// Client implements engine.LLMService against the OpenAI API.
type Client struct {
	api            *openai.Client
	model          string
	embeddingModel openai.EmbeddingModel
	logger         *zap.Logger
}

// NewClient constructs a Client.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.EmbeddingModel == "" {
		cfg.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		api:            openai.NewClient(cfg.APIKey),
		model:          cfg.Model,
		embeddingModel: openai.EmbeddingModel(cfg.EmbeddingModel),
		logger:         logger,
	}, nil
}

// Summarize produces a summary of at most maxWords words.
func (c *Client) Summarize(ctx context.Context, text string, maxWords int) (string, error) {
	if maxWords <= 0 {
		maxWords = 150
	}
	prompt := fmt.Sprintf(
		"Summarize the following article in at most %d words. Return only the summary.\n\n%s",
		maxWords, truncate(text),
	)
	out, err := c.complete(ctx, prompt, nil)
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// GenerateQuestions produces n question/answer pairs grounded in the text.
func (c *Client) GenerateQuestions(ctx context.Context, text string, n int) ([]engine.Question, error) {
	if n <= 0 {
		n = 5
	}
	prompt := fmt.Sprintf(
		"Generate exactly %d questions a reader might ask about the following article, "+
			"each with a concise answer taken from the article. "+
			`Respond with JSON: {"questions": [{"question": "...", "answer": "..."}]}`+"\n\n%s",
		n, truncate(text),
	)
	out, err := c.complete(ctx, prompt, &openai.ChatCompletionResponseFormat{
		Type: openai.ChatCompletionResponseFormatTypeJSONObject,
	})
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}
	questions, err := parseQuestions(out)
	if err != nil {
		return nil, fmt.Errorf("generate questions: %w", err)
	}
	if len(questions) > n {
		questions = questions[:n]
	}
	return questions, nil
}

// Embed returns the embedding vector for the text.
func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := c.api.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{truncate(text)},
		Model: c.embeddingModel,
	})
	if err != nil {
		return nil, fmt.Errorf("embed: %w", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("embed: empty response")
	}
	return resp.Data[0].Embedding, nil
}

func (c *Client) complete(ctx context.Context, prompt string, format *openai.ChatCompletionResponseFormat) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
		ResponseFormat: format,
	}
	resp, err := c.api.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices returned")
	}
	c.logger.Debug("completion received",
		zap.String("model", c.model),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)),
	)
	return resp.Choices[0].Message.Content, nil
}

type questionsPayload struct {
	Questions []struct {
		Question string `json:"question"`
		Answer   string `json:"answer"`
	} `json:"questions"`
}

// parseQuestions decodes the model's JSON output, tolerating markdown code
// fences that some models wrap JSON in despite the response format.
func parseQuestions(raw string) ([]engine.Question, error) {
	raw = strings.TrimSpace(raw)
	raw = strings.TrimPrefix(raw, "```json")
	raw = strings.TrimPrefix(raw, "```")
	raw = strings.TrimSuffix(raw, "```")
	raw = strings.TrimSpace(raw)

	var payload questionsPayload
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	questions := make([]engine.Question, 0, len(payload.Questions))
	for _, q := range payload.Questions {
		text := strings.TrimSpace(q.Question)
		answer := strings.TrimSpace(q.Answer)
		if text == "" || answer == "" {
			continue
		}
		questions = append(questions, engine.Question{Text: text, Answer: answer})
	}
	if len(questions) == 0 {
		return nil, fmt.Errorf("no usable questions in response")
	}
	return questions, nil
}

func truncate(text string) string {
	if len(text) <= maxPromptChars {
		return text
	}
	return text[:maxPromptChars]
}
