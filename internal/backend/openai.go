package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"
)

type gptAnswer struct {
	Response   string  `json:"response"`
	Confidence float64 `json:"confidence"`
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float64
}

// OpenAIResponder answers user messages with a chat completion. Its
// self-reported confidence is used as the similarity score, so a weak answer
// offers escalation the same way a weak retrieval does.
type OpenAIResponder struct {
	client      *openai.Client
	model       string
	maxTokens   int
	temperature float64
	logger      *zap.Logger
	now         func() time.Time
}

func NewOpenAIResponder(cfg OpenAIConfig, logger *zap.Logger) *OpenAIResponder {
	if logger == nil {
		logger = zap.NewNop()
	}
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT3Dot5Turbo
	}
	return &OpenAIResponder{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
		logger:      logger,
		now:         time.Now,
	}
}

func (r *OpenAIResponder) Chat(ctx context.Context, req ChatRequest) (*ChatResponse, error) {
	prompt := fmt.Sprintf(`You are a customer support assistant. Answer the customer's message.

Return the response as a JSON object with this structure:
{
    "response": "your answer",
    "confidence": 0.0
}
where confidence is between 0 and 1 and says how sure you are that the
answer resolves the question.

Message: %s`, req.Message)

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: r.model,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleUser,
				Content: prompt,
			},
		},
		MaxTokens:   r.maxTokens,
		Temperature: float32(r.temperature),
	})
	if err != nil {
		r.logger.Error("Failed to get GPT response", zap.String("session_id", req.SessionID), zap.Error(err))
		return r.fallback(req), nil
	}
	if len(resp.Choices) == 0 {
		r.logger.Error("GPT response has no choices", zap.String("session_id", req.SessionID))
		return r.fallback(req), nil
	}

	var answer gptAnswer
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if err := json.Unmarshal([]byte(content), &answer); err != nil || answer.Response == "" {
		r.logger.Error("Failed to parse GPT response",
			zap.Error(err),
			zap.String("response", content))
		return r.fallback(req), nil
	}

	return r.reply(req, answer.Response, answer.Confidence), nil
}

// fallback answers with a canned reply and a zero score so the user is
// offered a human.
func (r *OpenAIResponder) fallback(req ChatRequest) *ChatResponse {
	return r.reply(req, "Thanks for reaching out! Here’s what I found about: "+req.Message, 0)
}

// reply echoes the id of the user message it answers, as the backend does.
func (r *OpenAIResponder) reply(req ChatRequest, text string, confidence float64) *ChatResponse {
	return &ChatResponse{
		SessionID: req.SessionID,
		MessageID: req.MessageID,
		Response:  text,
		Timestamp: r.now().UTC().Format(time.RFC3339Nano),
		Retrieval: score(confidence),
	}
}
