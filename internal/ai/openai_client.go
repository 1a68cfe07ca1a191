package ai

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"

	openai "github.com/sashabaranov/go-openai"
)

type OpenAIClient struct {
	client *openai.Client
	model  string
}

func NewOpenAIClient(apiKey, model string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, errors.New("ai: OPENAI_API_KEY not set")
	}
	if model == "" {
		model = openai.GPT4oMini
	}

	return newClient(openai.DefaultConfig(apiKey), model), nil
}

func newClient(cfg openai.ClientConfig, model string) *OpenAIClient {
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  model,
	}
}

// GetReply asks for a JSON object in JSON mode.
func (c *OpenAIClient) GetReply(
	ctx context.Context,
	systemPrompt string,
	inputJSON string,
) (string, error) {

	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: inputJSON},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Temperature: 0,
	})
	if err != nil {
		slog.Warn("[ai] openai error", "error", err)
		return "", err
	}

	if len(resp.Choices) == 0 {
		return "", errors.New("ai: empty choices")
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("[ai] raw json reply", "bytes", len(raw))
	return raw, nil
}

func (c *OpenAIClient) Generate(ctx context.Context, req GenerateRequest) (Generation, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, len(req.History)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: req.SystemPrompt,
	})
	for _, m := range req.History {
		msgs = append(msgs, toOpenAIMessage(m))
	}

	creq := openai.ChatCompletionRequest{
		Model:    c.model,
		Messages: msgs,
	}
	for _, t := range req.Tools {
		creq.Tools = append(creq.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	resp, err := c.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		slog.Warn("[ai] openai error", "error", err)
		return Generation{}, err
	}
	if len(resp.Choices) == 0 {
		return Generation{}, errors.New("ai: empty choices")
	}

	msg := resp.Choices[0].Message
	out := Generation{Text: msg.Content}
	for _, tc := range msg.ToolCalls {
		call := ToolCall{ID: tc.ID, Name: tc.Function.Name, RawArgs: tc.Function.Arguments}
		if err := json.Unmarshal([]byte(tc.Function.Arguments), &call.Args); err != nil {
			// битые аргументы: инструмент получит пустой набор и вернёт VALIDATION_ERROR
			slog.Warn("[ai] bad tool arguments", "tool", call.Name, "error", err)
			call.Args = map[string]any{}
		}
		out.ToolCalls = append(out.ToolCalls, call)
	}

	slog.Info("[ai] generation",
		"text_len", len(out.Text),
		"tool_calls", len(out.ToolCalls),
		"finish_reason", string(resp.Choices[0].FinishReason),
	)
	return out, nil
}

func toOpenAIMessage(m Message) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: m.Role, Content: m.Text}
	if m.Role == openai.ChatMessageRoleTool {
		out.ToolCallID = m.ToolCallID
	}
	for _, tc := range m.ToolCalls {
		args := tc.RawArgs
		if args == "" {
			b, _ := json.Marshal(tc.Args)
			args = string(b)
		}
		out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
			ID:   tc.ID,
			Type: openai.ToolTypeFunction,
			Function: openai.FunctionCall{
				Name:      tc.Name,
				Arguments: args,
			},
		})
	}
	return out
}
