package ai

import "context"

// AI: JSON-ответ на (system prompt, input JSON); используется классификатором
type AI interface {
	GetReply(
		ctx context.Context,
		systemPrompt string,
		inputJSON string,
	) (string, error)
}

// Generator: генерация ответа клиенту с вызовами инструментов.
// Текст и tool calls недоверенные: их проверяет оркестратор.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (Generation, error)
}

// Message: универсальный формат диалога для AI
type Message struct {
	Role string // "user" | "assistant" | "system" | "tool"
	Text string

	// assistant: вызовы, которые модель запросила
	ToolCalls []ToolCall
	// tool: на какой вызов это ответ
	ToolCallID string
}

type ToolSpec struct {
	Name        string
	Description string
	// Parameters is a JSON schema object.
	Parameters map[string]any
}

type ToolCall struct {
	ID      string
	Name    string
	Args    map[string]any
	RawArgs string
}

type GenerateRequest struct {
	SystemPrompt string
	History      []Message
	Tools        []ToolSpec
}

type Generation struct {
	Text      string
	ToolCalls []ToolCall
}
