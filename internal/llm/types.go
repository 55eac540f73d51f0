package llm

import "context"

// Message represents a message in a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the payload sent to the completion endpoint. The wire
// format is the OpenAI-compatible chat surface the endpoint speaks.
type CompletionRequest struct {
	Model           string    `json:"model,omitempty"`
	Messages        []Message `json:"messages"`
	Temperature     float64   `json:"temperature"`
	MaxTokens       int       `json:"max_tokens,omitempty"`
	ReasoningEffort string    `json:"reasoning_effort,omitempty"`
}

// Usage reports token consumption for one completion.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`
}

type choice struct {
	Index        int     `json:"index"`
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason"`
}

// completionResponse is the raw wire response from the endpoint.
type completionResponse struct {
	ID      string   `json:"id"`
	Object  string   `json:"object"`
	Created int64    `json:"created"`
	Model   string   `json:"model"`
	Choices []choice `json:"choices"`
	Usage   Usage    `json:"usage"`
}

// errorData is the structure of an error response from the endpoint.
type errorData struct {
	Code    interface{} `json:"code"`
	Message string      `json:"message"`
}

type errorResponse struct {
	Error errorData `json:"error"`
}

// Response is the gateway's view of a completed LLM call.
type Response struct {
	Text             string `json:"text"`
	Model            string `json:"model"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	ReasoningTokens  int    `json:"reasoning_tokens,omitempty"`
}

// TotalTokens is the combined input+output token count for one call.
func (r Response) TotalTokens() int {
	return r.PromptTokens + r.CompletionTokens + r.ReasoningTokens
}

// Completer is the minimal surface the reasoning layer needs from the
// gateway. *Client implements it; tests substitute fakes.
type Completer interface {
	Complete(ctx context.Context, req CompletionRequest) (Response, error)
}
