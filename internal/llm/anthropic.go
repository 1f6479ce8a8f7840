package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AnthropicProvider implements the Provider interface for Anthropic Claude.
type AnthropicProvider struct {
	baseProvider
}

// NewAnthropicProvider creates a new Anthropic provider.
func NewAnthropicProvider(cfg *ProviderConfig) *AnthropicProvider {
	return &AnthropicProvider{
		baseProvider: newBaseProvider(cfg, "anthropic"),
	}
}

// Chat sends a chat request to Anthropic.
func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, &ProviderError{Provider: "anthropic", Class: ErrorAuth, Err: fmt.Errorf("API key not configured")}
	}

	start := time.Now()

	anthropicReq := p.buildRequest(req, false)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, statusError("anthropic", resp.StatusCode, bodyBytes)
	}

	var anthropicResp anthropicChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&anthropicResp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	var content string
	var toolCalls []ToolCallResult
	for _, block := range anthropicResp.Content {
		switch block.Type {
		case "text":
			content += block.Text
		case "tool_use":
			toolCalls = append(toolCalls, ToolCallResult{
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}

	return &ChatResponse{
		Content:          content,
		Model:            anthropicResp.Model,
		PromptTokens:     anthropicResp.Usage.InputTokens,
		CompletionTokens: anthropicResp.Usage.OutputTokens,
		TokensUsed:       anthropicResp.Usage.InputTokens + anthropicResp.Usage.OutputTokens,
		Duration:         time.Since(start),
		FinishReason:     anthropicResp.StopReason,
		ToolCalls:        toolCalls,
	}, nil
}

// ChatStream sends a streaming chat request, calling onToken per text delta.
func (p *AnthropicProvider) ChatStream(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	if p.config.APIKey == "" {
		return nil, &ProviderError{Provider: "anthropic", Class: ErrorAuth, Err: fmt.Errorf("API key not configured")}
	}

	start := time.Now()

	anthropicReq := p.buildRequest(req, true)

	body, err := json.Marshal(anthropicReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/v1/messages", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", p.config.APIKey)
	httpReq.Header.Set("anthropic-version", "2023-06-01")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, statusError("anthropic", resp.StatusCode, bodyBytes)
	}

	var fullContent strings.Builder
	var totalBytes int64
	var modelName, stopReason string
	var inputTokens, outputTokens int
	var toolCalls []ToolCallResult
	var currentToolName string
	var currentToolArgs strings.Builder
	inToolBlock := false

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data: ") {
			continue
		}

		var event anthropicStreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			return nil, fmt.Errorf("decode stream event: %w", err)
		}

		switch event.Type {
		case "message_start":
			modelName = event.Message.Model
			inputTokens = event.Message.Usage.InputTokens
		case "content_block_start":
			if event.ContentBlock.Type == "tool_use" {
				inToolBlock = true
				currentToolName = event.ContentBlock.Name
				currentToolArgs.Reset()
			}
		case "content_block_delta":
			switch event.Delta.Type {
			case "text_delta":
				contentLen := int64(len(event.Delta.Text))
				if totalBytes+contentLen > MaxStreamedResponseSize {
					return nil, fmt.Errorf("response size exceeded limit (%d bytes)", MaxStreamedResponseSize)
				}
				totalBytes += contentLen
				fullContent.WriteString(event.Delta.Text)
				if onToken != nil {
					onToken(event.Delta.Text)
				}
			case "input_json_delta":
				currentToolArgs.WriteString(event.Delta.PartialJSON)
			}
		case "content_block_stop":
			if inToolBlock {
				toolCalls = append(toolCalls, ToolCallResult{
					Name:      currentToolName,
					Arguments: currentToolArgs.String(),
				})
				inToolBlock = false
			}
		case "message_delta":
			if event.Delta.StopReason != "" {
				stopReason = event.Delta.StopReason
			}
			outputTokens = event.Usage.OutputTokens
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read stream: %w", err)
	}

	return &ChatResponse{
		Content:          fullContent.String(),
		Model:            modelName,
		PromptTokens:     inputTokens,
		CompletionTokens: outputTokens,
		TokensUsed:       inputTokens + outputTokens,
		Duration:         time.Since(start),
		FinishReason:     stopReason,
		ToolCalls:        toolCalls,
	}, nil
}

func (p *AnthropicProvider) buildRequest(req *ChatRequest, stream bool) anthropicChatRequest {
	anthropicReq := anthropicChatRequest{
		Model:  req.Model,
		Stream: stream,
	}

	if anthropicReq.Model == "" {
		anthropicReq.Model = p.config.Model
	}

	if req.SystemPrompt != "" {
		anthropicReq.System = req.SystemPrompt
	}

	// Anthropic carries the system prompt out of band
	for _, msg := range req.Messages {
		if msg.Role == "system" {
			if anthropicReq.System == "" {
				anthropicReq.System = msg.Content
			}
			continue
		}
		anthropicReq.Messages = append(anthropicReq.Messages, anthropicMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	for _, t := range req.Tools {
		anthropicReq.Tools = append(anthropicReq.Tools, anthropicToolDef{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: t.Parameters,
		})
	}

	anthropicReq.MaxTokens = req.MaxTokens
	if anthropicReq.MaxTokens == 0 {
		anthropicReq.MaxTokens = p.config.MaxTokens
	}
	anthropicReq.Temperature = req.Temperature
	if anthropicReq.Temperature == 0 {
		anthropicReq.Temperature = p.config.Temperature
	}

	return anthropicReq
}

// Anthropic API types
type anthropicChatRequest struct {
	Model       string             `json:"model"`
	Messages    []anthropicMessage `json:"messages"`
	System      string             `json:"system,omitempty"`
	Tools       []anthropicToolDef `json:"tools,omitempty"`
	MaxTokens   int                `json:"max_tokens"`
	Temperature float64            `json:"temperature,omitempty"`
	Stream      bool               `json:"stream,omitempty"`
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicToolDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	InputSchema interface{} `json:"input_schema,omitempty"`
}

type anthropicChatResponse struct {
	ID         string `json:"id"`
	Type       string `json:"type"`
	Role       string `json:"role"`
	Model      string `json:"model"`
	StopReason string `json:"stop_reason"`
	Content    []struct {
		Type  string          `json:"type"`
		Text  string          `json:"text"`
		Name  string          `json:"name"`
		Input json.RawMessage `json:"input"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

type anthropicStreamEvent struct {
	Type    string `json:"type"`
	Message struct {
		Model string `json:"model"`
		Usage struct {
			InputTokens int `json:"input_tokens"`
		} `json:"usage"`
	} `json:"message"`
	ContentBlock struct {
		Type string `json:"type"`
		Name string `json:"name"`
	} `json:"content_block"`
	Delta struct {
		Type        string `json:"type"`
		Text        string `json:"text"`
		PartialJSON string `json:"partial_json"`
		StopReason  string `json:"stop_reason"`
	} `json:"delta"`
	Usage struct {
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}
