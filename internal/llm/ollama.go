package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// TimeoutConfig defines the phased timeout system for Ollama.
// Phase 1 (connection): time to establish HTTP connection and send headers.
// Phase 2 (first token): time to receive first token (model loading happens here).
// Phase 3 (streaming): max time between tokens during response streaming.
type TimeoutConfig struct {
	ConnectionTimeout time.Duration
	FirstTokenTimeout time.Duration
	StreamIdleTimeout time.Duration
}

// DefaultTimeoutConfig returns timeouts tuned for a local Ollama server.
// Cold start model loading can take 60-90s depending on model size.
func DefaultTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 30 * time.Second,
		FirstTokenTimeout: 120 * time.Second,
		StreamIdleTimeout: 30 * time.Second,
	}
}

// RemoteTimeoutConfig returns timeouts for remote Ollama servers, which need
// headroom for network latency, queued requests, and large-model cold starts.
func RemoteTimeoutConfig() TimeoutConfig {
	return TimeoutConfig{
		ConnectionTimeout: 60 * time.Second,
		FirstTokenTimeout: 300 * time.Second,
		StreamIdleTimeout: 60 * time.Second,
	}
}

// isRemoteEndpoint checks if the Ollama endpoint is a remote server.
func isRemoteEndpoint(endpoint string) bool {
	u, err := url.Parse(endpoint)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host == "localhost" || host == "127.0.0.1" || host == "::1" {
		return false
	}
	if host == "host.docker.internal" || host == "docker.for.mac.localhost" {
		return false
	}
	return true
}

// OllamaProvider implements the Provider interface for Ollama.
type OllamaProvider struct {
	config        *ProviderConfig
	client        *http.Client
	timeoutConfig TimeoutConfig
}

// OllamaOption is a functional option for configuring OllamaProvider.
type OllamaOption func(*OllamaProvider)

// WithTimeoutConfig sets custom timeout configuration.
func WithTimeoutConfig(cfg TimeoutConfig) OllamaOption {
	return func(p *OllamaProvider) {
		p.timeoutConfig = cfg
		if transport, ok := p.client.Transport.(*http.Transport); ok {
			transport.ResponseHeaderTimeout = cfg.FirstTokenTimeout
		}
	}
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(cfg *ProviderConfig, opts ...OllamaOption) *OllamaProvider {
	if cfg == nil {
		cfg = DefaultConfig("ollama")
	}
	if cfg.Endpoint == "" {
		cfg.Endpoint = "http://127.0.0.1:11434"
	}
	if cfg.Model == "" {
		cfg.Model = "llama3.2"
	}
	cfg.Name = "ollama"

	var timeoutConfig TimeoutConfig
	if isRemoteEndpoint(cfg.Endpoint) {
		timeoutConfig = RemoteTimeoutConfig()
	} else {
		timeoutConfig = DefaultTimeoutConfig()
	}

	p := &OllamaProvider{
		config:        cfg,
		timeoutConfig: timeoutConfig,
		client: &http.Client{
			// No Client.Timeout: it applies to the whole request lifecycle
			// including body reads and would kill long streams. Phased
			// timeouts below cover connection, first token, and stalls.
			Transport: &http.Transport{
				ResponseHeaderTimeout: timeoutConfig.FirstTokenTimeout,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
			},
		},
	}

	for _, opt := range opts {
		opt(p)
	}

	return p
}

// Name returns the provider identifier.
func (p *OllamaProvider) Name() string {
	return "ollama"
}

// Available checks if Ollama is running and has at least one model.
func (p *OllamaProvider) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", p.config.Endpoint+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return false
	}

	var result struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false
	}

	return len(result.Models) > 0
}

// Chat sends a chat request to Ollama. Streaming is used internally for
// better timeout control even when the caller wants a single response.
func (p *OllamaProvider) Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error) {
	return p.ChatStream(ctx, req, nil)
}

// ChatStream sends a chat request and invokes onToken for each content
// fragment. A nil onToken collects silently.
func (p *OllamaProvider) ChatStream(ctx context.Context, req *ChatRequest, onToken func(string)) (*ChatResponse, error) {
	start := time.Now()

	ollamaReq := ollamaChatRequest{
		Model:  req.Model,
		Stream: true,
	}

	if ollamaReq.Model == "" {
		ollamaReq.Model = p.config.Model
	}

	for _, t := range req.Tools {
		ollamaReq.Tools = append(ollamaReq.Tools, ollamaToolDef{
			Type: "function",
			Function: ollamaFunctionDef{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  t.Parameters,
			},
		})
	}

	for _, msg := range req.Messages {
		ollamaReq.Messages = append(ollamaReq.Messages, ollamaMessage{
			Role:    msg.Role,
			Content: msg.Content,
		})
	}

	if req.SystemPrompt != "" {
		ollamaReq.Messages = append([]ollamaMessage{{
			Role:    "system",
			Content: req.SystemPrompt,
		}}, ollamaReq.Messages...)
	}

	ollamaReq.Options.Temperature = req.Temperature
	if ollamaReq.Options.Temperature == 0 {
		ollamaReq.Options.Temperature = p.config.Temperature
	}
	ollamaReq.Options.NumPredict = req.MaxTokens
	if ollamaReq.Options.NumPredict == 0 {
		ollamaReq.Options.NumPredict = p.config.MaxTokens
	}

	body, err := json.Marshal(ollamaReq)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", p.config.Endpoint+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := readLimitedBody(resp.Body, MaxErrorBodySize)
		return nil, statusError("ollama", resp.StatusCode, bodyBytes)
	}

	return p.handleStream(ctx, resp.Body, start, onToken)
}

// handleStream processes Ollama's streaming response with first-token and
// idle timeout monitoring.
func (p *OllamaProvider) handleStream(ctx context.Context, body io.Reader, start time.Time, onToken func(string)) (*ChatResponse, error) {
	type streamChunk struct {
		chunk ollamaChatResponse
		err   error
	}

	chunkChan := make(chan streamChunk, 1)

	go func() {
		defer close(chunkChan)
		decoder := json.NewDecoder(body)
		for {
			var chunk ollamaChatResponse
			if err := decoder.Decode(&chunk); err != nil {
				if err != io.EOF {
					select {
					case <-ctx.Done():
						return
					case chunkChan <- streamChunk{err: err}:
					}
				}
				return
			}
			select {
			case <-ctx.Done():
				return
			case chunkChan <- streamChunk{chunk: chunk}:
			}
			if chunk.Done {
				return
			}
		}
	}()

	var fullContent strings.Builder
	var totalBytes int64
	var modelName string
	var promptTokens, completionTokens int
	var toolCalls []ollamaToolCall
	firstTokenReceived := false
	firstTokenTimer := time.NewTimer(p.timeoutConfig.FirstTokenTimeout)
	defer firstTokenTimer.Stop()

	var idleTimer *time.Timer

	for {
		var timeout <-chan time.Time
		if !firstTokenReceived {
			timeout = firstTokenTimer.C
		} else if idleTimer != nil {
			timeout = idleTimer.C
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()

		case chunk, ok := <-chunkChan:
			if !ok {
				if modelName == "" {
					return nil, fmt.Errorf("empty response from Ollama")
				}
				chatResp := &ChatResponse{
					Content:          fullContent.String(),
					Model:            modelName,
					PromptTokens:     promptTokens,
					CompletionTokens: completionTokens,
					TokensUsed:       promptTokens + completionTokens,
					Duration:         time.Since(start),
					FinishReason:     "stop",
				}
				if len(toolCalls) > 0 {
					chatResp.FinishReason = "tool_calls"
					chatResp.ToolCalls = convertOllamaToolCalls(toolCalls)
				}
				return chatResp, nil
			}

			if chunk.err != nil {
				return nil, fmt.Errorf("decode stream chunk: %w", chunk.err)
			}

			if !firstTokenReceived {
				firstTokenReceived = true
				firstTokenTimer.Stop()
				idleTimer = time.NewTimer(p.timeoutConfig.StreamIdleTimeout)
				defer idleTimer.Stop()
			} else if idleTimer != nil {
				if !idleTimer.Stop() {
					select {
					case <-idleTimer.C:
					default:
					}
				}
				idleTimer.Reset(p.timeoutConfig.StreamIdleTimeout)
			}

			if chunk.chunk.Message.Content != "" {
				contentLen := int64(len(chunk.chunk.Message.Content))
				if totalBytes+contentLen > MaxStreamedResponseSize {
					return nil, fmt.Errorf("response size exceeded limit (%d bytes)", MaxStreamedResponseSize)
				}
				totalBytes += contentLen
				fullContent.WriteString(chunk.chunk.Message.Content)
				if onToken != nil {
					onToken(chunk.chunk.Message.Content)
				}
			}

			if len(chunk.chunk.Message.ToolCalls) > 0 {
				toolCalls = append(toolCalls, chunk.chunk.Message.ToolCalls...)
			}

			if chunk.chunk.Done {
				modelName = chunk.chunk.Model
				promptTokens = chunk.chunk.PromptEvalCount
				completionTokens = chunk.chunk.EvalCount
			} else if modelName == "" {
				modelName = chunk.chunk.Model
			}

		case <-timeout:
			if !firstTokenReceived {
				return nil, &ProviderError{
					Provider: "ollama",
					Class:    ErrorTimeout,
					Err: fmt.Errorf("timeout waiting for first token (waited %v, limit %v)",
						time.Since(start), p.timeoutConfig.FirstTokenTimeout),
				}
			}
			return nil, &ProviderError{
				Provider: "ollama",
				Class:    ErrorTimeout,
				Err:      fmt.Errorf("stream idle timeout (no token for %v)", p.timeoutConfig.StreamIdleTimeout),
			}
		}
	}
}

// Ollama API types
type ollamaChatRequest struct {
	Model    string          `json:"model"`
	Messages []ollamaMessage `json:"messages"`
	Stream   bool            `json:"stream"`
	Options  ollamaOptions   `json:"options,omitempty"`
	Tools    []ollamaToolDef `json:"tools,omitempty"`
}

type ollamaMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
}

type ollamaToolDef struct {
	Type     string            `json:"type"`
	Function ollamaFunctionDef `json:"function"`
}

type ollamaFunctionDef struct {
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Parameters  interface{} `json:"parameters,omitempty"`
}

type ollamaToolCall struct {
	Function ollamaFunctionCall `json:"function"`
}

type ollamaFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type ollamaOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
	NumPredict  int     `json:"num_predict,omitempty"`
}

type ollamaChatResponse struct {
	Model           string        `json:"model"`
	Message         ollamaMessage `json:"message"`
	Done            bool          `json:"done"`
	PromptEvalCount int           `json:"prompt_eval_count"`
	EvalCount       int           `json:"eval_count"`
}

func convertOllamaToolCalls(calls []ollamaToolCall) []ToolCallResult {
	result := make([]ToolCallResult, len(calls))
	for i, call := range calls {
		result[i] = ToolCallResult{
			Name:      call.Function.Name,
			Arguments: string(call.Function.Arguments),
		}
	}
	return result
}
