package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/TobiSchelling/mindcheck/internal/logger"
)

// Message is one turn of a chat transcript sent to a provider.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Provider is the interface for LLM providers.
type Provider interface {
	Generate(ctx context.Context, prompt string, maxTokens int) (string, error)
	// Stream sends a chat transcript and calls onChunk with each content
	// delta. It returns the full reply.
	Stream(ctx context.Context, messages []Message, onChunk func(string) error) (string, error)
	IsConfigured() bool
}

// Options selects and tunes a provider.
type Options struct {
	Provider    string
	Model       string
	OllamaURL   string
	OpenAIModel string
	APIKeyEnv   string
	RetryMax    int
	// JSON asks the backend to constrain Generate output to a JSON object.
	JSON bool
}

// newHTTPClient returns a client that retries connection errors and 5xx
// responses. Deadlines come from the request context.
func newHTTPClient(retryMax int) *http.Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = retryMax
	rc.RetryWaitMin = 500 * time.Millisecond
	rc.RetryWaitMax = 5 * time.Second
	rc.Logger = nil
	return rc.StandardClient()
}

// OllamaProvider is a local Ollama LLM provider.
type OllamaProvider struct {
	Model   string
	BaseURL string
	JSON    bool
	client  *http.Client
	log     *logger.Logger
}

// NewOllamaProvider creates a new Ollama provider.
func NewOllamaProvider(model, baseURL string, retryMax int, log *logger.Logger) *OllamaProvider {
	return &OllamaProvider{
		Model:   model,
		BaseURL: strings.TrimRight(baseURL, "/"),
		client:  newHTTPClient(retryMax),
		log:     log,
	}
}

// IsConfigured checks if Ollama is running and the model is available.
func (o *OllamaProvider) IsConfigured() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, "GET", o.BaseURL+"/api/tags", nil)
	if err != nil {
		return false
	}

	resp, err := o.client.Do(req)
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

	modelBase := strings.SplitN(o.Model, ":", 2)[0]
	for _, m := range result.Models {
		if strings.Contains(m.Name, modelBase) {
			return true
		}
	}
	o.log.Warn("ollama model not found", "model", o.Model)
	return false
}

// Generate sends a single-turn prompt to Ollama and returns the response.
func (o *OllamaProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": []Message{{Role: "user", Content: prompt}},
		"stream":   false,
		"options": map[string]any{
			"num_predict": maxTokens,
			"temperature": 0.3,
		},
	}
	if o.JSON {
		body["format"] = "json"
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Message Message `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	return result.Message.Content, nil
}

// Stream sends a chat transcript to Ollama and relays the NDJSON chunks.
func (o *OllamaProvider) Stream(ctx context.Context, messages []Message, onChunk func(string) error) (string, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": messages,
		"stream":   true,
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var chunk struct {
			Message Message `json:"message"`
			Done    bool    `json:"done"`
			Error   string  `json:"error"`
		}
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			continue
		}
		if chunk.Error != "" {
			return full.String(), fmt.Errorf("ollama stream error: %s", chunk.Error)
		}

		if chunk.Message.Content != "" {
			full.WriteString(chunk.Message.Content)
			if err := onChunk(chunk.Message.Content); err != nil {
				return full.String(), err
			}
		}
		if chunk.Done {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("reading ollama stream: %w", err)
	}
	return full.String(), nil
}

func (o *OllamaProvider) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+"/api/chat", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("ollama API error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("ollama API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// OpenAIProvider is an OpenAI API provider.
type OpenAIProvider struct {
	Model   string
	APIKey  string
	BaseURL string
	JSON    bool
	client  *http.Client
}

// NewOpenAIProvider creates a new OpenAI provider.
func NewOpenAIProvider(model, apiKeyEnv string, retryMax int) *OpenAIProvider {
	return &OpenAIProvider{
		Model:   model,
		APIKey:  os.Getenv(apiKeyEnv),
		BaseURL: "https://api.openai.com/v1",
		client:  newHTTPClient(retryMax),
	}
}

// IsConfigured checks if the API key is set.
func (o *OpenAIProvider) IsConfigured() bool {
	return o.APIKey != ""
}

// Generate sends a prompt to OpenAI and returns the response.
func (o *OpenAIProvider) Generate(ctx context.Context, prompt string, maxTokens int) (string, error) {
	body := map[string]any{
		"model":       o.Model,
		"messages":    []Message{{Role: "user", Content: prompt}},
		"max_tokens":  maxTokens,
		"temperature": 0.3,
	}
	if o.JSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var result struct {
		Choices []struct {
			Message Message `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", fmt.Errorf("decoding response: %w", err)
	}

	if len(result.Choices) == 0 {
		return "", fmt.Errorf("no choices in OpenAI response")
	}

	return result.Choices[0].Message.Content, nil
}

// Stream sends a chat transcript to OpenAI and relays server-sent deltas.
func (o *OpenAIProvider) Stream(ctx context.Context, messages []Message, onChunk func(string) error) (string, error) {
	body := map[string]any{
		"model":    o.Model,
		"messages": messages,
		"stream":   true,
	}

	resp, err := o.post(ctx, body)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	var full strings.Builder
	scanner := bufio.NewScanner(resp.Body)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "data: [DONE]" {
			break
		}
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))

		var chunk struct {
			Choices []struct {
				Delta Message `json:"delta"`
			} `json:"choices"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		content := chunk.Choices[0].Delta.Content
		if content == "" {
			continue
		}
		full.WriteString(content)
		if err := onChunk(content); err != nil {
			return full.String(), err
		}
	}
	if err := scanner.Err(); err != nil {
		return full.String(), fmt.Errorf("reading OpenAI stream: %w", err)
	}
	return full.String(), nil
}

func (o *OpenAIProvider) post(ctx context.Context, body map[string]any) (*http.Response, error) {
	if o.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key not configured")
	}

	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", o.BaseURL+"/chat/completions", bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+o.APIKey)

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("OpenAI API error: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		return nil, fmt.Errorf("OpenAI API returned %d: %s", resp.StatusCode, string(respBody))
	}
	return resp, nil
}

// CreateProvider creates an LLM provider based on configuration. Ollama is
// preferred; OpenAI is the fallback when an API key is present.
func CreateProvider(opts Options, log *logger.Logger) Provider {
	if strings.ToLower(opts.Provider) == "ollama" {
		p := NewOllamaProvider(opts.Model, opts.OllamaURL, opts.RetryMax, log)
		p.JSON = opts.JSON
		if p.IsConfigured() {
			log.Info("using ollama", "model", opts.Model)
			return p
		}
		log.Warn("ollama not available, trying OpenAI fallback")
	}

	p := NewOpenAIProvider(opts.OpenAIModel, opts.APIKeyEnv, opts.RetryMax)
	p.JSON = opts.JSON
	if p.IsConfigured() {
		log.Info("using OpenAI", "model", opts.OpenAIModel)
		return p
	}

	log.Error("no LLM provider available; check Ollama is running or set " + opts.APIKeyEnv)
	return nil
}
