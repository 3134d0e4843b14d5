package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

type httpClient struct {
	base   string
	apiKey string
	client *http.Client
}

func newHTTPClient(base, apiKey string) httpClient {
	return httpClient{
		base:   strings.TrimRight(base, "/"),
		apiKey: apiKey,
		client: &http.Client{},
	}
}

// do sends body (when non-nil) as JSON and decodes the reply into out.
func (h httpClient) do(ctx context.Context, method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		rd = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base+path, rd)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding %s response: %w", path, err)
	}
	return nil
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Ollama completes prompts against a local ollama server.
type Ollama struct {
	http  httpClient
	model string
}

// NewOllama returns a completer for the ollama server at host.
func NewOllama(host, model string) *Ollama {
	if host == "" {
		host = "http://localhost:11434"
	}
	return &Ollama{http: newHTTPClient(host, ""), model: model}
}

func (o *Ollama) Complete(ctx context.Context, system, user string) (string, error) {
	req := struct {
		Model    string         `json:"model"`
		Messages []chatMessage  `json:"messages"`
		Stream   bool           `json:"stream"`
		Options  map[string]any `json:"options,omitempty"`
	}{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
		Options: map[string]any{"temperature": 0},
	}
	var resp struct {
		Message chatMessage `json:"message"`
	}
	if err := o.http.do(ctx, http.MethodPost, "/api/chat", req, &resp); err != nil {
		return "", err
	}
	return resp.Message.Content, nil
}

func (o *Ollama) CheckConnection(ctx context.Context) error {
	_, err := o.Models(ctx)
	return err
}

func (o *Ollama) Models(ctx context.Context) ([]string, error) {
	var resp struct {
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := o.http.do(ctx, http.MethodGet, "/api/tags", nil, &resp); err != nil {
		return nil, err
	}
	names := make([]string, 0, len(resp.Models))
	for _, m := range resp.Models {
		names = append(names, m.Name)
	}
	return names, nil
}

// OpenAI completes prompts against any OpenAI-compatible server
// (LM Studio, vLLM, llama.cpp server, api.openai.com).
type OpenAI struct {
	http  httpClient
	model string
}

// NewOpenAI returns a completer for the server at host. apiKey may be empty
// for local servers.
func NewOpenAI(host, model, apiKey string) *OpenAI {
	if host == "" {
		host = "https://api.openai.com"
	}
	return &OpenAI{http: newHTTPClient(host, apiKey), model: model}
}

func (o *OpenAI) Complete(ctx context.Context, system, user string) (string, error) {
	req := struct {
		Model       string        `json:"model"`
		Messages    []chatMessage `json:"messages"`
		Temperature float64       `json:"temperature"`
	}{
		Model: o.model,
		Messages: []chatMessage{
			{Role: "system", Content: system},
			{Role: "user", Content: user},
		},
	}
	var resp struct {
		Choices []struct {
			Message chatMessage `json:"message"`
		} `json:"choices"`
	}
	if err := o.http.do(ctx, http.MethodPost, "/v1/chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion")
	}
	return resp.Choices[0].Message.Content, nil
}

func (o *OpenAI) CheckConnection(ctx context.Context) error {
	_, err := o.Models(ctx)
	return err
}

func (o *OpenAI) Models(ctx context.Context) ([]string, error) {
	var resp struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := o.http.do(ctx, http.MethodGet, "/v1/models", nil, &resp); err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(resp.Data))
	for _, m := range resp.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
