package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

const perCallTimeout = 60 * time.Second

// OpenAIProvider calls an OpenAI-compatible chat completions endpoint.
type OpenAIProvider struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// NewOpenAIProvider creates a provider for baseURL (for example
// https://api.openai.com/v1).
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("llm: openai api key is required")
	}
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}
	return &OpenAIProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: perCallTimeout + 5*time.Second,
		},
	}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

type openAIChatRequest struct {
	Model          string              `json:"model"`
	Messages       []openAIChatMessage `json:"messages"`
	MaxTokens      int                 `json:"max_tokens,omitempty"`
	ResponseFormat *openAIFormat       `json:"response_format,omitempty"`
}

type openAIFormat struct {
	Type string `json:"type"`
}

// openAIChatMessage content is either a string or a list of parts.
type openAIChatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type openAIPart struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	ImageURL *openAIImageURL `json:"image_url,omitempty"`
}

type openAIImageURL struct {
	URL string `json:"url"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func (p *OpenAIProvider) Complete(ctx context.Context, model string, req Request) (Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, perCallTimeout)
	defer cancel()

	chat := openAIChatRequest{Model: model, MaxTokens: req.MaxTokens}
	if req.System != "" {
		chat.Messages = append(chat.Messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		if m.ImageURL == "" {
			chat.Messages = append(chat.Messages, openAIChatMessage{Role: string(m.Role), Content: m.Text})
			continue
		}
		chat.Messages = append(chat.Messages, openAIChatMessage{Role: string(m.Role), Content: []openAIPart{
			{Type: "text", Text: m.Text},
			{Type: "image_url", ImageURL: &openAIImageURL{URL: m.ImageURL}},
		}})
	}
	if req.JSON {
		chat.ResponseFormat = &openAIFormat{Type: "json_object"}
	}

	body, err := json.Marshal(chat)
	if err != nil {
		return Response{}, fmt.Errorf("openai: marshal: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(callCtx, http.MethodPost, p.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return Response{}, fmt.Errorf("openai: create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return Response{}, fmt.Errorf("openai: request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return Response{}, fmt.Errorf("openai: status %d: %s", resp.StatusCode, string(respBody))
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return Response{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(result.Choices) == 0 {
		return Response{}, errors.New("openai: no choices in response")
	}

	return Response{
		Text:         result.Choices[0].Message.Content,
		Model:        p.Name() + ":" + model,
		InputTokens:  result.Usage.PromptTokens,
		OutputTokens: result.Usage.CompletionTokens,
	}, nil
}
