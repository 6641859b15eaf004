// Package openai implements the OpenAI-style vendor family: chat
// completions, vision via data-URL parts, image generation, and TTS.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/lodran/relai/internal/httpretry"
	"github.com/lodran/relai/llm"
)

const hostedDomain = "api.openai.com"

type Client struct {
	rc *httpretry.Client
}

func New(rc *httpretry.Client) *Client {
	if rc == nil {
		rc = httpretry.New()
	}
	return &Client{rc: rc}
}

func authHeaders(cred llm.Credential) map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + cred.APIKey,
		"Content-Type":  "application/json",
	}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens,omitempty"`
	Tools     []any         `json:"tools,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// webSearchTool is the function declaration requested when search
// augmentation is on. Only sent to the official hosted domain;
// third-party OpenAI-compatible endpoints silently skip it.
func webSearchTool() any {
	return map[string]any{
		"type": "function",
		"function": map[string]any{
			"name":        "web_search",
			"description": "Search the web for current information",
			"parameters": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"query": map[string]any{"type": "string", "description": "Search query"},
				},
				"required": []string{"query"},
			},
		},
	}
}

func (c *Client) Chat(ctx context.Context, cred llm.Credential, model string, msgs []llm.Message, opts llm.ChatOptions) (llm.Response, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := chatRequest{
		Model:     model,
		MaxTokens: maxTokens,
	}
	for _, m := range msgs {
		body.Messages = append(body.Messages, chatMessage{Role: m.Role, Content: m.Content})
	}
	if opts.UseSearch && strings.Contains(cred.BaseURL, hostedDomain) {
		body.Tools = []any{webSearchTool()}
	}

	raw, _, err := c.post(ctx, cred, "/v1/chat/completions", body, 0)
	if err != nil {
		return llm.Response{}, err
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.Response{}, fmt.Errorf("openai: decode chat response: %w", err)
	}
	if len(out.Choices) == 0 {
		return llm.Response{}, fmt.Errorf("%w: openai chat returned no choices", llm.ErrNoValidOutput)
	}
	return llm.Response{Content: out.Choices[0].Message.Content}, nil
}

func (c *Client) ChatVision(ctx context.Context, cred llm.Credential, model, mediaB64, mimeType, prompt string) (string, error) {
	if strings.HasPrefix(mimeType, "video/") {
		return "", fmt.Errorf("%w: openai video input", llm.ErrUnsupportedCapability)
	}
	if prompt == "" {
		prompt = "Describe this image"
	}
	content := []any{
		map[string]any{"type": "text", "text": prompt},
		map[string]any{
			"type":      "image_url",
			"image_url": map[string]any{"url": fmt.Sprintf("data:%s;base64,%s", mimeType, mediaB64)},
		},
	}
	body := chatRequest{
		Model:    model,
		Messages: []chatMessage{{Role: llm.RoleUser, Content: content}},
	}
	raw, _, err := c.post(ctx, cred, "/v1/chat/completions", body, 0)
	if err != nil {
		return "", err
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("openai: decode vision response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("%w: openai vision returned no choices", llm.ErrNoValidOutput)
	}
	return out.Choices[0].Message.Content, nil
}

type imageRequest struct {
	Model          string `json:"model"`
	Prompt         string `json:"prompt"`
	N              int    `json:"n"`
	ResponseFormat string `json:"response_format"`
	Size           string `json:"size"`
}

// imageDatum covers the base64 field names observed across
// OpenAI-compatible image backends, checked in this order.
type imageDatum struct {
	B64JSON     string `json:"b64_json"`
	ImageBase64 string `json:"image_base64"`
	Image       string `json:"image"`
	URL         string `json:"url"`
	ImageURL    string `json:"image_url"`
}

func (d imageDatum) base64Payload() string {
	switch {
	case d.B64JSON != "":
		return d.B64JSON
	case d.ImageBase64 != "":
		return d.ImageBase64
	default:
		return d.Image
	}
}

func (d imageDatum) downloadURL() string {
	if d.URL != "" {
		return d.URL
	}
	return d.ImageURL
}

func (c *Client) GenerateImage(ctx context.Context, cred llm.Credential, model, prompt string) (llm.ImageResult, error) {
	body := imageRequest{
		Model:          model,
		Prompt:         prompt,
		N:              1,
		ResponseFormat: "b64_json",
		Size:           "1024x1024",
	}
	raw, _, err := c.post(ctx, cred, "/v1/images/generations", body, 0)
	if err != nil {
		return llm.ImageResult{}, err
	}
	var out struct {
		Data []imageDatum `json:"data"`
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.ImageResult{}, fmt.Errorf("openai: decode image response: %w", err)
	}
	if len(out.Data) == 0 {
		return llm.ImageResult{}, fmt.Errorf("%w: openai image returned no data", llm.ErrNoValidOutput)
	}

	first := out.Data[0]
	if b64 := first.base64Payload(); b64 != "" {
		data, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return llm.ImageResult{}, fmt.Errorf("openai: decode image payload: %w", err)
		}
		return llm.ImageResult{Data: data, MIME: "image/png"}, nil
	}
	if u := first.downloadURL(); u != "" {
		data, _, err := c.rc.Do(ctx, httpretry.Request{Method: http.MethodGet, URL: u})
		if err != nil {
			return llm.ImageResult{}, fmt.Errorf("openai: download image: %w", err)
		}
		if len(data) > 0 {
			return llm.ImageResult{Data: data, MIME: "image/png"}, nil
		}
	}
	return llm.ImageResult{}, fmt.Errorf("%w: openai image response had no payload", llm.ErrNoValidOutput)
}

type ttsRequest struct {
	Model  string `json:"model"`
	Input  string `json:"input"`
	Voice  string `json:"voice"`
	Format string `json:"format"`
}

// ttsPaths are tried in order; OpenAI-compatible backends disagree on
// where the speech endpoint lives.
var ttsPaths = []string{"/v1/audio/speech", "/v1/audio/tts", "/audio/speech"}

func (c *Client) TTS(ctx context.Context, cred llm.Credential, model, text, voice string) (llm.TTSResult, error) {
	if voice == "" {
		voice = "alloy"
	}
	body := ttsRequest{Model: model, Input: text, Voice: voice, Format: "opus"}
	for _, path := range ttsPaths {
		raw, _, err := c.post(ctx, cred, path, body, httpretry.TTSTimeout)
		if err != nil {
			continue
		}
		if len(raw) > 0 {
			return llm.TTSResult{Audio: raw, MIME: "audio/opus"}, nil
		}
	}
	return llm.TTSResult{}, fmt.Errorf("%w: openai tts produced no audio", llm.ErrNoValidOutput)
}

func (c *Client) post(ctx context.Context, cred llm.Credential, path string, body any, timeout time.Duration) ([]byte, int, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, 0, err
	}
	return c.rc.Do(ctx, httpretry.Request{
		Method:  http.MethodPost,
		URL:     strings.TrimRight(cred.BaseURL, "/") + path,
		Headers: authHeaders(cred),
		Body:    payload,
		Timeout: timeout,
	})
}
