// Package claude implements the Claude-style vendor family. It supports
// chat and vision only; image generation and TTS are not offered by
// this family and fail with ErrUnsupportedCapability.
package claude

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lodran/relai/internal/httpretry"
	"github.com/lodran/relai/llm"
)

const (
	hostedDomain = "api.anthropic.com"
	// defaultVersion is the protocol version used when negotiation
	// cannot discover anything better.
	defaultVersion = "2023-06-01"
)

var versionTokenPattern = regexp.MustCompile(`\b20\d{2}-\d{2}-\d{2}\b`)

type Client struct {
	rc *httpretry.Client

	verMu    sync.Mutex
	versions map[string]string // base URL -> negotiated anthropic-version
}

func New(rc *httpretry.Client) *Client {
	if rc == nil {
		rc = httpretry.New()
	}
	return &Client{rc: rc, versions: make(map[string]string)}
}

// negotiateVersion discovers the anthropic-version header value for an
// endpoint with a lightweight /v1/models probe. When the probe fails,
// any date-like tokens in the error body are treated as advertised
// protocol versions and the greatest one wins. The result is cached for
// the process lifetime.
func (c *Client) negotiateVersion(ctx context.Context, cred llm.Credential) string {
	base := strings.TrimRight(cred.BaseURL, "/")
	key := base
	if key == "" {
		key = "anthropic"
	}

	c.verMu.Lock()
	if ver, ok := c.versions[key]; ok {
		c.verMu.Unlock()
		return ver
	}
	c.verMu.Unlock()

	ver := defaultVersion
	probeCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	_, _, err := c.rc.Do(probeCtx, httpretry.Request{
		Method:  http.MethodGet,
		URL:     base + "/v1/models",
		Headers: map[string]string{"x-api-key": cred.APIKey},
	})
	if err != nil {
		if tokens := versionTokenPattern.FindAllString(err.Error(), -1); len(tokens) > 0 {
			sort.Strings(tokens)
			ver = tokens[len(tokens)-1]
		}
	}

	c.verMu.Lock()
	c.versions[key] = ver
	c.verMu.Unlock()
	return ver
}

func (c *Client) headers(cred llm.Credential, ver string) map[string]string {
	return map[string]string{
		"x-api-key":         cred.APIKey,
		"anthropic-version": ver,
		"Content-Type":      "application/json",
	}
}

type message struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type chatRequest struct {
	Model     string    `json:"model"`
	MaxTokens int       `json:"max_tokens"`
	Messages  []message `json:"messages"`
	Tools     []any     `json:"tools,omitempty"`
}

type contentBlock struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

// chatResponse declares every field shape Claude-compatible backends
// have been seen to answer with. extractText documents the one fallback
// order used everywhere.
type chatResponse struct {
	Content []contentBlock `json:"content"`
	Message struct {
		Content []contentBlock `json:"content"`
	} `json:"message"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Response string `json:"response"`
	Text     string `json:"text"`
	Output   string `json:"output"`
}

// extractText returns the response text, preferring native content
// blocks, then the nested/OpenAI-shaped variants, then the flat fields.
func extractText(r chatResponse) string {
	joinBlocks := func(blocks []contentBlock) string {
		var texts []string
		for _, b := range blocks {
			if b.Type == "text" && strings.TrimSpace(b.Text) != "" {
				texts = append(texts, b.Text)
			}
		}
		return strings.Join(texts, "\n\n")
	}
	if t := joinBlocks(r.Content); t != "" {
		return t
	}
	if t := joinBlocks(r.Message.Content); t != "" {
		return t
	}
	if len(r.Choices) > 0 && strings.TrimSpace(r.Choices[0].Message.Content) != "" {
		return strings.TrimSpace(r.Choices[0].Message.Content)
	}
	for _, t := range []string{r.Response, r.Text, r.Output} {
		if strings.TrimSpace(t) != "" {
			return strings.TrimSpace(t)
		}
	}
	return ""
}

func (c *Client) Chat(ctx context.Context, cred llm.Credential, model string, msgs []llm.Message, opts llm.ChatOptions) (llm.Response, error) {
	maxTokens := opts.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	body := chatRequest{Model: model, MaxTokens: maxTokens}
	for _, m := range msgs {
		role := llm.RoleUser
		if m.Role == llm.RoleAssistant {
			role = llm.RoleAssistant
		}
		body.Messages = append(body.Messages, message{Role: role, Content: m.Content})
	}
	if opts.UseSearch && strings.Contains(cred.BaseURL, hostedDomain) {
		body.Tools = []any{map[string]any{
			"type":     "web_search_20241220",
			"name":     "web_search",
			"max_uses": 3,
		}}
	}

	ver := c.negotiateVersion(ctx, cred)
	raw, err := c.post(ctx, cred, ver, body)
	if err != nil {
		return llm.Response{}, err
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return llm.Response{}, fmt.Errorf("claude: decode chat response: %w", err)
	}
	text := extractText(out)
	if text == "" {
		return llm.Response{}, fmt.Errorf("%w: claude chat returned no text", llm.ErrNoValidOutput)
	}
	return llm.Response{Content: text}, nil
}

func (c *Client) ChatVision(ctx context.Context, cred llm.Credential, model, mediaB64, mimeType, prompt string) (string, error) {
	if strings.HasPrefix(mimeType, "video/") {
		return "", fmt.Errorf("%w: claude video input", llm.ErrUnsupportedCapability)
	}
	if prompt == "" {
		prompt = "Describe this image"
	}
	body := chatRequest{
		Model:     model,
		MaxTokens: 4096,
		Messages: []message{{
			Role: llm.RoleUser,
			Content: []any{
				map[string]any{"type": "text", "text": prompt},
				map[string]any{
					"type": "image",
					"source": map[string]any{
						"type":       "base64",
						"media_type": mimeType,
						"data":       mediaB64,
					},
				},
			},
		}},
	}

	ver := c.negotiateVersion(ctx, cred)
	raw, err := c.post(ctx, cred, ver, body)
	if err != nil {
		return "", err
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("claude: decode vision response: %w", err)
	}
	return extractText(out), nil
}

func (c *Client) GenerateImage(ctx context.Context, cred llm.Credential, model, prompt string) (llm.ImageResult, error) {
	return llm.ImageResult{}, fmt.Errorf("%w: claude image generation", llm.ErrUnsupportedCapability)
}

func (c *Client) TTS(ctx context.Context, cred llm.Credential, model, text, voice string) (llm.TTSResult, error) {
	return llm.TTSResult{}, fmt.Errorf("%w: claude tts", llm.ErrUnsupportedCapability)
}

func (c *Client) post(ctx context.Context, cred llm.Credential, ver string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	raw, _, err := c.rc.Do(ctx, httpretry.Request{
		Method:  http.MethodPost,
		URL:     strings.TrimRight(cred.BaseURL, "/") + "/v1/messages",
		Headers: c.headers(cred, ver),
		Body:    payload,
	})
	return raw, err
}
