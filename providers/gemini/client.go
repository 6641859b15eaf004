// Package gemini implements the Gemini vendor family against the
// generativelanguage REST surface. Proxies for this API disagree on the
// path prefix and the accepted auth scheme, so every request walks a
// small fallback cascade until one combination answers.
package gemini

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"strings"

	"github.com/lodran/relai/internal/httpretry"
	"github.com/lodran/relai/llm"
)

const defaultBaseURL = "https://generativelanguage.googleapis.com"

const defaultTTSVoice = "Kore"

var pathPrefixes = []string{"/v1beta", "/v1"}

var urlPattern = regexp.MustCompile(`https?://\S+`)

type Client struct {
	rc *httpretry.Client
}

func New(rc *httpretry.Client) *Client {
	if rc == nil {
		rc = httpretry.New()
	}
	return &Client{rc: rc}
}

type part struct {
	Text       string      `json:"text,omitempty"`
	InlineData *inlineData `json:"inlineData,omitempty"`
}

type inlineData struct {
	MimeType string `json:"mimeType,omitempty"`
	Data     string `json:"data,omitempty"`
}

type content struct {
	Role  string `json:"role,omitempty"`
	Parts []part `json:"parts"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []json.RawMessage `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

type responsePart struct {
	Text             string `json:"text"`
	Thought          bool   `json:"thought"`
	ThoughtSignature string `json:"thought_signature"`
	InlineData       *struct {
		MimeType string `json:"mimeType"`
		Data     string `json:"data"`
	} `json:"inlineData"`
	InlineDataSnake *struct {
		MimeType string `json:"mime_type"`
		Data     string `json:"data"`
	} `json:"inline_data"`
}

// generate walks the path-prefix and auth-scheme cascade: for each
// prefix try the query key, then the x-goog-api-key header, then a
// Bearer token. A 404 or 405 means the path itself is wrong, so the
// remaining auth variants for that prefix are skipped.
func (c *Client) generate(ctx context.Context, cred llm.Credential, model, action string, body any) ([]byte, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	base := strings.TrimRight(cred.BaseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}

	var lastErr error
	for _, prefix := range pathPrefixes {
		url := fmt.Sprintf("%s%s/models/%s:%s", base, prefix, model, action)
		for _, auth := range []string{"query", "header", "bearer"} {
			req := httpretry.Request{
				Method:  http.MethodPost,
				URL:     url,
				Headers: map[string]string{"Content-Type": "application/json"},
				Body:    payload,
			}
			switch auth {
			case "query":
				req.Query = map[string]string{"key": cred.APIKey}
			case "header":
				req.Headers["x-goog-api-key"] = cred.APIKey
			case "bearer":
				req.Headers["Authorization"] = "Bearer " + cred.APIKey
			}
			raw, status, err := c.rc.Do(ctx, req)
			if err == nil {
				return raw, nil
			}
			lastErr = err
			if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
				break
			}
			if ctx.Err() != nil {
				return nil, err
			}
		}
	}
	return nil, lastErr
}

func chatContents(msgs []llm.Message) []content {
	out := make([]content, 0, len(msgs))
	for _, m := range msgs {
		role := "user"
		if m.Role == llm.RoleAssistant {
			role = "model"
		}
		out = append(out, content{Role: role, Parts: []part{{Text: m.Content}}})
	}
	return out
}

func wantsThoughts(model string) bool {
	return strings.Contains(model, "thinking") || strings.Contains(model, "gemini-3")
}

func (c *Client) Chat(ctx context.Context, cred llm.Credential, model string, msgs []llm.Message, opts llm.ChatOptions) (llm.Response, error) {
	body := map[string]any{"contents": chatContents(msgs)}

	var tools []any
	if opts.UseSearch {
		tools = append(tools, map[string]any{"google_search": map[string]any{}})
	}
	for _, m := range msgs {
		if m.Role == llm.RoleUser && urlPattern.MatchString(m.Content) {
			tools = append(tools, map[string]any{"url_context": map[string]any{}})
			break
		}
	}
	if len(tools) > 0 {
		body["tools"] = tools
	}
	genCfg := map[string]any{}
	if opts.MaxTokens > 0 {
		genCfg["maxOutputTokens"] = opts.MaxTokens
	}
	if wantsThoughts(model) {
		genCfg["thinkingConfig"] = map[string]any{"includeThoughts": true}
	}
	if len(genCfg) > 0 {
		body["generationConfig"] = genCfg
	}

	raw, err := c.generate(ctx, cred, model, "generateContent", body)
	if err != nil {
		return llm.Response{}, err
	}
	text, thought, _, _, err := extractParts(raw)
	if err != nil {
		return llm.Response{}, err
	}
	if text == "" && thought == "" {
		return llm.Response{}, fmt.Errorf("%w: gemini chat returned no text", llm.ErrNoValidOutput)
	}
	return llm.Response{Content: text, Thought: thought}, nil
}

func (c *Client) ChatVision(ctx context.Context, cred llm.Credential, model, mediaB64, mimeType, prompt string) (string, error) {
	if prompt == "" {
		prompt = "Describe this media"
	}
	body := map[string]any{
		"contents": []content{{
			Role: "user",
			Parts: []part{
				{InlineData: &inlineData{MimeType: mimeType, Data: mediaB64}},
				{Text: prompt},
			},
		}},
	}
	raw, err := c.generate(ctx, cred, model, "generateContent", body)
	if err != nil {
		return "", err
	}
	text, _, _, _, err := extractParts(raw)
	if err != nil {
		return "", err
	}
	if text == "" {
		return "", fmt.Errorf("%w: gemini vision returned no text", llm.ErrNoValidOutput)
	}
	return text, nil
}

// imageModel maps a chat model name onto its image-capable variant.
// Only the flash lines generate images; anything else falls back to the
// current image model.
func imageModel(model string) string {
	if model == "gemini-2.5-flash" {
		return "gemini-2.5-flash-image"
	}
	if strings.Contains(model, "image") || strings.Contains(model, "2.5-flash") || strings.Contains(model, "2.0-flash") {
		return model
	}
	return "gemini-2.5-flash-image"
}

func (c *Client) GenerateImage(ctx context.Context, cred llm.Credential, model, prompt string) (llm.ImageResult, error) {
	body := map[string]any{
		"contents": []content{{Role: "user", Parts: []part{{Text: prompt}}}},
		"generationConfig": map[string]any{
			"responseModalities": []string{"TEXT", "IMAGE"},
			"temperature":        0.7,
			"maxOutputTokens":    2048,
		},
	}
	raw, err := c.generate(ctx, cred, imageModel(model), "generateContent", body)
	if err != nil {
		return llm.ImageResult{}, err
	}
	text, _, data, mime, err := extractParts(raw)
	if err != nil {
		return llm.ImageResult{}, err
	}
	if len(data) == 0 {
		if text != "" {
			return llm.ImageResult{Text: text}, nil
		}
		return llm.ImageResult{}, fmt.Errorf("%w: gemini returned no image data", llm.ErrNoValidOutput)
	}
	if mime == "" {
		mime = "image/png"
	}
	return llm.ImageResult{Data: data, Text: text, MIME: mime}, nil
}

func (c *Client) TTS(ctx context.Context, cred llm.Credential, model, text, voice string) (llm.TTSResult, error) {
	if voice == "" {
		voice = defaultTTSVoice
	}
	contents := []content{{Role: "user", Parts: []part{{Text: text}}}}
	// Some backends reject speechConfig outright, so the bare payload is
	// tried second.
	payloads := []map[string]any{
		{
			"contents": contents,
			"generationConfig": map[string]any{
				"responseModalities": []string{"AUDIO"},
				"speechConfig": map[string]any{
					"voiceConfig": map[string]any{
						"prebuiltVoiceConfig": map[string]any{"voiceName": voice},
					},
				},
			},
		},
		{
			"contents": contents,
			"generationConfig": map[string]any{
				"responseModalities": []string{"AUDIO"},
			},
		},
	}

	var lastErr error
	for _, body := range payloads {
		raw, err := c.generate(ctx, cred, model, "generateContent", body)
		if err != nil {
			lastErr = err
			continue
		}
		_, _, data, mime, err := extractParts(raw)
		if err != nil {
			lastErr = err
			continue
		}
		if len(data) > 0 && strings.HasPrefix(mime, "audio/") {
			return llm.TTSResult{Audio: data, MIME: mime}, nil
		}
	}
	if lastErr != nil {
		return llm.TTSResult{}, lastErr
	}
	return llm.TTSResult{}, fmt.Errorf("%w: gemini tts returned no audio", llm.ErrNoValidOutput)
}

// extractParts splits the first candidate's parts into visible text,
// thought text, and inline binary data with its reported MIME type.
func extractParts(raw []byte) (text, thought string, data []byte, mime string, err error) {
	var resp generateResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return "", "", nil, "", fmt.Errorf("gemini: decode response: %w", err)
	}
	if len(resp.Candidates) == 0 {
		return "", "", nil, "", fmt.Errorf("%w: gemini returned no candidates", llm.ErrNoValidOutput)
	}
	var texts, thoughts []string
	for _, rawPart := range resp.Candidates[0].Content.Parts {
		var p responsePart
		if err := json.Unmarshal(rawPart, &p); err != nil {
			continue
		}
		inlineMime, inlineData := "", ""
		if p.InlineData != nil {
			inlineMime, inlineData = p.InlineData.MimeType, p.InlineData.Data
		} else if p.InlineDataSnake != nil {
			inlineMime, inlineData = p.InlineDataSnake.MimeType, p.InlineDataSnake.Data
		}
		if inlineData != "" && data == nil {
			decoded, decErr := base64.StdEncoding.DecodeString(inlineData)
			if decErr == nil {
				data, mime = decoded, inlineMime
			}
		}
		switch {
		case p.Thought || p.ThoughtSignature != "":
			if p.Text != "" {
				thoughts = append(thoughts, p.Text)
			}
		case p.Text != "":
			texts = append(texts, p.Text)
		}
	}
	return strings.Join(texts, ""), strings.Join(thoughts, ""), data, mime, nil
}
