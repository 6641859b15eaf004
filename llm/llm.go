// Package llm defines the normalized request/response types shared by
// every provider adapter, plus the capability interface the dispatch
// layer programs against.
package llm

import "context"

// Roles used in Message. Vendors that only understand a user/assistant
// split fold system messages into user turns.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
)

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
	// Thought carries an optional reasoning trace returned by models
	// that expose one. Never sent back to vendors.
	Thought string `json:"thought,omitempty"`
}

// Credential is the decrypted view of a stored provider credential.
type Credential struct {
	Name    string
	APIKey  string
	BaseURL string
}

type ChatOptions struct {
	MaxTokens int
	UseSearch bool
}

type Response struct {
	Content string
	Thought string
}

// ImageResult holds either raw image bytes or, when the vendor answered
// with text instead of an image, the text.
type ImageResult struct {
	Data []byte
	Text string
	MIME string
}

// TTSResult reports the true MIME type of the audio payload so callers
// know whether container wrapping is still needed (e.g. audio/L16).
type TTSResult struct {
	Audio []byte
	MIME  string
}

// Adapter is the uniform capability surface of one vendor family.
// Families that lack a capability return ErrUnsupportedCapability.
type Adapter interface {
	Chat(ctx context.Context, cred Credential, model string, msgs []Message, opts ChatOptions) (Response, error)
	ChatVision(ctx context.Context, cred Credential, model string, mediaB64, mimeType, prompt string) (string, error)
	GenerateImage(ctx context.Context, cred Credential, model string, prompt string) (ImageResult, error)
	TTS(ctx context.Context, cred Credential, model string, text, voice string) (TTSResult, error)
}
