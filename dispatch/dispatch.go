// Package dispatch routes AI calls to the adapter matching the bound
// provider's vendor family. Every outbound call passes through the
// shared concurrency gate.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lodran/relai/compat"
	"github.com/lodran/relai/internal/gate"
	"github.com/lodran/relai/llm"
	"github.com/lodran/relai/store"
)

type Router struct {
	store    *store.Store
	resolver *compat.Resolver
	gate     *gate.Gate
	adapters map[compat.Family]llm.Adapter
	logger   *slog.Logger
}

func New(st *store.Store, resolver *compat.Resolver, g *gate.Gate, adapters map[compat.Family]llm.Adapter, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{store: st, resolver: resolver, gate: g, adapters: adapters, logger: logger}
}

type target struct {
	cred    llm.Credential
	model   string
	family  compat.Family
	adapter llm.Adapter
}

// resolve maps the model binding for kind down to a credential, the
// model name, and the adapter for its vendor family.
func (r *Router) resolve(kind store.Kind) (target, error) {
	binding, err := r.store.Model(kind)
	if err != nil {
		return target{}, err
	}
	cred, err := r.store.Provider(binding.Provider)
	if err != nil {
		return target{}, err
	}
	fam := r.resolver.Resolve(binding.Provider, binding.Model)
	adapter, ok := r.adapters[fam]
	if !ok {
		return target{}, fmt.Errorf("dispatch: no adapter for family %q", fam)
	}
	r.logger.Debug("dispatch target resolved",
		"kind", kind, "provider", binding.Provider, "model", binding.Model, "family", fam)
	return target{cred: cred, model: binding.Model, family: fam, adapter: adapter}, nil
}

func (r *Router) Chat(ctx context.Context, highPriority bool, kind store.Kind, msgs []llm.Message, opts llm.ChatOptions) (llm.Response, error) {
	tgt, err := r.resolve(kind)
	if err != nil {
		return llm.Response{}, err
	}
	var resp llm.Response
	err = r.gate.Run(ctx, highPriority, func(ctx context.Context) error {
		var callErr error
		resp, callErr = tgt.adapter.Chat(ctx, tgt.cred, tgt.model, msgs, opts)
		return callErr
	})
	return resp, err
}

func (r *Router) ChatVision(ctx context.Context, highPriority bool, kind store.Kind, mediaB64, mimeType, prompt string) (string, error) {
	tgt, err := r.resolve(kind)
	if err != nil {
		return "", err
	}
	var text string
	err = r.gate.Run(ctx, highPriority, func(ctx context.Context) error {
		var callErr error
		text, callErr = tgt.adapter.ChatVision(ctx, tgt.cred, tgt.model, mediaB64, mimeType, prompt)
		return callErr
	})
	return text, err
}

func (r *Router) GenerateImage(ctx context.Context, highPriority bool, prompt string) (llm.ImageResult, error) {
	tgt, err := r.resolve(store.KindImage)
	if err != nil {
		return llm.ImageResult{}, err
	}
	var res llm.ImageResult
	err = r.gate.Run(ctx, highPriority, func(ctx context.Context) error {
		var callErr error
		res, callErr = tgt.adapter.GenerateImage(ctx, tgt.cred, tgt.model, prompt)
		return callErr
	})
	return res, err
}

// TTS synthesizes text with the bound TTS model. An empty voice falls
// back to the voice configured for the model's vendor family.
func (r *Router) TTS(ctx context.Context, highPriority bool, text, voice string) (llm.TTSResult, error) {
	tgt, err := r.resolve(store.KindTTS)
	if err != nil {
		return llm.TTSResult{}, err
	}
	if voice == "" {
		voice = r.store.Voice(tgt.family)
	}
	var res llm.TTSResult
	err = r.gate.Run(ctx, highPriority, func(ctx context.Context) error {
		var callErr error
		res, callErr = tgt.adapter.TTS(ctx, tgt.cred, tgt.model, text, voice)
		return callErr
	})
	return res, err
}
