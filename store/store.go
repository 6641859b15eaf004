// Package store is the persistent configuration store: provider
// credentials (encrypted at rest), model bindings, voices, prompt
// templates, the whitelist, and snapshots of conversation history and
// user sessions. Mutations are coalesced into a single debounced flush;
// shutdown calls FlushNow for a final synchronous write.
package store

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/lodran/relai/compat"
	"github.com/lodran/relai/history"
	"github.com/lodran/relai/internal/fsstore"
	"github.com/lodran/relai/llm"
	"github.com/lodran/relai/session"
)

// Kind names a functional model slot.
type Kind string

const (
	KindChat   Kind = "chat"
	KindSearch Kind = "search"
	KindImage  Kind = "image"
	KindTTS    Kind = "tts"
	KindLive   Kind = "live"
)

func (k Kind) Valid() bool {
	switch k {
	case KindChat, KindSearch, KindImage, KindTTS, KindLive:
		return true
	}
	return false
}

// Kinds lists all model slots in display order.
func Kinds() []Kind {
	return []Kind{KindChat, KindSearch, KindImage, KindTTS, KindLive}
}

var ErrNotFound = errors.New("store: not found")

const (
	fileName      = "state.json"
	fileVersion   = 1
	debounceDelay = 300 * time.Millisecond
)

type providerRecord struct {
	APIKeyEnc string `json:"api_key_enc"`
	BaseURL   string `json:"base_url"`
}

type ModelBinding struct {
	Provider string `json:"provider"`
	Model    string `json:"model"`
}

type PromptTemplate struct {
	Name        string `json:"name"`
	Content     string `json:"content"`
	Description string `json:"description,omitempty"`
}

type WhitelistMode string

const (
	WhitelistAllow WhitelistMode = "allow"
	WhitelistDeny  WhitelistMode = "deny"
)

type whitelist struct {
	Mode    WhitelistMode `json:"mode"`
	Admins  []int64       `json:"admins"`
	Allowed []int64       `json:"allowed"`
	Denied  []int64       `json:"denied"`
}

type fileData struct {
	Version        int                                      `json:"version"`
	Providers      map[string]providerRecord                `json:"providers"`
	Models         map[Kind]ModelBinding                    `json:"models"`
	Voices         map[compat.Family]string                 `json:"voices"`
	Prompts        map[string]PromptTemplate                `json:"prompts,omitempty"`
	ActivePrompts  map[Kind]string                          `json:"active_prompts,omitempty"`
	Whitelist      whitelist                                `json:"whitelist"`
	CompatCatalog  map[string]compat.Family                 `json:"compat_catalog,omitempty"`
	CompatOverride map[string]map[string]compat.Family      `json:"compat_override,omitempty"`
	Histories      map[string]history.SessionSnapshot       `json:"histories,omitempty"`
	Sessions       map[int64]session.UserSession            `json:"sessions,omitempty"`
}

func newFileData() fileData {
	return fileData{
		Version:   fileVersion,
		Providers: map[string]providerRecord{},
		Models:    map[Kind]ModelBinding{},
		Voices: map[compat.Family]string{
			compat.FamilyGemini: "Kore",
			compat.FamilyOpenAI: "alloy",
		},
		Whitelist: whitelist{Mode: WhitelistAllow},
	}
}

type Store struct {
	path   string
	logger *slog.Logger
	sealer *sealer

	mu   sync.Mutex
	data fileData

	timerMu sync.Mutex
	timer   *time.Timer
}

// Open loads (or creates) the store under dir. secret keys the at-rest
// credential encryption; the bot token is the conventional choice.
func Open(dir, secret string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	sealer, err := newSealer(secret)
	if err != nil {
		return nil, err
	}
	s := &Store{
		path:   filepath.Join(dir, fileName),
		logger: logger,
		sealer: sealer,
		data:   newFileData(),
	}
	var loaded fileData
	ok, err := fsstore.ReadJSON(s.path, &loaded)
	if err != nil {
		return nil, err
	}
	if ok {
		if loaded.Providers == nil {
			loaded.Providers = map[string]providerRecord{}
		}
		if loaded.Models == nil {
			loaded.Models = map[Kind]ModelBinding{}
		}
		if loaded.Voices == nil {
			loaded.Voices = s.data.Voices
		}
		if loaded.Whitelist.Mode == "" {
			loaded.Whitelist.Mode = WhitelistAllow
		}
		s.data = loaded
	}
	return s, nil
}

// ScheduleWrite coalesces rapid successive mutations into one flush.
func (s *Store) ScheduleWrite() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if s.timer != nil {
		s.timer.Reset(debounceDelay)
		return
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		s.timerMu.Lock()
		s.timer = nil
		s.timerMu.Unlock()
		if err := s.flush(); err != nil {
			s.logger.Error("store_flush_failed", "error", err.Error())
		}
	})
}

// FlushNow cancels any pending debounce and writes synchronously. Call
// it on shutdown.
func (s *Store) FlushNow() error {
	s.timerMu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.timerMu.Unlock()
	return s.flush()
}

func (s *Store) flush() error {
	// Marshal under the lock; the debounce keeps writes rare.
	s.mu.Lock()
	defer s.mu.Unlock()
	return fsstore.WriteJSONAtomic(s.path, s.data, fsstore.FileOptions{})
}

// ---- Providers ----

// SetProvider stores a credential, sealing the API key.
func (s *Store) SetProvider(name, apiKey, baseURL string) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return fmt.Errorf("store: empty provider name")
	}
	enc, err := s.sealer.Encrypt(apiKey)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.data.Providers[name] = providerRecord{
		APIKeyEnc: enc,
		BaseURL:   strings.TrimRight(strings.TrimSpace(baseURL), "/"),
	}
	s.mu.Unlock()
	s.ScheduleWrite()
	return nil
}

// Provider returns the decrypted view of a stored credential.
func (s *Store) Provider(name string) (llm.Credential, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	rec, ok := s.data.Providers[name]
	s.mu.Unlock()
	if !ok {
		return llm.Credential{}, fmt.Errorf("%w: provider %q", ErrNotFound, name)
	}
	key, err := s.sealer.Decrypt(rec.APIKeyEnc)
	if err != nil {
		return llm.Credential{}, err
	}
	return llm.Credential{Name: name, APIKey: key, BaseURL: rec.BaseURL}, nil
}

func (s *Store) DeleteProvider(name string) bool {
	name = strings.ToLower(strings.TrimSpace(name))
	s.mu.Lock()
	_, ok := s.data.Providers[name]
	delete(s.data.Providers, name)
	s.mu.Unlock()
	if ok {
		s.ScheduleWrite()
	}
	return ok
}

// ProviderNames lists configured providers, sorted.
func (s *Store) ProviderNames() []string {
	s.mu.Lock()
	names := make([]string, 0, len(s.data.Providers))
	for name := range s.data.Providers {
		names = append(names, name)
	}
	s.mu.Unlock()
	sort.Strings(names)
	return names
}

// ---- Model bindings ----

func (s *Store) SetModel(kind Kind, provider, model string) error {
	if !kind.Valid() {
		return fmt.Errorf("store: invalid model kind %q", kind)
	}
	s.mu.Lock()
	s.data.Models[kind] = ModelBinding{
		Provider: strings.ToLower(strings.TrimSpace(provider)),
		Model:    strings.TrimSpace(model),
	}
	s.mu.Unlock()
	s.ScheduleWrite()
	return nil
}

func (s *Store) Model(kind Kind) (ModelBinding, error) {
	s.mu.Lock()
	b, ok := s.data.Models[kind]
	s.mu.Unlock()
	if !ok || b.Model == "" {
		return ModelBinding{}, fmt.Errorf("%w: model binding %q", ErrNotFound, kind)
	}
	return b, nil
}

// ---- Voices ----

func (s *Store) Voice(fam compat.Family) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Voices[fam]
}

func (s *Store) SetVoice(fam compat.Family, voice string) {
	s.mu.Lock()
	if s.data.Voices == nil {
		s.data.Voices = map[compat.Family]string{}
	}
	s.data.Voices[fam] = strings.TrimSpace(voice)
	s.mu.Unlock()
	s.ScheduleWrite()
}

// ---- Prompts ----

func (s *Store) SetPrompt(name, content, description string) error {
	name = strings.TrimSpace(name)
	if name == "" || strings.TrimSpace(content) == "" {
		return fmt.Errorf("store: prompt needs a name and content")
	}
	s.mu.Lock()
	if s.data.Prompts == nil {
		s.data.Prompts = map[string]PromptTemplate{}
	}
	s.data.Prompts[name] = PromptTemplate{Name: name, Content: content, Description: description}
	s.mu.Unlock()
	s.ScheduleWrite()
	return nil
}

func (s *Store) DeletePrompt(name string) bool {
	s.mu.Lock()
	_, ok := s.data.Prompts[name]
	delete(s.data.Prompts, name)
	for kind, active := range s.data.ActivePrompts {
		if active == name {
			delete(s.data.ActivePrompts, kind)
		}
	}
	s.mu.Unlock()
	if ok {
		s.ScheduleWrite()
	}
	return ok
}

func (s *Store) Prompts() []PromptTemplate {
	s.mu.Lock()
	out := make([]PromptTemplate, 0, len(s.data.Prompts))
	for _, p := range s.data.Prompts {
		out = append(out, p)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetActivePrompt binds a stored template to a model kind; empty name
// clears the binding.
func (s *Store) SetActivePrompt(kind Kind, name string) error {
	if !kind.Valid() {
		return fmt.Errorf("store: invalid model kind %q", kind)
	}
	name = strings.TrimSpace(name)
	s.mu.Lock()
	if name == "" {
		delete(s.data.ActivePrompts, kind)
	} else {
		if _, ok := s.data.Prompts[name]; !ok {
			s.mu.Unlock()
			return fmt.Errorf("%w: prompt %q", ErrNotFound, name)
		}
		if s.data.ActivePrompts == nil {
			s.data.ActivePrompts = map[Kind]string{}
		}
		s.data.ActivePrompts[kind] = name
	}
	s.mu.Unlock()
	s.ScheduleWrite()
	return nil
}

// ActivePrompts reports which template each kind currently uses.
func (s *Store) ActivePrompts() map[Kind]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[Kind]string, len(s.data.ActivePrompts))
	for k, v := range s.data.ActivePrompts {
		out[k] = v
	}
	return out
}

// ApplyPromptPrefix prepends the active template for kind, if any.
func (s *Store) ApplyPromptPrefix(kind Kind, input string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	name, ok := s.data.ActivePrompts[kind]
	if !ok {
		return input
	}
	tmpl, ok := s.data.Prompts[name]
	if !ok || strings.TrimSpace(tmpl.Content) == "" {
		return input
	}
	return tmpl.Content + "\n\n" + input
}

// ---- Whitelist ----

func contains(ids []int64, id int64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func remove(ids []int64, id int64) []int64 {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// SeedAdmins adds admin ids that are not yet present.
func (s *Store) SeedAdmins(ids []int64) {
	s.mu.Lock()
	changed := false
	for _, id := range ids {
		if id != 0 && !contains(s.data.Whitelist.Admins, id) {
			s.data.Whitelist.Admins = append(s.data.Whitelist.Admins, id)
			changed = true
		}
	}
	s.mu.Unlock()
	if changed {
		s.ScheduleWrite()
	}
}

func (s *Store) SetWhitelistMode(mode WhitelistMode) error {
	if mode != WhitelistAllow && mode != WhitelistDeny {
		return fmt.Errorf("store: invalid whitelist mode %q", mode)
	}
	s.mu.Lock()
	s.data.Whitelist.Mode = mode
	s.mu.Unlock()
	s.ScheduleWrite()
	return nil
}

func (s *Store) WhitelistMode() WhitelistMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Whitelist.Mode
}

func (s *Store) IsAdmin(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return contains(s.data.Whitelist.Admins, userID)
}

// IsAllowed applies the whitelist policy: admins always pass; in allow
// mode a user must be explicitly allowed, in deny mode a user passes
// unless explicitly denied.
func (s *Store) IsAllowed(userID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	wl := s.data.Whitelist
	if contains(wl.Admins, userID) {
		return true
	}
	if wl.Mode == WhitelistDeny {
		return !contains(wl.Denied, userID)
	}
	return contains(wl.Allowed, userID)
}

func (s *Store) Allow(userID int64) {
	s.mu.Lock()
	s.data.Whitelist.Denied = remove(s.data.Whitelist.Denied, userID)
	if !contains(s.data.Whitelist.Allowed, userID) {
		s.data.Whitelist.Allowed = append(s.data.Whitelist.Allowed, userID)
	}
	s.mu.Unlock()
	s.ScheduleWrite()
}

// WhitelistState returns the mode plus copies of the admin, allowed
// and denied id lists.
func (s *Store) WhitelistState() (WhitelistMode, []int64, []int64, []int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wl := s.data.Whitelist
	return wl.Mode,
		append([]int64(nil), wl.Admins...),
		append([]int64(nil), wl.Allowed...),
		append([]int64(nil), wl.Denied...)
}

func (s *Store) Deny(userID int64) {
	s.mu.Lock()
	s.data.Whitelist.Allowed = remove(s.data.Whitelist.Allowed, userID)
	if !contains(s.data.Whitelist.Denied, userID) {
		s.data.Whitelist.Denied = append(s.data.Whitelist.Denied, userID)
	}
	s.mu.Unlock()
	s.ScheduleWrite()
}

// ---- Snapshots ----

func (s *Store) SaveHistories(snap map[string]history.SessionSnapshot) {
	s.mu.Lock()
	s.data.Histories = snap
	s.mu.Unlock()
	s.ScheduleWrite()
}

func (s *Store) Histories() map[string]history.SessionSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Histories
}

func (s *Store) SaveSessions(snap map[int64]session.UserSession) {
	s.mu.Lock()
	s.data.Sessions = snap
	s.mu.Unlock()
	s.ScheduleWrite()
}

func (s *Store) Sessions() map[int64]session.UserSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.Sessions
}

func (s *Store) SaveCompat(catalog map[string]compat.Family, overrides map[string]map[string]compat.Family) {
	s.mu.Lock()
	s.data.CompatCatalog = catalog
	s.data.CompatOverride = overrides
	s.mu.Unlock()
	s.ScheduleWrite()
}

func (s *Store) Compat() (map[string]compat.Family, map[string]map[string]compat.Family) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data.CompatCatalog, s.data.CompatOverride
}

func (s *Store) SetOverride(provider, model string, fam compat.Family) {
	s.mu.Lock()
	if s.data.CompatOverride == nil {
		s.data.CompatOverride = map[string]map[string]compat.Family{}
	}
	p := strings.ToLower(strings.TrimSpace(provider))
	if s.data.CompatOverride[p] == nil {
		s.data.CompatOverride[p] = map[string]compat.Family{}
	}
	s.data.CompatOverride[p][strings.ToLower(strings.TrimSpace(model))] = fam
	s.mu.Unlock()
	s.ScheduleWrite()
}
