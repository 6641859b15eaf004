package store

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/lodran/relai/compat"
	"github.com/lodran/relai/history"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir(), "123456:test-token", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	return s
}

func TestProviderRoundTripEncryptsAtRest(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, "123456:test-token", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.SetProvider("OpenAI", "sk-super-secret-key", "https://api.openai.com/"); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}
	if err := s.FlushNow(); err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, fileName))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if strings.Contains(string(raw), "sk-super-secret-key") {
		t.Fatal("API key stored in plaintext")
	}

	// Reopen and decrypt.
	s2, err := Open(dir, "123456:test-token", nil)
	if err != nil {
		t.Fatalf("Open() reopen error = %v", err)
	}
	cred, err := s2.Provider("openai")
	if err != nil {
		t.Fatalf("Provider() error = %v", err)
	}
	if cred.APIKey != "sk-super-secret-key" {
		t.Fatalf("Provider() APIKey = %q", cred.APIKey)
	}
	if cred.BaseURL != "https://api.openai.com" {
		t.Fatalf("Provider() BaseURL = %q, want trailing slash trimmed", cred.BaseURL)
	}
}

func TestProviderWrongSecretFailsDecrypt(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, "token-a", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.SetProvider("gemini", "key", "https://example.com"); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}
	if err := s.FlushNow(); err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}

	s2, err := Open(dir, "token-b", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if _, err := s2.Provider("gemini"); err == nil {
		t.Fatal("Provider() with wrong secret succeeded, want decrypt failure")
	}
}

func TestModelBinding(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if _, err := s.Model(KindChat); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Model() on empty store error = %v, want ErrNotFound", err)
	}
	if err := s.SetModel(KindChat, "OpenAI", " gpt-4o "); err != nil {
		t.Fatalf("SetModel() error = %v", err)
	}
	b, err := s.Model(KindChat)
	if err != nil {
		t.Fatalf("Model() error = %v", err)
	}
	if b.Provider != "openai" || b.Model != "gpt-4o" {
		t.Fatalf("Model() = %+v", b)
	}
	if err := s.SetModel(Kind("bogus"), "p", "m"); err == nil {
		t.Fatal("SetModel(bogus kind) succeeded")
	}
}

func TestScheduleWriteDebounces(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, "tok", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	for i := 0; i < 10; i++ {
		s.ScheduleWrite()
	}
	path := filepath.Join(dir, fileName)
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Fatal("flush ran before the debounce window elapsed")
	}
	deadline := time.Now().Add(2 * time.Second)
	for {
		if _, err := os.Stat(path); err == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("debounced flush never ran")
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func TestPromptPrefix(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	if err := s.SetPrompt("translator", "Translate everything to French.", ""); err != nil {
		t.Fatalf("SetPrompt() error = %v", err)
	}
	if err := s.SetActivePrompt(KindChat, "translator"); err != nil {
		t.Fatalf("SetActivePrompt() error = %v", err)
	}
	got := s.ApplyPromptPrefix(KindChat, "hello")
	if got != "Translate everything to French.\n\nhello" {
		t.Fatalf("ApplyPromptPrefix() = %q", got)
	}
	// Other kinds are untouched.
	if got := s.ApplyPromptPrefix(KindImage, "hello"); got != "hello" {
		t.Fatalf("ApplyPromptPrefix(image) = %q", got)
	}
	// Deleting the prompt clears the binding.
	s.DeletePrompt("translator")
	if got := s.ApplyPromptPrefix(KindChat, "hello"); got != "hello" {
		t.Fatalf("ApplyPromptPrefix() after delete = %q", got)
	}
}

func TestWhitelistPolicies(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	s.SeedAdmins([]int64{1})

	// Allow mode: only admins and explicitly allowed users pass.
	if !s.IsAllowed(1) {
		t.Fatal("admin must always pass")
	}
	if s.IsAllowed(2) {
		t.Fatal("unknown user passed in allow mode")
	}
	s.Allow(2)
	if !s.IsAllowed(2) {
		t.Fatal("allowed user rejected")
	}

	if err := s.SetWhitelistMode(WhitelistDeny); err != nil {
		t.Fatalf("SetWhitelistMode() error = %v", err)
	}
	if !s.IsAllowed(3) {
		t.Fatal("unknown user rejected in deny mode")
	}
	s.Deny(3)
	if s.IsAllowed(3) {
		t.Fatal("denied user passed")
	}
	if !s.IsAllowed(1) {
		t.Fatal("admin must pass in deny mode")
	}
}

func TestHistorySnapshotPersistence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, "tok", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	s.SaveHistories(map[string]history.SessionSnapshot{
		"u:7": {Items: []history.Item{{Role: "user", Content: "hi"}}, Touched: 3},
	})
	if err := s.FlushNow(); err != nil {
		t.Fatalf("FlushNow() error = %v", err)
	}

	s2, err := Open(dir, "tok", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	snap := s2.Histories()
	if len(snap["u:7"].Items) != 1 || snap["u:7"].Items[0].Content != "hi" {
		t.Fatalf("Histories() = %+v", snap)
	}
}

func TestImportSeedDoesNotClobber(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(dir, "tok", nil)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := s.SetProvider("openai", "existing-key", "https://existing.example"); err != nil {
		t.Fatalf("SetProvider() error = %v", err)
	}

	seedPath := filepath.Join(dir, "seed.yaml")
	seed := `
providers:
  - name: openai
    api_key: seeded-key
    base_url: https://seeded.example
  - name: gemini
    api_key: gem-key
    base_url: https://generativelanguage.googleapis.com
models:
  chat:
    provider: gemini
    model: gemini-2.0-flash
admins: [99]
`
	if err := os.WriteFile(seedPath, []byte(seed), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	if err := s.ImportSeed(seedPath); err != nil {
		t.Fatalf("ImportSeed() error = %v", err)
	}

	cred, err := s.Provider("openai")
	if err != nil {
		t.Fatalf("Provider() error = %v", err)
	}
	if cred.APIKey != "existing-key" {
		t.Fatalf("seed clobbered existing provider: %q", cred.APIKey)
	}
	if _, err := s.Provider("gemini"); err != nil {
		t.Fatalf("seeded provider missing: %v", err)
	}
	b, err := s.Model(KindChat)
	if err != nil || b.Model != "gemini-2.0-flash" {
		t.Fatalf("seeded model binding = %+v, err %v", b, err)
	}
	if !s.IsAdmin(99) {
		t.Fatal("seeded admin missing")
	}

	// Missing seed file is fine.
	if err := s.ImportSeed(filepath.Join(dir, "nope.yaml")); err != nil {
		t.Fatalf("ImportSeed(missing) error = %v", err)
	}
}

func TestCompatPersistence(t *testing.T) {
	t.Parallel()

	s := openTestStore(t)
	s.SaveCompat(
		map[string]compat.Family{"model-x": compat.FamilyClaude},
		map[string]map[string]compat.Family{"prov": {"model-y": compat.FamilyGemini}},
	)
	catalog, overrides := s.Compat()
	if catalog["model-x"] != compat.FamilyClaude {
		t.Fatalf("catalog = %+v", catalog)
	}
	if overrides["prov"]["model-y"] != compat.FamilyGemini {
		t.Fatalf("overrides = %+v", overrides)
	}
}

func TestMaskKey(t *testing.T) {
	t.Parallel()

	if got := MaskKey("short"); got != "****" {
		t.Fatalf("MaskKey(short) = %q", got)
	}
	if got := MaskKey("sk-1234567890abcdef"); got != "sk-1****cdef" {
		t.Fatalf("MaskKey() = %q", got)
	}
}
