package botcmd

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
)

type sentMessage struct {
	ChatID    int64  `json:"chat_id"`
	MessageID int64  `json:"message_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// fakeTelegram is an httptest-backed Bot API double recording every
// sendMessage and editMessageText call.
type fakeTelegram struct {
	mu     sync.Mutex
	sent   []sentMessage
	edits  []sentMessage
	nextID int64

	// rejectRawMarkdown makes sendMessage fail MarkdownV2 payloads
	// containing an unescaped underscore, mimicking Telegram's parser.
	rejectRawMarkdown bool
}

func (f *fakeTelegram) handler(t *testing.T) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		method := r.URL.Path[strings.LastIndexByte(r.URL.Path, '/')+1:]
		switch method {
		case "sendMessage":
			var req sentMessage
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("decode sendMessage: %v", err)
			}
			f.mu.Lock()
			defer f.mu.Unlock()
			if f.rejectRawMarkdown && req.ParseMode == "MarkdownV2" && strings.Contains(req.Text, "_") && !strings.Contains(req.Text, "\\_") {
				w.WriteHeader(http.StatusBadRequest)
				fmt.Fprint(w, `{"ok":false,"error_code":400,"description":"Bad Request: can't parse entities"}`)
				return
			}
			f.nextID++
			f.sent = append(f.sent, req)
			fmt.Fprintf(w, `{"ok":true,"result":{"message_id":%d}}`, f.nextID)
		case "editMessageText":
			var req sentMessage
			_ = json.NewDecoder(r.Body).Decode(&req)
			f.mu.Lock()
			f.edits = append(f.edits, req)
			f.mu.Unlock()
			fmt.Fprint(w, `{"ok":true,"result":{}}`)
		case "deleteMessage", "sendChatAction":
			fmt.Fprint(w, `{"ok":true,"result":true}`)
		default:
			t.Errorf("unexpected method %q", method)
			w.WriteHeader(http.StatusNotFound)
		}
	}
}

func newFakeTelegram(t *testing.T) (*fakeTelegram, *telegramAPI) {
	t.Helper()
	f := &fakeTelegram{}
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	return f, newTelegramAPI(srv.Client(), srv.URL, "test-token")
}

func (f *fakeTelegram) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	for i, m := range f.sent {
		out[i] = m.Text
	}
	return out
}

func TestSplitCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		in       string
		wantCmd  string
		wantArgs string
	}{
		{name: "bare_command", in: "/chat", wantCmd: "/chat", wantArgs: ""},
		{name: "command_with_args", in: "/chat hello there", wantCmd: "/chat", wantArgs: "hello there"},
		{name: "bot_suffix", in: "/chat@relai_bot hi", wantCmd: "/chat", wantArgs: "hi"},
		{name: "uppercase", in: "/CHAT hi", wantCmd: "/chat", wantArgs: "hi"},
		{name: "plain_text", in: "just words", wantCmd: "", wantArgs: "just words"},
		{name: "surrounding_space", in: "  /id  ", wantCmd: "/id", wantArgs: ""},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cmd, args := splitCommand(tt.in)
			if cmd != tt.wantCmd || args != tt.wantArgs {
				t.Fatalf("got (%q, %q), want (%q, %q)", cmd, args, tt.wantCmd, tt.wantArgs)
			}
		})
	}
}

func TestEscapeTelegramMarkdownV2(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "plain_identifier", in: "new_york", want: "new\\_york"},
		{
			name: "special_chars",
			in:   "_*[]()~`>#+-=|{}.!\\",
			want: "\\_\\*\\[\\]\\(\\)\\~\\`\\>\\#\\+\\-\\=\\|\\{\\}\\.\\!\\\\",
		},
		{name: "non_specials", in: "hello world", want: "hello world"},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := escapeTelegramMarkdownV2(tt.in); got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestSendMessageEscapesOnParseError(t *testing.T) {
	t.Parallel()
	fake, api := newFakeTelegram(t)
	fake.rejectRawMarkdown = true

	id, err := api.sendMessage(context.Background(), 7, "snake_case value")
	if err != nil {
		t.Fatalf("sendMessage: %v", err)
	}
	if id == 0 {
		t.Fatalf("message id = 0")
	}

	texts := fake.sentTexts()
	if len(texts) != 1 {
		t.Fatalf("delivered messages = %d, want 1", len(texts))
	}
	if texts[0] != "snake\\_case value" {
		t.Fatalf("delivered text = %q", texts[0])
	}
}

func TestSendMessageChunked(t *testing.T) {
	t.Parallel()
	fake, api := newFakeTelegram(t)

	long := strings.Repeat("a", 3500) + strings.Repeat("b", 100)
	if err := api.sendMessageChunked(context.Background(), 7, long); err != nil {
		t.Fatalf("sendMessageChunked: %v", err)
	}

	texts := fake.sentTexts()
	if len(texts) != 2 {
		t.Fatalf("chunks = %d, want 2", len(texts))
	}
	if len(texts[0]) != 3500 || texts[1] != strings.Repeat("b", 100) {
		t.Fatalf("chunk sizes = %d, %d", len(texts[0]), len(texts[1]))
	}
}

func TestGetUpdatesAdvancesOffset(t *testing.T) {
	t.Parallel()

	gotOffset := ""
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotOffset = r.URL.Query().Get("offset")
		fmt.Fprint(w, `{"ok":true,"result":[{"update_id":41,"message":{"message_id":1,"text":"a"}},{"update_id":42,"message":{"message_id":2,"text":"b"}}]}`)
	}))
	defer srv.Close()
	api := newTelegramAPI(srv.Client(), srv.URL, "test-token")

	updates, next, err := api.getUpdates(context.Background(), 40, 0)
	if err != nil {
		t.Fatalf("getUpdates: %v", err)
	}
	if gotOffset != "40" {
		t.Fatalf("sent offset = %q, want 40", gotOffset)
	}
	if len(updates) != 2 {
		t.Fatalf("updates = %d, want 2", len(updates))
	}
	if next != 43 {
		t.Fatalf("next offset = %d, want 43", next)
	}
}

func TestUpdateKey(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		u    telegramUpdate
		want int64
	}{
		{"sender id", telegramUpdate{Message: &telegramMessage{From: &telegramUser{ID: 9}, Chat: &telegramChat{ID: 100}}}, 9},
		{"edited message sender", telegramUpdate{EditedMessage: &telegramMessage{From: &telegramUser{ID: 9}}}, 9},
		{"chat fallback", telegramUpdate{Message: &telegramMessage{Chat: &telegramChat{ID: 100}}}, 100},
		{"no message", telegramUpdate{}, 0},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := updateKey(tt.u); got != tt.want {
				t.Fatalf("updateKey() = %d, want %d", got, tt.want)
			}
		})
	}
}
