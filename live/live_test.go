package live

import (
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{}

// liveServer fakes the BidiGenerateContent endpoint: it acknowledges
// setup, then answers every client turn via respond.
func liveServer(t *testing.T, respond func(conn *websocket.Conn, client map[string]any)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("key") != "test-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var setup map[string]any
		if err := conn.ReadJSON(&setup); err != nil {
			return
		}
		if _, ok := setup["setup"]; !ok {
			t.Error("first client frame is not a setup message")
		}
		conn.WriteJSON(map[string]any{"setupComplete": map[string]any{}})

		for {
			var client map[string]any
			if err := conn.ReadJSON(&client); err != nil {
				return
			}
			respond(conn, client)
		}
	}))
}

func wsEndpoint(srv *httptest.Server) string {
	return "ws://" + strings.TrimPrefix(srv.URL, "http://")
}

func collectUntilTurnComplete(t *testing.T, s *Session) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-s.Events():
			if !ok {
				t.Fatalf("event channel closed early, got %v", events)
			}
			events = append(events, ev)
			if ev.Type == EventTurnComplete {
				return events
			}
		case <-timeout:
			t.Fatalf("timed out waiting for turn completion, got %v", events)
		}
	}
}

func TestSessionAudioTurn(t *testing.T) {
	chunk1 := []byte{1, 2, 3}
	chunk2 := []byte{4, 5}
	srv := liveServer(t, func(conn *websocket.Conn, client map[string]any) {
		if _, ok := client["clientContent"]; !ok {
			return
		}
		audioPart := func(b []byte) map[string]any {
			return map[string]any{"inlineData": map[string]any{
				"mimeType": "audio/pcm;rate=24000",
				"data":     base64.StdEncoding.EncodeToString(b),
			}}
		}
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{audioPart(chunk1)}},
		}})
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn":    map[string]any{"parts": []any{audioPart(chunk2), map[string]any{"text": "spoken words"}}},
			"turnComplete": true,
		}})
	})
	defer srv.Close()

	s, err := Dial(context.Background(), Config{APIKey: "test-key", Endpoint: wsEndpoint(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if err := s.SendText("hello"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	events := collectUntilTurnComplete(t, s)

	var audio []byte
	var text string
	for _, ev := range events {
		switch ev.Type {
		case EventAudio:
			audio = ev.Audio
		case EventText:
			text = ev.Text
		case EventError:
			t.Fatalf("unexpected error event: %v", ev.Err)
		}
	}
	if string(audio) != string(append(append([]byte{}, chunk1...), chunk2...)) {
		t.Fatalf("audio = %v", audio)
	}
	if text != "spoken words" {
		t.Fatalf("text = %q", text)
	}
}

func TestSendAudioChunksAndCompletesTurn(t *testing.T) {
	gotChunks := make(chan int, 16)
	srv := liveServer(t, func(conn *websocket.Conn, client map[string]any) {
		if ri, ok := client["realtimeInput"].(map[string]any); ok {
			chunks := ri["mediaChunks"].([]any)
			first := chunks[0].(map[string]any)
			if first["mimeType"] != "audio/pcm;rate=16000" {
				t.Errorf("mimeType = %v", first["mimeType"])
			}
			data, _ := base64.StdEncoding.DecodeString(first["data"].(string))
			gotChunks <- len(data)
			return
		}
		if cc, ok := client["clientContent"].(map[string]any); ok && cc["turnComplete"] == true {
			conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
		}
	})
	defer srv.Close()

	s, err := Dial(context.Background(), Config{APIKey: "test-key", Endpoint: wsEndpoint(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	pcm := make([]byte, audioChunkSize+100)
	if err := s.SendAudio(pcm); err != nil {
		t.Fatalf("SendAudio: %v", err)
	}
	collectUntilTurnComplete(t, s)

	if n := <-gotChunks; n != audioChunkSize {
		t.Fatalf("first chunk = %d bytes, want %d", n, audioChunkSize)
	}
	if n := <-gotChunks; n != 100 {
		t.Fatalf("second chunk = %d bytes, want 100", n)
	}
}

func TestInterruptedDropsBufferedAudio(t *testing.T) {
	srv := liveServer(t, func(conn *websocket.Conn, client map[string]any) {
		if _, ok := client["clientContent"]; !ok {
			return
		}
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{
			"modelTurn": map[string]any{"parts": []any{map[string]any{
				"inlineData": map[string]any{
					"mimeType": "audio/pcm;rate=24000",
					"data":     base64.StdEncoding.EncodeToString([]byte{1, 2, 3}),
				},
			}}},
		}})
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{"interrupted": true}})
		conn.WriteJSON(map[string]any{"serverContent": map[string]any{"turnComplete": true}})
	})
	defer srv.Close()

	s, err := Dial(context.Background(), Config{APIKey: "test-key", Endpoint: wsEndpoint(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer s.Close()

	if err := s.SendText("hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}
	events := collectUntilTurnComplete(t, s)

	sawInterrupted := false
	for _, ev := range events {
		if ev.Type == EventInterrupted {
			sawInterrupted = true
		}
		if ev.Type == EventAudio {
			t.Fatalf("audio survived the interruption: %v", ev.Audio)
		}
	}
	if !sawInterrupted {
		t.Fatalf("no interrupted event in %v", events)
	}
}

func TestCloseReleasesBackedUpReadLoop(t *testing.T) {
	// Flood well past the event buffer while nothing consumes.
	srv := liveServer(t, func(conn *websocket.Conn, client map[string]any) {
		if _, ok := client["clientContent"]; !ok {
			return
		}
		for i := 0; i < 100; i++ {
			conn.WriteJSON(map[string]any{"serverContent": map[string]any{
				"modelTurn": map[string]any{"parts": []any{map[string]any{"text": "chatter"}}},
			}})
		}
	})
	defer srv.Close()

	s, err := Dial(context.Background(), Config{APIKey: "test-key", Endpoint: wsEndpoint(srv)})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	if err := s.SendText("hi"); err != nil {
		t.Fatalf("SendText: %v", err)
	}

	// Let the read loop fill the buffer and block on the next event.
	time.Sleep(100 * time.Millisecond)
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// The read loop must exit and close the channel even though most
	// events were never consumed.
	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-s.Events():
			if !ok {
				return
			}
		case <-timeout:
			t.Fatal("event channel never closed after Close")
		}
	}
}

func TestManagerOpenReplacesExistingSession(t *testing.T) {
	srv := liveServer(t, func(conn *websocket.Conn, client map[string]any) {})
	defer srv.Close()

	m := NewManager()
	cfg := Config{APIKey: "test-key", Endpoint: wsEndpoint(srv)}

	first, err := m.Open(context.Background(), 7, cfg)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	second, err := m.Open(context.Background(), 7, cfg)
	if err != nil {
		t.Fatalf("Open second: %v", err)
	}
	if first.ID == second.ID {
		t.Fatalf("expected a fresh session")
	}

	// The replaced session's channel drains to closed.
	waitClosed := func(s *Session) {
		timeout := time.After(5 * time.Second)
		for {
			select {
			case ev, ok := <-s.Events():
				if !ok {
					t.Fatal("channel closed without EventClosed")
				}
				if ev.Type == EventClosed {
					return
				}
			case <-timeout:
				t.Fatal("replaced session never closed")
			}
		}
	}
	waitClosed(first)

	got, ok := m.Get(7)
	if !ok || got.ID != second.ID {
		t.Fatalf("Get = %v %v", got, ok)
	}
	m.Close(7)
	if _, ok := m.Get(7); ok {
		t.Fatal("session survived Close")
	}
}
