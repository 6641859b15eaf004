// Package live maintains realtime audio conversations against the
// Gemini BidiGenerateContent websocket endpoint. A session delivers
// everything the server sends on a single event channel so callers run
// one consumer loop instead of juggling callbacks.
package live

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	DefaultEndpoint = "wss://generativelanguage.googleapis.com/ws/google.ai.generativelanguage.v1alpha.GenerativeService.BidiGenerateContent"
	DefaultModel    = "models/gemini-2.5-flash-preview-native-audio-dialog"

	handshakeTimeout = 30 * time.Second

	// audioChunkSize is the PCM slice sent per realtimeInput message.
	audioChunkSize = 3200

	// maxTurnAudio caps the audio accumulated for a single model turn.
	// A runaway turn resets the buffer and surfaces an error event.
	maxTurnAudio = 10 << 20
)

type EventType int

const (
	EventAudio EventType = iota
	EventText
	EventTurnComplete
	EventInterrupted
	EventError
	EventClosed
)

type Event struct {
	Type  EventType
	Audio []byte
	Text  string
	Err   error
}

type Config struct {
	APIKey   string
	Model    string
	Endpoint string
}

type Session struct {
	ID     string
	conn   *websocket.Conn
	events chan Event
	// done releases the read loop when the consumer is gone and events
	// has backed up.
	done chan struct{}

	writeMu sync.Mutex

	closeOnce sync.Once
}

// Dial connects, sends the setup message, and waits for the server's
// first frame before handing the session back. The handshake shares a
// 30 second deadline across connect and first read.
func Dial(ctx context.Context, cfg Config) (*Session, error) {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.Model == "" {
		cfg.Model = DefaultModel
	}

	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	url := cfg.Endpoint
	if strings.Contains(url, "?") {
		url += "&key=" + cfg.APIKey
	} else {
		url += "?key=" + cfg.APIKey
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("live: dial: %w", err)
	}

	setup := map[string]any{
		"setup": map[string]any{
			"model": cfg.Model,
			"generationConfig": map[string]any{
				"responseModalities": []string{"AUDIO"},
			},
		},
	}
	if err := conn.WriteJSON(setup); err != nil {
		conn.Close()
		return nil, fmt.Errorf("live: setup: %w", err)
	}

	// The handshake resolves on the first server message, whatever its
	// content.
	deadline, _ := ctx.Deadline()
	conn.SetReadDeadline(deadline)
	if _, _, err := conn.ReadMessage(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("live: handshake: %w", err)
	}
	conn.SetReadDeadline(time.Time{})

	s := &Session{
		ID:     uuid.NewString(),
		conn:   conn,
		events: make(chan Event, 32),
		done:   make(chan struct{}),
	}
	go s.readLoop()
	return s, nil
}

// Events returns the channel carrying everything the server sends. The
// channel closes after EventClosed.
func (s *Session) Events() <-chan Event {
	return s.events
}

type serverMessage struct {
	ServerContent struct {
		ModelTurn struct {
			Parts []struct {
				Text       string `json:"text"`
				InlineData struct {
					MimeType string `json:"mimeType"`
					Data     string `json:"data"`
				} `json:"inlineData"`
			} `json:"parts"`
		} `json:"modelTurn"`
		TurnComplete bool `json:"turnComplete"`
		Interrupted  bool `json:"interrupted"`
	} `json:"serverContent"`
}

// emit delivers an event, giving up only when the session was closed
// and the buffer is full; an abandoned session with a backed-up buffer
// must not wedge the read loop. Events that still fit after Close are
// delivered so consumers draining to EventClosed see it.
func (s *Session) emit(ev Event) bool {
	select {
	case s.events <- ev:
		return true
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

func (s *Session) readLoop() {
	defer close(s.events)

	var turnAudio []byte
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				if !s.emit(Event{Type: EventError, Err: err}) {
					return
				}
			}
			s.emit(Event{Type: EventClosed})
			return
		}
		var msg serverMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		sc := msg.ServerContent

		if sc.Interrupted {
			turnAudio = nil
			if !s.emit(Event{Type: EventInterrupted}) {
				return
			}
			continue
		}
		for _, p := range sc.ModelTurn.Parts {
			if p.Text != "" {
				if !s.emit(Event{Type: EventText, Text: p.Text}) {
					return
				}
			}
			if p.InlineData.Data != "" {
				chunk, decErr := base64.StdEncoding.DecodeString(p.InlineData.Data)
				if decErr != nil {
					continue
				}
				if len(turnAudio)+len(chunk) > maxTurnAudio {
					turnAudio = nil
					if !s.emit(Event{Type: EventError, Err: fmt.Errorf("live: turn audio exceeded %d bytes", maxTurnAudio)}) {
						return
					}
					continue
				}
				turnAudio = append(turnAudio, chunk...)
			}
		}
		if sc.TurnComplete {
			if len(turnAudio) > 0 {
				if !s.emit(Event{Type: EventAudio, Audio: turnAudio}) {
					return
				}
				turnAudio = nil
			}
			if !s.emit(Event{Type: EventTurnComplete}) {
				return
			}
		}
	}
}

// SendAudio streams PCM (s16le 16kHz mono) in fixed-size chunks and
// marks the user turn complete.
func (s *Session) SendAudio(pcm []byte) error {
	for off := 0; off < len(pcm); off += audioChunkSize {
		end := off + audioChunkSize
		if end > len(pcm) {
			end = len(pcm)
		}
		msg := map[string]any{
			"realtimeInput": map[string]any{
				"mediaChunks": []map[string]any{{
					"mimeType": "audio/pcm;rate=16000",
					"data":     base64.StdEncoding.EncodeToString(pcm[off:end]),
				}},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return s.writeJSON(map[string]any{
		"clientContent": map[string]any{"turnComplete": true},
	})
}

func (s *Session) SendText(text string) error {
	return s.writeJSON(map[string]any{
		"clientContent": map[string]any{
			"turns": []map[string]any{{
				"role":  "user",
				"parts": []map[string]any{{"text": text}},
			}},
			"turnComplete": true,
		},
	})
}

func (s *Session) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(v)
}

// Close tears the connection down. Safe to call more than once; the
// read loop emits EventClosed and closes the event channel.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}
