package botcmd

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lodran/relai/audio"
	"github.com/lodran/relai/compat"
	"github.com/lodran/relai/dispatch"
	"github.com/lodran/relai/history"
	"github.com/lodran/relai/internal/fsstore"
	"github.com/lodran/relai/internal/retryutil"
	"github.com/lodran/relai/internal/userlock"
	"github.com/lodran/relai/live"
	"github.com/lodran/relai/llm"
	"github.com/lodran/relai/session"
	"github.com/lodran/relai/store"
)

const statusPlaceholder = "..."

type runtime struct {
	api      *telegramAPI
	logger   *slog.Logger
	st       *store.Store
	hist     *history.Store
	sessions *session.Manager
	resolver *compat.Resolver
	router   *dispatch.Router
	locker   *userlock.Locker
	liveMgr  *live.Manager
	audit    *fsstore.JSONLWriter

	taskTimeout time.Duration
}

type turnRecord struct {
	ID       string `json:"id"`
	Time     string `json:"time"`
	UserID   int64  `json:"user_id"`
	Mode     string `json:"mode"`
	InputLen int    `json:"input_len"`
	OutLen   int    `json:"out_len"`
	Millis   int64  `json:"ms"`
	Error    string `json:"error,omitempty"`
}

func (rt *runtime) recordTurn(userID int64, mode session.Mode, inputLen, outLen int, started time.Time, err error) {
	rec := turnRecord{
		ID:       uuid.NewString(),
		Time:     time.Now().UTC().Format(time.RFC3339),
		UserID:   userID,
		Mode:     string(mode),
		InputLen: inputLen,
		OutLen:   outLen,
		Millis:   time.Since(started).Milliseconds(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	if auditErr := rt.audit.AppendJSON(rec); auditErr != nil {
		rt.logger.Warn("audit_append_error", "error", auditErr.Error())
	}
}

func convoID(userID int64) string {
	return strconv.FormatInt(userID, 10)
}

func splitCommand(text string) (string, string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", text
	}
	word, rest, _ := strings.Cut(text, " ")
	// Strip the @botname suffix Telegram appends in groups.
	if i := strings.IndexByte(word, '@'); i > 0 {
		word = word[:i]
	}
	return strings.ToLower(word), strings.TrimSpace(rest)
}

func (rt *runtime) reply(ctx context.Context, chatID int64, text string) {
	if err := rt.api.sendMessageChunked(ctx, chatID, text); err != nil {
		rt.logger.Warn("telegram_send_error", "chat_id", chatID, "error", err.Error())
	}
}

func (rt *runtime) turnContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if rt.taskTimeout > 0 {
		return context.WithTimeout(ctx, rt.taskTimeout)
	}
	return context.WithCancel(ctx)
}

var modeCommands = map[string]session.Mode{
	"/chat":   session.ModeChat,
	"/search": session.ModeSearch,
	"/image":  session.ModeImage,
	"/tts":    session.ModeTTS,
	"/audio":  session.ModeAudio,
	"/live":   session.ModeLive,
}

func (rt *runtime) handleUpdate(ctx context.Context, u telegramUpdate) {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil || msg.Chat == nil || msg.From == nil || msg.From.IsBot {
		return
	}
	chatID := msg.Chat.ID
	userID := msg.From.ID
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}

	cmdWord, cmdArgs := splitCommand(text)

	switch cmdWord {
	case "/start", "/help":
		rt.reply(ctx, chatID, rt.helpText(userID))
		return
	case "/id":
		rt.reply(ctx, chatID, fmt.Sprintf("user_id=%d chat_id=%d", userID, chatID))
		return
	}

	if !rt.st.IsAllowed(userID) {
		rt.logger.Warn("unauthorized_user", "user_id", userID)
		rt.reply(ctx, chatID, "unauthorized")
		return
	}

	if mode, ok := modeCommands[cmdWord]; ok {
		rt.enterMode(ctx, chatID, userID, mode, cmdArgs)
		return
	}

	switch cmdWord {
	case "/cancel":
		left := rt.sessions.Cancel(userID)
		if left == session.ModeIdle {
			rt.reply(ctx, chatID, "nothing to cancel")
		} else {
			rt.reply(ctx, chatID, fmt.Sprintf("left %s mode, context cleared", left))
		}
		return
	case "/collapse":
		cur := rt.sessions.Get(userID)
		rt.sessions.SetCollapse(userID, !cur.Collapse)
		if cur.Collapse {
			rt.reply(ctx, chatID, "model thoughts will be shown")
		} else {
			rt.reply(ctx, chatID, "model thoughts will be hidden")
		}
		return
	case "/context":
		items := rt.hist.Items(convoID(userID))
		var bytes int
		for _, it := range items {
			bytes += len(it.Role) + 1 + len(it.Content) + len(it.Thought)
		}
		rt.reply(ctx, chatID, fmt.Sprintf("mode=%s messages=%d bytes=%d",
			rt.sessions.Get(userID).Mode, len(items), bytes))
		return
	case "/voice":
		rt.handleVoiceCommand(ctx, chatID, cmdArgs)
		return
	case "/provider", "/model", "/prompt", "/whitelist":
		if !rt.st.IsAdmin(userID) {
			rt.reply(ctx, chatID, "admin only")
			return
		}
		switch cmdWord {
		case "/provider":
			rt.handleProviderCommand(ctx, chatID, cmdArgs)
		case "/model":
			rt.handleModelCommand(ctx, chatID, cmdArgs)
		case "/prompt":
			rt.handlePromptCommand(ctx, chatID, cmdArgs)
		case "/whitelist":
			rt.handleWhitelistCommand(ctx, chatID, cmdArgs)
		}
		return
	}
	if cmdWord != "" {
		rt.reply(ctx, chatID, "unknown command, see /help")
		return
	}

	if msg.Voice != nil {
		rt.handleVoiceMessage(ctx, chatID, userID, msg.Voice)
		return
	}
	if len(msg.Photo) > 0 {
		rt.handlePhotoMessage(ctx, chatID, userID, msg.Photo, text)
		return
	}
	if text == "" {
		return
	}
	rt.runTurn(ctx, chatID, userID, text)
}

func (rt *runtime) helpText(userID int64) string {
	help := "Pick a mode, then just type:\n" +
		"/chat — talk to the bound chat model\n" +
		"/search — chat with web search\n" +
		"/image — generate images from prompts\n" +
		"/tts — synthesize voice messages from text\n" +
		"/audio — send voice notes, get voice replies\n" +
		"/live — realtime conversation (text or voice)\n" +
		"/cancel — leave the current mode and clear context\n" +
		"/context — show current mode and history size\n" +
		"/collapse — toggle hiding model thoughts\n" +
		"/voice — show or set the TTS voice\n" +
		"/id — show your numeric ids"
	if rt.st.IsAdmin(userID) {
		help += "\n\nAdmin:\n" +
			"/provider set <name> <api_key> [base_url] | del <name> | list\n" +
			"/model <kind> <provider> <model> | /model\n" +
			"/prompt set <name> <text> | use <kind> <name> | clear <kind> | del <name> | list\n" +
			"/whitelist mode allow|deny | allow <id> | deny <id> | show"
	}
	return help
}

// enterMode moves the user into a working mode; with arguments the
// first turn runs immediately.
func (rt *runtime) enterMode(ctx context.Context, chatID, userID int64, mode session.Mode, args string) {
	if err := rt.sessions.Enter(userID, mode); err != nil {
		if errors.Is(err, session.ErrBusy) {
			rt.reply(ctx, chatID, fmt.Sprintf("still in %s mode, /cancel first", rt.sessions.Get(userID).Mode))
		} else {
			rt.reply(ctx, chatID, "error: "+err.Error())
		}
		return
	}
	if args == "" {
		rt.reply(ctx, chatID, fmt.Sprintf("%s mode, send a message", mode))
		return
	}
	rt.runTurn(ctx, chatID, userID, args)
}

// runTurn routes plain text by the user's current mode. The whole turn
// runs under the per-user lock so a user's turns never interleave.
func (rt *runtime) runTurn(ctx context.Context, chatID, userID int64, input string) {
	mode := rt.sessions.Get(userID).Mode
	if mode == session.ModeIdle {
		rt.reply(ctx, chatID, "pick a mode first, see /help")
		return
	}

	err := rt.locker.Do(ctx, userID, func(ctx context.Context) error {
		started := time.Now()
		var outLen int
		var turnErr error
		switch mode {
		case session.ModeChat, session.ModeSearch:
			outLen, turnErr = rt.chatTurn(ctx, chatID, userID, mode, input)
		case session.ModeImage:
			outLen, turnErr = rt.imageTurn(ctx, chatID, userID, input)
		case session.ModeTTS:
			outLen, turnErr = rt.ttsTurn(ctx, chatID, userID, input)
		case session.ModeAudio:
			rt.reply(ctx, chatID, "audio mode takes voice notes; /live also accepts text")
			return nil
		case session.ModeLive:
			outLen, turnErr = rt.liveTextTurn(ctx, chatID, userID, input)
		}
		rt.recordTurn(userID, mode, len(input), outLen, started, turnErr)
		return turnErr
	})
	if err != nil && ctx.Err() == nil {
		rt.logger.Warn("turn_error", "user_id", userID, "mode", mode, "error", err.Error())
	}
}

// chatTurn sends a placeholder, runs the model call, and either edits
// the placeholder with the reply or replaces it with chunked messages.
// A failed turn edits the placeholder and leaves history untouched.
func (rt *runtime) chatTurn(ctx context.Context, chatID, userID int64, mode session.Mode, input string) (int, error) {
	kind := store.KindChat
	if mode == session.ModeSearch {
		kind = store.KindSearch
	}
	placeholderID, err := rt.api.sendMessage(ctx, chatID, statusPlaceholder)
	if err != nil {
		return 0, err
	}

	convo := convoID(userID)
	items := rt.hist.Items(convo)
	msgs := make([]llm.Message, 0, len(items)+1)
	for _, it := range items {
		msgs = append(msgs, llm.Message{Role: it.Role, Content: it.Content})
	}
	msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: rt.st.ApplyPromptPrefix(kind, input)})

	callCtx, cancel := rt.turnContext(ctx)
	resp, err := rt.router.Chat(callCtx, false, kind, msgs, llm.ChatOptions{
		UseSearch: kind == store.KindSearch,
	})
	cancel()
	if err != nil {
		_ = rt.api.editMessageText(ctx, chatID, placeholderID, "error: "+err.Error())
		return 0, err
	}

	output := rt.formatReply(userID, resp)
	if len(output) <= 3500 {
		if err := rt.api.editMessageText(ctx, chatID, placeholderID, output); err != nil {
			rt.reply(ctx, chatID, output)
		}
	} else {
		_ = rt.api.deleteMessage(ctx, chatID, placeholderID)
		rt.reply(ctx, chatID, output)
	}

	rt.hist.Append(convo, history.Item{Role: llm.RoleUser, Content: input})
	rt.hist.Append(convo, history.Item{Role: llm.RoleAssistant, Content: resp.Content, Thought: resp.Thought})
	return len(output), nil
}

func (rt *runtime) formatReply(userID int64, resp llm.Response) string {
	if resp.Thought == "" || rt.sessions.Get(userID).Collapse {
		return resp.Content
	}
	quoted := "> " + strings.ReplaceAll(strings.TrimSpace(resp.Thought), "\n", "\n> ")
	return quoted + "\n\n" + resp.Content
}

func (rt *runtime) imageTurn(ctx context.Context, chatID, userID int64, prompt string) (int, error) {
	_ = rt.api.sendChatAction(ctx, chatID, "upload_photo")

	callCtx, cancel := rt.turnContext(ctx)
	res, err := rt.router.GenerateImage(callCtx, false, rt.st.ApplyPromptPrefix(store.KindImage, prompt))
	cancel()
	if err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}
	if len(res.Data) == 0 {
		rt.reply(ctx, chatID, res.Text)
		return len(res.Text), nil
	}
	if err := rt.api.sendPhoto(ctx, chatID, res.Data, res.Text); err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}
	return len(res.Data), nil
}

// ttsTurn synthesizes the text and delivers it as a voice note. Raw
// PCM answers are transcoded to OGG/Opus; if ffmpeg is unavailable the
// PCM is wrapped as WAV and sent as an audio file instead.
func (rt *runtime) ttsTurn(ctx context.Context, chatID, userID int64, input string) (int, error) {
	_ = rt.api.sendChatAction(ctx, chatID, "record_voice")

	callCtx, cancel := rt.turnContext(ctx)
	res, err := rt.router.TTS(callCtx, true, rt.st.ApplyPromptPrefix(store.KindTTS, input), "")
	cancel()
	if err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}

	if rate := audio.RateFromMIME(res.MIME); rate > 0 || strings.HasPrefix(res.MIME, "audio/L16") {
		if rate == 0 {
			rate = audio.DefaultOutputRate
		}
		ogg, encErr := audio.EncodePCMToOgg(ctx, res.Audio, rate)
		if encErr == nil {
			if err := rt.api.sendVoice(ctx, chatID, ogg, ""); err != nil {
				rt.reply(ctx, chatID, "error: "+err.Error())
				return 0, err
			}
			return len(ogg), nil
		}
		rt.logger.Warn("tts_transcode_error", "error", encErr.Error())
		wav := audio.WrapWAV(res.Audio, rate)
		if err := rt.api.sendAudioFile(ctx, chatID, wav, "speech.wav", ""); err != nil {
			rt.reply(ctx, chatID, "error: "+err.Error())
			return 0, err
		}
		return len(wav), nil
	}

	if err := rt.api.sendVoice(ctx, chatID, res.Audio, ""); err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}
	return len(res.Audio), nil
}

// liveConfig builds the realtime session config from the live model
// binding; the default model is used when no binding exists but a
// Gemini-family credential is still required.
func (rt *runtime) liveConfig() (live.Config, error) {
	binding, err := rt.st.Model(store.KindLive)
	if err != nil {
		return live.Config{}, fmt.Errorf("no live model bound, set one with /model live <provider> <model>")
	}
	cred, err := rt.st.Provider(binding.Provider)
	if err != nil {
		return live.Config{}, err
	}
	model := binding.Model
	if !strings.HasPrefix(model, "models/") {
		model = "models/" + model
	}
	return live.Config{APIKey: cred.APIKey, Model: model}, nil
}

func (rt *runtime) liveSession(ctx context.Context, userID int64) (*live.Session, error) {
	if s, ok := rt.liveMgr.Get(userID); ok {
		return s, nil
	}
	cfg, err := rt.liveConfig()
	if err != nil {
		return nil, err
	}
	return rt.liveMgr.Open(ctx, userID, cfg)
}

// collectLiveReply drains the session's event channel until the model
// completes its turn.
func (rt *runtime) collectLiveReply(ctx context.Context, s *live.Session) ([]byte, string, error) {
	var pcm []byte
	var text strings.Builder
	for {
		select {
		case <-ctx.Done():
			return nil, "", ctx.Err()
		case ev, ok := <-s.Events():
			if !ok {
				return nil, "", fmt.Errorf("live session closed")
			}
			switch ev.Type {
			case live.EventAudio:
				pcm = ev.Audio
			case live.EventText:
				text.WriteString(ev.Text)
			case live.EventTurnComplete:
				return pcm, text.String(), nil
			case live.EventInterrupted:
				pcm = nil
				text.Reset()
			case live.EventError:
				return nil, "", ev.Err
			case live.EventClosed:
				return nil, "", fmt.Errorf("live session closed")
			}
		}
	}
}

// deliverLiveReply sends the model's audio as a voice note plus any
// text transcript.
func (rt *runtime) deliverLiveReply(ctx context.Context, chatID int64, pcm []byte, text string) (int, error) {
	sent := 0
	if len(pcm) > 0 {
		ogg, err := audio.EncodePCMToOgg(ctx, pcm, audio.DefaultOutputRate)
		if err != nil {
			rt.logger.Warn("live_transcode_error", "error", err.Error())
			wav := audio.WrapWAV(pcm, audio.DefaultOutputRate)
			if err := rt.api.sendAudioFile(ctx, chatID, wav, "reply.wav", ""); err != nil {
				return 0, err
			}
			sent += len(wav)
		} else {
			if err := rt.api.sendVoice(ctx, chatID, ogg, ""); err != nil {
				return 0, err
			}
			sent += len(ogg)
		}
	}
	if strings.TrimSpace(text) != "" {
		rt.reply(ctx, chatID, text)
		sent += len(text)
	}
	if sent == 0 {
		rt.reply(ctx, chatID, "(no reply)")
	}
	return sent, nil
}

func (rt *runtime) liveTextTurn(ctx context.Context, chatID, userID int64, input string) (int, error) {
	s, err := rt.liveSession(ctx, userID)
	if err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}
	_ = rt.api.sendChatAction(ctx, chatID, "record_voice")
	if err := s.SendText(input); err != nil {
		rt.handleLiveFailure(chatID, userID, err)
		return 0, err
	}
	callCtx, cancel := rt.turnContext(ctx)
	pcm, text, err := rt.collectLiveReply(callCtx, s)
	cancel()
	if err != nil {
		rt.handleLiveFailure(chatID, userID, err)
		return 0, err
	}
	return rt.deliverLiveReply(ctx, chatID, pcm, text)
}

// handleLiveFailure drops the broken session and schedules a background
// reopen so the next turn finds a fresh one.
func (rt *runtime) handleLiveFailure(chatID, userID int64, err error) {
	rt.logger.Warn("live_session_error", "user_id", userID, "error", err.Error())
	rt.liveMgr.Close(userID)
	retryutil.AsyncRetry(rt.logger, "live_reopen", 2*time.Second, 45*time.Second, func(ctx context.Context) error {
		mode := rt.sessions.Get(userID).Mode
		if mode != session.ModeLive && mode != session.ModeAudio {
			return nil
		}
		cfg, cfgErr := rt.liveConfig()
		if cfgErr != nil {
			return cfgErr
		}
		_, openErr := rt.liveMgr.Open(ctx, userID, cfg)
		return openErr
	})
	rt.reply(context.Background(), chatID, "error: "+err.Error())
}

// handleVoiceMessage runs a voice note through the realtime session:
// download, decode to PCM, stream, reply with synthesized audio.
func (rt *runtime) handleVoiceMessage(ctx context.Context, chatID, userID int64, voice *telegramVoice) {
	mode := rt.sessions.Get(userID).Mode
	if mode != session.ModeAudio && mode != session.ModeLive {
		rt.reply(ctx, chatID, "enter /audio or /live mode first")
		return
	}

	err := rt.locker.Do(ctx, userID, func(ctx context.Context) error {
		started := time.Now()
		outLen, turnErr := rt.voiceTurn(ctx, chatID, userID, voice)
		rt.recordTurn(userID, mode, int(voice.FileSize), outLen, started, turnErr)
		return turnErr
	})
	if err != nil && ctx.Err() == nil {
		rt.logger.Warn("voice_turn_error", "user_id", userID, "error", err.Error())
	}
}

func (rt *runtime) voiceTurn(ctx context.Context, chatID, userID int64, voice *telegramVoice) (int, error) {
	_ = rt.api.sendChatAction(ctx, chatID, "record_voice")

	file, err := rt.api.getFile(ctx, voice.FileID)
	if err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}
	ogg, err := rt.api.downloadFile(ctx, file.FilePath, 0)
	if err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}
	pcm, err := audio.DecodeOggToPCM(ctx, ogg)
	if err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}

	s, err := rt.liveSession(ctx, userID)
	if err != nil {
		rt.reply(ctx, chatID, "error: "+err.Error())
		return 0, err
	}
	if err := s.SendAudio(pcm); err != nil {
		rt.handleLiveFailure(chatID, userID, err)
		return 0, err
	}
	callCtx, cancel := rt.turnContext(ctx)
	replyPCM, text, err := rt.collectLiveReply(callCtx, s)
	cancel()
	if err != nil {
		rt.handleLiveFailure(chatID, userID, err)
		return 0, err
	}
	return rt.deliverLiveReply(ctx, chatID, replyPCM, text)
}

// handlePhotoMessage answers questions about an image with the chat
// binding's vision capability. Works in chat and search modes.
func (rt *runtime) handlePhotoMessage(ctx context.Context, chatID, userID int64, sizes []telegramPhotoSize, caption string) {
	mode := rt.sessions.Get(userID).Mode
	if mode != session.ModeChat && mode != session.ModeSearch {
		rt.reply(ctx, chatID, "enter /chat mode first to ask about images")
		return
	}

	// Telegram lists sizes smallest first.
	largest := sizes[len(sizes)-1]

	err := rt.locker.Do(ctx, userID, func(ctx context.Context) error {
		started := time.Now()
		outLen, turnErr := rt.visionTurn(ctx, chatID, userID, largest, caption)
		rt.recordTurn(userID, mode, int(largest.FileSize), outLen, started, turnErr)
		return turnErr
	})
	if err != nil && ctx.Err() == nil {
		rt.logger.Warn("vision_turn_error", "user_id", userID, "error", err.Error())
	}
}

func (rt *runtime) visionTurn(ctx context.Context, chatID, userID int64, photo telegramPhotoSize, caption string) (int, error) {
	placeholderID, err := rt.api.sendMessage(ctx, chatID, statusPlaceholder)
	if err != nil {
		return 0, err
	}
	fail := func(err error) (int, error) {
		_ = rt.api.editMessageText(ctx, chatID, placeholderID, "error: "+err.Error())
		return 0, err
	}

	file, err := rt.api.getFile(ctx, photo.FileID)
	if err != nil {
		return fail(err)
	}
	data, err := rt.api.downloadFile(ctx, file.FilePath, 0)
	if err != nil {
		return fail(err)
	}

	callCtx, cancel := rt.turnContext(ctx)
	text, err := rt.router.ChatVision(callCtx, false, store.KindChat,
		base64.StdEncoding.EncodeToString(data), "image/jpeg", caption)
	cancel()
	if err != nil {
		return fail(err)
	}

	if len(text) <= 3500 {
		if err := rt.api.editMessageText(ctx, chatID, placeholderID, text); err != nil {
			rt.reply(ctx, chatID, text)
		}
	} else {
		_ = rt.api.deleteMessage(ctx, chatID, placeholderID)
		rt.reply(ctx, chatID, text)
	}
	return len(text), nil
}
