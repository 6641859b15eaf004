// Package botcmd runs the Telegram bot: it long-polls for updates,
// routes each one through the per-user lock and mode state machine, and
// relays AI calls through the dispatch router.
package botcmd

import (
	"fmt"
	"net/http"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/lodran/relai/compat"
	"github.com/lodran/relai/dispatch"
	"github.com/lodran/relai/history"
	"github.com/lodran/relai/internal/fsstore"
	"github.com/lodran/relai/internal/gate"
	"github.com/lodran/relai/internal/httpretry"
	"github.com/lodran/relai/internal/logutil"
	"github.com/lodran/relai/internal/userlock"
	"github.com/lodran/relai/internal/worker"
	"github.com/lodran/relai/live"
	"github.com/lodran/relai/llm"
	"github.com/lodran/relai/providers/claude"
	"github.com/lodran/relai/providers/gemini"
	"github.com/lodran/relai/providers/openai"
	"github.com/lodran/relai/session"
	"github.com/lodran/relai/store"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func New() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bot",
		Short: "Run the Telegram relay bot",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBot(cmd)
		},
	}

	cmd.Flags().String("bot-token", "", "Telegram bot token.")
	cmd.Flags().String("data-dir", "./data", "Directory for the bot's persisted state.")
	cmd.Flags().String("seed", "", "YAML seed file imported on startup (providers, models, admins).")
	cmd.Flags().Duration("poll-timeout", 30*time.Second, "Long polling timeout for getUpdates.")
	cmd.Flags().Duration("task-timeout", 0, "Per-turn timeout (0 uses the vendor call default).")
	cmd.Flags().Int("gate-limit", gate.DefaultLimit, "Max concurrent outbound AI calls.")
	cmd.Flags().Int("workers", 8, "Max updates processed concurrently.")
	cmd.Flags().StringArray("admin", nil, "Admin user id(s), seeded into the whitelist.")

	_ = viper.BindPFlag("telegram.bot_token", cmd.Flags().Lookup("bot-token"))
	_ = viper.BindPFlag("data_dir", cmd.Flags().Lookup("data-dir"))
	_ = viper.BindPFlag("seed", cmd.Flags().Lookup("seed"))
	_ = viper.BindPFlag("telegram.poll_timeout", cmd.Flags().Lookup("poll-timeout"))
	_ = viper.BindPFlag("telegram.task_timeout", cmd.Flags().Lookup("task-timeout"))
	_ = viper.BindPFlag("ai.gate_limit", cmd.Flags().Lookup("gate-limit"))
	_ = viper.BindPFlag("telegram.workers", cmd.Flags().Lookup("workers"))
	_ = viper.BindPFlag("whitelist.admins", cmd.Flags().Lookup("admin"))

	return cmd
}

func runBot(cmd *cobra.Command) error {
	token := strings.TrimSpace(viper.GetString("telegram.bot_token"))
	if token == "" {
		return fmt.Errorf("missing telegram.bot_token (set via --bot-token or RELAI_TELEGRAM_BOT_TOKEN)")
	}

	logger, err := logutil.LoggerFromViper()
	if err != nil {
		return err
	}

	dataDir := strings.TrimSpace(viper.GetString("data_dir"))
	if dataDir == "" {
		dataDir = "./data"
	}

	st, err := store.Open(dataDir, token, logger)
	if err != nil {
		return err
	}
	if seedPath := strings.TrimSpace(viper.GetString("seed")); seedPath != "" {
		if err := st.ImportSeed(seedPath); err != nil {
			return fmt.Errorf("seed import: %w", err)
		}
	}
	if admins := viper.GetStringSlice("whitelist.admins"); len(admins) > 0 {
		ids := make([]int64, 0, len(admins))
		for _, s := range admins {
			id, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
			if err != nil {
				return fmt.Errorf("invalid admin id %q: %w", s, err)
			}
			ids = append(ids, id)
		}
		st.SeedAdmins(ids)
	}

	hist := history.New(history.DefaultCaps())
	hist.Restore(st.Histories())
	hist.SetOnChange(func() {
		st.SaveHistories(hist.Snapshot())
	})

	resolver := compat.NewResolver()
	resolver.Restore(st.Compat())

	liveMgr := live.NewManager()

	var sessions *session.Manager
	sessions = session.NewManager(session.Hooks{
		ClearHistory: func(userID int64) {
			hist.Clear(strconv.FormatInt(userID, 10))
		},
		CloseLive: liveMgr.Close,
		OnChange: func() {
			st.SaveSessions(sessions.Snapshot())
		},
	})
	sessions.Restore(st.Sessions())

	rc := httpretry.New()
	router := dispatch.New(st, resolver, gate.New(viper.GetInt("ai.gate_limit")), map[compat.Family]llm.Adapter{
		compat.FamilyOpenAI: openai.New(rc),
		compat.FamilyGemini: gemini.New(rc),
		compat.FamilyClaude: claude.New(rc),
	}, logger)

	audit, err := fsstore.NewJSONLWriter(filepath.Join(dataDir, "turns.jsonl"), fsstore.JSONLOptions{
		FlushEachWrite: true,
		RotateMaxBytes: 32 * 1024 * 1024,
	})
	if err != nil {
		return err
	}
	defer audit.Close()

	api := newTelegramAPI(&http.Client{Timeout: 60 * time.Second}, "https://api.telegram.org", token)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	me, err := api.getMe(ctx)
	if err != nil {
		return err
	}

	pollTimeout := viper.GetDuration("telegram.poll_timeout")
	if pollTimeout <= 0 {
		pollTimeout = 30 * time.Second
	}
	workers := viper.GetInt("telegram.workers")
	if workers <= 0 {
		workers = 8
	}

	rt := &runtime{
		api:         api,
		logger:      logger,
		st:          st,
		hist:        hist,
		sessions:    sessions,
		resolver:    resolver,
		router:      router,
		locker:      userlock.New(),
		liveMgr:     liveMgr,
		audit:       audit,
		taskTimeout: viper.GetDuration("telegram.task_timeout"),
	}

	logger.Info("bot_start",
		"bot_username", me.Username,
		"bot_id", me.ID,
		"data_dir", dataDir,
		"poll_timeout", pollTimeout.String(),
		"gate_limit", viper.GetInt("ai.gate_limit"),
		"workers", workers,
	)

	// One queue per sender keeps that sender's updates in arrival order;
	// the shared semaphore still caps total concurrency.
	sem := make(chan struct{}, workers)
	pool := worker.NewKeyed[int64, telegramUpdate](ctx, sem, 16, rt.handleUpdate)

	var offset int64
	for {
		updates, nextOffset, err := api.getUpdates(ctx, offset, pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if !isTelegramPollTimeoutError(err) {
				logger.Warn("telegram_get_updates_error", "error", err.Error())
				time.Sleep(time.Second)
			}
			continue
		}
		offset = nextOffset
		for _, u := range updates {
			if err := pool.Enqueue(ctx, updateKey(u), u); err != nil {
				break
			}
		}
		if ctx.Err() != nil {
			break
		}
	}

	logger.Info("bot_shutdown")
	liveMgr.CloseAll()
	st.SaveHistories(hist.Snapshot())
	st.SaveSessions(sessions.Snapshot())
	catalog, overrides := resolver.Catalog(), resolver.Overrides()
	st.SaveCompat(catalog, overrides)
	if err := st.FlushNow(); err != nil {
		logger.Error("final_flush_error", "error", err.Error())
		return err
	}
	return nil
}

// updateKey picks the queue key for an update: the sender when known,
// else the chat. Malformed updates share key 0 and are dropped by the
// handler anyway.
func updateKey(u telegramUpdate) int64 {
	msg := u.Message
	if msg == nil {
		msg = u.EditedMessage
	}
	if msg == nil {
		return 0
	}
	if msg.From != nil {
		return msg.From.ID
	}
	if msg.Chat != nil {
		return msg.Chat.ID
	}
	return 0
}
