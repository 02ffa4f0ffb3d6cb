package app

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"preconsult/internal/clock"
	"preconsult/internal/config"
	"preconsult/internal/consultation"
	"preconsult/internal/platform/telegram"
	"preconsult/internal/questions"
	"preconsult/internal/report"
	"preconsult/internal/speech"
	"preconsult/internal/store"
	"preconsult/internal/submission"
)

// App holds the wired services of one process.
type App struct {
	Config      config.Config
	KV          store.KV
	Questions   *questions.Bank
	Submissions submission.Repository
	Manager     *consultation.Manager
	Handler     *consultation.Handler

	db  *store.DB
	log *zap.Logger
}

// New builds every component from cfg. Telegram reports and speech are only
// wired when configured.
func New(ctx context.Context, cfg config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	a := &App{Config: cfg, log: log}

	bank := cfg.QuestionBank()
	if n := cfg.Conversation.QuestionCount; n < 1 || n > len(bank) {
		return nil, fmt.Errorf("question count %d is outside the bank of %d questions", n, len(bank))
	}

	// 1. Storage
	switch cfg.Storage.Driver {
	case "memory":
		a.KV = store.NewMemory()
		a.Submissions = submission.NewMemoryRepository()
	default:
		db, err := store.Open(ctx, cfg.Storage.Driver, cfg.Storage.DSN)
		if err != nil {
			return nil, err
		}
		a.db = db
		a.KV = store.NewSQLKV(db)
		a.Submissions = submission.NewRepository(db)
	}
	log.Info("Storage ready", zap.String("driver", cfg.Storage.Driver))

	// 2. Clients
	var reports submission.ReportService
	if cfg.Telegram.Token != "" && cfg.Telegram.DoctorChatID != 0 {
		reports = report.NewService(telegram.NewClient(cfg.Telegram.Token), cfg.Telegram.DoctorChatID, log)
	} else {
		log.Warn("TELEGRAM_BOT_TOKEN or DOCTOR_CHAT_ID is not set. Doctor reports are disabled.")
	}

	var tts consultation.TTSClient
	if cfg.Speech.ElevenLabsAPIKey != "" {
		tts = speech.NewElevenLabsClient(cfg.Speech.ElevenLabsAPIKey, cfg.Speech.VoiceID)
	}
	var stt consultation.STTClient
	if cfg.Speech.STTURL != "" {
		stt = speech.NewWhisperClient(cfg.Speech.STTURL)
	}

	// 3. Services
	a.Questions = questions.NewBank(bank, cfg.Conversation.Seed)

	a.Manager = consultation.NewManager(consultation.Deps{
		Store:     a.KV,
		Questions: a.Questions,
		Submitter: submission.NewService(a.Submissions, reports, cfg.Submission.Latency, log),
		Clock:     clock.New(),
		Logger:    log,
		Settings:  Settings(cfg.Conversation),
	})
	a.Handler = consultation.NewHandler(a.Manager, tts, stt, log)
	return a, nil
}

// Settings maps the conversation config onto the state machine constants.
func Settings(c config.ConversationConfig) consultation.Settings {
	return consultation.Settings{
		QuestionCount:       c.QuestionCount,
		MinNameLength:       c.MinNameLength,
		MaxAgeYears:         c.MaxAgeYears,
		TypingDelay:         c.TypingDelay,
		SettleDelay:         c.SettleDelay,
		RestoreDelay:        c.RestoreDelay,
		RestartDelay:        c.RestartDelay,
		CollaboratorTimeout: c.CollaboratorTimeout,
	}
}

// Router mounts the API under /api.
func (a *App) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(a.log))
	r.Use(middleware.Recoverer)

	// CORS for frontend
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "POST, GET, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Content-Length, Accept-Encoding, Authorization")
			if r.Method == http.MethodOptions {
				return
			}
			next.ServeHTTP(w, r)
		})
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		if a.db != nil {
			if err := a.db.PingContext(r.Context()); err != nil {
				http.Error(w, "database unavailable", http.StatusServiceUnavailable)
				return
			}
		}
		w.Write([]byte("ok"))
	})
	r.Route("/api", func(r chi.Router) {
		consultation.RegisterRoutes(r, a.Handler)
	})
	return r
}

// ResetSession deletes the saved snapshot of one session.
func (a *App) ResetSession(ctx context.Context, sessionID string) {
	consultation.NewSnapshotStore(a.KV, sessionID, a.log).Clear(ctx)
}

// Close releases the database and flushes the logger.
func (a *App) Close() error {
	var result *multierror.Error
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close database: %w", err))
		}
	}
	if err := a.log.Sync(); err != nil && !isStdSyncErr(err) {
		result = multierror.Append(result, fmt.Errorf("sync logger: %w", err))
	}
	return result.ErrorOrNil()
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	log = log.With(zap.String("component", "http"))
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("Request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
				zap.String("request_id", middleware.GetReqID(r.Context())))
		})
	}
}
