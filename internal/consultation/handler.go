package consultation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Sessions opens conversations by id.
type Sessions interface {
	Open(ctx context.Context, id string) (*Conversation, error)
}

type Handler struct {
	sessions Sessions
	tts      TTSClient
	stt      STTClient
	log      *zap.Logger
}

// NewHandler wires the HTTP API. tts and stt may be nil, which disables the
// speech endpoints.
func NewHandler(sessions Sessions, tts TTSClient, stt STTClient, log *zap.Logger) *Handler {
	if log == nil {
		log = zap.NewNop()
	}
	return &Handler{sessions: sessions, tts: tts, stt: stt, log: log.With(zap.String("component", "http"))}
}

type AgreementRequest struct {
	Agreed bool `json:"agreed"`
}

type NameRequest struct {
	Name string `json:"name"`
}

// DateOfBirthRequest carries either a typed DD/MM/YYYY value or the
// YYYY-MM-DD value of a date picker.
type DateOfBirthRequest struct {
	DOB  string `json:"dob"`
	Date string `json:"date"`
}

type GenderRequest struct {
	Gender string `json:"gender"`
}

type AnswerRequest struct {
	Answer string `json:"answer"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
	View  *View  `json:"view,omitempty"`
}

func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	conv, err := h.sessions.Open(r.Context(), uuid.New().String())
	if err != nil {
		h.log.Error("Failed to create session", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to create session"})
		return
	}
	writeJSON(w, http.StatusCreated, conv.View())
}

func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	conv, ok := h.open(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, conv.View())
}

func (h *Handler) Agreement(w http.ResponseWriter, r *http.Request) {
	var req AgreementRequest
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, r, func(ctx context.Context, c *Conversation) error {
		return c.Agree(ctx, req.Agreed)
	})
}

func (h *Handler) Name(w http.ResponseWriter, r *http.Request) {
	var req NameRequest
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, r, func(ctx context.Context, c *Conversation) error {
		return c.SubmitName(ctx, req.Name)
	})
}

func (h *Handler) DateOfBirth(w http.ResponseWriter, r *http.Request) {
	var req DateOfBirthRequest
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, r, func(ctx context.Context, c *Conversation) error {
		if req.Date != "" {
			return c.SubmitDateOfBirthNative(ctx, req.Date)
		}
		return c.SubmitDateOfBirthText(ctx, req.DOB)
	})
}

func (h *Handler) Gender(w http.ResponseWriter, r *http.Request) {
	var req GenderRequest
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, r, func(ctx context.Context, c *Conversation) error {
		return c.SubmitGender(ctx, req.Gender)
	})
}

func (h *Handler) Answer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !decode(w, r, &req) {
		return
	}
	h.apply(w, r, func(ctx context.Context, c *Conversation) error {
		return c.SubmitAnswer(ctx, req.Answer)
	})
}

func (h *Handler) Restart(w http.ResponseWriter, r *http.Request) {
	h.apply(w, r, func(ctx context.Context, c *Conversation) error {
		return c.Restart(ctx)
	})
}

// AnswerAudio transcribes a spoken answer and submits it as text.
func (h *Handler) AnswerAudio(w http.ResponseWriter, r *http.Request) {
	if h.stt == nil {
		http.NotFound(w, r)
		return
	}
	// Limit upload size (10MB)
	if err := r.ParseMultipartForm(10 << 20); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid multipart form"})
		return
	}
	file, _, err := r.FormFile("audio")
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Error retrieving audio file"})
		return
	}
	defer file.Close()

	var buf bytes.Buffer
	if _, err := io.Copy(&buf, file); err != nil {
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to read audio file"})
		return
	}

	text, err := h.stt.Transcribe(r.Context(), buf.Bytes())
	if err != nil {
		h.log.Error("Transcription failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "Transcription failed"})
		return
	}
	h.apply(w, r, func(ctx context.Context, c *Conversation) error {
		return c.SubmitAnswer(ctx, text)
	})
}

// MessageSpeech reads one bot message aloud.
func (h *Handler) MessageSpeech(w http.ResponseWriter, r *http.Request) {
	if h.tts == nil {
		http.NotFound(w, r)
		return
	}
	id, err := strconv.Atoi(chi.URLParam(r, "messageID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid message ID"})
		return
	}
	conv, ok := h.open(w, r)
	if !ok {
		return
	}

	view := conv.View()
	if id < 1 || id > len(view.Messages) || view.Messages[id-1].Role != RoleBot {
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: "Bot message not found"})
		return
	}

	audio, err := h.tts.Synthesize(r.Context(), view.Messages[id-1].Content, "")
	if err != nil {
		h.log.Error("TTS failed", zap.Error(err))
		writeJSON(w, http.StatusBadGateway, ErrorResponse{Error: "TTS failed"})
		return
	}
	w.Header().Set("Content-Type", "audio/mpeg")
	w.Write(audio)
}

func (h *Handler) open(w http.ResponseWriter, r *http.Request) (*Conversation, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "sessionID"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid session ID"})
		return nil, false
	}
	conv, err := h.sessions.Open(r.Context(), id.String())
	if err != nil {
		h.log.Error("Failed to open session", zap.String("session_id", id.String()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Failed to open session"})
		return nil, false
	}
	return conv, true
}

func (h *Handler) apply(w http.ResponseWriter, r *http.Request, fn func(context.Context, *Conversation) error) {
	conv, ok := h.open(w, r)
	if !ok {
		return
	}

	err := fn(r.Context(), conv)
	var inputErr *InputError
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, conv.View())
	case errors.As(err, &inputErr):
		view := conv.View()
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: inputErr.Reason, Field: inputErr.Field, View: &view})
	case errors.Is(err, ErrBusy), errors.Is(err, ErrWrongStep):
		view := conv.View()
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), View: &view})
	default:
		h.log.Error("Processing failed", zap.String("session_id", conv.ID()), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Processing failed"})
	}
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "Invalid request"})
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func RegisterRoutes(r chi.Router, h *Handler) {
	r.Post("/sessions", h.CreateSession)
	r.Route("/sessions/{sessionID}", func(r chi.Router) {
		r.Get("/", h.GetSession)
		r.Post("/agreement", h.Agreement)
		r.Post("/name", h.Name)
		r.Post("/dob", h.DateOfBirth)
		r.Post("/gender", h.Gender)
		r.Post("/answer", h.Answer)
		r.Post("/answer/audio", h.AnswerAudio)
		r.Post("/restart", h.Restart)
		r.Get("/messages/{messageID}/speech", h.MessageSpeech)
	})
}
