package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-consult/internal/eventstore"
	"github.com/loqalabs/loqa-consult/internal/llm"
	"github.com/loqalabs/loqa-consult/internal/recognition"
	"github.com/loqalabs/loqa-consult/internal/stt"
)

const maxBodyBytes = 64 << 10

// recognizer is the part of recognition.Service the control API drives.
type recognizer interface {
	Start(ctx context.Context, fresh bool) (recognition.StartResult, error)
	Stop() error
	ForceFinalize() error
	ChangeAPI(name string) error
	UpdateLanguage(code string) error
	Reset()
	Status() recognition.Status
	Consult(ctx context.Context, prompt string, consumer func(llm.Chunk) error) error
	Subscribe(buffer int) (<-chan recognition.FeedMessage, func())
}

type journal interface {
	ListSessions(ctx context.Context, limit int) ([]eventstore.Session, error)
	ListSessionEvents(ctx context.Context, sessionID string, limit int) ([]eventstore.Event, error)
}

type api struct {
	rec     recognizer
	journal journal
	ready   func() bool
	logger  *slog.Logger
}

func newAPI(rec recognizer, j journal, ready func() bool, logger *slog.Logger) *api {
	return &api{
		rec:     rec,
		journal: j,
		ready:   ready,
		logger:  logger.With(slog.String("component", "http-api")),
	}
}

func (a *api) routes(metrics http.Handler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.HandleFunc("GET /readyz", a.handleReady)
	if metrics != nil {
		mux.Handle("GET /metrics", metrics)
	}

	mux.HandleFunc("GET /api/recognition", a.handleStatus)
	mux.HandleFunc("POST /api/recognition/start", a.handleStart)
	mux.HandleFunc("POST /api/recognition/stop", a.handleStop)
	mux.HandleFunc("POST /api/recognition/finalize", a.handleFinalize)
	mux.HandleFunc("POST /api/recognition/reset", a.handleReset)
	mux.HandleFunc("PUT /api/recognition/api", a.handleChangeAPI)
	mux.HandleFunc("PUT /api/recognition/language", a.handleLanguage)
	mux.HandleFunc("POST /api/consult", a.handleConsult)
	mux.HandleFunc("GET /api/transcript/ws", a.handleFeed)
	mux.HandleFunc("GET /api/sessions", a.handleSessions)
	mux.HandleFunc("GET /api/sessions/{id}/events", a.handleSessionEvents)
	return mux
}

func (a *api) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (a *api) handleReady(w http.ResponseWriter, _ *http.Request) {
	if a.ready() {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = w.Write([]byte("not ready"))
}

func (a *api) handleStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.rec.Status())
}

type startRequest struct {
	Fresh bool `json:"fresh"`
}

type startResponse struct {
	Requested string             `json:"requested"`
	Active    string             `json:"active"`
	FellBack  bool               `json:"fell_back"`
	Cause     string             `json:"cause,omitempty"`
	Status    recognition.Status `json:"status"`
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	result, err := a.rec.Start(r.Context(), req.Fresh)
	if err != nil {
		a.logger.Warn("start recognition failed", slogError(err))
		writeError(w, statusFor(err), err)
		return
	}
	resp := startResponse{
		Requested: string(result.Requested),
		Active:    string(result.Active),
		FellBack:  result.FellBack,
		Status:    a.rec.Status(),
	}
	if result.Cause != nil {
		resp.Cause = result.Cause.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.rec.Stop(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.rec.Status())
}

func (a *api) handleFinalize(w http.ResponseWriter, _ *http.Request) {
	if err := a.rec.ForceFinalize(); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.rec.Status())
}

func (a *api) handleReset(w http.ResponseWriter, _ *http.Request) {
	a.rec.Reset()
	writeJSON(w, http.StatusOK, a.rec.Status())
}

func (a *api) handleChangeAPI(w http.ResponseWriter, r *http.Request) {
	var req struct {
		API string `json:"api"`
	}
	if err := decodeRequired(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.rec.ChangeAPI(req.API); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.rec.Status())
}

func (a *api) handleLanguage(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Language string `json:"language"`
	}
	if err := decodeRequired(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.Language == "" {
		writeError(w, http.StatusBadRequest, errors.New("language must not be empty"))
		return
	}
	if err := a.rec.UpdateLanguage(req.Language); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, a.rec.Status())
}

type consultChunk struct {
	Content string `json:"content"`
	Final   bool   `json:"final"`
}

// handleConsult relays generated chunks as server-sent events. Errors
// raised before the first chunk become a plain HTTP error response.
func (a *api) handleConsult(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Prompt string `json:"prompt"`
	}
	if err := decodeOptional(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	flusher, _ := w.(http.Flusher)

	streaming := false
	err := a.rec.Consult(r.Context(), req.Prompt, func(chunk llm.Chunk) error {
		if !streaming {
			w.Header().Set("Content-Type", "text/event-stream")
			w.Header().Set("Cache-Control", "no-cache")
			w.WriteHeader(http.StatusOK)
			streaming = true
		}
		if err := writeEvent(w, "", consultChunk{Content: chunk.Content, Final: !chunk.Partial}); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil && !streaming {
		writeError(w, statusFor(err), err)
		return
	}
	if err != nil {
		a.logger.Warn("consultation stream failed", slogError(err))
		_ = writeEvent(w, "error", map[string]string{"error": err.Error()})
	} else if !streaming {
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
	}
	_, _ = io.WriteString(w, "data: [DONE]\n\n")
	if flusher != nil {
		flusher.Flush()
	}
}

func (a *api) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions, err := a.journal.ListSessions(r.Context(), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if sessions == nil {
		sessions = []eventstore.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

func (a *api) handleSessionEvents(w http.ResponseWriter, r *http.Request) {
	events, err := a.journal.ListSessionEvents(r.Context(), r.PathValue("id"), queryLimit(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	out := make([]sessionEvent, 0, len(events))
	for _, e := range events {
		out = append(out, sessionEvent{
			Type:      e.Type,
			Backend:   e.Backend,
			Payload:   json.RawMessage(e.Payload),
			CreatedAt: e.CreatedAt.UnixMilli(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type sessionEvent struct {
	Type      string          `json:"type"`
	Backend   string          `json:"backend"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"created_at_ms"`
}

// statusFor maps the recognition error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, stt.ErrUnknownBackend):
		return http.StatusBadRequest
	case errors.Is(err, stt.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, recognition.ErrEmptyTranscript):
		return http.StatusConflict
	case errors.Is(err, recognition.ErrNoChatBackend):
		return http.StatusServiceUnavailable
	case errors.Is(err, stt.ErrUnsupported):
		return http.StatusNotImplemented
	case errors.Is(err, stt.ErrBackend), errors.Is(err, stt.ErrTranscriptionRequest):
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func queryLimit(r *http.Request) int {
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || limit <= 0 {
		return 50
	}
	return limit
}

// decodeOptional accepts an empty body.
func decodeOptional(r *http.Request, v any) error {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return nil
	}
	return fmt.Errorf("decode request: %w", err)
}

func decodeRequired(r *http.Request, v any) error {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeEvent(w io.Writer, event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
			return err
		}
	}
	_, err = fmt.Fprintf(w, "data: %s\n\n", data)
	return err
}
