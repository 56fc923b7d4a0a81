package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-scribe/internal/presence"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/transcripts"
)

// TranscriptStore is the query side of the transcript store the API serves.
type TranscriptStore interface {
	Get(ctx context.Context, id int64) (transcripts.Record, error)
	Search(ctx context.Context, query string) ([]transcripts.Record, error)
	Delete(ctx context.Context, id int64) error
}

type api struct {
	recorder *session.Recorder
	store    TranscriptStore
	workers  func() []presence.Worker
	log      *slog.Logger
}

type errorResponse struct {
	Error string       `json:"error"`
	Kind  session.Kind `json:"kind,omitempty"`
}

type saveRequest struct {
	Text *string `json:"text"`
}

func (a *api) register(mux *http.ServeMux) {
	mux.HandleFunc("GET /v1/session", a.handleSession)
	mux.HandleFunc("POST /v1/session/start", a.handleStart)
	mux.HandleFunc("POST /v1/session/stop", a.handleStop)
	mux.HandleFunc("POST /v1/session/save", a.handleSave)
	mux.HandleFunc("POST /v1/session/alert/dismiss", a.handleDismiss)
	mux.HandleFunc("GET /v1/session/events", a.handleEvents)
	mux.HandleFunc("GET /v1/transcripts", a.handleListTranscripts)
	mux.HandleFunc("GET /v1/transcripts/{id}", a.handleGetTranscript)
	mux.HandleFunc("DELETE /v1/transcripts/{id}", a.handleDeleteTranscript)
	mux.HandleFunc("GET /v1/stt/workers", a.handleWorkers)
}

func (a *api) handleWorkers(w http.ResponseWriter, _ *http.Request) {
	workers := []presence.Worker{}
	if a.workers != nil {
		workers = a.workers()
	}
	writeJSON(w, http.StatusOK, workers)
}

func (a *api) handleSession(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, a.recorder.Snapshot())
}

func (a *api) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := a.recorder.Start(r.Context()); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.recorder.Snapshot())
}

func (a *api) handleStop(w http.ResponseWriter, _ *http.Request) {
	if err := a.recorder.Stop(); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.recorder.Snapshot())
}

func (a *api) handleSave(w http.ResponseWriter, r *http.Request) {
	var req saveRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid request body"})
		return
	}

	var (
		rec transcripts.Record
		err error
	)
	if req.Text == nil {
		rec, err = a.recorder.SaveCurrent(r.Context())
	} else {
		rec, err = a.recorder.Save(r.Context(), *req.Text)
	}
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (a *api) handleDismiss(w http.ResponseWriter, _ *http.Request) {
	if err := a.recorder.DismissAlert(); err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.recorder.Snapshot())
}

// handleEvents streams state snapshots as newline-delimited JSON.
func (a *api) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "streaming unsupported"})
		return
	}
	states, cancel := a.recorder.Subscribe()
	defer cancel()

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	enc := json.NewEncoder(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case s, ok := <-states:
			if !ok {
				return
			}
			if err := enc.Encode(s); err != nil {
				a.log.Debug("event stream closed", slog.String("error", err.Error()))
				return
			}
			flusher.Flush()
		}
	}
}

func (a *api) handleListTranscripts(w http.ResponseWriter, r *http.Request) {
	records, err := a.store.Search(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (a *api) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	rec, err := a.store.Get(r.Context(), id)
	if err != nil {
		a.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (a *api) handleDeleteTranscript(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r)
	if !ok {
		return
	}
	if err := a.store.Delete(r.Context(), id); err != nil {
		a.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid transcript id"})
		return 0, false
	}
	return id, true
}

func (a *api) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		a.log.Warn("request failed", slog.String("error", err.Error()))
	}
	writeJSON(w, status, errorResponse{Error: err.Error(), Kind: session.KindOf(err)})
}

func statusFor(err error) int {
	switch session.KindOf(err) {
	case session.KindNotAuthorizedToRecognize, session.KindNotPermittedToRecord:
		return http.StatusForbidden
	case session.KindNilRecognizer, session.KindRecognizerUnavailable:
		return http.StatusServiceUnavailable
	case session.KindEmptyTranscript:
		return http.StatusUnprocessableEntity
	}
	switch {
	case errors.Is(err, transcripts.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return http.StatusRequestTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
