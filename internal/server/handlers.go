package server

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/studypod-api/internal/episode"
	"github.com/maauso/studypod-api/internal/governance"
	"github.com/maauso/studypod-api/internal/storage"
)

// DefaultSignedURLTTL is how long signed audio URLs stay valid.
const DefaultSignedURLTTL = 15 * time.Minute

// maxRequestBodyBytes caps JSON request bodies.
const maxRequestBodyBytes = 1 << 20

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service      *episode.Service
	validator    *validator.Validate
	logger       *slog.Logger
	signedURLTTL time.Duration
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithSignedURLTTL sets the validity of signed audio URLs.
func WithSignedURLTTL(ttl time.Duration) HandlerOption {
	return func(h *Handlers) {
		if ttl > 0 {
			h.signedURLTTL = ttl
		}
	}
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service *episode.Service, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:      service,
		validator:    validator.New(),
		logger:       logger,
		signedURLTTL: DefaultSignedURLTTL,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// CreateEpisode handles POST /episodes requests.
func (h *Handlers) CreateEpisode(w http.ResponseWriter, r *http.Request) {
	var req CreateEpisodeRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large", "BODY_TOO_LARGE")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	out, err := h.service.Create(r.Context(), episode.CreateInput{
		UserID:   req.UserID,
		Text:     req.Text,
		Title:    req.Title,
		Language: req.Language,
		Voice:    req.Voice,
	})
	if err != nil {
		h.writeServiceError(w, err, "", "failed to create episode")
		return
	}

	writeJSON(w, http.StatusAccepted, CreateEpisodeResponse{
		EpisodeID:  out.EpisodeID,
		Status:     string(out.Status),
		WasReduced: out.WasReduced,
		TextStats:  toTextStats(out.TextStats),
		Existing:   out.Existing,
	})
}

// GetEpisode handles GET /episodes/{id} requests.
func (h *Handlers) GetEpisode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "episode ID is required", "MISSING_EPISODE_ID")
		return
	}

	ep, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, id, "failed to get episode")
		return
	}

	writeJSON(w, http.StatusOK, h.toEpisodeResponse(r, ep))
}

// ListEpisodes handles GET /episodes?user_id=&status= requests.
func (h *Handlers) ListEpisodes(w http.ResponseWriter, r *http.Request) {
	q := ListEpisodesQuery{
		UserID: r.URL.Query().Get("user_id"),
		Status: r.URL.Query().Get("status"),
	}
	if err := h.validator.Struct(q); err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	var status *episode.Status
	if q.Status != "" {
		st, err := episode.ParseStatus(q.Status)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
			return
		}
		status = &st
	}

	eps, err := h.service.List(r.Context(), q.UserID, status)
	if err != nil {
		h.writeServiceError(w, err, "", "failed to list episodes")
		return
	}

	resp := ListEpisodesResponse{Episodes: make([]EpisodeResponse, 0, len(eps))}
	for _, ep := range eps {
		resp.Episodes = append(resp.Episodes, h.toEpisodeResponse(r, ep))
	}
	resp.Count = len(resp.Episodes)
	writeJSON(w, http.StatusOK, resp)
}

// RetryEpisode handles POST /episodes/{id}/retry requests.
func (h *Handlers) RetryEpisode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "episode ID is required", "MISSING_EPISODE_ID")
		return
	}

	out, err := h.service.Retry(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, id, "failed to retry episode")
		return
	}

	writeJSON(w, http.StatusAccepted, RetryEpisodeResponse{
		EpisodeID:  out.EpisodeID,
		Status:     string(out.Status),
		RetryCount: out.RetryCount,
	})
}

// DeleteEpisode handles DELETE /episodes/{id} requests.
func (h *Handlers) DeleteEpisode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "episode ID is required", "MISSING_EPISODE_ID")
		return
	}

	if err := h.service.Delete(r.Context(), id); err != nil {
		h.writeServiceError(w, err, id, "failed to delete episode")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// GetEpisodeAudio handles GET /episodes/{id}/audio requests. Storages that
// sign URLs get a redirect; local storage streams the file.
func (h *Handlers) GetEpisodeAudio(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	ep, err := h.service.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err, id, "failed to get episode")
		return
	}
	if ep.Status != episode.StatusReady || ep.AudioLocation == "" {
		writeError(w, http.StatusConflict, "episode audio is not ready", "NOT_READY")
		return
	}

	store := h.service.Storage()
	if signer, ok := store.(storage.URLSigner); ok {
		url, err := signer.SignedURL(r.Context(), ep.AudioLocation, h.signedURLTTL)
		if err != nil {
			h.writeServiceError(w, err, id, "failed to sign audio URL")
			return
		}
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}

	opener, ok := store.(storage.Opener)
	if !ok {
		writeError(w, http.StatusNotImplemented, "audio streaming not supported", "NOT_SUPPORTED")
		return
	}
	rc, err := opener.Open(r.Context(), ep.AudioLocation)
	if err != nil {
		h.writeServiceError(w, err, id, "failed to open episode audio")
		return
	}
	defer rc.Close()

	name := path.Base(ep.AudioLocation)
	w.Header().Set("Content-Type", storage.ContentType(name))
	if rs, ok := rc.(io.ReadSeeker); ok {
		http.ServeContent(w, r, name, ep.CompletedAt, rs)
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("failed to stream episode audio",
			slog.String("episode_id", id),
			slog.String("error", err.Error()),
		)
	}
}

// writeServiceError maps domain errors to HTTP responses.
func (h *Handlers) writeServiceError(w http.ResponseWriter, err error, id, msg string) {
	var storageErr *episode.StorageError
	switch {
	case errors.Is(err, governance.ErrValidation):
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
	case errors.Is(err, episode.ErrEpisodeNotFound):
		writeError(w, http.StatusNotFound, "episode not found", "EPISODE_NOT_FOUND")
	case errors.Is(err, episode.ErrNotRetryable):
		writeError(w, http.StatusConflict, err.Error(), "NOT_RETRYABLE")
	case errors.Is(err, episode.ErrRetryLimit):
		writeError(w, http.StatusConflict, err.Error(), "RETRY_LIMIT_REACHED")
	case errors.Is(err, episode.ErrSubmit):
		h.logger.Error(msg, slog.String("episode_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusServiceUnavailable, "generation queue unavailable", "QUEUE_UNAVAILABLE")
	case errors.As(err, &storageErr), errors.Is(err, storage.ErrInvalidLocation):
		h.logger.Error(msg, slog.String("episode_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusBadGateway, "storage operation failed", "STORAGE_ERROR")
	default:
		h.logger.Error(msg, slog.String("episode_id", id), slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, msg, "INTERNAL_ERROR")
	}
}

func (h *Handlers) toEpisodeResponse(r *http.Request, ep *episode.Episode) EpisodeResponse {
	resp := EpisodeResponse{
		ID:           ep.ID,
		UserID:       ep.UserID,
		Title:        ep.Title,
		Language:     ep.Language,
		Voice:        ep.Voice,
		Status:       string(ep.Status),
		WasReduced:   ep.WasReduced,
		RawTextStats: toTextStats(ep.RawTextStats),
		ErrorMessage: ep.ErrorMessage,
		RetryCount:   ep.RetryCount,
		CreatedAt:    ep.CreatedAt,
		UpdatedAt:    ep.UpdatedAt,
	}
	if !ep.CompletedAt.IsZero() {
		completed := ep.CompletedAt
		resp.CompletedAt = &completed
	}
	if ep.Status != episode.StatusReady {
		return resp
	}

	final := toTextStats(ep.FinalTextStats)
	resp.FinalTextStats = &final
	resp.TotalDurationSec = ep.TotalDurationSec
	for _, c := range ep.Chapters {
		resp.Chapters = append(resp.Chapters, ChapterResponse{
			Title:        c.Title,
			StartSec:     c.StartSec,
			DurationSec:  c.DurationSec,
			SegmentIndex: c.SegmentIndex,
		})
	}
	resp.AudioURL = h.audioURL(r, ep)
	return resp
}

// audioURL prefers a signed URL and falls back to the audio route.
func (h *Handlers) audioURL(r *http.Request, ep *episode.Episode) string {
	if signer, ok := h.service.Storage().(storage.URLSigner); ok {
		url, err := signer.SignedURL(r.Context(), ep.AudioLocation, h.signedURLTTL)
		if err == nil {
			return url
		}
		h.logger.Warn("failed to sign audio URL",
			slog.String("episode_id", ep.ID),
			slog.String("error", err.Error()),
		)
	}
	return "/episodes/" + ep.ID + "/audio"
}

func toTextStats(s governance.Stats) TextStats {
	return TextStats{
		CharCount:        s.CharCount,
		WordCount:        s.WordCount,
		EstimatedMinutes: s.EstimatedMinutes,
	}
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
