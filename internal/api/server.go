// Package api exposes the HTTP interface for the media service.
package api

import (
	"bufio"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tonefield/mediad/internal/config"
	"github.com/tonefield/mediad/internal/dispatcher"
	"github.com/tonefield/mediad/internal/media"
	"github.com/tonefield/mediad/internal/metrics"
	"github.com/tonefield/mediad/internal/processor"
)

// Server wires HTTP handlers to the dispatcher and stores.
type Server struct {
	router     chi.Router
	store      media.Store
	workStore  media.WorkStore
	blobStore  media.BlobStore
	dispatcher *dispatcher.Dispatcher
	hasher     media.Hasher
	idGen      media.IDGenerator
	clock      media.Clock
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	store media.Store,
	workStore media.WorkStore,
	blobStore media.BlobStore,
	dispatcher *dispatcher.Dispatcher,
	hasher media.Hasher,
	idGen media.IDGenerator,
	clock media.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	s := &Server{
		store:      store,
		workStore:  workStore,
		blobStore:  blobStore,
		dispatcher: dispatcher,
		hasher:     hasher,
		idGen:      idGen,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/media", func(r chi.Router) {
			r.Post("/", s.uploadMedia)
			r.Get("/", s.listMedia)
			r.Route("/{media_id}", func(r chi.Router) {
				r.Get("/", s.getMedia)
				r.Delete("/", s.deleteMedia)
			})
		})
		r.Route("/works", func(r chi.Router) {
			r.Post("/", s.createWork)
			r.Route("/{work_id}", func(r chi.Router) {
				r.Get("/", s.getWork)
				r.Put("/media/{media_id}", s.attachMedia)
				r.Delete("/media/{media_id}", s.detachMedia)
			})
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The store is the only hard dependency worth probing.
	if _, err := s.store.ListMedia(r.Context(), media.ListFilter{}); err != nil {
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// uploadMedia accepts a multipart upload, validates it, stores the original
// and queues derivative generation. The response is 202: processing happens
// asynchronously and the row starts out pending.
func (s *Server) uploadMedia(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Pipeline.MaxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		if isBodyTooLarge(err) {
			metrics.ObserveUpload("unknown", "too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "multipart field \"file\" is required")
		return
	}
	defer func() { _ = file.Close() }()

	data, err := io.ReadAll(file)
	if err != nil {
		if isBodyTooLarge(err) {
			metrics.ObserveUpload("unknown", "too_large")
			writeError(w, http.StatusRequestEntityTooLarge, "upload exceeds size limit")
			return
		}
		writeError(w, http.StatusBadRequest, "read upload body")
		return
	}

	kind, contentType, err := processor.Detect(data, header.Filename)
	if err != nil {
		switch {
		case errors.Is(err, processor.ErrEmptyFile):
			writeError(w, http.StatusBadRequest, "empty file")
		case errors.Is(err, processor.ErrUnsupportedType):
			metrics.ObserveUpload("unknown", "unsupported")
			writeError(w, http.StatusUnsupportedMediaType, err.Error())
		default:
			writeError(w, http.StatusBadRequest, err.Error())
		}
		return
	}

	m, err := s.ingest(r.Context(), kind, contentType, header.Filename, data)
	if err != nil {
		metrics.ObserveUpload(string(kind), "error")
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	metrics.ObserveUpload(string(kind), "accepted")
	writeJSON(w, http.StatusAccepted, m)
}

// ingest stores the original blob, creates the pending row and enqueues it.
func (s *Server) ingest(
	ctx context.Context,
	kind media.Kind,
	contentType, filename string,
	data []byte,
) (media.Media, error) {
	mediaID, err := s.idGen.NewID()
	if err != nil {
		return media.Media{}, fmt.Errorf("generate media id: %w", err)
	}
	checksum, err := s.hasher.Hash(data)
	if err != nil {
		return media.Media{}, fmt.Errorf("hash upload: %w", err)
	}

	blobPath := path.Join(s.cfg.Storage.Prefix, mediaID, "original"+originalExt(filename, contentType))
	url, err := s.blobStore.PutObject(ctx, blobPath, contentType, data)
	if err != nil {
		return media.Media{}, fmt.Errorf("store original: %w", err)
	}
	metrics.ObserveBytesStored(string(kind), len(data))

	now := s.clock.Now()
	m := media.Media{
		ID:          mediaID,
		Kind:        kind,
		Status:      media.StatusPending,
		Filename:    path.Base(filename),
		ContentType: contentType,
		ByteSize:    int64(len(data)),
		Checksum:    checksum,
		StoragePath: blobPath,
		URL:         url,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateMedia(ctx, m); err != nil {
		return media.Media{}, fmt.Errorf("create media row: %w", err)
	}

	queueCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	item := media.QueueItem{MediaID: mediaID, Submitted: now.Unix()}
	if err := s.dispatcher.Enqueue(queueCtx, item); err != nil {
		return media.Media{}, fmt.Errorf("enqueue media: %w", err)
	}
	return m, nil
}

func (s *Server) getMedia(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "media_id")
	m, err := s.store.GetMedia(r.Context(), mediaID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "media not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) listMedia(w http.ResponseWriter, r *http.Request) {
	filter := media.ListFilter{
		Kind:           media.Kind(r.URL.Query().Get("kind")),
		IncludeDeleted: r.URL.Query().Get("deleted") == "true",
	}
	items, err := s.store.ListMedia(r.Context(), filter)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if items == nil {
		items = []media.Media{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"media": items})
}

// deleteMedia soft-deletes an unreferenced row. Rows still referenced by a
// work are protected and return 409.
func (s *Server) deleteMedia(w http.ResponseWriter, r *http.Request) {
	mediaID := chi.URLParam(r, "media_id")
	err := s.store.SoftDelete(r.Context(), mediaID)
	switch {
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, "media not found")
	case errors.Is(err, media.ErrStillReferenced):
		writeError(w, http.StatusConflict, "media is still referenced by a work")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"media_id": mediaID, "status": "deleted"})
	}
}

func (s *Server) createWork(w http.ResponseWriter, r *http.Request) {
	var req createWorkRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Title == "" {
		writeError(w, http.StatusBadRequest, "title is required")
		return
	}
	kind := media.WorkKind(req.Kind)
	switch kind {
	case media.WorkAudio, media.WorkPhysical, media.WorkDigital, media.WorkCollaboration:
	default:
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown work kind %q", req.Kind))
		return
	}

	workID, err := s.idGen.NewID()
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	slug := req.Slug
	if slug == "" {
		slug = slugify(req.Title)
	}
	work := media.Work{
		ID:        workID,
		Title:     req.Title,
		Slug:      slug,
		Kind:      kind,
		CreatedAt: s.clock.Now(),
	}
	if err := s.workStore.CreateWork(r.Context(), work); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, work)
}

func (s *Server) getWork(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "work_id")
	work, err := s.workStore.GetWork(r.Context(), workID)
	if err != nil {
		if errors.Is(err, media.ErrNotFound) {
			writeError(w, http.StatusNotFound, "work not found")
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, work)
}

func (s *Server) attachMedia(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "work_id")
	mediaID := chi.URLParam(r, "media_id")
	err := s.store.AttachMedia(r.Context(), workID, mediaID)
	switch {
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, "work or media not found")
	case errors.Is(err, media.ErrAlreadyAttached):
		writeError(w, http.StatusConflict, "media already attached to work")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"work_id": workID, "media_id": mediaID, "status": "attached"})
	}
}

func (s *Server) detachMedia(w http.ResponseWriter, r *http.Request) {
	workID := chi.URLParam(r, "work_id")
	mediaID := chi.URLParam(r, "media_id")
	err := s.store.DetachMedia(r.Context(), workID, mediaID)
	switch {
	case errors.Is(err, media.ErrNotFound):
		writeError(w, http.StatusNotFound, "attachment not found")
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{"work_id": workID, "media_id": mediaID, "status": "detached"})
	}
}

type createWorkRequest struct {
	Title string `json:"title"`
	Slug  string `json:"slug"`
	Kind  string `json:"kind"`
}

func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	// The multipart reader does not always wrap the MaxBytesError.
	return err != nil && strings.Contains(err.Error(), "request body too large")
}

func originalExt(filename, contentType string) string {
	if ext := path.Ext(filename); ext != "" {
		return strings.ToLower(ext)
	}
	switch contentType {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "audio/mpeg":
		return ".mp3"
	case "audio/wav", "audio/x-wav":
		return ".wav"
	default:
		return ""
	}
}

func slugify(title string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(title) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		case !lastDash:
			b.WriteByte('-')
			lastDash = true
		}
	}
	return strings.Trim(b.String(), "-")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			route := chi.RouteContext(r.Context()).RoutePattern()
			if route == "" {
				route = r.URL.Path
			}
			duration := time.Since(start)
			metrics.ObserveHTTPRequest(r.Method, route, ww.status, duration)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", duration.Milliseconds()),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if subtle.ConstantTimeCompare([]byte(key), []byte(expected)) != 1 {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
