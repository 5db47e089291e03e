// Package api exposes the dataset analyst over HTTP.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fabfab/csv-analyst/chat"
	"github.com/fabfab/csv-analyst/ingestion"
	"github.com/fabfab/csv-analyst/logging"
	"github.com/fabfab/csv-analyst/storage"
	"github.com/fabfab/csv-analyst/store"
)

const (
	// UserHeader carries the caller's identity; authentication happens
	// upstream.
	UserHeader            = "X-User-ID"
	DefaultMaxUploadBytes = 50 << 20
	multipartMemory       = 8 << 20
)

type Ingestor interface {
	Upload(ctx context.Context, req ingestion.UploadRequest) (*ingestion.UploadResult, error)
	Vectorize(ctx context.Context, userID string, datasetID uuid.UUID) (ingestion.VectorizeResult, error)
}

type Analyst interface {
	Ask(ctx context.Context, req chat.Request) (chat.Response, error)
	StartSession(ctx context.Context, userID string, datasetID uuid.UUID, name string) (*store.Session, error)
	History(ctx context.Context, userID string, sessionID uuid.UUID) ([]store.ChatMessage, error)
}

type Deps struct {
	Datasets       store.DatasetStore
	Ingestion      Ingestor
	Chat           Analyst
	MaxUploadBytes int64
}

// Server exposes HTTP handlers for upload, vectorization and analysis.
type Server struct {
	deps    Deps
	logger  *zap.Logger
	handler http.Handler
}

type messageResponse struct {
	Message string `json:"message"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type uploadResponse struct {
	Dataset *store.Dataset    `json:"dataset"`
	Preview ingestion.Preview `json:"preview"`
}

type vectorizeResponse struct {
	Success         bool   `json:"success"`
	Message         string `json:"message"`
	ChunksProcessed int    `json:"chunksProcessed"`
	TotalChunks     int    `json:"totalChunks"`
}

// vectorizeErrorResponse carries the progress of a run that stopped early.
type vectorizeErrorResponse struct {
	Error           string `json:"error"`
	ChunksProcessed int    `json:"chunksProcessed"`
	TotalChunks     int    `json:"totalChunks"`
}

type sessionRequest struct {
	Name string `json:"name"`
}

type chatRequest struct {
	Message   string `json:"message"`
	DatasetID string `json:"datasetId"`
	SessionID string `json:"sessionId"`
}

type chatResponse struct {
	Response   string           `json:"response"`
	Provenance store.Provenance `json:"provenance"`
}

func New(deps Deps, logger *zap.Logger) *Server {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = DefaultMaxUploadBytes
	}
	s := &Server{deps: deps, logger: logging.OrNop(logger).Named("api")}
	s.handler = s.routes()
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Authorization", "X-Client-Info", "Apikey", "Content-Type", UserHeader},
		MaxAge:         300,
	}))

	r.Get("/healthz", s.handleHealth)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/datasets", s.handleUpload)
		r.Get("/datasets", s.handleListDatasets)
		r.Get("/datasets/{datasetID}", s.handleGetDataset)
		r.Post("/datasets/{datasetID}/vectorize", s.handleVectorize)
		r.Post("/datasets/{datasetID}/sessions", s.handleStartSession)
		r.Get("/sessions/{sessionID}/messages", s.handleHistory)
		r.Post("/chat", s.handleChat)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, messageResponse{Message: "ok"})
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	if r.ContentLength > s.deps.MaxUploadBytes {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds the %d byte upload limit", s.deps.MaxUploadBytes))
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.deps.MaxUploadBytes)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		s.writeUploadError(w, err)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("multipart field \"file\" is required: %w", err))
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		s.writeUploadError(w, err)
		return
	}

	res, err := s.deps.Ingestion.Upload(r.Context(), ingestion.UploadRequest{
		UserID:   userID,
		Filename: header.Filename,
		Data:     data,
	})
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("upload: %w", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, uploadResponse{Dataset: res.Dataset, Preview: res.Preview})
}

func (s *Server) writeUploadError(w http.ResponseWriter, err error) {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		s.writeError(w, http.StatusRequestEntityTooLarge, fmt.Errorf("file exceeds the %d byte upload limit", maxErr.Limit))
		return
	}
	s.writeError(w, http.StatusBadRequest, fmt.Errorf("read upload: %w", err))
}

func (s *Server) handleListDatasets(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	datasets, err := s.deps.Datasets.ListDatasets(r.Context(), userID)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("list datasets: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, datasets)
}

func (s *Server) handleGetDataset(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	datasetID, ok := s.pathUUID(w, r, "datasetID")
	if !ok {
		return
	}
	ds, err := s.deps.Datasets.GetDataset(r.Context(), userID, datasetID)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("get dataset: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, ds)
}

func (s *Server) handleVectorize(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	datasetID, ok := s.pathUUID(w, r, "datasetID")
	if !ok {
		return
	}
	res, err := s.deps.Ingestion.Vectorize(r.Context(), userID, datasetID)
	if err != nil {
		err = fmt.Errorf("vectorize: %w", err)
		if res.Total == 0 {
			s.writeServiceError(w, err)
			return
		}
		status := statusFor(err)
		s.logger.Warn("vectorization incomplete", zap.Int("status", status), zap.Int("processed", res.Processed), zap.Int("total", res.Total), zap.Error(err))
		s.writeJSON(w, status, vectorizeErrorResponse{
			Error:           err.Error(),
			ChunksProcessed: res.Processed,
			TotalChunks:     res.Total,
		})
		return
	}
	s.writeJSON(w, http.StatusOK, vectorizeResponse{
		Success:         true,
		Message:         fmt.Sprintf("Successfully vectorized %d data chunks", res.Processed),
		ChunksProcessed: res.Processed,
		TotalChunks:     res.Total,
	})
}

func (s *Server) handleStartSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	datasetID, ok := s.pathUUID(w, r, "datasetID")
	if !ok {
		return
	}
	var req sessionRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	session, err := s.deps.Chat.StartSession(r.Context(), userID, datasetID, req.Name)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("start session: %w", err))
		return
	}
	s.writeJSON(w, http.StatusCreated, session)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}
	sessionID, ok := s.pathUUID(w, r, "sessionID")
	if !ok {
		return
	}
	msgs, err := s.deps.Chat.History(r.Context(), userID, sessionID)
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("history: %w", err))
		return
	}
	if msgs == nil {
		msgs = []store.ChatMessage{}
	}
	s.writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.requireUser(w, r)
	if !ok {
		return
	}

	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("decode request: %w", err))
		return
	}
	req.Message = strings.TrimSpace(req.Message)
	if req.Message == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("message is required"))
		return
	}
	datasetID, err := uuid.Parse(req.DatasetID)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("datasetId must be a UUID"))
		return
	}
	var sessionID uuid.UUID
	if strings.TrimSpace(req.SessionID) != "" {
		if sessionID, err = uuid.Parse(req.SessionID); err != nil {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("sessionId must be a UUID"))
			return
		}
	}

	resp, err := s.deps.Chat.Ask(r.Context(), chat.Request{
		UserID:    userID,
		DatasetID: datasetID,
		SessionID: sessionID,
		Question:  req.Message,
	})
	if err != nil {
		s.writeServiceError(w, fmt.Errorf("chat: %w", err))
		return
	}
	s.writeJSON(w, http.StatusOK, chatResponse{Response: resp.Answer, Provenance: resp.Provenance})
}

func (s *Server) requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := strings.TrimSpace(r.Header.Get(UserHeader))
	if userID == "" {
		s.writeError(w, http.StatusUnauthorized, fmt.Errorf("missing %s header", UserHeader))
		return "", false
	}
	return userID, true
}

func (s *Server) pathUUID(w http.ResponseWriter, r *http.Request, param string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, param))
	if err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("%s must be a UUID", param))
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors to status codes. Chat model failures
// get a fixed message.
func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, chat.ErrAnalysisFailed) {
		s.logger.Error("analysis failed", zap.Error(err))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: chat.ErrAnalysisFailed.Error()})
		return
	}
	s.writeError(w, statusFor(err), err)
}

func statusFor(err error) int {
	switch {
	case ingestion.IsInputError(err), errors.Is(err, chat.ErrEmptyQuestion):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Warn("encode response", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError {
		s.logger.Error("api error", zap.Int("status", status), zap.Error(err))
	} else {
		s.logger.Debug("api error", zap.Int("status", status), zap.Error(err))
	}
	s.writeJSON(w, status, errorResponse{Error: err.Error()})
}

func decodeJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()

	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if err == io.EOF {
			return nil
		}
		return err
	}

	if dec.More() {
		return fmt.Errorf("request body must contain a single JSON object")
	}

	return nil
}
