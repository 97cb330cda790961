package remote

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/rcliao/storyloom/internal/errs"
	"github.com/rcliao/storyloom/internal/model"
)

// maxPushBytes bounds a push request body.
const maxPushBytes = 16 << 20

// Server exposes a Ledger over HTTP.
type Server struct {
	ledger *Ledger
	log    *slog.Logger
}

// NewServer builds the authority's HTTP handler.
func NewServer(ledger *Ledger, logger *slog.Logger) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{ledger: ledger, log: logger}

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(chiMiddleware.Recoverer)

	r.Get("/healthz", s.health)
	r.Route("/v1", func(r chi.Router) {
		r.Post("/sync/push", s.push)
		r.Get("/entities/{type}/{id}", s.entity)
		r.Get("/messages/{id}/lineage", s.lineage)
	})
	return r
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", chiMiddleware.GetReqID(r.Context()))
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) push(w http.ResponseWriter, r *http.Request) {
	var req PushRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid push request: "+err.Error())
		return
	}
	resp, err := s.ledger.Push(r.Context(), req)
	if err != nil {
		s.log.Error("push failed", "client_id", req.ClientID, "error", err)
		writeError(w, http.StatusInternalServerError, "push failed")
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) entity(w http.ResponseWriter, r *http.Request) {
	et := model.EntityType(chi.URLParam(r, "type"))
	canon, err := s.ledger.Get(r.Context(), et, chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, canon)
}

func (s *Server) lineage(w http.ResponseWriter, r *http.Request) {
	msgs, err := s.ledger.Lineage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) writeErr(w http.ResponseWriter, err error) {
	if errors.Is(err, errs.ErrNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	s.log.Error("request failed", "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
