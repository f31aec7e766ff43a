package notesd

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"notegate/gateway/auth"
	"notegate/gateway/middleware"
	"notegate/sdk/notes"
)

// Server exposes the registry over HTTP.
type Server struct {
	store  *Store
	logger *slog.Logger
	cors   middleware.CORSConfig
	obs    *middleware.Observability
	writes *auth.Authenticator
	router http.Handler
}

// ServerOption customises a Server.
type ServerOption func(*Server)

// WithCORS restricts browser origins.
func WithCORS(cfg middleware.CORSConfig) ServerOption {
	return func(s *Server) { s.cors = cfg }
}

// WithObservability records request metrics and spans.
func WithObservability(obs *middleware.Observability) ServerOption {
	return func(s *Server) { s.obs = obs }
}

// WithWriteAuth requires signed POST, PUT and DELETE requests. Reads stay open.
func WithWriteAuth(a *auth.Authenticator) ServerOption {
	return func(s *Server) { s.writes = a }
}

// WithServerLogger overrides the logger.
func WithServerLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewServer builds the registry router.
func NewServer(store *Store, opts ...ServerOption) *Server {
	s := &Server{store: store, logger: slog.Default().With("component", "notesd")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.router = s.buildRouter()
	return s
}

// Handler exposes the configured HTTP router.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(middleware.CORS(s.cors))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.obs != nil {
		r.Handle("/metrics", s.obs.MetricsHandler())
	}
	r.Route("/api/notes", func(api chi.Router) {
		if s.obs != nil {
			api.Use(s.obs.Middleware("notes"))
		}
		api.Get("/", s.listNotes)
		api.Get("/{tokenId}", s.getNote)
		api.Group(func(write chi.Router) {
			if s.writes != nil {
				write.Use(s.writes.Middleware)
			}
			write.Post("/", s.createNote)
			write.Put("/{tokenId}", s.updateNote)
			write.Delete("/{tokenId}", s.deleteNote)
		})
	})
	return r
}

func (s *Server) listNotes(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) createNote(w http.ResponseWriter, r *http.Request) {
	var record notes.Record
	if err := json.NewDecoder(r.Body).Decode(&record); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	created, err := s.store.Create(r.Context(), record)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("note registered", slog.String("token_id", created.TokenID), slog.String("author", created.Author))
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) getNote(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.Get(r.Context(), chi.URLParam(r, "tokenId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) updateNote(w http.ResponseWriter, r *http.Request) {
	var patch notes.Patch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeMessage(w, http.StatusBadRequest, "invalid payload")
		return
	}
	record, err := s.store.Update(r.Context(), chi.URLParam(r, "tokenId"), patch)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, record)
}

func (s *Server) deleteNote(w http.ResponseWriter, r *http.Request) {
	record, err := s.store.Delete(r.Context(), chi.URLParam(r, "tokenId"))
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("note removed", slog.String("token_id", record.TokenID))
	writeJSON(w, http.StatusOK, notes.DeleteResult{Success: true, Note: record})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var validation *ValidationError
	switch {
	case errors.Is(err, ErrNotFound):
		writeMessage(w, http.StatusNotFound, "note not found")
	case errors.Is(err, ErrDuplicate):
		writeMessage(w, http.StatusConflict, err.Error())
	case errors.As(err, &validation):
		writeMessage(w, http.StatusBadRequest, validation.Error())
	default:
		s.logger.Error("registry request failed", slog.Any("error", err))
		writeMessage(w, http.StatusInternalServerError, "internal error")
	}
}

func writeMessage(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
