// Package httpapi exposes the assistant over HTTP with chi. Answers stream as
// server-sent events when the client asks for text/event-stream.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/rcliao/selah/internal/grounding"
	"github.com/rcliao/selah/internal/llm"
	"github.com/rcliao/selah/internal/memory"
	"github.com/rcliao/selah/internal/model"
	"github.com/rcliao/selah/internal/orchestrator"
	"github.com/rcliao/selah/internal/reference"
	"github.com/rcliao/selah/internal/safety"
	"github.com/rcliao/selah/internal/store"
)

// Deps are the components the API serves.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Grounding    *grounding.Repository
	Parser       *reference.Parser
	Classifier   *safety.Classifier
	Memory       *memory.Store
	Log          zerolog.Logger
}

// Server is the HTTP front end.
type Server struct {
	d      Deps
	log    zerolog.Logger
	router *chi.Mux
}

// New builds the router.
func New(d Deps) *Server {
	if d.Parser == nil {
		d.Parser = reference.NewParser(nil)
	}
	if d.Classifier == nil {
		d.Classifier = safety.New()
	}
	s := &Server{d: d, log: d.Log.With().Str("component", "http").Logger()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.requestLogger)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.Write([]byte("ok")) })
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Post("/ask", s.handleAsk)
		r.Get("/references", s.handleReferences)
		r.Get("/passages", s.handlePassage)
		r.Post("/safety/classify", s.handleClassify)

		r.Get("/conversations", s.handleListConversations)
		r.Get("/conversations/{id}", s.handleGetConversation)
		r.Delete("/conversations/{id}", s.handleDeleteConversation)
		r.Post("/conversations/{id}/cancel", s.handleCancel)

		r.Get("/preferences", s.handleGetPreferences)
		r.Put("/preferences", s.handlePutPreferences)
		r.Get("/usage", s.handleUsage)

		r.Get("/memories", s.handleListMemories)
		r.Post("/memories", s.handleAddMemory)
		r.Delete("/memories/{id}", s.handleDeleteMemory)
	})
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("http server listening")
		errc <- srv.ListenAndServe()
	}()
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("http request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

type errorBody struct {
	Error string `json:"error"`
	Kind  string `json:"kind,omitempty"`
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorBody{Error: err.Error(), Kind: string(llm.KindOf(err))})
}

// statusFor maps request errors onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrEmptyRequest):
		return http.StatusBadRequest
	case errors.Is(err, orchestrator.ErrUsageExceeded):
		return http.StatusTooManyRequests
	case errors.Is(err, orchestrator.ErrClosed):
		return http.StatusServiceUnavailable
	case errors.Is(err, store.ErrNotFound), errors.Is(err, memory.ErrNotFound):
		return http.StatusNotFound
	case llm.KindOf(err) != "":
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

func decode(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}

func (s *Server) handleReferences(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query().Get("q")
	type item struct {
		Reference model.Reference `json:"reference"`
		Canonical string          `json:"canonical"`
		Valid     bool            `json:"valid"`
		Error     string          `json:"error,omitempty"`
	}
	out := []item{}
	for _, res := range s.d.Parser.Scan(q) {
		it := item{Reference: res.Reference, Canonical: res.Reference.Canonical(), Valid: res.Valid()}
		if res.Err != nil {
			it.Error = res.Err.Error()
		}
		out = append(out, it)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) translation(r *http.Request) string {
	if t := strings.TrimSpace(r.URL.Query().Get("translation")); t != "" {
		return strings.ToUpper(t)
	}
	p, _ := s.d.Orchestrator.Settings().Preferences(r.Context())
	return p.Translation
}

func (s *Server) handlePassage(w http.ResponseWriter, r *http.Request) {
	ref, err := s.d.Parser.Parse(r.URL.Query().Get("ref"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	tr := s.translation(r)
	c := s.d.Grounding.ResolveCitation(r.Context(), model.Citation{Reference: ref, TranslationID: tr, Status: model.StatusUnresolved}, tr)
	writeJSON(w, http.StatusOK, c)
}

type classifyRequest struct {
	Text    string   `json:"text"`
	History []string `json:"history,omitempty"`
}

type classifyResponse struct {
	safety.Assessment
	Intervention  bool   `json:"intervention"`
	Compassionate bool   `json:"compassionate"`
	Response      string `json:"response,omitempty"`
}

func (s *Server) handleClassify(w http.ResponseWriter, r *http.Request) {
	var req classifyRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	a := s.d.Classifier.Assess(req.Text, req.History)
	resp := classifyResponse{
		Assessment:    a,
		Intervention:  a.Category.RequiresIntervention(),
		Compassionate: a.Category.RequiresCompassionateResponse(),
	}
	if resp.Intervention {
		resp.Response = safety.InterventionResponse(a.Category)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	ids, err := s.d.Orchestrator.Conversations().List(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, ids)
}

func (s *Server) handleGetConversation(w http.ResponseWriter, r *http.Request) {
	conv, err := s.d.Orchestrator.Conversations().Load(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	s.d.Orchestrator.CancelConversation(id)
	if err := s.d.Orchestrator.Conversations().Delete(r.Context(), id); err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"canceled": s.d.Orchestrator.CancelConversation(chi.URLParam(r, "id"))})
}

func (s *Server) handleGetPreferences(w http.ResponseWriter, r *http.Request) {
	p, err := s.d.Orchestrator.Settings().Preferences(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handlePutPreferences(w http.ResponseWriter, r *http.Request) {
	var p model.Preferences
	if err := decode(r, &p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.d.Orchestrator.Settings().SetPreferences(r.Context(), p); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.handleGetPreferences(w, r)
}

func (s *Server) handleUsage(w http.ResponseWriter, r *http.Request) {
	n, err := s.d.Orchestrator.Settings().Usage(r.Context())
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"today": n})
}

func (s *Server) handleListMemories(w http.ResponseWriter, r *http.Request) {
	if s.d.Memory == nil {
		writeJSON(w, http.StatusOK, []model.Memory{})
		return
	}
	q := r.URL.Query()
	var (
		mems []model.Memory
		err  error
	)
	if kw := q.Get("q"); kw != "" {
		mems, err = s.d.Memory.Search(r.Context(), kw, 0)
	} else {
		mems, err = s.d.Memory.List(r.Context(), memory.Filter{
			Type:            model.MemoryType(q.Get("type")),
			Tag:             q.Get("tag"),
			IncludeInactive: q.Get("all") == "true",
		})
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	for i := range mems {
		mems[i].Embedding = nil
	}
	if mems == nil {
		mems = []model.Memory{}
	}
	writeJSON(w, http.StatusOK, mems)
}

func (s *Server) handleAddMemory(w http.ResponseWriter, r *http.Request) {
	if s.d.Memory == nil {
		writeError(w, http.StatusNotFound, errors.New("memory is disabled"))
		return
	}
	var m model.Memory
	if err := json.NewDecoder(r.Body).Decode(&m); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Errorf("invalid request body: %w", err))
		return
	}
	added, err := s.d.Memory.Add(r.Context(), m)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	added.Embedding = nil
	writeJSON(w, http.StatusCreated, added)
}

func (s *Server) handleDeleteMemory(w http.ResponseWriter, r *http.Request) {
	if s.d.Memory == nil {
		writeError(w, http.StatusNotFound, errors.New("memory is disabled"))
		return
	}
	id := chi.URLParam(r, "id")
	var err error
	if r.URL.Query().Get("purge") == "true" {
		_, err = s.d.Memory.Purge(r.Context(), id)
	} else {
		err = s.d.Memory.Deactivate(r.Context(), id)
	}
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
