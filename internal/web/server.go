// Package web renders conversations as a chat page and exposes them over a
// small JSON API.
package web

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"classifier-chat/internal/conversation"
	"classifier-chat/internal/domain"
)

//go:embed templates/page.html
var templateFS embed.FS

const (
	formField      = "product_url"
	refreshSeconds = 1
	timeLayout     = "15:04"
)

// Conversations creates and looks up live conversations.
type Conversations interface {
	Create() (*conversation.Controller, error)
	Get(id string) (*conversation.Controller, error)
}

type Server struct {
	router        *chi.Mux
	conversations Conversations
	logger        *slog.Logger
	page          *template.Template
	location      *time.Location
	syncSubmit    bool
}

type Option func(*Server)

// WithLocation sets the zone message times are shown in.
func WithLocation(loc *time.Location) Option {
	return func(s *Server) {
		if loc != nil {
			s.location = loc
		}
	}
}

// WithSyncSubmit makes every submission respond only after its reply has
// been appended. Runtimes that freeze between requests, such as Lambda,
// need it.
func WithSyncSubmit() Option {
	return func(s *Server) {
		s.syncSubmit = true
	}
}

func NewServer(conversations Conversations, logger *slog.Logger, opts ...Option) (*Server, error) {
	if conversations == nil {
		return nil, errors.New("web: conversations must not be nil")
	}
	if logger == nil {
		logger = slog.Default()
	}
	page, err := template.ParseFS(templateFS, "templates/page.html")
	if err != nil {
		return nil, fmt.Errorf("web: parse page template: %w", err)
	}

	s := &Server{
		router:        chi.NewRouter(),
		conversations: conversations,
		logger:        logger,
		page:          page,
		location:      time.Local,
	}
	for _, opt := range opts {
		opt(s)
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(requestLogger(logger))
	s.router.Use(middleware.Recoverer)

	s.router.Get("/health", s.health)
	s.router.Get("/", s.newConversationPage)
	s.router.Get("/c/{id}", s.conversationPage)
	s.router.Post("/c/{id}", s.submitForm)

	s.router.Route("/api/v1/conversations", func(r chi.Router) {
		r.Post("/", s.createConversation)
		r.Get("/{id}", s.getConversation)
		r.Post("/{id}/messages", s.postMessage)
	})

	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type pageView struct {
	Path           string
	Messages       []messageView
	Loading        bool
	RefreshSeconds int
}

type messageView struct {
	ID      int64
	Kind    domain.Kind
	Content string
	Time    string
}

func conversationPath(id string) string {
	return "/c/" + id
}

// newConversationPage starts every visit to the app with an empty thread.
func (s *Server) newConversationPage(w http.ResponseWriter, r *http.Request) {
	c, err := s.conversations.Create()
	if err != nil {
		s.logger.Error("failed to create conversation", "err", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, conversationPath(c.ID()), http.StatusSeeOther)
}

func (s *Server) conversationPage(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupPage(w, r)
	if !ok {
		return
	}
	snap := c.Snapshot()

	view := pageView{
		Path:           conversationPath(snap.ID),
		Messages:       make([]messageView, 0, len(snap.Messages)),
		Loading:        snap.Loading,
		RefreshSeconds: refreshSeconds,
	}
	for _, m := range snap.Messages {
		view.Messages = append(view.Messages, messageView{
			ID:      m.ID,
			Kind:    m.Kind,
			Content: m.Content,
			Time:    m.Timestamp.In(s.location).Format(timeLayout),
		})
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.page.Execute(w, view); err != nil {
		s.logger.Error("failed to render conversation", "err", err, "conversation_id", snap.ID)
	}
}

func (s *Server) submitForm(w http.ResponseWriter, r *http.Request) {
	c, ok := s.lookupPage(w, r)
	if !ok {
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "Invalid form", http.StatusBadRequest)
		return
	}

	// Blank and in-flight submissions leave the page unchanged.
	turn, err := c.Submit(r.Context(), r.PostForm.Get(formField))
	if err != nil {
		s.logger.Debug("submission ignored", "err", err, "conversation_id", c.ID())
	} else if s.syncSubmit && !awaitTurn(r, turn) {
		return
	}
	http.Redirect(w, r, conversationPath(c.ID())+"#end", http.StatusSeeOther)
}

func (s *Server) lookupPage(w http.ResponseWriter, r *http.Request) (*conversation.Controller, bool) {
	c, err := s.conversations.Get(chi.URLParam(r, "id"))
	if err != nil {
		// Unknown or expired conversations start over.
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return nil, false
	}
	return c, true
}

type createResponse struct {
	ID string `json:"id"`
}

type messageRequest struct {
	Content string `json:"content"`
}

type errorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func (s *Server) createConversation(w http.ResponseWriter, _ *http.Request) {
	c, err := s.conversations.Create()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, createResponse{ID: c.ID()})
}

func (s *Server) getConversation(w http.ResponseWriter, r *http.Request) {
	c, err := s.conversations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c.Snapshot())
}

// postMessage submits content. With ?wait=true, or when submissions are
// synchronous, it responds after the reply has been appended.
func (s *Server) postMessage(w http.ResponseWriter, r *http.Request) {
	c, err := s.conversations.Get(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}

	var req messageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: string(conversation.ErrorInvalidInput), Reason: "invalid_json"})
		return
	}

	turn, err := c.Submit(r.Context(), req.Content)
	if err != nil {
		s.writeError(w, err)
		return
	}

	if !s.syncSubmit && r.URL.Query().Get("wait") != "true" {
		writeJSON(w, http.StatusAccepted, c.Snapshot())
		return
	}
	if awaitTurn(r, turn) {
		writeJSON(w, http.StatusOK, c.Snapshot())
	}
}

// awaitTurn reports whether turn resolved before the client went away. The
// turn still resolves in the background either way.
func awaitTurn(r *http.Request, turn *conversation.Turn) bool {
	select {
	case <-turn.Done():
		return true
	case <-r.Context().Done():
		return false
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	var convErr *conversation.Error
	if !errors.As(err, &convErr) {
		s.logger.Error("unexpected error", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: string(conversation.ErrorInternal)})
		return
	}

	status := http.StatusInternalServerError
	switch convErr.Code {
	case conversation.ErrorInvalidInput:
		status = http.StatusBadRequest
	case conversation.ErrorBusy:
		status = http.StatusConflict
	case conversation.ErrorNotFound:
		status = http.StatusNotFound
	default:
		s.logger.Error("conversation error", "err", err)
	}
	writeJSON(w, status, errorResponse{Error: string(convErr.Code), Reason: convErr.Reason})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
