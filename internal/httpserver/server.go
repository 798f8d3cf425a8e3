package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/blackmichael/feedsync/internal/domain"
	"github.com/blackmichael/feedsync/internal/feed"
)

const maxUploadBytes = 10 << 20

// Server exposes the feed store over HTTP, acting as the session user.
type Server struct {
	store      *feed.Store
	userID     string
	logger     *slog.Logger
	httpServer *http.Server
}

// NewServer creates a new HTTP server for the given store. userID is the
// session user; when empty, mutating routes answer 401.
func NewServer(port int, store *feed.Store, userID string, logger *slog.Logger) *Server {
	s := &Server{
		store:  store,
		userID: userID,
		logger: logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/posts", s.handleListPosts)
	mux.HandleFunc("POST /v1/posts", s.handleCreatePost)
	mux.HandleFunc("GET /v1/posts/{id}", s.handleGetPost)
	mux.HandleFunc("DELETE /v1/posts/{id}", s.handleDeletePost)
	mux.HandleFunc("POST /v1/posts/{id}/like", s.handleToggle(domain.Likes))
	mux.HandleFunc("POST /v1/posts/{id}/repost", s.handleToggle(domain.Reposts))
	mux.HandleFunc("GET /v1/posts/{id}/comments", s.handleListComments)
	mux.HandleFunc("POST /v1/posts/{id}/comments", s.handleAddComment)
	mux.HandleFunc("GET /v1/profiles/{id}", s.handleGetProfile)
	mux.HandleFunc("PATCH /v1/profiles/me", s.handleUpdateProfile)
	mux.HandleFunc("PUT /v1/profiles/me/avatar", s.handleUploadAvatar)
	mux.HandleFunc("GET /v1/me/interactions", s.handleInteractions)

	s.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", port),
		Handler:      withLogging(logger, mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Start begins listening for HTTP requests. It blocks until the server is
// shut down or an error occurs.
func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	realtime := make(map[string]string)
	for table, state := range s.store.RealtimeStatus() {
		realtime[string(table)] = state.String()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":   "ok",
		"loading":  s.store.Loading(),
		"realtime": realtime,
	})
}

// postView is a post as seen by the session user.
type postView struct {
	domain.Post
	AuthorName string `json:"author_name"`
	Liked      bool   `json:"liked"`
	Reposted   bool   `json:"reposted"`
}

func (s *Server) view(p domain.Post) postView {
	return postView{
		Post:       p,
		AuthorName: p.AuthorName(),
		Liked:      s.store.IsLiked(p.ID),
		Reposted:   s.store.IsReposted(p.ID),
	}
}

func (s *Server) handleListPosts(w http.ResponseWriter, r *http.Request) {
	author := r.URL.Query().Get("author")
	if author != "" || r.URL.Query().Get("refresh") == "1" {
		if err := s.store.FetchPosts(r.Context(), author); err != nil {
			s.writeStoreError(w, err, "failed to fetch posts")
			return
		}
	}

	posts := s.store.Posts()
	views := make([]postView, len(posts))
	for i, p := range posts {
		views[i] = s.view(p)
	}
	writeJSON(w, http.StatusOK, map[string]any{"posts": views})
}

func (s *Server) handleCreatePost(w http.ResponseWriter, r *http.Request) {
	if !s.requireUser(w) {
		return
	}
	var req struct {
		Content string `json:"content"`
		// Image is base64 encoded JPEG data.
		Image []byte `json:"image"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	post, err := s.store.CreatePost(r.Context(), s.userID, req.Content, req.Image)
	if err != nil {
		s.writeStoreError(w, err, "failed to create post")
		return
	}
	writeJSON(w, http.StatusCreated, s.view(*post))
}

func (s *Server) handleGetPost(w http.ResponseWriter, r *http.Request) {
	post, ok := s.store.GetPostByID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "NotFound", "post not found")
		return
	}
	writeJSON(w, http.StatusOK, s.view(post))
}

func (s *Server) handleDeletePost(w http.ResponseWriter, r *http.Request) {
	if !s.requireUser(w) {
		return
	}
	id := r.PathValue("id")
	if !s.store.DeletePost(r.Context(), id) {
		writeError(w, http.StatusBadGateway, "DeleteFailed", "the backend rejected the delete")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleToggle(kind domain.RelationKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.requireUser(w) {
			return
		}
		id := r.PathValue("id")

		var err error
		if kind == domain.Likes {
			err = s.store.ToggleLike(r.Context(), id, s.userID)
		} else {
			err = s.store.ToggleRepost(r.Context(), id, s.userID)
		}
		if err != nil {
			s.writeStoreError(w, err, "failed to update "+string(kind))
			return
		}

		resp := map[string]any{
			"liked":    s.store.IsLiked(id),
			"reposted": s.store.IsReposted(id),
		}
		if post, ok := s.store.GetPostByID(id); ok {
			resp["likes_count"] = post.LikesCount
			resp["reposts_count"] = post.RepostsCount
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.store.FetchComments(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeStoreError(w, err, "failed to fetch comments")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"comments": comments})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	if !s.requireUser(w) {
		return
	}
	var req struct {
		Content string `json:"content"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	id := r.PathValue("id")
	if err := s.store.AddComment(r.Context(), id, s.userID, req.Content); err != nil {
		s.writeStoreError(w, err, "failed to add comment")
		return
	}
	resp := map[string]any{"post_id": id}
	if post, ok := s.store.GetPostByID(id); ok {
		resp["comments_count"] = post.CommentsCount
	}
	writeJSON(w, http.StatusCreated, resp)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "me" {
		id = s.userID
	}
	p, err := s.store.FetchProfile(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err, "failed to fetch profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(w http.ResponseWriter, r *http.Request) {
	if !s.requireUser(w) {
		return
	}
	var req struct {
		Username string `json:"username"`
		Bio      string `json:"bio"`
	}
	if !s.decode(w, r, &req) {
		return
	}

	p, err := s.store.UpdateProfile(r.Context(), s.userID, req.Username, req.Bio)
	if err != nil {
		s.writeStoreError(w, err, "failed to update profile")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleUploadAvatar(w http.ResponseWriter, r *http.Request) {
	if !s.requireUser(w) {
		return
	}
	image, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxUploadBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "InvalidRequest", "avatar is too large")
		return
	}

	p, err := s.store.UploadAvatar(r.Context(), s.userID, image)
	if err != nil {
		s.writeStoreError(w, err, "failed to upload avatar")
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (s *Server) handleInteractions(w http.ResponseWriter, r *http.Request) {
	if !s.requireUser(w) {
		return
	}
	if r.URL.Query().Get("refresh") == "1" {
		if err := s.store.FetchUserInteractions(r.Context(), s.userID); err != nil {
			s.writeStoreError(w, err, "failed to fetch interactions")
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"liked":    s.store.LikedPostIDs(),
		"reposted": s.store.RepostedPostIDs(),
	})
}

func (s *Server) requireUser(w http.ResponseWriter) bool {
	if s.userID == "" {
		writeError(w, http.StatusUnauthorized, "Unauthorized", "no session user")
		return false
	}
	return true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxUploadBytes)).Decode(v); err != nil {
		s.logger.Warn("invalid request body", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadRequest, "InvalidRequest", "request body must be valid JSON")
		return false
	}
	return true
}

// writeStoreError maps store errors onto status codes.
func (s *Server) writeStoreError(w http.ResponseWriter, err error, message string) {
	switch {
	case errors.Is(err, domain.ErrInvalid):
		writeError(w, http.StatusBadRequest, "InvalidRequest", err.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, "NotFound", err.Error())
	case errors.Is(err, feed.ErrNoObjectStore):
		writeError(w, http.StatusNotImplemented, "NotImplemented", err.Error())
	default:
		s.logger.Error(message, "error", err)
		writeError(w, http.StatusInternalServerError, "InternalError", message)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, errType, message string) {
	writeJSON(w, status, map[string]string{
		"error":   errType,
		"message": message,
	})
}

func withLogging(logger *slog.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.status,
			"duration", time.Since(start),
		)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
