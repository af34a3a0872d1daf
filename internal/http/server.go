package http

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"lsmkv/pkg/config"
	"lsmkv/pkg/dberrors"
	"lsmkv/pkg/raftadapter"
	"lsmkv/pkg/store"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.etcd.io/etcd/raft/v3/raftpb"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
)

type iStoreAPI interface {
	Read(key string) (string, bool, error)
	Stats() (store.Stats, error)
	Compact(ctx context.Context) error
}

type iRaftNode interface {
	IsLeader() bool
	LeaderAddr() string
	Execute(ctx context.Context, cmd raftadapter.Cmd) error
	Handle(ctx context.Context, message raftpb.Message) error
}

// Server exposes the store over HTTP. Mutations go through raft; reads are
// served from the local store.
type Server struct {
	node       iRaftNode
	store      iStoreAPI
	httpServer *http.Server
	URL        string
}

func NewServer(cfg config.ServerConfig, node iRaftNode, store iStoreAPI) *Server {
	addr := ":" + strconv.Itoa(cfg.Port)
	s := &Server{
		node:  node,
		store: store,
		URL:   "http://localhost" + addr,
	}
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.createRouter(),
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
	}
	return s
}

// Start listens in the background and returns once the port is bound.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to start HTTP server: %w", err)
	}

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()

	slog.Info("HTTP server started", "addr", s.URL)
	return nil
}

func (s *Server) Stop() error {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()

	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

func (s *Server) createRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", s.metricsHandler())
	r.Put("/api/string", s.handlePut)
	r.Get("/api/string", s.handleGet)
	r.Delete("/api", s.handleDelete)

	r.Route("/api/internal", func(r chi.Router) {
		r.Post("/raft", s.handleRaft)
		r.Get("/stats", s.handleStats)
		r.Post("/compact", s.handleCompact)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Warn("Error encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status, code := classifyError(err)
	s.writeJSON(w, status, NewErrorResponse(code, err.Error()))
}

func (s *Server) writeBadRequest(w http.ResponseWriter, msg string) {
	s.writeJSON(w, http.StatusBadRequest, NewErrorResponse(CodeBadRequest, msg))
}

func (s *Server) redirectLeader(w http.ResponseWriter, r *http.Request) (bool, error) {
	if s.node.IsLeader() {
		return false, nil
	}

	leaderAddr := s.node.LeaderAddr()
	// leader unknown yet or this very server: handle locally
	if leaderAddr == "" || leaderAddr == s.URL {
		return false, nil
	}

	leaderURL, err := url.JoinPath(leaderAddr, r.URL.Path)
	if err != nil {
		s.writeJSON(w, http.StatusInternalServerError, NewErrorResponse(CodeInternal, "Failed to get leader URL"))
		return false, fmt.Errorf("failed to join leader path: %w", err)
	}
	if r.URL.RawQuery != "" {
		leaderURL += "?" + r.URL.RawQuery
	}

	http.Redirect(w, r, leaderURL, http.StatusTemporaryRedirect)
	return true, nil
}

func (s *Server) execute(w http.ResponseWriter, r *http.Request, cmd raftadapter.Cmd) {
	if redirected, err := s.redirectLeader(w, r); redirected || err != nil {
		if err != nil {
			slog.Error("Failed to redirect to leader", "error", err)
		}
		return
	}

	if err := s.node.Execute(r.Context(), cmd); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		s.writeBadRequest(w, "Failed to parse form")
		return
	}

	key := r.FormValue("key")
	_, hasValue := r.Form["value"]
	if key == "" || !hasValue {
		s.writeBadRequest(w, "Missing key or value")
		return
	}

	s.execute(w, r, raftadapter.NewInsertCmd(key, r.FormValue("value")))
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeBadRequest(w, "Missing key")
		return
	}

	value, found, err := s.store.Read(key)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if !found {
		s.writeError(w, fmt.Errorf("%w: key %q", dberrors.ErrNotFound, key))
		return
	}

	s.writeJSON(w, http.StatusOK, NewValueResponse(value))
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("key")
	if key == "" {
		s.writeBadRequest(w, "Missing key")
		return
	}

	s.execute(w, r, raftadapter.NewDeleteCmd(key))
}

func (s *Server) handleRaft(w http.ResponseWriter, r *http.Request) {
	msg, err := raftadapter.DecodeMessage(r.Body)
	if err != nil {
		s.writeBadRequest(w, err.Error())
		return
	}
	if err := s.node.Handle(r.Context(), msg); err != nil {
		s.writeError(w, err)
		return
	}

	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleCompact(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Compact(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, NewSuccessResponse())
}
