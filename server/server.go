// Package server handles HTTP endpoints and request routing.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"offline-notifier/pkg/notifier"
)

const maxBodyBytes = 1 << 20

// Notifier runs the notification pass for a saved message.
type Notifier interface {
	OnMessageSaved(ctx context.Context, msg *notifier.Message, room *notifier.Room) error
}

// Directory receives synced chat state.
type Directory interface {
	PutRoom(ctx context.Context, room notifier.Room, subs []notifier.Subscription) error
	PutUser(ctx context.Context, u notifier.User) error
	PutMessage(ctx context.Context, msg *notifier.Message) error
	IncrementUnread(ctx context.Context, roomID, authorID string) error
	MarkRead(ctx context.Context, roomID, userID string) error
}

// Poller runs scheduled work that has come due.
type Poller interface {
	RunDue(ctx context.Context) error
}

// Server handles HTTP requests.
type Server struct {
	notifier  Notifier
	directory Directory
	poller    Poller
	logger    *slog.Logger
	isUnknown func(error) bool
}

// Config holds server configuration.
type Config struct {
	Notifier  Notifier
	Directory Directory
	Poller    Poller
	Logger    *slog.Logger
	// IsUnknownRoom reports whether a directory error means the room was never synced.
	IsUnknownRoom func(error) bool
}

// New creates a new HTTP server handler.
func New(cfg *Config) *Server {
	isUnknown := cfg.IsUnknownRoom
	if isUnknown == nil {
		isUnknown = func(error) bool { return false }
	}
	return &Server{
		notifier:  cfg.Notifier,
		directory: cfg.Directory,
		poller:    cfg.Poller,
		logger:    cfg.Logger,
		isUnknown: isUnknown,
	}
}

// Handler returns the request router.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/pollz", s.handlePoll)
	mux.HandleFunc("/hooks/message", s.handleMessage)
	mux.HandleFunc("/directory/rooms", s.handleRooms)
	mux.HandleFunc("/directory/users", s.handleUsers)
	mux.HandleFunc("/directory/read", s.handleRead)
	return mux
}

// ListenAndServe serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, port string) error {
	// Configure server with timeouts to prevent resource exhaustion
	server := &http.Server{
		Addr:              ":" + port,
		Handler:           s.Handler(),
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting HTTP server", "port", port)
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	s.logger.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.RunDue(r.Context()); err != nil {
		s.logger.Error("Scheduled work failed", "error", err)
		http.Error(w, "Check failed", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// decode reads a JSON request body into v, answering 400 on failure.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		s.logger.Warn("Rejected malformed request", "path", r.URL.Path, "error", err)
		http.Error(w, "Malformed request body", http.StatusBadRequest)
		return false
	}
	return true
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Warn("Failed to write response", "error", err)
	}
}
