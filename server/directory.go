package server

import (
	"net/http"

	"offline-notifier/pkg/notifier"
)

type roomSync struct {
	Room          notifier.Room           `json:"room"`
	Subscriptions []notifier.Subscription `json:"subscriptions"`
}

type userSync struct {
	Users []notifier.User `json:"users"`
}

type readReceipt struct {
	RoomID string `json:"rid"`
	UserID string `json:"userId"`
}

func (s *Server) handleRooms(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req roomSync
	if !s.decode(w, r, &req) {
		return
	}
	if req.Room.ID == "" {
		http.Error(w, "room id is required", http.StatusBadRequest)
		return
	}
	if err := s.directory.PutRoom(r.Context(), req.Room, req.Subscriptions); err != nil {
		s.logger.Error("Failed to sync room", "room_id", req.Room.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPut {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req userSync
	if !s.decode(w, r, &req) {
		return
	}
	for _, u := range req.Users {
		if u.ID == "" {
			http.Error(w, "user id is required", http.StatusBadRequest)
			return
		}
	}
	for _, u := range req.Users {
		if err := s.directory.PutUser(r.Context(), u); err != nil {
			s.logger.Error("Failed to sync user", "user_id", u.ID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}
	s.logger.Info("Users synced", "count", len(req.Users))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleRead(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req readReceipt
	if !s.decode(w, r, &req) {
		return
	}
	if req.RoomID == "" || req.UserID == "" {
		http.Error(w, "rid and userId are required", http.StatusBadRequest)
		return
	}
	if err := s.directory.MarkRead(r.Context(), req.RoomID, req.UserID); err != nil {
		if s.isUnknown(err) {
			http.Error(w, "Unknown room", http.StatusNotFound)
			return
		}
		s.logger.Error("Failed to mark read", "room_id", req.RoomID, "user_id", req.UserID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
