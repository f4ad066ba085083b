package server

import (
	"net/http"

	"offline-notifier/pkg/notifier"
)

type messageEvent struct {
	Message *notifier.Message `json:"message"`
	Room    *notifier.Room    `json:"room"`
}

// handleMessage receives a message-saved event from the chat pipeline.
func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var ev messageEvent
	if !s.decode(w, r, &ev) {
		return
	}
	if ev.Message == nil || ev.Room == nil || ev.Message.ID == "" || ev.Room.ID == "" {
		http.Error(w, "message and room are required", http.StatusBadRequest)
		return
	}
	if ev.Message.RoomID == "" {
		ev.Message.RoomID = ev.Room.ID
	}
	if ev.Message.RoomID != ev.Room.ID {
		http.Error(w, "message does not belong to room", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if err := s.directory.PutMessage(ctx, ev.Message); err != nil {
		s.logger.Error("Failed to store message", "message_id", ev.Message.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if !ev.Message.Edited() {
		if err := s.directory.IncrementUnread(ctx, ev.Room.ID, ev.Message.Author.ID); err != nil && !s.isUnknown(err) {
			s.logger.Error("Failed to update unread counts", "room_id", ev.Room.ID, "error", err)
			http.Error(w, "Internal server error", http.StatusInternalServerError)
			return
		}
	}

	if err := s.notifier.OnMessageSaved(ctx, ev.Message, ev.Room); err != nil {
		s.logger.Error("Notification pass failed", "message_id", ev.Message.ID, "room_id", ev.Room.ID, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}
