package deaddrop

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// Server exposes a Bus over HTTP: POST to send, long-poll GET to consume
// an inbox, cursor GET to read a room log.
type Server struct {
	bus     *Bus
	maxWait time.Duration
}

func NewServer(bus *Bus, maxWait time.Duration) *Server {
	if maxWait <= 0 {
		maxWait = 30 * time.Second
	}
	return &Server{bus: bus, maxWait: maxWait}
}

// Register mounts the message routes on mux.
func (s *Server) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/{namespace}/messages", s.handleSend)
	mux.HandleFunc("GET /api/v1/{namespace}/inbox/{identity}", s.handlePoll)
	mux.HandleFunc("GET /api/v1/{namespace}/room/{room}", s.handleRoom)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")

	var msg Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		s.writeError(w, droverErrors.InvalidInput("malformed message body"))
		return
	}
	if !msg.Kind.Valid() {
		s.writeError(w, droverErrors.InvalidInput("unknown message type "+string(msg.Kind)))
		return
	}

	if err := s.bus.Send(namespace, msg); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	identity := r.PathValue("identity")

	wait := time.Duration(0)
	if raw := r.URL.Query().Get("wait"); raw != "" {
		seconds, err := strconv.ParseFloat(raw, 64)
		if err != nil || seconds < 0 {
			s.writeError(w, droverErrors.InvalidInput("invalid wait "+raw))
			return
		}
		wait = time.Duration(seconds * float64(time.Second))
	}
	if wait > s.maxWait {
		wait = s.maxWait
	}

	batch, err := s.bus.Await(r.Context(), namespace, identity, wait)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if batch == nil {
		batch = []Message{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(batch)
}

func (s *Server) handleRoom(w http.ResponseWriter, r *http.Request) {
	namespace := r.PathValue("namespace")
	room := r.PathValue("room")

	since := int64(0)
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, droverErrors.InvalidInput("invalid since cursor "+raw))
			return
		}
		since = parsed
	}

	entries, cursor, err := s.bus.RoomSince(namespace, room, since)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []RoomEntry{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(struct {
		Cursor  int64       `json:"cursor"`
		Entries []RoomEntry `json:"entries"`
	}{Cursor: cursor, Entries: entries})
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := droverErrors.StatusFor(err)
	if status >= 500 {
		slog.Error("Deaddrop request failed", "error", err)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}
