package coordination

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/natefinch/atomic"
	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/drover/internal/deaddrop"
	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// Messenger is the slice of the deaddrop client the session needs.
// *deaddrop.Client satisfies it; tests substitute an in-memory fake.
type Messenger interface {
	Send(ctx context.Context, msg deaddrop.Message, retryTransport bool) error
	Poll(ctx context.Context, identity string, wait time.Duration) []deaddrop.Message
	RoomHistory(ctx context.Context, room string, since int64) ([]deaddrop.RoomEntry, int64, error)
}

// Options carries the collaborators a Session needs. Sessions are explicit
// handles; callers hold as many as they like.
type Options struct {
	SessionsPath      string
	Bus               Messenger
	Provisioner       Provisioner
	CompressThreshold int
	ReplayWindow      int

	// now is overridable for tests.
	now func() time.Time
}

func (o *Options) clock() func() time.Time {
	if o.now != nil {
		return o.now
	}
	return time.Now
}

// Session is the coordinator-side model of one working group: its agents,
// humans, and outstanding permissions. Every mutation is persisted before
// the call returns.
type Session struct {
	mu   sync.Mutex
	path string
	doc  *Document

	bus               Messenger
	provisioner       Provisioner
	compressThreshold int
	replayWindow      int
	now               func() time.Time
}

func sessionFile(sessionsPath, sessionID string) string {
	return filepath.Join(sessionsPath, sessionID+".json")
}

// Create starts a new session and persists its document.
func Create(opts Options, namespace, room, coordinatorID string) (*Session, error) {
	if namespace == "" || room == "" || coordinatorID == "" {
		return nil, droverErrors.InvalidInput("namespace, room and coordinator are required")
	}
	if err := os.MkdirAll(opts.SessionsPath, 0o755); err != nil {
		return nil, droverErrors.Internal(fmt.Sprintf("create sessions dir: %v", err))
	}

	now := opts.clock()
	s := &Session{
		doc: &Document{
			SessionID:     ulid.Make().String(),
			Namespace:     namespace,
			Room:          room,
			CoordinatorID: coordinatorID,
			CreatedAt:     now().UTC(),
			Agents:        make(map[string]*AgentRecord),
			Humans:        make(map[string]*HumanRecord),
			Permissions:   make(map[string]*PendingPermission),
		},
		bus:               opts.Bus,
		provisioner:       opts.Provisioner,
		compressThreshold: opts.CompressThreshold,
		replayWindow:      opts.ReplayWindow,
		now:               now,
	}
	s.path = sessionFile(opts.SessionsPath, s.doc.SessionID)

	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	slog.Info("Created session", "session_id", s.doc.SessionID, "namespace", namespace, "room", room)
	return s, nil
}

// Load reads a persisted session document. A malformed file is a fatal
// configuration error, not something to limp past.
func Load(opts Options, sessionID string) (*Session, error) {
	path := sessionFile(opts.SessionsPath, sessionID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, droverErrors.Wrap(droverErrors.ErrNotFound, "session "+sessionID)
	}
	if err != nil {
		return nil, droverErrors.Internal(fmt.Sprintf("read session %s: %v", sessionID, err))
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, droverErrors.Wrap(droverErrors.ErrInvalidInput, fmt.Sprintf("malformed session file %s: %v", path, err))
	}
	if doc.Agents == nil {
		doc.Agents = make(map[string]*AgentRecord)
	}
	if doc.Humans == nil {
		doc.Humans = make(map[string]*HumanRecord)
	}
	if doc.Permissions == nil {
		doc.Permissions = make(map[string]*PendingPermission)
	}

	return &Session{
		path:              path,
		doc:               &doc,
		bus:               opts.Bus,
		provisioner:       opts.Provisioner,
		compressThreshold: opts.CompressThreshold,
		replayWindow:      opts.ReplayWindow,
		now:               opts.clock(),
	}, nil
}

// Resume loads a session and replays room history to catch agent records
// up with whatever happened while the coordinator was down.
func Resume(ctx context.Context, opts Options, sessionID string) (*Session, error) {
	s, err := Load(opts, sessionID)
	if err != nil {
		return nil, err
	}
	if err := s.SyncAgentStates(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Delete removes a session document.
func Delete(sessionsPath, sessionID string) error {
	err := os.Remove(sessionFile(sessionsPath, sessionID))
	if os.IsNotExist(err) {
		return droverErrors.Wrap(droverErrors.ErrNotFound, "session "+sessionID)
	}
	if err != nil {
		return droverErrors.Internal(fmt.Sprintf("delete session %s: %v", sessionID, err))
	}
	return nil
}

// List returns the session ids persisted under sessionsPath, oldest id
// first.
func List(sessionsPath string) ([]string, error) {
	entries, err := os.ReadDir(sessionsPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, droverErrors.Internal(fmt.Sprintf("read sessions dir: %v", err))
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Session) ID() string { return s.doc.SessionID }

// Snapshot returns a deep copy of the session document for read-only use
// (display, serialization).
func (s *Session) Snapshot() Document {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *s.doc
	copied.Agents = make(map[string]*AgentRecord, len(s.doc.Agents))
	for id, rec := range s.doc.Agents {
		c := *rec
		copied.Agents[id] = &c
	}
	copied.Humans = make(map[string]*HumanRecord, len(s.doc.Humans))
	for id, rec := range s.doc.Humans {
		c := *rec
		copied.Humans[id] = &c
	}
	copied.Permissions = make(map[string]*PendingPermission, len(s.doc.Permissions))
	for id, rec := range s.doc.Permissions {
		c := *rec
		copied.Permissions[id] = &c
	}
	return copied
}

// SpawnAgent provisions a worker context and registers the agent in state
// SPAWNING. A provisioning failure commits nothing.
func (s *Session) SpawnAgent(ctx context.Context, workspaceName, displayName string, remote bool) (string, error) {
	if s.provisioner == nil {
		return "", droverErrors.Internal("session has no provisioner")
	}
	if err := s.provisioner.Provision(ctx, workspaceName, displayName, remote); err != nil {
		return "", droverErrors.Wrap(droverErrors.ErrProvisioning, fmt.Sprintf("workspace %s: %v", workspaceName, err))
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &AgentRecord{
		AgentID:       ulid.Make().String(),
		IdentityID:    ulid.Make().String(),
		DisplayName:   displayName,
		WorkspaceName: workspaceName,
		State:         StateSpawning,
		LastSeen:      s.now().Unix(),
	}
	s.doc.Agents[rec.AgentID] = rec
	if err := s.persistLocked(); err != nil {
		delete(s.doc.Agents, rec.AgentID)
		return "", err
	}

	slog.Info("Spawned agent", "agent_id", rec.AgentID, "workspace", workspaceName)
	return rec.AgentID, nil
}

// RegisterHuman adds a human participant who can receive escalations.
func (s *Session) RegisterHuman(displayName string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec := &HumanRecord{
		HumanID:     ulid.Make().String(),
		IdentityID:  ulid.Make().String(),
		DisplayName: displayName,
	}
	s.doc.Humans[rec.HumanID] = rec
	if err := s.persistLocked(); err != nil {
		delete(s.doc.Humans, rec.HumanID)
		return "", err
	}
	return rec.HumanID, nil
}

// MessageAgent routes a message to one agent's inbox.
func (s *Session) MessageAgent(ctx context.Context, agentID string, msg deaddrop.Message) error {
	s.mu.Lock()
	rec, ok := s.doc.Agents[agentID]
	s.mu.Unlock()
	if !ok {
		return droverErrors.Wrap(droverErrors.ErrUnknownAgent, agentID)
	}

	msg.To = rec.IdentityID
	return s.bus.Send(ctx, msg, true)
}

// Broadcast routes a message to the shared coordination room.
func (s *Session) Broadcast(ctx context.Context, msg deaddrop.Message) error {
	msg.Room = s.doc.Room
	return s.bus.Send(ctx, msg, true)
}

// TerminateAgent sends a Terminate message best-effort and marks the
// record TERMINATED regardless of delivery. Termination is a local
// authority decision, never gated on worker acknowledgment.
func (s *Session) TerminateAgent(ctx context.Context, agentID, reason string) error {
	s.mu.Lock()
	rec, ok := s.doc.Agents[agentID]
	s.mu.Unlock()
	if !ok {
		return droverErrors.Wrap(droverErrors.ErrUnknownAgent, agentID)
	}

	msg, err := deaddrop.NewMessage(deaddrop.KindTerminate, s.doc.CoordinatorID, deaddrop.TerminatePayload{Reason: reason}, s.compressThreshold)
	if err == nil {
		msg.To = rec.IdentityID
		err = s.bus.Send(ctx, msg, true)
	}
	if err != nil {
		slog.Warn("Terminate delivery failed, marking terminated anyway", "agent_id", agentID, "error", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	rec.State = StateTerminated
	rec.PriorState = ""
	return s.persistLocked()
}

// CheckAgentHealth returns agents whose last_seen is older than threshold.
// Side-effect free; remediation is the caller's call.
func (s *Session) CheckAgentHealth(threshold time.Duration) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-threshold).Unix()
	var stale []string
	for id, rec := range s.doc.Agents {
		if rec.State == StateTerminated {
			continue
		}
		if rec.LastSeen < cutoff {
			stale = append(stale, id)
		}
	}
	sort.Strings(stale)
	return stale
}

// MarkUnresponsive moves an agent into the UNRESPONSIVE side-state,
// remembering the state to restore when it speaks again.
func (s *Session) MarkUnresponsive(agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.doc.Agents[agentID]
	if !ok {
		return droverErrors.Wrap(droverErrors.ErrUnknownAgent, agentID)
	}
	if rec.State != StateIdle && rec.State != StateWorking {
		return nil
	}
	rec.PriorState = rec.State
	rec.State = StateUnresponsive
	return s.persistLocked()
}

// ProcessMessages drains the coordinator's inbox, applying message-driven
// transitions. Returns the number of messages applied.
func (s *Session) ProcessMessages(ctx context.Context, wait time.Duration) (int, error) {
	batch := s.bus.Poll(ctx, s.doc.CoordinatorID, wait)
	if len(batch) == 0 {
		return 0, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range batch {
		s.applyLocked(msg)
	}
	return len(batch), s.persistLocked()
}

// SyncAgentStates replays room history past the persisted cursor,
// rebuilding agent records with the same transition rules as live
// processing. Used on resume; safe to call repeatedly.
func (s *Session) SyncAgentStates(ctx context.Context) error {
	s.mu.Lock()
	cursor := s.doc.RoomCursor
	room := s.doc.Room
	s.mu.Unlock()

	entries, newCursor, err := s.bus.RoomHistory(ctx, room, cursor)
	if err != nil {
		return droverErrors.Wrap(err, "replay room history")
	}
	if s.replayWindow > 0 && len(entries) > s.replayWindow {
		entries = entries[len(entries)-s.replayWindow:]
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, entry := range entries {
		s.applyLocked(entry.Message)
	}
	if newCursor > s.doc.RoomCursor {
		s.doc.RoomCursor = newCursor
	}
	return s.persistLocked()
}

// applyLocked runs one message through the transition rules. Any message
// from a known agent proves liveness: it bumps last_seen and lifts
// UNRESPONSIVE back to the prior state before the kind-specific rule runs.
func (s *Session) applyLocked(msg deaddrop.Message) {
	rec := s.agentByIdentityLocked(msg.From)
	if rec != nil && rec.State != StateTerminated {
		rec.LastSeen = s.messageSeen(msg)
		if rec.State == StateUnresponsive {
			restored := rec.PriorState
			if restored == "" {
				restored = StateIdle
			}
			rec.State = restored
			rec.PriorState = ""
		}
	}

	switch msg.Kind {
	case deaddrop.KindIdle:
		if rec != nil && rec.State != StateTerminated {
			rec.State = StateIdle
		}
	case deaddrop.KindTaskAck, deaddrop.KindProgress:
		if rec != nil && rec.State != StateTerminated {
			rec.State = StateWorking
		}
	case deaddrop.KindResult:
		if rec == nil || rec.State == StateTerminated {
			return
		}
		var payload deaddrop.ResultPayload
		if err := deaddrop.DecodePayload(msg, &payload); err != nil {
			slog.Warn("Skipping undecodable result payload", "message_id", msg.ID, "error", err)
			return
		}
		if payload.Terminated {
			rec.State = StateTerminated
		} else {
			rec.State = StateIdle
		}
	case deaddrop.KindPermissionRequest:
		var payload deaddrop.PermissionRequestPayload
		if err := deaddrop.DecodePayload(msg, &payload); err != nil {
			slog.Warn("Skipping undecodable permission request", "message_id", msg.ID, "error", err)
			return
		}
		if _, exists := s.doc.Permissions[payload.RequestID]; exists {
			return
		}
		agentID := payload.AgentID
		if agentID == "" && rec != nil {
			agentID = rec.AgentID
		}
		s.doc.Permissions[payload.RequestID] = &PendingPermission{
			RequestID: payload.RequestID,
			AgentID:   agentID,
			Action:    payload.Action,
			Resource:  payload.Resource,
			Context:   payload.Context,
			Status:    PermissionPending,
			CreatedAt: s.messageTime(msg),
		}
	case deaddrop.KindTaskAssign, deaddrop.KindTerminate, deaddrop.KindPermissionResponse,
		deaddrop.KindQuestion, deaddrop.KindAnswer:
		// Coordinator-originated or informational; liveness bump only.
	default:
		slog.Warn("Skipping message with unknown type", "message_id", msg.ID, "type", msg.Kind)
	}
}

func (s *Session) agentByIdentityLocked(identity string) *AgentRecord {
	for _, rec := range s.doc.Agents {
		if rec.IdentityID == identity {
			return rec
		}
	}
	return nil
}

func (s *Session) messageSeen(msg deaddrop.Message) int64 {
	if !msg.SentAt.IsZero() {
		return msg.SentAt.Unix()
	}
	return s.now().Unix()
}

func (s *Session) messageTime(msg deaddrop.Message) time.Time {
	if !msg.SentAt.IsZero() {
		return msg.SentAt.UTC()
	}
	return s.now().UTC()
}

func (s *Session) persistLocked() error {
	data, err := json.MarshalIndent(s.doc, "", "  ")
	if err != nil {
		return droverErrors.Internal(fmt.Sprintf("marshal session: %v", err))
	}
	if err := atomic.WriteFile(s.path, bytes.NewReader(data)); err != nil {
		return droverErrors.Internal(fmt.Sprintf("persist session: %v", err))
	}
	return nil
}
