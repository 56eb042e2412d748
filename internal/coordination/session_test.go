package coordination

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/drover/internal/deaddrop"
	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// fakeBus is an in-memory Messenger. Room entries are shared across all
// room names; tests run one session at a time.
type fakeBus struct {
	mu      sync.Mutex
	inboxes map[string][]deaddrop.Message
	room    []deaddrop.RoomEntry
	sendErr error
}

func newFakeBus() *fakeBus {
	return &fakeBus{inboxes: make(map[string][]deaddrop.Message)}
}

func (f *fakeBus) Send(ctx context.Context, msg deaddrop.Message, retryTransport bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	if msg.To != "" {
		f.inboxes[msg.To] = append(f.inboxes[msg.To], msg)
	}
	if msg.Room != "" {
		f.room = append(f.room, deaddrop.RoomEntry{Seq: int64(len(f.room) + 1), Message: msg})
	}
	return nil
}

func (f *fakeBus) Poll(ctx context.Context, identity string, wait time.Duration) []deaddrop.Message {
	deadline := time.Now().Add(wait)
	for {
		f.mu.Lock()
		batch := f.inboxes[identity]
		if len(batch) > 0 {
			delete(f.inboxes, identity)
			f.mu.Unlock()
			return batch
		}
		f.mu.Unlock()

		if time.Now().After(deadline) {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func (f *fakeBus) RoomHistory(ctx context.Context, room string, since int64) ([]deaddrop.RoomEntry, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []deaddrop.RoomEntry
	for _, entry := range f.room {
		if entry.Seq > since {
			out = append(out, entry)
		}
	}
	return out, int64(len(f.room)), nil
}

// appendRoom injects a room entry as if a worker had broadcast it.
func (f *fakeBus) appendRoom(msg deaddrop.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.room = append(f.room, deaddrop.RoomEntry{Seq: int64(len(f.room) + 1), Message: msg})
}

type failingProvisioner struct{}

func (failingProvisioner) Provision(ctx context.Context, workspaceName, displayName string, remote bool) error {
	return errors.New("workspace quota exceeded")
}

func newTestSession(t *testing.T, bus *fakeBus) *Session {
	t.Helper()
	s, err := Create(Options{
		SessionsPath: t.TempDir(),
		Bus:          bus,
		Provisioner:  NopProvisioner{},
	}, "team", "room-1", "coord")
	require.NoError(t, err)
	return s
}

func spawn(t *testing.T, s *Session) (agentID, identity string) {
	t.Helper()
	agentID, err := s.SpawnAgent(context.Background(), "ws-1", "worker", false)
	require.NoError(t, err)
	return agentID, s.Snapshot().Agents[agentID].IdentityID
}

func fromAgent(t *testing.T, identity string, kind deaddrop.Kind, payload interface{}) deaddrop.Message {
	t.Helper()
	msg, err := deaddrop.NewMessage(kind, identity, payload, 0)
	require.NoError(t, err)
	msg.To = "coord"
	return msg
}

func TestSpawnRegistersAgentInSpawning(t *testing.T) {
	s := newTestSession(t, newFakeBus())
	agentID, _ := spawn(t, s)

	rec := s.Snapshot().Agents[agentID]
	require.NotNil(t, rec)
	assert.Equal(t, StateSpawning, rec.State)
	assert.NotEmpty(t, rec.IdentityID)
	assert.Equal(t, "ws-1", rec.WorkspaceName)
}

func TestSpawnFailureCommitsNothing(t *testing.T) {
	bus := newFakeBus()
	s, err := Create(Options{
		SessionsPath: t.TempDir(),
		Bus:          bus,
		Provisioner:  failingProvisioner{},
	}, "team", "room-1", "coord")
	require.NoError(t, err)

	_, err = s.SpawnAgent(context.Background(), "ws-1", "worker", true)
	require.Error(t, err)
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrProvisioning))
	assert.Empty(t, s.Snapshot().Agents)
}

func TestMessageDrivenTransitions(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)
	ctx := context.Background()

	apply := func(kind deaddrop.Kind, payload interface{}) {
		require.NoError(t, bus.Send(ctx, fromAgent(t, identity, kind, payload), true))
		_, err := s.ProcessMessages(ctx, 0)
		require.NoError(t, err)
	}

	apply(deaddrop.KindIdle, deaddrop.IdlePayload{})
	assert.Equal(t, StateIdle, s.Snapshot().Agents[agentID].State)

	apply(deaddrop.KindTaskAck, deaddrop.TaskAckPayload{TaskID: "t1"})
	assert.Equal(t, StateWorking, s.Snapshot().Agents[agentID].State)

	apply(deaddrop.KindProgress, deaddrop.ProgressPayload{TaskID: "t1", Percent: 50})
	assert.Equal(t, StateWorking, s.Snapshot().Agents[agentID].State)

	// A successful result frees the agent; it is not terminal.
	apply(deaddrop.KindResult, deaddrop.ResultPayload{TaskID: "t1", Status: "success"})
	assert.Equal(t, StateIdle, s.Snapshot().Agents[agentID].State)

	apply(deaddrop.KindResult, deaddrop.ResultPayload{TaskID: "t2", Status: "success", Terminated: true})
	assert.Equal(t, StateTerminated, s.Snapshot().Agents[agentID].State)
}

func TestMessageToUnknownAgent(t *testing.T) {
	s := newTestSession(t, newFakeBus())

	msg, err := deaddrop.NewMessage(deaddrop.KindTaskAssign, "coord", deaddrop.TaskAssignPayload{TaskID: "t1"}, 0)
	require.NoError(t, err)
	err = s.MessageAgent(context.Background(), "no-such-agent", msg)
	require.Error(t, err)
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrUnknownAgent))
}

func TestMessageAgentRoutesToIdentityInbox(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)

	msg, err := deaddrop.NewMessage(deaddrop.KindTaskAssign, "coord", deaddrop.TaskAssignPayload{TaskID: "t1", Description: "do it"}, 0)
	require.NoError(t, err)
	require.NoError(t, s.MessageAgent(context.Background(), agentID, msg))

	batch := bus.Poll(context.Background(), identity, 0)
	require.Len(t, batch, 1)
	assert.Equal(t, deaddrop.KindTaskAssign, batch[0].Kind)
}

func TestBroadcastGoesToRoom(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)

	msg, err := deaddrop.NewMessage(deaddrop.KindQuestion, "coord", deaddrop.QuestionPayload{QuestionID: "q1", Text: "status?"}, 0)
	require.NoError(t, err)
	require.NoError(t, s.Broadcast(context.Background(), msg))

	entries, _, err := bus.RoomHistory(context.Background(), "room-1", 0)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestTerminateMarksEvenWhenDeliveryFails(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, _ := spawn(t, s)

	bus.mu.Lock()
	bus.sendErr = errors.New("bus is down")
	bus.mu.Unlock()

	require.NoError(t, s.TerminateAgent(context.Background(), agentID, "done"))
	assert.Equal(t, StateTerminated, s.Snapshot().Agents[agentID].State)
}

func TestTerminatedAgentIgnoresLateMessages(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)

	require.NoError(t, s.TerminateAgent(context.Background(), agentID, "done"))

	require.NoError(t, bus.Send(context.Background(), fromAgent(t, identity, deaddrop.KindIdle, deaddrop.IdlePayload{}), true))
	_, err := s.ProcessMessages(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, s.Snapshot().Agents[agentID].State)
}

func TestHealthCheckIsSideEffectFree(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, _ := spawn(t, s)

	// Nothing is stale yet.
	assert.Empty(t, s.CheckAgentHealth(time.Minute))

	s.mu.Lock()
	s.doc.Agents[agentID].LastSeen = time.Now().Add(-time.Hour).Unix()
	s.mu.Unlock()

	stale := s.CheckAgentHealth(time.Minute)
	assert.Equal(t, []string{agentID}, stale)
	assert.Equal(t, StateSpawning, s.Snapshot().Agents[agentID].State)
}

func TestUnresponsiveRoundTrip(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)
	ctx := context.Background()

	require.NoError(t, bus.Send(ctx, fromAgent(t, identity, deaddrop.KindTaskAck, deaddrop.TaskAckPayload{TaskID: "t1"}), true))
	_, err := s.ProcessMessages(ctx, 0)
	require.NoError(t, err)
	require.Equal(t, StateWorking, s.Snapshot().Agents[agentID].State)

	require.NoError(t, s.MarkUnresponsive(agentID))
	assert.Equal(t, StateUnresponsive, s.Snapshot().Agents[agentID].State)

	// Any message restores the prior state.
	require.NoError(t, bus.Send(ctx, fromAgent(t, identity, deaddrop.KindProgress, deaddrop.ProgressPayload{TaskID: "t1"}), true))
	_, err = s.ProcessMessages(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, StateWorking, s.Snapshot().Agents[agentID].State)
}

func TestMarkUnresponsiveOnlyFromActiveStates(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, _ := spawn(t, s)

	require.NoError(t, s.TerminateAgent(context.Background(), agentID, "done"))
	require.NoError(t, s.MarkUnresponsive(agentID))
	assert.Equal(t, StateTerminated, s.Snapshot().Agents[agentID].State)
}

func TestPersistenceRoundTrip(t *testing.T) {
	dir := t.TempDir()
	bus := newFakeBus()
	s, err := Create(Options{SessionsPath: dir, Bus: bus, Provisioner: NopProvisioner{}}, "team", "room-1", "coord")
	require.NoError(t, err)
	agentID, _ := spawn(t, s)

	loaded, err := Load(Options{SessionsPath: dir, Bus: bus, Provisioner: NopProvisioner{}}, s.ID())
	require.NoError(t, err)
	doc := loaded.Snapshot()
	assert.Equal(t, "team", doc.Namespace)
	assert.Equal(t, "room-1", doc.Room)
	require.Contains(t, doc.Agents, agentID)
	assert.Equal(t, StateSpawning, doc.Agents[agentID].State)
}

func TestLoadMissingSession(t *testing.T) {
	_, err := Load(Options{SessionsPath: t.TempDir()}, "nope")
	require.Error(t, err)
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrNotFound))
}

func TestLoadMalformedSessionFailsFast(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(sessionFile(dir, "bad"), []byte("{truncated"), 0o644))

	_, err := Load(Options{SessionsPath: dir}, "bad")
	require.Error(t, err)
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrInvalidInput))
}

func TestListAndDelete(t *testing.T) {
	dir := t.TempDir()
	bus := newFakeBus()
	opts := Options{SessionsPath: dir, Bus: bus, Provisioner: NopProvisioner{}}

	a, err := Create(opts, "team", "room-1", "coord")
	require.NoError(t, err)
	b, err := Create(opts, "team", "room-2", "coord")
	require.NoError(t, err)

	ids, err := List(dir)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{a.ID(), b.ID()}, ids)

	require.NoError(t, Delete(dir, a.ID()))
	ids, err = List(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{b.ID()}, ids)

	err = Delete(dir, a.ID())
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrNotFound))
}

func TestResumeReplaysRoomHistory(t *testing.T) {
	dir := t.TempDir()
	bus := newFakeBus()
	opts := Options{SessionsPath: dir, Bus: bus, Provisioner: NopProvisioner{}}
	s, err := Create(opts, "team", "room-1", "coord")
	require.NoError(t, err)
	agentID, identity := spawn(t, s)
	sessionID := s.ID()

	record := func(kind deaddrop.Kind, from string, payload interface{}) {
		msg, err := deaddrop.NewMessage(kind, from, payload, 0)
		require.NoError(t, err)
		msg.Room = "room-1"
		bus.appendRoom(msg)
	}

	// The coordinator crashed; this happened in the room meanwhile.
	record(deaddrop.KindIdle, identity, deaddrop.IdlePayload{})
	record(deaddrop.KindTaskAssign, "coord", deaddrop.TaskAssignPayload{TaskID: "t1", Description: "build"})
	record(deaddrop.KindTaskAck, identity, deaddrop.TaskAckPayload{TaskID: "t1"})
	record(deaddrop.KindProgress, identity, deaddrop.ProgressPayload{TaskID: "t1", Percent: 80})
	record(deaddrop.KindResult, identity, deaddrop.ResultPayload{TaskID: "t1", Status: "success"})

	resumed, err := Resume(context.Background(), opts, sessionID)
	require.NoError(t, err)

	doc := resumed.Snapshot()
	// The last applicable message wins: a successful result means the
	// agent is available again, not terminated.
	assert.Equal(t, StateIdle, doc.Agents[agentID].State)
	assert.Equal(t, int64(5), doc.RoomCursor)

	// A second replay is a no-op; the cursor already covers the log.
	require.NoError(t, resumed.SyncAgentStates(context.Background()))
	assert.Equal(t, StateIdle, resumed.Snapshot().Agents[agentID].State)
}

func TestResumeReplayClassifiesTerminalResult(t *testing.T) {
	dir := t.TempDir()
	bus := newFakeBus()
	opts := Options{SessionsPath: dir, Bus: bus, Provisioner: NopProvisioner{}}
	s, err := Create(opts, "team", "room-1", "coord")
	require.NoError(t, err)
	agentID, identity := spawn(t, s)

	msg, err := deaddrop.NewMessage(deaddrop.KindResult, identity, deaddrop.ResultPayload{TaskID: "t1", Status: "success", Terminated: true}, 0)
	require.NoError(t, err)
	msg.Room = "room-1"
	bus.appendRoom(msg)

	resumed, err := Resume(context.Background(), opts, s.ID())
	require.NoError(t, err)
	assert.Equal(t, StateTerminated, resumed.Snapshot().Agents[agentID].State)
}

func TestReplayWindowBoundsReplay(t *testing.T) {
	dir := t.TempDir()
	bus := newFakeBus()
	opts := Options{SessionsPath: dir, Bus: bus, Provisioner: NopProvisioner{}, ReplayWindow: 1}
	s, err := Create(opts, "team", "room-1", "coord")
	require.NoError(t, err)
	agentID, identity := spawn(t, s)

	for _, kind := range []deaddrop.Kind{deaddrop.KindTaskAck, deaddrop.KindIdle} {
		msg, err := deaddrop.NewMessage(kind, identity, nil, 0)
		require.NoError(t, err)
		msg.Room = "room-1"
		bus.appendRoom(msg)
	}

	resumed, err := Resume(context.Background(), opts, s.ID())
	require.NoError(t, err)
	// Only the last entry replays; it says IDLE.
	assert.Equal(t, StateIdle, resumed.Snapshot().Agents[agentID].State)
}
