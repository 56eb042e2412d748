package coordination

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harunnryd/drover/internal/deaddrop"
	droverErrors "github.com/harunnryd/drover/internal/errors"
)

func pendingRequest(t *testing.T, s *Session, bus *fakeBus, identity, agentID, requestID string) {
	t.Helper()
	msg, err := deaddrop.NewMessage(deaddrop.KindPermissionRequest, identity, deaddrop.PermissionRequestPayload{
		RequestID: requestID,
		AgentID:   agentID,
		Action:    "delete",
		Resource:  "prod.db",
	}, 0)
	require.NoError(t, err)
	msg.To = "coord"
	require.NoError(t, bus.Send(context.Background(), msg, true))
	_, err = s.ProcessMessages(context.Background(), 0)
	require.NoError(t, err)
}

func TestPermissionRequestCreatesPendingEntry(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)

	pendingRequest(t, s, bus, identity, agentID, "req-1")

	perm := s.Snapshot().Permissions["req-1"]
	require.NotNil(t, perm)
	assert.Equal(t, PermissionPending, perm.Status)
	assert.Equal(t, agentID, perm.AgentID)
	assert.Equal(t, "delete", perm.Action)
}

func TestGrantDeliversResponseToAgent(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)
	ctx := context.Background()

	pendingRequest(t, s, bus, identity, agentID, "req-1")
	require.NoError(t, s.GrantPermission(ctx, "req-1", true, "looks safe", "coord"))

	assert.Equal(t, PermissionGranted, s.Snapshot().Permissions["req-1"].Status)

	batch := bus.Poll(ctx, identity, 0)
	require.Len(t, batch, 1)
	var payload deaddrop.PermissionResponsePayload
	require.NoError(t, deaddrop.DecodePayload(batch[0], &payload))
	assert.Equal(t, "req-1", payload.RequestID)
	assert.True(t, payload.Granted)
	assert.Equal(t, "coord", payload.DecidedBy)
}

func TestDenyRecordsDecision(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)

	pendingRequest(t, s, bus, identity, agentID, "req-1")
	require.NoError(t, s.GrantPermission(context.Background(), "req-1", false, "too risky", "coord"))

	perm := s.Snapshot().Permissions["req-1"]
	assert.Equal(t, PermissionDenied, perm.Status)
	assert.Equal(t, "too risky", perm.Reason)
}

func TestGrantUnknownOrResolvedRequest(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)
	ctx := context.Background()

	err := s.GrantPermission(ctx, "never-seen", true, "", "coord")
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrUnknownRequest))

	pendingRequest(t, s, bus, identity, agentID, "req-1")
	require.NoError(t, s.GrantPermission(ctx, "req-1", false, "no", "coord"))

	// A second decision on the same request is rejected.
	err = s.GrantPermission(ctx, "req-1", true, "changed my mind", "coord")
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrUnknownRequest))
}

func TestClearExpiredPermissions(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)

	pendingRequest(t, s, bus, identity, agentID, "req-old")
	pendingRequest(t, s, bus, identity, agentID, "req-new")

	s.mu.Lock()
	s.doc.Permissions["req-old"].CreatedAt = time.Now().Add(-48 * time.Hour)
	s.mu.Unlock()

	expired, err := s.ClearExpiredPermissions(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, []string{"req-old"}, expired)

	doc := s.Snapshot()
	assert.Equal(t, PermissionExpired, doc.Permissions["req-old"].Status)
	assert.Equal(t, PermissionPending, doc.Permissions["req-new"].Status)

	// An expired request can no longer be granted.
	err = s.GrantPermission(context.Background(), "req-old", true, "", "coord")
	assert.True(t, droverErrors.IsCategory(err, droverErrors.ErrUnknownRequest))
}

func TestEscalationKeepsRequestPending(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	agentID, identity := spawn(t, s)
	ctx := context.Background()

	humanID, err := s.RegisterHuman("operator")
	require.NoError(t, err)
	humanIdentity := s.Snapshot().Humans[humanID].IdentityID

	pendingRequest(t, s, bus, identity, agentID, "req-1")
	require.NoError(t, s.EscalateToUser(ctx, "req-1", humanID, "needs a human eye"))

	// Still pending; the human decides through the normal grant path.
	assert.Equal(t, PermissionPending, s.Snapshot().Permissions["req-1"].Status)

	batch := bus.Poll(ctx, humanIdentity, 0)
	require.Len(t, batch, 1)
	var payload deaddrop.PermissionRequestPayload
	require.NoError(t, deaddrop.DecodePayload(batch[0], &payload))
	assert.Equal(t, "req-1", payload.RequestID)
	assert.Contains(t, payload.Context, "needs a human eye")

	require.NoError(t, s.GrantPermission(ctx, "req-1", true, "approved", "operator"))
	assert.Equal(t, PermissionGranted, s.Snapshot().Permissions["req-1"].Status)
}

func TestRequestPermissionDeniesOnTimeout(t *testing.T) {
	bus := newFakeBus()

	start := time.Now()
	granted, err := RequestPermission(context.Background(), bus, "coord", "worker-1", "agent-1", "push", "main", "", time.Second, 0)
	require.NoError(t, err)
	assert.False(t, granted)

	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, time.Second)
	assert.Less(t, elapsed, 3*time.Second)
}

func TestRequestPermissionEndToEnd(t *testing.T) {
	bus := newFakeBus()
	s := newTestSession(t, bus)
	_, identity := spawn(t, s)
	ctx := context.Background()

	type outcome struct {
		granted bool
		err     error
	}
	done := make(chan outcome, 1)
	go func() {
		granted, err := RequestPermission(ctx, bus, "coord", identity, "", "deploy", "prod", "", 5*time.Second, 0)
		done <- outcome{granted, err}
	}()

	// Wait for the request to land, then decide it.
	var requestID string
	require.Eventually(t, func() bool {
		if _, err := s.ProcessMessages(ctx, 0); err != nil {
			return false
		}
		for id, perm := range s.Snapshot().Permissions {
			if perm.Status == PermissionPending {
				requestID = id
				return true
			}
		}
		return false
	}, 3*time.Second, 20*time.Millisecond)

	require.NoError(t, s.GrantPermission(ctx, requestID, true, "go ahead", "coord"))

	result := <-done
	require.NoError(t, result.err)
	assert.True(t, result.granted)

	// The agent id was attributed from the sender identity.
	assert.NotEmpty(t, s.Snapshot().Permissions[requestID].AgentID)
}

func TestRequestPermissionRequeuesUnrelatedMessages(t *testing.T) {
	bus := newFakeBus()
	ctx := context.Background()

	go func() {
		// A task assignment lands while the worker is blocked waiting.
		task, _ := deaddrop.NewMessage(deaddrop.KindTaskAssign, "coord", deaddrop.TaskAssignPayload{TaskID: "t1", Description: "build"}, 0)
		task.To = "worker-1"
		_ = bus.Send(ctx, task, true)

		time.Sleep(50 * time.Millisecond)
		reply, _ := deaddrop.NewMessage(deaddrop.KindPermissionResponse, "coord", deaddrop.PermissionResponsePayload{
			RequestID: consumePendingRequestID(bus, "coord"),
			Granted:   true,
		}, 0)
		reply.To = "worker-1"
		_ = bus.Send(ctx, reply, true)
	}()

	granted, err := RequestPermission(ctx, bus, "coord", "worker-1", "agent-1", "push", "main", "", 5*time.Second, 0)
	require.NoError(t, err)
	assert.True(t, granted)

	// The assignment must survive the wait for the worker's normal loop.
	batch := bus.Poll(ctx, "worker-1", 0)
	require.Len(t, batch, 1)
	assert.Equal(t, deaddrop.KindTaskAssign, batch[0].Kind)
}

// consumePendingRequestID drains the coordinator inbox and returns the
// request id of the first permission request found.
func consumePendingRequestID(bus *fakeBus, coordinatorID string) string {
	for _, msg := range bus.Poll(context.Background(), coordinatorID, time.Second) {
		if msg.Kind != deaddrop.KindPermissionRequest {
			continue
		}
		var payload deaddrop.PermissionRequestPayload
		if err := deaddrop.DecodePayload(msg, &payload); err != nil {
			continue
		}
		return payload.RequestID
	}
	return ""
}

func TestRequestPermissionIgnoresUnrelatedResponses(t *testing.T) {
	bus := newFakeBus()
	ctx := context.Background()

	go func() {
		time.Sleep(50 * time.Millisecond)
		// A response for someone else's request must not satisfy ours.
		msg, _ := deaddrop.NewMessage(deaddrop.KindPermissionResponse, "coord", deaddrop.PermissionResponsePayload{
			RequestID: "other-request",
			Granted:   true,
		}, 0)
		msg.To = "worker-1"
		_ = bus.Send(ctx, msg, true)
	}()

	granted, err := RequestPermission(ctx, bus, "coord", "worker-1", "agent-1", "push", "main", "", 500*time.Millisecond, 0)
	require.NoError(t, err)
	assert.False(t, granted)
}
