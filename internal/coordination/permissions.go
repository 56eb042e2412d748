package coordination

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/harunnryd/drover/internal/deaddrop"
	droverErrors "github.com/harunnryd/drover/internal/errors"
)

// GrantPermission resolves a pending request and notifies the originating
// agent. Stale or already-resolved request ids are rejected so a late
// double-grant cannot silently flip a decision.
func (s *Session) GrantPermission(ctx context.Context, requestID string, granted bool, reason, decidedBy string) error {
	s.mu.Lock()
	perm, ok := s.doc.Permissions[requestID]
	if !ok || perm.Status != PermissionPending {
		s.mu.Unlock()
		return droverErrors.Wrap(droverErrors.ErrUnknownRequest, requestID)
	}

	if granted {
		perm.Status = PermissionGranted
	} else {
		perm.Status = PermissionDenied
	}
	perm.Reason = reason
	perm.DecidedBy = decidedBy

	rec := s.doc.Agents[perm.AgentID]
	if err := s.persistLocked(); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	if rec == nil {
		slog.Warn("Permission decided for unregistered agent, response not delivered", "request_id", requestID)
		return nil
	}

	msg, err := deaddrop.NewMessage(deaddrop.KindPermissionResponse, s.doc.CoordinatorID, deaddrop.PermissionResponsePayload{
		RequestID: requestID,
		Granted:   granted,
		Reason:    reason,
		DecidedBy: decidedBy,
	}, s.compressThreshold)
	if err != nil {
		return err
	}
	msg.To = rec.IdentityID
	return s.bus.Send(ctx, msg, true)
}

// ClearExpiredPermissions sweeps pending requests older than maxAge to
// EXPIRED and returns their ids. The worker side never learns of the
// expiry; its own timeout already denied it.
func (s *Session) ClearExpiredPermissions(maxAge time.Duration) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-maxAge)
	var expired []string
	for id, perm := range s.doc.Permissions {
		if perm.Status == PermissionPending && perm.CreatedAt.Before(cutoff) {
			perm.Status = PermissionExpired
			expired = append(expired, id)
		}
	}
	if len(expired) == 0 {
		return nil, nil
	}
	sort.Strings(expired)
	if err := s.persistLocked(); err != nil {
		return nil, err
	}
	slog.Info("Expired stale permission requests", "count", len(expired))
	return expired, nil
}

// EscalateToUser forwards a pending request to a human's inbox. The
// request stays PENDING; the human's verdict arrives through
// GrantPermission like any other decision.
func (s *Session) EscalateToUser(ctx context.Context, requestID, humanID, note string) error {
	s.mu.Lock()
	perm, ok := s.doc.Permissions[requestID]
	if !ok || perm.Status != PermissionPending {
		s.mu.Unlock()
		return droverErrors.Wrap(droverErrors.ErrUnknownRequest, requestID)
	}
	human, ok := s.doc.Humans[humanID]
	if !ok {
		s.mu.Unlock()
		return droverErrors.InvalidInput("unknown human " + humanID)
	}
	payload := deaddrop.PermissionRequestPayload{
		RequestID: perm.RequestID,
		AgentID:   perm.AgentID,
		Action:    perm.Action,
		Resource:  perm.Resource,
		Context:   perm.Context,
	}
	s.mu.Unlock()

	if note != "" {
		if payload.Context != "" {
			payload.Context += "\n"
		}
		payload.Context += note
	}

	msg, err := deaddrop.NewMessage(deaddrop.KindPermissionRequest, s.doc.CoordinatorID, payload, s.compressThreshold)
	if err != nil {
		return err
	}
	msg.To = human.IdentityID
	return s.bus.Send(ctx, msg, true)
}

// RequestPermission is the worker-side half of the broker: send the
// request, then block polling the worker's own inbox for the matching
// response. An elapsed timeout returns false. Deny-by-default is the
// safety policy; there is no implicit allow path.
//
// The wait drains the worker's inbox. Messages of other kinds that arrive
// mid-wait are requeued before returning so the caller's normal poll loop
// still sees them; only stale permission responses are dropped.
func RequestPermission(ctx context.Context, bus Messenger, coordinatorID, identity, agentID, action, resource, extra string, timeout time.Duration, compressThreshold int) (bool, error) {
	requestID := ulid.Make().String()
	msg, err := deaddrop.NewMessage(deaddrop.KindPermissionRequest, identity, deaddrop.PermissionRequestPayload{
		RequestID: requestID,
		AgentID:   agentID,
		Action:    action,
		Resource:  resource,
		Context:   extra,
	}, compressThreshold)
	if err != nil {
		return false, err
	}
	msg.To = coordinatorID
	if err := bus.Send(ctx, msg, true); err != nil {
		return false, droverErrors.Wrap(err, fmt.Sprintf("send permission request %s", requestID))
	}

	var stashed []deaddrop.Message
	defer func() { requeue(ctx, bus, identity, stashed) }()

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			slog.Info("Permission request timed out, denying", "request_id", requestID, "action", action)
			return false, nil
		}

		batch := bus.Poll(ctx, identity, remaining)
		for _, reply := range batch {
			if reply.Kind != deaddrop.KindPermissionResponse {
				stashed = append(stashed, reply)
				continue
			}
			var payload deaddrop.PermissionResponsePayload
			if err := deaddrop.DecodePayload(reply, &payload); err != nil {
				slog.Warn("Skipping undecodable permission response", "message_id", reply.ID, "error", err)
				continue
			}
			if payload.RequestID != requestID {
				slog.Debug("Dropping stale permission response", "message_id", reply.ID, "request_id", payload.RequestID)
				continue
			}
			return payload.Granted, nil
		}

		select {
		case <-ctx.Done():
			return false, nil
		default:
		}

		// A transport-level poll can return early; do not spin.
		if len(batch) == 0 {
			time.Sleep(min(50*time.Millisecond, time.Until(deadline)))
		}
	}
}

// requeue puts messages consumed during a blocking wait back on the
// identity's own inbox. Delivery order across the requeue is not
// preserved, which the bus never promised across senders anyway.
func requeue(ctx context.Context, bus Messenger, identity string, batch []deaddrop.Message) {
	for _, msg := range batch {
		msg.To = identity
		msg.Room = ""
		if err := bus.Send(ctx, msg, true); err != nil {
			slog.Error("Failed to requeue message after permission wait", "message_id", msg.ID, "type", msg.Kind, "error", err)
		}
	}
}
