package coordination

import "time"

// AgentState tracks where an agent is in its lifecycle. UNRESPONSIVE is a
// side-state entered from IDLE or WORKING when the agent goes quiet; any
// received message returns it to the prior state.
type AgentState string

const (
	StateSpawning     AgentState = "SPAWNING"
	StateIdle         AgentState = "IDLE"
	StateWorking      AgentState = "WORKING"
	StateTerminated   AgentState = "TERMINATED"
	StateUnresponsive AgentState = "UNRESPONSIVE"
)

// AgentRecord is the coordinator's view of one worker. LastSeen is unix
// seconds of the most recent message observed from the agent.
type AgentRecord struct {
	AgentID       string     `json:"agent_id"`
	IdentityID    string     `json:"identity_id"`
	DisplayName   string     `json:"display_name"`
	WorkspaceName string     `json:"workspace_name"`
	State         AgentState `json:"state"`
	PriorState    AgentState `json:"prior_state,omitempty"`
	LastSeen      int64      `json:"last_seen"`
}

type HumanRecord struct {
	HumanID     string `json:"human_id"`
	IdentityID  string `json:"identity_id"`
	DisplayName string `json:"display_name"`
}

type PermissionStatus string

const (
	PermissionPending PermissionStatus = "PENDING"
	PermissionGranted PermissionStatus = "GRANTED"
	PermissionDenied  PermissionStatus = "DENIED"
	PermissionExpired PermissionStatus = "EXPIRED"
)

// PendingPermission is a worker's authorization request awaiting a
// coordinator or human decision.
type PendingPermission struct {
	RequestID string           `json:"request_id"`
	AgentID   string           `json:"agent_id"`
	Action    string           `json:"action"`
	Resource  string           `json:"resource"`
	Context   string           `json:"context,omitempty"`
	Status    PermissionStatus `json:"status"`
	Reason    string           `json:"reason,omitempty"`
	DecidedBy string           `json:"decided_by,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}

// Document is the durable session state, one JSON file per session.
// Persisted after every mutation.
type Document struct {
	SessionID     string                        `json:"session_id"`
	Namespace     string                        `json:"namespace_id"`
	Room          string                        `json:"room_id"`
	CoordinatorID string                        `json:"coordinator_id"`
	CreatedAt     time.Time                     `json:"created_at"`
	RoomCursor    int64                         `json:"room_cursor"`
	Agents        map[string]*AgentRecord       `json:"agents"`
	Humans        map[string]*HumanRecord       `json:"humans"`
	Permissions   map[string]*PendingPermission `json:"permissions"`
}
