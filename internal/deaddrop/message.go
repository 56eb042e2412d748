package deaddrop

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/harunnryd/drover/internal/compress"
	droverErrors "github.com/harunnryd/drover/internal/errors"

	"github.com/oklog/ulid/v2"
)

// Kind is the closed set of protocol message types. Dispatch is an
// exhaustive switch over these; adding a kind means touching every
// dispatch point.
type Kind string

const (
	KindTaskAssign         Kind = "task_assign"
	KindTaskAck            Kind = "task_ack"
	KindProgress           Kind = "progress"
	KindResult             Kind = "result"
	KindPermissionRequest  Kind = "permission_request"
	KindPermissionResponse Kind = "permission_response"
	KindIdle               Kind = "idle"
	KindQuestion           Kind = "question"
	KindAnswer             Kind = "answer"
	KindTerminate          Kind = "terminate"
)

// Valid reports whether k is a known protocol kind.
func (k Kind) Valid() bool {
	switch k {
	case KindTaskAssign, KindTaskAck, KindProgress, KindResult,
		KindPermissionRequest, KindPermissionResponse, KindIdle,
		KindQuestion, KindAnswer, KindTerminate:
		return true
	}
	return false
}

// EncodingGzipBase64 marks a payload that travels gzip-compressed and
// base64-encoded. Signaled explicitly, never sniffed.
const EncodingGzipBase64 = "gzip+base64"

// Message is the wire envelope. Exactly one of To (an identity inbox) or
// Room (a shared broadcast channel) must be set; both may be set when an
// inbox delivery should also land in the room's durable log.
type Message struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"type"`
	From     string          `json:"from"`
	To       string          `json:"to,omitempty"`
	Room     string          `json:"room,omitempty"`
	TaskID   string          `json:"task_id,omitempty"`
	SentAt   time.Time       `json:"sent_at"`
	Encoding string          `json:"encoding,omitempty"`
	Payload  json.RawMessage `json:"payload,omitempty"`
}

// Typed payloads, one per Kind.

type TaskAssignPayload struct {
	TaskID      string `json:"task_id"`
	Description string `json:"description"`
	Context     string `json:"context,omitempty"`
}

type TaskAckPayload struct {
	TaskID string `json:"task_id"`
}

type ProgressPayload struct {
	TaskID  string `json:"task_id"`
	Note    string `json:"note,omitempty"`
	Percent int    `json:"percent,omitempty"`
}

type ResultPayload struct {
	TaskID     string `json:"task_id"`
	Status     string `json:"status"`
	Output     string `json:"output,omitempty"`
	Terminated bool   `json:"terminated,omitempty"`
}

type PermissionRequestPayload struct {
	RequestID string `json:"request_id"`
	AgentID   string `json:"agent_id"`
	Action    string `json:"action"`
	Resource  string `json:"resource"`
	Context   string `json:"context,omitempty"`
}

type PermissionResponsePayload struct {
	RequestID string `json:"request_id"`
	Granted   bool   `json:"granted"`
	Reason    string `json:"reason,omitempty"`
	DecidedBy string `json:"decided_by,omitempty"`
}

type IdlePayload struct {
	Note string `json:"note,omitempty"`
}

type QuestionPayload struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

type AnswerPayload struct {
	QuestionID string `json:"question_id"`
	Text       string `json:"text"`
}

type TerminatePayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewMessage builds an envelope with a fresh ulid, compressing the payload
// above threshold bytes (0 disables compression).
func NewMessage(kind Kind, from string, payload interface{}, threshold int) (Message, error) {
	msg := Message{
		ID:     ulid.Make().String(),
		Kind:   kind,
		From:   from,
		SentAt: time.Now().UTC(),
	}

	if payload == nil {
		return msg, nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return Message{}, fmt.Errorf("marshal %s payload: %w", kind, err)
	}

	if threshold > 0 && len(raw) >= threshold {
		compressed, err := compress.Gzip(raw)
		if err != nil {
			return Message{}, fmt.Errorf("compress %s payload: %w", kind, err)
		}
		encoded, err := json.Marshal(base64.StdEncoding.EncodeToString(compressed))
		if err != nil {
			return Message{}, err
		}
		msg.Encoding = EncodingGzipBase64
		msg.Payload = encoded
		return msg, nil
	}

	msg.Payload = raw
	return msg, nil
}

// DecodePayload unmarshals the payload into v, reversing the declared
// encoding first.
func DecodePayload(msg Message, v interface{}) error {
	if len(msg.Payload) == 0 {
		return droverErrors.InvalidInput(fmt.Sprintf("message %s has no payload", msg.ID))
	}

	raw := []byte(msg.Payload)
	if msg.Encoding == EncodingGzipBase64 {
		var b64 string
		if err := json.Unmarshal(raw, &b64); err != nil {
			return droverErrors.InvalidInput(fmt.Sprintf("message %s: compressed payload is not a string: %v", msg.ID, err))
		}
		compressed, err := base64.StdEncoding.DecodeString(b64)
		if err != nil {
			return droverErrors.InvalidInput(fmt.Sprintf("message %s: bad base64: %v", msg.ID, err))
		}
		raw, err = compress.Gunzip(compressed)
		if err != nil {
			return droverErrors.InvalidInput(fmt.Sprintf("message %s: bad gzip: %v", msg.ID, err))
		}
	}

	if err := json.Unmarshal(raw, v); err != nil {
		return droverErrors.InvalidInput(fmt.Sprintf("message %s: decode %s payload: %v", msg.ID, msg.Kind, err))
	}
	return nil
}
