package coordinator

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/xraph/taskbridge/id"
)

// Status is the terminal (or pending) state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// EnvelopeError is the wire form of a TaskError.
type EnvelopeError struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	Origin  string    `json:"origin,omitempty"`
}

// Envelope is the single opaque byte string used both for storage and
// for pub/sub notification. Fields are named and tagged rather than
// positional so a producer and consumer built from different binary
// versions of this module can still decode each other's envelopes.
type Envelope struct {
	TaskID      id.TaskID       `json:"task_id"`
	TypeTag     string          `json:"type_tag"`
	CreatedAt   time.Time       `json:"created_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	Status      Status          `json:"status"`
	HasResult   bool            `json:"has_result"`
	Result      json.RawMessage `json:"result,omitempty"`
	Error       *EnvelopeError  `json:"error,omitempty"`
}

// EncodeSuccess serializes a completed envelope carrying payload.
// A nil payload still round-trips as HasResult=true with a "null"
// result, distinct from an envelope with no result at all.
func EncodeSuccess(taskID id.TaskID, typeTag string, payload any) ([]byte, error) {
	result, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("coordinator: encode success payload: %w", err)
	}
	now := time.Now().UTC()
	env := &Envelope{
		TaskID:      taskID,
		TypeTag:     typeTag,
		CreatedAt:   now,
		CompletedAt: &now,
		Status:      StatusCompleted,
		HasResult:   true,
		Result:      result,
	}
	return json.Marshal(env)
}

// EncodeFailure serializes a failed envelope carrying the reconstructed
// error descriptor.
func EncodeFailure(taskID id.TaskID, typeTag string, kind ErrorKind, message, origin string) ([]byte, error) {
	now := time.Now().UTC()
	env := &Envelope{
		TaskID:      taskID,
		TypeTag:     typeTag,
		CreatedAt:   now,
		CompletedAt: &now,
		Status:      StatusFailed,
		Error:       &EnvelopeError{Kind: kind, Message: message, Origin: origin},
	}
	return json.Marshal(env)
}

// EncodePending serializes the initial state of a freshly created task.
func EncodePending(taskID id.TaskID, typeTag string) ([]byte, error) {
	env := &Envelope{
		TaskID:    taskID,
		TypeTag:   typeTag,
		CreatedAt: time.Now().UTC(),
		Status:    StatusPending,
	}
	return json.Marshal(env)
}

// Decode parses a stored or published envelope.
func Decode(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("coordinator: decode envelope: %w", err)
	}
	return &env, nil
}

// Outcome reduces a terminal Envelope to either its decoded payload or
// the reconstructed error, mirroring decode(bytes, tag) -> {Completed,
// payload} | {Failed, kind, message, origin}.
func (e *Envelope) Outcome(into any) error {
	switch e.Status {
	case StatusCompleted:
		if !e.HasResult || into == nil {
			return nil
		}
		if err := json.Unmarshal(e.Result, into); err != nil {
			return NewTaskError(KindSerializationFailed, err.Error())
		}
		return nil
	case StatusFailed:
		if e.Error == nil {
			return NewTaskError(KindCoordinatorInternal, "failed envelope missing error detail")
		}
		return NewTaskError(e.Error.Kind, e.Error.Message, e.Error.Origin)
	default:
		return NewTaskError(KindCoordinatorInternal, fmt.Sprintf("envelope not terminal: status=%s", e.Status))
	}
}
