package eventlog

import (
	"encoding/json"
	"fmt"
	"time"
)

// SchemaVersion is written into every record.
const SchemaVersion = 1

// Kind tags the payload carried by an Event.
type Kind string

const (
	KindUserMessage  Kind = "user_message"
	KindModelMessage Kind = "model_message"
	KindToolCall     Kind = "tool_call"
	KindToolResult   Kind = "tool_result"
	KindApproval     Kind = "approval"
	KindPatch        Kind = "patch"
	KindFileRead     Kind = "file_read"
	KindDrift        Kind = "drift"
	KindError        Kind = "error"
)

var knownKinds = map[Kind]bool{
	KindUserMessage:  true,
	KindModelMessage: true,
	KindToolCall:     true,
	KindToolResult:   true,
	KindApproval:     true,
	KindPatch:        true,
	KindFileRead:     true,
	KindDrift:        true,
	KindError:        true,
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool { return knownKinds[k] }

// Event is one durable record. Once written it is never changed; a
// correction is a new event whose Ref names the earlier sequence number.
type Event struct {
	SchemaVersion int             `json:"schema_version"`
	Seq           uint64          `json:"seq"`
	SessionID     string          `json:"session_id"`
	Timestamp     string          `json:"ts"`
	Kind          Kind            `json:"kind"`
	Ref           uint64          `json:"ref,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	PrevHash      string          `json:"prev_hash"`
	Hash          string          `json:"hash"`
}

// Decode unmarshals the payload into v.
func (e Event) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("decode %s payload (seq %d): %w", e.Kind, e.Seq, err)
	}
	return nil
}

// Time parses the record timestamp.
func (e Event) Time() time.Time {
	t, _ := time.Parse(time.RFC3339Nano, e.Timestamp)
	return t
}

// Error codes carried by Error payloads.
const (
	CodeGateDenied        = "gate_denied"
	CodeSandboxViolation  = "sandbox_violation"
	CodeStaleReadRequired = "stale_read_required"
	CodeApprovalRejected  = "approval_rejected"
	CodeApprovalCancelled = "approval_cancelled"
	CodeExecutionFailed   = "execution_failed"
	CodeInvalidArguments  = "invalid_arguments"
	CodeProviderError     = "provider_error"
	CodeLogWriteFailed    = "log_write_failed"
	CodeCancelled         = "cancelled"
)

type UserMessage struct {
	TurnID string `json:"turn_id"`
	Text   string `json:"text"`
}

type ModelMessage struct {
	TurnID       string `json:"turn_id"`
	Text         string `json:"text"`
	StopReason   string `json:"stop_reason,omitempty"`
	InputTokens  int    `json:"input_tokens,omitempty"`
	OutputTokens int    `json:"output_tokens,omitempty"`
}

type ToolCall struct {
	TurnID    string         `json:"turn_id"`
	CallID    string         `json:"call_id"`
	Tool      string         `json:"tool"`
	Args      map[string]any `json:"args,omitempty"`
	Tier      string         `json:"tier"`
	Rationale string         `json:"rationale"`
	Gate      string         `json:"gate"`
	Sandbox   string         `json:"sandbox"`
	Approved  bool           `json:"approved,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type ToolResult struct {
	TurnID     string `json:"turn_id"`
	CallID     string `json:"call_id"`
	Tool       string `json:"tool"`
	Success    bool   `json:"success"`
	Output     string `json:"output,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms"`
}

type Approval struct {
	RequestID   string `json:"request_id"`
	CallID      string `json:"call_id"`
	Tool        string `json:"tool"`
	Decision    string `json:"decision"`
	Tier        string `json:"tier"`
	Description string `json:"description"`
	Reason      string `json:"reason,omitempty"`
}

// Patch statuses.
const (
	PatchCreated  = "created"
	PatchModified = "modified"
	PatchDeleted  = "deleted"
)

type Patch struct {
	CallID string `json:"call_id"`
	Tool   string `json:"tool"`
	Path   string `json:"path"`
	Status string `json:"status"`
	Hash   string `json:"hash,omitempty"`
	Size   int64  `json:"size"`
}

// FileRead records what the session observed of a path. Missing means
// the read established that the file does not exist.
type FileRead struct {
	CallID  string `json:"call_id,omitempty"`
	Path    string `json:"path"`
	Hash    string `json:"hash,omitempty"`
	Size    int64  `json:"size"`
	Missing bool   `json:"missing,omitempty"`
}

type Drift struct {
	Path    string `json:"path"`
	Status  string `json:"status"`
	Known   string `json:"known_hash,omitempty"`
	Current string `json:"current_hash,omitempty"`
}

type Error struct {
	TurnID  string `json:"turn_id,omitempty"`
	CallID  string `json:"call_id,omitempty"`
	Tool    string `json:"tool,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Fatal   bool   `json:"fatal,omitempty"`
}
