package gateway

import (
	"encoding/json"

	"github.com/mcdev12/dashtrack/go/internal/models"
)

// MessageType tags every message on the realtime channel.
type MessageType string

// Inbound commands.
const (
	MessageInit         MessageType = "init"
	MessageAssignTask   MessageType = "assignTask"
	MessageUnassignTask MessageType = "unassignTask"
	MessageAddEvent     MessageType = "addEvent"
	MessageFinish       MessageType = "finish"
	MessageCancel       MessageType = "cancel"
	MessageSync         MessageType = "sync"
)

// Outbound messages. MessageSync doubles as the snapshot push.
const (
	MessageCommitted MessageType = "committed"
	MessageError     MessageType = "error"
)

// Gateway-level error codes; lifecycle codes come from dash.Code.
const (
	CodeBadRequest     = "bad_request"
	CodeUnknownCommand = "unknown_command"
)

// InboundMessage is a client command.
type InboundMessage struct {
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type AssignTaskPayload struct {
	TaskID string `json:"taskId"`
}

// FinishPayload optionally pins the finish timestamp (ms epoch); the server clock is
// used when it is omitted.
type FinishPayload struct {
	At int64 `json:"at,omitempty"`
}

// OutboundMessage is pushed to clients.
type OutboundMessage struct {
	Type    MessageType   `json:"type"`
	Payload any           `json:"payload,omitempty"`
	Error   *ErrorPayload `json:"error,omitempty"`
}

type ErrorPayload struct {
	Code      string      `json:"code"`
	Message   string      `json:"message"`
	Command   MessageType `json:"command,omitempty"`
	Reason    string      `json:"reason,omitempty"`
	Retryable bool        `json:"retryable,omitempty"`
}

type CommittedPayload struct {
	WorkSessionID string `json:"workSessionId"`
	StartTime     int64  `json:"startTime"`
	EndTime       int64  `json:"endTime"`
}

func committedPayload(ws *models.WorkSession) CommittedPayload {
	return CommittedPayload{
		WorkSessionID: ws.ID.String(),
		StartTime:     ws.StartTime,
		EndTime:       ws.EndTime,
	}
}
