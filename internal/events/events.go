// Package events defines the orchestrator event envelope, the closed set of
// event types, and per-type payload validation. Events are immutable once
// published; everything that crosses the wire or the persistence layer is an
// Event.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Level is the severity attached to an event.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Type identifies an event within the closed set below.
type Type string

const (
	TypeDaemonStarted Type = "daemon.started"
	TypeDaemonStopped Type = "daemon.stopped"

	TypeGithubRequest Type = "github.request"

	TypeWorkerCreated            Type = "worker.created"
	TypeWorkerBecameBusy         Type = "worker.became_busy"
	TypeWorkerBecameIdle         Type = "worker.became_idle"
	TypeWorkerCheckpointReached  Type = "worker.checkpoint.reached"
	TypeWorkerPauseRequested     Type = "worker.pause.requested"
	TypeWorkerPauseReached       Type = "worker.pause.reached"
	TypeWorkerPauseCleared       Type = "worker.pause.cleared"
	TypeWorkerActivityUpdated    Type = "worker.activity.updated"
	TypeWorkerAnomalyUpdated     Type = "worker.anomaly.updated"
	TypeWorkerSummaryUpdated     Type = "worker.summary.updated"
	TypeWorkerContextCompact     Type = "worker.context_compact.triggered"

	TypeTaskAssigned      Type = "task.assigned"
	TypeTaskStatusChanged Type = "task.status_changed"
	TypeTaskCompleted     Type = "task.completed"
	TypeTaskEscalated     Type = "task.escalated"
	TypeTaskBlocked       Type = "task.blocked"

	TypeMessageQueued            Type = "message.queued"
	TypeMessageDetected          Type = "message.detected"
	TypeMessageDeliveryAttempted Type = "message.delivery.attempted"
	TypeMessageDeliveryDeferred  Type = "message.delivery.deferred"
	TypeMessageDeliveryBlocked   Type = "message.delivery.blocked"

	TypeLogRalph         Type = "log.ralph"
	TypeLogWorker        Type = "log.worker"
	TypeLogOpencodeEvent Type = "log.opencode.event"
	TypeLogOpencodeText  Type = "log.opencode.text"

	TypeError Type = "error"
)

// knownTypes is the closed set accepted on publish and on wire ingress.
var knownTypes = map[Type]bool{
	TypeDaemonStarted: true, TypeDaemonStopped: true,
	TypeGithubRequest: true,
	TypeWorkerCreated: true, TypeWorkerBecameBusy: true, TypeWorkerBecameIdle: true,
	TypeWorkerCheckpointReached: true, TypeWorkerPauseRequested: true,
	TypeWorkerPauseReached: true, TypeWorkerPauseCleared: true,
	TypeWorkerActivityUpdated: true, TypeWorkerAnomalyUpdated: true,
	TypeWorkerSummaryUpdated: true, TypeWorkerContextCompact: true,
	TypeTaskAssigned: true, TypeTaskStatusChanged: true, TypeTaskCompleted: true,
	TypeTaskEscalated: true, TypeTaskBlocked: true,
	TypeMessageQueued: true, TypeMessageDetected: true,
	TypeMessageDeliveryAttempted: true, TypeMessageDeliveryDeferred: true,
	TypeMessageDeliveryBlocked: true,
	TypeLogRalph: true, TypeLogWorker: true,
	TypeLogOpencodeEvent: true, TypeLogOpencodeText: true,
	TypeError: true,
}

// KnownType reports whether t belongs to the closed event-type set.
func KnownType(t Type) bool { return knownTypes[t] }

// Event is the envelope shared by every published event.
type Event struct {
	Ts        string         `json:"ts"`
	Type      Type           `json:"type"`
	Level     Level          `json:"level"`
	RunID     string         `json:"runId,omitempty"`
	WorkerID  string         `json:"workerId,omitempty"`
	Repo      string         `json:"repo,omitempty"`
	TaskID    string         `json:"taskId,omitempty"`
	SessionID string         `json:"sessionId,omitempty"`
	Data      map[string]any `json:"data,omitempty"`
}

// New builds an event with the current UTC timestamp.
func New(typ Type, level Level, data map[string]any) Event {
	return Event{
		Ts:    time.Now().UTC().Format(time.RFC3339Nano),
		Type:  typ,
		Level: level,
		Data:  data,
	}
}

// Checkpoint is a named milestone in a worker's lifecycle.
type Checkpoint string

const (
	CheckpointPlanned                    Checkpoint = "planned"
	CheckpointRouted                     Checkpoint = "routed"
	CheckpointImplementationStepComplete Checkpoint = "implementation_step_complete"
	CheckpointPRReady                    Checkpoint = "pr_ready"
	CheckpointMergeStepComplete          Checkpoint = "merge_step_complete"
	CheckpointSurveyComplete             Checkpoint = "survey_complete"
	CheckpointRecorded                   Checkpoint = "recorded"
)

// CheckpointOrder lists the stages in lifecycle order.
var CheckpointOrder = []Checkpoint{
	CheckpointPlanned,
	CheckpointRouted,
	CheckpointImplementationStepComplete,
	CheckpointPRReady,
	CheckpointMergeStepComplete,
	CheckpointSurveyComplete,
	CheckpointRecorded,
}

// KnownCheckpoint reports whether c is a recognized checkpoint stage.
func KnownCheckpoint(c Checkpoint) bool {
	for _, k := range CheckpointOrder {
		if k == c {
			return true
		}
	}
	return false
}

// Validate checks the envelope and the per-type payload shape. It is called
// on publish and again on wire egress.
func Validate(e Event) error {
	if e.Ts == "" {
		return fmt.Errorf("event missing ts")
	}
	if !KnownType(e.Type) {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	switch e.Level {
	case LevelDebug, LevelInfo, LevelWarn, LevelError:
	default:
		return fmt.Errorf("unknown event level %q", e.Level)
	}

	switch e.Type {
	case TypeWorkerCheckpointReached, TypeWorkerPauseReached:
		cp, _ := e.Data["checkpoint"].(string)
		if !KnownCheckpoint(Checkpoint(cp)) {
			return fmt.Errorf("%s: unrecognized checkpoint %q", e.Type, cp)
		}
	case TypeGithubRequest:
		for _, field := range []string{"method", "path"} {
			if _, ok := e.Data[field].(string); !ok {
				return fmt.Errorf("github.request: missing %s", field)
			}
		}
		for _, field := range []string{"status", "durationMs", "attempt"} {
			if !isNumber(e.Data[field]) {
				return fmt.Errorf("github.request: missing %s", field)
			}
		}
		if _, ok := e.Data["ok"].(bool); !ok {
			return fmt.Errorf("github.request: missing ok")
		}
		if _, ok := e.Data["write"].(bool); !ok {
			return fmt.Errorf("github.request: missing write")
		}
	case TypeError:
		if _, ok := e.Data["message"].(string); !ok {
			return fmt.Errorf("error event: missing message")
		}
	}
	return nil
}

func isNumber(v any) bool {
	switch v.(type) {
	case int, int32, int64, float32, float64, json.Number:
		return true
	}
	return false
}

// SafeMarshal serializes an event for the wire, validating it first. Payloads
// that fail to serialize are replaced with an error stub rather than dropped,
// so a bad payload cannot stall a stream.
func SafeMarshal(e Event) ([]byte, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}
	b, err := json.Marshal(e)
	if err != nil {
		stub := e
		stub.Data = map[string]any{"marshalError": err.Error()}
		return json.Marshal(stub)
	}
	return b, nil
}

// IsEvent reports whether raw JSON parses into a valid event envelope.
func IsEvent(raw []byte) bool {
	var e Event
	if err := json.Unmarshal(raw, &e); err != nil {
		return false
	}
	return Validate(e) == nil
}
