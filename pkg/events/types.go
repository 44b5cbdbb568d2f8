package events

import "time"

// EventType identifies the kind of event emitted by the coordinator.
type EventType string

const (
	EventRunStart       EventType = "run.start"
	EventRunPhase       EventType = "run.phase"
	EventRunDone        EventType = "run.done"
	EventRunAborted     EventType = "run.aborted"
	EventPlanBuilt      EventType = "plan.built"
	EventWaveStart      EventType = "wave.start"
	EventWaveEnd        EventType = "wave.end"
	EventTaskDispatch   EventType = "task.dispatch"
	EventTaskEnd        EventType = "task.end"
	EventTaskRetryQueue EventType = "task.retry_queued"
	EventValidation     EventType = "validation.result"
	EventCheckpointSave EventType = "checkpoint.save"
	EventRollback       EventType = "checkpoint.rollback"
	EventKnowledgeWrite EventType = "knowledge.recorded"
	EventRegistryReload EventType = "registry.reload"
	EventIteration      EventType = "iteration.start"
)

// Event is a single coordinator event. Data carries a type-specific
// payload; RunID scopes the event to one run where applicable.
type Event struct {
	Type      EventType     `json:"type"`
	RunID     string        `json:"run_id,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
	Data      any           `json:"data,omitempty"`
	Wave      int           `json:"wave,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
}

// NewEvent creates an Event with the current timestamp.
func NewEvent(typ EventType, runID string, data any) Event {
	return Event{
		Type:      typ,
		RunID:     runID,
		Timestamp: time.Now(),
		Data:      data,
	}
}
