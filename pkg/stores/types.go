package stores

import (
	"time"

	"github.com/openfroyo/stagehand/pkg/engine"
)

// RunRecord is an archived run. State holds the final RunState as written to disk.
type RunRecord struct {
	SessionID      string            `json:"session_id"`
	Role           string            `json:"role"`
	Status         engine.RunStatus  `json:"status"`
	RebootMode     engine.RebootMode `json:"reboot_mode"`
	StartTime      time.Time         `json:"start_time"`
	ArchivedAt     time.Time         `json:"archived_at"`
	TotalSteps     int               `json:"total_steps"`
	CompletedSteps int               `json:"completed_steps"`
	FailedSteps    int               `json:"failed_steps"`
	RebootCount    int               `json:"reboot_count"`
	State          *engine.RunState  `json:"state,omitempty"`
}

// EventRecord is a stored engine event.
type EventRecord struct {
	ID         string                 `json:"id"`
	SessionID  string                 `json:"session_id"`
	Type       engine.EventType       `json:"type"`
	Level      string                 `json:"level"`
	Step       string                 `json:"step,omitempty"`
	StepNumber int                    `json:"step_number,omitempty"`
	Message    string                 `json:"message"`
	Duration   time.Duration          `json:"duration,omitempty"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Timestamp  time.Time              `json:"timestamp"`
}

// EventFilter narrows ListEvents. Empty fields match everything.
type EventFilter struct {
	SessionID string
	Level     string
	Type      engine.EventType
	Limit     int
	Offset    int
}
