// Package event defines the rollup-engine's outbound event envelope and
// type constants (§3, §4.I, §6).
package event

// Type enumerates the domain events the rollup service can emit.
type Type string

const (
	TypeRollupCreated            Type = "rollup.created"
	TypeRollupUpdated            Type = "rollup.updated"
	TypeRollupDeleted            Type = "rollup.deleted"
	TypeExecutionStarted         Type = "rollup.execution.started"
	TypeExecutionProgress        Type = "rollup.execution.progress"
	TypeExecutionCompleted       Type = "rollup.execution.completed"
	TypeExecutionFailed          Type = "rollup.execution.failed"
	TypeExecutionCancelled       Type = "rollup.execution.cancelled"
)

// LifecycleTypes route to "{prefix}:lifecycle"; all others route to
// "{prefix}:execution" (§4.I).
var LifecycleTypes = map[Type]bool{
	TypeRollupCreated: true,
	TypeRollupUpdated: true,
	TypeRollupDeleted: true,
}

func (t Type) IsLifecycle() bool { return LifecycleTypes[t] }

// Source is the fixed event-envelope source field (§3).
const Source = "rollup-service"

// EnvelopeVersion is the fixed envelope version (§3: "version=1").
const EnvelopeVersion = 1

// Event is the wire envelope wrapping every domain payload (§3, §6).
// Field order is fixed for deterministic serialization.
type Event struct {
	EventID       string      `json:"eventId"`
	Type          Type        `json:"type"`
	RollupID      string      `json:"rollupId"`
	Tenant        string      `json:"tenantId"`
	Timestamp     string      `json:"timestamp"`
	CorrelationID string      `json:"correlationId"`
	Version       int         `json:"version"`
	Source        string      `json:"source"`
	Data          interface{} `json:"data"`
}
