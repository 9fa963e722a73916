package domain

import "time"

// Event kind identifiers as stored in the event log's event_type column.
const (
	EventGoalCreated      = "goal.Created"
	EventGoalUpdated      = "goal.Updated"
	EventGoalFieldChanged = "goal.FieldChanged"
	EventGoalArchived     = "goal.Archived"
)

// EncryptedEvent is a single immutable record in the event log.
// The payload is ciphertext; the engine never inspects it directly,
// it is handed to an EventCodec for decoding.
type EncryptedEvent struct {
	// ID is the unique identifier for this event (sortable ULID)
	ID string

	// AggregateID is the identifier of the aggregate this event belongs to
	AggregateID string

	// EventType is the kind of the event (e.g., "goal.Created")
	EventType string

	// Payload is the encrypted event body
	Payload []byte

	// Version is the version number of the aggregate after applying this event.
	// Per aggregate, versions are contiguous starting at 1.
	Version int64

	// OccurredAt is when the event was created, in epoch milliseconds
	OccurredAt int64

	// Sequence is the global total order across all aggregates.
	// Assigned by the event log at append time; zero until appended.
	Sequence int64
}

// OccurredTime returns OccurredAt as a time.Time.
func (e *EncryptedEvent) OccurredTime() time.Time {
	return time.UnixMilli(e.OccurredAt)
}

// DomainEvent is the decoded, plaintext form of an event payload.
// The set of kinds is closed; payloads of a type the engine does not
// know decode to UnknownEvent and pass snapshots through unchanged.
type DomainEvent interface {
	isDomainEvent()
}

// GoalCreated starts a new goal aggregate.
type GoalCreated struct {
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Category string `json:"category"`
	Priority string `json:"priority,omitempty"`
	Month    string `json:"month"` // YYYY-MM
}

// GoalUpdated replaces the business fields of an existing goal.
type GoalUpdated struct {
	Title    string `json:"title"`
	Notes    string `json:"notes,omitempty"`
	Category string `json:"category"`
	Priority string `json:"priority,omitempty"`
	Month    string `json:"month"`
}

// GoalFieldChanged sets a single named field of an existing goal.
type GoalFieldChanged struct {
	Field string `json:"field"` // title, notes, category, priority or month
	Value string `json:"value"`
}

// GoalArchived tombstones a goal. Archived goals disappear from
// listings, search and analytics but their history remains.
type GoalArchived struct {
	ArchivedAt int64 `json:"archivedAt"` // epoch millis
}

// UnknownEvent is the passthrough arm for event types this build does
// not understand. Folding it advances the aggregate version only.
type UnknownEvent struct {
	EventType string
}

func (GoalCreated) isDomainEvent()      {}
func (GoalUpdated) isDomainEvent()      {}
func (GoalFieldChanged) isDomainEvent() {}
func (GoalArchived) isDomainEvent()     {}
func (UnknownEvent) isDomainEvent()     {}

// EventCodec decodes encrypted events into domain events.
// Implementations resolve the aggregate key outside this interface and
// are opaque to the storage engine beyond event-type dispatch.
type EventCodec interface {
	// Decode decrypts and decodes one event using the given aggregate key.
	Decode(event *EncryptedEvent, key []byte) (DomainEvent, error)
}
