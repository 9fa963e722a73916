// Package codec provides the default JSON event codec. Payloads are
// sealed with the aggregate key and an authenticated context binding
// the ciphertext to the aggregate id and event version.
package codec

import (
	"encoding/json"
	"fmt"

	"github.com/plaenen/goalstore/pkg/crypto"
	"github.com/plaenen/goalstore/pkg/domain"
)

// JSONCodec encodes and decodes domain events as encrypted JSON.
type JSONCodec struct{}

// NewJSONCodec creates a JSONCodec.
func NewJSONCodec() *JSONCodec { return &JSONCodec{} }

// Encode serializes a domain event and seals it under the aggregate key.
// The returned bytes are the payload for an EncryptedEvent with the
// given aggregate id and version.
func (c *JSONCodec) Encode(event domain.DomainEvent, aggregateID string, version int64, key []byte) ([]byte, error) {
	plaintext, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}
	return crypto.Seal(key, crypto.EventContext(aggregateID, version), plaintext)
}

// Decode implements domain.EventCodec. Event types outside the known
// set decode to domain.UnknownEvent without touching the payload.
func (c *JSONCodec) Decode(event *domain.EncryptedEvent, key []byte) (domain.DomainEvent, error) {
	var target domain.DomainEvent
	switch event.EventType {
	case domain.EventGoalCreated:
		target = &domain.GoalCreated{}
	case domain.EventGoalUpdated:
		target = &domain.GoalUpdated{}
	case domain.EventGoalFieldChanged:
		target = &domain.GoalFieldChanged{}
	case domain.EventGoalArchived:
		target = &domain.GoalArchived{}
	default:
		return domain.UnknownEvent{EventType: event.EventType}, nil
	}

	plaintext, err := crypto.Open(key, crypto.EventContext(event.AggregateID, event.Version), event.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to open payload of event %s: %w", event.ID, err)
	}
	if err := json.Unmarshal(plaintext, target); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %s: %w", event.ID, err)
	}

	switch e := target.(type) {
	case *domain.GoalCreated:
		return *e, nil
	case *domain.GoalUpdated:
		return *e, nil
	case *domain.GoalFieldChanged:
		return *e, nil
	case *domain.GoalArchived:
		return *e, nil
	}
	return nil, fmt.Errorf("unreachable event type %s", event.EventType)
}
