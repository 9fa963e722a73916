package codec_test

import (
	"errors"
	"testing"

	"github.com/plaenen/goalstore/pkg/codec"
	"github.com/plaenen/goalstore/pkg/crypto"
	"github.com/plaenen/goalstore/pkg/domain"
)

func TestJSONCodecRoundtrip(t *testing.T) {
	key := make([]byte, crypto.KeySize)
	for i := range key {
		key[i] = byte(i)
	}
	c := codec.NewJSONCodec()

	cases := []struct {
		name      string
		eventType string
		event     domain.DomainEvent
	}{
		{"Created", domain.EventGoalCreated, domain.GoalCreated{Title: "Run 5k", Category: "health", Month: "2026-04"}},
		{"Updated", domain.EventGoalUpdated, domain.GoalUpdated{Title: "Run 10k", Category: "health", Month: "2026-05"}},
		{"FieldChanged", domain.EventGoalFieldChanged, domain.GoalFieldChanged{Field: "title", Value: "Run 21k"}},
		{"Archived", domain.EventGoalArchived, domain.GoalArchived{ArchivedAt: 1767225600000}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			payload, err := c.Encode(tc.event, "goal-1", 3, key)
			if err != nil {
				t.Fatalf("encode failed: %v", err)
			}

			decoded, err := c.Decode(&domain.EncryptedEvent{
				ID:          "evt-1",
				AggregateID: "goal-1",
				EventType:   tc.eventType,
				Version:     3,
				Payload:     payload,
			}, key)
			if err != nil {
				t.Fatalf("decode failed: %v", err)
			}
			if decoded != tc.event {
				t.Errorf("roundtrip mismatch: got %+v, want %+v", decoded, tc.event)
			}
		})
	}

	t.Run("UnknownTypeSkipsDecryption", func(t *testing.T) {
		decoded, err := c.Decode(&domain.EncryptedEvent{
			ID:          "evt-2",
			AggregateID: "goal-1",
			EventType:   "goal.Starred",
			Version:     4,
			Payload:     []byte("not even ciphertext"),
		}, key)
		if err != nil {
			t.Fatalf("decode failed: %v", err)
		}
		if decoded != (domain.UnknownEvent{EventType: "goal.Starred"}) {
			t.Errorf("expected UnknownEvent, got %+v", decoded)
		}
	})

	t.Run("VersionMismatchFailsAuthentication", func(t *testing.T) {
		payload, err := c.Encode(domain.GoalCreated{Title: "x", Category: "c", Month: "2026-01"}, "goal-1", 1, key)
		if err != nil {
			t.Fatalf("encode failed: %v", err)
		}
		_, err = c.Decode(&domain.EncryptedEvent{
			ID:          "evt-3",
			AggregateID: "goal-1",
			EventType:   domain.EventGoalCreated,
			Version:     2, // sealed at version 1
			Payload:     payload,
		}, key)
		if !errors.Is(err, crypto.ErrDecryptFailed) {
			t.Errorf("expected ErrDecryptFailed, got %v", err)
		}
	})
}
