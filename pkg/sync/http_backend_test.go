package sync_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/plaenen/goalstore/pkg/domain"
	goalsync "github.com/plaenen/goalstore/pkg/sync"
)

func pushEvents() []*domain.EncryptedEvent {
	return []*domain.EncryptedEvent{
		{ID: "evt-1", AggregateID: "goal-1", EventType: domain.EventGoalCreated, Version: 1, Sequence: 1, Payload: []byte("ct")},
	}
}

func TestHTTPBackendPush(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost || r.URL.Path != "/sync/push" {
				t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer tok" {
				t.Errorf("missing bearer token, got %q", got)
			}
			if r.Header.Get("X-Request-Id") == "" {
				t.Error("missing request id header")
			}
			var req struct {
				StoreID string `json:"storeId"`
				Events  []struct {
					ID string `json:"id"`
				} `json:"events"`
			}
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Errorf("bad request body: %v", err)
			}
			if req.StoreID != "store-1" || len(req.Events) != 1 || req.Events[0].ID != "evt-1" {
				t.Errorf("unexpected payload: %+v", req)
			}
			json.NewEncoder(w).Encode(map[string]int64{"headSeqNum": 7})
		}))
		defer server.Close()

		backend := goalsync.NewHTTPBackend(server.URL, goalsync.WithBearerToken("tok"))
		res, err := backend.Push(ctx, "store-1", pushEvents())
		if err != nil {
			t.Fatalf("push failed: %v", err)
		}
		if res.HeadSeqNum != 7 {
			t.Errorf("expected head 7, got %d", res.HeadSeqNum)
		}
	})

	t.Run("ConflictIsServerAhead", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusConflict)
			json.NewEncoder(w).Encode(map[string]int64{
				"minimumExpectedSeqNum": 12,
				"providedSeqNum":        8,
			})
		}))
		defer server.Close()

		backend := goalsync.NewHTTPBackend(server.URL)
		_, err := backend.Push(ctx, "store-1", pushEvents())
		if !errors.Is(err, goalsync.ErrServerAhead) {
			t.Fatalf("expected ErrServerAhead, got %v", err)
		}
		var ahead *goalsync.ServerAheadError
		if !errors.As(err, &ahead) {
			t.Fatalf("expected ServerAheadError, got %T", err)
		}
		if ahead.MinimumExpected != 12 || ahead.Provided != 8 {
			t.Errorf("unexpected numbers: %+v", ahead)
		}
	})

	t.Run("AuthFailureIsOffline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer server.Close()

		backend := goalsync.NewHTTPBackend(server.URL)
		_, err := backend.Push(ctx, "store-1", pushEvents())
		if !errors.Is(err, goalsync.ErrOffline) {
			t.Errorf("expected ErrOffline, got %v", err)
		}
	})

	t.Run("TransportFailureIsOffline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
		server.Close() // connection refused from here on

		backend := goalsync.NewHTTPBackend(server.URL)
		_, err := backend.Push(ctx, "store-1", pushEvents())
		if !errors.Is(err, goalsync.ErrOffline) {
			t.Errorf("expected ErrOffline, got %v", err)
		}
	})

	t.Run("MalformedResponseIsInvalidPush", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("{not json"))
		}))
		defer server.Close()

		backend := goalsync.NewHTTPBackend(server.URL)
		_, err := backend.Push(ctx, "store-1", pushEvents())
		if !errors.Is(err, goalsync.ErrInvalidPush) {
			t.Errorf("expected ErrInvalidPush, got %v", err)
		}
	})

	t.Run("MissingStoreID", func(t *testing.T) {
		backend := goalsync.NewHTTPBackend("http://unused")
		if _, err := backend.Push(ctx, "", pushEvents()); !errors.Is(err, goalsync.ErrInvalidPush) {
			t.Errorf("expected ErrInvalidPush, got %v", err)
		}
	})
}

func TestHTTPBackendPull(t *testing.T) {
	ctx := context.Background()

	t.Run("Success", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/sync/pull" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			q := r.URL.Query()
			if q.Get("storeId") != "store-1" || q.Get("since") != "5" || q.Get("limit") != "2" {
				t.Errorf("unexpected query: %v", q)
			}
			json.NewEncoder(w).Encode(map[string]any{
				"events": []map[string]any{
					{"id": "evt-6", "aggregateId": "goal-1", "eventType": domain.EventGoalUpdated, "version": 2, "sequence": 6},
					{"id": "evt-7", "aggregateId": "goal-2", "eventType": domain.EventGoalCreated, "version": 1, "sequence": 7},
				},
				"hasMore":    true,
				"headSeqNum": int64(9),
			})
		}))
		defer server.Close()

		backend := goalsync.NewHTTPBackend(server.URL)
		res, err := backend.Pull(ctx, "store-1", 5, 2)
		if err != nil {
			t.Fatalf("pull failed: %v", err)
		}
		if len(res.Events) != 2 || res.Events[0].Sequence != 6 || res.Events[1].AggregateID != "goal-2" {
			t.Errorf("unexpected events: %+v", res.Events)
		}
		if !res.HasMore || res.HeadSeqNum != 9 {
			t.Errorf("unexpected result: %+v", res)
		}
	})

	t.Run("NonOKIsOffline", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		}))
		defer server.Close()

		backend := goalsync.NewHTTPBackend(server.URL)
		if _, err := backend.Pull(ctx, "store-1", 0, 10); !errors.Is(err, goalsync.ErrOffline) {
			t.Errorf("expected ErrOffline, got %v", err)
		}
	})

	t.Run("MalformedResponseIsInvalidPull", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("[["))
		}))
		defer server.Close()

		backend := goalsync.NewHTTPBackend(server.URL)
		if _, err := backend.Pull(ctx, "store-1", 0, 10); !errors.Is(err, goalsync.ErrInvalidPull) {
			t.Errorf("expected ErrInvalidPull, got %v", err)
		}
	})
}
