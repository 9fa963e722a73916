package sync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/plaenen/goalstore/pkg/domain"
)

// HTTPBackend talks the HTTP-shaped sync protocol:
//
//	POST {base}/sync/push  {storeId, events[]}  -> 200 {headSeqNum}
//	                                            -> 409 {minimumExpectedSeqNum, providedSeqNum}
//	GET  {base}/sync/pull?storeId&since&limit   -> 200 {events[], hasMore, headSeqNum}
//
// Every other status, and any transport failure, classifies as
// ErrOffline so transient auth hiccups never wedge the sync loop.
type HTTPBackend struct {
	baseURL string
	client  *http.Client
	token   string
}

type httpBackendConfig struct {
	client  *http.Client
	timeout time.Duration
	token   string
}

// HTTPBackendOption configures an HTTPBackend.
type HTTPBackendOption func(*httpBackendConfig)

// WithHTTPClient replaces the default client.
func WithHTTPClient(client *http.Client) HTTPBackendOption {
	return func(c *httpBackendConfig) { c.client = client }
}

// WithTimeout sets the per-request timeout of the default client.
func WithTimeout(timeout time.Duration) HTTPBackendOption {
	return func(c *httpBackendConfig) { c.timeout = timeout }
}

// WithBearerToken attaches a bearer token to every request.
func WithBearerToken(token string) HTTPBackendOption {
	return func(c *httpBackendConfig) { c.token = token }
}

// NewHTTPBackend creates a backend against a base URL like
// "https://sync.example.com".
func NewHTTPBackend(baseURL string, opts ...HTTPBackendOption) *HTTPBackend {
	config := httpBackendConfig{timeout: 30 * time.Second}
	for _, opt := range opts {
		opt(&config)
	}
	client := config.client
	if client == nil {
		client = &http.Client{Timeout: config.timeout}
	}
	return &HTTPBackend{baseURL: baseURL, client: client, token: config.token}
}

type wireEvent struct {
	ID          string `json:"id"`
	AggregateID string `json:"aggregateId"`
	EventType   string `json:"eventType"`
	Payload     []byte `json:"payload"`
	Version     int64  `json:"version"`
	OccurredAt  int64  `json:"occurredAt"`
	Sequence    int64  `json:"sequence"`
}

type pushRequest struct {
	StoreID string      `json:"storeId"`
	Events  []wireEvent `json:"events"`
}

type pushResponse struct {
	HeadSeqNum int64 `json:"headSeqNum"`
}

type pushConflictResponse struct {
	MinimumExpectedSeqNum int64 `json:"minimumExpectedSeqNum"`
	ProvidedSeqNum        int64 `json:"providedSeqNum"`
}

type pullResponse struct {
	Events     []wireEvent `json:"events"`
	HasMore    bool        `json:"hasMore"`
	HeadSeqNum int64       `json:"headSeqNum"`
}

// Push implements Backend.
func (b *HTTPBackend) Push(ctx context.Context, storeID string, events []*domain.EncryptedEvent) (*PushResult, error) {
	if storeID == "" {
		return nil, &InvalidPushError{Reason: "store id is required"}
	}

	wire := make([]wireEvent, len(events))
	for i, event := range events {
		wire[i] = wireEvent{
			ID:          event.ID,
			AggregateID: event.AggregateID,
			EventType:   event.EventType,
			Payload:     event.Payload,
			Version:     event.Version,
			OccurredAt:  event.OccurredAt,
			Sequence:    event.Sequence,
		}
	}

	body, err := json.Marshal(pushRequest{StoreID: storeID, Events: wire})
	if err != nil {
		return nil, &InvalidPushError{Reason: "failed to encode request", Cause: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.baseURL+"/sync/push", bytes.NewReader(body))
	if err != nil {
		return nil, &InvalidPushError{Reason: "failed to build request", Cause: err}
	}
	req.Header.Set("Content-Type", "application/json")
	b.decorate(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: push transport failure: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var out pushResponse
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return nil, &InvalidPushError{Reason: "failed to decode response", Cause: err}
		}
		return &PushResult{HeadSeqNum: out.HeadSeqNum}, nil

	case http.StatusConflict:
		var conflict pushConflictResponse
		if err := json.NewDecoder(resp.Body).Decode(&conflict); err != nil {
			return nil, &InvalidPushError{Reason: "failed to decode conflict response", Cause: err}
		}
		return nil, &ServerAheadError{
			MinimumExpected: conflict.MinimumExpectedSeqNum,
			Provided:        conflict.ProvidedSeqNum,
		}

	default:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: push rejected with status %d", ErrOffline, resp.StatusCode)
	}
}

// Pull implements Backend.
func (b *HTTPBackend) Pull(ctx context.Context, storeID string, since int64, limit int) (*PullResult, error) {
	if storeID == "" {
		return nil, &InvalidPullError{Reason: "store id is required"}
	}

	query := url.Values{}
	query.Set("storeId", storeID)
	query.Set("since", strconv.FormatInt(since, 10))
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.baseURL+"/sync/pull?"+query.Encode(), nil)
	if err != nil {
		return nil, &InvalidPullError{Reason: "failed to build request", Cause: err}
	}
	b.decorate(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: pull transport failure: %v", ErrOffline, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: pull rejected with status %d", ErrOffline, resp.StatusCode)
	}

	var out pullResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &InvalidPullError{Reason: "failed to decode response", Cause: err}
	}

	events := make([]*domain.EncryptedEvent, len(out.Events))
	for i, w := range out.Events {
		events[i] = &domain.EncryptedEvent{
			ID:          w.ID,
			AggregateID: w.AggregateID,
			EventType:   w.EventType,
			Payload:     w.Payload,
			Version:     w.Version,
			OccurredAt:  w.OccurredAt,
			Sequence:    w.Sequence,
		}
	}

	return &PullResult{Events: events, HasMore: out.HasMore, HeadSeqNum: out.HeadSeqNum}, nil
}

// decorate attaches the bearer token and a fresh request id so
// individual sync calls can be correlated in server logs.
func (b *HTTPBackend) decorate(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
	req.Header.Set("X-Request-Id", uuid.New().String())
}
