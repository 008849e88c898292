// Package cache provides short-TTL, key-addressed memoization for expensive
// dependency calls.
//
// Memory is a single-process store. Redis shares entries between instances
// of the service.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Store is the contract shared by the in-memory and Redis caches. A missing or
// expired key is a miss, never an error; errors only report backend failures.
type Store[V any] interface {
	// Set stores value until ttl elapses, replacing any existing entry.
	Set(ctx context.Context, key string, value V, ttl time.Duration) error
	// SetIfAbsent stores value only when key holds no live entry.
	SetIfAbsent(ctx context.Context, key string, value V, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (V, bool, error)
	Delete(ctx context.Context, key string) error
	Has(ctx context.Context, key string) (bool, error)
	Keys(ctx context.Context) ([]string, error)
	Size(ctx context.Context) (int, error)
	// Cleanup evicts expired entries and reports how many were removed.
	Cleanup(ctx context.Context) (int, error)
	Clear(ctx context.Context) error
}

// AuditKey is the cache key of a compliance audit of one transcript against
// one scoring template.
func AuditKey(transcriptID, templateID string) string {
	return fmt.Sprintf("audit:%s:%s", transcriptID, templateID)
}

// Slot is the value stored by callers that mark work in progress before it
// completes. A slot holds either the marker or an encoded result.
type Slot struct {
	InProgress bool            `json:"in_progress,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// InProgress returns the placeholder written before expensive work starts.
func InProgress() Slot {
	return Slot{InProgress: true}
}

// Ready encodes a finished result into a slot.
func Ready[T any](v T) (Slot, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return Slot{}, fmt.Errorf("encode cached result: %w", err)
	}
	return Slot{Payload: payload}, nil
}

// Decode extracts the result held by a ready slot.
func Decode[T any](s Slot) (T, error) {
	var v T
	if s.InProgress {
		return v, fmt.Errorf("decode cached result: slot is in progress")
	}
	if err := json.Unmarshal(s.Payload, &v); err != nil {
		return v, fmt.Errorf("decode cached result: %w", err)
	}
	return v, nil
}
