// Package redis provides a Redis-backed implementation of the flow store,
// so pending authorization states survive restarts and are shared across
// broker instances. Expiry is delegated to Redis key TTLs.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pramaia/oauth-broker/instrumentation"
	"github.com/pramaia/oauth-broker/storage"
)

const keyPrefix = "oauth-broker:state:"

// Store is a Redis implementation of FlowStore.
type Store struct {
	client redis.UniversalClient
	logger *slog.Logger

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

var _ storage.FlowStore = (*Store)(nil)

// New connects to Redis and verifies the connection.
func New(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}

	return &Store{
		client: client,
		logger: slog.Default(),
	}, nil
}

// NewWithClient wraps an existing Redis client.
func NewWithClient(client redis.UniversalClient) *Store {
	return &Store{
		client: client,
		logger: slog.Default(),
	}
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}

// SaveAuthorizationState stores a pending authorization state with a TTL
// derived from its ExpiresAt.
func (s *Store) SaveAuthorizationState(ctx context.Context, state *storage.AuthorizationState) error {
	ctx, span := s.startStorageSpan(ctx, "save_authorization_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "save_authorization_state", err, startTime)
	}()

	if state == nil || state.State == "" {
		err = fmt.Errorf("authorization state cannot be empty")
		return err
	}

	ttl := time.Until(state.ExpiresAt)
	if ttl <= 0 {
		err = fmt.Errorf("authorization state already expired")
		return err
	}

	payload, err := json.Marshal(state)
	if err != nil {
		err = fmt.Errorf("marshal state: %w", err)
		return err
	}

	if err = s.client.Set(ctx, keyPrefix+state.State, payload, ttl).Err(); err != nil {
		err = fmt.Errorf("persist state: %w", err)
		return err
	}

	return nil
}

// ConsumeAuthorizationState atomically retrieves and deletes a state via
// GETDEL. The key TTL guarantees expired states are never returned, so a
// state can never be used twice and never after its TTL.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, stateToken string) (*storage.AuthorizationState, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_state", err, startTime)
	}()

	payload, err := s.client.GetDel(ctx, keyPrefix+stateToken).Bytes()
	if errors.Is(err, redis.Nil) {
		err = storage.ErrStateNotFound
		return nil, err
	}
	if err != nil {
		err = fmt.Errorf("consume state: %w", err)
		return nil, err
	}

	var state storage.AuthorizationState
	if err = json.Unmarshal(payload, &state); err != nil {
		err = fmt.Errorf("decode state: %w", err)
		return nil, err
	}

	// TTL deletion is not instantaneous; reject anything past its deadline.
	if state.Expired() {
		err = fmt.Errorf("%w: expired", storage.ErrStateNotFound)
		return nil, err
	}

	return &state, nil
}

// DeleteAuthorizationState removes a state without returning it.
func (s *Store) DeleteAuthorizationState(ctx context.Context, stateToken string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_authorization_state", err, startTime)
	}()

	if err = s.client.Del(ctx, keyPrefix+stateToken).Err(); err != nil && !errors.Is(err, redis.Nil) {
		err = fmt.Errorf("delete state: %w", err)
		return err
	}
	err = nil

	return nil
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "redis"),
		))
}

func (s *Store) recordStorageOperation(ctx context.Context, span trace.Span, operation string, err error, startTime time.Time) {
	if s.inst == nil {
		return
	}

	durationMs := float64(time.Since(startTime).Milliseconds())
	result := "success"
	if err != nil {
		result = "error"
	}
	if span != nil {
		span.SetAttributes(attribute.String(instrumentation.AttrStorageResult, result))
		if err != nil {
			instrumentation.RecordSpanError(span, err)
		} else {
			instrumentation.SetSpanSuccess(span)
		}
	}

	s.inst.Metrics().RecordStorageOperation(ctx, operation, result, durationMs)
}
