// Package memory provides an in-memory implementation of the broker storage
// interfaces. It is suitable for development, testing, and single-instance
// deployments.
package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pramaia/oauth-broker/instrumentation"
	"github.com/pramaia/oauth-broker/storage"
)

// Store is an in-memory implementation of CredentialStore and FlowStore.
type Store struct {
	mu sync.RWMutex

	// Credentials hold ciphertext only; encryption happens in the broker
	// before records reach the store.
	credentials map[storage.Key]*storage.Credential

	// In-flight authorization states, keyed by state token.
	authStates map[string]*storage.AuthorizationState

	// Instrumentation
	inst   *instrumentation.Instrumentation
	tracer trace.Tracer

	// Atomic counters for lock-free metric collection.
	credentialsCountAtomic atomic.Int64
	authStatesCountAtomic  atomic.Int64

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface checks.
var (
	_ storage.CredentialStore = (*Store)(nil)
	_ storage.FlowStore       = (*Store)(nil)
)

// New creates a new in-memory store with the default cleanup interval
// (1 minute) for abandoned authorization states.
func New() *Store {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates a new in-memory store with a custom cleanup
// interval. If cleanupInterval is 0 or negative, 1 minute is used.
func NewWithInterval(cleanupInterval time.Duration) *Store {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	s := &Store{
		credentials:     make(map[storage.Key]*storage.Credential),
		authStates:      make(map[string]*storage.AuthorizationState),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go s.cleanupLoop()

	return s
}

// SetLogger sets a custom logger.
func (s *Store) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// SetInstrumentation sets OpenTelemetry instrumentation for the store.
func (s *Store) SetInstrumentation(inst *instrumentation.Instrumentation) {
	s.mu.Lock()
	s.inst = inst
	if inst != nil {
		s.tracer = inst.Tracer("storage")
	}
	s.credentialsCountAtomic.Store(int64(len(s.credentials)))
	s.authStatesCountAtomic.Store(int64(len(s.authStates)))
	s.mu.Unlock()

	if inst != nil {
		err := inst.RegisterStorageSizeCallbacks(
			func() int64 { return s.credentialsCountAtomic.Load() },
			func() int64 { return s.authStatesCountAtomic.Load() },
		)
		if err != nil {
			s.logger.Warn("Failed to register storage size callbacks", "error", err)
		}
	}
}

// Stop gracefully stops the cleanup goroutine.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCleanup)
	})
}

// ============================================================
// CredentialStore implementation
// ============================================================

// Upsert creates or replaces the credential for its key. CreatedAt is
// preserved from any existing record; UpdatedAt is always set to now.
func (s *Store) Upsert(ctx context.Context, cred *storage.Credential) error {
	ctx, span := s.startStorageSpan(ctx, "upsert_credential")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "upsert_credential", err, startTime)
	}()

	if cred == nil {
		err = fmt.Errorf("credential cannot be nil")
		return err
	}
	if cred.UserID == "" || cred.Service == "" {
		err = fmt.Errorf("credential key cannot be empty")
		return err
	}

	key := cred.Key()
	now := time.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	stored := cloneCredential(cred)
	if existing, ok := s.credentials[key]; ok {
		stored.CreatedAt = existing.CreatedAt
	} else {
		stored.CreatedAt = now
		s.credentialsCountAtomic.Add(1)
	}
	stored.UpdatedAt = now

	s.credentials[key] = stored
	s.logger.Debug("Saved credential", "user_id", key.UserID, "service", key.Service)

	return nil
}

// Get retrieves the credential for key.
func (s *Store) Get(ctx context.Context, key storage.Key) (*storage.Credential, error) {
	ctx, span := s.startStorageSpan(ctx, "get_credential")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_credential", err, startTime)
	}()

	s.mu.RLock()
	cred, ok := s.credentials[key]
	s.mu.RUnlock()

	if !ok {
		err = fmt.Errorf("%w: %s", storage.ErrCredentialNotFound, key)
		return nil, err
	}

	return cloneCredential(cred), nil
}

// Delete removes the credential for key, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, key storage.Key) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_credential")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_credential", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	_, existed := s.credentials[key]
	delete(s.credentials, key)

	if existed {
		s.credentialsCountAtomic.Add(-1)
		s.logger.Debug("Deleted credential", "user_id", key.UserID, "service", key.Service)
	}

	return existed, nil
}

// ListByUser returns summaries of all of a user's credentials, ordered by
// service name.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]storage.CredentialSummary, error) {
	ctx, span := s.startStorageSpan(ctx, "list_credentials")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "list_credentials", nil, startTime)
	}()

	s.mu.RLock()
	summaries := make([]storage.CredentialSummary, 0)
	for key, cred := range s.credentials {
		if key.UserID != userID {
			continue
		}
		summaries = append(summaries, storage.CredentialSummary{
			Service:         cred.Service,
			Expiry:          cred.Expiry,
			HasRefreshToken: cred.HasRefreshToken(),
			CreatedAt:       cred.CreatedAt,
			UpdatedAt:       cred.UpdatedAt,
		})
	}
	s.mu.RUnlock()

	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].Service < summaries[j].Service
	})

	return summaries, nil
}

// ============================================================
// FlowStore implementation
// ============================================================

// SaveAuthorizationState stores a pending authorization state.
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

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authStates[state.State]; !existed {
		s.authStatesCountAtomic.Add(1)
	}
	copied := *state
	s.authStates[state.State] = &copied

	return nil
}

// ConsumeAuthorizationState atomically retrieves and deletes a state.
// Expired states are deleted and reported as not found, so a state can
// never be used twice and never after its TTL.
func (s *Store) ConsumeAuthorizationState(ctx context.Context, stateToken string) (*storage.AuthorizationState, error) {
	ctx, span := s.startStorageSpan(ctx, "consume_authorization_state")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "consume_authorization_state", err, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	state, ok := s.authStates[stateToken]
	if !ok {
		err = storage.ErrStateNotFound
		return nil, err
	}

	delete(s.authStates, stateToken)
	s.authStatesCountAtomic.Add(-1)

	if state.Expired() {
		err = fmt.Errorf("%w: expired", storage.ErrStateNotFound)
		return nil, err
	}

	copied := *state
	return &copied, nil
}

// DeleteAuthorizationState removes a state without returning it.
func (s *Store) DeleteAuthorizationState(ctx context.Context, stateToken string) error {
	ctx, span := s.startStorageSpan(ctx, "delete_authorization_state")
	defer span.End()

	startTime := time.Now()
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_authorization_state", nil, startTime)
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, existed := s.authStates[stateToken]; existed {
		delete(s.authStates, stateToken)
		s.authStatesCountAtomic.Add(-1)
	}

	return nil
}

// ============================================================
// Cleanup
// ============================================================

func (s *Store) cleanupLoop() {
	ticker := time.NewTicker(s.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanupExpiredStates()
		case <-s.stopCleanup:
			return
		}
	}
}

// cleanupExpiredStates purges authorization states from abandoned flows.
func (s *Store) cleanupExpiredStates() {
	s.mu.Lock()
	removed := 0
	for token, state := range s.authStates {
		if state.Expired() {
			delete(s.authStates, token)
			removed++
		}
	}
	if removed > 0 {
		s.authStatesCountAtomic.Add(int64(-removed))
	}
	remaining := len(s.authStates)
	s.mu.Unlock()

	if removed > 0 {
		s.logger.Debug("Cleaned up expired authorization states",
			"removed", removed,
			"remaining", remaining)
	}
}

// cloneCredential copies a credential, including its byte slices, so callers
// and the store never share mutable backing arrays.
func cloneCredential(cred *storage.Credential) *storage.Credential {
	copied := *cred
	copied.AccessToken = append([]byte(nil), cred.AccessToken...)
	if cred.RefreshToken != nil {
		copied.RefreshToken = append([]byte(nil), cred.RefreshToken...)
	}
	copied.Scopes = append([]string(nil), cred.Scopes...)
	return &copied
}

// ============================================================
// Instrumentation helpers
// ============================================================

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "memory"),
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
