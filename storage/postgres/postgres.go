// Package postgres provides a PostgreSQL-backed implementation of the
// credential store, for deployments where credentials must survive restarts
// and be shared across broker instances.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/pramaia/oauth-broker/instrumentation"
	"github.com/pramaia/oauth-broker/storage"
)

// Store is a PostgreSQL implementation of CredentialStore. Token columns
// hold ciphertext only; encryption happens in the broker before records
// reach the store.
type Store struct {
	pool   *pgxpool.Pool
	logger *slog.Logger

	inst   *instrumentation.Instrumentation
	tracer trace.Tracer
}

var _ storage.CredentialStore = (*Store)(nil)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS credentials (
    user_id       TEXT        NOT NULL,
    service       TEXT        NOT NULL,
    access_token  BYTEA       NOT NULL,
    refresh_token BYTEA,
    token_type    TEXT        NOT NULL DEFAULT 'Bearer',
    expiry        TIMESTAMPTZ NOT NULL,
    scopes        TEXT[]      NOT NULL DEFAULT '{}',
    created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    updated_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (user_id, service)
)`

// New connects to PostgreSQL and ensures the credentials table exists.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, fmt.Errorf("create credentials table: %w", err)
	}

	return &Store{
		pool:   pool,
		logger: slog.Default(),
	}, nil
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

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

const upsertSQL = `
INSERT INTO credentials (user_id, service, access_token, refresh_token, token_type, expiry, scopes, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, now(), now())
ON CONFLICT (user_id, service) DO UPDATE SET
    access_token  = EXCLUDED.access_token,
    refresh_token = EXCLUDED.refresh_token,
    token_type    = EXCLUDED.token_type,
    expiry        = EXCLUDED.expiry,
    scopes        = EXCLUDED.scopes,
    updated_at    = now()`

// Upsert creates or replaces the credential for its key. The conflict
// clause leaves created_at untouched on updates.
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

	// A nil refresh token maps to SQL NULL, distinguishing "none granted"
	// from an empty ciphertext.
	var refreshToken []byte
	if cred.HasRefreshToken() {
		refreshToken = cred.RefreshToken
	}

	_, err = s.pool.Exec(ctx, upsertSQL,
		cred.UserID,
		cred.Service,
		cred.AccessToken,
		refreshToken,
		cred.TokenType,
		cred.Expiry,
		cred.Scopes,
	)
	if err != nil {
		err = fmt.Errorf("upsert credential: %w", err)
		return err
	}

	s.logger.Debug("Saved credential", "user_id", cred.UserID, "service", cred.Service)
	return nil
}

const getSQL = `
SELECT access_token, refresh_token, token_type, expiry, scopes, created_at, updated_at
FROM credentials
WHERE user_id = $1 AND service = $2`

// Get retrieves the credential for key.
func (s *Store) Get(ctx context.Context, key storage.Key) (*storage.Credential, error) {
	ctx, span := s.startStorageSpan(ctx, "get_credential")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "get_credential", err, startTime)
	}()

	cred := &storage.Credential{
		UserID:  key.UserID,
		Service: key.Service,
	}
	err = s.pool.QueryRow(ctx, getSQL, key.UserID, key.Service).Scan(
		&cred.AccessToken,
		&cred.RefreshToken,
		&cred.TokenType,
		&cred.Expiry,
		&cred.Scopes,
		&cred.CreatedAt,
		&cred.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		err = fmt.Errorf("%w: %s", storage.ErrCredentialNotFound, key)
		return nil, err
	}
	if err != nil {
		err = fmt.Errorf("get credential: %w", err)
		return nil, err
	}

	return cred, nil
}

// Delete removes the credential for key, reporting whether one existed.
func (s *Store) Delete(ctx context.Context, key storage.Key) (bool, error) {
	ctx, span := s.startStorageSpan(ctx, "delete_credential")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "delete_credential", err, startTime)
	}()

	tag, err := s.pool.Exec(ctx,
		`DELETE FROM credentials WHERE user_id = $1 AND service = $2`,
		key.UserID, key.Service)
	if err != nil {
		err = fmt.Errorf("delete credential: %w", err)
		return false, err
	}

	existed := tag.RowsAffected() > 0
	if existed {
		s.logger.Debug("Deleted credential", "user_id", key.UserID, "service", key.Service)
	}
	return existed, nil
}

const listSQL = `
SELECT service, expiry, refresh_token IS NOT NULL, created_at, updated_at
FROM credentials
WHERE user_id = $1
ORDER BY service`

// ListByUser returns summaries of all of a user's credentials, ordered by
// service name.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]storage.CredentialSummary, error) {
	ctx, span := s.startStorageSpan(ctx, "list_credentials")
	defer span.End()

	startTime := time.Now()
	var err error
	defer func() {
		s.recordStorageOperation(ctx, span, "list_credentials", err, startTime)
	}()

	rows, err := s.pool.Query(ctx, listSQL, userID)
	if err != nil {
		err = fmt.Errorf("list credentials: %w", err)
		return nil, err
	}
	defer rows.Close()

	summaries := make([]storage.CredentialSummary, 0)
	for rows.Next() {
		var summary storage.CredentialSummary
		if err = rows.Scan(
			&summary.Service,
			&summary.Expiry,
			&summary.HasRefreshToken,
			&summary.CreatedAt,
			&summary.UpdatedAt,
		); err != nil {
			err = fmt.Errorf("scan credential summary: %w", err)
			return nil, err
		}
		summaries = append(summaries, summary)
	}
	if err = rows.Err(); err != nil {
		err = fmt.Errorf("list credentials: %w", err)
		return nil, err
	}

	return summaries, nil
}

func (s *Store) startStorageSpan(ctx context.Context, operation string) (context.Context, trace.Span) {
	if s.tracer == nil {
		return ctx, trace.SpanFromContext(ctx)
	}

	return s.tracer.Start(ctx, fmt.Sprintf("storage.%s", operation),
		trace.WithAttributes(
			attribute.String(instrumentation.AttrStorageOperation, operation),
			attribute.String(instrumentation.AttrStorageType, "postgres"),
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
