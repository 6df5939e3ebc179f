package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Store persists the integration catalog and auth users in postgres.
type Store struct {
	DB *sql.DB
}

// NewWithDSN opens a postgres connection and verifies it.
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return &Store{DB: db}, nil
}

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.DB.Close() }

// CreateIntegration registers a new integration and mints its UUID.
func (s *Store) CreateIntegration(ctx context.Context, name, description, icon, baseURL string, rateLimit int, authStructure json.RawMessage) (Integration, error) {
	in := Integration{
		UUID:          uuid.New(),
		Name:          name,
		Description:   description,
		Icon:          icon,
		BaseURL:       baseURL,
		RateLimit:     rateLimit,
		AuthStructure: authStructure,
	}
	if in.RateLimit <= 0 {
		in.RateLimit = 1000
	}
	err := s.DB.QueryRowContext(ctx, `
		INSERT INTO integrations (uuid, name, description, icon, base_url, rate_limit, auth_structure)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
		RETURNING id, created_at`,
		in.UUID, in.Name, in.Description, in.Icon, in.BaseURL, in.RateLimit, nullableJSON(in.AuthStructure),
	).Scan(&in.ID, &in.CreatedAt)
	if err != nil {
		return Integration{}, fmt.Errorf("insert integration: %w", err)
	}
	return in, nil
}

// GetIntegration fetches a single integration by UUID.
func (s *Store) GetIntegration(ctx context.Context, id uuid.UUID) (Integration, bool, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT id, uuid, name, description, icon, base_url, rate_limit, auth_structure, created_at
		FROM integrations WHERE uuid = $1`, id)
	in, err := scanIntegration(row)
	if err == sql.ErrNoRows {
		return Integration{}, false, nil
	}
	if err != nil {
		return Integration{}, false, err
	}
	return in, true, nil
}

// ListIntegrations returns the integrations matching the given UUIDs, in
// catalog insertion order. Unknown UUIDs are silently skipped.
func (s *Store) ListIntegrations(ctx context.Context, ids []uuid.UUID) ([]Integration, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	raw := make([]string, len(ids))
	for i, id := range ids {
		raw[i] = id.String()
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, uuid, name, description, icon, base_url, rate_limit, auth_structure, created_at
		FROM integrations WHERE uuid = ANY($1) ORDER BY id`, pq.Array(raw))
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()
	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// ListAllIntegrations returns the full catalog.
func (s *Store) ListAllIntegrations(ctx context.Context) ([]Integration, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, uuid, name, description, icon, base_url, rate_limit, auth_structure, created_at
		FROM integrations ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list integrations: %w", err)
	}
	defer rows.Close()
	var out []Integration
	for rows.Next() {
		in, err := scanIntegration(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, in)
	}
	return out, rows.Err()
}

// CreateUser stores an auth user with a bcrypt password hash.
func (s *Store) CreateUser(ctx context.Context, email, hash string) error {
	_, err := s.DB.ExecContext(ctx,
		`INSERT INTO users (id, email, password_hash) VALUES ($1,$2,$3)`,
		uuid.NewString(), email, hash)
	return err
}

// GetUserByEmail returns the user id and password hash for login checks.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (id string, hash string, err error) {
	err = s.DB.QueryRowContext(ctx,
		`SELECT id, password_hash FROM users WHERE email = $1`, email).Scan(&id, &hash)
	return
}

// OpenAPISource is a registered spec document that the ingestion pipeline
// can re-fetch on a schedule.
type OpenAPISource struct {
	ID             int64
	IntegrationID  uuid.UUID
	SourceURL      string
	LastIngestedAt *time.Time
}

// RegisterOpenAPISource records (or re-records) a spec source for an integration.
func (s *Store) RegisterOpenAPISource(ctx context.Context, integrationID uuid.UUID, sourceURL string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO openapi_sources (integration_uuid, source_url)
		VALUES ($1,$2)
		ON CONFLICT (integration_uuid, source_url) DO NOTHING`,
		integrationID, sourceURL)
	return err
}

// ListOpenAPISources returns every registered spec source.
func (s *Store) ListOpenAPISources(ctx context.Context) ([]OpenAPISource, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, integration_uuid, source_url, last_ingested_at
		FROM openapi_sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list openapi sources: %w", err)
	}
	defer rows.Close()
	var out []OpenAPISource
	for rows.Next() {
		var src OpenAPISource
		var last sql.NullTime
		if err := rows.Scan(&src.ID, &src.IntegrationID, &src.SourceURL, &last); err != nil {
			return nil, err
		}
		if last.Valid {
			t := last.Time
			src.LastIngestedAt = &t
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// TouchOpenAPISource stamps a successful ingestion.
func (s *Store) TouchOpenAPISource(ctx context.Context, id int64) error {
	_, err := s.DB.ExecContext(ctx,
		`UPDATE openapi_sources SET last_ingested_at = now() WHERE id = $1`, id)
	return err
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanIntegration(row rowScanner) (Integration, error) {
	var in Integration
	var auth sql.NullString
	if err := row.Scan(&in.ID, &in.UUID, &in.Name, &in.Description, &in.Icon, &in.BaseURL, &in.RateLimit, &auth, &in.CreatedAt); err != nil {
		return Integration{}, err
	}
	if auth.Valid {
		in.AuthStructure = json.RawMessage(auth.String)
	}
	return in, nil
}

func nullableJSON(raw json.RawMessage) interface{} {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
