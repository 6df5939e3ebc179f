package catalog

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ManualStore resolves optional per-integration guidance text. A missing
// manual is not an error; callers get ok=false and proceed without it.
type ManualStore interface {
	Manual(ctx context.Context, integrationID uuid.UUID) (string, bool, error)
	PutManual(ctx context.Context, integrationID uuid.UUID, text string) error
}

// RedisManualStore keeps manuals under manual:<uuid> keys.
type RedisManualStore struct {
	Client *redis.Client
}

func NewRedisManualStore(addr, password string, db int) *RedisManualStore {
	return &RedisManualStore{Client: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func manualKey(id uuid.UUID) string { return "manual:" + id.String() }

func (r *RedisManualStore) Manual(ctx context.Context, integrationID uuid.UUID) (string, bool, error) {
	val, err := r.Client.Get(ctx, manualKey(integrationID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("manual lookup: %w", err)
	}
	return val, true, nil
}

func (r *RedisManualStore) PutManual(ctx context.Context, integrationID uuid.UUID, text string) error {
	return r.Client.Set(ctx, manualKey(integrationID), text, 0).Err()
}

// FSManualStore reads manuals from <dir>/<uuid>.md.
type FSManualStore struct {
	Dir string
}

func (f *FSManualStore) Manual(_ context.Context, integrationID uuid.UUID) (string, bool, error) {
	path := filepath.Join(f.Dir, integrationID.String()+".md")
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("manual read: %w", err)
	}
	return string(data), true, nil
}

func (f *FSManualStore) PutManual(_ context.Context, integrationID uuid.UUID, text string) error {
	if err := os.MkdirAll(f.Dir, 0o755); err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(f.Dir, integrationID.String()+".md"), []byte(text), 0o644)
}
