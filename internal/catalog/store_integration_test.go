package catalog_test

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/conduitworks/conduit/internal/catalog"
	"github.com/conduitworks/conduit/internal/server"
)

func startPostgres(t *testing.T, ctx context.Context) (testcontainers.Container, string) {
	t.Helper()
	if os.Getenv("CONDUIT_INTEGRATION_TESTS") == "" {
		t.Skip("set CONDUIT_INTEGRATION_TESTS=1 to run container-backed tests")
	}
	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     "conduit",
			"POSTGRES_PASSWORD": "conduit",
			"POSTGRES_DB":       "conduit",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").WithOccurrence(1).WithStartupTimeout(60 * time.Second),
	}
	pg, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{ContainerRequest: req, Started: true})
	if err != nil {
		t.Fatalf("failed to start postgres: %v", err)
	}
	port, err := pg.MappedPort(ctx, "5432")
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get mapped port: %v", err)
	}
	host, err := pg.Host(ctx)
	if err != nil {
		_ = pg.Terminate(ctx)
		t.Fatalf("failed to get host: %v", err)
	}
	dsn := fmt.Sprintf("postgres://conduit:conduit@%s:%s/conduit?sslmode=disable", host, port.Port())
	return pg, dsn
}

func findMigrationsDir(t *testing.T) string {
	t.Helper()
	cwd, _ := os.Getwd()
	for i := 0; i < 6; i++ {
		candidate := filepath.Join(cwd, "migrations")
		if st, err := os.Stat(candidate); err == nil && st.IsDir() {
			return "file://" + candidate
		}
		cwd = filepath.Dir(cwd)
	}
	t.Fatalf("could not locate migrations directory from test cwd")
	return ""
}

func TestStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	pg, dsn := startPostgres(t, ctx)
	defer func() { _ = pg.Terminate(ctx) }()

	if err := server.Migrate(findMigrationsDir(t), dsn, "up", 0); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	st, err := catalog.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer st.Close()

	authStructure := json.RawMessage(`{"name":"Authorization","location":"header","format":"Bearer {token}"}`)
	created, err := st.CreateIntegration(ctx, "tracker", "issue tracking", "", "https://tracker.example.com", 0, authStructure)
	if err != nil {
		t.Fatalf("create integration: %v", err)
	}
	if created.UUID == uuid.Nil {
		t.Fatal("integration uuid not minted")
	}

	got, ok, err := st.GetIntegration(ctx, created.UUID)
	if err != nil || !ok {
		t.Fatalf("get integration: ok=%v err=%v", ok, err)
	}
	if got.Name != "tracker" || got.RateLimit != 1000 {
		t.Fatalf("integration = %+v", got)
	}

	second, err := st.CreateIntegration(ctx, "billing", "invoices", "", "", 500, nil)
	if err != nil {
		t.Fatalf("create second: %v", err)
	}
	listed, err := st.ListIntegrations(ctx, []uuid.UUID{created.UUID, second.UUID})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(listed) != 2 || listed[0].Name != "tracker" || listed[1].Name != "billing" {
		t.Fatalf("listed = %+v, want insertion order", listed)
	}

	if err := st.RegisterOpenAPISource(ctx, created.UUID, "https://tracker.example/openapi.json"); err != nil {
		t.Fatalf("register source: %v", err)
	}
	// Re-registering the same pair is a no-op.
	if err := st.RegisterOpenAPISource(ctx, created.UUID, "https://tracker.example/openapi.json"); err != nil {
		t.Fatalf("re-register source: %v", err)
	}
	sources, err := st.ListOpenAPISources(ctx)
	if err != nil {
		t.Fatalf("list sources: %v", err)
	}
	if len(sources) != 1 || sources[0].LastIngestedAt != nil {
		t.Fatalf("sources = %+v", sources)
	}
	if err := st.TouchOpenAPISource(ctx, sources[0].ID); err != nil {
		t.Fatalf("touch source: %v", err)
	}
	sources, _ = st.ListOpenAPISources(ctx)
	if sources[0].LastIngestedAt == nil {
		t.Fatal("touch did not stamp last_ingested_at")
	}

	if err := st.CreateUser(ctx, "dev@example.com", "hash"); err != nil {
		t.Fatalf("create user: %v", err)
	}
	id, hash, err := st.GetUserByEmail(ctx, "dev@example.com")
	if err != nil || id == "" || hash != "hash" {
		t.Fatalf("user lookup: id=%q hash=%q err=%v", id, hash, err)
	}
}
