//go:build integration

package audit

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

func TestStore_RecordAcknowledged(t *testing.T) {
	ctx := context.Background()

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("sumagent_test"),
		postgres.WithUsername("sumagent"),
		postgres.WithPassword("sumagent"),
		postgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := container.Terminate(ctx); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	if err != nil {
		t.Fatal(err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Fatal(err)
	}

	cfg := Config{
		Host:     host,
		Port:     port.Int(),
		User:     "sumagent",
		Password: "sumagent",
		Database: "sumagent_test",
		SSLMode:  "disable",
		MaxConns: 5,
		MinConns: 1,
	}

	store, err := NewStore(ctx, cfg, nil)
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	defer store.Close()

	id := uuid.New()
	ackedAt := time.Now().UTC().Truncate(time.Second)

	if err := store.RecordAcknowledged(ctx, "f1", "t1", id, ackedAt); err != nil {
		t.Fatalf("RecordAcknowledged() error = %v", err)
	}

	// Recording the same acknowledgement twice must be a no-op, not an error.
	if err := store.RecordAcknowledged(ctx, "f1", "t1", id, ackedAt); err != nil {
		t.Fatalf("duplicate RecordAcknowledged() error = %v", err)
	}

	var count int
	row := store.pool.QueryRow(ctx,
		`SELECT count(*) FROM sum_acknowledged_updates WHERE framework_id = $1 AND task_id = $2 AND update_uuid = $3`,
		"f1", "t1", id)
	if err := row.Scan(&count); err != nil {
		t.Fatalf("query error = %v", err)
	}
	if count != 1 {
		t.Errorf("expected exactly 1 row after duplicate insert, got %d", count)
	}

	if !store.Healthy(ctx) {
		t.Error("expected store to report healthy")
	}
}
