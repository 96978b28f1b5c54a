package postgres

import (
	"context"
	"errors"
	"testing"
	"time"
)

func requireSchema(t *testing.T, store *Store, stage string, version int64, applied int) SchemaStatus {
	t.Helper()
	status, err := store.MigrationStatus(context.Background())
	if err != nil {
		t.Fatalf("migration status %s: %v", stage, err)
	}
	if status.Version != version || status.Applied != applied {
		t.Fatalf("unexpected status %s: version=%d applied=%d", stage, status.Version, status.Applied)
	}
	return status
}

func TestMigrator_PostgresLifecycle(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("migrate down reset: %v", err)
	}
	status := requireSchema(t, store, "after reset", 0, 0)
	if status.Pending != 4 {
		t.Fatalf("expected every storefront migration pending, got %+v", status)
	}

	if err := store.MigrateUp(ctx, 1); err != nil {
		t.Fatalf("migrate up orders only: %v", err)
	}
	requireSchema(t, store, "after orders", 1, 1)

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up rest: %v", err)
	}
	status = requireSchema(t, store, "after up all", 4, 4)
	for _, v := range status.Versions {
		if !v.Applied || v.Drifted || v.AppliedAt.IsZero() {
			t.Fatalf("unexpected version row after up all: %+v", v)
		}
	}

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("repeated migrate up: %v", err)
	}
	requireSchema(t, store, "after repeated up", 4, 4)

	if err := store.MigrateDown(ctx, 0); err != nil {
		t.Fatalf("migrate down default step: %v", err)
	}
	requireSchema(t, store, "after dropping idempotency scope", 3, 3)

	if err := store.MigrateDown(ctx, 100); err != nil {
		t.Fatalf("migrate down rest: %v", err)
	}
	requireSchema(t, store, "after full down", 0, 0)

	if err := store.MigrateDown(ctx, 1); err != nil {
		t.Fatalf("migrate down on empty schema should be a no-op: %v", err)
	}
}

func TestMigrator_RefusesEditedLedgerSchema(t *testing.T) {
	store := openRawPostgresStoreForIntegrationTest(t)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	if err := store.MigrateUp(ctx, 0); err != nil {
		t.Fatalf("migrate up: %v", err)
	}
	if _, err := store.DB().ExecContext(ctx, `UPDATE storefront_schema_versions SET checksum = 'edited' WHERE version = 2`); err != nil {
		t.Fatalf("tamper checksum: %v", err)
	}
	t.Cleanup(func() {
		ms, err := loadMigrationsFromFS(migrationsFS)
		if err != nil {
			return
		}
		_, _ = store.DB().ExecContext(context.Background(),
			`UPDATE storefront_schema_versions SET checksum = $1 WHERE version = 2`, ms[1].Checksum)
	})

	status, err := store.MigrationStatus(ctx)
	if err != nil {
		t.Fatalf("migration status: %v", err)
	}
	if got := status.Drifted(); len(got) != 1 || got[0] != 2 {
		t.Fatalf("expected ledgers migration reported as drifted, got %v", got)
	}
	if err := store.MigrateUp(ctx, 0); !errors.Is(err, ErrSchemaDrift) {
		t.Fatalf("expected ErrSchemaDrift, got %v", err)
	}
}

func TestMigrator_GuardsAndUnsupportedDirection(t *testing.T) {
	var nilStore *Store
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := nilStore.MigrateUp(ctx, 0); err == nil {
		t.Fatal("expected error for nil store MigrateUp")
	}
	if err := nilStore.MigrateDown(ctx, 1); err == nil {
		t.Fatal("expected error for nil store MigrateDown")
	}
	if _, err := nilStore.MigrationStatus(ctx); err == nil {
		t.Fatal("expected error for nil store MigrationStatus")
	}

	store := openRawPostgresStoreForIntegrationTest(t)
	if err := store.migrate(ctx, migrationDirection("sideways"), 0); err == nil {
		t.Fatal("expected unsupported direction error")
	}
}
