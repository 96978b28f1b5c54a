package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/vladislavdragonenkov/storefront/internal/app"
	"github.com/vladislavdragonenkov/storefront/internal/storage/postgres"
)

const (
	defaultTimeout = 30 * time.Second
)

func main() {
	var (
		direction string
		steps     int
		dsn       string
		seedFile  string
	)

	flag.StringVar(&direction, "direction", "up", "migration direction: up|down|status|seed")
	flag.IntVar(&steps, "steps", 0, "number of migrations to apply/rollback (0=all for up, 1 for down)")
	flag.StringVar(&dsn, "dsn", "", "PostgreSQL DSN (fallback: "+app.EnvPostgresDSN+")")
	flag.StringVar(&seedFile, "seed", "", "catalog seed file for -direction=seed (fallback: "+app.EnvSeedFile+")")
	flag.Parse()

	_ = godotenv.Load()

	if strings.TrimSpace(dsn) == "" {
		dsn = strings.TrimSpace(os.Getenv(app.EnvPostgresDSN))
	}
	if dsn == "" {
		fail("%s (or -dsn) is required", app.EnvPostgresDSN)
	}

	ctx, cancel := context.WithTimeout(context.Background(), defaultTimeout)
	defer cancel()

	store, err := postgres.Open(ctx, dsn)
	if err != nil {
		fail("open postgres store: %v", err)
	}
	defer store.Close()

	switch strings.ToLower(strings.TrimSpace(direction)) {
	case "up":
		if err := store.MigrateUp(ctx, steps); err != nil {
			fail("migrate up failed: %v", err)
		}
		printStatus(ctx, store, "migrate up ok")
	case "down":
		if steps <= 0 {
			steps = 1
		}
		if err := store.MigrateDown(ctx, steps); err != nil {
			fail("migrate down failed: %v", err)
		}
		printStatus(ctx, store, "migrate down ok")
	case "status":
		printStatus(ctx, store, "migration status")
	case "seed":
		if seedFile == "" {
			seedFile = strings.TrimSpace(os.Getenv(app.EnvSeedFile))
		}
		if err := seedCatalog(ctx, store, seedFile); err != nil {
			fail("seed failed: %v", err)
		}
		fmt.Printf("seed ok: %s\n", seedFile)
	default:
		fail("unsupported direction: %s (use up|down|status|seed)", direction)
	}
}

// seedCatalog применяет миграции и заводит товары и ваучеры из файла.
// Остаток приходуется только новым товарам, повторный запуск безопасен.
func seedCatalog(ctx context.Context, store *postgres.Store, path string) error {
	if path == "" {
		return fmt.Errorf("seed file is required (-seed or %s)", app.EnvSeedFile)
	}
	seed, err := app.LoadSeed(path)
	if err != nil {
		return err
	}
	if err := store.EnsureSchema(ctx); err != nil {
		return fmt.Errorf("apply migrations: %w", err)
	}
	return app.ApplySeed(ctx, seed,
		postgres.NewStockLedger(store),
		postgres.NewVoucherTracker(store),
		log.WithField("component", "migrate"),
	)
}

func printStatus(ctx context.Context, store *postgres.Store, prefix string) {
	status, err := store.MigrationStatus(ctx)
	if err != nil {
		fail("migration status failed: %v", err)
	}
	fmt.Printf("%s: version=%d applied=%d pending=%d\n", prefix, status.Version, status.Applied, status.Pending)
	for _, v := range status.Versions {
		fmt.Println(formatSchemaVersion(v))
	}
	if drifted := status.Drifted(); len(drifted) > 0 {
		fail("schema drift in versions %v: recreate the database or restore the original migration files", drifted)
	}
}

func formatSchemaVersion(v postgres.SchemaVersion) string {
	state := "pending"
	switch {
	case v.Unknown:
		state = "applied (not in this build)"
	case v.Drifted:
		state = "applied, EDITED since"
	case v.Applied:
		state = "applied"
	}
	line := fmt.Sprintf("  %04d_%-20s %s", v.Version, v.Name, state)
	if v.Applied {
		line += " at " + v.AppliedAt.UTC().Format(time.RFC3339)
	}
	return line
}

func fail(format string, args ...any) {
	_, _ = fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
