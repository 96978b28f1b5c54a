package postgres

import (
	"cmp"
	"context"
	"crypto/sha256"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"slices"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const (
	migrationsGlob = "sql/migrations/*.sql"
	// schemaLockKey сериализует миграции между репликами storefront-api и cmd/migrate.
	schemaLockKey  = int64(0x53544f5245) // "STORE"
	schemaLockWait = 5 * time.Second
	schemaTableDDL = `
CREATE TABLE IF NOT EXISTS storefront_schema_versions (
    version    BIGINT PRIMARY KEY,
    name       TEXT NOT NULL,
    checksum   TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
)`
)

var (
	//go:embed sql/migrations/*.sql
	migrationsFS embed.FS

	migrationFilePattern = regexp.MustCompile(`^(\d+)_([a-z0-9_]+)\.(up|down)\.sql$`)

	schemaTracer = otel.Tracer("github.com/vladislavdragonenkov/storefront/internal/storage/postgres")
	schemaLog    = log.WithField("component", "schema")
)

// ErrSchemaDrift возвращается, если применённая миграция с тех пор изменилась
// в исходниках: леджеры в такой базе могут не иметь нужных колонок.
var ErrSchemaDrift = errors.New("applied migration differs from embedded sql")

var errStoreNotInitialized = errors.New("postgres store is not initialized")

type migrationDirection string

const (
	migrationUp   migrationDirection = "up"
	migrationDown migrationDirection = "down"
)

type migration struct {
	Version  int64
	Name     string
	UpSQL    string
	DownSQL  string
	Checksum string
}

func (m migration) label() string {
	return fmt.Sprintf("%04d_%s", m.Version, m.Name)
}

// appliedVersion — строка storefront_schema_versions.
type appliedVersion struct {
	Name      string
	Checksum  string
	AppliedAt time.Time
}

// SchemaVersion — состояние одной миграции относительно базы.
type SchemaVersion struct {
	Version   int64
	Name      string
	Applied   bool
	AppliedAt time.Time
	// Drifted — миграция применена, но её up-SQL после этого изменился.
	Drifted bool
	// Unknown — версия есть в базе, но отсутствует в этой сборке.
	Unknown bool
}

// SchemaStatus — сводка по схеме для cmd/migrate.
type SchemaStatus struct {
	Version  int64
	Applied  int
	Pending  int
	Versions []SchemaVersion
}

// Drifted возвращает версии, изменённые после применения.
func (s SchemaStatus) Drifted() []int64 {
	var out []int64
	for _, v := range s.Versions {
		if v.Drifted {
			out = append(out, v.Version)
		}
	}
	return out
}

// MigrateUp применяет up-миграции. steps=0 применяет все ожидающие.
func (s *Store) MigrateUp(ctx context.Context, steps int) error {
	return s.migrate(ctx, migrationUp, steps)
}

// MigrateDown откатывает последние steps миграций (минимум одну).
func (s *Store) MigrateDown(ctx context.Context, steps int) error {
	if steps <= 0 {
		steps = 1
	}
	return s.migrate(ctx, migrationDown, steps)
}

// MigrationStatus сравнивает встроенные миграции с применёнными.
func (s *Store) MigrationStatus(ctx context.Context) (SchemaStatus, error) {
	if s == nil || s.db == nil {
		return SchemaStatus{}, errStoreNotInitialized
	}
	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return SchemaStatus{}, err
	}

	queryCtx, cancel := context.WithTimeout(ctx, schemaLockWait)
	defer cancel()

	conn, err := s.db.Conn(queryCtx)
	if err != nil {
		return SchemaStatus{}, fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(queryCtx, schemaTableDDL); err != nil {
		return SchemaStatus{}, fmt.Errorf("ensure schema table: %w", err)
	}
	applied, err := loadAppliedVersions(queryCtx, conn)
	if err != nil {
		return SchemaStatus{}, err
	}
	return buildSchemaStatus(migrations, applied), nil
}

func buildSchemaStatus(migrations []migration, applied map[int64]appliedVersion) SchemaStatus {
	var status SchemaStatus
	known := make(map[int64]struct{}, len(migrations))
	for _, m := range migrations {
		known[m.Version] = struct{}{}
		v := SchemaVersion{Version: m.Version, Name: m.Name}
		if rec, ok := applied[m.Version]; ok {
			v.Applied = true
			v.AppliedAt = rec.AppliedAt
			v.Drifted = rec.Checksum != m.Checksum
		} else {
			status.Pending++
		}
		status.Versions = append(status.Versions, v)
	}
	for version, rec := range applied {
		if _, ok := known[version]; ok {
			continue
		}
		status.Versions = append(status.Versions, SchemaVersion{
			Version: version, Name: rec.Name, Applied: true, AppliedAt: rec.AppliedAt, Unknown: true,
		})
	}
	slices.SortFunc(status.Versions, func(a, b SchemaVersion) int { return cmp.Compare(a.Version, b.Version) })

	for _, v := range status.Versions {
		if v.Applied {
			status.Applied++
			status.Version = max(status.Version, v.Version)
		}
	}
	return status
}

func (s *Store) migrate(ctx context.Context, direction migrationDirection, steps int) (err error) {
	if s == nil || s.db == nil {
		return errStoreNotInitialized
	}
	if direction != migrationUp && direction != migrationDown {
		return fmt.Errorf("unsupported migration direction: %s", direction)
	}

	ctx, span := schemaTracer.Start(ctx, "schema.Migrate", trace.WithAttributes(
		attribute.String("schema.direction", string(direction)),
		attribute.Int("schema.steps", steps),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	migrations, err := loadMigrationsFromFS(migrationsFS)
	if err != nil {
		return err
	}

	return s.withSchemaLock(ctx, func(conn *sql.Conn) error {
		applied, err := loadAppliedVersions(ctx, conn)
		if err != nil {
			return err
		}
		plan, err := planMigrations(direction, migrations, applied, steps)
		if err != nil {
			return err
		}
		span.SetAttributes(attribute.Int("schema.planned", len(plan)))
		for _, m := range plan {
			if err := runMigration(ctx, conn, direction, m); err != nil {
				return err
			}
		}
		if len(plan) == 0 {
			schemaLog.WithField("direction", direction).Debug("schema is up to date")
		}
		return nil
	})
}

// withSchemaLock держит advisory lock на отдельном соединении,
// чтобы параллельный старт реплик не применял миграцию дважды.
func (s *Store) withSchemaLock(ctx context.Context, fn func(conn *sql.Conn) error) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire db connection: %w", err)
	}
	defer conn.Close()

	lockCtx, cancel := context.WithTimeout(ctx, schemaLockWait)
	defer cancel()
	if _, err := conn.ExecContext(lockCtx, "SELECT pg_advisory_lock($1)", schemaLockKey); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(context.Background(), "SELECT pg_advisory_unlock($1)", schemaLockKey)
	}()

	if _, err := conn.ExecContext(ctx, schemaTableDDL); err != nil {
		return fmt.Errorf("ensure schema table: %w", err)
	}
	return fn(conn)
}

// planMigrations выбирает миграции для шага. Up отказывается работать поверх
// изменённой применённой миграции.
func planMigrations(direction migrationDirection, migrations []migration, applied map[int64]appliedVersion, steps int) ([]migration, error) {
	switch direction {
	case migrationUp:
		var plan []migration
		for _, m := range migrations {
			rec, ok := applied[m.Version]
			if ok {
				if rec.Checksum != m.Checksum {
					return nil, fmt.Errorf("%w: %s", ErrSchemaDrift, m.label())
				}
				continue
			}
			if steps > 0 && len(plan) >= steps {
				break
			}
			plan = append(plan, m)
		}
		return plan, nil

	case migrationDown:
		byVersion := make(map[int64]migration, len(migrations))
		for _, m := range migrations {
			byVersion[m.Version] = m
		}
		versions := make([]int64, 0, len(applied))
		for v := range applied {
			versions = append(versions, v)
		}
		slices.Sort(versions)
		slices.Reverse(versions)

		var plan []migration
		for _, v := range versions {
			if len(plan) >= steps {
				break
			}
			m, ok := byVersion[v]
			if !ok {
				return nil, fmt.Errorf("cannot roll back version %d: not in this build", v)
			}
			plan = append(plan, m)
		}
		return plan, nil

	default:
		return nil, fmt.Errorf("unsupported migration direction: %s", direction)
	}
}

func runMigration(ctx context.Context, conn *sql.Conn, direction migrationDirection, m migration) (err error) {
	ctx, span := schemaTracer.Start(ctx, "schema.Step", trace.WithAttributes(
		attribute.String("schema.direction", string(direction)),
		attribute.Int64("schema.version", m.Version),
		attribute.String("schema.name", m.Name),
	))
	defer span.End()
	started := time.Now()

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s %s: %w", direction, m.label(), err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	body := m.UpSQL
	if direction == migrationDown {
		body = m.DownSQL
	}
	if _, err = tx.ExecContext(ctx, body); err != nil {
		return fmt.Errorf("execute %s %s: %w", direction, m.label(), err)
	}

	if direction == migrationUp {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO storefront_schema_versions (version, name, checksum, applied_at)
			VALUES ($1, $2, $3, NOW())
		`, m.Version, m.Name, m.Checksum)
	} else {
		_, err = tx.ExecContext(ctx, `DELETE FROM storefront_schema_versions WHERE version = $1`, m.Version)
	}
	if err != nil {
		return fmt.Errorf("record %s %s: %w", direction, m.label(), err)
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s %s: %w", direction, m.label(), err)
	}

	schemaLog.WithFields(log.Fields{
		"direction": direction,
		"migration": m.label(),
		"duration":  time.Since(started).String(),
	}).Info("schema migration applied")
	return nil
}

func loadAppliedVersions(ctx context.Context, conn *sql.Conn) (map[int64]appliedVersion, error) {
	rows, err := conn.QueryContext(ctx, `SELECT version, name, checksum, applied_at FROM storefront_schema_versions`)
	if err != nil {
		return nil, fmt.Errorf("query schema versions: %w", err)
	}
	defer rows.Close()

	out := make(map[int64]appliedVersion)
	for rows.Next() {
		var (
			version int64
			rec     appliedVersion
		)
		if err := rows.Scan(&version, &rec.Name, &rec.Checksum, &rec.AppliedAt); err != nil {
			return nil, fmt.Errorf("scan schema version: %w", err)
		}
		out[version] = rec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate schema versions: %w", err)
	}
	return out, nil
}

// migrationChecksum хэширует up-SQL после обрезки пробелов по краям.
func migrationChecksum(upSQL string) string {
	sum := sha256.Sum256([]byte(upSQL))
	return hex.EncodeToString(sum[:])
}

func loadMigrationsFromFS(fsys fs.FS) ([]migration, error) {
	files, err := fs.Glob(fsys, migrationsGlob)
	if err != nil {
		return nil, fmt.Errorf("list migrations: %w", err)
	}
	if len(files) == 0 {
		return nil, errors.New("no migration files found")
	}

	byVersion := make(map[int64]*migration)
	for _, file := range files {
		base := path.Base(file)
		parts := migrationFilePattern.FindStringSubmatch(base)
		if parts == nil {
			return nil, fmt.Errorf("invalid migration file name: %s", base)
		}
		version, err := strconv.ParseInt(parts[1], 10, 64)
		if err != nil || version <= 0 {
			return nil, fmt.Errorf("invalid migration version in %s", base)
		}
		name, direction := parts[2], migrationDirection(parts[3])

		raw, err := fs.ReadFile(fsys, file)
		if err != nil {
			return nil, fmt.Errorf("read migration file %s: %w", file, err)
		}
		body := strings.TrimSpace(string(raw))
		if body == "" {
			return nil, fmt.Errorf("migration file is empty: %s", base)
		}

		m, ok := byVersion[version]
		if !ok {
			m = &migration{Version: version, Name: name}
			byVersion[version] = m
		}
		if m.Name != name {
			return nil, fmt.Errorf("migration %d has two names: %s and %s", version, m.Name, name)
		}

		target := &m.UpSQL
		if direction == migrationDown {
			target = &m.DownSQL
		}
		if *target != "" {
			return nil, fmt.Errorf("duplicate %s migration for version %d", direction, version)
		}
		*target = body
	}

	out := make([]migration, 0, len(byVersion))
	for _, m := range byVersion {
		if m.UpSQL == "" || m.DownSQL == "" {
			return nil, fmt.Errorf("migration %s must have both up and down files", m.label())
		}
		m.Checksum = migrationChecksum(m.UpSQL)
		out = append(out, *m)
	}
	slices.SortFunc(out, func(a, b migration) int { return cmp.Compare(a.Version, b.Version) })
	return out, nil
}
