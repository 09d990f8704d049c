package ledger

import (
	"embed"
	"fmt"

	"github.com/jmoiron/sqlx"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the "pgx" database/sql driver used by goose and sqlx below
	"github.com/pressly/goose/v3"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"
)

//go:embed migrations/postgres/*.sql
var migrations embed.FS

// DBConfig selects and configures the backing SQL dialect for a Store.
// Driver is "postgres" or "sqlite" ("" defaults to sqlite). For sqlite,
// Name is the database file (empty means a shared in-memory database); the
// remaining fields are only consulted for postgres.
type DBConfig struct {
	Driver   string `env:"ALPACA_DATABASE_DRIVER" env-default:"sqlite"`
	Name     string `env:"ALPACA_DATABASE_NAME" env-default:""`
	Schema   string `env:"ALPACA_DATABASE_SCHEMA" env-default:""`
	Host     string `env:"ALPACA_DATABASE_HOST" env-default:"localhost"`
	Port     string `env:"ALPACA_DATABASE_PORT" env-default:"5432"`
	Username string `env:"ALPACA_DATABASE_USERNAME" env-default:"postgres"`
	Password string `env:"ALPACA_DATABASE_PASSWORD" env-default:""`
}

// Connect opens the configured dialect, applies migrations (goose for
// postgres, AutoMigrate for sqlite) and returns a ready Store.
func Connect(cfg DBConfig) (*Store, error) {
	switch cfg.Driver {
	case "postgres":
		return connectPostgres(cfg)
	case "sqlite", "":
		return connectSqlite(cfg)
	default:
		return nil, fmt.Errorf("ledger: unsupported driver %q", cfg.Driver)
	}
}

func connectPostgres(cfg DBConfig) (*Store, error) {
	if err := ensureSchema(cfg); err != nil {
		return nil, fmt.Errorf("ledger: failed to ensure schema: %w", err)
	}
	if err := migratePostgres(cfg); err != nil {
		return nil, fmt.Errorf("ledger: failed to apply migrations: %w", err)
	}

	dsn := postgresDSN(cfg)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		NamingStrategy: schema.NamingStrategy{TablePrefix: schemaPrefix(cfg.Schema)},
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open postgres: %w", err)
	}
	return NewStore(db), nil
}

func connectSqlite(cfg DBConfig) (*Store, error) {
	dsn := "file::memory:?cache=shared"
	if cfg.Name != "" {
		dsn = fmt.Sprintf("file:%s?cache=shared", cfg.Name)
	}

	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("ledger: failed to open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&Bill{}, &ChainAccount{}, &Block{}); err != nil {
		return nil, fmt.Errorf("ledger: failed to auto-migrate sqlite: %w", err)
	}
	return NewStore(db), nil
}

func schemaPrefix(s string) string {
	if s == "" {
		return ""
	}
	return s + "."
}

func postgresDSN(cfg DBConfig) string {
	dsn := fmt.Sprintf("user=%s password=%s host=%s port=%s dbname=%s sslmode=disable",
		cfg.Username, cfg.Password, cfg.Host, cfg.Port, cfg.Name)
	if cfg.Schema != "" {
		dsn = fmt.Sprintf("%s search_path=%s", dsn, cfg.Schema)
	}
	return dsn
}

// ensureSchema creates cfg.Schema if it doesn't already exist, connecting
// without a search_path first (mirrors the teacher's ensurePostgresqlSchema).
func ensureSchema(cfg DBConfig) error {
	if cfg.Schema == "" {
		return nil
	}

	unscoped := cfg
	unscoped.Schema = ""
	db, err := sqlx.Connect("pgx", postgresDSN(unscoped))
	if err != nil {
		return err
	}
	defer db.Close()

	var exists int
	err = db.Get(&exists, "SELECT 1 FROM information_schema.schemata WHERE schema_name=$1", cfg.Schema)
	if err == nil {
		return nil
	}

	_, err = db.Exec(fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", cfg.Schema))
	return err
}

func migratePostgres(cfg DBConfig) error {
	db, err := goose.OpenDBWithDriver("pgx", postgresDSN(cfg))
	if err != nil {
		return err
	}
	defer db.Close()

	if cfg.Schema != "" {
		if _, err := db.Exec(fmt.Sprintf("SET search_path TO %s", cfg.Schema)); err != nil {
			return fmt.Errorf("failed to set search path: %w", err)
		}
	}

	goose.SetBaseFS(migrations)
	defer goose.SetBaseFS(nil)
	return goose.Up(db, "migrations/postgres")
}
