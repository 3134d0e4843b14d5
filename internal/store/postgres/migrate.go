package postgres

import (
	"database/sql"
	"embed"
	"errors"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	migratepg "github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

// Migrate applies every pending up migration. Migrations run over a
// short-lived database/sql connection through the pgx stdlib driver.
func Migrate(dsn string, log *zap.Logger) error {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return fmt.Errorf("opening migration connection: %w", err)
	}
	defer func() {
		if cerr := db.Close(); cerr != nil {
			log.Warn("closing migration connection", zap.Error(cerr))
		}
	}()
	if err := db.Ping(); err != nil {
		return fmt.Errorf("pinging database for migrations: %w", err)
	}

	driver, err := migratepg.WithInstance(db, &migratepg.Config{})
	if err != nil {
		return fmt.Errorf("creating migration driver: %w", err)
	}
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("loading embedded migrations: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		return fmt.Errorf("creating migrate instance: %w", err)
	}

	err = m.Up()
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		log.Debug("no new migrations to apply")
	case err != nil:
		return fmt.Errorf("applying migrations: %w", err)
	default:
		log.Info("database migrations applied")
	}

	if version, dirty, verr := m.Version(); verr == nil && dirty {
		return fmt.Errorf("migration %d is dirty", version)
	}
	return nil
}
