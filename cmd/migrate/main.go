package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"

	"github.com/liamcoop/loanbff/internal/logger"
)

func main() {
	app := &cli.App{
		Name:  "migrate",
		Usage: "manage the forward audit schema",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "database",
				Usage:   "Postgres URL",
				EnvVars: []string{"DATABASE_URL"},
			},
			&cli.StringFlag{
				Name:  "path",
				Usage: "migrations directory",
				Value: "migrations",
			},
		},
		Before: func(c *cli.Context) error {
			if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
				return fmt.Errorf("failed to load .env: %w", err)
			}
			return nil
		},
		Commands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "apply all pending migrations",
				Action: withMigrate(up),
			},
			{
				Name:  "down",
				Usage: "roll back migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{Name: "steps", Usage: "number of migrations to roll back, 0 for all"},
				},
				Action: withMigrate(down),
			},
			{
				Name:   "version",
				Usage:  "print the current schema version",
				Action: withMigrate(version),
			},
			{
				Name:      "force",
				Usage:     "set the schema version without running migrations",
				ArgsUsage: "<version>",
				Action:    withMigrate(force),
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		logger.Error("migration failed", "error", err)
		os.Exit(1)
	}
}

// withMigrate opens a migrate instance for the command and closes it afterwards.
// The DATABASE_URL fallback is read after Before has loaded .env.
func withMigrate(fn func(*cli.Context, *migrate.Migrate) error) cli.ActionFunc {
	return func(c *cli.Context) error {
		databaseURL := c.String("database")
		if databaseURL == "" {
			databaseURL = os.Getenv("DATABASE_URL")
		}
		if databaseURL == "" {
			return errors.New("database URL is required, use --database or DATABASE_URL")
		}

		path := c.String("path")
		logger.Info("connecting to database", "migrations", path)

		m, err := migrate.New("file://"+path, databaseURL)
		if err != nil {
			return fmt.Errorf("failed to create migration instance: %w", err)
		}
		defer m.Close()

		return fn(c, m)
	}
}

func up(_ *cli.Context, m *migrate.Migrate) error {
	err := m.Up()
	if errors.Is(err, migrate.ErrNoChange) {
		logger.Info("no migrations to run, database is up to date")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	logger.Info("migrations completed")
	return nil
}

func down(c *cli.Context, m *migrate.Migrate) error {
	var err error
	if steps := c.Int("steps"); steps > 0 {
		err = m.Steps(-steps)
	} else {
		err = m.Down()
	}
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to roll back migrations: %w", err)
	}
	logger.Info("rollback completed")
	return nil
}

func version(c *cli.Context, m *migrate.Migrate) error {
	v, dirty, err := m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		fmt.Fprintln(c.App.Writer, "no migrations applied")
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	fmt.Fprintf(c.App.Writer, "version %d (dirty: %v)\n", v, dirty)
	return nil
}

func force(c *cli.Context, m *migrate.Migrate) error {
	if c.NArg() < 1 {
		return errors.New("force requires a version number")
	}
	v, err := strconv.Atoi(c.Args().First())
	if err != nil {
		return fmt.Errorf("invalid version number: %w", err)
	}
	if err := m.Force(v); err != nil {
		return fmt.Errorf("failed to force version: %w", err)
	}
	logger.Info("forced schema version", "version", v)
	return nil
}
