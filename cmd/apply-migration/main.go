package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"path/filepath"
	"trip-sync/common/database"
	"trip-sync/internal/config"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// migrator 是 migrate.Migrate 中本工具用到的部分
type migrator interface {
	Up() error
	Down() error
	Steps(n int) error
}

func main() {
	var (
		dir       = flag.String("path", "db/migrations", "Directory containing NNNNNN_name.up.sql / .down.sql files")
		direction = flag.String("direction", "up", "Migration direction: up or down")
		steps     = flag.Int("steps", 0, "Apply only N migrations in the given direction (0 = all)")
	)
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	db, err := database.Open(context.Background(), &cfg.Database)
	if err != nil {
		log.Fatalf("Cannot connect to database: %v", err)
	}
	defer database.Close(db)

	fmt.Printf("Connected to database: %s\n\n", cfg.Database.Database)

	source, err := sourceURL(*dir)
	if err != nil {
		log.Fatalf("Invalid migrations path %s: %v", *dir, err)
	}

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatalf("Failed to prepare migration driver: %v", err)
	}

	m, err := migrate.NewWithDatabaseInstance(source, cfg.Database.Database, driver)
	if err != nil {
		log.Fatalf("Failed to open migrations at %s: %v", source, err)
	}

	if err := run(m, *direction, *steps); err != nil {
		log.Fatalf("Migration failed: %v", err)
	}

	version, dirty, err := m.Version()
	switch {
	case errors.Is(err, migrate.ErrNilVersion):
		fmt.Println("Database has no migrations applied")
	case err != nil:
		log.Fatalf("Failed to read schema version: %v", err)
	default:
		fmt.Printf("Schema version: %d (dirty: %v)\n", version, dirty)
	}

	fmt.Println("Migration completed successfully")
}

// run 按方向执行迁移，已是目标版本时视为成功
func run(m migrator, direction string, steps int) error {
	if steps < 0 {
		return fmt.Errorf("steps must not be negative, got %d", steps)
	}

	var err error
	switch direction {
	case "up":
		if steps > 0 {
			err = m.Steps(steps)
		} else {
			err = m.Up()
		}
	case "down":
		if steps > 0 {
			err = m.Steps(-steps)
		} else {
			err = m.Down()
		}
	default:
		return fmt.Errorf("direction must be up or down, got %q", direction)
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

func sourceURL(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", err
	}
	return "file://" + filepath.ToSlash(abs), nil
}
