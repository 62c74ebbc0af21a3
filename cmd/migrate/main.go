package main

import (
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strconv"

	"trimatrix/pkg/config"
	"trimatrix/pkg/logger"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.NewWithLevel("trimatrix-migrate", cfg.Log.Level)

	if cfg.Database.URL == "" {
		log.Fatal("DATABASE_URL environment variable is required", nil)
	}
	if len(os.Args) < 2 {
		log.Fatal("Usage: migrate [up|down|steps N|version|force VERSION]", nil)
	}
	source := "file://" + getEnv("MIGRATIONS_PATH", "migrations")

	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		log.Fatal("Failed to connect to database", map[string]interface{}{"error": err.Error()})
	}
	defer db.Close()

	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		log.Fatal("Failed to create migration driver", map[string]interface{}{"error": err.Error()})
	}

	m, err := migrate.NewWithDatabaseInstance(source, "postgres", driver)
	if err != nil {
		log.Fatal("Failed to create migrate instance", map[string]interface{}{"error": err.Error()})
	}

	command := os.Args[1]
	switch command {
	case "up":
		err = m.Up()
	case "down":
		err = m.Down()
	case "steps":
		n, convErr := intArg(2)
		if convErr != nil {
			log.Fatal("Usage: migrate steps N", map[string]interface{}{"error": convErr.Error()})
		}
		err = m.Steps(n)
	case "force":
		v, convErr := intArg(2)
		if convErr != nil {
			log.Fatal("Usage: migrate force VERSION", map[string]interface{}{"error": convErr.Error()})
		}
		err = m.Force(v)
	case "version":
		version, dirty, verr := m.Version()
		if verr != nil && !errors.Is(verr, migrate.ErrNilVersion) {
			log.Fatal("Failed to get version", map[string]interface{}{"error": verr.Error()})
		}
		log.Info("Current schema version", map[string]interface{}{"version": version, "dirty": dirty})
		return
	default:
		log.Fatal("Unknown command", map[string]interface{}{"command": command})
	}

	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		log.Fatal("Migration failed", map[string]interface{}{
			"command": command,
			"error":   err.Error(),
		})
	}
	log.Info("Migration complete", map[string]interface{}{"command": command, "source": source})
}

func intArg(i int) (int, error) {
	if len(os.Args) <= i {
		return 0, fmt.Errorf("missing argument")
	}
	return strconv.Atoi(os.Args[i])
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
