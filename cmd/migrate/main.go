package main

import (
	"flag"
	"os"

	"github.com/gearloop/marketplace/internal/config"
	"github.com/gearloop/marketplace/internal/database"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	var (
		command     string
		steps       int
		databaseURL string
	)

	flag.StringVar(&command, "command", "up", "Migration command: up, down, force, version")
	flag.IntVar(&steps, "steps", 1, "Steps to roll back for down, or the version for force")
	flag.StringVar(&databaseURL, "database", "", "Database URL (overrides DATABASE_URL)")
	flag.Parse()

	if databaseURL == "" {
		cfg, err := config.Load()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to load configuration")
		}
		databaseURL = cfg.Database.URL
	}

	log.Info().
		Str("command", command).
		Int("steps", steps).
		Msg("Starting migration")

	var err error
	switch command {
	case "up":
		err = database.RunMigrations(databaseURL)
	case "down":
		if steps <= 0 {
			log.Fatal().Msg("Down command requires a positive -steps")
		}
		err = database.RollbackMigration(databaseURL, steps)
	case "force":
		err = database.ForceMigrationVersion(databaseURL, steps)
	case "version":
		version, dirty, verr := database.MigrationVersion(databaseURL)
		if verr != nil {
			log.Fatal().Err(verr).Msg("Failed to get version")
		}
		log.Info().
			Uint("version", version).
			Bool("dirty", dirty).
			Msg("Current migration version")
		return
	default:
		log.Fatal().Str("command", command).Msg("Unknown command")
	}

	if err != nil {
		log.Fatal().Err(err).Msg("Migration failed")
	}

	log.Info().Msg("Migration completed successfully")
}
