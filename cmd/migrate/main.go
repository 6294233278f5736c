package main

import (
	"database/sql"
	"flag"
	"fmt"
	"os"

	"dmserver/internal/migrations"
	"dmserver/internal/security"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"
)

func main() {
	dbPath := flag.String("db", "./dmserver.db", "Path to the database file")
	flag.Parse()

	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})

	applied, err := migrate(*dbPath)
	if err != nil {
		logger.WithError(err).Fatal("Migration failed")
	}

	logger.WithFields(logrus.Fields{
		"db":      *dbPath,
		"applied": applied,
	}).Info("Database schema is up to date")
}

// migrate applies every pending embedded migration to an existing database.
func migrate(dbPath string) (int, error) {
	if err := security.ValidateFilePath(dbPath); err != nil {
		return 0, fmt.Errorf("invalid database path: %w", err)
	}
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return 0, fmt.Errorf("database file not found: %s", dbPath)
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return 0, fmt.Errorf("failed to open database: %w", err)
	}
	defer db.Close()

	return migrations.Apply(db)
}
