package main

import (
	"fmt"
	"log"
	"os"

	"crashcore/internal/database"

	_ "github.com/joho/godotenv/autoload"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]
	migrationsPath := getEnv("MIGRATIONS_PATH", "./migrations")

	switch command {
	case "up":
		log.Println("Running migrations...")
		if err := database.RunMigrations(migrationsPath); err != nil {
			log.Fatalf("Migration failed: %v", err)
		}
		log.Println("Migrations completed successfully")

	case "down":
		log.Println("Rolling back last migration...")
		if err := database.RollbackMigration(migrationsPath); err != nil {
			log.Fatalf("Rollback failed: %v", err)
		}
		log.Println("Rollback completed successfully")

	case "version":
		version, dirty, err := database.GetMigrationVersion(migrationsPath)
		if err != nil {
			log.Fatalf("Failed to get version: %v", err)
		}
		if dirty {
			log.Printf("Current version: %d (DIRTY - needs manual intervention)", version)
		} else {
			log.Printf("Current version: %d", version)
		}

	case "create":
		if len(os.Args) < 3 {
			log.Fatal("Usage: migrate create <migration_name>")
		}
		createMigration(migrationsPath, os.Args[2])

	default:
		log.Printf("Unknown command: %s", command)
		printUsage()
		os.Exit(1)
	}
}

func createMigration(migrationsPath, name string) {
	files, err := os.ReadDir(migrationsPath)
	if err != nil {
		log.Fatalf("Failed to read migrations directory: %v", err)
	}

	nextVersion := 1
	for _, file := range files {
		if !file.IsDir() {
			nextVersion++
		}
	}
	nextVersion = (nextVersion / 2) + 1 // each migration has up and down files

	upFile := fmt.Sprintf("%s/%06d_%s.up.sql", migrationsPath, nextVersion, name)
	downFile := fmt.Sprintf("%s/%06d_%s.down.sql", migrationsPath, nextVersion, name)

	upContent := fmt.Sprintf("-- Migration: %s\n\n-- Add your SQL here\n", name)
	if err := os.WriteFile(upFile, []byte(upContent), 0644); err != nil {
		log.Fatalf("Failed to create up migration: %v", err)
	}
	downContent := fmt.Sprintf("-- Rollback: %s\n\n-- Add your rollback SQL here\n", name)
	if err := os.WriteFile(downFile, []byte(downContent), 0644); err != nil {
		log.Fatalf("Failed to create down migration: %v", err)
	}

	log.Printf("Created migration files:")
	log.Printf("   - %s", upFile)
	log.Printf("   - %s", downFile)
}

func printUsage() {
	fmt.Println("Database Migration Tool")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  migrate up              Run all pending migrations")
	fmt.Println("  migrate down            Rollback the last migration")
	fmt.Println("  migrate version         Show current migration version")
	fmt.Println("  migrate create <name>   Create a new migration file")
	fmt.Println()
	fmt.Println("Environment Variables:")
	fmt.Println("  DB_HOST                 Database host")
	fmt.Println("  DB_PORT                 Database port")
	fmt.Println("  DB_DATABASE             Database name")
	fmt.Println("  DB_USERNAME             Database user")
	fmt.Println("  DB_PASSWORD             Database password")
	fmt.Println("  MIGRATIONS_PATH         Path to migrations (default: ./migrations)")
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}
