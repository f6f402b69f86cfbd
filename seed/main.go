package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/fluentedge-labs/assess_api/seed/seeders"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using system environment variables")
	}

	var (
		seedType = flag.String("type", "all", "Type of seeding: all, topics, users")
		dsn      = flag.String("dsn", "", "Database DSN (overrides DATABASE_URL env var)")
		help     = flag.Bool("help", false, "Show help message")
	)
	flag.Parse()

	if *help {
		showHelp()
		return
	}

	database := *dsn
	if database == "" {
		database = databaseDSN()
	}

	db, err := gorm.Open(postgres.Open(database), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Info),
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}

	log.Println("Connected to database")

	mainSeeder := seeders.NewMainSeeder(db)

	switch *seedType {
	case "all":
		log.Println("Running complete database seeding...")
		if err := mainSeeder.SeedAll(); err != nil {
			log.Fatalf("Failed to seed database: %v", err)
		}
	case "topics":
		log.Println("Seeding topics only...")
		if err := mainSeeder.SeedTopicsOnly(); err != nil {
			log.Fatalf("Failed to seed topics: %v", err)
		}
	case "users":
		log.Println("Seeding demo users only...")
		if err := mainSeeder.SeedUsersOnly(); err != nil {
			log.Fatalf("Failed to seed users: %v", err)
		}
	default:
		log.Fatalf("Unknown seed type: %s. Use 'all', 'topics', or 'users'", *seedType)
	}

	log.Println("Seeding operation completed successfully!")
}

// databaseDSN mirrors the DSN the API builds from the environment.
func databaseDSN() string {
	if url := os.Getenv("DATABASE_URL"); url != "" {
		return url
	}

	host := os.Getenv("DB_HOST")
	if host == "" {
		host = "localhost"
	}
	port := os.Getenv("DB_PORT")
	if port == "" {
		port = "5432"
	}
	user := os.Getenv("DB_USER")
	if user == "" {
		user = "postgres"
	}
	password := os.Getenv("DB_PASSWORD")
	if password == "" {
		password = "postgres"
	}
	dbname := os.Getenv("DB_NAME")
	if dbname == "" {
		dbname = "assess_api"
	}
	sslmode := os.Getenv("DB_SSLMODE")
	if sslmode == "" {
		sslmode = "disable"
	}

	return fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=%s",
		host, user, password, dbname, port, sslmode)
}

func showHelp() {
	log.Println(`
Database Seeding Tool for the FluentEdge Assessment API

Usage: go run seed/main.go [flags]

Flags:
  -type string
        Type of seeding to perform (default "all")
        Options: all, topics, users
  -dsn string
        Database DSN (overrides DATABASE_URL environment variable)
  -help
        Show this help message

Examples:
  # Seed everything
  go run seed/main.go

  # Seed only the topic bank
  go run seed/main.go -type=topics

  # Seed demo users against a custom database
  go run seed/main.go -type=users -dsn="host=localhost user=postgres dbname=assess_api"

Environment Variables:
  DATABASE_URL - Full DSN; falls back to DB_HOST/DB_PORT/DB_USER/DB_PASSWORD/DB_NAME
`)
}
