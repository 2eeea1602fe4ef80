// Package main applies the database schema and optionally seeds
// development data. Intended for local setups and CI, not production.
package main

import (
	"database/sql"
	"fmt"
	"log"
	"os"
	"strings"

	_ "github.com/lib/pq"
)

func main() {
	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		log.Fatal("DATABASE_URL not set")
	}

	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		log.Fatal("ping failed: ", err)
	}
	fmt.Println("Connected to DB")

	fmt.Println("Running migrations...")
	migration, err := os.ReadFile("migrations/001_initial_schema.up.sql")
	if err != nil {
		migration, err = os.ReadFile("../../migrations/001_initial_schema.up.sql")
		if err != nil {
			log.Fatal("could not find migration file: ", err)
		}
	}

	// lib/pq supports multiple statements in a single Exec
	if _, err := db.Exec(string(migration)); err != nil {
		log.Printf("migration warning (might be already applied): %v\n", err)
	} else {
		fmt.Println("Migrations applied successfully")
	}

	seedFile := os.Getenv("SEED_FILE")
	if seedFile == "" {
		fmt.Println("SEED_FILE not set, skipping seed data")
		return
	}

	fmt.Println("Seeding data from", seedFile)
	seed, err := os.ReadFile(seedFile)
	if err != nil {
		log.Fatal(err)
	}

	// Seed files are plain inserts, one statement per semicolon.
	for _, stmt := range strings.Split(string(seed), ";") {
		stmt = strings.TrimSpace(stmt)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			fmt.Printf("Error executing statement: %v\nStatement: %s\n", err, stmt)
		}
	}
	fmt.Println("Seeding complete")
}
