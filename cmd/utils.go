package cmd

import (
	"log"

	"github.com/joho/godotenv"
)

// LoadEnvFile loads a .env file if one exists, useful for local
// development. Missing files are not an error; the process environment
// always wins.
func LoadEnvFile() {
	if err := godotenv.Load(); err != nil {
		log.Println("no .env file found, continuing with environment variables")
	}
}
